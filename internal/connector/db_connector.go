package connector

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "github.com/go-sql-driver/mysql"
	_ "github.com/lib/pq"
	"github.com/sirupsen/logrus"
	"github.com/vitebski/ods-ingest/internal/config"
	"github.com/vitebski/ods-ingest/pkg/models"
)

// DatabaseConnector handles one named connection and query execution
type DatabaseConnector struct {
	Name    string
	Config  config.ConnectionConfig
	Dialect Dialect
	DB      *sql.DB
	Logger  *logrus.Logger
}

// NewDatabaseConnector creates a new database connector for a named source
func NewDatabaseConnector(name string, cfg config.ConnectionConfig, logger *logrus.Logger) (*DatabaseConnector, error) {
	dialect, err := DialectFor(cfg.Driver)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", models.ErrConfiguration, name, err)
	}

	return &DatabaseConnector{
		Name:    name,
		Config:  cfg,
		Dialect: dialect,
		Logger:  logger,
	}, nil
}

// NewWithDB wraps an already opened *sql.DB
func NewWithDB(name string, db *sql.DB, dialect Dialect, logger *logrus.Logger) *DatabaseConnector {
	return &DatabaseConnector{
		Name:    name,
		Dialect: dialect,
		DB:      db,
		Logger:  logger,
	}
}

// Connect establishes the connection pool and verifies it
func (dc *DatabaseConnector) Connect(ctx context.Context) error {
	if dc.Config.Database == "" {
		return fmt.Errorf("%w: database name must be provided for connection %s", models.ErrConfiguration, dc.Name)
	}

	db, err := sql.Open(dc.Dialect.DriverName(), dc.Dialect.DSN(dc.Config))
	if err != nil {
		dc.Logger.Errorf("Error opening %s connection %s: %v", dc.Dialect.DriverName(), dc.Name, err)
		return fmt.Errorf("%w: %s: %v", models.ErrConnectivity, dc.Name, err)
	}
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(30 * time.Minute)

	// Test the connection
	if err := db.PingContext(ctx); err != nil {
		dc.Logger.Errorf("Error pinging %s: %v", dc.Name, err)
		db.Close()
		return fmt.Errorf("%w: %s: %v", models.ErrConnectivity, dc.Name, err)
	}

	dc.DB = db
	dc.Logger.Infof("Connected to %s database %s (%s)", dc.Dialect.DriverName(), dc.Config.Database, dc.Name)
	return nil
}

// Disconnect closes the database connection
func (dc *DatabaseConnector) Disconnect() {
	if dc.DB != nil {
		err := dc.DB.Close()
		if err != nil {
			dc.Logger.Errorf("Error closing connection %s: %v", dc.Name, err)
		} else {
			dc.Logger.Debugf("Connection %s closed", dc.Name)
		}
		dc.DB = nil
	}
}

func (dc *DatabaseConnector) ensureConnected(ctx context.Context) error {
	if dc.DB == nil {
		return dc.Connect(ctx)
	}
	return nil
}

// Quote quotes a possibly schema-qualified identifier
func (dc *DatabaseConnector) Quote(name string) string {
	return QuoteQualified(dc.Dialect, name)
}

// Table returns the quoted schema.table name. An empty schema yields the bare table.
func (dc *DatabaseConnector) Table(schema, table string) string {
	if schema == "" {
		return dc.Dialect.QuoteIdentifier(table)
	}
	return dc.Dialect.QuoteIdentifier(schema) + "." + dc.Dialect.QuoteIdentifier(table)
}

// ExecuteQuery executes a SQL query and returns the results
func (dc *DatabaseConnector) ExecuteQuery(ctx context.Context, query string, params ...interface{}) ([]map[string]interface{}, error) {
	rows, err := dc.Query(ctx, query, params...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	columns, err := rows.Columns()
	if err != nil {
		dc.Logger.Errorf("Error getting columns: %v", err)
		return nil, err
	}

	var results []map[string]interface{}

	for rows.Next() {
		values, err := ScanValues(rows, len(columns))
		if err != nil {
			dc.Logger.Errorf("Error scanning row: %v", err)
			return nil, err
		}

		row := make(map[string]interface{}, len(columns))
		for i, col := range columns {
			row[col] = values[i]
		}
		results = append(results, row)
	}

	if err := rows.Err(); err != nil {
		dc.Logger.Errorf("Error iterating rows: %v", err)
		return nil, Classify(err)
	}

	return results, nil
}

// Query runs a query and hands back the open cursor. The caller must close it.
func (dc *DatabaseConnector) Query(ctx context.Context, query string, params ...interface{}) (*sql.Rows, error) {
	if err := dc.ensureConnected(ctx); err != nil {
		return nil, err
	}

	rows, err := dc.DB.QueryContext(ctx, query, params...)
	if err != nil {
		dc.Logger.Debugf("Error executing query on %s: %v", dc.Name, err)
		return nil, Classify(err)
	}
	return rows, nil
}

// ProbeColumns runs a zero-row query and returns the column names it declares
func (dc *DatabaseConnector) ProbeColumns(ctx context.Context, query string) ([]string, error) {
	rows, err := dc.Query(ctx, query)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	columns, err := rows.Columns()
	if err != nil {
		return nil, err
	}
	return columns, nil
}

// ExecuteStatement executes a SQL statement and returns the number of affected rows
func (dc *DatabaseConnector) ExecuteStatement(ctx context.Context, query string, params ...interface{}) (int64, error) {
	if err := dc.ensureConnected(ctx); err != nil {
		return 0, err
	}

	result, err := dc.DB.ExecContext(ctx, query, params...)
	if err != nil {
		dc.Logger.Debugf("Error executing statement on %s: %v", dc.Name, err)
		return 0, Classify(err)
	}

	affected, err := result.RowsAffected()
	if err != nil {
		dc.Logger.Errorf("Error getting affected rows: %v", err)
		return 0, err
	}

	return affected, nil
}

// InsertReturningID executes an INSERT and returns the generated id of idColumn
func (dc *DatabaseConnector) InsertReturningID(ctx context.Context, query, idColumn string, params ...interface{}) (int64, error) {
	if err := dc.ensureConnected(ctx); err != nil {
		return 0, err
	}

	if dc.Dialect.SupportsReturning() {
		var id int64
		err := dc.DB.QueryRowContext(ctx, query+" RETURNING "+dc.Dialect.QuoteIdentifier(idColumn), params...).Scan(&id)
		if err != nil {
			return 0, Classify(err)
		}
		return id, nil
	}

	result, err := dc.DB.ExecContext(ctx, query, params...)
	if err != nil {
		return 0, Classify(err)
	}
	return result.LastInsertId()
}

// ExecuteMany executes a SQL statement with multiple parameter sets in one transaction
func (dc *DatabaseConnector) ExecuteMany(ctx context.Context, query string, paramsList [][]interface{}) (int64, error) {
	var totalAffected int64

	err := dc.WithTx(ctx, func(tx *sql.Tx) error {
		stmt, err := tx.PrepareContext(ctx, query)
		if err != nil {
			dc.Logger.Errorf("Error preparing statement: %v", err)
			return err
		}
		defer stmt.Close()

		for _, params := range paramsList {
			result, err := stmt.ExecContext(ctx, params...)
			if err != nil {
				dc.Logger.Debugf("Error executing batch statement: %v", err)
				return err
			}

			affected, err := result.RowsAffected()
			if err != nil {
				return err
			}
			totalAffected += affected
		}
		return nil
	})
	if err != nil {
		return 0, err
	}

	return totalAffected, nil
}

// WithTx runs fn inside a transaction, committing on success and rolling back otherwise
func (dc *DatabaseConnector) WithTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	if err := dc.ensureConnected(ctx); err != nil {
		return err
	}

	tx, err := dc.DB.BeginTx(ctx, nil)
	if err != nil {
		dc.Logger.Errorf("Error starting transaction on %s: %v", dc.Name, err)
		return Classify(err)
	}

	if err := fn(tx); err != nil {
		if rbErr := tx.Rollback(); rbErr != nil && rbErr != sql.ErrTxDone {
			dc.Logger.Warningf("Error rolling back transaction on %s: %v", dc.Name, rbErr)
		}
		return Classify(err)
	}

	if err := tx.Commit(); err != nil {
		dc.Logger.Errorf("Error committing transaction on %s: %v", dc.Name, err)
		return Classify(err)
	}
	return nil
}

// ScanValues scans the current row into driver values, copying []byte into string
func ScanValues(rows *sql.Rows, n int) ([]interface{}, error) {
	values := make([]interface{}, n)
	valuePtrs := make([]interface{}, n)
	for i := range values {
		valuePtrs[i] = &values[i]
	}

	if err := rows.Scan(valuePtrs...); err != nil {
		return nil, err
	}

	for i, val := range values {
		if b, ok := val.([]byte); ok {
			values[i] = string(b)
		}
	}
	return values, nil
}
