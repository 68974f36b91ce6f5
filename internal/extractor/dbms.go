package extractor

import (
	"context"
	"database/sql"
	"fmt"
	"io"

	"github.com/sirupsen/logrus"
	"github.com/vitebski/ods-ingest/internal/connector"
	"github.com/vitebski/ods-ingest/pkg/models"
)

// DBMSExtractor reads entities from a relational source
type DBMSExtractor struct {
	DB     *connector.DatabaseConnector
	Logger *logrus.Logger
}

// NewDBMSExtractor creates an extractor over a source connection
func NewDBMSExtractor(db *connector.DatabaseConnector, logger *logrus.Logger) *DBMSExtractor {
	return &DBMSExtractor{
		DB:     db,
		Logger: logger,
	}
}

// Extract streams the entity. With a watermark only rows whose modified field is strictly
// greater are read, in ascending modified order, so an interrupted load never skips rows.
func (e *DBMSExtractor) Extract(ctx context.Context, req Request) (BatchIterator, error) {
	query, args, err := e.buildQuery(req)
	if err != nil {
		return nil, err
	}

	e.Logger.Debugf("Extracting %s: %s", req.EntityName, query)

	rows, err := e.DB.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to read %s: %w", req.EntityName, err)
	}

	columns, err := rows.Columns()
	if err != nil {
		rows.Close()
		return nil, fmt.Errorf("failed to read columns of %s: %w", req.EntityName, err)
	}

	return &rowsIterator{
		rows:    rows,
		columns: columns,
		size:    req.chunkSize(),
	}, nil
}

func (e *DBMSExtractor) buildQuery(req Request) (string, []interface{}, error) {
	if req.EntityName == "" {
		return "", nil, fmt.Errorf("%w: empty entity name", models.ErrConfiguration)
	}

	query := "SELECT * FROM " + e.DB.Quote(req.EntityName)
	if req.Watermark == nil {
		return query, nil, nil
	}

	if req.ModifiedField == "" {
		return "", nil, fmt.Errorf("%w: watermark given for %s without a modified field", models.ErrConfiguration, req.EntityName)
	}

	field := e.DB.Dialect.QuoteIdentifier(req.ModifiedField)
	query += fmt.Sprintf(" WHERE %s > %s ORDER BY %s ASC", field, e.DB.Dialect.Placeholder(1), field)
	return query, []interface{}{req.Watermark}, nil
}

// rowsIterator cuts an open cursor into batches, holding at most one batch in memory
type rowsIterator struct {
	rows    *sql.Rows
	columns []string
	size    int
	done    bool
}

func (it *rowsIterator) Next() (*models.Batch, error) {
	if it.done {
		return nil, io.EOF
	}

	batch := &models.Batch{
		Columns: append([]string(nil), it.columns...),
	}

	for len(batch.Rows) < it.size && it.rows.Next() {
		values, err := connector.ScanValues(it.rows, len(it.columns))
		if err != nil {
			it.done = true
			return nil, fmt.Errorf("failed to scan row: %w", err)
		}
		batch.Rows = append(batch.Rows, values)
	}

	if err := it.rows.Err(); err != nil {
		it.done = true
		return nil, connector.Classify(err)
	}

	if len(batch.Rows) < it.size {
		it.done = true
	}
	if len(batch.Rows) == 0 {
		return nil, io.EOF
	}
	return batch, nil
}

func (it *rowsIterator) Close() error {
	it.done = true
	return it.rows.Close()
}
