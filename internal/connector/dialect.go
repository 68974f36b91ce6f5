package connector

import (
	"fmt"
	"net"
	"net/url"
	"strconv"
	"strings"

	"github.com/go-sql-driver/mysql"
	"github.com/lib/pq"
	"github.com/vitebski/ods-ingest/internal/config"
)

// Dialect captures the few statements that differ between backend families
type Dialect interface {
	// DriverName is the database/sql driver to open
	DriverName() string
	// DSN builds a connection string for the driver
	DSN(cc config.ConnectionConfig) string
	// QuoteIdentifier quotes a single identifier
	QuoteIdentifier(name string) string
	// Placeholder returns the bind marker for the n-th parameter, 1-based
	Placeholder(n int) string
	// CreateTableLike creates an empty table with the shape of another
	CreateTableLike(newTable, likeTable string) string
	// SupportsReturning reports whether INSERT ... RETURNING yields generated ids
	SupportsReturning() bool
	// SerialPrimaryKey is the column type of an auto-generated bigint key
	SerialPrimaryKey() string
	// TimestampType is the column type used for ledger timestamps
	TimestampType() string
	// ForeignKeysQuery lists (table_schema, table_name, referenced_table_schema, referenced_table_name)
	ForeignKeysQuery() string
}

// DialectFor returns the dialect of a configured driver
func DialectFor(driver string) (Dialect, error) {
	switch strings.ToLower(driver) {
	case "", config.DriverMySQL:
		return MySQLDialect{}, nil
	case config.DriverPostgres:
		return PostgresDialect{}, nil
	}
	return nil, fmt.Errorf("unsupported driver: %s", driver)
}

// MySQLDialect targets MySQL and MariaDB
type MySQLDialect struct{}

func (MySQLDialect) DriverName() string { return "mysql" }

func (MySQLDialect) DSN(cc config.ConnectionConfig) string {
	cfg := mysql.NewConfig()
	cfg.User = cc.User
	cfg.Passwd = cc.Password
	cfg.Net = "tcp"
	cfg.Addr = net.JoinHostPort(cc.Host, strconv.Itoa(cc.Port))
	cfg.DBName = cc.Database
	cfg.ParseTime = true
	if cc.TrustCert {
		cfg.TLSConfig = "skip-verify"
	}
	return cfg.FormatDSN()
}

func (MySQLDialect) QuoteIdentifier(name string) string {
	return "`" + strings.ReplaceAll(name, "`", "``") + "`"
}

func (MySQLDialect) Placeholder(int) string { return "?" }

func (MySQLDialect) CreateTableLike(newTable, likeTable string) string {
	return fmt.Sprintf("CREATE TABLE %s LIKE %s", newTable, likeTable)
}

func (MySQLDialect) SupportsReturning() bool { return false }

func (MySQLDialect) SerialPrimaryKey() string { return "BIGINT NOT NULL AUTO_INCREMENT PRIMARY KEY" }

func (MySQLDialect) TimestampType() string { return "DATETIME(3)" }

func (MySQLDialect) ForeignKeysQuery() string {
	return `
		SELECT
			table_schema,
			table_name,
			referenced_table_schema,
			referenced_table_name
		FROM information_schema.key_column_usage
		WHERE referenced_table_name IS NOT NULL
		AND table_schema NOT IN ('mysql', 'sys', 'information_schema', 'performance_schema')
		ORDER BY table_schema, table_name
	`
}

// PostgresDialect targets PostgreSQL through lib/pq
type PostgresDialect struct{}

func (PostgresDialect) DriverName() string { return "postgres" }

func (PostgresDialect) DSN(cc config.ConnectionConfig) string {
	sslMode := cc.SSLMode
	if sslMode == "" {
		if cc.TrustCert {
			sslMode = "require"
		} else {
			sslMode = "disable"
		}
	}
	u := url.URL{
		Scheme:   "postgres",
		User:     url.UserPassword(cc.User, cc.Password),
		Host:     net.JoinHostPort(cc.Host, strconv.Itoa(cc.Port)),
		Path:     "/" + cc.Database,
		RawQuery: url.Values{"sslmode": {sslMode}}.Encode(),
	}
	return u.String()
}

func (PostgresDialect) QuoteIdentifier(name string) string { return pq.QuoteIdentifier(name) }

func (PostgresDialect) Placeholder(n int) string { return "$" + strconv.Itoa(n) }

func (PostgresDialect) CreateTableLike(newTable, likeTable string) string {
	return fmt.Sprintf("CREATE TABLE %s (LIKE %s INCLUDING DEFAULTS)", newTable, likeTable)
}

func (PostgresDialect) SupportsReturning() bool { return true }

func (PostgresDialect) SerialPrimaryKey() string { return "BIGSERIAL PRIMARY KEY" }

func (PostgresDialect) TimestampType() string { return "TIMESTAMP" }

func (PostgresDialect) ForeignKeysQuery() string {
	return `
		SELECT
			tc.table_schema AS table_schema,
			tc.table_name AS table_name,
			ccu.table_schema AS referenced_table_schema,
			ccu.table_name AS referenced_table_name
		FROM information_schema.table_constraints tc
		JOIN information_schema.constraint_column_usage ccu
		ON tc.constraint_schema = ccu.constraint_schema
		AND tc.constraint_name = ccu.constraint_name
		WHERE tc.constraint_type = 'FOREIGN KEY'
		ORDER BY tc.table_schema, tc.table_name
	`
}

// QuoteQualified quotes each dot-separated part of a possibly schema-qualified name
func QuoteQualified(d Dialect, name string) string {
	parts := strings.Split(name, ".")
	for i, part := range parts {
		parts[i] = d.QuoteIdentifier(strings.TrimSpace(part))
	}
	return strings.Join(parts, ".")
}

// Placeholders returns n comma-separated bind markers starting at offset+1
func Placeholders(d Dialect, offset, n int) string {
	markers := make([]string, n)
	for i := range markers {
		markers[i] = d.Placeholder(offset + i + 1)
	}
	return strings.Join(markers, ", ")
}
