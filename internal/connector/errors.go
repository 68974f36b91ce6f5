package connector

import (
	"database/sql/driver"
	"errors"
	"fmt"
	"net"

	"github.com/go-sql-driver/mysql"
	"github.com/lib/pq"
	"github.com/vitebski/ods-ingest/pkg/models"
)

// MySQL server error numbers
const (
	mysqlErrDBCreateExists  = 1007
	mysqlErrTableExists     = 1050
	mysqlErrDupKeyName      = 1061
	mysqlErrDupEntry        = 1062
	mysqlErrNoSuchTable     = 1146
	mysqlErrBadFieldError   = 1054
	mysqlErrAccessDenied    = 1045
	mysqlErrDBAccessDenied  = 1044
	mysqlErrUnknownDatabase = 1049
)

// PostgreSQL SQLSTATE codes
const (
	pgUniqueViolation = "23505"
	pgDuplicateTable  = "42P07"
	pgDuplicateSchema = "42P06"
	pgDuplicateObject = "42710"
	pgUndefinedTable  = "42P01"
	pgUndefinedColumn = "42703"
	pgInvalidAuth     = "28P01"
	pgInvalidCatalog  = "3D000"
)

func mysqlNumber(err error) (uint16, bool) {
	var myErr *mysql.MySQLError
	if errors.As(err, &myErr) {
		return myErr.Number, true
	}
	return 0, false
}

func pgCode(err error) (string, bool) {
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		return string(pqErr.Code), true
	}
	return "", false
}

// IsDuplicateKey reports a unique or primary key violation
func IsDuplicateKey(err error) bool {
	if n, ok := mysqlNumber(err); ok {
		return n == mysqlErrDupEntry
	}
	if code, ok := pgCode(err); ok {
		return code == pgUniqueViolation
	}
	return false
}

// IsAlreadyExists reports an attempt to create an object that already exists
func IsAlreadyExists(err error) bool {
	if n, ok := mysqlNumber(err); ok {
		return n == mysqlErrTableExists || n == mysqlErrDBCreateExists || n == mysqlErrDupKeyName
	}
	if code, ok := pgCode(err); ok {
		return code == pgDuplicateTable || code == pgDuplicateSchema || code == pgDuplicateObject
	}
	return false
}

// IsUndefinedObject reports a missing table or column
func IsUndefinedObject(err error) bool {
	if n, ok := mysqlNumber(err); ok {
		return n == mysqlErrNoSuchTable || n == mysqlErrBadFieldError || n == mysqlErrUnknownDatabase
	}
	if code, ok := pgCode(err); ok {
		return code == pgUndefinedTable || code == pgUndefinedColumn || code == pgInvalidCatalog
	}
	return false
}

// IsConnectivity reports a failure to reach or authenticate against the server
func IsConnectivity(err error) bool {
	if errors.Is(err, driver.ErrBadConn) || errors.Is(err, mysql.ErrInvalidConn) {
		return true
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}
	if n, ok := mysqlNumber(err); ok {
		return n == mysqlErrAccessDenied || n == mysqlErrDBAccessDenied
	}
	if code, ok := pgCode(err); ok {
		return code == pgInvalidAuth
	}
	return false
}

// Classify wraps a driver error with the matching error kind. Already classified errors pass through.
func Classify(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, models.ErrConfiguration) || errors.Is(err, models.ErrConnectivity) || errors.Is(err, models.ErrStorageIntegrity) {
		return err
	}

	switch {
	case IsDuplicateKey(err):
		return fmt.Errorf("%w: %w", models.ErrStorageIntegrity, err)
	case IsUndefinedObject(err):
		return fmt.Errorf("%w: %w", models.ErrConfiguration, err)
	case IsConnectivity(err):
		return fmt.Errorf("%w: %w", models.ErrConnectivity, err)
	}
	return err
}
