package watermark

import (
	"context"
	"fmt"

	"github.com/sirupsen/logrus"
	"github.com/vitebski/ods-ingest/internal/connector"
	"github.com/vitebski/ods-ingest/pkg/models"
)

// Reader derives watermarks from rows already committed to the target tables
type Reader struct {
	DB     *connector.DatabaseConnector
	Schema string
	Logger *logrus.Logger
}

// NewReader creates a watermark reader for one instance schema
func NewReader(db *connector.DatabaseConnector, schema string, logger *logrus.Logger) *Reader {
	return &Reader{
		DB:     db,
		Schema: schema,
		Logger: logger,
	}
}

// Read returns the modified value of the most recently loaded row of tableName,
// or nil on a first run or when modifiedField is empty. The value keeps its driver type.
func (r *Reader) Read(ctx context.Context, tableName, modifiedField string) (interface{}, error) {
	if modifiedField == "" {
		return nil, nil
	}

	field := r.DB.Dialect.QuoteIdentifier(modifiedField)
	query := fmt.Sprintf(
		"SELECT %s FROM %s WHERE %s IS NOT NULL ORDER BY %s DESC, %s DESC LIMIT 1",
		field,
		r.DB.Table(r.Schema, tableName),
		field,
		r.DB.Dialect.QuoteIdentifier(models.IngestDatetimeColumn),
		field,
	)

	rows, err := r.DB.Query(ctx, query)
	if err != nil {
		r.Logger.Errorf("Error reading watermark for %s.%s: %v", r.Schema, tableName, err)
		return nil, fmt.Errorf("failed to read watermark for %s: %w", tableName, err)
	}
	defer rows.Close()

	if !rows.Next() {
		if err := rows.Err(); err != nil {
			return nil, connector.Classify(err)
		}
		r.Logger.Debugf("No watermark for %s.%s, extracting everything", r.Schema, tableName)
		return nil, nil
	}

	values, err := connector.ScanValues(rows, 1)
	if err != nil {
		return nil, fmt.Errorf("failed to scan watermark for %s: %w", tableName, err)
	}

	r.Logger.Debugf("Watermark for %s.%s: %v", r.Schema, tableName, values[0])
	return values[0], nil
}
