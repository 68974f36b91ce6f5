package writer

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	"github.com/sirupsen/logrus"
	"github.com/vitebski/ods-ingest/internal/connector"
	"github.com/vitebski/ods-ingest/pkg/models"
)

// StagingSuffix is appended to the target name to form its staging table
const StagingSuffix = "_temp"

// MergeWriter lands reconciled batches in a target table through a staging table
type MergeWriter struct {
	DB     *connector.DatabaseConnector
	Schema string
	Logger *logrus.Logger
}

// NewMergeWriter creates a writer for one instance schema on the target connection
func NewMergeWriter(db *connector.DatabaseConnector, schema string, logger *logrus.Logger) *MergeWriter {
	return &MergeWriter{
		DB:     db,
		Schema: schema,
		Logger: logger,
	}
}

// Write stages the batch, supersedes current rows for incremental loads and appends.
// The staging table is dropped on every exit path.
func (w *MergeWriter) Write(ctx context.Context, batch *models.Batch, tableName string, method models.LoadMethod, businessKey string) (err error) {
	if batch.Len() == 0 {
		return nil
	}

	keyIdx := -1
	if method == models.Incremental {
		if businessKey == "" {
			return fmt.Errorf("%w: incremental load of %s needs a business key", models.ErrConfiguration, tableName)
		}
		if keyIdx = batch.ColumnIndexFold(businessKey); keyIdx < 0 {
			return fmt.Errorf("%w: business key %s is not a column of %s", models.ErrConfiguration, businessKey, tableName)
		}
		businessKey = batch.Columns[keyIdx]
	}

	target := w.DB.Table(w.Schema, tableName)
	staging := w.DB.Table(w.Schema, tableName+StagingSuffix)

	if _, err := w.DB.ExecuteStatement(ctx, fmt.Sprintf("DROP TABLE IF EXISTS %s", staging)); err != nil {
		return fmt.Errorf("failed to clear staging table for %s: %w", tableName, err)
	}
	if _, err := w.DB.ExecuteStatement(ctx, w.DB.Dialect.CreateTableLike(staging, target)); err != nil {
		return fmt.Errorf("failed to create staging table for %s: %w", tableName, err)
	}
	defer func() {
		if _, dropErr := w.DB.ExecuteStatement(context.WithoutCancel(ctx), fmt.Sprintf("DROP TABLE IF EXISTS %s", staging)); dropErr != nil {
			w.Logger.Warningf("Failed to drop staging table %s: %v", staging, dropErr)
			if err == nil {
				err = fmt.Errorf("failed to drop staging table for %s: %w", tableName, dropErr)
			}
		}
	}()

	rows := batch.Rows
	if keyIdx >= 0 {
		rows = lastCurrentPerKey(batch, keyIdx)
	}

	columns := w.quoteColumns(batch.Columns)
	insert := fmt.Sprintf(
		"INSERT INTO %s (%s) VALUES (%s)",
		staging,
		columns,
		connector.Placeholders(w.DB.Dialect, 0, len(batch.Columns)),
	)
	if _, err := w.DB.ExecuteMany(ctx, insert, rows); err != nil {
		return fmt.Errorf("failed to stage %d rows for %s: %w", len(rows), tableName, err)
	}
	w.Logger.Debugf("Staged %d rows in %s", len(rows), staging)

	err = w.DB.WithTx(ctx, func(tx *sql.Tx) error {
		if method == models.Incremental {
			key := w.DB.Dialect.QuoteIdentifier(businessKey)
			current := w.DB.Dialect.QuoteIdentifier(models.CurrentRecordColumn)
			supersede := fmt.Sprintf(
				"UPDATE %s SET %s = FALSE WHERE %s = TRUE AND %s IN (SELECT %s FROM %s)",
				target, current, current, key, key, staging,
			)
			result, err := tx.ExecContext(ctx, supersede)
			if err != nil {
				return fmt.Errorf("supersede: %w", err)
			}
			if n, err := result.RowsAffected(); err == nil && n > 0 {
				w.Logger.Debugf("Superseded %d rows in %s", n, target)
			}
		}

		appendRows := fmt.Sprintf("INSERT INTO %s (%s) SELECT %s FROM %s", target, columns, columns, staging)
		if _, err := tx.ExecContext(ctx, appendRows); err != nil {
			return fmt.Errorf("append: %w", err)
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to merge %s: %w", tableName, err)
	}
	return nil
}

func (w *MergeWriter) quoteColumns(columns []string) string {
	quoted := make([]string, len(columns))
	for i, col := range columns {
		quoted[i] = w.DB.Dialect.QuoteIdentifier(col)
	}
	return strings.Join(quoted, ", ")
}

// lastCurrentPerKey clears current_record on every row whose business key
// appears again later in the batch. Row order is preserved.
func lastCurrentPerKey(batch *models.Batch, keyIdx int) [][]interface{} {
	currentIdx := batch.ColumnIndex(models.CurrentRecordColumn)
	if currentIdx < 0 {
		return batch.Rows
	}

	last := make(map[string]int, len(batch.Rows))
	for i, row := range batch.Rows {
		last[keyString(row[keyIdx])] = i
	}
	if len(last) == len(batch.Rows) {
		return batch.Rows
	}

	rows := make([][]interface{}, len(batch.Rows))
	for i, row := range batch.Rows {
		if last[keyString(row[keyIdx])] != i {
			row = append([]interface{}(nil), row...)
			row[currentIdx] = false
		}
		rows[i] = row
	}
	return rows
}

func keyString(v interface{}) string {
	if b, ok := v.([]byte); ok {
		return string(b)
	}
	return fmt.Sprintf("%T:%v", v, v)
}
