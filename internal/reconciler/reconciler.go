package reconciler

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/vitebski/ods-ingest/internal/connector"
	"github.com/vitebski/ods-ingest/pkg/models"
)

// Reconciler conforms extracted batches to the declared columns of their target table.
// Declared columns are probed once per table for the lifetime of the reconciler.
type Reconciler struct {
	DB     *connector.DatabaseConnector
	Schema string
	Logger *logrus.Logger

	columns map[string][]string
}

// NewReconciler creates a reconciler for one instance schema on the target connection
func NewReconciler(db *connector.DatabaseConnector, schema string, logger *logrus.Logger) *Reconciler {
	return &Reconciler{
		DB:      db,
		Schema:  schema,
		Logger:  logger,
		columns: make(map[string][]string),
	}
}

// TargetColumns returns the declared columns of tableName in target order
func (r *Reconciler) TargetColumns(ctx context.Context, tableName string) ([]string, error) {
	if cols, ok := r.columns[tableName]; ok {
		return cols, nil
	}

	query := fmt.Sprintf("SELECT * FROM %s WHERE 1 = 0", r.DB.Table(r.Schema, tableName))
	cols, err := r.DB.ProbeColumns(ctx, query)
	if err != nil {
		r.Logger.Errorf("Error probing columns of %s.%s: %v", r.Schema, tableName, err)
		return nil, fmt.Errorf("%w: target table %s.%s: %v", models.ErrConfiguration, r.Schema, tableName, err)
	}

	r.columns[tableName] = cols
	return cols, nil
}

// Reconcile stamps ingest metadata, fills missing declared columns with NULL and
// drops columns the target does not declare. The input batch is not modified.
func (r *Reconciler) Reconcile(ctx context.Context, batch *models.Batch, tableName string, ingestTime time.Time) (*models.Batch, error) {
	stamped := stamp(batch, ingestTime)

	declared, err := r.TargetColumns(ctx, tableName)
	if err != nil {
		return nil, err
	}

	return r.conform(stamped, declared, tableName), nil
}

// stamp copies the batch with ingest_datetime and current_record set on every row
func stamp(batch *models.Batch, ingestTime time.Time) *models.Batch {
	columns := append([]string(nil), batch.Columns...)
	ingestIdx := indexOf(columns, models.IngestDatetimeColumn)
	if ingestIdx < 0 {
		columns = append(columns, models.IngestDatetimeColumn)
		ingestIdx = len(columns) - 1
	}
	currentIdx := indexOf(columns, models.CurrentRecordColumn)
	if currentIdx < 0 {
		columns = append(columns, models.CurrentRecordColumn)
		currentIdx = len(columns) - 1
	}

	rows := make([][]interface{}, len(batch.Rows))
	for i, src := range batch.Rows {
		row := make([]interface{}, len(columns))
		copy(row, src)
		row[ingestIdx] = ingestTime
		row[currentIdx] = true
		rows[i] = row
	}

	return &models.Batch{Columns: columns, Rows: rows}
}

func (r *Reconciler) conform(batch *models.Batch, declared []string, tableName string) *models.Batch {
	exact := make(map[string]int, len(batch.Columns))
	folded := make(map[string]int, len(batch.Columns))
	for i, col := range batch.Columns {
		if _, ok := exact[col]; !ok {
			exact[col] = i
		}
		key := strings.ToLower(col)
		if _, ok := folded[key]; !ok {
			folded[key] = i
		}
	}

	// source position of each declared column, -1 when missing
	positions := make([]int, len(declared))
	used := make(map[int]bool, len(declared))
	var missing []string
	for i, col := range declared {
		pos, ok := exact[col]
		if !ok {
			pos, ok = folded[strings.ToLower(col)]
		}
		if !ok {
			pos = -1
			missing = append(missing, col)
		} else {
			used[pos] = true
		}
		positions[i] = pos
	}

	if len(missing) > 0 {
		r.Logger.Debugf("Adding NULL columns to %s: %s", tableName, strings.Join(missing, ", "))
	}
	if dropped := len(batch.Columns) - len(used); dropped > 0 {
		var names []string
		for i, col := range batch.Columns {
			if !used[i] {
				names = append(names, col)
			}
		}
		r.Logger.Debugf("Dropping columns not declared by %s: %s", tableName, strings.Join(names, ", "))
	}

	rows := make([][]interface{}, len(batch.Rows))
	for i, src := range batch.Rows {
		row := make([]interface{}, len(declared))
		for j, pos := range positions {
			if pos >= 0 {
				row[j] = src[pos]
			}
		}
		rows[i] = row
	}

	return &models.Batch{
		Columns: append([]string(nil), declared...),
		Rows:    rows,
	}
}

func indexOf(columns []string, name string) int {
	for i, col := range columns {
		if col == name {
			return i
		}
	}
	return -1
}
