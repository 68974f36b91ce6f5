package ledger

import (
	"context"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/vitebski/ods-ingest/internal/connector"
	"github.com/vitebski/ods-ingest/pkg/models"
)

// Ledger appends and finalizes run records. Rows are never deleted.
type Ledger struct {
	DB     *connector.DatabaseConnector
	Table  string
	Logger *logrus.Logger

	now func() time.Time
}

// NewLedger creates a ledger writing to table on db
func NewLedger(db *connector.DatabaseConnector, table string, logger *logrus.Logger) *Ledger {
	if table == "" {
		table = "history"
	}
	return &Ledger{
		DB:     db,
		Table:  table,
		Logger: logger,
		now:    time.Now,
	}
}

// EnsureTable creates the ledger table when it does not exist
func (l *Ledger) EnsureTable(ctx context.Context) error {
	d := l.DB.Dialect
	ddl := fmt.Sprintf(`
		CREATE TABLE IF NOT EXISTS %s (
			run_id %s,
			parent_id BIGINT NULL,
			job VARCHAR(255) NOT NULL,
			started_at %s NOT NULL,
			finished_at %s NULL,
			run_status VARCHAR(20) NOT NULL,
			time_taken INT NULL
		)`,
		l.DB.Quote(l.Table),
		d.SerialPrimaryKey(),
		d.TimestampType(),
		d.TimestampType(),
	)

	if _, err := l.DB.ExecuteStatement(ctx, ddl); err != nil {
		return fmt.Errorf("failed to create ledger table %s: %w", l.Table, err)
	}
	return nil
}

// Start inserts a running record and returns it with its generated run id
func (l *Ledger) Start(ctx context.Context, job string, parentID *int64) (*models.RunRecord, error) {
	rec := &models.RunRecord{
		ParentID:  parentID,
		Job:       job,
		StartedAt: l.now(),
		Status:    models.StatusRunning,
	}

	var parent interface{}
	if parentID != nil {
		parent = *parentID
	}

	query := fmt.Sprintf(
		"INSERT INTO %s (parent_id, job, started_at, run_status) VALUES (%s)",
		l.DB.Quote(l.Table),
		connector.Placeholders(l.DB.Dialect, 0, 4),
	)

	id, err := l.DB.InsertReturningID(ctx, query, "run_id", parent, rec.Job, rec.StartedAt, string(rec.Status))
	if err != nil {
		l.Logger.Errorf("Error recording start of %s: %v", job, err)
		return nil, fmt.Errorf("failed to record start of %s: %w", job, err)
	}
	rec.RunID = id

	l.Logger.Debugf("Run %d (%s) started", rec.RunID, job)
	return rec, nil
}

// Finish moves a running record to its terminal status
func (l *Ledger) Finish(ctx context.Context, rec *models.RunRecord, status models.RunStatus) error {
	finished := l.now()
	timeTaken := int(finished.Sub(rec.StartedAt).Seconds())

	d := l.DB.Dialect
	query := fmt.Sprintf(
		"UPDATE %s SET finished_at = %s, time_taken = %s, run_status = %s WHERE run_id = %s",
		l.DB.Quote(l.Table),
		d.Placeholder(1),
		d.Placeholder(2),
		d.Placeholder(3),
		d.Placeholder(4),
	)

	if _, err := l.DB.ExecuteStatement(ctx, query, finished, timeTaken, string(status), rec.RunID); err != nil {
		l.Logger.Errorf("Error recording finish of run %d: %v", rec.RunID, err)
		return fmt.Errorf("failed to record finish of run %d: %w", rec.RunID, err)
	}

	rec.FinishedAt = &finished
	rec.TimeTaken = timeTaken
	rec.Status = status

	l.Logger.Debugf("Run %d (%s) finished: %s in %ds", rec.RunID, rec.Job, status, timeTaken)
	return nil
}
