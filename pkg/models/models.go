package models

import (
	"strings"
	"time"
)

// LoadMethod is how rows of an entity are merged into its target table
type LoadMethod string

const (
	Incremental LoadMethod = "incremental"
	Full        LoadMethod = "full"
)

// ParseLoadMethod normalizes a registry value into a LoadMethod
func ParseLoadMethod(s string) (LoadMethod, bool) {
	switch LoadMethod(strings.ToLower(strings.TrimSpace(s))) {
	case Incremental:
		return Incremental, true
	case Full:
		return Full, true
	}
	return LoadMethod(s), false
}

// DefaultChunkSize is used when neither the registry nor the config sets one
const DefaultChunkSize = 1000000

// Engine-managed columns appended to every target table
const (
	IngestDatetimeColumn = "ingest_datetime"
	CurrentRecordColumn  = "current_record"
)

// EntityParameter governs the ingestion of one target table
type EntityParameter struct {
	TableName     string
	EntityName    string
	BusinessKey   string
	ModifiedField string // empty means full refresh only
	LoadMethod    LoadMethod
	ChunkSize     *int
	Active        bool
}

// EffectiveChunkSize returns the configured chunk size or def
func (p EntityParameter) EffectiveChunkSize(def int) int {
	if p.ChunkSize != nil && *p.ChunkSize > 0 {
		return *p.ChunkSize
	}
	if def > 0 {
		return def
	}
	return DefaultChunkSize
}

// RunStatus is the state of a ledger entry
type RunStatus string

const (
	StatusRunning   RunStatus = "running"
	StatusSucceeded RunStatus = "succeeded"
	StatusFailed    RunStatus = "failed"
)

// RunRecord represents one row of the run ledger
type RunRecord struct {
	RunID      int64
	ParentID   *int64
	Job        string
	StartedAt  time.Time
	FinishedAt *time.Time
	Status     RunStatus
	TimeTaken  int
}

// Batch is a chunk of rows, each row aligned to Columns
type Batch struct {
	Columns []string
	Rows    [][]interface{}
}

// Len returns the number of rows in the batch
func (b *Batch) Len() int {
	if b == nil {
		return 0
	}
	return len(b.Rows)
}

// ColumnIndex returns the position of a column, or -1
func (b *Batch) ColumnIndex(name string) int {
	for i, col := range b.Columns {
		if col == name {
			return i
		}
	}
	return -1
}

// ColumnIndexFold is ColumnIndex falling back to a case-insensitive match
func (b *Batch) ColumnIndexFold(name string) int {
	if i := b.ColumnIndex(name); i >= 0 {
		return i
	}
	for i, col := range b.Columns {
		if strings.EqualFold(col, name) {
			return i
		}
	}
	return -1
}

// EntityResult is the outcome of one entity within a job
type EntityResult struct {
	Instance    string
	TableName   string
	RunID       int64
	Status      RunStatus
	Chunks      int
	RowsWritten int
	Err         error
}

// JobResult summarizes a whole ingestion run
type JobResult struct {
	RunID     int64
	Status    RunStatus
	StartedAt time.Time
	Duration  time.Duration
	Entities  []EntityResult
	Errors    []error
}

// Failed returns the entities that did not succeed
func (r *JobResult) Failed() []EntityResult {
	var failed []EntityResult
	for _, e := range r.Entities {
		if e.Status != StatusSucceeded {
			failed = append(failed, e)
		}
	}
	return failed
}
