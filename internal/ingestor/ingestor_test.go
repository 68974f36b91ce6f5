package ingestor

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/vitebski/ods-ingest/internal/extractor"
	"github.com/vitebski/ods-ingest/pkg/models"
)

func testLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetLevel(logrus.FatalLevel)
	return logger
}

// fakeLedger keeps run records in memory
type fakeLedger struct {
	records []*models.RunRecord
	failJob string
}

func (l *fakeLedger) Start(_ context.Context, job string, parentID *int64) (*models.RunRecord, error) {
	if job == l.failJob {
		return nil, fmt.Errorf("%w: ledger unavailable", models.ErrConnectivity)
	}
	rec := &models.RunRecord{
		RunID:     int64(len(l.records) + 1),
		ParentID:  parentID,
		Job:       job,
		StartedAt: time.Now(),
		Status:    models.StatusRunning,
	}
	l.records = append(l.records, rec)
	return rec, nil
}

func (l *fakeLedger) Finish(_ context.Context, rec *models.RunRecord, status models.RunStatus) error {
	if rec.Status != models.StatusRunning {
		return fmt.Errorf("run %d already finished", rec.RunID)
	}
	now := time.Now()
	rec.FinishedAt = &now
	rec.Status = status
	return nil
}

func (l *fakeLedger) byJob(job string) *models.RunRecord {
	for _, rec := range l.records {
		if rec.Job == job {
			return rec
		}
	}
	return nil
}

type fakeParams struct {
	params map[string]models.EntityParameter
	err    error
}

func (p *fakeParams) ReadParams(context.Context) (map[string]models.EntityParameter, error) {
	return p.params, p.err
}

// memIterator serves fixed batches
type memIterator struct {
	batches []*models.Batch
	err     error
}

func (it *memIterator) Next() (*models.Batch, error) {
	if len(it.batches) == 0 {
		if it.err != nil {
			return nil, it.err
		}
		return nil, io.EOF
	}
	b := it.batches[0]
	it.batches = it.batches[1:]
	return b, nil
}

func (it *memIterator) Close() error { return nil }

// fakeExtractor returns fixed batches per entity and fails entities listed in errs
type fakeExtractor struct {
	batches  map[string][]*models.Batch
	errs     map[string]error
	requests []extractor.Request
}

func (e *fakeExtractor) Extract(_ context.Context, req extractor.Request) (extractor.BatchIterator, error) {
	e.requests = append(e.requests, req)
	if err := e.errs[req.EntityName]; err != nil {
		return nil, err
	}
	return &memIterator{batches: e.batches[req.EntityName]}, nil
}

// memTarget is an in-memory ODS serving watermarks, reconciliation and merges
type memTarget struct {
	tables    map[string]*memTable
	failWrite map[string]error
}

type memTable struct {
	rows []map[string]interface{}
}

func newMemTarget() *memTarget {
	return &memTarget{
		tables:    make(map[string]*memTable),
		failWrite: make(map[string]error),
	}
}

func (m *memTarget) table(name string) *memTable {
	t, ok := m.tables[name]
	if !ok {
		t = &memTable{}
		m.tables[name] = t
	}
	return t
}

func (m *memTarget) Read(_ context.Context, tableName, modifiedField string) (interface{}, error) {
	var best string
	for _, row := range m.table(tableName).rows {
		if v, ok := row[modifiedField].(string); ok && v > best {
			best = v
		}
	}
	if best == "" {
		return nil, nil
	}
	return best, nil
}

func (m *memTarget) Reconcile(_ context.Context, batch *models.Batch, _ string, ingestTime time.Time) (*models.Batch, error) {
	out := &models.Batch{Columns: append(append([]string(nil), batch.Columns...), models.IngestDatetimeColumn, models.CurrentRecordColumn)}
	for _, row := range batch.Rows {
		out.Rows = append(out.Rows, append(append([]interface{}(nil), row...), ingestTime, true))
	}
	return out, nil
}

func (m *memTarget) Write(_ context.Context, batch *models.Batch, tableName string, method models.LoadMethod, businessKey string) error {
	if err := m.failWrite[tableName]; err != nil {
		return err
	}
	t := m.table(tableName)

	keyIdx := batch.ColumnIndex(businessKey)
	last := make(map[interface{}]int)
	if method == models.Incremental {
		for i, row := range batch.Rows {
			last[row[keyIdx]] = i
		}
		for _, existing := range t.rows {
			if _, ok := last[existing[businessKey]]; ok && existing[models.CurrentRecordColumn] == true {
				existing[models.CurrentRecordColumn] = false
			}
		}
	}

	for i, row := range batch.Rows {
		rec := make(map[string]interface{}, len(batch.Columns))
		for j, col := range batch.Columns {
			rec[col] = row[j]
		}
		if method == models.Incremental && last[row[keyIdx]] != i {
			rec[models.CurrentRecordColumn] = false
		}
		t.rows = append(t.rows, rec)
	}
	return nil
}

func batchOf(ids ...int) *models.Batch {
	b := &models.Batch{Columns: []string{"ID", "Name"}}
	for _, id := range ids {
		b.Rows = append(b.Rows, []interface{}{id, fmt.Sprintf("name-%d", id)})
	}
	return b
}

func entity(table string, method models.LoadMethod, active bool) models.EntityParameter {
	return models.EntityParameter{
		TableName:   table,
		EntityName:  "Sales." + table,
		BusinessKey: "ID",
		LoadMethod:  method,
		Active:      active,
	}
}

func newTestInstance(name string, params map[string]models.EntityParameter, ex extractor.Extractor, target *memTarget) *Instance {
	return &Instance{
		Name:       name,
		Params:     &fakeParams{params: params},
		Watermarks: target,
		Extractor:  ex,
		Reconciler: target,
		Writer:     target,
	}
}

func TestRunIsolatesEntityFailures(t *testing.T) {
	target := newMemTarget()
	target.failWrite["Store"] = fmt.Errorf("%w: duplicate entry", models.ErrStorageIntegrity)

	ex := &fakeExtractor{
		batches: map[string][]*models.Batch{
			"Sales.Customer":  {batchOf(1, 2), batchOf(3)},
			"Sales.Store":     {batchOf(1)},
			"Sales.Territory": {batchOf(1, 2, 3, 4)},
		},
		errs: map[string]error{
			"Sales.Currency": fmt.Errorf("%w: source unreachable", models.ErrConnectivity),
		},
	}
	params := map[string]models.EntityParameter{
		"Customer":  entity("Customer", models.Incremental, true),
		"Store":     entity("Store", models.Incremental, true),
		"Currency":  entity("Currency", models.Full, true),
		"Territory": entity("Territory", models.Full, true),
	}

	ledger := &fakeLedger{}
	in := NewIngestor(ledger, []*Instance{newTestInstance("adventureworks", params, ex, target)}, 0, testLogger())

	result, err := in.Run(context.Background())
	require.NoError(t, err)

	assert.Equal(t, models.StatusFailed, result.Status)
	require.Len(t, result.Entities, 4)

	statuses := make(map[string]models.RunStatus)
	for _, e := range result.Entities {
		statuses[e.TableName] = e.Status
	}
	assert.Equal(t, models.StatusSucceeded, statuses["Customer"])
	assert.Equal(t, models.StatusFailed, statuses["Store"])
	assert.Equal(t, models.StatusFailed, statuses["Currency"])
	assert.Equal(t, models.StatusSucceeded, statuses["Territory"])

	assert.Len(t, target.table("Customer").rows, 3)
	assert.Len(t, target.table("Territory").rows, 4)
	assert.Empty(t, target.table("Store").rows)

	// one root and one sub-run per entity, all terminal
	require.Len(t, ledger.records, 5)
	root := ledger.byJob(RootJob)
	require.NotNil(t, root)
	assert.Nil(t, root.ParentID)
	assert.Equal(t, models.StatusFailed, root.Status)
	for _, rec := range ledger.records[1:] {
		require.NotNil(t, rec.ParentID)
		assert.Equal(t, root.RunID, *rec.ParentID)
		assert.NotEqual(t, models.StatusRunning, rec.Status)
	}
	assert.Equal(t, models.StatusFailed, ledger.byJob("ingest.adventureworks.Store").Status)
	assert.Equal(t, models.StatusSucceeded, ledger.byJob("ingest.adventureworks.Customer").Status)

	for _, e := range result.Failed() {
		assert.Error(t, e.Err)
	}
}

func TestRunUnknownInstanceWritesNothing(t *testing.T) {
	ledger := &fakeLedger{}
	in := NewIngestor(ledger, []*Instance{newTestInstance("adventureworks", nil, &fakeExtractor{}, newMemTarget())}, 0, testLogger())

	result, err := in.Run(context.Background(), "adventureworks", "northwind")
	require.Error(t, err)
	assert.Nil(t, result)
	assert.True(t, errors.Is(err, models.ErrConfiguration))
	assert.Contains(t, err.Error(), "northwind not valid instance(s)")
	assert.Empty(t, ledger.records)
}

func TestRunNoInstances(t *testing.T) {
	ledger := &fakeLedger{}
	in := NewIngestor(ledger, nil, 0, testLogger())

	_, err := in.Run(context.Background())
	assert.True(t, errors.Is(err, models.ErrConfiguration))
	assert.Empty(t, ledger.records)
}

func TestRunRootLedgerFailureAborts(t *testing.T) {
	target := newMemTarget()
	ex := &fakeExtractor{batches: map[string][]*models.Batch{"Sales.Customer": {batchOf(1)}}}
	params := map[string]models.EntityParameter{"Customer": entity("Customer", models.Incremental, true)}

	ledger := &fakeLedger{failJob: RootJob}
	in := NewIngestor(ledger, []*Instance{newTestInstance("adventureworks", params, ex, target)}, 0, testLogger())

	_, err := in.Run(context.Background())
	require.Error(t, err)
	assert.True(t, errors.Is(err, models.ErrConnectivity))
	assert.Empty(t, ex.requests)
}

func TestRunSkipsInactiveAndRejectsUnknownMethod(t *testing.T) {
	target := newMemTarget()
	ex := &fakeExtractor{batches: map[string][]*models.Batch{
		"Sales.Customer": {batchOf(1)},
		"Sales.Store":    {batchOf(1)},
	}}
	params := map[string]models.EntityParameter{
		"Customer": entity("Customer", models.Incremental, true),
		"Store":    entity("Store", models.LoadMethod("merge"), true),
		"Person":   entity("Person", models.Full, false),
	}

	ledger := &fakeLedger{}
	in := NewIngestor(ledger, []*Instance{newTestInstance("adventureworks", params, ex, target)}, 0, testLogger())

	result, err := in.Run(context.Background())
	require.NoError(t, err)
	require.Len(t, result.Entities, 2)
	assert.Nil(t, ledger.byJob("ingest.adventureworks.Person"))

	failed := result.Failed()
	require.Len(t, failed, 1)
	assert.Equal(t, "Store", failed[0].TableName)
	assert.True(t, errors.Is(failed[0].Err, models.ErrConfiguration))
}

func TestRunParamFailureContinuesWithNextInstance(t *testing.T) {
	target := newMemTarget()
	ex := &fakeExtractor{batches: map[string][]*models.Batch{"Sales.Customer": {batchOf(1, 2)}}}

	broken := newTestInstance("broken", nil, ex, newMemTarget())
	broken.Params = &fakeParams{err: fmt.Errorf("%w: entity_params missing", models.ErrConfiguration)}
	healthy := newTestInstance("healthy", map[string]models.EntityParameter{
		"Customer": entity("Customer", models.Incremental, true),
	}, ex, target)

	ledger := &fakeLedger{}
	in := NewIngestor(ledger, []*Instance{broken, healthy}, 0, testLogger())

	result, err := in.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, models.StatusFailed, result.Status)
	require.Len(t, result.Errors, 1)
	assert.True(t, errors.Is(result.Errors[0], models.ErrConfiguration))
	require.Len(t, result.Entities, 1)
	assert.Equal(t, models.StatusSucceeded, result.Entities[0].Status)
	assert.Equal(t, 2, result.Entities[0].RowsWritten)
}

func TestRerunSameBatchKeepsOneCurrentRowPerKey(t *testing.T) {
	target := newMemTarget()
	ex := &fakeExtractor{batches: map[string][]*models.Batch{"Sales.Customer": {batchOf(1, 2, 3)}}}
	params := map[string]models.EntityParameter{"Customer": entity("Customer", models.Incremental, true)}
	in := NewIngestor(&fakeLedger{}, []*Instance{newTestInstance("adventureworks", params, ex, target)}, 0, testLogger())

	for run := 1; run <= 2; run++ {
		result, err := in.Run(context.Background())
		require.NoError(t, err)
		require.Equal(t, models.StatusSucceeded, result.Status, "run %d", run)
	}

	rows := target.table("Customer").rows
	require.Len(t, rows, 6)
	current := make(map[interface{}]int)
	for _, row := range rows {
		if row[models.CurrentRecordColumn] == true {
			current[row["ID"]]++
		}
	}
	assert.Equal(t, map[interface{}]int{1: 1, 2: 1, 3: 1}, current)
	for _, row := range rows[:3] {
		assert.Equal(t, false, row[models.CurrentRecordColumn], "first load is superseded")
	}
}

func TestRunPassesChunkSizeAndWatermark(t *testing.T) {
	target := newMemTarget()
	target.table("Customer").rows = []map[string]interface{}{
		{"ID": 1, "ModifiedDate": "2008-04-30 00:00:00", models.CurrentRecordColumn: true},
	}
	ex := &fakeExtractor{}

	chunk := 500
	customer := entity("Customer", models.Incremental, true)
	customer.ModifiedField = "ModifiedDate"
	customer.ChunkSize = &chunk
	store := entity("Store", models.Full, true)
	store.ModifiedField = "ModifiedDate"

	params := map[string]models.EntityParameter{"Customer": customer, "Store": store}
	in := NewIngestor(&fakeLedger{}, []*Instance{newTestInstance("adventureworks", params, ex, target)}, 250, testLogger())

	result, err := in.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, models.StatusSucceeded, result.Status)

	require.Len(t, ex.requests, 2)
	assert.Equal(t, "Sales.Customer", ex.requests[0].EntityName)
	assert.Equal(t, 500, ex.requests[0].ChunkSize)
	assert.Equal(t, "2008-04-30 00:00:00", ex.requests[0].Watermark)
	assert.Equal(t, 250, ex.requests[1].ChunkSize)
	assert.Nil(t, ex.requests[1].Watermark, "full loads ignore the watermark")
}

type descendingOrderer struct{}

func (descendingOrderer) Order(_ context.Context, params []models.EntityParameter) []models.EntityParameter {
	out := append([]models.EntityParameter(nil), params...)
	sort.Slice(out, func(i, j int) bool { return out[i].TableName > out[j].TableName })
	return out
}

func TestRunUsesOrderer(t *testing.T) {
	target := newMemTarget()
	ex := &fakeExtractor{}
	params := map[string]models.EntityParameter{
		"A": entity("A", models.Full, true),
		"B": entity("B", models.Full, true),
		"C": entity("C", models.Full, true),
	}
	inst := newTestInstance("adventureworks", params, ex, target)
	inst.Orderer = descendingOrderer{}

	in := NewIngestor(&fakeLedger{}, []*Instance{inst}, 0, testLogger())
	_, err := in.Run(context.Background())
	require.NoError(t, err)

	require.Len(t, ex.requests, 3)
	assert.Equal(t, "Sales.C", ex.requests[0].EntityName)
	assert.Equal(t, "Sales.B", ex.requests[1].EntityName)
	assert.Equal(t, "Sales.A", ex.requests[2].EntityName)
}

func TestRunCancelledLeavesRootRunning(t *testing.T) {
	target := newMemTarget()
	ex := &fakeExtractor{batches: map[string][]*models.Batch{"Sales.Customer": {batchOf(1)}}}
	params := map[string]models.EntityParameter{"Customer": entity("Customer", models.Incremental, true)}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	ledger := &fakeLedger{}
	in := NewIngestor(ledger, []*Instance{newTestInstance("adventureworks", params, ex, target)}, 0, testLogger())

	result, err := in.Run(ctx)
	assert.True(t, errors.Is(err, context.Canceled))
	require.NotNil(t, result)
	assert.Equal(t, models.StatusFailed, result.Status)
	assert.Equal(t, models.StatusRunning, ledger.byJob(RootJob).Status)
	assert.Empty(t, ex.requests)
}

func writeDepartments(t *testing.T, dir string, lines ...string) {
	t.Helper()
	content := "DepartmentID,Name,GroupName,ModifiedDate\n" + strings.Join(lines, "\n") + "\n"
	require.NoError(t, os.WriteFile(filepath.Join(dir, "Department.csv"), []byte(content), 0o644))
}

func TestDepartmentScenario(t *testing.T) {
	dir := t.TempDir()
	target := newMemTarget()

	params := map[string]models.EntityParameter{
		"Department": {
			TableName:     "Department",
			EntityName:    "Department",
			BusinessKey:   "DepartmentID",
			ModifiedField: "ModifiedDate",
			LoadMethod:    models.Incremental,
			Active:        true,
		},
	}
	inst := newTestInstance("adventureworks", params, extractor.NewFileExtractor(dir, testLogger()), target)
	ledger := &fakeLedger{}
	in := NewIngestor(ledger, []*Instance{inst}, 0, testLogger())

	writeDepartments(t, dir,
		"1,Engineering,Research and Development,2008-04-30 00:00:00",
		"2,Tool Design,Research and Development,2008-04-30 00:00:00",
		"3,Sales,Sales and Marketing,2008-04-30 00:00:00",
	)

	result, err := in.Run(context.Background(), "adventureworks")
	require.NoError(t, err)
	require.Equal(t, models.StatusSucceeded, result.Status)
	assert.Equal(t, 3, result.Entities[0].RowsWritten)
	assert.Len(t, target.table("Department").rows, 3)

	// source updates department 2 after the first load
	writeDepartments(t, dir,
		"1,Engineering,Research and Development,2008-04-30 00:00:00",
		"2,Tool Design Group,Research and Development,2009-01-01 00:00:00",
		"3,Sales,Sales and Marketing,2008-04-30 00:00:00",
	)

	result, err = in.Run(context.Background(), "adventureworks")
	require.NoError(t, err)
	require.Equal(t, models.StatusSucceeded, result.Status)
	assert.Equal(t, 1, result.Entities[0].RowsWritten)

	rows := target.table("Department").rows
	require.Len(t, rows, 4)

	current := make(map[interface{}]int)
	for _, row := range rows {
		if row[models.CurrentRecordColumn] == true {
			current[row["DepartmentID"]]++
		}
	}
	assert.Equal(t, map[interface{}]int{"1": 1, "2": 1, "3": 1}, current)

	for _, row := range rows {
		if row["DepartmentID"] == "2" && row[models.CurrentRecordColumn] == true {
			assert.Equal(t, "Tool Design Group", row["Name"])
		}
	}

	// two runs, each with one sub-run
	assert.Len(t, ledger.records, 4)
}

func TestPlan(t *testing.T) {
	params := map[string]models.EntityParameter{
		"Store":    entity("Store", models.Full, true),
		"Customer": entity("Customer", models.Incremental, true),
		"Person":   entity("Person", models.Full, false),
	}
	ledger := &fakeLedger{}
	in := NewIngestor(ledger, []*Instance{newTestInstance("adventureworks", params, &fakeExtractor{}, newMemTarget())}, 0, testLogger())

	planned, err := in.Plan(context.Background(), "adventureworks")
	require.NoError(t, err)
	require.Len(t, planned, 2)
	assert.Equal(t, "Customer", planned[0].TableName)
	assert.Equal(t, "Store", planned[1].TableName)
	assert.Empty(t, ledger.records)

	_, err = in.Plan(context.Background(), "northwind")
	assert.True(t, errors.Is(err, models.ErrConfiguration))
}
