package ingestor

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sort"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/vitebski/ods-ingest/internal/config"
	"github.com/vitebski/ods-ingest/internal/extractor"
	"github.com/vitebski/ods-ingest/pkg/models"
)

// RootJob is the ledger job name of a whole ingestion run
const RootJob = "ingest"

// ParamReader loads the entity registry of an instance
type ParamReader interface {
	ReadParams(ctx context.Context) (map[string]models.EntityParameter, error)
}

// WatermarkReader returns the greatest modified value already landed in a target table
type WatermarkReader interface {
	Read(ctx context.Context, tableName, modifiedField string) (interface{}, error)
}

// Reconciler conforms a batch to its target table
type Reconciler interface {
	Reconcile(ctx context.Context, batch *models.Batch, tableName string, ingestTime time.Time) (*models.Batch, error)
}

// Writer merges a reconciled batch into its target table
type Writer interface {
	Write(ctx context.Context, batch *models.Batch, tableName string, method models.LoadMethod, businessKey string) error
}

// Orderer decides the order entities of one instance are loaded in
type Orderer interface {
	Order(ctx context.Context, params []models.EntityParameter) []models.EntityParameter
}

// RunLedger records run and sub-run lifecycles
type RunLedger interface {
	Start(ctx context.Context, job string, parentID *int64) (*models.RunRecord, error)
	Finish(ctx context.Context, rec *models.RunRecord, status models.RunStatus) error
}

// Instance wires the components serving one configured source
type Instance struct {
	Name       string
	Params     ParamReader
	Watermarks WatermarkReader
	Extractor  extractor.Extractor
	Reconciler Reconciler
	Writer     Writer
	Orderer    Orderer // optional, name order when nil
}

// Ingestor runs entities of one or more instances into the ODS
type Ingestor struct {
	Ledger           RunLedger
	Instances        map[string]*Instance
	DefaultChunkSize int
	Logger           *logrus.Logger

	now func() time.Time
}

// NewIngestor creates a new ingestor over the given instances
func NewIngestor(ledger RunLedger, instances []*Instance, defaultChunkSize int, logger *logrus.Logger) *Ingestor {
	byName := make(map[string]*Instance, len(instances))
	for _, inst := range instances {
		byName[inst.Name] = inst
	}
	return &Ingestor{
		Ledger:           ledger,
		Instances:        byName,
		DefaultChunkSize: defaultChunkSize,
		Logger:           logger,
		now:              time.Now,
	}
}

// Run ingests every active entity of the requested instances, or of all instances
// when none are named. An entity failure is recorded and never stops its siblings.
// The returned error is set only when the job could not run at all.
func (in *Ingestor) Run(ctx context.Context, instances ...string) (*models.JobResult, error) {
	names, err := in.resolve(instances)
	if err != nil {
		in.Logger.Errorf("%v", err)
		return nil, err
	}

	root, err := in.Ledger.Start(ctx, RootJob, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to open run: %w", err)
	}

	result := &models.JobResult{
		RunID:     root.RunID,
		StartedAt: root.StartedAt,
	}
	in.Logger.Infof("Run %d started for instance(s): %s", root.RunID, strings.Join(names, ", "))

	for _, name := range names {
		in.runInstance(ctx, in.Instances[name], root.RunID, result)
		if err := ctx.Err(); err != nil {
			// the ledger keeps the run as running
			in.Logger.Warningf("Run %d interrupted: %v", root.RunID, err)
			result.Status = models.StatusFailed
			result.Duration = in.now().Sub(root.StartedAt)
			return result, err
		}
	}

	return in.finishRoot(ctx, root, result), nil
}

func (in *Ingestor) resolve(requested []string) ([]string, error) {
	known := make([]string, 0, len(in.Instances))
	for name := range in.Instances {
		known = append(known, name)
	}
	sort.Strings(known)
	return config.ResolveNames(known, requested...)
}

func (in *Ingestor) finishRoot(ctx context.Context, root *models.RunRecord, result *models.JobResult) *models.JobResult {
	status := models.StatusSucceeded
	if len(result.Errors) > 0 || len(result.Failed()) > 0 {
		status = models.StatusFailed
	}
	result.Status = status
	result.Duration = in.now().Sub(root.StartedAt)

	if err := in.Ledger.Finish(ctx, root, status); err != nil {
		in.Logger.Errorf("Failed to close run %d: %v", root.RunID, err)
		result.Status = models.StatusFailed
		result.Errors = append(result.Errors, err)
	}

	in.Logger.Infof("Run %d finished: %s, %d entities, %d failed",
		root.RunID, result.Status, len(result.Entities), len(result.Failed()))
	return result
}

// Plan returns the active entities of an instance in the order Run would load them
func (in *Ingestor) Plan(ctx context.Context, instance string) ([]models.EntityParameter, error) {
	names, err := in.resolve([]string{instance})
	if err != nil {
		return nil, err
	}
	return in.plan(ctx, in.Instances[names[0]])
}

func (in *Ingestor) plan(ctx context.Context, inst *Instance) ([]models.EntityParameter, error) {
	params, err := inst.Params.ReadParams(ctx)
	if err != nil {
		return nil, err
	}

	var active []models.EntityParameter
	for _, p := range params {
		if p.Active {
			active = append(active, p)
		}
	}

	if inst.Orderer != nil {
		return inst.Orderer.Order(ctx, active), nil
	}
	sort.Slice(active, func(i, j int) bool {
		return active[i].TableName < active[j].TableName
	})
	return active, nil
}

// runInstance ingests the active entities of one instance in load order
func (in *Ingestor) runInstance(ctx context.Context, inst *Instance, rootID int64, result *models.JobResult) {
	logger := in.Logger.WithField("instance", inst.Name)

	active, err := in.plan(ctx, inst)
	if err != nil {
		logger.Errorf("Failed to read entity parameters: %v", err)
		result.Errors = append(result.Errors, fmt.Errorf("instance %s: %w", inst.Name, err))
		return
	}
	if len(active) == 0 {
		logger.Warning("No active entities")
		return
	}
	logger.Infof("Ingesting %d active entities", len(active))

	for _, param := range active {
		if ctx.Err() != nil {
			return
		}
		result.Entities = append(result.Entities, in.runEntity(ctx, inst, param, rootID))
	}
}

// runEntity processes one entity under its own ledger record
func (in *Ingestor) runEntity(ctx context.Context, inst *Instance, param models.EntityParameter, rootID int64) models.EntityResult {
	res := models.EntityResult{
		Instance:  inst.Name,
		TableName: param.TableName,
		Status:    models.StatusFailed,
	}

	logger := in.Logger.WithFields(logrus.Fields{
		"instance": inst.Name,
		"table":    param.TableName,
	})

	job := fmt.Sprintf("%s.%s.%s", RootJob, inst.Name, param.TableName)
	parent := rootID
	rec, err := in.Ledger.Start(ctx, job, &parent)
	if err != nil {
		logger.Errorf("Failed to open sub-run: %v", err)
		res.Err = err
		return res
	}
	res.RunID = rec.RunID
	logger = logger.WithField("run_id", rec.RunID)

	chunks, rows, err := in.ingest(ctx, inst, param, logger)
	res.Chunks = chunks
	res.RowsWritten = rows

	status := models.StatusSucceeded
	if err != nil {
		status = models.StatusFailed
		res.Err = err
		logger.Errorf("Entity failed after %d chunk(s): %v", chunks, err)
	} else {
		logger.Infof("Ingested %d rows in %d chunk(s)", rows, chunks)
	}

	if finishErr := in.Ledger.Finish(ctx, rec, status); finishErr != nil {
		logger.Errorf("Failed to close sub-run: %v", finishErr)
		status = models.StatusFailed
		res.Err = errors.Join(res.Err, finishErr)
	}
	res.Status = status
	return res
}

// ingest runs watermark, extract, reconcile and write for one entity
func (in *Ingestor) ingest(ctx context.Context, inst *Instance, param models.EntityParameter, logger *logrus.Entry) (int, int, error) {
	method, ok := models.ParseLoadMethod(string(param.LoadMethod))
	if !ok {
		return 0, 0, fmt.Errorf("%w: unsupported load method %q", models.ErrConfiguration, param.LoadMethod)
	}

	ingestTime := in.now()

	var watermark interface{}
	if method == models.Incremental && param.ModifiedField != "" {
		wm, err := inst.Watermarks.Read(ctx, param.TableName, param.ModifiedField)
		if err != nil {
			return 0, 0, fmt.Errorf("watermark: %w", err)
		}
		watermark = wm
		if wm != nil {
			logger.Debugf("Watermark %s > %v", param.ModifiedField, wm)
		}
	}

	it, err := inst.Extractor.Extract(ctx, extractor.Request{
		EntityName:    param.EntityName,
		LoadMethod:    method,
		ModifiedField: param.ModifiedField,
		Watermark:     watermark,
		ChunkSize:     param.EffectiveChunkSize(in.DefaultChunkSize),
	})
	if err != nil {
		return 0, 0, fmt.Errorf("extract: %w", err)
	}
	defer it.Close()

	chunks, rows := 0, 0
	for {
		batch, err := it.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return chunks, rows, fmt.Errorf("extract chunk %d: %w", chunks+1, err)
		}
		if batch.Len() == 0 {
			continue
		}

		reconciled, err := inst.Reconciler.Reconcile(ctx, batch, param.TableName, ingestTime)
		if err != nil {
			return chunks, rows, fmt.Errorf("reconcile chunk %d: %w", chunks+1, err)
		}
		if err := inst.Writer.Write(ctx, reconciled, param.TableName, method, param.BusinessKey); err != nil {
			return chunks, rows, fmt.Errorf("write chunk %d: %w", chunks+1, err)
		}

		chunks++
		rows += reconciled.Len()
		logger.Debugf("Chunk %d: %d rows written", chunks, reconciled.Len())
	}

	return chunks, rows, nil
}
