package orchestrator

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"
	"gorm.io/gorm"

	"github.com/draymark/shipflow-backend/internal/apperr"
	"github.com/draymark/shipflow-backend/internal/audit"
	"github.com/draymark/shipflow-backend/internal/batch"
	"github.com/draymark/shipflow-backend/internal/logger"
	"github.com/draymark/shipflow-backend/internal/progress"
	"github.com/draymark/shipflow-backend/internal/repos"
	"github.com/draymark/shipflow-backend/internal/types"
	"github.com/draymark/shipflow-backend/internal/utils"
)

// haltIntent records why a running batch's context was cancelled, so
// finalization can tell pause apart from cancel.
type haltIntent string

const (
	intentNone   haltIntent = ""
	intentPause  haltIntent = "pause"
	intentCancel haltIntent = "cancel"
)

type activeRun struct {
	jobID  uuid.UUID
	cancel context.CancelFunc
	done   chan struct{}

	mu     sync.Mutex
	intent haltIntent
}

func (r *activeRun) setIntent(i haltIntent) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.intent == intentNone {
		r.intent = i
	}
}

func (r *activeRun) getIntent() haltIntent {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.intent
}

// InvalidTransitionError reports a rejected state change along with the
// state the job actually held, so callers can render a precise 409.
type InvalidTransitionError struct {
	JobID    uuid.UUID
	Observed types.JobState
	Wanted   types.JobState
}

func (e *InvalidTransitionError) Error() string {
	return fmt.Sprintf("job %s is %s, cannot move to %s", e.JobID, e.Observed, e.Wanted)
}

// Orchestrator owns the job state machine and the lifecycle of batch
// execution. One batch runs at a time per process.
type Orchestrator struct {
	db      *gorm.DB
	jobs    repos.JobRepo
	rows    repos.JobRowRepo
	engine  *batch.Engine
	hub     *progress.Hub
	audit   *audit.Recorder
	log     *logger.Logger
	shipper types.Address

	// batchMu serializes batch execution process-wide.
	batchMu sync.Mutex

	runMu  sync.Mutex
	active *activeRun

	eg        *errgroup.Group
	baseCtx   context.Context
	cancelAll context.CancelFunc

	// ready flips once startup recovery has finished; Confirm refuses
	// work before that.
	ready sync.WaitGroup
	once  sync.Once
}

func New(db *gorm.DB, jobs repos.JobRepo, rows repos.JobRowRepo, engine *batch.Engine, hub *progress.Hub, recorder *audit.Recorder, baseLog *logger.Logger) *Orchestrator {
	baseCtx, cancelAll := context.WithCancel(context.Background())
	eg, egCtx := errgroup.WithContext(baseCtx)
	o := &Orchestrator{
		db:        db,
		jobs:      jobs,
		rows:      rows,
		engine:    engine,
		hub:       hub,
		audit:     recorder,
		log:       baseLog.With("component", "Orchestrator"),
		eg:        eg,
		baseCtx:   egCtx,
		cancelAll: cancelAll,
		shipper:   shipperFromEnv(),
	}
	o.ready.Add(1)
	return o
}

// MarkReady releases Confirm once startup recovery has finished. Calling
// it more than once is harmless.
func (o *Orchestrator) MarkReady() {
	o.once.Do(o.ready.Done)
}

// Confirm moves a pending job to running and launches batch execution in
// a supervised goroutine. It blocks until recovery has released the
// orchestrator, then returns as soon as the run is launched.
func (o *Orchestrator) Confirm(ctx context.Context, jobID uuid.UUID) (*types.Job, error) {
	o.ready.Wait()
	return o.launch(ctx, jobID, types.JobStatePending)
}

// Resume moves a paused job back to running and processes its remaining
// pending rows.
func (o *Orchestrator) Resume(ctx context.Context, jobID uuid.UUID) (*types.Job, error) {
	o.ready.Wait()
	return o.launch(ctx, jobID, types.JobStatePaused)
}

func (o *Orchestrator) launch(ctx context.Context, jobID uuid.UUID, from types.JobState) (*types.Job, error) {
	job, err := o.jobs.GetByID(ctx, nil, jobID)
	if err != nil {
		return nil, apperr.System(apperr.CodeStoreError, "load job").WithCause(err)
	}
	if job == nil {
		return nil, apperr.Data(apperr.CodeEmptyDataset, "job not found")
	}

	shipper, err := o.resolveShipper(ctx, job)
	if err != nil {
		return nil, err
	}

	n, err := o.jobs.TransitionState(ctx, nil, jobID, from, types.JobStateRunning)
	if err != nil {
		return nil, apperr.System(apperr.CodeStoreError, "transition job").WithCause(err)
	}
	if n == 0 {
		current, _ := o.jobs.GetByID(ctx, nil, jobID)
		observed := types.JobState("unknown")
		if current != nil {
			observed = current.State
		}
		return nil, &InvalidTransitionError{JobID: jobID, Observed: observed, Wanted: types.JobStateRunning}
	}

	now := time.Now().UTC()
	updates := map[string]interface{}{"started_at": now, "error_code": "", "error_message": ""}
	if snap, err := json.Marshal(shipper); err == nil {
		updates["shipper_snapshot"] = snap
	}
	if err := o.jobs.UpdateFields(ctx, nil, jobID, updates); err != nil {
		o.log.Warn("Failed to stamp job start", "job_id", jobID, "error", err)
	}
	job.State = types.JobStateRunning
	o.audit.Info(ctx, jobID, types.AuditEventJobStateChange, "job confirmed",
		map[string]any{"from": string(from), "to": string(types.JobStateRunning)})

	runCtx, cancel := context.WithCancel(o.baseCtx)
	run := &activeRun{jobID: jobID, cancel: cancel, done: make(chan struct{})}

	o.runMu.Lock()
	o.active = run
	o.runMu.Unlock()

	o.eg.Go(func() error {
		defer close(run.done)
		defer cancel()
		o.batchMu.Lock()
		defer o.batchMu.Unlock()

		result := o.engine.Run(runCtx, job, shipper)
		o.finalize(job, run, result)

		o.runMu.Lock()
		if o.active == run {
			o.active = nil
		}
		o.runMu.Unlock()
		return nil
	})

	return job, nil
}

// Cancel stops a job. Pending jobs cancel immediately; running jobs halt
// at the next row boundary and finalize as cancelled.
func (o *Orchestrator) Cancel(ctx context.Context, jobID uuid.UUID) (*types.Job, error) {
	n, err := o.jobs.TransitionState(ctx, nil, jobID, types.JobStatePending, types.JobStateCancelled)
	if err != nil {
		return nil, apperr.System(apperr.CodeStoreError, "cancel job").WithCause(err)
	}
	if n > 0 {
		o.stampCompleted(ctx, jobID)
		o.audit.Info(ctx, jobID, types.AuditEventJobStateChange, "job cancelled before start", nil)
		return o.jobs.GetByID(ctx, nil, jobID)
	}
	n, err = o.jobs.TransitionState(ctx, nil, jobID, types.JobStatePaused, types.JobStateCancelled)
	if err != nil {
		return nil, apperr.System(apperr.CodeStoreError, "cancel job").WithCause(err)
	}
	if n > 0 {
		o.stampCompleted(ctx, jobID)
		o.audit.Info(ctx, jobID, types.AuditEventJobStateChange, "paused job cancelled", nil)
		return o.jobs.GetByID(ctx, nil, jobID)
	}
	return o.halt(ctx, jobID, intentCancel, types.JobStateCancelled)
}

// Pause halts a running job at the next row boundary and leaves its
// remaining rows pending.
func (o *Orchestrator) Pause(ctx context.Context, jobID uuid.UUID) (*types.Job, error) {
	return o.halt(ctx, jobID, intentPause, types.JobStatePaused)
}

func (o *Orchestrator) halt(ctx context.Context, jobID uuid.UUID, intent haltIntent, wanted types.JobState) (*types.Job, error) {
	o.runMu.Lock()
	run := o.active
	o.runMu.Unlock()

	if run == nil || run.jobID != jobID {
		current, err := o.jobs.GetByID(ctx, nil, jobID)
		if err != nil {
			return nil, apperr.System(apperr.CodeStoreError, "load job").WithCause(err)
		}
		observed := types.JobState("unknown")
		if current != nil {
			observed = current.State
		}
		return nil, &InvalidTransitionError{JobID: jobID, Observed: observed, Wanted: wanted}
	}

	run.setIntent(intent)
	run.cancel()
	select {
	case <-run.done:
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	return o.jobs.GetByID(ctx, nil, jobID)
}

// finalize writes the job's aggregates and owns the terminal transition.
// An ambiguous halt leaves the job running so recovery can resolve the
// in-flight row after restart.
func (o *Orchestrator) finalize(job *types.Job, run *activeRun, result batch.Result) {
	ctx := context.Background()
	jobID := job.ID

	counts, err := o.rows.CountByState(ctx, nil, jobID)
	if err != nil {
		o.log.Error("Failed to count row states during finalization", "job_id", jobID, "error", err)
		counts = map[types.RowState]int{}
	}
	processed := counts[types.RowStateCompleted] + counts[types.RowStateFailed]

	updates := map[string]interface{}{
		"processed_rows":     processed,
		"successful_rows":    counts[types.RowStateCompleted],
		"failed_rows":        counts[types.RowStateFailed],
		"total_cost":         gorm.Expr("total_cost + ?", result.TotalCost),
		"total_duties_tax":   gorm.Expr("total_duties_tax + ?", result.TotalDutiesTax),
		"international_rows": gorm.Expr("international_rows + ?", result.InternationalRows),
	}

	if result.Ambiguous {
		// The carrier may hold a shipment we never heard back about. The
		// job stays running; restart-time recovery resolves the row.
		if err := o.jobs.UpdateFields(ctx, nil, jobID, updates); err != nil {
			o.log.Error("Failed to persist aggregates", "job_id", jobID, "error", err)
		}
		o.log.Warn("Batch halted on ambiguous carrier outcome; job left running for recovery",
			"job_id", jobID, "processed", result.Processed)
		o.audit.Record(ctx, jobID, types.AuditSeverityWarn, types.AuditEventJobStateChange,
			"batch halted on ambiguous outcome", map[string]any{"processed": result.Processed}, nil)
		return
	}

	var terminal types.JobState
	switch {
	case result.Cancelled && run.getIntent() == intentPause:
		terminal = types.JobStatePaused
	case result.Cancelled:
		terminal = types.JobStateCancelled
	case result.FirstErr != nil:
		terminal = types.JobStateFailed
		ae := apperr.From(result.FirstErr)
		updates["error_code"] = ae.Code
		updates["error_message"] = ae.Message
	case counts[types.RowStateFailed] > 0:
		terminal = types.JobStateFailed
	default:
		terminal = types.JobStateCompleted
	}
	if terminal.Terminal() {
		updates["completed_at"] = time.Now().UTC()
	}
	if err := o.jobs.UpdateFields(ctx, nil, jobID, updates); err != nil {
		o.log.Error("Failed to persist aggregates", "job_id", jobID, "error", err)
	}
	if n, err := o.jobs.TransitionState(ctx, nil, jobID, types.JobStateRunning, terminal); err != nil || n == 0 {
		o.log.Error("Failed terminal transition", "job_id", jobID, "to", terminal, "error", err)
	}

	switch terminal {
	case types.JobStateCompleted:
		o.hub.Publish(jobID, progress.BatchCompleted(result.Processed, result.Successful, result.TotalCost))
	case types.JobStateFailed:
		ae := apperr.From(result.FirstErr)
		o.hub.Publish(jobID, progress.BatchFailed(ae.Code, ae.Message, result.Processed))
	}
	o.audit.Info(ctx, jobID, types.AuditEventJobStateChange, "job finalized",
		map[string]any{"state": string(terminal), "processed": result.Processed, "successful": result.Successful})
	o.log.Info("Job finalized",
		"job_id", jobID, "state", terminal, "processed", result.Processed,
		"successful", result.Successful, "failed", counts[types.RowStateFailed])
}

func (o *Orchestrator) stampCompleted(ctx context.Context, jobID uuid.UUID) {
	if err := o.jobs.UpdateFields(ctx, nil, jobID, map[string]interface{}{
		"completed_at": time.Now().UTC(),
	}); err != nil {
		o.log.Warn("Failed to stamp completion time", "job_id", jobID, "error", err)
	}
}

// resolveShipper picks the origin address: the job's own snapshot wins,
// then the configured environment shipper. Confirming without either is
// a structural failure before any row runs.
func (o *Orchestrator) resolveShipper(ctx context.Context, job *types.Job) (types.Address, error) {
	if len(job.ShipperSnapshot) > 0 {
		var snap types.Address
		if err := json.Unmarshal(job.ShipperSnapshot, &snap); err == nil && shipperComplete(snap) {
			return snap, nil
		}
	}
	if shipperComplete(o.shipper) {
		return o.shipper, nil
	}
	return types.Address{}, apperr.Data(apperr.CodeStructuralFieldRequired,
		"no shipper address configured; set SHIPPER_* or attach one to the job")
}

func shipperComplete(a types.Address) bool {
	return strings.TrimSpace(a.Name) != "" &&
		strings.TrimSpace(a.AddressLine1) != "" &&
		strings.TrimSpace(a.City) != "" &&
		strings.TrimSpace(a.CountryCode) != ""
}

func shipperFromEnv() types.Address {
	return types.Address{
		Name:         strings.TrimSpace(utils.GetEnv("SHIPPER_NAME", "", nil)),
		Company:      strings.TrimSpace(utils.GetEnv("SHIPPER_COMPANY", "", nil)),
		AddressLine1: strings.TrimSpace(utils.GetEnv("SHIPPER_ADDRESS_LINE1", "", nil)),
		AddressLine2: strings.TrimSpace(utils.GetEnv("SHIPPER_ADDRESS_LINE2", "", nil)),
		City:         strings.TrimSpace(utils.GetEnv("SHIPPER_CITY", "", nil)),
		State:        strings.TrimSpace(utils.GetEnv("SHIPPER_STATE", "", nil)),
		PostalCode:   strings.TrimSpace(utils.GetEnv("SHIPPER_POSTAL_CODE", "", nil)),
		CountryCode:  strings.TrimSpace(utils.GetEnv("SHIPPER_COUNTRY", "US", nil)),
		Phone:        strings.TrimSpace(utils.GetEnv("SHIPPER_PHONE", "", nil)),
	}
}

// SetShipper overrides the environment shipper; tests use it.
func (o *Orchestrator) SetShipper(a types.Address) { o.shipper = a }

// Shipper exposes the configured fallback shipper.
func (o *Orchestrator) Shipper() types.Address { return o.shipper }

// Shutdown cancels any running batch and waits for supervised goroutines
// to drain, bounded by the context deadline.
func (o *Orchestrator) Shutdown(ctx context.Context) error {
	o.cancelAll()
	done := make(chan error, 1)
	go func() { done <- o.eg.Wait() }()
	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}
