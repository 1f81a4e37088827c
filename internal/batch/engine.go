package batch

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/draymark/shipflow-backend/internal/apperr"
	"github.com/draymark/shipflow-backend/internal/audit"
	"github.com/draymark/shipflow-backend/internal/clients/carrier"
	"github.com/draymark/shipflow-backend/internal/labels"
	"github.com/draymark/shipflow-backend/internal/logger"
	"github.com/draymark/shipflow-backend/internal/progress"
	"github.com/draymark/shipflow-backend/internal/repos"
	"github.com/draymark/shipflow-backend/internal/types"
)

// Publisher is the slice of the progress hub the engine needs.
type Publisher interface {
	Publish(jobID uuid.UUID, event progress.Event)
}

// Result summarizes one engine run. Ambiguous means the last row was left
// in flight because the carrier may or may not have created the shipment;
// the job must stay running until recovery resolves it.
type Result struct {
	Processed         int
	Successful        int
	Failed            int
	TotalCost         int64
	TotalDutiesTax    int64
	InternationalRows int
	Cancelled         bool
	Ambiguous         bool
	FirstErr          error
}

// Engine executes a confirmed batch: sequential, ascending row number,
// fail fast on the first deterministic row failure. Every row is
// checkpointed to in_flight before its carrier call so a crash leaves an
// unambiguous recovery marker.
type Engine struct {
	db      *gorm.DB
	rows    repos.JobRowRepo
	tasks   repos.WriteBackTaskRepo
	carrier carrier.Client
	labels  *labels.Store
	audit   *audit.Recorder
	pub     Publisher
	guard   *keyGuard
	log     *logger.Logger

	// wake nudges the write-back worker after an enqueue; nil disables.
	wake func()
}

func NewEngine(db *gorm.DB, rows repos.JobRowRepo, tasks repos.WriteBackTaskRepo, client carrier.Client, store *labels.Store, recorder *audit.Recorder, pub Publisher, baseLog *logger.Logger) *Engine {
	return &Engine{
		db:      db,
		rows:    rows,
		tasks:   tasks,
		carrier: client,
		labels:  store,
		audit:   recorder,
		pub:     pub,
		guard:   newKeyGuard(),
		log:     baseLog.With("component", "BatchEngine"),
	}
}

// SetWake installs the write-back worker wake hook.
func (e *Engine) SetWake(fn func()) { e.wake = fn }

// Run processes the job's pending rows. It mutates row state only; the
// caller owns the job's terminal transition.
func (e *Engine) Run(ctx context.Context, job *types.Job, shipper types.Address) Result {
	var res Result

	pending, err := e.rows.PendingByJob(ctx, nil, job.ID)
	if err != nil {
		res.FirstErr = apperr.System(apperr.CodeStoreError, "load pending rows").WithCause(err)
		return res
	}
	total := len(pending)
	e.log.Info("Batch started", "job_id", job.ID, "pending_rows", total)
	e.publish(job.ID, progress.BatchStarted(total))
	e.audit.Info(ctx, job.ID, types.AuditEventJobStateChange, "batch started", map[string]any{"pending_rows": total})

	for _, row := range pending {
		select {
		case <-ctx.Done():
			res.Cancelled = true
			e.log.Info("Batch cancelled", "job_id", job.ID, "processed", res.Processed)
			return res
		default:
		}

		res.Processed++
		e.publish(job.ID, progress.RowStarted(row.RowNumber))

		outcome, err := e.runRow(ctx, job, row, shipper)
		if err == nil {
			res.Successful++
			res.TotalCost += outcome.costMinorUnits
			res.TotalDutiesTax += outcome.dutiesMinorUnits
			if outcome.international {
				res.InternationalRows++
			}
			e.publish(job.ID, progress.RowCompleted(row.RowNumber, outcome.tracking, outcome.costMinorUnits))
			continue
		}

		res.FirstErr = err
		if isAmbiguous(err) {
			res.Ambiguous = true
			// The row stays in flight and is now recovery's problem; the
			// halt itself counts against its recovery bookkeeping.
			if uerr := e.rows.UpdateFields(context.WithoutCancel(ctx), nil, row.ID, map[string]interface{}{
				"recovery_attempts": gorm.Expr("recovery_attempts + 1"),
			}); uerr != nil {
				e.log.Warn("Failed to bump recovery attempts",
					"job_id", job.ID, "row_number", row.RowNumber, "error", uerr)
			}
			e.log.Warn("Carrier outcome ambiguous, halting for recovery",
				"job_id", job.ID, "row_number", row.RowNumber, "error", err)
			e.audit.RowEvent(ctx, job.ID, row.RowNumber, types.AuditSeverityWarn,
				"carrier outcome unknown, row left in flight", map[string]any{"error": err.Error()})
			return res
		}

		res.Failed++
		ae := apperr.From(err)
		e.failRow(ctx, job.ID, row, ae)
		e.publish(job.ID, progress.RowFailed(row.RowNumber, ae.Code, ae.Message))
		e.log.Warn("Row failed, halting batch",
			"job_id", job.ID, "row_number", row.RowNumber, "error_code", ae.Code, "error", err)
		return res
	}

	e.log.Info("Batch finished",
		"job_id", job.ID, "processed", res.Processed, "successful", res.Successful,
		"total_cost_minor_units", res.TotalCost)
	return res
}

type rowOutcome struct {
	tracking         string
	costMinorUnits   int64
	dutiesMinorUnits int64
	international    bool
}

func (e *Engine) runRow(ctx context.Context, job *types.Job, row *types.JobRow, shipper types.Address) (*rowOutcome, error) {
	key := row.IdempotencyKey
	if key == "" {
		key = IdempotencyKey(job.ID, row.RowNumber, row.Checksum)
	}
	if !e.guard.reserve(key) {
		return nil, apperr.System(apperr.CodeStoreError, "idempotency key already used in this process")
	}

	// Checkpoint committed before the carrier call. A crash after this
	// point leaves the row in_flight for recovery to resolve.
	if err := e.rows.UpdateFields(ctx, nil, row.ID, map[string]interface{}{
		"state":           types.RowStateInFlight,
		"idempotency_key": key,
	}); err != nil {
		return nil, apperr.System(apperr.CodeStoreError, "checkpoint row in flight").WithCause(err)
	}
	row.State = types.RowStateInFlight
	row.IdempotencyKey = key

	req, err := BuildShipmentRequest(row.OrderSnapshot, shipper)
	if err != nil {
		return nil, err
	}

	result, err := e.carrier.CreateShipment(ctx, *req, key)
	if err != nil {
		return nil, err
	}
	return e.completeRow(ctx, job, row, req, result)
}

func (e *Engine) completeRow(ctx context.Context, job *types.Job, row *types.JobRow, req *carrier.ShipmentRequest, result *carrier.ShipmentResult) (*rowOutcome, error) {
	// The shipment exists at the carrier; persistence must survive a halt
	// that cancelled the run context while the call was in flight.
	persistCtx := context.WithoutCancel(ctx)

	tracking := result.Tracking()
	labelPath, err := e.labels.Save(tracking, result.LabelBase64, result.LabelFormat)
	if err != nil {
		// The shipment exists; a label write failure must not fail the row.
		e.log.Warn("Failed to persist label artifact",
			"job_id", job.ID, "row_number", row.RowNumber, "error", err)
		labelPath = ""
	}

	breakdown, _ := json.Marshal(result.Breakdown)
	now := time.Now().UTC()
	updates := map[string]interface{}{
		"state":                  types.RowStateCompleted,
		"tracking_number":        tracking,
		"carrier_tracking":       tracking,
		"carrier_shipment_id":    result.ShipmentID,
		"label_path":             labelPath,
		"cost_minor_units":       result.TotalMinorUnits,
		"duties_tax_minor_units": result.Breakdown.DutiesTaxMinorUnits,
		"destination_country":    req.Recipient.CountryCode,
		"charge_breakdown":       breakdown,
		"error_code":             "",
		"error_message":          "",
		"processed_at":           now,
	}
	if err := e.rows.UpdateFields(persistCtx, nil, row.ID, updates); err != nil {
		return nil, apperr.System(apperr.CodeStoreError, "persist completed row").WithCause(err)
	}

	if job.WriteBackEnabled && tracking != "" {
		if _, err := e.tasks.Upsert(persistCtx, nil, job.ID, row.RowNumber, tracking, now); err != nil {
			e.log.Warn("Failed to enqueue write-back task",
				"job_id", job.ID, "row_number", row.RowNumber, "error", err)
		} else if e.wake != nil {
			e.wake()
		}
	}

	international := req.Recipient.CountryCode != "" &&
		req.Shipper.CountryCode != "" &&
		req.Recipient.CountryCode != req.Shipper.CountryCode
	return &rowOutcome{
		tracking:         tracking,
		costMinorUnits:   result.TotalMinorUnits,
		dutiesMinorUnits: result.Breakdown.DutiesTaxMinorUnits,
		international:    international,
	}, nil
}

func (e *Engine) failRow(ctx context.Context, jobID uuid.UUID, row *types.JobRow, ae *apperr.AppError) {
	ctx = context.WithoutCancel(ctx)
	now := time.Now().UTC()
	err := e.rows.UpdateFields(ctx, nil, row.ID, map[string]interface{}{
		"state":         types.RowStateFailed,
		"error_code":    ae.Code,
		"error_message": ae.Message,
		"processed_at":  now,
	})
	if err != nil {
		e.log.Error("Failed to persist failed row", "job_id", jobID, "row_number", row.RowNumber, "error", err)
	}
	e.audit.RowEvent(ctx, jobID, row.RowNumber, types.AuditSeverityError, ae.Message,
		map[string]any{"error_code": ae.Code, "column": ae.Column})
}

func (e *Engine) publish(jobID uuid.UUID, ev progress.Event) {
	if e.pub != nil {
		e.pub.Publish(jobID, ev)
	}
}

// isAmbiguous classifies a CreateShipment error. A carrier HTTP response
// is a definitive answer either way; only a transport failure with no
// response leaves the outcome unknown.
func isAmbiguous(err error) bool {
	var he *carrier.HTTPError
	if errors.As(err, &he) {
		return false
	}
	var ae *apperr.AppError
	if errors.As(err, &ae) {
		switch ae.Category {
		case apperr.CategoryValidation, apperr.CategoryData, apperr.CategoryAuth:
			return false
		case apperr.CategoryCarrier:
			// Carrier errors without an HTTP response in the chain came from
			// the transport layer; the request may have reached the carrier.
			return true
		default:
			return false
		}
	}
	return true
}
