package writeback

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"
	"gorm.io/gorm"

	"github.com/draymark/shipflow-backend/internal/audit"
	"github.com/draymark/shipflow-backend/internal/gateway"
	"github.com/draymark/shipflow-backend/internal/logger"
	"github.com/draymark/shipflow-backend/internal/repos"
	"github.com/draymark/shipflow-backend/internal/types"
)

const defaultPollInterval = 5 * time.Second

// Worker drains pending write-back tasks to the original source. It runs
// on a timer and on wake signals from the engine; every task is isolated,
// one failing row never blocks the others.
type Worker struct {
	db    *gorm.DB
	tasks repos.WriteBackTaskRepo
	rows  repos.JobRowRepo
	gw    *gateway.Gateway
	audit *audit.Recorder
	log   *logger.Logger

	interval time.Duration
	wake     chan struct{}

	eg     *errgroup.Group
	cancel context.CancelFunc
}

func NewWorker(db *gorm.DB, tasks repos.WriteBackTaskRepo, rows repos.JobRowRepo, gw *gateway.Gateway, recorder *audit.Recorder, baseLog *logger.Logger) *Worker {
	return &Worker{
		db:       db,
		tasks:    tasks,
		rows:     rows,
		gw:       gw,
		audit:    recorder,
		log:      baseLog.With("component", "WriteBackWorker"),
		interval: defaultPollInterval,
		wake:     make(chan struct{}, 1),
	}
}

// SetPollInterval overrides the drain poll interval. Non-positive values
// are ignored. Call before Start.
func (w *Worker) SetPollInterval(d time.Duration) {
	if d > 0 {
		w.interval = d
	}
}

// Wake nudges the worker to drain immediately. Non-blocking; coalesces
// with a pending signal.
func (w *Worker) Wake() {
	select {
	case w.wake <- struct{}{}:
	default:
	}
}

// Start launches the drain loop. Call Stop to shut it down.
func (w *Worker) Start(parent context.Context) {
	ctx, cancel := context.WithCancel(parent)
	w.cancel = cancel
	eg, egCtx := errgroup.WithContext(ctx)
	w.eg = eg

	eg.Go(func() error {
		ticker := time.NewTicker(w.interval)
		defer ticker.Stop()
		for {
			select {
			case <-egCtx.Done():
				return nil
			case <-ticker.C:
			case <-w.wake:
			}
			w.DrainAll(egCtx)
		}
	})
	w.log.Info("Write-back worker started", "poll_interval", w.interval)
}

// Stop cancels the loop and waits for the in-progress drain to finish.
func (w *Worker) Stop() {
	if w.cancel != nil {
		w.cancel()
	}
	if w.eg != nil {
		_ = w.eg.Wait()
	}
}

// EnqueueMissing backfills tasks for completed rows that never got one,
// the crash window between marking a row completed and enqueueing its
// task. Run once at startup.
func (w *Worker) EnqueueMissing(ctx context.Context) int {
	orphans, err := w.rows.CompletedMissingTask(ctx, nil, uuid.Nil)
	if err != nil {
		w.log.Error("Startup scan for missing write-back tasks failed", "error", err)
		return 0
	}
	enqueued := 0
	for _, row := range orphans {
		shippedAt := time.Now().UTC()
		if row.ProcessedAt != nil {
			shippedAt = *row.ProcessedAt
		}
		if _, err := w.tasks.Upsert(ctx, nil, row.JobID, row.RowNumber, row.TrackingNumber, shippedAt); err != nil {
			w.log.Warn("Failed to backfill write-back task",
				"job_id", row.JobID, "row_number", row.RowNumber, "error", err)
			continue
		}
		enqueued++
	}
	if enqueued > 0 {
		w.log.Info("Backfilled write-back tasks for completed rows", "count", enqueued)
		w.Wake()
	}
	return enqueued
}

// DrainAll drains pending tasks for every job that has them.
func (w *Worker) DrainAll(ctx context.Context) {
	jobIDs, err := w.tasks.PendingJobIDs(ctx, nil)
	if err != nil {
		w.log.Error("Failed to list jobs with pending write-back tasks", "error", err)
		return
	}
	for _, jobID := range jobIDs {
		select {
		case <-ctx.Done():
			return
		default:
		}
		w.Drain(ctx, jobID)
	}
}

// Drain attempts the pending tasks of one job as a batch first, then
// falls back to per-task writes so a single bad row cannot hold the rest
// hostage.
func (w *Worker) Drain(ctx context.Context, jobID uuid.UUID) {
	pending, err := w.tasks.Pending(ctx, nil, jobID)
	if err != nil {
		w.log.Error("Failed to load pending write-back tasks", "job_id", jobID, "error", err)
		return
	}
	if len(pending) == 0 {
		return
	}

	updates := make([]gateway.Update, 0, len(pending))
	for _, t := range pending {
		updates = append(updates, gateway.Update{
			RowNumber: t.RowNumber,
			Tracking:  t.TrackingNumber,
			ShippedAt: t.ShippedAt.UTC().Format(time.RFC3339),
		})
	}

	batchErr := w.gw.WriteBackBatch(updates)
	if batchErr == nil {
		for _, t := range pending {
			if err := w.tasks.MarkCompleted(ctx, nil, t.ID); err != nil {
				w.log.Warn("Failed to mark write-back task completed",
					"job_id", jobID, "row_number", t.RowNumber, "error", err)
			}
		}
		w.audit.Info(ctx, jobID, types.AuditEventWriteBack,
			fmt.Sprintf("wrote back %d rows", len(pending)),
			map[string]any{"rows": len(pending)})
		w.log.Info("Write-back batch succeeded", "job_id", jobID, "rows", len(pending))
		return
	}
	w.log.Warn("Write-back batch failed, falling back to per-row writes",
		"job_id", jobID, "rows", len(pending), "error", batchErr)

	for _, t := range pending {
		select {
		case <-ctx.Done():
			return
		default:
		}
		w.drainOne(ctx, jobID, t)
	}
}

func (w *Worker) drainOne(ctx context.Context, jobID uuid.UUID, t *types.WriteBackTask) {
	err := w.gw.WriteBackSingle(t.RowNumber, t.TrackingNumber, t.ShippedAt.UTC().Format(time.RFC3339))
	if err == nil {
		if err := w.tasks.MarkCompleted(ctx, nil, t.ID); err != nil {
			w.log.Warn("Failed to mark write-back task completed",
				"job_id", jobID, "row_number", t.RowNumber, "error", err)
		}
		return
	}

	updated, rerr := w.tasks.RecordFailure(ctx, nil, t.ID, err.Error())
	if rerr != nil {
		w.log.Error("Failed to record write-back failure",
			"job_id", jobID, "row_number", t.RowNumber, "error", rerr)
		return
	}
	if updated.State == types.WriteBackStateDeadLetter {
		w.audit.Record(ctx, jobID, types.AuditSeverityError, types.AuditEventWriteBack,
			"write-back task dead-lettered",
			map[string]any{"row_number": t.RowNumber, "retries": updated.RetryCount, "error": err.Error()},
			&t.RowNumber)
		w.log.Error("Write-back task dead-lettered",
			"job_id", jobID, "row_number", t.RowNumber, "retries", updated.RetryCount, "error", err)
		return
	}
	w.log.Warn("Write-back task failed, will retry",
		"job_id", jobID, "row_number", t.RowNumber, "retries", updated.RetryCount, "error", err)
}
