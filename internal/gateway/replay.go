package gateway

import (
	"context"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/draymark/shipflow-backend/internal/apperr"
	"github.com/draymark/shipflow-backend/internal/repos"
	"github.com/draymark/shipflow-backend/internal/types"
)

// ReplayWriteBackFromJob re-applies the tracking numbers recorded in the
// store onto the currently loaded source. The loaded source's signature
// must match the one recorded when the job was created; on mismatch
// nothing is touched.
func (g *Gateway) ReplayWriteBackFromJob(ctx context.Context, db *gorm.DB, jobRepo repos.JobRepo, rowRepo repos.JobRowRepo, jobID uuid.UUID) (int, error) {
	job, err := jobRepo.GetByID(ctx, db, jobID)
	if err != nil {
		return 0, apperr.System(apperr.CodeStoreError, "load job for replay").WithCause(err)
	}
	if job == nil {
		return 0, apperr.Data(apperr.CodeMissingRequiredField, "job not found")
	}

	sig, err := g.GetSourceSignature()
	if err != nil {
		return 0, err
	}
	if job.SourceSignature == "" || job.SourceSignature != sig {
		return 0, apperr.System(apperr.CodeSourceSignature, "loaded source does not match the job's recorded source")
	}

	rows, err := rowRepo.ListByJob(ctx, db, jobID, types.RowStateCompleted)
	if err != nil {
		return 0, apperr.System(apperr.CodeStoreError, "load completed rows for replay").WithCause(err)
	}

	updates := make([]Update, 0, len(rows))
	for _, row := range rows {
		if row.TrackingNumber == "" {
			continue
		}
		shippedAt := ""
		if row.ProcessedAt != nil {
			shippedAt = row.ProcessedAt.UTC().Format(time.RFC3339)
		}
		updates = append(updates, Update{
			RowNumber: row.RowNumber,
			Tracking:  row.TrackingNumber,
			ShippedAt: shippedAt,
		})
	}
	if len(updates) == 0 {
		return 0, nil
	}
	if err := g.WriteBackBatch(updates); err != nil {
		return 0, err
	}
	return len(updates), nil
}
