package repos

import (
	"context"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/draymark/shipflow-backend/internal/logger"
	"github.com/draymark/shipflow-backend/internal/types"
)

type WriteBackTaskRepo interface {
	// Upsert enqueues a task keyed by (job_id, row_number). A second
	// enqueue for the same row overwrites tracking/shipped_at and re-opens
	// the task, preserving the accumulated retry count.
	Upsert(ctx context.Context, tx *gorm.DB, jobID uuid.UUID, rowNumber int, tracking string, shippedAt time.Time) (*types.WriteBackTask, error)
	Pending(ctx context.Context, tx *gorm.DB, jobID uuid.UUID) ([]*types.WriteBackTask, error)
	PendingJobIDs(ctx context.Context, tx *gorm.DB) ([]uuid.UUID, error)
	MarkCompleted(ctx context.Context, tx *gorm.DB, id uuid.UUID) error
	// RecordFailure bumps retry_count and dead-letters the task once the
	// count reaches the fixed maximum.
	RecordFailure(ctx context.Context, tx *gorm.DB, id uuid.UUID, taskErr string) (*types.WriteBackTask, error)
	GetByJobAndRow(ctx context.Context, tx *gorm.DB, jobID uuid.UUID, rowNumber int) (*types.WriteBackTask, error)
}

type writeBackTaskRepo struct {
	db  *gorm.DB
	log *logger.Logger
}

func NewWriteBackTaskRepo(db *gorm.DB, baseLog *logger.Logger) WriteBackTaskRepo {
	return &writeBackTaskRepo{
		db:  db,
		log: baseLog.With("repo", "WriteBackTaskRepo"),
	}
}

func (r *writeBackTaskRepo) Upsert(ctx context.Context, tx *gorm.DB, jobID uuid.UUID, rowNumber int, tracking string, shippedAt time.Time) (*types.WriteBackTask, error) {
	transaction := tx
	if transaction == nil {
		transaction = r.db
	}
	now := time.Now().UTC()
	task := &types.WriteBackTask{
		ID:             uuid.New(),
		JobID:          jobID,
		RowNumber:      rowNumber,
		TrackingNumber: tracking,
		ShippedAt:      shippedAt,
		State:          types.WriteBackStatePending,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	err := transaction.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns: []clause.Column{{Name: "job_id"}, {Name: "row_number"}},
			DoUpdates: clause.Assignments(map[string]interface{}{
				"tracking_number": tracking,
				"shipped_at":      shippedAt,
				"state":           types.WriteBackStatePending,
				"updated_at":      now,
			}),
		}).
		Create(task).Error
	if err != nil {
		return nil, err
	}
	return r.GetByJobAndRow(ctx, transaction, jobID, rowNumber)
}

func (r *writeBackTaskRepo) Pending(ctx context.Context, tx *gorm.DB, jobID uuid.UUID) ([]*types.WriteBackTask, error) {
	transaction := tx
	if transaction == nil {
		transaction = r.db
	}
	var out []*types.WriteBackTask
	q := transaction.WithContext(ctx).Where("state = ?", types.WriteBackStatePending)
	if jobID != uuid.Nil {
		q = q.Where("job_id = ?", jobID)
	}
	if err := q.Order("row_number ASC").Find(&out).Error; err != nil {
		return nil, err
	}
	return out, nil
}

func (r *writeBackTaskRepo) PendingJobIDs(ctx context.Context, tx *gorm.DB) ([]uuid.UUID, error) {
	transaction := tx
	if transaction == nil {
		transaction = r.db
	}
	var ids []uuid.UUID
	err := transaction.WithContext(ctx).
		Model(&types.WriteBackTask{}).
		Where("state = ?", types.WriteBackStatePending).
		Distinct("job_id").
		Pluck("job_id", &ids).Error
	if err != nil {
		return nil, err
	}
	return ids, nil
}

func (r *writeBackTaskRepo) MarkCompleted(ctx context.Context, tx *gorm.DB, id uuid.UUID) error {
	transaction := tx
	if transaction == nil {
		transaction = r.db
	}
	return transaction.WithContext(ctx).
		Model(&types.WriteBackTask{}).
		Where("id = ?", id).
		Updates(map[string]interface{}{
			"state":      types.WriteBackStateCompleted,
			"last_error": "",
			"updated_at": time.Now().UTC(),
		}).Error
}

func (r *writeBackTaskRepo) RecordFailure(ctx context.Context, tx *gorm.DB, id uuid.UUID, taskErr string) (*types.WriteBackTask, error) {
	transaction := tx
	if transaction == nil {
		transaction = r.db
	}
	var updated types.WriteBackTask
	err := transaction.WithContext(ctx).Transaction(func(txx *gorm.DB) error {
		var task types.WriteBackTask
		if err := txx.Where("id = ?", id).First(&task).Error; err != nil {
			return err
		}
		task.RetryCount++
		task.LastError = taskErr
		task.UpdatedAt = time.Now().UTC()
		if task.RetryCount >= types.WriteBackMaxRetries {
			task.State = types.WriteBackStateDeadLetter
		}
		if err := txx.Save(&task).Error; err != nil {
			return err
		}
		updated = task
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &updated, nil
}

func (r *writeBackTaskRepo) GetByJobAndRow(ctx context.Context, tx *gorm.DB, jobID uuid.UUID, rowNumber int) (*types.WriteBackTask, error) {
	transaction := tx
	if transaction == nil {
		transaction = r.db
	}
	var task types.WriteBackTask
	err := transaction.WithContext(ctx).
		Where("job_id = ? AND row_number = ?", jobID, rowNumber).
		Limit(1).
		Find(&task).Error
	if err != nil {
		return nil, err
	}
	if task.ID == uuid.Nil {
		return nil, nil
	}
	return &task, nil
}
