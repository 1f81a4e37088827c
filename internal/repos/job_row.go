package repos

import (
	"context"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/draymark/shipflow-backend/internal/logger"
	"github.com/draymark/shipflow-backend/internal/types"
)

type JobRowRepo interface {
	CreateBatch(ctx context.Context, tx *gorm.DB, rows []*types.JobRow) ([]*types.JobRow, error)
	ListByJob(ctx context.Context, tx *gorm.DB, jobID uuid.UUID, state types.RowState) ([]*types.JobRow, error)
	// PendingByJob returns pending rows in ascending row-number order, the
	// exact sequence the engine executes.
	PendingByJob(ctx context.Context, tx *gorm.DB, jobID uuid.UUID) ([]*types.JobRow, error)
	GetByJobAndNumber(ctx context.Context, tx *gorm.DB, jobID uuid.UUID, rowNumber int) (*types.JobRow, error)
	UpdateFields(ctx context.Context, tx *gorm.DB, id uuid.UUID, updates map[string]interface{}) error
	// MarkSkipped flips pending rows to skipped; rows in any other state
	// are left untouched. Returns the row numbers actually skipped.
	MarkSkipped(ctx context.Context, tx *gorm.DB, jobID uuid.UUID, rowNumbers []int) ([]int, error)
	InFlightByJob(ctx context.Context, tx *gorm.DB, jobID uuid.UUID) ([]*types.JobRow, error)
	// CompletedMissingTask finds completed rows with no write-back task,
	// the crash window between "mark completed" and "enqueue". Rows of
	// jobs with write-back disabled are excluded.
	CompletedMissingTask(ctx context.Context, tx *gorm.DB, jobID uuid.UUID) ([]*types.JobRow, error)
	CountByState(ctx context.Context, tx *gorm.DB, jobID uuid.UUID) (map[types.RowState]int, error)
	FailedRows(ctx context.Context, tx *gorm.DB, jobID uuid.UUID) ([]*types.JobRow, error)
}

type jobRowRepo struct {
	db  *gorm.DB
	log *logger.Logger
}

func NewJobRowRepo(db *gorm.DB, baseLog *logger.Logger) JobRowRepo {
	return &jobRowRepo{
		db:  db,
		log: baseLog.With("repo", "JobRowRepo"),
	}
}

func (r *jobRowRepo) CreateBatch(ctx context.Context, tx *gorm.DB, rows []*types.JobRow) ([]*types.JobRow, error) {
	transaction := tx
	if transaction == nil {
		transaction = r.db
	}
	if len(rows) == 0 {
		return []*types.JobRow{}, nil
	}
	if err := transaction.WithContext(ctx).CreateInBatches(&rows, 200).Error; err != nil {
		return nil, err
	}
	return rows, nil
}

func (r *jobRowRepo) ListByJob(ctx context.Context, tx *gorm.DB, jobID uuid.UUID, state types.RowState) ([]*types.JobRow, error) {
	transaction := tx
	if transaction == nil {
		transaction = r.db
	}
	var out []*types.JobRow
	if jobID == uuid.Nil {
		return out, nil
	}
	q := transaction.WithContext(ctx).Where("job_id = ?", jobID)
	if state != "" {
		q = q.Where("state = ?", state)
	}
	if err := q.Order("row_number ASC").Find(&out).Error; err != nil {
		return nil, err
	}
	return out, nil
}

func (r *jobRowRepo) PendingByJob(ctx context.Context, tx *gorm.DB, jobID uuid.UUID) ([]*types.JobRow, error) {
	return r.ListByJob(ctx, tx, jobID, types.RowStatePending)
}

func (r *jobRowRepo) GetByJobAndNumber(ctx context.Context, tx *gorm.DB, jobID uuid.UUID, rowNumber int) (*types.JobRow, error) {
	transaction := tx
	if transaction == nil {
		transaction = r.db
	}
	if jobID == uuid.Nil || rowNumber < 1 {
		return nil, nil
	}
	var row types.JobRow
	err := transaction.WithContext(ctx).
		Where("job_id = ? AND row_number = ?", jobID, rowNumber).
		Limit(1).
		Find(&row).Error
	if err != nil {
		return nil, err
	}
	if row.ID == uuid.Nil {
		return nil, nil
	}
	return &row, nil
}

func (r *jobRowRepo) UpdateFields(ctx context.Context, tx *gorm.DB, id uuid.UUID, updates map[string]interface{}) error {
	transaction := tx
	if transaction == nil {
		transaction = r.db
	}
	if id == uuid.Nil {
		return nil
	}
	return transaction.WithContext(ctx).
		Model(&types.JobRow{}).
		Where("id = ?", id).
		Updates(updates).Error
}

func (r *jobRowRepo) MarkSkipped(ctx context.Context, tx *gorm.DB, jobID uuid.UUID, rowNumbers []int) ([]int, error) {
	transaction := tx
	if transaction == nil {
		transaction = r.db
	}
	if jobID == uuid.Nil || len(rowNumbers) == 0 {
		return nil, nil
	}
	var skipped []int
	err := transaction.WithContext(ctx).Transaction(func(txx *gorm.DB) error {
		for _, n := range rowNumbers {
			res := txx.Model(&types.JobRow{}).
				Where("job_id = ? AND row_number = ? AND state = ?", jobID, n, types.RowStatePending).
				Update("state", types.RowStateSkipped)
			if res.Error != nil {
				return res.Error
			}
			if res.RowsAffected > 0 {
				skipped = append(skipped, n)
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return skipped, nil
}

func (r *jobRowRepo) InFlightByJob(ctx context.Context, tx *gorm.DB, jobID uuid.UUID) ([]*types.JobRow, error) {
	return r.ListByJob(ctx, tx, jobID, types.RowStateInFlight)
}

func (r *jobRowRepo) CompletedMissingTask(ctx context.Context, tx *gorm.DB, jobID uuid.UUID) ([]*types.JobRow, error) {
	transaction := tx
	if transaction == nil {
		transaction = r.db
	}
	var out []*types.JobRow
	q := transaction.WithContext(ctx).
		Where("state = ? AND tracking_number <> ''", types.RowStateCompleted).
		Where("NOT EXISTS (SELECT 1 FROM write_back_task t WHERE t.job_id = job_row.job_id AND t.row_number = job_row.row_number)").
		Where("EXISTS (SELECT 1 FROM job j WHERE j.id = job_row.job_id AND j.write_back_enabled = ?)", true)
	if jobID != uuid.Nil {
		q = q.Where("job_id = ?", jobID)
	}
	if err := q.Order("row_number ASC").Find(&out).Error; err != nil {
		return nil, err
	}
	return out, nil
}

func (r *jobRowRepo) CountByState(ctx context.Context, tx *gorm.DB, jobID uuid.UUID) (map[types.RowState]int, error) {
	transaction := tx
	if transaction == nil {
		transaction = r.db
	}
	type stateCount struct {
		State types.RowState
		N     int
	}
	var counts []stateCount
	err := transaction.WithContext(ctx).
		Model(&types.JobRow{}).
		Select("state, COUNT(*) AS n").
		Where("job_id = ?", jobID).
		Group("state").
		Scan(&counts).Error
	if err != nil {
		return nil, err
	}
	out := make(map[types.RowState]int, len(counts))
	for _, c := range counts {
		out[c.State] = c.N
	}
	return out, nil
}

func (r *jobRowRepo) FailedRows(ctx context.Context, tx *gorm.DB, jobID uuid.UUID) ([]*types.JobRow, error) {
	return r.ListByJob(ctx, tx, jobID, types.RowStateFailed)
}
