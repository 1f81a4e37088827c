package repos

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/draymark/shipflow-backend/internal/logger"
	"github.com/draymark/shipflow-backend/internal/types"
)

type JobFilter struct {
	State         types.JobState
	Name          string
	CreatedAfter  *time.Time
	CreatedBefore *time.Time
	Limit         int
	Offset        int
}

type JobRepo interface {
	Create(ctx context.Context, tx *gorm.DB, job *types.Job) (*types.Job, error)
	GetByID(ctx context.Context, tx *gorm.DB, id uuid.UUID) (*types.Job, error)
	List(ctx context.Context, tx *gorm.DB, filter JobFilter) ([]*types.Job, int64, error)
	ListByStates(ctx context.Context, tx *gorm.DB, states []types.JobState) ([]*types.Job, error)
	UpdateFields(ctx context.Context, tx *gorm.DB, id uuid.UUID, updates map[string]interface{}) error
	// TransitionState flips state only when the job currently holds `from`,
	// returning the number of rows touched so callers can detect races.
	TransitionState(ctx context.Context, tx *gorm.DB, id uuid.UUID, from, to types.JobState) (int64, error)
	Delete(ctx context.Context, tx *gorm.DB, id uuid.UUID) error
}

type jobRepo struct {
	db  *gorm.DB
	log *logger.Logger
}

func NewJobRepo(db *gorm.DB, baseLog *logger.Logger) JobRepo {
	return &jobRepo{
		db:  db,
		log: baseLog.With("repo", "JobRepo"),
	}
}

func (r *jobRepo) Create(ctx context.Context, tx *gorm.DB, job *types.Job) (*types.Job, error) {
	transaction := tx
	if transaction == nil {
		transaction = r.db
	}
	if job == nil {
		return nil, errors.New("job required")
	}
	if err := transaction.WithContext(ctx).Create(job).Error; err != nil {
		return nil, err
	}
	return job, nil
}

func (r *jobRepo) GetByID(ctx context.Context, tx *gorm.DB, id uuid.UUID) (*types.Job, error) {
	transaction := tx
	if transaction == nil {
		transaction = r.db
	}
	if id == uuid.Nil {
		return nil, nil
	}
	var job types.Job
	err := transaction.WithContext(ctx).
		Where("id = ?", id).
		Limit(1).
		Find(&job).Error
	if err != nil {
		return nil, err
	}
	if job.ID == uuid.Nil {
		return nil, nil
	}
	return &job, nil
}

func (r *jobRepo) List(ctx context.Context, tx *gorm.DB, filter JobFilter) ([]*types.Job, int64, error) {
	transaction := tx
	if transaction == nil {
		transaction = r.db
	}
	q := transaction.WithContext(ctx).Model(&types.Job{})
	if filter.State != "" {
		q = q.Where("state = ?", filter.State)
	}
	if filter.Name != "" {
		q = q.Where("name LIKE ?", "%"+filter.Name+"%")
	}
	if filter.CreatedAfter != nil {
		q = q.Where("created_at >= ?", *filter.CreatedAfter)
	}
	if filter.CreatedBefore != nil {
		q = q.Where("created_at <= ?", *filter.CreatedBefore)
	}

	var total int64
	if err := q.Count(&total).Error; err != nil {
		return nil, 0, err
	}

	limit := filter.Limit
	if limit <= 0 || limit > 200 {
		limit = 50
	}
	var out []*types.Job
	err := q.Order("created_at DESC").
		Limit(limit).
		Offset(filter.Offset).
		Find(&out).Error
	if err != nil {
		return nil, 0, err
	}
	return out, total, nil
}

func (r *jobRepo) ListByStates(ctx context.Context, tx *gorm.DB, states []types.JobState) ([]*types.Job, error) {
	transaction := tx
	if transaction == nil {
		transaction = r.db
	}
	var out []*types.Job
	if len(states) == 0 {
		return out, nil
	}
	err := transaction.WithContext(ctx).
		Where("state IN ?", states).
		Order("created_at ASC").
		Find(&out).Error
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (r *jobRepo) UpdateFields(ctx context.Context, tx *gorm.DB, id uuid.UUID, updates map[string]interface{}) error {
	transaction := tx
	if transaction == nil {
		transaction = r.db
	}
	if id == uuid.Nil {
		return nil
	}
	if updates == nil {
		updates = map[string]interface{}{}
	}
	if _, ok := updates["updated_at"]; !ok {
		updates["updated_at"] = time.Now().UTC()
	}
	return transaction.WithContext(ctx).
		Model(&types.Job{}).
		Where("id = ?", id).
		Updates(updates).Error
}

func (r *jobRepo) TransitionState(ctx context.Context, tx *gorm.DB, id uuid.UUID, from, to types.JobState) (int64, error) {
	transaction := tx
	if transaction == nil {
		transaction = r.db
	}
	if id == uuid.Nil {
		return 0, nil
	}
	res := transaction.WithContext(ctx).
		Model(&types.Job{}).
		Where("id = ? AND state = ?", id, from).
		Updates(map[string]interface{}{
			"state":      to,
			"updated_at": time.Now().UTC(),
		})
	if res.Error != nil {
		return 0, res.Error
	}
	return res.RowsAffected, nil
}

func (r *jobRepo) Delete(ctx context.Context, tx *gorm.DB, id uuid.UUID) error {
	transaction := tx
	if transaction == nil {
		transaction = r.db
	}
	if id == uuid.Nil {
		return nil
	}
	// Children are removed explicitly so delete works the same regardless
	// of whether the sqlite connection has foreign_keys enabled.
	return transaction.WithContext(ctx).Transaction(func(txx *gorm.DB) error {
		if err := txx.Where("job_id = ?", id).Delete(&types.JobRow{}).Error; err != nil {
			return err
		}
		if err := txx.Where("job_id = ?", id).Delete(&types.WriteBackTask{}).Error; err != nil {
			return err
		}
		if err := txx.Where("job_id = ?", id).Delete(&types.AuditEvent{}).Error; err != nil {
			return err
		}
		return txx.Where("id = ?", id).Delete(&types.Job{}).Error
	})
}
