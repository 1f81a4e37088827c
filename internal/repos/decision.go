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

type DecisionRepo interface {
	CreateRun(ctx context.Context, tx *gorm.DB, run *types.DecisionRun) (*types.DecisionRun, error)
	// LastEvent returns the highest-seq event of a run, or nil for an
	// empty run.
	LastEvent(ctx context.Context, tx *gorm.DB, runID uuid.UUID) (*types.DecisionEvent, error)
	AppendEvent(ctx context.Context, tx *gorm.DB, event *types.DecisionEvent) error
	ListEvents(ctx context.Context, tx *gorm.DB, runID uuid.UUID) ([]*types.DecisionEvent, error)
	PruneOlderThan(ctx context.Context, tx *gorm.DB, cutoff time.Time) (int64, error)
}

type decisionRepo struct {
	db  *gorm.DB
	log *logger.Logger
}

func NewDecisionRepo(db *gorm.DB, baseLog *logger.Logger) DecisionRepo {
	return &decisionRepo{
		db:  db,
		log: baseLog.With("repo", "DecisionRepo"),
	}
}

func (r *decisionRepo) CreateRun(ctx context.Context, tx *gorm.DB, run *types.DecisionRun) (*types.DecisionRun, error) {
	transaction := tx
	if transaction == nil {
		transaction = r.db
	}
	if run == nil {
		return nil, errors.New("run required")
	}
	if run.CreatedAt.IsZero() {
		run.CreatedAt = time.Now().UTC()
	}
	if err := transaction.WithContext(ctx).Create(run).Error; err != nil {
		return nil, err
	}
	return run, nil
}

func (r *decisionRepo) LastEvent(ctx context.Context, tx *gorm.DB, runID uuid.UUID) (*types.DecisionEvent, error) {
	transaction := tx
	if transaction == nil {
		transaction = r.db
	}
	var ev types.DecisionEvent
	err := transaction.WithContext(ctx).
		Where("run_id = ?", runID).
		Order("seq DESC").
		Limit(1).
		Find(&ev).Error
	if err != nil {
		return nil, err
	}
	if ev.ID == uuid.Nil {
		return nil, nil
	}
	return &ev, nil
}

func (r *decisionRepo) AppendEvent(ctx context.Context, tx *gorm.DB, event *types.DecisionEvent) error {
	transaction := tx
	if transaction == nil {
		transaction = r.db
	}
	if event == nil {
		return nil
	}
	if event.CreatedAt.IsZero() {
		event.CreatedAt = time.Now().UTC()
	}
	return transaction.WithContext(ctx).Create(event).Error
}

func (r *decisionRepo) ListEvents(ctx context.Context, tx *gorm.DB, runID uuid.UUID) ([]*types.DecisionEvent, error) {
	transaction := tx
	if transaction == nil {
		transaction = r.db
	}
	var out []*types.DecisionEvent
	err := transaction.WithContext(ctx).
		Where("run_id = ?", runID).
		Order("seq ASC").
		Find(&out).Error
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (r *decisionRepo) PruneOlderThan(ctx context.Context, tx *gorm.DB, cutoff time.Time) (int64, error) {
	transaction := tx
	if transaction == nil {
		transaction = r.db
	}
	var total int64
	err := transaction.WithContext(ctx).Transaction(func(txx *gorm.DB) error {
		var runIDs []uuid.UUID
		if err := txx.Model(&types.DecisionRun{}).
			Where("created_at < ?", cutoff).
			Pluck("id", &runIDs).Error; err != nil {
			return err
		}
		if len(runIDs) == 0 {
			return nil
		}
		res := txx.Where("run_id IN ?", runIDs).Delete(&types.DecisionEvent{})
		if res.Error != nil {
			return res.Error
		}
		total += res.RowsAffected
		return txx.Where("id IN ?", runIDs).Delete(&types.DecisionRun{}).Error
	})
	if err != nil {
		return 0, err
	}
	return total, nil
}
