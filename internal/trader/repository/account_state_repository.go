package repository

import (
	"context"
	"time"

	"golang-hma-trader/internal/entity"

	"gorm.io/gorm"
)

// AccountStateRepository is the state-store contract for per-account
// monitoring state.
type AccountStateRepository interface {
	GetOrCreate(ctx context.Context, accountID uint) (*entity.AccountMonitoringState, error)
	// ListMonitoring returns every account whose monitoring flag is set.
	ListMonitoring(ctx context.Context) ([]entity.AccountMonitoringState, error)
	SetMonitoring(ctx context.Context, accountID uint, monitoring bool) error
	MarkCycleStarted(ctx context.Context, accountID uint, at time.Time) error
	MarkCycleFinished(ctx context.Context, accountID uint, at time.Time) error
	// AddTrade atomically bumps the aggregate counters when a position
	// closes.
	AddTrade(ctx context.Context, accountID uint, realizedPnL float64) error
}

type accountStateRepository struct {
	db *gorm.DB
}

// NewAccountStateRepository creates a gorm-backed account-state repository.
func NewAccountStateRepository(db *gorm.DB) AccountStateRepository {
	return &accountStateRepository{db: db}
}

func (r *accountStateRepository) GetOrCreate(ctx context.Context, accountID uint) (*entity.AccountMonitoringState, error) {
	var state entity.AccountMonitoringState
	err := r.db.WithContext(ctx).Where("account_id = ?", accountID).First(&state).Error
	if err == gorm.ErrRecordNotFound {
		state = entity.AccountMonitoringState{AccountID: accountID}
		if err := r.db.WithContext(ctx).Create(&state).Error; err != nil {
			return nil, err
		}
		return &state, nil
	}
	if err != nil {
		return nil, err
	}
	return &state, nil
}

func (r *accountStateRepository) ListMonitoring(ctx context.Context) ([]entity.AccountMonitoringState, error) {
	var states []entity.AccountMonitoringState
	if err := r.db.WithContext(ctx).Where("is_monitoring = ?", true).Find(&states).Error; err != nil {
		return nil, err
	}
	return states, nil
}

func (r *accountStateRepository) SetMonitoring(ctx context.Context, accountID uint, monitoring bool) error {
	return r.db.WithContext(ctx).
		Model(&entity.AccountMonitoringState{}).
		Where("account_id = ?", accountID).
		Update("is_monitoring", monitoring).Error
}

func (r *accountStateRepository) MarkCycleStarted(ctx context.Context, accountID uint, at time.Time) error {
	return r.db.WithContext(ctx).
		Model(&entity.AccountMonitoringState{}).
		Where("account_id = ?", accountID).
		Update("last_cycle_started_at", at).Error
}

func (r *accountStateRepository) MarkCycleFinished(ctx context.Context, accountID uint, at time.Time) error {
	return r.db.WithContext(ctx).
		Model(&entity.AccountMonitoringState{}).
		Where("account_id = ?", accountID).
		Update("last_cycle_finished_at", at).Error
}

func (r *accountStateRepository) AddTrade(ctx context.Context, accountID uint, realizedPnL float64) error {
	return r.db.WithContext(ctx).
		Model(&entity.AccountMonitoringState{}).
		Where("account_id = ?", accountID).
		Updates(map[string]interface{}{
			"total_trades_executed": gorm.Expr("total_trades_executed + 1"),
			"total_realized_pnl":    gorm.Expr("total_realized_pnl + ?", realizedPnL),
		}).Error
}
