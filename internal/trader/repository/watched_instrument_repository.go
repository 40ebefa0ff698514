package repository

import (
	"context"
	"fmt"
	"strings"

	"golang-hma-trader/internal/entity"

	"gorm.io/gorm"
)

// GetWatchedInstrumentsParam filters watch-list queries.
type GetWatchedInstrumentsParam struct {
	IDs        []uint
	AccountIDs []uint
	Symbols    []string
	Statuses   []entity.SignalStatus
	OrderID    *string
}

// WatchedInstrumentsRepository is the state-store contract for watch-list
// rows, including the concurrency-guard primitives. Every state transition
// goes through ConditionalUpdate so a losing writer observes the conflict
// instead of overwriting newer state.
type WatchedInstrumentsRepository interface {
	Create(ctx context.Context, instrument *entity.WatchedInstrument) error
	Get(ctx context.Context, param GetWatchedInstrumentsParam) ([]entity.WatchedInstrument, error)
	GetByID(ctx context.Context, id uint) (*entity.WatchedInstrument, error)
	FindByOrderID(ctx context.Context, orderID string) (*entity.WatchedInstrument, error)
	Delete(ctx context.Context, id uint) error

	// TryClaim sets opportunity_claimed only when it is currently false
	// and no entry order is recorded. It reports whether the claim was
	// won.
	TryClaim(ctx context.Context, id uint) (bool, error)
	// ReleaseClaim unconditionally clears the claim.
	ReleaseClaim(ctx context.Context, id uint) error

	// ConditionalUpdate applies updates only when every expected column
	// still holds its previously-read value. It reports whether the
	// write won.
	ConditionalUpdate(ctx context.Context, id uint, expected map[string]interface{}, updates map[string]interface{}) (bool, error)
}

type watchedInstrumentsRepository struct {
	db *gorm.DB
}

// NewWatchedInstrumentsRepository creates a gorm-backed watch-list
// repository.
func NewWatchedInstrumentsRepository(db *gorm.DB) WatchedInstrumentsRepository {
	return &watchedInstrumentsRepository{db: db}
}

func (r *watchedInstrumentsRepository) Create(ctx context.Context, instrument *entity.WatchedInstrument) error {
	return r.db.WithContext(ctx).Create(instrument).Error
}

func (r *watchedInstrumentsRepository) Get(ctx context.Context, param GetWatchedInstrumentsParam) ([]entity.WatchedInstrument, error) {
	var instruments []entity.WatchedInstrument

	qFilter := []string{}
	qFilterParam := []interface{}{}

	if len(param.IDs) > 0 {
		qFilter = append(qFilter, "id IN (?)")
		qFilterParam = append(qFilterParam, param.IDs)
	}
	if len(param.AccountIDs) > 0 {
		qFilter = append(qFilter, "account_id IN (?)")
		qFilterParam = append(qFilterParam, param.AccountIDs)
	}
	if len(param.Symbols) > 0 {
		qFilter = append(qFilter, "symbol IN (?)")
		qFilterParam = append(qFilterParam, param.Symbols)
	}
	if len(param.Statuses) > 0 {
		qFilter = append(qFilter, "status IN (?)")
		qFilterParam = append(qFilterParam, param.Statuses)
	}
	if param.OrderID != nil {
		qFilter = append(qFilter, "order_id = ?")
		qFilterParam = append(qFilterParam, *param.OrderID)
	}

	if len(qFilter) == 0 {
		return nil, fmt.Errorf("no filter provided")
	}

	if err := r.db.WithContext(ctx).Where(strings.Join(qFilter, " AND "), qFilterParam...).Find(&instruments).Error; err != nil {
		return nil, err
	}

	return instruments, nil
}

func (r *watchedInstrumentsRepository) GetByID(ctx context.Context, id uint) (*entity.WatchedInstrument, error) {
	var instrument entity.WatchedInstrument
	if err := r.db.WithContext(ctx).First(&instrument, id).Error; err != nil {
		return nil, err
	}
	return &instrument, nil
}

func (r *watchedInstrumentsRepository) FindByOrderID(ctx context.Context, orderID string) (*entity.WatchedInstrument, error) {
	var instrument entity.WatchedInstrument
	err := r.db.WithContext(ctx).Where("order_id = ?", orderID).First(&instrument).Error
	if err == gorm.ErrRecordNotFound {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &instrument, nil
}

func (r *watchedInstrumentsRepository) Delete(ctx context.Context, id uint) error {
	return r.db.WithContext(ctx).Delete(&entity.WatchedInstrument{}, id).Error
}

func (r *watchedInstrumentsRepository) TryClaim(ctx context.Context, id uint) (bool, error) {
	res := r.db.WithContext(ctx).
		Model(&entity.WatchedInstrument{}).
		Where("id = ? AND opportunity_claimed = ? AND order_id = ?", id, false, "").
		Update("opportunity_claimed", true)
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected == 1, nil
}

func (r *watchedInstrumentsRepository) ReleaseClaim(ctx context.Context, id uint) error {
	return r.db.WithContext(ctx).
		Model(&entity.WatchedInstrument{}).
		Where("id = ?", id).
		Update("opportunity_claimed", false).Error
}

func (r *watchedInstrumentsRepository) ConditionalUpdate(ctx context.Context, id uint, expected map[string]interface{}, updates map[string]interface{}) (bool, error) {
	q := r.db.WithContext(ctx).Model(&entity.WatchedInstrument{}).Where("id = ?", id)
	for column, value := range expected {
		if value == nil {
			q = q.Where(fmt.Sprintf("%s IS NULL", column))
			continue
		}
		q = q.Where(fmt.Sprintf("%s = ?", column), value)
	}

	res := q.Updates(updates)
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected == 1, nil
}
