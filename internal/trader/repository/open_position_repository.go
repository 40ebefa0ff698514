package repository

import (
	"context"
	"fmt"
	"strings"
	"time"

	"golang-hma-trader/internal/entity"

	"gorm.io/gorm"
)

// GetOpenPositionsParam filters open-position queries.
type GetOpenPositionsParam struct {
	IDs            []uint
	AccountIDs     []uint
	Symbols        []string
	Statuses       []entity.PositionStatus
	ReentryPending *bool
	ReentryDueBy   *time.Time
}

// OpenPositionsRepository is the state-store contract for positions.
type OpenPositionsRepository interface {
	Create(ctx context.Context, position *entity.OpenPosition) error
	Get(ctx context.Context, param GetOpenPositionsParam) ([]entity.OpenPosition, error)
	GetByID(ctx context.Context, id uint) (*entity.OpenPosition, error)
	FindByOrderID(ctx context.Context, orderID string) (*entity.OpenPosition, error)

	// ConditionalUpdate applies updates only when every expected column
	// still holds its previously-read value.
	ConditionalUpdate(ctx context.Context, id uint, expected map[string]interface{}, updates map[string]interface{}) (bool, error)
}

type openPositionsRepository struct {
	db *gorm.DB
}

// NewOpenPositionsRepository creates a gorm-backed positions repository.
func NewOpenPositionsRepository(db *gorm.DB) OpenPositionsRepository {
	return &openPositionsRepository{db: db}
}

func (r *openPositionsRepository) Create(ctx context.Context, position *entity.OpenPosition) error {
	return r.db.WithContext(ctx).Create(position).Error
}

func (r *openPositionsRepository) Get(ctx context.Context, param GetOpenPositionsParam) ([]entity.OpenPosition, error) {
	var positions []entity.OpenPosition

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
	if param.ReentryPending != nil {
		if *param.ReentryPending {
			qFilter = append(qFilter, "reentry_done = ? AND reentry_due_at IS NOT NULL")
			qFilterParam = append(qFilterParam, false)
		} else {
			qFilter = append(qFilter, "reentry_done = ?")
			qFilterParam = append(qFilterParam, true)
		}
	}
	if param.ReentryDueBy != nil {
		qFilter = append(qFilter, "reentry_due_at <= ?")
		qFilterParam = append(qFilterParam, *param.ReentryDueBy)
	}

	if len(qFilter) == 0 {
		return nil, fmt.Errorf("no filter provided")
	}

	if err := r.db.WithContext(ctx).Where(strings.Join(qFilter, " AND "), qFilterParam...).Find(&positions).Error; err != nil {
		return nil, err
	}

	return positions, nil
}

func (r *openPositionsRepository) GetByID(ctx context.Context, id uint) (*entity.OpenPosition, error) {
	var position entity.OpenPosition
	if err := r.db.WithContext(ctx).First(&position, id).Error; err != nil {
		return nil, err
	}
	return &position, nil
}

func (r *openPositionsRepository) FindByOrderID(ctx context.Context, orderID string) (*entity.OpenPosition, error) {
	var position entity.OpenPosition
	err := r.db.WithContext(ctx).
		Where("entry_order_id = ? OR stop_order_id = ? OR exit_order_id = ?", orderID, orderID, orderID).
		First(&position).Error
	if err == gorm.ErrRecordNotFound {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &position, nil
}

func (r *openPositionsRepository) ConditionalUpdate(ctx context.Context, id uint, expected map[string]interface{}, updates map[string]interface{}) (bool, error) {
	q := r.db.WithContext(ctx).Model(&entity.OpenPosition{}).Where("id = ?", id)
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
