package repository

import (
	"context"

	"golang-hma-trader/internal/entity"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// OrderEventsRepository is the idempotency ledger for the push feed.
type OrderEventsRepository interface {
	// RecordIfAbsent inserts the (orderID, status) pair and reports
	// whether this delivery is the first one. A duplicate delivery
	// returns false with no mutation.
	RecordIfAbsent(ctx context.Context, orderID string, status entity.OrderStatus, fillPrice float64) (bool, error)
	// Remove deletes the (orderID, status) pair so a redelivery is
	// treated as first again. Used to unwind the ledger when applying
	// the event failed after the record was written.
	Remove(ctx context.Context, orderID string, status entity.OrderStatus) error
}

type orderEventsRepository struct {
	db *gorm.DB
}

// NewOrderEventsRepository creates a gorm-backed order-event ledger.
func NewOrderEventsRepository(db *gorm.DB) OrderEventsRepository {
	return &orderEventsRepository{db: db}
}

func (r *orderEventsRepository) RecordIfAbsent(ctx context.Context, orderID string, status entity.OrderStatus, fillPrice float64) (bool, error) {
	record := entity.OrderEventRecord{
		OrderID:   orderID,
		Status:    status,
		FillPrice: fillPrice,
	}
	res := r.db.WithContext(ctx).
		Clauses(clause.OnConflict{DoNothing: true}).
		Create(&record)
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected == 1, nil
}

func (r *orderEventsRepository) Remove(ctx context.Context, orderID string, status entity.OrderStatus) error {
	return r.db.WithContext(ctx).
		Where("order_id = ? AND status = ?", orderID, status).
		Delete(&entity.OrderEventRecord{}).Error
}
