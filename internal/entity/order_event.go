package entity

import "time"

// OrderStatus is a broker order state delivered on the push feed.
type OrderStatus string

const (
	OrderPending   OrderStatus = "PENDING"
	OrderFilled    OrderStatus = "FILLED"
	OrderRejected  OrderStatus = "REJECTED"
	OrderCancelled OrderStatus = "CANCELLED"
)

// OrderEventRecord is the idempotency ledger for applied push events. The
// unique (order_id, status) pair guarantees a re-delivered event is detected
// and discarded without mutating trading state.
type OrderEventRecord struct {
	ID        uint        `gorm:"primaryKey" json:"id"`
	OrderID   string      `gorm:"not null;uniqueIndex:idx_order_event_key" json:"order_id"`
	Status    OrderStatus `gorm:"not null;uniqueIndex:idx_order_event_key" json:"status"`
	FillPrice float64     `json:"fill_price"`
	AppliedAt time.Time   `gorm:"autoCreateTime" json:"applied_at"`
}

func (OrderEventRecord) TableName() string {
	return "order_event_records"
}
