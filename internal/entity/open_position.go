package entity

import (
	"time"

	"gorm.io/datatypes"
)

// PositionStatus is the lifecycle state of an open position.
type PositionStatus string

const (
	PositionPending      PositionStatus = "PENDING"
	PositionActive       PositionStatus = "ACTIVE"
	PositionTargetHit    PositionStatus = "TARGET_HIT"
	PositionStopLossHit  PositionStatus = "STOPLOSS_HIT"
	PositionEndOfSession PositionStatus = "END_OF_SESSION"
	PositionClosed       PositionStatus = "CLOSED"
)

// Terminal reports whether the status is a closure state.
func (s PositionStatus) Terminal() bool {
	switch s {
	case PositionTargetHit, PositionStopLossHit, PositionEndOfSession, PositionClosed:
		return true
	}
	return false
}

// StrategySnapshot is the watched-instrument configuration captured at fill
// time, persisted as JSON on the position so re-entry can reconstruct the
// watch-list row after the instrument record is gone.
type StrategySnapshot struct {
	Quantity            int          `json:"quantity"`
	TargetDistance      float64      `json:"target_distance"`
	StopDistance        float64      `json:"stop_distance"`
	DistanceUnit        DistanceUnit `json:"distance_unit"`
	TrailingEnabled     bool         `json:"trailing_enabled"`
	TrailingTriggerStep float64      `json:"trailing_trigger_step"`
	TrailingStopStep    float64      `json:"trailing_stop_step"`
	MaxTradesPerDay     int          `json:"max_trades_per_day"`
	TradesExecutedToday int          `json:"trades_executed_today"`
	TradingDay          string       `json:"trading_day"`
}

// OpenPosition is one row per filled entry order.
type OpenPosition struct {
	ID        uint   `gorm:"primaryKey" json:"id"`
	AccountID uint   `gorm:"not null;index" json:"account_id"`
	Symbol    string `gorm:"not null;index" json:"symbol"`

	Snapshot datatypes.JSON `json:"snapshot"`
	Quantity int            `gorm:"not null" json:"quantity"`

	EntryPrice       float64 `gorm:"not null" json:"entry_price"`
	CurrentPrice     float64 `json:"current_price"`
	TargetPrice      float64 `gorm:"not null" json:"target_price"`
	StopPrice        float64 `gorm:"not null" json:"stop_price"`
	InitialStopPrice float64 `gorm:"not null" json:"initial_stop_price"`

	EntryOrderID string `gorm:"index" json:"entry_order_id"`
	StopOrderID  string `gorm:"index" json:"stop_order_id"`
	ExitOrderID  string `gorm:"index" json:"exit_order_id"`

	// The protective stop is submitted only after this settle delay has
	// passed, evaluated on poll.
	StopOrderDueAt *time.Time `json:"stop_order_due_at"`

	Status       PositionStatus `gorm:"not null" json:"status"`
	StatusReason string         `json:"status_reason"`

	ExitPrice   float64    `json:"exit_price"`
	RealizedPnL float64    `json:"realized_pnl"`
	PnLPercent  float64    `json:"pnl_percent"`
	ClosedAt    *time.Time `json:"closed_at"`

	// Re-entry scheduling, evaluated on poll after closure.
	ReentryDueAt *time.Time `json:"reentry_due_at"`
	ReentryDone  bool       `gorm:"not null" json:"reentry_done"`

	EnteredAt time.Time `gorm:"not null" json:"entered_at"`
	CreatedAt time.Time `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt time.Time `gorm:"autoUpdateTime" json:"updated_at"`
}

func (OpenPosition) TableName() string {
	return "open_positions"
}

// UnrealizedPnL computes the mark-to-market P&L at the given price.
func (p *OpenPosition) UnrealizedPnL(price float64) float64 {
	return (price - p.EntryPrice) * float64(p.Quantity)
}
