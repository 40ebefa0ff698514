package entity

import "time"

// SignalStatus is the per-instrument state of the crossover state machine.
type SignalStatus string

const (
	SignalWaitingForReversal SignalStatus = "WAITING_FOR_REVERSAL"
	SignalConfirmingReversal SignalStatus = "CONFIRMING_REVERSAL"
	SignalWaitingForEntry    SignalStatus = "WAITING_FOR_ENTRY"
	SignalConfirmingEntry    SignalStatus = "CONFIRMING_ENTRY"
	SignalOrderPlaced        SignalStatus = "ORDER_PLACED"
	SignalOrderRejected      SignalStatus = "ORDER_REJECTED"
)

// SignalDirection labels which crossover a pending signal is waiting on.
type SignalDirection string

const (
	DirectionReversal SignalDirection = "REVERSAL"
	DirectionEntry    SignalDirection = "ENTRY"
)

// ConfirmState tracks whether a pending signal is inside its confirmation
// window.
type ConfirmState string

const (
	ConfirmWaiting    ConfirmState = "WAITING"
	ConfirmConfirming ConfirmState = "CONFIRMING"
)

// DistanceUnit selects how target/stop distances are interpreted.
type DistanceUnit string

const (
	DistancePoints  DistanceUnit = "POINTS"
	DistancePercent DistanceUnit = "PERCENT"
)

// WatchedInstrument is one instrument under observation for one account.
// The pending-signal sub-record is flattened into nullable columns so every
// transition is a single conditional row update.
type WatchedInstrument struct {
	ID        uint   `gorm:"primaryKey" json:"id"`
	AccountID uint   `gorm:"not null;index" json:"account_id"`
	Symbol    string `gorm:"not null;index" json:"symbol"`

	// Strategy configuration.
	Quantity            int          `gorm:"not null" json:"quantity"`
	TargetDistance      float64      `gorm:"not null" json:"target_distance"`
	StopDistance        float64      `gorm:"not null" json:"stop_distance"`
	DistanceUnit        DistanceUnit `gorm:"not null;default:POINTS" json:"distance_unit"`
	TrailingEnabled     bool         `gorm:"not null" json:"trailing_enabled"`
	TrailingTriggerStep float64      `json:"trailing_trigger_step"`
	TrailingStopStep    float64      `json:"trailing_stop_step"`
	MaxTradesPerDay     int          `gorm:"not null;default:1" json:"max_trades_per_day"`

	// Live market fields, refreshed every monitoring cycle.
	LastPrice     float64    `json:"last_price"`
	LastIndicator float64    `json:"last_indicator"`
	LastUpdatedAt *time.Time `json:"last_updated_at"`

	// State machine fields.
	Status       SignalStatus `gorm:"not null" json:"status"`
	StatusReason string       `json:"status_reason"`

	// Pending-signal sub-record; ConfirmationDeadline is set iff
	// ConfirmState is CONFIRMING.
	SignalDirection      SignalDirection `json:"signal_direction"`
	ConfirmState         ConfirmState    `json:"confirm_state"`
	SignalTriggeredAt    *time.Time      `json:"signal_triggered_at"`
	ConfirmationDeadline *time.Time      `json:"confirmation_deadline"`
	ReversalConfirmed    bool            `gorm:"not null" json:"reversal_confirmed"`

	// In-flight entry order.
	OrderID          string  `gorm:"index" json:"order_id"`
	OrderStatus      string  `json:"order_status"`
	IndicatorAtOrder float64 `json:"indicator_at_order"`

	// Concurrency guard fields.
	OpportunityClaimed bool `gorm:"not null" json:"opportunity_claimed"`
	RepriceInFlight    bool `gorm:"not null" json:"reprice_in_flight"`

	TradesExecutedToday int    `gorm:"not null" json:"trades_executed_today"`
	TradingDay          string `json:"trading_day"`

	CreatedAt time.Time `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt time.Time `gorm:"autoUpdateTime" json:"updated_at"`
}

func (WatchedInstrument) TableName() string {
	return "watched_instruments"
}

// InConfirmationWindow reports whether the instrument currently carries a
// confirming pending signal with a live deadline.
func (w *WatchedInstrument) InConfirmationWindow() bool {
	return w.ConfirmState == ConfirmConfirming && w.ConfirmationDeadline != nil
}
