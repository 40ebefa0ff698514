package dto

import (
	"time"

	"golang-hma-trader/internal/entity"
)

// AddInstrumentRequest is the payload for adding an instrument to the
// watch list.
type AddInstrumentRequest struct {
	AccountID           uint    `json:"account_id"`
	Symbol              string  `json:"symbol"`
	Quantity            int     `json:"quantity"`
	TargetDistance      float64 `json:"target_distance"`
	StopDistance        float64 `json:"stop_distance"`
	DistanceUnit        string  `json:"distance_unit"`
	TrailingEnabled     bool    `json:"trailing_enabled"`
	TrailingTriggerStep float64 `json:"trailing_trigger_step"`
	TrailingStopStep    float64 `json:"trailing_stop_step"`
	MaxTradesPerDay     int     `json:"max_trades_per_day"`
}

// AddInstrumentResponse returns the created watch-list row id and its
// initial categorization.
type AddInstrumentResponse struct {
	InstrumentID uint                `json:"instrument_id"`
	Status       entity.SignalStatus `json:"status"`
	StatusReason string              `json:"status_reason"`
}

// AccountStatusResponse is the watch list plus open positions for an
// account.
type AccountStatusResponse struct {
	AccountID    uint                            `json:"account_id"`
	IsMonitoring bool                            `json:"is_monitoring"`
	TotalTrades  int                             `json:"total_trades"`
	TotalPnL     float64                         `json:"total_pnl"`
	WatchList    []entity.WatchedInstrument      `json:"watch_list"`
	Positions    []entity.OpenPosition           `json:"positions"`
	LastCycleAt  *time.Time                      `json:"last_cycle_at"`
}

// OrderEventPayload is the message body published on the order-events
// stream by the broker integration layer.
type OrderEventPayload struct {
	OrderID   string             `json:"order_id"`
	Status    entity.OrderStatus `json:"status"`
	FillPrice float64            `json:"fill_price,omitempty"`
	EventTime time.Time          `json:"event_time"`
}

// Quote is a price observation from the market-data gateway.
type Quote struct {
	Symbol string    `json:"symbol"`
	Price  float64   `json:"price"`
	AsOf   time.Time `json:"as_of"`
}

// IndicatorValue is a moving-average observation from the market-data
// gateway.
type IndicatorValue struct {
	Symbol string    `json:"symbol"`
	Value  float64   `json:"value"`
	AsOf   time.Time `json:"as_of"`
}

// InstrumentSample is the joined quote+indicator input to one state-machine
// evaluation.
type InstrumentSample struct {
	Price     float64
	Indicator float64
	At        time.Time
}
