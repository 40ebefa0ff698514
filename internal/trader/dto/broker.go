package dto

// OrderSide is the direction of an order.
type OrderSide string

const (
	OrderSideBuy  OrderSide = "BUY"
	OrderSideSell OrderSide = "SELL"
)

// OrderKind is the execution style of an order.
type OrderKind string

const (
	OrderKindMarket     OrderKind = "MARKET"
	OrderKindLimit      OrderKind = "LIMIT"
	OrderKindStopMarket OrderKind = "STOP_MARKET"
	OrderKindStopLimit  OrderKind = "STOP_LIMIT"
)

// OrderSpec describes an order to place with the broker gateway. Price
// fields must already be rounded to the instrument's tick size.
type OrderSpec struct {
	AccountID    uint      `json:"account_id"`
	Symbol       string    `json:"symbol"`
	Side         OrderSide `json:"side"`
	Kind         OrderKind `json:"kind"`
	Quantity     int       `json:"quantity"`
	LimitPrice   float64   `json:"limit_price,omitempty"`
	TriggerPrice float64   `json:"trigger_price,omitempty"`
	Tag          string    `json:"tag,omitempty"`
}

// ModifyOrderRequest carries the mutable fields of a resting order.
type ModifyOrderRequest struct {
	LimitPrice   float64 `json:"limit_price,omitempty"`
	TriggerPrice float64 `json:"trigger_price,omitempty"`
	Quantity     int     `json:"quantity,omitempty"`
}

// PlaceOrderResponse is the broker's synchronous acknowledgement.
type PlaceOrderResponse struct {
	OrderID string `json:"order_id"`
	Status  string `json:"status"`
}
