package broker

import "time"

// Side represents buy or sell.
type Side string

const (
	SideBuy  Side = "buy"
	SideSell Side = "sell"
)

// Valid reports whether the side is one of the two known values.
func (s Side) Valid() bool {
	return s == SideBuy || s == SideSell
}

// TimeInForce controls how long a submitted order stays working.
type TimeInForce string

const (
	TimeInForceDay TimeInForce = "day"
	TimeInForceGTC TimeInForce = "gtc"
	TimeInForceIOC TimeInForce = "ioc"
)

// OrderStatus represents the current state of an order.
type OrderStatus string

const (
	OrderStatusPending   OrderStatus = "pending"
	OrderStatusPartial   OrderStatus = "partial"
	OrderStatusFilled    OrderStatus = "filled"
	OrderStatusRejected  OrderStatus = "rejected"
	OrderStatusCancelled OrderStatus = "cancelled"
	OrderStatusExpired   OrderStatus = "expired"
)

// Terminal reports whether the status is final. Once an order reaches a
// terminal status its result never changes again.
func (s OrderStatus) Terminal() bool {
	switch s {
	case OrderStatusFilled, OrderStatusRejected, OrderStatusCancelled, OrderStatusExpired:
		return true
	}
	return false
}

// allowedTransitions encodes the order state machine. Anything not listed
// here is an illegal transition.
var allowedTransitions = map[OrderStatus][]OrderStatus{
	OrderStatusPending: {OrderStatusPartial, OrderStatusFilled, OrderStatusRejected, OrderStatusCancelled, OrderStatusExpired},
	OrderStatusPartial: {OrderStatusFilled, OrderStatusCancelled, OrderStatusExpired},
}

// CanTransition reports whether an order may move from one status to another.
// Terminal statuses permit no further transitions.
func CanTransition(from, to OrderStatus) bool {
	for _, next := range allowedTransitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// Fill is a single execution reported by the broker. Identity is FillID;
// a fill is immutable once observed. FilledAt is always UTC.
type Fill struct {
	FillID   string    `json:"fill_id"`
	OrderID  string    `json:"order_id"`
	Symbol   string    `json:"symbol"`
	Qty      float64   `json:"qty"`
	Price    float64   `json:"price"`
	FilledAt time.Time `json:"filled_at_utc"`
	Side     Side      `json:"side"`
}

// Normalize returns a copy with the timestamp converted to UTC. Every fill
// crossing an adapter boundary goes through this before anything persists it.
func (f Fill) Normalize() Fill {
	f.FilledAt = f.FilledAt.UTC()
	return f
}

// OrderIntent is a request to submit a market order.
type OrderIntent struct {
	Symbol      string      `json:"symbol"`
	Qty         float64     `json:"qty"`
	Side        Side        `json:"side"`
	TimeInForce TimeInForce `json:"time_in_force"`
}

// OrderResult is the broker's view of a submitted order. Once Status is
// terminal the result is stable and never mutated.
type OrderResult struct {
	OrderID         string      `json:"order_id"`
	Symbol          string      `json:"symbol"`
	Side            Side        `json:"side"`
	Qty             float64     `json:"qty"`
	Status          OrderStatus `json:"status"`
	FilledQty       float64     `json:"filled_qty"`
	FilledPrice     float64     `json:"filled_price,omitempty"`
	SubmitTime      time.Time   `json:"submit_time"`
	FillTime        *time.Time  `json:"fill_time,omitempty"`
	RejectionReason string      `json:"rejection_reason,omitempty"`
}

// Position is the broker-reported position for a symbol. This is the
// broker's view; the local ledger is rebuilt separately from fills.
type Position struct {
	Symbol        string  `json:"symbol"`
	Qty           float64 `json:"qty"`
	AvgEntryPrice float64 `json:"avg_entry_price"`
	MarketValue   float64 `json:"market_value,omitempty"`
}

// MarketHours describes the trading session for a single calendar date.
// Open and Close are zero when the market is closed all day.
type MarketHours struct {
	Date   string    `json:"date"`
	IsOpen bool      `json:"is_open"`
	Open   time.Time `json:"open,omitempty"`
	Close  time.Time `json:"close,omitempty"`
}
