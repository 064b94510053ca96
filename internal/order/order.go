// Package order owns the authoritative per-order state machine. The Manager
// is the only writer of order state; everything else sees value snapshots.
package order

import (
	"time"

	"github.com/shopspring/decimal"
)

type Side string

const (
	Buy  Side = "buy"
	Sell Side = "sell"
)

// State is the order lifecycle state.
//
//	Created → PendingSubmit → Submitted → {PartiallyFilled ⇄} → Filled
//
// with Cancelling/Cancelled on the cancel branch, Rejected on the broker
// branch, and Flagged as the invariant-violation quarantine. Filled,
// Cancelled, Rejected and Flagged are terminal and absorb all further
// callbacks.
type State string

const (
	StateCreated         State = "created"
	StatePendingSubmit   State = "pending_submit"
	StateSubmitted       State = "submitted"
	StatePartiallyFilled State = "partially_filled"
	StateFilled          State = "filled"
	StateCancelling      State = "cancelling"
	StateCancelled       State = "cancelled"
	StateRejected        State = "rejected"
	StateFlagged         State = "flagged"
)

// Terminal reports whether no further transition is permitted.
func (s State) Terminal() bool {
	switch s {
	case StateFilled, StateCancelled, StateRejected, StateFlagged:
		return true
	default:
		return false
	}
}

// Cancellable reports whether a cancel request is valid in this state.
func (s State) Cancellable() bool {
	return s == StateSubmitted || s == StatePartiallyFilled
}

// Order is the system-tracked request to trade. Quantities and prices are
// float64 at the boundary; the average fill price is folded in decimal to
// keep the weighted average exact across partial fills.
type Order struct {
	ID           string    `json:"id"`
	Symbol       string    `json:"symbol"`
	Side         Side      `json:"side"`
	Quantity     float64   `json:"quantity"`
	LimitPrice   float64   `json:"limit_price,omitempty"`
	Market       bool      `json:"market"`
	StrategyID   string    `json:"strategy_id"`
	State        State     `json:"state"`
	BrokerID     string    `json:"broker_id,omitempty"`
	CreatedAt    time.Time `json:"created_at"`
	UpdatedAt    time.Time `json:"updated_at"`
	FilledQty    float64   `json:"filled_qty"`
	AvgFillPrice float64   `json:"avg_fill_price"`
	RejectReason string    `json:"reject_reason,omitempty"`

	// Unconfirmed marks an order whose outcome was unknown at the time the
	// broker connection dropped. Cleared by reconciliation.
	Unconfirmed bool `json:"unconfirmed,omitempty"`
}

// Remaining is the unfilled quantity.
func (o Order) Remaining() float64 {
	return o.Quantity - o.FilledQty
}

// Fill is one confirmed execution. Immutable, append-only, attributed to
// exactly one order.
type Fill struct {
	FillID   string    `json:"fill_id"`
	OrderID  string    `json:"order_id"`
	Symbol   string    `json:"symbol"`
	Side     Side      `json:"side"`
	Quantity float64   `json:"quantity"`
	Price    float64   `json:"price"`
	At       time.Time `json:"at"`
}

// FillEvent is the bus payload for ORDER_PARTIAL_FILL / ORDER_FILLED: the
// fill plus the post-transition order snapshot.
type FillEvent struct {
	Order Order `json:"order"`
	Fill  Fill  `json:"fill"`
}

// avgPrice folds a new fill into the running weighted average.
func avgPrice(prevAvg, prevQty, fillPrice, fillQty float64) float64 {
	prev := decimal.NewFromFloat(prevAvg).Mul(decimal.NewFromFloat(prevQty))
	add := decimal.NewFromFloat(fillPrice).Mul(decimal.NewFromFloat(fillQty))
	total := decimal.NewFromFloat(prevQty).Add(decimal.NewFromFloat(fillQty))
	if total.IsZero() {
		return 0
	}
	out, _ := prev.Add(add).Div(total).Float64()
	return out
}
