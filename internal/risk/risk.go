// Package risk gates candidate orders before they reach the broker. Rules
// are pure predicates evaluated in priority order; the engine returns a
// verdict plus a risk event and never mutates order state itself.
package risk

import (
	"time"
)

// LedgerView is the read-only exposure surface the rules evaluate against.
// Implemented by the position ledger.
type LedgerView interface {
	PositionQty(symbol string) float64
	PositionNotional(symbol string) float64
	Equity() float64
	DailyPnL() float64
}

// Context describes the candidate order under evaluation.
type Context struct {
	Symbol     string
	Side       string // "buy" | "sell"
	Quantity   float64
	Price      float64 // reference price; limit price or strategy-supplied last
	StrategyID string
	At         time.Time
	Ledger     LedgerView
}

// Notional is the candidate order's value at the reference price.
func (c Context) Notional() float64 {
	return c.Quantity * c.Price
}

// riskReducing reports whether the candidate shrinks an existing position.
// Risk-reducing orders pass the sizing rules; they still face the breaker
// and blacklist.
func (c Context) riskReducing() bool {
	pos := c.Ledger.PositionQty(c.Symbol)
	if pos > 0 && c.Side == "sell" {
		return true
	}
	if pos < 0 && c.Side == "buy" {
		return true
	}
	return false
}

// Rule is one independently configured constraint. Lower priority number
// runs earlier. Evaluate must be side-effect free (the breaker's
// trip-latching is the one idempotent exception).
type Rule interface {
	Name() string
	Priority() int
	Evaluate(ctx Context) (ok bool, reason string, err error)
}

// Verdict is the engine's decision for one candidate order.
type Verdict struct {
	Allowed bool
	RuleID  string // blocking rule, empty on pass
	Reason  string
}

// Event is the immutable record of one evaluation, published on the bus and
// journaled. One per evaluation.
type Event struct {
	RuleID     string    `json:"rule_id"`
	Symbol     string    `json:"symbol"`
	StrategyID string    `json:"strategy_id"`
	Verdict    string    `json:"verdict"` // "pass" | "block"
	Reason     string    `json:"reason,omitempty"`
	At         time.Time `json:"at"`
}
