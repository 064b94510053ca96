// Package broker owns the single logical connection to an execution venue.
// The venue's wire protocol is opaque: a vendor adapter implements Venue and
// the Gateway never assumes a specific vendor's callback shape.
package broker

import (
	"context"
	"errors"
	"time"
)

var (
	// ErrBrokerUnavailable is returned by Submit/Cancel whenever the gateway
	// is not in the Connected state. The caller decides whether to resubmit;
	// the gateway never silently retries a lost submission.
	ErrBrokerUnavailable = errors.New("broker unavailable")

	// ErrConnection wraps venue connect failures.
	ErrConnection = errors.New("venue connection failed")
)

// EventKind classifies a venue callback.
type EventKind string

const (
	KindAck       EventKind = "ack"
	KindReject    EventKind = "reject"
	KindFill      EventKind = "fill"
	KindCancelled EventKind = "cancelled"
)

// Event is the normalized venue callback delivered to the order manager.
// Exactly one state transition is applied per event.
type Event struct {
	OrderID   string
	BrokerID  string
	Kind      EventKind
	FillID    string
	FillQty   float64
	FillPrice float64
	Reason    string
	At        time.Time
}

// OrderRequest is what the gateway forwards to the venue.
type OrderRequest struct {
	OrderID    string
	Symbol     string
	Side       string // "buy" | "sell"
	Quantity   float64
	LimitPrice float64
	Market     bool
}

// StatusFill is one execution reported by the venue's order-status endpoint.
type StatusFill struct {
	FillID   string
	Quantity float64
	Price    float64
	At       time.Time
}

// StatusReport is the venue's authoritative view of an order, used to
// reconcile Unconfirmed orders after a reconnect.
type StatusReport struct {
	OrderID  string
	BrokerID string
	Status   string // "live" | "filled" | "cancelled" | "rejected" | "unknown"
	Fills    []StatusFill
	Reason   string
}

// Venue is the pluggable execution-venue adapter. Events() must return the
// stream for the current connection; the channel closes when the connection
// drops. Disconnect is idempotent.
type Venue interface {
	Name() string
	Connect(ctx context.Context) error
	Disconnect() error
	Submit(ctx context.Context, req OrderRequest) error
	Cancel(ctx context.Context, orderID string) error
	QueryStatus(ctx context.Context, orderID string) (StatusReport, error)
	Events() <-chan Event
}

// EventHandler is the gateway's upstream: the order manager. Callbacks are
// delivered one at a time from a single goroutine.
type EventHandler interface {
	HandleBrokerEvent(Event)
	MarkUnconfirmed(orderID string)
}
