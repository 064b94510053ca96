// Package bus is the in-process publish/subscribe backbone between the
// execution core and its downstream consumers (ledger, notifier, logger).
// Delivery is synchronous in the publisher's goroutine and ordered by
// subscriber priority, so a fill is always visible to the ledger before any
// lower-priority consumer sees it.
package bus

import (
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/jwquant/trading-core/internal/observ"
)

type Type string

const (
	SignalReceived    Type = "SIGNAL_RECEIVED"
	SignalDuplicate   Type = "SIGNAL_DUPLICATE"
	OrderSubmitted    Type = "ORDER_SUBMITTED"
	OrderAccepted     Type = "ORDER_ACCEPTED"
	OrderPartialFill  Type = "ORDER_PARTIAL_FILL"
	OrderFilled       Type = "ORDER_FILLED"
	OrderCancelled    Type = "ORDER_CANCELLED"
	OrderRejected     Type = "ORDER_REJECTED"
	OrderFlagged      Type = "ORDER_FLAGGED"
	RiskBlocked       Type = "RISK_BLOCKED"
	BrokerDegraded    Type = "BROKER_DEGRADED"
	BrokerReconnected Type = "BROKER_RECONNECTED"
)

// Event is the unit carried by the bus. Data holds a typed payload owned by
// the publishing package (e.g. order.FillEvent, risk.Event).
type Event struct {
	ID   string
	Type Type
	TS   time.Time
	Data any
}

// Handler consumes one event. A panic inside a handler is recovered by the
// bus; it never reaches the publisher or later handlers.
type Handler func(Event)

// Filter decides whether a subscriber sees an event. nil means "all".
type Filter func(Event) bool

type subscription struct {
	id       string
	types    map[Type]bool // nil means all types
	priority int
	filter   Filter
	handler  Handler
}

// Bus dispatches events to subscribers in descending priority order.
type Bus struct {
	mu   sync.RWMutex
	subs []*subscription
}

func New() *Bus {
	return &Bus{}
}

type SubOption func(*subscription)

// WithPriority orders delivery; higher runs first. Default 0.
func WithPriority(p int) SubOption {
	return func(s *subscription) { s.priority = p }
}

// WithFilter skips the handler when the predicate returns false.
func WithFilter(f Filter) SubOption {
	return func(s *subscription) { s.filter = f }
}

// Subscribe registers handler for the given event types (none means all
// types) and returns a token for Unsubscribe.
func (b *Bus) Subscribe(handler Handler, types []Type, opts ...SubOption) string {
	sub := &subscription{
		id:      uuid.NewString(),
		handler: handler,
	}
	if len(types) > 0 {
		sub.types = make(map[Type]bool, len(types))
		for _, t := range types {
			sub.types[t] = true
		}
	}
	for _, opt := range opts {
		opt(sub)
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	b.subs = append(b.subs, sub)
	sort.SliceStable(b.subs, func(i, j int) bool {
		return b.subs[i].priority > b.subs[j].priority
	})
	return sub.id
}

// Unsubscribe removes a subscription; unknown tokens are a no-op.
func (b *Bus) Unsubscribe(id string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for i, s := range b.subs {
		if s.id == id {
			b.subs = append(b.subs[:i], b.subs[i+1:]...)
			return
		}
	}
}

// Publish delivers ev to every matching subscriber, highest priority first,
// in the caller's goroutine. Handler failures are isolated: logged, counted,
// and delivery continues with the next subscriber.
func (b *Bus) Publish(ev Event) {
	if ev.ID == "" {
		ev.ID = uuid.NewString()
	}
	if ev.TS.IsZero() {
		ev.TS = time.Now().UTC()
	}

	b.mu.RLock()
	subs := make([]*subscription, len(b.subs))
	copy(subs, b.subs)
	b.mu.RUnlock()

	observ.IncCounter("bus_events_published_total", map[string]string{"type": string(ev.Type)})

	for _, sub := range subs {
		if sub.types != nil && !sub.types[ev.Type] {
			continue
		}
		if sub.filter != nil && !sub.filter(ev) {
			continue
		}
		b.deliver(sub, ev)
	}
}

func (b *Bus) deliver(sub *subscription, ev Event) {
	defer func() {
		if r := recover(); r != nil {
			observ.Anomaly("bus_handler_panic", map[string]any{
				"event_type": string(ev.Type),
				"event_id":   ev.ID,
				"panic":      r,
			})
		}
	}()
	sub.handler(ev)
}
