package order

import (
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/jwquant/trading-core/internal/broker"
	"github.com/jwquant/trading-core/internal/bus"
	"github.com/jwquant/trading-core/internal/observ"
)

var (
	ErrInvalidOrder   = errors.New("invalid order")
	ErrUnknownOrder   = errors.New("unknown order")
	ErrNotCancellable = errors.New("order not cancellable")
)

// Manager owns the order table. All mutation happens under one lock, and
// broker callbacks arrive from the gateway's single pump goroutine, so no
// two transitions for the same order can race. Queries return copies.
type Manager struct {
	mu sync.Mutex

	orders    map[string]*Order
	byBroker  map[string]string          // broker id -> order id
	fills     map[string][]Fill          // order id -> fills, apply order
	seenFills map[string]map[string]bool // order id -> fill id (duplicate delivery dedupe)

	events *bus.Bus

	// pending holds events staged during a transition. Bus delivery is
	// synchronous in the publisher's goroutine, so events are published only
	// after m.mu is released; a subscriber may query the manager.
	pending []bus.Event

	// onTerminal lets the gateway drop an order from its reconciliation set
	// once the outcome is known. Optional.
	onTerminal func(orderID string)
}

func NewManager(events *bus.Bus) *Manager {
	return &Manager{
		orders:    make(map[string]*Order),
		byBroker:  make(map[string]string),
		fills:     make(map[string][]Fill),
		seenFills: make(map[string]map[string]bool),
		events:    events,
	}
}

// SetTerminalHook registers the gateway's in-flight cleanup. Wire-time only,
// before any orders exist.
func (m *Manager) SetTerminalHook(fn func(orderID string)) {
	m.onTerminal = fn
}

// Create validates the request and registers a new order in Created state.
func (m *Manager) Create(symbol string, side Side, qty, limitPrice float64, market bool, strategyID string) (Order, error) {
	symbol = strings.TrimSpace(symbol)
	if symbol == "" {
		return Order{}, fmt.Errorf("%w: empty symbol", ErrInvalidOrder)
	}
	if side != Buy && side != Sell {
		return Order{}, fmt.Errorf("%w: side %q", ErrInvalidOrder, side)
	}
	if qty <= 0 {
		return Order{}, fmt.Errorf("%w: quantity %v", ErrInvalidOrder, qty)
	}
	if !market && limitPrice <= 0 {
		return Order{}, fmt.Errorf("%w: limit price %v", ErrInvalidOrder, limitPrice)
	}

	now := time.Now().UTC()
	o := &Order{
		ID:         uuid.NewString(),
		Symbol:     symbol,
		Side:       side,
		Quantity:   qty,
		LimitPrice: limitPrice,
		Market:     market,
		StrategyID: strategyID,
		State:      StateCreated,
		CreatedAt:  now,
		UpdatedAt:  now,
	}

	m.mu.Lock()
	m.orders[o.ID] = o
	m.mu.Unlock()

	observ.IncCounter("orders_created_total", map[string]string{"symbol": symbol})
	return *o, nil
}

// MarkPendingSubmit records the dispatch to the gateway. Local, always
// succeeds for a Created order.
func (m *Manager) MarkPendingSubmit(orderID string) (Order, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	o, ok := m.orders[orderID]
	if !ok {
		return Order{}, ErrUnknownOrder
	}
	if o.State != StateCreated {
		return *o, fmt.Errorf("%w: cannot dispatch from %s", ErrInvalidOrder, o.State)
	}
	m.transitionLocked(o, StatePendingSubmit, "")
	return *o, nil
}

// MarkRejectedLocal puts an order that never reached the venue into
// Rejected (e.g. the gateway refused the submit fast).
func (m *Manager) MarkRejectedLocal(orderID, reason string) {
	m.mu.Lock()
	o, ok := m.orders[orderID]
	if !ok || o.State.Terminal() {
		m.mu.Unlock()
		return
	}
	o.RejectReason = reason
	m.transitionLocked(o, StateRejected, reason)
	m.queueLocked(bus.OrderRejected, *o)
	evs := m.takePendingLocked()
	m.mu.Unlock()
	m.publish(evs)
}

// Cancel requests cancellation. Valid only in Submitted/PartiallyFilled;
// the move to Cancelled happens when the venue confirms.
func (m *Manager) Cancel(orderID string) (Order, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	o, ok := m.orders[orderID]
	if !ok {
		return Order{}, ErrUnknownOrder
	}
	if !o.State.Cancellable() {
		return *o, fmt.Errorf("%w: state %s", ErrNotCancellable, o.State)
	}
	m.transitionLocked(o, StateCancelling, "cancel requested")
	return *o, nil
}

// MarkUnconfirmed flags an in-flight order whose outcome is unknown because
// the broker connection dropped. The state itself is unchanged;
// reconciliation clears the flag.
func (m *Manager) MarkUnconfirmed(orderID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	o, ok := m.orders[orderID]
	if !ok || o.State.Terminal() {
		return
	}
	o.Unconfirmed = true
	o.UpdatedAt = time.Now().UTC()
	observ.IncCounter("orders_unconfirmed_total", nil)
	observ.Log("order_unconfirmed", map[string]any{"order_id": o.ID, "state": string(o.State)})
}

// HandleBrokerEvent applies exactly one state transition per callback.
// Duplicate fills and callbacks for terminal orders are anomalies: logged,
// counted, discarded. A fill exceeding the remaining quantity quarantines
// the order in Flagged; the rest of the system continues.
func (m *Manager) HandleBrokerEvent(ev broker.Event) {
	m.mu.Lock()
	m.applyBrokerEventLocked(ev)
	evs := m.takePendingLocked()
	m.mu.Unlock()
	m.publish(evs)
}

func (m *Manager) applyBrokerEventLocked(ev broker.Event) {
	o := m.lookupLocked(ev)
	if o == nil {
		observ.Anomaly("callback_unknown_order", map[string]any{
			"order_id": ev.OrderID, "broker_id": ev.BrokerID, "kind": string(ev.Kind),
		})
		return
	}
	if o.State.Terminal() {
		observ.Anomaly("callback_on_terminal_order", map[string]any{
			"order_id": o.ID, "state": string(o.State), "kind": string(ev.Kind),
		})
		return
	}

	// Any live callback proves the venue knows the order.
	o.Unconfirmed = false

	switch ev.Kind {
	case broker.KindAck:
		m.applyAckLocked(o, ev)
	case broker.KindReject:
		o.RejectReason = ev.Reason
		m.transitionLocked(o, StateRejected, ev.Reason)
		m.queueLocked(bus.OrderRejected, *o)
	case broker.KindFill:
		m.applyFillLocked(o, ev)
	case broker.KindCancelled:
		m.transitionLocked(o, StateCancelled, ev.Reason)
		m.queueLocked(bus.OrderCancelled, *o)
	default:
		observ.Anomaly("callback_unknown_kind", map[string]any{"kind": string(ev.Kind)})
	}
}

func (m *Manager) lookupLocked(ev broker.Event) *Order {
	if ev.OrderID != "" {
		if o, ok := m.orders[ev.OrderID]; ok {
			return o
		}
	}
	if ev.BrokerID != "" {
		if id, ok := m.byBroker[ev.BrokerID]; ok {
			return m.orders[id]
		}
	}
	return nil
}

func (m *Manager) applyAckLocked(o *Order, ev broker.Event) {
	if ev.BrokerID != "" {
		o.BrokerID = ev.BrokerID
		m.byBroker[ev.BrokerID] = o.ID
	}
	// Re-acks during reconciliation leave an already-acknowledged order
	// where it is; the flag reset above is the point.
	if o.State != StatePendingSubmit {
		o.UpdatedAt = time.Now().UTC()
		return
	}
	m.transitionLocked(o, StateSubmitted, "")
	m.queueLocked(bus.OrderAccepted, *o)
}

func (m *Manager) applyFillLocked(o *Order, ev broker.Event) {
	seen := m.seenFills[o.ID]
	if seen == nil {
		seen = make(map[string]bool)
		m.seenFills[o.ID] = seen
	}
	if ev.FillID != "" && seen[ev.FillID] {
		observ.Anomaly("duplicate_fill", map[string]any{"order_id": o.ID, "fill_id": ev.FillID})
		return
	}
	if ev.FillQty <= 0 {
		observ.Anomaly("fill_nonpositive_qty", map[string]any{"order_id": o.ID, "qty": ev.FillQty})
		return
	}
	if ev.FillQty > o.Remaining()+qtyEpsilon {
		// Invariant violation: fatal to this order only.
		o.RejectReason = fmt.Sprintf("fill %v exceeds remaining %v", ev.FillQty, o.Remaining())
		m.transitionLocked(o, StateFlagged, o.RejectReason)
		m.queueLocked(bus.OrderFlagged, *o)
		return
	}

	if ev.FillID != "" {
		seen[ev.FillID] = true
	}
	fill := Fill{
		FillID:   ev.FillID,
		OrderID:  o.ID,
		Symbol:   o.Symbol,
		Side:     o.Side,
		Quantity: ev.FillQty,
		Price:    ev.FillPrice,
		At:       ev.At,
	}
	m.fills[o.ID] = append(m.fills[o.ID], fill)

	o.AvgFillPrice = avgPrice(o.AvgFillPrice, o.FilledQty, ev.FillPrice, ev.FillQty)
	o.FilledQty += ev.FillQty

	if o.Remaining() <= qtyEpsilon {
		o.FilledQty = o.Quantity
		m.transitionLocked(o, StateFilled, "")
		m.queueLocked(bus.OrderFilled, FillEvent{Order: *o, Fill: fill})
	} else {
		m.transitionLocked(o, StatePartiallyFilled, "")
		m.queueLocked(bus.OrderPartialFill, FillEvent{Order: *o, Fill: fill})
	}
}

// qtyEpsilon absorbs float drift when venues report fractional quantities.
const qtyEpsilon = 1e-9

func (m *Manager) transitionLocked(o *Order, next State, note string) {
	prev := o.State
	o.State = next
	o.UpdatedAt = time.Now().UTC()
	if next.Terminal() && m.onTerminal != nil {
		m.onTerminal(o.ID)
	}
	observ.IncCounter("order_transitions_total", map[string]string{
		"from": string(prev), "to": string(next),
	})
	kv := map[string]any{"order_id": o.ID, "symbol": o.Symbol, "from": string(prev), "to": string(next)}
	if note != "" {
		kv["note"] = note
	}
	observ.Log("order_transition", kv)
}

// queueLocked stages an event; the caller publishes after releasing m.mu.
func (m *Manager) queueLocked(t bus.Type, data any) {
	if m.events == nil {
		return
	}
	m.pending = append(m.pending, bus.Event{Type: t, Data: data})
}

func (m *Manager) takePendingLocked() []bus.Event {
	evs := m.pending
	m.pending = nil
	return evs
}

func (m *Manager) publish(evs []bus.Event) {
	for _, ev := range evs {
		m.events.Publish(ev)
	}
}

// Get returns a snapshot of one order.
func (m *Manager) Get(orderID string) (Order, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	o, ok := m.orders[orderID]
	if !ok {
		return Order{}, false
	}
	return *o, true
}

// Fills returns the fills applied to an order, in apply order.
func (m *Manager) Fills(orderID string) []Fill {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Fill, len(m.fills[orderID]))
	copy(out, m.fills[orderID])
	return out
}

// ListOpen returns snapshots of all non-terminal orders.
func (m *Manager) ListOpen() []Order {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []Order
	for _, o := range m.orders {
		if !o.State.Terminal() {
			out = append(out, *o)
		}
	}
	return out
}

// ListTerminal returns snapshots of all terminal orders (session archive).
func (m *Manager) ListTerminal() []Order {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []Order
	for _, o := range m.orders {
		if o.State.Terminal() {
			out = append(out, *o)
		}
	}
	return out
}
