package broker

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/jwquant/trading-core/internal/bus"
	"github.com/jwquant/trading-core/internal/observ"
)

// ConnectionState tracks the gateway lifecycle.
type ConnectionState int32

const (
	StateDisconnected ConnectionState = iota
	StateConnected
	StateReconnecting
	StateDegraded
)

func (s ConnectionState) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnected:
		return "connected"
	case StateReconnecting:
		return "reconnecting"
	case StateDegraded:
		return "degraded"
	default:
		return "unknown"
	}
}

// Config bounds the reconnection policy.
type Config struct {
	MaxRetries  int
	BackoffBase time.Duration
	BackoffMax  time.Duration
}

// Gateway owns the venue connection. Submissions fail fast unless Connected;
// venue callbacks are pumped serially into the handler so no two transitions
// for the same order can race. On unexpected disconnect it marks in-flight
// orders Unconfirmed, retries with bounded exponential backoff, and
// reconciles via QueryStatus before becoming usable again. Backoff
// exhaustion parks the gateway in Degraded until an explicit Reconnect.
type Gateway struct {
	venue   Venue
	cfg     Config
	handler EventHandler
	events  *bus.Bus

	state int32 // atomic ConnectionState

	mu       sync.Mutex
	inflight map[string]bool // order ids with unknown terminal outcome
	closing  bool
	pumpDone chan struct{}
}

func NewGateway(venue Venue, cfg Config, handler EventHandler, events *bus.Bus) *Gateway {
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = 5
	}
	if cfg.BackoffBase <= 0 {
		cfg.BackoffBase = time.Second
	}
	if cfg.BackoffMax <= 0 {
		cfg.BackoffMax = 30 * time.Second
	}
	return &Gateway{
		venue:    venue,
		cfg:      cfg,
		handler:  handler,
		events:   events,
		inflight: make(map[string]bool),
	}
}

// State returns the current connection state.
func (g *Gateway) State() ConnectionState {
	return ConnectionState(atomic.LoadInt32(&g.state))
}

func (g *Gateway) setState(s ConnectionState) {
	atomic.StoreInt32(&g.state, int32(s))
	observ.SetGauge("broker_gateway_state", float64(s), map[string]string{"venue": g.venue.Name()})
}

// Start connects to the venue and begins pumping callbacks.
func (g *Gateway) Start(ctx context.Context) error {
	if err := g.venue.Connect(ctx); err != nil {
		return fmt.Errorf("%w: %v", ErrConnection, err)
	}
	g.setState(StateConnected)
	g.startPump(ctx)
	observ.Log("broker_gateway_started", map[string]any{"venue": g.venue.Name()})
	return nil
}

func (g *Gateway) startPump(ctx context.Context) {
	done := make(chan struct{})
	g.mu.Lock()
	g.closing = false // a gateway restarted after Close recovers normally
	g.pumpDone = done
	g.mu.Unlock()
	go func() {
		defer close(done)
		g.pump(ctx)
	}()
}

// Close disconnects and stops the pump. Idempotent.
func (g *Gateway) Close() error {
	g.mu.Lock()
	g.closing = true
	done := g.pumpDone
	g.mu.Unlock()

	err := g.venue.Disconnect()
	if done != nil {
		<-done
	}
	g.setState(StateDisconnected)
	return err
}

// Submit forwards the request to the venue. Fire-and-forget: a nil return
// means "received", never "executed" — the outcome arrives via callbacks.
func (g *Gateway) Submit(ctx context.Context, req OrderRequest) error {
	if g.State() != StateConnected {
		return fmt.Errorf("%w: gateway %s", ErrBrokerUnavailable, g.State())
	}
	g.mu.Lock()
	g.inflight[req.OrderID] = true
	g.mu.Unlock()

	if err := g.venue.Submit(ctx, req); err != nil {
		g.mu.Lock()
		delete(g.inflight, req.OrderID)
		g.mu.Unlock()
		return fmt.Errorf("%w: submit: %v", ErrBrokerUnavailable, err)
	}
	observ.IncCounter("broker_submits_total", map[string]string{"venue": g.venue.Name()})
	return nil
}

// Cancel asks the venue to cancel. Confirmation arrives via callback.
func (g *Gateway) Cancel(ctx context.Context, orderID string) error {
	if g.State() != StateConnected {
		return fmt.Errorf("%w: gateway %s", ErrBrokerUnavailable, g.State())
	}
	if err := g.venue.Cancel(ctx, orderID); err != nil {
		return fmt.Errorf("%w: cancel: %v", ErrBrokerUnavailable, err)
	}
	observ.IncCounter("broker_cancels_total", map[string]string{"venue": g.venue.Name()})
	return nil
}

// pump delivers callbacks for the current connection and runs the backoff
// loop on unexpected disconnects. It exits on Close, context end, or when
// the gateway goes Degraded.
func (g *Gateway) pump(ctx context.Context) {
	for {
		ch := g.venue.Events()
		for {
			select {
			case <-ctx.Done():
				return
			case ev, ok := <-ch:
				if !ok {
					goto disconnected
				}
				g.dispatch(ev)
			}
		}
	disconnected:
		g.mu.Lock()
		closing := g.closing
		g.mu.Unlock()
		if closing || ctx.Err() != nil {
			return
		}
		if !g.recoverConnection(ctx) {
			return // degraded; explicit Reconnect restarts the pump
		}
	}
}

func (g *Gateway) dispatch(ev Event) {
	if ev.At.IsZero() {
		ev.At = time.Now().UTC()
	}
	observ.IncCounter("broker_callbacks_total", map[string]string{"kind": string(ev.Kind)})
	switch ev.Kind {
	case KindReject, KindCancelled:
		g.clearInflight(ev.OrderID)
	}
	g.handler.HandleBrokerEvent(ev)
}

// ClearInflight is invoked by the order manager once an order reaches a
// terminal state, so reconciliation only touches genuinely open orders.
func (g *Gateway) ClearInflight(orderID string) {
	g.clearInflight(orderID)
}

func (g *Gateway) clearInflight(orderID string) {
	g.mu.Lock()
	delete(g.inflight, orderID)
	g.mu.Unlock()
}

// recoverConnection marks in-flight orders Unconfirmed and retries the
// connection with exponential backoff. Returns false once retries are
// exhausted and the gateway is Degraded.
func (g *Gateway) recoverConnection(ctx context.Context) bool {
	g.setState(StateReconnecting)
	observ.Log("broker_gateway_disconnected", map[string]any{"venue": g.venue.Name()})

	for _, id := range g.inflightIDs() {
		g.handler.MarkUnconfirmed(id)
	}

	backoff := g.cfg.BackoffBase
	for attempt := 1; attempt <= g.cfg.MaxRetries; attempt++ {
		select {
		case <-ctx.Done():
			return false
		case <-time.After(backoff):
		}
		if backoff *= 2; backoff > g.cfg.BackoffMax {
			backoff = g.cfg.BackoffMax
		}

		if err := g.venue.Connect(ctx); err != nil {
			observ.Log("broker_reconnect_failed", map[string]any{
				"venue":   g.venue.Name(),
				"attempt": attempt,
				"error":   err.Error(),
			})
			continue
		}
		if err := g.reconcile(ctx); err != nil {
			observ.Anomaly("broker_reconcile_failed", map[string]any{"error": err.Error()})
			_ = g.venue.Disconnect()
			continue
		}
		g.setState(StateConnected)
		g.events.Publish(bus.Event{Type: bus.BrokerReconnected, Data: g.venue.Name()})
		return true
	}

	g.setState(StateDegraded)
	g.events.Publish(bus.Event{Type: bus.BrokerDegraded, Data: g.venue.Name()})
	observ.Log("broker_gateway_degraded", map[string]any{
		"venue":   g.venue.Name(),
		"retries": g.cfg.MaxRetries,
	})
	return false
}

// Reconnect is the operator/scheduler path out of Degraded: connect,
// reconcile every Unconfirmed order, then resume pumping.
func (g *Gateway) Reconnect(ctx context.Context) error {
	switch g.State() {
	case StateConnected, StateReconnecting:
		return nil
	}
	if err := g.venue.Connect(ctx); err != nil {
		return fmt.Errorf("%w: %v", ErrConnection, err)
	}
	if err := g.reconcile(ctx); err != nil {
		_ = g.venue.Disconnect()
		return err
	}
	g.setState(StateConnected)
	g.startPump(ctx)
	g.events.Publish(bus.Event{Type: bus.BrokerReconnected, Data: g.venue.Name()})
	observ.Log("broker_gateway_reconnected", map[string]any{"venue": g.venue.Name()})
	return nil
}

// reconcile resolves every in-flight order to its true state via the venue's
// order-status endpoint. Fill callbacks the manager already applied dedupe by
// fill id, so replaying a full report is safe.
func (g *Gateway) reconcile(ctx context.Context) error {
	for _, id := range g.inflightIDs() {
		report, err := g.venue.QueryStatus(ctx, id)
		if err != nil {
			return fmt.Errorf("query status %s: %w", id, err)
		}
		for _, ev := range reportToEvents(report) {
			g.dispatch(ev)
		}
		observ.IncCounter("broker_reconciled_orders_total", map[string]string{"status": report.Status})
	}
	return nil
}

func (g *Gateway) inflightIDs() []string {
	g.mu.Lock()
	ids := make([]string, 0, len(g.inflight))
	for id := range g.inflight {
		ids = append(ids, id)
	}
	g.mu.Unlock()
	sort.Strings(ids)
	return ids
}

// reportToEvents expands a status report into the callback sequence the
// manager would have seen live: an ack (re-attaching the broker id and
// clearing Unconfirmed), each fill in order, then any terminal event.
func reportToEvents(r StatusReport) []Event {
	var evs []Event
	switch r.Status {
	case "rejected":
		evs = append(evs, Event{OrderID: r.OrderID, BrokerID: r.BrokerID, Kind: KindReject, Reason: r.Reason})
		return evs
	case "unknown":
		return evs
	}

	evs = append(evs, Event{OrderID: r.OrderID, BrokerID: r.BrokerID, Kind: KindAck})
	for _, f := range r.Fills {
		evs = append(evs, Event{
			OrderID:   r.OrderID,
			BrokerID:  r.BrokerID,
			Kind:      KindFill,
			FillID:    f.FillID,
			FillQty:   f.Quantity,
			FillPrice: f.Price,
			At:        f.At,
		})
	}
	if r.Status == "cancelled" {
		evs = append(evs, Event{OrderID: r.OrderID, BrokerID: r.BrokerID, Kind: KindCancelled, Reason: r.Reason})
	}
	return evs
}
