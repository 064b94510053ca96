// Package exec runs the signal-to-order pipeline: one signal at a time, in
// arrival order, through risk evaluation, order creation and broker
// dispatch. Strategy logic lives upstream; exec only consumes its output.
package exec

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/jwquant/trading-core/internal/broker"
	"github.com/jwquant/trading-core/internal/bus"
	"github.com/jwquant/trading-core/internal/journal"
	"github.com/jwquant/trading-core/internal/observ"
	"github.com/jwquant/trading-core/internal/order"
	"github.com/jwquant/trading-core/internal/risk"
)

var (
	ErrQueueFull     = errors.New("signal queue full")
	ErrInvalidSignal = errors.New("invalid signal")
	// ErrRiskBlocked carries the blocking rule's reason.
	ErrRiskBlocked = errors.New("risk blocked")
)

// Signal is one strategy instruction. Strength is advisory sizing context
// carried through to the journal; the core does not scale quantity by it.
type Signal struct {
	IdempotencyKey string    `json:"idempotency_key,omitempty"`
	Symbol         string    `json:"symbol"`
	Side           string    `json:"side"` // "buy" | "sell"
	Quantity       float64   `json:"quantity"`
	Price          float64   `json:"price"` // limit price; for market signals the strategy's reference price
	Market         bool      `json:"market,omitempty"`
	StrategyID     string    `json:"strategy_id"`
	Strength       float64   `json:"strength,omitempty"`
	At             time.Time `json:"at"`
}

// Key returns the signal's dedupe key, deriving a deterministic one when
// the strategy did not supply it.
func (s Signal) Key() string {
	if s.IdempotencyKey != "" {
		return s.IdempotencyKey
	}
	return fmt.Sprintf("%s:%s:%s:%.4f:%d", s.StrategyID, s.Symbol, s.Side, s.Quantity, s.At.UnixMilli())
}

// Loop drains a bounded FIFO queue of signals. Single consumer goroutine;
// per-signal outcomes are journaled and published before the next signal
// starts.
type Loop struct {
	queue   chan Signal
	engine  *risk.Engine
	orders  *order.Manager
	gateway GatewaySubmitter
	ledger  risk.LedgerView
	journal *journal.Journal
	events  *bus.Bus
}

// GatewaySubmitter decouples the loop from the broker package's concrete
// gateway for tests.
type GatewaySubmitter interface {
	Submit(ctx context.Context, req broker.OrderRequest) error
}

func NewLoop(queueSize int, engine *risk.Engine, orders *order.Manager, gw GatewaySubmitter, ledger risk.LedgerView, jnl *journal.Journal, events *bus.Bus) *Loop {
	if queueSize <= 0 {
		queueSize = 256
	}
	return &Loop{
		queue:   make(chan Signal, queueSize),
		engine:  engine,
		orders:  orders,
		gateway: gw,
		ledger:  ledger,
		journal: jnl,
		events:  events,
	}
}

// Enqueue accepts a signal for processing. Fails fast when the queue is
// full rather than blocking the producer.
func (l *Loop) Enqueue(sig Signal) error {
	select {
	case l.queue <- sig:
		observ.SetGauge("exec_queue_depth", float64(len(l.queue)), nil)
		return nil
	default:
		observ.Anomaly("signal_queue_full", map[string]any{"symbol": sig.Symbol, "strategy": sig.StrategyID})
		return ErrQueueFull
	}
}

// Run consumes the queue until the context is cancelled.
func (l *Loop) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case sig := <-l.queue:
			if _, err := l.Process(ctx, sig); err != nil {
				// outcome already journaled and counted; nothing to
				// propagate from the loop goroutine
				observ.Log("signal_dropped", map[string]any{
					"symbol": sig.Symbol,
					"error":  err.Error(),
				})
			}
		}
	}
}

// Process runs one signal end to end and returns the created order when
// dispatch succeeded. Blocked or failed signals produce no resting order
// state beyond a Rejected record.
func (l *Loop) Process(ctx context.Context, sig Signal) (order.Order, error) {
	start := time.Now()
	defer func() { observ.RecordDuration("signal_process_seconds", time.Since(start), nil) }()

	if err := validate(sig); err != nil {
		observ.IncCounter("signals_total", map[string]string{"outcome": "invalid"})
		return order.Order{}, err
	}
	if sig.At.IsZero() {
		sig.At = time.Now().UTC()
	}

	if l.journal.HasRecentSignal(sig.Key()) {
		observ.IncCounter("signals_total", map[string]string{"outcome": "duplicate"})
		observ.Log("signal_duplicate", map[string]any{"key": sig.Key(), "symbol": sig.Symbol})
		l.events.Publish(bus.Event{
			ID:   uuid.NewString(),
			Type: bus.SignalDuplicate,
			TS:   time.Now().UTC(),
			Data: sig,
		})
		return order.Order{}, nil
	}

	l.events.Publish(bus.Event{
		ID:   uuid.NewString(),
		Type: bus.SignalReceived,
		TS:   time.Now().UTC(),
		Data: sig,
	})

	verdict, riskEv := l.engine.Evaluate(risk.Context{
		Symbol:     sig.Symbol,
		Side:       sig.Side,
		Quantity:   sig.Quantity,
		Price:      sig.Price,
		StrategyID: sig.StrategyID,
		At:         sig.At,
		Ledger:     l.ledger,
	})
	if err := l.journal.WriteRisk(riskEv); err != nil {
		observ.Log("journal_write_failed", map[string]any{"kind": "risk", "error": err.Error()})
	}
	if !verdict.Allowed {
		observ.IncCounter("signals_total", map[string]string{"outcome": "blocked"})
		l.events.Publish(bus.Event{
			ID:   uuid.NewString(),
			Type: bus.RiskBlocked,
			TS:   time.Now().UTC(),
			Data: riskEv,
		})
		observ.Log("signal_blocked", map[string]any{
			"symbol": sig.Symbol,
			"rule":   verdict.RuleID,
			"reason": verdict.Reason,
		})
		return order.Order{}, fmt.Errorf("%w: %s: %s", ErrRiskBlocked, verdict.RuleID, verdict.Reason)
	}

	ord, err := l.orders.Create(sig.Symbol, order.Side(sig.Side), sig.Quantity, sig.Price, sig.Market, sig.StrategyID)
	if err != nil {
		observ.IncCounter("signals_total", map[string]string{"outcome": "invalid"})
		return order.Order{}, err
	}

	// The signal is journaled once an order exists for it, so a replayed
	// duplicate cannot create a second order.
	if err := l.journal.WriteSignal(journal.SignalRecord{
		IdempotencyKey: sig.Key(),
		Symbol:         sig.Symbol,
		Side:           sig.Side,
		Quantity:       sig.Quantity,
		Price:          sig.Price,
		StrategyID:     sig.StrategyID,
		At:             sig.At,
	}); err != nil {
		observ.Log("journal_write_failed", map[string]any{"kind": "signal", "error": err.Error()})
	}

	ord, err = l.orders.MarkPendingSubmit(ord.ID)
	if err != nil {
		return order.Order{}, err
	}

	err = l.gateway.Submit(ctx, broker.OrderRequest{
		OrderID:    ord.ID,
		Symbol:     ord.Symbol,
		Side:       string(ord.Side),
		Quantity:   ord.Quantity,
		LimitPrice: ord.LimitPrice,
		Market:     ord.Market,
	})
	if err != nil {
		observ.IncCounter("signals_total", map[string]string{"outcome": "broker_unavailable"})
		l.orders.MarkRejectedLocal(ord.ID, "broker_unavailable")
		if jerr := l.journalOrder(ord.ID); jerr != nil {
			observ.Log("journal_write_failed", map[string]any{"kind": "order", "error": jerr.Error()})
		}
		return order.Order{}, fmt.Errorf("submit %s: %w", ord.ID, err)
	}

	// Throttle window counts dispatched orders only; a rejected submit
	// above never recorded, so a retry is not double-counted.
	l.engine.Commit(sig.Symbol, sig.At)

	if jerr := l.journalOrder(ord.ID); jerr != nil {
		observ.Log("journal_write_failed", map[string]any{"kind": "order", "error": jerr.Error()})
	}

	observ.IncCounter("signals_total", map[string]string{"outcome": "dispatched"})
	l.events.Publish(bus.Event{
		ID:   uuid.NewString(),
		Type: bus.OrderSubmitted,
		TS:   time.Now().UTC(),
		Data: mustGet(l.orders, ord.ID),
	})
	return mustGet(l.orders, ord.ID), nil
}

func (l *Loop) journalOrder(orderID string) error {
	if o, ok := l.orders.Get(orderID); ok {
		return l.journal.WriteOrder(o)
	}
	return nil
}

func mustGet(m *order.Manager, id string) order.Order {
	o, _ := m.Get(id)
	return o
}

func validate(sig Signal) error {
	switch {
	case strings.TrimSpace(sig.Symbol) == "":
		return fmt.Errorf("%w: empty symbol", ErrInvalidSignal)
	case sig.Side != "buy" && sig.Side != "sell":
		return fmt.Errorf("%w: side %q", ErrInvalidSignal, sig.Side)
	case sig.Quantity <= 0:
		return fmt.Errorf("%w: quantity %v", ErrInvalidSignal, sig.Quantity)
	case sig.Market && sig.Price <= 0:
		// The core carries no market data; risk sizing and venue slippage
		// both need the strategy's reference price.
		return fmt.Errorf("%w: market signal without a reference price", ErrInvalidSignal)
	case sig.Price <= 0:
		return fmt.Errorf("%w: price %v", ErrInvalidSignal, sig.Price)
	}
	return nil
}
