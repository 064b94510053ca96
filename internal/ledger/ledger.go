// Package ledger maintains cash, per-symbol positions and daily P&L as a
// pure fold over confirmed fills. It never hears about signals or orders
// that did not execute; final state depends only on the fill sequence.
package ledger

import (
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/jwquant/trading-core/internal/bus"
	"github.com/jwquant/trading-core/internal/observ"
	"github.com/jwquant/trading-core/internal/order"
)

// Position is one symbol's holding, carried at weighted-average cost.
type Position struct {
	Symbol       string    `json:"symbol"`
	Quantity     float64   `json:"quantity"`
	AvgCost      float64   `json:"avg_cost"`
	CostNotional float64   `json:"cost_notional"` // Quantity * AvgCost
	RealizedPnL  float64   `json:"realized_pnl"`  // lifetime, survives day resets
	LastTradeAt  time.Time `json:"last_trade_at"`
}

// DailyStats is the current trading day's running totals. Reset when the
// first fill of a new UTC day arrives.
type DailyStats struct {
	Date        string  `json:"date"` // YYYY-MM-DD
	RealizedPnL float64 `json:"realized_pnl"`
	Fills       int     `json:"fills"`
	BuyNotional float64 `json:"buy_notional"`
}

// Account is a point-in-time snapshot for callers.
type Account struct {
	Cash        float64    `json:"cash"`
	Equity      float64    `json:"equity"` // cash + positions at cost
	RealizedPnL float64    `json:"realized_pnl"`
	Daily       DailyStats `json:"daily"`
	Positions   []Position `json:"positions"`
}

// Ledger folds fills into positions. Arithmetic runs on decimals; float64
// only at the API boundary. Safe for concurrent use.
type Ledger struct {
	mu sync.RWMutex

	cash      decimal.Decimal
	positions map[string]*position
	daily     DailyStats
	realized  decimal.Decimal // lifetime
}

type position struct {
	qty      decimal.Decimal
	avgCost  decimal.Decimal
	realized decimal.Decimal
	lastAt   time.Time
}

func New(initialCash float64) *Ledger {
	return &Ledger{
		cash:      decimal.NewFromFloat(initialCash),
		positions: map[string]*position{},
		daily:     DailyStats{Date: time.Now().UTC().Format("2006-01-02")},
	}
}

// AttachBus subscribes the ledger to fill events at the highest delivery
// priority, so downstream subscribers of the same event already see the
// post-fill exposure.
func (l *Ledger) AttachBus(b *bus.Bus) {
	b.Subscribe(func(ev bus.Event) {
		fe, ok := ev.Data.(order.FillEvent)
		if !ok {
			observ.Anomaly("ledger_bad_payload", map[string]any{"type": string(ev.Type)})
			return
		}
		l.ApplyFill(fe.Fill)
	}, []bus.Type{bus.OrderPartialFill, bus.OrderFilled}, bus.WithPriority(100))
}

// ApplyFill folds one fill into the ledger: buys raise quantity and rebase
// the weighted-average cost, sells realize (price - avgCost) * qty. Cash
// moves by the fill notional in the opposite direction of the trade.
func (l *Ledger) ApplyFill(f order.Fill) {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.rollDayLocked(f.At)

	qty := decimal.NewFromFloat(f.Quantity)
	price := decimal.NewFromFloat(f.Price)
	notional := qty.Mul(price)

	pos, ok := l.positions[f.Symbol]
	if !ok {
		pos = &position{}
		l.positions[f.Symbol] = pos
	}

	switch f.Side {
	case order.Buy:
		prevCost := pos.avgCost.Mul(pos.qty)
		newQty := pos.qty.Add(qty)
		if !newQty.IsZero() {
			pos.avgCost = prevCost.Add(notional).Div(newQty)
		}
		pos.qty = newQty
		l.cash = l.cash.Sub(notional)
		bn, _ := notional.Float64()
		l.daily.BuyNotional += bn

	case order.Sell:
		pnl := price.Sub(pos.avgCost).Mul(qty)
		pos.qty = pos.qty.Sub(qty)
		if pos.qty.IsZero() {
			pos.avgCost = decimal.Zero
		}
		pos.realized = pos.realized.Add(pnl)
		l.realized = l.realized.Add(pnl)
		l.cash = l.cash.Add(notional)
		pf, _ := pnl.Float64()
		l.daily.RealizedPnL += pf

	default:
		observ.Anomaly("ledger_bad_side", map[string]any{"fill_id": f.FillID, "side": string(f.Side)})
		return
	}

	pos.lastAt = f.At
	l.daily.Fills++

	observ.IncCounter("ledger_fills_total", map[string]string{"side": string(f.Side)})
	observ.SetGauge("ledger_cash", mustFloat(l.cash), nil)
	observ.SetGauge("ledger_daily_pnl", l.daily.RealizedPnL, nil)
	observ.Log("ledger_fill_applied", map[string]any{
		"fill_id": f.FillID,
		"symbol":  f.Symbol,
		"side":    string(f.Side),
		"qty":     f.Quantity,
		"price":   f.Price,
		"cash":    mustFloat(l.cash),
	})
}

// rollDayLocked resets the daily running totals when the fill belongs to a
// later UTC day than the current stats block. Lifetime realized P&L and
// positions are untouched; the loss breaker latches independently and only
// an operator reset clears it.
func (l *Ledger) rollDayLocked(at time.Time) {
	day := at.UTC().Format("2006-01-02")
	if day == "" || day == l.daily.Date {
		return
	}
	if day < l.daily.Date {
		return // out-of-order historical fill, keep the current day
	}
	observ.Log("ledger_day_rolled", map[string]any{"from": l.daily.Date, "to": day})
	l.daily = DailyStats{Date: day}
}

// PositionQty implements risk.LedgerView.
func (l *Ledger) PositionQty(symbol string) float64 {
	l.mu.RLock()
	defer l.mu.RUnlock()
	if pos, ok := l.positions[symbol]; ok {
		return mustFloat(pos.qty)
	}
	return 0
}

// PositionNotional implements risk.LedgerView: the position valued at its
// weighted-average cost. No market data flows through the core, so cost
// basis is the exposure measure.
func (l *Ledger) PositionNotional(symbol string) float64 {
	l.mu.RLock()
	defer l.mu.RUnlock()
	if pos, ok := l.positions[symbol]; ok {
		return mustFloat(pos.qty.Mul(pos.avgCost).Abs())
	}
	return 0
}

// Equity implements risk.LedgerView: cash plus positions at cost basis.
func (l *Ledger) Equity() float64 {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return mustFloat(l.equityLocked())
}

func (l *Ledger) equityLocked() decimal.Decimal {
	eq := l.cash
	for _, pos := range l.positions {
		eq = eq.Add(pos.qty.Mul(pos.avgCost))
	}
	return eq
}

// DailyPnL implements risk.LedgerView.
func (l *Ledger) DailyPnL() float64 {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.daily.RealizedPnL
}

// Cash returns free cash.
func (l *Ledger) Cash() float64 {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return mustFloat(l.cash)
}

// Position returns the holding for one symbol and whether it exists.
func (l *Ledger) Position(symbol string) (Position, bool) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	pos, ok := l.positions[symbol]
	if !ok {
		return Position{}, false
	}
	return l.exportLocked(symbol, pos), true
}

// Account returns a full snapshot.
func (l *Ledger) Account() Account {
	l.mu.RLock()
	defer l.mu.RUnlock()
	acct := Account{
		Cash:        mustFloat(l.cash),
		Equity:      mustFloat(l.equityLocked()),
		RealizedPnL: mustFloat(l.realized),
		Daily:       l.daily,
	}
	for sym, pos := range l.positions {
		if pos.qty.IsZero() && pos.realized.IsZero() {
			continue
		}
		acct.Positions = append(acct.Positions, l.exportLocked(sym, pos))
	}
	return acct
}

func (l *Ledger) exportLocked(symbol string, pos *position) Position {
	return Position{
		Symbol:       symbol,
		Quantity:     mustFloat(pos.qty),
		AvgCost:      mustFloat(pos.avgCost),
		CostNotional: mustFloat(pos.qty.Mul(pos.avgCost)),
		RealizedPnL:  mustFloat(pos.realized),
		LastTradeAt:  pos.lastAt,
	}
}

func mustFloat(d decimal.Decimal) float64 {
	f, _ := d.Float64()
	return f
}
