package ledger

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jwquant/trading-core/internal/bus"
	"github.com/jwquant/trading-core/internal/order"
)

func fill(symbol string, side order.Side, qty, price float64, at time.Time) order.Fill {
	return order.Fill{
		FillID:   symbol + "-" + string(side) + "-" + at.Format("150405.000"),
		OrderID:  "o1",
		Symbol:   symbol,
		Side:     side,
		Quantity: qty,
		Price:    price,
		At:       at,
	}
}

func TestBuyEstablishesWeightedAverageCost(t *testing.T) {
	l := New(100000)
	now := time.Now().UTC()

	l.ApplyFill(fill("NVDA", order.Buy, 10, 400, now))
	l.ApplyFill(fill("NVDA", order.Buy, 10, 500, now.Add(time.Second)))

	pos, ok := l.Position("NVDA")
	require.True(t, ok)
	assert.Equal(t, 20.0, pos.Quantity)
	assert.Equal(t, 450.0, pos.AvgCost)
	assert.Equal(t, 100000.0-9000.0, l.Cash())
}

func TestSellRealizesPnLAndKeepsAvgCost(t *testing.T) {
	l := New(100000)
	now := time.Now().UTC()

	l.ApplyFill(fill("NVDA", order.Buy, 20, 450, now))
	l.ApplyFill(fill("NVDA", order.Sell, 10, 470, now.Add(time.Second)))

	pos, ok := l.Position("NVDA")
	require.True(t, ok)
	assert.Equal(t, 10.0, pos.Quantity)
	// Selling does not move the average cost of the remainder.
	assert.Equal(t, 450.0, pos.AvgCost)
	// (470 - 450) * 10
	assert.Equal(t, 200.0, pos.RealizedPnL)
	assert.Equal(t, 200.0, l.DailyPnL())
	assert.Equal(t, 100000.0-9000.0+4700.0, l.Cash())
}

func TestCloseResetsAvgCost(t *testing.T) {
	l := New(100000)
	now := time.Now().UTC()

	l.ApplyFill(fill("NVDA", order.Buy, 10, 450, now))
	l.ApplyFill(fill("NVDA", order.Sell, 10, 440, now.Add(time.Second)))

	pos, ok := l.Position("NVDA")
	require.True(t, ok)
	assert.Equal(t, 0.0, pos.Quantity)
	assert.Equal(t, 0.0, pos.AvgCost)
	assert.Equal(t, -100.0, pos.RealizedPnL)
}

func TestEquityIsCashPlusCostBasis(t *testing.T) {
	l := New(100000)
	now := time.Now().UTC()

	// A buy converts cash into position at cost; equity is unchanged.
	l.ApplyFill(fill("NVDA", order.Buy, 10, 450, now))
	assert.Equal(t, 100000.0, l.Equity())

	// A profitable sell raises equity by exactly the realized P&L.
	l.ApplyFill(fill("NVDA", order.Sell, 5, 460, now.Add(time.Second)))
	assert.Equal(t, 100050.0, l.Equity())
}

func TestDailyStatsRollOnNewDay(t *testing.T) {
	l := New(100000)
	yesterday := time.Now().UTC().Add(-24 * time.Hour)

	l.ApplyFill(fill("NVDA", order.Buy, 10, 450, yesterday))
	l.ApplyFill(fill("NVDA", order.Sell, 10, 440, yesterday.Add(time.Second)))
	assert.Equal(t, -100.0, l.DailyPnL())

	// First fill of today resets the daily block, not lifetime totals.
	l.ApplyFill(fill("AAPL", order.Buy, 1, 210, time.Now().UTC()))
	assert.Equal(t, 0.0, l.DailyPnL())
	acct := l.Account()
	assert.Equal(t, -100.0, acct.RealizedPnL)
	assert.Equal(t, 1, acct.Daily.Fills)
}

func TestFoldIsOrderInsensitiveToCash(t *testing.T) {
	// Same fills, same final book regardless of interleaving with other
	// symbols.
	now := time.Now().UTC()
	fills := []order.Fill{
		fill("NVDA", order.Buy, 10, 400, now),
		fill("AAPL", order.Buy, 5, 200, now.Add(1*time.Second)),
		fill("NVDA", order.Buy, 10, 500, now.Add(2*time.Second)),
		fill("NVDA", order.Sell, 15, 480, now.Add(3*time.Second)),
	}

	a := New(50000)
	for _, f := range fills {
		a.ApplyFill(f)
	}

	b := New(50000)
	b.ApplyFill(fills[1])
	b.ApplyFill(fills[0])
	b.ApplyFill(fills[2])
	b.ApplyFill(fills[3])

	assert.Equal(t, a.Cash(), b.Cash())
	assert.Equal(t, a.PositionQty("NVDA"), b.PositionQty("NVDA"))
	assert.Equal(t, a.Equity(), b.Equity())
}

func TestAttachBusConsumesFillEvents(t *testing.T) {
	l := New(100000)
	events := bus.New()
	l.AttachBus(events)

	f := fill("NVDA", order.Buy, 10, 450, time.Now().UTC())
	events.Publish(bus.Event{
		Type: bus.OrderFilled,
		Data: order.FillEvent{Fill: f},
	})

	assert.Equal(t, 10.0, l.PositionQty("NVDA"))
}

func TestLedgerSeesFillBeforeLowerPrioritySubscribers(t *testing.T) {
	l := New(100000)
	events := bus.New()
	l.AttachBus(events)

	var qtyAtDelivery float64
	events.Subscribe(func(ev bus.Event) {
		qtyAtDelivery = l.PositionQty("NVDA")
	}, []bus.Type{bus.OrderFilled})

	events.Publish(bus.Event{
		Type: bus.OrderFilled,
		Data: order.FillEvent{Fill: fill("NVDA", order.Buy, 10, 450, time.Now().UTC())},
	})
	assert.Equal(t, 10.0, qtyAtDelivery, "downstream subscriber must observe post-fill exposure")
}

func TestSnapshotRoundTrip(t *testing.T) {
	dir := t.TempDir()
	store := NewStore(filepath.Join(dir, "ledger.json"))

	l := New(100000)
	now := time.Now().UTC()
	l.ApplyFill(fill("NVDA", order.Buy, 10, 450, now))
	l.ApplyFill(fill("NVDA", order.Sell, 4, 470, now.Add(time.Second)))

	require.NoError(t, store.Save(l))

	restored, found, err := store.Load()
	require.NoError(t, err)
	require.True(t, found)

	assert.Equal(t, l.Cash(), restored.Cash())
	assert.Equal(t, l.Equity(), restored.Equity())
	assert.Equal(t, l.PositionQty("NVDA"), restored.PositionQty("NVDA"))
	assert.Equal(t, l.DailyPnL(), restored.DailyPnL())
}

func TestSerializeRestoreInPlace(t *testing.T) {
	l := New(50000)
	now := time.Now().UTC()
	l.ApplyFill(fill("AAPL", order.Buy, 20, 180, now))

	data, err := l.Serialize()
	require.NoError(t, err)

	other := New(0)
	require.NoError(t, other.Restore(data))

	assert.Equal(t, l.Cash(), other.Cash())
	assert.Equal(t, l.PositionQty("AAPL"), other.PositionQty("AAPL"))
	assert.Equal(t, l.Equity(), other.Equity())
}

func TestLoadMissingSnapshot(t *testing.T) {
	store := NewStore(filepath.Join(t.TempDir(), "absent.json"))
	_, found, err := store.Load()
	require.NoError(t, err)
	assert.False(t, found)
}
