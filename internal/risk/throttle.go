package risk

import (
	"fmt"
	"sync"
	"time"
)

// ReorderThrottle limits how many orders a symbol may generate inside a
// sliding window. Evaluation only peeks at the window; the count is
// recorded via Commit after a successful dispatch, so a retried evaluation
// never double-counts.
type ReorderThrottle struct {
	mu     sync.Mutex
	window time.Duration
	max    int
	sent   map[string][]time.Time
}

func NewReorderThrottle(window time.Duration, max int) *ReorderThrottle {
	return &ReorderThrottle{
		window: window,
		max:    max,
		sent:   make(map[string][]time.Time),
	}
}

func (r *ReorderThrottle) Name() string  { return "reorder_throttle" }
func (r *ReorderThrottle) Priority() int { return 40 }

func (r *ReorderThrottle) Evaluate(ctx Context) (bool, string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := r.countLocked(ctx.Symbol, ctx.At)
	if n >= r.max {
		return false, fmt.Sprintf("%d orders for %s inside %s window (max %d)",
			n, ctx.Symbol, r.window, r.max), nil
	}
	return true, "", nil
}

// Record counts one dispatched order against the symbol's window.
func (r *ReorderThrottle) Record(symbol string, at time.Time) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.countLocked(symbol, at) // prune first
	r.sent[symbol] = append(r.sent[symbol], at)
}

// countLocked prunes expired entries and returns the in-window count.
func (r *ReorderThrottle) countLocked(symbol string, now time.Time) int {
	ts := r.sent[symbol]
	cutoff := now.Add(-r.window)
	keep := ts[:0]
	for _, t := range ts {
		if t.After(cutoff) {
			keep = append(keep, t)
		}
	}
	r.sent[symbol] = keep
	return len(keep)
}
