package risk

import (
	"fmt"
	"sync"
	"time"

	"github.com/jwquant/trading-core/internal/observ"
)

// CircuitBreaker halts ALL new submissions once the day's realized loss
// breaches the configured fraction of equity. It latches: a tripped breaker
// stays tripped across day rollover until an operator calls Reset, forcing
// a deliberate re-enable rather than a midnight auto-clear.
type CircuitBreaker struct {
	mu sync.Mutex

	maxLossPct float64

	tripped   bool
	trippedAt time.Time
	reason    string
	resetBy   string
}

func NewCircuitBreaker(maxLossPct float64) *CircuitBreaker {
	return &CircuitBreaker{maxLossPct: maxLossPct}
}

func (cb *CircuitBreaker) Name() string  { return "daily_loss_breaker" }
func (cb *CircuitBreaker) Priority() int { return 1 } // runs first

// Evaluate denies everything while tripped, and trips when the daily loss
// breaches the limit. Tripping here is idempotent, so a retried evaluation
// never changes the outcome.
func (cb *CircuitBreaker) Evaluate(ctx Context) (bool, string, error) {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	if cb.tripped {
		return false, fmt.Sprintf("circuit breaker tripped: %s", cb.reason), nil
	}

	equity := ctx.Ledger.Equity()
	pnl := ctx.Ledger.DailyPnL()
	if equity > 0 && pnl < 0 && -pnl >= cb.maxLossPct*equity {
		cb.tripLocked(fmt.Sprintf("daily loss %.2f breached %.0f%% of equity %.2f",
			-pnl, cb.maxLossPct*100, equity))
		return false, fmt.Sprintf("circuit breaker tripped: %s", cb.reason), nil
	}
	return true, "", nil
}

// Trip halts trading manually.
func (cb *CircuitBreaker) Trip(reason string) {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	if !cb.tripped {
		cb.tripLocked(reason)
	}
}

func (cb *CircuitBreaker) tripLocked(reason string) {
	cb.tripped = true
	cb.trippedAt = time.Now().UTC()
	cb.reason = reason
	observ.IncCounter("circuit_breaker_trips_total", nil)
	observ.SetGauge("circuit_breaker_tripped", 1, nil)
	observ.Log("circuit_breaker_tripped", map[string]any{"reason": reason})
}

// Reset re-enables trading. Explicit operator action; recorded.
func (cb *CircuitBreaker) Reset(operator, reason string) {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	if !cb.tripped {
		return
	}
	cb.tripped = false
	cb.resetBy = operator
	observ.SetGauge("circuit_breaker_tripped", 0, nil)
	observ.Log("circuit_breaker_reset", map[string]any{
		"operator":        operator,
		"reason":          reason,
		"was_tripped_for": time.Since(cb.trippedAt).String(),
	})
}

// Tripped reports the latch state and, if tripped, the reason.
func (cb *CircuitBreaker) Tripped() (bool, string) {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.tripped, cb.reason
}
