package risk

import (
	"sort"
	"time"

	"github.com/jwquant/trading-core/internal/observ"
)

// Engine runs the rule pipeline. Rules evaluate in ascending priority
// number; the first deny short-circuits and its reason becomes the risk
// event. The engine holds no order state.
type Engine struct {
	rules    []Rule
	throttle *ReorderThrottle
	breaker  *CircuitBreaker
}

// Limits configures the built-in rule set.
type Limits struct {
	MaxOrderNotionalPct float64
	MaxPositionPct      float64
	DailyLossPct        float64
	Blacklist           []string
	ReorderWindow       time.Duration
	ReorderMaxCount     int
}

// NewEngine builds the standard pipeline: breaker, blacklist, notional cap,
// position cap, re-order throttle.
func NewEngine(limits Limits) *Engine {
	breaker := NewCircuitBreaker(limits.DailyLossPct)
	throttle := NewReorderThrottle(limits.ReorderWindow, limits.ReorderMaxCount)
	e := &Engine{
		breaker:  breaker,
		throttle: throttle,
	}
	e.Register(breaker)
	e.Register(NewBlacklistRule(limits.Blacklist))
	e.Register(&NotionalCapRule{MaxPct: limits.MaxOrderNotionalPct})
	e.Register(&PositionCapRule{MaxPct: limits.MaxPositionPct})
	e.Register(throttle)
	return e
}

// Register adds a rule and keeps the pipeline sorted by priority.
func (e *Engine) Register(r Rule) {
	e.rules = append(e.rules, r)
	sort.SliceStable(e.rules, func(i, j int) bool {
		return e.rules[i].Priority() < e.rules[j].Priority()
	})
}

// Evaluate runs the pipeline and returns the verdict plus the risk event
// the caller publishes/journals. An evaluation error from a rule blocks the
// order (fail closed) with the rule named.
func (e *Engine) Evaluate(ctx Context) (Verdict, Event) {
	if ctx.At.IsZero() {
		ctx.At = time.Now().UTC()
	}
	for _, rule := range e.rules {
		ok, reason, err := rule.Evaluate(ctx)
		if err != nil {
			observ.Log("risk_rule_error", map[string]any{"rule": rule.Name(), "error": err.Error()})
			return e.block(ctx, rule.Name(), "rule evaluation failed: "+err.Error())
		}
		if !ok {
			return e.block(ctx, rule.Name(), reason)
		}
	}
	observ.IncCounter("risk_evaluations_total", map[string]string{"verdict": "pass"})
	return Verdict{Allowed: true}, Event{
		Symbol:     ctx.Symbol,
		StrategyID: ctx.StrategyID,
		Verdict:    "pass",
		At:         ctx.At,
	}
}

func (e *Engine) block(ctx Context, ruleID, reason string) (Verdict, Event) {
	observ.IncCounter("risk_evaluations_total", map[string]string{"verdict": "block"})
	observ.IncCounter("risk_blocks_total", map[string]string{"rule": ruleID})
	return Verdict{Allowed: false, RuleID: ruleID, Reason: reason}, Event{
		RuleID:     ruleID,
		Symbol:     ctx.Symbol,
		StrategyID: ctx.StrategyID,
		Verdict:    "block",
		Reason:     reason,
		At:         ctx.At,
	}
}

// Commit records side effects of an actually-dispatched order (throttle
// window). Called once per dispatch, never on retry of a failed one.
func (e *Engine) Commit(symbol string, at time.Time) {
	e.throttle.Record(symbol, at)
}

// Breaker exposes the circuit breaker for operator trip/reset.
func (e *Engine) Breaker() *CircuitBreaker {
	return e.breaker
}
