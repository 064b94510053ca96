package risk

import "fmt"

// NotionalCapRule blocks orders whose value exceeds a fraction of equity.
type NotionalCapRule struct {
	MaxPct float64 // e.g. 0.10 for 10% of equity per order
}

func (r *NotionalCapRule) Name() string  { return "notional_cap" }
func (r *NotionalCapRule) Priority() int { return 20 }

func (r *NotionalCapRule) Evaluate(ctx Context) (bool, string, error) {
	if ctx.riskReducing() {
		return true, "", nil
	}
	equity := ctx.Ledger.Equity()
	if equity <= 0 {
		return false, "no_equity", nil
	}
	cap := r.MaxPct * equity
	if ctx.Notional() > cap {
		return false, fmt.Sprintf("notional %.2f exceeds cap %.2f (%.0f%% of equity)",
			ctx.Notional(), cap, r.MaxPct*100), nil
	}
	return true, "", nil
}

// PositionCapRule blocks orders that would push a symbol's exposure past a
// fraction of equity.
type PositionCapRule struct {
	MaxPct float64
}

func (r *PositionCapRule) Name() string  { return "position_cap" }
func (r *PositionCapRule) Priority() int { return 30 }

func (r *PositionCapRule) Evaluate(ctx Context) (bool, string, error) {
	if ctx.riskReducing() {
		return true, "", nil
	}
	equity := ctx.Ledger.Equity()
	if equity <= 0 {
		return false, "no_equity", nil
	}
	projected := ctx.Ledger.PositionNotional(ctx.Symbol) + ctx.Notional()
	cap := r.MaxPct * equity
	if projected > cap {
		return false, fmt.Sprintf("projected exposure %.2f exceeds cap %.2f (%.0f%% of equity)",
			projected, cap, r.MaxPct*100), nil
	}
	return true, "", nil
}

// BlacklistRule blocks configured symbols outright.
type BlacklistRule struct {
	symbols map[string]bool
}

func NewBlacklistRule(symbols []string) *BlacklistRule {
	m := make(map[string]bool, len(symbols))
	for _, s := range symbols {
		m[s] = true
	}
	return &BlacklistRule{symbols: m}
}

func (r *BlacklistRule) Name() string  { return "blacklist" }
func (r *BlacklistRule) Priority() int { return 10 }

func (r *BlacklistRule) Evaluate(ctx Context) (bool, string, error) {
	if r.symbols[ctx.Symbol] {
		return false, "symbol blacklisted", nil
	}
	return true, "", nil
}
