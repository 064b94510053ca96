package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

type Risk struct {
	MaxOrderNotionalPct float64  `yaml:"max_order_notional_pct"` // fraction of equity per order, e.g. 0.10
	MaxPositionPct      float64  `yaml:"max_position_pct"`       // fraction of equity per symbol
	DailyLossPct        float64  `yaml:"daily_loss_pct"`         // circuit breaker trip level, e.g. 0.03
	Blacklist           []string `yaml:"blacklist"`
	ReorderWindowSecs   int      `yaml:"reorder_window_seconds"` // sliding window for per-symbol throttle
	ReorderMaxCount     int      `yaml:"reorder_max_count"`      // orders allowed per symbol per window
}

type Broker struct {
	Venue           string `yaml:"venue"` // sim | <vendor adapter name>
	Endpoint        string `yaml:"endpoint"`
	Account         string `yaml:"account"`
	SubmitTimeoutMs int    `yaml:"submit_timeout_ms"`
	MaxRetries      int    `yaml:"max_retries"`
	BackoffBaseMs   int    `yaml:"backoff_base_ms"`
	BackoffMaxMs    int    `yaml:"backoff_max_ms"`
}

type Sim struct {
	LatencyMsMin   int   `yaml:"latency_ms_min"`
	LatencyMsMax   int   `yaml:"latency_ms_max"`
	SlippageBpsMin int   `yaml:"slippage_bps_min"`
	SlippageBpsMax int   `yaml:"slippage_bps_max"`
	FillSplits     []int `yaml:"fill_splits"` // percentage tranches, e.g. [60, 40]
}

type Journal struct {
	Path             string `yaml:"path"`
	DedupeWindowSecs int    `yaml:"dedupe_window_seconds"`
}

type Ledger struct {
	InitialCash float64 `yaml:"initial_cash"`
	PersistPath string  `yaml:"persist_path"`
}

type Archive struct {
	Enabled bool   `yaml:"enabled"`
	Path    string `yaml:"path"`
}

type Alerts struct {
	Enabled       bool   `yaml:"enabled"`
	WebhookURL    string `yaml:"webhook_url"`
	MinSeverity   string `yaml:"min_severity"` // info | warning | critical
	MaxPerMinute  int    `yaml:"max_per_minute"`
	MaxRetries    int    `yaml:"max_retries"`
	BackoffBaseMs int    `yaml:"backoff_base_ms"`
}

type Exec struct {
	QueueSize int `yaml:"queue_size"`
}

type Root struct {
	TradingMode string  `yaml:"trading_mode"` // paper | live | dry-run
	MetricsAddr string  `yaml:"metrics_addr"`
	Risk        Risk    `yaml:"risk"`
	Broker      Broker  `yaml:"broker"`
	Sim         Sim     `yaml:"sim"`
	Journal     Journal `yaml:"journal"`
	Ledger      Ledger  `yaml:"ledger"`
	Archive     Archive `yaml:"archive"`
	Alerts      Alerts  `yaml:"alerts"`
	Exec        Exec    `yaml:"exec"`
}

func Load(path string) (Root, error) {
	var c Root
	b, err := os.ReadFile(path)
	if err != nil {
		return c, err
	}
	if err := yaml.Unmarshal(b, &c); err != nil {
		return c, err
	}

	applyDefaults(&c)
	applyEnvOverrides(&c)

	if err := c.Validate(); err != nil {
		return c, err
	}
	return c, nil
}

func applyDefaults(c *Root) {
	if c.TradingMode == "" {
		c.TradingMode = "paper"
	}
	if c.Risk.MaxOrderNotionalPct == 0 {
		c.Risk.MaxOrderNotionalPct = 0.10
	}
	if c.Risk.MaxPositionPct == 0 {
		c.Risk.MaxPositionPct = 0.25
	}
	if c.Risk.DailyLossPct == 0 {
		c.Risk.DailyLossPct = 0.03
	}
	if c.Risk.ReorderWindowSecs == 0 {
		c.Risk.ReorderWindowSecs = 60
	}
	if c.Risk.ReorderMaxCount == 0 {
		c.Risk.ReorderMaxCount = 3
	}
	if c.Broker.Venue == "" {
		c.Broker.Venue = "sim"
	}
	if c.Broker.SubmitTimeoutMs == 0 {
		c.Broker.SubmitTimeoutMs = 2000
	}
	if c.Broker.MaxRetries == 0 {
		c.Broker.MaxRetries = 5
	}
	if c.Broker.BackoffBaseMs == 0 {
		c.Broker.BackoffBaseMs = 1000
	}
	if c.Broker.BackoffMaxMs == 0 {
		c.Broker.BackoffMaxMs = 30000
	}
	if c.Sim.LatencyMsMin == 0 {
		c.Sim.LatencyMsMin = 5
	}
	if c.Sim.LatencyMsMax == 0 {
		c.Sim.LatencyMsMax = 50
	}
	if c.Sim.SlippageBpsMax == 0 {
		c.Sim.SlippageBpsMax = 5
	}
	if len(c.Sim.FillSplits) == 0 {
		c.Sim.FillSplits = []int{100}
	}
	if c.Journal.Path == "" {
		c.Journal.Path = "data/journal.jsonl"
	}
	if c.Journal.DedupeWindowSecs == 0 {
		c.Journal.DedupeWindowSecs = 90
	}
	if c.Ledger.InitialCash == 0 {
		c.Ledger.InitialCash = 100000
	}
	if c.Ledger.PersistPath == "" {
		c.Ledger.PersistPath = "data/ledger.json"
	}
	if c.Archive.Path == "" {
		c.Archive.Path = "data/session.db"
	}
	if c.Alerts.MinSeverity == "" {
		c.Alerts.MinSeverity = "warning"
	}
	if c.Alerts.MaxPerMinute == 0 {
		c.Alerts.MaxPerMinute = 10
	}
	if c.Alerts.MaxRetries == 0 {
		c.Alerts.MaxRetries = 3
	}
	if c.Alerts.BackoffBaseMs == 0 {
		c.Alerts.BackoffBaseMs = 500
	}
	if c.Exec.QueueSize == 0 {
		c.Exec.QueueSize = 256
	}
}

// applyEnvOverrides lets secrets and per-host settings override the file.
// Format: JWQUANT_SECTION_KEY, e.g. JWQUANT_ALERTS_WEBHOOK_URL,
// JWQUANT_BROKER_ACCOUNT, JWQUANT_RISK_DAILY_LOSS_PCT.
func applyEnvOverrides(c *Root) {
	if v := os.Getenv("JWQUANT_ALERTS_WEBHOOK_URL"); v != "" {
		c.Alerts.WebhookURL = v
	}
	if v := os.Getenv("JWQUANT_BROKER_ACCOUNT"); v != "" {
		c.Broker.Account = v
	}
	if v := os.Getenv("JWQUANT_BROKER_ENDPOINT"); v != "" {
		c.Broker.Endpoint = v
	}
	if v := os.Getenv("JWQUANT_RISK_DAILY_LOSS_PCT"); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			c.Risk.DailyLossPct = f
		}
	}
	if v := os.Getenv("JWQUANT_TRADING_MODE"); v != "" {
		c.TradingMode = v
	}
}

func (c Root) Validate() error {
	switch c.TradingMode {
	case "paper", "live", "dry-run":
	default:
		return fmt.Errorf("config: unknown trading_mode %q", c.TradingMode)
	}
	if c.Risk.MaxOrderNotionalPct <= 0 || c.Risk.MaxOrderNotionalPct > 1 {
		return fmt.Errorf("config: max_order_notional_pct must be in (0,1], got %v", c.Risk.MaxOrderNotionalPct)
	}
	if c.Risk.MaxPositionPct <= 0 || c.Risk.MaxPositionPct > 1 {
		return fmt.Errorf("config: max_position_pct must be in (0,1], got %v", c.Risk.MaxPositionPct)
	}
	if c.Risk.DailyLossPct <= 0 || c.Risk.DailyLossPct > 1 {
		return fmt.Errorf("config: daily_loss_pct must be in (0,1], got %v", c.Risk.DailyLossPct)
	}
	if c.Broker.BackoffBaseMs > c.Broker.BackoffMaxMs {
		return fmt.Errorf("config: backoff_base_ms %d exceeds backoff_max_ms %d", c.Broker.BackoffBaseMs, c.Broker.BackoffMaxMs)
	}
	sum := 0
	for _, s := range c.Sim.FillSplits {
		if s <= 0 {
			return fmt.Errorf("config: sim fill_splits must be positive percentages")
		}
		sum += s
	}
	if sum != 100 {
		return fmt.Errorf("config: sim fill_splits must total 100, got %d", sum)
	}
	if c.Alerts.Enabled && !strings.HasPrefix(c.Alerts.WebhookURL, "http") {
		return fmt.Errorf("config: alerts enabled without a webhook_url")
	}
	return nil
}
