// Package alerts forwards operational events to a webhook. Delivery is
// best-effort and fully decoupled from the trading path: a bounded async
// queue feeds one worker, overflow drops rather than backpressures.
package alerts

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/jwquant/trading-core/internal/bus"
	"github.com/jwquant/trading-core/internal/config"
	"github.com/jwquant/trading-core/internal/observ"
	"github.com/jwquant/trading-core/internal/order"
	"github.com/jwquant/trading-core/internal/risk"
)

type Severity int

const (
	SeverityInfo Severity = iota
	SeverityWarning
	SeverityCritical
)

func (s Severity) String() string {
	switch s {
	case SeverityCritical:
		return "critical"
	case SeverityWarning:
		return "warning"
	default:
		return "info"
	}
}

func ParseSeverity(s string) Severity {
	switch s {
	case "critical":
		return SeverityCritical
	case "warning":
		return SeverityWarning
	default:
		return SeverityInfo
	}
}

// Message is the webhook payload.
type Message struct {
	Severity string            `json:"severity"`
	Title    string            `json:"title"`
	Text     string            `json:"text"`
	Fields   map[string]string `json:"fields,omitempty"`
	At       time.Time         `json:"at"`
}

// Notifier posts messages to a webhook with dedupe, rate limiting and
// bounded retry.
type Notifier struct {
	cfg     config.Alerts
	client  *http.Client
	limiter *rate.Limiter
	minSev  Severity

	mu     sync.Mutex
	recent map[string]time.Time // dedupe hash -> last sent

	sub *bus.AsyncSubscriber
}

func NewNotifier(cfg config.Alerts) *Notifier {
	perMin := cfg.MaxPerMinute
	if perMin <= 0 {
		perMin = 10
	}
	return &Notifier{
		cfg:     cfg,
		client:  &http.Client{Timeout: 10 * time.Second},
		limiter: rate.NewLimiter(rate.Limit(float64(perMin)/60), perMin),
		minSev:  ParseSeverity(cfg.MinSeverity),
		recent:  map[string]time.Time{},
		sub:     bus.NewAsyncSubscriber("alerts", 256),
	}
}

// Attach subscribes the notifier to the alert-worthy event types and starts
// the delivery worker.
func (n *Notifier) Attach(ctx context.Context, b *bus.Bus) {
	if !n.cfg.Enabled {
		return
	}
	b.Subscribe(n.sub.Handler(), []bus.Type{
		bus.RiskBlocked,
		bus.OrderRejected,
		bus.OrderFlagged,
		bus.BrokerDegraded,
		bus.BrokerReconnected,
	})
	go n.sub.Run(ctx, func(ev bus.Event) {
		msg, sev, ok := render(ev)
		if !ok || sev < n.minSev {
			return
		}
		n.Send(ctx, sev, msg)
	})
}

func (n *Notifier) Close() {
	n.sub.Close()
}

// Send delivers one message, applying dedupe and the rate limit. Critical
// messages bypass the rate limit.
func (n *Notifier) Send(ctx context.Context, sev Severity, msg Message) {
	if !n.cfg.Enabled {
		return
	}
	msg.Severity = sev.String()
	if msg.At.IsZero() {
		msg.At = time.Now().UTC()
	}

	if n.isDuplicate(msg) {
		observ.IncCounter("alerts_total", map[string]string{"outcome": "deduped"})
		return
	}
	if sev < SeverityCritical && !n.limiter.Allow() {
		observ.IncCounter("alerts_total", map[string]string{"outcome": "rate_limited"})
		return
	}

	if err := n.post(ctx, msg); err != nil {
		observ.IncCounter("alerts_total", map[string]string{"outcome": "failed"})
		observ.Log("alert_delivery_failed", map[string]any{"title": msg.Title, "error": err.Error()})
		return
	}
	observ.IncCounter("alerts_total", map[string]string{"outcome": "sent"})
}

// isDuplicate suppresses identical messages inside a 60s window.
func (n *Notifier) isDuplicate(msg Message) bool {
	h := sha256.Sum256([]byte(msg.Title + "|" + msg.Text))
	key := fmt.Sprintf("%x", h[:8])

	n.mu.Lock()
	defer n.mu.Unlock()
	now := time.Now()
	if last, ok := n.recent[key]; ok && now.Sub(last) < 60*time.Second {
		return true
	}
	n.recent[key] = now
	for k, at := range n.recent {
		if now.Sub(at) > 5*time.Minute {
			delete(n.recent, k)
		}
	}
	return false
}

// post delivers with exponential backoff, giving up after MaxRetries.
func (n *Notifier) post(ctx context.Context, msg Message) error {
	body, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("marshal alert: %w", err)
	}

	attempts := n.cfg.MaxRetries
	if attempts <= 0 {
		attempts = 3
	}
	delay := time.Duration(n.cfg.BackoffBaseMs) * time.Millisecond
	if delay <= 0 {
		delay = 500 * time.Millisecond
	}

	for attempt := 0; attempt < attempts; attempt++ {
		err = n.postOnce(ctx, body)
		if err == nil {
			return nil
		}
		if attempt < attempts-1 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(delay):
			}
			delay *= 2
		}
	}
	return err
}

func (n *Notifier) postOnce(ctx context.Context, body []byte) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, n.cfg.WebhookURL, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := n.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return fmt.Errorf("webhook returned %d", resp.StatusCode)
	}
	return nil
}

// render maps a bus event to an alert message. Unknown payload shapes
// produce no alert.
func render(ev bus.Event) (Message, Severity, bool) {
	switch ev.Type {
	case bus.RiskBlocked:
		re, ok := ev.Data.(risk.Event)
		if !ok {
			return Message{}, 0, false
		}
		return Message{
			Title: "order blocked by risk rule",
			Text:  fmt.Sprintf("%s blocked %s: %s", re.RuleID, re.Symbol, re.Reason),
			Fields: map[string]string{
				"rule":     re.RuleID,
				"symbol":   re.Symbol,
				"strategy": re.StrategyID,
			},
			At: ev.TS,
		}, SeverityWarning, true

	case bus.OrderRejected:
		o, ok := ev.Data.(order.Order)
		if !ok {
			return Message{}, 0, false
		}
		return Message{
			Title:  "order rejected",
			Text:   fmt.Sprintf("%s %s %v @ %v rejected: %s", o.Side, o.Symbol, o.Quantity, o.LimitPrice, o.RejectReason),
			Fields: map[string]string{"order_id": o.ID, "symbol": o.Symbol},
			At:     ev.TS,
		}, SeverityWarning, true

	case bus.OrderFlagged:
		o, ok := ev.Data.(order.Order)
		if !ok {
			return Message{}, 0, false
		}
		return Message{
			Title:  "order flagged for manual review",
			Text:   fmt.Sprintf("%s %s quarantined: %s", o.Symbol, o.ID, o.RejectReason),
			Fields: map[string]string{"order_id": o.ID, "symbol": o.Symbol},
			At:     ev.TS,
		}, SeverityCritical, true

	case bus.BrokerDegraded:
		return Message{
			Title: "broker connection degraded",
			Text:  "reconnect attempts exhausted; submissions are failing fast until operator intervention",
			At:    ev.TS,
		}, SeverityCritical, true

	case bus.BrokerReconnected:
		return Message{
			Title: "broker connection restored",
			Text:  "reconciliation of unconfirmed orders complete",
			At:    ev.TS,
		}, SeverityInfo, true
	}
	return Message{}, 0, false
}
