package alerts

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/jwquant/trading-core/internal/bus"
	"github.com/jwquant/trading-core/internal/config"
	"github.com/jwquant/trading-core/internal/order"
	"github.com/jwquant/trading-core/internal/risk"
)

type sink struct {
	mu       sync.Mutex
	messages []Message
	failures int // reject this many requests before accepting
}

func (s *sink) handler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		s.mu.Lock()
		defer s.mu.Unlock()
		if s.failures > 0 {
			s.failures--
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		var m Message
		_ = json.NewDecoder(r.Body).Decode(&m)
		s.messages = append(s.messages, m)
	}
}

func (s *sink) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.messages)
}

func testConfig(url string) config.Alerts {
	return config.Alerts{
		Enabled:       true,
		WebhookURL:    url,
		MinSeverity:   "info",
		MaxPerMinute:  100,
		MaxRetries:    3,
		BackoffBaseMs: 1,
	}
}

func TestSendDelivers(t *testing.T) {
	s := &sink{}
	srv := httptest.NewServer(s.handler())
	defer srv.Close()

	n := NewNotifier(testConfig(srv.URL))
	n.Send(context.Background(), SeverityWarning, Message{Title: "t", Text: "x"})

	if s.count() != 1 {
		t.Fatalf("want 1 delivery, got %d", s.count())
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.messages[0].Severity != "warning" {
		t.Fatalf("want severity stamped, got %q", s.messages[0].Severity)
	}
}

func TestSendRetriesOnServerError(t *testing.T) {
	s := &sink{failures: 2}
	srv := httptest.NewServer(s.handler())
	defer srv.Close()

	n := NewNotifier(testConfig(srv.URL))
	n.Send(context.Background(), SeverityWarning, Message{Title: "t", Text: "x"})

	if s.count() != 1 {
		t.Fatalf("want delivery after retries, got %d", s.count())
	}
}

func TestDuplicateSuppressed(t *testing.T) {
	s := &sink{}
	srv := httptest.NewServer(s.handler())
	defer srv.Close()

	n := NewNotifier(testConfig(srv.URL))
	msg := Message{Title: "same", Text: "same"}
	n.Send(context.Background(), SeverityWarning, msg)
	n.Send(context.Background(), SeverityWarning, msg)

	if s.count() != 1 {
		t.Fatalf("want duplicate suppressed, got %d deliveries", s.count())
	}
}

func TestDisabledNotifierSendsNothing(t *testing.T) {
	s := &sink{}
	srv := httptest.NewServer(s.handler())
	defer srv.Close()

	cfg := testConfig(srv.URL)
	cfg.Enabled = false
	n := NewNotifier(cfg)
	n.Send(context.Background(), SeverityCritical, Message{Title: "t", Text: "x"})

	if s.count() != 0 {
		t.Fatalf("disabled notifier delivered %d messages", s.count())
	}
}

func TestMinSeverityFiltersBusEvents(t *testing.T) {
	s := &sink{}
	srv := httptest.NewServer(s.handler())
	defer srv.Close()

	cfg := testConfig(srv.URL)
	cfg.MinSeverity = "critical"
	n := NewNotifier(cfg)

	events := bus.New()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	n.Attach(ctx, events)
	defer n.Close()

	// Warning-level: below the floor.
	events.Publish(bus.Event{Type: bus.RiskBlocked, Data: risk.Event{RuleID: "blacklist", Symbol: "GME", Reason: "symbol blacklisted"}})
	// Critical: delivered.
	events.Publish(bus.Event{Type: bus.OrderFlagged, Data: order.Order{ID: "o1", Symbol: "NVDA", RejectReason: "overfill"}})

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if s.count() >= 1 {
			break
		}
		time.Sleep(5 * time.Millisecond)
	}
	if s.count() != 1 {
		t.Fatalf("want exactly the critical alert, got %d", s.count())
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.messages[0].Title != "order flagged for manual review" {
		t.Fatalf("wrong alert delivered: %q", s.messages[0].Title)
	}
}

func TestRenderMapsEventTypes(t *testing.T) {
	cases := []struct {
		name string
		ev   bus.Event
		sev  Severity
		ok   bool
	}{
		{"risk block", bus.Event{Type: bus.RiskBlocked, Data: risk.Event{RuleID: "notional_cap", Symbol: "NVDA"}}, SeverityWarning, true},
		{"reject", bus.Event{Type: bus.OrderRejected, Data: order.Order{ID: "o1"}}, SeverityWarning, true},
		{"flagged", bus.Event{Type: bus.OrderFlagged, Data: order.Order{ID: "o1"}}, SeverityCritical, true},
		{"degraded", bus.Event{Type: bus.BrokerDegraded}, SeverityCritical, true},
		{"reconnected", bus.Event{Type: bus.BrokerReconnected}, SeverityInfo, true},
		{"wrong payload", bus.Event{Type: bus.RiskBlocked, Data: "nope"}, 0, false},
		{"unhandled type", bus.Event{Type: bus.SignalReceived}, 0, false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, sev, ok := render(tc.ev)
			if ok != tc.ok {
				t.Fatalf("want ok=%v, got %v", tc.ok, ok)
			}
			if ok && sev != tc.sev {
				t.Fatalf("want severity %s, got %s", tc.sev, sev)
			}
		})
	}
}
