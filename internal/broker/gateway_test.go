package broker

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/jwquant/trading-core/internal/bus"
)

// scriptVenue is a fully controllable venue for gateway tests.
type scriptVenue struct {
	mu           sync.Mutex
	connected    bool
	failConnects int
	events       chan Event
	reports      map[string]StatusReport
	submitted    []OrderRequest
}

func newScriptVenue() *scriptVenue {
	return &scriptVenue{reports: map[string]StatusReport{}}
}

func (v *scriptVenue) Name() string { return "script" }

func (v *scriptVenue) Connect(ctx context.Context) error {
	v.mu.Lock()
	defer v.mu.Unlock()
	if v.failConnects > 0 {
		v.failConnects--
		return errors.New("refused")
	}
	v.connected = true
	v.events = make(chan Event, 16)
	return nil
}

func (v *scriptVenue) Disconnect() error {
	v.mu.Lock()
	defer v.mu.Unlock()
	if v.connected {
		v.connected = false
		close(v.events)
	}
	return nil
}

func (v *scriptVenue) Submit(ctx context.Context, req OrderRequest) error {
	v.mu.Lock()
	defer v.mu.Unlock()
	if !v.connected {
		return errors.New("not connected")
	}
	v.submitted = append(v.submitted, req)
	return nil
}

func (v *scriptVenue) Cancel(ctx context.Context, orderID string) error { return nil }

func (v *scriptVenue) QueryStatus(ctx context.Context, orderID string) (StatusReport, error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	if r, ok := v.reports[orderID]; ok {
		return r, nil
	}
	return StatusReport{OrderID: orderID, Status: "unknown"}, nil
}

func (v *scriptVenue) Events() <-chan Event {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.events
}

// emit injects a callback as if the venue sent it.
func (v *scriptVenue) emit(ev Event) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.events <- ev
}

// drop simulates an unexpected connection loss.
func (v *scriptVenue) drop() { _ = v.Disconnect() }

// recordingHandler captures what the gateway forwards upstream.
type recordingHandler struct {
	mu          sync.Mutex
	events      []Event
	unconfirmed []string
}

func (h *recordingHandler) HandleBrokerEvent(ev Event) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.events = append(h.events, ev)
}

func (h *recordingHandler) MarkUnconfirmed(orderID string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.unconfirmed = append(h.unconfirmed, orderID)
}

func (h *recordingHandler) snapshot() ([]Event, []string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]Event(nil), h.events...), append([]string(nil), h.unconfirmed...)
}

func (h *recordingHandler) waitFor(t *testing.T, n int) []Event {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		evs, _ := h.snapshot()
		if len(evs) >= n {
			return evs
		}
		time.Sleep(5 * time.Millisecond)
	}
	evs, _ := h.snapshot()
	t.Fatalf("timed out waiting for %d events, have %d", n, len(evs))
	return evs
}

func fastConfig() Config {
	return Config{MaxRetries: 3, BackoffBase: time.Millisecond, BackoffMax: 4 * time.Millisecond}
}

func TestSubmitFailsFastWhenNotConnected(t *testing.T) {
	g := NewGateway(newScriptVenue(), fastConfig(), &recordingHandler{}, bus.New())

	err := g.Submit(context.Background(), OrderRequest{OrderID: "o1"})
	if !errors.Is(err, ErrBrokerUnavailable) {
		t.Fatalf("want ErrBrokerUnavailable, got %v", err)
	}
}

func TestCallbacksReachHandler(t *testing.T) {
	venue := newScriptVenue()
	handler := &recordingHandler{}
	g := NewGateway(venue, fastConfig(), handler, bus.New())
	if err := g.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	defer g.Close()

	if err := g.Submit(context.Background(), OrderRequest{OrderID: "o1", Symbol: "NVDA", Side: "buy", Quantity: 10}); err != nil {
		t.Fatalf("submit: %v", err)
	}
	venue.emit(Event{OrderID: "o1", BrokerID: "B1", Kind: KindAck})
	venue.emit(Event{OrderID: "o1", Kind: KindFill, FillID: "f1", FillQty: 10, FillPrice: 450})

	evs := handler.waitFor(t, 2)
	if evs[0].Kind != KindAck || evs[1].Kind != KindFill {
		t.Fatalf("want ack then fill, got %v %v", evs[0].Kind, evs[1].Kind)
	}
	if evs[1].At.IsZero() {
		t.Fatal("dispatch must stamp missing timestamps")
	}
}

func TestDisconnectMarksUnconfirmedAndReconciles(t *testing.T) {
	venue := newScriptVenue()
	handler := &recordingHandler{}
	events := bus.New()
	reconnected := make(chan struct{}, 1)
	events.Subscribe(func(bus.Event) { reconnected <- struct{}{} }, []bus.Type{bus.BrokerReconnected})

	g := NewGateway(venue, fastConfig(), handler, events)
	if err := g.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	defer g.Close()

	if err := g.Submit(context.Background(), OrderRequest{OrderID: "o1", Symbol: "NVDA", Side: "buy", Quantity: 10}); err != nil {
		t.Fatalf("submit: %v", err)
	}

	// The venue executed during the outage; the status endpoint knows.
	venue.mu.Lock()
	venue.reports["o1"] = StatusReport{
		OrderID:  "o1",
		BrokerID: "B1",
		Status:   "filled",
		Fills:    []StatusFill{{FillID: "f1", Quantity: 10, Price: 450, At: time.Now()}},
	}
	venue.mu.Unlock()

	venue.drop()

	select {
	case <-reconnected:
	case <-time.After(2 * time.Second):
		t.Fatal("gateway never reconnected")
	}

	_, unconfirmed := handler.snapshot()
	if len(unconfirmed) != 1 || unconfirmed[0] != "o1" {
		t.Fatalf("want o1 marked unconfirmed, got %v", unconfirmed)
	}

	// Reconciliation synthesized ack + fill from the status report.
	evs := handler.waitFor(t, 2)
	if evs[0].Kind != KindAck || evs[1].Kind != KindFill || evs[1].FillID != "f1" {
		t.Fatalf("want synthesized ack+fill, got %+v", evs)
	}
	if g.State() != StateConnected {
		t.Fatalf("want connected after recovery, got %s", g.State())
	}
}

func TestExhaustedRetriesGoDegraded(t *testing.T) {
	venue := newScriptVenue()
	events := bus.New()
	degraded := make(chan struct{}, 1)
	events.Subscribe(func(bus.Event) { degraded <- struct{}{} }, []bus.Type{bus.BrokerDegraded})

	g := NewGateway(venue, fastConfig(), &recordingHandler{}, events)
	if err := g.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	defer g.Close()

	venue.mu.Lock()
	venue.failConnects = 100 // more than MaxRetries
	venue.mu.Unlock()
	venue.drop()

	select {
	case <-degraded:
	case <-time.After(2 * time.Second):
		t.Fatal("gateway never went degraded")
	}
	if g.State() != StateDegraded {
		t.Fatalf("want degraded, got %s", g.State())
	}

	// Degraded fails fast.
	if err := g.Submit(context.Background(), OrderRequest{OrderID: "o2"}); !errors.Is(err, ErrBrokerUnavailable) {
		t.Fatalf("want fail-fast submit, got %v", err)
	}
}

func TestReconnectFromDegraded(t *testing.T) {
	venue := newScriptVenue()
	handler := &recordingHandler{}
	events := bus.New()
	degraded := make(chan struct{}, 1)
	events.Subscribe(func(bus.Event) { degraded <- struct{}{} }, []bus.Type{bus.BrokerDegraded})

	g := NewGateway(venue, fastConfig(), handler, events)
	if err := g.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	defer g.Close()

	venue.mu.Lock()
	venue.failConnects = 100
	venue.mu.Unlock()
	venue.drop()
	<-degraded

	venue.mu.Lock()
	venue.failConnects = 0
	venue.mu.Unlock()

	if err := g.Reconnect(context.Background()); err != nil {
		t.Fatalf("reconnect: %v", err)
	}
	if g.State() != StateConnected {
		t.Fatalf("want connected, got %s", g.State())
	}

	// The pump is live again.
	if err := g.Submit(context.Background(), OrderRequest{OrderID: "o3", Symbol: "NVDA", Side: "buy", Quantity: 1}); err != nil {
		t.Fatalf("submit after reconnect: %v", err)
	}
	venue.emit(Event{OrderID: "o3", Kind: KindAck})
	handler.waitFor(t, 1)
}

// A gateway restarted after an explicit Close must recover from disconnects
// again; Close's stop flag cannot outlive the stopped pump.
func TestReconnectAfterCloseRestoresRecovery(t *testing.T) {
	venue := newScriptVenue()
	events := bus.New()
	degraded := make(chan struct{}, 1)
	events.Subscribe(func(bus.Event) { degraded <- struct{}{} }, []bus.Type{bus.BrokerDegraded})

	g := NewGateway(venue, fastConfig(), &recordingHandler{}, events)
	if err := g.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	if err := g.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	if err := g.Reconnect(context.Background()); err != nil {
		t.Fatalf("reconnect: %v", err)
	}
	if g.State() != StateConnected {
		t.Fatalf("want connected, got %s", g.State())
	}

	venue.mu.Lock()
	venue.failConnects = 100
	venue.mu.Unlock()
	venue.drop()

	select {
	case <-degraded:
	case <-time.After(2 * time.Second):
		t.Fatal("pump exited silently instead of entering the recovery path")
	}
}

func TestReportToEvents(t *testing.T) {
	cases := []struct {
		name   string
		report StatusReport
		kinds  []EventKind
	}{
		{"unknown produces nothing", StatusReport{Status: "unknown"}, nil},
		{"rejected produces reject", StatusReport{Status: "rejected", Reason: "no funds"}, []EventKind{KindReject}},
		{"live produces ack", StatusReport{Status: "live"}, []EventKind{KindAck}},
		{
			"filled produces ack and fills",
			StatusReport{Status: "filled", Fills: []StatusFill{{FillID: "f1", Quantity: 5}, {FillID: "f2", Quantity: 5}}},
			[]EventKind{KindAck, KindFill, KindFill},
		},
		{
			"cancelled after partial fill",
			StatusReport{Status: "cancelled", Fills: []StatusFill{{FillID: "f1", Quantity: 5}}},
			[]EventKind{KindAck, KindFill, KindCancelled},
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			evs := reportToEvents(tc.report)
			if len(evs) != len(tc.kinds) {
				t.Fatalf("want %d events, got %d", len(tc.kinds), len(evs))
			}
			for i, k := range tc.kinds {
				if evs[i].Kind != k {
					t.Fatalf("event %d: want %s, got %s", i, k, evs[i].Kind)
				}
			}
		})
	}
}

func TestSimVenueFillsInTranches(t *testing.T) {
	venue := NewSimVenue(SimConfig{FillSplits: []int{60, 40}, Seed: 1})
	if err := venue.Connect(context.Background()); err != nil {
		t.Fatalf("connect: %v", err)
	}
	defer venue.Disconnect()

	if err := venue.Submit(context.Background(), OrderRequest{OrderID: "o1", Symbol: "NVDA", Side: "buy", Quantity: 100, LimitPrice: 450}); err != nil {
		t.Fatalf("submit: %v", err)
	}

	var got []Event
	deadline := time.After(2 * time.Second)
	for len(got) < 3 {
		select {
		case ev := <-venue.Events():
			got = append(got, ev)
		case <-deadline:
			t.Fatalf("timed out, have %d events", len(got))
		}
	}

	if got[0].Kind != KindAck {
		t.Fatalf("want ack first, got %s", got[0].Kind)
	}
	if got[1].FillQty != 60 || got[2].FillQty != 40 {
		t.Fatalf("want 60/40 tranches, got %v/%v", got[1].FillQty, got[2].FillQty)
	}

	report, err := venue.QueryStatus(context.Background(), "o1")
	if err != nil {
		t.Fatalf("query status: %v", err)
	}
	if report.Status != "filled" || len(report.Fills) != 2 {
		t.Fatalf("want filled with 2 fills, got %s with %d", report.Status, len(report.Fills))
	}
}

func TestSimVenueRejectNext(t *testing.T) {
	venue := NewSimVenue(SimConfig{Seed: 1})
	if err := venue.Connect(context.Background()); err != nil {
		t.Fatalf("connect: %v", err)
	}
	defer venue.Disconnect()

	venue.RejectNext("insufficient_funds")
	if err := venue.Submit(context.Background(), OrderRequest{OrderID: "o1", Symbol: "NVDA", Side: "buy", Quantity: 1, LimitPrice: 450}); err != nil {
		t.Fatalf("submit: %v", err)
	}

	select {
	case ev := <-venue.Events():
		if ev.Kind != KindReject || ev.Reason != "insufficient_funds" {
			t.Fatalf("want reject, got %+v", ev)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("no reject delivered")
	}
}

func TestSimVenueRejectsMissingReferencePrice(t *testing.T) {
	venue := NewSimVenue(SimConfig{Seed: 1})
	if err := venue.Connect(context.Background()); err != nil {
		t.Fatalf("connect: %v", err)
	}
	defer venue.Disconnect()

	if err := venue.Submit(context.Background(), OrderRequest{OrderID: "o1", Symbol: "NVDA", Side: "buy", Quantity: 10, Market: true}); err != nil {
		t.Fatalf("submit: %v", err)
	}

	select {
	case ev := <-venue.Events():
		if ev.Kind != KindReject || ev.Reason != "no_reference_price" {
			t.Fatalf("want no_reference_price reject, got %+v", ev)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("no reject delivered")
	}
}

func TestSimVenueDropEventsStillRecordsState(t *testing.T) {
	venue := NewSimVenue(SimConfig{Seed: 1})
	if err := venue.Connect(context.Background()); err != nil {
		t.Fatalf("connect: %v", err)
	}
	defer venue.Disconnect()

	venue.SetDropEvents(true)
	if err := venue.Submit(context.Background(), OrderRequest{OrderID: "o1", Symbol: "NVDA", Side: "buy", Quantity: 10, LimitPrice: 450}); err != nil {
		t.Fatalf("submit: %v", err)
	}

	// The playback goroutine runs without delivering; the status endpoint
	// stays truthful.
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		report, err := venue.QueryStatus(context.Background(), "o1")
		if err != nil {
			t.Fatalf("query status: %v", err)
		}
		if report.Status == "filled" {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("sim never executed while dropping events")
}
