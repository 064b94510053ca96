package broker

import (
	"context"
	"fmt"
	"math"
	"math/rand"
	"sync"
	"time"
)

// SimVenue is an in-process execution venue with configurable latency,
// slippage and partial-fill behavior. It is the default venue for paper
// trading and the workhorse of the gateway tests: connections can be made
// to fail, and delivery of callbacks can be suppressed to simulate an
// outage window.
type SimVenue struct {
	mu sync.Mutex

	latencyMin  time.Duration
	latencyMax  time.Duration
	slippageMin float64 // bps
	slippageMax float64 // bps
	fillSplits  []int   // percentages of total quantity, must sum to 100

	random *rand.Rand

	connected  bool
	events     chan Event
	orders     map[string]*simOrder
	nextBroker int

	// Test controls.
	failConnects int  // fail the next N Connect calls
	dropEvents   bool // accept submissions but emit nothing
	rejectNext   string
}

type simOrder struct {
	req      OrderRequest
	brokerID string
	status   string // "live" | "filled" | "cancelled" | "rejected"
	reason   string
	fills    []StatusFill
	fillSeq  int
}

// SimConfig bounds the venue's behavior.
type SimConfig struct {
	LatencyMin  time.Duration
	LatencyMax  time.Duration
	SlippageMin float64 // bps
	SlippageMax float64 // bps
	FillSplits  []int   // e.g. [60, 40]; empty means a single full fill
	Seed        int64   // 0 seeds from the clock
}

func NewSimVenue(cfg SimConfig) *SimVenue {
	seed := cfg.Seed
	if seed == 0 {
		seed = time.Now().UnixNano()
	}
	splits := cfg.FillSplits
	if len(splits) == 0 {
		splits = []int{100}
	}
	return &SimVenue{
		latencyMin:  cfg.LatencyMin,
		latencyMax:  cfg.LatencyMax,
		slippageMin: cfg.SlippageMin,
		slippageMax: cfg.SlippageMax,
		fillSplits:  splits,
		random:      rand.New(rand.NewSource(seed)),
		orders:      map[string]*simOrder{},
	}
}

func (s *SimVenue) Name() string { return "sim" }

func (s *SimVenue) Connect(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failConnects > 0 {
		s.failConnects--
		return fmt.Errorf("%w: sim connect refused", ErrConnection)
	}
	if s.connected {
		return nil
	}
	s.connected = true
	s.events = make(chan Event, 256)
	return nil
}

func (s *SimVenue) Disconnect() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.connected {
		return nil
	}
	s.connected = false
	close(s.events)
	return nil
}

func (s *SimVenue) Events() <-chan Event {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.events
}

// Submit registers the order and schedules its callbacks. The returned error
// covers venue receipt only; acceptance arrives as an ack event.
func (s *SimVenue) Submit(ctx context.Context, req OrderRequest) error {
	s.mu.Lock()
	if !s.connected {
		s.mu.Unlock()
		return fmt.Errorf("%w: sim not connected", ErrConnection)
	}
	s.nextBroker++
	ord := &simOrder{
		req:      req,
		brokerID: fmt.Sprintf("SIM-%04d", s.nextBroker),
		status:   "live",
	}
	s.orders[req.OrderID] = ord
	reject := s.rejectNext
	s.rejectNext = ""
	s.mu.Unlock()

	go s.playOrder(req.OrderID, reject)
	return nil
}

func (s *SimVenue) Cancel(ctx context.Context, orderID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.connected {
		return fmt.Errorf("%w: sim not connected", ErrConnection)
	}
	ord, ok := s.orders[orderID]
	if !ok {
		return fmt.Errorf("sim: unknown order %s", orderID)
	}
	if ord.status != "live" {
		return nil // already terminal at the venue, cancel is a no-op
	}
	ord.status = "cancelled"
	s.emitLocked(Event{
		OrderID:  orderID,
		BrokerID: ord.brokerID,
		Kind:     KindCancelled,
		Reason:   "cancelled_by_request",
	})
	return nil
}

func (s *SimVenue) QueryStatus(ctx context.Context, orderID string) (StatusReport, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	ord, ok := s.orders[orderID]
	if !ok {
		return StatusReport{OrderID: orderID, Status: "unknown"}, nil
	}
	fills := make([]StatusFill, len(ord.fills))
	copy(fills, ord.fills)
	return StatusReport{
		OrderID:  orderID,
		BrokerID: ord.brokerID,
		Status:   ord.status,
		Fills:    fills,
		Reason:   ord.reason,
	}, nil
}

// playOrder emits the ack and fill sequence for one order. Each callback is
// recorded against the order before emission so QueryStatus stays truthful
// even when dropEvents is on.
func (s *SimVenue) playOrder(orderID, reject string) {
	s.sleepLatency()

	s.mu.Lock()
	ord, ok := s.orders[orderID]
	if !ok || ord.status != "live" {
		s.mu.Unlock()
		return
	}
	if reject == "" && ord.req.LimitPrice <= 0 {
		// No reference price means no slippage baseline; filling at zero
		// would corrupt the book.
		reject = "no_reference_price"
	}
	if reject != "" {
		ord.status = "rejected"
		ord.reason = reject
		s.emitLocked(Event{OrderID: orderID, BrokerID: ord.brokerID, Kind: KindReject, Reason: reject})
		s.mu.Unlock()
		return
	}
	s.emitLocked(Event{OrderID: orderID, BrokerID: ord.brokerID, Kind: KindAck})
	splits := append([]int(nil), s.fillSplits...)
	s.mu.Unlock()

	remaining := ord.req.Quantity
	for i, pct := range splits {
		s.sleepLatency()

		qty := ord.req.Quantity * float64(pct) / 100
		if i == len(splits)-1 {
			qty = remaining // absorb rounding into the last tranche
		}
		remaining -= qty

		s.mu.Lock()
		if ord.status != "live" {
			s.mu.Unlock()
			return
		}
		ord.fillSeq++
		fill := StatusFill{
			FillID:   fmt.Sprintf("%s-f%d", ord.brokerID, ord.fillSeq),
			Quantity: qty,
			Price:    s.fillPrice(ord.req),
			At:       time.Now().UTC(),
		}
		ord.fills = append(ord.fills, fill)
		if remaining <= 1e-9 {
			ord.status = "filled"
		}
		s.emitLocked(Event{
			OrderID:   orderID,
			BrokerID:  ord.brokerID,
			Kind:      KindFill,
			FillID:    fill.FillID,
			FillQty:   fill.Quantity,
			FillPrice: fill.Price,
			At:        fill.At,
		})
		s.mu.Unlock()
	}
}

// fillPrice applies bounded slippage against the request: buys fill at or
// above the reference, sells at or below.
func (s *SimVenue) fillPrice(req OrderRequest) float64 {
	ref := req.LimitPrice
	bps := s.slippageMin + s.random.Float64()*(s.slippageMax-s.slippageMin)
	slip := ref * bps / 10000
	if req.Side == "sell" {
		slip = -slip
	}
	return math.Round((ref+slip)*10000) / 10000
}

func (s *SimVenue) sleepLatency() {
	if s.latencyMax <= 0 {
		return
	}
	span := s.latencyMax - s.latencyMin
	d := s.latencyMin
	if span > 0 {
		s.mu.Lock()
		d += time.Duration(s.random.Int63n(int64(span)))
		s.mu.Unlock()
	}
	time.Sleep(d)
}

// emitLocked sends on the events channel unless delivery is suppressed or
// the connection is down. Callers hold s.mu.
func (s *SimVenue) emitLocked(ev Event) {
	if s.dropEvents || !s.connected {
		return
	}
	select {
	case s.events <- ev:
	default:
		// a full sim channel means the consumer stalled; drop rather than
		// deadlock under the lock
	}
}

// FailConnects makes the next n Connect calls fail. Used to exercise the
// gateway's backoff path.
func (s *SimVenue) FailConnects(n int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failConnects = n
}

// SetDropEvents suppresses callback delivery while still recording venue
// state, simulating an outage where the venue executed but we never heard.
func (s *SimVenue) SetDropEvents(drop bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.dropEvents = drop
}

// RejectNext makes the next submission reject with the given reason.
func (s *SimVenue) RejectNext(reason string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.rejectNext = reason
}
