// Package journal appends an immutable jsonl record of everything the core
// decided: signals accepted, orders dispatched, fills confirmed, risk
// verdicts. The replay tool rebuilds ledger state from this file alone.
package journal

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/jwquant/trading-core/internal/order"
	"github.com/jwquant/trading-core/internal/risk"
)

// Entry kinds.
const (
	KindSignal = "signal"
	KindOrder  = "order"
	KindFill   = "fill"
	KindRisk   = "risk"
)

// Entry is one journal line.
type Entry struct {
	Kind string          `json:"kind"`
	At   time.Time       `json:"at"`
	Data json.RawMessage `json:"data"`
}

// SignalRecord is the journaled shape of an accepted signal.
type SignalRecord struct {
	IdempotencyKey string    `json:"idempotency_key"`
	Symbol         string    `json:"symbol"`
	Side           string    `json:"side"`
	Quantity       float64   `json:"quantity"`
	Price          float64   `json:"price"`
	StrategyID     string    `json:"strategy_id"`
	At             time.Time `json:"at"`
}

// Journal is an append-only jsonl writer with a bounded in-memory dedupe
// index over recent signal keys. One writer goroutine at a time.
type Journal struct {
	mu           sync.Mutex
	path         string
	dedupeWindow time.Duration
	recent       map[string]time.Time // idempotency key -> journaled at
}

func New(path string, dedupeWindow time.Duration) (*Journal, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create journal dir: %w", err)
	}
	j := &Journal{
		path:         path,
		dedupeWindow: dedupeWindow,
		recent:       map[string]time.Time{},
	}
	if err := j.loadRecent(); err != nil {
		return nil, err
	}
	return j, nil
}

// loadRecent warms the dedupe index from the tail of an existing journal so
// restarts keep exactly-once signal intake across the window.
func (j *Journal) loadRecent() error {
	f, err := os.Open(j.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("open journal: %w", err)
	}
	defer f.Close()

	cutoff := time.Now().UTC().Add(-j.dedupeWindow)
	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for sc.Scan() {
		var e Entry
		if err := json.Unmarshal(sc.Bytes(), &e); err != nil {
			continue // tolerate a torn trailing line
		}
		if e.Kind != KindSignal || e.At.Before(cutoff) {
			continue
		}
		var rec SignalRecord
		if err := json.Unmarshal(e.Data, &rec); err != nil {
			continue
		}
		j.recent[rec.IdempotencyKey] = e.At
	}
	return sc.Err()
}

// HasRecentSignal reports whether the key was journaled inside the dedupe
// window. Used by the execution loop before any risk work.
func (j *Journal) HasRecentSignal(idempotencyKey string) bool {
	j.mu.Lock()
	defer j.mu.Unlock()
	at, ok := j.recent[idempotencyKey]
	if !ok {
		return false
	}
	if time.Since(at) > j.dedupeWindow {
		delete(j.recent, idempotencyKey)
		return false
	}
	return true
}

// WriteSignal journals an accepted signal and records its key for dedupe.
func (j *Journal) WriteSignal(rec SignalRecord) error {
	j.mu.Lock()
	defer j.mu.Unlock()
	now := time.Now().UTC()
	if err := j.appendLocked(KindSignal, now, rec); err != nil {
		return err
	}
	j.recent[rec.IdempotencyKey] = now
	j.pruneLocked(now)
	return nil
}

// WriteOrder journals an order snapshot (dispatch, terminal transition).
func (j *Journal) WriteOrder(o order.Order) error {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.appendLocked(KindOrder, time.Now().UTC(), o)
}

// WriteFill journals one confirmed fill.
func (j *Journal) WriteFill(f order.Fill) error {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.appendLocked(KindFill, time.Now().UTC(), f)
}

// WriteRisk journals a risk verdict.
func (j *Journal) WriteRisk(ev risk.Event) error {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.appendLocked(KindRisk, time.Now().UTC(), ev)
}

func (j *Journal) appendLocked(kind string, at time.Time, data any) error {
	raw, err := json.Marshal(data)
	if err != nil {
		return fmt.Errorf("marshal journal %s: %w", kind, err)
	}
	line, err := json.Marshal(Entry{Kind: kind, At: at, Data: raw})
	if err != nil {
		return fmt.Errorf("marshal journal entry: %w", err)
	}
	f, err := os.OpenFile(j.path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("open journal: %w", err)
	}
	defer f.Close()
	if _, err := f.Write(append(line, '\n')); err != nil {
		return fmt.Errorf("append journal: %w", err)
	}
	return nil
}

func (j *Journal) pruneLocked(now time.Time) {
	cutoff := now.Add(-j.dedupeWindow)
	for k, at := range j.recent {
		if at.Before(cutoff) {
			delete(j.recent, k)
		}
	}
}
