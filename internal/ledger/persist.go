package ledger

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/shopspring/decimal"
)

// snapshot is the serialized shape. Decimals serialize as strings so a
// round-trip loses nothing.
type snapshot struct {
	Version   int64              `json:"version"`
	UpdatedAt string             `json:"updated_at"`
	Cash      decimal.Decimal    `json:"cash"`
	Realized  decimal.Decimal    `json:"realized_pnl"`
	Daily     DailyStats         `json:"daily_stats"`
	Positions []positionSnapshot `json:"positions"`
}

type positionSnapshot struct {
	Symbol   string          `json:"symbol"`
	Quantity decimal.Decimal `json:"quantity"`
	AvgCost  decimal.Decimal `json:"avg_cost"`
	Realized decimal.Decimal `json:"realized_pnl"`
	LastAt   time.Time       `json:"last_trade_at"`
}

// Serialize captures the full ledger state as JSON.
func (l *Ledger) Serialize() ([]byte, error) {
	return l.serialize(0)
}

func (l *Ledger) serialize(version int64) ([]byte, error) {
	l.mu.RLock()
	snap := snapshot{
		Version:   version,
		UpdatedAt: time.Now().UTC().Format(time.RFC3339),
		Cash:      l.cash,
		Realized:  l.realized,
		Daily:     l.daily,
	}
	for sym, pos := range l.positions {
		snap.Positions = append(snap.Positions, positionSnapshot{
			Symbol:   sym,
			Quantity: pos.qty,
			AvgCost:  pos.avgCost,
			Realized: pos.realized,
			LastAt:   pos.lastAt,
		})
	}
	l.mu.RUnlock()

	data, err := json.MarshalIndent(snap, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("marshal ledger snapshot: %w", err)
	}
	return data, nil
}

// Restore replaces the ledger's state with a previously serialized snapshot.
func (l *Ledger) Restore(data []byte) error {
	var snap snapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		return fmt.Errorf("unmarshal ledger snapshot: %w", err)
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	l.cash = snap.Cash
	l.realized = snap.Realized
	l.daily = snap.Daily
	l.positions = map[string]*position{}
	for _, ps := range snap.Positions {
		l.positions[ps.Symbol] = &position{
			qty:      ps.Quantity,
			avgCost:  ps.AvgCost,
			realized: ps.Realized,
			lastAt:   ps.LastAt,
		}
	}
	return nil
}

// Store persists ledger snapshots with atomic tmp+rename writes.
type Store struct {
	path    string
	version int64
}

func NewStore(path string) *Store {
	return &Store{path: path}
}

// Save writes the current ledger state. Partial writes never clobber the
// previous snapshot.
func (s *Store) Save(l *Ledger) error {
	s.version++
	data, err := l.serialize(s.version)
	if err != nil {
		return err
	}

	if err := os.MkdirAll(filepath.Dir(s.path), 0o755); err != nil {
		return fmt.Errorf("create ledger dir: %w", err)
	}
	tmp := s.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("write ledger snapshot: %w", err)
	}
	if err := os.Rename(tmp, s.path); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("rename ledger snapshot: %w", err)
	}
	return nil
}

// Load restores a snapshot into a fresh ledger. A missing file returns
// (nil, false, nil): start from initial cash.
func (s *Store) Load() (*Ledger, bool, error) {
	data, err := os.ReadFile(s.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, false, nil
		}
		return nil, false, fmt.Errorf("read ledger snapshot: %w", err)
	}
	l := &Ledger{positions: map[string]*position{}}
	if err := l.Restore(data); err != nil {
		return nil, false, err
	}
	var snap snapshot
	if err := json.Unmarshal(data, &snap); err == nil {
		s.version = snap.Version
	}
	return l, true, nil
}
