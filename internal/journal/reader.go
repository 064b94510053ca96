package journal

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"

	"github.com/jwquant/trading-core/internal/observ"
	"github.com/jwquant/trading-core/internal/order"
)

// ReadFills streams every fill entry in journal order. The replay tool
// folds these into a fresh ledger to cross-check a persisted snapshot.
func ReadFills(path string, fn func(order.Fill) error) error {
	return readEntries(path, func(e Entry) error {
		if e.Kind != KindFill {
			return nil
		}
		var f order.Fill
		if err := json.Unmarshal(e.Data, &f); err != nil {
			return fmt.Errorf("decode fill entry: %w", err)
		}
		return fn(f)
	})
}

// ReadEntries streams every journal entry.
func ReadEntries(path string, fn func(Entry) error) error {
	return readEntries(path, fn)
}

func readEntries(path string, fn func(Entry) error) error {
	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("open journal: %w", err)
	}
	defer f.Close()

	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	line := 0
	for sc.Scan() {
		line++
		if len(sc.Bytes()) == 0 {
			continue
		}
		var e Entry
		if err := json.Unmarshal(sc.Bytes(), &e); err != nil {
			observ.Anomaly("journal_bad_line", map[string]any{"line": line, "error": err.Error()})
			continue // torn line from a crash mid-append
		}
		if err := fn(e); err != nil {
			return err
		}
	}
	return sc.Err()
}
