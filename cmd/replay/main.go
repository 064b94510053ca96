// Command replay folds the journal's fill log into a fresh ledger and
// reports the result, optionally cross-checking the persisted snapshot.
// It is the recovery and audit path: the journal alone must reproduce the
// book.
package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"math"
	"os"

	"github.com/jwquant/trading-core/internal/config"
	"github.com/jwquant/trading-core/internal/journal"
	"github.com/jwquant/trading-core/internal/ledger"
	"github.com/jwquant/trading-core/internal/order"
)

func main() {
	var cfgPath string
	var journalPath string
	var check bool
	flag.StringVar(&cfgPath, "config", "config/config.yaml", "config path")
	flag.StringVar(&journalPath, "journal", "", "journal path (defaults to the configured one)")
	flag.BoolVar(&check, "check", false, "compare the replayed book against the persisted snapshot")
	flag.Parse()

	cfg, err := config.Load(cfgPath)
	if err != nil {
		log.Fatalf("load config: %v", err)
	}
	if journalPath == "" {
		journalPath = cfg.Journal.Path
	}

	book := ledger.New(cfg.Ledger.InitialCash)
	fills := 0
	err = journal.ReadFills(journalPath, func(f order.Fill) error {
		book.ApplyFill(f)
		fills++
		return nil
	})
	if err != nil {
		log.Fatalf("replay journal: %v", err)
	}

	acct := book.Account()
	out := struct {
		Journal string         `json:"journal"`
		Fills   int            `json:"fills_replayed"`
		Account ledger.Account `json:"account"`
	}{journalPath, fills, acct}
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	if err := enc.Encode(out); err != nil {
		log.Fatalf("encode report: %v", err)
	}

	if !check {
		return
	}

	persisted, found, err := ledger.NewStore(cfg.Ledger.PersistPath).Load()
	if err != nil {
		log.Fatalf("load persisted ledger: %v", err)
	}
	if !found {
		log.Fatalf("no persisted ledger at %s", cfg.Ledger.PersistPath)
	}
	if diff := compare(acct, persisted.Account()); len(diff) > 0 {
		for _, d := range diff {
			fmt.Fprintln(os.Stderr, "mismatch:", d)
		}
		os.Exit(1)
	}
	fmt.Fprintln(os.Stderr, "replayed book matches persisted snapshot")
}

const tolerance = 1e-6

func compare(replayed, persisted ledger.Account) []string {
	var diffs []string
	if math.Abs(replayed.Cash-persisted.Cash) > tolerance {
		diffs = append(diffs, fmt.Sprintf("cash replayed=%v persisted=%v", replayed.Cash, persisted.Cash))
	}
	if math.Abs(replayed.RealizedPnL-persisted.RealizedPnL) > tolerance {
		diffs = append(diffs, fmt.Sprintf("realized_pnl replayed=%v persisted=%v", replayed.RealizedPnL, persisted.RealizedPnL))
	}

	bySymbol := map[string]ledger.Position{}
	for _, p := range persisted.Positions {
		bySymbol[p.Symbol] = p
	}
	for _, rp := range replayed.Positions {
		pp, ok := bySymbol[rp.Symbol]
		if !ok {
			diffs = append(diffs, fmt.Sprintf("%s: missing from persisted snapshot", rp.Symbol))
			continue
		}
		delete(bySymbol, rp.Symbol)
		if math.Abs(rp.Quantity-pp.Quantity) > tolerance {
			diffs = append(diffs, fmt.Sprintf("%s: qty replayed=%v persisted=%v", rp.Symbol, rp.Quantity, pp.Quantity))
		}
		if math.Abs(rp.AvgCost-pp.AvgCost) > tolerance {
			diffs = append(diffs, fmt.Sprintf("%s: avg_cost replayed=%v persisted=%v", rp.Symbol, rp.AvgCost, pp.AvgCost))
		}
	}
	for sym := range bySymbol {
		diffs = append(diffs, fmt.Sprintf("%s: missing from replayed book", sym))
	}
	return diffs
}
