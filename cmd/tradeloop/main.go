package main

import (
	"bufio"
	"context"
	"encoding/json"
	"flag"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jwquant/trading-core/internal/alerts"
	"github.com/jwquant/trading-core/internal/broker"
	"github.com/jwquant/trading-core/internal/bus"
	"github.com/jwquant/trading-core/internal/config"
	"github.com/jwquant/trading-core/internal/exec"
	"github.com/jwquant/trading-core/internal/journal"
	"github.com/jwquant/trading-core/internal/ledger"
	"github.com/jwquant/trading-core/internal/observ"
	"github.com/jwquant/trading-core/internal/order"
	"github.com/jwquant/trading-core/internal/risk"
	"github.com/jwquant/trading-core/internal/store"
)

func main() {
	var cfgPath string
	var signalsPath string
	var follow bool
	flag.StringVar(&cfgPath, "config", "config/config.yaml", "config path")
	flag.StringVar(&signalsPath, "signals", "", "jsonl signal file to process ('-' for stdin)")
	flag.BoolVar(&follow, "follow", false, "keep running after the signal file is drained")
	flag.Parse()

	cfg, err := config.Load(cfgPath)
	if err != nil {
		log.Fatalf("load config: %v (did you copy config.example.yaml?)", err)
	}

	observ.Log("startup", map[string]any{
		"trading_mode":    cfg.TradingMode,
		"venue":           cfg.Broker.Venue,
		"alerts_enabled":  cfg.Alerts.Enabled,
		"archive_enabled": cfg.Archive.Enabled,
	})

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// Ledger: restore the persisted snapshot when one exists.
	ledgerStore := ledger.NewStore(cfg.Ledger.PersistPath)
	book, restored, err := ledgerStore.Load()
	if err != nil {
		log.Fatalf("load ledger: %v", err)
	}
	if !restored {
		book = ledger.New(cfg.Ledger.InitialCash)
	}
	observ.Log("ledger_init", map[string]any{"restored": restored, "cash": book.Cash()})

	events := bus.New()
	book.AttachBus(events)

	jnl, err := journal.New(cfg.Journal.Path, time.Duration(cfg.Journal.DedupeWindowSecs)*time.Second)
	if err != nil {
		log.Fatalf("open journal: %v", err)
	}

	orders := order.NewManager(events)

	engine := risk.NewEngine(risk.Limits{
		MaxOrderNotionalPct: cfg.Risk.MaxOrderNotionalPct,
		MaxPositionPct:      cfg.Risk.MaxPositionPct,
		DailyLossPct:        cfg.Risk.DailyLossPct,
		Blacklist:           cfg.Risk.Blacklist,
		ReorderWindow:       time.Duration(cfg.Risk.ReorderWindowSecs) * time.Second,
		ReorderMaxCount:     cfg.Risk.ReorderMaxCount,
	})

	venue := buildVenue(cfg)
	gateway := broker.NewGateway(venue, broker.Config{
		MaxRetries:  cfg.Broker.MaxRetries,
		BackoffBase: time.Duration(cfg.Broker.BackoffBaseMs) * time.Millisecond,
		BackoffMax:  time.Duration(cfg.Broker.BackoffMaxMs) * time.Millisecond,
	}, orders, events)
	orders.SetTerminalHook(gateway.ClearInflight)

	if err := gateway.Start(ctx); err != nil {
		log.Fatalf("broker connect: %v", err)
	}
	defer gateway.Close()

	// Fills reach the journal through the bus so replay sees exactly what
	// the ledger consumed.
	events.Subscribe(func(ev bus.Event) {
		if fe, ok := ev.Data.(order.FillEvent); ok {
			if err := jnl.WriteFill(fe.Fill); err != nil {
				observ.Log("journal_write_failed", map[string]any{"kind": "fill", "error": err.Error()})
			}
		}
	}, []bus.Type{bus.OrderPartialFill, bus.OrderFilled}, bus.WithPriority(50))

	var archive *store.Archive
	if cfg.Archive.Enabled {
		archive, err = store.Open(cfg.Archive.Path)
		if err != nil {
			log.Fatalf("open archive: %v", err)
		}
		defer archive.Close()
		attachArchive(ctx, archive, events, orders)
	}

	notifier := alerts.NewNotifier(cfg.Alerts)
	notifier.Attach(ctx, events)
	defer notifier.Close()

	loop := exec.NewLoop(cfg.Exec.QueueSize, engine, orders, gateway, book, jnl, events)
	go loop.Run(ctx)

	if cfg.MetricsAddr != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", observ.Handler())
		registerOpsHandlers(mux, engine, gateway, orders, book)
		observ.Log("metrics_listen", map[string]any{"addr": cfg.MetricsAddr})
		go func() { _ = http.ListenAndServe(cfg.MetricsAddr, mux) }()
	}

	if signalsPath != "" {
		if err := feedSignals(ctx, loop, signalsPath); err != nil {
			observ.Log("signal_feed_failed", map[string]any{"error": err.Error()})
		}
	}

	if follow || signalsPath == "" {
		<-ctx.Done()
	} else {
		// Give in-flight venue callbacks a moment to land before shutdown.
		drainDeadline := time.After(2 * time.Second)
		select {
		case <-ctx.Done():
		case <-drainDeadline:
		}
	}

	shutdown(book, ledgerStore, archive, orders)
}

func buildVenue(cfg config.Root) broker.Venue {
	// Only the sim venue ships today; a vendor adapter slots in here.
	return broker.NewSimVenue(broker.SimConfig{
		LatencyMin:  time.Duration(cfg.Sim.LatencyMsMin) * time.Millisecond,
		LatencyMax:  time.Duration(cfg.Sim.LatencyMsMax) * time.Millisecond,
		SlippageMin: float64(cfg.Sim.SlippageBpsMin),
		SlippageMax: float64(cfg.Sim.SlippageBpsMax),
		FillSplits:  cfg.Sim.FillSplits,
	})
}

// attachArchive copies each terminal order and its fills into SQLite as it
// finishes.
func attachArchive(ctx context.Context, archive *store.Archive, events *bus.Bus, orders *order.Manager) {
	handler := func(ev bus.Event) {
		var id string
		switch data := ev.Data.(type) {
		case order.Order:
			id = data.ID
		case order.FillEvent:
			id = data.Order.ID
		default:
			return
		}
		o, ok := orders.Get(id)
		if !ok || !o.State.Terminal() {
			return
		}
		if err := archive.ArchiveOrder(ctx, o, orders.Fills(id)); err != nil {
			observ.Log("archive_failed", map[string]any{"order_id": id, "error": err.Error()})
		}
	}
	events.Subscribe(handler, []bus.Type{
		bus.OrderFilled, bus.OrderCancelled, bus.OrderRejected, bus.OrderFlagged,
	}, bus.WithPriority(-10))
}

// feedSignals streams a jsonl file of signals into the loop in file order.
func feedSignals(ctx context.Context, loop *exec.Loop, path string) error {
	var in *os.File
	if path == "-" {
		in = os.Stdin
	} else {
		f, err := os.Open(path)
		if err != nil {
			return err
		}
		defer f.Close()
		in = f
	}

	sc := bufio.NewScanner(in)
	sc.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	line := 0
	for sc.Scan() {
		line++
		if len(sc.Bytes()) == 0 {
			continue
		}
		var sig exec.Signal
		if err := json.Unmarshal(sc.Bytes(), &sig); err != nil {
			observ.Log("signal_parse_failed", map[string]any{"line": line, "error": err.Error()})
			continue
		}
		for {
			err := loop.Enqueue(sig)
			if err == nil {
				break
			}
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(50 * time.Millisecond):
			}
		}
	}
	return sc.Err()
}

func shutdown(book *ledger.Ledger, ledgerStore *ledger.Store, archive *store.Archive, orders *order.Manager) {
	if err := ledgerStore.Save(book); err != nil {
		observ.Log("ledger_save_failed", map[string]any{"error": err.Error()})
	}
	if archive != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		for _, o := range orders.ListTerminal() {
			if err := archive.ArchiveOrder(ctx, o, orders.Fills(o.ID)); err != nil {
				observ.Log("archive_failed", map[string]any{"order_id": o.ID, "error": err.Error()})
			}
		}
		if err := archive.SaveAccountSnapshot(ctx, book.Account()); err != nil {
			observ.Log("archive_failed", map[string]any{"kind": "account", "error": err.Error()})
		}
	}
	observ.Log("shutdown", map[string]any{
		"open_orders": len(orders.ListOpen()),
		"equity":      book.Equity(),
	})
}
