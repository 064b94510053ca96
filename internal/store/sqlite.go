// Package store archives completed orders and end-of-session account
// snapshots to SQLite. The archive is write-mostly: the hot path never
// reads it, the replay tool and operators do.
package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite" // Pure-Go SQLite driver.

	"github.com/jwquant/trading-core/internal/ledger"
	"github.com/jwquant/trading-core/internal/order"
)

type Archive struct {
	db *sql.DB
}

func Open(dbPath string) (*Archive, error) {
	if strings.TrimSpace(dbPath) == "" {
		return nil, fmt.Errorf("db path is required")
	}
	if err := os.MkdirAll(filepath.Dir(dbPath), 0o755); err != nil {
		return nil, fmt.Errorf("create db dir: %w", err)
	}
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}

	pragmas := []string{
		"PRAGMA journal_mode=WAL;",
		"PRAGMA busy_timeout=3000;",
		"PRAGMA synchronous=NORMAL;",
	}
	for _, p := range pragmas {
		if _, err := db.Exec(p); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("set pragma %s: %w", p, err)
		}
	}

	if err := initSchema(db); err != nil {
		_ = db.Close()
		return nil, err
	}
	return &Archive{db: db}, nil
}

func (a *Archive) Close() error {
	if a == nil || a.db == nil {
		return nil
	}
	return a.db.Close()
}

func initSchema(db *sql.DB) error {
	schema := `
CREATE TABLE IF NOT EXISTS orders (
    id TEXT PRIMARY KEY,
    symbol TEXT NOT NULL,
    side TEXT NOT NULL,
    quantity REAL NOT NULL,
    limit_price REAL,
    state TEXT NOT NULL,
    broker_id TEXT,
    strategy_id TEXT,
    filled_qty REAL NOT NULL DEFAULT 0,
    avg_fill_price REAL NOT NULL DEFAULT 0,
    reject_reason TEXT,
    created_at DATETIME NOT NULL,
    updated_at DATETIME NOT NULL
);

CREATE TABLE IF NOT EXISTS fills (
    fill_id TEXT PRIMARY KEY,
    order_id TEXT NOT NULL REFERENCES orders(id),
    symbol TEXT NOT NULL,
    side TEXT NOT NULL,
    quantity REAL NOT NULL,
    price REAL NOT NULL,
    at DATETIME NOT NULL
);

CREATE TABLE IF NOT EXISTS account_snapshots (
    taken_at DATETIME PRIMARY KEY,
    snapshot TEXT NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_orders_symbol ON orders(symbol, created_at);
CREATE INDEX IF NOT EXISTS idx_fills_order ON fills(order_id);
`
	if _, err := db.Exec(schema); err != nil {
		return fmt.Errorf("init schema: %w", err)
	}
	return nil
}

// ArchiveOrder upserts one terminal order and its fills. Idempotent per
// order and fill ID, so re-archiving after a restart is safe.
func (a *Archive) ArchiveOrder(ctx context.Context, o order.Order, fills []order.Fill) error {
	tx, err := a.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin archive tx: %w", err)
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx, `
INSERT INTO orders (id, symbol, side, quantity, limit_price, state, broker_id,
    strategy_id, filled_qty, avg_fill_price, reject_reason, created_at, updated_at)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
ON CONFLICT(id) DO UPDATE SET
    state=excluded.state,
    filled_qty=excluded.filled_qty,
    avg_fill_price=excluded.avg_fill_price,
    reject_reason=excluded.reject_reason,
    updated_at=excluded.updated_at
`, o.ID, o.Symbol, string(o.Side), o.Quantity, o.LimitPrice, string(o.State),
		o.BrokerID, o.StrategyID, o.FilledQty, o.AvgFillPrice, o.RejectReason,
		o.CreatedAt.UTC(), o.UpdatedAt.UTC())
	if err != nil {
		return fmt.Errorf("insert order %s: %w", o.ID, err)
	}

	for _, f := range fills {
		_, err = tx.ExecContext(ctx, `
INSERT INTO fills (fill_id, order_id, symbol, side, quantity, price, at)
VALUES (?, ?, ?, ?, ?, ?, ?)
ON CONFLICT(fill_id) DO NOTHING
`, f.FillID, f.OrderID, f.Symbol, string(f.Side), f.Quantity, f.Price, f.At.UTC())
		if err != nil {
			return fmt.Errorf("insert fill %s: %w", f.FillID, err)
		}
	}
	return tx.Commit()
}

// SaveAccountSnapshot stores the account state as a JSON blob keyed by
// capture time.
func (a *Archive) SaveAccountSnapshot(ctx context.Context, acct ledger.Account) error {
	blob, err := json.Marshal(acct)
	if err != nil {
		return fmt.Errorf("marshal account snapshot: %w", err)
	}
	_, err = a.db.ExecContext(ctx, `
INSERT INTO account_snapshots (taken_at, snapshot) VALUES (?, ?)
ON CONFLICT(taken_at) DO UPDATE SET snapshot=excluded.snapshot
`, time.Now().UTC(), string(blob))
	if err != nil {
		return fmt.Errorf("insert account snapshot: %w", err)
	}
	return nil
}

// LatestAccountSnapshot returns the most recent snapshot, if any.
func (a *Archive) LatestAccountSnapshot(ctx context.Context) (ledger.Account, bool, error) {
	var blob string
	err := a.db.QueryRowContext(ctx,
		`SELECT snapshot FROM account_snapshots ORDER BY taken_at DESC LIMIT 1`).Scan(&blob)
	if err == sql.ErrNoRows {
		return ledger.Account{}, false, nil
	}
	if err != nil {
		return ledger.Account{}, false, fmt.Errorf("query account snapshot: %w", err)
	}
	var acct ledger.Account
	if err := json.Unmarshal([]byte(blob), &acct); err != nil {
		return ledger.Account{}, false, fmt.Errorf("unmarshal account snapshot: %w", err)
	}
	return acct, true, nil
}

// OrdersBySymbol returns archived orders for a symbol, newest first.
func (a *Archive) OrdersBySymbol(ctx context.Context, symbol string, limit int) ([]order.Order, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := a.db.QueryContext(ctx, `
SELECT id, symbol, side, quantity, limit_price, state, broker_id, strategy_id,
       filled_qty, avg_fill_price, reject_reason, created_at, updated_at
FROM orders WHERE symbol = ? ORDER BY created_at DESC LIMIT ?
`, symbol, limit)
	if err != nil {
		return nil, fmt.Errorf("query orders: %w", err)
	}
	defer rows.Close()

	var out []order.Order
	for rows.Next() {
		var o order.Order
		var side, state string
		var brokerID, strategyID, rejectReason sql.NullString
		if err := rows.Scan(&o.ID, &o.Symbol, &side, &o.Quantity, &o.LimitPrice,
			&state, &brokerID, &strategyID, &o.FilledQty, &o.AvgFillPrice,
			&rejectReason, &o.CreatedAt, &o.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan order: %w", err)
		}
		o.Side = order.Side(side)
		o.State = order.State(state)
		o.BrokerID = brokerID.String
		o.StrategyID = strategyID.String
		o.RejectReason = rejectReason.String
		out = append(out, o)
	}
	return out, rows.Err()
}
