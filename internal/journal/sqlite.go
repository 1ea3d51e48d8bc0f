// Package journal persists finished pipeline runs to SQLite and fans them
// out over Redis pub/sub.
package journal

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/optionpilot/trading-backend/internal/events"
	"github.com/optionpilot/trading-backend/pkg/types"
	"go.uber.org/zap"
)

// Trade is a filled order as stored in the trades table.
type Trade struct {
	OrderID     string    `json:"order_id"`
	RunID       string    `json:"run_id"`
	Symbol      string    `json:"symbol"`
	SpreadType  string    `json:"trade_type"`
	ShortStrike string    `json:"short_strike"`
	LongStrike  string    `json:"long_strike"`
	Quantity    int       `json:"quantity"`
	EntryCredit string    `json:"entry_credit"`
	Commission  string    `json:"commission"`
	Expiration  time.Time `json:"expiration_date"`
	EntryDate   time.Time `json:"entry_date"`
	Status      string    `json:"status"`
}

// Journal is the SQLite run journal.
type Journal struct {
	logger *zap.Logger
	db     *sql.DB
}

// Open opens (creating if needed) the journal at path.
func Open(logger *zap.Logger, path string) (*Journal, error) {
	db, err := sql.Open("sqlite3", path+"?_journal_mode=WAL&_synchronous=NORMAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("sqlite open: %w", err)
	}
	// Single writer
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if err := createSchema(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("sqlite schema: %w", err)
	}

	logger = logger.Named("journal")
	logger.Info("Opened run journal", zap.String("path", path))
	return &Journal{logger: logger, db: db}, nil
}

func createSchema(db *sql.DB) error {
	_, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS runs (
			id           TEXT    PRIMARY KEY,
			trigger      TEXT    NOT NULL,
			symbol       TEXT    NOT NULL,
			status       TEXT    NOT NULL,
			failed_stage TEXT,
			error        TEXT,
			note         TEXT,
			started_at   INTEGER NOT NULL,
			finished_at  INTEGER NOT NULL,
			payload      TEXT    NOT NULL
		);
		CREATE INDEX IF NOT EXISTS idx_runs_started ON runs(started_at DESC);

		CREATE TABLE IF NOT EXISTS market_snapshots (
			id                INTEGER PRIMARY KEY AUTOINCREMENT,
			run_id            TEXT    NOT NULL,
			ts                INTEGER NOT NULL,
			symbol            TEXT    NOT NULL,
			price             REAL    NOT NULL,
			vix               REAL    NOT NULL,
			atr               REAL    NOT NULL,
			market_bias       TEXT,
			signal_confidence REAL
		);

		CREATE TABLE IF NOT EXISTS trades (
			order_id        TEXT    PRIMARY KEY,
			run_id          TEXT    NOT NULL,
			symbol          TEXT    NOT NULL,
			trade_type      TEXT    NOT NULL,
			short_strike    TEXT    NOT NULL,
			long_strike     TEXT    NOT NULL,
			quantity        INTEGER NOT NULL,
			entry_credit    TEXT    NOT NULL,
			commission      TEXT    NOT NULL,
			expiration_date INTEGER NOT NULL,
			entry_date      INTEGER NOT NULL,
			status          TEXT    NOT NULL DEFAULT 'OPEN'
		);
	`)
	return err
}

// Record stores run, its market snapshot and any fill in one transaction.
func (j *Journal) Record(ctx context.Context, run *types.RunResult) error {
	if run == nil {
		return errors.New("record: nil run")
	}
	payload, err := json.Marshal(run)
	if err != nil {
		return fmt.Errorf("marshal run %s: %w", run.ID, err)
	}

	tx, err := j.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx, `
		INSERT OR REPLACE INTO runs
			(id, trigger, symbol, status, failed_stage, error, note, started_at, finished_at, payload)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, run.ID, run.Trigger, run.Symbol, string(run.Status), run.FailedStage, run.Error, run.Note,
		run.StartedAt.UnixMilli(), run.FinishedAt.UnixMilli(), string(payload))
	if err != nil {
		return fmt.Errorf("insert run %s: %w", run.ID, err)
	}

	if m := run.Market; m != nil {
		var bias string
		var confidence float64
		if run.Signal != nil {
			bias, confidence = string(run.Signal.Bias), run.Signal.Confidence
		}
		_, err = tx.ExecContext(ctx, `
			INSERT INTO market_snapshots (run_id, ts, symbol, price, vix, atr, market_bias, signal_confidence)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		`, run.ID, m.Timestamp.UnixMilli(), m.Symbol, m.Price, m.VIX, m.ATR, bias, confidence)
		if err != nil {
			return fmt.Errorf("insert snapshot %s: %w", run.ID, err)
		}
	}

	if e, c := run.Execution, run.Candidate; e != nil && c != nil && e.Status == types.OrderStatusFilled {
		_, err = tx.ExecContext(ctx, `
			INSERT OR IGNORE INTO trades
				(order_id, run_id, symbol, trade_type, short_strike, long_strike, quantity,
				 entry_credit, commission, expiration_date, entry_date)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		`, e.OrderID, run.ID, c.Symbol, string(c.SpreadType), c.ShortStrike.String(), c.LongStrike.String(),
			e.Quantity, e.FilledPrice.String(), e.Commission.String(), c.Expiration.UnixMilli(), e.Timestamp.UnixMilli())
		if err != nil {
			return fmt.Errorf("insert trade %s: %w", e.OrderID, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit run %s: %w", run.ID, err)
	}
	return nil
}

// RecentRuns returns up to limit runs, newest first.
func (j *Journal) RecentRuns(ctx context.Context, limit int) ([]*types.RunResult, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := j.db.QueryContext(ctx, `
		SELECT payload FROM runs
		ORDER BY started_at DESC
		LIMIT ?
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("sqlite query runs: %w", err)
	}
	defer rows.Close()

	var runs []*types.RunResult
	for rows.Next() {
		var payload string
		if err := rows.Scan(&payload); err != nil {
			return nil, fmt.Errorf("sqlite scan runs: %w", err)
		}
		var run types.RunResult
		if err := json.Unmarshal([]byte(payload), &run); err != nil {
			return nil, fmt.Errorf("unmarshal run: %w", err)
		}
		runs = append(runs, &run)
	}
	return runs, rows.Err()
}

// Trades returns up to limit filled trades, newest first.
func (j *Journal) Trades(ctx context.Context, limit int) ([]Trade, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := j.db.QueryContext(ctx, `
		SELECT order_id, run_id, symbol, trade_type, short_strike, long_strike, quantity,
		       entry_credit, commission, expiration_date, entry_date, status
		FROM trades
		ORDER BY entry_date DESC
		LIMIT ?
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("sqlite query trades: %w", err)
	}
	defer rows.Close()

	var trades []Trade
	for rows.Next() {
		var t Trade
		var exp, entry int64
		if err := rows.Scan(&t.OrderID, &t.RunID, &t.Symbol, &t.SpreadType, &t.ShortStrike, &t.LongStrike,
			&t.Quantity, &t.EntryCredit, &t.Commission, &exp, &entry, &t.Status); err != nil {
			return nil, fmt.Errorf("sqlite scan trades: %w", err)
		}
		t.Expiration = time.UnixMilli(exp).UTC()
		t.EntryDate = time.UnixMilli(entry).UTC()
		trades = append(trades, t)
	}
	return trades, rows.Err()
}

// SnapshotCount returns the number of stored market snapshots for symbol.
func (j *Journal) SnapshotCount(ctx context.Context, symbol string) (int, error) {
	var n int
	err := j.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM market_snapshots WHERE symbol = ?`, symbol).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("sqlite count snapshots: %w", err)
	}
	return n, nil
}

// Subscribe records every finished run published on bus.
func (j *Journal) Subscribe(bus *events.EventBus) *events.Subscription {
	return bus.Subscribe(events.EventTypeRunFinished, func(e events.Event) error {
		evt, ok := e.(*events.RunFinishedEvent)
		if !ok {
			return nil
		}
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := j.Record(ctx, evt.Result); err != nil {
			j.logger.Error("Failed to record run", zap.Error(err))
			return err
		}
		return nil
	})
}

// Close closes the database.
func (j *Journal) Close() error {
	return j.db.Close()
}
