package journal_test

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/optionpilot/trading-backend/internal/events"
	"github.com/optionpilot/trading-backend/internal/journal"
	"github.com/optionpilot/trading-backend/pkg/types"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

func openJournal(t *testing.T) *journal.Journal {
	t.Helper()
	j, err := journal.Open(zap.NewNop(), filepath.Join(t.TempDir(), "runs.db"))
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	t.Cleanup(func() { j.Close() })
	return j
}

func executedRun(id string, started time.Time) *types.RunResult {
	return &types.RunResult{
		ID:         id,
		Trigger:    "market_open",
		Symbol:     "SPX",
		Status:     types.RunStatusExecuted,
		StartedAt:  started,
		FinishedAt: started.Add(time.Second),
		Market:     &types.MarketData{Symbol: "SPX", Price: 4400, VIX: 16.5, ATR: 45, Timestamp: started},
		Signal:     &types.Signal{Symbol: "SPX", Bias: types.MarketBiasNeutral, Confidence: 0.4},
		Candidate: &types.SpreadCandidate{
			Symbol:      "SPX",
			SpreadType:  types.SpreadTypePut,
			ShortStrike: decimal.NewFromInt(4200),
			LongStrike:  decimal.NewFromInt(4150),
			Credit:      decimal.RequireFromString("0.40"),
			Quantity:    1,
			Expiration:  started.AddDate(0, 0, 31),
		},
		Execution: &types.ExecutionResult{
			OrderID:     "PAPER-" + id,
			Status:      types.OrderStatusFilled,
			FilledPrice: decimal.RequireFromString("0.40"),
			Quantity:    1,
			Commission:  decimal.RequireFromString("1.30"),
			Timestamp:   started,
		},
	}
}

func TestRecordAndRecentRuns(t *testing.T) {
	j := openJournal(t)
	ctx := context.Background()
	base := time.Date(2024, 1, 2, 14, 30, 0, 0, time.UTC)

	if err := j.Record(ctx, executedRun("r1", base)); err != nil {
		t.Fatalf("Record failed: %v", err)
	}
	if err := j.Record(ctx, &types.RunResult{
		ID: "r2", Trigger: "manual", Symbol: "SPX", Status: types.RunStatusFailed,
		FailedStage: types.StageData, Error: "vendor down",
		StartedAt: base.Add(time.Hour), FinishedAt: base.Add(time.Hour),
	}); err != nil {
		t.Fatalf("Record failed: %v", err)
	}
	if err := j.Record(ctx, executedRun("r3", base.Add(2*time.Hour))); err != nil {
		t.Fatalf("Record failed: %v", err)
	}

	runs, err := j.RecentRuns(ctx, 2)
	if err != nil {
		t.Fatalf("RecentRuns failed: %v", err)
	}
	if len(runs) != 2 || runs[0].ID != "r3" || runs[1].ID != "r2" {
		t.Fatalf("Expected [r3 r2], got %v", runs)
	}
	if runs[1].FailedStage != types.StageData || runs[1].Error != "vendor down" {
		t.Errorf("Expected failure details to round-trip, got %+v", runs[1])
	}
	if !runs[0].Candidate.ShortStrike.Equal(decimal.NewFromInt(4200)) {
		t.Errorf("Expected candidate to round-trip, got %+v", runs[0].Candidate)
	}

	n, err := j.SnapshotCount(ctx, "SPX")
	if err != nil {
		t.Fatalf("SnapshotCount failed: %v", err)
	}
	if n != 2 {
		t.Errorf("Expected 2 snapshots, got %d", n)
	}

	trades, err := j.Trades(ctx, 10)
	if err != nil {
		t.Fatalf("Trades failed: %v", err)
	}
	if len(trades) != 2 || trades[0].OrderID != "PAPER-r3" || trades[0].Status != "OPEN" {
		t.Errorf("Expected 2 open trades newest first, got %+v", trades)
	}
	if trades[0].EntryCredit != "0.4" || trades[0].Commission != "1.3" {
		t.Errorf("Unexpected money columns: %+v", trades[0])
	}
}

func TestRecordNilRun(t *testing.T) {
	j := openJournal(t)
	if err := j.Record(context.Background(), nil); err == nil {
		t.Error("Expected error for nil run")
	}
}

func TestJournalSubscribesToRunFinished(t *testing.T) {
	j := openJournal(t)
	bus := events.NewEventBus(zap.NewNop())
	j.Subscribe(bus)

	run := executedRun("r1", time.Now().UTC())
	bus.Publish(&events.RunStartedEvent{BaseEvent: events.NewBaseEvent(events.EventTypeRunStarted), RunID: "r1"})
	bus.Publish(&events.RunFinishedEvent{BaseEvent: events.NewBaseEvent(events.EventTypeRunFinished), Result: run})

	runs, err := j.RecentRuns(context.Background(), 10)
	if err != nil {
		t.Fatalf("RecentRuns failed: %v", err)
	}
	if len(runs) != 1 || runs[0].ID != "r1" {
		t.Errorf("Expected the finished run to be journaled, got %v", runs)
	}
}

func TestRedisPublisherUnreachable(t *testing.T) {
	cfg := journal.DefaultPublisherConfig()
	cfg.Addr = "127.0.0.1:1"
	cfg.Timeout = 200 * time.Millisecond
	p := journal.NewRedisPublisher(zap.NewNop(), cfg)
	defer p.Close()

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	if err := p.Ping(ctx); err == nil {
		t.Error("Expected ping to fail")
	}
	if err := p.Publish(ctx, executedRun("r1", time.Now())); err == nil {
		t.Error("Expected publish to fail")
	}
	if err := p.Publish(ctx, nil); err == nil {
		t.Error("Expected error for nil run")
	}

	// Bus delivery is async and failures stay inside the handler.
	bus := events.NewEventBus(zap.NewNop())
	p.Subscribe(bus)
	bus.Publish(&events.RunFinishedEvent{BaseEvent: events.NewBaseEvent(events.EventTypeRunFinished), Result: executedRun("r2", time.Now())})
	bus.Wait()
	if stats := bus.GetStats(); stats.ProcessingErrors != 1 {
		t.Errorf("Expected 1 processing error, got %d", stats.ProcessingErrors)
	}
}
