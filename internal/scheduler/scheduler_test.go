package scheduler_test

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/optionpilot/trading-backend/internal/scheduler"
	"go.uber.org/zap"
)

func noop(ctx context.Context, id string) {}

func TestMarketOpenFiresOnWeekdaysOnly(t *testing.T) {
	s := scheduler.New(zap.NewNop())
	if err := s.Register(scheduler.MarketOpen(), noop); err != nil {
		t.Fatalf("Register failed: %v", err)
	}

	job, ok := s.Job("market_open")
	if !ok {
		t.Fatal("Expected market_open job")
	}
	if job.Spec != "CRON_TZ=America/New_York 30 9 * * mon-fri" {
		t.Errorf("Unexpected spec %q", job.Spec)
	}
	if !job.NextRun.After(time.Now()) {
		t.Errorf("Expected next run in the future, got %v", job.NextRun)
	}

	sched, err := scheduler.MarketOpen().Schedule()
	if err != nil {
		t.Fatalf("Schedule failed: %v", err)
	}
	ny, _ := time.LoadLocation("America/New_York")

	// Saturday 2024-03-09; the DST switch on the 10th must not shift the hour.
	next := time.Date(2024, 3, 9, 12, 0, 0, 0, ny)
	for i := 0; i < 10; i++ {
		next = sched.Next(next)
		local := next.In(ny)
		if wd := local.Weekday(); wd == time.Saturday || wd == time.Sunday {
			t.Errorf("Fire %d on a weekend: %v", i, local)
		}
		if local.Hour() != 9 || local.Minute() != 30 {
			t.Errorf("Fire %d at %02d:%02d, expected 09:30", i, local.Hour(), local.Minute())
		}
	}
}

func TestRegisterRejectsInvalidTriggers(t *testing.T) {
	base := scheduler.MarketOpen()
	tests := []struct {
		name   string
		mutate func(*scheduler.Trigger)
	}{
		{"empty id", func(t *scheduler.Trigger) { t.ID = "" }},
		{"hour too large", func(t *scheduler.Trigger) { t.Hour = 24 }},
		{"negative minute", func(t *scheduler.Trigger) { t.Minute = -1 }},
		{"bad days", func(t *scheduler.Trigger) { t.Days = "funday" }},
		{"empty days", func(t *scheduler.Trigger) { t.Days = "" }},
		{"unknown timezone", func(t *scheduler.Trigger) { t.Timezone = "Mars/Olympus_Mons" }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tr := base
			tt.mutate(&tr)
			s := scheduler.New(zap.NewNop())
			if err := s.Register(tr, noop); !errors.Is(err, scheduler.ErrInvalidTrigger) {
				t.Errorf("Expected ErrInvalidTrigger, got %v", err)
			}
			if len(s.Jobs()) != 0 {
				t.Error("Expected no job registered")
			}
		})
	}
}

func TestDuplicateID(t *testing.T) {
	s := scheduler.New(zap.NewNop())
	if err := s.Register(scheduler.MarketOpen(), noop); err != nil {
		t.Fatalf("Register failed: %v", err)
	}
	if err := s.Register(scheduler.MarketOpen(), noop); !errors.Is(err, scheduler.ErrDuplicateJob) {
		t.Errorf("Expected ErrDuplicateJob, got %v", err)
	}

	mc := scheduler.MarketOpen()
	mc.ID, mc.Hour, mc.Minute = "market_close", 15, 45
	if err := s.Register(mc, noop); err != nil {
		t.Fatalf("Register failed: %v", err)
	}
	jobs := s.Jobs()
	if len(jobs) != 2 || jobs[0].ID != "market_close" || jobs[1].ID != "market_open" {
		t.Errorf("Expected 2 jobs sorted by id, got %+v", jobs)
	}
}

func TestRunNowRecoversAndSkips(t *testing.T) {
	s := scheduler.New(zap.NewNop())

	var calls atomic.Int32
	release := make(chan struct{})
	err := s.Register(scheduler.MarketOpen(), func(ctx context.Context, id string) {
		if calls.Add(1) == 1 {
			<-release
			return
		}
		panic("stage exploded")
	})
	if err != nil {
		t.Fatalf("Register failed: %v", err)
	}

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		s.RunNow("market_open")
	}()

	deadline := time.Now().Add(time.Second)
	for calls.Load() == 0 && time.Now().Before(deadline) {
		time.Sleep(time.Millisecond)
	}

	// Still running: skipped without calling fn.
	s.RunNow("market_open")
	if calls.Load() != 1 {
		t.Errorf("Expected overlapping fire to be skipped, got %d calls", calls.Load())
	}

	close(release)
	wg.Wait()

	// Panics are recovered.
	if err := s.RunNow("market_open"); err != nil {
		t.Fatalf("RunNow failed: %v", err)
	}
	if calls.Load() != 2 {
		t.Errorf("Expected 2 calls, got %d", calls.Load())
	}

	if err := s.RunNow("nope"); !errors.Is(err, scheduler.ErrUnknownJob) {
		t.Errorf("Expected ErrUnknownJob, got %v", err)
	}
}

func TestStopCancelsInFlightRunAfterDeadline(t *testing.T) {
	s := scheduler.New(zap.NewNop())
	started := make(chan struct{})
	var cancelled atomic.Bool
	err := s.Register(scheduler.MarketOpen(), func(ctx context.Context, id string) {
		close(started)
		<-ctx.Done()
		cancelled.Store(true)
	})
	if err != nil {
		t.Fatalf("Register failed: %v", err)
	}
	s.Start()

	go s.RunNow("market_open")
	<-started

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if err := s.Stop(ctx); !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("Expected DeadlineExceeded, got %v", err)
	}
	if !cancelled.Load() {
		t.Error("Expected the run to see cancellation before Stop returned")
	}
}

func TestStopWaitsForRun(t *testing.T) {
	s := scheduler.New(zap.NewNop())
	started := make(chan struct{})
	var finished atomic.Bool
	err := s.Register(scheduler.MarketOpen(), func(ctx context.Context, id string) {
		close(started)
		time.Sleep(30 * time.Millisecond)
		finished.Store(ctx.Err() == nil)
	})
	if err != nil {
		t.Fatalf("Register failed: %v", err)
	}
	s.Start()

	go s.RunNow("market_open")
	<-started

	if err := s.Stop(context.Background()); err != nil {
		t.Fatalf("Stop failed: %v", err)
	}
	if !finished.Load() {
		t.Error("Expected run to finish uncancelled")
	}
}

func TestRestartAfterStop(t *testing.T) {
	s := scheduler.New(zap.NewNop())
	var calls atomic.Int32
	var live atomic.Bool
	err := s.Register(scheduler.MarketOpen(), func(ctx context.Context, id string) {
		calls.Add(1)
		live.Store(ctx.Err() == nil)
	})
	if err != nil {
		t.Fatalf("Register failed: %v", err)
	}

	s.Start()
	if err := s.Stop(context.Background()); err != nil {
		t.Fatalf("Stop failed: %v", err)
	}

	if err := s.RunNow("market_open"); !errors.Is(err, scheduler.ErrStopped) {
		t.Errorf("Expected ErrStopped, got %v", err)
	}
	if calls.Load() != 0 {
		t.Errorf("Expected no run while stopped, got %d", calls.Load())
	}

	s.Start()
	defer s.Stop(context.Background())
	if err := s.RunNow("market_open"); err != nil {
		t.Fatalf("RunNow failed: %v", err)
	}
	if calls.Load() != 1 {
		t.Errorf("Expected 1 run after restart, got %d", calls.Load())
	}
	if !live.Load() {
		t.Error("Expected a live run context after restart")
	}
}
