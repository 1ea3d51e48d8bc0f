// Package scheduler fires pipeline runs on cron triggers.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"
)

var (
	// ErrInvalidTrigger is returned by Register for a trigger that can never fire.
	ErrInvalidTrigger = errors.New("invalid trigger")
	// ErrDuplicateJob is returned when a trigger id is already registered.
	ErrDuplicateJob = errors.New("job already registered")
	// ErrUnknownJob is returned for an unregistered trigger id.
	ErrUnknownJob = errors.New("unknown job")
	// ErrStopped is returned by RunNow between Stop and the next Start.
	ErrStopped = errors.New("scheduler stopped")
)

var parser = cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow)

// Trigger fires at Hour:Minute on Days in Timezone.
type Trigger struct {
	ID       string `json:"id" mapstructure:"id"`
	Hour     int    `json:"hour" mapstructure:"hour"`
	Minute   int    `json:"minute" mapstructure:"minute"`
	Days     string `json:"days" mapstructure:"days"` // Cron day-of-week field, e.g. mon-fri
	Timezone string `json:"timezone" mapstructure:"timezone"`
}

// MarketOpen is the default trigger: 09:30 New York time on weekdays.
func MarketOpen() Trigger {
	return Trigger{
		ID:       "market_open",
		Hour:     9,
		Minute:   30,
		Days:     "mon-fri",
		Timezone: "America/New_York",
	}
}

// Spec renders the trigger as a cron expression.
func (t Trigger) Spec() string {
	return fmt.Sprintf("CRON_TZ=%s %d %d * * %s", t.Timezone, t.Minute, t.Hour, strings.ToLower(t.Days))
}

// Validate checks every field.
func (t Trigger) Validate() error {
	_, err := t.Schedule()
	return err
}

// Schedule parses the trigger.
func (t Trigger) Schedule() (cron.Schedule, error) {
	if strings.TrimSpace(t.ID) == "" {
		return nil, fmt.Errorf("%w: empty id", ErrInvalidTrigger)
	}
	if t.Hour < 0 || t.Hour > 23 {
		return nil, fmt.Errorf("%w: %s: hour %d", ErrInvalidTrigger, t.ID, t.Hour)
	}
	if t.Minute < 0 || t.Minute > 59 {
		return nil, fmt.Errorf("%w: %s: minute %d", ErrInvalidTrigger, t.ID, t.Minute)
	}
	if strings.TrimSpace(t.Days) == "" || strings.ContainsAny(t.Days, " \t") {
		return nil, fmt.Errorf("%w: %s: days %q", ErrInvalidTrigger, t.ID, t.Days)
	}
	if t.Timezone == "" {
		return nil, fmt.Errorf("%w: %s: empty timezone", ErrInvalidTrigger, t.ID)
	}
	if _, err := time.LoadLocation(t.Timezone); err != nil {
		return nil, fmt.Errorf("%w: %s: timezone: %w", ErrInvalidTrigger, t.ID, err)
	}
	sched, err := parser.Parse(t.Spec())
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %w", ErrInvalidTrigger, t.ID, err)
	}
	return sched, nil
}

// RunFunc is invoked on every fire with the trigger id.
type RunFunc func(ctx context.Context, triggerID string)

// Job describes a registered trigger.
type Job struct {
	ID      string    `json:"id"`
	Spec    string    `json:"spec"`
	NextRun time.Time `json:"next_run"`
	PrevRun time.Time `json:"prev_run,omitempty"`
}

// Scheduler owns the cron instance. Fires run on a context that Stop
// cancels once its deadline passes; Start makes a fresh one.
type Scheduler struct {
	logger *zap.Logger
	cron   *cron.Cron

	mu      sync.RWMutex
	entries map[string]cron.EntryID
	specs   map[string]string
	running bool
	stopped bool

	runCtx    context.Context
	cancelRun context.CancelFunc
	inflight  sync.WaitGroup
}

// New creates a scheduler. Jobs are wrapped with panic recovery and skip a
// fire while the previous one is still running.
func New(logger *zap.Logger) *Scheduler {
	logger = logger.Named("scheduler")
	cl := cronLogger{logger.Sugar()}
	runCtx, cancel := context.WithCancel(context.Background())
	return &Scheduler{
		logger: logger,
		cron: cron.New(
			cron.WithParser(parser),
			cron.WithLogger(cl),
			cron.WithChain(cron.Recover(cl), cron.SkipIfStillRunning(cl)),
		),
		entries:   make(map[string]cron.EntryID),
		specs:     make(map[string]string),
		runCtx:    runCtx,
		cancelRun: cancel,
	}
}

// Register adds a trigger. Invalid triggers and duplicate ids fail.
func (s *Scheduler) Register(t Trigger, fn RunFunc) error {
	sched, err := t.Schedule()
	if err != nil {
		return err
	}
	if fn == nil {
		return fmt.Errorf("%w: %s: nil run func", ErrInvalidTrigger, t.ID)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.entries[t.ID]; ok {
		return fmt.Errorf("%w: %s", ErrDuplicateJob, t.ID)
	}

	id := t.ID
	job := cron.FuncJob(func() {
		ctx, ok := s.enter()
		if !ok {
			s.logger.Warn("Trigger ignored, scheduler stopped", zap.String("trigger", id))
			return
		}
		defer s.inflight.Done()
		s.logger.Info("Trigger fired", zap.String("trigger", id))
		fn(ctx, id)
	})
	s.entries[id] = s.cron.Schedule(sched, job)
	s.specs[id] = t.Spec()

	s.logger.Info("Registered trigger",
		zap.String("trigger", id),
		zap.String("spec", t.Spec()),
		zap.Time("next", sched.Next(time.Now())),
	)
	return nil
}

// Job returns the registered job with its next fire time.
func (s *Scheduler) Job(id string) (Job, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.jobLocked(id)
}

func (s *Scheduler) jobLocked(id string) (Job, bool) {
	entryID, ok := s.entries[id]
	if !ok {
		return Job{}, false
	}
	e := s.cron.Entry(entryID)
	next := e.Next
	if next.IsZero() {
		next = e.Schedule.Next(time.Now())
	}
	return Job{ID: id, Spec: s.specs[id], NextRun: next, PrevRun: e.Prev}, true
}

// Jobs lists every registered job ordered by id.
func (s *Scheduler) Jobs() []Job {
	s.mu.RLock()
	defer s.mu.RUnlock()

	ids := make([]string, 0, len(s.entries))
	for id := range s.entries {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	out := make([]Job, 0, len(ids))
	for _, id := range ids {
		if j, ok := s.jobLocked(id); ok {
			out = append(out, j)
		}
	}
	return out
}

// enter registers a run with Stop's wait group unless the scheduler is
// stopped, and returns the context the run executes under.
func (s *Scheduler) enter() (context.Context, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.stopped {
		return nil, false
	}
	s.inflight.Add(1)
	return s.runCtx, true
}

// RunNow fires the job synchronously through the same wrappers as a
// scheduled fire. It returns ErrStopped after Stop until Start is called.
func (s *Scheduler) RunNow(id string) error {
	s.mu.RLock()
	entryID, ok := s.entries[id]
	stopped := s.stopped
	s.mu.RUnlock()
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownJob, id)
	}
	if stopped {
		return fmt.Errorf("%w: %s", ErrStopped, id)
	}
	s.cron.Entry(entryID).WrappedJob.Run()
	return nil
}

// Start begins firing triggers. After a Stop it resumes with a new run
// context.
func (s *Scheduler) Start() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		return
	}
	if s.stopped {
		s.runCtx, s.cancelRun = context.WithCancel(context.Background())
		s.stopped = false
	}
	s.running = true
	s.cron.Start()
	s.logger.Info("Scheduler started", zap.Int("jobs", len(s.entries)))
}

// Stop stops firing and waits for an in-flight run. When ctx ends first the
// run's context is cancelled and Stop still waits for it to return.
func (s *Scheduler) Stop(ctx context.Context) error {
	s.mu.Lock()
	if s.running {
		s.cron.Stop()
		s.running = false
	}
	s.stopped = true
	cancel := s.cancelRun
	s.mu.Unlock()

	done := make(chan struct{})
	go func() {
		s.inflight.Wait()
		close(done)
	}()

	select {
	case <-done:
		cancel()
		s.logger.Info("Scheduler stopped")
		return nil
	case <-ctx.Done():
		s.logger.Warn("In-flight run outlived shutdown deadline, cancelling")
		cancel()
		<-done
		return ctx.Err()
	}
}

// cronLogger routes cron's own logging through zap.
type cronLogger struct {
	l *zap.SugaredLogger
}

func (c cronLogger) Info(msg string, keysAndValues ...interface{}) {
	c.l.Debugw(msg, keysAndValues...)
}

func (c cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	c.l.Errorw(msg, append(keysAndValues, "error", err)...)
}
