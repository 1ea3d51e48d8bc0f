// Package plugin defines the lifecycle contract shared by every pipeline
// stage and the wrapper that enforces it.
package plugin

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

var (
	// ErrSetup wraps any failure raised by a stage's setup hook.
	ErrSetup = errors.New("plugin setup failed")
	// ErrNotInitialized is returned when a stage is used before Initialize succeeds.
	ErrNotInitialized = errors.New("plugin not initialized")
	// ErrShutDown is returned when a stage is used after Shutdown.
	ErrShutDown = errors.New("plugin shut down")
)

// State is a stage's lifecycle position.
type State int32

const (
	StateUninitialized State = iota
	StateReady
	StateShutDown
)

func (s State) String() string {
	switch s {
	case StateUninitialized:
		return "uninitialized"
	case StateReady:
		return "ready"
	case StateShutDown:
		return "shut_down"
	}
	return fmt.Sprintf("state(%d)", int32(s))
}

// Plugin is the capability set every stage exposes to the orchestrator.
type Plugin interface {
	Name() string
	State() State
	Initialize(ctx context.Context) error
	Shutdown(ctx context.Context) error
}

// Hooks are the stage-specific pieces driven by a Lifecycle. Either may be nil.
type Hooks struct {
	Setup    func(ctx context.Context) error
	Teardown func(ctx context.Context) error
}

// Lifecycle owns a stage's state machine. Concrete stages embed it and route
// their business calls through Call.
type Lifecycle struct {
	name   string
	hooks  Hooks
	logger *zap.Logger
	tracer trace.Tracer

	mu         sync.RWMutex
	state      State
	setupCount int
}

var _ Plugin = (*Lifecycle)(nil)

// NewLifecycle creates a lifecycle in the Uninitialized state.
func NewLifecycle(name string, logger *zap.Logger, hooks Hooks) *Lifecycle {
	return &Lifecycle{
		name:   name,
		hooks:  hooks,
		logger: logger.Named("plugin").With(zap.String("plugin", name)),
		tracer: otel.Tracer("github.com/optionpilot/trading-backend/internal/plugin"),
	}
}

// Name returns the stage name.
func (l *Lifecycle) Name() string {
	return l.name
}

// State returns the current lifecycle state.
func (l *Lifecycle) State() State {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.state
}

// SetupCount reports how many times the setup hook has run successfully.
func (l *Lifecycle) SetupCount() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.setupCount
}

// Initialize runs setup once. A Ready stage returns immediately; a failed
// setup leaves the stage Uninitialized so the call can be retried.
func (l *Lifecycle) Initialize(ctx context.Context) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	switch l.state {
	case StateReady:
		return nil
	case StateShutDown:
		return fmt.Errorf("initialize %s: %w", l.name, ErrShutDown)
	}

	ctx, span := l.tracer.Start(ctx, l.name+".initialize")
	defer span.End()

	if l.hooks.Setup != nil {
		if err := l.hooks.Setup(ctx); err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
			l.logger.Warn("Plugin setup failed", zap.Error(err))
			return fmt.Errorf("initialize %s: %w: %w", l.name, ErrSetup, err)
		}
	}

	l.setupCount++
	l.state = StateReady
	l.logger.Info("Plugin ready")
	return nil
}

// Shutdown releases resources and moves to ShutDown. It waits for in-flight
// calls to finish and is safe to call more than once.
func (l *Lifecycle) Shutdown(ctx context.Context) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.state == StateShutDown {
		return nil
	}
	wasReady := l.state == StateReady
	l.state = StateShutDown

	if !wasReady || l.hooks.Teardown == nil {
		return nil
	}

	ctx, span := l.tracer.Start(ctx, l.name+".shutdown")
	defer span.End()

	if err := l.hooks.Teardown(ctx); err != nil {
		span.RecordError(err)
		l.logger.Warn("Plugin teardown failed", zap.Error(err))
		return fmt.Errorf("shutdown %s: %w", l.name, err)
	}
	l.logger.Info("Plugin shut down")
	return nil
}

// Call runs fn only while the stage is Ready. The lifecycle read lock is held
// for the duration of fn, so Initialize and Shutdown never interleave with it.
func Call[T any](ctx context.Context, l *Lifecycle, op string, fn func(ctx context.Context) (T, error)) (T, error) {
	var zero T

	l.mu.RLock()
	defer l.mu.RUnlock()

	switch l.state {
	case StateUninitialized:
		return zero, fmt.Errorf("%s.%s: %w", l.name, op, ErrNotInitialized)
	case StateShutDown:
		return zero, fmt.Errorf("%s.%s: %w", l.name, op, ErrShutDown)
	}

	ctx, span := l.tracer.Start(ctx, l.name+"."+op, trace.WithAttributes(
		attribute.String("plugin.name", l.name),
		attribute.String("plugin.op", op),
	))
	defer span.End()

	v, err := fn(ctx)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return zero, err
	}
	return v, nil
}
