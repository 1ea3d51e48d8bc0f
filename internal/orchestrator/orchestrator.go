// Package orchestrator wires the pipeline stages: it constructs one instance
// per role from the registry, initializes them, and hands them out.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/optionpilot/trading-backend/internal/plugin"
	"go.uber.org/zap"
)

var (
	// ErrUnknownRole is returned for a role outside Roles.
	ErrUnknownRole = errors.New("unknown role")
	// ErrConstruction covers a missing, unregistered, failing or panicking factory.
	ErrConstruction = errors.New("plugin construction failed")
	// ErrUnavailable is matched by every failure to obtain a stage.
	ErrUnavailable = errors.New("plugin unavailable")
)

// OrchestratorConfig configures the orchestrator.
type OrchestratorConfig struct {
	Implementations map[Role]string // Role to registered implementation name
	Plugin          plugin.Config   // Options handed to every factory
	InitTimeout     time.Duration   // Per-stage Initialize bound
	ShutdownTimeout time.Duration   // Per-stage Shutdown bound
}

// DefaultOrchestratorConfig returns defaults with no implementations chosen.
func DefaultOrchestratorConfig() OrchestratorConfig {
	return OrchestratorConfig{
		Implementations: make(map[Role]string),
		Plugin:          plugin.NewConfig(nil),
		InitTimeout:     10 * time.Second,
		ShutdownTimeout: 5 * time.Second,
	}
}

type entry struct {
	name     string
	instance plugin.Plugin
	err      error // construction or initialization failure
}

// StageStatus is the health view of one role.
type StageStatus struct {
	Role           Role   `json:"role"`
	Implementation string `json:"implementation"`
	Loaded         bool   `json:"loaded"`
	State          string `json:"state"`
	Error          string `json:"error,omitempty"`
}

// Orchestrator owns one stage instance per role. Instances are constructed
// at most once; afterwards only their own lifecycle guards their state.
type Orchestrator struct {
	logger   *zap.Logger
	registry *Registry
	config   OrchestratorConfig

	mu      sync.RWMutex
	entries map[Role]*entry
}

// New creates an orchestrator.
func New(logger *zap.Logger, registry *Registry, config OrchestratorConfig) *Orchestrator {
	return &Orchestrator{
		logger:   logger.Named("orchestrator"),
		registry: registry,
		config:   config,
		entries:  make(map[Role]*entry),
	}
}

// Resolve returns the instance for role, constructing it on first use. A
// failed construction is remembered and returned on every later call.
func (o *Orchestrator) Resolve(role Role) (plugin.Plugin, error) {
	if !role.Valid() {
		return nil, fmt.Errorf("%w: %w: %q", ErrUnavailable, ErrUnknownRole, role)
	}

	o.mu.Lock()
	defer o.mu.Unlock()

	if e, ok := o.entries[role]; ok {
		if e.instance == nil {
			return nil, e.err
		}
		return e.instance, nil
	}

	name := o.config.Implementations[role]
	instance, err := o.construct(role, name)
	e := &entry{name: name, instance: instance}
	if err != nil {
		e.instance = nil
		e.err = fmt.Errorf("%w: %w: %s/%s: %w", ErrUnavailable, ErrConstruction, role, name, err)
		o.logger.Error("Failed to load plugin",
			zap.String("role", string(role)),
			zap.String("implementation", name),
			zap.Error(err),
		)
	} else {
		o.logger.Info("Loaded plugin",
			zap.String("role", string(role)),
			zap.String("implementation", name),
		)
	}
	o.entries[role] = e
	return e.instance, e.err
}

func (o *Orchestrator) construct(role Role, name string) (p plugin.Plugin, err error) {
	if name == "" {
		return nil, errors.New("no implementation configured")
	}
	factory, ok := o.registry.Lookup(role, name)
	if !ok {
		return nil, fmt.Errorf("implementation not registered (have %v)", o.registry.Names(role))
	}

	defer func() {
		if r := recover(); r != nil {
			p, err = nil, fmt.Errorf("factory panicked: %v", r)
		}
	}()
	p, err = factory(o.logger, o.config.Plugin)
	if err == nil && p == nil {
		err = errors.New("factory returned no instance")
	}
	return p, err
}

// Load resolves every role. Failures are logged and joined; one role
// failing never stops the others.
func (o *Orchestrator) Load(ctx context.Context) error {
	var errs []error
	for _, role := range Roles {
		if err := ctx.Err(); err != nil {
			return errors.Join(append(errs, err)...)
		}
		if _, err := o.Resolve(role); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// InitializeAll initializes every constructed stage concurrently, each on its
// own goroutine under its own timeout. Initializers stay off the I/O pool that
// setup hooks use. Failures are recorded per role and joined.
func (o *Orchestrator) InitializeAll(ctx context.Context) error {
	type job struct {
		role Role
		p    plugin.Plugin
	}
	var jobs []job
	o.mu.RLock()
	for _, role := range Roles {
		if e, ok := o.entries[role]; ok && e.instance != nil {
			jobs = append(jobs, job{role, e.instance})
		}
	}
	o.mu.RUnlock()

	errs := make([]error, len(jobs))
	var wg sync.WaitGroup
	for i, j := range jobs {
		wg.Add(1)
		go func(i int, j job) {
			defer wg.Done()
			errs[i] = o.initialize(ctx, j.role, j.p)
		}(i, j)
	}
	wg.Wait()

	o.mu.Lock()
	for i, j := range jobs {
		if errs[i] != nil {
			o.entries[j.role].err = errs[i]
		}
	}
	o.mu.Unlock()

	return errors.Join(errs...)
}

func (o *Orchestrator) initialize(ctx context.Context, role Role, p plugin.Plugin) error {
	if o.config.InitTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, o.config.InitTimeout)
		defer cancel()
	}

	start := time.Now()
	if err := p.Initialize(ctx); err != nil {
		o.logger.Error("Plugin initialization failed",
			zap.String("role", string(role)),
			zap.String("plugin", p.Name()),
			zap.Error(err),
		)
		return fmt.Errorf("initialize %s: %w", role, err)
	}
	o.logger.Info("Plugin initialized",
		zap.String("role", string(role)),
		zap.String("plugin", p.Name()),
		zap.Duration("took", time.Since(start)),
	)
	return nil
}

// Get returns the usable instance for role, or nil when the stage is not
// loaded, failed to initialize, or is not ready. It never constructs.
func (o *Orchestrator) Get(role Role) plugin.Plugin {
	p, _ := o.usable(role)
	return p
}

func (o *Orchestrator) usable(role Role) (plugin.Plugin, error) {
	var p plugin.Plugin
	var err error
	o.mu.RLock()
	if e, ok := o.entries[role]; ok {
		p, err = e.instance, e.err
	}
	o.mu.RUnlock()

	switch {
	case p == nil:
		return nil, fmt.Errorf("%w: %s plugin not loaded", ErrUnavailable, role.Label())
	case err != nil:
		return nil, fmt.Errorf("%w: %s plugin not loaded: %w", ErrUnavailable, role.Label(), err)
	case p.State() != plugin.StateReady:
		return nil, fmt.Errorf("%w: %s plugin not loaded: %s", ErrUnavailable, role.Label(), p.State())
	}
	return p, nil
}

// instance returns whatever was constructed for role, usable or not.
func (o *Orchestrator) instance(role Role) plugin.Plugin {
	o.mu.RLock()
	defer o.mu.RUnlock()
	if e, ok := o.entries[role]; ok {
		return e.instance
	}
	return nil
}

// DataSource returns the data stage.
func (o *Orchestrator) DataSource() (plugin.DataSource, error) {
	return stage[plugin.DataSource](o, RoleData)
}

// SignalGenerator returns the signal stage.
func (o *Orchestrator) SignalGenerator() (plugin.SignalGenerator, error) {
	return stage[plugin.SignalGenerator](o, RoleSignals)
}

// SpreadSelector returns the selector stage.
func (o *Orchestrator) SpreadSelector() (plugin.SpreadSelector, error) {
	return stage[plugin.SpreadSelector](o, RoleSelector)
}

// RiskGate returns the risk stage.
func (o *Orchestrator) RiskGate() (plugin.RiskGate, error) {
	return stage[plugin.RiskGate](o, RoleRisk)
}

// Executor returns the executor stage.
func (o *Orchestrator) Executor() (plugin.Executor, error) {
	return stage[plugin.Executor](o, RoleExecutor)
}

func stage[T any](o *Orchestrator, role Role) (T, error) {
	var zero T
	p, err := o.usable(role)
	if err != nil {
		return zero, err
	}
	t, ok := p.(T)
	if !ok {
		return zero, fmt.Errorf("%w: %s plugin %s does not implement the %s stage", ErrUnavailable, role.Label(), p.Name(), role)
	}
	return t, nil
}

// ShutdownAll shuts stages down in reverse pipeline order.
func (o *Orchestrator) ShutdownAll(ctx context.Context) error {
	var errs []error
	for i := len(Roles) - 1; i >= 0; i-- {
		role := Roles[i]
		p := o.instance(role)
		if p == nil {
			continue
		}
		sctx, cancel := ctx, context.CancelFunc(func() {})
		if o.config.ShutdownTimeout > 0 {
			sctx, cancel = context.WithTimeout(ctx, o.config.ShutdownTimeout)
		}
		err := p.Shutdown(sctx)
		cancel()
		if err != nil {
			o.logger.Error("Plugin shutdown failed", zap.String("role", string(role)), zap.Error(err))
			errs = append(errs, fmt.Errorf("shutdown %s: %w", role, err))
			continue
		}
		o.logger.Info("Plugin shut down", zap.String("role", string(role)))
	}
	return errors.Join(errs...)
}

// Status reports every role.
func (o *Orchestrator) Status() []StageStatus {
	o.mu.RLock()
	defer o.mu.RUnlock()

	out := make([]StageStatus, 0, len(Roles))
	for _, role := range Roles {
		s := StageStatus{
			Role:           role,
			Implementation: o.config.Implementations[role],
			State:          "not_loaded",
		}
		if e, ok := o.entries[role]; ok {
			if e.instance != nil {
				s.Loaded = true
				s.State = e.instance.State().String()
			}
			if e.err != nil {
				s.Error = e.err.Error()
			}
		}
		out = append(out, s)
	}
	return out
}

// Healthy reports whether every role is loaded and ready.
func (o *Orchestrator) Healthy() bool {
	for _, s := range o.Status() {
		if s.State != plugin.StateReady.String() {
			return false
		}
	}
	return true
}
