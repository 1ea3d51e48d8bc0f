package orchestrator

import (
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/optionpilot/trading-backend/internal/plugin"
	"go.uber.org/zap"
)

// Role is a pipeline slot filled by exactly one stage implementation.
type Role string

const (
	RoleData     Role = "data"
	RoleSignals  Role = "signals"
	RoleSelector Role = "selector"
	RoleRisk     Role = "risk"
	RoleExecutor Role = "executor"
)

// Roles lists every role in pipeline order.
var Roles = []Role{RoleData, RoleSignals, RoleSelector, RoleRisk, RoleExecutor}

// Valid reports whether r is a known role.
func (r Role) Valid() bool {
	for _, known := range Roles {
		if r == known {
			return true
		}
	}
	return false
}

// Label is the role name used in operator-facing messages.
func (r Role) Label() string {
	switch r {
	case RoleData:
		return "Data"
	case RoleSignals:
		return "Signals"
	case RoleSelector:
		return "Selector"
	case RoleRisk:
		return "Risk"
	case RoleExecutor:
		return "Executor"
	}
	return string(r)
}

// ErrInvalidRegistration is returned by Register for unusable entries.
var ErrInvalidRegistration = errors.New("invalid plugin registration")

// Factory constructs a stage from its options.
type Factory func(logger *zap.Logger, cfg plugin.Config) (plugin.Plugin, error)

// Registry maps (role, implementation name) to factories.
type Registry struct {
	mu        sync.RWMutex
	factories map[Role]map[string]Factory
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{factories: make(map[Role]map[string]Factory)}
}

// Register adds a factory. Unknown roles, empty names, nil factories and
// duplicates are rejected.
func (r *Registry) Register(role Role, name string, factory Factory) error {
	switch {
	case !role.Valid():
		return fmt.Errorf("%w: unknown role %q", ErrInvalidRegistration, role)
	case name == "":
		return fmt.Errorf("%w: empty name for role %s", ErrInvalidRegistration, role)
	case factory == nil:
		return fmt.Errorf("%w: nil factory for %s/%s", ErrInvalidRegistration, role, name)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	byName := r.factories[role]
	if byName == nil {
		byName = make(map[string]Factory)
		r.factories[role] = byName
	}
	if _, dup := byName[name]; dup {
		return fmt.Errorf("%w: %s/%s already registered", ErrInvalidRegistration, role, name)
	}
	byName[name] = factory
	return nil
}

// MustRegister is Register for static wiring at startup.
func (r *Registry) MustRegister(role Role, name string, factory Factory) {
	if err := r.Register(role, name, factory); err != nil {
		panic(err)
	}
}

// Lookup returns the factory for role and name.
func (r *Registry) Lookup(role Role, name string) (Factory, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	f, ok := r.factories[role][name]
	return f, ok
}

// Names lists the implementations registered for role.
func (r *Registry) Names(role Role) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := make([]string, 0, len(r.factories[role]))
	for name := range r.factories[role] {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
