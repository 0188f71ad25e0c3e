package breaker

import (
	"sort"
	"time"

	"github.com/puzpuzpuz/xsync/v4"

	"github.com/Ramsey-B/fern/pkg/models"
)

// StateChangeFunc observes breaker transitions
type StateChangeFunc func(name string, from, to models.CircuitState)

// Registry owns one breaker per integration endpoint. Breakers are created on first use and live for
// the lifetime of the registry.
type Registry struct {
	config        Config
	overrides     map[string]Config
	now           func() time.Time
	onStateChange StateChangeFunc
	breakers      *xsync.Map[string, *Breaker]
}

// RegistryOption configures a Registry
type RegistryOption func(*Registry)

// WithClock replaces the wall clock, used by tests
func WithClock(now func() time.Time) RegistryOption {
	return func(r *Registry) {
		r.now = now
	}
}

// WithStateChange installs a transition observer on every breaker the registry creates
func WithStateChange(fn StateChangeFunc) RegistryOption {
	return func(r *Registry) {
		r.onStateChange = fn
	}
}

// WithOverride sets thresholds for one integration, applied to all its environments
func WithOverride(integration string, config Config) RegistryOption {
	return func(r *Registry) {
		r.overrides[integration] = config
	}
}

// NewRegistry creates an empty registry
func NewRegistry(config Config, opts ...RegistryOption) *Registry {
	r := &Registry{
		config:    config.withDefaults(),
		overrides: make(map[string]Config),
		now:       time.Now,
		breakers:  xsync.NewMap[string, *Breaker](),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Name builds the breaker identity for an integration endpoint
func Name(integration string, environment models.Environment) string {
	return integration + ":" + string(environment)
}

// Get returns the breaker for the endpoint, creating it closed on first use
func (r *Registry) Get(integration string, environment models.Environment) *Breaker {
	name := Name(integration, environment)
	b, _ := r.breakers.LoadOrCompute(name, func() (*Breaker, bool) {
		config := r.config
		if override, ok := r.overrides[integration]; ok {
			config = override.withDefaults()
		}
		b := New(name, config)
		b.now = r.now
		if r.onStateChange != nil {
			b.onStateChange = r.onStateChange
		}
		return b, false
	})
	return b
}

// Lookup returns the breaker only if it already exists
func (r *Registry) Lookup(integration string, environment models.Environment) (*Breaker, bool) {
	return r.breakers.Load(Name(integration, environment))
}

// Snapshot returns the state of every known breaker sorted by name
func (r *Registry) Snapshot() []models.CircuitBreakerState {
	states := make([]models.CircuitBreakerState, 0, r.breakers.Size())
	r.breakers.Range(func(_ string, b *Breaker) bool {
		states = append(states, b.Snapshot())
		return true
	})
	sort.Slice(states, func(i, j int) bool {
		return states[i].Name < states[j].Name
	})
	return states
}

// Reset closes every breaker
func (r *Registry) Reset() {
	r.breakers.Range(func(_ string, b *Breaker) bool {
		b.Reset()
		return true
	})
}
