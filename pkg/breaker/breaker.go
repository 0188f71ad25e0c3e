// Package breaker implements the per-endpoint circuit breakers that gate active health probes.
package breaker

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/Ramsey-B/fern/pkg/models"
)

// ErrCircuitOpen is matched by errors.Is for every rejection
var ErrCircuitOpen = errors.New("circuit breaker is open")

// OpenError is returned when a call is rejected without being attempted
type OpenError struct {
	Name       string
	RetryAfter time.Duration
}

func (e *OpenError) Error() string {
	return fmt.Sprintf("circuit breaker %s is open, retry after %s", e.Name, e.RetryAfter.Round(time.Second))
}

func (e *OpenError) Is(target error) bool {
	return target == ErrCircuitOpen
}

// Config holds the breaker thresholds
type Config struct {
	// FailureThreshold is the number of consecutive failures that opens the circuit
	FailureThreshold int `yaml:"failure_threshold"`

	// SuccessThreshold is the number of half-open successes that closes the circuit
	SuccessThreshold int `yaml:"success_threshold"`

	// OpenTimeout is how long the circuit rejects calls before admitting a probe
	OpenTimeout time.Duration `yaml:"open_timeout"`

	// ResetTimeout clears the failure streak of a closed circuit after a quiet period
	ResetTimeout time.Duration `yaml:"reset_timeout"`
}

// DefaultConfig returns the thresholds used when nothing is configured
func DefaultConfig() Config {
	return Config{
		FailureThreshold: 3,
		SuccessThreshold: 2,
		OpenTimeout:      60 * time.Second,
		ResetTimeout:     5 * time.Minute,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.FailureThreshold <= 0 {
		c.FailureThreshold = d.FailureThreshold
	}
	if c.SuccessThreshold <= 0 {
		c.SuccessThreshold = d.SuccessThreshold
	}
	if c.OpenTimeout <= 0 {
		c.OpenTimeout = d.OpenTimeout
	}
	if c.ResetTimeout <= 0 {
		c.ResetTimeout = d.ResetTimeout
	}
	return c
}

// Breaker is a three-state circuit breaker. All transitions happen under one mutex so that
// concurrent callers observe a single consistent sequence.
type Breaker struct {
	name   string
	config Config
	now    func() time.Time

	// onStateChange runs outside the lock after every transition
	onStateChange func(name string, from, to models.CircuitState)

	mu                   sync.Mutex
	state                models.CircuitState
	consecutiveFailures  int
	consecutiveSuccesses int
	probeInFlight        bool
	openedAt             time.Time
	lastFailureAt        time.Time
	lastSuccessAt        time.Time
}

// New creates a closed breaker
func New(name string, config Config) *Breaker {
	return &Breaker{
		name:   name,
		config: config.withDefaults(),
		now:    time.Now,
		state:  models.CircuitClosed,
	}
}

// Name returns the breaker identity
func (b *Breaker) Name() string {
	return b.name
}

// Execute runs fn if the circuit admits the call and records its outcome.
// Rejected calls return an *OpenError and fn is not invoked.
func (b *Breaker) Execute(ctx context.Context, fn func(ctx context.Context) error) error {
	probe, err := b.admit()
	if err != nil {
		return err
	}

	err = fn(ctx)
	b.record(probe, err == nil)
	return err
}

// admit decides whether a call may proceed. probe is true when the call is the half-open trial.
func (b *Breaker) admit() (probe bool, err error) {
	var transition func()

	b.mu.Lock()
	now := b.now()

	switch b.state {
	case models.CircuitOpen:
		elapsed := now.Sub(b.openedAt)
		if elapsed < b.config.OpenTimeout {
			b.mu.Unlock()
			return false, &OpenError{Name: b.name, RetryAfter: b.config.OpenTimeout - elapsed}
		}
		transition = b.setState(models.CircuitHalfOpen)
		fallthrough
	case models.CircuitHalfOpen:
		if b.probeInFlight {
			b.mu.Unlock()
			return false, &OpenError{Name: b.name, RetryAfter: b.config.OpenTimeout}
		}
		b.probeInFlight = true
		probe = true
	case models.CircuitClosed:
		if b.consecutiveFailures > 0 && now.Sub(b.lastFailureAt) >= b.config.ResetTimeout {
			b.consecutiveFailures = 0
		}
	}
	b.mu.Unlock()

	if transition != nil {
		transition()
	}
	return probe, nil
}

func (b *Breaker) record(probe, success bool) {
	var transition func()

	b.mu.Lock()
	now := b.now()
	if probe {
		b.probeInFlight = false
	}

	if success {
		b.lastSuccessAt = now
		b.consecutiveFailures = 0
		if b.state == models.CircuitHalfOpen {
			b.consecutiveSuccesses++
			if b.consecutiveSuccesses >= b.config.SuccessThreshold {
				transition = b.setState(models.CircuitClosed)
			}
		}
	} else {
		b.lastFailureAt = now
		b.consecutiveSuccesses = 0
		b.consecutiveFailures++
		switch b.state {
		case models.CircuitHalfOpen:
			transition = b.setState(models.CircuitOpen)
		case models.CircuitClosed:
			if b.consecutiveFailures >= b.config.FailureThreshold {
				transition = b.setState(models.CircuitOpen)
			}
		}
	}
	b.mu.Unlock()

	if transition != nil {
		transition()
	}
}

// setState must be called with the lock held. It returns the notification to run after unlocking.
func (b *Breaker) setState(to models.CircuitState) func() {
	from := b.state
	if from == to {
		return nil
	}
	b.state = to

	switch to {
	case models.CircuitOpen:
		b.openedAt = b.now()
		b.consecutiveSuccesses = 0
	case models.CircuitHalfOpen:
		b.consecutiveSuccesses = 0
	case models.CircuitClosed:
		b.consecutiveFailures = 0
		b.consecutiveSuccesses = 0
	}

	if b.onStateChange == nil {
		return nil
	}
	notify := b.onStateChange
	name := b.name
	return func() { notify(name, from, to) }
}

// State returns the current state. An open circuit whose timeout has elapsed still reports OPEN
// until a call moves it to half-open.
func (b *Breaker) State() models.CircuitState {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// Allow reports whether a call made now would be admitted, without reserving the probe slot.
// The second value is how long until an open circuit will admit a probe.
func (b *Breaker) Allow() (bool, time.Duration) {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case models.CircuitOpen:
		elapsed := b.now().Sub(b.openedAt)
		if elapsed < b.config.OpenTimeout {
			return false, b.config.OpenTimeout - elapsed
		}
		return true, 0
	case models.CircuitHalfOpen:
		return !b.probeInFlight, 0
	default:
		return true, 0
	}
}

// Snapshot returns a copy of the breaker state for reporting
func (b *Breaker) Snapshot() models.CircuitBreakerState {
	b.mu.Lock()
	defer b.mu.Unlock()

	return models.CircuitBreakerState{
		Name:                 b.name,
		State:                b.state,
		ConsecutiveFailures:  b.consecutiveFailures,
		ConsecutiveSuccesses: b.consecutiveSuccesses,
		OpenedAt:             timePtr(b.openedAt),
		LastFailureAt:        timePtr(b.lastFailureAt),
		LastSuccessAt:        timePtr(b.lastSuccessAt),
	}
}

// Reset forces the breaker closed and clears its counters
func (b *Breaker) Reset() {
	b.mu.Lock()
	transition := b.setState(models.CircuitClosed)
	b.consecutiveFailures = 0
	b.consecutiveSuccesses = 0
	b.probeInFlight = false
	b.openedAt = time.Time{}
	b.mu.Unlock()

	if transition != nil {
		transition()
	}
}

func timePtr(t time.Time) *time.Time {
	if t.IsZero() {
		return nil
	}
	return &t
}
