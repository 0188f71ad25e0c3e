package breaker

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/Ramsey-B/fern/pkg/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2025, 1, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

var errProbe = errors.New("probe failed")

func fail(context.Context) error    { return errProbe }
func succeed(context.Context) error { return nil }

func newTestBreaker(clock *fakeClock) *Breaker {
	b := New("ebay:production", DefaultConfig())
	b.now = clock.Now
	return b
}

func TestBreaker_OpensAfterThreshold(t *testing.T) {
	clock := newFakeClock()
	b := newTestBreaker(clock)
	ctx := context.Background()

	assert.ErrorIs(t, b.Execute(ctx, fail), errProbe)
	assert.ErrorIs(t, b.Execute(ctx, fail), errProbe)
	assert.Equal(t, models.CircuitClosed, b.State())

	assert.ErrorIs(t, b.Execute(ctx, fail), errProbe)
	assert.Equal(t, models.CircuitOpen, b.State())

	called := false
	err := b.Execute(ctx, func(context.Context) error {
		called = true
		return nil
	})
	assert.False(t, called)
	assert.ErrorIs(t, err, ErrCircuitOpen)

	var openErr *OpenError
	require.ErrorAs(t, err, &openErr)
	assert.Equal(t, 60*time.Second, openErr.RetryAfter)
}

func TestBreaker_SuccessResetsStreak(t *testing.T) {
	clock := newFakeClock()
	b := newTestBreaker(clock)
	ctx := context.Background()

	_ = b.Execute(ctx, fail)
	_ = b.Execute(ctx, fail)
	_ = b.Execute(ctx, succeed)
	_ = b.Execute(ctx, fail)
	_ = b.Execute(ctx, fail)

	assert.Equal(t, models.CircuitClosed, b.State())
	assert.Equal(t, 2, b.Snapshot().ConsecutiveFailures)
}

func TestBreaker_ResetTimeoutClearsStaleFailures(t *testing.T) {
	clock := newFakeClock()
	b := newTestBreaker(clock)
	ctx := context.Background()

	_ = b.Execute(ctx, fail)
	_ = b.Execute(ctx, fail)
	clock.Advance(6 * time.Minute)
	_ = b.Execute(ctx, fail)

	assert.Equal(t, models.CircuitClosed, b.State())
	assert.Equal(t, 1, b.Snapshot().ConsecutiveFailures)
}

func TestBreaker_HalfOpenRecovery(t *testing.T) {
	clock := newFakeClock()
	b := newTestBreaker(clock)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		_ = b.Execute(ctx, fail)
	}
	require.Equal(t, models.CircuitOpen, b.State())

	clock.Advance(30 * time.Second)
	allowed, retryAfter := b.Allow()
	assert.False(t, allowed)
	assert.Equal(t, 30*time.Second, retryAfter)

	clock.Advance(31 * time.Second)
	// elapsed timeout alone does not change the reported state
	assert.Equal(t, models.CircuitOpen, b.State())

	require.NoError(t, b.Execute(ctx, succeed))
	assert.Equal(t, models.CircuitHalfOpen, b.State())

	require.NoError(t, b.Execute(ctx, succeed))
	assert.Equal(t, models.CircuitClosed, b.State())
	assert.Equal(t, 0, b.Snapshot().ConsecutiveFailures)
}

func TestBreaker_HalfOpenFailureReopens(t *testing.T) {
	clock := newFakeClock()
	b := newTestBreaker(clock)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		_ = b.Execute(ctx, fail)
	}
	clock.Advance(61 * time.Second)

	assert.ErrorIs(t, b.Execute(ctx, fail), errProbe)
	assert.Equal(t, models.CircuitOpen, b.State())

	err := b.Execute(ctx, succeed)
	assert.ErrorIs(t, err, ErrCircuitOpen)
}

func TestBreaker_HalfOpenAdmitsSingleProbe(t *testing.T) {
	clock := newFakeClock()
	b := newTestBreaker(clock)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		_ = b.Execute(ctx, fail)
	}
	clock.Advance(61 * time.Second)

	release := make(chan struct{})
	started := make(chan struct{})
	done := make(chan error)
	go func() {
		done <- b.Execute(ctx, func(context.Context) error {
			close(started)
			<-release
			return nil
		})
	}()
	<-started

	err := b.Execute(ctx, succeed)
	assert.ErrorIs(t, err, ErrCircuitOpen)

	close(release)
	assert.NoError(t, <-done)
	assert.Equal(t, models.CircuitHalfOpen, b.State())
}

func TestBreaker_StateChangeCallback(t *testing.T) {
	clock := newFakeClock()
	var transitions []models.CircuitState

	r := NewRegistry(DefaultConfig(), WithClock(clock.Now), WithStateChange(func(_ string, _, to models.CircuitState) {
		transitions = append(transitions, to)
	}))
	b := r.Get("amazon", models.EnvironmentSandbox)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		_ = b.Execute(ctx, fail)
	}
	clock.Advance(61 * time.Second)
	_ = b.Execute(ctx, succeed)
	_ = b.Execute(ctx, succeed)

	assert.Equal(t, []models.CircuitState{models.CircuitOpen, models.CircuitHalfOpen, models.CircuitClosed}, transitions)
}

func TestRegistry_GetReturnsSameBreaker(t *testing.T) {
	r := NewRegistry(DefaultConfig())

	a := r.Get("ebay", models.EnvironmentProduction)
	b := r.Get("ebay", models.EnvironmentProduction)
	c := r.Get("ebay", models.EnvironmentSandbox)

	assert.Same(t, a, b)
	assert.NotSame(t, a, c)
	assert.Equal(t, "ebay:sandbox", c.Name())

	_, ok := r.Lookup("paypal", models.EnvironmentProduction)
	assert.False(t, ok)
}

func TestRegistry_OverrideAndSnapshot(t *testing.T) {
	clock := newFakeClock()
	r := NewRegistry(DefaultConfig(), WithClock(clock.Now), WithOverride("groq", Config{FailureThreshold: 1}))
	ctx := context.Background()

	_ = r.Get("groq", models.EnvironmentProduction).Execute(ctx, fail)
	_ = r.Get("ebay", models.EnvironmentProduction).Execute(ctx, fail)

	states := r.Snapshot()
	require.Len(t, states, 2)
	assert.Equal(t, "ebay:production", states[0].Name)
	assert.Equal(t, models.CircuitClosed, states[0].State)
	assert.Equal(t, "groq:production", states[1].Name)
	assert.Equal(t, models.CircuitOpen, states[1].State)
	assert.NotNil(t, states[1].OpenedAt)

	r.Reset()
	assert.Equal(t, models.CircuitClosed, r.Get("groq", models.EnvironmentProduction).State())
}
