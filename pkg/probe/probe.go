// Package probe runs connectivity checks against third-party integrations.
//
// The Executor is the only path from the availability layer to the network: every probe passes the
// provider budget, the integration's circuit breaker and a timeout race, in that order.
package probe

import (
	"context"
	"time"

	"github.com/Ramsey-B/fern/pkg/models"
)

// Target is what a probe needs to reach one integration endpoint
type Target struct {
	Key         models.StatusKey
	Credentials map[string]string
}

// Outcome is the raw answer of a probe
type Outcome struct {
	Success    bool
	StatusCode int
	Message    string

	// RetryAfter is set when the provider asked us to back off
	RetryAfter time.Duration
	Throttled  bool
}

// Probe tests connectivity to one integration
type Probe interface {
	TestConnection(ctx context.Context, target Target) (Outcome, error)
}

// Func adapts a function to the Probe interface
type Func func(ctx context.Context, target Target) (Outcome, error)

// TestConnection calls f
func (f Func) TestConnection(ctx context.Context, target Target) (Outcome, error) {
	return f(ctx, target)
}
