package availability

import (
	"errors"
	"fmt"

	"github.com/Ramsey-B/fern/pkg/bounded"
	"github.com/Ramsey-B/fern/pkg/breaker"
	"github.com/Ramsey-B/fern/pkg/models"
	"github.com/Ramsey-B/fern/pkg/probe"
)

var (
	// ErrConfigurationMissing means required credential fields are absent. Terminal, never retried.
	ErrConfigurationMissing = errors.New("configuration missing")

	// ErrCredentialInvalid means the credentials could not be read or decrypted
	ErrCredentialInvalid = errors.New("credential invalid")

	// ErrCredentialExpired means the stored credential expiry has passed
	ErrCredentialExpired = errors.New("credential expired")

	// ErrProbeTimeout is the probe deadline winning the race
	ErrProbeTimeout = bounded.ErrTimeout

	// ErrProbeFailed is a probe that ran and reported the integration unhealthy. Retryable.
	ErrProbeFailed = errors.New("probe failed")

	// ErrCircuitOpen is a breaker rejecting the probe without a call
	ErrCircuitOpen = breaker.ErrCircuitOpen

	// ErrUnknownIntegration means the registry does not declare the integration
	ErrUnknownIntegration = errors.New("unknown integration")
)

// Actionable reports whether err is one a user can fix: configure or reauthorize
func Actionable(err error) bool {
	return errors.Is(err, ErrConfigurationMissing) ||
		errors.Is(err, ErrCredentialInvalid) ||
		errors.Is(err, ErrCredentialExpired)
}

func unknownIntegration(name string) error {
	return fmt.Errorf("%w: %s", ErrUnknownIntegration, name)
}

// probeError returns the retryable error of a probe result. Breaker rejections and throttled or
// skipped probes are not errors: retrying them early cannot help.
func probeError(result probe.Result) error {
	switch {
	case result.CircuitOpen, result.Throttled, result.Skipped:
		return nil
	case result.TimedOut:
		return fmt.Errorf("%w: %s", ErrProbeTimeout, result.Message)
	case result.Health == models.HealthUnhealthy:
		return fmt.Errorf("%w: %s", ErrProbeFailed, result.Message)
	}
	return nil
}

func wrap(sentinel error, format string, args ...any) string {
	return fmt.Errorf("%w: %s", sentinel, fmt.Sprintf(format, args...)).Error()
}
