package models

import "time"

// CircuitState is the state of a circuit breaker
type CircuitState string

const (
	CircuitClosed   CircuitState = "CLOSED"
	CircuitOpen     CircuitState = "OPEN"
	CircuitHalfOpen CircuitState = "HALF_OPEN"
)

// CircuitBreakerState is a point-in-time copy of a breaker's counters
type CircuitBreakerState struct {
	Name                 string       `json:"name"`
	State                CircuitState `json:"state"`
	ConsecutiveFailures  int          `json:"consecutive_failures"`
	ConsecutiveSuccesses int          `json:"consecutive_successes"`
	OpenedAt             *time.Time   `json:"opened_at,omitempty"`
	LastFailureAt        *time.Time   `json:"last_failure_at,omitempty"`
	LastSuccessAt        *time.Time   `json:"last_success_at,omitempty"`
}
