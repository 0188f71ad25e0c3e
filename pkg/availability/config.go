package availability

import (
	"time"

	"github.com/Ramsey-B/fern/pkg/models"
)

// Config holds the orchestrator settings
type Config struct {
	// SafeMode disables active probing for every integration
	SafeMode bool `env:"SAFE_MODE" env-default:"false"`
	// Environment is the credential environment checked by the batch operations
	Environment string `env:"STATUS_ENVIRONMENT" env-default:"production"`

	CredentialTimeout time.Duration `env:"CREDENTIAL_TIMEOUT" env-default:"3s"`
	SnapshotTimeout   time.Duration `env:"SNAPSHOT_TIMEOUT" env-default:"2s"`
	PersistTimeout    time.Duration `env:"PERSIST_TIMEOUT" env-default:"5s"`
	// CheckTimeout bounds one integration check inside a batch
	CheckTimeout time.Duration `env:"CHECK_TIMEOUT" env-default:"5s"`
	// ParallelChecks caps concurrent checks of simple integrations
	ParallelChecks int `env:"PARALLEL_CHECKS" env-default:"4"`
	// LocalRefreshWorkers caps in-process probes when no queue is configured
	LocalRefreshWorkers int `env:"LOCAL_REFRESH_WORKERS" env-default:"2"`
	HistoryLimit        int `env:"STATUS_HISTORY_LIMIT" env-default:"10"`
}

// DefaultConfig returns the default orchestrator configuration
func DefaultConfig() Config {
	return Config{}.withDefaults()
}

func (c Config) withDefaults() Config {
	if _, err := models.ParseEnvironment(c.Environment); err != nil || c.Environment == "" {
		c.Environment = string(models.EnvironmentProduction)
	}
	if c.CredentialTimeout <= 0 {
		c.CredentialTimeout = 3 * time.Second
	}
	if c.SnapshotTimeout <= 0 {
		c.SnapshotTimeout = 2 * time.Second
	}
	if c.PersistTimeout <= 0 {
		c.PersistTimeout = 5 * time.Second
	}
	if c.CheckTimeout <= 0 {
		c.CheckTimeout = 5 * time.Second
	}
	if c.ParallelChecks <= 0 {
		c.ParallelChecks = 4
	}
	if c.LocalRefreshWorkers <= 0 {
		c.LocalRefreshWorkers = 2
	}
	if c.HistoryLimit <= 0 {
		c.HistoryLimit = 10
	}
	return c
}

func (c Config) environment() models.Environment {
	return models.Environment(c.Environment)
}
