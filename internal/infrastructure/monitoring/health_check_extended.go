package monitoring

import (
	"context"
	"time"

	"voicerelay/pkg/config"
)

// Pinger is satisfied by the repository factory.
type Pinger interface {
	HealthCheck(ctx context.Context) error
}

// AddStorageCheck adds a readiness check against the storage backends.
func (h *HealthChecker) AddStorageCheck(storage Pinger, timeout time.Duration) {
	h.AddCheck("storage", storage.HealthCheck, timeout)
}

// AddRelayConfigCheck reports a relay route disabled by missing secrets.
// The process stays live; only readiness reflects the problem.
func (h *HealthChecker) AddRelayConfigCheck(cfg *config.Config) {
	h.AddCheck("relay_config", func(ctx context.Context) error {
		return cfg.RelayReady()
	}, time.Second)
}
