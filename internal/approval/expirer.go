package approval

import (
	"context"
	"time"

	"github.com/rs/zerolog/log"
)

// Expirer periodically resolves approvals nobody answered in time.
type Expirer struct {
	gate     *Gate
	interval time.Duration
}

func NewExpirer(gate *Gate, interval time.Duration) *Expirer {
	if interval <= 0 {
		interval = 5 * time.Minute
	}
	return &Expirer{
		gate:     gate,
		interval: interval,
	}
}

// Start runs the sweep loop until ctx is cancelled.
func (e *Expirer) Start(ctx context.Context) {
	logger := log.With().Str("component", "approval_expirer").Logger()
	logger.Info().Dur("interval", e.interval).Msg("starting approval expirer")

	ticker := time.NewTicker(e.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			logger.Info().Msg("shutting down approval expirer")
			return
		case <-ticker.C:
			e.sweep(ctx)
		}
	}
}

func (e *Expirer) sweep(ctx context.Context) {
	logger := log.With().Str("component", "approval_expirer").Logger()

	n, err := e.gate.ExpireStale(ctx)
	if err != nil {
		logger.Error().Err(err).Msg("failed to expire stale approvals")
		return
	}
	if n > 0 {
		logger.Info().Int("expired_count", n).Msg("expired stale approvals")
	}
}
