// Package sweeper reclaims claims orphaned by a crash between claim and
// ledger write. Claims backed by a successful run are never touched: they
// are the settled markers the idempotency protocol depends on.
package sweeper

import (
	"context"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"
)

// ClaimReclaimer is the store primitive the sweeper drives.
type ClaimReclaimer interface {
	ReleaseStaleClaims(ctx context.Context, olderThan time.Time) (int, error)
}

const (
	// DefaultInterval is how often the sweep runs inside serve.
	DefaultInterval = 5 * time.Minute

	// DefaultGrace is how old a claim must be before it is considered
	// orphaned. It must comfortably exceed the longest plausible gateway
	// call so in-flight work is never reclaimed.
	DefaultGrace = 15 * time.Minute
)

// Sweeper periodically releases stale claims.
type Sweeper struct {
	store    ClaimReclaimer
	interval time.Duration
	grace    time.Duration
}

// New creates a Sweeper. Non-positive interval or grace fall back to the
// defaults.
func New(store ClaimReclaimer, interval, grace time.Duration) *Sweeper {
	if interval <= 0 {
		interval = DefaultInterval
	}
	if grace <= 0 {
		grace = DefaultGrace
	}
	return &Sweeper{store: store, interval: interval, grace: grace}
}

// Run sweeps on the configured interval until ctx is canceled. Individual
// sweep failures are logged and the loop keeps going.
func (s *Sweeper) Run(ctx context.Context) error {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	zap.L().Info("sweeper: started",
		zap.Duration("interval", s.interval),
		zap.Duration("grace", s.grace),
	)

	for {
		select {
		case <-ctx.Done():
			zap.L().Info("sweeper: stopped")
			return ctx.Err()
		case <-ticker.C:
			if _, err := s.SweepOnce(ctx); err != nil {
				zap.L().Error("sweeper: sweep failed", zap.Error(err))
			}
		}
	}
}

// SweepOnce releases claims older than the grace period and returns how
// many were released.
func (s *Sweeper) SweepOnce(ctx context.Context) (int, error) {
	cutoff := time.Now().Add(-s.grace)

	released, err := s.store.ReleaseStaleClaims(ctx, cutoff)
	if err != nil {
		return 0, eris.Wrap(err, "sweeper: release stale claims")
	}
	if released > 0 {
		zap.L().Info("sweeper: released stale claims",
			zap.Int("released", released),
			zap.Time("cutoff", cutoff),
		)
	}
	return released, nil
}
