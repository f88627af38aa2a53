// Package worker contains the background coordinators that keep the
// local replica converging with the gateway without blocking callers.
package worker

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/hyperengineering/satchel/internal/engine"
)

// Syncer defines the sync operations the coordinator drives.
// Implemented by engine.Engine.
type Syncer interface {
	Drain(ctx context.Context) (*engine.DrainStats, error)
	Refresh(ctx context.Context, collection string) error
}

// SyncCoordinator periodically drains the outbox and refreshes the
// configured collections. The engine's own guards make overlapping
// invocations safe; the coordinator treats a guard rejection as a
// cycle that was already in progress, not a failure.
type SyncCoordinator struct {
	syncer      Syncer
	interval    time.Duration
	collections []string
}

// NewSyncCoordinator creates a coordinator that syncs on the given
// interval. collections lists the collections to refresh each cycle;
// an empty list still drains the outbox.
func NewSyncCoordinator(syncer Syncer, interval time.Duration, collections []string) *SyncCoordinator {
	return &SyncCoordinator{
		syncer:      syncer,
		interval:    interval,
		collections: collections,
	}
}

// Run starts the sync loop. It blocks until ctx is cancelled.
//
// The first cycle runs immediately on start: intents queued while the
// process was down should move as soon as connectivity allows, not one
// interval later.
func (c *SyncCoordinator) Run(ctx context.Context) {
	slog.Info("sync coordinator started",
		"component", "worker",
		"worker", "sync-coordinator",
		"interval", c.interval.String(),
		"collections", len(c.collections),
	)

	ticker := time.NewTicker(c.interval)
	defer ticker.Stop()

	c.cycle(ctx)

	for {
		select {
		case <-ctx.Done():
			slog.Info("sync coordinator stopped",
				"component", "worker",
				"worker", "sync-coordinator",
				"reason", "context_cancelled",
			)
			return
		case <-ticker.C:
			c.cycle(ctx)
		}
	}
}

// cycle runs one drain plus the refresh fan-out, continuing past
// individual failures.
func (c *SyncCoordinator) cycle(ctx context.Context) {
	start := time.Now()

	stats, err := c.syncer.Drain(ctx)
	switch {
	case errors.Is(err, engine.ErrDrainInProgress):
		slog.Debug("drain already running, skipping cycle",
			"component", "worker",
			"worker", "sync-coordinator",
		)
		return
	case err != nil:
		if ctx.Err() != nil {
			return // Graceful shutdown
		}
		slog.Error("drain failed",
			"component", "worker",
			"worker", "sync-coordinator",
			"error", err,
		)
	case stats.Skipped:
		slog.Debug("sync cycle skipped while offline",
			"component", "worker",
			"worker", "sync-coordinator",
		)
		return
	}

	var refreshed, failed int
	for _, collection := range c.collections {
		if ctx.Err() != nil {
			return // Graceful shutdown
		}
		if c.refresh(ctx, collection) {
			refreshed++
		} else {
			failed++
		}
	}

	if stats != nil && (stats.Delivered > 0 || stats.DeadLettered > 0 || refreshed > 0 || failed > 0) {
		slog.Info("sync cycle completed",
			"component", "worker",
			"worker", "sync-coordinator",
			"delivered", stats.Delivered,
			"deferred", stats.Deferred,
			"dead_lettered", stats.DeadLettered,
			"collections_refreshed", refreshed,
			"collections_failed", failed,
			"duration_ms", time.Since(start).Milliseconds(),
		)
	}
}

// refresh pulls one collection. Returns true on success.
func (c *SyncCoordinator) refresh(ctx context.Context, collection string) bool {
	err := c.syncer.Refresh(ctx, collection)
	if err == nil || errors.Is(err, engine.ErrRefreshInProgress) {
		return true
	}
	if ctx.Err() != nil {
		return false // Graceful shutdown, don't log as error
	}
	slog.Warn("refresh failed",
		"component", "worker",
		"worker", "sync-coordinator",
		"collection", collection,
		"error", err,
	)
	return false
}
