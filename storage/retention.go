package storage

import (
	"context"
	"time"

	"threatwatch/util/goroutine"

	"go.uber.org/zap"
)

// RetentionManager periodically deletes events older than the retention period
type RetentionManager struct {
	events    *SQLiteEventStore
	retention time.Duration
	interval  time.Duration
	logger    *zap.SugaredLogger
	now       func() time.Time
}

// NewRetentionManager creates a new retention manager
func NewRetentionManager(events *SQLiteEventStore, retention, interval time.Duration, logger *zap.SugaredLogger) *RetentionManager {
	return &RetentionManager{
		events:    events,
		retention: retention,
		interval:  interval,
		logger:    logger,
		now:       time.Now,
	}
}

// Run sweeps on every tick until ctx is cancelled
func (rm *RetentionManager) Run(ctx context.Context) {
	defer goroutine.Recover("retention-manager", rm.logger)

	ticker := time.NewTicker(rm.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			rm.Sweep(ctx)
		case <-ctx.Done():
			return
		}
	}
}

// Sweep performs one retention pass
func (rm *RetentionManager) Sweep(ctx context.Context) int64 {
	cutoff := rm.now().Add(-rm.retention)
	removed, err := rm.events.RetentionSweep(ctx, cutoff)
	if err != nil {
		rm.logger.Errorw("Event retention sweep failed", "cutoff", cutoff, "error", err)
		return 0
	}
	if removed > 0 {
		rm.logger.Infow("Event retention sweep completed", "removed", removed, "cutoff", cutoff)
	}
	return removed
}
