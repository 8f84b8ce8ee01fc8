package payout

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"storefront-escrow/internal/metrics"
)

// ReasonStaleLock is written to lastError when a stuck lock is released.
const ReasonStaleLock = "stale_release_lock"

const reapBatch = 200

// ReapSummary reports one reaper pass.
type ReapSummary struct {
	Scanned     int `json:"scanned"`
	Unlocked    int `json:"unlocked"`
	Quarantined int `json:"quarantined"`
}

// Reaper returns escrows stuck in releasing back to held. The next attempt
// replays the stored transfer key, so the processor returns an earlier
// transfer instead of creating a second one. Refunding escrows are never
// touched.
type Reaper struct {
	store   Store
	after   time.Duration
	logger  *slog.Logger
	metrics *metrics.Metrics
	now     func() time.Time
}

// NewReaper creates a reaper for locks older than after.
func NewReaper(store Store, after time.Duration, logger *slog.Logger, metricRegistry *metrics.Metrics) *Reaper {
	if after <= 0 {
		after = 30 * time.Minute
	}
	return &Reaper{
		store:   store,
		after:   after,
		logger:  logger.With("component", "reaper"),
		metrics: metricRegistry,
		now:     time.Now,
	}
}

// Reap unlocks every escrow locked before now minus the configured age.
func (r *Reaper) Reap(ctx context.Context) (ReapSummary, error) {
	now := r.now()
	lockedBefore := now.Add(-r.after)

	stale, err := r.store.ListStaleReleasing(ctx, lockedBefore, reapBatch)
	if err != nil {
		return ReapSummary{}, fmt.Errorf("list stale locks: %w", err)
	}
	summary := ReapSummary{
		Scanned:     len(stale.Escrows) + len(stale.Quarantined),
		Quarantined: len(stale.Quarantined),
	}
	for _, q := range stale.Quarantined {
		r.logger.Error("malformed releasing escrow needs manual repair", "escrow_id", q.ID, "error", q.Err)
	}

	writeCtx := context.WithoutCancel(ctx)
	for _, e := range stale.Escrows {
		ok, err := r.store.ReleaseStaleLock(writeCtx, e.ID, lockedBefore, now, ReasonStaleLock)
		if err != nil {
			r.logger.Error("failed releasing stale lock", "escrow_id", e.ID, "error", err)
			r.metrics.Errors.WithLabelValues("reaper").Inc()
			continue
		}
		if !ok {
			continue
		}
		summary.Unlocked++
		r.logger.Warn("stale release lock returned to held", "escrow_id", e.ID, "releasing_at", e.ReleasingAt)
	}
	return summary, nil
}
