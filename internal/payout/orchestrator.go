// Package payout releases held escrows to sellers.
package payout

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"storefront-escrow/internal/escrow"
	"storefront-escrow/internal/metrics"
	"storefront-escrow/internal/notify"
	"storefront-escrow/internal/policy"
	"storefront-escrow/internal/repo"
	"storefront-escrow/internal/transfer"
)

const (
	// MaxLimit caps the releases of one batch.
	MaxLimit         = 200
	defaultLimit     = 50
	defaultOverfetch = 3

	reasonLocked          = "locked"
	reasonNotHeld         = "not_held"
	reasonSiteUnavailable = "site_unavailable"
	reasonMalformed       = "malformed_record"
	reasonCancelled       = "cancelled"
)

// Store is the escrow persistence the orchestrator needs.
type Store interface {
	GetEscrow(ctx context.Context, id string) (escrow.Escrow, error)
	FindDueEscrows(ctx context.Context, filter repo.EscrowFilter) (repo.Candidates, error)
	LockForRelease(ctx context.Context, id string, now time.Time) (bool, error)
	LockForRefund(ctx context.Context, id string, now time.Time) (bool, error)
	CommitTransferred(ctx context.Context, id, transferID string, now time.Time) error
	CommitRefunded(ctx context.Context, id, refundID string, now time.Time) error
	RollbackToHeld(ctx context.Context, id, reason string, now time.Time) error
	RollbackRefund(ctx context.Context, id, reason string, now time.Time) error
	RecordError(ctx context.Context, id, reason string, now time.Time) error
	ListStaleReleasing(ctx context.Context, lockedBefore time.Time, limit int) (repo.Candidates, error)
	ReleaseStaleLock(ctx context.Context, id string, lockedBefore, now time.Time, reason string) (bool, error)
	GetSite(ctx context.Context, siteKey string) (*repo.Site, error)
}

// Executor moves funds for one locked escrow.
type Executor interface {
	Execute(ctx context.Context, e escrow.Escrow) (transfer.Result, error)
}

// Config tunes batch sizes.
type Config struct {
	DefaultLimit int
	Overfetch    int
}

// Options select what one batch processes.
type Options struct {
	Mode     policy.Mode
	SiteKey  string
	EscrowID string
	Limit    int
}

// Summary is the aggregate outcome of one batch.
type Summary struct {
	Queried     int            `json:"queried"`
	Due         int            `json:"due"`
	Released    int            `json:"released"`
	Skipped     int            `json:"skipped"`
	Failed      int            `json:"failed"`
	Suspended   *bool          `json:"suspended,omitempty"`
	Reason      string         `json:"reason,omitempty"`
	SkipReasons map[string]int `json:"skipReasons,omitempty"`
}

func (s *Summary) skip(reason string) {
	s.Skipped++
	if s.SkipReasons == nil {
		s.SkipReasons = map[string]int{}
	}
	s.SkipReasons[reason]++
}

// Orchestrator runs release batches. Concurrent batches, in this process or
// others, are safe: only the caller that wins LockForRelease transfers.
type Orchestrator struct {
	cfg      Config
	store    Store
	executor Executor
	flags    FlagSource
	notifier notify.Notifier
	logger   *slog.Logger
	metrics  *metrics.Metrics
	now      func() time.Time
}

// New creates an orchestrator.
func New(cfg Config, store Store, executor Executor, flags FlagSource, notifier notify.Notifier, logger *slog.Logger, metricRegistry *metrics.Metrics) *Orchestrator {
	if cfg.DefaultLimit <= 0 {
		cfg.DefaultLimit = defaultLimit
	}
	if cfg.Overfetch <= 0 {
		cfg.Overfetch = defaultOverfetch
	}
	return &Orchestrator{
		cfg:      cfg,
		store:    store,
		executor: executor,
		flags:    flags,
		notifier: notifier,
		logger:   logger.With("component", "payout"),
		metrics:  metricRegistry,
		now:      time.Now,
	}
}

// SweepAuto is the scheduled global sweep.
func (o *Orchestrator) SweepAuto(ctx context.Context, limit int) (Summary, error) {
	return o.Run(ctx, Options{Mode: policy.ModeAuto, Limit: limit})
}

// ReleaseOne force-releases a single escrow. Returns repo.ErrNotFound for unknown ids.
func (o *Orchestrator) ReleaseOne(ctx context.Context, escrowID string) (Summary, error) {
	return o.Run(ctx, Options{Mode: policy.ModeForced, EscrowID: escrowID, Limit: 1})
}

// SweepSite releases the escrows of one site in the selected mode.
func (o *Orchestrator) SweepSite(ctx context.Context, siteKey string, mode policy.Mode, limit int) (Summary, error) {
	return o.Run(ctx, Options{Mode: mode, SiteKey: siteKey, Limit: limit})
}

// Run executes one batch. Record-level failures are counted, never returned;
// only a failed candidate query is an error. A cancelled ctx stops the batch
// before the next lock; writes for an escrow already in flight still land.
func (o *Orchestrator) Run(ctx context.Context, opts Options) (Summary, error) {
	if opts.Mode == "" {
		opts.Mode = policy.ModeAuto
	}
	limit := o.clampLimit(opts.Limit)
	now := o.now()
	var summary Summary

	global := o.globalFlags(ctx)
	if opts.Mode == policy.ModeAuto && global.AutoPayoutsDisabled {
		summary.Reason = policy.ReasonAutoDisabledGlobal
		o.logger.Info("auto payouts disabled globally, sweep skipped")
		return summary, nil
	}

	sites := newSiteCache(o.store)
	if opts.SiteKey != "" {
		site, err := sites.get(ctx, opts.SiteKey)
		if err != nil {
			return summary, fmt.Errorf("load site %s: %w", opts.SiteKey, err)
		}
		suspended := site.PayoutsSuspended
		summary.Suspended = &suspended
		if suspended {
			o.logger.Info("site payouts suspended, sweep skipped", "site_key", opts.SiteKey)
			return summary, nil
		}
	}

	candidates, err := o.candidates(ctx, opts, limit)
	if err != nil {
		return summary, err
	}
	summary.Queried = len(candidates.Escrows) + len(candidates.Quarantined)

	for _, q := range candidates.Quarantined {
		summary.Failed++
		o.metrics.EscrowReleases.WithLabelValues(string(opts.Mode), "failed").Inc()
		o.logger.Error("malformed escrow record quarantined", "escrow_id", q.ID, "error", q.Err)
		if q.ID != "" {
			if err := o.store.RecordError(context.WithoutCancel(ctx), q.ID, reasonMalformed, now); err != nil {
				o.logger.Warn("failed recording malformed escrow", "escrow_id", q.ID, "error", err)
			}
		}
	}

	for _, e := range candidates.Escrows {
		if summary.Released >= limit {
			break
		}
		if err := ctx.Err(); err != nil {
			summary.Reason = reasonCancelled
			o.logger.Warn("release batch cancelled", "error", err, "released", summary.Released)
			break
		}
		o.process(ctx, e, opts.Mode, global, sites, now, &summary)
	}

	o.logger.Info("release batch finished",
		"mode", opts.Mode,
		"site_key", opts.SiteKey,
		"escrow_id", opts.EscrowID,
		"queried", summary.Queried,
		"due", summary.Due,
		"released", summary.Released,
		"skipped", summary.Skipped,
		"failed", summary.Failed,
	)
	return summary, nil
}

func (o *Orchestrator) candidates(ctx context.Context, opts Options, limit int) (repo.Candidates, error) {
	if opts.EscrowID != "" {
		e, err := o.store.GetEscrow(ctx, opts.EscrowID)
		switch {
		case errors.Is(err, escrow.ErrMalformed):
			return repo.Candidates{Quarantined: []repo.Quarantined{{ID: opts.EscrowID, Err: err}}}, nil
		case err != nil:
			return repo.Candidates{}, fmt.Errorf("load escrow %s: %w", opts.EscrowID, err)
		}
		return repo.Candidates{Escrows: []escrow.Escrow{e}}, nil
	}

	res, err := o.store.FindDueEscrows(ctx, repo.EscrowFilter{
		SiteKey: opts.SiteKey,
		Limit:   limit * o.cfg.Overfetch,
	})
	if err != nil {
		return repo.Candidates{}, fmt.Errorf("query escrows: %w", err)
	}
	return res, nil
}

func (o *Orchestrator) process(ctx context.Context, e escrow.Escrow, mode policy.Mode, global escrow.GlobalFlags, sites *siteCache, now time.Time, summary *Summary) {
	log := o.logger.With("escrow_id", e.ID, "site_key", e.SiteKey, "mode", mode)
	// Writes after the processor call must not be dropped by a cancelled request.
	writeCtx := context.WithoutCancel(ctx)

	if e.Status != escrow.StatusHeld {
		o.record(mode, "skipped")
		summary.skip(reasonNotHeld)
		return
	}

	site, err := sites.get(ctx, e.SiteKey)
	if err != nil {
		log.Warn("site lookup failed, escrow skipped", "error", err)
		o.record(mode, "skipped")
		summary.skip(reasonSiteUnavailable)
		return
	}

	decision := policy.Decide(e, now, site.Flags(), global, mode)
	switch decision.Kind {
	case policy.Skip:
		o.record(mode, "skipped")
		summary.skip(decision.Reason)
		return
	case policy.Reject:
		summary.Due++
		summary.Failed++
		o.record(mode, "rejected")
		log.Warn("escrow rejected", "reason", decision.Reason)
		if err := o.store.RecordError(writeCtx, e.ID, decision.Reason, now); err != nil {
			log.Warn("failed recording rejection", "error", err)
		}
		return
	}
	summary.Due++

	locked, err := o.store.LockForRelease(ctx, e.ID, now)
	if err != nil {
		log.Error("failed locking escrow", "error", err)
		o.metrics.Errors.WithLabelValues("payout_lock").Inc()
		o.record(mode, "failed")
		summary.Failed++
		return
	}
	if !locked {
		log.Info("escrow already claimed, skipped")
		o.record(mode, "skipped")
		summary.skip(reasonLocked)
		return
	}

	res, err := o.executor.Execute(ctx, e)
	if err != nil {
		reason := err.Error()
		var failure *transfer.Failure
		if errors.As(err, &failure) {
			reason = failure.Reason
		}
		log.Error("transfer failed, escrow unlocked", "error", err)
		if rbErr := o.store.RollbackToHeld(writeCtx, e.ID, reason, o.now()); rbErr != nil {
			log.Error("failed rolling back escrow", "error", rbErr)
		}
		o.record(mode, "failed")
		summary.Failed++
		return
	}

	if err := o.store.CommitTransferred(writeCtx, e.ID, res.TransferID, o.now()); err != nil {
		// Still counted as released: the transfer exists at the processor.
		log.Error("transfer succeeded but commit failed", "transfer_id", res.TransferID, "error", err)
		o.metrics.Errors.WithLabelValues("payout_commit").Inc()
	}
	log.Info("escrow released", "transfer_id", res.TransferID, "amount", e.SellerAmount, "currency", e.Currency)
	o.record(mode, "released")
	summary.Released++

	if site.OwnerEmail != "" && o.notifier != nil {
		msg := notify.PayoutReleased(site.OwnerEmail, e.SiteKey, e.ID, res.TransferID, e.SellerAmount, e.Currency)
		if err := o.notifier.Notify(ctx, msg); err != nil {
			log.Warn("payout notification failed", "error", err)
		}
	}
}

func (o *Orchestrator) record(mode policy.Mode, outcome string) {
	o.metrics.EscrowReleases.WithLabelValues(string(mode), outcome).Inc()
}

func (o *Orchestrator) clampLimit(limit int) int {
	if limit <= 0 {
		limit = o.cfg.DefaultLimit
	}
	if limit > MaxLimit {
		limit = MaxLimit
	}
	return limit
}

func (o *Orchestrator) globalFlags(ctx context.Context) escrow.GlobalFlags {
	if o.flags == nil {
		return escrow.GlobalFlags{}
	}
	return o.flags.GlobalFlags(ctx)
}

// siteCache memoises site lookups for one batch. Unknown sites have no flags.
type siteCache struct {
	store Store
	sites map[string]repo.Site
}

func newSiteCache(store Store) *siteCache {
	return &siteCache{store: store, sites: map[string]repo.Site{}}
}

func (c *siteCache) get(ctx context.Context, siteKey string) (repo.Site, error) {
	if site, ok := c.sites[siteKey]; ok {
		return site, nil
	}
	if siteKey == "" {
		return repo.Site{}, nil
	}
	site, err := c.store.GetSite(ctx, siteKey)
	if errors.Is(err, repo.ErrNotFound) {
		c.sites[siteKey] = repo.Site{SiteKey: siteKey}
		return c.sites[siteKey], nil
	}
	if err != nil {
		return repo.Site{}, err
	}
	c.sites[siteKey] = *site
	return *site, nil
}
