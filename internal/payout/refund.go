package payout

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"storefront-escrow/internal/escrow"
	"storefront-escrow/internal/metrics"
)

var (
	// ErrNotRefundable is returned when an escrow is not held.
	ErrNotRefundable = errors.New("escrow is not refundable")
	// ErrProcessor wraps a refund the payment provider declined.
	ErrProcessor     = errors.New("payment provider rejected the request")
)

// RefundParams identify the payment to refund.
type RefundParams struct {
	ChargeID  string
	SessionID string
	Amount    int64
	Metadata  map[string]string
}

// RefundResult is a successful refund.
type RefundResult struct {
	RefundID string
}

// Refunder creates refunds at the payment provider.
type Refunder interface {
	CreateRefund(ctx context.Context, params RefundParams, idempotencyKey string) (RefundResult, error)
}

// RefundKey is the deterministic idempotency key of an escrow refund.
func RefundKey(escrowID string) string {
	return "refund:v1:" + escrowID
}

// Refunds is the admin refund operation.
type Refunds struct {
	store    Store
	refunder Refunder
	logger   *slog.Logger
	metrics  *metrics.Metrics
	now      func() time.Time
}

// NewRefunds creates the refund operation.
func NewRefunds(store Store, refunder Refunder, logger *slog.Logger, metricRegistry *metrics.Metrics) *Refunds {
	return &Refunds{
		store:    store,
		refunder: refunder,
		logger:   logger.With("component", "refund"),
		metrics:  metricRegistry,
		now:      time.Now,
	}
}

// Refund returns a held escrow's money to the buyer. The escrow sits in
// refunding for the duration of the call, so no sweep or reaper touches it. A
// refund whose commit fails stays refunding until an operator reconciles it.
func (r *Refunds) Refund(ctx context.Context, escrowID string) (RefundResult, error) {
	e, err := r.store.GetEscrow(ctx, escrowID)
	if err != nil {
		return RefundResult{}, fmt.Errorf("load escrow %s: %w", escrowID, err)
	}
	if e.Status != escrow.StatusHeld {
		return RefundResult{}, fmt.Errorf("%w: %s is %s", ErrNotRefundable, escrowID, e.Status)
	}

	locked, err := r.store.LockForRefund(ctx, escrowID, r.now())
	if err != nil {
		return RefundResult{}, fmt.Errorf("lock escrow %s: %w", escrowID, err)
	}
	if !locked {
		return RefundResult{}, fmt.Errorf("%w: %s was claimed concurrently", ErrNotRefundable, escrowID)
	}

	params := RefundParams{
		ChargeID:  e.ChargeID,
		SessionID: e.ID,
		Metadata: map[string]string{
			"escrow_id": e.ID,
			"site_key":  e.SiteKey,
		},
	}
	writeCtx := context.WithoutCancel(ctx)
	res, err := r.refunder.CreateRefund(ctx, params, RefundKey(e.ID))
	if err != nil {
		if rbErr := r.store.RollbackRefund(writeCtx, e.ID, err.Error(), r.now()); rbErr != nil {
			r.logger.Error("failed rolling back escrow after refund error", "escrow_id", e.ID, "error", rbErr)
		}
		if ctx.Err() != nil {
			return RefundResult{}, fmt.Errorf("refund escrow %s: %w", e.ID, err)
		}
		return RefundResult{}, fmt.Errorf("refund escrow %s: %w: %w", e.ID, ErrProcessor, err)
	}

	if err := r.store.CommitRefunded(writeCtx, e.ID, res.RefundID, r.now()); err != nil {
		r.logger.Error("refund succeeded but commit failed", "escrow_id", e.ID, "refund_id", res.RefundID, "error", err)
		r.metrics.Errors.WithLabelValues("payout_commit").Inc()
	}
	r.logger.Info("escrow refunded", "escrow_id", e.ID, "refund_id", res.RefundID)
	return res, nil
}
