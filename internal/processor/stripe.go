// Package processor adapts the Stripe API to the payout and webhook ports.
package processor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"storefront-escrow/internal/metrics"
	"storefront-escrow/internal/payout"
	"storefront-escrow/internal/repo"
	"storefront-escrow/internal/transfer"
	"storefront-escrow/internal/webhook"

	"github.com/stripe/stripe-go/v82"
	stripewebhook "github.com/stripe/stripe-go/v82/webhook"
)

// Config holds Stripe credentials.
type Config struct {
	SecretKey     string
	WebhookSecret string
	// BackendURL overrides the API host. Used by tests.
	BackendURL string
}

// Stripe implements transfers, refunds, line item lookup and webhook verification.
type Stripe struct {
	client        *stripe.Client
	webhookSecret string
	logger        *slog.Logger
	metrics       *metrics.Metrics
}

var (
	_ transfer.Processor     = (*Stripe)(nil)
	_ payout.Refunder        = (*Stripe)(nil)
	_ webhook.Verifier       = (*Stripe)(nil)
	_ webhook.LineItemLister = (*Stripe)(nil)
)

// New creates a Stripe adapter.
func New(cfg Config, logger *slog.Logger, metricRegistry *metrics.Metrics) *Stripe {
	var opts []stripe.ClientOption
	if cfg.BackendURL != "" {
		opts = append(opts, stripe.WithBackends(stripe.NewBackendsWithConfig(&stripe.BackendConfig{
			URL:               stripe.String(cfg.BackendURL),
			MaxNetworkRetries: stripe.Int64(0),
		})))
	}
	return &Stripe{
		client:        stripe.NewClient(cfg.SecretKey, opts...),
		webhookSecret: cfg.WebhookSecret,
		logger:        logger.With("component", "stripe"),
		metrics:       metricRegistry,
	}
}

// CreateTransfer sends a transfer to the connected account under the given idempotency key.
func (s *Stripe) CreateTransfer(ctx context.Context, p transfer.Params, idempotencyKey string) (transfer.Result, error) {
	params := &stripe.TransferCreateParams{
		Amount:      stripe.Int64(p.Amount),
		Currency:    stripe.String(strings.ToLower(p.Currency)),
		Destination: stripe.String(p.Destination),
	}
	if p.TransferGroup != "" {
		params.TransferGroup = stripe.String(p.TransferGroup)
	}
	if p.SourceTransaction != "" {
		params.SourceTransaction = stripe.String(p.SourceTransaction)
	}
	for k, v := range p.Metadata {
		params.AddMetadata(k, v)
	}
	params.SetIdempotencyKey(idempotencyKey)

	tr, err := s.client.V1Transfers.Create(ctx, params)
	if err != nil {
		s.metrics.Errors.WithLabelValues("stripe_transfer").Inc()
		if isIdempotencyError(err) {
			return transfer.Result{}, fmt.Errorf("%w: %s", transfer.ErrIdempotencyKeyMismatch, errorMessage(err))
		}
		return transfer.Result{}, fmt.Errorf("create transfer: %s", errorMessage(err))
	}
	s.logger.Info("transfer created", "transfer_id", tr.ID, "destination", p.Destination, "amount", p.Amount, "idempotency_key", idempotencyKey)
	return transfer.Result{TransferID: tr.ID}, nil
}

// CreateRefund refunds the original charge. When the charge is unknown the
// payment intent is resolved from the checkout session.
func (s *Stripe) CreateRefund(ctx context.Context, p payout.RefundParams, idempotencyKey string) (payout.RefundResult, error) {
	params := &stripe.RefundCreateParams{}
	switch {
	case p.ChargeID != "":
		params.Charge = stripe.String(p.ChargeID)
	case p.SessionID != "":
		cs, err := s.client.V1CheckoutSessions.Retrieve(ctx, p.SessionID, nil)
		if err != nil {
			s.metrics.Errors.WithLabelValues("stripe_refund").Inc()
			return payout.RefundResult{}, fmt.Errorf("retrieve checkout session: %s", errorMessage(err))
		}
		if cs.PaymentIntent == nil || cs.PaymentIntent.ID == "" {
			return payout.RefundResult{}, fmt.Errorf("checkout session %s has no payment intent", p.SessionID)
		}
		params.PaymentIntent = stripe.String(cs.PaymentIntent.ID)
	default:
		return payout.RefundResult{}, errors.New("refund needs a charge or checkout session")
	}
	if p.Amount > 0 {
		params.Amount = stripe.Int64(p.Amount)
	}
	for k, v := range p.Metadata {
		params.AddMetadata(k, v)
	}
	params.SetIdempotencyKey(idempotencyKey)

	ref, err := s.client.V1Refunds.Create(ctx, params)
	if err != nil {
		s.metrics.Errors.WithLabelValues("stripe_refund").Inc()
		return payout.RefundResult{}, fmt.Errorf("create refund: %s", errorMessage(err))
	}
	s.logger.Info("refund created", "refund_id", ref.ID, "idempotency_key", idempotencyKey)
	return payout.RefundResult{RefundID: ref.ID}, nil
}

// ListLineItems returns the purchased lines of a checkout session.
func (s *Stripe) ListLineItems(ctx context.Context, sessionID string) ([]repo.OrderItem, error) {
	list := s.client.V1CheckoutSessions.ListLineItems(ctx, &stripe.CheckoutSessionListLineItemsParams{
		Session: stripe.String(sessionID),
	})
	var items []repo.OrderItem
	for li, err := range list {
		if err != nil {
			s.metrics.Errors.WithLabelValues("stripe_line_items").Inc()
			return nil, fmt.Errorf("list line items: %s", errorMessage(err))
		}
		item := repo.OrderItem{
			Description: li.Description,
			Quantity:    li.Quantity,
			AmountTotal: li.AmountTotal,
		}
		if li.Price != nil {
			item.PriceID = li.Price.ID
		}
		items = append(items, item)
	}
	return items, nil
}

// VerifyWebhook checks the Stripe-Signature header and parses the event.
func (s *Stripe) VerifyWebhook(payload []byte, signature string) (stripe.Event, error) {
	event, err := stripewebhook.ConstructEventWithOptions(payload, signature, s.webhookSecret, stripewebhook.ConstructEventOptions{
		Tolerance:                stripewebhook.DefaultTolerance,
		IgnoreAPIVersionMismatch: true,
	})
	if err != nil {
		return stripe.Event{}, fmt.Errorf("%w: %v", webhook.ErrSignature, err)
	}
	return event, nil
}

func isIdempotencyError(err error) bool {
	var stripeErr *stripe.Error
	if !errors.As(err, &stripeErr) {
		return false
	}
	return stripeErr.Type == stripe.ErrorTypeIdempotency
}

func errorMessage(err error) string {
	var stripeErr *stripe.Error
	if errors.As(err, &stripeErr) && stripeErr.Msg != "" {
		if stripeErr.Code != "" {
			return fmt.Sprintf("%s: %s", stripeErr.Code, stripeErr.Msg)
		}
		return stripeErr.Msg
	}
	return err.Error()
}
