// Package webhook ingests Stripe events and creates orders and held escrows.
package webhook

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"

	"storefront-escrow/internal/metrics"

	"github.com/stripe/stripe-go/v82"
)

// maxBodyBytes matches the payload limit Stripe documents for webhooks.
const maxBodyBytes = 65536

// ErrSignature is returned by a Verifier for payloads that fail verification.
var ErrSignature = errors.New("invalid webhook signature")

// Verifier checks the signature header and parses the event.
type Verifier interface {
	VerifyWebhook(payload []byte, signature string) (stripe.Event, error)
}

// EventProcessor handles verified events.
type EventProcessor interface {
	HandleStripeEvent(ctx context.Context, event stripe.Event) error
}

// Handler verifies Stripe webhook signatures and forwards events.
type Handler struct {
	logger    *slog.Logger
	metrics   *metrics.Metrics
	verifier  Verifier
	processor EventProcessor
}

// NewHandler creates a new webhook handler.
func NewHandler(logger *slog.Logger, metricRegistry *metrics.Metrics, verifier Verifier, processor EventProcessor) *Handler {
	return &Handler{
		logger:    logger.With("component", "stripe_webhook"),
		metrics:   metricRegistry,
		verifier:  verifier,
		processor: processor,
	}
}

// ServeHTTP satisfies http.Handler. Once the body is read the response is
// always 200, so the provider does not retry what this side already decided.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err != nil {
		h.metrics.Errors.WithLabelValues("stripe_webhook").Inc()
		http.Error(w, "failed to read body", http.StatusBadRequest)
		return
	}
	defer r.Body.Close()

	event, err := h.verifier.VerifyWebhook(body, r.Header.Get("Stripe-Signature"))
	if err != nil {
		h.logger.Warn("webhook signature rejected", "error", err)
		h.metrics.WebhookEvents.WithLabelValues("unknown", "invalid_signature").Inc()
		writeReceived(w)
		return
	}

	if h.processor != nil {
		if err := h.processor.HandleStripeEvent(r.Context(), event); err != nil {
			h.logger.Error("failed processing webhook", "error", err, "event_id", event.ID, "event", event.Type)
			h.metrics.Errors.WithLabelValues("stripe_webhook_process").Inc()
		}
	}
	writeReceived(w)
}

func writeReceived(w http.ResponseWriter) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte(`{"received":true}`))
}
