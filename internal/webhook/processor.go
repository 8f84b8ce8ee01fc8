package webhook

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"storefront-escrow/internal/escrow"
	"storefront-escrow/internal/metrics"
	"storefront-escrow/internal/notify"
	"storefront-escrow/internal/repo"

	"github.com/google/uuid"
	"github.com/stripe/stripe-go/v82"
)

// Event types handled by the processor.
const (
	EventCheckoutCompleted     = "checkout.session.completed"
	EventCheckoutAsyncSuccess  = "checkout.session.async_payment_succeeded"
	EventSubscriptionCreated   = "customer.subscription.created"
	EventSubscriptionUpdated   = "customer.subscription.updated"
	EventSubscriptionDeleted   = "customer.subscription.deleted"
	paymentStatusPaid          = "paid"
	subscriptionStatusCanceled = "canceled"
)

// Metadata keys read from checkout sessions.
const (
	metaSiteKey         = "site_key"
	metaSellerConnectID = "seller_connect_id"
	metaSellerAmount    = "seller_amount"
	metaChargeID        = "charge_id"
	metaTransferGroup   = "transfer_group"
)

// LineItemLister fetches the purchased lines of a checkout session.
type LineItemLister interface {
	ListLineItems(ctx context.Context, sessionID string) ([]repo.OrderItem, error)
}

// Dedup stores processed event ids.
type Dedup interface {
	HasProcessedEvent(ctx context.Context, eventID string) (bool, error)
	MarkEventProcessed(ctx context.Context, eventID, eventType string, at time.Time) error
}

// Store is the persistence the processor writes to.
type Store interface {
	GetSite(ctx context.Context, siteKey string) (*repo.Site, error)
	FindSiteByConnectAccount(ctx context.Context, accountID string) (*repo.Site, error)
	FindSiteByCustomer(ctx context.Context, customerID string) (*repo.Site, error)
	UpdateSitePaymentStatus(ctx context.Context, siteKey, status string) error
	InsertOrder(ctx context.Context, order repo.Order) (bool, error)
	InsertEscrow(ctx context.Context, e escrow.Escrow) (bool, error)
}

// Config holds escrow creation settings.
type Config struct {
	DefaultSiteKey     string
	HoldPeriod         time.Duration
	PlatformFeePercent int64
}

// Processor turns verified events into orders, escrows and site status updates.
type Processor struct {
	cfg      Config
	store    Store
	dedup    Dedup
	items    LineItemLister
	notifier notify.Notifier
	logger   *slog.Logger
	metrics  *metrics.Metrics
	now      func() time.Time
}

// NewProcessor creates an event processor.
func NewProcessor(cfg Config, store Store, dedup Dedup, items LineItemLister, notifier notify.Notifier, logger *slog.Logger, metricRegistry *metrics.Metrics) *Processor {
	return &Processor{
		cfg:      cfg,
		store:    store,
		dedup:    dedup,
		items:    items,
		notifier: notifier,
		logger:   logger.With("component", "webhook_processor"),
		metrics:  metricRegistry,
		now:      time.Now,
	}
}

// HandleStripeEvent processes one verified event. The dedup marker is checked
// before any write and written only after processing succeeded.
func (p *Processor) HandleStripeEvent(ctx context.Context, event stripe.Event) error {
	eventType := string(event.Type)
	var handle func(context.Context, stripe.Event) error
	switch eventType {
	case EventCheckoutCompleted, EventCheckoutAsyncSuccess:
		handle = p.handleCheckout
	case EventSubscriptionCreated, EventSubscriptionUpdated, EventSubscriptionDeleted:
		handle = p.handleSubscription
	default:
		p.metrics.WebhookEvents.WithLabelValues(eventType, "ignored").Inc()
		return nil
	}

	seen, err := p.dedup.HasProcessedEvent(ctx, event.ID)
	if err != nil {
		// Inserts below are idempotent on session id, so processing stays safe.
		p.logger.Warn("dedup lookup failed, processing anyway", "event_id", event.ID, "error", err)
	}
	if seen {
		p.metrics.WebhookEvents.WithLabelValues(eventType, "duplicate").Inc()
		p.logger.Info("duplicate webhook event skipped", "event_id", event.ID, "event", eventType)
		return nil
	}

	if err := handle(ctx, event); err != nil {
		p.metrics.WebhookEvents.WithLabelValues(eventType, "error").Inc()
		return fmt.Errorf("handle %s %s: %w", eventType, event.ID, err)
	}

	if err := p.dedup.MarkEventProcessed(ctx, event.ID, eventType, p.now()); err != nil {
		p.logger.Warn("failed writing dedup marker", "event_id", event.ID, "error", err)
	}
	p.metrics.WebhookEvents.WithLabelValues(eventType, "processed").Inc()
	return nil
}

func (p *Processor) handleCheckout(ctx context.Context, event stripe.Event) error {
	if event.Data == nil {
		return errors.New("event without data")
	}
	var cs stripe.CheckoutSession
	if err := json.Unmarshal(event.Data.Raw, &cs); err != nil {
		return fmt.Errorf("parse checkout session: %w", err)
	}
	log := p.logger.With("event_id", event.ID, "session_id", cs.ID)
	if cs.ID == "" {
		return errors.New("checkout session without id")
	}
	if string(cs.PaymentStatus) != paymentStatusPaid {
		log.Info("checkout session not paid yet, waiting for async payment", "payment_status", cs.PaymentStatus)
		return nil
	}

	items, err := p.items.ListLineItems(ctx, cs.ID)
	if err != nil {
		log.Warn("failed fetching line items, storing order without items", "error", err)
	}

	site := p.resolveSite(ctx, &cs, event.Account)
	now := p.now()

	order := repo.Order{
		ID:            uuid.NewString(),
		SessionID:     cs.ID,
		SiteKey:       site.SiteKey,
		AmountTotal:   cs.AmountTotal,
		Currency:      strings.ToLower(string(cs.Currency)),
		CustomerEmail: customerEmail(&cs),
		Items:         items,
		CreatedAt:     now,
	}
	inserted, err := p.store.InsertOrder(ctx, order)
	if err != nil {
		return fmt.Errorf("store order: %w", err)
	}

	escrowInserted := false
	if cs.AmountTotal > 0 {
		e := p.buildEscrow(&cs, site, now)
		escrowInserted, err = p.store.InsertEscrow(ctx, e)
		if err != nil {
			return fmt.Errorf("store escrow: %w", err)
		}
		log.Info("escrow held", "site_key", e.SiteKey, "seller_amount", e.SellerAmount, "release_at", e.ReleaseAt)
	}

	// A delivery that stored the order but failed on the escrow still owes the owner a mail.
	if (inserted || escrowInserted) && site.OwnerEmail != "" && p.notifier != nil {
		msg := notify.NewOrder(site.OwnerEmail, site.SiteKey, cs.ID, cs.AmountTotal, order.Currency)
		if err := p.notifier.Notify(ctx, msg); err != nil {
			log.Warn("order notification failed", "error", err)
		}
	}
	return nil
}

func (p *Processor) buildEscrow(cs *stripe.CheckoutSession, site repo.Site, now time.Time) escrow.Escrow {
	md := cs.Metadata
	releaseAt := now.Add(p.cfg.HoldPeriod)

	connectID := strings.TrimSpace(md[metaSellerConnectID])
	if connectID == "" {
		connectID = site.SellerConnectID
	}
	chargeID := strings.TrimSpace(md[metaChargeID])
	if cs.PaymentIntent != nil && cs.PaymentIntent.LatestCharge != nil && cs.PaymentIntent.LatestCharge.ID != "" {
		chargeID = cs.PaymentIntent.LatestCharge.ID
	}
	group := strings.TrimSpace(md[metaTransferGroup])
	if group == "" {
		group = "order_" + cs.ID
	}

	return escrow.Escrow{
		ID:              cs.ID,
		SiteKey:         site.SiteKey,
		Status:          escrow.StatusHeld,
		SellerAmount:    p.sellerAmount(cs.AmountTotal, md[metaSellerAmount]),
		Currency:        strings.ToLower(string(cs.Currency)),
		SellerConnectID: connectID,
		ChargeID:        chargeID,
		TransferGroup:   group,
		ReleaseAt:       &releaseAt,
		CreatedAt:       now,
	}
}

// sellerAmount deducts the platform fee, rounded down, unless the session
// carries an explicit amount.
func (p *Processor) sellerAmount(total int64, explicit string) int64 {
	if v, err := strconv.ParseInt(strings.TrimSpace(explicit), 10, 64); err == nil && v > 0 {
		return v
	}
	fee := total * p.cfg.PlatformFeePercent / 100
	return total - fee
}

// resolveSite picks the tenant: explicit metadata, then connected account,
// then billing customer, then the configured default.
func (p *Processor) resolveSite(ctx context.Context, cs *stripe.CheckoutSession, account string) repo.Site {
	if key := strings.TrimSpace(cs.Metadata[metaSiteKey]); key != "" {
		return p.lookup(ctx, key, p.store.GetSite)
	}
	for _, acct := range []string{account, strings.TrimSpace(cs.Metadata[metaSellerConnectID])} {
		if acct == "" {
			continue
		}
		if site, ok := p.find(ctx, acct, p.store.FindSiteByConnectAccount); ok {
			return site
		}
	}
	if cs.Customer != nil && cs.Customer.ID != "" {
		if site, ok := p.find(ctx, cs.Customer.ID, p.store.FindSiteByCustomer); ok {
			return site
		}
	}
	return p.lookup(ctx, p.cfg.DefaultSiteKey, p.store.GetSite)
}

func (p *Processor) lookup(ctx context.Context, siteKey string, get func(context.Context, string) (*repo.Site, error)) repo.Site {
	if siteKey == "" {
		return repo.Site{}
	}
	if site, ok := p.find(ctx, siteKey, get); ok {
		return site
	}
	return repo.Site{SiteKey: siteKey}
}

func (p *Processor) find(ctx context.Context, arg string, get func(context.Context, string) (*repo.Site, error)) (repo.Site, bool) {
	site, err := get(ctx, arg)
	if err != nil {
		if !errors.Is(err, repo.ErrNotFound) {
			p.logger.Warn("site lookup failed", "key", arg, "error", err)
		}
		return repo.Site{}, false
	}
	return *site, true
}

func customerEmail(cs *stripe.CheckoutSession) string {
	if cs.CustomerDetails != nil && cs.CustomerDetails.Email != "" {
		return cs.CustomerDetails.Email
	}
	return cs.CustomerEmail
}

func (p *Processor) handleSubscription(ctx context.Context, event stripe.Event) error {
	if event.Data == nil {
		return errors.New("event without data")
	}
	var sub stripe.Subscription
	if err := json.Unmarshal(event.Data.Raw, &sub); err != nil {
		return fmt.Errorf("parse subscription: %w", err)
	}
	if sub.Customer == nil || sub.Customer.ID == "" {
		p.logger.Warn("subscription without customer", "event_id", event.ID, "subscription_id", sub.ID)
		return nil
	}
	site, ok := p.find(ctx, sub.Customer.ID, p.store.FindSiteByCustomer)
	if !ok {
		p.logger.Info("subscription for unknown customer ignored", "event_id", event.ID, "customer_id", sub.Customer.ID)
		return nil
	}

	status := string(sub.Status)
	if string(event.Type) == EventSubscriptionDeleted {
		status = subscriptionStatusCanceled
	}
	if err := p.store.UpdateSitePaymentStatus(ctx, site.SiteKey, status); err != nil {
		return fmt.Errorf("update site payment status: %w", err)
	}
	p.logger.Info("site payment status updated", "site_key", site.SiteKey, "status", status)
	return nil
}
