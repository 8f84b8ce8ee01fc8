package repo

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
)

const siteColumns = `site_key, COALESCE(owner_email, ''), COALESCE(seller_connect_id, ''), COALESCE(stripe_customer_id, ''),
       payouts_suspended, auto_payouts_disabled, COALESCE(payment_status, ''), created_at, updated_at`

func scanSite(row pgx.Row) (*Site, error) {
	var s Site
	if err := row.Scan(
		&s.SiteKey,
		&s.OwnerEmail,
		&s.SellerConnectID,
		&s.StripeCustomerID,
		&s.PayoutsSuspended,
		&s.AutoPayoutsDisabled,
		&s.PaymentStatus,
		&s.CreatedAt,
		&s.UpdatedAt,
	); err != nil {
		return nil, err
	}
	return &s, nil
}

// UpsertSite stores or updates a site. Used by tenant provisioning and tests.
func (r *PostgresRepository) UpsertSite(ctx context.Context, site Site) error {
	const q = `
INSERT INTO sites (site_key, owner_email, seller_connect_id, stripe_customer_id, payouts_suspended, auto_payouts_disabled, payment_status, updated_at)
VALUES ($1, NULLIF($2, ''), NULLIF($3, ''), NULLIF($4, ''), $5, $6, NULLIF($7, ''), NOW())
ON CONFLICT (site_key) DO UPDATE SET
    owner_email = EXCLUDED.owner_email,
    seller_connect_id = EXCLUDED.seller_connect_id,
    stripe_customer_id = EXCLUDED.stripe_customer_id,
    payouts_suspended = EXCLUDED.payouts_suspended,
    auto_payouts_disabled = EXCLUDED.auto_payouts_disabled,
    payment_status = COALESCE(EXCLUDED.payment_status, sites.payment_status),
    updated_at = NOW();
`
	_, err := r.pool.Exec(ctx, q,
		site.SiteKey,
		site.OwnerEmail,
		site.SellerConnectID,
		site.StripeCustomerID,
		site.PayoutsSuspended,
		site.AutoPayoutsDisabled,
		site.PaymentStatus,
	)
	if err != nil {
		return fmt.Errorf("upsert site: %w", err)
	}
	return nil
}

// GetSite returns a site by key.
func (r *PostgresRepository) GetSite(ctx context.Context, siteKey string) (*Site, error) {
	return r.findSite(ctx, "get site", `SELECT `+siteColumns+` FROM sites WHERE site_key = $1 LIMIT 1;`, siteKey)
}

// FindSiteByConnectAccount returns the site paid out to the connected account.
func (r *PostgresRepository) FindSiteByConnectAccount(ctx context.Context, accountID string) (*Site, error) {
	return r.findSite(ctx, "find site by connect account", `SELECT `+siteColumns+` FROM sites WHERE seller_connect_id = $1 LIMIT 1;`, accountID)
}

// FindSiteByCustomer returns the site billed to the platform customer.
func (r *PostgresRepository) FindSiteByCustomer(ctx context.Context, customerID string) (*Site, error) {
	return r.findSite(ctx, "find site by customer", `SELECT `+siteColumns+` FROM sites WHERE stripe_customer_id = $1 LIMIT 1;`, customerID)
}

func (r *PostgresRepository) findSite(ctx context.Context, op, q, arg string) (*Site, error) {
	site, err := scanSite(r.pool.QueryRow(ctx, q, arg))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	return site, nil
}

// UpdateSitePaymentStatus records the tenant's subscription status.
func (r *PostgresRepository) UpdateSitePaymentStatus(ctx context.Context, siteKey, status string) error {
	ct, err := r.pool.Exec(ctx, `UPDATE sites SET payment_status = $2, updated_at = NOW() WHERE site_key = $1;`, siteKey, status)
	if err != nil {
		return fmt.Errorf("update site payment status: %w", err)
	}
	if ct.RowsAffected() == 0 {
		return fmt.Errorf("site %s: %w", siteKey, ErrNotFound)
	}
	return nil
}
