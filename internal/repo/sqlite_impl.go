package repo

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"storefront-escrow/internal/escrow"

	"github.com/google/uuid"
)

// -- Escrows --

type sqlScanner interface {
	Scan(dest ...any) error
}

func scanSQLiteEscrow(s sqlScanner) (escrow.Row, error) {
	var (
		id, siteKey, status, currency, connectID, chargeID, group sql.NullString
		transferID, transferKey, refundID, lastError              sql.NullString
		amount                                                    sql.NullInt64
		releaseAt, releasingAt, createdAt, updatedAt              sql.NullInt64
		manualHold                                                sql.NullBool
	)
	if err := s.Scan(&id, &siteKey, &status, &amount, &currency, &connectID, &chargeID, &group,
		&releaseAt, &manualHold, &transferID, &transferKey, &refundID, &lastError, &releasingAt, &createdAt, &updatedAt); err != nil {
		return escrow.Row{}, err
	}
	row := escrow.Row{
		ID:              nullString(id),
		SiteKey:         nullString(siteKey),
		Status:          nullString(status),
		Currency:        nullString(currency),
		SellerConnectID: nullString(connectID),
		ChargeID:        nullString(chargeID),
		TransferGroup:   nullString(group),
		ReleaseAt:       fromMillis(releaseAt),
		TransferID:      nullString(transferID),
		TransferKey:     nullString(transferKey),
		RefundID:        nullString(refundID),
		LastError:       nullString(lastError),
		ReleasingAt:     fromMillis(releasingAt),
		CreatedAt:       fromMillis(createdAt),
		UpdatedAt:       fromMillis(updatedAt),
	}
	if amount.Valid {
		row.SellerAmount = &amount.Int64
	}
	if manualHold.Valid {
		row.ManualHold = &manualHold.Bool
	}
	return row, nil
}

func (r *SQLiteRepository) InsertEscrow(ctx context.Context, e escrow.Escrow) (bool, error) {
	const q = `
INSERT INTO escrows (id, site_key, status, seller_amount, currency, seller_connect_id, charge_id, transfer_group,
                     release_at, manual_hold, created_at, updated_at)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
ON CONFLICT (id) DO NOTHING;
`
	created := e.CreatedAt.UnixMilli()
	res, err := r.db.ExecContext(ctx, q,
		e.ID,
		emptyToNull(e.SiteKey),
		string(escrow.StatusHeld),
		e.SellerAmount,
		e.Currency,
		emptyToNull(e.SellerConnectID),
		emptyToNull(e.ChargeID),
		emptyToNull(e.TransferGroup),
		toMillis(e.ReleaseAt),
		e.ManualHold,
		created,
		created,
	)
	if err != nil {
		return false, fmt.Errorf("insert escrow: %w", err)
	}
	return affectedOne(res)
}

func (r *SQLiteRepository) GetEscrow(ctx context.Context, id string) (escrow.Escrow, error) {
	q := `SELECT ` + escrowColumns + ` FROM escrows WHERE id = ? LIMIT 1;`
	row, err := scanSQLiteEscrow(r.db.QueryRowContext(ctx, q, id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return escrow.Escrow{}, ErrNotFound
		}
		return escrow.Escrow{}, fmt.Errorf("get escrow: %w", err)
	}
	return row.Parse()
}

func (r *SQLiteRepository) FindDueEscrows(ctx context.Context, filter EscrowFilter) (Candidates, error) {
	q := `
SELECT ` + escrowColumns + `
FROM escrows
WHERE status = 'held'
  AND (? = '' OR site_key = ?)
  AND (? IS NULL OR release_at <= ?)
ORDER BY release_at IS NULL, release_at ASC, created_at ASC
LIMIT ?;
`
	due := toMillis(filter.DueBefore)
	return r.queryCandidates(ctx, "find due escrows", q, filter.SiteKey, filter.SiteKey, due, due, filter.Limit)
}

func (r *SQLiteRepository) ListStaleReleasing(ctx context.Context, lockedBefore time.Time, limit int) (Candidates, error) {
	q := `
SELECT ` + escrowColumns + `
FROM escrows
WHERE status = 'releasing' AND releasing_at < ?
ORDER BY releasing_at ASC
LIMIT ?;
`
	return r.queryCandidates(ctx, "list stale releasing", q, lockedBefore.UnixMilli(), limit)
}

func (r *SQLiteRepository) queryCandidates(ctx context.Context, op, q string, args ...any) (Candidates, error) {
	rows, err := r.db.QueryContext(ctx, q, args...)
	if err != nil {
		return Candidates{}, fmt.Errorf("%s: %w", op, err)
	}
	defer rows.Close()

	var res Candidates
	for rows.Next() {
		row, err := scanSQLiteEscrow(rows)
		if err != nil {
			return Candidates{}, fmt.Errorf("scan %s: %w", op, err)
		}
		res.add(row)
	}
	if err := rows.Err(); err != nil {
		return Candidates{}, fmt.Errorf("iterate %s: %w", op, err)
	}
	return res, nil
}

// LockForRelease relies on SQLite serialising writers: the conditional UPDATE is
// the compare-and-set.
func (r *SQLiteRepository) LockForRelease(ctx context.Context, id string, now time.Time) (bool, error) {
	return r.lockHeld(ctx, id, escrow.StatusReleasing, now)
}

func (r *SQLiteRepository) LockForRefund(ctx context.Context, id string, now time.Time) (bool, error) {
	return r.lockHeld(ctx, id, escrow.StatusRefunding, now)
}

func (r *SQLiteRepository) lockHeld(ctx context.Context, id string, to escrow.Status, now time.Time) (bool, error) {
	const q = `
UPDATE escrows
SET status = ?, releasing_at = ?, updated_at = ?
WHERE id = ? AND status = 'held';
`
	ms := now.UnixMilli()
	res, err := r.db.ExecContext(ctx, q, string(to), ms, ms, id)
	if err != nil {
		return false, fmt.Errorf("lock escrow %s: %w", id, err)
	}
	return affectedOne(res)
}

func (r *SQLiteRepository) CommitTransferred(ctx context.Context, id, transferID string, now time.Time) error {
	const q = `
UPDATE escrows
SET status = 'transferred', transfer_id = ?, last_error = NULL, updated_at = ?
WHERE id = ? AND status = 'releasing';
`
	return r.execOne(ctx, "commit transferred", id, q, transferID, now.UnixMilli(), id)
}

func (r *SQLiteRepository) SaveTransferKey(ctx context.Context, id, key string, now time.Time) error {
	const q = `
UPDATE escrows
SET transfer_key = ?, updated_at = ?
WHERE id = ? AND status = 'releasing';
`
	return r.execOne(ctx, "save transfer key", id, q, key, now.UnixMilli(), id)
}

func (r *SQLiteRepository) CommitRefunded(ctx context.Context, id, refundID string, now time.Time) error {
	const q = `
UPDATE escrows
SET status = 'refunded', refund_id = ?, last_error = NULL, updated_at = ?
WHERE id = ? AND status = 'refunding';
`
	return r.execOne(ctx, "commit refunded", id, q, refundID, now.UnixMilli(), id)
}

func (r *SQLiteRepository) RollbackToHeld(ctx context.Context, id, reason string, now time.Time) error {
	const q = `
UPDATE escrows
SET status = 'held', last_error = ?, releasing_at = NULL, updated_at = ?
WHERE id = ? AND status = 'releasing';
`
	return r.execOne(ctx, "rollback escrow", id, q, reason, now.UnixMilli(), id)
}

func (r *SQLiteRepository) RollbackRefund(ctx context.Context, id, reason string, now time.Time) error {
	const q = `
UPDATE escrows
SET status = 'held', last_error = ?, releasing_at = NULL, updated_at = ?
WHERE id = ? AND status = 'refunding';
`
	return r.execOne(ctx, "rollback refund", id, q, reason, now.UnixMilli(), id)
}

func (r *SQLiteRepository) RecordError(ctx context.Context, id, reason string, now time.Time) error {
	const q = `
UPDATE escrows
SET last_error = ?, updated_at = ?
WHERE id = ? AND status = 'held';
`
	return r.execOne(ctx, "record escrow error", id, q, reason, now.UnixMilli(), id)
}

func (r *SQLiteRepository) ReleaseStaleLock(ctx context.Context, id string, lockedBefore, now time.Time, reason string) (bool, error) {
	const q = `
UPDATE escrows
SET status = 'held', last_error = ?, releasing_at = NULL, updated_at = ?
WHERE id = ? AND status = 'releasing' AND releasing_at < ?;
`
	res, err := r.db.ExecContext(ctx, q, reason, now.UnixMilli(), id, lockedBefore.UnixMilli())
	if err != nil {
		return false, fmt.Errorf("release stale lock %s: %w", id, err)
	}
	return affectedOne(res)
}

func (r *SQLiteRepository) execOne(ctx context.Context, op, id, q string, args ...any) error {
	res, err := r.db.ExecContext(ctx, q, args...)
	if err != nil {
		return fmt.Errorf("%s %s: %w", op, id, err)
	}
	ok, err := affectedOne(res)
	if err != nil {
		return fmt.Errorf("%s %s: %w", op, id, err)
	}
	if !ok {
		return fmt.Errorf("%s %s: %w", op, id, ErrNotFound)
	}
	return nil
}

func affectedOne(res sql.Result) (bool, error) {
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("rows affected: %w", err)
	}
	return n == 1, nil
}

// -- Sites --

const sqliteSiteColumns = `site_key, COALESCE(owner_email, ''), COALESCE(seller_connect_id, ''), COALESCE(stripe_customer_id, ''),
       payouts_suspended, auto_payouts_disabled, COALESCE(payment_status, ''), created_at, updated_at`

func (r *SQLiteRepository) UpsertSite(ctx context.Context, site Site) error {
	const q = `
INSERT INTO sites (site_key, owner_email, seller_connect_id, stripe_customer_id, payouts_suspended, auto_payouts_disabled, payment_status, created_at, updated_at)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
ON CONFLICT (site_key) DO UPDATE SET
    owner_email = excluded.owner_email,
    seller_connect_id = excluded.seller_connect_id,
    stripe_customer_id = excluded.stripe_customer_id,
    payouts_suspended = excluded.payouts_suspended,
    auto_payouts_disabled = excluded.auto_payouts_disabled,
    payment_status = COALESCE(excluded.payment_status, sites.payment_status),
    updated_at = excluded.updated_at;
`
	now := time.Now().UnixMilli()
	_, err := r.db.ExecContext(ctx, q,
		site.SiteKey,
		emptyToNull(site.OwnerEmail),
		emptyToNull(site.SellerConnectID),
		emptyToNull(site.StripeCustomerID),
		site.PayoutsSuspended,
		site.AutoPayoutsDisabled,
		emptyToNull(site.PaymentStatus),
		now,
		now,
	)
	if err != nil {
		return fmt.Errorf("upsert site: %w", err)
	}
	return nil
}

func (r *SQLiteRepository) GetSite(ctx context.Context, siteKey string) (*Site, error) {
	return r.findSite(ctx, "get site", `SELECT `+sqliteSiteColumns+` FROM sites WHERE site_key = ? LIMIT 1;`, siteKey)
}

func (r *SQLiteRepository) FindSiteByConnectAccount(ctx context.Context, accountID string) (*Site, error) {
	return r.findSite(ctx, "find site by connect account", `SELECT `+sqliteSiteColumns+` FROM sites WHERE seller_connect_id = ? LIMIT 1;`, accountID)
}

func (r *SQLiteRepository) FindSiteByCustomer(ctx context.Context, customerID string) (*Site, error) {
	return r.findSite(ctx, "find site by customer", `SELECT `+sqliteSiteColumns+` FROM sites WHERE stripe_customer_id = ? LIMIT 1;`, customerID)
}

func (r *SQLiteRepository) findSite(ctx context.Context, op, q, arg string) (*Site, error) {
	var s Site
	var createdAt, updatedAt int64
	err := r.db.QueryRowContext(ctx, q, arg).Scan(
		&s.SiteKey,
		&s.OwnerEmail,
		&s.SellerConnectID,
		&s.StripeCustomerID,
		&s.PayoutsSuspended,
		&s.AutoPayoutsDisabled,
		&s.PaymentStatus,
		&createdAt,
		&updatedAt,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	s.CreatedAt = time.UnixMilli(createdAt).UTC()
	s.UpdatedAt = time.UnixMilli(updatedAt).UTC()
	return &s, nil
}

func (r *SQLiteRepository) UpdateSitePaymentStatus(ctx context.Context, siteKey, status string) error {
	res, err := r.db.ExecContext(ctx, `UPDATE sites SET payment_status = ?, updated_at = ? WHERE site_key = ?;`,
		status, time.Now().UnixMilli(), siteKey)
	if err != nil {
		return fmt.Errorf("update site payment status: %w", err)
	}
	ok, err := affectedOne(res)
	if err != nil {
		return fmt.Errorf("update site payment status: %w", err)
	}
	if !ok {
		return fmt.Errorf("site %s: %w", siteKey, ErrNotFound)
	}
	return nil
}

// -- Orders --

func (r *SQLiteRepository) InsertOrder(ctx context.Context, order Order) (bool, error) {
	if order.ID == "" {
		order.ID = uuid.NewString()
	}
	items, err := toJSON(order.Items)
	if err != nil {
		return false, err
	}
	const q = `
INSERT INTO orders (id, session_id, site_key, amount_total, currency, customer_email, items, created_at)
VALUES (?, ?, ?, ?, ?, ?, ?, ?)
ON CONFLICT (session_id) DO NOTHING;
`
	res, err := r.db.ExecContext(ctx, q,
		order.ID,
		order.SessionID,
		emptyToNull(order.SiteKey),
		order.AmountTotal,
		order.Currency,
		emptyToNull(order.CustomerEmail),
		jsonParam(items),
		order.CreatedAt.UnixMilli(),
	)
	if err != nil {
		return false, fmt.Errorf("insert order: %w", err)
	}
	return affectedOne(res)
}

func (r *SQLiteRepository) GetOrderBySession(ctx context.Context, sessionID string) (*Order, error) {
	const q = `
SELECT id, session_id, COALESCE(site_key, ''), amount_total, COALESCE(currency, ''), COALESCE(customer_email, ''), items, created_at
FROM orders
WHERE session_id = ?
LIMIT 1;
`
	var order Order
	var items sql.NullString
	var createdAt int64
	err := r.db.QueryRowContext(ctx, q, sessionID).Scan(
		&order.ID,
		&order.SessionID,
		&order.SiteKey,
		&order.AmountTotal,
		&order.Currency,
		&order.CustomerEmail,
		&items,
		&createdAt,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("get order by session: %w", err)
	}
	if items.Valid {
		order.Items = itemsFromJSON([]byte(items.String))
	}
	order.CreatedAt = time.UnixMilli(createdAt).UTC()
	return &order, nil
}

// -- Webhook events --

func (r *SQLiteRepository) HasProcessedEvent(ctx context.Context, eventID string) (bool, error) {
	var n int
	err := r.db.QueryRowContext(ctx, `SELECT COUNT(1) FROM webhook_events WHERE event_id = ?;`, eventID).Scan(&n)
	if err != nil {
		return false, fmt.Errorf("check webhook event: %w", err)
	}
	return n > 0, nil
}

func (r *SQLiteRepository) MarkEventProcessed(ctx context.Context, eventID, eventType string, at time.Time) error {
	const q = `
INSERT INTO webhook_events (event_id, event_type, processed_at)
VALUES (?, ?, ?)
ON CONFLICT (event_id) DO NOTHING;
`
	if _, err := r.db.ExecContext(ctx, q, eventID, eventType, at.UnixMilli()); err != nil {
		return fmt.Errorf("mark webhook event: %w", err)
	}
	return nil
}
