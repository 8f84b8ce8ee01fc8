package repo

import (
	"context"
	"errors"
	"fmt"
	"time"

	"storefront-escrow/internal/escrow"

	"github.com/jackc/pgx/v5"
)

const escrowColumns = `id, site_key, status, seller_amount, currency, seller_connect_id, charge_id, transfer_group,
       release_at, manual_hold, transfer_id, transfer_key, refund_id, last_error, releasing_at, created_at, updated_at`

func scanEscrowRow(row pgx.Row) (escrow.Row, error) {
	var er escrow.Row
	err := row.Scan(
		&er.ID,
		&er.SiteKey,
		&er.Status,
		&er.SellerAmount,
		&er.Currency,
		&er.SellerConnectID,
		&er.ChargeID,
		&er.TransferGroup,
		&er.ReleaseAt,
		&er.ManualHold,
		&er.TransferID,
		&er.TransferKey,
		&er.RefundID,
		&er.LastError,
		&er.ReleasingAt,
		&er.CreatedAt,
		&er.UpdatedAt,
	)
	return er, err
}

// InsertEscrow stores a new held escrow. Reports false when the id already exists.
func (r *PostgresRepository) InsertEscrow(ctx context.Context, e escrow.Escrow) (bool, error) {
	const q = `
INSERT INTO escrows (id, site_key, status, seller_amount, currency, seller_connect_id, charge_id, transfer_group,
                     release_at, manual_hold, created_at, updated_at)
VALUES ($1, NULLIF($2, ''), $3, $4, $5, NULLIF($6, ''), NULLIF($7, ''), NULLIF($8, ''), $9, $10, $11, $11)
ON CONFLICT (id) DO NOTHING;
`
	ct, err := r.pool.Exec(ctx, q,
		e.ID,
		e.SiteKey,
		string(escrow.StatusHeld),
		e.SellerAmount,
		e.Currency,
		e.SellerConnectID,
		e.ChargeID,
		e.TransferGroup,
		e.ReleaseAt,
		e.ManualHold,
		e.CreatedAt,
	)
	if err != nil {
		return false, fmt.Errorf("insert escrow: %w", err)
	}
	return ct.RowsAffected() == 1, nil
}

// GetEscrow loads one escrow by id.
func (r *PostgresRepository) GetEscrow(ctx context.Context, id string) (escrow.Escrow, error) {
	q := `SELECT ` + escrowColumns + ` FROM escrows WHERE id = $1 LIMIT 1;`
	row, err := scanEscrowRow(r.pool.QueryRow(ctx, q, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return escrow.Escrow{}, ErrNotFound
		}
		return escrow.Escrow{}, fmt.Errorf("get escrow: %w", err)
	}
	return row.Parse()
}

// FindDueEscrows returns held escrows, oldest release date first.
func (r *PostgresRepository) FindDueEscrows(ctx context.Context, filter EscrowFilter) (Candidates, error) {
	q := `
SELECT ` + escrowColumns + `
FROM escrows
WHERE status = 'held'
  AND ($1 = '' OR site_key = $1)
  AND ($2::timestamptz IS NULL OR release_at <= $2)
ORDER BY release_at ASC NULLS LAST, created_at ASC
LIMIT $3;
`
	return r.queryCandidates(ctx, "find due escrows", q, filter.SiteKey, filter.DueBefore, filter.Limit)
}

// ListStaleReleasing returns escrows locked before lockedBefore.
func (r *PostgresRepository) ListStaleReleasing(ctx context.Context, lockedBefore time.Time, limit int) (Candidates, error) {
	q := `
SELECT ` + escrowColumns + `
FROM escrows
WHERE status = 'releasing' AND releasing_at < $1
ORDER BY releasing_at ASC
LIMIT $2;
`
	return r.queryCandidates(ctx, "list stale releasing", q, lockedBefore, limit)
}

func (r *PostgresRepository) queryCandidates(ctx context.Context, op, q string, args ...any) (Candidates, error) {
	rows, err := r.pool.Query(ctx, q, args...)
	if err != nil {
		return Candidates{}, fmt.Errorf("%s: %w", op, err)
	}
	defer rows.Close()

	var res Candidates
	for rows.Next() {
		row, err := scanEscrowRow(rows)
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

// LockForRelease moves a held escrow to releasing inside one transaction. It
// reports false without writing when the row is missing or not held.
func (r *PostgresRepository) LockForRelease(ctx context.Context, id string, now time.Time) (bool, error) {
	return r.lockHeld(ctx, id, escrow.StatusReleasing, now)
}

// LockForRefund moves a held escrow to refunding. The reaper never unlocks it.
func (r *PostgresRepository) LockForRefund(ctx context.Context, id string, now time.Time) (bool, error) {
	return r.lockHeld(ctx, id, escrow.StatusRefunding, now)
}

func (r *PostgresRepository) lockHeld(ctx context.Context, id string, to escrow.Status, now time.Time) (bool, error) {
	locked := false
	err := r.WithTx(ctx, func(tx pgx.Tx) error {
		var status string
		err := tx.QueryRow(ctx, `SELECT status FROM escrows WHERE id = $1 FOR UPDATE;`, id).Scan(&status)
		if errors.Is(err, pgx.ErrNoRows) {
			return nil
		}
		if err != nil {
			return err
		}
		if escrow.Status(status) != escrow.StatusHeld {
			return nil
		}
		ct, err := tx.Exec(ctx, `
UPDATE escrows
SET status = $3, releasing_at = $2, updated_at = $2
WHERE id = $1 AND status = 'held';
`, id, now, string(to))
		if err != nil {
			return err
		}
		locked = ct.RowsAffected() == 1
		return nil
	})
	if err != nil {
		return false, fmt.Errorf("lock escrow %s: %w", id, err)
	}
	return locked, nil
}

// CommitTransferred records the successful transfer on a releasing escrow.
func (r *PostgresRepository) CommitTransferred(ctx context.Context, id, transferID string, now time.Time) error {
	const q = `
UPDATE escrows
SET status = 'transferred', transfer_id = $2, last_error = NULL, updated_at = $3
WHERE id = $1 AND status = 'releasing';
`
	return r.execOne(ctx, "commit transferred", id, q, id, transferID, now)
}

// SaveTransferKey stores the idempotency key about to be sent for a releasing escrow.
func (r *PostgresRepository) SaveTransferKey(ctx context.Context, id, key string, now time.Time) error {
	const q = `
UPDATE escrows
SET transfer_key = $2, updated_at = $3
WHERE id = $1 AND status = 'releasing';
`
	return r.execOne(ctx, "save transfer key", id, q, id, key, now)
}

// CommitRefunded records a refund on a refunding escrow.
func (r *PostgresRepository) CommitRefunded(ctx context.Context, id, refundID string, now time.Time) error {
	const q = `
UPDATE escrows
SET status = 'refunded', refund_id = $2, last_error = NULL, updated_at = $3
WHERE id = $1 AND status = 'refunding';
`
	return r.execOne(ctx, "commit refunded", id, q, id, refundID, now)
}

// RollbackToHeld unlocks a releasing escrow and keeps the failure reason.
func (r *PostgresRepository) RollbackToHeld(ctx context.Context, id, reason string, now time.Time) error {
	const q = `
UPDATE escrows
SET status = 'held', last_error = $2, releasing_at = NULL, updated_at = $3
WHERE id = $1 AND status = 'releasing';
`
	return r.execOne(ctx, "rollback escrow", id, q, id, reason, now)
}

// RollbackRefund unlocks a refunding escrow after the processor rejected the refund.
func (r *PostgresRepository) RollbackRefund(ctx context.Context, id, reason string, now time.Time) error {
	const q = `
UPDATE escrows
SET status = 'held', last_error = $2, releasing_at = NULL, updated_at = $3
WHERE id = $1 AND status = 'refunding';
`
	return r.execOne(ctx, "rollback refund", id, q, id, reason, now)
}

// RecordError stores a data-quality failure on a held escrow.
func (r *PostgresRepository) RecordError(ctx context.Context, id, reason string, now time.Time) error {
	const q = `
UPDATE escrows
SET last_error = $2, updated_at = $3
WHERE id = $1 AND status = 'held';
`
	return r.execOne(ctx, "record escrow error", id, q, id, reason, now)
}

// ReleaseStaleLock returns a releasing escrow locked before lockedBefore to held.
func (r *PostgresRepository) ReleaseStaleLock(ctx context.Context, id string, lockedBefore, now time.Time, reason string) (bool, error) {
	const q = `
UPDATE escrows
SET status = 'held', last_error = $4, releasing_at = NULL, updated_at = $3
WHERE id = $1 AND status = 'releasing' AND releasing_at < $2;
`
	ct, err := r.pool.Exec(ctx, q, id, lockedBefore, now, reason)
	if err != nil {
		return false, fmt.Errorf("release stale lock %s: %w", id, err)
	}
	return ct.RowsAffected() == 1, nil
}

func (r *PostgresRepository) execOne(ctx context.Context, op, id, q string, args ...any) error {
	ct, err := r.pool.Exec(ctx, q, args...)
	if err != nil {
		return fmt.Errorf("%s %s: %w", op, id, err)
	}
	if ct.RowsAffected() == 0 {
		return fmt.Errorf("%s %s: %w", op, id, ErrNotFound)
	}
	return nil
}
