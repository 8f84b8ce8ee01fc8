package repo

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"storefront-escrow/internal/escrow"
	"storefront-escrow/internal/logging"
	"storefront-escrow/migrations"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestSQLite(t *testing.T) *SQLiteRepository {
	t.Helper()
	ctx := context.Background()
	r, err := NewSQLite(ctx, filepath.Join(t.TempDir(), "test.db"), logging.Discard())
	require.NoError(t, err)
	t.Cleanup(r.Close)
	require.NoError(t, r.RunMigrations(ctx, migrations.Files))
	return r
}

func heldEscrow(id string, releaseAt time.Time) escrow.Escrow {
	return escrow.Escrow{
		ID:              id,
		SiteKey:         "site_a",
		SellerAmount:    5000,
		Currency:        "jpy",
		SellerConnectID: "acct_1",
		TransferGroup:   "order_" + id,
		ReleaseAt:       &releaseAt,
		CreatedAt:       releaseAt.Add(-time.Hour),
	}
}

func TestSQLiteInsertAndGetEscrow(t *testing.T) {
	ctx := context.Background()
	r := newTestSQLite(t)
	now := time.UnixMilli(1700000000000).UTC()

	inserted, err := r.InsertEscrow(ctx, heldEscrow("cs_1", now))
	require.NoError(t, err)
	assert.True(t, inserted)

	inserted, err = r.InsertEscrow(ctx, heldEscrow("cs_1", now))
	require.NoError(t, err)
	assert.False(t, inserted, "duplicate insert must be a no-op")

	got, err := r.GetEscrow(ctx, "cs_1")
	require.NoError(t, err)
	assert.Equal(t, escrow.StatusHeld, got.Status)
	assert.Equal(t, int64(5000), got.SellerAmount)
	assert.Equal(t, "acct_1", got.SellerConnectID)
	require.NotNil(t, got.ReleaseAt)
	assert.True(t, got.ReleaseAt.Equal(now))
	assert.Empty(t, got.ChargeID)

	_, err = r.GetEscrow(ctx, "missing")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestSQLiteFindDueEscrowsOrdersAndFilters(t *testing.T) {
	ctx := context.Background()
	r := newTestSQLite(t)
	now := time.UnixMilli(1700000000000).UTC()

	_, err := r.InsertEscrow(ctx, heldEscrow("late", now.Add(-time.Hour)))
	require.NoError(t, err)
	_, err = r.InsertEscrow(ctx, heldEscrow("early", now.Add(-2*time.Hour)))
	require.NoError(t, err)
	_, err = r.InsertEscrow(ctx, heldEscrow("future", now.Add(time.Hour)))
	require.NoError(t, err)
	other := heldEscrow("other_site", now.Add(-3*time.Hour))
	other.SiteKey = "site_b"
	_, err = r.InsertEscrow(ctx, other)
	require.NoError(t, err)

	res, err := r.FindDueEscrows(ctx, EscrowFilter{SiteKey: "site_a", Limit: 10})
	require.NoError(t, err)
	require.Len(t, res.Escrows, 3)
	assert.Equal(t, []string{"early", "late", "future"}, ids(res.Escrows))

	res, err = r.FindDueEscrows(ctx, EscrowFilter{DueBefore: &now, Limit: 10})
	require.NoError(t, err)
	assert.Equal(t, []string{"other_site", "early", "late"}, ids(res.Escrows))

	res, err = r.FindDueEscrows(ctx, EscrowFilter{Limit: 1})
	require.NoError(t, err)
	assert.Len(t, res.Escrows, 1)
}

func TestSQLiteQuarantinesMalformedRows(t *testing.T) {
	ctx := context.Background()
	r := newTestSQLite(t)
	now := time.UnixMilli(1700000000000).UTC()

	_, err := r.InsertEscrow(ctx, heldEscrow("good", now))
	require.NoError(t, err)
	_, err = r.db.ExecContext(ctx, `INSERT INTO escrows (id, site_key, status) VALUES ('', 'site_a', 'held');`)
	require.NoError(t, err)
	_, err = r.db.ExecContext(ctx, `INSERT INTO escrows (id, site_key, status) VALUES ('weird', 'site_a', 'held');`)
	require.NoError(t, err)

	res, err := r.FindDueEscrows(ctx, EscrowFilter{Limit: 10})
	require.NoError(t, err)
	assert.Equal(t, []string{"good", "weird"}, ids(res.Escrows), "rows without amount parse and are left to the policy")
	require.Len(t, res.Quarantined, 1)
	assert.ErrorIs(t, res.Quarantined[0].Err, escrow.ErrMalformed)

	_, err = r.db.ExecContext(ctx, `UPDATE escrows SET status = 'releasing', releasing_at = NULL WHERE id = 'weird';`)
	require.NoError(t, err)
	_, err = r.GetEscrow(ctx, "weird")
	assert.ErrorIs(t, err, escrow.ErrMalformed)
}

func TestSQLiteLockForRelease(t *testing.T) {
	ctx := context.Background()
	r := newTestSQLite(t)
	now := time.UnixMilli(1700000000000).UTC()
	_, err := r.InsertEscrow(ctx, heldEscrow("cs_1", now))
	require.NoError(t, err)

	ok, err := r.LockForRelease(ctx, "cs_1", now)
	require.NoError(t, err)
	assert.True(t, ok)

	got, err := r.GetEscrow(ctx, "cs_1")
	require.NoError(t, err)
	assert.Equal(t, escrow.StatusReleasing, got.Status)
	require.NotNil(t, got.ReleasingAt)
	assert.True(t, got.ReleasingAt.Equal(now))

	later := now.Add(time.Minute)
	ok, err = r.LockForRelease(ctx, "cs_1", later)
	require.NoError(t, err)
	assert.False(t, ok, "releasing record must not relock")

	got, err = r.GetEscrow(ctx, "cs_1")
	require.NoError(t, err)
	assert.True(t, got.ReleasingAt.Equal(now), "rejected lock must not write")
	assert.True(t, got.UpdatedAt.Equal(now))

	require.NoError(t, r.CommitTransferred(ctx, "cs_1", "tr_1", later))
	ok, err = r.LockForRelease(ctx, "cs_1", later)
	require.NoError(t, err)
	assert.False(t, ok, "transferred record must not relock")

	ok, err = r.LockForRelease(ctx, "missing", later)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestSQLiteCommitAndRollback(t *testing.T) {
	ctx := context.Background()
	r := newTestSQLite(t)
	now := time.UnixMilli(1700000000000).UTC()
	_, err := r.InsertEscrow(ctx, heldEscrow("cs_1", now))
	require.NoError(t, err)

	err = r.CommitTransferred(ctx, "cs_1", "tr_1", now)
	assert.ErrorIs(t, err, ErrNotFound, "commit requires releasing")

	_, err = r.LockForRelease(ctx, "cs_1", now)
	require.NoError(t, err)
	require.NoError(t, r.RollbackToHeld(ctx, "cs_1", "card_declined", now))

	got, err := r.GetEscrow(ctx, "cs_1")
	require.NoError(t, err)
	assert.Equal(t, escrow.StatusHeld, got.Status)
	assert.Equal(t, "card_declined", got.LastError)
	assert.Nil(t, got.ReleasingAt)

	_, err = r.LockForRelease(ctx, "cs_1", now)
	require.NoError(t, err)
	require.NoError(t, r.CommitTransferred(ctx, "cs_1", "tr_1", now))

	got, err = r.GetEscrow(ctx, "cs_1")
	require.NoError(t, err)
	assert.True(t, got.Paid())
	assert.Equal(t, "tr_1", got.TransferID)
	assert.Empty(t, got.LastError)

	err = r.RollbackToHeld(ctx, "cs_1", "late", now)
	assert.ErrorIs(t, err, ErrNotFound, "terminal records never roll back")
}

func TestSQLiteRefundLock(t *testing.T) {
	ctx := context.Background()
	r := newTestSQLite(t)
	now := time.UnixMilli(1700000000000).UTC()
	_, err := r.InsertEscrow(ctx, heldEscrow("cs_1", now))
	require.NoError(t, err)

	ok, err := r.LockForRefund(ctx, "cs_1", now)
	require.NoError(t, err)
	require.True(t, ok)

	ok, err = r.LockForRelease(ctx, "cs_1", now)
	require.NoError(t, err)
	assert.False(t, ok, "a refunding escrow cannot be released")
	assert.ErrorIs(t, r.CommitTransferred(ctx, "cs_1", "tr_1", now), ErrNotFound)
	assert.ErrorIs(t, r.RollbackToHeld(ctx, "cs_1", "late", now), ErrNotFound)

	stale, err := r.ListStaleReleasing(ctx, now.Add(time.Hour), 10)
	require.NoError(t, err)
	assert.Empty(t, stale.Escrows)
	ok, err = r.ReleaseStaleLock(ctx, "cs_1", now.Add(time.Hour), now.Add(time.Hour), "stale_release_lock")
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, r.RollbackRefund(ctx, "cs_1", "charge_already_refunded", now))
	got, err := r.GetEscrow(ctx, "cs_1")
	require.NoError(t, err)
	assert.Equal(t, escrow.StatusHeld, got.Status)
	assert.Nil(t, got.ReleasingAt)

	_, err = r.LockForRelease(ctx, "cs_1", now)
	require.NoError(t, err)
	assert.ErrorIs(t, r.CommitRefunded(ctx, "cs_1", "re_1", now), ErrNotFound, "refund commit requires refunding")
	require.NoError(t, r.RollbackToHeld(ctx, "cs_1", "card_declined", now))

	ok, err = r.LockForRefund(ctx, "cs_1", now)
	require.NoError(t, err)
	require.True(t, ok)
	require.NoError(t, r.CommitRefunded(ctx, "cs_1", "re_1", now))
	got, err = r.GetEscrow(ctx, "cs_1")
	require.NoError(t, err)
	assert.Equal(t, escrow.StatusRefunded, got.Status)
	assert.Equal(t, "re_1", got.RefundID)
}

func TestSQLiteTransferKeyOutlivesUnlock(t *testing.T) {
	ctx := context.Background()
	r := newTestSQLite(t)
	now := time.UnixMilli(1700000000000).UTC()
	_, err := r.InsertEscrow(ctx, heldEscrow("cs_1", now))
	require.NoError(t, err)

	assert.ErrorIs(t, r.SaveTransferKey(ctx, "cs_1", "transfer:v2:cs_1:plain:1", now), ErrNotFound, "key is only saved under the release lock")

	_, err = r.LockForRelease(ctx, "cs_1", now)
	require.NoError(t, err)
	require.NoError(t, r.SaveTransferKey(ctx, "cs_1", "transfer:v2:cs_1:plain:1", now))
	ok, err := r.ReleaseStaleLock(ctx, "cs_1", now.Add(time.Minute), now.Add(time.Minute), "stale_release_lock")
	require.NoError(t, err)
	require.True(t, ok)

	got, err := r.GetEscrow(ctx, "cs_1")
	require.NoError(t, err)
	assert.Equal(t, escrow.StatusHeld, got.Status)
	assert.Equal(t, "transfer:v2:cs_1:plain:1", got.TransferKey)

	res, err := r.FindDueEscrows(ctx, EscrowFilter{Limit: 10})
	require.NoError(t, err)
	require.Len(t, res.Escrows, 1)
	assert.Equal(t, "transfer:v2:cs_1:plain:1", res.Escrows[0].TransferKey)
}

func TestSQLiteRecordErrorOnlyOnHeld(t *testing.T) {
	ctx := context.Background()
	r := newTestSQLite(t)
	now := time.UnixMilli(1700000000000).UTC()
	_, err := r.InsertEscrow(ctx, heldEscrow("cs_1", now))
	require.NoError(t, err)

	require.NoError(t, r.RecordError(ctx, "cs_1", "invalid_destination_or_amount", now))
	got, err := r.GetEscrow(ctx, "cs_1")
	require.NoError(t, err)
	assert.Equal(t, escrow.StatusHeld, got.Status)
	assert.Equal(t, "invalid_destination_or_amount", got.LastError)

	_, err = r.LockForRelease(ctx, "cs_1", now)
	require.NoError(t, err)
	assert.ErrorIs(t, r.RecordError(ctx, "cs_1", "x", now), ErrNotFound)
}

func TestSQLiteReleaseStaleLock(t *testing.T) {
	ctx := context.Background()
	r := newTestSQLite(t)
	now := time.UnixMilli(1700000000000).UTC()
	_, err := r.InsertEscrow(ctx, heldEscrow("old", now))
	require.NoError(t, err)
	_, err = r.InsertEscrow(ctx, heldEscrow("fresh", now))
	require.NoError(t, err)

	_, err = r.LockForRelease(ctx, "old", now.Add(-time.Hour))
	require.NoError(t, err)
	_, err = r.LockForRelease(ctx, "fresh", now)
	require.NoError(t, err)

	threshold := now.Add(-30 * time.Minute)
	stale, err := r.ListStaleReleasing(ctx, threshold, 10)
	require.NoError(t, err)
	assert.Equal(t, []string{"old"}, ids(stale.Escrows))

	ok, err := r.ReleaseStaleLock(ctx, "fresh", threshold, now, "stale_release_lock")
	require.NoError(t, err)
	assert.False(t, ok)

	ok, err = r.ReleaseStaleLock(ctx, "old", threshold, now, "stale_release_lock")
	require.NoError(t, err)
	assert.True(t, ok)

	got, err := r.GetEscrow(ctx, "old")
	require.NoError(t, err)
	assert.Equal(t, escrow.StatusHeld, got.Status)
	assert.Equal(t, "stale_release_lock", got.LastError)
}

func TestSQLiteSites(t *testing.T) {
	ctx := context.Background()
	r := newTestSQLite(t)

	require.NoError(t, r.UpsertSite(ctx, Site{
		SiteKey:          "site_a",
		OwnerEmail:       "owner@example.com",
		SellerConnectID:  "acct_1",
		StripeCustomerID: "cus_1",
		PayoutsSuspended: true,
	}))

	site, err := r.GetSite(ctx, "site_a")
	require.NoError(t, err)
	assert.Equal(t, "owner@example.com", site.OwnerEmail)
	assert.True(t, site.Flags().PayoutsSuspended)
	assert.False(t, site.Flags().AutoPayoutsDisabled)

	site, err = r.FindSiteByConnectAccount(ctx, "acct_1")
	require.NoError(t, err)
	assert.Equal(t, "site_a", site.SiteKey)

	site, err = r.FindSiteByCustomer(ctx, "cus_1")
	require.NoError(t, err)
	assert.Equal(t, "site_a", site.SiteKey)

	_, err = r.FindSiteByCustomer(ctx, "cus_missing")
	assert.ErrorIs(t, err, ErrNotFound)

	require.NoError(t, r.UpdateSitePaymentStatus(ctx, "site_a", "active"))
	site, err = r.GetSite(ctx, "site_a")
	require.NoError(t, err)
	assert.Equal(t, "active", site.PaymentStatus)

	assert.ErrorIs(t, r.UpdateSitePaymentStatus(ctx, "nope", "active"), ErrNotFound)
}

func TestSQLiteOrdersAndEvents(t *testing.T) {
	ctx := context.Background()
	r := newTestSQLite(t)
	now := time.UnixMilli(1700000000000).UTC()

	order := Order{
		SessionID:     "cs_1",
		SiteKey:       "site_a",
		AmountTotal:   5500,
		Currency:      "jpy",
		CustomerEmail: "buyer@example.com",
		Items:         []OrderItem{{Description: "Poster", Quantity: 1, AmountTotal: 5500}},
		CreatedAt:     now,
	}
	inserted, err := r.InsertOrder(ctx, order)
	require.NoError(t, err)
	assert.True(t, inserted)

	inserted, err = r.InsertOrder(ctx, order)
	require.NoError(t, err)
	assert.False(t, inserted)

	got, err := r.GetOrderBySession(ctx, "cs_1")
	require.NoError(t, err)
	assert.NotEmpty(t, got.ID)
	assert.Equal(t, order.Items, got.Items)
	assert.True(t, got.CreatedAt.Equal(now))

	seen, err := r.HasProcessedEvent(ctx, "evt_1")
	require.NoError(t, err)
	assert.False(t, seen)

	require.NoError(t, r.MarkEventProcessed(ctx, "evt_1", "checkout.session.completed", now))
	require.NoError(t, r.MarkEventProcessed(ctx, "evt_1", "checkout.session.completed", now))

	seen, err = r.HasProcessedEvent(ctx, "evt_1")
	require.NoError(t, err)
	assert.True(t, seen)
}

func TestSQLiteLockPropagatesStoreError(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	r := NewSQLiteFromDB(db, logging.Discard())
	mock.ExpectExec("UPDATE escrows").
		WithArgs(sqlmock.AnyArg(), sqlmock.AnyArg(), "cs_1").
		WillReturnError(errors.New("disk I/O error"))

	ok, err := r.LockForRelease(context.Background(), "cs_1", time.Now())
	require.Error(t, err)
	assert.False(t, ok)
	assert.Contains(t, err.Error(), "lock escrow cs_1")
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestSQLiteFindDuePropagatesQueryError(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	r := NewSQLiteFromDB(db, logging.Discard())
	mock.ExpectQuery("SELECT (.+) FROM escrows").WillReturnError(errors.New("database is locked"))

	_, err = r.FindDueEscrows(context.Background(), EscrowFilter{Limit: 5})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "find due escrows")
	require.NoError(t, mock.ExpectationsWereMet())
}

func ids(list []escrow.Escrow) []string {
	out := make([]string, 0, len(list))
	for _, e := range list {
		out = append(out, e.ID)
	}
	return out
}
