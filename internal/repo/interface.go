package repo

import (
	"context"
	"errors"
	"io/fs"
	"time"

	"storefront-escrow/internal/escrow"
)

// ErrNotFound is returned when a looked-up record does not exist.
var ErrNotFound = errors.New("not found")

// Repository defines the interface for data persistence. Escrow status is only
// changed through the lock, commit, rollback and stale-lock methods.
type Repository interface {
	// Lifecycle
	Close()
	Ping(ctx context.Context) error
	RunMigrations(ctx context.Context, filesystem fs.FS) error

	// Escrows
	InsertEscrow(ctx context.Context, e escrow.Escrow) (bool, error)
	GetEscrow(ctx context.Context, id string) (escrow.Escrow, error)
	FindDueEscrows(ctx context.Context, filter EscrowFilter) (Candidates, error)
	LockForRelease(ctx context.Context, id string, now time.Time) (bool, error)
	LockForRefund(ctx context.Context, id string, now time.Time) (bool, error)
	SaveTransferKey(ctx context.Context, id, key string, now time.Time) error
	CommitTransferred(ctx context.Context, id, transferID string, now time.Time) error
	CommitRefunded(ctx context.Context, id, refundID string, now time.Time) error
	RollbackToHeld(ctx context.Context, id, reason string, now time.Time) error
	RollbackRefund(ctx context.Context, id, reason string, now time.Time) error
	RecordError(ctx context.Context, id, reason string, now time.Time) error
	ListStaleReleasing(ctx context.Context, lockedBefore time.Time, limit int) (Candidates, error)
	ReleaseStaleLock(ctx context.Context, id string, lockedBefore, now time.Time, reason string) (bool, error)

	// Sites
	UpsertSite(ctx context.Context, site Site) error
	GetSite(ctx context.Context, siteKey string) (*Site, error)
	FindSiteByConnectAccount(ctx context.Context, accountID string) (*Site, error)
	FindSiteByCustomer(ctx context.Context, customerID string) (*Site, error)
	UpdateSitePaymentStatus(ctx context.Context, siteKey, status string) error

	// Orders
	InsertOrder(ctx context.Context, order Order) (bool, error)
	GetOrderBySession(ctx context.Context, sessionID string) (*Order, error)

	// Webhook events
	HasProcessedEvent(ctx context.Context, eventID string) (bool, error)
	MarkEventProcessed(ctx context.Context, eventID, eventType string, at time.Time) error
}
