package escrow

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// Status is the lifecycle state of an escrow record.
type Status string

const (
	StatusHeld        Status = "held"
	StatusReleasing   Status = "releasing"
	StatusTransferred Status = "transferred"
	// StatusRefunding is the refund lock. Nothing but the refund path or an
	// operator moves a record out of it.
	StatusRefunding   Status = "refunding"
	StatusRefunded    Status = "refunded"
)

// ErrMalformed marks a stored record that cannot be trusted by the release path.
var ErrMalformed = errors.New("malformed escrow record")

// Valid reports whether s is a known status.
func (s Status) Valid() bool {
	switch s {
	case StatusHeld, StatusReleasing, StatusTransferred, StatusRefunding, StatusRefunded:
		return true
	default:
		return false
	}
}

// Terminal reports whether no further transition is allowed from s.
func (s Status) Terminal() bool {
	return s == StatusTransferred || s == StatusRefunded
}

// CanTransition reports whether the state machine allows from -> to.
func CanTransition(from, to Status) bool {
	switch from {
	case StatusHeld:
		return to == StatusReleasing || to == StatusRefunding
	case StatusReleasing:
		return to == StatusTransferred || to == StatusHeld
	case StatusRefunding:
		return to == StatusRefunded || to == StatusHeld
	default:
		return false
	}
}

// Escrow is platform-held money owed to one seller for one completed order.
type Escrow struct {
	ID              string
	SiteKey         string
	Status          Status
	SellerAmount    int64
	Currency        string
	SellerConnectID string
	ChargeID        string
	TransferGroup   string
	ReleaseAt       *time.Time
	ManualHold      bool
	TransferID      string
	// TransferKey is the idempotency key last sent for this escrow. Retries
	// replay it so the processor returns the original transfer.
	TransferKey     string
	RefundID        string
	LastError       string
	// ReleasingAt is the lock timestamp of a releasing or refunding record.
	ReleasingAt     *time.Time
	CreatedAt       time.Time
	UpdatedAt       time.Time
}

// HasDestination reports whether the record carries everything a transfer needs.
func (e Escrow) HasDestination() bool {
	return strings.TrimSpace(e.SellerConnectID) != "" && e.SellerAmount > 0
}

// Due reports whether automatic release is permitted at now.
func (e Escrow) Due(now time.Time) bool {
	return e.ReleaseAt != nil && !e.ReleaseAt.After(now)
}

// Paid reports whether the record holds terminal proof of payment.
func (e Escrow) Paid() bool {
	return e.Status == StatusTransferred && e.TransferID != ""
}

// Row is the nullable shape a store reads before validation.
type Row struct {
	ID              *string
	SiteKey         *string
	Status          *string
	SellerAmount    *int64
	Currency        *string
	SellerConnectID *string
	ChargeID        *string
	TransferGroup   *string
	ReleaseAt       *time.Time
	ManualHold      *bool
	TransferID      *string
	TransferKey     *string
	RefundID        *string
	LastError       *string
	ReleasingAt     *time.Time
	CreatedAt       *time.Time
	UpdatedAt       *time.Time
}

// Parse validates field presence at the store boundary. Missing destination or
// amount is not malformed; the policy rejects those with a recorded reason.
func (r Row) Parse() (Escrow, error) {
	id := deref(r.ID)
	if strings.TrimSpace(id) == "" {
		return Escrow{}, fmt.Errorf("%w: missing id", ErrMalformed)
	}
	status := Status(deref(r.Status))
	if !status.Valid() {
		return Escrow{}, fmt.Errorf("%w: %s: unknown status %q", ErrMalformed, id, status)
	}
	if (status == StatusReleasing || status == StatusRefunding) && r.ReleasingAt == nil {
		return Escrow{}, fmt.Errorf("%w: %s: %s without lock timestamp", ErrMalformed, id, status)
	}
	e := Escrow{
		ID:              id,
		SiteKey:         deref(r.SiteKey),
		Status:          status,
		Currency:        strings.ToLower(deref(r.Currency)),
		SellerConnectID: deref(r.SellerConnectID),
		ChargeID:        deref(r.ChargeID),
		TransferGroup:   deref(r.TransferGroup),
		ReleaseAt:       r.ReleaseAt,
		TransferID:      deref(r.TransferID),
		TransferKey:     deref(r.TransferKey),
		RefundID:        deref(r.RefundID),
		LastError:       deref(r.LastError),
		ReleasingAt:     r.ReleasingAt,
	}
	if r.SellerAmount != nil {
		e.SellerAmount = *r.SellerAmount
	}
	if r.ManualHold != nil {
		e.ManualHold = *r.ManualHold
	}
	if r.CreatedAt != nil {
		e.CreatedAt = *r.CreatedAt
	}
	if r.UpdatedAt != nil {
		e.UpdatedAt = *r.UpdatedAt
	}
	return e, nil
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}

// SiteFlags are tenant-level payout switches owned by tenant management.
type SiteFlags struct {
	PayoutsSuspended    bool
	AutoPayoutsDisabled bool
}

// GlobalFlags are read once at the start of each batch.
type GlobalFlags struct {
	AutoPayoutsDisabled bool
}
