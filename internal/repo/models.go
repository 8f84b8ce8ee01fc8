package repo

import (
	"time"

	"storefront-escrow/internal/escrow"
)

// EscrowFilter selects held escrow candidates.
type EscrowFilter struct {
	SiteKey   string
	DueBefore *time.Time
	Limit     int
}

// Quarantined is a stored escrow that failed validation at read time.
type Quarantined struct {
	ID  string
	Err error
}

// Candidates is the validated result of an escrow query, in query order.
type Candidates struct {
	Escrows     []escrow.Escrow
	Quarantined []Quarantined
}

func (c *Candidates) add(row escrow.Row) {
	e, err := row.Parse()
	if err != nil {
		id := ""
		if row.ID != nil {
			id = *row.ID
		}
		c.Quarantined = append(c.Quarantined, Quarantined{ID: id, Err: err})
		return
	}
	c.Escrows = append(c.Escrows, e)
}

// Site represents a tenant storefront.
type Site struct {
	SiteKey             string
	OwnerEmail          string
	SellerConnectID     string
	StripeCustomerID    string
	PayoutsSuspended    bool
	AutoPayoutsDisabled bool
	PaymentStatus       string
	CreatedAt           time.Time
	UpdatedAt           time.Time
}

// Flags returns the payout switches of the site.
func (s Site) Flags() escrow.SiteFlags {
	return escrow.SiteFlags{
		PayoutsSuspended:    s.PayoutsSuspended,
		AutoPayoutsDisabled: s.AutoPayoutsDisabled,
	}
}

// OrderItem is one purchased line.
type OrderItem struct {
	Description string `json:"description"`
	Quantity    int64  `json:"quantity"`
	AmountTotal int64  `json:"amount_total"`
	PriceID     string `json:"price_id,omitempty"`
}

// Order represents a row in orders table.
type Order struct {
	ID            string
	SessionID     string
	SiteKey       string
	AmountTotal   int64
	Currency      string
	CustomerEmail string
	Items         []OrderItem
	CreatedAt     time.Time
}
