// Package policy decides whether a held escrow may be released right now.
package policy

import (
	"time"

	"storefront-escrow/internal/escrow"
)

// Mode selects between the scheduled sweep and admin-forced release.
type Mode string

const (
	ModeAuto   Mode = "auto"
	ModeForced Mode = "forced"
)

// Kind is the outcome class of a decision.
type Kind int

const (
	Release Kind = iota
	Skip
	Reject
)

func (k Kind) String() string {
	switch k {
	case Release:
		return "release"
	case Skip:
		return "skip"
	case Reject:
		return "reject"
	default:
		return "unknown"
	}
}

// Reasons recorded for skips and rejections.
const (
	ReasonAutoDisabledGlobal  = "auto_disabled_global"
	ReasonManualHold          = "manual_hold"
	ReasonSuspended           = "suspended"
	ReasonAutoDisabledSite    = "auto_disabled_site"
	ReasonNotDue              = "not_due"
	ReasonInvalidDestOrAmount = "invalid_destination_or_amount"
)

// Decision is the result of evaluating one escrow.
type Decision struct {
	Kind   Kind
	Reason string
}

// Decide applies the release rules in order. Hard stops (manual hold,
// suspension) win over forced mode; forced mode only bypasses the kill
// switches and the due date.
func Decide(e escrow.Escrow, now time.Time, site escrow.SiteFlags, global escrow.GlobalFlags, mode Mode) Decision {
	auto := mode != ModeForced
	switch {
	case auto && global.AutoPayoutsDisabled:
		return Decision{Kind: Skip, Reason: ReasonAutoDisabledGlobal}
	case e.ManualHold:
		return Decision{Kind: Skip, Reason: ReasonManualHold}
	case site.PayoutsSuspended:
		return Decision{Kind: Skip, Reason: ReasonSuspended}
	case auto && site.AutoPayoutsDisabled:
		return Decision{Kind: Skip, Reason: ReasonAutoDisabledSite}
	case auto && !e.Due(now):
		return Decision{Kind: Skip, Reason: ReasonNotDue}
	case !e.HasDestination():
		return Decision{Kind: Reject, Reason: ReasonInvalidDestOrAmount}
	}
	return Decision{Kind: Release}
}
