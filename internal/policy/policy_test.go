package policy

import (
	"testing"
	"time"

	"storefront-escrow/internal/escrow"

	"github.com/stretchr/testify/assert"
)

func dueEscrow(now time.Time) escrow.Escrow {
	releaseAt := now.Add(-time.Hour)
	return escrow.Escrow{
		ID:              "cs_1",
		Status:          escrow.StatusHeld,
		SellerAmount:    5000,
		Currency:        "jpy",
		SellerConnectID: "acct_1",
		ReleaseAt:       &releaseAt,
	}
}

func TestDecideReleasesDueEscrow(t *testing.T) {
	now := time.Now()
	d := Decide(dueEscrow(now), now, escrow.SiteFlags{}, escrow.GlobalFlags{}, ModeAuto)
	assert.Equal(t, Decision{Kind: Release}, d)
}

func TestDecideSuspendedSite(t *testing.T) {
	now := time.Now()
	d := Decide(dueEscrow(now), now, escrow.SiteFlags{PayoutsSuspended: true}, escrow.GlobalFlags{}, ModeAuto)
	assert.Equal(t, Decision{Kind: Skip, Reason: ReasonSuspended}, d)
}

func TestDecideManualHoldDominates(t *testing.T) {
	now := time.Now()
	e := dueEscrow(now)
	e.ManualHold = true
	for _, mode := range []Mode{ModeAuto, ModeForced} {
		for _, site := range []escrow.SiteFlags{
			{},
			{PayoutsSuspended: true},
			{AutoPayoutsDisabled: true},
			{PayoutsSuspended: true, AutoPayoutsDisabled: true},
		} {
			d := Decide(e, now, site, escrow.GlobalFlags{}, mode)
			assert.Equal(t, Skip, d.Kind, "mode=%s site=%+v", mode, site)
			assert.NotEqual(t, Release, d.Kind)
		}
	}
}

func TestDecideGlobalKillSwitchOnlyBlocksAuto(t *testing.T) {
	now := time.Now()
	global := escrow.GlobalFlags{AutoPayoutsDisabled: true}

	d := Decide(dueEscrow(now), now, escrow.SiteFlags{}, global, ModeAuto)
	assert.Equal(t, Decision{Kind: Skip, Reason: ReasonAutoDisabledGlobal}, d)

	d = Decide(dueEscrow(now), now, escrow.SiteFlags{}, global, ModeForced)
	assert.Equal(t, Release, d.Kind)
}

func TestDecideSiteAutoDisabledOnlyBlocksAuto(t *testing.T) {
	now := time.Now()
	site := escrow.SiteFlags{AutoPayoutsDisabled: true}

	assert.Equal(t, ReasonAutoDisabledSite, Decide(dueEscrow(now), now, site, escrow.GlobalFlags{}, ModeAuto).Reason)
	assert.Equal(t, Release, Decide(dueEscrow(now), now, site, escrow.GlobalFlags{}, ModeForced).Kind)
}

func TestDecideSuspensionBlocksForced(t *testing.T) {
	now := time.Now()
	d := Decide(dueEscrow(now), now, escrow.SiteFlags{PayoutsSuspended: true}, escrow.GlobalFlags{}, ModeForced)
	assert.Equal(t, Decision{Kind: Skip, Reason: ReasonSuspended}, d)
}

func TestDecideDueDateBypassOnlyInForcedMode(t *testing.T) {
	now := time.Now()
	future := now.Add(24 * time.Hour)
	e := dueEscrow(now)
	e.ReleaseAt = &future

	assert.Equal(t, Decision{Kind: Skip, Reason: ReasonNotDue}, Decide(e, now, escrow.SiteFlags{}, escrow.GlobalFlags{}, ModeAuto))
	assert.Equal(t, Release, Decide(e, now, escrow.SiteFlags{}, escrow.GlobalFlags{}, ModeForced).Kind)

	e.SellerConnectID = ""
	assert.Equal(t, Decision{Kind: Reject, Reason: ReasonInvalidDestOrAmount}, Decide(e, now, escrow.SiteFlags{}, escrow.GlobalFlags{}, ModeForced))
}

func TestDecideUnsetReleaseAtIsNotDue(t *testing.T) {
	now := time.Now()
	e := dueEscrow(now)
	e.ReleaseAt = nil
	assert.Equal(t, ReasonNotDue, Decide(e, now, escrow.SiteFlags{}, escrow.GlobalFlags{}, ModeAuto).Reason)
}

func TestDecideRejectsInvalidAmount(t *testing.T) {
	now := time.Now()
	for _, amount := range []int64{0, -100} {
		e := dueEscrow(now)
		e.SellerAmount = amount
		d := Decide(e, now, escrow.SiteFlags{}, escrow.GlobalFlags{}, ModeAuto)
		assert.Equal(t, Decision{Kind: Reject, Reason: ReasonInvalidDestOrAmount}, d)
	}
}
