package payout

import (
	"context"
	"log/slog"

	"storefront-escrow/internal/escrow"
)

// FlagSource loads the global flags at the start of a batch.
type FlagSource interface {
	GlobalFlags(ctx context.Context) escrow.GlobalFlags
}

// OverrideSource returns an operator override of the kill switch. set is false
// when none is stored.
type OverrideSource interface {
	AutoPayoutsOverride(ctx context.Context) (disabled, set bool, err error)
}

// KillSwitch combines the configured default with an optional runtime override.
type KillSwitch struct {
	Default  bool
	Override OverrideSource
	Logger   *slog.Logger
}

// GlobalFlags returns the effective flags. An unreadable override disables
// auto payouts: an operator may have engaged the switch.
func (k KillSwitch) GlobalFlags(ctx context.Context) escrow.GlobalFlags {
	flags := escrow.GlobalFlags{AutoPayoutsDisabled: k.Default}
	if k.Override == nil {
		return flags
	}
	disabled, set, err := k.Override.AutoPayoutsOverride(ctx)
	if err != nil {
		if k.Logger != nil {
			k.Logger.Error("kill switch override unavailable, auto payouts disabled", "error", err, "default", k.Default)
		}
		flags.AutoPayoutsDisabled = true
		return flags
	}
	if set {
		flags.AutoPayoutsDisabled = disabled
	}
	return flags
}
