package domain

import (
	"context"
	"errors"

	"github.com/bwmarrin/snowflake"
	"github.com/shopspring/decimal"
)

var (
	ErrProfileNotFound  = errors.New("profile_not_found")
	ErrDuplicateProfile = errors.New("duplicate_profile")
	ErrInvalidLimit     = errors.New("invalid_limit")
	ErrHardLimitReached = errors.New("hard_limit_reached")
)

// Suspender is the port the monitor calls when an account crosses its hard
// limit. The platform side decides what suspension means.
type Suspender interface {
	Suspend(ctx context.Context, accountID snowflake.ID) error
}

// AlertSink receives one-shot limit crossing notifications.
type AlertSink interface {
	SoftLimitReached(ctx context.Context, profile BillingProfile) error
	HardLimitReached(ctx context.Context, profile BillingProfile) error
}

// LimitState classifies an account's spend against its configured limits.
type LimitState string

const (
	StateOK           LimitState = "ok"
	StateSoftExceeded LimitState = "soft_exceeded"
	StateHardExceeded LimitState = "hard_exceeded"
)

// SetLimitsRequest updates an account's limits. LimitUnset disables a limit.
type SetLimitsRequest struct {
	AccountID snowflake.ID
	SoftLimit decimal.Decimal
	HardLimit decimal.Decimal
}

// Service is the spend limit monitor.
type Service interface {
	// InitializeProfile creates the per-account profile with both limits unset.
	InitializeProfile(ctx context.Context, accountID snowflake.ID) (*BillingProfile, error)

	// Get returns the account's profile.
	Get(ctx context.Context, accountID snowflake.ID) (*BillingProfile, error)

	// SetLimits replaces the account's limits. A soft limit above the hard
	// limit is rejected.
	SetLimits(ctx context.Context, req SetLimitsRequest) (*BillingProfile, error)

	// ApplyCharge adds amount to the cycle's spend and raises each limit
	// crossing at most once per cycle. It never blocks the charge itself:
	// enforcement is the suspender's concern.
	ApplyCharge(ctx context.Context, accountID snowflake.ID, amount decimal.Decimal) error

	// Evaluate classifies the account's current cycle spend. The hard state
	// wins when both limits are crossed.
	Evaluate(ctx context.Context, accountID snowflake.ID) (LimitState, error)

	// HardLimitReached reports whether the account sits past its hard limit.
	HardLimitReached(ctx context.Context, accountID snowflake.ID) (bool, error)

	// RolloverCycle resets the spend counter and re-arms both crossing
	// markers at the start of a new billing cycle.
	RolloverCycle(ctx context.Context, accountID snowflake.ID) error
}
