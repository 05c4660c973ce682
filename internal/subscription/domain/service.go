package domain

import (
	"context"
	"errors"
	"time"

	"github.com/bwmarrin/snowflake"
)

var (
	ErrNoSubscription    = errors.New("no_subscription")
	ErrAlreadySubscribed = errors.New("already_subscribed")
	ErrEffectiveInPast   = errors.New("effective_in_past")
	ErrSamePlan          = errors.New("same_plan")
)

// SubscribeRequest opens an account's first subscription.
type SubscribeRequest struct {
	AccountID snowflake.ID
	PlanCode  string
	Start     time.Time
}

// ChangePlanRequest switches an account to another plan at the effective
// instant.
type ChangePlanRequest struct {
	AccountID snowflake.ID
	PlanCode  string
	Effective time.Time
}

// Service manages the subscription timeline and the recurring fees it implies.
type Service interface {
	// Subscribe opens a subscription and books the prorated fee for the
	// remainder of the starting month.
	Subscribe(ctx context.Context, req SubscribeRequest) (*Subscription, error)

	// Current returns the subscription covering the instant.
	Current(ctx context.Context, accountID snowflake.ID, at time.Time) (*Subscription, error)

	// ChangePlan closes the current subscription at the effective instant,
	// opens the next one there, and books the new plan's prorated fee for the
	// rest of the month. The old plan's fee is not refunded.
	ChangePlan(ctx context.Context, req ChangePlanRequest) (*Subscription, error)

	// ChargePlanFees books the full monthly fee for every paid subscription
	// active at the period start that has not been charged for it yet.
	ChargePlanFees(ctx context.Context, period time.Time) error

	// MarkCharged advances the paid-through watermark after the period's
	// invoice succeeds.
	MarkCharged(ctx context.Context, accountID snowflake.ID, until time.Time) error
}
