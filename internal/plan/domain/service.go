package domain

import (
	"context"
	"errors"

	"github.com/bwmarrin/snowflake"
	eventdomain "github.com/nimbusbase/meterbill/internal/event/domain"
	"github.com/shopspring/decimal"
)

var (
	ErrPlanNotFound    = errors.New("plan_not_found")
	ErrPlanUnavailable = errors.New("plan_unavailable")
	ErrDuplicatePlan   = errors.New("duplicate_plan")
)

// CreatePlanRequest describes a new catalog entry.
type CreatePlanRequest struct {
	Code       string
	Name       string
	MonthlyFee decimal.Decimal
	PaidPlan   bool
	Schedules  []ScheduleSpec
}

// ScheduleSpec prices one source inside CreatePlanRequest.
type ScheduleSpec struct {
	Source           eventdomain.Source
	IncludedQuantity decimal.Decimal
	OveragePrice     decimal.Decimal
}

// Service is the pricing catalog.
type Service interface {
	// Create registers a plan with its fee schedules.
	Create(ctx context.Context, req CreatePlanRequest) (*PricingPlan, error)

	// GetByCode fetches an available plan with schedules preloaded.
	GetByCode(ctx context.Context, code string) (*PricingPlan, error)

	// GetByID fetches a plan regardless of availability; closed subscriptions
	// still reference retired plans.
	GetByID(ctx context.Context, id snowflake.ID) (*PricingPlan, error)

	// List returns the available catalog.
	List(ctx context.Context) ([]PricingPlan, error)

	// Retire hides a plan from new subscriptions without touching existing ones.
	Retire(ctx context.Context, code string) error
}
