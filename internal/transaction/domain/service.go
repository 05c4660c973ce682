package domain

import (
	"context"
	"errors"
	"time"

	"github.com/bwmarrin/snowflake"
	plandomain "github.com/nimbusbase/meterbill/internal/plan/domain"
	"github.com/shopspring/decimal"
)

var (
	ErrInvalidQuantity = errors.New("invalid_quantity")
	ErrInvalidPrice    = errors.New("invalid_price")
	ErrInvalidKind     = errors.New("invalid_kind")
	ErrNoActivePlan    = errors.New("no_active_plan")
)

// PlanResolver answers which pricing plan governs an account at a point in
// time. The subscription engine provides the implementation.
type PlanResolver interface {
	PlanFor(ctx context.Context, accountID snowflake.ID, at time.Time) (*plandomain.PricingPlan, error)
}

// ChargeIntent is a ledger write before it happens. Quantity and Price must
// be non-negative; the ledger derives the signed Amount from Kind.
type ChargeIntent struct {
	AccountID  snowflake.ID
	InstanceID snowflake.ID
	Source     string
	Kind       Kind
	Period     time.Time
	Quantity   decimal.Decimal
	Price      decimal.Decimal
	DedupeKey  string
}

// Service is the append-only money ledger.
type Service interface {
	// Record appends one entry. A duplicate dedupe key is not an error: the
	// call reports the write as already applied and returns nil.
	Record(ctx context.Context, intent ChargeIntent) (*Transaction, error)

	// FlushHourCharges turns every closed, unbilled hour boundary into ledger
	// entries, splitting each slot's quantity into an included (free) part
	// and an overage part priced by the account's plan.
	FlushHourCharges(ctx context.Context) error

	// SumForPeriod returns the signed ledger total for the account's period.
	SumForPeriod(ctx context.Context, accountID snowflake.ID, period time.Time) (decimal.Decimal, error)

	// ListForPeriod returns the period's entries in creation order.
	ListForPeriod(ctx context.Context, accountID snowflake.ID, period time.Time) ([]Transaction, error)

	// Balance returns the cached balance projection for the period.
	Balance(ctx context.Context, accountID snowflake.ID, period time.Time) (decimal.Decimal, error)

	// RepairBalance overwrites the cached projection with the ledger sum and
	// reports the drift it erased.
	RepairBalance(ctx context.Context, accountID snowflake.ID, period time.Time) (decimal.Decimal, error)
}
