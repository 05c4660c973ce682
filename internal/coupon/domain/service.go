package domain

import (
	"context"
	"errors"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/shopspring/decimal"
)

var (
	ErrCouponNotFound  = errors.New("coupon_not_found")
	ErrCouponExpired   = errors.New("coupon_expired")
	ErrInvalidCoupon   = errors.New("invalid_coupon")
	ErrDuplicateCoupon = errors.New("duplicate_coupon")
	ErrAlreadyRedeemed = errors.New("already_redeemed")
)

// CreateCouponRequest describes a new coupon. Exactly one of PercentOff and
// AmountOff must be set.
type CreateCouponRequest struct {
	Code           string
	Name           string
	PercentOff     int
	AmountOff      decimal.Decimal
	DurationMonths int
	RedeemBy       time.Time
}

// RedeemRequest applies a coupon to an account and instance.
type RedeemRequest struct {
	Code       string
	AccountID  snowflake.ID
	InstanceID snowflake.ID
}

// Service manages the coupon catalog and redemptions.
type Service interface {
	// Create registers a coupon.
	Create(ctx context.Context, req CreateCouponRequest) (*Coupon, error)

	// GetByCode fetches a coupon.
	GetByCode(ctx context.Context, code string) (*Coupon, error)

	// Redeem opens the discount window. Redeeming past RedeemBy fails, and a
	// second redemption of the same triple fails.
	Redeem(ctx context.Context, req RedeemRequest) (*Discount, error)

	// ActiveDiscounts returns the discounts overlapping the billing period,
	// coupons preloaded.
	ActiveDiscounts(ctx context.Context, accountID snowflake.ID, periodStart time.Time) ([]Discount, error)
}
