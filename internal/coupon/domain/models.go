// Package domain models coupons and their redemptions. A redeemed coupon
// becomes a discount window that invoice finalization turns into negative
// invoice items.
package domain

import (
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/shopspring/decimal"
)

// Coupon is a redeemable offer. Exactly one of PercentOff and AmountOff is
// set: percent coupons scale the invoice total, amount coupons subtract a
// flat figure.
type Coupon struct {
	ID   snowflake.ID `gorm:"primaryKey"`
	Code string       `gorm:"type:text;not null;uniqueIndex"`
	Name string       `gorm:"type:text;not null"`

	PercentOff int             `gorm:"not null;default:0"`
	AmountOff  decimal.Decimal `gorm:"type:numeric(15,5);not null;default:0"`

	// DurationMonths is how many billing periods the discount stays active
	// after redemption.
	DurationMonths int `gorm:"not null;default:1"`

	// RedeemBy is the last day the coupon can be redeemed, not how long the
	// resulting discount lasts.
	RedeemBy  time.Time `gorm:"not null"`
	CreatedAt time.Time `gorm:"not null;default:CURRENT_TIMESTAMP"`
}

// TableName sets the database table name.
func (Coupon) TableName() string { return "coupons" }

// PercentBased reports whether the coupon scales rather than subtracts.
func (c *Coupon) PercentBased() bool { return c.PercentOff > 0 }

// Discount is one redemption: the coupon applied to an account and instance
// over [StartsAt, EndsAt). The triple is unique, so a coupon is redeemed at
// most once per account and instance.
type Discount struct {
	ID         snowflake.ID `gorm:"primaryKey"`
	CouponID   snowflake.ID `gorm:"not null;uniqueIndex:ux_discounts_redemption,priority:1"`
	AccountID  snowflake.ID `gorm:"not null;uniqueIndex:ux_discounts_redemption,priority:2"`
	InstanceID snowflake.ID `gorm:"not null;uniqueIndex:ux_discounts_redemption,priority:3"`

	StartsAt  time.Time `gorm:"not null"`
	EndsAt    time.Time `gorm:"not null"`
	CreatedAt time.Time `gorm:"not null;default:CURRENT_TIMESTAMP"`

	Coupon Coupon `gorm:"foreignKey:CouponID"`
}

// TableName sets the database table name.
func (Discount) TableName() string { return "discounts" }

// ActiveIn reports whether the discount window overlaps the billing period
// starting at periodStart.
func (d *Discount) ActiveIn(periodStart, periodEnd time.Time) bool {
	return d.StartsAt.Before(periodEnd) && d.EndsAt.After(periodStart)
}
