// Package domain models account subscriptions: which plan governs an account
// over which date range, and how far the recurring fee is paid.
package domain

import (
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/shopspring/decimal"
)

// MinProratedCharge is the floor applied to any positive prorated fee.
var MinProratedCharge = decimal.New(50, -2)

// Subscription binds an account to a plan over [StartDate, EndDate). A nil
// EndDate means the subscription is open. Ranges for one account never
// overlap: a plan change closes the current row at the effective instant and
// opens the next one there.
type Subscription struct {
	ID        snowflake.ID `gorm:"primaryKey"`
	AccountID snowflake.ID `gorm:"not null;index"`
	PlanID    snowflake.ID `gorm:"not null"`

	StartDate time.Time  `gorm:"not null"`
	EndDate   *time.Time `gorm:"index"`

	// ChargedUntil is the paid-through watermark. It advances only when the
	// invoice carrying the fee reaches payment_succeeded.
	ChargedUntil *time.Time

	CreatedAt time.Time `gorm:"not null;default:CURRENT_TIMESTAMP"`
	UpdatedAt time.Time `gorm:"not null;default:CURRENT_TIMESTAMP"`
}

// TableName sets the database table name.
func (Subscription) TableName() string { return "subscriptions" }

// ActiveAt reports whether the subscription covers the instant.
func (s *Subscription) ActiveAt(at time.Time) bool {
	if at.Before(s.StartDate) {
		return false
	}
	return s.EndDate == nil || at.Before(*s.EndDate)
}

// ProratedFee charges the remainder of at's month: the monthly fee scaled by
// the days left after the day of change. A positive result is floored at
// MinProratedCharge.
func ProratedFee(monthlyFee decimal.Decimal, at time.Time) decimal.Decimal {
	u := at.UTC()
	daysInMonth := time.Date(u.Year(), u.Month(), 1, 0, 0, 0, 0, time.UTC).
		AddDate(0, 1, -1).Day()
	daysLeft := daysInMonth - u.Day()
	if daysLeft <= 0 {
		return decimal.Zero
	}

	fee := monthlyFee.
		Mul(decimal.NewFromInt(int64(daysLeft))).
		Div(decimal.NewFromInt(int64(daysInMonth))).
		RoundBank(5)
	if fee.IsPositive() && fee.LessThan(MinProratedCharge) {
		return MinProratedCharge
	}
	return fee
}
