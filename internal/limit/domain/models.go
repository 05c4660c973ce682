// Package domain holds the spend-limit profile tracked per account and the
// collaborator ports the monitor raises crossings on.
package domain

import (
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/shopspring/decimal"
)

// LimitUnset disables a limit. Limits are only enforced when positive.
var LimitUnset = decimal.NewFromInt(-1)

// BillingProfile tracks an account's spend against its configured limits for
// the current billing cycle. The reached timestamps are one-shot markers:
// set at most once per cycle and cleared only by rollover.
type BillingProfile struct {
	ID        snowflake.ID `gorm:"primaryKey"`
	AccountID snowflake.ID `gorm:"not null;uniqueIndex"`

	SoftLimit decimal.Decimal `gorm:"type:numeric(15,5);not null;default:-1"`
	HardLimit decimal.Decimal `gorm:"type:numeric(15,5);not null;default:-1"`

	PeriodSpend decimal.Decimal `gorm:"type:numeric(15,5);not null;default:0"`

	SoftLimitReachedAt *time.Time
	HardLimitReachedAt *time.Time

	CreatedAt time.Time `gorm:"not null;default:CURRENT_TIMESTAMP"`
	UpdatedAt time.Time `gorm:"not null;default:CURRENT_TIMESTAMP"`
}

// TableName sets the database table name.
func (BillingProfile) TableName() string { return "billing_profiles" }

// SoftLimitSet reports whether the soft limit is enforced.
func (p *BillingProfile) SoftLimitSet() bool { return p.SoftLimit.IsPositive() }

// HardLimitSet reports whether the hard limit is enforced.
func (p *BillingProfile) HardLimitSet() bool { return p.HardLimit.IsPositive() }
