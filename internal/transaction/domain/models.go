// Package domain holds the append-only transaction ledger. Transactions are
// the canonical money record: balances and invoices are projections of it.
package domain

import (
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/shopspring/decimal"
)

// LedgerPrecision is the digit count all ledger amounts are rounded to.
const LedgerPrecision = 5

// RoundLedger rounds half to even at ledger precision, so repeated
// aggregation does not drift upward.
func RoundLedger(d decimal.Decimal) decimal.Decimal {
	return d.RoundBank(LedgerPrecision)
}

// Kind classifies a ledger entry.
type Kind string

const (
	KindCharge   Kind = "charge"
	KindRefund   Kind = "refund"
	KindDiscount Kind = "discount"
)

// Ledger sources. Usage sources carry the metered source name; recurring fees
// use SourcePlanFee.
const (
	SourcePlanFee = "plan_fee"
)

// Transaction is one immutable ledger row. Amount is signed: charges add to
// what the account owes, refunds and discounts subtract. DedupeKey makes
// replayed writes collapse onto the first row.
type Transaction struct {
	ID         snowflake.ID `gorm:"primaryKey"`
	AccountID  snowflake.ID `gorm:"not null;index:ix_transactions_account_period,priority:1"`
	InstanceID snowflake.ID `gorm:"not null"`

	Source string `gorm:"type:text;not null"`
	Kind   Kind   `gorm:"type:text;not null"`

	// Period is the first instant of the billing month the entry belongs to.
	Period time.Time `gorm:"not null;index:ix_transactions_account_period,priority:2"`

	Quantity decimal.Decimal `gorm:"type:numeric(20,5);not null"`
	Price    decimal.Decimal `gorm:"type:numeric(15,5);not null"`
	Amount   decimal.Decimal `gorm:"type:numeric(15,5);not null"`

	DedupeKey *string   `gorm:"type:text;uniqueIndex"`
	CreatedAt time.Time `gorm:"not null;default:CURRENT_TIMESTAMP"`
}

// TableName sets the database table name.
func (Transaction) TableName() string { return "transactions" }

// AccountBalance is the cached running balance per account and period. The
// ledger sum is authoritative; reconciliation repairs this projection when
// they diverge.
type AccountBalance struct {
	ID        snowflake.ID    `gorm:"primaryKey"`
	AccountID snowflake.ID    `gorm:"not null;uniqueIndex:ux_account_balances_period,priority:1"`
	Period    time.Time       `gorm:"not null;uniqueIndex:ux_account_balances_period,priority:2"`
	Balance   decimal.Decimal `gorm:"type:numeric(15,5);not null"`
	UpdatedAt time.Time       `gorm:"not null;default:CURRENT_TIMESTAMP"`
}

// TableName sets the database table name.
func (AccountBalance) TableName() string { return "account_balances" }

// MonthStart truncates t to the first instant of its month in UTC.
func MonthStart(t time.Time) time.Time {
	u := t.UTC()
	return time.Date(u.Year(), u.Month(), 1, 0, 0, 0, 0, time.UTC)
}

// NextMonth returns the first instant of the month after period.
func NextMonth(period time.Time) time.Time {
	return MonthStart(period).AddDate(0, 1, 0)
}
