// Package domain models invoices and the state machine that governs them.
// An invoice is a frozen projection of the transaction ledger for one
// account and billing period.
package domain

import (
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/shopspring/decimal"
)

// Status is the invoice lifecycle state.
type Status string

const (
	// StatusNew is the in-construction state during finalization.
	StatusNew Status = "new"
	// StatusPending holds a payable invoice waiting to be scheduled.
	StatusPending Status = "pending"
	// StatusEmpty closes a period with nothing to pay.
	StatusEmpty Status = "empty"
	// StatusFake closes a free-tier period; never sent for payment.
	StatusFake Status = "fake"
	// StatusSchedulingFailed flags an invoice the gateway kept rejecting;
	// billing ops takes over from here.
	StatusSchedulingFailed Status = "scheduling_failed"
	StatusPaymentScheduled Status = "payment_scheduled"
	StatusPaymentFailed    Status = "payment_failed"
	StatusPaymentSucceeded Status = "payment_succeeded"
)

var legalTransitions = map[Status][]Status{
	StatusNew:              {StatusPending, StatusEmpty, StatusFake},
	StatusPending:          {StatusPaymentScheduled, StatusSchedulingFailed},
	StatusSchedulingFailed: {StatusPaymentScheduled},
	StatusPaymentScheduled: {StatusPaymentSucceeded, StatusPaymentFailed},
	StatusPaymentFailed:    {StatusPending},
}

// CanTransition reports whether from -> to is a legal edge.
func CanTransition(from, to Status) bool {
	for _, next := range legalTransitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// Terminal reports whether the status accepts no further transitions.
func (s Status) Terminal() bool {
	return len(legalTransitions[s]) == 0
}

// Invoice is the period's bill. Amount always equals the sum of its items;
// a violation of that is an integrity fault, not a user error.
type Invoice struct {
	ID        snowflake.ID `gorm:"primaryKey"`
	AccountID snowflake.ID `gorm:"not null;uniqueIndex:ux_invoices_account_period,priority:1"`
	Period    time.Time    `gorm:"not null;uniqueIndex:ux_invoices_account_period,priority:2"`

	Status Status          `gorm:"type:text;not null"`
	Amount decimal.Decimal `gorm:"type:numeric(15,5);not null"`

	DueDate time.Time `gorm:"not null"`

	// StatusSentAt is the at-most-once marker for the closing notification.
	StatusSentAt *time.Time

	ChargeAttempts int `gorm:"not null;default:0"`
	// ExternalRef is the payment gateway's reference once scheduled.
	ExternalRef string `gorm:"type:text;not null;default:''"`

	CreatedAt time.Time `gorm:"not null;default:CURRENT_TIMESTAMP"`
	UpdatedAt time.Time `gorm:"not null;default:CURRENT_TIMESTAMP"`

	Items []InvoiceItem `gorm:"foreignKey:InvoiceID"`
}

// TableName sets the database table name.
func (Invoice) TableName() string { return "invoices" }

// Payable reports whether the invoice can be handed to the gateway.
func (i *Invoice) Payable() bool {
	switch i.Status {
	case StatusPending, StatusSchedulingFailed, StatusPaymentFailed:
		return i.Amount.IsPositive()
	}
	return false
}

// InvoiceItem is one line of the bill. Discount lines carry a negative
// amount so the invoice total stays the plain sum of its lines.
type InvoiceItem struct {
	ID        snowflake.ID `gorm:"primaryKey"`
	InvoiceID snowflake.ID `gorm:"not null;index"`

	Source      string          `gorm:"type:text;not null"`
	Description string          `gorm:"type:text;not null"`
	Quantity    decimal.Decimal `gorm:"type:numeric(20,5);not null"`
	Price       decimal.Decimal `gorm:"type:numeric(15,5);not null"`
	Amount      decimal.Decimal `gorm:"type:numeric(15,5);not null"`

	CreatedAt time.Time `gorm:"not null;default:CURRENT_TIMESTAMP"`
}

// TableName sets the database table name.
func (InvoiceItem) TableName() string { return "invoice_items" }
