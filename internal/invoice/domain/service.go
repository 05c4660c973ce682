package domain

import (
	"context"
	"errors"
	"time"

	"github.com/bwmarrin/snowflake"
)

var (
	ErrInvoiceNotFound    = errors.New("invoice_not_found")
	ErrAlreadyFinalized   = errors.New("already_finalized")
	ErrFinalizeContention = errors.New("finalize_contention")
	ErrPeriodNotReady     = errors.New("period_not_ready")
	ErrIllegalTransition  = errors.New("illegal_transition")
	ErrAlreadySent        = errors.New("already_sent")
	ErrNotPayable         = errors.New("not_payable")
	// ErrAttemptsExhausted means the invoice hit the scheduling retry ceiling
	// and was handed to billing ops as scheduling_failed.
	ErrAttemptsExhausted = errors.New("charge_attempts_exhausted")
	// ErrIntegrity means the invoice total and its items disagree. It is a
	// fault in the engine, never the caller.
	ErrIntegrity = errors.New("invoice_integrity")
)

// PaymentGateway schedules an invoice for payment with the external
// processor and returns its reference.
type PaymentGateway interface {
	Schedule(ctx context.Context, invoice Invoice) (string, error)
}

// Notifier delivers invoice lifecycle messages. Rendered is the plain-text
// statement body.
type Notifier interface {
	InvoiceClosed(ctx context.Context, invoice Invoice, rendered string) error
	PaymentFailed(ctx context.Context, invoice Invoice) error
	PaymentSucceeded(ctx context.Context, invoice Invoice) error
}

// Service freezes periods into invoices and walks them through the payment
// state machine.
type Service interface {
	// Finalize closes the account's period: builds items from the ledger,
	// applies active discounts, and creates the invoice exactly once.
	// Concurrent finalize calls for the same key either wait or fail with
	// ErrFinalizeContention; a replay after success fails with
	// ErrAlreadyFinalized.
	Finalize(ctx context.Context, accountID snowflake.ID, period time.Time) (*Invoice, error)

	// Get fetches an invoice with items.
	Get(ctx context.Context, id snowflake.ID) (*Invoice, error)

	// GetForPeriod fetches the account's invoice for the period.
	GetForPeriod(ctx context.Context, accountID snowflake.ID, period time.Time) (*Invoice, error)

	// Send delivers the closing notification at most once.
	Send(ctx context.Context, id snowflake.ID) error

	// Charge commits the move to payment_scheduled and only then hands the
	// invoice to the gateway; a failed payment re-enters pending before the
	// next attempt. Once the attempt ceiling is hit the invoice goes to
	// scheduling_failed with ErrAttemptsExhausted.
	Charge(ctx context.Context, id snowflake.ID) error

	// MarkPaymentOutcome records the gateway's verdict for a scheduled
	// invoice. Success advances the subscription's paid-through watermark.
	MarkPaymentOutcome(ctx context.Context, id snowflake.ID, succeeded bool) error

	// FinalizeDue closes the previous period for every account that has
	// ledger activity but no invoice yet, then sends and charges what it
	// closed.
	FinalizeDue(ctx context.Context) error
}
