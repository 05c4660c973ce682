// Package domain defines periodic reconciliation: the ledger is the truth,
// cached balances get repaired against it, and closed invoices that disagree
// with it are reported for billing ops.
package domain

import (
	"context"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/shopspring/decimal"
)

// Mismatch is one closed invoice whose frozen total no longer matches the
// ledger. Invoices are immutable after close, so this is reported rather
// than rewritten.
type Mismatch struct {
	AccountID     snowflake.ID
	InvoiceID     snowflake.ID
	InvoiceAmount decimal.Decimal
	LedgerSum     decimal.Decimal
}

// Report summarizes one reconciliation pass.
type Report struct {
	Period            time.Time
	AccountsChecked   int
	BalancesRepaired  int
	InvoiceMismatches []Mismatch
}

// Service audits one billing period.
type Service interface {
	ReconcilePeriod(ctx context.Context, period time.Time) (*Report, error)
}
