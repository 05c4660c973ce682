package service

import (
	"context"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/glebarez/sqlite"
	"github.com/nimbusbase/meterbill/internal/clock"
	eventdomain "github.com/nimbusbase/meterbill/internal/event/domain"
	invoicedomain "github.com/nimbusbase/meterbill/internal/invoice/domain"
	"github.com/nimbusbase/meterbill/internal/migration"
	recdomain "github.com/nimbusbase/meterbill/internal/reconcile/domain"
	txdomain "github.com/nimbusbase/meterbill/internal/transaction/domain"
	txservice "github.com/nimbusbase/meterbill/internal/transaction/service"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"
)

var september = time.Date(2026, 9, 1, 0, 0, 0, 0, time.UTC)

func newFixture(t *testing.T) (recdomain.Service, txdomain.Service, *gorm.DB) {
	t.Helper()
	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", strings.ReplaceAll(t.Name(), "/", "_"))
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{Logger: gormlogger.Discard})
	require.NoError(t, err)
	require.NoError(t, migration.Migrate(db))

	node, err := snowflake.NewNode(1)
	require.NoError(t, err)
	fake := clock.NewFakeClock(september.AddDate(0, 1, 5))

	ledger := txservice.NewService(txservice.ServiceParam{
		DB: db, Log: zap.NewNop(), GenID: node, Clock: fake,
	})
	auditor := NewService(ServiceParam{
		DB: db, Log: zap.NewNop(), Clock: fake, Ledger: ledger,
	})
	return auditor, ledger, db
}

func record(t *testing.T, ledger txdomain.Service, accountID snowflake.ID, qty int64) {
	t.Helper()
	_, err := ledger.Record(context.Background(), txdomain.ChargeIntent{
		AccountID: accountID,
		Source:    string(eventdomain.SourceAPICall),
		Kind:      txdomain.KindCharge,
		Period:    september,
		Quantity:  decimal.NewFromInt(qty),
		Price:     decimal.NewFromInt(1),
	})
	require.NoError(t, err)
}

func TestReconcileRepairsBalanceDrift(t *testing.T) {
	auditor, ledger, db := newFixture(t)
	ctx := context.Background()

	record(t, ledger, 42, 10)
	record(t, ledger, 43, 20)

	// Corrupt one projection.
	require.NoError(t, db.Model(&txdomain.AccountBalance{}).
		Where("account_id = ?", 42).
		Update("balance", decimal.NewFromInt(777)).Error)

	report, err := auditor.ReconcilePeriod(ctx, september)
	require.NoError(t, err)

	assert.Equal(t, 2, report.AccountsChecked)
	assert.Equal(t, 1, report.BalancesRepaired)
	assert.Empty(t, report.InvoiceMismatches)

	balance, err := ledger.Balance(ctx, 42, september)
	require.NoError(t, err)
	assert.True(t, balance.Equal(decimal.NewFromInt(10)), "projection rebuilt from the ledger")

	// A clean pass repairs nothing.
	report, err = auditor.ReconcilePeriod(ctx, september)
	require.NoError(t, err)
	assert.Equal(t, 0, report.BalancesRepaired)
}

func TestReconcileReportsInvoiceMismatch(t *testing.T) {
	auditor, ledger, db := newFixture(t)
	ctx := context.Background()

	record(t, ledger, 42, 10)

	// A closed invoice whose frozen total disagrees with the ledger.
	require.NoError(t, db.Create(&invoicedomain.Invoice{
		ID:        1,
		AccountID: 42,
		Period:    september,
		Status:    invoicedomain.StatusPaymentSucceeded,
		Amount:    decimal.NewFromInt(8),
		DueDate:   september.AddDate(0, 1, 14),
	}).Error)

	report, err := auditor.ReconcilePeriod(ctx, september)
	require.NoError(t, err)

	require.Len(t, report.InvoiceMismatches, 1)
	mismatch := report.InvoiceMismatches[0]
	assert.Equal(t, snowflake.ID(42), mismatch.AccountID)
	assert.True(t, mismatch.InvoiceAmount.Equal(decimal.NewFromInt(8)))
	assert.True(t, mismatch.LedgerSum.Equal(decimal.NewFromInt(10)))
}
