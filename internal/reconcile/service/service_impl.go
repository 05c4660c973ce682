package service

import (
	"context"
	"errors"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/nimbusbase/meterbill/internal/clock"
	invoicedomain "github.com/nimbusbase/meterbill/internal/invoice/domain"
	obsmetrics "github.com/nimbusbase/meterbill/internal/observability/metrics"
	recdomain "github.com/nimbusbase/meterbill/internal/reconcile/domain"
	txdomain "github.com/nimbusbase/meterbill/internal/transaction/domain"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

type ServiceParam struct {
	fx.In

	DB     *gorm.DB
	Log    *zap.Logger
	Clock  clock.Clock
	Ledger txdomain.Service
}

type Service struct {
	db  *gorm.DB
	log *zap.Logger

	clock  clock.Clock
	ledger txdomain.Service
}

func NewService(p ServiceParam) recdomain.Service {
	return &Service{
		db:  p.DB,
		log: p.Log.Named("reconcile.service"),

		clock:  p.Clock,
		ledger: p.Ledger,
	}
}

func (s *Service) ReconcilePeriod(ctx context.Context, period time.Time) (*recdomain.Report, error) {
	started := s.clock.Now()
	period = txdomain.MonthStart(period)

	var rows []int64
	err := s.db.WithContext(ctx).Raw(`
		SELECT DISTINCT account_id FROM transactions WHERE period = ?`,
		period,
	).Scan(&rows).Error
	if err != nil {
		return nil, err
	}

	report := &recdomain.Report{Period: period}
	for _, row := range rows {
		accountID := snowflake.ID(row)
		report.AccountsChecked++

		drift, err := s.ledger.RepairBalance(ctx, accountID, period)
		if err != nil {
			return nil, err
		}
		if !drift.IsZero() {
			report.BalancesRepaired++
		}

		mismatch, err := s.auditInvoice(ctx, accountID, period)
		if err != nil {
			return nil, err
		}
		if mismatch != nil {
			report.InvoiceMismatches = append(report.InvoiceMismatches, *mismatch)
		}
	}

	if len(report.InvoiceMismatches) > 0 {
		s.log.Error("reconciliation found invoice mismatches",
			zap.Time("period", period),
			zap.Int("mismatches", len(report.InvoiceMismatches)),
		)
	}

	obsmetrics.Engine().ObserveJobDuration("reconcile", s.clock.Now().Sub(started).Seconds())
	return report, nil
}

func (s *Service) auditInvoice(ctx context.Context, accountID snowflake.ID, period time.Time) (*recdomain.Mismatch, error) {
	var invoice invoicedomain.Invoice
	err := s.db.WithContext(ctx).
		Where("account_id = ? AND period = ?", accountID, period).
		First(&invoice).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}

	truth, err := s.ledger.SumForPeriod(ctx, accountID, period)
	if err != nil {
		return nil, err
	}
	if invoice.Amount.Equal(truth) {
		return nil, nil
	}

	obsmetrics.Engine().IncIntegrityError()
	s.log.Error("invoice diverges from ledger",
		zap.String("account_id", accountID.String()),
		zap.String("invoice_id", invoice.ID.String()),
		zap.String("invoice_amount", invoice.Amount.String()),
		zap.String("ledger_sum", truth.String()),
	)
	return &recdomain.Mismatch{
		AccountID:     accountID,
		InvoiceID:     invoice.ID,
		InvoiceAmount: invoice.Amount,
		LedgerSum:     truth,
	}, nil
}
