package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/bwmarrin/snowflake"
	aggdomain "github.com/nimbusbase/meterbill/internal/aggregate/domain"
	"github.com/nimbusbase/meterbill/internal/clock"
	"github.com/nimbusbase/meterbill/internal/config"
	coupondomain "github.com/nimbusbase/meterbill/internal/coupon/domain"
	eventdomain "github.com/nimbusbase/meterbill/internal/event/domain"
	invoicedomain "github.com/nimbusbase/meterbill/internal/invoice/domain"
	limitdomain "github.com/nimbusbase/meterbill/internal/limit/domain"
	obsmetrics "github.com/nimbusbase/meterbill/internal/observability/metrics"
	subdomain "github.com/nimbusbase/meterbill/internal/subscription/domain"
	txdomain "github.com/nimbusbase/meterbill/internal/transaction/domain"
	"github.com/nimbusbase/meterbill/pkg/db"
	"github.com/shopspring/decimal"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

type ServiceParam struct {
	fx.In

	DB            *gorm.DB
	Log           *zap.Logger
	GenID         *snowflake.Node
	Config        config.Config
	Clock         clock.Clock
	Ledger        txdomain.Service
	Coupons       coupondomain.Service
	Limits        limitdomain.Service
	Subscriptions subdomain.Service
	Plans         txdomain.PlanResolver
	Aggregates    aggdomain.Service
	Gateway       invoicedomain.PaymentGateway
	Notifier      invoicedomain.Notifier
}

type Service struct {
	db  *gorm.DB
	log *zap.Logger

	genID    *snowflake.Node
	cfg      config.BillingConfig
	clock    clock.Clock
	ledger   txdomain.Service
	coupons  coupondomain.Service
	limits   limitdomain.Service
	subs     subdomain.Service
	plans    txdomain.PlanResolver
	agg      aggdomain.Service
	gateway  invoicedomain.PaymentGateway
	notifier invoicedomain.Notifier

	locks *keyedMutex
}

func NewService(p ServiceParam) invoicedomain.Service {
	return &Service{
		db:  p.DB,
		log: p.Log.Named("invoice.service"),

		genID:    p.GenID,
		cfg:      p.Config.Billing,
		clock:    p.Clock,
		ledger:   p.Ledger,
		coupons:  p.Coupons,
		limits:   p.Limits,
		subs:     p.Subscriptions,
		plans:    p.Plans,
		agg:      p.Aggregates,
		gateway:  p.Gateway,
		notifier: p.Notifier,

		locks: newKeyedMutex(),
	}
}

func (s *Service) Finalize(ctx context.Context, accountID snowflake.ID, period time.Time) (*invoicedomain.Invoice, error) {
	period = txdomain.MonthStart(period)
	periodEnd := txdomain.NextMonth(period)

	now := s.clock.Now().UTC()
	if now.Before(periodEnd) {
		return nil, invoicedomain.ErrPeriodNotReady
	}

	key := fmt.Sprintf("%d|%s", accountID, period.Format(time.RFC3339))
	if !s.locks.tryLock(key, s.cfg.FinalizeLockTimeout) {
		return nil, invoicedomain.ErrFinalizeContention
	}
	defer s.locks.unlock(key)

	if _, err := s.GetForPeriod(ctx, accountID, period); err == nil {
		return nil, invoicedomain.ErrAlreadyFinalized
	} else if !errors.Is(err, invoicedomain.ErrInvoiceNotFound) {
		return nil, err
	}

	if err := s.periodReady(ctx, period, periodEnd); err != nil {
		return nil, err
	}

	if err := s.bookDiscounts(ctx, accountID, period); err != nil {
		return nil, err
	}

	rows, err := s.ledger.ListForPeriod(ctx, accountID, period)
	if err != nil {
		return nil, err
	}

	invoice := &invoicedomain.Invoice{
		ID:        s.genID.Generate(),
		AccountID: accountID,
		Period:    period,
		Status:    invoicedomain.StatusNew,
		DueDate:   periodEnd.AddDate(0, 0, s.cfg.DueDays),
		CreatedAt: now,
		UpdatedAt: now,
	}
	invoice.Items = s.buildItems(invoice.ID, rows, now)

	total := decimal.Zero
	for _, item := range invoice.Items {
		total = total.Add(item.Amount)
	}
	invoice.Amount = txdomain.RoundLedger(total)

	truth, err := s.ledger.SumForPeriod(ctx, accountID, period)
	if err != nil {
		return nil, err
	}
	if !invoice.Amount.Equal(truth) {
		obsmetrics.Engine().IncIntegrityError()
		s.log.Error("invoice total diverges from ledger",
			zap.String("account_id", accountID.String()),
			zap.Time("period", period),
			zap.String("invoice_amount", invoice.Amount.String()),
			zap.String("ledger_sum", truth.String()),
		)
		return nil, invoicedomain.ErrIntegrity
	}

	status, err := s.closingStatus(ctx, accountID, period, invoice.Amount)
	if err != nil {
		return nil, err
	}
	invoice.Status = status

	if err := s.db.WithContext(ctx).Create(invoice).Error; err != nil {
		if db.IsDuplicateKeyErr(err) {
			return nil, invoicedomain.ErrAlreadyFinalized
		}
		return nil, err
	}
	obsmetrics.Engine().IncInvoiceTransition(string(invoicedomain.StatusNew), string(status))

	if err := s.limits.RolloverCycle(ctx, accountID); err != nil &&
		!errors.Is(err, limitdomain.ErrProfileNotFound) {
		s.log.Error("limit rollover failed",
			zap.String("account_id", accountID.String()),
			zap.Error(err),
		)
	}

	s.log.Info("period finalized",
		zap.String("account_id", accountID.String()),
		zap.Time("period", period),
		zap.String("status", string(status)),
		zap.String("amount", invoice.Amount.String()),
	)
	return invoice, nil
}

// periodReady blocks finalization until every hour of the period is rolled
// up and billed. A period with no usage at all is trivially ready.
func (s *Service) periodReady(ctx context.Context, period, periodEnd time.Time) error {
	var unbilled int64
	err := s.db.WithContext(ctx).
		Model(&aggdomain.WorkLog{}).
		Where("level = ? AND status = ? AND billed_at IS NULL AND left_boundary >= ? AND left_boundary < ?",
			aggdomain.LevelHour, aggdomain.WorkLogStatusDone, period, periodEnd).
		Count(&unbilled).Error
	if err != nil {
		return err
	}
	if unbilled > 0 {
		return invoicedomain.ErrPeriodNotReady
	}

	covered, err := s.agg.CoverageComplete(ctx, aggdomain.LevelHour, period, periodEnd)
	if err != nil {
		return err
	}
	if covered {
		return nil
	}

	var events int64
	err = s.db.WithContext(ctx).
		Model(&eventdomain.UsageEvent{}).
		Where("occurred_at >= ? AND occurred_at < ?", period, periodEnd).
		Count(&events).Error
	if err != nil {
		return err
	}
	if events > 0 {
		return invoicedomain.ErrPeriodNotReady
	}
	return nil
}

// bookDiscounts turns the period's active discount windows into ledger
// entries. Dedupe keys make a re-run after a failed finalize harmless.
func (s *Service) bookDiscounts(ctx context.Context, accountID snowflake.ID, period time.Time) error {
	discounts, err := s.coupons.ActiveDiscounts(ctx, accountID, period)
	if err != nil {
		return err
	}
	if len(discounts) == 0 {
		return nil
	}

	subtotal, err := s.ledger.SumForPeriod(ctx, accountID, period)
	if err != nil {
		return err
	}

	for _, discount := range discounts {
		if !subtotal.IsPositive() {
			break
		}

		var off decimal.Decimal
		if discount.Coupon.PercentBased() {
			off = txdomain.RoundLedger(subtotal.
				Mul(decimal.NewFromInt(int64(discount.Coupon.PercentOff))).
				Div(decimal.NewFromInt(100)))
		} else {
			off = decimal.Min(discount.Coupon.AmountOff, subtotal)
		}
		if !off.IsPositive() {
			continue
		}

		_, err := s.ledger.Record(ctx, txdomain.ChargeIntent{
			AccountID: accountID,
			Source:    "coupon:" + discount.Coupon.Code,
			Kind:      txdomain.KindDiscount,
			Period:    period,
			Quantity:  decimal.NewFromInt(1),
			Price:     off,
			DedupeKey: fmt.Sprintf("discount|%d|%d|%s", discount.CouponID, accountID, period.Format(time.RFC3339)),
		})
		if err != nil {
			return err
		}
		subtotal = subtotal.Sub(off)
	}
	return nil
}

// buildItems groups ledger rows into invoice lines by source, kind and unit
// price, so the invoice reads like a rate card instead of an hour-by-hour
// dump.
func (s *Service) buildItems(invoiceID snowflake.ID, rows []txdomain.Transaction, now time.Time) []invoicedomain.InvoiceItem {
	type lineKey struct {
		source string
		kind   txdomain.Kind
		price  string
	}

	index := map[lineKey]int{}
	items := make([]invoicedomain.InvoiceItem, 0, len(rows))
	for _, row := range rows {
		key := lineKey{source: row.Source, kind: row.Kind, price: row.Price.String()}
		if at, ok := index[key]; ok {
			items[at].Quantity = items[at].Quantity.Add(row.Quantity)
			items[at].Amount = items[at].Amount.Add(row.Amount)
			continue
		}

		description := row.Source
		if row.Kind != txdomain.KindCharge {
			description = string(row.Kind) + " " + row.Source
		}
		index[key] = len(items)
		items = append(items, invoicedomain.InvoiceItem{
			ID:          s.genID.Generate(),
			InvoiceID:   invoiceID,
			Source:      row.Source,
			Description: description,
			Quantity:    row.Quantity,
			Price:       row.Price,
			Amount:      row.Amount,
			CreatedAt:   now,
		})
	}
	return items
}

func (s *Service) closingStatus(ctx context.Context, accountID snowflake.ID, period time.Time, amount decimal.Decimal) (invoicedomain.Status, error) {
	plan, err := s.plans.PlanFor(ctx, accountID, period)
	if err != nil {
		if errors.Is(err, txdomain.ErrNoActivePlan) {
			return invoicedomain.StatusFake, nil
		}
		return "", err
	}
	if !plan.PaidPlan {
		return invoicedomain.StatusFake, nil
	}
	if amount.IsPositive() {
		return invoicedomain.StatusPending, nil
	}
	return invoicedomain.StatusEmpty, nil
}

func (s *Service) Get(ctx context.Context, id snowflake.ID) (*invoicedomain.Invoice, error) {
	var record invoicedomain.Invoice
	err := s.db.WithContext(ctx).
		Preload("Items").
		Where("id = ?", id).
		First(&record).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, invoicedomain.ErrInvoiceNotFound
		}
		return nil, err
	}
	return &record, nil
}

func (s *Service) GetForPeriod(ctx context.Context, accountID snowflake.ID, period time.Time) (*invoicedomain.Invoice, error) {
	var record invoicedomain.Invoice
	err := s.db.WithContext(ctx).
		Preload("Items").
		Where("account_id = ? AND period = ?", accountID, txdomain.MonthStart(period)).
		First(&record).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, invoicedomain.ErrInvoiceNotFound
		}
		return nil, err
	}
	return &record, nil
}

func (s *Service) Send(ctx context.Context, id snowflake.ID) error {
	invoice, err := s.Get(ctx, id)
	if err != nil {
		return err
	}

	rendered, err := renderStatement(*invoice)
	if err != nil {
		return err
	}

	// Claim the marker before delivering: a crash in between loses the
	// message instead of sending it twice.
	result := s.db.WithContext(ctx).
		Model(&invoicedomain.Invoice{}).
		Where("id = ? AND status_sent_at IS NULL", id).
		Update("status_sent_at", s.clock.Now().UTC())
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return invoicedomain.ErrAlreadySent
	}

	if err := s.notifier.InvoiceClosed(ctx, *invoice, rendered); err != nil {
		s.log.Error("invoice notification failed",
			zap.String("invoice_id", invoice.ID.String()),
			zap.Error(err),
		)
		return err
	}
	return nil
}

func (s *Service) Charge(ctx context.Context, id snowflake.ID) error {
	invoice, err := s.Get(ctx, id)
	if err != nil {
		return err
	}
	if !invoice.Payable() {
		return invoicedomain.ErrNotPayable
	}

	// A failed payment re-enters pending before the next attempt.
	if invoice.Status == invoicedomain.StatusPaymentFailed {
		if err := s.transition(ctx, invoice, invoicedomain.StatusPending, nil); err != nil {
			return err
		}
	}

	if invoice.Status == invoicedomain.StatusPending && invoice.ChargeAttempts >= s.cfg.MaxChargeAttempts {
		if err := s.transition(ctx, invoice, invoicedomain.StatusSchedulingFailed, nil); err != nil {
			return err
		}
		s.log.Error("invoice handed to billing ops",
			zap.String("invoice_id", invoice.ID.String()),
			zap.Int("attempts", invoice.ChargeAttempts),
		)
		return invoicedomain.ErrAttemptsExhausted
	}

	// The local record leads: payment_scheduled is committed before the
	// gateway hears about the invoice. A crash in between leaves a row the
	// reconciler can chase instead of an external payment nothing knows
	// about, and the attempt counter guards the retry.
	attempts := invoice.ChargeAttempts + 1
	if err := s.transition(ctx, invoice, invoicedomain.StatusPaymentScheduled, map[string]any{
		"charge_attempts": attempts,
	}); err != nil {
		return err
	}
	invoice.ChargeAttempts = attempts

	ref, scheduleErr := s.gateway.Schedule(ctx, *invoice)
	if scheduleErr != nil {
		if err := s.transition(ctx, invoice, invoicedomain.StatusPaymentFailed, nil); err != nil {
			return err
		}
		return scheduleErr
	}

	return s.db.WithContext(ctx).
		Model(&invoicedomain.Invoice{}).
		Where("id = ?", invoice.ID).
		Updates(map[string]any{
			"external_ref": ref,
			"updated_at":   s.clock.Now().UTC(),
		}).Error
}

func (s *Service) MarkPaymentOutcome(ctx context.Context, id snowflake.ID, succeeded bool) error {
	invoice, err := s.Get(ctx, id)
	if err != nil {
		return err
	}

	target := invoicedomain.StatusPaymentFailed
	if succeeded {
		target = invoicedomain.StatusPaymentSucceeded
	}
	if err := s.transition(ctx, invoice, target, nil); err != nil {
		return err
	}

	if succeeded {
		if err := s.subs.MarkCharged(ctx, invoice.AccountID, txdomain.NextMonth(invoice.Period)); err != nil {
			s.log.Error("paid-through watermark update failed",
				zap.String("account_id", invoice.AccountID.String()),
				zap.Error(err),
			)
		}
		if err := s.notifier.PaymentSucceeded(ctx, *invoice); err != nil {
			s.log.Error("payment success notification failed", zap.Error(err))
		}
		return nil
	}

	if err := s.notifier.PaymentFailed(ctx, *invoice); err != nil {
		s.log.Error("payment failure notification failed", zap.Error(err))
	}
	return nil
}

// transition moves the invoice along a legal edge with an optimistic status
// guard, so racing writers cannot double-apply an edge.
func (s *Service) transition(ctx context.Context, invoice *invoicedomain.Invoice, to invoicedomain.Status, extra map[string]any) error {
	from := invoice.Status
	if !invoicedomain.CanTransition(from, to) {
		return invoicedomain.ErrIllegalTransition
	}

	updates := map[string]any{
		"status":     to,
		"updated_at": s.clock.Now().UTC(),
	}
	for column, value := range extra {
		updates[column] = value
	}

	result := s.db.WithContext(ctx).
		Model(&invoicedomain.Invoice{}).
		Where("id = ? AND status = ?", invoice.ID, from).
		Updates(updates)
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return invoicedomain.ErrIllegalTransition
	}

	invoice.Status = to
	obsmetrics.Engine().IncInvoiceTransition(string(from), string(to))
	s.log.Info("invoice transition",
		zap.String("invoice_id", invoice.ID.String()),
		zap.String("from", string(from)),
		zap.String("to", string(to)),
	)
	return nil
}

func (s *Service) FinalizeDue(ctx context.Context) error {
	started := s.clock.Now()
	period := txdomain.MonthStart(started.UTC().AddDate(0, -1, 0))

	var rows []int64
	err := s.db.WithContext(ctx).Raw(`
		SELECT DISTINCT account_id FROM transactions
		WHERE period = ?
		AND account_id NOT IN (SELECT account_id FROM invoices WHERE period = ?)`,
		period, period,
	).Scan(&rows).Error
	if err != nil {
		return err
	}

	for _, row := range rows {
		accountID := snowflake.ID(row)
		invoice, err := s.Finalize(ctx, accountID, period)
		if err != nil {
			if errors.Is(err, invoicedomain.ErrPeriodNotReady) || errors.Is(err, invoicedomain.ErrAlreadyFinalized) {
				s.log.Debug("finalize skipped",
					zap.String("account_id", accountID.String()),
					zap.Error(err),
				)
				continue
			}
			s.log.Error("finalize failed",
				zap.String("account_id", accountID.String()),
				zap.Error(err),
			)
			continue
		}

		if err := s.Send(ctx, invoice.ID); err != nil && !errors.Is(err, invoicedomain.ErrAlreadySent) {
			s.log.Error("invoice send failed",
				zap.String("invoice_id", invoice.ID.String()),
				zap.Error(err),
			)
		}
		if invoice.Payable() {
			if err := s.Charge(ctx, invoice.ID); err != nil {
				s.log.Error("invoice charge failed",
					zap.String("invoice_id", invoice.ID.String()),
					zap.Error(err),
				)
			}
		}
	}

	obsmetrics.Engine().ObserveJobDuration("invoice_dispatch", s.clock.Now().Sub(started).Seconds())
	return nil
}
