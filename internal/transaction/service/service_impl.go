package service

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"time"

	"github.com/bwmarrin/snowflake"
	aggdomain "github.com/nimbusbase/meterbill/internal/aggregate/domain"
	"github.com/nimbusbase/meterbill/internal/clock"
	limitdomain "github.com/nimbusbase/meterbill/internal/limit/domain"
	obsmetrics "github.com/nimbusbase/meterbill/internal/observability/metrics"
	txdomain "github.com/nimbusbase/meterbill/internal/transaction/domain"
	"github.com/shopspring/decimal"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

type ServiceParam struct {
	fx.In

	DB     *gorm.DB
	Log    *zap.Logger
	GenID  *snowflake.Node
	Clock  clock.Clock
	Plans  txdomain.PlanResolver
	Limits limitdomain.Service
}

type Service struct {
	db  *gorm.DB
	log *zap.Logger

	genID  *snowflake.Node
	clock  clock.Clock
	plans  txdomain.PlanResolver
	limits limitdomain.Service
}

func NewService(p ServiceParam) txdomain.Service {
	return &Service{
		db:  p.DB,
		log: p.Log.Named("transaction.service"),

		genID:  p.GenID,
		clock:  p.Clock,
		plans:  p.Plans,
		limits: p.Limits,
	}
}

func (s *Service) Record(ctx context.Context, intent txdomain.ChargeIntent) (*txdomain.Transaction, error) {
	record, _, err := s.record(ctx, s.db.WithContext(ctx), intent)
	return record, err
}

// record appends one entry and bumps the balance projection in the same
// transaction. applied is false when the dedupe key already exists.
func (s *Service) record(ctx context.Context, db *gorm.DB, intent txdomain.ChargeIntent) (*txdomain.Transaction, bool, error) {
	switch intent.Kind {
	case txdomain.KindCharge, txdomain.KindRefund, txdomain.KindDiscount:
	default:
		return nil, false, txdomain.ErrInvalidKind
	}
	if intent.Quantity.IsNegative() {
		return nil, false, txdomain.ErrInvalidQuantity
	}
	if intent.Price.IsNegative() {
		return nil, false, txdomain.ErrInvalidPrice
	}

	amount := txdomain.RoundLedger(intent.Quantity.Mul(intent.Price))
	if intent.Kind != txdomain.KindCharge {
		amount = amount.Neg()
	}

	entry := &txdomain.Transaction{
		ID:         s.genID.Generate(),
		AccountID:  intent.AccountID,
		InstanceID: intent.InstanceID,
		Source:     intent.Source,
		Kind:       intent.Kind,
		Period:     txdomain.MonthStart(intent.Period),
		Quantity:   intent.Quantity,
		Price:      intent.Price,
		Amount:     amount,
		CreatedAt:  s.clock.Now().UTC(),
	}
	if intent.DedupeKey != "" {
		key := intent.DedupeKey
		entry.DedupeKey = &key
	}

	applied := false
	err := db.Transaction(func(tx *gorm.DB) error {
		result := tx.Exec(`
			INSERT INTO transactions (id, account_id, instance_id, source, kind, period, quantity, price, amount, dedupe_key, created_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT (dedupe_key) DO NOTHING`,
			entry.ID, entry.AccountID, entry.InstanceID, entry.Source, entry.Kind,
			entry.Period, entry.Quantity, entry.Price, entry.Amount, entry.DedupeKey, entry.CreatedAt,
		)
		if result.Error != nil {
			return result.Error
		}
		if result.RowsAffected == 0 {
			return nil
		}
		applied = true
		return s.bumpBalance(tx, entry.AccountID, entry.Period, entry.Amount)
	})
	if err != nil {
		return nil, false, err
	}
	if !applied {
		return nil, false, nil
	}

	obsmetrics.Engine().IncTransaction(entry.Source, string(entry.Kind))
	return entry, true, nil
}

func (s *Service) bumpBalance(tx *gorm.DB, accountID snowflake.ID, period time.Time, delta decimal.Decimal) error {
	return tx.Exec(`
		INSERT INTO account_balances (id, account_id, period, balance, updated_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT (account_id, period)
		DO UPDATE SET balance = account_balances.balance + excluded.balance, updated_at = excluded.updated_at`,
		s.genID.Generate(), accountID, period, delta, s.clock.Now().UTC(),
	).Error
}

func (s *Service) FlushHourCharges(ctx context.Context) error {
	started := s.clock.Now()

	var pending []aggdomain.WorkLog
	err := s.db.WithContext(ctx).
		Where("level = ? AND status = ? AND billed_at IS NULL",
			aggdomain.LevelHour, aggdomain.WorkLogStatusDone).
		Order("left_boundary ASC").
		Find(&pending).Error
	if err != nil {
		return err
	}

	for _, entry := range pending {
		if err := s.billHour(ctx, entry); err != nil {
			return err
		}
	}

	obsmetrics.Engine().ObserveJobDuration("hour_charge_flush", s.clock.Now().Sub(started).Seconds())
	return nil
}

// billHour prices every hour-level slot of one boundary. Dedupe keys make the
// whole pass replayable: losing the billed_at update and re-running yields no
// second ledger row.
func (s *Service) billHour(ctx context.Context, entry aggdomain.WorkLog) error {
	boundary := entry.LeftBoundary.UTC()

	var slots []aggdomain.Aggregate
	err := s.db.WithContext(ctx).
		Where("level = ? AND bucket_start = ?", aggdomain.LevelHour, boundary).
		Find(&slots).Error
	if err != nil {
		return err
	}

	charged := map[snowflake.ID]decimal.Decimal{}
	for _, slot := range slots {
		amount, err := s.billSlot(ctx, slot, boundary)
		if err != nil {
			return err
		}
		if amount.IsPositive() {
			charged[slot.AccountID] = charged[slot.AccountID].Add(amount)
		}
	}

	for accountID, amount := range charged {
		if err := s.limits.ApplyCharge(ctx, accountID, amount); err != nil {
			return err
		}
	}

	return s.db.WithContext(ctx).
		Model(&aggdomain.WorkLog{}).
		Where("id = ? AND billed_at IS NULL", entry.ID).
		Update("billed_at", s.clock.Now().UTC()).Error
}

func (s *Service) billSlot(ctx context.Context, slot aggdomain.Aggregate, boundary time.Time) (decimal.Decimal, error) {
	plan, err := s.plans.PlanFor(ctx, slot.AccountID, boundary)
	if err != nil {
		if errors.Is(err, txdomain.ErrNoActivePlan) {
			s.log.Warn("unpriced usage, account has no plan",
				zap.String("account_id", slot.AccountID.String()),
				zap.Time("boundary", boundary),
			)
			return decimal.Zero, nil
		}
		return decimal.Zero, err
	}

	schedule := plan.ScheduleFor(slot.Source)
	if schedule == nil {
		return decimal.Zero, nil
	}

	period := txdomain.MonthStart(boundary)
	consumed, err := s.consumedQuantity(ctx, slot.AccountID, string(slot.Source), period)
	if err != nil {
		return decimal.Zero, err
	}

	remainingFree := schedule.IncludedQuantity.Sub(consumed)
	if remainingFree.IsNegative() {
		remainingFree = decimal.Zero
	}

	free := decimal.Min(slot.TotalQuantity, remainingFree)
	paid := slot.TotalQuantity.Sub(free)

	base := hourDedupeKey(slot.AccountID, slot.InstanceID, string(slot.Source), boundary)
	if free.IsPositive() {
		_, _, err := s.record(ctx, s.db.WithContext(ctx), txdomain.ChargeIntent{
			AccountID:  slot.AccountID,
			InstanceID: slot.InstanceID,
			Source:     string(slot.Source),
			Kind:       txdomain.KindCharge,
			Period:     period,
			Quantity:   free,
			Price:      decimal.Zero,
			DedupeKey:  base + ":free",
		})
		if err != nil {
			return decimal.Zero, err
		}
	}

	if !paid.IsPositive() {
		return decimal.Zero, nil
	}

	record, applied, err := s.record(ctx, s.db.WithContext(ctx), txdomain.ChargeIntent{
		AccountID:  slot.AccountID,
		InstanceID: slot.InstanceID,
		Source:     string(slot.Source),
		Kind:       txdomain.KindCharge,
		Period:     period,
		Quantity:   paid,
		Price:      schedule.OveragePrice,
		DedupeKey:  base + ":paid",
	})
	if err != nil {
		return decimal.Zero, err
	}
	if !applied {
		return decimal.Zero, nil
	}
	return record.Amount, nil
}

func (s *Service) consumedQuantity(ctx context.Context, accountID snowflake.ID, source string, period time.Time) (decimal.Decimal, error) {
	var row struct {
		Total decimal.Decimal
	}
	err := s.db.WithContext(ctx).Raw(`
		SELECT COALESCE(SUM(quantity), 0) AS total
		FROM transactions
		WHERE account_id = ? AND source = ? AND period = ? AND kind = ?`,
		accountID, source, period, txdomain.KindCharge,
	).Scan(&row).Error
	return row.Total, err
}

func hourDedupeKey(accountID, instanceID snowflake.ID, source string, boundary time.Time) string {
	sum := sha256.Sum256([]byte(fmt.Sprintf("%d|%d|%s|%s",
		accountID, instanceID, source, boundary.UTC().Format(time.RFC3339))))
	return hex.EncodeToString(sum[:])
}

func (s *Service) SumForPeriod(ctx context.Context, accountID snowflake.ID, period time.Time) (decimal.Decimal, error) {
	var row struct {
		Total decimal.Decimal
	}
	err := s.db.WithContext(ctx).Raw(`
		SELECT COALESCE(SUM(amount), 0) AS total
		FROM transactions
		WHERE account_id = ? AND period = ?`,
		accountID, txdomain.MonthStart(period),
	).Scan(&row).Error
	if err != nil {
		return decimal.Zero, err
	}
	return txdomain.RoundLedger(row.Total), nil
}

func (s *Service) ListForPeriod(ctx context.Context, accountID snowflake.ID, period time.Time) ([]txdomain.Transaction, error) {
	var records []txdomain.Transaction
	err := s.db.WithContext(ctx).
		Where("account_id = ? AND period = ?", accountID, txdomain.MonthStart(period)).
		Order("created_at ASC, id ASC").
		Find(&records).Error
	return records, err
}

func (s *Service) Balance(ctx context.Context, accountID snowflake.ID, period time.Time) (decimal.Decimal, error) {
	var record txdomain.AccountBalance
	err := s.db.WithContext(ctx).
		Where("account_id = ? AND period = ?", accountID, txdomain.MonthStart(period)).
		First(&record).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return decimal.Zero, nil
		}
		return decimal.Zero, err
	}
	return record.Balance, nil
}

func (s *Service) RepairBalance(ctx context.Context, accountID snowflake.ID, period time.Time) (decimal.Decimal, error) {
	period = txdomain.MonthStart(period)

	truth, err := s.SumForPeriod(ctx, accountID, period)
	if err != nil {
		return decimal.Zero, err
	}
	cached, err := s.Balance(ctx, accountID, period)
	if err != nil {
		return decimal.Zero, err
	}

	drift := cached.Sub(truth)
	if drift.IsZero() {
		return decimal.Zero, nil
	}

	err = s.db.WithContext(ctx).Exec(`
		INSERT INTO account_balances (id, account_id, period, balance, updated_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT (account_id, period)
		DO UPDATE SET balance = excluded.balance, updated_at = excluded.updated_at`,
		s.genID.Generate(), accountID, period, truth, s.clock.Now().UTC(),
	).Error
	if err != nil {
		return decimal.Zero, err
	}

	s.log.Warn("balance projection repaired",
		zap.String("account_id", accountID.String()),
		zap.Time("period", period),
		zap.String("drift", drift.String()),
	)
	return drift, nil
}
