package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/nimbusbase/meterbill/internal/clock"
	plandomain "github.com/nimbusbase/meterbill/internal/plan/domain"
	subdomain "github.com/nimbusbase/meterbill/internal/subscription/domain"
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
	Plans  plandomain.Service
	Ledger txdomain.Service
}

type Service struct {
	db  *gorm.DB
	log *zap.Logger

	genID  *snowflake.Node
	clock  clock.Clock
	plans  plandomain.Service
	ledger txdomain.Service
}

func NewService(p ServiceParam) *Service {
	return &Service{
		db:  p.DB,
		log: p.Log.Named("subscription.service"),

		genID:  p.GenID,
		clock:  p.Clock,
		plans:  p.Plans,
		ledger: p.Ledger,
	}
}

func (s *Service) Subscribe(ctx context.Context, req subdomain.SubscribeRequest) (*subdomain.Subscription, error) {
	start := req.Start.UTC()
	if start.IsZero() {
		start = s.clock.Now().UTC()
	}

	if _, err := s.Current(ctx, req.AccountID, start); err == nil {
		return nil, subdomain.ErrAlreadySubscribed
	} else if !errors.Is(err, subdomain.ErrNoSubscription) {
		return nil, err
	}

	plan, err := s.plans.GetByCode(ctx, req.PlanCode)
	if err != nil {
		return nil, err
	}

	now := s.clock.Now().UTC()
	record := &subdomain.Subscription{
		ID:        s.genID.Generate(),
		AccountID: req.AccountID,
		PlanID:    plan.ID,
		StartDate: start,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := s.db.WithContext(ctx).Create(record).Error; err != nil {
		return nil, err
	}

	if err := s.bookProratedFee(ctx, record, plan, start); err != nil {
		return nil, err
	}

	s.log.Info("subscription opened",
		zap.String("account_id", req.AccountID.String()),
		zap.String("plan", plan.Code),
		zap.Time("start", start),
	)
	return record, nil
}

func (s *Service) Current(ctx context.Context, accountID snowflake.ID, at time.Time) (*subdomain.Subscription, error) {
	var record subdomain.Subscription
	err := s.db.WithContext(ctx).
		Where("account_id = ? AND start_date <= ? AND (end_date IS NULL OR end_date > ?)",
			accountID, at.UTC(), at.UTC()).
		Order("start_date DESC").
		First(&record).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, subdomain.ErrNoSubscription
		}
		return nil, err
	}
	return &record, nil
}

func (s *Service) ChangePlan(ctx context.Context, req subdomain.ChangePlanRequest) (*subdomain.Subscription, error) {
	effective := req.Effective.UTC()
	now := s.clock.Now().UTC()
	if effective.Before(txdomain.MonthStart(now)) {
		return nil, subdomain.ErrEffectiveInPast
	}

	current, err := s.Current(ctx, req.AccountID, effective)
	if err != nil {
		return nil, err
	}

	plan, err := s.plans.GetByCode(ctx, req.PlanCode)
	if err != nil {
		return nil, err
	}
	if plan.ID == current.PlanID {
		return nil, subdomain.ErrSamePlan
	}

	next := &subdomain.Subscription{
		ID:        s.genID.Generate(),
		AccountID: req.AccountID,
		PlanID:    plan.ID,
		StartDate: effective,
		CreatedAt: now,
		UpdatedAt: now,
	}

	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		result := tx.Model(&subdomain.Subscription{}).
			Where("id = ? AND (end_date IS NULL OR end_date > ?)", current.ID, effective).
			Updates(map[string]any{
				"end_date":   effective,
				"updated_at": now,
			})
		if result.Error != nil {
			return result.Error
		}
		if result.RowsAffected == 0 {
			return subdomain.ErrNoSubscription
		}
		return tx.Create(next).Error
	})
	if err != nil {
		return nil, err
	}

	if err := s.bookProratedFee(ctx, next, plan, effective); err != nil {
		return nil, err
	}

	s.log.Info("plan changed",
		zap.String("account_id", req.AccountID.String()),
		zap.String("plan", plan.Code),
		zap.Time("effective", effective),
	)
	return next, nil
}

// bookProratedFee charges the remainder of the starting month. Fees for full
// periods are booked by ChargePlanFees.
func (s *Service) bookProratedFee(ctx context.Context, sub *subdomain.Subscription, plan *plandomain.PricingPlan, at time.Time) error {
	if !plan.PaidPlan {
		return nil
	}
	fee := subdomain.ProratedFee(plan.MonthlyFee, at)
	if !fee.IsPositive() {
		return nil
	}

	_, err := s.ledger.Record(ctx, txdomain.ChargeIntent{
		AccountID: sub.AccountID,
		Source:    txdomain.SourcePlanFee,
		Kind:      txdomain.KindCharge,
		Period:    txdomain.MonthStart(at),
		Quantity:  decimal.NewFromInt(1),
		Price:     fee,
		DedupeKey: planFeeDedupeKey(sub.AccountID, txdomain.MonthStart(at), sub.ID),
	})
	return err
}

func (s *Service) ChargePlanFees(ctx context.Context, period time.Time) error {
	period = txdomain.MonthStart(period)

	var active []subdomain.Subscription
	err := s.db.WithContext(ctx).
		Where("start_date <= ? AND (end_date IS NULL OR end_date > ?)", period, period).
		Find(&active).Error
	if err != nil {
		return err
	}

	for _, sub := range active {
		plan, err := s.plans.GetByID(ctx, sub.PlanID)
		if err != nil {
			return err
		}
		if !plan.PaidPlan || !plan.MonthlyFee.IsPositive() {
			continue
		}

		_, err = s.ledger.Record(ctx, txdomain.ChargeIntent{
			AccountID: sub.AccountID,
			Source:    txdomain.SourcePlanFee,
			Kind:      txdomain.KindCharge,
			Period:    period,
			Quantity:  decimal.NewFromInt(1),
			Price:     plan.MonthlyFee,
			DedupeKey: planFeeDedupeKey(sub.AccountID, period, sub.ID),
		})
		if err != nil {
			return err
		}
	}
	return nil
}

func (s *Service) MarkCharged(ctx context.Context, accountID snowflake.ID, until time.Time) error {
	return s.db.WithContext(ctx).
		Model(&subdomain.Subscription{}).
		Where("account_id = ? AND (charged_until IS NULL OR charged_until < ?)", accountID, until.UTC()).
		Updates(map[string]any{
			"charged_until": until.UTC(),
			"updated_at":    s.clock.Now().UTC(),
		}).Error
}

// PlanFor resolves the plan governing the account at the instant. It lets
// the ledger price usage without knowing about subscription rows.
func (s *Service) PlanFor(ctx context.Context, accountID snowflake.ID, at time.Time) (*plandomain.PricingPlan, error) {
	sub, err := s.Current(ctx, accountID, at)
	if err != nil {
		if errors.Is(err, subdomain.ErrNoSubscription) {
			return nil, txdomain.ErrNoActivePlan
		}
		return nil, err
	}
	return s.plans.GetByID(ctx, sub.PlanID)
}

func planFeeDedupeKey(accountID snowflake.ID, period time.Time, subID snowflake.ID) string {
	return fmt.Sprintf("plan_fee|%d|%s|%d", accountID, period.Format(time.RFC3339), subID)
}
