package service

import (
	"context"
	"errors"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/nimbusbase/meterbill/internal/clock"
	coupondomain "github.com/nimbusbase/meterbill/internal/coupon/domain"
	txdomain "github.com/nimbusbase/meterbill/internal/transaction/domain"
	"github.com/nimbusbase/meterbill/pkg/db"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

type ServiceParam struct {
	fx.In

	DB    *gorm.DB
	Log   *zap.Logger
	GenID *snowflake.Node
	Clock clock.Clock
}

type Service struct {
	db  *gorm.DB
	log *zap.Logger

	genID *snowflake.Node
	clock clock.Clock
}

func NewService(p ServiceParam) coupondomain.Service {
	return &Service{
		db:  p.DB,
		log: p.Log.Named("coupon.service"),

		genID: p.GenID,
		clock: p.Clock,
	}
}

func (s *Service) Create(ctx context.Context, req coupondomain.CreateCouponRequest) (*coupondomain.Coupon, error) {
	percentSet := req.PercentOff > 0
	amountSet := req.AmountOff.IsPositive()
	if percentSet == amountSet {
		return nil, coupondomain.ErrInvalidCoupon
	}
	if req.PercentOff < 0 || req.PercentOff > 100 || req.AmountOff.IsNegative() {
		return nil, coupondomain.ErrInvalidCoupon
	}

	duration := req.DurationMonths
	if duration <= 0 {
		duration = 1
	}

	record := &coupondomain.Coupon{
		ID:             s.genID.Generate(),
		Code:           req.Code,
		Name:           req.Name,
		PercentOff:     req.PercentOff,
		AmountOff:      req.AmountOff,
		DurationMonths: duration,
		RedeemBy:       req.RedeemBy.UTC(),
		CreatedAt:      s.clock.Now().UTC(),
	}
	if err := s.db.WithContext(ctx).Create(record).Error; err != nil {
		if db.IsDuplicateKeyErr(err) {
			return nil, coupondomain.ErrDuplicateCoupon
		}
		return nil, err
	}
	return record, nil
}

func (s *Service) GetByCode(ctx context.Context, code string) (*coupondomain.Coupon, error) {
	var record coupondomain.Coupon
	err := s.db.WithContext(ctx).
		Where("code = ?", code).
		First(&record).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, coupondomain.ErrCouponNotFound
		}
		return nil, err
	}
	return &record, nil
}

func (s *Service) Redeem(ctx context.Context, req coupondomain.RedeemRequest) (*coupondomain.Discount, error) {
	coupon, err := s.GetByCode(ctx, req.Code)
	if err != nil {
		return nil, err
	}

	now := s.clock.Now().UTC()
	if now.After(coupon.RedeemBy) {
		return nil, coupondomain.ErrCouponExpired
	}

	start := txdomain.MonthStart(now)
	record := &coupondomain.Discount{
		ID:         s.genID.Generate(),
		CouponID:   coupon.ID,
		AccountID:  req.AccountID,
		InstanceID: req.InstanceID,
		StartsAt:   start,
		EndsAt:     start.AddDate(0, coupon.DurationMonths, 0),
		CreatedAt:  now,
	}
	if err := s.db.WithContext(ctx).Create(record).Error; err != nil {
		if db.IsDuplicateKeyErr(err) {
			return nil, coupondomain.ErrAlreadyRedeemed
		}
		return nil, err
	}

	s.log.Info("coupon redeemed",
		zap.String("code", coupon.Code),
		zap.String("account_id", req.AccountID.String()),
		zap.Time("until", record.EndsAt),
	)
	record.Coupon = *coupon
	return record, nil
}

func (s *Service) ActiveDiscounts(ctx context.Context, accountID snowflake.ID, periodStart time.Time) ([]coupondomain.Discount, error) {
	periodStart = txdomain.MonthStart(periodStart)
	periodEnd := txdomain.NextMonth(periodStart)

	var records []coupondomain.Discount
	err := s.db.WithContext(ctx).
		Preload("Coupon").
		Where("account_id = ? AND starts_at < ? AND ends_at > ?", accountID, periodEnd, periodStart).
		Order("created_at ASC").
		Find(&records).Error
	return records, err
}
