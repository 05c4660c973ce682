package service

import (
	"context"
	"errors"

	"github.com/bwmarrin/snowflake"
	"github.com/nimbusbase/meterbill/internal/clock"
	plandomain "github.com/nimbusbase/meterbill/internal/plan/domain"
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

func NewService(p ServiceParam) plandomain.Service {
	return &Service{
		db:  p.DB,
		log: p.Log.Named("plan.service"),

		genID: p.GenID,
		clock: p.Clock,
	}
}

func (s *Service) Create(ctx context.Context, req plandomain.CreatePlanRequest) (*plandomain.PricingPlan, error) {
	now := s.clock.Now().UTC()
	record := &plandomain.PricingPlan{
		ID:         s.genID.Generate(),
		Code:       req.Code,
		Name:       req.Name,
		MonthlyFee: req.MonthlyFee,
		PaidPlan:   req.PaidPlan,
		Available:  true,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	for _, spec := range req.Schedules {
		record.Schedules = append(record.Schedules, plandomain.FeeSchedule{
			ID:               s.genID.Generate(),
			PlanID:           record.ID,
			Source:           spec.Source,
			IncludedQuantity: spec.IncludedQuantity,
			OveragePrice:     spec.OveragePrice,
			CreatedAt:        now,
		})
	}

	if err := s.db.WithContext(ctx).Create(record).Error; err != nil {
		if db.IsDuplicateKeyErr(err) {
			return nil, plandomain.ErrDuplicatePlan
		}
		return nil, err
	}

	s.log.Info("plan created",
		zap.String("code", record.Code),
		zap.String("monthly_fee", record.MonthlyFee.String()),
	)
	return record, nil
}

func (s *Service) GetByCode(ctx context.Context, code string) (*plandomain.PricingPlan, error) {
	var record plandomain.PricingPlan
	err := s.db.WithContext(ctx).
		Preload("Schedules").
		Where("code = ?", code).
		First(&record).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, plandomain.ErrPlanNotFound
		}
		return nil, err
	}
	if !record.Available {
		return nil, plandomain.ErrPlanUnavailable
	}
	return &record, nil
}

func (s *Service) GetByID(ctx context.Context, id snowflake.ID) (*plandomain.PricingPlan, error) {
	var record plandomain.PricingPlan
	err := s.db.WithContext(ctx).
		Preload("Schedules").
		Where("id = ?", id).
		First(&record).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, plandomain.ErrPlanNotFound
		}
		return nil, err
	}
	return &record, nil
}

func (s *Service) List(ctx context.Context) ([]plandomain.PricingPlan, error) {
	var records []plandomain.PricingPlan
	err := s.db.WithContext(ctx).
		Preload("Schedules").
		Where("available = ?", true).
		Order("monthly_fee ASC").
		Find(&records).Error
	return records, err
}

func (s *Service) Retire(ctx context.Context, code string) error {
	result := s.db.WithContext(ctx).
		Model(&plandomain.PricingPlan{}).
		Where("code = ?", code).
		Updates(map[string]any{
			"available":  false,
			"updated_at": s.clock.Now().UTC(),
		})
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return plandomain.ErrPlanNotFound
	}
	return nil
}
