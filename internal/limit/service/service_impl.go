package service

import (
	"context"
	"errors"

	"github.com/bwmarrin/snowflake"
	"github.com/nimbusbase/meterbill/internal/clock"
	limitdomain "github.com/nimbusbase/meterbill/internal/limit/domain"
	obsmetrics "github.com/nimbusbase/meterbill/internal/observability/metrics"
	"github.com/nimbusbase/meterbill/pkg/db"
	"github.com/shopspring/decimal"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

type ServiceParam struct {
	fx.In

	DB        *gorm.DB
	Log       *zap.Logger
	GenID     *snowflake.Node
	Clock     clock.Clock
	Suspender limitdomain.Suspender
	Alerts    limitdomain.AlertSink
}

type Service struct {
	db  *gorm.DB
	log *zap.Logger

	genID     *snowflake.Node
	clock     clock.Clock
	suspender limitdomain.Suspender
	alerts    limitdomain.AlertSink
}

func NewService(p ServiceParam) limitdomain.Service {
	return &Service{
		db:  p.DB,
		log: p.Log.Named("limit.service"),

		genID:     p.GenID,
		clock:     p.Clock,
		suspender: p.Suspender,
		alerts:    p.Alerts,
	}
}

func (s *Service) InitializeProfile(ctx context.Context, accountID snowflake.ID) (*limitdomain.BillingProfile, error) {
	now := s.clock.Now().UTC()
	record := &limitdomain.BillingProfile{
		ID:          s.genID.Generate(),
		AccountID:   accountID,
		SoftLimit:   limitdomain.LimitUnset,
		HardLimit:   limitdomain.LimitUnset,
		PeriodSpend: decimal.Zero,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if err := s.db.WithContext(ctx).Create(record).Error; err != nil {
		if db.IsDuplicateKeyErr(err) {
			return nil, limitdomain.ErrDuplicateProfile
		}
		return nil, err
	}
	return record, nil
}

func (s *Service) Get(ctx context.Context, accountID snowflake.ID) (*limitdomain.BillingProfile, error) {
	var record limitdomain.BillingProfile
	err := s.db.WithContext(ctx).
		Where("account_id = ?", accountID).
		First(&record).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, limitdomain.ErrProfileNotFound
		}
		return nil, err
	}
	return &record, nil
}

func (s *Service) SetLimits(ctx context.Context, req limitdomain.SetLimitsRequest) (*limitdomain.BillingProfile, error) {
	if req.SoftLimit.IsPositive() && req.HardLimit.IsPositive() && req.SoftLimit.GreaterThan(req.HardLimit) {
		return nil, limitdomain.ErrInvalidLimit
	}

	var record *limitdomain.BillingProfile
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		profile, err := s.lockProfile(tx, req.AccountID)
		if err != nil {
			return err
		}

		profile.SoftLimit = req.SoftLimit
		profile.HardLimit = req.HardLimit
		profile.UpdatedAt = s.clock.Now().UTC()
		if err := tx.Save(profile).Error; err != nil {
			return err
		}
		record = profile
		return nil
	})
	if err != nil {
		return nil, err
	}
	return record, nil
}

func (s *Service) ApplyCharge(ctx context.Context, accountID snowflake.ID, amount decimal.Decimal) error {
	if !amount.IsPositive() {
		return nil
	}

	var crossedSoft, crossedHard bool
	var snapshot limitdomain.BillingProfile

	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		profile, err := s.lockProfile(tx, accountID)
		if err != nil {
			return err
		}

		now := s.clock.Now().UTC()
		profile.PeriodSpend = profile.PeriodSpend.Add(amount)

		if profile.SoftLimitSet() && profile.SoftLimitReachedAt == nil &&
			profile.PeriodSpend.GreaterThanOrEqual(profile.SoftLimit) {
			reached := now
			profile.SoftLimitReachedAt = &reached
			crossedSoft = true
		}
		if profile.HardLimitSet() && profile.HardLimitReachedAt == nil &&
			profile.PeriodSpend.GreaterThanOrEqual(profile.HardLimit) {
			reached := now
			profile.HardLimitReachedAt = &reached
			crossedHard = true
		}

		profile.UpdatedAt = now
		if err := tx.Save(profile).Error; err != nil {
			return err
		}
		snapshot = *profile
		return nil
	})
	if err != nil {
		return err
	}

	// Markers are committed before any callback fires, so a crash between
	// commit and callback loses the notification rather than duplicating it.
	if crossedSoft {
		obsmetrics.Engine().IncLimitCrossing("soft")
		s.log.Warn("soft limit reached",
			zap.String("account_id", accountID.String()),
			zap.String("period_spend", snapshot.PeriodSpend.String()),
		)
		if err := s.alerts.SoftLimitReached(ctx, snapshot); err != nil {
			s.log.Error("soft limit alert failed", zap.Error(err))
		}
	}
	if crossedHard {
		obsmetrics.Engine().IncLimitCrossing("hard")
		s.log.Warn("hard limit reached",
			zap.String("account_id", accountID.String()),
			zap.String("period_spend", snapshot.PeriodSpend.String()),
		)
		if err := s.alerts.HardLimitReached(ctx, snapshot); err != nil {
			s.log.Error("hard limit alert failed", zap.Error(err))
		}
		if err := s.suspender.Suspend(ctx, accountID); err != nil {
			s.log.Error("suspend failed",
				zap.String("account_id", accountID.String()),
				zap.Error(err),
			)
		}
	}
	return nil
}

func (s *Service) Evaluate(ctx context.Context, accountID snowflake.ID) (limitdomain.LimitState, error) {
	profile, err := s.Get(ctx, accountID)
	if err != nil {
		return "", err
	}
	switch {
	case profile.HardLimitSet() && profile.PeriodSpend.GreaterThanOrEqual(profile.HardLimit):
		return limitdomain.StateHardExceeded, nil
	case profile.SoftLimitSet() && profile.PeriodSpend.GreaterThanOrEqual(profile.SoftLimit):
		return limitdomain.StateSoftExceeded, nil
	default:
		return limitdomain.StateOK, nil
	}
}

func (s *Service) HardLimitReached(ctx context.Context, accountID snowflake.ID) (bool, error) {
	profile, err := s.Get(ctx, accountID)
	if err != nil {
		return false, err
	}
	return profile.HardLimitReachedAt != nil, nil
}

func (s *Service) RolloverCycle(ctx context.Context, accountID snowflake.ID) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		profile, err := s.lockProfile(tx, accountID)
		if err != nil {
			return err
		}

		profile.PeriodSpend = decimal.Zero
		profile.SoftLimitReachedAt = nil
		profile.HardLimitReachedAt = nil
		profile.UpdatedAt = s.clock.Now().UTC()
		return tx.Save(profile).Error
	})
}

// lockProfile fetches the profile row under FOR UPDATE so concurrent charges
// serialize. SQLite serializes writers itself and rejects the clause.
func (s *Service) lockProfile(tx *gorm.DB, accountID snowflake.ID) (*limitdomain.BillingProfile, error) {
	query := tx.Where("account_id = ?", accountID)
	if tx.Dialector.Name() == "postgres" {
		query = query.Clauses(clause.Locking{Strength: "UPDATE"})
	}

	var profile limitdomain.BillingProfile
	if err := query.First(&profile).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, limitdomain.ErrProfileNotFound
		}
		return nil, err
	}
	return &profile, nil
}

// NoopSuspender satisfies the suspender port for deployments that handle
// suspension out of band.
type NoopSuspender struct{}

func (NoopSuspender) Suspend(ctx context.Context, accountID snowflake.ID) error { return nil }

// LogAlertSink reports crossings through the log stream only.
type LogAlertSink struct {
	Log *zap.Logger
}

func (s LogAlertSink) SoftLimitReached(ctx context.Context, profile limitdomain.BillingProfile) error {
	s.Log.Info("soft limit notification",
		zap.String("account_id", profile.AccountID.String()),
		zap.String("soft_limit", profile.SoftLimit.String()),
	)
	return nil
}

func (s LogAlertSink) HardLimitReached(ctx context.Context, profile limitdomain.BillingProfile) error {
	s.Log.Info("hard limit notification",
		zap.String("account_id", profile.AccountID.String()),
		zap.String("hard_limit", profile.HardLimit.String()),
	)
	return nil
}
