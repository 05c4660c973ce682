package service

import (
	"context"
	"errors"
	"time"

	"github.com/bwmarrin/snowflake"
	aggdomain "github.com/nimbusbase/meterbill/internal/aggregate/domain"
	"github.com/nimbusbase/meterbill/internal/bucket"
	"github.com/nimbusbase/meterbill/internal/clock"
	"github.com/nimbusbase/meterbill/internal/config"
	eventdomain "github.com/nimbusbase/meterbill/internal/event/domain"
	obsmetrics "github.com/nimbusbase/meterbill/internal/observability/metrics"
	"github.com/shopspring/decimal"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

type ServiceParam struct {
	fx.In

	DB      *gorm.DB
	Log     *zap.Logger
	GenID   *snowflake.Node
	Config  config.Config
	Clock   clock.Clock
	Buckets bucket.Store
}

type Service struct {
	db  *gorm.DB
	log *zap.Logger

	genID   *snowflake.Node
	cfg     config.BillingConfig
	clock   clock.Clock
	buckets bucket.Store
}

func NewService(p ServiceParam) aggdomain.Service {
	return &Service{
		db:  p.DB,
		log: p.Log.Named("aggregate.service"),

		genID:   p.GenID,
		cfg:     p.Config.Billing,
		clock:   p.Clock,
		buckets: p.Buckets,
	}
}

func (s *Service) FlushMinutes(ctx context.Context) error {
	started := s.clock.Now()
	until := bucket.Minute(started.UTC().Add(-s.cfg.MinuteFlushDelay))

	cursor, ok, err := s.resumeBoundary(ctx, aggdomain.LevelMinute)
	if err != nil {
		return err
	}
	if !ok {
		cursor, ok, err = s.earliestEventMinute(ctx)
		if err != nil || !ok {
			return err
		}
	}

	for boundary := cursor; boundary.Before(until); boundary = boundary.Add(time.Minute) {
		done, err := s.boundaryDone(ctx, aggdomain.LevelMinute, boundary)
		if err != nil {
			return err
		}
		if done {
			continue
		}

		slots, err := s.buckets.Drain(ctx, boundary)
		if err != nil {
			return err
		}

		right := boundary.Add(time.Minute)
		err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
			for key, qty := range slots {
				if err := s.accumulate(tx, key.AccountID, key.InstanceID, key.Source, boundary, aggdomain.LevelMinute, qty); err != nil {
					return err
				}
			}
			return s.markDone(tx, aggdomain.LevelMinute, boundary, right)
		})
		if err != nil {
			// The drain was destructive; put the quantities back so the
			// retry sees them instead of closing the minute at zero.
			s.restoreSlots(ctx, boundary, slots)
			s.log.Error("minute flush failed",
				zap.Time("boundary", boundary),
				zap.Error(err),
			)
			return err
		}

		obsmetrics.Engine().IncRollup(string(aggdomain.LevelMinute))
	}

	obsmetrics.Engine().ObserveJobDuration("minute_flush", s.clock.Now().Sub(started).Seconds())
	return nil
}

func (s *Service) restoreSlots(ctx context.Context, boundary time.Time, slots map[bucket.Key]decimal.Decimal) {
	for key, qty := range slots {
		if err := s.buckets.Increment(ctx, boundary, key, qty); err != nil {
			s.log.Error("bucket restore failed",
				zap.Time("boundary", boundary),
				zap.String("account_id", key.AccountID.String()),
				zap.Error(err),
			)
		}
	}
}

func (s *Service) RollupHours(ctx context.Context) error {
	started := s.clock.Now()
	until := aggdomain.TruncateHour(started.UTC().Add(-s.cfg.HourRollupDelay))

	if err := s.rollupLevel(ctx, aggdomain.LevelMinute, aggdomain.LevelHour, until, aggdomain.TruncateHour); err != nil {
		return err
	}

	obsmetrics.Engine().ObserveJobDuration("hour_rollup", s.clock.Now().Sub(started).Seconds())
	return nil
}

func (s *Service) RollupDays(ctx context.Context) error {
	started := s.clock.Now()
	until := aggdomain.TruncateDay(started.UTC().Add(-s.cfg.DayRollupDelay))

	if err := s.rollupLevel(ctx, aggdomain.LevelHour, aggdomain.LevelDay, until, aggdomain.TruncateDay); err != nil {
		return err
	}

	obsmetrics.Engine().ObserveJobDuration("day_rollup", s.clock.Now().Sub(started).Seconds())
	return nil
}

// rollupLevel walks target boundaries from the resume cursor up to until,
// summing source-level aggregates into the target level. A boundary is only
// rolled up once its source coverage is complete; the walk stops at the first
// gap so boundaries close strictly in order.
func (s *Service) rollupLevel(
	ctx context.Context,
	from, to aggdomain.Level,
	until time.Time,
	truncate func(time.Time) time.Time,
) error {
	cursor, ok, err := s.resumeBoundary(ctx, to)
	if err != nil {
		return err
	}
	if !ok {
		first, found, err := s.earliestDoneBoundary(ctx, from)
		if err != nil || !found {
			return err
		}
		cursor = truncate(first)
	}

	step := to.Step()
	for boundary := cursor; boundary.Before(until); boundary = boundary.Add(step) {
		done, err := s.boundaryDone(ctx, to, boundary)
		if err != nil {
			return err
		}
		if done {
			continue
		}

		right := boundary.Add(step)
		covered, err := s.CoverageComplete(ctx, from, boundary, right)
		if err != nil {
			return err
		}
		if !covered {
			s.log.Debug("roll-up waiting on coverage",
				zap.String("level", string(to)),
				zap.Time("boundary", boundary),
			)
			return nil
		}

		err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
			sums, err := s.sumInterval(tx, from, boundary, right)
			if err != nil {
				return err
			}
			for _, row := range sums {
				if err := s.accumulate(tx, row.AccountID, row.InstanceID, row.Source, boundary, to, row.Total); err != nil {
					return err
				}
			}
			return s.markDone(tx, to, boundary, right)
		})
		if err != nil {
			s.log.Error("roll-up failed",
				zap.String("level", string(to)),
				zap.Time("boundary", boundary),
				zap.Error(err),
			)
			return err
		}

		obsmetrics.Engine().IncRollup(string(to))
	}
	return nil
}

func (s *Service) PruneMinutes(ctx context.Context) error {
	cutoff := s.clock.Now().UTC().Add(-s.cfg.MinuteRetention)

	result := s.db.WithContext(ctx).Exec(`
		DELETE FROM aggregates
		WHERE level = ? AND bucket_start < ?
		AND EXISTS (
			SELECT 1 FROM work_logs
			WHERE work_logs.level = ? AND work_logs.status = ?
			AND work_logs.left_boundary <= aggregates.bucket_start
			AND work_logs.right_boundary > aggregates.bucket_start
		)`,
		aggdomain.LevelMinute, cutoff,
		aggdomain.LevelHour, aggdomain.WorkLogStatusDone,
	)
	if result.Error != nil {
		return result.Error
	}

	if result.RowsAffected > 0 {
		s.log.Info("pruned minute aggregates",
			zap.Int64("rows", result.RowsAffected),
			zap.Time("cutoff", cutoff),
		)
	}
	return nil
}

func (s *Service) CoverageComplete(ctx context.Context, level aggdomain.Level, from, to time.Time) (bool, error) {
	step := level.Step()
	if step <= 0 {
		return false, aggdomain.ErrInvalidLevel
	}
	if !to.After(from) {
		return false, aggdomain.ErrInvalidInterval
	}

	expected := int64(to.Sub(from) / step)

	var count int64
	err := s.db.WithContext(ctx).
		Model(&aggdomain.WorkLog{}).
		Where("level = ? AND status = ? AND left_boundary >= ? AND right_boundary <= ?",
			level, aggdomain.WorkLogStatusDone, from, to).
		Count(&count).Error
	if err != nil {
		return false, err
	}
	return count >= expected, nil
}

type intervalSum struct {
	AccountID  snowflake.ID
	InstanceID snowflake.ID
	Source     eventdomain.Source
	Total      decimal.Decimal
}

func (s *Service) sumInterval(tx *gorm.DB, level aggdomain.Level, from, to time.Time) ([]intervalSum, error) {
	var sums []intervalSum
	err := tx.Raw(`
		SELECT account_id, instance_id, source, SUM(total_quantity) AS total
		FROM aggregates
		WHERE level = ? AND bucket_start >= ? AND bucket_start < ?
		GROUP BY account_id, instance_id, source`,
		level, from, to,
	).Scan(&sums).Error
	return sums, err
}

// accumulate adds qty into the aggregate slot, creating it on first touch.
// Addition, never overwrite: concurrent writers interleave to the same total.
func (s *Service) accumulate(
	tx *gorm.DB,
	accountID, instanceID snowflake.ID,
	source eventdomain.Source,
	boundary time.Time,
	level aggdomain.Level,
	qty decimal.Decimal,
) error {
	now := s.clock.Now().UTC()
	return tx.Exec(`
		INSERT INTO aggregates (id, account_id, instance_id, source, bucket_start, level, total_quantity, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (account_id, instance_id, source, bucket_start, level)
		DO UPDATE SET total_quantity = aggregates.total_quantity + excluded.total_quantity, updated_at = excluded.updated_at`,
		s.genID.Generate(), accountID, instanceID, source, boundary, level, qty, now, now,
	).Error
}

func (s *Service) markDone(tx *gorm.DB, level aggdomain.Level, left, right time.Time) error {
	return tx.Exec(`
		INSERT INTO work_logs (id, level, left_boundary, right_boundary, status, updated_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT (level, left_boundary) DO NOTHING`,
		s.genID.Generate(), level, left, right, aggdomain.WorkLogStatusDone, s.clock.Now().UTC(),
	).Error
}

func (s *Service) boundaryDone(ctx context.Context, level aggdomain.Level, left time.Time) (bool, error) {
	var count int64
	err := s.db.WithContext(ctx).
		Model(&aggdomain.WorkLog{}).
		Where("level = ? AND left_boundary = ? AND status = ?", level, left, aggdomain.WorkLogStatusDone).
		Count(&count).Error
	return count > 0, err
}

// resumeBoundary returns the right boundary of the latest done work log for
// the level, which is the next boundary to process.
func (s *Service) resumeBoundary(ctx context.Context, level aggdomain.Level) (time.Time, bool, error) {
	var entry aggdomain.WorkLog
	err := s.db.WithContext(ctx).
		Where("level = ? AND status = ?", level, aggdomain.WorkLogStatusDone).
		Order("right_boundary DESC").
		First(&entry).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return time.Time{}, false, nil
		}
		return time.Time{}, false, err
	}
	return entry.RightBoundary.UTC(), true, nil
}

func (s *Service) earliestDoneBoundary(ctx context.Context, level aggdomain.Level) (time.Time, bool, error) {
	var entry aggdomain.WorkLog
	err := s.db.WithContext(ctx).
		Where("level = ? AND status = ?", level, aggdomain.WorkLogStatusDone).
		Order("left_boundary ASC").
		First(&entry).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return time.Time{}, false, nil
		}
		return time.Time{}, false, err
	}
	return entry.LeftBoundary.UTC(), true, nil
}

// earliestEventMinute seeds the minute cursor on a fresh database from the
// oldest ledger row.
func (s *Service) earliestEventMinute(ctx context.Context) (time.Time, bool, error) {
	var event eventdomain.UsageEvent
	err := s.db.WithContext(ctx).
		Order("occurred_at ASC").
		First(&event).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return time.Time{}, false, nil
		}
		return time.Time{}, false, err
	}
	return bucket.Minute(event.OccurredAt), true, nil
}
