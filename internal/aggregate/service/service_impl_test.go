package service

import (
	"context"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/glebarez/sqlite"
	aggdomain "github.com/nimbusbase/meterbill/internal/aggregate/domain"
	"github.com/nimbusbase/meterbill/internal/bucket"
	"github.com/nimbusbase/meterbill/internal/clock"
	"github.com/nimbusbase/meterbill/internal/config"
	eventdomain "github.com/nimbusbase/meterbill/internal/event/domain"
	"github.com/nimbusbase/meterbill/internal/migration"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"
)

var hourBase = time.Date(2026, 9, 10, 10, 0, 0, 0, time.UTC)

func newTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", strings.ReplaceAll(t.Name(), "/", "_"))
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{Logger: gormlogger.Discard})
	require.NoError(t, err)
	require.NoError(t, migration.Migrate(db))
	return db
}

func newTestService(t *testing.T) (*Service, *clock.FakeClock, *bucket.MemoryStore, *gorm.DB) {
	t.Helper()
	db := newTestDB(t)
	node, err := snowflake.NewNode(1)
	require.NoError(t, err)

	fake := clock.NewFakeClock(hourBase)
	store := bucket.NewMemoryStore()

	svc := NewService(ServiceParam{
		DB:    db,
		Log:   zap.NewNop(),
		GenID: node,
		Config: config.Config{Billing: config.BillingConfig{
			MinuteFlushDelay: 2 * time.Minute,
			HourRollupDelay:  10 * time.Minute,
			DayRollupDelay:   time.Hour,
			MinuteRetention:  24 * time.Hour,
		}},
		Clock:   fake,
		Buckets: store,
	}).(*Service)
	return svc, fake, store, db
}

func seedEvent(t *testing.T, db *gorm.DB, occurredAt time.Time) {
	t.Helper()
	require.NoError(t, db.Create(&eventdomain.UsageEvent{
		ID:         snowflake.ID(occurredAt.UnixNano()),
		AccountID:  42,
		InstanceID: 7,
		Source:     eventdomain.SourceAPICall,
		Quantity:   decimal.NewFromInt(1),
		OccurredAt: occurredAt,
		CreatedAt:  occurredAt,
	}).Error)
}

func minuteTotal(t *testing.T, db *gorm.DB, level aggdomain.Level, boundary time.Time) decimal.Decimal {
	t.Helper()
	var rows []aggdomain.Aggregate
	require.NoError(t, db.
		Where("level = ? AND bucket_start = ?", level, boundary).
		Find(&rows).Error)

	total := decimal.Zero
	for _, row := range rows {
		total = total.Add(row.TotalQuantity)
	}
	return total
}

func TestFlushMinutesDrainsClosedBuckets(t *testing.T) {
	svc, fake, store, db := newTestService(t)
	ctx := context.Background()
	key := bucket.Key{AccountID: 42, InstanceID: 7, Source: eventdomain.SourceAPICall}

	seedEvent(t, db, hourBase)
	require.NoError(t, store.Increment(ctx, hourBase, key, decimal.NewFromInt(5)))
	require.NoError(t, store.Increment(ctx, hourBase.Add(time.Minute), key, decimal.NewFromInt(2)))

	fake.Set(hourBase.Add(5 * time.Minute))
	require.NoError(t, svc.FlushMinutes(ctx))

	assert.True(t, minuteTotal(t, db, aggdomain.LevelMinute, hourBase).Equal(decimal.NewFromInt(5)))
	assert.True(t, minuteTotal(t, db, aggdomain.LevelMinute, hourBase.Add(time.Minute)).Equal(decimal.NewFromInt(2)))

	var worklogs int64
	require.NoError(t, db.Model(&aggdomain.WorkLog{}).
		Where("level = ? AND status = ?", aggdomain.LevelMinute, aggdomain.WorkLogStatusDone).
		Count(&worklogs).Error)
	assert.Equal(t, int64(3), worklogs, "every boundary up to now-delay gets a watermark")

	// Replaying the flush adds nothing.
	require.NoError(t, svc.FlushMinutes(ctx))
	assert.True(t, minuteTotal(t, db, aggdomain.LevelMinute, hourBase).Equal(decimal.NewFromInt(5)))
}

func TestFlushMinutesLeavesOpenBuckets(t *testing.T) {
	svc, fake, store, db := newTestService(t)
	ctx := context.Background()
	key := bucket.Key{AccountID: 42, InstanceID: 7, Source: eventdomain.SourceAPICall}

	seedEvent(t, db, hourBase)
	require.NoError(t, store.Increment(ctx, hourBase, key, decimal.NewFromInt(5)))

	// Inside the flush delay: the bucket is still open.
	fake.Set(hourBase.Add(time.Minute))
	require.NoError(t, svc.FlushMinutes(ctx))
	assert.True(t, minuteTotal(t, db, aggdomain.LevelMinute, hourBase).IsZero())

	slots, err := store.Drain(ctx, hourBase)
	require.NoError(t, err)
	assert.Len(t, slots, 1, "open bucket keeps its contents")
}

func TestFlushMinutesRestoresBucketsOnFailure(t *testing.T) {
	svc, fake, store, db := newTestService(t)
	ctx := context.Background()
	key := bucket.Key{AccountID: 42, InstanceID: 7, Source: eventdomain.SourceAPICall}

	seedEvent(t, db, hourBase)
	require.NoError(t, store.Increment(ctx, hourBase, key, decimal.NewFromInt(5)))

	// Break the flush transaction after the drain.
	require.NoError(t, db.Exec("DROP TABLE aggregates").Error)
	fake.Set(hourBase.Add(5 * time.Minute))
	require.Error(t, svc.FlushMinutes(ctx))

	var worklogs int64
	require.NoError(t, db.Model(&aggdomain.WorkLog{}).
		Where("level = ?", aggdomain.LevelMinute).
		Count(&worklogs).Error)
	assert.Zero(t, worklogs, "a failed flush closes nothing")

	// Once the fault clears, the retry drains the restored quantities.
	require.NoError(t, migration.Migrate(db))
	require.NoError(t, svc.FlushMinutes(ctx))
	assert.True(t, minuteTotal(t, db, aggdomain.LevelMinute, hourBase).Equal(decimal.NewFromInt(5)),
		"nothing drained is lost to a failed transaction")
}

func seedMinuteHour(t *testing.T, svc *Service, db *gorm.DB, hour time.Time, minutes int) {
	t.Helper()
	for i := 0; i < minutes; i++ {
		left := hour.Add(time.Duration(i) * time.Minute)
		require.NoError(t, svc.markDone(db, aggdomain.LevelMinute, left, left.Add(time.Minute)))
	}
}

func TestRollupHoursSumsMinutes(t *testing.T) {
	svc, fake, _, db := newTestService(t)
	ctx := context.Background()

	seedMinuteHour(t, svc, db, hourBase, 60)
	require.NoError(t, svc.accumulate(db, 42, 7, eventdomain.SourceAPICall, hourBase.Add(5*time.Minute), aggdomain.LevelMinute, decimal.NewFromInt(3)))
	require.NoError(t, svc.accumulate(db, 42, 7, eventdomain.SourceAPICall, hourBase.Add(10*time.Minute), aggdomain.LevelMinute, decimal.NewFromInt(4)))

	fake.Set(hourBase.Add(time.Hour + 15*time.Minute))
	require.NoError(t, svc.RollupHours(ctx))

	assert.True(t, minuteTotal(t, db, aggdomain.LevelHour, hourBase).Equal(decimal.NewFromInt(7)))

	// Idempotent replay.
	require.NoError(t, svc.RollupHours(ctx))
	assert.True(t, minuteTotal(t, db, aggdomain.LevelHour, hourBase).Equal(decimal.NewFromInt(7)))
}

func TestRollupHoursWaitsForCoverage(t *testing.T) {
	svc, fake, _, db := newTestService(t)
	ctx := context.Background()

	seedMinuteHour(t, svc, db, hourBase, 59)
	require.NoError(t, svc.accumulate(db, 42, 7, eventdomain.SourceAPICall, hourBase, aggdomain.LevelMinute, decimal.NewFromInt(3)))

	fake.Set(hourBase.Add(2 * time.Hour))
	require.NoError(t, svc.RollupHours(ctx))

	assert.True(t, minuteTotal(t, db, aggdomain.LevelHour, hourBase).IsZero(),
		"hour must not close over a coverage gap")
}

func TestRollupDaysSumsHours(t *testing.T) {
	svc, fake, _, db := newTestService(t)
	ctx := context.Background()
	day := time.Date(2026, 9, 10, 0, 0, 0, 0, time.UTC)

	for i := 0; i < 24; i++ {
		left := day.Add(time.Duration(i) * time.Hour)
		require.NoError(t, svc.markDone(db, aggdomain.LevelHour, left, left.Add(time.Hour)))
	}
	require.NoError(t, svc.accumulate(db, 42, 7, eventdomain.SourceAPICall, day.Add(3*time.Hour), aggdomain.LevelHour, decimal.NewFromInt(10)))
	require.NoError(t, svc.accumulate(db, 42, 7, eventdomain.SourceAPICall, day.Add(20*time.Hour), aggdomain.LevelHour, decimal.NewFromInt(5)))

	fake.Set(day.AddDate(0, 0, 1).Add(2 * time.Hour))
	require.NoError(t, svc.RollupDays(ctx))

	assert.True(t, minuteTotal(t, db, aggdomain.LevelDay, day).Equal(decimal.NewFromInt(15)))
}

func TestPruneMinutesHonorsCoverage(t *testing.T) {
	svc, fake, _, db := newTestService(t)
	ctx := context.Background()

	covered := hourBase.Add(5 * time.Minute)
	uncovered := hourBase.Add(3 * time.Hour)

	require.NoError(t, svc.accumulate(db, 42, 7, eventdomain.SourceAPICall, covered, aggdomain.LevelMinute, decimal.NewFromInt(3)))
	require.NoError(t, svc.accumulate(db, 42, 7, eventdomain.SourceAPICall, uncovered, aggdomain.LevelMinute, decimal.NewFromInt(4)))
	require.NoError(t, svc.markDone(db, aggdomain.LevelHour, hourBase, hourBase.Add(time.Hour)))

	fake.Set(hourBase.Add(48 * time.Hour))
	require.NoError(t, svc.PruneMinutes(ctx))

	assert.True(t, minuteTotal(t, db, aggdomain.LevelMinute, covered).IsZero(), "covered row is pruned")
	assert.True(t, minuteTotal(t, db, aggdomain.LevelMinute, uncovered).Equal(decimal.NewFromInt(4)),
		"row without a durable hour stays")
}
