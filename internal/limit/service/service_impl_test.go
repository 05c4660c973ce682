package service

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/glebarez/sqlite"
	"github.com/nimbusbase/meterbill/internal/clock"
	limitdomain "github.com/nimbusbase/meterbill/internal/limit/domain"
	"github.com/nimbusbase/meterbill/internal/migration"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"
)

type recordingSink struct {
	mu   sync.Mutex
	soft int
	hard int
}

func (s *recordingSink) SoftLimitReached(ctx context.Context, profile limitdomain.BillingProfile) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.soft++
	return nil
}

func (s *recordingSink) HardLimitReached(ctx context.Context, profile limitdomain.BillingProfile) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.hard++
	return nil
}

type recordingSuspender struct {
	mu    sync.Mutex
	calls []snowflake.ID
}

func (s *recordingSuspender) Suspend(ctx context.Context, accountID snowflake.ID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls = append(s.calls, accountID)
	return nil
}

func newTestService(t *testing.T) (limitdomain.Service, *recordingSink, *recordingSuspender) {
	t.Helper()
	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", strings.ReplaceAll(t.Name(), "/", "_"))
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{Logger: gormlogger.Discard})
	require.NoError(t, err)
	require.NoError(t, migration.Migrate(db))

	// One connection: sqlite serializes the racing transactions instead of
	// returning busy errors.
	sqlDB, err := db.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)

	node, err := snowflake.NewNode(1)
	require.NoError(t, err)

	sink := &recordingSink{}
	suspender := &recordingSuspender{}
	svc := NewService(ServiceParam{
		DB:        db,
		Log:       zap.NewNop(),
		GenID:     node,
		Clock:     clock.NewFakeClock(time.Date(2026, 9, 10, 0, 0, 0, 0, time.UTC)),
		Suspender: suspender,
		Alerts:    sink,
	})
	return svc, sink, suspender
}

func setupProfile(t *testing.T, svc limitdomain.Service, soft, hard int64) {
	t.Helper()
	ctx := context.Background()
	_, err := svc.InitializeProfile(ctx, 42)
	require.NoError(t, err)
	_, err = svc.SetLimits(ctx, limitdomain.SetLimitsRequest{
		AccountID: 42,
		SoftLimit: decimal.NewFromInt(soft),
		HardLimit: decimal.NewFromInt(hard),
	})
	require.NoError(t, err)
}

func TestSetLimitsValidation(t *testing.T) {
	svc, _, _ := newTestService(t)
	ctx := context.Background()

	_, err := svc.InitializeProfile(ctx, 42)
	require.NoError(t, err)

	_, err = svc.SetLimits(ctx, limitdomain.SetLimitsRequest{
		AccountID: 42,
		SoftLimit: decimal.NewFromInt(50),
		HardLimit: decimal.NewFromInt(20),
	})
	assert.ErrorIs(t, err, limitdomain.ErrInvalidLimit)

	_, err = svc.SetLimits(ctx, limitdomain.SetLimitsRequest{
		AccountID: 7,
		SoftLimit: limitdomain.LimitUnset,
		HardLimit: limitdomain.LimitUnset,
	})
	assert.ErrorIs(t, err, limitdomain.ErrProfileNotFound)
}

func TestApplyChargeCrossesEachLimitOnce(t *testing.T) {
	svc, sink, suspender := newTestService(t)
	ctx := context.Background()
	setupProfile(t, svc, 10, 20)

	require.NoError(t, svc.ApplyCharge(ctx, 42, decimal.NewFromInt(6)))
	assert.Equal(t, 0, sink.soft)

	require.NoError(t, svc.ApplyCharge(ctx, 42, decimal.NewFromInt(6)))
	assert.Equal(t, 1, sink.soft, "soft crossing fires at the boundary")
	assert.Equal(t, 0, sink.hard)

	// More spend past the soft limit stays silent.
	require.NoError(t, svc.ApplyCharge(ctx, 42, decimal.NewFromInt(5)))
	assert.Equal(t, 1, sink.soft)

	require.NoError(t, svc.ApplyCharge(ctx, 42, decimal.NewFromInt(5)))
	assert.Equal(t, 1, sink.hard, "hard crossing fires once")
	assert.Equal(t, []snowflake.ID{42}, suspender.calls)

	require.NoError(t, svc.ApplyCharge(ctx, 42, decimal.NewFromInt(100)))
	assert.Equal(t, 1, sink.soft)
	assert.Equal(t, 1, sink.hard)
	assert.Len(t, suspender.calls, 1, "suspension is one-shot per cycle")

	reached, err := svc.HardLimitReached(ctx, 42)
	require.NoError(t, err)
	assert.True(t, reached)
}

func TestApplyChargeIgnoresUnsetLimits(t *testing.T) {
	svc, sink, suspender := newTestService(t)
	ctx := context.Background()

	_, err := svc.InitializeProfile(ctx, 42)
	require.NoError(t, err)

	require.NoError(t, svc.ApplyCharge(ctx, 42, decimal.NewFromInt(1000000)))
	assert.Equal(t, 0, sink.soft)
	assert.Equal(t, 0, sink.hard)
	assert.Empty(t, suspender.calls)
}

func TestConcurrentChargesCrossEachLimitOnce(t *testing.T) {
	svc, sink, suspender := newTestService(t)
	ctx := context.Background()
	setupProfile(t, svc, 10, 20)

	const workers = 32
	errs := make(chan error, workers)
	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			errs <- svc.ApplyCharge(ctx, 42, decimal.NewFromInt(1))
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		require.NoError(t, err)
	}

	profile, err := svc.Get(ctx, 42)
	require.NoError(t, err)
	assert.True(t, profile.PeriodSpend.Equal(decimal.NewFromInt(workers)),
		"every concurrent charge applies, got %s", profile.PeriodSpend)
	require.NotNil(t, profile.SoftLimitReachedAt)
	require.NotNil(t, profile.HardLimitReachedAt)

	assert.Equal(t, 1, sink.soft, "soft crossing raised exactly once")
	assert.Equal(t, 1, sink.hard, "hard crossing raised exactly once")
	assert.Len(t, suspender.calls, 1)
}

func TestEvaluateClassifiesSpend(t *testing.T) {
	svc, _, _ := newTestService(t)
	ctx := context.Background()
	setupProfile(t, svc, 10, 20)

	state, err := svc.Evaluate(ctx, 42)
	require.NoError(t, err)
	assert.Equal(t, limitdomain.StateOK, state)

	require.NoError(t, svc.ApplyCharge(ctx, 42, decimal.NewFromInt(12)))
	state, err = svc.Evaluate(ctx, 42)
	require.NoError(t, err)
	assert.Equal(t, limitdomain.StateSoftExceeded, state)

	require.NoError(t, svc.ApplyCharge(ctx, 42, decimal.NewFromInt(12)))
	state, err = svc.Evaluate(ctx, 42)
	require.NoError(t, err)
	assert.Equal(t, limitdomain.StateHardExceeded, state)

	_, err = svc.Evaluate(ctx, 99)
	assert.ErrorIs(t, err, limitdomain.ErrProfileNotFound)
}

func TestRolloverCycleRearmsCrossings(t *testing.T) {
	svc, sink, suspender := newTestService(t)
	ctx := context.Background()
	setupProfile(t, svc, 10, 20)

	require.NoError(t, svc.ApplyCharge(ctx, 42, decimal.NewFromInt(25)))
	assert.Equal(t, 1, sink.soft)
	assert.Equal(t, 1, sink.hard)

	require.NoError(t, svc.RolloverCycle(ctx, 42))

	profile, err := svc.Get(ctx, 42)
	require.NoError(t, err)
	assert.True(t, profile.PeriodSpend.IsZero())
	assert.Nil(t, profile.SoftLimitReachedAt)
	assert.Nil(t, profile.HardLimitReachedAt)

	// A fresh cycle can cross again.
	require.NoError(t, svc.ApplyCharge(ctx, 42, decimal.NewFromInt(25)))
	assert.Equal(t, 2, sink.soft)
	assert.Equal(t, 2, sink.hard)
	assert.Len(t, suspender.calls, 2)
}
