package service

import (
	"context"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/glebarez/sqlite"
	"github.com/nimbusbase/meterbill/internal/clock"
	eventdomain "github.com/nimbusbase/meterbill/internal/event/domain"
	"github.com/nimbusbase/meterbill/internal/migration"
	plandomain "github.com/nimbusbase/meterbill/internal/plan/domain"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"
)

func newTestService(t *testing.T) plandomain.Service {
	t.Helper()
	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", strings.ReplaceAll(t.Name(), "/", "_"))
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{Logger: gormlogger.Discard})
	require.NoError(t, err)
	require.NoError(t, migration.Migrate(db))

	node, err := snowflake.NewNode(1)
	require.NoError(t, err)

	return NewService(ServiceParam{
		DB:    db,
		Log:   zap.NewNop(),
		GenID: node,
		Clock: clock.NewFakeClock(time.Date(2026, 9, 1, 0, 0, 0, 0, time.UTC)),
	})
}

func TestCreateAndFetchPlan(t *testing.T) {
	svc := newTestService(t)
	ctx := context.Background()

	created, err := svc.Create(ctx, plandomain.CreatePlanRequest{
		Code:       "pro",
		Name:       "Pro",
		MonthlyFee: decimal.NewFromInt(30),
		PaidPlan:   true,
		Schedules: []plandomain.ScheduleSpec{
			{Source: eventdomain.SourceAPICall, IncludedQuantity: decimal.NewFromInt(100000), OveragePrice: decimal.NewFromFloat(0.0002)},
			{Source: eventdomain.SourceScriptSeconds, IncludedQuantity: decimal.NewFromInt(10000), OveragePrice: decimal.NewFromFloat(0.00025)},
		},
	})
	require.NoError(t, err)

	fetched, err := svc.GetByCode(ctx, "pro")
	require.NoError(t, err)
	assert.Equal(t, created.ID, fetched.ID)
	require.Len(t, fetched.Schedules, 2)

	schedule := fetched.ScheduleFor(eventdomain.SourceAPICall)
	require.NotNil(t, schedule)
	assert.True(t, schedule.IncludedQuantity.Equal(decimal.NewFromInt(100000)))
	assert.Nil(t, fetched.ScheduleFor("cpu_cycles"))

	_, err = svc.Create(ctx, plandomain.CreatePlanRequest{Code: "pro", Name: "Again"})
	assert.ErrorIs(t, err, plandomain.ErrDuplicatePlan)
}

func TestRetireHidesFromCatalog(t *testing.T) {
	svc := newTestService(t)
	ctx := context.Background()

	plan, err := svc.Create(ctx, plandomain.CreatePlanRequest{
		Code: "legacy", Name: "Legacy", MonthlyFee: decimal.NewFromInt(10), PaidPlan: true,
	})
	require.NoError(t, err)
	require.NoError(t, svc.Retire(ctx, "legacy"))

	_, err = svc.GetByCode(ctx, "legacy")
	assert.ErrorIs(t, err, plandomain.ErrPlanUnavailable)

	// Historical subscriptions still resolve by id.
	byID, err := svc.GetByID(ctx, plan.ID)
	require.NoError(t, err)
	assert.False(t, byID.Available)

	catalog, err := svc.List(ctx)
	require.NoError(t, err)
	assert.Empty(t, catalog)

	assert.ErrorIs(t, svc.Retire(ctx, "ghost"), plandomain.ErrPlanNotFound)
}
