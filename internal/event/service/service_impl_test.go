package service

import (
	"context"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/glebarez/sqlite"
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

var testBase = time.Date(2026, 9, 10, 12, 30, 30, 0, time.UTC)

func newTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", strings.ReplaceAll(t.Name(), "/", "_"))
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{Logger: gormlogger.Discard})
	require.NoError(t, err)
	require.NoError(t, migration.Migrate(db))
	return db
}

func newTestService(t *testing.T) (eventdomain.Service, *clock.FakeClock, *bucket.MemoryStore, *gorm.DB) {
	t.Helper()
	db := newTestDB(t)
	node, err := snowflake.NewNode(1)
	require.NoError(t, err)

	fake := clock.NewFakeClock(testBase)
	store := bucket.NewMemoryStore()

	svc := NewService(ServiceParam{
		DB:    db,
		Log:   zap.NewNop(),
		GenID: node,
		Config: config.Config{Billing: config.BillingConfig{
			GraceWindow:  2 * time.Minute,
			FutureWindow: 5 * time.Minute,
		}},
		Clock:   fake,
		Buckets: store,
	})
	return svc, fake, store, db
}

func TestIngestValidation(t *testing.T) {
	svc, _, _, _ := newTestService(t)
	ctx := context.Background()

	tests := []struct {
		name    string
		req     eventdomain.IngestRequest
		wantErr error
	}{
		{
			name:    "missing account",
			req:     eventdomain.IngestRequest{Source: eventdomain.SourceAPICall, Quantity: decimal.NewFromInt(1)},
			wantErr: eventdomain.ErrInvalidAccount,
		},
		{
			name:    "unknown source",
			req:     eventdomain.IngestRequest{AccountID: 1, Source: "cpu_cycles", Quantity: decimal.NewFromInt(1)},
			wantErr: eventdomain.ErrInvalidSource,
		},
		{
			name:    "negative quantity",
			req:     eventdomain.IngestRequest{AccountID: 1, Source: eventdomain.SourceAPICall, Quantity: decimal.NewFromInt(-1)},
			wantErr: eventdomain.ErrInvalidQuantity,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := svc.Ingest(ctx, tt.req)
			assert.ErrorIs(t, err, tt.wantErr)
		})
	}
}

func TestIngestAppendsAndAccumulates(t *testing.T) {
	svc, _, store, db := newTestService(t)
	ctx := context.Background()

	req := eventdomain.IngestRequest{
		AccountID:  42,
		InstanceID: 7,
		Source:     eventdomain.SourceAPICall,
		Quantity:   decimal.NewFromInt(3),
		OccurredAt: testBase,
	}
	first, err := svc.Ingest(ctx, req)
	require.NoError(t, err)
	require.NotNil(t, first)

	req.Quantity = decimal.NewFromInt(4)
	_, err = svc.Ingest(ctx, req)
	require.NoError(t, err)

	var count int64
	require.NoError(t, db.Model(&eventdomain.UsageEvent{}).Count(&count).Error)
	assert.Equal(t, int64(2), count)

	slots, err := store.Drain(ctx, bucket.Minute(testBase))
	require.NoError(t, err)
	key := bucket.Key{AccountID: 42, InstanceID: 7, Source: eventdomain.SourceAPICall}
	assert.True(t, slots[key].Equal(decimal.NewFromInt(7)), "got %s", slots[key])
}

func TestIngestRoutesLateEvents(t *testing.T) {
	svc, _, store, _ := newTestService(t)
	ctx := context.Background()

	stale := eventdomain.IngestRequest{
		AccountID:  42,
		Source:     eventdomain.SourceAPICall,
		Quantity:   decimal.NewFromInt(1),
		OccurredAt: testBase.Add(-10 * time.Minute),
	}
	_, err := svc.Ingest(ctx, stale)
	assert.ErrorIs(t, err, eventdomain.ErrStaleEvent)

	future := stale
	future.OccurredAt = testBase.Add(10 * time.Minute)
	_, err = svc.Ingest(ctx, future)
	assert.ErrorIs(t, err, eventdomain.ErrFutureEvent)

	late, err := svc.ListLateEvents(ctx, eventdomain.ListLateEventsRequest{AccountID: 42})
	require.NoError(t, err)
	require.Len(t, late, 2)

	reasons := map[eventdomain.LateReason]bool{}
	for _, entry := range late {
		reasons[entry.Reason] = true
	}
	assert.True(t, reasons[eventdomain.LateReasonStale])
	assert.True(t, reasons[eventdomain.LateReasonFuture])

	// Late events never touch a bucket.
	slots, err := store.Drain(ctx, bucket.Minute(stale.OccurredAt))
	require.NoError(t, err)
	assert.Empty(t, slots)
}

func TestIngestCapsGraceWindowAtFlushDelay(t *testing.T) {
	db := newTestDB(t)
	node, err := snowflake.NewNode(1)
	require.NoError(t, err)

	svc := NewService(ServiceParam{
		DB:    db,
		Log:   zap.NewNop(),
		GenID: node,
		Config: config.Config{Billing: config.BillingConfig{
			GraceWindow:      10 * time.Minute,
			FutureWindow:     5 * time.Minute,
			MinuteFlushDelay: 2 * time.Minute,
		}},
		Clock:   clock.NewFakeClock(testBase),
		Buckets: bucket.NewMemoryStore(),
	})
	ctx := context.Background()

	// Inside the configured grace window, but its minute may already be
	// flushed: the event belongs on the late channel, not in a closed bucket.
	_, err = svc.Ingest(ctx, eventdomain.IngestRequest{
		AccountID:  42,
		Source:     eventdomain.SourceAPICall,
		Quantity:   decimal.NewFromInt(1),
		OccurredAt: testBase.Add(-5 * time.Minute),
	})
	assert.ErrorIs(t, err, eventdomain.ErrStaleEvent)

	late, err := svc.ListLateEvents(ctx, eventdomain.ListLateEventsRequest{AccountID: 42})
	require.NoError(t, err)
	require.Len(t, late, 1)
	assert.Equal(t, eventdomain.LateReasonStale, late[0].Reason)

	// A minute-old event is still safely inside the open window.
	_, err = svc.Ingest(ctx, eventdomain.IngestRequest{
		AccountID:  42,
		Source:     eventdomain.SourceAPICall,
		Quantity:   decimal.NewFromInt(1),
		OccurredAt: testBase.Add(-time.Minute),
	})
	require.NoError(t, err)
}

func TestIngestDefaultsOccurredAt(t *testing.T) {
	svc, fake, store, _ := newTestService(t)
	ctx := context.Background()

	_, err := svc.Ingest(ctx, eventdomain.IngestRequest{
		AccountID: 1,
		Source:    eventdomain.SourceScriptSeconds,
		Quantity:  decimal.NewFromFloat(1.5),
	})
	require.NoError(t, err)

	slots, err := store.Drain(ctx, bucket.Minute(fake.Now()))
	require.NoError(t, err)
	require.Len(t, slots, 1)
}
