// Package domain contains the time-bucketed aggregate models and the
// work-log watermark that makes roll-ups idempotent.
package domain

import (
	"time"

	"github.com/bwmarrin/snowflake"
	eventdomain "github.com/nimbusbase/meterbill/internal/event/domain"
	"github.com/shopspring/decimal"
)

// Level is the bucket granularity of an aggregate row.
type Level string

const (
	LevelMinute Level = "minute"
	LevelHour   Level = "hour"
	LevelDay    Level = "day"
)

// Step returns the bucket width for the level.
func (l Level) Step() time.Duration {
	switch l {
	case LevelMinute:
		return time.Minute
	case LevelHour:
		return time.Hour
	case LevelDay:
		return 24 * time.Hour
	}
	return 0
}

// Aggregate is one accumulation slot: unique per (account, instance, source,
// bucket_start, level). TotalQuantity only ever grows by addition; the row is
// deleted solely by minute-level retention pruning.
type Aggregate struct {
	ID            snowflake.ID       `gorm:"primaryKey"`
	AccountID     snowflake.ID       `gorm:"not null;uniqueIndex:ux_aggregates_slot,priority:1"`
	InstanceID    snowflake.ID       `gorm:"not null;uniqueIndex:ux_aggregates_slot,priority:2"`
	Source        eventdomain.Source `gorm:"type:text;not null;uniqueIndex:ux_aggregates_slot,priority:3"`
	BucketStart   time.Time          `gorm:"not null;uniqueIndex:ux_aggregates_slot,priority:4;index"`
	Level         Level              `gorm:"type:text;not null;uniqueIndex:ux_aggregates_slot,priority:5"`
	TotalQuantity decimal.Decimal    `gorm:"type:numeric(20,5);not null"`
	CreatedAt     time.Time          `gorm:"not null;default:CURRENT_TIMESTAMP"`
	UpdatedAt     time.Time          `gorm:"not null;default:CURRENT_TIMESTAMP"`
}

// TableName sets the database table name.
func (Aggregate) TableName() string { return "aggregates" }

type WorkLogStatus string

const (
	WorkLogStatusQueued WorkLogStatus = "queued"
	WorkLogStatusDone   WorkLogStatus = "done"
	WorkLogStatusFailed WorkLogStatus = "failed"
)

// WorkLog keeps track of intervals that have been aggregated. A done entry is
// the closed watermark for its bucket: the boundary accepts no further
// increments and re-running the roll-up is a no-op.
type WorkLog struct {
	ID            snowflake.ID  `gorm:"primaryKey"`
	Level         Level         `gorm:"type:text;not null;uniqueIndex:ux_work_logs_boundary,priority:1"`
	LeftBoundary  time.Time     `gorm:"not null;uniqueIndex:ux_work_logs_boundary,priority:2"`
	RightBoundary time.Time     `gorm:"not null;index"`
	Status        WorkLogStatus `gorm:"type:text;not null"`
	// BilledAt marks hour boundaries whose totals have been turned into
	// transactions by the charge flush.
	BilledAt  *time.Time `gorm:"index"`
	UpdatedAt time.Time  `gorm:"not null;default:CURRENT_TIMESTAMP"`
}

// TableName sets the database table name.
func (WorkLog) TableName() string { return "work_logs" }

// TruncateHour truncates t to its hour boundary in UTC.
func TruncateHour(t time.Time) time.Time {
	return t.UTC().Truncate(time.Hour)
}

// TruncateDay truncates t to midnight UTC.
func TruncateDay(t time.Time) time.Time {
	u := t.UTC()
	return time.Date(u.Year(), u.Month(), u.Day(), 0, 0, 0, 0, time.UTC)
}
