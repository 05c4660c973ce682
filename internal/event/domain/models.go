// Package domain contains persistence models for raw usage ingestion.
package domain

import (
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/shopspring/decimal"
	"gorm.io/datatypes"
)

// Source identifies the billable activity a usage event meters.
type Source string

const (
	SourceAPICall       Source = "api_call"
	SourceScriptSeconds Source = "script_exec_seconds"
)

// Valid reports whether the source is a known billable source.
func (s Source) Valid() bool {
	switch s {
	case SourceAPICall, SourceScriptSeconds:
		return true
	}
	return false
}

// UsageEvent stores a single unit of metered activity. Rows are append-only:
// aggregation consumes them, nothing updates them.
type UsageEvent struct {
	ID         snowflake.ID      `gorm:"primaryKey"`
	AccountID  snowflake.ID      `gorm:"not null;index:ix_usage_events_account_occurred"`
	InstanceID snowflake.ID      `gorm:"not null"`
	Source     Source            `gorm:"type:text;not null"`
	Quantity   decimal.Decimal   `gorm:"type:numeric(20,5);not null"`
	OccurredAt time.Time         `gorm:"not null;index:ix_usage_events_account_occurred"`
	Metadata   datatypes.JSONMap `gorm:"type:jsonb"`
	CreatedAt  time.Time         `gorm:"not null;default:CURRENT_TIMESTAMP"`
}

// TableName sets the database table name.
func (UsageEvent) TableName() string { return "usage_events" }

// LateReason says why an event missed its bucket.
type LateReason string

const (
	LateReasonStale  LateReason = "stale"
	LateReasonFuture LateReason = "future"
)

// LateEvent is the side channel for events that arrived outside the grace
// window. They are reported separately, never merged into closed buckets.
type LateEvent struct {
	ID         snowflake.ID    `gorm:"primaryKey"`
	AccountID  snowflake.ID    `gorm:"not null;index"`
	InstanceID snowflake.ID    `gorm:"not null"`
	Source     Source          `gorm:"type:text;not null"`
	Quantity   decimal.Decimal `gorm:"type:numeric(20,5);not null"`
	OccurredAt time.Time       `gorm:"not null"`
	Reason     LateReason      `gorm:"type:text;not null"`
	CreatedAt  time.Time       `gorm:"not null;default:CURRENT_TIMESTAMP"`
}

// TableName sets the database table name.
func (LateEvent) TableName() string { return "late_events" }
