// Package bucket holds the hot minute-bucket accumulator that absorbs
// concurrent usage increments before the flush job persists them.
package bucket

import (
	"context"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/nimbusbase/meterbill/internal/event/domain"
	"github.com/shopspring/decimal"
)

// Key identifies one accumulation slot inside a minute bucket.
type Key struct {
	AccountID  snowflake.ID
	InstanceID snowflake.ID
	Source     domain.Source
}

// Store accumulates quantities per (minute, key). Increments to the same
// slot must all apply: accumulation, never last-write-wins.
type Store interface {
	Increment(ctx context.Context, minute time.Time, key Key, qty decimal.Decimal) error
	// Drain atomically removes and returns the bucket for the given minute.
	// Draining a missing bucket returns an empty map.
	Drain(ctx context.Context, minute time.Time) (map[Key]decimal.Decimal, error)
}

// Minute truncates t to its minute bucket boundary in UTC.
func Minute(t time.Time) time.Time {
	return t.UTC().Truncate(time.Minute)
}
