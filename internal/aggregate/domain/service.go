package domain

import (
	"context"
	"errors"
	"time"
)

var (
	ErrInvalidLevel    = errors.New("invalid_level")
	ErrInvalidInterval = errors.New("invalid_interval")
)

// Service drives the minute -> hour -> day aggregation pipeline. Every
// operation is safe to re-run: completed boundaries are guarded by done
// work-log rows and never accumulated twice.
type Service interface {
	// FlushMinutes drains closed minute buckets from the accumulator into
	// minute aggregates, walking forward from the last done minute boundary.
	FlushMinutes(ctx context.Context) error

	// RollupHours sums minute aggregates into hour aggregates for every hour
	// boundary whose minute coverage is complete.
	RollupHours(ctx context.Context) error

	// RollupDays sums hour aggregates into day aggregates.
	RollupDays(ctx context.Context) error

	// PruneMinutes deletes minute aggregates past the retention window whose
	// covering hour boundary is already done.
	PruneMinutes(ctx context.Context) error

	// CoverageComplete reports whether every boundary of the level inside
	// [from, to) has a done work-log entry.
	CoverageComplete(ctx context.Context, level Level, from, to time.Time) (bool, error)
}
