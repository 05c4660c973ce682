package domain

import (
	"context"
	"errors"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/shopspring/decimal"
)

type IngestRequest struct {
	AccountID  snowflake.ID    `json:"account_id"`
	InstanceID snowflake.ID    `json:"instance_id"`
	Source     Source          `json:"source"`
	Quantity   decimal.Decimal `json:"quantity"`
	OccurredAt time.Time       `json:"occurred_at"`
	Metadata   map[string]any  `json:"metadata"`
}

type ListLateEventsRequest struct {
	AccountID snowflake.ID `json:"account_id"`
	Limit     int          `json:"limit"`
}

type Service interface {
	// Ingest appends the event to the ledger and accumulates it into the
	// current minute bucket. Stale and future events return an error AND
	// land in the late-events channel.
	Ingest(context.Context, IngestRequest) (*UsageEvent, error)
	ListLateEvents(context.Context, ListLateEventsRequest) ([]LateEvent, error)
}

var (
	ErrInvalidAccount  = errors.New("invalid_account")
	ErrInvalidSource   = errors.New("invalid_source")
	ErrInvalidQuantity = errors.New("invalid_quantity")
	ErrStaleEvent      = errors.New("stale_event")
	ErrFutureEvent     = errors.New("future_event")
)
