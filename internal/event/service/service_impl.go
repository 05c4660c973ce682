package service

import (
	"context"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/nimbusbase/meterbill/internal/bucket"
	"github.com/nimbusbase/meterbill/internal/clock"
	"github.com/nimbusbase/meterbill/internal/config"
	eventdomain "github.com/nimbusbase/meterbill/internal/event/domain"
	obsmetrics "github.com/nimbusbase/meterbill/internal/observability/metrics"
	"github.com/nimbusbase/meterbill/pkg/db/option"
	"github.com/nimbusbase/meterbill/pkg/repository"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/datatypes"
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

	genID       *snowflake.Node
	cfg         config.BillingConfig
	staleWindow time.Duration
	clock       clock.Clock
	buckets     bucket.Store
	eventrepo   repository.Repository[eventdomain.UsageEvent]
	laterepo    repository.Repository[eventdomain.LateEvent]
}

func NewService(p ServiceParam) eventdomain.Service {
	log := p.Log.Named("event.service")

	// An event accepted past the flush delay could target a minute whose
	// work log is already done, stranding its increment in the store. The
	// effective grace window therefore never exceeds the flush delay.
	stale := p.Config.Billing.GraceWindow
	if delay := p.Config.Billing.MinuteFlushDelay; delay > 0 && stale > delay {
		log.Warn("grace window capped at minute flush delay",
			zap.Duration("grace_window", stale),
			zap.Duration("minute_flush_delay", delay),
		)
		stale = delay
	}

	return &Service{
		db:  p.DB,
		log: log,

		genID:       p.GenID,
		cfg:         p.Config.Billing,
		staleWindow: stale,
		clock:       p.Clock,
		buckets:     p.Buckets,
		eventrepo:   repository.ProvideStore[eventdomain.UsageEvent](p.DB),
		laterepo:    repository.ProvideStore[eventdomain.LateEvent](p.DB),
	}
}

func (s *Service) Ingest(ctx context.Context, req eventdomain.IngestRequest) (*eventdomain.UsageEvent, error) {
	if req.AccountID == 0 {
		return nil, eventdomain.ErrInvalidAccount
	}
	if !req.Source.Valid() {
		return nil, eventdomain.ErrInvalidSource
	}
	if req.Quantity.IsNegative() {
		return nil, eventdomain.ErrInvalidQuantity
	}

	now := s.clock.Now()
	occurredAt := req.OccurredAt
	if occurredAt.IsZero() {
		occurredAt = now
	}
	occurredAt = occurredAt.UTC()

	if now.Sub(occurredAt) > s.staleWindow {
		return nil, s.spillLate(ctx, req, occurredAt, now, eventdomain.LateReasonStale)
	}
	if occurredAt.Sub(now) > s.cfg.FutureWindow {
		return nil, s.spillLate(ctx, req, occurredAt, now, eventdomain.LateReasonFuture)
	}

	record := &eventdomain.UsageEvent{
		ID:         s.genID.Generate(),
		AccountID:  req.AccountID,
		InstanceID: req.InstanceID,
		Source:     req.Source,
		Quantity:   req.Quantity,
		OccurredAt: occurredAt,
		CreatedAt:  now,
	}
	if req.Metadata != nil {
		record.Metadata = datatypes.JSONMap(req.Metadata)
	}

	if err := s.eventrepo.Create(ctx, record); err != nil {
		return nil, err
	}

	if err := s.buckets.Increment(ctx, bucket.Minute(occurredAt), bucket.Key{
		AccountID:  req.AccountID,
		InstanceID: req.InstanceID,
		Source:     req.Source,
	}, req.Quantity); err != nil {
		// The event row is durable; the flush job reconciles the bucket from
		// late-event reports, so log and surface the error to the caller.
		s.log.Error("bucket increment failed",
			zap.String("account_id", req.AccountID.String()),
			zap.Error(err),
		)
		return nil, err
	}

	obsmetrics.Engine().IncEventIngested(string(req.Source))
	return record, nil
}

// spillLate writes the event to the side channel and returns the taxonomy
// error. Late events are never silently dropped or merged into a closed
// bucket.
func (s *Service) spillLate(
	ctx context.Context,
	req eventdomain.IngestRequest,
	occurredAt, now time.Time,
	reason eventdomain.LateReason,
) error {
	late := &eventdomain.LateEvent{
		ID:         s.genID.Generate(),
		AccountID:  req.AccountID,
		InstanceID: req.InstanceID,
		Source:     req.Source,
		Quantity:   req.Quantity,
		OccurredAt: occurredAt,
		Reason:     reason,
		CreatedAt:  now,
	}
	if err := s.laterepo.Create(ctx, late); err != nil {
		return err
	}

	obsmetrics.Engine().IncLateEvent(string(reason))
	s.log.Warn("event routed to late channel",
		zap.String("account_id", req.AccountID.String()),
		zap.String("source", string(req.Source)),
		zap.String("reason", string(reason)),
		zap.Time("occurred_at", occurredAt),
	)

	if reason == eventdomain.LateReasonFuture {
		return eventdomain.ErrFutureEvent
	}
	return eventdomain.ErrStaleEvent
}

func (s *Service) ListLateEvents(ctx context.Context, req eventdomain.ListLateEventsRequest) ([]eventdomain.LateEvent, error) {
	limit := req.Limit
	if limit <= 0 {
		limit = 50
	}

	filter := &eventdomain.LateEvent{}
	if req.AccountID != 0 {
		filter.AccountID = req.AccountID
	}

	items, err := s.laterepo.Find(ctx, filter,
		option.WithOrder("created_at DESC"),
		option.WithLimit(limit),
	)
	if err != nil {
		return nil, err
	}

	records := make([]eventdomain.LateEvent, 0, len(items))
	for _, item := range items {
		if item == nil {
			continue
		}
		records = append(records, *item)
	}
	return records, nil
}
