// Package scheduler drives the engine's periodic jobs: bucket flushes,
// roll-ups, charge flushes, plan fees, invoice dispatch and reconciliation.
package scheduler

import (
	"context"

	aggdomain "github.com/nimbusbase/meterbill/internal/aggregate/domain"
	"github.com/nimbusbase/meterbill/internal/clock"
	invoicedomain "github.com/nimbusbase/meterbill/internal/invoice/domain"
	recdomain "github.com/nimbusbase/meterbill/internal/reconcile/domain"
	subdomain "github.com/nimbusbase/meterbill/internal/subscription/domain"
	txdomain "github.com/nimbusbase/meterbill/internal/transaction/domain"
	"github.com/robfig/cron/v3"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

type SchedulerParam struct {
	fx.In

	Log           *zap.Logger
	Clock         clock.Clock
	Aggregates    aggdomain.Service
	Ledger        txdomain.Service
	Subscriptions subdomain.Service
	Invoices      invoicedomain.Service
	Reconciler    recdomain.Service
}

// Scheduler owns the cron runner. Jobs skip when their previous run is still
// going, so a slow roll-up never stacks.
type Scheduler struct {
	log  *zap.Logger
	cron *cron.Cron

	clock      clock.Clock
	aggregates aggdomain.Service
	ledger     txdomain.Service
	subs       subdomain.Service
	invoices   invoicedomain.Service
	reconciler recdomain.Service
}

func NewScheduler(p SchedulerParam) *Scheduler {
	log := p.Log.Named("scheduler")
	cronLog := &zapCronLogger{log: log}

	return &Scheduler{
		log: log,
		cron: cron.New(cron.WithChain(
			cron.Recover(cronLog),
			cron.SkipIfStillRunning(cronLog),
		)),

		clock:      p.Clock,
		aggregates: p.Aggregates,
		ledger:     p.Ledger,
		subs:       p.Subscriptions,
		invoices:   p.Invoices,
		reconciler: p.Reconciler,
	}
}

func (s *Scheduler) register() error {
	jobs := []struct {
		spec string
		name string
		run  func(context.Context) error
	}{
		{"* * * * *", "minute_flush", s.aggregates.FlushMinutes},
		{"*/5 * * * *", "hour_rollup", s.aggregates.RollupHours},
		{"*/5 * * * *", "hour_charge_flush", s.ledger.FlushHourCharges},
		{"30 * * * *", "day_rollup", s.aggregates.RollupDays},
		{"15 3 * * *", "minute_prune", s.aggregates.PruneMinutes},
		{"45 0 * * *", "plan_fees", s.chargePlanFees},
		{"0 1 * * *", "invoice_dispatch", s.invoices.FinalizeDue},
		{"0 5 * * *", "reconcile", s.reconcilePrevious},
	}

	for _, job := range jobs {
		job := job
		_, err := s.cron.AddFunc(job.spec, func() {
			if err := job.run(context.Background()); err != nil {
				s.log.Error("job failed",
					zap.String("job", job.name),
					zap.Error(err),
				)
			}
		})
		if err != nil {
			return err
		}
	}
	return nil
}

func (s *Scheduler) chargePlanFees(ctx context.Context) error {
	return s.subs.ChargePlanFees(ctx, txdomain.MonthStart(s.clock.Now()))
}

func (s *Scheduler) reconcilePrevious(ctx context.Context) error {
	period := txdomain.MonthStart(s.clock.Now().UTC().AddDate(0, -1, 0))
	_, err := s.reconciler.ReconcilePeriod(ctx, period)
	return err
}

// Module starts the runner with the application lifecycle.
var Module = fx.Module("scheduler",
	fx.Provide(NewScheduler),
	fx.Invoke(func(lc fx.Lifecycle, s *Scheduler) {
		lc.Append(fx.Hook{
			OnStart: func(ctx context.Context) error {
				if err := s.register(); err != nil {
					return err
				}
				s.cron.Start()
				s.log.Info("scheduler started")
				return nil
			},
			OnStop: func(ctx context.Context) error {
				stopped := s.cron.Stop()
				select {
				case <-stopped.Done():
				case <-ctx.Done():
				}
				s.log.Info("scheduler stopped")
				return nil
			},
		})
	}),
)

// zapCronLogger adapts zap to cron's logging interface.
type zapCronLogger struct {
	log *zap.Logger
}

func (l *zapCronLogger) Info(msg string, keysAndValues ...any) {
	l.log.Sugar().Infow(msg, keysAndValues...)
}

func (l *zapCronLogger) Error(err error, msg string, keysAndValues ...any) {
	l.log.Sugar().Errorw(msg, append(keysAndValues, "error", err)...)
}
