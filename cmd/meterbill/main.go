package main

import (
	"github.com/bwmarrin/snowflake"
	"github.com/nimbusbase/meterbill/internal/aggregate"
	"github.com/nimbusbase/meterbill/internal/bucket"
	"github.com/nimbusbase/meterbill/internal/clock"
	"github.com/nimbusbase/meterbill/internal/config"
	"github.com/nimbusbase/meterbill/internal/coupon"
	"github.com/nimbusbase/meterbill/internal/event"
	"github.com/nimbusbase/meterbill/internal/invoice"
	invoicedomain "github.com/nimbusbase/meterbill/internal/invoice/domain"
	invoiceservice "github.com/nimbusbase/meterbill/internal/invoice/service"
	"github.com/nimbusbase/meterbill/internal/limit"
	limitdomain "github.com/nimbusbase/meterbill/internal/limit/domain"
	limitservice "github.com/nimbusbase/meterbill/internal/limit/service"
	"github.com/nimbusbase/meterbill/internal/logger"
	"github.com/nimbusbase/meterbill/internal/migration"
	"github.com/nimbusbase/meterbill/internal/plan"
	"github.com/nimbusbase/meterbill/internal/reconcile"
	"github.com/nimbusbase/meterbill/internal/scheduler"
	"github.com/nimbusbase/meterbill/internal/subscription"
	"github.com/nimbusbase/meterbill/internal/transaction"
	"github.com/nimbusbase/meterbill/pkg/db"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

func main() {
	app := fx.New(
		// Core infrastructure
		config.Module,
		logger.Module,
		fx.Provide(RegisterSnowflake),
		db.Module,
		clock.Module,
		bucket.Module,

		// Collaborator ports
		fx.Provide(
			func(log *zap.Logger) limitdomain.Suspender { return limitservice.NoopSuspender{} },
			func(log *zap.Logger) limitdomain.AlertSink { return limitservice.LogAlertSink{Log: log} },
			func(log *zap.Logger) invoicedomain.PaymentGateway { return invoiceservice.LogGateway{Log: log} },
			func(log *zap.Logger) invoicedomain.Notifier { return invoiceservice.LogNotifier{Log: log} },
		),

		// Domains
		event.Module,
		aggregate.Module,
		plan.Module,
		limit.Module,
		subscription.Module,
		transaction.Module,
		coupon.Module,
		invoice.Module,
		reconcile.Module,

		// Jobs and schema
		migration.Module,
		scheduler.Module,
	)
	app.Run()
}

func RegisterSnowflake() *snowflake.Node {
	node, err := snowflake.NewNode(1)
	if err != nil {
		panic(err)
	}
	return node
}
