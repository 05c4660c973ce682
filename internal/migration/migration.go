// Package migration applies the schema on boot.
package migration

import (
	aggdomain "github.com/nimbusbase/meterbill/internal/aggregate/domain"
	coupondomain "github.com/nimbusbase/meterbill/internal/coupon/domain"
	eventdomain "github.com/nimbusbase/meterbill/internal/event/domain"
	invoicedomain "github.com/nimbusbase/meterbill/internal/invoice/domain"
	limitdomain "github.com/nimbusbase/meterbill/internal/limit/domain"
	plandomain "github.com/nimbusbase/meterbill/internal/plan/domain"
	subdomain "github.com/nimbusbase/meterbill/internal/subscription/domain"
	txdomain "github.com/nimbusbase/meterbill/internal/transaction/domain"
	"go.uber.org/fx"
	"gorm.io/gorm"
)

// Models lists every persisted type in dependency order.
func Models() []any {
	return []any{
		&eventdomain.UsageEvent{},
		&eventdomain.LateEvent{},
		&aggdomain.Aggregate{},
		&aggdomain.WorkLog{},
		&plandomain.PricingPlan{},
		&plandomain.FeeSchedule{},
		&subdomain.Subscription{},
		&limitdomain.BillingProfile{},
		&txdomain.Transaction{},
		&txdomain.AccountBalance{},
		&coupondomain.Coupon{},
		&coupondomain.Discount{},
		&invoicedomain.Invoice{},
		&invoicedomain.InvoiceItem{},
	}
}

// Migrate applies the schema.
func Migrate(db *gorm.DB) error {
	return db.AutoMigrate(Models()...)
}

var Module = fx.Module("migration",
	fx.Invoke(Migrate),
)
