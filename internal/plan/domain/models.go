// Package domain describes the pricing catalog: plans and the per-source fee
// schedules that price metered usage.
package domain

import (
	"time"

	"github.com/bwmarrin/snowflake"
	eventdomain "github.com/nimbusbase/meterbill/internal/event/domain"
	"github.com/shopspring/decimal"
)

// PricingPlan is a subscription offering. MonthlyFee is the flat recurring
// fee; usage pricing lives in the plan's fee schedules.
type PricingPlan struct {
	ID         snowflake.ID    `gorm:"primaryKey"`
	Code       string          `gorm:"type:text;not null;uniqueIndex"`
	Name       string          `gorm:"type:text;not null"`
	MonthlyFee decimal.Decimal `gorm:"type:numeric(15,5);not null"`
	// PaidPlan distinguishes chargeable plans from the free tier. Free-tier
	// periods close as fake invoices and are never sent for payment.
	PaidPlan  bool      `gorm:"not null"`
	Available bool      `gorm:"not null;default:true"`
	CreatedAt time.Time `gorm:"not null;default:CURRENT_TIMESTAMP"`
	UpdatedAt time.Time `gorm:"not null;default:CURRENT_TIMESTAMP"`

	Schedules []FeeSchedule `gorm:"foreignKey:PlanID"`
}

// TableName sets the database table name.
func (PricingPlan) TableName() string { return "pricing_plans" }

// FeeSchedule prices one usage source under a plan: IncludedQuantity units per
// period are free, every unit past that is billed at OveragePrice.
type FeeSchedule struct {
	ID               snowflake.ID       `gorm:"primaryKey"`
	PlanID           snowflake.ID       `gorm:"not null;uniqueIndex:ux_fee_schedules_plan_source,priority:1"`
	Source           eventdomain.Source `gorm:"type:text;not null;uniqueIndex:ux_fee_schedules_plan_source,priority:2"`
	IncludedQuantity decimal.Decimal    `gorm:"type:numeric(20,5);not null"`
	OveragePrice     decimal.Decimal    `gorm:"type:numeric(15,5);not null"`
	CreatedAt        time.Time          `gorm:"not null;default:CURRENT_TIMESTAMP"`
}

// TableName sets the database table name.
func (FeeSchedule) TableName() string { return "fee_schedules" }

// ScheduleFor returns the fee schedule pricing the given source, or nil when
// the plan does not meter it.
func (p *PricingPlan) ScheduleFor(source eventdomain.Source) *FeeSchedule {
	for i := range p.Schedules {
		if p.Schedules[i].Source == source {
			return &p.Schedules[i]
		}
	}
	return nil
}
