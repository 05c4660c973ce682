package option

import "gorm.io/gorm"

// QueryOption mutates a gorm statement before execution.
type QueryOption interface {
	Apply(*gorm.DB) *gorm.DB
}

type Operator string

const (
	GTE Operator = ">="
	LTE Operator = "<="
	GT  Operator = ">"
	LT  Operator = "<"
)

// Condition adds a single comparison against a column.
type Condition struct {
	Field    string
	Operator Operator
	Value    any
}

func (c Condition) Apply(db *gorm.DB) *gorm.DB {
	return db.Where(c.Field+" "+string(c.Operator)+" ?", c.Value)
}

// ApplyOperator wraps a Condition as a QueryOption.
func ApplyOperator(c Condition) QueryOption { return c }

type orderBy struct {
	expr string
}

func (o orderBy) Apply(db *gorm.DB) *gorm.DB { return db.Order(o.expr) }

// WithOrder sorts the result set by the given expression.
func WithOrder(expr string) QueryOption { return orderBy{expr: expr} }

type limit struct {
	n int
}

func (l limit) Apply(db *gorm.DB) *gorm.DB { return db.Limit(l.n) }

// WithLimit caps the result set size.
func WithLimit(n int) QueryOption { return limit{n: n} }
