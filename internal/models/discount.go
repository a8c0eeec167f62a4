package models

import (
	"time"

	"github.com/shopspring/decimal"
	"github.com/uptrace/bun"
)

// Discount is looked up by code when an order is priced. IsPercent selects
// between a percentage and a flat amount off the subtotal.
type Discount struct {
	bun.BaseModel `bun:"table:discounts"`

	ID        string          `bun:"id,pk" json:"id"`
	Code      string          `bun:"code,unique,notnull" json:"code"`
	Value     decimal.Decimal `bun:"value,type:numeric(12,2),notnull" json:"value"`
	IsPercent bool            `bun:"is_percent,notnull" json:"is_percent"`
	Active    bool            `bun:"active,notnull" json:"active"`
	ValidFrom time.Time       `bun:"valid_from,notnull" json:"valid_from"`
	ValidTo   time.Time       `bun:"valid_to,notnull" json:"valid_to"`
	CreatedAt time.Time       `bun:"created_at,notnull" json:"created_at"`
	UpdatedAt time.Time       `bun:"updated_at,notnull" json:"updated_at"`
}

// UsableAt reports whether the discount may be applied at the given instant.
// The validity window is inclusive on both ends.
func (d *Discount) UsableAt(now time.Time) (bool, string) {
	switch {
	case !d.Active:
		return false, "discount is not active"
	case now.Before(d.ValidFrom):
		return false, "discount is not yet valid"
	case now.After(d.ValidTo):
		return false, "discount has expired"
	case d.Value.IsNegative():
		return false, "discount value is negative"
	}
	return true, ""
}
