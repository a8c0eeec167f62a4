package models

import (
	"time"

	"github.com/shopspring/decimal"
	"github.com/uptrace/bun"
)

type TourType struct {
	bun.BaseModel `bun:"table:tour_types"`

	ID   string `bun:"id,pk" json:"id"`
	Name string `bun:"name,notnull" json:"name"`
}

type Tour struct {
	bun.BaseModel `bun:"table:tours"`

	ID          string          `bun:"id,pk" json:"id"`
	Title       string          `bun:"title,notnull" json:"title"`
	Description string          `bun:"description" json:"description"`
	TypeID      string          `bun:"type_id,notnull" json:"type_id"`
	BasePrice   decimal.Decimal `bun:"base_price,type:numeric(12,2),notnull" json:"base_price"`
	CreatedAt   time.Time       `bun:"created_at,notnull" json:"created_at"`
	UpdatedAt   time.Time       `bun:"updated_at,notnull" json:"updated_at"`

	Type *TourType `bun:"rel:belongs-to,join:type_id=id" json:"type,omitempty"`
}

// TicketCategory is a priced fare class (adult, child, ...) of one tour.
type TicketCategory struct {
	bun.BaseModel `bun:"table:ticket_categories"`

	ID     string          `bun:"id,pk" json:"id"`
	Name   string          `bun:"name,notnull" json:"name"`
	Price  decimal.Decimal `bun:"price,type:numeric(12,2),notnull" json:"price"`
	TourID string          `bun:"tour_id,notnull" json:"tour_id"`
}
