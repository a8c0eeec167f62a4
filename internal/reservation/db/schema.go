package db

import (
	"context"
	"fmt"
	"ms-booking/internal/models"
)

var schemaModels = []interface{}{
	(*models.User)(nil),
	(*models.TourType)(nil),
	(*models.Tour)(nil),
	(*models.TicketCategory)(nil),
	(*models.Schedule)(nil),
	(*models.ScheduleSlot)(nil),
	(*models.Discount)(nil),
	(*models.Order)(nil),
	(*models.OrderItem)(nil),
}

// CreateSchema creates every table from the bun models. Production schemas
// come from the SQL migrations; this is for tests and local tooling.
func (d *DB) CreateSchema(ctx context.Context) error {
	for _, model := range schemaModels {
		if _, err := d.Bun.NewCreateTable().Model(model).IfNotExists().Exec(ctx); err != nil {
			return fmt.Errorf("create table for %T: %w", model, err)
		}
	}

	_, err := d.Bun.NewCreateIndex().
		Model((*models.Order)(nil)).
		Index("idx_orders_schedule_status").
		IfNotExists().
		Column("schedule_id", "status").
		Exec(ctx)
	if err != nil {
		return fmt.Errorf("create orders index: %w", err)
	}
	return nil
}
