package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"ms-booking/internal/models"
	"ms-booking/internal/reservation"
	"time"

	"github.com/lib/pq"
	"github.com/uptrace/bun"
	"github.com/uptrace/bun/dialect"
)

// ErrConflict is returned when Postgres aborts a transaction because of a
// serialization failure or deadlock. The caller may retry.
var ErrConflict = errors.New("transaction conflict")

type DB struct {
	Bun *bun.DB

	// tx is set on the copy handed to RunInTx callbacks.
	tx bun.IDB
}

func (d *DB) conn() bun.IDB {
	if d.tx != nil {
		return d.tx
	}
	return d.Bun
}

func (d *DB) isPostgres() bool {
	return d.Bun.Dialect().Name() == dialect.PG
}

// RunInTx runs fn in a single transaction. Every read and write fn performs
// through tx uses that transaction's connection.
func (d *DB) RunInTx(ctx context.Context, fn func(ctx context.Context, tx reservation.TxStore) error) error {
	var opts *sql.TxOptions
	if d.isPostgres() {
		opts = &sql.TxOptions{Isolation: sql.LevelReadCommitted}
	}

	err := d.Bun.RunInTx(ctx, opts, func(ctx context.Context, tx bun.Tx) error {
		return fn(ctx, &DB{Bun: d.Bun, tx: &tx})
	})

	var rerr *reservation.Error
	if errors.As(err, &rerr) {
		return err
	}
	return mapError(err)
}

// ---------------- SCHEDULES ----------------

func (d *DB) GetSchedule(ctx context.Context, id string) (*models.Schedule, error) {
	var schedule models.Schedule
	err := d.conn().NewSelect().
		Model(&schedule).
		Where("id = ?", id).
		Limit(1).
		Scan(ctx)
	if err != nil {
		return nil, mapError(err)
	}
	return &schedule, nil
}

// LockSchedule reads the schedule row and, on Postgres, holds a row lock on
// it until the surrounding transaction ends. SQLite serializes writers, so
// no explicit lock is taken there.
func (d *DB) LockSchedule(ctx context.Context, id string) (*models.Schedule, error) {
	var schedule models.Schedule
	q := d.conn().NewSelect().
		Model(&schedule).
		Where("id = ?", id).
		Limit(1)
	if d.isPostgres() {
		q = q.For("UPDATE")
	}
	if err := q.Scan(ctx); err != nil {
		return nil, mapError(err)
	}
	return &schedule, nil
}

func (d *DB) GetScheduleSlots(ctx context.Context, scheduleID string) ([]models.ScheduleSlot, error) {
	var slots []models.ScheduleSlot
	err := d.conn().NewSelect().
		Model(&slots).
		Where("schedule_id = ?", scheduleID).
		Order("week_day ASC", "time ASC").
		Scan(ctx)
	if err != nil {
		return nil, mapError(err)
	}
	return slots, nil
}

// SumBookedQuantity → tickets held by PENDING and PAID orders of a schedule
func (d *DB) SumBookedQuantity(ctx context.Context, scheduleID string) (int, error) {
	var total int
	err := d.conn().NewSelect().
		TableExpr("order_items AS oi").
		ColumnExpr("COALESCE(SUM(oi.quantity), 0)").
		Join("JOIN orders AS o ON o.id = oi.order_id").
		Where("o.schedule_id = ?", scheduleID).
		Where("o.status IN (?)", bun.In(models.ActiveOrderStatuses)).
		Scan(ctx, &total)
	if err != nil {
		return 0, mapError(err)
	}
	return total, nil
}

// ---------------- CATALOG ----------------

func (d *DB) GetTicketCategoriesForTour(ctx context.Context, tourID string) ([]models.TicketCategory, error) {
	var categories []models.TicketCategory
	err := d.conn().NewSelect().
		Model(&categories).
		Where("tour_id = ?", tourID).
		Order("name ASC").
		Scan(ctx)
	if err != nil {
		return nil, mapError(err)
	}
	return categories, nil
}

func (d *DB) GetDiscountByCode(ctx context.Context, code string) (*models.Discount, error) {
	var discount models.Discount
	err := d.conn().NewSelect().
		Model(&discount).
		Where("code = ?", code).
		Limit(1).
		Scan(ctx)
	if err != nil {
		return nil, mapError(err)
	}
	return &discount, nil
}

func (d *DB) GetTourForSchedule(ctx context.Context, scheduleID string) (*models.Tour, error) {
	var tour models.Tour
	err := d.conn().NewSelect().
		Model(&tour).
		Join("JOIN schedules AS s ON s.tour_id = tour.id").
		Where("s.id = ?", scheduleID).
		Limit(1).
		Scan(ctx)
	if err != nil {
		return nil, mapError(err)
	}
	return &tour, nil
}

// ---------------- ORDERS ----------------

// InsertOrderWithItems → insert the order row followed by its items
func (d *DB) InsertOrderWithItems(ctx context.Context, order *models.Order, items []models.OrderItem) error {
	if _, err := d.conn().NewInsert().Model(order).Exec(ctx); err != nil {
		return fmt.Errorf("insert order %s: %w", order.ID, mapError(err))
	}
	if len(items) == 0 {
		return nil
	}
	if _, err := d.conn().NewInsert().Model(&items).Exec(ctx); err != nil {
		return fmt.Errorf("insert items for order %s: %w", order.ID, mapError(err))
	}
	return nil
}

func (d *DB) GetOrderByID(ctx context.Context, id string) (*models.Order, error) {
	var order models.Order
	err := d.conn().NewSelect().
		Model(&order).
		Where("id = ?", id).
		Limit(1).
		Scan(ctx)
	if err != nil {
		return nil, mapError(err)
	}
	return &order, nil
}

func (d *DB) GetOrderWithItems(ctx context.Context, id string) (*models.Order, error) {
	var order models.Order
	err := d.conn().NewSelect().
		Model(&order).
		Relation("Items", func(q *bun.SelectQuery) *bun.SelectQuery {
			return q.Order("ticket_category_id ASC")
		}).
		Where("?TableAlias.id = ?", id).
		Limit(1).
		Scan(ctx)
	if err != nil {
		return nil, mapError(err)
	}
	return &order, nil
}

// UpdateOrderStatus sets status only if the row still has status from.
// It reports false when no row matched.
func (d *DB) UpdateOrderStatus(ctx context.Context, id string, from, to models.OrderStatus, at time.Time) (bool, error) {
	res, err := d.conn().NewUpdate().
		Model((*models.Order)(nil)).
		Set("status = ?", to).
		Set("updated_at = ?", at).
		Where("id = ?", id).
		Where("status = ?", from).
		Exec(ctx)
	if err != nil {
		return false, mapError(err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// MarkEmailSent → email_sent = true; ErrNotFound if the order does not exist
func (d *DB) MarkEmailSent(ctx context.Context, id string, at time.Time) error {
	res, err := d.conn().NewUpdate().
		Model((*models.Order)(nil)).
		Set("email_sent = ?", true).
		Set("updated_at = ?", at).
		Where("id = ?", id).
		Exec(ctx)
	if err != nil {
		return mapError(err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return models.ErrNotFound
	}
	return nil
}

func (d *DB) ListPendingOrdersBefore(ctx context.Context, cutoff time.Time) ([]models.Order, error) {
	var orders []models.Order
	err := d.conn().NewSelect().
		Model(&orders).
		Where("status = ?", models.OrderStatusPending).
		Where("created_at < ?", cutoff.UTC()).
		Order("created_at ASC").
		Scan(ctx)
	if err != nil {
		return nil, mapError(err)
	}
	return orders, nil
}

// ---------------- USERS ----------------

func (d *DB) GetUserByID(ctx context.Context, id string) (*models.User, error) {
	var user models.User
	err := d.conn().NewSelect().
		Model(&user).
		Where("id = ?", id).
		Limit(1).
		Scan(ctx)
	if err != nil {
		return nil, mapError(err)
	}
	return &user, nil
}

func mapError(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, sql.ErrNoRows) {
		return models.ErrNotFound
	}

	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		switch pqErr.Code {
		case "40001", "40P01":
			return fmt.Errorf("%w: %s", ErrConflict, pqErr.Message)
		}
	}
	return err
}
