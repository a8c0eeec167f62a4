package database

import (
	"context"
	"errors"
	"fmt"
	"time"

	"ms-booking/internal/logger"
	"ms-booking/internal/models"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/uptrace/bun"
	"golang.org/x/crypto/bcrypt"
)

var ErrAlreadySeeded = errors.New("database already seeded")

const demoAdminEmail = "admin@booking.local"

// Demo holds the ids of the seeded records.
type Demo struct {
	AdminID    string
	UserID     string
	TourID     string
	ScheduleID string
	AdultID    string
	ChildID    string
}

type DemoOptions struct {
	AdminPassword string
	UserPassword  string
	MaxPeople     int
	Now           time.Time
}

// SeedDemo inserts a demo catalog: one tour with adult/child fares, a
// schedule with weekly slots, two discount codes and two users. It returns
// ErrAlreadySeeded when the demo admin already exists.
func SeedDemo(ctx context.Context, db *bun.DB, opts DemoOptions, log *logger.Logger) (*Demo, error) {
	if opts.MaxPeople <= 0 {
		opts.MaxPeople = 20
	}
	if opts.Now.IsZero() {
		opts.Now = time.Now()
	}
	now := opts.Now.UTC()

	exists, err := db.NewSelect().Model((*models.User)(nil)).Where("email = ?", demoAdminEmail).Exists(ctx)
	if err != nil {
		return nil, err
	}
	if exists {
		return nil, ErrAlreadySeeded
	}

	adminHash, err := hashPassword(opts.AdminPassword)
	if err != nil {
		return nil, err
	}
	userHash, err := hashPassword(opts.UserPassword)
	if err != nil {
		return nil, err
	}

	demo := &Demo{
		AdminID:    uuid.NewString(),
		UserID:     uuid.NewString(),
		TourID:     uuid.NewString(),
		ScheduleID: uuid.NewString(),
		AdultID:    uuid.NewString(),
		ChildID:    uuid.NewString(),
	}
	typeID := uuid.NewString()
	startDay := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, time.UTC)

	records := []interface{}{
		&[]models.User{
			{ID: demo.AdminID, Email: demoAdminEmail, Password: adminHash, Name: "Booking Admin", Role: models.RoleAdmin, CreatedAt: now, UpdatedAt: now},
			{ID: demo.UserID, Email: "guest@booking.local", Password: userHash, Name: "Demo Guest", Role: models.RoleUser, CreatedAt: now, UpdatedAt: now},
		},
		&models.TourType{ID: typeID, Name: "Walking"},
		&models.Tour{
			ID: demo.TourID, Title: "Old Town Walking Tour", Description: "Two hours through the historic centre.",
			TypeID: typeID, BasePrice: decimal.NewFromInt(50), CreatedAt: now, UpdatedAt: now,
		},
		&[]models.TicketCategory{
			{ID: demo.AdultID, Name: "Adult", Price: decimal.NewFromInt(50), TourID: demo.TourID},
			{ID: demo.ChildID, Name: "Child", Price: decimal.RequireFromString("25.00"), TourID: demo.TourID},
		},
		&models.Schedule{
			ID: demo.ScheduleID, TourID: demo.TourID, StartDate: startDay, EndDate: startDay.AddDate(0, 3, 0),
			MaxPeople: opts.MaxPeople, CreatedAt: now, UpdatedAt: now,
		},
		&[]models.ScheduleSlot{
			{ID: uuid.NewString(), ScheduleID: demo.ScheduleID, WeekDay: int(time.Tuesday), Time: "10:00"},
			{ID: uuid.NewString(), ScheduleID: demo.ScheduleID, WeekDay: int(time.Thursday), Time: "10:00"},
			{ID: uuid.NewString(), ScheduleID: demo.ScheduleID, WeekDay: int(time.Saturday), Time: "15:30"},
		},
		&[]models.Discount{
			{ID: uuid.NewString(), Code: "WELCOME10", Value: decimal.NewFromInt(10), IsPercent: true, Active: true,
				ValidFrom: now, ValidTo: now.AddDate(1, 0, 0), CreatedAt: now, UpdatedAt: now},
			{ID: uuid.NewString(), Code: "FLAT15", Value: decimal.NewFromInt(15), IsPercent: false, Active: true,
				ValidFrom: now, ValidTo: now.AddDate(1, 0, 0), CreatedAt: now, UpdatedAt: now},
		},
	}

	err = db.RunInTx(ctx, nil, func(ctx context.Context, tx bun.Tx) error {
		for _, rec := range records {
			if _, err := tx.NewInsert().Model(rec).Exec(ctx); err != nil {
				return fmt.Errorf("insert %T: %w", rec, err)
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	log.LogDatabase("SEED", "tours", fmt.Sprintf("seeded demo tour %s with schedule %s", demo.TourID, demo.ScheduleID))
	return demo, nil
}

func hashPassword(password string) (string, error) {
	if password == "" {
		return "", errors.New("seed password must not be empty")
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return "", err
	}
	return string(hash), nil
}
