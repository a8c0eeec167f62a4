package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"time"

	"ms-booking/internal/config"
	"ms-booking/internal/database"
	"ms-booking/internal/database/migrations"
	"ms-booking/internal/logger"

	"github.com/joho/godotenv"
	_ "github.com/lib/pq"
	"github.com/spf13/pflag"
	"github.com/uptrace/bun"
	"github.com/uptrace/bun/dialect/pgdialect"
)

func main() {
	if err := godotenv.Load(); err != nil {
		fmt.Println("CONFIG: .env file not found, using environment variables")
	}
	cfg := config.Load()

	adminPassword := pflag.String("admin-password", os.Getenv("SEED_ADMIN_PASSWORD"), "password for the demo admin")
	userPassword := pflag.String("user-password", os.Getenv("SEED_USER_PASSWORD"), "password for the demo customer")
	maxPeople := pflag.Int("max-people", 20, "capacity of the demo schedule")
	migrate := pflag.Bool("migrate", true, "apply migrations before seeding")
	down := pflag.Bool("down", false, "roll back all migrations and exit")
	pflag.Parse()

	log := logger.NewLogger(cfg.Log.Dir, "booking-seed")
	defer log.Close()

	sqldb, err := sql.Open("postgres", cfg.Database.DSN)
	if err != nil {
		log.Fatal("DATABASE", fmt.Sprintf("Failed to open PostgreSQL: %v", err))
	}

	if *migrate || *down {
		runner := migrations.NewRunner(sqldb, cfg.Database.MigrationsDir, log)
		if *down {
			if err := runner.Down(); err != nil {
				log.Fatal("DATABASE", fmt.Sprintf("Rollback failed: %v", err))
			}
			_ = runner.Close()
			return
		}
		if err := runner.Up(); err != nil {
			log.Fatal("DATABASE", fmt.Sprintf("Migrations failed: %v", err))
		}
		// the runner owns sqldb after init; reopen for seeding
		_ = runner.Close()
		if sqldb, err = sql.Open("postgres", cfg.Database.DSN); err != nil {
			log.Fatal("DATABASE", fmt.Sprintf("Failed to reopen PostgreSQL: %v", err))
		}
	}

	if *adminPassword == "" || *userPassword == "" {
		log.Fatal("SEED", "admin and user passwords are required (--admin-password/--user-password or SEED_*_PASSWORD)")
	}

	bunDB := bun.NewDB(sqldb, pgdialect.New())
	defer bunDB.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	demo, err := database.SeedDemo(ctx, bunDB, database.DemoOptions{
		AdminPassword: *adminPassword,
		UserPassword:  *userPassword,
		MaxPeople:     *maxPeople,
	}, log)
	if errors.Is(err, database.ErrAlreadySeeded) {
		log.Info("SEED", "Demo data already present, nothing to do")
		return
	}
	if err != nil {
		log.Fatal("SEED", fmt.Sprintf("Seeding failed: %v", err))
	}

	fmt.Printf("tour=%s schedule=%s adult=%s child=%s user=%s\n",
		demo.TourID, demo.ScheduleID, demo.AdultID, demo.ChildID, demo.UserID)
}
