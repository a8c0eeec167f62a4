package migrations

import (
	"database/sql"
	"errors"
	"fmt"
	"os"

	"ms-booking/internal/logger"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/postgres"
	_ "github.com/golang-migrate/migrate/v4/source/file"
)

// Runner applies the SQL migrations in Dir to a Postgres database.
type Runner struct {
	db       *sql.DB
	dir      string
	logger   *logger.Logger
	migrator *migrate.Migrate
}

func NewRunner(db *sql.DB, dir string, log *logger.Logger) *Runner {
	return &Runner{db: db, dir: dir, logger: log}
}

func (r *Runner) init() error {
	if r.migrator != nil {
		return nil
	}

	if _, err := os.Stat(r.dir); os.IsNotExist(err) {
		return fmt.Errorf("migrations directory does not exist: %s", r.dir)
	}

	driver, err := postgres.WithInstance(r.db, &postgres.Config{})
	if err != nil {
		return fmt.Errorf("failed to create postgres migration driver: %w", err)
	}

	migrator, err := migrate.NewWithDatabaseInstance("file://"+r.dir, "postgres", driver)
	if err != nil {
		return fmt.Errorf("failed to create migrator: %w", err)
	}
	r.migrator = migrator
	return nil
}

// Up applies all pending migrations. A dirty version is reported, not
// forced; fixing it needs a human.
func (r *Runner) Up() error {
	if err := r.init(); err != nil {
		return err
	}

	if _, dirty, err := r.migrator.Version(); err == nil && dirty {
		return errors.New("database schema is dirty, fix the failed migration and force its version")
	}

	if err := r.migrator.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("migration up failed: %w", err)
	}

	version, _, err := r.migrator.Version()
	switch {
	case err == nil:
		r.logger.LogDatabase("MIGRATE", "schema_migrations", fmt.Sprintf("schema at version %d", version))
	case !errors.Is(err, migrate.ErrNilVersion):
		return fmt.Errorf("failed to get migration version: %w", err)
	}
	return nil
}

// Down rolls back every migration.
func (r *Runner) Down() error {
	if err := r.init(); err != nil {
		return err
	}
	if err := r.migrator.Down(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("migration down failed: %w", err)
	}
	r.logger.LogDatabase("MIGRATE", "schema_migrations", "all migrations rolled back")
	return nil
}

// Close frees the migrator. The underlying *sql.DB is closed with it.
func (r *Runner) Close() error {
	if r.migrator == nil {
		return nil
	}
	sourceErr, databaseErr := r.migrator.Close()
	if sourceErr != nil {
		return fmt.Errorf("error closing migrator source: %w", sourceErr)
	}
	if databaseErr != nil {
		return fmt.Errorf("error closing migrator database: %w", databaseErr)
	}
	return nil
}
