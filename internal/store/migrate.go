package store

import (
	"embed"
	"errors"
	"fmt"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/sqlite"
	"github.com/golang-migrate/migrate/v4/source/iofs"
)

//go:embed migrations/*.sql
var migrationFS embed.FS

// newMigrator opens its own connection; Close on the migrator closes it.
func newMigrator(cfg Config) (*migrate.Migrate, error) {
	db, err := openDB(cfg)
	if err != nil {
		return nil, err
	}
	driver, err := sqlite.WithInstance(db, &sqlite.Config{DatabaseName: "main"})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("sqlite driver: %w", err)
	}
	src, err := iofs.New(migrationFS, "migrations")
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("migration source: %w", err)
	}
	m, err := migrate.NewWithInstance("iofs", src, "sqlite", driver)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate instance: %w", err)
	}
	return m, nil
}

func closeMigrator(m *migrate.Migrate, err error) error {
	srcErr, dbErr := m.Close()
	if err != nil {
		return err
	}
	return errors.Join(srcErr, dbErr)
}

// MigrateUp applies all pending migrations. No pending change is not an error.
func MigrateUp(cfg Config) error {
	m, err := newMigrator(cfg)
	if err != nil {
		return err
	}
	err = m.Up()
	if errors.Is(err, migrate.ErrNoChange) {
		err = nil
	}
	if err != nil {
		err = fmt.Errorf("apply migrations: %w", err)
	}
	return closeMigrator(m, err)
}

// MigrateDown rolls back steps migrations, or all of them when steps < 0.
func MigrateDown(cfg Config, steps int) error {
	m, err := newMigrator(cfg)
	if err != nil {
		return err
	}
	if steps < 0 {
		err = m.Down()
	} else {
		err = m.Steps(-steps)
	}
	if errors.Is(err, migrate.ErrNoChange) {
		err = nil
	}
	if err != nil {
		err = fmt.Errorf("roll back migrations: %w", err)
	}
	return closeMigrator(m, err)
}

// Version returns the applied migration version; 0 when none is applied.
func Version(cfg Config) (version uint, dirty bool, err error) {
	m, err := newMigrator(cfg)
	if err != nil {
		return 0, false, err
	}
	version, dirty, err = m.Version()
	if errors.Is(err, migrate.ErrNilVersion) {
		version, dirty, err = 0, false, nil
	}
	return version, dirty, closeMigrator(m, err)
}
