package database

import (
	"errors"
	"fmt"
	"log/slog"

	"github.com/golang-migrate/migrate/v4"
	_ "github.com/golang-migrate/migrate/v4/database/postgres"
	_ "github.com/golang-migrate/migrate/v4/source/file"
)

// RunMigrations brings the metering schema (balances, ledger entries, audit
// logs) up to date before the service takes traffic. A dirty schema stops
// startup: settling usage against half-migrated billing tables is worse than
// not starting.
func RunMigrations(dsn, migrationsPath string) error {
	m, err := migrate.New(
		fmt.Sprintf("file://%s", migrationsPath),
		dsn,
	)
	if err != nil {
		return fmt.Errorf("creating migrator: %w", err)
	}
	defer m.Close()

	upErr := m.Up()
	if upErr != nil && !errors.Is(upErr, migrate.ErrNoChange) {
		return fmt.Errorf("migrating metering schema: %w", upErr)
	}

	ver, dirty, verErr := m.Version()
	if verErr != nil && !errors.Is(verErr, migrate.ErrNilVersion) {
		return fmt.Errorf("reading schema version: %w", verErr)
	}
	if dirty {
		return fmt.Errorf("metering schema dirty at version %d", ver)
	}

	slog.Info("metering schema ready",
		"version", ver, "applied", !errors.Is(upErr, migrate.ErrNoChange))
	return nil
}
