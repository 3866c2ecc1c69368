package pgstore

import (
	"embed"
	"errors"
	"fmt"
	"log/slog"

	"github.com/golang-migrate/migrate/v4"
	_ "github.com/golang-migrate/migrate/v4/database/postgres"
	"github.com/golang-migrate/migrate/v4/source/iofs"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// Migrate brings the schema at databaseURL up to date.
func Migrate(databaseURL string, logger *slog.Logger) (err error) {
	log := logger.With("method", "Migrate")

	source, err := iofs.New(migrationsFS, "migrations")
	if err != nil {
		return fmt.Errorf("failed to open migrations: %w", err)
	}

	m, err := migrate.NewWithSourceInstance("iofs", source, databaseURL)
	if err != nil {
		return fmt.Errorf("failed to create migrator: %w", err)
	}

	defer func() {
		sourceErr, dbErr := m.Close()
		if err == nil {
			err = errors.Join(sourceErr, dbErr)
		}
	}()

	version, dirty, err := m.Version()
	if err != nil && !errors.Is(err, migrate.ErrNilVersion) {
		return fmt.Errorf("failed to read schema version: %w", err)
	}

	if dirty {
		log.Warn("schema is dirty, forcing last version", "version", version)
		if err = m.Force(int(version)); err != nil { //nolint: gosec // migration versions are small
			return fmt.Errorf("failed to force schema version: %w", err)
		}
	}

	if err = m.Up(); err != nil {
		if errors.Is(err, migrate.ErrNoChange) {
			log.Info("schema is up to date")
			return nil
		}
		return fmt.Errorf("failed to migrate schema: %w", err)
	}

	log.Info("schema migrated")

	return nil
}
