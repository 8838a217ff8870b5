package postgres

import (
	"embed"
	"errors"
	"fmt"
	"strings"

	"github.com/golang-migrate/migrate/v4"
	_ "github.com/golang-migrate/migrate/v4/database/pgx/v5"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"github.com/rs/zerolog/log"
)

//go:embed migrations
var migrations embed.FS

// Schema sets; each service owns its own database.
const (
	SchemaOrders    = "orders"
	SchemaInventory = "inventory"
)

// Migrate applies the embedded migrations of one schema set to dsn.
func Migrate(dsn, schema string) error {
	src, err := iofs.New(migrations, "migrations/"+schema)
	if err != nil {
		return fmt.Errorf("open migrations %s: %w", schema, err)
	}
	m, err := migrate.NewWithSourceInstance("iofs", src, migrateURL(dsn, schema))
	if err != nil {
		return fmt.Errorf("init migrations: %w", err)
	}
	defer m.Close()

	err = m.Up()
	if errors.Is(err, migrate.ErrNoChange) {
		log.Info().Str("schema", schema).Msg("no new migrations to apply")
		return nil
	}
	if err != nil {
		return fmt.Errorf("apply migrations %s: %w", schema, err)
	}
	log.Info().Str("schema", schema).Msg("migrations applied")
	return nil
}

// migrateURL rewrites a postgres DSN to the scheme the pgx/v5 driver
// registers and gives each schema set its own version table, so both sets
// can share one database in development.
func migrateURL(dsn, schema string) string {
	for _, p := range []string{"postgres://", "postgresql://"} {
		if strings.HasPrefix(dsn, p) {
			dsn = "pgx5://" + strings.TrimPrefix(dsn, p)
			break
		}
	}
	sep := "?"
	if strings.Contains(dsn, "?") {
		sep = "&"
	}
	return dsn + sep + "x-migrations-table=schema_migrations_" + schema
}
