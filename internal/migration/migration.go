package migration

import (
	"embed"
	"errors"
	"fmt"

	"github.com/golang-migrate/migrate/v4"
	_ "github.com/golang-migrate/migrate/v4/database/pgx/v5"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"github.com/ledgerline/ledgerline/internal/config"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

//go:embed sql/*.sql
var migrations embed.FS

// Run applies pending schema migrations. Only postgres deployments
// migrate here; test databases build their schema directly.
func Run(cfg config.Config, log *zap.Logger) error {
	if cfg.DBType != "postgres" {
		log.Info("skipping migrations for non-postgres database", zap.String("db_type", cfg.DBType))
		return nil
	}

	source, err := iofs.New(migrations, "sql")
	if err != nil {
		return err
	}

	dsn := fmt.Sprintf("pgx5://%s:%s@%s:%s/%s?sslmode=%s",
		cfg.DBUser, cfg.DBPassword, cfg.DBHost, cfg.DBPort, cfg.DBName, cfg.DBSSLMode,
	)
	m, err := migrate.NewWithSourceInstance("iofs", source, dsn)
	if err != nil {
		return err
	}
	defer m.Close()

	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return err
	}
	log.Info("schema migrations applied")
	return nil
}

var Module = fx.Module("migration",
	fx.Invoke(Run),
)
