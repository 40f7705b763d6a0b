package migrate

import (
	"context"
	"fmt"
	"sync"

	"github.com/oddnetworks/oddworks/pkg/logger"
	"github.com/oddnetworks/oddworks/pkg/storage"
	"github.com/oddnetworks/oddworks/pkg/storage/mysql"
	"github.com/oddnetworks/oddworks/pkg/storage/postgres"
	"github.com/oddnetworks/oddworks/pkg/storage/sqlite"
)

// MigrationConfig contains the configuration needed for running migrations.
type MigrationConfig = storage.MigrationConfig

var (
	defaultRegistry *storage.MigratorRegistry
	registryOnce    sync.Once
)

func initDefaultRegistry() {
	registryOnce.Do(func() {
		defaultRegistry = storage.NewMigratorRegistry()
		defaultRegistry.RegisterProvider(postgres.NewMigrationProvider())
		defaultRegistry.RegisterProvider(mysql.NewMigrationProvider())
		defaultRegistry.RegisterProvider(sqlite.NewMigrationProvider())
	})
}

// GetDefaultRegistry returns the registry holding the built-in SQL providers.
func GetDefaultRegistry() *storage.MigratorRegistry {
	initDefaultRegistry()
	return defaultRegistry
}

// RunMigrationsWithRegistry runs the migrations for cfg.Engine using registry.
// Engines without a schema, memory and redis, have nothing to migrate.
func RunMigrationsWithRegistry(ctx context.Context, registry *storage.MigratorRegistry, cfg MigrationConfig) error {
	if cfg.Logger == nil {
		cfg.Logger = logger.NewNoopLogger()
	}

	switch cfg.Engine {
	case "memory", "redis":
		cfg.Logger.Info(fmt.Sprintf("no migrations to run for `%s` datastore", cfg.Engine))
		return nil
	}

	provider, exists := registry.GetProvider(cfg.Engine)
	if !exists {
		return fmt.Errorf("no migration provider registered for engine: %s", cfg.Engine)
	}

	return provider.RunMigrations(ctx, cfg)
}

// RunMigrations runs the migrations for cfg using the default registry.
func RunMigrations(ctx context.Context, cfg MigrationConfig) error {
	return RunMigrationsWithRegistry(ctx, GetDefaultRegistry(), cfg)
}
