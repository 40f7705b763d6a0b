package postgres

import (
	"github.com/oddnetworks/oddworks/assets"
	"github.com/oddnetworks/oddworks/pkg/storage"
	"github.com/oddnetworks/oddworks/pkg/storage/sqlcommon"
)

// NewMigrationProvider returns the goose migration provider for PostgreSQL.
func NewMigrationProvider() *sqlcommon.MigrationProvider {
	return sqlcommon.NewMigrationProvider(engine, "pgx", assets.EmbedMigrations, assets.PostgresMigrationDir, prepareURI)
}

func prepareURI(config storage.MigrationConfig) (string, error) {
	return PrepareURI(config.URI, config.Username, config.Password)
}
