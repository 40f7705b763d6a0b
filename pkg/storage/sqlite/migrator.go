package sqlite

import (
	"github.com/oddnetworks/oddworks/assets"
	"github.com/oddnetworks/oddworks/pkg/storage"
	"github.com/oddnetworks/oddworks/pkg/storage/sqlcommon"
)

// NewMigrationProvider returns the goose migration provider for SQLite.
func NewMigrationProvider() *sqlcommon.MigrationProvider {
	return sqlcommon.NewMigrationProvider(engine, "sqlite", assets.EmbedMigrations, assets.SqliteMigrationDir, prepareURI)
}

func prepareURI(config storage.MigrationConfig) (string, error) {
	return PrepareDSN(config.URI)
}
