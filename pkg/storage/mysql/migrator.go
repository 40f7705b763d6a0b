package mysql

import (
	"github.com/oddnetworks/oddworks/assets"
	"github.com/oddnetworks/oddworks/pkg/storage"
	"github.com/oddnetworks/oddworks/pkg/storage/sqlcommon"
)

// NewMigrationProvider returns the goose migration provider for MySQL.
func NewMigrationProvider() *sqlcommon.MigrationProvider {
	return sqlcommon.NewMigrationProvider(engine, "mysql", assets.EmbedMigrations, assets.MySQLMigrationDir, prepareURI)
}

func prepareURI(config storage.MigrationConfig) (string, error) {
	return PrepareDSN(config.URI, config.Username, config.Password)
}
