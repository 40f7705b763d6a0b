package sqlcommon

import (
	"context"
	"database/sql"
	"fmt"
	"io/fs"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/pressly/goose/v3"
	"go.uber.org/zap"

	"github.com/oddnetworks/oddworks/pkg/logger"
	"github.com/oddnetworks/oddworks/pkg/storage"
)

const defaultMigrationTimeout = time.Minute

// MigrationProvider implements [storage.MigrationProvider] with goose for one
// SQL engine.
type MigrationProvider struct {
	engine     string
	driver     string
	migrations fs.FS
	dir        string
	prepareURI func(config storage.MigrationConfig) (string, error)
}

var _ storage.MigrationProvider = (*MigrationProvider)(nil)

// NewMigrationProvider builds a provider for engine, opening connections with
// driver and reading migrations from dir within migrations.
func NewMigrationProvider(engine, driver string, migrations fs.FS, dir string, prepareURI func(storage.MigrationConfig) (string, error)) *MigrationProvider {
	return &MigrationProvider{
		engine:     engine,
		driver:     driver,
		migrations: migrations,
		dir:        dir,
		prepareURI: prepareURI,
	}
}

// GetSupportedEngine returns the database engine this provider supports.
func (m *MigrationProvider) GetSupportedEngine() string {
	return m.engine
}

// RunMigrations migrates the database to config.TargetVersion, or to the
// latest revision when it is zero.
func (m *MigrationProvider) RunMigrations(ctx context.Context, config storage.MigrationConfig) error {
	log := config.Logger
	if log == nil {
		log = logger.NewNoopLogger()
	}

	goose.SetLogger(goose.NopLogger())
	goose.SetVerbose(config.Verbose)

	db, err := m.open(ctx, config)
	if err != nil {
		return err
	}
	defer db.Close()

	currentVersion, err := goose.GetDBVersionContext(ctx, db)
	if err != nil {
		return fmt.Errorf("failed to get %s db version: %w", m.engine, err)
	}

	log.Info("current schema revision", zap.String("engine", m.engine), zap.Int64("version", currentVersion))

	if config.TargetVersion == 0 {
		if err := goose.UpContext(ctx, db, m.dir); err != nil {
			return fmt.Errorf("failed to run %s migrations: %w", m.engine, err)
		}
		log.Info("migration done", zap.String("engine", m.engine))
		return nil
	}

	target := int64(config.TargetVersion)

	switch {
	case target < currentVersion:
		if err := goose.DownToContext(ctx, db, m.dir, target); err != nil {
			return fmt.Errorf("failed to run %s migrations down to %v: %w", m.engine, target, err)
		}
	case target > currentVersion:
		if err := goose.UpToContext(ctx, db, m.dir, target); err != nil {
			return fmt.Errorf("failed to run %s migrations up to %v: %w", m.engine, target, err)
		}
	default:
		log.Info("nothing to do", zap.String("engine", m.engine))
		return nil
	}

	log.Info("migration done", zap.String("engine", m.engine), zap.Int64("version", target))
	return nil
}

// GetCurrentVersion returns the current migration version.
func (m *MigrationProvider) GetCurrentVersion(ctx context.Context, config storage.MigrationConfig) (int64, error) {
	db, err := m.open(ctx, config)
	if err != nil {
		return 0, err
	}
	defer db.Close()

	return goose.GetDBVersionContext(ctx, db)
}

func (m *MigrationProvider) open(ctx context.Context, config storage.MigrationConfig) (*sql.DB, error) {
	if err := goose.SetDialect(m.engine); err != nil {
		return nil, fmt.Errorf("failed to set %s dialect: %w", m.engine, err)
	}
	goose.SetBaseFS(m.migrations)

	uri, err := m.prepareURI(config)
	if err != nil {
		return nil, err
	}

	db, err := goose.OpenDBWithDriver(m.driver, uri)
	if err != nil {
		return nil, fmt.Errorf("failed to open %s connection: %w", m.engine, err)
	}

	policy := backoff.NewExponentialBackOff()
	policy.MaxElapsedTime = config.Timeout
	if policy.MaxElapsedTime == 0 {
		policy.MaxElapsedTime = defaultMigrationTimeout
	}
	err = backoff.Retry(func() error {
		return db.PingContext(ctx)
	}, backoff.WithContext(policy, ctx))
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize %s connection: %w", m.engine, err)
	}

	return db, nil
}
