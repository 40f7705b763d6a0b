package storage

import (
	"fmt"
	"path/filepath"
	"testing"

	"github.com/pressly/goose/v3"
	"github.com/stretchr/testify/require"
	_ "modernc.org/sqlite" // SQLite driver.

	"github.com/oddnetworks/oddworks/assets"
)

type sqliteTestContainer struct {
	path    string
	version int64
}

// NewSqliteTestContainer returns an implementation of the DatastoreTestContainer interface
// for SQLite.
func NewSqliteTestContainer() *sqliteTestContainer {
	return &sqliteTestContainer{}
}

func (m *sqliteTestContainer) GetDatabaseSchemaVersion() int64 {
	return m.version
}

// RunSqliteTestDatabase creates a migrated sqlite database file in a temporary
// directory.
func (m *sqliteTestContainer) RunSqliteTestDatabase(t testing.TB) DatastoreTestContainer {
	m.path = filepath.Join(t.TempDir(), "database.db")
	m.version = migrate(t, "sqlite", m.GetConnectionURI(true), assets.SqliteMigrationDir)
	return m
}

// GetConnectionURI returns the sqlite connection uri for the test database.
func (m *sqliteTestContainer) GetConnectionURI(includeCredentials bool) string {
	return fmt.Sprintf("file:%s?_pragma=journal_mode(WAL)&_pragma=busy_timeout(500)", m.path)
}

func (m *sqliteTestContainer) GetUsername() string {
	return ""
}

func (m *sqliteTestContainer) GetPassword() string {
	return ""
}

func migrate(t testing.TB, driver, uri, dir string) int64 {
	t.Helper()

	goose.SetLogger(goose.NopLogger())

	db, err := goose.OpenDBWithDriver(driver, uri)
	require.NoError(t, err)
	defer db.Close()

	goose.SetBaseFS(assets.EmbedMigrations)

	require.NoError(t, goose.Up(db, dir))
	version, err := goose.GetDBVersion(db)
	require.NoError(t, err)

	return version
}
