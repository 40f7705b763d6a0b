// Package storage provisions datastores for tests.
package storage

import (
	"testing"
)

// DatastoreTestContainer represents a runnable datastore for testing specific engines.
type DatastoreTestContainer interface {
	// GetConnectionURI returns a connection string to the datastore instance.
	GetConnectionURI(includeCredentials bool) string

	// GetDatabaseSchemaVersion returns the last migration applied (e.g. 3) when the datastore was created.
	GetDatabaseSchemaVersion() int64

	GetUsername() string
	GetPassword() string
}

type memoryTestContainer struct{}

func (m memoryTestContainer) GetConnectionURI(includeCredentials bool) string {
	return ""
}

func (m memoryTestContainer) GetUsername() string {
	return ""
}

func (m memoryTestContainer) GetPassword() string {
	return ""
}

func (m memoryTestContainer) GetDatabaseSchemaVersion() int64 {
	return 1
}

// RunDatastoreTestContainer provisions a datastore for the provided engine and
// runs all existing database migrations where applicable. SQLite databases are
// created in a temporary directory. Postgres, MySQL and Redis are reached
// through the ODDWORKS_TEST_<ENGINE>_URI environment variables and the test is
// skipped when the variable is unset. Resources are cleaned up after the test.
func RunDatastoreTestContainer(t testing.TB, engine string) DatastoreTestContainer {
	switch engine {
	case "memory":
		return memoryTestContainer{}
	case "sqlite":
		return NewSqliteTestContainer().RunSqliteTestDatabase(t)
	case "postgres", "mysql":
		return NewSQLTestContainer(engine).RunSQLTestDatabase(t)
	case "redis":
		return NewRedisTestContainer().RunRedisTestDatabase(t)
	default:
		t.Fatalf("'%s' engine is not supported by RunDatastoreTestContainer", engine)
		return nil
	}
}
