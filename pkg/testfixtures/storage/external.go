package storage

import (
	"net/url"
	"os"
	"strings"
	"testing"

	"github.com/go-sql-driver/mysql"
	_ "github.com/jackc/pgx/v5/stdlib" // PostgreSQL driver.
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"

	"github.com/oddnetworks/oddworks/assets"
)

func testURI(t testing.TB, engine string) string {
	t.Helper()

	env := "ODDWORKS_TEST_" + strings.ToUpper(engine) + "_URI"
	uri := os.Getenv(env)
	if uri == "" {
		t.Skipf("%s is not set", env)
	}
	return uri
}

type sqlTestContainer struct {
	engine   string
	uri      string
	username string
	password string
	version  int64
}

// NewSQLTestContainer returns an implementation of the DatastoreTestContainer
// interface for an externally provided postgres or mysql database.
func NewSQLTestContainer(engine string) *sqlTestContainer {
	return &sqlTestContainer{engine: engine}
}

// RunSQLTestDatabase waits for the database named by the engine's environment
// variable and runs all migrations against it.
func (s *sqlTestContainer) RunSQLTestDatabase(t testing.TB) DatastoreTestContainer {
	s.uri = testURI(t, s.engine)

	driver, dir := "pgx", assets.PostgresMigrationDir
	if s.engine == "mysql" {
		driver, dir = "mysql", assets.MySQLMigrationDir

		cfg, err := mysql.ParseDSN(s.uri)
		require.NoError(t, err)
		s.username, s.password = cfg.User, cfg.Passwd
	} else {
		u, err := url.Parse(s.uri)
		require.NoError(t, err)
		s.username = u.User.Username()
		s.password, _ = u.User.Password()
	}

	require.NoError(t, pingUntilReady(t.Context(), driver, s.uri))
	s.version = migrate(t, driver, s.uri, dir)

	return s
}

func (s *sqlTestContainer) GetConnectionURI(includeCredentials bool) string {
	return s.uri
}

func (s *sqlTestContainer) GetDatabaseSchemaVersion() int64 {
	return s.version
}

func (s *sqlTestContainer) GetUsername() string {
	return s.username
}

func (s *sqlTestContainer) GetPassword() string {
	return s.password
}

type redisTestContainer struct {
	addr     string
	username string
	password string
}

// NewRedisTestContainer returns an implementation of the DatastoreTestContainer
// interface for an externally provided Redis server.
func NewRedisTestContainer() *redisTestContainer {
	return &redisTestContainer{}
}

// RunRedisTestDatabase connects to the server named by ODDWORKS_TEST_REDIS_URI
// (a redis:// URL) and checks that it answers.
func (r *redisTestContainer) RunRedisTestDatabase(t testing.TB) DatastoreTestContainer {
	opts, err := redis.ParseURL(testURI(t, "redis"))
	require.NoError(t, err)

	r.addr, r.username, r.password = opts.Addr, opts.Username, opts.Password

	rdb := redis.NewClient(opts)
	defer rdb.Close()
	require.NoError(t, rdb.Ping(t.Context()).Err())

	return r
}

// GetConnectionURI returns the host:port address of the Redis server.
func (r *redisTestContainer) GetConnectionURI(includeCredentials bool) string {
	return r.addr
}

func (r *redisTestContainer) GetDatabaseSchemaVersion() int64 {
	return 0
}

func (r *redisTestContainer) GetUsername() string {
	return r.username
}

func (r *redisTestContainer) GetPassword() string {
	return r.password
}
