package migrate

import (
	"bytes"
	"context"
	"path/filepath"
	"testing"

	"github.com/spf13/viper"
	"github.com/stretchr/testify/require"
)

func execute(t *testing.T, args ...string) error {
	t.Helper()
	viper.Reset()
	t.Cleanup(viper.Reset)

	cmd := NewMigrateCommand()
	cmd.SetOut(&bytes.Buffer{})
	cmd.SetErr(&bytes.Buffer{})
	cmd.SetArgs(args)
	return cmd.ExecuteContext(context.Background())
}

func TestMigrateCommandNoConfigDefaultValues(t *testing.T) {
	cmd := NewMigrateCommand()
	flags := cmd.Flags()

	engine, err := flags.GetString(datastoreEngineFlag)
	require.NoError(t, err)
	require.Empty(t, engine)

	timeout, err := flags.GetDuration(timeoutFlag)
	require.NoError(t, err)
	require.Equal(t, "1m0s", timeout.String())
}

func TestMigrateCommandRequiresEngine(t *testing.T) {
	err := execute(t)
	require.EqualError(t, err, "missing datastore engine type")
}

func TestMigrateCommandUnknownEngine(t *testing.T) {
	err := execute(t, "--datastore-engine", "cloudsearch")
	require.ErrorContains(t, err, "no migration provider registered for engine: cloudsearch")
}

func TestMigrateCommandSchemalessEngines(t *testing.T) {
	for _, engine := range []string{"memory", "redis"} {
		t.Run(engine, func(t *testing.T) {
			require.NoError(t, execute(t, "--datastore-engine", engine))
		})
	}
}

func TestMigrateCommandSqlite(t *testing.T) {
	uri := "file:" + filepath.Join(t.TempDir(), "oddworks.db")

	require.NoError(t, execute(t, "--datastore-engine", "sqlite", "--datastore-uri", uri))

	// running again is a no-op
	require.NoError(t, execute(t, "--datastore-engine", "sqlite", "--datastore-uri", uri))
}
