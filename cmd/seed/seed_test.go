package seed

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/spf13/viper"
	"github.com/stretchr/testify/require"

	"github.com/oddnetworks/oddworks/pkg/bus"
	"github.com/oddnetworks/oddworks/pkg/storage"
	"github.com/oddnetworks/oddworks/pkg/storage/memory"
	"github.com/oddnetworks/oddworks/pkg/storage/migrate"
	"github.com/oddnetworks/oddworks/pkg/storage/sqlcommon"
	"github.com/oddnetworks/oddworks/pkg/storage/sqlite"
	"github.com/oddnetworks/oddworks/pkg/types"
)

const fixture = `
- id: odd
  type: channel
  title: Odd Networks
- id: v1
  type: video
  channel: odd
  title: Batman Begins
  relationships:
    related:
      data:
        id: c1
        type: collection
`

func writeFixture(t *testing.T, name, content string) string {
	t.Helper()

	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func TestDecode(t *testing.T) {
	tests := []struct {
		name        string
		raw         string
		expectedIDs []string
		expectedErr string
	}{
		{name: "yaml_list", raw: fixture, expectedIDs: []string{"odd", "v1"}},
		{name: "yaml_object", raw: "id: odd\ntype: channel\n", expectedIDs: []string{"odd"}},
		{name: "json_list", raw: `[{"id":"odd","type":"channel"},{"id":"web","type":"platform","channel":"odd"}]`, expectedIDs: []string{"odd", "web"}},
		{name: "empty_list", raw: "[]", expectedErr: ErrEmptyFixture.Error()},
		{name: "empty_document", raw: "", expectedErr: ErrEmptyFixture.Error()},
		{name: "scalar_item", raw: "- odd\n", expectedErr: "item 0 is not an entity"},
	}

	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			entities, err := Decode([]byte(test.raw))
			if test.expectedErr != "" {
				require.EqualError(t, err, test.expectedErr)
				return
			}
			require.NoError(t, err)

			ids := make([]string, 0, len(entities))
			for _, e := range entities {
				ids = append(ids, e.ID)
			}
			require.Equal(t, test.expectedIDs, ids)
		})
	}
}

func TestDecodeKeepsFieldsAndRelationships(t *testing.T) {
	entities, err := Decode([]byte(fixture))
	require.NoError(t, err)
	require.Len(t, entities, 2)

	video := entities[1]
	require.Equal(t, types.TypeVideo, video.Type)
	require.Equal(t, "odd", video.Channel)
	require.Equal(t, "Batman Begins", video.Fields["title"])
	require.Equal(t, types.RelationshipSingle, video.Relationship("related").Data.Kind())
}

func TestLoadFile(t *testing.T) {
	ctx := context.Background()
	b := bus.New()
	ds := memory.New()
	defer ds.Close()
	require.NoError(t, storage.Register(b, ds))

	n, err := LoadFile(ctx, b, writeFixture(t, "fixture.yaml", fixture))
	require.NoError(t, err)
	require.Equal(t, 2, n)

	got, err := storage.Get(ctx, b, storage.GetArgs{ID: "v1", Type: types.TypeVideo, Channel: "odd"})
	require.NoError(t, err)
	require.Equal(t, "Batman Begins", got.Fields["title"])

	t.Run("missing_file", func(t *testing.T) {
		_, err := LoadFile(ctx, b, filepath.Join(t.TempDir(), "missing.yaml"))
		require.ErrorIs(t, err, os.ErrNotExist)
	})

	t.Run("invalid_entity", func(t *testing.T) {
		_, err := LoadFile(ctx, b, writeFixture(t, "orphan.yaml", "id: v2\ntype: video\n"))
		require.ErrorIs(t, err, storage.ErrInvalidEntity)
	})
}

func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	viper.Reset()
	t.Cleanup(viper.Reset)

	var out bytes.Buffer
	cmd := NewSeedCommand()
	cmd.SetOut(&out)
	cmd.SetErr(&bytes.Buffer{})
	cmd.SetArgs(args)
	err := cmd.ExecuteContext(context.Background())
	return out.String(), err
}

func TestSeedCommand(t *testing.T) {
	t.Run("requires_files", func(t *testing.T) {
		_, err := execute(t)
		require.Error(t, err)
	})

	t.Run("rejects_memory", func(t *testing.T) {
		_, err := execute(t, writeFixture(t, "fixture.yaml", fixture))
		require.EqualError(t, err, "the memory engine does not outlive the seed command")
	})

	t.Run("sqlite", func(t *testing.T) {
		ctx := context.Background()
		uri := "file:" + filepath.Join(t.TempDir(), "oddworks.db")
		require.NoError(t, migrate.RunMigrations(ctx, migrate.MigrationConfig{
			Engine:  "sqlite",
			URI:     uri,
			Timeout: 10 * time.Second,
		}))

		out, err := execute(t, "--datastore-engine", "sqlite", "--datastore-uri", uri, writeFixture(t, "fixture.yaml", fixture))
		require.NoError(t, err)
		require.Equal(t, "seeded 2 entities\n", out)

		ds, err := sqlite.New(uri, sqlcommon.NewConfig())
		require.NoError(t, err)
		defer ds.Close()

		got, err := ds.Get(ctx, storage.GetArgs{ID: "odd", Type: types.TypeChannel})
		require.NoError(t, err)
		require.Equal(t, "Odd Networks", got.Fields["title"])
	})
}
