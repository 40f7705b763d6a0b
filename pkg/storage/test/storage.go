package test

import (
	"context"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/oklog/ulid/v2"
	"github.com/stretchr/testify/require"

	"github.com/oddnetworks/oddworks/pkg/bus"
	"github.com/oddnetworks/oddworks/pkg/storage"
	"github.com/oddnetworks/oddworks/pkg/types"
)

// RunAllTests runs the conformance suite every storage engine must pass. Each
// test works in its own freshly named channel so ds may be shared.
func RunAllTests(t *testing.T, ds storage.Datastore) {
	t.Run("TestEntityWriteAndRead", func(t *testing.T) { EntityWriteAndReadTest(t, ds) })
	t.Run("TestGetNotFound", func(t *testing.T) { GetNotFoundTest(t, ds) })
	t.Run("TestChannelScope", func(t *testing.T) { ChannelScopeTest(t, ds) })
	t.Run("TestVersionConflict", func(t *testing.T) { VersionConflictTest(t, ds) })
	t.Run("TestBatchGet", func(t *testing.T) { BatchGetTest(t, ds) })
	t.Run("TestList", func(t *testing.T) { ListTest(t, ds) })
	t.Run("TestValidation", func(t *testing.T) { ValidationTest(t, ds) })
	t.Run("TestIsolation", func(t *testing.T) { IsolationTest(t, ds) })
	t.Run("TestBusBinding", func(t *testing.T) { BusBindingTest(t, ds) })
}

func newChannel() string {
	return "channel-" + ulid.Make().String()
}

func newVideo(channel, id, title string) *types.Entity {
	return &types.Entity{
		ID:      id,
		Type:    types.TypeVideo,
		Channel: channel,
		Fields:  map[string]any{"title": title},
	}
}

func requireSameDocument(t *testing.T, expected, actual *types.Entity) {
	t.Helper()
	if diff := cmp.Diff(expected.AsMap(), actual.AsMap()); diff != "" {
		t.Fatalf("mismatch (-want +got):\n%s", diff)
	}
}

func EntityWriteAndReadTest(t *testing.T, ds storage.Datastore) {
	ctx := context.Background()
	channel := newChannel()

	viewer := &types.Entity{
		ID:      "viewer-1",
		Type:    types.TypeViewer,
		Channel: channel,
		Relationships: map[string]*types.Relationship{
			"watchlist": {Data: types.NewRelationshipData([]types.ResourceIdentifier{
				{ID: "video-1", Type: types.TypeVideo},
				{ID: "collection-1", Type: types.TypeCollection},
			})},
			"platforms": {Data: types.NewRelationshipData([]types.ResourceIdentifier{
				{ID: "platform-1", Type: types.TypePlatform},
			})},
			"library": {Data: types.NewRelationshipData(nil)},
		},
		Meta:   map[string]any{"updatedAt": "2024-01-02T03:04:05.678Z"},
		Fields: map[string]any{"attributes": map[string]any{"entitlements": []any{"gold"}}},
	}

	stored, err := ds.Set(ctx, viewer)
	require.NoError(t, err)
	require.Equal(t, int64(1), stored.Version)
	requireSameDocument(t, viewer, stored)

	got, err := ds.Get(ctx, storage.GetArgs{ID: "viewer-1", Type: types.TypeViewer, Channel: channel})
	require.NoError(t, err)
	require.Equal(t, int64(1), got.Version)
	requireSameDocument(t, viewer, got)

	require.Equal(t, types.RelationshipMany, got.Relationship("watchlist").Data.Kind())
	require.Equal(t, types.RelationshipSingle, got.Relationship("platforms").Data.Kind())
	require.Equal(t, types.RelationshipEmpty, got.Relationship("library").Data.Kind())
}

func GetNotFoundTest(t *testing.T, ds storage.Datastore) {
	_, err := ds.Get(context.Background(), storage.GetArgs{ID: "missing", Type: types.TypeVideo, Channel: newChannel()})
	require.ErrorIs(t, err, storage.ErrNotFound)
}

func ChannelScopeTest(t *testing.T, ds storage.Datastore) {
	ctx := context.Background()
	channelA := newChannel()
	channelB := newChannel()

	_, err := ds.Set(ctx, &types.Entity{ID: channelA, Type: types.TypeChannel, Fields: map[string]any{"name": "A"}})
	require.NoError(t, err)

	t.Run("channels_are_global", func(t *testing.T) {
		got, err := ds.Get(ctx, storage.GetArgs{ID: channelA, Type: types.TypeChannel, Channel: channelB})
		require.NoError(t, err)
		require.Equal(t, channelA, got.ID)
	})

	t.Run("other_types_are_channel_scoped", func(t *testing.T) {
		_, err := ds.Set(ctx, newVideo(channelA, "video-1", "only in A"))
		require.NoError(t, err)

		_, err = ds.Get(ctx, storage.GetArgs{ID: "video-1", Type: types.TypeVideo, Channel: channelB})
		require.ErrorIs(t, err, storage.ErrNotFound)

		got, err := ds.Get(ctx, storage.GetArgs{ID: "video-1", Type: types.TypeVideo, Channel: channelA})
		require.NoError(t, err)
		require.Equal(t, "only in A", got.Fields["title"])
	})
}

func VersionConflictTest(t *testing.T, ds storage.Datastore) {
	ctx := context.Background()
	channel := newChannel()

	first, err := ds.Set(ctx, newVideo(channel, "video-1", "v1"))
	require.NoError(t, err)
	require.Equal(t, int64(1), first.Version)

	update := newVideo(channel, "video-1", "v2")
	update.Version = first.Version
	second, err := ds.Set(ctx, update)
	require.NoError(t, err)
	require.Equal(t, int64(2), second.Version)

	stale := newVideo(channel, "video-1", "stale")
	stale.Version = first.Version
	_, err = ds.Set(ctx, stale)
	require.ErrorIs(t, err, storage.ErrVersionConflict)

	got, err := ds.Get(ctx, storage.GetArgs{ID: "video-1", Type: types.TypeVideo, Channel: channel})
	require.NoError(t, err)
	require.Equal(t, "v2", got.Fields["title"])

	unconditional, err := ds.Set(ctx, newVideo(channel, "video-1", "v3"))
	require.NoError(t, err)
	require.Equal(t, int64(3), unconditional.Version)

	phantom := newVideo(channel, "video-2", "never stored")
	phantom.Version = 5
	_, err = ds.Set(ctx, phantom)
	require.ErrorIs(t, err, storage.ErrVersionConflict)
}

func BatchGetTest(t *testing.T, ds storage.Datastore) {
	ctx := context.Background()
	channel := newChannel()

	_, err := ds.Set(ctx, newVideo(channel, "video-1", "one"))
	require.NoError(t, err)
	_, err = ds.Set(ctx, &types.Entity{ID: "collection-1", Type: types.TypeCollection, Channel: channel})
	require.NoError(t, err)

	got, err := ds.BatchGet(ctx, storage.BatchGetArgs{
		Channel: channel,
		Keys: []types.ResourceIdentifier{
			{ID: "collection-1", Type: types.TypeCollection},
			{ID: "video-404", Type: types.TypeVideo},
			{ID: "video-1", Type: types.TypeVideo},
			{ID: "video-1", Type: types.TypeCollection},
		},
	})
	require.NoError(t, err)
	require.Len(t, got, 4)
	require.Equal(t, "collection-1", got[0].ID)
	require.Nil(t, got[1])
	require.Equal(t, "one", got[2].Fields["title"])
	require.Nil(t, got[3])

	empty, err := ds.BatchGet(ctx, storage.BatchGetArgs{Channel: channel})
	require.NoError(t, err)
	require.Empty(t, empty)
}

func ListTest(t *testing.T, ds storage.Datastore) {
	ctx := context.Background()
	channel := newChannel()
	other := newChannel()

	for _, id := range []string{"video-c", "video-a", "video-b"} {
		_, err := ds.Set(ctx, newVideo(channel, id, id))
		require.NoError(t, err)
	}
	_, err := ds.Set(ctx, newVideo(other, "video-z", "elsewhere"))
	require.NoError(t, err)
	_, err = ds.Set(ctx, &types.Entity{ID: "collection-1", Type: types.TypeCollection, Channel: channel})
	require.NoError(t, err)

	got, err := ds.List(ctx, storage.ListArgs{Type: types.TypeVideo, Channel: channel})
	require.NoError(t, err)

	ids := make([]string, 0, len(got))
	for _, e := range got {
		ids = append(ids, e.ID)
	}
	require.Equal(t, []string{"video-a", "video-b", "video-c"}, ids)
}

func ValidationTest(t *testing.T, ds storage.Datastore) {
	ctx := context.Background()

	tests := []struct {
		name    string
		entity  *types.Entity
		wantErr error
	}{
		{name: "nil", entity: nil, wantErr: storage.ErrInvalidEntity},
		{name: "missing_id", entity: &types.Entity{Type: types.TypeVideo, Channel: "c"}, wantErr: storage.ErrInvalidEntity},
		{name: "missing_channel", entity: &types.Entity{ID: "v", Type: types.TypeVideo}, wantErr: storage.ErrInvalidEntity},
		{name: "unsupported_type", entity: &types.Entity{ID: "x", Type: "spaceship", Channel: "c"}, wantErr: storage.ErrUnsupportedType},
	}

	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			_, err := ds.Set(ctx, test.entity)
			require.ErrorIs(t, err, test.wantErr)
		})
	}

	_, err := ds.Get(ctx, storage.GetArgs{ID: "x", Type: "spaceship", Channel: "c"})
	require.ErrorIs(t, err, storage.ErrUnsupportedType)
}

func IsolationTest(t *testing.T, ds storage.Datastore) {
	ctx := context.Background()
	channel := newChannel()

	input := newVideo(channel, "video-1", "original")
	stored, err := ds.Set(ctx, input)
	require.NoError(t, err)

	input.Fields["title"] = "changed after set"
	stored.Fields["title"] = "changed on result"

	got, err := ds.Get(ctx, storage.GetArgs{ID: "video-1", Type: types.TypeVideo, Channel: channel})
	require.NoError(t, err)
	require.Equal(t, "original", got.Fields["title"])

	got.Fields["title"] = "changed on read"
	again, err := ds.Get(ctx, storage.GetArgs{ID: "video-1", Type: types.TypeVideo, Channel: channel})
	require.NoError(t, err)
	require.Equal(t, "original", again.Fields["title"])
}

func BusBindingTest(t *testing.T, ds storage.Datastore) {
	ctx := context.Background()
	channel := newChannel()

	b := bus.New()
	require.NoError(t, storage.Register(b, ds))
	require.ErrorIs(t, storage.Register(b, ds), bus.ErrDuplicateHandler)

	stored, err := storage.Set(ctx, b, newVideo(channel, "video-1", "via bus"))
	require.NoError(t, err)
	require.Equal(t, int64(1), stored.Version)

	got, err := storage.Get(ctx, b, storage.GetArgs{ID: "video-1", Type: types.TypeVideo, Channel: channel})
	require.NoError(t, err)
	require.Equal(t, "via bus", got.Fields["title"])

	_, err = storage.Get(ctx, b, storage.GetArgs{ID: "nope", Type: types.TypeVideo, Channel: channel})
	require.ErrorIs(t, err, storage.ErrNotFound)

	batch, err := storage.BatchGet(ctx, b, storage.BatchGetArgs{
		Channel: channel,
		Keys:    []types.ResourceIdentifier{{ID: "video-1", Type: types.TypeVideo}},
	})
	require.NoError(t, err)
	require.Len(t, batch, 1)

	listed, err := storage.List(ctx, b, storage.ListArgs{Type: types.TypeVideo, Channel: channel})
	require.NoError(t, err)
	require.Len(t, listed, 1)

	_, err = b.SendCommand(ctx, storage.SetPattern(types.TypeVideo), &types.Entity{ID: "c", Type: types.TypeCollection, Channel: channel})
	require.ErrorIs(t, err, storage.ErrInvalidEntity)

	_, err = b.Query(ctx, storage.GetPattern(types.TypeVideo), "video-1")
	require.ErrorIs(t, err, storage.ErrInvalidArgs)
}
