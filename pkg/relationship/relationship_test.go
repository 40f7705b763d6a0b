package relationship

import (
	"context"
	"encoding/json"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/oddnetworks/oddworks/pkg/bus"
	"github.com/oddnetworks/oddworks/pkg/identity"
	"github.com/oddnetworks/oddworks/pkg/storage"
	"github.com/oddnetworks/oddworks/pkg/storage/memory"
	"github.com/oddnetworks/oddworks/pkg/types"
)

const (
	channelID = "odd-networks"
	viewerID  = "bingewatcher@oddnetworks.com"
	otherID   = "other@oddnetworks.com"
)

var (
	video1      = types.ResourceIdentifier{ID: "video-1", Type: types.TypeVideo}
	video2      = types.ResourceIdentifier{ID: "video-2", Type: types.TypeVideo}
	collection1 = types.ResourceIdentifier{ID: "collection-1", Type: types.TypeCollection}

	firstStamp  = time.Date(2024, 3, 1, 12, 0, 0, 123_000_000, time.UTC)
	secondStamp = time.Date(2024, 3, 2, 12, 0, 0, 0, time.UTC)
)

func bucket(items ...types.ResourceIdentifier) *types.Relationship {
	return &types.Relationship{Data: types.NewRelationshipData(items)}
}

type fixture struct {
	bus     *bus.Bus
	ds      storage.Datastore
	channel *types.Entity
	viewer  *types.Entity
}

func newFixture(t *testing.T) *fixture {
	t.Helper()

	b := bus.New()
	ds := memory.New()
	t.Cleanup(ds.Close)
	require.NoError(t, storage.Register(b, ds))

	ctx := context.Background()
	channel, err := ds.Set(ctx, &types.Entity{ID: channelID, Type: types.TypeChannel})
	require.NoError(t, err)

	viewer, err := ds.Set(ctx, &types.Entity{
		ID:      viewerID,
		Type:    types.TypeViewer,
		Channel: channelID,
		Relationships: map[string]*types.Relationship{
			"watchlist": bucket(video1, collection1),
			"library":   bucket(video1, collection1),
			"platforms": bucket(types.ResourceIdentifier{ID: "apple-ios", Type: types.TypePlatform}),
		},
	})
	require.NoError(t, err)

	_, err = ds.Set(ctx, &types.Entity{
		ID:            otherID,
		Type:          types.TypeViewer,
		Channel:       channelID,
		Relationships: map[string]*types.Relationship{"watchlist": bucket()},
	})
	require.NoError(t, err)

	return &fixture{bus: b, ds: ds, channel: channel, viewer: viewer}
}

func (f *fixture) viewerIdentity() *identity.Identity {
	return &identity.Identity{Audience: []string{"platform"}, Channel: f.channel, Viewer: f.viewer}
}

func (f *fixture) adminIdentity() *identity.Identity {
	return &identity.Identity{Audience: []string{identity.AdminAudience}, Subject: "ops", Channel: f.channel}
}

func (f *fixture) stored(t *testing.T, id, name string) types.RelationshipData {
	t.Helper()
	viewer, err := f.ds.Get(context.Background(), storage.GetArgs{ID: id, Type: types.TypeViewer, Channel: channelID})
	require.NoError(t, err)
	return bucketData(viewer, name)
}

func requireJSON(t *testing.T, expected string, data types.RelationshipData) {
	t.Helper()
	b, err := json.Marshal(data)
	require.NoError(t, err)
	require.JSONEq(t, expected, string(b))
}

func clock(ts *time.Time) Option {
	return WithClock(func() time.Time { return *ts })
}

func TestAuthorize(t *testing.T) {
	viewer := &types.Entity{ID: viewerID, Type: types.TypeViewer}

	tests := []struct {
		name     string
		caller   *identity.Identity
		id       string
		expected error
	}{
		{name: "nil_caller", caller: nil, id: viewerID, expected: ErrUnauthorized},
		{name: "no_viewer", caller: &identity.Identity{Audience: []string{"platform"}}, id: viewerID, expected: ErrUnauthorized},
		{name: "mismatch", caller: &identity.Identity{Viewer: viewer}, id: otherID, expected: ErrForbidden},
		{name: "match", caller: &identity.Identity{Viewer: viewer}, id: viewerID},
		{name: "admin_without_viewer", caller: &identity.Identity{Audience: []string{identity.AdminAudience}}, id: otherID},
		{name: "admin_with_other_viewer", caller: &identity.Identity{Audience: []string{identity.AdminAudience}, Viewer: viewer}, id: otherID},
	}

	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			err := Authorize(test.caller, test.id)
			if test.expected == nil {
				require.NoError(t, err)
				return
			}
			require.ErrorIs(t, err, test.expected)
		})
	}
}

func TestAppend(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	now := firstStamp
	e := New(f.bus, "watchlist", clock(&now))

	viewer, err := e.Append(ctx, viewerID, f.viewerIdentity(), []types.ResourceIdentifier{video2})
	require.NoError(t, err)

	items := viewer.Relationship("watchlist").Data.Items()
	require.Len(t, items, 3)
	require.True(t, items[0].Equal(video1))
	require.True(t, items[1].Equal(collection1))
	require.True(t, items[2].Equal(video2))
	require.Equal(t, map[string]any{"updatedAt": "2024-03-01T12:00:00.123Z"}, items[2].Meta)

	t.Run("repeat_keeps_original_metadata", func(t *testing.T) {
		now = secondStamp
		viewer, err := e.Append(ctx, viewerID, f.viewerIdentity(), []types.ResourceIdentifier{video2})
		require.NoError(t, err)

		items := viewer.Relationship("watchlist").Data.Items()
		require.Len(t, items, 3)
		require.Equal(t, "2024-03-01T12:00:00.123Z", items[2].Meta["updatedAt"])
		require.Equal(t, items, f.stored(t, viewerID, "watchlist").Items())
	})

	t.Run("other_buckets_untouched", func(t *testing.T) {
		require.Equal(t, 2, f.stored(t, viewerID, "library").Len())
	})
}

func TestAppendIdempotent(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	now := firstStamp
	e := New(f.bus, "library", clock(&now))

	resources := []types.ResourceIdentifier{video2, collection1, {ID: "collection-2", Type: types.TypeCollection}, video2}

	once, err := e.Append(ctx, viewerID, f.viewerIdentity(), resources)
	require.NoError(t, err)

	now = secondStamp
	twice, err := e.Append(ctx, viewerID, f.viewerIdentity(), resources)
	require.NoError(t, err)

	require.Equal(t, once.Relationship("library").Data.Items(), twice.Relationship("library").Data.Items())
	require.Equal(t, 4, twice.Relationship("library").Data.Len())
}

func TestAppendCreatesBucket(t *testing.T) {
	f := newFixture(t)
	e := New(f.bus, "favorites")

	viewer, err := e.Append(context.Background(), viewerID, f.viewerIdentity(), []types.ResourceIdentifier{video2})
	require.NoError(t, err)

	data := viewer.Relationship("favorites").Data
	require.Equal(t, types.RelationshipSingle, data.Kind())
	require.Equal(t, "video-2", data.Items()[0].ID)
}

func TestAppendFiltersCandidates(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	e := New(f.bus, "watchlist")

	t.Run("disallowed_only", func(t *testing.T) {
		_, err := e.Append(ctx, viewerID, f.viewerIdentity(), []types.ResourceIdentifier{{ID: "viewer-1", Type: types.TypeViewer}})
		require.ErrorIs(t, err, ErrInvalidResourceType)
		requireJSON(t, `[{"id":"video-1","type":"video"},{"id":"collection-1","type":"collection"}]`, f.stored(t, viewerID, "watchlist"))
	})

	t.Run("missing_id", func(t *testing.T) {
		_, err := e.Append(ctx, viewerID, f.viewerIdentity(), []types.ResourceIdentifier{{Type: types.TypeVideo}})
		require.ErrorIs(t, err, ErrInvalidResourceType)
	})

	t.Run("empty", func(t *testing.T) {
		_, err := e.Append(ctx, viewerID, f.viewerIdentity(), nil)
		require.ErrorIs(t, err, ErrInvalidResourceType)
	})

	t.Run("mixed_drops_silently", func(t *testing.T) {
		viewer, err := e.Append(ctx, viewerID, f.viewerIdentity(), []types.ResourceIdentifier{
			{ID: "viewer-1", Type: types.TypeViewer},
			video2,
		})
		require.NoError(t, err)
		require.Equal(t, 3, viewer.Relationship("watchlist").Data.Len())
	})
}

func TestRemove(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	e := New(f.bus, "watchlist")

	viewer, err := e.Remove(ctx, viewerID, f.viewerIdentity(), []types.ResourceIdentifier{video1})
	require.NoError(t, err)
	data := viewer.Relationship("watchlist").Data
	require.Equal(t, types.RelationshipSingle, data.Kind())
	requireJSON(t, `{"id":"collection-1","type":"collection"}`, data)

	viewer, err = e.Remove(ctx, viewerID, f.viewerIdentity(), []types.ResourceIdentifier{collection1})
	require.NoError(t, err)
	data = viewer.Relationship("watchlist").Data
	require.Equal(t, types.RelationshipEmpty, data.Kind())
	requireJSON(t, `[]`, data)
	requireJSON(t, `[]`, f.stored(t, viewerID, "watchlist"))
}

func TestRemoveIgnoresMeta(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	e := New(f.bus, "watchlist")

	_, err := e.Remove(ctx, viewerID, f.viewerIdentity(), []types.ResourceIdentifier{
		{ID: "video-1", Type: types.TypeVideo, Meta: map[string]any{"updatedAt": "yesterday"}},
		{ID: "collection-1", Type: types.TypeVideo},
	})
	require.NoError(t, err)
	requireJSON(t, `{"id":"collection-1","type":"collection"}`, f.stored(t, viewerID, "watchlist"))
}

func TestRemoveMissingBucket(t *testing.T) {
	f := newFixture(t)
	e := New(f.bus, "favorites")

	viewer, err := e.Remove(context.Background(), viewerID, f.viewerIdentity(), []types.ResourceIdentifier{video1})
	require.NoError(t, err)
	requireJSON(t, `[]`, viewer.Relationship("favorites").Data)
}

func TestAppendThenRemoveAllIsEmpty(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	e := New(f.bus, "watchlist")
	admin := f.adminIdentity()

	resources := []types.ResourceIdentifier{video1, video2, collection1}
	_, err := e.Append(ctx, otherID, admin, resources)
	require.NoError(t, err)
	require.Equal(t, types.RelationshipMany, f.stored(t, otherID, "watchlist").Kind())

	viewer, err := e.Remove(ctx, otherID, admin, resources)
	require.NoError(t, err)
	data := viewer.Relationship("watchlist").Data
	require.True(t, data.IsSet())
	require.Equal(t, types.RelationshipEmpty, data.Kind())
	requireJSON(t, `[]`, data)
}

func TestSingleMemberCollapses(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	e := New(f.bus, "watchlist")
	admin := f.adminIdentity()

	viewer, err := e.Append(ctx, otherID, admin, []types.ResourceIdentifier{video1})
	require.NoError(t, err)
	require.Equal(t, types.RelationshipSingle, viewer.Relationship("watchlist").Data.Kind())

	viewer, err = e.Append(ctx, otherID, admin, []types.ResourceIdentifier{video2})
	require.NoError(t, err)
	require.Equal(t, types.RelationshipMany, viewer.Relationship("watchlist").Data.Kind())

	viewer, err = e.Remove(ctx, otherID, admin, []types.ResourceIdentifier{video1})
	require.NoError(t, err)
	require.Equal(t, types.RelationshipSingle, viewer.Relationship("watchlist").Data.Kind())
	require.Equal(t, types.RelationshipSingle, f.stored(t, otherID, "watchlist").Kind())
}

func TestForbiddenLeavesViewerUntouched(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	e := New(f.bus, "watchlist")
	caller := f.viewerIdentity()

	_, err := e.Read(ctx, otherID, caller)
	require.ErrorIs(t, err, ErrForbidden)

	_, err = e.Append(ctx, otherID, caller, []types.ResourceIdentifier{video2})
	require.ErrorIs(t, err, ErrForbidden)

	_, err = e.Remove(ctx, otherID, caller, []types.ResourceIdentifier{video1})
	require.ErrorIs(t, err, ErrForbidden)

	requireJSON(t, `[]`, f.stored(t, otherID, "watchlist"))
	other, err := f.ds.Get(ctx, storage.GetArgs{ID: otherID, Type: types.TypeViewer, Channel: channelID})
	require.NoError(t, err)
	require.Equal(t, int64(1), other.Version)
}

func TestUnauthorized(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	e := New(f.bus, "watchlist")
	caller := &identity.Identity{Audience: []string{"platform"}, Channel: f.channel}

	_, err := e.Read(ctx, viewerID, caller)
	require.ErrorIs(t, err, ErrUnauthorized)

	_, err = e.Append(ctx, viewerID, caller, []types.ResourceIdentifier{video2})
	require.ErrorIs(t, err, ErrUnauthorized)

	_, err = e.Remove(ctx, viewerID, nil, []types.ResourceIdentifier{video2})
	require.ErrorIs(t, err, ErrUnauthorized)
}

func TestRead(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	t.Run("inline_viewer", func(t *testing.T) {
		caller := f.viewerIdentity()
		caller.Viewer = caller.Viewer.Clone()
		caller.Viewer.Relationships["watchlist"] = bucket(video2)

		data, err := New(f.bus, "watchlist").Read(ctx, viewerID, caller)
		require.NoError(t, err)
		requireJSON(t, `{"id":"video-2","type":"video"}`, data)
	})

	t.Run("admin_reads_store", func(t *testing.T) {
		data, err := New(f.bus, "platforms").Read(ctx, viewerID, f.adminIdentity())
		require.NoError(t, err)
		requireJSON(t, `{"id":"apple-ios","type":"platform"}`, data)
	})

	t.Run("missing_bucket", func(t *testing.T) {
		data, err := New(f.bus, "favorites").Read(ctx, viewerID, f.adminIdentity())
		require.NoError(t, err)
		require.False(t, data.IsSet())
		requireJSON(t, `null`, data)
	})

	t.Run("missing_viewer", func(t *testing.T) {
		_, err := New(f.bus, "watchlist").Read(ctx, "ghost", f.adminIdentity())
		require.ErrorIs(t, err, ErrViewerNotFound)
		require.EqualError(t, err, "viewer ghost not found")
	})
}

func TestMutationOfMissingViewer(t *testing.T) {
	f := newFixture(t)
	e := New(f.bus, "watchlist")

	_, err := e.Append(context.Background(), "ghost", f.adminIdentity(), []types.ResourceIdentifier{video2})
	require.ErrorIs(t, err, ErrViewerNotFound)
}

func TestAdminWithoutChannel(t *testing.T) {
	f := newFixture(t)
	e := New(f.bus, "watchlist")
	ctx := context.Background()
	admin := &identity.Identity{Audience: []string{identity.AdminAudience}, Subject: "ops"}

	t.Run("read", func(t *testing.T) {
		_, err := e.Read(ctx, viewerID, admin)
		require.ErrorIs(t, err, ErrChannelRequired)
	})

	t.Run("append", func(t *testing.T) {
		_, err := e.Append(ctx, viewerID, admin, []types.ResourceIdentifier{video2})
		require.ErrorIs(t, err, ErrChannelRequired)
	})

	t.Run("remove", func(t *testing.T) {
		_, err := e.Remove(ctx, viewerID, admin, []types.ResourceIdentifier{video1})
		require.ErrorIs(t, err, ErrChannelRequired)
	})

	require.Equal(t, 2, f.stored(t, viewerID, "watchlist").Len())
}

// viewerBus serves viewers from ds through hand-registered handlers so tests
// can intercept writes.
func viewerBus(t *testing.T, set func(ctx context.Context, ds storage.Datastore, viewer *types.Entity) (*types.Entity, error)) (*bus.Bus, storage.Datastore) {
	t.Helper()

	b := bus.New()
	ds := memory.New(memory.WithTypes(types.TypeViewer))
	t.Cleanup(ds.Close)

	b.MustRegisterQueryHandler(storage.GetPattern(types.TypeViewer), func(ctx context.Context, args any) (any, error) {
		return ds.Get(ctx, args.(storage.GetArgs))
	})
	b.MustRegisterCommandHandler(storage.SetPattern(types.TypeViewer), func(ctx context.Context, payload any) (any, error) {
		return set(ctx, ds, payload.(*types.Entity))
	})

	_, err := ds.Set(context.Background(), &types.Entity{
		ID:            viewerID,
		Type:          types.TypeViewer,
		Channel:       channelID,
		Relationships: map[string]*types.Relationship{"watchlist": bucket(video1)},
	})
	require.NoError(t, err)
	return b, ds
}

func channelAdmin() *identity.Identity {
	return &identity.Identity{
		Audience: []string{identity.AdminAudience},
		Subject:  "ops",
		Channel:  &types.Entity{ID: channelID, Type: types.TypeChannel},
	}
}

func TestAppendRetriesVersionConflict(t *testing.T) {
	video9 := types.ResourceIdentifier{ID: "video-9", Type: types.TypeVideo}

	var interfered atomic.Bool
	b, ds := viewerBus(t, func(ctx context.Context, ds storage.Datastore, viewer *types.Entity) (*types.Entity, error) {
		if interfered.CompareAndSwap(false, true) {
			competing, err := ds.Get(ctx, storage.GetArgs{ID: viewer.ID, Type: types.TypeViewer, Channel: viewer.Channel})
			if err != nil {
				return nil, err
			}
			competing.Relationships["watchlist"] = bucket(append(competing.Relationship("watchlist").Data.Items(), video9)...)
			if _, err := ds.Set(ctx, competing); err != nil {
				return nil, err
			}
		}
		return ds.Set(ctx, viewer)
	})

	e := New(b, "watchlist", WithRetryInterval(time.Millisecond))
	viewer, err := e.Append(context.Background(), viewerID, channelAdmin(), []types.ResourceIdentifier{video2})
	require.NoError(t, err)

	items := viewer.Relationship("watchlist").Data.Items()
	require.Len(t, items, 3)
	require.True(t, items[0].Equal(video1))
	require.True(t, items[1].Equal(video9))
	require.True(t, items[2].Equal(video2))
	require.Equal(t, int64(3), viewer.Version)

	stored, err := ds.Get(context.Background(), storage.GetArgs{ID: viewerID, Type: types.TypeViewer, Channel: channelID})
	require.NoError(t, err)
	require.Equal(t, 3, stored.Relationship("watchlist").Data.Len())
}

func TestAppendGivesUpAfterMaxRetries(t *testing.T) {
	var attempts atomic.Int32
	b, _ := viewerBus(t, func(_ context.Context, _ storage.Datastore, viewer *types.Entity) (*types.Entity, error) {
		attempts.Add(1)
		return nil, storage.VersionConflictError(viewer.Type, viewer.ID, viewer.Version)
	})

	e := New(b, "watchlist", WithMaxRetries(2), WithRetryInterval(time.Millisecond))
	_, err := e.Append(context.Background(), viewerID, channelAdmin(), []types.ResourceIdentifier{video2})
	require.ErrorIs(t, err, storage.ErrVersionConflict)
	require.Equal(t, int32(3), attempts.Load())
}

func TestAppendDoesNotRetryOtherFailures(t *testing.T) {
	var attempts atomic.Int32
	b, _ := viewerBus(t, func(context.Context, storage.Datastore, *types.Entity) (*types.Entity, error) {
		attempts.Add(1)
		return nil, storage.ErrInvalidEntity
	})

	e := New(b, "watchlist", WithRetryInterval(time.Millisecond))
	_, err := e.Append(context.Background(), viewerID, channelAdmin(), []types.ResourceIdentifier{video2})
	require.ErrorIs(t, err, storage.ErrInvalidEntity)
	require.Equal(t, int32(1), attempts.Load())
}

func TestDecodeCandidates(t *testing.T) {
	tests := []struct {
		name     string
		body     string
		expected []types.ResourceIdentifier
		err      error
	}{
		{name: "single", body: `{"id":"video-2","type":"video"}`, expected: []types.ResourceIdentifier{video2}},
		{name: "array", body: `[{"id":"video-2","type":"video"},{"id":"collection-1","type":"collection"}]`, expected: []types.ResourceIdentifier{video2, collection1}},
		{name: "meta_dropped", body: `{"id":"video-2","type":"video","meta":{"updatedAt":"x"}}`, expected: []types.ResourceIdentifier{video2}},
		{name: "non_objects_skipped", body: `[1,"video-2",{"id":2,"type":"video"},{"id":"video-2","type":"video"}]`, expected: []types.ResourceIdentifier{video2}},
		{name: "null", body: `null`, expected: []types.ResourceIdentifier{}},
		{name: "malformed", body: `{"id":`, err: ErrInvalidBody},
	}

	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			got, err := DecodeCandidates([]byte(test.body))
			if test.err != nil {
				require.ErrorIs(t, err, test.err)
				return
			}
			require.NoError(t, err)
			require.Equal(t, test.expected, got)
		})
	}
}
