package server

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/oddnetworks/oddworks/pkg/bus"
	"github.com/oddnetworks/oddworks/pkg/entitlement"
	"github.com/oddnetworks/oddworks/pkg/identity"
	"github.com/oddnetworks/oddworks/pkg/relationship"
	"github.com/oddnetworks/oddworks/pkg/search"
	"github.com/oddnetworks/oddworks/pkg/storage"
	"github.com/oddnetworks/oddworks/pkg/storage/memory"
	"github.com/oddnetworks/oddworks/pkg/types"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

const (
	channelID  = "odd-networks"
	platformID = "apple-ios"
	viewerID   = "bingewatcher@oddnetworks.com"
	otherID    = "other@oddnetworks.com"
	secret     = "server-test-secret"
)

type fixture struct {
	handler  http.Handler
	identity *identity.Service
	ds       storage.Datastore
}

func newFixture(t *testing.T, features map[string]any) *fixture {
	t.Helper()

	b := bus.New()
	ds := memory.New()
	t.Cleanup(ds.Close)
	require.NoError(t, storage.Register(b, ds))

	ctx := context.Background()
	seed := []*types.Entity{
		{ID: channelID, Type: types.TypeChannel, Fields: map[string]any{
			"title":    "Odd Networks",
			"features": features,
			"secrets":  map[string]any{"key": "hidden"},
		}},
		{ID: platformID, Type: types.TypePlatform, Channel: channelID, Fields: map[string]any{
			"title": "iOS",
		}},
		{ID: viewerID, Type: types.TypeViewer, Channel: channelID, Fields: map[string]any{
			"entitlements": []any{"gold"},
		}, Relationships: map[string]*types.Relationship{
			"watchlist": {Data: types.NewRelationshipData([]types.ResourceIdentifier{
				{ID: "video-1", Type: types.TypeVideo},
			})},
		}},
		{ID: otherID, Type: types.TypeViewer, Channel: channelID},
		{ID: "video-1", Type: types.TypeVideo, Channel: channelID, Fields: map[string]any{
			"title": "Nightly News",
			"tags":  []any{"gold"},
		}, Relationships: map[string]*types.Relationship{
			"related": {Data: types.NewRelationshipData([]types.ResourceIdentifier{
				{ID: "video-2", Type: types.TypeVideo},
				{ID: "collection-1", Type: types.TypeCollection},
				{ID: "missing", Type: types.TypeVideo},
			})},
		}},
		{ID: "video-2", Type: types.TypeVideo, Channel: channelID, Fields: map[string]any{
			"title": "Weekend News",
			"tags":  []any{"free"},
		}},
		{ID: "collection-1", Type: types.TypeCollection, Channel: channelID, Fields: map[string]any{
			"title": "News",
		}},
	}
	for _, e := range seed {
		_, err := ds.Set(ctx, e)
		require.NoError(t, err)
	}

	searcher := search.New(b)
	require.NoError(t, search.Register(b, searcher))
	for _, typ := range storage.DefaultTypes {
		require.NoError(t, searcher.Index(ctx, typ))
	}

	ident, err := identity.New(b, identity.Config{Secret: secret, Issuer: "urn:oddworks"})
	require.NoError(t, err)

	evaluator, err := entitlement.New()
	require.NoError(t, err)
	t.Cleanup(evaluator.Stop)

	var engines []*relationship.Engine
	for _, name := range relationship.DefaultNames {
		engines = append(engines, relationship.New(b, name))
	}

	s, err := NewServerWithOpts(
		WithBus(b),
		WithAuthenticator(ident),
		WithEntitlements(evaluator),
		WithRelationships(engines...),
		WithReadinessTarget(ds),
	)
	require.NoError(t, err)

	return &fixture{handler: s.Handler(), identity: ident, ds: ds}
}

func (f *fixture) token(t *testing.T, claims identity.Claims) string {
	t.Helper()

	token, err := f.identity.Sign(claims)
	require.NoError(t, err)
	return token
}

func (f *fixture) viewerToken(t *testing.T, viewer string) string {
	return f.token(t, identity.Claims{Audience: []string{"platform"}, Channel: channelID, Platform: platformID, Viewer: viewer})
}

func (f *fixture) do(t *testing.T, method, target, token, body string) *httptest.ResponseRecorder {
	t.Helper()

	req := httptest.NewRequest(method, target, strings.NewReader(body))
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	rec := httptest.NewRecorder()
	f.handler.ServeHTTP(rec, req)
	return rec
}

func decode(t *testing.T, rec *httptest.ResponseRecorder) map[string]any {
	t.Helper()

	var body map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	return body
}

func TestNewServerWithOptsRequiresDependencies(t *testing.T) {
	_, err := NewServerWithOpts()
	require.Error(t, err)

	_, err = NewServerWithOpts(WithBus(bus.New()))
	require.Error(t, err)
}

func TestHealthz(t *testing.T) {
	f := newFixture(t, nil)

	rec := f.do(t, http.MethodGet, "/healthz", "", "")
	require.Equal(t, http.StatusOK, rec.Code)
	require.JSONEq(t, `{"status":"SERVING"}`, rec.Body.String())
}

func TestRequestID(t *testing.T) {
	f := newFixture(t, nil)

	rec := f.do(t, http.MethodGet, "/healthz", "", "")
	require.NotEmpty(t, rec.Header().Get("X-Request-Id"))
}

func TestUnknownRoute(t *testing.T) {
	f := newFixture(t, nil)

	rec := f.do(t, http.MethodGet, "/nope", "", "")
	require.Equal(t, http.StatusNotFound, rec.Code)
	require.JSONEq(t, `{"code":"not_found","message":"Route not found."}`, rec.Body.String())
}

func TestAuthentication(t *testing.T) {
	f := newFixture(t, nil)

	rec := f.do(t, http.MethodGet, "/viewers/"+viewerID+"/relationships/watchlist", "", "")
	require.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = f.do(t, http.MethodGet, "/viewers/"+viewerID+"/relationships/watchlist", "not-a-token", "")
	require.Equal(t, http.StatusUnauthorized, rec.Code)
	require.JSONEq(t, `{"code":"invalid_token","message":"invalid token"}`, rec.Body.String())

	unknownViewer := f.token(t, identity.Claims{Audience: []string{"platform"}, Channel: channelID, Platform: platformID, Viewer: "ghost"})
	rec = f.do(t, http.MethodGet, "/viewers/ghost/relationships/watchlist", unknownViewer, "")
	require.Equal(t, http.StatusNotFound, rec.Code)
	require.JSONEq(t, `{"code":"not_found","message":"User ghost not found."}`, rec.Body.String())
}

func TestReadRelationship(t *testing.T) {
	f := newFixture(t, nil)
	token := f.viewerToken(t, viewerID)

	rec := f.do(t, http.MethodGet, "/viewers/"+viewerID+"/relationships/watchlist", token, "")
	require.Equal(t, http.StatusOK, rec.Code)
	require.JSONEq(t, `{"data":{"id":"video-1","type":"video"}}`, rec.Body.String())

	rec = f.do(t, http.MethodGet, "/viewers/"+viewerID+"/relationships/library", token, "")
	require.Equal(t, http.StatusOK, rec.Code)
	require.JSONEq(t, `{"data":null}`, rec.Body.String())

	rec = f.do(t, http.MethodGet, "/viewers/"+viewerID+"/relationships/favorites", token, "")
	require.Equal(t, http.StatusNotFound, rec.Code)
}

func TestRelationshipAuthorization(t *testing.T) {
	f := newFixture(t, nil)

	platformOnly := f.token(t, identity.Claims{Audience: []string{"platform"}, Channel: channelID, Platform: platformID})
	other := f.viewerToken(t, otherID)
	admin := f.token(t, identity.Claims{Audience: []string{identity.AdminAudience}, Channel: channelID, Subject: "ops"})
	adminNoChannel := f.token(t, identity.Claims{Audience: []string{identity.AdminAudience}, Subject: "ops"})

	tests := []struct {
		name           string
		method         string
		token          string
		expectedStatus int
		expectedBody   string
	}{
		{
			name:           "platform_token_read",
			method:         http.MethodGet,
			token:          platformOnly,
			expectedStatus: http.StatusUnauthorized,
			expectedBody:   `{"code":"unauthorized","message":"Viewer not found."}`,
		},
		{
			name:           "other_viewer_read",
			method:         http.MethodGet,
			token:          other,
			expectedStatus: http.StatusForbidden,
			expectedBody:   `{"code":"forbidden","message":"Viewer specified in JWT does not match requested viewer."}`,
		},
		{
			name:           "other_viewer_append",
			method:         http.MethodPost,
			token:          other,
			expectedStatus: http.StatusForbidden,
			expectedBody:   `{"code":"forbidden","message":"Viewer specified in JWT does not match requested viewer."}`,
		},
		{
			name:           "other_viewer_remove",
			method:         http.MethodDelete,
			token:          other,
			expectedStatus: http.StatusForbidden,
			expectedBody:   `{"code":"forbidden","message":"Viewer specified in JWT does not match requested viewer."}`,
		},
		{
			name:           "admin_read",
			method:         http.MethodGet,
			token:          admin,
			expectedStatus: http.StatusOK,
			expectedBody:   `{"data":{"id":"video-1","type":"video"}}`,
		},
		{
			name:           "admin_without_channel_append",
			method:         http.MethodPost,
			token:          adminNoChannel,
			expectedStatus: http.StatusBadRequest,
			expectedBody:   `{"code":"bad_request","message":"Request requires a channel."}`,
		},
	}

	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			rec := f.do(t, test.method, "/viewers/"+viewerID+"/relationships/watchlist", test.token, `{"id":"video-2","type":"video"}`)
			require.Equal(t, test.expectedStatus, rec.Code)
			require.JSONEq(t, test.expectedBody, rec.Body.String())
		})
	}

	stored, err := f.ds.Get(context.Background(), storage.GetArgs{ID: viewerID, Type: types.TypeViewer, Channel: channelID})
	require.NoError(t, err)
	require.Equal(t, 1, stored.Relationship("watchlist").Data.Len())
}

func TestAppendAndRemoveRelationship(t *testing.T) {
	f := newFixture(t, nil)
	token := f.viewerToken(t, viewerID)
	path := "/viewers/" + viewerID + "/relationships/watchlist"

	rec := f.do(t, http.MethodPost, path, token, `[{"id":"video-2","type":"video"},{"id":"collection-1","type":"collection"},{"id":"video-1","type":"video"}]`)
	require.Equal(t, http.StatusAccepted, rec.Code)

	data, ok := decode(t, rec)["data"].([]any)
	require.True(t, ok)
	require.Len(t, data, 3)

	var order []string
	for _, item := range data {
		order = append(order, item.(map[string]any)["id"].(string))
	}
	require.Equal(t, []string{"video-1", "video-2", "collection-1"}, order)

	rec = f.do(t, http.MethodGet, path, token, "")
	require.Equal(t, http.StatusOK, rec.Code)
	require.Len(t, decode(t, rec)["data"], 3)

	rec = f.do(t, http.MethodDelete, path, token, `[{"id":"video-1","type":"video"},{"id":"collection-1","type":"collection"}]`)
	require.Equal(t, http.StatusAccepted, rec.Code)

	single, ok := decode(t, rec)["data"].(map[string]any)
	require.True(t, ok)
	require.Equal(t, "video-2", single["id"])

	rec = f.do(t, http.MethodDelete, path, token, `{"id":"video-2","type":"video"}`)
	require.Equal(t, http.StatusAccepted, rec.Code)
	require.JSONEq(t, `{"data":[]}`, rec.Body.String())
}

func TestAppendRelationshipRejectsInvalidResources(t *testing.T) {
	f := newFixture(t, nil)
	token := f.viewerToken(t, viewerID)
	path := "/viewers/" + viewerID + "/relationships/library"

	rec := f.do(t, http.MethodPost, path, token, `[{"id":"x","type":"viewer"},{"id":"","type":"video"}]`)
	require.Equal(t, http.StatusUnprocessableEntity, rec.Code)
	require.JSONEq(t, `{"code":"unprocessable_entity","message":"Resources is not of type video or collection."}`, rec.Body.String())

	rec = f.do(t, http.MethodPost, path, token, `{not json`)
	require.Equal(t, http.StatusBadRequest, rec.Code)

	rec = f.do(t, http.MethodDelete, path, token, `[]`)
	require.Equal(t, http.StatusUnprocessableEntity, rec.Code)
}

func TestGetVideo(t *testing.T) {
	f := newFixture(t, nil)
	token := f.viewerToken(t, viewerID)

	rec := f.do(t, http.MethodGet, "/videos/video-1", token, "")
	require.Equal(t, http.StatusOK, rec.Code)

	body := decode(t, rec)
	data := body["data"].(map[string]any)
	require.Equal(t, "video-1", data["id"])
	require.Equal(t, true, data["meta"].(map[string]any)["entitled"])

	included := body["included"].([]any)
	require.Len(t, included, 2)
	for _, item := range included {
		require.Equal(t, true, item.(map[string]any)["meta"].(map[string]any)["entitled"])
	}

	rec = f.do(t, http.MethodGet, "/videos/nope", token, "")
	require.Equal(t, http.StatusNotFound, rec.Code)

	rec = f.do(t, http.MethodGet, "/collections/collection-1", token, "")
	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, []any{}, decode(t, rec)["included"])
}

func TestEntitlementsApplied(t *testing.T) {
	f := newFixture(t, map[string]any{
		"authentication": map[string]any{
			"enabled":   true,
			"evaluator": `"gold" in resource.tags && "gold" in viewer.entitlements`,
		},
	})
	token := f.viewerToken(t, viewerID)

	rec := f.do(t, http.MethodGet, "/videos/video-1", token, "")
	require.Equal(t, http.StatusOK, rec.Code)

	entitled := map[string]any{}
	body := decode(t, rec)
	data := body["data"].(map[string]any)
	entitled[data["id"].(string)] = data["meta"].(map[string]any)["entitled"]
	for _, item := range body["included"].([]any) {
		m := item.(map[string]any)
		entitled[m["id"].(string)] = m["meta"].(map[string]any)["entitled"]
	}

	require.Equal(t, map[string]any{
		"video-1":      true,
		"video-2":      false,
		"collection-1": false,
	}, entitled)
}

func TestSearch(t *testing.T) {
	f := newFixture(t, nil)
	token := f.viewerToken(t, viewerID)

	rec := f.do(t, http.MethodGet, "/search?q=news", token, "")
	require.Equal(t, http.StatusOK, rec.Code)
	require.Len(t, decode(t, rec)["data"], 3)

	rec = f.do(t, http.MethodGet, "/search?q=new&types=video&size=1", token, "")
	require.Equal(t, http.StatusOK, rec.Code)
	data := decode(t, rec)["data"].([]any)
	require.Len(t, data, 1)
	require.Equal(t, "video", data[0].(map[string]any)["type"])

	rec = f.do(t, http.MethodGet, "/search?q=zzz", token, "")
	require.Equal(t, http.StatusOK, rec.Code)
	require.JSONEq(t, `{"data":[]}`, rec.Body.String())

	rec = f.do(t, http.MethodGet, "/search", token, "")
	require.Equal(t, http.StatusBadRequest, rec.Code)
	require.JSONEq(t, `{"code":"bad_request","message":"query is required"}`, rec.Body.String())
}

func TestGetConfig(t *testing.T) {
	f := newFixture(t, map[string]any{"sharing": map[string]any{"enabled": true}})

	rec := f.do(t, http.MethodGet, "/config", f.viewerToken(t, viewerID), "")
	require.Equal(t, http.StatusOK, rec.Code)

	data := decode(t, rec)["data"].(map[string]any)
	require.Equal(t, channelID+"-"+platformID, data["id"])
	require.Equal(t, types.TypeConfig, data["type"])
	require.Equal(t, channelID, data["channel"])
	require.Equal(t, platformID, data["platform"])
	require.Equal(t, "iOS", data["title"])
	require.NotContains(t, data, "secrets")

	admin := f.token(t, identity.Claims{Audience: []string{identity.AdminAudience}, Subject: "ops"})
	rec = f.do(t, http.MethodGet, "/config", admin, "")
	require.Equal(t, http.StatusBadRequest, rec.Code)
}
