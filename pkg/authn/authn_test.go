package authn

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/oddnetworks/oddworks/pkg/identity"
	"github.com/oddnetworks/oddworks/pkg/logger"
	"github.com/oddnetworks/oddworks/pkg/types"
)

type authenticatorFunc func(ctx context.Context, token string) (*identity.Identity, error)

func (f authenticatorFunc) Verify(ctx context.Context, token string) (*identity.Identity, error) {
	return f(ctx, token)
}

func TestBearerToken(t *testing.T) {
	tests := []struct {
		name     string
		header   string
		expected string
		ok       bool
	}{
		{name: "bearer", header: "Bearer abc", expected: "abc", ok: true},
		{name: "lowercase_scheme", header: "bearer abc", expected: "abc", ok: true},
		{name: "missing", header: "", ok: false},
		{name: "basic", header: "Basic abc", ok: false},
		{name: "no_token", header: "Bearer ", ok: false},
		{name: "scheme_only", header: "Bearer", ok: false},
	}

	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/", nil)
			if test.header != "" {
				req.Header.Set("Authorization", test.header)
			}

			token, ok := BearerToken(req)
			require.Equal(t, test.ok, ok)
			require.Equal(t, test.expected, token)
		})
	}
}

func TestMiddleware(t *testing.T) {
	viewer := &types.Entity{ID: "viewer-1", Type: types.TypeViewer}
	a := authenticatorFunc(func(_ context.Context, token string) (*identity.Identity, error) {
		switch token {
		case "good":
			return &identity.Identity{Viewer: viewer}, nil
		case "claimless":
			return nil, identity.ErrNoChannel
		case "broken":
			return nil, errors.New("store unavailable")
		}
		return nil, identity.ErrInvalidToken
	})

	var resolved *identity.Identity
	handler := Middleware(a, logger.NewNoopLogger())(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		resolved, _ = identity.FromContext(r.Context())
	}))

	tests := []struct {
		name           string
		header         string
		expectedStatus int
		expectedBody   string
	}{
		{name: "missing_token", expectedStatus: http.StatusUnauthorized, expectedBody: `{"code":"invalid_token","message":"Missing bearer token."}`},
		{name: "invalid_token", header: "Bearer nope", expectedStatus: http.StatusUnauthorized, expectedBody: `{"code":"invalid_token","message":"invalid token"}`},
		{name: "claim_error", header: "Bearer claimless", expectedStatus: http.StatusUnauthorized, expectedBody: `{"code":"token_claim_error","message":"JSON Web Token has no channel."}`},
		{name: "internal", header: "Bearer broken", expectedStatus: http.StatusInternalServerError, expectedBody: `{"code":"internal_error","message":"Internal Server Error"}`},
		{name: "ok", header: "Bearer good", expectedStatus: http.StatusOK},
	}

	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			resolved = nil
			req := httptest.NewRequest(http.MethodGet, "/", nil)
			if test.header != "" {
				req.Header.Set("Authorization", test.header)
			}

			rec := httptest.NewRecorder()
			handler.ServeHTTP(rec, req)

			require.Equal(t, test.expectedStatus, rec.Code)
			if test.expectedBody != "" {
				require.JSONEq(t, test.expectedBody, rec.Body.String())
				require.Nil(t, resolved)
				return
			}
			require.Same(t, viewer, resolved.Viewer)
		})
	}
}
