// Package authn authenticates HTTP requests carrying a bearer token.
package authn

import (
	"context"
	"net/http"
	"strings"

	"go.uber.org/zap"

	"github.com/oddnetworks/oddworks/pkg/identity"
	"github.com/oddnetworks/oddworks/pkg/logger"
	serverErrors "github.com/oddnetworks/oddworks/pkg/server/errors"
)

// Authenticator resolves a raw bearer token into an identity.
type Authenticator interface {
	Verify(ctx context.Context, token string) (*identity.Identity, error)
}

var _ Authenticator = (*identity.Service)(nil)

// BearerToken extracts the token from an "Authorization: Bearer <token>"
// header. The scheme is matched case-insensitively.
func BearerToken(r *http.Request) (string, bool) {
	scheme, token, found := strings.Cut(r.Header.Get("Authorization"), " ")
	if !found || !strings.EqualFold(scheme, "Bearer") {
		return "", false
	}

	token = strings.TrimSpace(token)
	return token, token != ""
}

// Middleware rejects requests without a valid bearer token and stores the
// resolved identity in the request context for the handlers behind it.
func Middleware(a Authenticator, l logger.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			token, ok := BearerToken(r)
			if !ok {
				serverErrors.WriteError(w, serverErrors.MissingBearerToken)
				return
			}

			ident, err := a.Verify(r.Context(), token)
			if err != nil {
				encoded := serverErrors.Encode(err)
				if encoded.HTTPStatus() >= http.StatusInternalServerError {
					l.ErrorWithContext(r.Context(), "token verification failed", zap.Error(err))
				}
				serverErrors.WriteError(w, encoded)
				return
			}

			next.ServeHTTP(w, r.WithContext(identity.NewContext(r.Context(), ident)))
		})
	}
}
