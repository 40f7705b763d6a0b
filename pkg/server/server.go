// Package server serves the oddworks HTTP API.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/rs/cors"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/oddnetworks/oddworks/pkg/authn"
	"github.com/oddnetworks/oddworks/pkg/bus"
	"github.com/oddnetworks/oddworks/pkg/entitlement"
	"github.com/oddnetworks/oddworks/pkg/logger"
	"github.com/oddnetworks/oddworks/pkg/middleware"
	"github.com/oddnetworks/oddworks/pkg/middleware/logging"
	"github.com/oddnetworks/oddworks/pkg/middleware/recovery"
	"github.com/oddnetworks/oddworks/pkg/middleware/requestid"
	"github.com/oddnetworks/oddworks/pkg/relationship"
	"github.com/oddnetworks/oddworks/pkg/server/config"
	serverErrors "github.com/oddnetworks/oddworks/pkg/server/errors"
	"github.com/oddnetworks/oddworks/pkg/server/health"
	"github.com/oddnetworks/oddworks/pkg/telemetry"
)

var tracer = otel.Tracer("oddworks/pkg/server")

const (
	serviceName = "oddworks"

	// maxBodyBytes bounds request bodies of relationship mutations.
	maxBodyBytes = 1 << 20
)

// Server wires the domain services behind an HTTP router.
type Server struct {
	bus           *bus.Bus
	logger        logger.Logger
	authenticator authn.Authenticator
	entitlements  *entitlement.Evaluator
	relationships map[string]*relationship.Engine
	health        *health.Checker

	requestTimeout     time.Duration
	corsAllowedOrigins []string
	corsAllowedHeaders []string
	searchEnabled      bool
}

type OddworksServiceV1Option func(s *Server)

func WithBus(b *bus.Bus) OddworksServiceV1Option {
	return func(s *Server) {
		s.bus = b
	}
}

func WithLogger(l logger.Logger) OddworksServiceV1Option {
	return func(s *Server) {
		s.logger = l
	}
}

// WithAuthenticator sets how bearer tokens are resolved into identities.
func WithAuthenticator(a authn.Authenticator) OddworksServiceV1Option {
	return func(s *Server) {
		s.authenticator = a
	}
}

func WithEntitlements(e *entitlement.Evaluator) OddworksServiceV1Option {
	return func(s *Server) {
		s.entitlements = e
	}
}

// WithRelationships exposes each engine under /viewers/{id}/relationships/{name}.
func WithRelationships(engines ...*relationship.Engine) OddworksServiceV1Option {
	return func(s *Server) {
		for _, e := range engines {
			s.relationships[e.Name()] = e
		}
	}
}

// WithReadinessTarget serves /healthz from target.
func WithReadinessTarget(target health.TargetService) OddworksServiceV1Option {
	return func(s *Server) {
		s.health = &health.Checker{TargetService: target, TargetServiceName: serviceName}
	}
}

func WithRequestTimeout(timeout time.Duration) OddworksServiceV1Option {
	return func(s *Server) {
		s.requestTimeout = timeout
	}
}

func WithCORS(allowedOrigins, allowedHeaders []string) OddworksServiceV1Option {
	return func(s *Server) {
		s.corsAllowedOrigins = allowedOrigins
		s.corsAllowedHeaders = allowedHeaders
	}
}

// WithSearchEnabled toggles the /search route.
func WithSearchEnabled(enabled bool) OddworksServiceV1Option {
	return func(s *Server) {
		s.searchEnabled = enabled
	}
}

// NewServerWithOpts returns a new server. A bus, an authenticator and an
// entitlement evaluator are required.
func NewServerWithOpts(opts ...OddworksServiceV1Option) (*Server, error) {
	defaults := config.DefaultConfig()
	s := &Server{
		logger:             logger.NewNoopLogger(),
		relationships:      map[string]*relationship.Engine{},
		requestTimeout:     defaults.RequestTimeout,
		corsAllowedOrigins: defaults.HTTP.CORSAllowedOrigins,
		corsAllowedHeaders: defaults.HTTP.CORSAllowedHeaders,
		searchEnabled:      defaults.Search.Enabled,
	}

	for _, opt := range opts {
		opt(s)
	}

	if s.bus == nil {
		return nil, errors.New("a bus is required")
	}
	if s.authenticator == nil {
		return nil, errors.New("an authenticator is required")
	}
	if s.entitlements == nil {
		return nil, errors.New("an entitlement evaluator is required")
	}

	return s, nil
}

// Handler returns the HTTP handler serving every route.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()

	r.Use(otelhttp.NewMiddleware(serviceName, otelhttp.WithSpanNameFormatter(func(_ string, r *http.Request) string {
		return r.Method + " " + r.URL.Path
	})))
	r.Use(requestid.HTTPHandler)
	r.Use(logging.NewHTTPLoggingHandler(s.logger))
	r.Use(func(next http.Handler) http.Handler {
		return recovery.HTTPPanicRecoveryHandler(next, s.logger)
	})
	r.Use(cors.New(cors.Options{
		AllowedOrigins: s.corsAllowedOrigins,
		AllowedHeaders: s.corsAllowedHeaders,
		AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodDelete, http.MethodOptions},
	}).Handler)

	if s.health != nil {
		r.Method(http.MethodGet, "/healthz", s.health)
	}

	r.Group(func(r chi.Router) {
		r.Use(middleware.NewTimeoutHandler(s.requestTimeout, s.logger).Handler)
		r.Use(authn.Middleware(s.authenticator, s.logger))

		r.Route("/viewers/{id}/relationships/{name}", func(r chi.Router) {
			r.Get("/", s.ReadRelationship)
			r.Post("/", s.AppendRelationship)
			r.Delete("/", s.RemoveRelationship)
		})

		r.Get("/videos/{id}", s.GetVideo)
		r.Get("/collections/{id}", s.GetCollection)
		r.Get("/config", s.GetConfig)

		if s.searchEnabled {
			r.Get("/search", s.Search)
		}
	})

	r.NotFound(func(w http.ResponseWriter, r *http.Request) {
		serverErrors.WriteError(w, serverErrors.NotFound("Route not found."))
	})

	return r
}

func (s *Server) writeError(ctx context.Context, w http.ResponseWriter, span trace.Span, err error) {
	telemetry.TraceError(span, err)

	encoded := serverErrors.Encode(err)
	if encoded.HTTPStatus() >= http.StatusInternalServerError {
		s.logger.ErrorWithContext(ctx, "request failed", zap.Error(err))
	}
	serverErrors.WriteError(w, encoded)
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}
