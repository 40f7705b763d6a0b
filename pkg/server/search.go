package server

import (
	"net/http"
	"strings"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/oddnetworks/oddworks/pkg/entitlement"
	"github.com/oddnetworks/oddworks/pkg/identity"
	"github.com/oddnetworks/oddworks/pkg/search"
)

// Search answers GET /search?q=&types=&size= with the matching entities of
// the caller's channel.
func (s *Server) Search(w http.ResponseWriter, r *http.Request) {
	params := r.URL.Query()
	ctx, span := tracer.Start(r.Context(), "Search", trace.WithAttributes(
		attribute.String("query", params.Get("q")),
	))
	defer span.End()

	caller, _ := identity.FromContext(ctx)

	var typeFilter []string
	for _, typ := range strings.Split(params.Get("types"), ",") {
		if typ = strings.TrimSpace(typ); typ != "" {
			typeFilter = append(typeFilter, typ)
		}
	}

	results, err := search.Query(ctx, s.bus, search.Args{
		Query:     strings.TrimSpace(params.Get("q")),
		Channel:   caller.ChannelID(),
		Types:     typeFilter,
		FullQuery: search.FullQuery{Size: search.ParseSize(params.Get("size"))},
	})
	if err != nil {
		s.writeError(ctx, w, span, err)
		return
	}

	doc := entitlement.NewList(results)
	s.entitlements.Apply(ctx, caller, doc)

	writeJSON(w, http.StatusOK, doc)
}
