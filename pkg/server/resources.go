package server

import (
	"net/http"
	"slices"

	"github.com/go-chi/chi/v5"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/oddnetworks/oddworks/pkg/entitlement"
	"github.com/oddnetworks/oddworks/pkg/identity"
	"github.com/oddnetworks/oddworks/pkg/storage"
	"github.com/oddnetworks/oddworks/pkg/types"
)

func (s *Server) GetVideo(w http.ResponseWriter, r *http.Request) {
	s.getResource(w, r, types.TypeVideo)
}

func (s *Server) GetCollection(w http.ResponseWriter, r *http.Request) {
	s.getResource(w, r, types.TypeCollection)
}

// getResource answers with the entity and, under "included", every entity
// its relationships point at. Entitlements are applied to both.
func (s *Server) getResource(w http.ResponseWriter, r *http.Request, typ string) {
	id := chi.URLParam(r, "id")
	ctx, span := tracer.Start(r.Context(), "GetResource", trace.WithAttributes(
		attribute.String("type", typ),
		attribute.String("id", id),
	))
	defer span.End()

	caller, _ := identity.FromContext(ctx)
	channel := caller.ChannelID()

	entity, err := storage.Get(ctx, s.bus, storage.GetArgs{ID: id, Type: typ, Channel: channel})
	if err != nil {
		s.writeError(ctx, w, span, err)
		return
	}

	included := []*types.Entity{}
	if keys := relatedKeys(entity); len(keys) > 0 {
		found, err := storage.BatchGet(ctx, s.bus, storage.BatchGetArgs{Channel: channel, Keys: keys})
		if err != nil {
			s.writeError(ctx, w, span, err)
			return
		}
		for _, e := range found {
			if e != nil {
				included = append(included, e)
			}
		}
	}

	doc := entitlement.NewSingle(entity)
	doc.Included = included
	s.entitlements.Apply(ctx, caller, doc)

	writeJSON(w, http.StatusOK, doc)
}

// relatedKeys lists the distinct resources referenced by the relationships of
// e, in relationship name order.
func relatedKeys(e *types.Entity) []types.ResourceIdentifier {
	names := make([]string, 0, len(e.Relationships))
	for name := range e.Relationships {
		names = append(names, name)
	}
	slices.Sort(names)

	seen := map[string]struct{}{}
	var keys []types.ResourceIdentifier
	for _, name := range names {
		rel := e.Relationships[name]
		if rel == nil {
			continue
		}
		for _, item := range rel.Data.Items() {
			if item.ID == "" || item.Type == "" {
				continue
			}
			if _, ok := seen[item.Key()]; ok {
				continue
			}
			seen[item.Key()] = struct{}{}
			keys = append(keys, types.ResourceIdentifier{ID: item.ID, Type: item.Type})
		}
	}
	return keys
}
