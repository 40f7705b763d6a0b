package server

import (
	"context"
	"fmt"
	"io"
	"net/http"

	"github.com/go-chi/chi/v5"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/oddnetworks/oddworks/pkg/identity"
	"github.com/oddnetworks/oddworks/pkg/relationship"
	serverErrors "github.com/oddnetworks/oddworks/pkg/server/errors"
	"github.com/oddnetworks/oddworks/pkg/types"
)

type relationshipMutation func(e *relationship.Engine, ctx context.Context, viewerID string, caller *identity.Identity, candidates []types.ResourceIdentifier) (*types.Entity, error)

// ReadRelationship answers 200 with the bucket data, or null when the viewer
// has no such bucket.
func (s *Server) ReadRelationship(w http.ResponseWriter, r *http.Request) {
	viewerID, name := chi.URLParam(r, "id"), chi.URLParam(r, "name")
	ctx, span := tracer.Start(r.Context(), "ReadRelationship", relationshipAttributes(viewerID, name))
	defer span.End()

	engine, err := s.relationshipEngine(name)
	if err != nil {
		s.writeError(ctx, w, span, err)
		return
	}

	caller, _ := identity.FromContext(ctx)
	data, err := engine.Read(ctx, viewerID, caller)
	if err != nil {
		s.writeError(ctx, w, span, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{"data": data})
}

// AppendRelationship adds the resources of the body to the bucket and answers
// 202 with the stored bucket data.
func (s *Server) AppendRelationship(w http.ResponseWriter, r *http.Request) {
	s.mutateRelationship(w, r, "AppendRelationship", (*relationship.Engine).Append)
}

// RemoveRelationship drops the resources of the body from the bucket and
// answers 202 with the stored bucket data.
func (s *Server) RemoveRelationship(w http.ResponseWriter, r *http.Request) {
	s.mutateRelationship(w, r, "RemoveRelationship", (*relationship.Engine).Remove)
}

func (s *Server) mutateRelationship(w http.ResponseWriter, r *http.Request, op string, mutate relationshipMutation) {
	viewerID, name := chi.URLParam(r, "id"), chi.URLParam(r, "name")
	ctx, span := tracer.Start(r.Context(), op, relationshipAttributes(viewerID, name))
	defer span.End()

	engine, err := s.relationshipEngine(name)
	if err != nil {
		s.writeError(ctx, w, span, err)
		return
	}

	caller, _ := identity.FromContext(ctx)
	if err := relationship.Authorize(caller, viewerID); err != nil {
		s.writeError(ctx, w, span, err)
		return
	}

	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err != nil {
		s.writeError(ctx, w, span, serverErrors.BadRequest("Request body could not be read."))
		return
	}

	candidates, err := relationship.DecodeCandidates(body)
	if err != nil {
		s.writeError(ctx, w, span, err)
		return
	}

	viewer, err := mutate(engine, ctx, viewerID, caller, candidates)
	if err != nil {
		s.writeError(ctx, w, span, err)
		return
	}

	var data types.RelationshipData
	if bucket := viewer.Relationship(name); bucket != nil {
		data = bucket.Data
	}
	writeJSON(w, http.StatusAccepted, map[string]any{"data": data})
}

func (s *Server) relationshipEngine(name string) (*relationship.Engine, error) {
	engine, ok := s.relationships[name]
	if !ok {
		return nil, serverErrors.NotFound(fmt.Sprintf("Relationship %s not found.", name))
	}
	return engine, nil
}

func relationshipAttributes(viewerID, name string) trace.SpanStartOption {
	return trace.WithAttributes(
		attribute.String("viewer_id", viewerID),
		attribute.String("relationship", name),
	)
}
