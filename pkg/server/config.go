package server

import (
	"net/http"

	"github.com/oddnetworks/oddworks/pkg/identity"
	serverErrors "github.com/oddnetworks/oddworks/pkg/server/errors"
)

// GetConfig answers with the composite of the caller's channel and platform.
func (s *Server) GetConfig(w http.ResponseWriter, r *http.Request) {
	ctx, span := tracer.Start(r.Context(), "GetConfig")
	defer span.End()

	caller, _ := identity.FromContext(ctx)
	if caller == nil || caller.Channel == nil || caller.Platform == nil {
		s.writeError(ctx, w, span, serverErrors.BadRequest("Config requires a token with a channel and platform."))
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"data": identity.ComposeConfig(caller.Channel, caller.Platform),
	})
}
