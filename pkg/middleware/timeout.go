package middleware

import (
	"context"
	"net/http"
	"time"

	"github.com/oddnetworks/oddworks/pkg/logger"
)

// TimeoutHandler sets the timeout in each request.
type TimeoutHandler struct {
	timeout time.Duration
	logger  logger.Logger
}

// NewTimeoutHandler returns new TimeoutHandler that timeouts request if it
// exceeds the timeout value. A zero timeout leaves requests unbounded.
func NewTimeoutHandler(timeout time.Duration, logger logger.Logger) *TimeoutHandler {
	return &TimeoutHandler{
		timeout: timeout,
		logger:  logger,
	}
}

// Handler bounds the request context. Handlers observe the deadline through
// the context and report it as a timeout error.
func (h *TimeoutHandler) Handler(next http.Handler) http.Handler {
	if h.timeout <= 0 {
		return next
	}

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), h.timeout)
		defer cancel()

		next.ServeHTTP(w, r.WithContext(ctx))

		if ctx.Err() == context.DeadlineExceeded {
			h.logger.WarnWithContext(ctx, "request exceeded timeout")
		}
	})
}
