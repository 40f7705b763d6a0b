// Package errors maps domain errors onto the HTTP error taxonomy.
package errors

import (
	"context"
	"errors"
	"net/http"

	goerrors "github.com/go-errors/errors"

	"github.com/oddnetworks/oddworks/pkg/bus"
	"github.com/oddnetworks/oddworks/pkg/identity"
	"github.com/oddnetworks/oddworks/pkg/relationship"
	"github.com/oddnetworks/oddworks/pkg/search"
	"github.com/oddnetworks/oddworks/pkg/storage"
)

const InternalServerErrorMsg = "Internal Server Error"

const (
	unauthorizedMsg        = "Viewer not found."
	forbiddenMsg           = "Viewer specified in JWT does not match requested viewer."
	invalidResourceTypeMsg = "Resources is not of type video or collection."
)

var (
	Unauthorized        = NewEncodedError(http.StatusUnauthorized, CodeUnauthorized, unauthorizedMsg)
	Forbidden           = NewEncodedError(http.StatusForbidden, CodeForbidden, forbiddenMsg)
	InvalidResourceType = NewEncodedError(http.StatusUnprocessableEntity, CodeUnprocessableEntity, invalidResourceTypeMsg)
	MissingBearerToken  = NewEncodedError(http.StatusUnauthorized, CodeInvalidToken, "Missing bearer token.")
	RequestTimeout      = NewEncodedError(http.StatusGatewayTimeout, CodeTimeout, "Request timed out.")
)

// InternalError hides its cause from clients. The cause carries a stack trace
// and is only meant for logs.
type InternalError struct {
	public   string
	internal error
}

func (e InternalError) Error() string {
	return e.public
}

func (e InternalError) Unwrap() error {
	return e.internal
}

func NewInternalError(public string, internal error) InternalError {
	if public == "" {
		public = InternalServerErrorMsg
	}

	return InternalError{
		public:   public,
		internal: ErrorWithStack(internal),
	}
}

// ErrorWithStack wraps err with the caller's stack. A nil err stays nil.
func ErrorWithStack(err error) error {
	if err != nil {
		return goerrors.Wrap(err, 1)
	}
	return err
}

// NotFound is a 404 with the given message.
func NotFound(message string) *EncodedError {
	return NewEncodedError(http.StatusNotFound, CodeNotFound, message)
}

// BadRequest is a 400 with the given message.
func BadRequest(message string) *EncodedError {
	return NewEncodedError(http.StatusBadRequest, CodeBadRequest, message)
}

// InvalidToken is a 401 for tokens that failed validation.
func InvalidToken(err error) *EncodedError {
	return NewEncodedError(http.StatusUnauthorized, CodeInvalidToken, err.Error())
}

// TokenClaim reports a claim combination rejected while verifying (401).
func TokenClaim(err error) *EncodedError {
	return NewEncodedError(http.StatusUnauthorized, CodeTokenClaimError, err.Error())
}

// SignClaim reports a claim combination rejected while signing (400).
func SignClaim(err error) *EncodedError {
	return NewEncodedError(http.StatusBadRequest, CodeTokenClaimError, err.Error())
}

// HandleError maps domain errors onto encoded errors. Anything unrecognised
// becomes an InternalError with public as its message.
func HandleError(public string, err error) error {
	var (
		encoded  *EncodedError
		internal InternalError
	)
	switch {
	case err == nil:
		return nil
	case errors.As(err, &encoded):
		return encoded
	case errors.As(err, &internal):
		return internal
	case errors.Is(err, relationship.ErrUnauthorized):
		return Unauthorized
	case errors.Is(err, relationship.ErrForbidden):
		return Forbidden
	case errors.Is(err, relationship.ErrInvalidResourceType):
		return InvalidResourceType
	case errors.Is(err, relationship.ErrInvalidBody), errors.Is(err, relationship.ErrChannelRequired):
		return BadRequest(err.Error())
	case errors.Is(err, relationship.ErrViewerNotFound):
		return NotFound(err.Error())
	case errors.Is(err, identity.ErrInvalidToken):
		return InvalidToken(identity.ErrInvalidToken)
	case errors.Is(err, identity.ErrNotFound):
		return NotFound(err.Error())
	case errors.Is(err, identity.ErrTokenClaim):
		return TokenClaim(err)
	case errors.Is(err, search.ErrQueryRequired):
		return BadRequest(err.Error())
	case errors.Is(err, storage.ErrNotFound):
		return NotFound(err.Error())
	case errors.Is(err, bus.ErrHandlerNotFound):
		return NewEncodedError(http.StatusInternalServerError, CodeHandlerNotFound, err.Error())
	case errors.Is(err, context.DeadlineExceeded):
		return RequestTimeout
	}
	return NewInternalError(public, err)
}
