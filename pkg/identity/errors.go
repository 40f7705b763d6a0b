package identity

import (
	"errors"
	"fmt"

	"github.com/oddnetworks/oddworks/pkg/types"
)

var (
	// ErrInvalidToken is returned when a token fails signature, issuer or
	// structural validation.
	ErrInvalidToken = errors.New("invalid token")

	// ErrTokenClaim matches every semantically invalid claim combination,
	// whether it was found while signing or verifying.
	ErrTokenClaim = errors.New("token claim error")

	// ErrNotFound matches every entity referenced by a token that does not exist.
	ErrNotFound = errors.New("identity not found")

	ErrChannelNotFound  = errors.New("channel not found")
	ErrPlatformNotFound = errors.New("platform not found")
	ErrViewerNotFound   = errors.New("viewer not found")
)

var (
	ErrNoChannel                error = claimError("JSON Web Token has no channel.")
	ErrNoSubjectOrPlatform      error = claimError("JSON Web Token has no subject or platform.")
	ErrMissingAudience          error = claimError("audience is required")
	ErrMissingChannel           error = claimError("channel is required")
	ErrMissingSubjectOrPlatform error = claimError("subject or platform is required")
)

type claimError string

func (e claimError) Error() string {
	return string(e)
}

func (e claimError) Is(target error) bool {
	return target == ErrTokenClaim
}

// NotFoundError names the entity a token referenced that could not be resolved.
type NotFoundError struct {
	Type string
	ID   string
}

func (e *NotFoundError) Error() string {
	switch e.Type {
	case types.TypeChannel:
		return fmt.Sprintf("Channel %s not found.", e.ID)
	case types.TypePlatform:
		return fmt.Sprintf("Platform %s not found.", e.ID)
	case types.TypeViewer:
		return fmt.Sprintf("User %s not found.", e.ID)
	default:
		return fmt.Sprintf("%s %s not found.", e.Type, e.ID)
	}
}

func (e *NotFoundError) Is(target error) bool {
	switch target {
	case ErrNotFound:
		return true
	case ErrChannelNotFound:
		return e.Type == types.TypeChannel
	case ErrPlatformNotFound:
		return e.Type == types.TypePlatform
	case ErrViewerNotFound:
		return e.Type == types.TypeViewer
	}
	return false
}
