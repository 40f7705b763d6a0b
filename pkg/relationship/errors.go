package relationship

import (
	"errors"
	"fmt"
)

var (
	// ErrUnauthorized is returned when a non-admin caller has no resolved viewer.
	ErrUnauthorized = errors.New("unauthorized")

	// ErrForbidden is returned when a non-admin caller addresses another viewer.
	ErrForbidden = errors.New("forbidden")

	// ErrViewerNotFound is returned when the addressed viewer does not exist.
	ErrViewerNotFound = errors.New("not found")

	// ErrInvalidResourceType is returned when no candidate survives filtering.
	ErrInvalidResourceType = errors.New("no resource of an allowed type")

	// ErrInvalidBody is returned when a request body is not JSON.
	ErrInvalidBody = errors.New("invalid resource body")

	// ErrChannelRequired is returned when an admin caller's token names no
	// channel, since viewers are stored per channel.
	ErrChannelRequired = errors.New("Request requires a channel.")
)

func viewerNotFound(id string) error {
	return fmt.Errorf("viewer %s %w", id, ErrViewerNotFound)
}
