package storage

import (
	"errors"
	"fmt"
)

var (
	// ErrNotFound is returned when an entity does not exist.
	ErrNotFound = errors.New("not found")

	// ErrVersionConflict is returned by Set when the entity version does not
	// match the stored version.
	ErrVersionConflict = errors.New("entity version conflict")

	// ErrCollision is returned when a row already exists for an entity key.
	ErrCollision = errors.New("item already exists")

	// ErrInvalidEntity is returned when an entity or its key is incomplete.
	ErrInvalidEntity = errors.New("invalid entity")

	// ErrUnsupportedType is returned when a datastore does not hold the requested type.
	ErrUnsupportedType = errors.New("unsupported entity type")

	// ErrInvalidArgs is returned by bus handlers that receive the wrong argument type.
	ErrInvalidArgs = errors.New("invalid arguments")
)

// NotFoundError wraps ErrNotFound with the entity key.
func NotFoundError(typ, id string) error {
	return fmt.Errorf("%s %s: %w", typ, id, ErrNotFound)
}

// VersionConflictError wraps ErrVersionConflict with the entity key and expected version.
func VersionConflictError(typ, id string, version int64) error {
	return fmt.Errorf("%s %s at version %d: %w", typ, id, version, ErrVersionConflict)
}
