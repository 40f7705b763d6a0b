// Package storage contains the entity store contract, the bus bindings for it
// and the shared pieces used by every engine.
package storage

import (
	"context"
	"fmt"
	"slices"

	"github.com/oddnetworks/oddworks/pkg/types"
)

// DefaultTypes are the entity types every engine holds unless configured otherwise.
var DefaultTypes = []string{
	types.TypeChannel,
	types.TypePlatform,
	types.TypeViewer,
	types.TypeVideo,
	types.TypeCollection,
}

// GetArgs addresses a single entity.
type GetArgs struct {
	ID      string
	Type    string
	Channel string
}

// BatchGetArgs addresses a list of entities within a channel.
type BatchGetArgs struct {
	Channel string
	Keys    []types.ResourceIdentifier
}

// ListArgs selects every entity of a type within a channel.
type ListArgs struct {
	Type    string
	Channel string
}

// EntityReader reads entities.
type EntityReader interface {
	// Get returns the entity addressed by args. If none is found, it must
	// return ErrNotFound.
	Get(ctx context.Context, args GetArgs) (*types.Entity, error)

	// BatchGet returns one result per key, in key order. Missing entities are
	// nil entries, not errors.
	BatchGet(ctx context.Context, args BatchGetArgs) ([]*types.Entity, error)

	// List returns the entities of a type within a channel ordered by id. For
	// the channel type the channel is ignored.
	List(ctx context.Context, args ListArgs) ([]*types.Entity, error)
}

// EntityWriter writes entities.
type EntityWriter interface {
	// Set stores entity and returns the stored copy carrying its new version.
	// A zero Version writes unconditionally. Any other Version must match the
	// stored version or ErrVersionConflict is returned.
	Set(ctx context.Context, entity *types.Entity) (*types.Entity, error)
}

// Datastore is the contract every storage engine satisfies.
type Datastore interface {
	EntityReader
	EntityWriter

	// Types lists the entity types the datastore holds.
	Types() []string

	// IsReady reports whether the datastore can serve requests.
	IsReady(ctx context.Context) (ReadinessStatus, error)

	// Close releases the resources held by the datastore.
	Close()
}

// ReadinessStatus represents the readiness of a datastore.
type ReadinessStatus struct {
	// Message is a human-friendly status message for the current datastore status.
	Message string
	IsReady bool
}

// ScopeChannel returns the channel an entity of typ is stored under. Channels
// are global so they are never scoped.
func ScopeChannel(typ, channel string) string {
	if typ == types.TypeChannel {
		return ""
	}
	return channel
}

// Key is the storage address of an entity.
type Key struct {
	Type    string
	Channel string
	ID      string
}

// NewKey builds the key for an entity of typ, applying ScopeChannel.
func NewKey(typ, channel, id string) Key {
	return Key{Type: typ, Channel: ScopeChannel(typ, channel), ID: id}
}

func (k Key) String() string {
	return k.Type + ":" + k.Channel + ":" + k.ID
}

// ValidateGetArgs checks that args address an entity of a supported type.
func ValidateGetArgs(args GetArgs, supported []string) error {
	if args.ID == "" || args.Type == "" {
		return fmt.Errorf("get requires id and type: %w", ErrInvalidEntity)
	}
	if !slices.Contains(supported, args.Type) {
		return fmt.Errorf("%q: %w", args.Type, ErrUnsupportedType)
	}
	return nil
}

// ValidateEntity checks that entity can be written by a datastore holding the
// supported types.
func ValidateEntity(entity *types.Entity, supported []string) error {
	if entity == nil {
		return fmt.Errorf("nil entity: %w", ErrInvalidEntity)
	}
	if entity.ID == "" || entity.Type == "" {
		return fmt.Errorf("entity requires id and type: %w", ErrInvalidEntity)
	}
	if entity.Type != types.TypeChannel && entity.Channel == "" {
		return fmt.Errorf("%s %s requires a channel: %w", entity.Type, entity.ID, ErrInvalidEntity)
	}
	if !slices.Contains(supported, entity.Type) {
		return fmt.Errorf("%q: %w", entity.Type, ErrUnsupportedType)
	}
	return nil
}
