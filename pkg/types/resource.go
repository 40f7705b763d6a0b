package types

import "fmt"

const (
	TypeChannel    = "channel"
	TypePlatform   = "platform"
	TypeViewer     = "viewer"
	TypeVideo      = "video"
	TypeCollection = "collection"
	TypeConfig     = "config"
)

// ResourceIdentifier is the minimal reference to another entity. Two identifiers
// are equal when their ID and Type are equal; Meta is ignored.
type ResourceIdentifier struct {
	ID   string         `json:"id"`
	Type string         `json:"type"`
	Meta map[string]any `json:"meta,omitempty"`
}

// Key returns the identity of the resource as a single string.
func (r ResourceIdentifier) Key() string {
	return r.Type + ":" + r.ID
}

// Equal reports whether r and other reference the same resource.
func (r ResourceIdentifier) Equal(other ResourceIdentifier) bool {
	return r.ID == other.ID && r.Type == other.Type
}

func (r ResourceIdentifier) String() string {
	return fmt.Sprintf("%s:%s", r.Type, r.ID)
}

// Identifier returns the (id, type) pair of the entity.
func (e *Entity) Identifier() ResourceIdentifier {
	return ResourceIdentifier{ID: e.ID, Type: e.Type}
}
