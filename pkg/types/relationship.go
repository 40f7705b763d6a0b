package types

import (
	"bytes"
	"encoding/json"
	"fmt"
)

type RelationshipKind int

const (
	// RelationshipUnset is a bucket without data. It encodes as null.
	RelationshipUnset RelationshipKind = iota
	// RelationshipEmpty encodes as [].
	RelationshipEmpty
	// RelationshipSingle encodes as a bare resource object.
	RelationshipSingle
	// RelationshipMany encodes as an array.
	RelationshipMany
)

func (k RelationshipKind) String() string {
	switch k {
	case RelationshipUnset:
		return "unset"
	case RelationshipEmpty:
		return "empty"
	case RelationshipSingle:
		return "single"
	case RelationshipMany:
		return "many"
	default:
		return fmt.Sprintf("RelationshipKind(%d)", int(k))
	}
}

// RelationshipData is the payload of a relationship bucket: nothing, a single
// resource identifier or a sequence of them.
//
// Decoding keeps whatever form was stored, so a one element array read from a
// store stays an array. NewRelationshipData applies the collapse rule used on
// every write: zero members is an empty array, one member is a bare object and
// two or more members is an array.
type RelationshipData struct {
	kind  RelationshipKind
	items []ResourceIdentifier
}

// NewRelationshipData builds collapsed relationship data from items.
func NewRelationshipData(items []ResourceIdentifier) RelationshipData {
	switch len(items) {
	case 0:
		return RelationshipData{kind: RelationshipEmpty, items: []ResourceIdentifier{}}
	case 1:
		return RelationshipData{kind: RelationshipSingle, items: []ResourceIdentifier{items[0]}}
	default:
		cp := make([]ResourceIdentifier, len(items))
		copy(cp, items)
		return RelationshipData{kind: RelationshipMany, items: cp}
	}
}

func (d RelationshipData) Kind() RelationshipKind {
	return d.kind
}

// IsSet is false for data that encodes as null.
func (d RelationshipData) IsSet() bool {
	return d.kind != RelationshipUnset
}

// Items returns the members in sequence form regardless of the encoding.
func (d RelationshipData) Items() []ResourceIdentifier {
	out := make([]ResourceIdentifier, len(d.items))
	copy(out, d.items)
	return out
}

func (d RelationshipData) Len() int {
	return len(d.items)
}

func (d RelationshipData) MarshalJSON() ([]byte, error) {
	switch d.kind {
	case RelationshipUnset:
		return []byte("null"), nil
	case RelationshipEmpty:
		return []byte("[]"), nil
	case RelationshipSingle:
		return json.Marshal(d.items[0])
	default:
		return json.Marshal(d.items)
	}
}

func (d *RelationshipData) UnmarshalJSON(b []byte) error {
	trimmed := bytes.TrimSpace(b)
	switch {
	case len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null")):
		*d = RelationshipData{}
	case trimmed[0] == '[':
		var items []ResourceIdentifier
		if err := json.Unmarshal(trimmed, &items); err != nil {
			return fmt.Errorf("relationship data: %w", err)
		}
		if len(items) == 0 {
			*d = RelationshipData{kind: RelationshipEmpty, items: []ResourceIdentifier{}}
			return nil
		}
		*d = RelationshipData{kind: RelationshipMany, items: items}
	case trimmed[0] == '{':
		var item ResourceIdentifier
		if err := json.Unmarshal(trimmed, &item); err != nil {
			return fmt.Errorf("relationship data: %w", err)
		}
		*d = RelationshipData{kind: RelationshipSingle, items: []ResourceIdentifier{item}}
	default:
		return fmt.Errorf("relationship data: unexpected JSON %q", string(trimmed))
	}
	return nil
}

// Relationship is a named bucket on an entity.
type Relationship struct {
	Data RelationshipData `json:"data"`
}
