package types

import (
	"encoding/json"
	"fmt"
)

// Entity is any document held by a store: channels, platforms, viewers,
// videos, collections and derived configs.
type Entity struct {
	ID            string
	Type          string
	Channel       string
	Relationships map[string]*Relationship
	Meta          map[string]any

	// Fields holds every other top-level key of the JSON document.
	Fields map[string]any

	// Version is the compare-and-swap token owned by the store engines. It is
	// not part of the JSON document.
	Version int64
}

var reservedKeys = map[string]struct{}{
	"id":            {},
	"type":          {},
	"channel":       {},
	"relationships": {},
	"meta":          {},
}

func (e *Entity) MarshalJSON() ([]byte, error) {
	doc := make(map[string]any, len(e.Fields)+5)
	for k, v := range e.Fields {
		if _, ok := reservedKeys[k]; ok {
			continue
		}
		doc[k] = v
	}
	doc["id"] = e.ID
	doc["type"] = e.Type
	if e.Channel != "" {
		doc["channel"] = e.Channel
	}
	if e.Relationships != nil {
		doc["relationships"] = e.Relationships
	}
	if e.Meta != nil {
		doc["meta"] = e.Meta
	}
	return json.Marshal(doc)
}

func (e *Entity) UnmarshalJSON(b []byte) error {
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(b, &raw); err != nil {
		return err
	}

	out := Entity{Version: e.Version}
	for k, v := range raw {
		var err error
		switch k {
		case "id":
			err = json.Unmarshal(v, &out.ID)
		case "type":
			err = json.Unmarshal(v, &out.Type)
		case "channel":
			err = json.Unmarshal(v, &out.Channel)
		case "relationships":
			err = json.Unmarshal(v, &out.Relationships)
		case "meta":
			err = json.Unmarshal(v, &out.Meta)
		default:
			var value any
			err = json.Unmarshal(v, &value)
			if err == nil {
				if out.Fields == nil {
					out.Fields = make(map[string]any)
				}
				out.Fields[k] = value
			}
		}
		if err != nil {
			return fmt.Errorf("entity key %q: %w", k, err)
		}
	}

	*e = out
	return nil
}

// Clone returns a deep copy of e, Version included.
func (e *Entity) Clone() *Entity {
	if e == nil {
		return nil
	}
	b, err := json.Marshal(e)
	if err != nil {
		// every value in an Entity came from JSON or from JSON-compatible callers
		panic(fmt.Sprintf("entity %s is not JSON encodable: %v", e.Identifier(), err))
	}
	clone := &Entity{}
	if err := json.Unmarshal(b, clone); err != nil {
		panic(fmt.Sprintf("entity %s does not round trip: %v", e.Identifier(), err))
	}
	clone.Version = e.Version
	return clone
}

// AsMap returns the JSON document of e as a generic map.
func (e *Entity) AsMap() map[string]any {
	if e == nil {
		return map[string]any{}
	}
	b, err := json.Marshal(e)
	if err != nil {
		return map[string]any{}
	}
	var m map[string]any
	if err := json.Unmarshal(b, &m); err != nil {
		return map[string]any{}
	}
	return m
}

// Relationship returns the named bucket, or nil when it does not exist.
func (e *Entity) Relationship(name string) *Relationship {
	if e == nil || e.Relationships == nil {
		return nil
	}
	return e.Relationships[name]
}

// Lookup walks Fields along path and returns the value found there.
func (e *Entity) Lookup(path ...string) (any, bool) {
	if e == nil || len(path) == 0 {
		return nil, false
	}
	var current any = e.Fields
	for _, key := range path {
		m, ok := current.(map[string]any)
		if !ok {
			return nil, false
		}
		current, ok = m[key]
		if !ok {
			return nil, false
		}
	}
	return current, true
}

// SetMeta sets a key on the entity meta object, creating it if needed.
func (e *Entity) SetMeta(key string, value any) {
	if e.Meta == nil {
		e.Meta = make(map[string]any)
	}
	e.Meta[key] = value
}

// FromMap builds an entity from a generic JSON document.
func FromMap(doc map[string]any) (*Entity, error) {
	b, err := json.Marshal(doc)
	if err != nil {
		return nil, err
	}
	e := &Entity{}
	if err := json.Unmarshal(b, e); err != nil {
		return nil, err
	}
	return e, nil
}
