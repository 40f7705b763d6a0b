package entitlement

import (
	"encoding/json"

	"github.com/oddnetworks/oddworks/pkg/types"
)

// Document is a response body: a primary payload that is a single entity or
// a list, plus the side list of included entities.
type Document struct {
	Data     []*types.Entity
	Single   bool
	Included []*types.Entity
}

func NewSingle(e *types.Entity) *Document {
	return &Document{Data: []*types.Entity{e}, Single: true}
}

func NewList(es []*types.Entity) *Document {
	return &Document{Data: es}
}

// Entities returns the primary and included entities, nils skipped.
func (d *Document) Entities() []*types.Entity {
	out := make([]*types.Entity, 0, len(d.Data)+len(d.Included))
	for _, list := range [][]*types.Entity{d.Data, d.Included} {
		for _, e := range list {
			if e != nil {
				out = append(out, e)
			}
		}
	}
	return out
}

func (d *Document) MarshalJSON() ([]byte, error) {
	body := make(map[string]any, 2)
	switch {
	case d.Single && len(d.Data) > 0:
		body["data"] = d.Data[0]
	case d.Single:
		body["data"] = nil
	case d.Data == nil:
		body["data"] = []*types.Entity{}
	default:
		body["data"] = d.Data
	}
	if d.Included != nil {
		body["included"] = d.Included
	}
	return json.Marshal(body)
}
