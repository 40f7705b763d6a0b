package search

import (
	"cmp"
	"slices"
	"strings"
	"sync"
	"unicode"

	"github.com/oddnetworks/oddworks/pkg/types"
)

type document struct {
	id     string
	typ    string
	tokens map[string]struct{}
}

// Index is an in-memory inverted index of entity text fields, partitioned by
// channel and type. These instances may be safely shared by multiple
// go-routines; a rebuild of one type never exposes a partial view to queries.
type Index struct {
	fields []string

	// channel => type => id => document
	docs map[string]map[string]map[string]*document // GUARDED_BY(mu).
	mu   sync.RWMutex
}

// NewIndex creates an empty index over fields. Without fields every top-level
// string field of an entity is indexed.
func NewIndex(fields ...string) *Index {
	return &Index{
		fields: fields,
		docs:   make(map[string]map[string]map[string]*document),
	}
}

// Replace swaps every document of typ for the given entities. Entities of the
// channel type are partitioned under their own id.
func (ix *Index) Replace(typ string, entities []*types.Entity) {
	next := make(map[string]map[string]*document)
	for _, e := range entities {
		channel := e.Channel
		if typ == types.TypeChannel {
			channel = e.ID
		}
		if next[channel] == nil {
			next[channel] = make(map[string]*document)
		}
		next[channel][e.ID] = &document{id: e.ID, typ: typ, tokens: ix.tokensOf(e)}
	}

	ix.mu.Lock()
	defer ix.mu.Unlock()

	for channel, byType := range ix.docs {
		delete(byType, typ)
		if len(byType) == 0 {
			delete(ix.docs, channel)
		}
	}
	for channel, docs := range next {
		if ix.docs[channel] == nil {
			ix.docs[channel] = make(map[string]map[string]*document)
		}
		ix.docs[channel][typ] = docs
	}
}

type hit struct {
	id    string
	exact int
}

// Search returns the ids of documents in channel whose type is in typeFilter
// and that match every query term, either exactly or as a prefix. Exact
// matches rank first; ties are ordered by id. At most size ids are returned and
// an id is returned once even when several types hold it.
func (ix *Index) Search(channel string, typeFilter []string, query string, size int) []string {
	terms := tokenize(query)
	if len(terms) == 0 || size <= 0 {
		return []string{}
	}

	ix.mu.RLock()
	best := make(map[string]int)
	for _, typ := range typeFilter {
		for id, doc := range ix.docs[channel][typ] {
			exact, ok := doc.match(terms)
			if !ok {
				continue
			}
			if prev, seen := best[id]; !seen || exact > prev {
				best[id] = exact
			}
		}
	}
	ix.mu.RUnlock()

	hits := make([]hit, 0, len(best))
	for id, exact := range best {
		hits = append(hits, hit{id: id, exact: exact})
	}
	slices.SortFunc(hits, func(a, b hit) int {
		if c := cmp.Compare(b.exact, a.exact); c != 0 {
			return c
		}
		return strings.Compare(a.id, b.id)
	})

	if len(hits) > size {
		hits = hits[:size]
	}
	ids := make([]string, len(hits))
	for i, h := range hits {
		ids[i] = h.id
	}
	return ids
}

// match reports whether every term matches a token of the document and how
// many of them matched exactly.
func (d *document) match(terms []string) (int, bool) {
	exact := 0
	for _, term := range terms {
		if _, ok := d.tokens[term]; ok {
			exact++
			continue
		}
		found := false
		for token := range d.tokens {
			if strings.HasPrefix(token, term) {
				found = true
				break
			}
		}
		if !found {
			return 0, false
		}
	}
	return exact, true
}

func (ix *Index) tokensOf(e *types.Entity) map[string]struct{} {
	tokens := make(map[string]struct{})
	add := func(v any) {
		s, ok := v.(string)
		if !ok {
			return
		}
		for _, t := range tokenize(s) {
			tokens[t] = struct{}{}
		}
	}

	if len(ix.fields) == 0 {
		for _, v := range e.Fields {
			add(v)
		}
		return tokens
	}

	for _, field := range ix.fields {
		v, _ := e.Lookup(strings.Split(field, ".")...)
		add(v)
	}
	return tokens
}

func tokenize(s string) []string {
	return strings.FieldsFunc(strings.ToLower(s), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsNumber(r)
	})
}
