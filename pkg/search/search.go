// Package search answers {store,query} full-text queries over the catalog and
// rebuilds its index on {store,index,T} commands. The index holds identifiers
// only; matched entities are resolved through a {store,batchGet} round trip.
package search

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strconv"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"

	"github.com/oddnetworks/oddworks/pkg/bus"
	"github.com/oddnetworks/oddworks/pkg/logger"
	"github.com/oddnetworks/oddworks/pkg/storage"
	"github.com/oddnetworks/oddworks/pkg/types"
)

var tracer = otel.Tracer("oddworks/pkg/search")

const (
	DefaultSize = 50
	MaxSize     = 10000
)

var ErrQueryRequired = errors.New("query is required")

// FullQuery carries the raw query options.
type FullQuery struct {
	Size *int `json:"size,omitempty"`
}

// Args is the payload of a {store,query} query.
type Args struct {
	Query     string    `json:"query"`
	Channel   string    `json:"channel"`
	Types     []string  `json:"types,omitempty"`
	FullQuery FullQuery `json:"fullQuery"`
}

// ParseSize reads a size query parameter. Anything that is not an integer
// leaves the size unset.
func ParseSize(raw string) *int {
	n, err := strconv.Atoi(raw)
	if err != nil {
		return nil
	}
	return &n
}

// ResultSize resolves the requested size: unset or non-positive sizes default
// to DefaultSize and large sizes are clamped to MaxSize.
func (f FullQuery) ResultSize() int {
	if f.Size == nil || *f.Size <= 0 {
		return DefaultSize
	}
	return min(*f.Size, MaxSize)
}

type Option func(s *Service)

func WithLogger(l logger.Logger) Option {
	return func(s *Service) {
		s.logger = l
	}
}

// WithTypes sets the types searched when a query names none.
func WithTypes(types ...string) Option {
	return func(s *Service) {
		s.types = types
	}
}

// WithIndex replaces the index, for instance to restrict the indexed fields.
func WithIndex(ix *Index) Option {
	return func(s *Service) {
		s.index = ix
	}
}

// Service implements the search handlers on top of the bus.
type Service struct {
	bus    *bus.Bus
	index  *Index
	types  []string
	logger logger.Logger
}

func New(b *bus.Bus, opts ...Option) *Service {
	s := &Service{
		bus:    b,
		index:  NewIndex(),
		types:  storage.DefaultTypes,
		logger: logger.NewNoopLogger(),
	}

	for _, opt := range opts {
		opt(s)
	}

	return s
}

// Types returns the searchable types.
func (s *Service) Types() []string {
	return s.types
}

// Query runs args against the index and resolves every hit to entities. Each
// hit id is expanded to one key per type in the filter; keys that resolve to
// nothing are dropped.
func (s *Service) Query(ctx context.Context, args Args) ([]*types.Entity, error) {
	ctx, span := tracer.Start(ctx, "search.Query")
	defer span.End()

	if args.Query == "" {
		return nil, ErrQueryRequired
	}

	typeFilter := args.Types
	if len(typeFilter) == 0 {
		typeFilter = s.types
	}
	size := args.FullQuery.ResultSize()
	span.SetAttributes(attribute.String("channel", args.Channel), attribute.Int("size", size))

	ids := s.index.Search(args.Channel, typeFilter, args.Query, size)

	keys := make([]types.ResourceIdentifier, 0, len(ids)*len(typeFilter))
	for _, id := range ids {
		for _, typ := range typeFilter {
			keys = append(keys, types.ResourceIdentifier{ID: id, Type: typ})
		}
	}
	if len(keys) == 0 {
		return []*types.Entity{}, nil
	}

	found, err := storage.BatchGet(ctx, s.bus, storage.BatchGetArgs{Channel: args.Channel, Keys: keys})
	if err != nil {
		return nil, err
	}
	return slices.DeleteFunc(found, func(e *types.Entity) bool { return e == nil }), nil
}

// Index rebuilds the index for typ from the store. It is idempotent and safe
// to run while queries are served.
func (s *Service) Index(ctx context.Context, typ string) error {
	ctx, span := tracer.Start(ctx, "search.Index")
	defer span.End()

	channels, err := storage.List(ctx, s.bus, storage.ListArgs{Type: types.TypeChannel})
	if err != nil {
		return fmt.Errorf("list channels: %w", err)
	}

	var entities []*types.Entity
	if typ == types.TypeChannel {
		entities = channels
	} else {
		for _, channel := range channels {
			batch, err := storage.List(ctx, s.bus, storage.ListArgs{Type: typ, Channel: channel.ID})
			if err != nil {
				return fmt.Errorf("list %s in %s: %w", typ, channel.ID, err)
			}
			entities = append(entities, batch...)
		}
	}

	s.index.Replace(typ, entities)
	s.logger.DebugWithContext(ctx, "search index rebuilt", zap.String("type", typ), zap.Int("documents", len(entities)))
	return nil
}

// Register binds the broad {store,query} query and a {store,index,T} command
// for every searchable type.
func Register(b *bus.Bus, s *Service) error {
	if err := b.RegisterQueryHandler(storage.QueryPattern, func(ctx context.Context, args any) (any, error) {
		a, ok := args.(Args)
		if !ok {
			return nil, fmt.Errorf("query got %T: %w", args, storage.ErrInvalidArgs)
		}
		return s.Query(ctx, a)
	}); err != nil {
		return err
	}

	for _, typ := range s.types {
		if err := b.RegisterCommandHandler(storage.IndexPattern(typ), func(ctx context.Context, _ any) (any, error) {
			return true, s.Index(ctx, typ)
		}); err != nil {
			return err
		}
	}
	return nil
}

// Query is the typed form of a {store,query} query.
func Query(ctx context.Context, b *bus.Bus, args Args) ([]*types.Entity, error) {
	return bus.QueryAs[[]*types.Entity](ctx, b, storage.QueryPattern, args)
}
