package memory

import (
	"context"
	"slices"
	"strings"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/oddnetworks/oddworks/pkg/storage"
	"github.com/oddnetworks/oddworks/pkg/types"
)

var tracer = otel.Tracer("oddworks/pkg/storage/memory")

// StorageOption defines a function type used for configuring a [MemoryBackend] instance.
type StorageOption func(dataStore *MemoryBackend)

// WithTypes replaces the entity types the backend holds.
func WithTypes(types ...string) StorageOption {
	return func(ds *MemoryBackend) {
		ds.types = types
	}
}

// MemoryBackend provides an ephemeral memory-backed implementation of [storage.Datastore].
// Entities are copied on the way in and out so callers never share state with
// the backend. These instances may be safely shared by multiple go-routines.
type MemoryBackend struct {
	types []string

	entities map[storage.Key]*types.Entity // GUARDED_BY(mu).
	mu       sync.RWMutex
}

var _ storage.Datastore = (*MemoryBackend)(nil)

// New creates a new [MemoryBackend] given the options.
func New(opts ...StorageOption) *MemoryBackend {
	ds := &MemoryBackend{
		types:    storage.DefaultTypes,
		entities: make(map[storage.Key]*types.Entity),
	}

	for _, opt := range opts {
		opt(ds)
	}

	return ds
}

func startTrace(ctx context.Context, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return tracer.Start(ctx, "memory."+name, trace.WithAttributes(attrs...))
}

// Get see [storage.EntityReader].Get.
func (s *MemoryBackend) Get(ctx context.Context, args storage.GetArgs) (*types.Entity, error) {
	_, span := startTrace(ctx, "Get", attribute.String("type", args.Type), attribute.String("id", args.ID))
	defer span.End()

	if err := storage.ValidateGetArgs(args, s.types); err != nil {
		return nil, err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	entity, ok := s.entities[storage.NewKey(args.Type, args.Channel, args.ID)]
	if !ok {
		return nil, storage.NotFoundError(args.Type, args.ID)
	}
	return entity.Clone(), nil
}

// BatchGet see [storage.EntityReader].BatchGet.
func (s *MemoryBackend) BatchGet(ctx context.Context, args storage.BatchGetArgs) ([]*types.Entity, error) {
	_, span := startTrace(ctx, "BatchGet", attribute.Int("keys", len(args.Keys)))
	defer span.End()

	s.mu.RLock()
	defer s.mu.RUnlock()

	res := make([]*types.Entity, len(args.Keys))
	for i, k := range args.Keys {
		if entity, ok := s.entities[storage.NewKey(k.Type, args.Channel, k.ID)]; ok {
			res[i] = entity.Clone()
		}
	}
	return res, nil
}

// List see [storage.EntityReader].List.
func (s *MemoryBackend) List(ctx context.Context, args storage.ListArgs) ([]*types.Entity, error) {
	_, span := startTrace(ctx, "List", attribute.String("type", args.Type))
	defer span.End()

	channel := storage.ScopeChannel(args.Type, args.Channel)

	s.mu.RLock()
	res := make([]*types.Entity, 0)
	for k, entity := range s.entities {
		if k.Type == args.Type && k.Channel == channel {
			res = append(res, entity.Clone())
		}
	}
	s.mu.RUnlock()

	slices.SortFunc(res, func(a, b *types.Entity) int {
		return strings.Compare(a.ID, b.ID)
	})
	return res, nil
}

// Set see [storage.EntityWriter].Set.
func (s *MemoryBackend) Set(ctx context.Context, entity *types.Entity) (*types.Entity, error) {
	_, span := startTrace(ctx, "Set")
	defer span.End()

	if err := storage.ValidateEntity(entity, s.types); err != nil {
		return nil, err
	}
	span.SetAttributes(attribute.String("type", entity.Type), attribute.String("id", entity.ID))

	key := storage.NewKey(entity.Type, entity.Channel, entity.ID)

	s.mu.Lock()
	defer s.mu.Unlock()

	var current int64
	if existing, ok := s.entities[key]; ok {
		current = existing.Version
	}
	if entity.Version != 0 && entity.Version != current {
		return nil, storage.VersionConflictError(entity.Type, entity.ID, entity.Version)
	}

	stored := entity.Clone()
	stored.Version = current + 1
	s.entities[key] = stored

	return stored.Clone(), nil
}

// Types see [storage.Datastore].Types.
func (s *MemoryBackend) Types() []string {
	return slices.Clone(s.types)
}

// IsReady see [storage.Datastore].IsReady.
func (s *MemoryBackend) IsReady(context.Context) (storage.ReadinessStatus, error) {
	return storage.ReadinessStatus{IsReady: true}, nil
}

// Close does not do anything for [MemoryBackend].
func (s *MemoryBackend) Close() {}
