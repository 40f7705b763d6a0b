// Package relationship reads and edits the named relationship buckets of a
// viewer. Every mutation is a fetch, mutate and persist cycle over the bus;
// the persist is conditional on the fetched version and the whole cycle is
// retried when another writer got there first.
package relationship

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"slices"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/emirpasic/gods/sets/hashset"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	oteltrace "go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/oddnetworks/oddworks/internal/build"
	"github.com/oddnetworks/oddworks/pkg/bus"
	"github.com/oddnetworks/oddworks/pkg/identity"
	"github.com/oddnetworks/oddworks/pkg/logger"
	"github.com/oddnetworks/oddworks/pkg/storage"
	"github.com/oddnetworks/oddworks/pkg/telemetry"
	"github.com/oddnetworks/oddworks/pkg/types"
)

var tracer = otel.Tracer("oddworks/pkg/relationship")

var conflictCounter = promauto.NewCounterVec(prometheus.CounterOpts{
	Namespace: build.ProjectName,
	Name:      "relationship_version_conflict_count",
	Help:      "The total number of relationship updates that lost a version race and were retried.",
}, []string{"relationship"})

// TimestampFormat is the layout of meta.updatedAt stamped on appended resources.
const TimestampFormat = "2006-01-02T15:04:05.000Z"

// DefaultMaxRetries bounds the number of times a conflicting update is retried.
const DefaultMaxRetries = 5

// DefaultAllowedTypes are the resource types a bucket may hold.
var DefaultAllowedTypes = []string{types.TypeVideo, types.TypeCollection}

// DefaultNames are the buckets served when none are configured.
var DefaultNames = []string{"watchlist", "library", "platforms"}

type Option func(e *Engine)

func WithAllowedTypes(allowed ...string) Option {
	return func(e *Engine) {
		e.allowed = allowed
	}
}

func WithClock(now func() time.Time) Option {
	return func(e *Engine) {
		e.now = now
	}
}

func WithMaxRetries(n uint64) Option {
	return func(e *Engine) {
		e.maxRetries = n
	}
}

// WithRetryInterval sets the initial wait between conflicting attempts.
func WithRetryInterval(d time.Duration) Option {
	return func(e *Engine) {
		e.retryInterval = d
	}
}

func WithLogger(l logger.Logger) Option {
	return func(e *Engine) {
		e.logger = l
	}
}

// Engine manages one named relationship bucket.
type Engine struct {
	bus  *bus.Bus
	name string

	allowed       []string
	now           func() time.Time
	maxRetries    uint64
	retryInterval time.Duration
	logger        logger.Logger
}

func New(b *bus.Bus, name string, opts ...Option) *Engine {
	e := &Engine{
		bus:           b,
		name:          name,
		allowed:       DefaultAllowedTypes,
		now:           time.Now,
		maxRetries:    DefaultMaxRetries,
		retryInterval: 10 * time.Millisecond,
		logger:        logger.NewNoopLogger(),
	}

	for _, opt := range opts {
		opt(e)
	}

	return e
}

// Name returns the bucket the engine manages.
func (e *Engine) Name() string {
	return e.name
}

// Authorize checks that caller may act on viewerID. Admin callers may act on
// any viewer; everyone else only on the viewer their token resolved to.
func Authorize(caller *identity.Identity, viewerID string) error {
	if caller.IsAdmin() {
		return nil
	}
	if caller == nil || caller.Viewer == nil {
		return ErrUnauthorized
	}
	if caller.Viewer.ID != viewerID {
		return ErrForbidden
	}
	return nil
}

// Read returns the bucket data of viewerID. A viewer already resolved from the
// caller's token is served without a store round trip. A missing bucket reads
// as unset data.
func (e *Engine) Read(ctx context.Context, viewerID string, caller *identity.Identity) (types.RelationshipData, error) {
	if err := Authorize(caller, viewerID); err != nil {
		return types.RelationshipData{}, err
	}

	if caller.Viewer != nil && caller.Viewer.ID == viewerID {
		return bucketData(caller.Viewer, e.name), nil
	}
	if caller.ChannelID() == "" {
		return types.RelationshipData{}, ErrChannelRequired
	}

	ctx, span := tracer.Start(ctx, "relationship.Read", spanOptions(e.name, viewerID)...)
	defer span.End()

	viewer, err := e.fetch(ctx, caller.ChannelID(), viewerID)
	if err != nil {
		telemetry.TraceError(span, err)
		return types.RelationshipData{}, err
	}
	return bucketData(viewer, e.name), nil
}

// Append adds candidates to the bucket of viewerID and returns the stored
// viewer. Candidates of a type that is not allowed are dropped; when none
// remain ErrInvalidResourceType is returned. Each kept candidate is stamped
// with meta.updatedAt. A resource already in the bucket keeps its original
// position and metadata.
func (e *Engine) Append(ctx context.Context, viewerID string, caller *identity.Identity, candidates []types.ResourceIdentifier) (*types.Entity, error) {
	if err := Authorize(caller, viewerID); err != nil {
		return nil, err
	}
	if caller.ChannelID() == "" {
		return nil, ErrChannelRequired
	}

	stamp := e.now().UTC().Format(TimestampFormat)
	additions := e.filter(candidates, func(r types.ResourceIdentifier) types.ResourceIdentifier {
		return types.ResourceIdentifier{ID: r.ID, Type: r.Type, Meta: map[string]any{"updatedAt": stamp}}
	})
	if len(additions) == 0 {
		return nil, ErrInvalidResourceType
	}

	ctx, span := tracer.Start(ctx, "relationship.Append", spanOptions(e.name, viewerID)...)
	defer span.End()

	viewer, err := e.update(ctx, caller.ChannelID(), viewerID, func(current []types.ResourceIdentifier) []types.ResourceIdentifier {
		return dedup(append(current, additions...))
	})
	if err != nil {
		telemetry.TraceError(span, err)
		return nil, err
	}
	return viewer, nil
}

// Remove drops every member of the bucket of viewerID matching a candidate
// and returns the stored viewer. Candidates are filtered as in Append.
func (e *Engine) Remove(ctx context.Context, viewerID string, caller *identity.Identity, candidates []types.ResourceIdentifier) (*types.Entity, error) {
	if err := Authorize(caller, viewerID); err != nil {
		return nil, err
	}
	if caller.ChannelID() == "" {
		return nil, ErrChannelRequired
	}

	removals := e.filter(candidates, func(r types.ResourceIdentifier) types.ResourceIdentifier {
		return types.ResourceIdentifier{ID: r.ID, Type: r.Type}
	})
	if len(removals) == 0 {
		return nil, ErrInvalidResourceType
	}

	ctx, span := tracer.Start(ctx, "relationship.Remove", spanOptions(e.name, viewerID)...)
	defer span.End()

	drop := hashset.New()
	for _, r := range removals {
		drop.Add(r.Key())
	}

	viewer, err := e.update(ctx, caller.ChannelID(), viewerID, func(current []types.ResourceIdentifier) []types.ResourceIdentifier {
		return slices.DeleteFunc(current, func(r types.ResourceIdentifier) bool {
			return drop.Contains(r.Key())
		})
	})
	if err != nil {
		telemetry.TraceError(span, err)
		return nil, err
	}
	return viewer, nil
}

func (e *Engine) filter(candidates []types.ResourceIdentifier, keep func(types.ResourceIdentifier) types.ResourceIdentifier) []types.ResourceIdentifier {
	out := make([]types.ResourceIdentifier, 0, len(candidates))
	for _, r := range candidates {
		if r.ID == "" || !slices.Contains(e.allowed, r.Type) {
			continue
		}
		out = append(out, keep(r))
	}
	return out
}

func (e *Engine) fetch(ctx context.Context, channel, viewerID string) (*types.Entity, error) {
	viewer, err := storage.Get(ctx, e.bus, storage.GetArgs{ID: viewerID, Type: types.TypeViewer, Channel: channel})
	if errors.Is(err, storage.ErrNotFound) {
		return nil, viewerNotFound(viewerID)
	}
	if err != nil {
		return nil, err
	}
	return viewer, nil
}

// update runs fetch, mutate and persist until the persist is not refused with
// a version conflict or the retries run out.
func (e *Engine) update(ctx context.Context, channel, viewerID string, mutate func([]types.ResourceIdentifier) []types.ResourceIdentifier) (*types.Entity, error) {
	var stored *types.Entity
	attempt := 0

	op := func() error {
		attempt++
		viewer, err := e.fetch(ctx, channel, viewerID)
		if err != nil {
			return backoff.Permanent(err)
		}

		var current []types.ResourceIdentifier
		if bucket := viewer.Relationship(e.name); bucket != nil {
			current = bucket.Data.Items()
		}
		if viewer.Relationships == nil {
			viewer.Relationships = make(map[string]*types.Relationship)
		}
		viewer.Relationships[e.name] = &types.Relationship{Data: types.NewRelationshipData(mutate(current))}

		stored, err = storage.Set(ctx, e.bus, viewer)
		if errors.Is(err, storage.ErrVersionConflict) {
			conflictCounter.WithLabelValues(e.name).Inc()
			e.logger.DebugWithContext(ctx, "relationship update conflict",
				zap.String("relationship", e.name),
				zap.String("viewer", viewerID),
				zap.Int("attempt", attempt),
			)
			return err
		}
		if err != nil {
			return backoff.Permanent(err)
		}
		return nil
	}

	policy := backoff.NewExponentialBackOff(backoff.WithInitialInterval(e.retryInterval))
	if err := backoff.Retry(op, backoff.WithContext(backoff.WithMaxRetries(policy, e.maxRetries), ctx)); err != nil {
		return nil, err
	}
	return stored, nil
}

// dedup keeps the first occurrence of every (id, type) pair.
func dedup(items []types.ResourceIdentifier) []types.ResourceIdentifier {
	seen := hashset.New()
	out := make([]types.ResourceIdentifier, 0, len(items))
	for _, r := range items {
		if seen.Contains(r.Key()) {
			continue
		}
		seen.Add(r.Key())
		out = append(out, r)
	}
	return out
}

func bucketData(viewer *types.Entity, name string) types.RelationshipData {
	if bucket := viewer.Relationship(name); bucket != nil {
		return bucket.Data
	}
	return types.RelationshipData{}
}

func spanOptions(name, viewerID string) []oteltrace.SpanStartOption {
	return []oteltrace.SpanStartOption{oteltrace.WithAttributes(
		attribute.String("relationship", name),
		attribute.String("viewer", viewerID),
	)}
}

// DecodeCandidates reads a request body holding one resource object or an
// array of them. Elements that are not objects with a string id and type are
// skipped so that Append and Remove can report them together.
func DecodeCandidates(body []byte) ([]types.ResourceIdentifier, error) {
	var raw any
	if err := json.Unmarshal(body, &raw); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidBody, err)
	}

	var elements []any
	switch v := raw.(type) {
	case []any:
		elements = v
	case nil:
	default:
		elements = []any{v}
	}

	out := make([]types.ResourceIdentifier, 0, len(elements))
	for _, el := range elements {
		m, ok := el.(map[string]any)
		if !ok {
			continue
		}
		id, _ := m["id"].(string)
		typ, _ := m["type"].(string)
		if id == "" || typ == "" {
			continue
		}
		out = append(out, types.ResourceIdentifier{ID: id, Type: typ})
	}
	return out, nil
}
