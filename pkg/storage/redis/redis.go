// Package redis implements [storage.Datastore] on Redis. Every entity is a hash
// holding its JSON body and version, and a sorted set per (type, channel)
// indexes entity ids for List.
package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"slices"
	"strconv"
	"strings"

	"github.com/redis/go-redis/v9"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/oddnetworks/oddworks/pkg/storage"
	"github.com/oddnetworks/oddworks/pkg/types"
)

var tracer = otel.Tracer("oddworks/pkg/storage/redis")

const (
	defaultKeyPrefix = "oddworks"

	fieldBody    = "body"
	fieldVersion = "version"
)

var ErrAddrMissing = errors.New("redis addresses must be specified")

type options func(s *Datastore)

func WithAddr(addrs string) options {
	return func(s *Datastore) {
		s.addrs = strings.Split(addrs, ",")
	}
}

func WithUserCredential(credential string) options {
	return func(s *Datastore) {
		s.userCredential = credential
	}
}

func WithPassCredential(credential string) options {
	return func(s *Datastore) {
		s.passCredential = credential
	}
}

func WithDatabase(db int) options {
	return func(s *Datastore) {
		s.db = db
	}
}

// WithKeyPrefix namespaces every key written by the datastore.
func WithKeyPrefix(prefix string) options {
	return func(s *Datastore) {
		s.prefix = prefix
	}
}

// WithTypes replaces the entity types the datastore holds.
func WithTypes(types ...string) options {
	return func(s *Datastore) {
		s.types = types
	}
}

// WithClient uses an existing client instead of dialing the configured addresses.
func WithClient(client redis.UniversalClient) options {
	return func(s *Datastore) {
		s.client = client
	}
}

// Datastore is a Redis implementation of [storage.Datastore]. These instances
// may be safely shared by multiple go-routines.
type Datastore struct {
	db             int
	addrs          []string
	userCredential string
	passCredential string
	prefix         string
	types          []string
	client         redis.UniversalClient
}

var _ storage.Datastore = (*Datastore)(nil)

// New creates a Redis datastore.
func New(opts ...options) (*Datastore, error) {
	s := &Datastore{
		prefix: defaultKeyPrefix,
		types:  storage.DefaultTypes,
	}

	for _, opt := range opts {
		opt(s)
	}

	if s.client != nil {
		return s, nil
	}

	if err := s.validate(); err != nil {
		return nil, err
	}

	s.client = redis.NewUniversalClient(&redis.UniversalOptions{
		Addrs:    s.addrs,
		Username: s.userCredential,
		Password: s.passCredential,
		DB:       s.db,
	})

	return s, nil
}

func (s *Datastore) validate() error {
	if len(s.addrs) == 0 || s.addrs[0] == "" {
		return ErrAddrMissing
	}
	return nil
}

func startTrace(ctx context.Context, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return tracer.Start(ctx, "redis."+name, trace.WithAttributes(attrs...))
}

// slot is the hash tag shared by an entity and its index so both live on the
// same cluster node.
func (s *Datastore) slot(typ, channel string) string {
	return s.prefix + ":{" + typ + ":" + channel + "}"
}

func (s *Datastore) entityKey(key storage.Key) string {
	return s.slot(key.Type, key.Channel) + ":" + key.ID
}

func (s *Datastore) indexKey(typ, channel string) string {
	return s.slot(typ, channel) + ":ids"
}

// Get see [storage.EntityReader].Get.
func (s *Datastore) Get(ctx context.Context, args storage.GetArgs) (*types.Entity, error) {
	ctx, span := startTrace(ctx, "Get", attribute.String("type", args.Type), attribute.String("id", args.ID))
	defer span.End()

	if err := storage.ValidateGetArgs(args, s.types); err != nil {
		return nil, err
	}

	vals, err := s.client.HMGet(ctx, s.entityKey(storage.NewKey(args.Type, args.Channel, args.ID)), fieldBody, fieldVersion).Result()
	if err != nil {
		return nil, err
	}

	entity, err := decodeEntity(vals)
	if err != nil {
		return nil, err
	}
	if entity == nil {
		return nil, storage.NotFoundError(args.Type, args.ID)
	}
	return entity, nil
}

// BatchGet see [storage.EntityReader].BatchGet.
func (s *Datastore) BatchGet(ctx context.Context, args storage.BatchGetArgs) ([]*types.Entity, error) {
	ctx, span := startTrace(ctx, "BatchGet", attribute.Int("keys", len(args.Keys)))
	defer span.End()

	keys := make([]string, len(args.Keys))
	for i, k := range args.Keys {
		keys[i] = s.entityKey(storage.NewKey(k.Type, args.Channel, k.ID))
	}
	return s.fetch(ctx, keys)
}

// List see [storage.EntityReader].List.
func (s *Datastore) List(ctx context.Context, args storage.ListArgs) ([]*types.Entity, error) {
	ctx, span := startTrace(ctx, "List", attribute.String("type", args.Type))
	defer span.End()

	channel := storage.ScopeChannel(args.Type, args.Channel)

	// members share score 0 so ZRange returns them in lexical order
	ids, err := s.client.ZRange(ctx, s.indexKey(args.Type, channel), 0, -1).Result()
	if err != nil {
		return nil, err
	}

	keys := make([]string, len(ids))
	for i, id := range ids {
		keys[i] = s.entityKey(storage.Key{Type: args.Type, Channel: channel, ID: id})
	}

	found, err := s.fetch(ctx, keys)
	if err != nil {
		return nil, err
	}
	return slices.DeleteFunc(found, func(e *types.Entity) bool { return e == nil }), nil
}

func (s *Datastore) fetch(ctx context.Context, keys []string) ([]*types.Entity, error) {
	res := make([]*types.Entity, len(keys))
	if len(keys) == 0 {
		return res, nil
	}

	cmds := make([]*redis.SliceCmd, len(keys))
	_, err := s.client.Pipelined(ctx, func(pipe redis.Pipeliner) error {
		for i, key := range keys {
			cmds[i] = pipe.HMGet(ctx, key, fieldBody, fieldVersion)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	for i, cmd := range cmds {
		entity, err := decodeEntity(cmd.Val())
		if err != nil {
			return nil, err
		}
		res[i] = entity
	}
	return res, nil
}

// Set see [storage.EntityWriter].Set.
func (s *Datastore) Set(ctx context.Context, entity *types.Entity) (*types.Entity, error) {
	ctx, span := startTrace(ctx, "Set")
	defer span.End()

	if err := storage.ValidateEntity(entity, s.types); err != nil {
		return nil, err
	}
	span.SetAttributes(attribute.String("type", entity.Type), attribute.String("id", entity.ID))

	body, err := json.Marshal(entity)
	if err != nil {
		return nil, fmt.Errorf("encode %s: %w", entity.Identifier(), err)
	}

	key := storage.NewKey(entity.Type, entity.Channel, entity.ID)
	entityKey := s.entityKey(key)
	indexKey := s.indexKey(key.Type, key.Channel)

	var next int64
	err = s.client.Watch(ctx, func(tx *redis.Tx) error {
		vals, err := tx.HMGet(ctx, entityKey, fieldVersion).Result()
		if err != nil {
			return err
		}

		current, err := parseVersion(vals[0])
		if err != nil {
			return err
		}
		if entity.Version != 0 && entity.Version != current {
			return storage.VersionConflictError(entity.Type, entity.ID, entity.Version)
		}

		next = current + 1
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.HSet(ctx, entityKey, fieldBody, string(body), fieldVersion, next)
			pipe.ZAdd(ctx, indexKey, redis.Z{Score: 0, Member: key.ID})
			return nil
		})
		return err
	}, entityKey)
	if errors.Is(err, redis.TxFailedErr) {
		return nil, storage.VersionConflictError(entity.Type, entity.ID, entity.Version)
	}
	if err != nil {
		return nil, err
	}

	stored := entity.Clone()
	stored.Version = next
	return stored, nil
}

// Types see [storage.Datastore].Types.
func (s *Datastore) Types() []string {
	return slices.Clone(s.types)
}

// IsReady see [storage.Datastore].IsReady.
func (s *Datastore) IsReady(ctx context.Context) (storage.ReadinessStatus, error) {
	if err := s.client.Ping(ctx).Err(); err != nil {
		return storage.ReadinessStatus{}, err
	}
	return storage.ReadinessStatus{IsReady: true}, nil
}

// Close closes the client connection.
func (s *Datastore) Close() {
	_ = s.client.Close()
}

func parseVersion(v any) (int64, error) {
	if v == nil {
		return 0, nil
	}
	str, ok := v.(string)
	if !ok {
		return 0, fmt.Errorf("unexpected version value %T", v)
	}
	return strconv.ParseInt(str, 10, 64)
}

// decodeEntity turns an HMGET reply for body and version into an entity. A
// missing hash decodes to nil.
func decodeEntity(vals []any) (*types.Entity, error) {
	if len(vals) < 2 || vals[0] == nil {
		return nil, nil
	}

	body, ok := vals[0].(string)
	if !ok {
		return nil, fmt.Errorf("unexpected body value %T", vals[0])
	}
	version, err := parseVersion(vals[1])
	if err != nil {
		return nil, err
	}

	entity := &types.Entity{}
	if err := json.Unmarshal([]byte(body), entity); err != nil {
		return nil, fmt.Errorf("decode entity: %w", err)
	}
	entity.Version = version
	return entity, nil
}
