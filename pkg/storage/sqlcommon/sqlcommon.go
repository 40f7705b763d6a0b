// Package sqlcommon holds the SQL implementation of [storage.Datastore] shared
// by the sqlite, postgres and mysql engines.
package sqlcommon

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"slices"
	"strconv"
	"strings"
	"time"

	sq "github.com/Masterminds/squirrel"
	"github.com/go-sql-driver/mysql"
	"github.com/pressly/goose/v3"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/oddnetworks/oddworks/internal/build"
	"github.com/oddnetworks/oddworks/pkg/logger"
	"github.com/oddnetworks/oddworks/pkg/storage"
	"github.com/oddnetworks/oddworks/pkg/types"
)

var tracer = otel.Tracer("oddworks/pkg/storage/sqlcommon")

const entityTable = "entity"

// Config defines the configuration parameters
// for setting up and managing a sql connection.
type Config struct {
	Username string
	Password string
	Logger   logger.Logger
	Types    []string

	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxIdleTime time.Duration
	ConnMaxLifetime time.Duration

	ExportMetrics bool
}

// DatastoreOption defines a function type
// used for configuring a Config object.
type DatastoreOption func(*Config)

// WithUsername returns a DatastoreOption that sets the username in the Config.
func WithUsername(username string) DatastoreOption {
	return func(config *Config) {
		config.Username = username
	}
}

// WithPassword returns a DatastoreOption that sets the password in the Config.
func WithPassword(password string) DatastoreOption {
	return func(config *Config) {
		config.Password = password
	}
}

// WithLogger returns a DatastoreOption that sets the Logger in the Config.
func WithLogger(l logger.Logger) DatastoreOption {
	return func(cfg *Config) {
		cfg.Logger = l
	}
}

// WithTypes returns a DatastoreOption that sets the entity types held by the datastore.
func WithTypes(types ...string) DatastoreOption {
	return func(cfg *Config) {
		cfg.Types = types
	}
}

func WithMaxOpenConns(c int) DatastoreOption {
	return func(cfg *Config) {
		cfg.MaxOpenConns = c
	}
}

func WithMaxIdleConns(c int) DatastoreOption {
	return func(cfg *Config) {
		cfg.MaxIdleConns = c
	}
}

func WithConnMaxIdleTime(d time.Duration) DatastoreOption {
	return func(cfg *Config) {
		cfg.ConnMaxIdleTime = d
	}
}

func WithConnMaxLifetime(d time.Duration) DatastoreOption {
	return func(cfg *Config) {
		cfg.ConnMaxLifetime = d
	}
}

// WithMetrics returns a DatastoreOption that
// enables the export of connection pool metrics.
func WithMetrics() DatastoreOption {
	return func(cfg *Config) {
		cfg.ExportMetrics = true
	}
}

// NewConfig creates a new Config instance with default values
// and applies any provided DatastoreOption modifications.
func NewConfig(opts ...DatastoreOption) *Config {
	cfg := &Config{}

	for _, opt := range opts {
		opt(cfg)
	}

	if cfg.Logger == nil {
		cfg.Logger = logger.NewNoopLogger()
	}

	if len(cfg.Types) == 0 {
		cfg.Types = storage.DefaultTypes
	}

	return cfg
}

// ApplyPool sets the connection pool limits of cfg on db.
func ApplyPool(db *sql.DB, cfg *Config) {
	if cfg.MaxOpenConns != 0 {
		db.SetMaxOpenConns(cfg.MaxOpenConns)
	}
	if cfg.MaxIdleConns != 0 {
		db.SetMaxIdleConns(cfg.MaxIdleConns)
	}
	if cfg.ConnMaxIdleTime != 0 {
		db.SetConnMaxIdleTime(cfg.ConnMaxIdleTime)
	}
	if cfg.ConnMaxLifetime != 0 {
		db.SetConnMaxLifetime(cfg.ConnMaxLifetime)
	}
}

type errorHandlerFn func(error) error

// Datastore is a SQL implementation of [storage.Datastore]. Every entity is a
// row keyed by (type, channel, id) holding the JSON document and its version.
// These instances may be safely shared by multiple go-routines.
type Datastore struct {
	engine           string
	db               *sql.DB
	stbl             sq.StatementBuilderType
	handleSQLError   errorHandlerFn
	logger           logger.Logger
	types            []string
	dbStatsCollector prometheus.Collector
}

var _ storage.Datastore = (*Datastore)(nil)

// New wraps an open database. engine doubles as the goose dialect, placeholder
// is the bind variable format of the driver and handleSQLError maps driver
// errors onto the storage errors.
func New(engine string, db *sql.DB, placeholder sq.PlaceholderFormat, handleSQLError errorHandlerFn, cfg *Config) (*Datastore, error) {
	if err := goose.SetDialect(engine); err != nil {
		return nil, fmt.Errorf("set database dialect: %w", err)
	}

	var collector prometheus.Collector
	if cfg.ExportMetrics {
		collector = collectors.NewDBStatsCollector(db, build.ProjectName)
		if err := prometheus.Register(collector); err != nil {
			return nil, fmt.Errorf("initialize metrics: %w", err)
		}
	}

	return &Datastore{
		engine:           engine,
		db:               db,
		stbl:             sq.StatementBuilder.PlaceholderFormat(placeholder).RunWith(db),
		handleSQLError:   handleSQLError,
		logger:           cfg.Logger,
		types:            cfg.Types,
		dbStatsCollector: collector,
	}, nil
}

func (s *Datastore) startTrace(ctx context.Context, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return tracer.Start(ctx, s.engine+"."+name, trace.WithAttributes(attrs...))
}

// Close see [storage.Datastore].Close.
func (s *Datastore) Close() {
	if s.dbStatsCollector != nil {
		prometheus.Unregister(s.dbStatsCollector)
	}
	if err := s.db.Close(); err != nil {
		s.logger.Error("failed to close database", zap.String("engine", s.engine), zap.Error(err))
	}
}

// Types see [storage.Datastore].Types.
func (s *Datastore) Types() []string {
	return slices.Clone(s.types)
}

// DB returns the underlying database handle.
func (s *Datastore) DB() *sql.DB {
	return s.db
}

// IsReady see [storage.Datastore].IsReady.
func (s *Datastore) IsReady(ctx context.Context) (storage.ReadinessStatus, error) {
	return IsReady(ctx, false, s.db)
}

// Get see [storage.EntityReader].Get.
func (s *Datastore) Get(ctx context.Context, args storage.GetArgs) (*types.Entity, error) {
	ctx, span := s.startTrace(ctx, "Get", attribute.String("type", args.Type), attribute.String("id", args.ID))
	defer span.End()

	if err := storage.ValidateGetArgs(args, s.types); err != nil {
		return nil, err
	}

	key := storage.NewKey(args.Type, args.Channel, args.ID)

	var body []byte
	var version int64
	err := s.stbl.
		Select("body", "version").
		From(entityTable).
		Where(keyPredicate(key)).
		QueryRowContext(ctx).
		Scan(&body, &version)
	if err != nil {
		err = s.handleSQLError(err)
		if errors.Is(err, storage.ErrNotFound) {
			return nil, storage.NotFoundError(args.Type, args.ID)
		}
		return nil, err
	}

	return decodeEntity(body, version)
}

// BatchGet see [storage.EntityReader].BatchGet.
func (s *Datastore) BatchGet(ctx context.Context, args storage.BatchGetArgs) ([]*types.Entity, error) {
	ctx, span := s.startTrace(ctx, "BatchGet", attribute.Int("keys", len(args.Keys)))
	defer span.End()

	res := make([]*types.Entity, len(args.Keys))
	if len(args.Keys) == 0 {
		return res, nil
	}

	predicates := make(sq.Or, 0, len(args.Keys))
	for _, k := range args.Keys {
		predicates = append(predicates, keyPredicate(storage.NewKey(k.Type, args.Channel, k.ID)))
	}

	rows, err := s.stbl.
		Select("type", "channel", "id", "body", "version").
		From(entityTable).
		Where(predicates).
		QueryContext(ctx)
	if err != nil {
		return nil, s.handleSQLError(err)
	}
	defer rows.Close()

	found := make(map[storage.Key]*types.Entity, len(args.Keys))
	for rows.Next() {
		var key storage.Key
		var body []byte
		var version int64
		if err := rows.Scan(&key.Type, &key.Channel, &key.ID, &body, &version); err != nil {
			return nil, s.handleSQLError(err)
		}
		entity, err := decodeEntity(body, version)
		if err != nil {
			return nil, err
		}
		found[key] = entity
	}
	if err := rows.Err(); err != nil {
		return nil, s.handleSQLError(err)
	}

	for i, k := range args.Keys {
		if entity, ok := found[storage.NewKey(k.Type, args.Channel, k.ID)]; ok {
			res[i] = entity.Clone()
		}
	}
	return res, nil
}

// List see [storage.EntityReader].List.
func (s *Datastore) List(ctx context.Context, args storage.ListArgs) ([]*types.Entity, error) {
	ctx, span := s.startTrace(ctx, "List", attribute.String("type", args.Type))
	defer span.End()

	rows, err := s.stbl.
		Select("body", "version").
		From(entityTable).
		Where(sq.Eq{
			"type":    args.Type,
			"channel": storage.ScopeChannel(args.Type, args.Channel),
		}).
		OrderBy("id").
		QueryContext(ctx)
	if err != nil {
		return nil, s.handleSQLError(err)
	}
	defer rows.Close()

	res := make([]*types.Entity, 0)
	for rows.Next() {
		var body []byte
		var version int64
		if err := rows.Scan(&body, &version); err != nil {
			return nil, s.handleSQLError(err)
		}
		entity, err := decodeEntity(body, version)
		if err != nil {
			return nil, err
		}
		res = append(res, entity)
	}
	if err := rows.Err(); err != nil {
		return nil, s.handleSQLError(err)
	}
	return res, nil
}

// Set see [storage.EntityWriter].Set.
func (s *Datastore) Set(ctx context.Context, entity *types.Entity) (*types.Entity, error) {
	ctx, span := s.startTrace(ctx, "Set")
	defer span.End()

	if err := storage.ValidateEntity(entity, s.types); err != nil {
		return nil, err
	}
	span.SetAttributes(attribute.String("type", entity.Type), attribute.String("id", entity.ID))

	key := storage.NewKey(entity.Type, entity.Channel, entity.ID)
	body, err := json.Marshal(entity)
	if err != nil {
		return nil, fmt.Errorf("encode %s: %w", entity.Identifier(), err)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, s.handleSQLError(err)
	}
	defer func() {
		_ = tx.Rollback()
	}()

	var current int64
	err = s.stbl.
		Select("version").
		From(entityTable).
		Where(keyPredicate(key)).
		RunWith(tx).
		QueryRowContext(ctx).
		Scan(&current)
	exists := true
	if err != nil {
		if !errors.Is(s.handleSQLError(err), storage.ErrNotFound) {
			return nil, s.handleSQLError(err)
		}
		exists = false
	}

	if entity.Version != 0 && entity.Version != current {
		return nil, storage.VersionConflictError(entity.Type, entity.ID, entity.Version)
	}

	next := current + 1
	now := time.Now().UTC()
	if exists {
		res, err := s.stbl.
			Update(entityTable).
			Set("body", string(body)).
			Set("version", next).
			Set("updated_at", now).
			Where(keyPredicate(key)).
			Where(sq.Eq{"version": current}).
			RunWith(tx).
			ExecContext(ctx)
		if err != nil {
			return nil, s.handleSQLError(err)
		}
		rowsAffected, err := res.RowsAffected()
		if err != nil {
			return nil, s.handleSQLError(err)
		}
		if rowsAffected == 0 {
			return nil, storage.VersionConflictError(entity.Type, entity.ID, current)
		}
	} else {
		_, err := s.stbl.
			Insert(entityTable).
			Columns("type", "channel", "id", "body", "version", "updated_at").
			Values(key.Type, key.Channel, key.ID, string(body), next, now).
			RunWith(tx).
			ExecContext(ctx)
		if err != nil {
			err = s.handleSQLError(err)
			if errors.Is(err, storage.ErrCollision) {
				return nil, storage.VersionConflictError(entity.Type, entity.ID, current)
			}
			return nil, err
		}
	}

	if err := tx.Commit(); err != nil {
		return nil, s.handleSQLError(err)
	}

	stored := entity.Clone()
	stored.Version = next
	return stored, nil
}

func keyPredicate(key storage.Key) sq.Eq {
	return sq.Eq{"type": key.Type, "channel": key.Channel, "id": key.ID}
}

func decodeEntity(body []byte, version int64) (*types.Entity, error) {
	entity := &types.Entity{}
	if err := json.Unmarshal(body, entity); err != nil {
		return nil, fmt.Errorf("decode entity: %w", err)
	}
	entity.Version = version
	return entity, nil
}

// HandleSQLError processes an SQL error and converts it into a more
// specific error type based on the nature of the SQL error.
func HandleSQLError(err error) error {
	if errors.Is(err, sql.ErrNoRows) {
		return storage.ErrNotFound
	}

	if strings.Contains(err.Error(), "duplicate key value") {
		return storage.ErrCollision
	}

	var me *mysql.MySQLError
	if errors.As(err, &me) && me.Number == 1062 {
		return storage.ErrCollision
	}

	return fmt.Errorf("sql error: %w", err)
}

// IsReady returns true if the connection to the datastore is successful
// and the datastore has the minimum schema revision.
func IsReady(ctx context.Context, skipVersionCheck bool, db *sql.DB) (storage.ReadinessStatus, error) {
	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()

	// ping first so connection failures surface with a clear error
	if pingErr := db.PingContext(ctx); pingErr != nil {
		return storage.ReadinessStatus{}, pingErr
	}

	if skipVersionCheck {
		return storage.ReadinessStatus{
			IsReady: true,
		}, nil
	}

	revision, err := goose.GetDBVersionContext(ctx, db)
	if err != nil {
		return storage.ReadinessStatus{}, err
	}

	if revision < build.MinimumSupportedDatastoreSchemaRevision {
		return storage.ReadinessStatus{
			Message: "datastore requires migrations: at revision '" +
				strconv.FormatInt(revision, 10) +
				"', but requires '" +
				strconv.FormatInt(build.MinimumSupportedDatastoreSchemaRevision, 10) +
				"'. Run 'oddworks migrate'.",
			IsReady: false,
		}, nil
	}
	return storage.ReadinessStatus{
		IsReady: true,
	}, nil
}
