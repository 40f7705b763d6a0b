// Package run contains the command to run an oddworks server.
package run

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	goruntime "runtime"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace/noop"
	"go.uber.org/zap"

	"github.com/oddnetworks/oddworks/internal/build"
	"github.com/oddnetworks/oddworks/pkg/bus"
	"github.com/oddnetworks/oddworks/pkg/entitlement"
	"github.com/oddnetworks/oddworks/pkg/identity"
	"github.com/oddnetworks/oddworks/pkg/logger"
	"github.com/oddnetworks/oddworks/pkg/relationship"
	"github.com/oddnetworks/oddworks/pkg/search"
	"github.com/oddnetworks/oddworks/pkg/server"
	serverconfig "github.com/oddnetworks/oddworks/pkg/server/config"
	"github.com/oddnetworks/oddworks/pkg/storage"
	"github.com/oddnetworks/oddworks/pkg/storage/caching"
	"github.com/oddnetworks/oddworks/pkg/storage/memory"
	"github.com/oddnetworks/oddworks/pkg/storage/mysql"
	"github.com/oddnetworks/oddworks/pkg/storage/postgres"
	"github.com/oddnetworks/oddworks/pkg/storage/redis"
	"github.com/oddnetworks/oddworks/pkg/storage/sqlcommon"
	"github.com/oddnetworks/oddworks/pkg/storage/sqlite"
	"github.com/oddnetworks/oddworks/pkg/telemetry"
)

func NewRunCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run the oddworks server",
		Long:  "Run the oddworks server.",
		RunE:  run,
		Args:  cobra.NoArgs,
	}

	defaultConfig := serverconfig.DefaultConfig()
	flags := cmd.Flags()

	flags.Duration("request-timeout", defaultConfig.RequestTimeout, "the timeout duration for a request")

	flags.StringSlice("relationships", defaultConfig.Relationships, "the viewer relationships served under /viewers/{id}/relationships/{name}")

	flags.String("http-addr", defaultConfig.HTTP.Addr, "the host:port address to serve the HTTP server on")

	flags.StringSlice("http-cors-allowed-origins", defaultConfig.HTTP.CORSAllowedOrigins, "specifies the CORS allowed origins")

	flags.StringSlice("http-cors-allowed-headers", defaultConfig.HTTP.CORSAllowedHeaders, "specifies the CORS allowed headers")

	flags.String("jwt-secret", defaultConfig.JWT.Secret, "(required) the shared secret tokens are signed and verified with")

	flags.String("jwt-issuer", defaultConfig.JWT.Issuer, "the issuer of signed tokens, checked when verifying")

	flags.String("jwt-signing-method", defaultConfig.JWT.SigningMethod, "the HMAC signing method ('HS256', 'HS384' or 'HS512')")

	flags.Duration("jwt-ttl", defaultConfig.JWT.TTL, "the lifetime of signed tokens (0 means they never expire)")

	flags.String("datastore-engine", defaultConfig.Datastore.Engine, "the datastore engine that will be used for persistence ('memory', 'redis', 'sqlite', 'postgres' or 'mysql')")

	flags.String("datastore-uri", defaultConfig.Datastore.URI, "the connection uri to use to connect to the datastore (for any engine other than 'memory' and 'redis')")

	flags.String("datastore-username", "", "the connection username to use to connect to the datastore (overwrites any username provided in the connection uri)")

	flags.String("datastore-password", "", "the connection password to use to connect to the datastore (overwrites any password provided in the connection uri)")

	flags.Int("datastore-max-open-conns", defaultConfig.Datastore.MaxOpenConns, "the maximum number of open connections to the datastore")

	flags.Int("datastore-max-idle-conns", defaultConfig.Datastore.MaxIdleConns, "the maximum number of connections to the datastore in the idle connection pool")

	flags.Duration("datastore-conn-max-idle-time", defaultConfig.Datastore.ConnMaxIdleTime, "the maximum amount of time a connection to the datastore may be idle")

	flags.Duration("datastore-conn-max-lifetime", defaultConfig.Datastore.ConnMaxLifetime, "the maximum amount of time a connection to the datastore may be reused")

	flags.Bool("datastore-metrics-enabled", defaultConfig.Datastore.Metrics, "enable/disable sql metrics")

	flags.String("redis-addr", defaultConfig.Redis.Addr, "the comma separated redis addresses (for the 'redis' engine)")

	flags.String("redis-username", defaultConfig.Redis.Username, "the redis username")

	flags.String("redis-password", defaultConfig.Redis.Password, "the redis password")

	flags.Int("redis-db", defaultConfig.Redis.DB, "the redis database number")

	flags.String("redis-prefix", defaultConfig.Redis.Prefix, "the prefix of every redis key")

	flags.String("log-format", defaultConfig.Log.Format, "the log format to output logs in")

	flags.String("log-level", defaultConfig.Log.Level, "the log level to use")

	flags.String("log-timestamp-format", defaultConfig.Log.TimestampFormat, "the timestamp format to use for log messages")

	flags.Bool("trace-enabled", defaultConfig.Trace.Enabled, "enable tracing")

	flags.String("trace-otlp-endpoint", defaultConfig.Trace.OTLP.Endpoint, "the endpoint of the trace collector")

	flags.Float64("trace-sample-ratio", defaultConfig.Trace.SampleRatio, "the fraction of traces to sample. 1 means all, 0 means none.")

	flags.String("trace-service-name", defaultConfig.Trace.ServiceName, "the service name included in sampled traces.")

	flags.Bool("metrics-enabled", defaultConfig.Metrics.Enabled, "enable/disable prometheus metrics on the '/metrics' endpoint")

	flags.String("metrics-addr", defaultConfig.Metrics.Addr, "the host:port address to serve the prometheus metrics server on")

	flags.Bool("entity-cache-enabled", defaultConfig.Cache.EntityCacheEnabled, "enable caching of the channels and platforms resolved while verifying tokens")

	flags.Duration("entity-cache-ttl", defaultConfig.Cache.EntityCacheTTL, "how long a cached channel or platform is served")

	flags.Int64("entity-cache-limit", defaultConfig.Cache.EntityCacheLimit, "the maximum number of cached channels and platforms")

	flags.Int64("program-cache-limit", defaultConfig.Cache.ProgramCacheLimit, "the maximum number of compiled entitlement evaluators kept in memory")

	flags.Bool("search-enabled", defaultConfig.Search.Enabled, "enable/disable the '/search' endpoint")

	flags.StringSlice("search-fields", defaultConfig.Search.Fields, "the dotted field paths indexed for search (every top level string field if empty)")

	flags.Duration("search-reindex-interval", defaultConfig.Search.ReindexInterval, "how often the search index is rebuilt (0 indexes once at startup)")

	// NOTE: if you add a new flag here, update the function below, too

	cmd.PreRun = bindRunFlagsFunc(flags)

	return cmd
}

// ReadConfig returns the oddworks server configuration based on the values provided in the server's 'config.yaml' file.
// The 'config.yaml' file is loaded from '/etc/oddworks', '$HOME/.oddworks', or the current working directory. If no configuration
// file is present, the default values are returned.
func ReadConfig() (*serverconfig.Config, error) {
	config := serverconfig.DefaultConfig()

	viper.SetTypeByDefaultValue(true)
	err := viper.ReadInConfig()
	if err != nil {
		if !errors.As(err, &viper.ConfigFileNotFoundError{}) {
			return nil, fmt.Errorf("failed to load server config: %w", err)
		}
	}

	if err := viper.Unmarshal(config); err != nil {
		return nil, fmt.Errorf("failed to unmarshal server config: %w", err)
	}

	return config, nil
}

func run(cmd *cobra.Command, _ []string) error {
	config, err := ReadConfig()
	if err != nil {
		return err
	}

	if err := config.Verify(); err != nil {
		return err
	}

	l, err := logger.NewLogger(config.Log.Format, config.Log.Level, config.Log.TimestampFormat)
	if err != nil {
		return err
	}

	serverCtx := &ServerContext{Logger: l}
	return serverCtx.Run(cmd.Context(), config)
}

type ServerContext struct {
	Logger logger.Logger
}

// telemetryConfig returns the function that must be called to shut down tracing.
func (s *ServerContext) telemetryConfig(ctx context.Context, config *serverconfig.Config) (func() error, error) {
	if !config.Trace.Enabled {
		otel.SetTracerProvider(noop.NewTracerProvider())
		return func() error { return nil }, nil
	}

	s.Logger.Info(fmt.Sprintf("🕵 tracing enabled: sampling ratio is %v and sending traces to '%s'", config.Trace.SampleRatio, config.Trace.OTLP.Endpoint))

	tp, err := telemetry.NewTracerProvider(ctx,
		telemetry.WithOTLPEndpoint(config.Trace.OTLP.Endpoint),
		telemetry.WithServiceName(config.Trace.ServiceName),
		telemetry.WithSamplingRatio(config.Trace.SampleRatio),
	)
	if err != nil {
		return nil, err
	}

	return func() error {
		ctx, cancel := context.WithTimeout(context.Background(), 6*time.Second)
		defer cancel()
		return errors.Join(tp.ForceFlush(ctx), tp.Shutdown(ctx))
	}, nil
}

// NewDatastore opens the datastore named by config.Datastore.Engine. When the
// entity cache is enabled, channel and platform reads are served through it.
func NewDatastore(config *serverconfig.Config, l logger.Logger) (storage.Datastore, error) {
	var (
		ds  storage.Datastore
		err error
	)

	sqlOpts := []sqlcommon.DatastoreOption{
		sqlcommon.WithUsername(config.Datastore.Username),
		sqlcommon.WithPassword(config.Datastore.Password),
		sqlcommon.WithLogger(l),
		sqlcommon.WithMaxOpenConns(config.Datastore.MaxOpenConns),
		sqlcommon.WithMaxIdleConns(config.Datastore.MaxIdleConns),
		sqlcommon.WithConnMaxIdleTime(config.Datastore.ConnMaxIdleTime),
		sqlcommon.WithConnMaxLifetime(config.Datastore.ConnMaxLifetime),
	}
	if config.Datastore.Metrics {
		sqlOpts = append(sqlOpts, sqlcommon.WithMetrics())
	}

	switch config.Datastore.Engine {
	case "memory":
		ds = memory.New()
	case "redis":
		ds, err = redis.New(
			redis.WithAddr(config.Redis.Addr),
			redis.WithUserCredential(config.Redis.Username),
			redis.WithPassCredential(config.Redis.Password),
			redis.WithDatabase(config.Redis.DB),
			redis.WithKeyPrefix(config.Redis.Prefix),
		)
	case "sqlite":
		ds, err = sqlite.New(config.Datastore.URI, sqlcommon.NewConfig(sqlOpts...))
	case "postgres":
		ds, err = postgres.New(config.Datastore.URI, sqlcommon.NewConfig(sqlOpts...))
	case "mysql":
		ds, err = mysql.New(config.Datastore.URI, sqlcommon.NewConfig(sqlOpts...))
	default:
		return nil, fmt.Errorf("storage engine '%s' is unsupported", config.Datastore.Engine)
	}
	if err != nil {
		return nil, fmt.Errorf("initialize %s datastore: %w", config.Datastore.Engine, err)
	}

	s := config.Cache
	if s.ShouldCacheEntities() {
		ds = caching.NewCachedDatastore(ds,
			caching.WithTTL(s.EntityCacheTTL),
			caching.WithMaxSize(s.EntityCacheLimit),
		)
	}

	l.Info(fmt.Sprintf("using '%v' storage engine", config.Datastore.Engine))

	return ds, nil
}

// Services holds everything registered on the bus for a datastore.
type Services struct {
	Bus           *bus.Bus
	Identity      *identity.Service
	Search        *search.Service
	Entitlements  *entitlement.Evaluator
	Relationships []*relationship.Engine
}

// NewServices registers the datastore, search and identity handlers on a new
// bus and builds the relationship engines and entitlement evaluator.
func NewServices(ds storage.Datastore, config *serverconfig.Config, l logger.Logger) (*Services, error) {
	b := bus.New(bus.WithLogger(l))
	if err := storage.Register(b, ds); err != nil {
		return nil, err
	}

	searcher := search.New(b,
		search.WithLogger(l),
		search.WithTypes(ds.Types()...),
		search.WithIndex(search.NewIndex(config.Search.Fields...)),
	)
	if err := search.Register(b, searcher); err != nil {
		return nil, err
	}

	ident, err := identity.New(b, identity.Config{
		Secret:        config.JWT.Secret,
		Issuer:        config.JWT.Issuer,
		SigningMethod: config.JWT.SigningMethod,
		TokenTTL:      config.JWT.TTL,
	})
	if err != nil {
		return nil, err
	}
	if err := identity.Register(b, ident); err != nil {
		return nil, err
	}

	evaluator, err := entitlement.New(
		entitlement.WithLogger(l),
		entitlement.WithCacheSize(config.Cache.ProgramCacheLimit),
	)
	if err != nil {
		return nil, err
	}

	engines := make([]*relationship.Engine, 0, len(config.Relationships))
	for _, name := range config.Relationships {
		engines = append(engines, relationship.New(b, name, relationship.WithLogger(l)))
	}

	return &Services{
		Bus:           b,
		Identity:      ident,
		Search:        searcher,
		Entitlements:  evaluator,
		Relationships: engines,
	}, nil
}

// Reindex broadcasts an index command for every type.
func (s *Services) Reindex(ctx context.Context) {
	for _, typ := range s.Search.Types() {
		s.Bus.Broadcast(ctx, storage.IndexPattern(typ), nil)
	}
}

func (s *ServerContext) Run(ctx context.Context, config *serverconfig.Config) error {
	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	tracerProviderCloser, err := s.telemetryConfig(ctx, config)
	if err != nil {
		return err
	}

	datastore, err := NewDatastore(config, s.Logger)
	if err != nil {
		return err
	}
	defer datastore.Close()

	services, err := NewServices(datastore, config, s.Logger)
	if err != nil {
		return err
	}
	defer services.Entitlements.Stop()

	svr, err := server.NewServerWithOpts(
		server.WithBus(services.Bus),
		server.WithLogger(s.Logger),
		server.WithAuthenticator(services.Identity),
		server.WithEntitlements(services.Entitlements),
		server.WithRelationships(services.Relationships...),
		server.WithReadinessTarget(datastore),
		server.WithRequestTimeout(config.RequestTimeout),
		server.WithCORS(config.HTTP.CORSAllowedOrigins, config.HTTP.CORSAllowedHeaders),
		server.WithSearchEnabled(config.Search.Enabled),
	)
	if err != nil {
		return err
	}

	if config.Search.Enabled {
		services.Reindex(ctx)
		if config.Search.ReindexInterval > 0 {
			go func() {
				ticker := time.NewTicker(config.Search.ReindexInterval)
				defer ticker.Stop()
				for {
					select {
					case <-ctx.Done():
						return
					case <-ticker.C:
						services.Reindex(ctx)
					}
				}
			}()
		}
	}

	var metricsServer *http.Server
	if config.Metrics.Enabled {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.Handler())

		metricsServer = &http.Server{Addr: config.Metrics.Addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}

		go func() {
			s.Logger.Info(fmt.Sprintf("📈 starting prometheus metrics server on '%s'", config.Metrics.Addr))
			if err := metricsServer.ListenAndServe(); err != nil {
				if !errors.Is(err, http.ErrServerClosed) {
					s.Logger.Fatal("failed to start prometheus metrics server", zap.Error(err))
				}
			}
			s.Logger.Info("metrics server shut down.")
		}()
	}

	s.Logger.Info(
		"starting oddworks service...",
		zap.String("version", build.Version),
		zap.String("date", build.Date),
		zap.String("commit", build.Commit),
		zap.String("go-version", goruntime.Version()),
	)

	httpServer := &http.Server{
		Addr:              config.HTTP.Addr,
		Handler:           svr.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		s.Logger.Info(fmt.Sprintf("🚀 starting HTTP server on '%s'...", httpServer.Addr))
		if err := httpServer.ListenAndServe(); err != nil {
			if !errors.Is(err, http.ErrServerClosed) {
				s.Logger.Fatal("HTTP server closed with unexpected error", zap.Error(err))
			}
		}
		s.Logger.Info("HTTP server shut down.")
	}()

	// wait for cancellation signal
	<-ctx.Done()
	s.Logger.Info("attempting to shutdown gracefully...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		s.Logger.Info("failed to shutdown the http server", zap.Error(err))
	}

	if metricsServer != nil {
		if err := metricsServer.Shutdown(shutdownCtx); err != nil {
			s.Logger.Info("failed to shutdown the prometheus metrics server", zap.Error(err))
		}
	}

	services.Bus.Wait()

	if err := tracerProviderCloser(); err != nil {
		s.Logger.Error("failed to shutdown tracing", zap.Error(err))
	}

	s.Logger.Info("server exited. goodbye 👋")

	return nil
}
