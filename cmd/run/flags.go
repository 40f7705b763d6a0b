package run

import (
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	"github.com/oddnetworks/oddworks/cmd/util"
)

// bindRunFlagsFunc binds the cobra cmd flags to the equivalent config value being managed
// by viper. This bridges the config between cobra flags and viper flags.
func bindRunFlagsFunc(flags *pflag.FlagSet) func(*cobra.Command, []string) {
	return func(command *cobra.Command, args []string) {
		util.MustBindPFlag("requestTimeout", flags.Lookup("request-timeout"))
		util.MustBindEnv("requestTimeout", "ODDWORKS_REQUEST_TIMEOUT", "ODDWORKS_REQUESTTIMEOUT")

		util.MustBindPFlag("relationships", flags.Lookup("relationships"))
		util.MustBindEnv("relationships", "ODDWORKS_RELATIONSHIPS")

		util.MustBindPFlag("http.addr", flags.Lookup("http-addr"))
		util.MustBindEnv("http.addr", "ODDWORKS_HTTP_ADDR")

		util.MustBindPFlag("http.corsAllowedOrigins", flags.Lookup("http-cors-allowed-origins"))
		util.MustBindEnv("http.corsAllowedOrigins", "ODDWORKS_HTTP_CORS_ALLOWED_ORIGINS")

		util.MustBindPFlag("http.corsAllowedHeaders", flags.Lookup("http-cors-allowed-headers"))
		util.MustBindEnv("http.corsAllowedHeaders", "ODDWORKS_HTTP_CORS_ALLOWED_HEADERS")

		util.MustBindPFlag("jwt.secret", flags.Lookup("jwt-secret"))
		util.MustBindEnv("jwt.secret", "ODDWORKS_JWT_SECRET")

		util.MustBindPFlag("jwt.issuer", flags.Lookup("jwt-issuer"))
		util.MustBindEnv("jwt.issuer", "ODDWORKS_JWT_ISSUER")

		util.MustBindPFlag("jwt.signingMethod", flags.Lookup("jwt-signing-method"))
		util.MustBindEnv("jwt.signingMethod", "ODDWORKS_JWT_SIGNING_METHOD")

		util.MustBindPFlag("jwt.ttl", flags.Lookup("jwt-ttl"))
		util.MustBindEnv("jwt.ttl", "ODDWORKS_JWT_TTL")

		util.MustBindPFlag("datastore.engine", flags.Lookup("datastore-engine"))
		util.MustBindEnv("datastore.engine", "ODDWORKS_DATASTORE_ENGINE")

		util.MustBindPFlag("datastore.uri", flags.Lookup("datastore-uri"))
		util.MustBindEnv("datastore.uri", "ODDWORKS_DATASTORE_URI")

		util.MustBindPFlag("datastore.username", flags.Lookup("datastore-username"))
		util.MustBindEnv("datastore.username", "ODDWORKS_DATASTORE_USERNAME")

		util.MustBindPFlag("datastore.password", flags.Lookup("datastore-password"))
		util.MustBindEnv("datastore.password", "ODDWORKS_DATASTORE_PASSWORD")

		util.MustBindPFlag("datastore.maxOpenConns", flags.Lookup("datastore-max-open-conns"))
		util.MustBindEnv("datastore.maxOpenConns", "ODDWORKS_DATASTORE_MAX_OPEN_CONNS", "ODDWORKS_DATASTORE_MAXOPENCONNS")

		util.MustBindPFlag("datastore.maxIdleConns", flags.Lookup("datastore-max-idle-conns"))
		util.MustBindEnv("datastore.maxIdleConns", "ODDWORKS_DATASTORE_MAX_IDLE_CONNS", "ODDWORKS_DATASTORE_MAXIDLECONNS")

		util.MustBindPFlag("datastore.connMaxIdleTime", flags.Lookup("datastore-conn-max-idle-time"))
		util.MustBindEnv("datastore.connMaxIdleTime", "ODDWORKS_DATASTORE_CONN_MAX_IDLE_TIME", "ODDWORKS_DATASTORE_CONNMAXIDLETIME")

		util.MustBindPFlag("datastore.connMaxLifetime", flags.Lookup("datastore-conn-max-lifetime"))
		util.MustBindEnv("datastore.connMaxLifetime", "ODDWORKS_DATASTORE_CONN_MAX_LIFETIME", "ODDWORKS_DATASTORE_CONNMAXLIFETIME")

		util.MustBindPFlag("datastore.metrics", flags.Lookup("datastore-metrics-enabled"))
		util.MustBindEnv("datastore.metrics", "ODDWORKS_DATASTORE_METRICS_ENABLED")

		util.MustBindPFlag("redis.addr", flags.Lookup("redis-addr"))
		util.MustBindEnv("redis.addr", "ODDWORKS_REDIS_ADDR")

		util.MustBindPFlag("redis.username", flags.Lookup("redis-username"))
		util.MustBindEnv("redis.username", "ODDWORKS_REDIS_USERNAME")

		util.MustBindPFlag("redis.password", flags.Lookup("redis-password"))
		util.MustBindEnv("redis.password", "ODDWORKS_REDIS_PASSWORD")

		util.MustBindPFlag("redis.db", flags.Lookup("redis-db"))
		util.MustBindEnv("redis.db", "ODDWORKS_REDIS_DB")

		util.MustBindPFlag("redis.prefix", flags.Lookup("redis-prefix"))
		util.MustBindEnv("redis.prefix", "ODDWORKS_REDIS_PREFIX")

		util.MustBindPFlag("log.format", flags.Lookup("log-format"))
		util.MustBindEnv("log.format", "ODDWORKS_LOG_FORMAT")

		util.MustBindPFlag("log.level", flags.Lookup("log-level"))
		util.MustBindEnv("log.level", "ODDWORKS_LOG_LEVEL")

		util.MustBindPFlag("log.timestampFormat", flags.Lookup("log-timestamp-format"))
		util.MustBindEnv("log.timestampFormat", "ODDWORKS_LOG_TIMESTAMP_FORMAT")

		util.MustBindPFlag("trace.enabled", flags.Lookup("trace-enabled"))
		util.MustBindEnv("trace.enabled", "ODDWORKS_TRACE_ENABLED")

		util.MustBindPFlag("trace.otlp.endpoint", flags.Lookup("trace-otlp-endpoint"))
		util.MustBindEnv("trace.otlp.endpoint", "ODDWORKS_TRACE_OTLP_ENDPOINT")

		util.MustBindPFlag("trace.sampleRatio", flags.Lookup("trace-sample-ratio"))
		util.MustBindEnv("trace.sampleRatio", "ODDWORKS_TRACE_SAMPLE_RATIO")

		util.MustBindPFlag("trace.serviceName", flags.Lookup("trace-service-name"))
		util.MustBindEnv("trace.serviceName", "ODDWORKS_TRACE_SERVICE_NAME")

		util.MustBindPFlag("metrics.enabled", flags.Lookup("metrics-enabled"))
		util.MustBindEnv("metrics.enabled", "ODDWORKS_METRICS_ENABLED")

		util.MustBindPFlag("metrics.addr", flags.Lookup("metrics-addr"))
		util.MustBindEnv("metrics.addr", "ODDWORKS_METRICS_ADDR")

		util.MustBindPFlag("cache.entityCacheEnabled", flags.Lookup("entity-cache-enabled"))
		util.MustBindEnv("cache.entityCacheEnabled", "ODDWORKS_ENTITY_CACHE_ENABLED")

		util.MustBindPFlag("cache.entityCacheTTL", flags.Lookup("entity-cache-ttl"))
		util.MustBindEnv("cache.entityCacheTTL", "ODDWORKS_ENTITY_CACHE_TTL")

		util.MustBindPFlag("cache.entityCacheLimit", flags.Lookup("entity-cache-limit"))
		util.MustBindEnv("cache.entityCacheLimit", "ODDWORKS_ENTITY_CACHE_LIMIT")

		util.MustBindPFlag("cache.programCacheLimit", flags.Lookup("program-cache-limit"))
		util.MustBindEnv("cache.programCacheLimit", "ODDWORKS_PROGRAM_CACHE_LIMIT")

		util.MustBindPFlag("search.enabled", flags.Lookup("search-enabled"))
		util.MustBindEnv("search.enabled", "ODDWORKS_SEARCH_ENABLED")

		util.MustBindPFlag("search.fields", flags.Lookup("search-fields"))
		util.MustBindEnv("search.fields", "ODDWORKS_SEARCH_FIELDS")

		util.MustBindPFlag("search.reindexInterval", flags.Lookup("search-reindex-interval"))
		util.MustBindEnv("search.reindexInterval", "ODDWORKS_SEARCH_REINDEX_INTERVAL")
	}
}
