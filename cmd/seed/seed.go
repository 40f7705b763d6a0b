// Package seed contains the command that loads entity fixtures into a datastore.
package seed

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/tidwall/gjson"
	"go.uber.org/zap"
	"sigs.k8s.io/yaml"

	"github.com/oddnetworks/oddworks/cmd/run"
	"github.com/oddnetworks/oddworks/cmd/util"
	"github.com/oddnetworks/oddworks/pkg/bus"
	"github.com/oddnetworks/oddworks/pkg/logger"
	serverconfig "github.com/oddnetworks/oddworks/pkg/server/config"
	"github.com/oddnetworks/oddworks/pkg/storage"
	"github.com/oddnetworks/oddworks/pkg/types"
)

var ErrEmptyFixture = errors.New("fixture holds no entities")

func NewSeedCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "seed FILE...",
		Short: "Load entity fixtures into the datastore",
		Long: `Load entity fixtures into the datastore.

Every file holds a single entity or a list of entities, as YAML or JSON. Entities are
written unconditionally, replacing any stored entity with the same type, channel and id.
Channels are best listed first, since nothing else can be written without one.`,
		RunE: runSeed,
		Args: cobra.MinimumNArgs(1),
	}

	defaultConfig := serverconfig.DefaultConfig()
	flags := cmd.Flags()

	flags.String("datastore-engine", defaultConfig.Datastore.Engine, "the datastore engine to load into ('redis', 'sqlite', 'postgres' or 'mysql')")
	flags.String("datastore-uri", defaultConfig.Datastore.URI, "the connection uri of the datastore (for any engine other than 'redis')")
	flags.String("datastore-username", "", "overwrite the username in the connection uri")
	flags.String("datastore-password", "", "overwrite the password in the connection uri")
	flags.String("redis-addr", defaultConfig.Redis.Addr, "the comma separated redis addresses (for the 'redis' engine)")
	flags.String("redis-username", defaultConfig.Redis.Username, "the redis username")
	flags.String("redis-password", defaultConfig.Redis.Password, "the redis password")
	flags.Int("redis-db", defaultConfig.Redis.DB, "the redis database number")
	flags.String("redis-prefix", defaultConfig.Redis.Prefix, "the prefix of every redis key")

	cmd.PreRun = bindSeedFlagsFunc(flags)

	return cmd
}

func bindSeedFlagsFunc(flags *pflag.FlagSet) func(*cobra.Command, []string) {
	return func(command *cobra.Command, args []string) {
		util.MustBindPFlag("datastore.engine", flags.Lookup("datastore-engine"))
		util.MustBindEnv("datastore.engine", "ODDWORKS_DATASTORE_ENGINE")

		util.MustBindPFlag("datastore.uri", flags.Lookup("datastore-uri"))
		util.MustBindEnv("datastore.uri", "ODDWORKS_DATASTORE_URI")

		util.MustBindPFlag("datastore.username", flags.Lookup("datastore-username"))
		util.MustBindEnv("datastore.username", "ODDWORKS_DATASTORE_USERNAME")

		util.MustBindPFlag("datastore.password", flags.Lookup("datastore-password"))
		util.MustBindEnv("datastore.password", "ODDWORKS_DATASTORE_PASSWORD")

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
	}
}

func runSeed(cmd *cobra.Command, files []string) error {
	config, err := run.ReadConfig()
	if err != nil {
		return err
	}
	if config.Datastore.Engine == "memory" {
		return errors.New("the memory engine does not outlive the seed command")
	}

	// fixtures are written once, the entity cache would only hold them
	config.Cache.EntityCacheEnabled = false

	l := logger.MustNewLogger("text", "info", "ISO8601")
	ds, err := run.NewDatastore(config, l)
	if err != nil {
		return err
	}
	defer ds.Close()

	b := bus.New(bus.WithLogger(l))
	if err := storage.Register(b, ds); err != nil {
		return err
	}

	var total int
	for _, file := range files {
		n, err := LoadFile(cmd.Context(), b, file)
		if err != nil {
			return err
		}
		l.Info("fixture loaded", zap.String("file", file), zap.Int("entities", n))
		total += n
	}

	_, err = fmt.Fprintf(cmd.OutOrStdout(), "seeded %d entities\n", total)
	return err
}

// LoadFile decodes the fixture at path and writes every entity in it.
func LoadFile(ctx context.Context, b *bus.Bus, path string) (int, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return 0, err
	}

	entities, err := Decode(raw)
	if err != nil {
		return 0, fmt.Errorf("%s: %w", path, err)
	}

	for _, e := range entities {
		if _, err := storage.Set(ctx, b, e); err != nil {
			return 0, fmt.Errorf("%s: write %s: %w", path, e.Identifier(), err)
		}
	}
	return len(entities), nil
}

// Decode reads a YAML or JSON fixture holding one entity or a list of them.
func Decode(raw []byte) ([]*types.Entity, error) {
	doc, err := yaml.YAMLToJSON(raw)
	if err != nil {
		return nil, err
	}

	parsed := gjson.ParseBytes(doc)
	var items []gjson.Result
	switch {
	case parsed.IsArray():
		items = parsed.Array()
	case parsed.IsObject():
		items = []gjson.Result{parsed}
	}
	if len(items) == 0 {
		return nil, ErrEmptyFixture
	}

	entities := make([]*types.Entity, 0, len(items))
	for i, item := range items {
		if !item.IsObject() {
			return nil, fmt.Errorf("item %d is not an entity", i)
		}
		e := &types.Entity{}
		if err := json.Unmarshal([]byte(item.Raw), e); err != nil {
			return nil, fmt.Errorf("item %d: %w", i, err)
		}
		entities = append(entities, e)
	}
	return entities, nil
}
