// Package config is the ambient configuration layer: command-line flags,
// REPLICATE_-prefixed environment variables and an optional on-disk YAML file,
// merged the way the teacher's cmd/serve/root.go and cmd/util/util.go
// already do it with cobra/viper/godotenv - generalized here with
// github.com/goccy/go-yaml for the file layer the teacher's flat env/flag
// setup never needed.
package config

import (
	"os"
	"strings"

	"github.com/cockroachdb/errors"
	goyaml "github.com/goccy/go-yaml"
	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

// Config holds every parameter StateMachine.Start and the demo front-end
// need, sourced from flags, REPLICATE_-prefixed env vars, and optionally a
// YAML cluster file.
type Config struct {
	PeeringEndpoint string
	APIPort         int

	ElectionTimeoutMS int
	SnapshotIntervalS int

	RaftDir  string
	StateDir string

	NodesConfig          string
	CreateInitDBSnapshot bool

	AllowUnsafeSingleNodeReset bool

	Codec             string // binary, json, gob
	ForwarderPoolSize int

	LogLevel string
}

// fileOverrides is the shape of the optional on-disk cluster config file -
// only nodes_config is commonly hand-edited per-deployment, so the file
// format stays intentionally small.
type fileOverrides struct {
	NodesConfig                string `yaml:"nodes_config"`
	AllowUnsafeSingleNodeReset *bool  `yaml:"allow_unsafe_single_node_reset"`
}

// AddFlags registers every flag Load reads back, matching the teacher's
// pattern of colocating flag registration with the command that uses them.
func AddFlags(cmd *cobra.Command) {
	cmd.PersistentFlags().String("peering-endpoint", "127.0.0.1:63001", "address this node's consensus transport binds to")
	cmd.PersistentFlags().Int("api-port", 8080, "HTTP port this node serves and forwards writes to")
	cmd.PersistentFlags().Int("election-timeout-ms", 1000, "raft election timeout in milliseconds")
	cmd.PersistentFlags().Int("snapshot-interval-s", 600, "seconds between automatic snapshots")
	cmd.PersistentFlags().String("raft-dir", "data/raft", "directory for consensus log, metadata and snapshots")
	cmd.PersistentFlags().String("state-dir", "data/state", "directory for the live key-value store")
	cmd.PersistentFlags().String("nodes-config", "", "ip:peering_port:api_port[,...] - empty means single-node bootstrap")
	cmd.PersistentFlags().Bool("create-init-db-snapshot", true, "produce the initial snapshot on first leader election instead of requiring one already on disk")
	cmd.PersistentFlags().Bool("allow-unsafe-single-node-reset", false, "allow refresh_nodes to force a single-node membership reset when no leader is known")
	cmd.PersistentFlags().String("codec", "binary", "request codec used on the replicated log (binary, json, gob)")
	cmd.PersistentFlags().Int("forwarder-pool-size", 8, "max concurrent leader-forwarded HTTP requests")
	cmd.PersistentFlags().String("log-level", "info", "log level (debug, info, warn, error)")
	cmd.PersistentFlags().String("config-file", "", "optional YAML file overriding nodes_config and safety flags")
}

// Load binds cmd's flags to viper, applies environment variables prefixed
// REPLICATE_, and finally layers a YAML file's overrides on top if
// --config-file is set.
func Load(cmd *cobra.Command) (*Config, error) {
	_ = godotenv.Load(".env")
	_ = godotenv.Load(".env.local")

	viper.SetEnvPrefix("replicate")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()

	if err := viper.BindPFlags(cmd.Flags()); err != nil {
		return nil, errors.Wrap(err, "config: bind flags")
	}

	cfg := &Config{
		PeeringEndpoint:            viper.GetString("peering-endpoint"),
		APIPort:                    viper.GetInt("api-port"),
		ElectionTimeoutMS:          viper.GetInt("election-timeout-ms"),
		SnapshotIntervalS:          viper.GetInt("snapshot-interval-s"),
		RaftDir:                    viper.GetString("raft-dir"),
		StateDir:                   viper.GetString("state-dir"),
		NodesConfig:                viper.GetString("nodes-config"),
		CreateInitDBSnapshot:       viper.GetBool("create-init-db-snapshot"),
		AllowUnsafeSingleNodeReset: viper.GetBool("allow-unsafe-single-node-reset"),
		Codec:                      viper.GetString("codec"),
		ForwarderPoolSize:          viper.GetInt("forwarder-pool-size"),
		LogLevel:                   viper.GetString("log-level"),
	}

	if path := viper.GetString("config-file"); path != "" {
		if err := applyFileOverrides(cfg, path); err != nil {
			return nil, errors.Wrapf(err, "config: load %s", path)
		}
	}

	switch cfg.Codec {
	case "binary", "json", "gob":
	default:
		return nil, errors.Newf("config: invalid codec %q", cfg.Codec)
	}

	return cfg, nil
}

func applyFileOverrides(cfg *Config, path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	var overrides fileOverrides
	if err := goyaml.Unmarshal(data, &overrides); err != nil {
		return err
	}
	if overrides.NodesConfig != "" {
		cfg.NodesConfig = overrides.NodesConfig
	}
	if overrides.AllowUnsafeSingleNodeReset != nil {
		cfg.AllowUnsafeSingleNodeReset = *overrides.AllowUnsafeSingleNodeReset
	}
	return nil
}
