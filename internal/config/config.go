// Package config loads the node's deployment knobs from a YAML file plus
// environment overrides, generalizing the teacher's pkg/config/config.go
// loader from a single flat struct to the nested sections this runtime's
// subsystems need.
package config

import (
	"fmt"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"

	"governance-runtime/internal/errs"
)

// Version is the semantic version of this configuration package's schema.
const Version = "v1.0.0"

// Config is the unified node configuration. The Engine, DAG, Federation,
// Events and Identity sections hold the deployment knobs spec.md §6 names:
// fuel/memory ceilings, epoch duration, replication factor, orphan buffer
// size, event backlog bound, and the signature algorithm whitelist. The
// Node, API, Logging and Observability sections hold addresses, paths,
// rate limits and logging settings.
type Config struct {
	Node struct {
		DID        string `mapstructure:"did" json:"did"`
		ListenAddr string `mapstructure:"listen_addr" json:"listen_addr"`
		DataDir    string `mapstructure:"data_dir" json:"data_dir"`
	} `mapstructure:"node" json:"node"`

	Engine struct {
		FuelPerInvocation  uint64 `mapstructure:"fuel_per_invocation" json:"fuel_per_invocation"`
		FuelPerByte        uint64 `mapstructure:"fuel_per_byte" json:"fuel_per_byte"`
		FuelPerBlock       uint64 `mapstructure:"fuel_per_block" json:"fuel_per_block"`
		MaxMemoryPerInvoke uint64 `mapstructure:"max_memory_per_invocation" json:"max_memory_per_invocation"`
		MaxCallLen         uint64 `mapstructure:"max_call_len" json:"max_call_len"`
	} `mapstructure:"engine" json:"engine"`

	DAG struct {
		HashAlgorithm      string `mapstructure:"hash_algorithm" json:"hash_algorithm"`
		OrphanBufferSize   int    `mapstructure:"orphan_buffer_size" json:"orphan_buffer_size"`
		WALPath            string `mapstructure:"wal_path" json:"wal_path"`
		EpochDurationBlocks uint64 `mapstructure:"epoch_duration_blocks" json:"epoch_duration_blocks"`
	} `mapstructure:"dag" json:"dag"`

	Federation struct {
		ID                 string   `mapstructure:"id" json:"id"`
		BootstrapPeers     []string `mapstructure:"bootstrap_peers" json:"bootstrap_peers"`
		BlobReplicationFactor int   `mapstructure:"blob_replication_factor" json:"blob_replication_factor"`
		QuorumThresholdPct uint32  `mapstructure:"quorum_threshold_pct" json:"quorum_threshold_pct"`
	} `mapstructure:"federation" json:"federation"`

	Events struct {
		BacklogBound int `mapstructure:"backlog_bound" json:"backlog_bound"`
	} `mapstructure:"events" json:"events"`

	Identity struct {
		SignatureAlgorithmWhitelist []string `mapstructure:"signature_algorithm_whitelist" json:"signature_algorithm_whitelist"`
	} `mapstructure:"identity" json:"identity"`

	API struct {
		ListenAddr       string `mapstructure:"listen_addr" json:"listen_addr"`
		RateLimitPerSec  int    `mapstructure:"rate_limit_per_sec" json:"rate_limit_per_sec"`
		RateLimitBurst   int    `mapstructure:"rate_limit_burst" json:"rate_limit_burst"`
	} `mapstructure:"api" json:"api"`

	Logging struct {
		Level string `mapstructure:"level" json:"level"`
		File  string `mapstructure:"file" json:"file"`
	} `mapstructure:"logging" json:"logging"`

	Observability struct {
		MetricsListenAddr string `mapstructure:"metrics_listen_addr" json:"metrics_listen_addr"`
	} `mapstructure:"observability" json:"observability"`
}

// Default returns a Config populated with conservative, deterministic
// defaults suitable for a single-node development deployment.
func Default() Config {
	var c Config
	c.Node.ListenAddr = "/ip4/0.0.0.0/tcp/4001"
	c.Node.DataDir = "./data"
	c.Engine.FuelPerInvocation = 1_000_000
	c.Engine.FuelPerByte = 1
	c.Engine.FuelPerBlock = 0
	c.Engine.MaxMemoryPerInvoke = 16 << 20
	c.Engine.MaxCallLen = 1 << 20
	c.DAG.HashAlgorithm = "sha256"
	c.DAG.OrphanBufferSize = 4096
	c.DAG.WALPath = "./data/dag.wal"
	c.DAG.EpochDurationBlocks = 1000
	c.Federation.BlobReplicationFactor = 3
	c.Federation.QuorumThresholdPct = 67
	c.Events.BacklogBound = 4096
	c.Identity.SignatureAlgorithmWhitelist = []string{"ed25519", "secp256k1"}
	c.API.ListenAddr = ":8080"
	c.API.RateLimitPerSec = 200
	c.API.RateLimitBurst = 100
	c.Logging.Level = "info"
	c.Observability.MetricsListenAddr = ":9090"
	return c
}

// Load reads configuration from configPath (a YAML file) merged over the
// defaults, then applies any GOVRUN_-prefixed environment variable
// overrides, mirroring the teacher's Load(env)/AutomaticEnv sequence.
func Load(configPath string) (*Config, error) {
	cfg := Default()

	_ = godotenv.Load() // a missing .env file is not an error

	v := viper.New()
	v.SetConfigType("yaml")
	v.SetEnvPrefix("GOVRUN")
	v.AutomaticEnv()

	if configPath != "" {
		v.SetConfigFile(configPath)
		if err := v.ReadInConfig(); err != nil {
			return nil, errs.Wrap(errs.InternalError, fmt.Sprintf("read config %s", configPath), err)
		}
	}

	if err := v.Unmarshal(&cfg); err != nil {
		return nil, errs.Wrap(errs.InternalError, "unmarshal config", err)
	}
	return &cfg, nil
}
