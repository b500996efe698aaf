// Package config loads terrastored's boot configuration: a JSON-with-
// comments process config (github.com/tinode/jsonco strips the comments
// before encoding/json sees the bytes, the same two-step load the
// reference server's main.go performs on tinode.conf) plus a YAML
// ensemble topology file and an environment-variable overlay
// (github.com/caarlos0/env/v11) for the handful of settings that need to
// vary per deployment without editing the config file.
package config

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/tinode/jsonco"
	"gopkg.in/yaml.v3"
)

// StoreKind selects the backing store.Store implementation.
type StoreKind string

const (
	StoreMemory StoreKind = "memory"
	StoreMongo  StoreKind = "mongo"
	StoreSQL    StoreKind = "sql"
)

// Config is terrastored's process configuration, loaded from a
// JSON-with-comments file and then overlaid with environment variables.
type Config struct {
	NodeName    string    `json:"node_name" env:"TERRASTORE_NODE_NAME"`
	ClusterName string    `json:"cluster_name" env:"TERRASTORE_CLUSTER_NAME"`
	ListenAddr  string    `json:"listen_addr" env:"TERRASTORE_LISTEN_ADDR"`
	AdminAddr   string    `json:"admin_addr" env:"TERRASTORE_ADMIN_ADDR"`

	Store StoreConfig `json:"store"`

	WorkerPoolSize int           `json:"worker_pool_size" env:"TERRASTORE_WORKER_POOL_SIZE"`
	WorkerPoolRate float64       `json:"worker_pool_rate" env:"TERRASTORE_WORKER_POOL_RATE"`
	DiscoveryEvery time.Duration `json:"discovery_interval" env:"TERRASTORE_DISCOVERY_INTERVAL"`

	ClusterSecret  string `json:"cluster_secret" env:"TERRASTORE_CLUSTER_SECRET,notEmpty"`
	HandshakeTTL   time.Duration `json:"handshake_ttl" env:"TERRASTORE_HANDSHAKE_TTL"`

	Ensemble string `json:"ensemble_file" env:"TERRASTORE_ENSEMBLE_FILE"`
}

// StoreConfig selects and configures the storage backend: three
// implementations, one active at a time.
type StoreConfig struct {
	Kind StoreKind `json:"kind"`

	MongoURI string `json:"mongo_uri" env:"TERRASTORE_MONGO_URI"`
	MongoDB  string `json:"mongo_db" env:"TERRASTORE_MONGO_DB"`

	SQLDriver string `json:"sql_driver" env:"TERRASTORE_SQL_DRIVER"`
	SQLDSN    string `json:"sql_dsn" env:"TERRASTORE_SQL_DSN"`
}

// Load reads path (JSON with // and /* */ comments allowed, per jsonco),
// applies defaults, then overlays environment variables so a containerized
// deployment can override secrets and addresses without templating the
// file.
func Load(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("config: open %s: %w", path, err)
	}
	defer f.Close()

	cfg, err := decode(f)
	if err != nil {
		return nil, fmt.Errorf("config: parse %s: %w", path, err)
	}

	applyDefaults(cfg)

	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("config: environment overlay: %w", err)
	}
	return cfg, nil
}

func decode(r io.Reader) (*Config, error) {
	stripped, err := io.ReadAll(jsonco.New(r))
	if err != nil {
		return nil, err
	}
	cfg := &Config{}
	dec := json.NewDecoder(bytes.NewReader(stripped))
	dec.DisallowUnknownFields()
	if err := dec.Decode(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

func applyDefaults(cfg *Config) {
	if cfg.WorkerPoolSize <= 0 {
		cfg.WorkerPoolSize = 16
	}
	if cfg.DiscoveryEvery <= 0 {
		cfg.DiscoveryEvery = 5 * time.Second
	}
	if cfg.HandshakeTTL <= 0 {
		cfg.HandshakeTTL = 30 * time.Second
	}
	if cfg.Store.Kind == "" {
		cfg.Store.Kind = StoreMemory
	}
}

// Topology is the ensemble's cluster/bootstrap-node layout, loaded
// separately from the process config: operational topology changes
// independently of process settings, so it gets its own file and its
// own format.
type Topology struct {
	Clusters []ClusterTopology `yaml:"clusters"`
}

type ClusterTopology struct {
	Name      string       `yaml:"name"`
	Bootstrap NodeTopology `yaml:"bootstrap"`
}

type NodeTopology struct {
	Name string `yaml:"name"`
	Host string `yaml:"host"`
	Port int    `yaml:"port"`
}

// LoadTopology reads the ensemble topology YAML named by the process
// config's Ensemble field.
func LoadTopology(path string) (*Topology, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: open topology %s: %w", path, err)
	}
	var top Topology
	if err := yaml.Unmarshal(raw, &top); err != nil {
		return nil, fmt.Errorf("config: parse topology %s: %w", path, err)
	}
	return &top, nil
}
