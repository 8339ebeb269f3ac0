package config

import (
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/solana-foundation/connectorkit-sub004/pkg/models"
	"gopkg.in/yaml.v3"
)

// Storage backends.
const (
	StorageMemory = "memory"
	StorageFile   = "file"
	StorageBadger = "badger"
)

// Config holds all configurable parameters for the connector.
type Config struct {
	Clusters       []models.ClusterDescriptor `yaml:"clusters"`
	DefaultCluster string                     `yaml:"defaultCluster"`

	Pool      PoolConfig      `yaml:"pool"`
	Query     QueryConfig     `yaml:"query"`
	Transport TransportConfig `yaml:"transport"`
	Storage   StorageConfig   `yaml:"storage"`

	// Metrics enables Prometheus collectors for the pool and queries.
	Metrics bool `yaml:"metrics"`
}

// PoolConfig bounds the endpoint pool.
type PoolConfig struct {
	MaxConnections int           `yaml:"maxConnections"`
	CleanupDelay   time.Duration `yaml:"cleanupDelay"`
}

// QueryConfig holds cached query defaults.
type QueryConfig struct {
	RefreshInterval time.Duration `yaml:"refreshInterval"` // 0 disables interval refresh
	StaleAfter      time.Duration `yaml:"staleAfter"`
	RetryDelay      time.Duration `yaml:"retryDelay"`
	DisableRetry    bool          `yaml:"disableRetry"`
	DisposeDelay    time.Duration `yaml:"disposeDelay"`
}

// TransportConfig holds RPC request policy.
type TransportConfig struct {
	Timeout     time.Duration `yaml:"timeout"`
	MaxAttempts int           `yaml:"maxAttempts"`
	BackoffBase time.Duration `yaml:"backoffBase"`
	BackoffMax  time.Duration `yaml:"backoffMax"`
	Jitter      float64       `yaml:"jitter"`
	RateLimit   float64       `yaml:"rateLimit"` // requests per second per endpoint, 0 = unlimited
	RateBurst   int           `yaml:"rateBurst"`
}

// StorageConfig selects the durable storage backend.
type StorageConfig struct {
	Backend string `yaml:"backend"`
	Path    string `yaml:"path"`
}

// Default returns a Config populated with default values.
func Default() Config {
	return Config{
		Clusters: []models.ClusterDescriptor{
			{ID: "solana:mainnet", Label: "Mainnet Beta", Endpoint: "https://api.mainnet-beta.solana.com", WSEndpoint: "wss://api.mainnet-beta.solana.com", Commitment: models.CommitmentConfirmed},
			{ID: "solana:devnet", Label: "Devnet", Endpoint: "https://api.devnet.solana.com", WSEndpoint: "wss://api.devnet.solana.com", Commitment: models.CommitmentConfirmed},
			{ID: "solana:testnet", Label: "Testnet", Endpoint: "https://api.testnet.solana.com", WSEndpoint: "wss://api.testnet.solana.com", Commitment: models.CommitmentConfirmed},
			{ID: "solana:localnet", Label: "Localnet", Endpoint: "http://127.0.0.1:8899", WSEndpoint: "ws://127.0.0.1:8900", Commitment: models.CommitmentProcessed},
		},
		DefaultCluster: "solana:mainnet",

		Pool: PoolConfig{
			MaxConnections: 8,
			CleanupDelay:   30 * time.Second,
		},
		Query: QueryConfig{
			StaleAfter:   30 * time.Second,
			RetryDelay:   1 * time.Second,
			DisposeDelay: 60 * time.Second,
		},
		Transport: TransportConfig{
			Timeout:     30 * time.Second,
			MaxAttempts: 2,
			BackoffBase: 250 * time.Millisecond,
			BackoffMax:  2 * time.Second,
			Jitter:      0.5,
			RateBurst:   10,
		},
		Storage: StorageConfig{Backend: StorageMemory},
	}
}

// Normalize replaces invalid values with defaults.
func (c Config) Normalize() Config {
	def := Default()
	if len(c.Clusters) == 0 {
		c.Clusters = def.Clusters
	}
	for i := range c.Clusters {
		if c.Clusters[i].Commitment == "" {
			c.Clusters[i].Commitment = models.CommitmentConfirmed
		}
	}
	if _, ok := c.Cluster(c.DefaultCluster); !ok {
		c.DefaultCluster = c.Clusters[0].ID
	}
	if c.Pool.MaxConnections <= 0 {
		c.Pool.MaxConnections = def.Pool.MaxConnections
	}
	if c.Pool.CleanupDelay <= 0 {
		c.Pool.CleanupDelay = def.Pool.CleanupDelay
	}
	if c.Query.RefreshInterval < 0 {
		c.Query.RefreshInterval = 0
	}
	if c.Query.StaleAfter <= 0 {
		c.Query.StaleAfter = def.Query.StaleAfter
	}
	if c.Query.RetryDelay <= 0 {
		c.Query.RetryDelay = def.Query.RetryDelay
	}
	if c.Query.DisposeDelay <= 0 {
		c.Query.DisposeDelay = def.Query.DisposeDelay
	}
	if c.Transport.Timeout <= 0 {
		c.Transport.Timeout = def.Transport.Timeout
	}
	if c.Transport.MaxAttempts <= 0 {
		c.Transport.MaxAttempts = def.Transport.MaxAttempts
	}
	if c.Transport.BackoffBase <= 0 {
		c.Transport.BackoffBase = def.Transport.BackoffBase
	}
	if c.Transport.BackoffMax < c.Transport.BackoffBase {
		c.Transport.BackoffMax = c.Transport.BackoffBase
	}
	if c.Transport.Jitter < 0 {
		c.Transport.Jitter = 0
	} else if c.Transport.Jitter > 1 {
		c.Transport.Jitter = 1
	}
	if c.Transport.RateLimit < 0 {
		c.Transport.RateLimit = 0
	}
	if c.Transport.RateBurst <= 0 {
		c.Transport.RateBurst = def.Transport.RateBurst
	}
	switch c.Storage.Backend {
	case StorageMemory, StorageFile, StorageBadger:
	default:
		c.Storage.Backend = StorageMemory
	}
	return c
}

// Cluster looks up a configured cluster by id.
func (c Config) Cluster(id string) (models.ClusterDescriptor, bool) {
	for _, cl := range c.Clusters {
		if cl.ID == id {
			return cl, true
		}
	}
	return models.ClusterDescriptor{}, false
}

// Validate reports configuration errors that Normalize cannot repair.
func (c Config) Validate() error {
	seen := make(map[string]bool, len(c.Clusters))
	for _, cl := range c.Clusters {
		if cl.ID == "" {
			return fmt.Errorf("cluster with empty id")
		}
		if seen[cl.ID] {
			return fmt.Errorf("duplicate cluster %q", cl.ID)
		}
		seen[cl.ID] = true
		if cl.Endpoint == "" {
			return fmt.Errorf("cluster %q has no endpoint", cl.ID)
		}
		if _, err := models.ParseCommitment(string(cl.Commitment)); err != nil {
			return fmt.Errorf("cluster %q: %w", cl.ID, err)
		}
	}
	if (c.Storage.Backend == StorageFile || c.Storage.Backend == StorageBadger) && c.Storage.Path == "" {
		return fmt.Errorf("storage backend %q requires a path", c.Storage.Backend)
	}
	return nil
}

// FromEnv returns a Config populated from environment variables,
// falling back to defaults for unset values.
func FromEnv() Config {
	cfg := Default()
	ApplyEnvOverrides(&cfg)
	return cfg.Normalize()
}

// LoadFile reads a YAML config file, merges it over the defaults and applies
// environment overrides. A missing or unparseable file yields the defaults.
func LoadFile(path string) Config {
	cfg := Default()
	logger := slog.Default().With("component", "config")

	data, err := os.ReadFile(path)
	switch {
	case err != nil:
		logger.Debug("config file not loaded", "path", path, "error", err)
	default:
		var parsed Config
		if err := yaml.Unmarshal(data, &parsed); err != nil {
			logger.Warn("config file invalid, using defaults", "path", path, "error", err)
		} else {
			Merge(&cfg, parsed)
		}
	}

	ApplyEnvOverrides(&cfg)
	return cfg.Normalize()
}

// Merge copies every non-zero field of src into dst.
func Merge(dst *Config, src Config) {
	if len(src.Clusters) > 0 {
		dst.Clusters = src.Clusters
	}
	if src.DefaultCluster != "" {
		dst.DefaultCluster = src.DefaultCluster
	}
	if src.Pool.MaxConnections != 0 {
		dst.Pool.MaxConnections = src.Pool.MaxConnections
	}
	if src.Pool.CleanupDelay != 0 {
		dst.Pool.CleanupDelay = src.Pool.CleanupDelay
	}
	if src.Query.RefreshInterval != 0 {
		dst.Query.RefreshInterval = src.Query.RefreshInterval
	}
	if src.Query.StaleAfter != 0 {
		dst.Query.StaleAfter = src.Query.StaleAfter
	}
	if src.Query.RetryDelay != 0 {
		dst.Query.RetryDelay = src.Query.RetryDelay
	}
	if src.Query.DisableRetry {
		dst.Query.DisableRetry = true
	}
	if src.Query.DisposeDelay != 0 {
		dst.Query.DisposeDelay = src.Query.DisposeDelay
	}
	if src.Transport.Timeout != 0 {
		dst.Transport.Timeout = src.Transport.Timeout
	}
	if src.Transport.MaxAttempts != 0 {
		dst.Transport.MaxAttempts = src.Transport.MaxAttempts
	}
	if src.Transport.BackoffBase != 0 {
		dst.Transport.BackoffBase = src.Transport.BackoffBase
	}
	if src.Transport.BackoffMax != 0 {
		dst.Transport.BackoffMax = src.Transport.BackoffMax
	}
	if src.Transport.Jitter != 0 {
		dst.Transport.Jitter = src.Transport.Jitter
	}
	if src.Transport.RateLimit != 0 {
		dst.Transport.RateLimit = src.Transport.RateLimit
	}
	if src.Transport.RateBurst != 0 {
		dst.Transport.RateBurst = src.Transport.RateBurst
	}
	if src.Storage.Backend != "" {
		dst.Storage.Backend = src.Storage.Backend
	}
	if src.Storage.Path != "" {
		dst.Storage.Path = src.Storage.Path
	}
	if src.Metrics {
		dst.Metrics = true
	}
}

// ApplyEnvOverrides applies CONNECTOR_* environment variables to cfg.
func ApplyEnvOverrides(cfg *Config) {
	if v := env("CONNECTOR_DEFAULT_CLUSTER"); v != "" {
		cfg.DefaultCluster = v
	}
	if v := env("CONNECTOR_POOL_MAX_CONNECTIONS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Pool.MaxConnections = n
		}
	}
	if v := env("CONNECTOR_POOL_CLEANUP_DELAY"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.Pool.CleanupDelay = d
		}
	}
	if v := env("CONNECTOR_QUERY_REFRESH_INTERVAL"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.Query.RefreshInterval = d
		}
	}
	if v := env("CONNECTOR_QUERY_STALE_AFTER"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.Query.StaleAfter = d
		}
	}
	if v := env("CONNECTOR_QUERY_RETRY_DELAY"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.Query.RetryDelay = d
		}
	}
	if v := env("CONNECTOR_QUERY_DISABLE_RETRY"); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			cfg.Query.DisableRetry = b
		}
	}
	if v := env("CONNECTOR_TRANSPORT_TIMEOUT"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.Transport.Timeout = d
		}
	}
	if v := env("CONNECTOR_TRANSPORT_MAX_ATTEMPTS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Transport.MaxAttempts = n
		}
	}
	if v := env("CONNECTOR_TRANSPORT_RATE_LIMIT"); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			cfg.Transport.RateLimit = f
		}
	}
	if v := env("CONNECTOR_STORAGE_BACKEND"); v != "" {
		cfg.Storage.Backend = v
	}
	if v := env("CONNECTOR_STORAGE_PATH"); v != "" {
		cfg.Storage.Path = v
	}
	if v := env("CONNECTOR_METRICS"); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			cfg.Metrics = b
		}
	}
}

func env(key string) string {
	return strings.TrimSpace(os.Getenv(key))
}
