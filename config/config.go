package config

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// ConsistencyConfig holds consistency-gate configurations.
type ConsistencyConfig struct {
	// Mode is "strict" or "relaxed". The read path always issues the relaxed
	// form; "strict" forces a leader round trip on every query.
	Mode string `yaml:"mode"`
	// LeaderTimeout bounds the leader read-index exchange.
	LeaderTimeout string `yaml:"leader_timeout"`
	// ObservedTermLease is how long a confirmed leader term satisfies a
	// relaxed check without another round trip.
	ObservedTermLease string `yaml:"observed_term_lease"`
}

// FetchConfig holds remote batch-fetch configurations.
type FetchConfig struct {
	BatchSize   int    `yaml:"batch_size"`
	Compression string `yaml:"compression"`
	// RequestTimeout bounds a single remote reader operation.
	RequestTimeout string `yaml:"request_timeout"`
}

// PartitionConfig holds partition-table configurations.
type PartitionConfig struct {
	// Slots is the size of the hash space device paths are mapped into.
	Slots uint32 `yaml:"slots"`
}

// QueryConfig holds query-coordinator configurations.
type QueryConfig struct {
	// GroupParallelism caps concurrent per-group remote opens for one query.
	GroupParallelism int `yaml:"group_parallelism"`
}

// Config is the root configuration of the cluster query layer.
type Config struct {
	Consistency ConsistencyConfig `yaml:"consistency"`
	Fetch       FetchConfig       `yaml:"fetch"`
	Partition   PartitionConfig   `yaml:"partition"`
	Query       QueryConfig       `yaml:"query"`
}

// ParseDuration parses a duration string. Returns the default duration if
// the string is empty or invalid.
func ParseDuration(durationStr string, defaultDuration time.Duration, logger *slog.Logger) time.Duration {
	if durationStr == "" {
		return defaultDuration
	}
	d, err := time.ParseDuration(durationStr)
	if err != nil {
		if logger != nil {
			logger.Warn("Invalid duration string, using default.", "value", durationStr, "default", defaultDuration)
		}
		return defaultDuration
	}
	return d
}

// DefaultConfig returns the configuration with every default applied.
func DefaultConfig() *Config {
	cfg, _ := Load(nil)
	return cfg
}

// Load reads configuration YAML from r, applying defaults for anything not
// set. A nil reader or empty input yields the defaults.
func Load(r io.Reader) (*Config, error) {
	cfg := &Config{
		Consistency: ConsistencyConfig{
			Mode:              "relaxed",
			LeaderTimeout:     "5s",
			ObservedTermLease: "10s",
		},
		Fetch: FetchConfig{
			BatchSize:      4096,
			Compression:    "snappy",
			RequestTimeout: "30s",
		},
		Partition: PartitionConfig{
			Slots: 10000,
		},
		Query: QueryConfig{
			GroupParallelism: 8,
		},
	}

	if r == nil {
		return cfg, nil
	}

	data, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("failed to read config data: %w", err)
	}
	if len(data) == 0 {
		return cfg, nil
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config yaml: %w", err)
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// LoadConfig reads configuration from a YAML file by path. A missing file
// yields the defaults.
func LoadConfig(path string) (*Config, error) {
	file, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return Load(nil)
		}
		return nil, fmt.Errorf("failed to open config file %s: %w", path, err)
	}
	defer file.Close()

	return Load(file)
}

func (c *Config) validate() error {
	switch c.Consistency.Mode {
	case "strict", "relaxed":
	default:
		return fmt.Errorf("invalid consistency mode %q (want strict or relaxed)", c.Consistency.Mode)
	}
	switch c.Fetch.Compression {
	case "none", "snappy", "lz4", "zstd":
	default:
		return fmt.Errorf("invalid fetch compression %q", c.Fetch.Compression)
	}
	if c.Fetch.BatchSize <= 0 {
		return fmt.Errorf("fetch batch_size must be positive, got %d", c.Fetch.BatchSize)
	}
	if c.Partition.Slots == 0 {
		return fmt.Errorf("partition slots must be positive")
	}
	if c.Query.GroupParallelism <= 0 {
		return fmt.Errorf("query group_parallelism must be positive, got %d", c.Query.GroupParallelism)
	}
	return nil
}
