package config

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/opd-ai/p2pshare/cache"
	"github.com/opd-ai/p2pshare/compression"
	"github.com/opd-ai/p2pshare/file"
	"github.com/opd-ai/p2pshare/limits"
	"github.com/sirupsen/logrus"
	"gopkg.in/yaml.v3"
)

// ErrInvalidConfig indicates a configuration value outside its allowed range.
var ErrInvalidConfig = errors.New("invalid configuration")

// Validation bounds for values without a protocol limit.
const (
	MaxCompressionWorkers = 64
	MinReconcileInterval  = 100 * time.Millisecond
	MaxReconcileInterval  = 10 * time.Minute
)

// Config holds every tunable of a peer.
type Config struct {
	ChunkSize                  int64         `yaml:"chunk_size"`
	BlockSize                  int           `yaml:"block_size"`
	BufferedAmountLowThreshold uint64        `yaml:"buffered_amount_low_threshold"`
	CompressionLevel           int           `yaml:"compression_level"`
	CompressionWorkers         int           `yaml:"compression_workers"`
	ReconcileDelay             time.Duration `yaml:"reconcile_delay"`
	ReconcileInterval          time.Duration `yaml:"reconcile_interval"`
	DrainPollInterval          time.Duration `yaml:"drain_poll_interval"`

	Cache CacheConfig `yaml:"cache"`
	Log   LogConfig   `yaml:"log"`
}

// CacheConfig selects and sizes the chunk store.
type CacheConfig struct {
	// Dir is the badger directory. Empty selects an in-memory store.
	Dir             string `yaml:"dir"`
	InMemory        bool   `yaml:"in_memory"`
	MaxMemorySlices int    `yaml:"max_memory_slices"`
}

// LogConfig configures the standard logrus logger.
type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// Default returns a Config populated with default values.
//
// Default Value Rationale:
//   - ChunkSize: 10 MiB - unit of persistence and resumption
//   - BlockSize: 128 KiB - stays below the message size SCTP stacks accept
//   - BufferedAmountLowThreshold: 1 MiB - keeps channels busy without
//     queueing whole chunks
//   - ReconcileDelay: 10s - quiet period before re-requesting missing chunks
func Default() *Config {
	return &Config{
		ChunkSize:                  limits.DefaultChunkSize,
		BlockSize:                  limits.DefaultBlockSize,
		BufferedAmountLowThreshold: file.DefaultBufferedAmountLowThreshold,
		CompressionLevel:           compression.DefaultLevel,
		CompressionWorkers:         file.DefaultCompressionWorkers,
		ReconcileDelay:             file.DefaultReconcileDelay,
		ReconcileInterval:          file.DefaultReconcileInterval,
		DrainPollInterval:          file.DefaultDrainPollInterval,
		Cache: CacheConfig{
			MaxMemorySlices: cache.DefaultMaxMemorySlices,
		},
		Log: LogConfig{
			Level:  "info",
			Format: "text",
		},
	}
}

// Load reads a YAML file on top of the defaults, applies environment
// overrides and validates the result. Keys missing from the file keep their
// default value.
func Load(path string) (*Config, error) {
	cfg := Default()

	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	if err := yaml.Unmarshal(raw, cfg); err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrInvalidConfig, path, err)
	}
	ApplyEnvironmentOverrides(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	logrus.WithFields(logrus.Fields{
		"function":   "Load",
		"path":       path,
		"chunk_size": cfg.ChunkSize,
		"block_size": cfg.BlockSize,
		"cache_dir":  cfg.Cache.Dir,
	}).Info("Loaded configuration")

	return cfg, nil
}

// Validate checks every value against the protocol limits.
func (c *Config) Validate() error {
	if err := limits.ValidateChunkSize(c.ChunkSize); err != nil {
		return fmt.Errorf("%w: chunk_size: %v", ErrInvalidConfig, err)
	}
	if err := limits.ValidateBlockSize(c.BlockSize); err != nil {
		return fmt.Errorf("%w: block_size: %v", ErrInvalidConfig, err)
	}
	if c.BufferedAmountLowThreshold == 0 {
		return fmt.Errorf("%w: buffered_amount_low_threshold must be positive", ErrInvalidConfig)
	}
	if c.CompressionLevel < compression.MinLevel || c.CompressionLevel > compression.MaxLevel {
		return fmt.Errorf("%w: compression_level %d outside [%d, %d]",
			ErrInvalidConfig, c.CompressionLevel, compression.MinLevel, compression.MaxLevel)
	}
	if c.CompressionWorkers < 1 || c.CompressionWorkers > MaxCompressionWorkers {
		return fmt.Errorf("%w: compression_workers %d outside [1, %d]",
			ErrInvalidConfig, c.CompressionWorkers, MaxCompressionWorkers)
	}
	if err := checkInterval("reconcile_delay", c.ReconcileDelay); err != nil {
		return err
	}
	if err := checkInterval("reconcile_interval", c.ReconcileInterval); err != nil {
		return err
	}
	if c.DrainPollInterval <= 0 {
		return fmt.Errorf("%w: drain_poll_interval must be positive", ErrInvalidConfig)
	}
	if c.Cache.MaxMemorySlices < 0 {
		return fmt.Errorf("%w: cache.max_memory_slices must not be negative", ErrInvalidConfig)
	}
	if _, err := logrus.ParseLevel(c.Log.Level); err != nil {
		return fmt.Errorf("%w: log.level: %v", ErrInvalidConfig, err)
	}
	if c.Log.Format != "text" && c.Log.Format != "json" {
		return fmt.Errorf("%w: log.format %q is not text or json", ErrInvalidConfig, c.Log.Format)
	}
	return nil
}

func checkInterval(name string, d time.Duration) error {
	if d < MinReconcileInterval || d > MaxReconcileInterval {
		return fmt.Errorf("%w: %s %s outside [%s, %s]",
			ErrInvalidConfig, name, d, MinReconcileInterval, MaxReconcileInterval)
	}
	return nil
}

// TransferOptions derives the per-transfer engine options.
func (c *Config) TransferOptions() file.Options {
	opts := file.DefaultOptions()
	opts.BlockSize = c.BlockSize
	opts.BufferedAmountLowThreshold = c.BufferedAmountLowThreshold
	opts.CompressionLevel = c.CompressionLevel
	opts.ReconcileDelay = c.ReconcileDelay
	opts.ReconcileInterval = c.ReconcileInterval
	opts.DrainPollInterval = c.DrainPollInterval
	return opts
}

// ManagerOptions derives the session manager options.
func (c *Config) ManagerOptions() file.ManagerOptions {
	return file.ManagerOptions{
		Transfer:           c.TransferOptions(),
		ChunkSize:          c.ChunkSize,
		CompressionWorkers: c.CompressionWorkers,
	}
}

// CacheOptions derives the chunk cache options.
func (c *Config) CacheOptions() cache.Options {
	return cache.Options{MaxMemorySlices: c.Cache.MaxMemorySlices}
}

// OpenStore opens the configured chunk store: badger on disk when a
// directory is set, badger in memory when in_memory is set, and the plain
// map store otherwise.
func (c *Config) OpenStore() (cache.Store, error) {
	switch {
	case c.Cache.Dir != "":
		return cache.OpenBadgerStore(c.Cache.Dir, false)
	case c.Cache.InMemory:
		return cache.OpenBadgerStore("", true)
	default:
		return cache.NewMemoryStore(), nil
	}
}

// NewManager opens the store, loads the caches it holds and returns a
// session manager over them.
func (c *Config) NewManager(ctx context.Context) (*file.Manager, error) {
	store, err := c.OpenStore()
	if err != nil {
		return nil, err
	}
	registry := cache.NewRegistry(store, c.CacheOptions())
	if err := registry.Load(ctx); err != nil {
		_ = registry.Close()
		return nil, err
	}
	m, err := file.NewManager(registry, c.ManagerOptions())
	if err != nil {
		_ = registry.Close()
		return nil, err
	}
	return m, nil
}
