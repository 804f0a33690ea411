package config

import (
	"os"
	"strconv"
	"time"

	"github.com/sirupsen/logrus"
)

// Environment variables that override file and default values.
const (
	EnvChunkSize         = "P2PSHARE_CHUNK_SIZE"
	EnvCompressionLevel  = "P2PSHARE_COMPRESSION_LEVEL"
	EnvReconcileInterval = "P2PSHARE_RECONCILE_INTERVAL"
	EnvCacheDir          = "P2PSHARE_CACHE_DIR"
	EnvLogLevel          = "P2PSHARE_LOG_LEVEL"
)

// ApplyEnvironmentOverrides updates cfg from P2PSHARE_* environment
// variables. Values that fail to parse are logged and ignored.
func ApplyEnvironmentOverrides(cfg *Config) {
	parseChunkSizeSetting(cfg)
	parseCompressionSetting(cfg)
	parseReconcileSetting(cfg)
	if dir := os.Getenv(EnvCacheDir); dir != "" {
		cfg.Cache.Dir = dir
	}
	if level := os.Getenv(EnvLogLevel); level != "" {
		cfg.Log.Level = level
	}
}

func parseChunkSizeSetting(cfg *Config) {
	value := os.Getenv(EnvChunkSize)
	if value == "" {
		return
	}
	size, err := strconv.ParseInt(value, 10, 64)
	if err != nil {
		warnUnparsed("parseChunkSizeSetting", EnvChunkSize, value, err, cfg.ChunkSize)
		return
	}
	cfg.ChunkSize = size
}

func parseCompressionSetting(cfg *Config) {
	value := os.Getenv(EnvCompressionLevel)
	if value == "" {
		return
	}
	level, err := strconv.Atoi(value)
	if err != nil {
		warnUnparsed("parseCompressionSetting", EnvCompressionLevel, value, err, cfg.CompressionLevel)
		return
	}
	cfg.CompressionLevel = level
}

func parseReconcileSetting(cfg *Config) {
	value := os.Getenv(EnvReconcileInterval)
	if value == "" {
		return
	}
	interval, err := time.ParseDuration(value)
	if err != nil {
		warnUnparsed("parseReconcileSetting", EnvReconcileInterval, value, err, cfg.ReconcileInterval)
		return
	}
	cfg.ReconcileInterval = interval
}

func warnUnparsed(function, envVar, value string, err error, using interface{}) {
	logrus.WithFields(logrus.Fields{
		"function":    function,
		"env_var":     envVar,
		"value":       value,
		"error":       err.Error(),
		"using_value": using,
	}).Warn("Failed to parse environment variable, using default")
}
