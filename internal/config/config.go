// Package config loads archive configuration from the environment (and
// an optional config file) via viper, the way the teacher codebase
// configures its servers.
package config

import (
	"encoding/base64"
	"fmt"
	"os"
	"time"

	"github.com/spf13/viper"

	"github.com/prn-tf/deltavault/internal/hashing"
)

// Config is the full set of tunables for an archive instance.
type Config struct {
	// WorkDir is <prefix>: the root directory holding meta.db,
	// objects/, and tmp/. Overridable via WORKDIR or ARCHIVE_WORKDIR.
	WorkDir string

	// MaxRoots bounds how many roots the eviction policy keeps beyond
	// genesis and latest.
	MaxRoots int

	// MaxAge is the age ceiling used when scoring roots for eviction.
	MaxAge int64

	// HashKey is the 32-byte HighwayHash key used for every content and
	// store hash computed by this instance.
	HashKey [hashing.KeySize]byte

	// DeltaBlockSize is the rolling differ's block size in bytes.
	DeltaBlockSize int

	// IndexMaxRetries bounds retries on a locked metadata index.
	IndexMaxRetries int

	// IndexRetryWait is the base backoff between locked-index retries.
	IndexRetryWait time.Duration

	// CacheAddr, if set, is a redis address used to cache reconstructed
	// GET results. Empty disables the cache.
	CacheAddr string

	// MetricsAddr, if set, is the address the Prometheus metrics
	// handler listens on.
	MetricsAddr string
}

// Load reads configuration from the environment (ARCHIVE_ prefix, plus
// the legacy WORKDIR variable for compatibility with the distilled
// spec) and an optional config file, falling back to documented
// defaults.
func Load() (*Config, error) {
	v := viper.New()
	v.SetEnvPrefix("ARCHIVE")
	v.AutomaticEnv()

	v.SetDefault("workdir", "data")
	v.SetDefault("max_roots", 5)
	v.SetDefault("max_age", 100)
	v.SetDefault("delta_block_size", 4096)
	v.SetDefault("index_max_retries", 5)
	v.SetDefault("index_retry_wait_ms", 20)
	v.SetDefault("cache_addr", "")
	v.SetDefault("metrics_addr", "")

	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("read config file: %w", err)
		}
	}

	workDir := v.GetString("workdir")
	// v.AutomaticEnv with SetEnvPrefix("ARCHIVE") makes every viper Get
	// check ARCHIVE_<KEY>, so v.GetString("WORKDIR") here would resolve
	// to the same ARCHIVE_WORKDIR as v.GetString("workdir") above. The
	// bare legacy variable has to be read straight from the environment.
	if legacy := os.Getenv("WORKDIR"); legacy != "" {
		workDir = legacy
	}

	key, err := loadHashKey(v)
	if err != nil {
		return nil, err
	}

	return &Config{
		WorkDir:         workDir,
		MaxRoots:        v.GetInt("max_roots"),
		MaxAge:          v.GetInt64("max_age"),
		HashKey:         key,
		DeltaBlockSize:  v.GetInt("delta_block_size"),
		IndexMaxRetries: v.GetInt("index_max_retries"),
		IndexRetryWait:  time.Duration(v.GetInt("index_retry_wait_ms")) * time.Millisecond,
		CacheAddr:       v.GetString("cache_addr"),
		MetricsAddr:     v.GetString("metrics_addr"),
	}, nil
}

func loadHashKey(v *viper.Viper) ([hashing.KeySize]byte, error) {
	encoded := v.GetString("hash_key")
	if encoded == "" {
		return hashing.DefaultKey, nil
	}
	raw, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return [hashing.KeySize]byte{}, fmt.Errorf("decode ARCHIVE_HASH_KEY: %w", err)
	}
	if len(raw) != hashing.KeySize {
		return [hashing.KeySize]byte{}, fmt.Errorf("ARCHIVE_HASH_KEY must be %d bytes, got %d", hashing.KeySize, len(raw))
	}
	var key [hashing.KeySize]byte
	copy(key[:], raw)
	return key, nil
}
