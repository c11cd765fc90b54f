// Package config loads and validates lanecache settings from YAML.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"time"

	platformerrors "github.com/jmgilman/go/errors"
	"gopkg.in/yaml.v3"

	"lanecache/internal/cache"
)

// Backing store kinds.
const (
	BackingMemory = "memory"
	BackingFS     = "fs"
)

// Backing selects and tunes the store behind the cache.
type Backing struct {
	// Kind is "memory" or "fs".
	Kind string `yaml:"kind"`
	// Dir is the root directory of the fs store.
	Dir string `yaml:"dir"`
	// Latency is added to every memory store call, to simulate a slow database.
	Latency time.Duration `yaml:"latency"`
}

// Config is the top-level configuration of the lanecache binary.
type Config struct {
	Capacity    int    `yaml:"capacity"`
	Lanes       int    `yaml:"lanes"`
	WritePolicy string `yaml:"write_policy"`
	// FlushInterval drives background write-back flushes. Zero disables them.
	FlushInterval time.Duration `yaml:"flush_interval"`
	Backing       Backing       `yaml:"backing"`
	// CacheLatency is added to cache store reads and writes.
	CacheLatency time.Duration `yaml:"cache_latency"`
	// MetricsAddr enables the /metrics and /health endpoints when set.
	MetricsAddr string `yaml:"metrics_addr"`
	LogLevel    string `yaml:"log_level"`
}

// Default returns the configuration used when no file is given.
func Default() Config {
	return Config{
		Capacity:      2,
		Lanes:         4,
		WritePolicy:   cache.PolicyWriteThrough,
		FlushInterval: time.Second,
		Backing: Backing{
			Kind:    BackingMemory,
			Latency: 2 * time.Second,
		},
		CacheLatency: time.Second,
		LogLevel:     "info",
	}
}

// Load reads the YAML file at path on top of Default and validates it.
func Load(path string) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, platformerrors.WrapWithContext(err, platformerrors.CodeNotFound, "failed to read config file", map[string]interface{}{
			"path": path,
		})
	}
	return Parse(data)
}

// Parse decodes YAML on top of Default and validates the result. Unknown
// fields are rejected.
func Parse(data []byte) (Config, error) {
	cfg := Default()

	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&cfg); err != nil && !errors.Is(err, io.EOF) {
		return Config{}, platformerrors.Wrap(err, platformerrors.CodeInvalidConfig, "failed to parse config")
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate reports the first invalid setting.
func (c Config) Validate() error {
	switch {
	case c.Capacity <= 0:
		return invalid("capacity", c.Capacity, "must be positive")
	case c.Lanes <= 0:
		return invalid("lanes", c.Lanes, "must be positive")
	case c.FlushInterval < 0:
		return invalid("flush_interval", c.FlushInterval, "must not be negative")
	case c.CacheLatency < 0:
		return invalid("cache_latency", c.CacheLatency, "must not be negative")
	case c.Backing.Latency < 0:
		return invalid("backing.latency", c.Backing.Latency, "must not be negative")
	}

	switch c.WritePolicy {
	case cache.PolicyWriteThrough, cache.PolicyWriteAround, cache.PolicyWriteBack:
	default:
		return invalid("write_policy", c.WritePolicy, "unknown write policy")
	}

	switch c.Backing.Kind {
	case BackingMemory:
	case BackingFS:
		if c.Backing.Dir == "" {
			return invalid("backing.dir", c.Backing.Dir, "required for the fs backing store")
		}
	default:
		return invalid("backing.kind", c.Backing.Kind, "unknown backing store")
	}

	if _, err := c.Level(); err != nil {
		return err
	}
	return nil
}

// Level parses LogLevel. An empty level means info.
func (c Config) Level() (slog.Level, error) {
	var lvl slog.Level
	if c.LogLevel == "" {
		return slog.LevelInfo, nil
	}
	if err := lvl.UnmarshalText([]byte(c.LogLevel)); err != nil {
		return 0, invalid("log_level", c.LogLevel, "unknown log level")
	}
	return lvl, nil
}

func invalid(field string, value interface{}, reason string) error {
	err := platformerrors.New(platformerrors.CodeInvalidConfig, fmt.Sprintf("%s %s", field, reason))
	return platformerrors.WithContextMap(err, map[string]interface{}{
		"field": field,
		"value": value,
	})
}
