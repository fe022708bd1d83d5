// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package config

import (
	"bytes"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"regexp"
	"strconv"
	"strings"

	"filippo.io/age"
	"gopkg.in/yaml.v3"

	"github.com/bureau-foundation/enclave/lib/boundary"
	"github.com/bureau-foundation/enclave/lib/pfs"
	"github.com/bureau-foundation/enclave/lib/sealed"
)

// EnvVar names the environment variable [Load] reads the config path
// from.
const EnvVar = "ENCLAVE_CONFIG"

// Environment represents the deployment environment.
type Environment string

const (
	// Development is for local development machines.
	Development Environment = "development"
	// Staging is for pre-production testing.
	Staging Environment = "staging"
	// Production is for production deployments.
	Production Environment = "production"
)

// Config is the runtime configuration read at load time.
type Config struct {
	// Environment identifies the deployment type (development, staging, production).
	Environment Environment `yaml:"environment"`

	// Memory sizes the enclave region and the shared arena.
	Memory MemoryConfig `yaml:"memory"`

	// Threads bounds the thread table.
	Threads ThreadsConfig `yaml:"threads"`

	// Storage configures the protected file system.
	Storage StorageConfig `yaml:"storage"`

	// Features lists the enabled runtime features by name ("thread",
	// "untrusted_fs", "pipe", "net", "untrusted_time", "backtrace",
	// "stdio"). Core is always enabled.
	Features []string `yaml:"features"`

	// Operators configures who can read abort records.
	Operators OperatorsConfig `yaml:"operators"`

	// Log configures the binary's structured logger.
	Log LogConfig `yaml:"log"`

	// Per-environment overrides, applied after the base config is
	// loaded.
	Development *ConfigOverrides `yaml:"development,omitempty"`
	Staging     *ConfigOverrides `yaml:"staging,omitempty"`
	Production  *ConfigOverrides `yaml:"production,omitempty"`
}

// ConfigOverrides contains fields that can be overridden per environment.
type ConfigOverrides struct {
	Memory    *MemoryConfig    `yaml:"memory,omitempty"`
	Threads   *ThreadsConfig   `yaml:"threads,omitempty"`
	Storage   *StorageConfig   `yaml:"storage,omitempty"`
	Features  []string         `yaml:"features,omitempty"`
	Operators *OperatorsConfig `yaml:"operators,omitempty"`
	Log       *LogConfig       `yaml:"log,omitempty"`
}

// MemoryConfig sizes enclave memory.
type MemoryConfig struct {
	// HeapSize is the enclave region, all of which backs the enclave
	// heap. Default: 64MiB
	HeapSize Size `yaml:"heap_size"`

	// SharedSize is the host-visible arena that stages boundary
	// arguments and transfer buffers. Default: 16MiB
	SharedSize Size `yaml:"shared_size"`

	// RequireLock fails the load when the region cannot be mlocked.
	// Default: false (development), true (production)
	RequireLock bool `yaml:"require_lock"`
}

// ThreadsConfig bounds threading.
type ThreadsConfig struct {
	// Max bounds the enclave thread table, main thread included, and
	// the host's concurrently running spawned threads.
	// Default: 64
	Max int `yaml:"max"`

	// MaxKeys bounds thread-local storage keys.
	// Default: 128
	MaxKeys int `yaml:"max_keys"`
}

// StorageConfig configures protected files.
type StorageConfig struct {
	// Dir is the host directory holding protected-file backing files.
	// Default: ${ENCLAVE_ROOT}/storage
	Dir string `yaml:"dir"`

	// BlockSize applies to files created by this enclave.
	// Default: 4096
	BlockSize int `yaml:"block_size"`

	// MaxDirty is how many dirty blocks a handle holds before a
	// write flushes.
	// Default: 256
	MaxDirty int `yaml:"max_dirty"`

	// CacheBlocks is how many verified plaintext blocks each open
	// file keeps in enclave memory. Zero disables the cache.
	// Default: 64
	CacheBlocks int `yaml:"cache_blocks"`

	// KeyFile holds the hex-encoded sealing master key. Empty means
	// a random key per load: files do not survive a restart.
	KeyFile string `yaml:"key_file"`
}

// OperatorsConfig lists abort report readers.
type OperatorsConfig struct {
	// Recipients are age public keys (age1...). Empty means abort
	// records never leave the enclave; only the cause kind does.
	Recipients []string `yaml:"recipients"`
}

// LogConfig configures logging.
type LogConfig struct {
	// Level is one of debug, info, warn, error.
	// Default: info
	Level string `yaml:"level"`
}

// Size is a byte count that accepts unit suffixes in YAML: "64MiB",
// "512KiB", "1G", or a bare integer.
type Size int64

var sizeUnits = []struct {
	suffix     string
	multiplier int64
}{
	{"KiB", 1 << 10},
	{"MiB", 1 << 20},
	{"GiB", 1 << 30},
	{"K", 1 << 10},
	{"M", 1 << 20},
	{"G", 1 << 30},
	{"B", 1},
}

// ParseSize parses a byte count with an optional unit suffix.
func ParseSize(text string) (Size, error) {
	text = strings.TrimSpace(text)
	multiplier := int64(1)
	for _, unit := range sizeUnits {
		if strings.HasSuffix(text, unit.suffix) {
			multiplier = unit.multiplier
			text = strings.TrimSpace(strings.TrimSuffix(text, unit.suffix))
			break
		}
	}
	value, err := strconv.ParseInt(text, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid size %q", text)
	}
	if value < 0 || value > (1<<62)/multiplier {
		return 0, fmt.Errorf("size %q out of range", text)
	}
	return Size(value * multiplier), nil
}

// UnmarshalYAML implements yaml.Unmarshaler.
func (s *Size) UnmarshalYAML(node *yaml.Node) error {
	if node.Kind != yaml.ScalarNode {
		return fmt.Errorf("line %d: size must be a scalar", node.Line)
	}
	parsed, err := ParseSize(node.Value)
	if err != nil {
		return fmt.Errorf("line %d: %w", node.Line, err)
	}
	*s = parsed
	return nil
}

// Int returns the size as an int.
func (s Size) Int() int { return int(s) }

// Default returns the default configuration.
// These defaults are used as a base before loading the config file.
// They exist primarily to ensure all fields have sensible zero-values,
// not as a fallback - the config file is required.
func Default() *Config {
	return &Config{
		Environment: Development,
		Memory: MemoryConfig{
			HeapSize:   64 << 20,
			SharedSize: 16 << 20,
		},
		Threads: ThreadsConfig{
			Max:     64,
			MaxKeys: 128,
		},
		Storage: StorageConfig{
			Dir:         "${ENCLAVE_ROOT:-/var/lib/enclave}/storage",
			BlockSize:   pfs.DefaultBlockSize,
			MaxDirty:    256,
			CacheBlocks: 64,
		},
		Features: []string{"thread", "backtrace", "stdio"},
		Log: LogConfig{
			Level: "info",
		},
	}
}

// Load loads configuration from the ENCLAVE_CONFIG environment variable.
//
// This is the only way to load configuration without an explicit path.
// There are no fallbacks or defaults - if ENCLAVE_CONFIG is not set, this fails.
func Load() (*Config, error) {
	configPath := os.Getenv(EnvVar)
	if configPath == "" {
		return nil, errors.New(EnvVar + " environment variable not set; " +
			"set it to the path of your enclave.yaml config file, or use --config flag")
	}

	return LoadFile(configPath)
}

// LoadFile loads configuration from a specific file path.
//
// The config file is the single source of truth. Environment variables do not
// override config values. The only expansion performed is ${HOME},
// ${ENCLAVE_ROOT} and ${VAR:-default} in path fields.
func LoadFile(path string) (*Config, error) {
	cfg := Default()

	if err := cfg.loadFile(path); err != nil {
		return nil, err
	}

	cfg.applyEnvironmentOverrides()
	cfg.expandVariables()

	return cfg, nil
}

// loadFile loads a single configuration file, merging into the current config.
func (c *Config) loadFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}

	decoder := yaml.NewDecoder(bytes.NewReader(data))
	decoder.KnownFields(true)
	if err := decoder.Decode(c); err != nil {
		return fmt.Errorf("parsing %s: %w", path, err)
	}
	return nil
}

// applyEnvironmentOverrides applies the environment-specific overrides.
func (c *Config) applyEnvironmentOverrides() {
	var overrides *ConfigOverrides

	switch c.Environment {
	case Development:
		overrides = c.Development
	case Staging:
		overrides = c.Staging
	case Production:
		overrides = c.Production
		// Production defaults: unswappable enclave memory.
		if overrides == nil {
			overrides = &ConfigOverrides{
				Memory: &MemoryConfig{RequireLock: true},
			}
		}
	}

	if overrides == nil {
		return
	}

	if overrides.Memory != nil {
		if overrides.Memory.HeapSize != 0 {
			c.Memory.HeapSize = overrides.Memory.HeapSize
		}
		if overrides.Memory.SharedSize != 0 {
			c.Memory.SharedSize = overrides.Memory.SharedSize
		}
		// RequireLock is a bool, so we always apply it from overrides.
		c.Memory.RequireLock = overrides.Memory.RequireLock
	}

	if overrides.Threads != nil {
		if overrides.Threads.Max != 0 {
			c.Threads.Max = overrides.Threads.Max
		}
		if overrides.Threads.MaxKeys != 0 {
			c.Threads.MaxKeys = overrides.Threads.MaxKeys
		}
	}

	if overrides.Storage != nil {
		if overrides.Storage.Dir != "" {
			c.Storage.Dir = overrides.Storage.Dir
		}
		if overrides.Storage.BlockSize != 0 {
			c.Storage.BlockSize = overrides.Storage.BlockSize
		}
		if overrides.Storage.MaxDirty != 0 {
			c.Storage.MaxDirty = overrides.Storage.MaxDirty
		}
		if overrides.Storage.CacheBlocks != 0 {
			c.Storage.CacheBlocks = overrides.Storage.CacheBlocks
		}
		if overrides.Storage.KeyFile != "" {
			c.Storage.KeyFile = overrides.Storage.KeyFile
		}
	}

	if overrides.Features != nil {
		c.Features = overrides.Features
	}

	if overrides.Operators != nil && overrides.Operators.Recipients != nil {
		c.Operators.Recipients = overrides.Operators.Recipients
	}

	if overrides.Log != nil && overrides.Log.Level != "" {
		c.Log.Level = overrides.Log.Level
	}
}

// expandVariables expands ${VAR} and ${VAR:-default} patterns in paths.
func (c *Config) expandVariables() {
	vars := map[string]string{
		"HOME": os.Getenv("HOME"),
	}

	c.Storage.Dir = expandVars(c.Storage.Dir, vars)
	c.Storage.KeyFile = expandVars(c.Storage.KeyFile, vars)
}

// expandVars expands ${VAR} and ${VAR:-default} patterns.
var varPattern = regexp.MustCompile(`\$\{([^}:]+)(?::-([^}]*))?\}`)

func expandVars(s string, vars map[string]string) string {
	return varPattern.ReplaceAllStringFunc(s, func(match string) string {
		parts := varPattern.FindStringSubmatch(match)
		if len(parts) < 2 {
			return match
		}

		name := parts[1]
		defaultValue := ""
		if len(parts) >= 3 {
			defaultValue = parts[2]
		}

		// Check provided vars first, then environment.
		if value, ok := vars[name]; ok && value != "" {
			return value
		}
		if value := os.Getenv(name); value != "" {
			return value
		}
		return defaultValue
	})
}

// Validate checks the configuration for errors.
func (c *Config) Validate() error {
	var errs []error

	if c.Environment != Development && c.Environment != Staging && c.Environment != Production {
		errs = append(errs, fmt.Errorf("invalid environment: %s", c.Environment))
	}

	if c.Memory.HeapSize <= 0 {
		errs = append(errs, fmt.Errorf("memory.heap_size must be positive"))
	}
	if c.Memory.SharedSize <= 0 {
		errs = append(errs, fmt.Errorf("memory.shared_size must be positive"))
	}

	if c.Threads.Max < 1 {
		errs = append(errs, fmt.Errorf("threads.max must be at least 1"))
	}
	if c.Threads.MaxKeys < 0 {
		errs = append(errs, fmt.Errorf("threads.max_keys must not be negative"))
	}

	if c.Storage.Dir == "" {
		errs = append(errs, fmt.Errorf("storage.dir is required"))
	}
	if !pfs.ValidBlockSize(c.Storage.BlockSize) {
		errs = append(errs, fmt.Errorf("storage.block_size must be a power of two in [%d, %d]",
			pfs.MinBlockSize, pfs.MaxBlockSize))
	}
	if c.Storage.MaxDirty < 1 {
		errs = append(errs, fmt.Errorf("storage.max_dirty must be at least 1"))
	}
	if c.Storage.CacheBlocks < 0 {
		errs = append(errs, fmt.Errorf("storage.cache_blocks must not be negative"))
	}

	if _, err := c.FeatureSet(); err != nil {
		errs = append(errs, fmt.Errorf("features: %w", err))
	}
	if _, err := c.Recipients(); err != nil {
		errs = append(errs, fmt.Errorf("operators.recipients: %w", err))
	}
	if _, err := c.LogLevel(); err != nil {
		errs = append(errs, fmt.Errorf("log.level: %w", err))
	}

	if len(errs) > 0 {
		return errors.Join(errs...)
	}
	return nil
}

// FeatureSet parses Features.
func (c *Config) FeatureSet() (boundary.Feature, error) {
	return boundary.ParseFeatures(c.Features)
}

// Recipients parses the operator recipient keys.
func (c *Config) Recipients() ([]age.Recipient, error) {
	return sealed.ParseRecipients(c.Operators.Recipients)
}

// LogLevel parses Log.Level.
func (c *Config) LogLevel() (slog.Level, error) {
	var level slog.Level
	if err := level.UnmarshalText([]byte(c.Log.Level)); err != nil {
		return 0, err
	}
	return level, nil
}

// EnsurePaths creates the storage directory if it does not exist.
func (c *Config) EnsurePaths() error {
	if c.Storage.Dir == "" {
		return nil
	}
	if err := os.MkdirAll(c.Storage.Dir, 0o700); err != nil {
		return fmt.Errorf("creating %s: %w", c.Storage.Dir, err)
	}
	return nil
}
