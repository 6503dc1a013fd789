package database

import (
	"os"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"
	"gopkg.in/yaml.v3"
)

// Config is the engine's configuration surface, buildable
// programmatically or loaded from a YAML file via LoadConfig for
// embedding contexts that prefer file-based configuration.
type Config struct {
	BaseFile  string   `yaml:"base_file"`
	DataFiles []string `yaml:"data_files"`

	PageSize int `yaml:"page_size"`

	MinCachedBytes      int64 `yaml:"min_cached_bytes"`
	MaxCachedBytes      int64 `yaml:"max_cached_bytes"`
	FlushThresholdBytes int64 `yaml:"flush_threshold_bytes"`

	DurabilityMode  string `yaml:"durability_mode"`
	LockTimeout     string `yaml:"lock_timeout"`
	LockUpgradeRule string `yaml:"lock_upgrade_rule"`

	ReadOnly  bool `yaml:"read_only"`
	MkDirs    bool `yaml:"mkdirs"`
	FileSync  bool `yaml:"file_sync"`

	FragmentCacheShards int `yaml:"fragment_cache_shards"`

	MetricsNamespace string `yaml:"metrics_namespace"`

	// Logger and Registerer are not YAML-serializable; set after
	// LoadConfig or directly when building a Config in code. A zero
	// value Logger defaults to zerolog.Nop(), keeping the engine silent
	// unless a caller opts in, matching an embeddable-library posture.
	Logger     zerolog.Logger         `yaml:"-"`
	Registerer prometheus.Registerer `yaml:"-"`
}

// DefaultConfig returns a Config with every optional field at its
// documented default.
func DefaultConfig(baseFile string) *Config {
	return &Config{
		BaseFile:            baseFile,
		PageSize:            4096,
		MinCachedBytes:      1 << 20,
		MaxCachedBytes:      64 << 20,
		FlushThresholdBytes: 8 << 20,
		DurabilityMode:      "sync",
		LockTimeout:         "1s",
		LockUpgradeRule:     "strict",
		FragmentCacheShards: 16,
		MetricsNamespace:    "tuplekv",
		Logger:              zerolog.Nop(),
	}
}

// LoadConfig reads a YAML configuration file and fills in any field
// left at its zero value with DefaultConfig's default.
func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, wrapErr(CodeIOError, "read config file", err)
	}
	cfg := DefaultConfig("")
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, wrapErr(CodeInvalidArgument, "parse config YAML", err)
	}
	if cfg.BaseFile == "" {
		return nil, newErr(CodeInvalidArgument, "base_file is required")
	}
	cfg.Logger = zerolog.Nop()
	def := DefaultConfig(cfg.BaseFile)
	if cfg.PageSize == 0 {
		cfg.PageSize = def.PageSize
	}
	if cfg.MinCachedBytes == 0 {
		cfg.MinCachedBytes = def.MinCachedBytes
	}
	if cfg.MaxCachedBytes == 0 {
		cfg.MaxCachedBytes = def.MaxCachedBytes
	}
	if cfg.FlushThresholdBytes == 0 {
		cfg.FlushThresholdBytes = def.FlushThresholdBytes
	}
	if cfg.DurabilityMode == "" {
		cfg.DurabilityMode = def.DurabilityMode
	}
	if cfg.LockTimeout == "" {
		cfg.LockTimeout = def.LockTimeout
	}
	if cfg.LockUpgradeRule == "" {
		cfg.LockUpgradeRule = def.LockUpgradeRule
	}
	if cfg.FragmentCacheShards == 0 {
		cfg.FragmentCacheShards = def.FragmentCacheShards
	}
	if cfg.MetricsNamespace == "" {
		cfg.MetricsNamespace = def.MetricsNamespace
	}
	return cfg, nil
}

func (c *Config) durabilityMode() (DurabilityMode, error) {
	switch c.DurabilityMode {
	case "", "sync":
		return DurabilitySync, nil
	case "no_sync":
		return DurabilityNoSync, nil
	case "no_flush":
		return DurabilityNoFlush, nil
	case "no_redo":
		return DurabilityNoRedo, nil
	default:
		return 0, newErr(CodeInvalidArgument, "unknown durability_mode: "+c.DurabilityMode)
	}
}

func (c *Config) lockUpgradeRule() (LockUpgradeRule, error) {
	switch c.LockUpgradeRule {
	case "", "strict":
		return UpgradeStrict, nil
	case "lenient":
		return UpgradeLenient, nil
	case "unchecked":
		return UpgradeUnchecked, nil
	default:
		return 0, newErr(CodeInvalidArgument, "unknown lock_upgrade_rule: "+c.LockUpgradeRule)
	}
}

func (c *Config) lockTimeout() (time.Duration, error) {
	if c.LockTimeout == "" {
		return time.Second, nil
	}
	d, err := time.ParseDuration(c.LockTimeout)
	if err != nil {
		return 0, wrapErr(CodeInvalidArgument, "parse lock_timeout", err)
	}
	return d, nil
}
