package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

// SourceKind selects which ActivationSource backing a deployment uses.
type SourceKind int

const (
	SourceLive SourceKind = iota
	SourcePrecomputed
)

func (k SourceKind) String() string {
	if k == SourcePrecomputed {
		return "precomputed"
	}
	return "live"
}

// Config drives construction of an activation source and query index.
// Field names mirror the on-disk config file keys.
type Config struct {
	LayerName     string   `yaml:"layer_name" json:"layer_name"`
	LayerPatterns []string `yaml:"layer_patterns" json:"layer_patterns"`

	// Live source
	DataPath      string `yaml:"data_path" json:"data_path"`
	SAECheckpoint string `yaml:"sae_checkpoint" json:"sae_checkpoint"`

	// Precomputed source
	StoreDir string `yaml:"store_dir" json:"store_dir"`
	FromDisk bool   `yaml:"from_disk" json:"from_disk"`

	BatchSize       int `yaml:"batch_size" json:"batch_size"`
	PrefetchWorkers int `yaml:"prefetch_workers" json:"prefetch_workers"`
	SubsetSize      int `yaml:"subset_size" json:"subset_size"` // 0 = full corpus

	TruncateWidth int `yaml:"truncate_width" json:"truncate_width"`

	// Server
	Host        string `yaml:"host" json:"host"`
	Port        int    `yaml:"port" json:"port"`
	MetricsPort int    `yaml:"metrics_port" json:"metrics_port"`

	LogLevel  string `yaml:"log_level" json:"log_level"`
	LogFormat string `yaml:"log_format" json:"log_format"`
}

func Default() Config {
	return Config{
		LayerPatterns:   []string{"*.blocks.*.mlp*"},
		BatchSize:       16,
		PrefetchWorkers: 4,
		TruncateWidth:   50,
		Host:            "0.0.0.0",
		Port:            5555,
		MetricsPort:     9090,
		LogLevel:        "info",
		LogFormat:       "console",
	}
}

func (c *Config) Validate() error {
	if c.LayerName == "" {
		return fmt.Errorf("invalid layer_name: must be set")
	}
	if c.BatchSize <= 0 {
		return fmt.Errorf("invalid batch_size: %d (must be positive)", c.BatchSize)
	}
	if c.PrefetchWorkers < 0 {
		return fmt.Errorf("invalid prefetch_workers: %d (must be non-negative)", c.PrefetchWorkers)
	}
	if c.SubsetSize < 0 {
		return fmt.Errorf("invalid subset_size: %d (must be non-negative)", c.SubsetSize)
	}
	if c.TruncateWidth <= 0 {
		return fmt.Errorf("invalid truncate_width: %d (must be positive)", c.TruncateWidth)
	}
	if c.FromDisk {
		if c.StoreDir == "" {
			return fmt.Errorf("invalid store_dir: must be set when from_disk is true")
		}
	} else {
		if len(c.LayerPatterns) == 0 {
			return fmt.Errorf("invalid layer_patterns: at least one pattern required for a live source")
		}
	}
	if c.Port <= 0 || c.Port > 65535 {
		return fmt.Errorf("invalid port: %d", c.Port)
	}
	if c.MetricsPort < 0 || c.MetricsPort > 65535 {
		return fmt.Errorf("invalid metrics_port: %d", c.MetricsPort)
	}
	return nil
}

func (c *Config) SourceKind() SourceKind {
	if c.FromDisk {
		return SourcePrecomputed
	}
	return SourceLive
}

// Load reads a config file, YAML or JSON by extension, over Default().
func Load(path string) (Config, error) {
	cfg := Default()
	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("read config: %w", err)
	}
	switch strings.ToLower(filepath.Ext(path)) {
	case ".json":
		if err := json.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("parse config %s: %w", path, err)
		}
	default:
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("parse config %s: %w", path, err)
		}
	}
	cfg.ApplyEnv()
	return cfg, nil
}

// ApplyEnv overlays PROBE_* environment variables. Load calls it after
// parsing a file; deployments without a config file apply it over
// Default() directly.
func (c *Config) ApplyEnv() {
	if v := os.Getenv("PROBE_LAYER_NAME"); v != "" {
		c.LayerName = v
	}
	if v := os.Getenv("PROBE_STORE_DIR"); v != "" {
		c.StoreDir = v
	}
	if v := os.Getenv("PROBE_BATCH_SIZE"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.BatchSize = n
		}
	}
	if v := os.Getenv("PROBE_PORT"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.Port = n
		}
	}
	if v := os.Getenv("PROBE_LOG_LEVEL"); v != "" {
		c.LogLevel = v
	}
}
