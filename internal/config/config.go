// Package config provides configuration for the catalogopt CLI and daemon.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	cerrors "github.com/arkilian/catalogopt/internal/errors"
	"github.com/arkilian/catalogopt/internal/forest"
	"github.com/arkilian/catalogopt/internal/optimize"
	"github.com/arkilian/catalogopt/internal/snapshot"
	"github.com/sirupsen/logrus"
	"gopkg.in/yaml.v3"
)

// Config holds the configuration for catalogopt.
type Config struct {
	// DataDir is the base directory for all data files
	DataDir string `json:"data_dir" yaml:"data_dir"`

	// StorePath is the SQLite object store (default: <data_dir>/catalog.db)
	StorePath string `json:"store_path" yaml:"store_path"`

	Optimize OptimizeConfig `json:"optimize" yaml:"optimize"`
	Daemon   DaemonConfig   `json:"daemon" yaml:"daemon"`
	HTTP     HTTPConfig     `json:"http" yaml:"http"`
	Snapshot SnapshotConfig `json:"snapshot" yaml:"snapshot"`
	Log      LogConfig      `json:"log" yaml:"log"`
}

// OptimizeConfig holds run options.
type OptimizeConfig struct {
	// BatchSize is the number of nested containers visited between cache collections
	BatchSize int `json:"batch_size" yaml:"batch_size"`

	// SkipField is the catalog slot never loaded in SkipCatalogs
	SkipField string `json:"skip_field" yaml:"skip_field"`

	SkipCatalogs []string `json:"skip_catalogs" yaml:"skip_catalogs"`

	// DryRun reports what would change without committing
	DryRun bool `json:"dry_run" yaml:"dry_run"`

	// SkipUnsupportedKeys skips containers whose keys have no synthetic-key strategy
	SkipUnsupportedKeys bool `json:"skip_unsupported_keys" yaml:"skip_unsupported_keys"`

	// Backoff pauses between containers while swaps keep conflicting
	Backoff optimize.BackoffConfig `json:"backoff" yaml:"backoff"`
}

// DaemonConfig holds scheduled-run configuration.
type DaemonConfig struct {
	// Interval between scheduled runs; zero disables scheduling
	Interval time.Duration `json:"interval" yaml:"interval"`

	// Filter is the site, catalog, index prefix a scheduled run is restricted to
	Filter []string `json:"filter" yaml:"filter"`

	PackAfterRun      bool `json:"pack_after_run" yaml:"pack_after_run"`
	SnapshotBeforeRun bool `json:"snapshot_before_run" yaml:"snapshot_before_run"`
}

// HTTPConfig holds HTTP server configuration.
type HTTPConfig struct {
	// Addr is the listen address of the serve command
	Addr string `json:"addr" yaml:"addr"`

	ReadTimeout  time.Duration `json:"read_timeout" yaml:"read_timeout"`
	WriteTimeout time.Duration `json:"write_timeout" yaml:"write_timeout"`
	IdleTimeout  time.Duration `json:"idle_timeout" yaml:"idle_timeout"`
}

// SnapshotConfig holds snapshot storage configuration.
type SnapshotConfig struct {
	// Type is the storage type: local, s3
	Type string `json:"type" yaml:"type"`

	// Path is the local storage path (for local type)
	Path string `json:"path" yaml:"path"`

	// Prefix is the object prefix snapshots are written under
	Prefix string `json:"prefix" yaml:"prefix"`

	// Keep is the number of snapshots retained by prune; zero keeps all
	Keep int `json:"keep" yaml:"keep"`

	// S3 configuration (for s3 type)
	S3 S3Config `json:"s3" yaml:"s3"`
}

// S3Config holds S3 storage configuration.
type S3Config struct {
	Bucket       string `json:"bucket" yaml:"bucket"`
	Region       string `json:"region" yaml:"region"`
	Endpoint     string `json:"endpoint" yaml:"endpoint"`
	UsePathStyle bool   `json:"use_path_style" yaml:"use_path_style"`
}

// LogConfig holds logging configuration.
type LogConfig struct {
	// Level is a logrus level name
	Level string `json:"level" yaml:"level"`

	// Format is text or json
	Format string `json:"format" yaml:"format"`
}

// DefaultConfig returns the default configuration.
func DefaultConfig() *Config {
	opts := optimize.DefaultOptions()
	daemon := optimize.DefaultDaemonConfig()
	return &Config{
		DataDir: "./data/catalogopt",
		Optimize: OptimizeConfig{
			BatchSize:    opts.BatchSize,
			SkipField:    opts.SkipField,
			SkipCatalogs: opts.SkipCatalogs,
			Backoff:      opts.Backoff,
		},
		Daemon: DaemonConfig{
			Interval:     daemon.Interval,
			PackAfterRun: daemon.PackAfterRun,
		},
		HTTP: HTTPConfig{
			Addr:         ":8090",
			ReadTimeout:  30 * time.Second,
			WriteTimeout: 60 * time.Second,
			IdleTimeout:  120 * time.Second,
		},
		Snapshot: SnapshotConfig{
			Type:   "local",
			Prefix: snapshot.DefaultPrefix,
		},
		Log: LogConfig{
			Level:  "info",
			Format: "text",
		},
	}
}

// Resolve resolves relative paths and sets defaults based on DataDir.
func (c *Config) Resolve() {
	if c.DataDir == "" {
		c.DataDir = "./data/catalogopt"
	}
	if c.StorePath == "" {
		c.StorePath = filepath.Join(c.DataDir, "catalog.db")
	}
	if c.Snapshot.Type == "local" && c.Snapshot.Path == "" {
		c.Snapshot.Path = filepath.Join(c.DataDir, "snapshots")
	}
	if c.Snapshot.Prefix == "" {
		c.Snapshot.Prefix = snapshot.DefaultPrefix
	}
}

// Validate validates the configuration.
func (c *Config) Validate() error {
	if c.DataDir == "" {
		return invalid("data_dir is required")
	}
	if c.Optimize.BatchSize <= 0 {
		return invalid(fmt.Sprintf("optimize.batch_size must be positive, got %d", c.Optimize.BatchSize))
	}
	if t := c.Optimize.Backoff.Threshold; t < 0 || t > 1 {
		return invalid(fmt.Sprintf("optimize.backoff.threshold must be within [0, 1], got %g", t))
	}
	if c.Daemon.Interval < 0 {
		return invalid(fmt.Sprintf("daemon.interval must not be negative, got %s", c.Daemon.Interval))
	}
	if _, err := forest.ParseFilter(c.Daemon.Filter); err != nil {
		return invalid(fmt.Sprintf("daemon.filter: %v", err))
	}

	switch c.Snapshot.Type {
	case "local":
	case "s3":
		if c.Snapshot.S3.Bucket == "" {
			return invalid("snapshot.s3.bucket is required when snapshot type is s3")
		}
	default:
		return invalid(fmt.Sprintf("invalid snapshot type: %s (must be local or s3)", c.Snapshot.Type))
	}
	if c.Snapshot.Keep < 0 {
		return invalid(fmt.Sprintf("snapshot.keep must not be negative, got %d", c.Snapshot.Keep))
	}

	if _, err := logrus.ParseLevel(c.Log.Level); err != nil {
		return invalid(fmt.Sprintf("invalid log level: %s", c.Log.Level))
	}
	if c.Log.Format != "text" && c.Log.Format != "json" {
		return invalid(fmt.Sprintf("invalid log format: %s (must be text or json)", c.Log.Format))
	}
	return nil
}

func invalid(msg string) error {
	return cerrors.NewValidationError(cerrors.CodeInvalidConfig, msg)
}

// OptimizeOptions converts the optimize section to orchestrator options.
func (c *Config) OptimizeOptions() optimize.Options {
	return optimize.Options{
		BatchSize:           c.Optimize.BatchSize,
		SkipField:           c.Optimize.SkipField,
		SkipCatalogs:        append([]string(nil), c.Optimize.SkipCatalogs...),
		DryRun:              c.Optimize.DryRun,
		SkipUnsupportedKeys: c.Optimize.SkipUnsupportedKeys,
		Backoff:             c.Optimize.Backoff,
	}
}

// DaemonConfig converts the daemon section. Call Validate first.
func (c *Config) DaemonConfig() optimize.DaemonConfig {
	filter, _ := forest.ParseFilter(c.Daemon.Filter)
	return optimize.DaemonConfig{
		Interval:          c.Daemon.Interval,
		Filter:            filter,
		PackAfterRun:      c.Daemon.PackAfterRun,
		SnapshotBeforeRun: c.Daemon.SnapshotBeforeRun,
	}
}

// NewLogger builds a logger from the log section.
func (c *Config) NewLogger() (*logrus.Logger, error) {
	level, err := logrus.ParseLevel(c.Log.Level)
	if err != nil {
		return nil, invalid(fmt.Sprintf("invalid log level: %s", c.Log.Level))
	}
	logger := logrus.New()
	logger.SetOutput(os.Stdout)
	logger.SetLevel(level)
	if c.Log.Format == "json" {
		logger.SetFormatter(&logrus.JSONFormatter{})
	} else {
		logger.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	}
	return logger, nil
}

// LoadFromFile loads configuration from a YAML or JSON file.
func LoadFromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	cfg := DefaultConfig()

	ext := strings.ToLower(filepath.Ext(path))
	switch ext {
	case ".yaml", ".yml":
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse YAML config: %w", err)
		}
	case ".json":
		if err := json.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse JSON config: %w", err)
		}
	default:
		return nil, fmt.Errorf("unsupported config file format: %s", ext)
	}

	return cfg, nil
}

// LoadFromEnv applies environment overrides. Variables use the
// CATALOGOPT_ prefix.
func LoadFromEnv(cfg *Config) {
	if v := os.Getenv("CATALOGOPT_DATA_DIR"); v != "" {
		cfg.DataDir = v
	}
	if v := os.Getenv("CATALOGOPT_STORE_PATH"); v != "" {
		cfg.StorePath = v
	}

	// Optimize configuration
	if v := os.Getenv("CATALOGOPT_BATCH_SIZE"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Optimize.BatchSize = n
		}
	}
	if v, ok := os.LookupEnv("CATALOGOPT_SKIP_FIELD"); ok {
		cfg.Optimize.SkipField = v
	}
	if v, ok := os.LookupEnv("CATALOGOPT_SKIP_CATALOGS"); ok {
		cfg.Optimize.SkipCatalogs = splitList(v)
	}
	if v := os.Getenv("CATALOGOPT_DRY_RUN"); v != "" {
		cfg.Optimize.DryRun = isTrue(v)
	}
	if v := os.Getenv("CATALOGOPT_SKIP_UNSUPPORTED_KEYS"); v != "" {
		cfg.Optimize.SkipUnsupportedKeys = isTrue(v)
	}
	if v := os.Getenv("CATALOGOPT_CONFLICT_THRESHOLD"); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			cfg.Optimize.Backoff.Threshold = f
		}
	}

	// Daemon configuration
	if v := os.Getenv("CATALOGOPT_DAEMON_INTERVAL"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.Daemon.Interval = d
		}
	}
	if v := os.Getenv("CATALOGOPT_DAEMON_FILTER"); v != "" {
		cfg.Daemon.Filter = strings.Split(v, "/")
	}
	if v := os.Getenv("CATALOGOPT_DAEMON_PACK"); v != "" {
		cfg.Daemon.PackAfterRun = isTrue(v)
	}
	if v := os.Getenv("CATALOGOPT_DAEMON_SNAPSHOT"); v != "" {
		cfg.Daemon.SnapshotBeforeRun = isTrue(v)
	}

	// HTTP configuration
	if v := os.Getenv("CATALOGOPT_HTTP_ADDR"); v != "" {
		cfg.HTTP.Addr = v
	}

	// Snapshot configuration
	if v := os.Getenv("CATALOGOPT_SNAPSHOT_TYPE"); v != "" {
		cfg.Snapshot.Type = v
	}
	if v := os.Getenv("CATALOGOPT_SNAPSHOT_PATH"); v != "" {
		cfg.Snapshot.Path = v
	}
	if v := os.Getenv("CATALOGOPT_SNAPSHOT_KEEP"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Snapshot.Keep = n
		}
	}
	if v := os.Getenv("CATALOGOPT_S3_BUCKET"); v != "" {
		cfg.Snapshot.S3.Bucket = v
	}
	if v := os.Getenv("CATALOGOPT_S3_REGION"); v != "" {
		cfg.Snapshot.S3.Region = v
	}
	if v := os.Getenv("CATALOGOPT_S3_ENDPOINT"); v != "" {
		cfg.Snapshot.S3.Endpoint = v
	}

	// Log configuration
	if v := os.Getenv("CATALOGOPT_LOG_LEVEL"); v != "" {
		cfg.Log.Level = v
	}
	if v := os.Getenv("CATALOGOPT_LOG_FORMAT"); v != "" {
		cfg.Log.Format = v
	}
}

func isTrue(v string) bool {
	return v == "true" || v == "1"
}

func splitList(v string) []string {
	var out []string
	for _, part := range strings.Split(v, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

// EnsureDirectories creates all required directories.
func (c *Config) EnsureDirectories() error {
	dirs := []string{c.DataDir, filepath.Dir(c.StorePath)}
	if c.Snapshot.Type == "local" {
		dirs = append(dirs, c.Snapshot.Path)
	}

	for _, dir := range dirs {
		if dir == "" {
			continue
		}
		if err := os.MkdirAll(dir, 0755); err != nil {
			return fmt.Errorf("failed to create directory %s: %w", dir, err)
		}
	}
	return nil
}
