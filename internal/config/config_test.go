package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	cerrors "github.com/arkilian/catalogopt/internal/errors"
	"github.com/arkilian/catalogopt/internal/forest"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultConfig_Valid(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Resolve()
	require.NoError(t, cfg.Validate())

	assert.Equal(t, filepath.Join("./data/catalogopt", "catalog.db"), cfg.StorePath)
	assert.Equal(t, filepath.Join("./data/catalogopt", "snapshots"), cfg.Snapshot.Path)

	opts := cfg.OptimizeOptions()
	assert.Equal(t, 50000, opts.BatchSize)
	assert.Equal(t, "data", opts.SkipField)
	assert.Equal(t, []string{"portal_catalog"}, opts.SkipCatalogs)

	d := cfg.DaemonConfig()
	assert.Equal(t, 24*time.Hour, d.Interval)
	assert.True(t, d.PackAfterRun)
	assert.Equal(t, forest.Filter{}, d.Filter)
}

func TestLoadFromFile_YAML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "catalogopt.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
data_dir: /var/lib/catalogopt
optimize:
  batch_size: 1000
  skip_catalogs: [portal_catalog, member_catalog]
daemon:
  interval: 6h
  filter: [plone, portal_catalog]
snapshot:
  type: s3
  s3:
    bucket: backups
    region: eu-west-1
log:
  level: debug
  format: json
`), 0644))

	cfg, err := LoadFromFile(path)
	require.NoError(t, err)
	cfg.Resolve()
	require.NoError(t, cfg.Validate())

	assert.Equal(t, "/var/lib/catalogopt/catalog.db", cfg.StorePath)
	assert.Equal(t, 1000, cfg.Optimize.BatchSize)
	assert.Equal(t, "data", cfg.Optimize.SkipField, "unset keys keep defaults")
	assert.Equal(t, []string{"portal_catalog", "member_catalog"}, cfg.Optimize.SkipCatalogs)
	assert.Equal(t, 6*time.Hour, cfg.Daemon.Interval)
	assert.Equal(t, forest.Filter{Site: "plone", Catalog: "portal_catalog"}, cfg.DaemonConfig().Filter)
	assert.Equal(t, "backups", cfg.Snapshot.S3.Bucket)
	assert.Empty(t, cfg.Snapshot.Path, "s3 snapshots need no local path")

	logger, err := cfg.NewLogger()
	require.NoError(t, err)
	assert.Equal(t, logrus.DebugLevel, logger.GetLevel())
	assert.IsType(t, &logrus.JSONFormatter{}, logger.Formatter)
}

func TestLoadFromFile_JSON(t *testing.T) {
	path := filepath.Join(t.TempDir(), "catalogopt.json")
	require.NoError(t, os.WriteFile(path, []byte(`{"store_path": "/tmp/x.db", "optimize": {"dry_run": true}}`), 0644))

	cfg, err := LoadFromFile(path)
	require.NoError(t, err)
	assert.Equal(t, "/tmp/x.db", cfg.StorePath)
	assert.True(t, cfg.OptimizeOptions().DryRun)
}

func TestLoadFromFile_Errors(t *testing.T) {
	_, err := LoadFromFile(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)

	path := filepath.Join(t.TempDir(), "catalogopt.toml")
	require.NoError(t, os.WriteFile(path, []byte("x = 1"), 0644))
	_, err = LoadFromFile(path)
	assert.ErrorContains(t, err, "unsupported config file format")
}

func TestLoadFromEnv(t *testing.T) {
	t.Setenv("CATALOGOPT_DATA_DIR", "/srv/opt")
	t.Setenv("CATALOGOPT_BATCH_SIZE", "25")
	t.Setenv("CATALOGOPT_SKIP_CATALOGS", "a, b,,c")
	t.Setenv("CATALOGOPT_DRY_RUN", "1")
	t.Setenv("CATALOGOPT_DAEMON_INTERVAL", "90m")
	t.Setenv("CATALOGOPT_DAEMON_FILTER", "plone/portal_catalog/Subject")
	t.Setenv("CATALOGOPT_SKIP_FIELD", "")
	t.Setenv("CATALOGOPT_LOG_LEVEL", "warn")
	t.Setenv("CATALOGOPT_CONFLICT_THRESHOLD", "0.25")

	cfg := DefaultConfig()
	LoadFromEnv(cfg)
	cfg.Resolve()
	require.NoError(t, cfg.Validate())

	assert.Equal(t, "/srv/opt", cfg.DataDir)
	assert.Equal(t, filepath.Join("/srv/opt", "catalog.db"), cfg.StorePath)
	assert.Equal(t, 25, cfg.Optimize.BatchSize)
	assert.Equal(t, []string{"a", "b", "c"}, cfg.Optimize.SkipCatalogs)
	assert.True(t, cfg.Optimize.DryRun)
	assert.Empty(t, cfg.Optimize.SkipField)
	assert.Equal(t, 90*time.Minute, cfg.Daemon.Interval)
	assert.Equal(t, forest.Filter{Site: "plone", Catalog: "portal_catalog", Index: "Subject"}, cfg.DaemonConfig().Filter)
	assert.Equal(t, "warn", cfg.Log.Level)
	assert.Equal(t, 0.25, cfg.OptimizeOptions().Backoff.Threshold)
	assert.Equal(t, time.Minute, cfg.OptimizeOptions().Backoff.Window)
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"empty data dir", func(c *Config) { c.DataDir = "" }},
		{"zero batch size", func(c *Config) { c.Optimize.BatchSize = 0 }},
		{"backoff threshold above one", func(c *Config) { c.Optimize.Backoff.Threshold = 1.5 }},
		{"negative interval", func(c *Config) { c.Daemon.Interval = -time.Second }},
		{"long filter", func(c *Config) { c.Daemon.Filter = []string{"a", "b", "c", "d"} }},
		{"unknown snapshot type", func(c *Config) { c.Snapshot.Type = "gcs" }},
		{"s3 without bucket", func(c *Config) { c.Snapshot.Type = "s3" }},
		{"negative keep", func(c *Config) { c.Snapshot.Keep = -1 }},
		{"bad log level", func(c *Config) { c.Log.Level = "loud" }},
		{"bad log format", func(c *Config) { c.Log.Format = "xml" }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.mutate(cfg)
			err := cfg.Validate()
			require.Error(t, err)
			assert.Equal(t, cerrors.ErrCategoryValidation, cerrors.GetCategory(err))
			assert.Equal(t, cerrors.CodeInvalidConfig, cerrors.GetCode(err))
		})
	}
}

func TestEnsureDirectories(t *testing.T) {
	base := t.TempDir()
	cfg := DefaultConfig()
	cfg.DataDir = filepath.Join(base, "data")
	cfg.StorePath = filepath.Join(base, "db", "catalog.db")
	cfg.Resolve()
	require.NoError(t, cfg.EnsureDirectories())

	for _, dir := range []string{cfg.DataDir, filepath.Join(base, "db"), cfg.Snapshot.Path} {
		info, err := os.Stat(dir)
		require.NoError(t, err)
		assert.True(t, info.IsDir())
	}
}
