package main

import (
	"context"
	"fmt"

	"github.com/arkilian/catalogopt/internal/config"
	"github.com/arkilian/catalogopt/internal/snapshot"
	"github.com/arkilian/catalogopt/internal/store"
	"github.com/sirupsen/logrus"
)

// env is what every command works with: the resolved configuration, a
// logger and the open store.
type env struct {
	cfg    *config.Config
	logger *logrus.Logger
	store  *store.Store
}

// loadConfig loads configuration from file, environment, and command line
// flags, in increasing priority.
func loadConfig(flags *globalFlags) (*config.Config, error) {
	var cfg *config.Config
	var err error

	if flags.configFile != "" {
		cfg, err = config.LoadFromFile(flags.configFile)
		if err != nil {
			return nil, fmt.Errorf("failed to load config file: %w", err)
		}
	} else {
		cfg = config.DefaultConfig()
	}

	config.LoadFromEnv(cfg)

	if flags.dataDir != "" {
		cfg.DataDir = flags.dataDir
	}
	if flags.storePath != "" {
		cfg.StorePath = flags.storePath
	}
	if flags.logLevel != "" {
		cfg.Log.Level = flags.logLevel
	}
	if flags.logFormat != "" {
		cfg.Log.Format = flags.logFormat
	}

	cfg.Resolve()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// openEnv loads the configuration, applies mutate, and opens the store.
func openEnv(flags *globalFlags, mutate func(*config.Config)) (*env, error) {
	cfg, err := loadConfig(flags)
	if err != nil {
		return nil, err
	}
	if mutate != nil {
		mutate(cfg)
		if err := cfg.Validate(); err != nil {
			return nil, err
		}
	}

	logger, err := cfg.NewLogger()
	if err != nil {
		return nil, err
	}
	if err := cfg.EnsureDirectories(); err != nil {
		return nil, err
	}

	s, err := store.Open(cfg.StorePath, logger)
	if err != nil {
		return nil, err
	}
	logger.WithFields(logrus.Fields{
		"store":   cfg.StorePath,
		"version": version,
	}).Debug("Store opened")
	return &env{cfg: cfg, logger: logger, store: s}, nil
}

func (e *env) Close() error {
	return e.store.Close()
}

// snapshotter builds the snapshotter for the configured storage type.
func (e *env) snapshotter(ctx context.Context) (*snapshot.Snapshotter, error) {
	var storage snapshot.ObjectStorage
	switch e.cfg.Snapshot.Type {
	case "s3":
		s3, err := snapshot.NewS3Storage(ctx, snapshot.S3Config{
			Bucket:       e.cfg.Snapshot.S3.Bucket,
			Region:       e.cfg.Snapshot.S3.Region,
			Endpoint:     e.cfg.Snapshot.S3.Endpoint,
			UsePathStyle: e.cfg.Snapshot.S3.UsePathStyle,
		})
		if err != nil {
			return nil, err
		}
		storage = s3
	default:
		local, err := snapshot.NewLocalStorage(e.cfg.Snapshot.Path)
		if err != nil {
			return nil, err
		}
		storage = local
	}
	return snapshot.NewSnapshotter(e.store, storage, e.cfg.Snapshot.Prefix, e.cfg.DataDir, e.logger), nil
}
