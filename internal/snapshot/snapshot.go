package snapshot

import (
	"context"
	"fmt"
	"os"
	"path"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

// DefaultPrefix is the object prefix snapshots are written under.
const DefaultPrefix = "snapshots"

// Backuper writes a consistent copy of a database to a local file.
type Backuper interface {
	BackupTo(ctx context.Context, dest string) error
}

// Snapshotter uploads store backups to object storage.
type Snapshotter struct {
	source  Backuper
	storage ObjectStorage
	prefix  string
	tempDir string
	logger  logrus.FieldLogger
	now     func() time.Time
}

// NewSnapshotter creates a snapshotter writing under prefix.
// An empty tempDir uses the system temporary directory.
func NewSnapshotter(source Backuper, storage ObjectStorage, prefix, tempDir string, logger logrus.FieldLogger) *Snapshotter {
	if prefix == "" {
		prefix = DefaultPrefix
	}
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return &Snapshotter{
		source:  source,
		storage: storage,
		prefix:  strings.Trim(prefix, "/"),
		tempDir: tempDir,
		logger:  logger.WithField("component", "snapshot"),
		now:     time.Now,
	}
}

// Snapshot backs up the store and uploads it, returning the object path.
func (s *Snapshotter) Snapshot(ctx context.Context) (string, error) {
	start := s.now()
	name := fmt.Sprintf("%s-%s.db", start.UTC().Format("20060102T150405Z"), uuid.NewString())
	objectPath := path.Join(s.prefix, name)

	dir, err := os.MkdirTemp(s.tempDir, "catalogopt-snapshot-")
	if err != nil {
		return "", fmt.Errorf("snapshot: failed to create temp dir: %w", err)
	}
	defer os.RemoveAll(dir)

	local := filepath.Join(dir, name)
	if err := s.source.BackupTo(ctx, local); err != nil {
		return "", fmt.Errorf("snapshot: %w", err)
	}

	var size int64
	if info, err := os.Stat(local); err == nil {
		size = info.Size()
	}

	if err := s.storage.Upload(ctx, local, objectPath); err != nil {
		return "", fmt.Errorf("snapshot: upload %s: %w", objectPath, err)
	}

	s.logger.WithFields(logrus.Fields{
		"object":   objectPath,
		"bytes":    size,
		"duration": time.Since(start).String(),
	}).Info("Snapshot uploaded")
	return objectPath, nil
}

// List returns the snapshot object paths, oldest first.
func (s *Snapshotter) List(ctx context.Context) ([]string, error) {
	objects, err := s.storage.ListObjects(ctx, s.prefix)
	if err != nil {
		return nil, fmt.Errorf("snapshot: list: %w", err)
	}
	snapshots := objects[:0]
	for _, obj := range objects {
		if strings.HasSuffix(obj, ".db") {
			snapshots = append(snapshots, obj)
		}
	}
	// Names start with a UTC timestamp, so lexical order is age order.
	sort.Strings(snapshots)
	return snapshots, nil
}

// Restore downloads a snapshot to dest. The store must not be open on dest.
func (s *Snapshotter) Restore(ctx context.Context, objectPath, dest string) error {
	if err := s.storage.Download(ctx, objectPath, dest); err != nil {
		return fmt.Errorf("snapshot: restore %s: %w", objectPath, err)
	}
	s.logger.WithFields(logrus.Fields{"object": objectPath, "dest": dest}).Info("Snapshot restored")
	return nil
}

// Prune deletes all but the newest keep snapshots and returns the
// deleted object paths.
func (s *Snapshotter) Prune(ctx context.Context, keep int) ([]string, error) {
	if keep < 0 {
		keep = 0
	}
	snapshots, err := s.List(ctx)
	if err != nil {
		return nil, err
	}
	if len(snapshots) <= keep {
		return nil, nil
	}

	stale := snapshots[:len(snapshots)-keep]
	for _, obj := range stale {
		if err := s.storage.Delete(ctx, obj); err != nil {
			return nil, fmt.Errorf("snapshot: prune: %w", err)
		}
	}
	s.logger.WithField("deleted", len(stale)).Info("Snapshots pruned")
	return stale, nil
}
