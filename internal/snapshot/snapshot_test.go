package snapshot

import (
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/arkilian/catalogopt/internal/btree"
	cerrors "github.com/arkilian/catalogopt/internal/errors"
	"github.com/arkilian/catalogopt/internal/forest"
	"github.com/arkilian/catalogopt/internal/store"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func quietLogger() logrus.FieldLogger {
	logger := logrus.New()
	logger.SetOutput(io.Discard)
	return logger
}

func seededStore(t *testing.T) *store.Store {
	t.Helper()
	ctx := context.Background()
	s, err := store.Open(filepath.Join(t.TempDir(), "store.db"), quietLogger())
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })

	c := btree.IITreeSet.New()
	for i := 0; i < 300; i++ {
		require.NoError(t, c.Put(int64(i), nil))
	}
	conn := s.NewConn()
	h, err := conn.Holder(ctx, "site", "portal_catalog", forest.KindIndex, "Subject")
	require.NoError(t, err)
	conn.Begin()
	_, err = conn.Attach(ctx, h, "_index", c)
	require.NoError(t, err)
	require.NoError(t, conn.Commit(ctx))
	return s
}

func TestSnapshot_UploadAndRestore(t *testing.T) {
	ctx := context.Background()
	s := seededStore(t)
	storage, err := NewLocalStorage(t.TempDir())
	require.NoError(t, err)

	snap := NewSnapshotter(s, storage, "", t.TempDir(), quietLogger())
	obj, err := snap.Snapshot(ctx)
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(obj, DefaultPrefix+"/"))
	assert.True(t, strings.HasSuffix(obj, ".db"))

	exists, err := storage.Exists(ctx, obj)
	require.NoError(t, err)
	assert.True(t, exists)

	dest := filepath.Join(t.TempDir(), "restored.db")
	require.NoError(t, snap.Restore(ctx, obj, dest))

	restored, err := store.Open(dest, quietLogger())
	require.NoError(t, err)
	defer restored.Close()

	var slots []string
	err = restored.NewConn().Walk(ctx, forest.Filter{}, func(tgt forest.Target) error {
		for _, sl := range tgt.Slots() {
			slots = append(slots, tgt.Path().WithSlot(sl.Name()).String())
		}
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"site/portal_catalog/Subject._index"}, slots)
}

func TestSnapshot_ListAndPrune(t *testing.T) {
	ctx := context.Background()
	s := seededStore(t)
	storage, err := NewLocalStorage(t.TempDir())
	require.NoError(t, err)

	snap := NewSnapshotter(s, storage, "backups/nightly", "", quietLogger())
	clock := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	snap.now = func() time.Time { return clock }

	var taken []string
	for i := 0; i < 3; i++ {
		obj, err := snap.Snapshot(ctx)
		require.NoError(t, err)
		taken = append(taken, obj)
		clock = clock.Add(time.Hour)
	}

	listed, err := snap.List(ctx)
	require.NoError(t, err)
	assert.Equal(t, taken, listed)

	deleted, err := snap.Prune(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, taken[:2], deleted)

	listed, err = snap.List(ctx)
	require.NoError(t, err)
	assert.Equal(t, taken[2:], listed)

	deleted, err = snap.Prune(ctx, 5)
	require.NoError(t, err)
	assert.Empty(t, deleted)
}

type failingStorage struct {
	*LocalStorage
}

func (f failingStorage) Upload(ctx context.Context, localPath, objectPath string) error {
	return uploadFailed(errors.New("bucket unavailable"))
}

func TestSnapshot_UploadFailureIsRetryable(t *testing.T) {
	s := seededStore(t)
	local, err := NewLocalStorage(t.TempDir())
	require.NoError(t, err)
	tmp := t.TempDir()

	snap := NewSnapshotter(s, failingStorage{local}, "", tmp, quietLogger())
	_, err = snap.Snapshot(context.Background())
	require.Error(t, err)
	assert.Equal(t, cerrors.CodeUploadFailed, cerrors.GetCode(err))
	assert.True(t, cerrors.IsRetryable(err))

	entries, err := os.ReadDir(tmp)
	require.NoError(t, err)
	assert.Empty(t, entries, "temporary backup must be removed")
}

func TestLocalStorage_Basics(t *testing.T) {
	ctx := context.Background()
	storage, err := NewLocalStorage(t.TempDir())
	require.NoError(t, err)

	src := filepath.Join(t.TempDir(), "payload.bin")
	require.NoError(t, os.WriteFile(src, []byte("hello"), 0644))

	require.NoError(t, storage.Upload(ctx, src, "a/b/payload.bin"))
	objects, err := storage.ListObjects(ctx, "a")
	require.NoError(t, err)
	assert.Equal(t, []string{"a/b/payload.bin"}, objects)

	dst := filepath.Join(t.TempDir(), "out", "payload.bin")
	require.NoError(t, storage.Download(ctx, "a/b/payload.bin", dst))
	got, err := os.ReadFile(dst)
	require.NoError(t, err)
	assert.Equal(t, "hello", string(got))

	require.NoError(t, storage.Delete(ctx, "a/b/payload.bin"))
	require.NoError(t, storage.Delete(ctx, "a/b/payload.bin"))
	exists, err := storage.Exists(ctx, "a/b/payload.bin")
	require.NoError(t, err)
	assert.False(t, exists)

	err = storage.Download(ctx, "missing", dst)
	assert.ErrorIs(t, err, ErrNotFound)

	objects, err = storage.ListObjects(ctx, "nothing-here")
	require.NoError(t, err)
	assert.Empty(t, objects)
}

func TestLocalStorage_CancelledContext(t *testing.T) {
	storage, err := NewLocalStorage(t.TempDir())
	require.NoError(t, err)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	assert.ErrorIs(t, storage.Upload(ctx, "x", "y"), context.Canceled)
	_, err = storage.Exists(ctx, "y")
	assert.ErrorIs(t, err, context.Canceled)
}
