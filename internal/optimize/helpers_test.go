package optimize

import (
	"context"
	"fmt"
	"io"
	"path/filepath"
	"testing"

	"github.com/arkilian/catalogopt/internal/btree"
	"github.com/arkilian/catalogopt/internal/forest"
	"github.com/arkilian/catalogopt/internal/store"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/require"
)

func quietLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetOutput(io.Discard)
	return logger
}

func newTestStore(t *testing.T) *store.Store {
	t.Helper()
	s, err := store.Open(filepath.Join(t.TempDir(), "store.db"), quietLogger())
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

// sequential builds a container by inserting n increasing keys one at a
// time; map values are derived from the key.
func sequential(t *testing.T, typ *btree.Type, n int) btree.Container {
	t.Helper()
	c := typ.New()
	for i := 0; i < n; i++ {
		key, ok := typ.OrdinalKey(i)
		require.True(t, ok)
		require.NoError(t, c.Put(key, valueFor(typ, i)))
	}
	return c
}

func valueFor(typ *btree.Type, i int) any {
	if typ.Variant == btree.SetContainer {
		return nil
	}
	probe := typ.New()
	key, _ := typ.OrdinalKey(0)
	for _, v := range []any{int64(i * 7), fmt.Sprintf("v%d", i), btree.Ref(i + 1)} {
		if probe.Put(key, v) == nil {
			return v
		}
	}
	return nil
}

func entriesOf(c btree.Container) [][2]any {
	var out [][2]any
	c.Ascend(func(k, v any) bool {
		out = append(out, [2]any{k, v})
		return true
	})
	return out
}

func sizesOf(c btree.Container) []int {
	var sizes []int
	for b := c.FirstBucket(); b != nil; b = b.Next() {
		sizes = append(sizes, b.Len())
	}
	return sizes
}

type bucketState struct {
	OID, Serial uint64
	Len         int
}

func chainState(c btree.Container) []bucketState {
	var out []bucketState
	for b := c.FirstBucket(); b != nil; b = b.Next() {
		out = append(out, bucketState{OID: b.OID(), Serial: b.Serial(), Len: b.Len()})
	}
	return out
}

// attach stores c under site/portal_catalog/<holder>.<slot>.
func attach(t *testing.T, s *store.Store, kind forest.HolderKind, catalog, holder, slot string, c btree.Container) btree.Ref {
	t.Helper()
	ctx := context.Background()
	conn := s.NewConn()
	h, err := conn.Holder(ctx, "site", catalog, kind, holder)
	require.NoError(t, err)
	conn.Begin()
	ref, err := conn.Attach(ctx, h, slot, c)
	require.NoError(t, err)
	require.NoError(t, conn.Commit(ctx))
	return ref
}

// slotRef reads the committed reference of a holder slot.
func slotRef(t *testing.T, s *store.Store, kind forest.HolderKind, catalog, holder, slot string) btree.Ref {
	t.Helper()
	h, err := s.NewConn().Holder(context.Background(), "site", catalog, kind, holder)
	require.NoError(t, err)
	sl := h.Slot(slot)
	require.NotNil(t, sl)
	return sl.Ref()
}

func load(t *testing.T, s *store.Store, ref btree.Ref) btree.Container {
	t.Helper()
	c, err := s.NewConn().Resolve(context.Background(), ref)
	require.NoError(t, err)
	return c
}

// spySession counts transactional calls and can inject work right before
// a candidate is adopted, which is after inspected buckets have been
// acknowledged.
type spySession struct {
	*store.Conn

	begins, commits, aborts, gcs int
	beforeAdopt                  func()
	wrap                         func(btree.Ref, btree.Container) btree.Container
}

func (s *spySession) Begin() {
	s.begins++
	s.Conn.Begin()
}

func (s *spySession) Commit(ctx context.Context) error {
	s.commits++
	return s.Conn.Commit(ctx)
}

func (s *spySession) Abort() {
	s.aborts++
	s.Conn.Abort()
}

func (s *spySession) CacheGC() {
	s.gcs++
	s.Conn.CacheGC()
}

func (s *spySession) Adopt(ctx context.Context, c btree.Container) (btree.Ref, error) {
	if f := s.beforeAdopt; f != nil {
		s.beforeAdopt = nil
		f()
	}
	return s.Conn.Adopt(ctx, c)
}

func (s *spySession) Resolve(ctx context.Context, ref btree.Ref) (btree.Container, error) {
	c, err := s.Conn.Resolve(ctx, ref)
	if err == nil && s.wrap != nil {
		c = s.wrap(ref, c)
	}
	return c, err
}

// shortContainer under-reports its length by one.
type shortContainer struct {
	btree.Container
}

func (c shortContainer) Len() int { return c.Container.Len() - 1 }
