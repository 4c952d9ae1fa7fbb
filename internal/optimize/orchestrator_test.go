package optimize

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/arkilian/catalogopt/internal/btree"
	cerrors "github.com/arkilian/catalogopt/internal/errors"
	"github.com/arkilian/catalogopt/internal/forest"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newOrchestrator(session forest.Session, opts Options, recorder RunRecorder) *Orchestrator {
	return NewOrchestrator(session, opts, recorder, quietLogger(), nil)
}

func TestOrchestrator_SequentialIndexIsCompacted(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	oldRef := attach(t, s, forest.KindIndex, "portal_catalog", "effective", "_index", sequential(t, btree.IITreeSet, 1000))

	rep, err := newOrchestrator(s.NewConn(), DefaultOptions(), s).Run(ctx, forest.Filter{})
	require.NoError(t, err)
	assert.Equal(t, StatusCompleted, rep.Status)
	assert.Equal(t, 7, rep.Saved)
	assert.Equal(t, 1, rep.Containers)
	assert.Equal(t, 1, rep.Outcomes[OutcomeSwapped])
	require.NotNil(t, rep.Site("site"))
	assert.Equal(t, 7, rep.Site("site").Saved)
	require.Len(t, rep.Site("site").Holders, 1)
	assert.Equal(t, 7, rep.Site("site").Holders[0].Saved)
	assert.NotEmpty(t, rep.ID)

	newRef := slotRef(t, s, forest.KindIndex, "portal_catalog", "effective", "_index")
	assert.NotEqual(t, oldRef, newRef)
	c := load(t, s, newRef)
	assert.Equal(t, 1000, c.Len())
	dist, _ := Inspect(c.FirstBucket(), false)
	assert.Greater(t, dist.AverageFill(120), 0.9)

	runs, err := s.Runs(ctx, 5)
	require.NoError(t, err)
	require.Len(t, runs, 1)
	assert.Equal(t, rep.ID, runs[0].ID)
	assert.Equal(t, 1, runs[0].Swapped)
	assert.Equal(t, 7, runs[0].BucketsSaved)
	assert.Equal(t, StatusCompleted, runs[0].Status)
}

func TestOrchestrator_AlreadyOptimizedOpensNoTransaction(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	compacted, err := Rebuild(sequential(t, btree.IITreeSet, 1000), ModulusSparse, 120)
	require.NoError(t, err)
	ref := attach(t, s, forest.KindIndex, "portal_catalog", "Subject", "_index", compacted)
	stateBefore := chainState(load(t, s, ref))

	session := &spySession{Conn: s.NewConn()}
	rep, err := newOrchestrator(session, DefaultOptions(), nil).Run(ctx, forest.Filter{})
	require.NoError(t, err)

	assert.Equal(t, 1, rep.Outcomes[OutcomeOptimized])
	assert.Zero(t, rep.Saved)
	assert.Zero(t, session.begins)
	assert.Zero(t, session.commits)
	assert.Equal(t, ref, slotRef(t, s, forest.KindIndex, "portal_catalog", "Subject", "_index"))
	assert.Equal(t, stateBefore, chainState(load(t, s, ref)))
}

func TestOrchestrator_SecondRunChangesNothing(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	attach(t, s, forest.KindIndex, "portal_catalog", "effective", "_index", sequential(t, btree.IITreeSet, 1000))

	_, err := newOrchestrator(s.NewConn(), DefaultOptions(), nil).Run(ctx, forest.Filter{})
	require.NoError(t, err)
	ref := slotRef(t, s, forest.KindIndex, "portal_catalog", "effective", "_index")
	stateBefore := chainState(load(t, s, ref))

	session := &spySession{Conn: s.NewConn()}
	rep, err := newOrchestrator(session, DefaultOptions(), nil).Run(ctx, forest.Filter{})
	require.NoError(t, err)
	assert.Zero(t, rep.Saved)
	assert.Equal(t, 1, rep.Outcomes[OutcomeNoGain])
	assert.Zero(t, session.commits)
	assert.Equal(t, ref, slotRef(t, s, forest.KindIndex, "portal_catalog", "effective", "_index"))
	assert.Equal(t, stateBefore, chainState(load(t, s, ref)))
}

func TestOrchestrator_ConflictSkipsOnlyThatContainer(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	subject := attach(t, s, forest.KindIndex, "portal_catalog", "Subject", "_index", sequential(t, btree.IITreeSet, 1000))
	created := attach(t, s, forest.KindIndex, "portal_catalog", "created", "_index", sequential(t, btree.IITreeSet, 1000))

	session := &spySession{Conn: s.NewConn()}
	session.beforeAdopt = func() {
		ext := s.NewConn()
		c, err := ext.Resolve(ctx, subject)
		require.NoError(t, err)
		ext.Begin()
		require.NoError(t, c.Put(int64(5000), nil))
		require.NoError(t, ext.Register(c))
		require.NoError(t, ext.Commit(ctx))
	}

	rep, err := newOrchestrator(session, DefaultOptions(), nil).Run(ctx, forest.Filter{})
	require.NoError(t, err)
	assert.Equal(t, StatusCompleted, rep.Status)
	assert.Equal(t, 1, rep.Outcomes[OutcomeConflict])
	assert.Equal(t, 1, rep.Outcomes[OutcomeSwapped])
	require.Len(t, rep.Conflicts, 1)
	assert.Equal(t, "Subject", rep.Conflicts[0].Holder)
	assert.Equal(t, 7, rep.Saved)

	assert.Equal(t, subject, slotRef(t, s, forest.KindIndex, "portal_catalog", "Subject", "_index"))
	assert.Equal(t, 1001, load(t, s, subject).Len())
	assert.NotEqual(t, created, slotRef(t, s, forest.KindIndex, "portal_catalog", "created", "_index"))
}

func TestOrchestrator_ConflictedContainerSwapsOnNextRun(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	subject := attach(t, s, forest.KindIndex, "portal_catalog", "Subject", "_index", sequential(t, btree.IITreeSet, 1000))

	session := &spySession{Conn: s.NewConn()}
	session.beforeAdopt = func() {
		ext := s.NewConn()
		c, err := ext.Resolve(ctx, subject)
		require.NoError(t, err)
		ext.Begin()
		require.NoError(t, c.Put(int64(5000), nil))
		require.NoError(t, ext.Register(c))
		require.NoError(t, ext.Commit(ctx))
	}
	orch := newOrchestrator(session, DefaultOptions(), nil)

	rep, err := orch.Run(ctx, forest.Filter{})
	require.NoError(t, err)
	require.Equal(t, 1, rep.Outcomes[OutcomeConflict])
	assert.Equal(t, subject, slotRef(t, s, forest.KindIndex, "portal_catalog", "Subject", "_index"))

	for run := 2; run <= 3; run++ {
		rep, err = orch.Run(ctx, forest.Filter{})
		require.NoError(t, err)
		if run == 2 {
			assert.Equal(t, 1, rep.Outcomes[OutcomeSwapped], "the stored version is reloaded and rebuilt")
			assert.Zero(t, rep.Outcomes[OutcomeConflict])
		} else {
			assert.Zero(t, rep.Outcomes[OutcomeSwapped])
		}
	}

	newRef := slotRef(t, s, forest.KindIndex, "portal_catalog", "Subject", "_index")
	assert.NotEqual(t, subject, newRef)
	reloaded := load(t, s, newRef)
	assert.Equal(t, 1001, reloaded.Len())
	got, ok := reloaded.Get(int64(5000))
	assert.True(t, ok)
	assert.Nil(t, got)
}

func TestOrchestrator_CacheHoldsOneContainerAtATime(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	const holders = 40
	for i := 0; i < holders; i++ {
		attach(t, s, forest.KindIndex, "portal_catalog", fmt.Sprintf("idx%02d", i), "_index", sequential(t, btree.IITreeSet, 1000))
	}

	session := &spySession{Conn: s.NewConn()}
	peak := 0
	session.wrap = func(_ btree.Ref, c btree.Container) btree.Container {
		peak = max(peak, session.CacheSize())
		return c
	}

	rep, err := newOrchestrator(session, DefaultOptions(), nil).Run(ctx, forest.Filter{})
	require.NoError(t, err)
	assert.Equal(t, holders, rep.Outcomes[OutcomeSwapped])
	assert.Equal(t, 1, peak, "each container is resolved into an otherwise empty cache")
	assert.Zero(t, session.CacheSize())
	assert.Equal(t, 1+holders, session.gcs)
}

func TestOrchestrator_NestedContainersInBatches(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	conn := s.NewConn()
	h, err := conn.Holder(ctx, "site", "portal_catalog", forest.KindIndex, "Subject")
	require.NoError(t, err)
	conn.Begin()
	parent := btree.OOBTree.New()
	children := map[string]btree.Ref{}
	for _, key := range []string{"a", "b", "c", "d", "e"} {
		ref, err := conn.Adopt(ctx, sequential(t, btree.IITreeSet, 1000))
		require.NoError(t, err)
		require.NoError(t, parent.Put(key, ref))
		children[key] = ref
	}
	parentRef, err := conn.Attach(ctx, h, "_index", parent)
	require.NoError(t, err)
	require.NoError(t, conn.Commit(ctx))

	opts := DefaultOptions()
	opts.BatchSize = 2
	session := &spySession{Conn: s.NewConn()}
	rep, err := newOrchestrator(session, opts, nil).Run(ctx, forest.Filter{})
	require.NoError(t, err)

	assert.Equal(t, 6, rep.Containers)
	assert.Equal(t, 5, rep.Outcomes[OutcomeSwapped])
	assert.Equal(t, 1, rep.Outcomes[OutcomeOptimized], "a single-bucket parent needs nothing")
	assert.Equal(t, 35, rep.Saved)
	assert.Equal(t, 1+6+2, session.gcs, "one collection at the start, one per container and one per full batch")
	assert.Zero(t, session.CacheSize())

	assert.Equal(t, parentRef, slotRef(t, s, forest.KindIndex, "portal_catalog", "Subject", "_index"))
	reloaded := load(t, s, parentRef)
	reloaded.Ascend(func(k, v any) bool {
		ref := v.(btree.Ref)
		assert.NotEqual(t, children[k.(string)], ref)
		assert.Len(t, sizesOf(load(t, s, ref)), 9)
		return true
	})
}

func TestOrchestrator_SkipsDataFieldOfConfiguredCatalogs(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	data := attach(t, s, forest.KindCatalog, "portal_catalog", "portal_catalog", "data", sequential(t, btree.ISBTree, 1000))
	paths := attach(t, s, forest.KindCatalog, "portal_catalog", "portal_catalog", "paths", sequential(t, btree.ISBTree, 1000))
	otherData := attach(t, s, forest.KindCatalog, "uid_catalog", "uid_catalog", "data", sequential(t, btree.ISBTree, 1000))

	rep, err := newOrchestrator(s.NewConn(), DefaultOptions(), nil).Run(ctx, forest.Filter{})
	require.NoError(t, err)
	assert.Equal(t, 2, rep.Containers)
	assert.Equal(t, 32, rep.Saved)

	assert.Equal(t, data, slotRef(t, s, forest.KindCatalog, "portal_catalog", "portal_catalog", "data"))
	assert.NotEqual(t, paths, slotRef(t, s, forest.KindCatalog, "portal_catalog", "portal_catalog", "paths"))
	assert.NotEqual(t, otherData, slotRef(t, s, forest.KindCatalog, "uid_catalog", "uid_catalog", "data"))
}

func TestOrchestrator_IntegrityViolationStopsRun(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	subject := attach(t, s, forest.KindIndex, "portal_catalog", "Subject", "_index", sequential(t, btree.IITreeSet, 1000))
	created := attach(t, s, forest.KindIndex, "portal_catalog", "created", "_index", sequential(t, btree.IITreeSet, 1000))

	session := &spySession{Conn: s.NewConn()}
	session.wrap = func(ref btree.Ref, c btree.Container) btree.Container {
		if ref == subject {
			return shortContainer{c}
		}
		return c
	}

	rep, err := newOrchestrator(session, DefaultOptions(), s).Run(ctx, forest.Filter{})
	require.Error(t, err)
	assert.True(t, errors.Is(err, cerrors.ErrIntegrityViolation))
	assert.Equal(t, StatusFailed, rep.Status)
	assert.Equal(t, 1, rep.Outcomes[OutcomeFailed])
	assert.Zero(t, session.commits)

	assert.Equal(t, subject, slotRef(t, s, forest.KindIndex, "portal_catalog", "Subject", "_index"))
	assert.Equal(t, created, slotRef(t, s, forest.KindIndex, "portal_catalog", "created", "_index"))

	runs, err := s.Runs(ctx, 5)
	require.NoError(t, err)
	require.Len(t, runs, 1)
	assert.Equal(t, StatusFailed, runs[0].Status)
}

func TestOrchestrator_DryRunWritesNothing(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	ref := attach(t, s, forest.KindIndex, "portal_catalog", "effective", "_index", sequential(t, btree.IITreeSet, 1000))

	opts := DefaultOptions()
	opts.DryRun = true
	session := &spySession{Conn: s.NewConn()}
	rep, err := newOrchestrator(session, opts, s).Run(ctx, forest.Filter{})
	require.NoError(t, err)

	assert.True(t, rep.DryRun)
	assert.Equal(t, 1, rep.Outcomes[OutcomePlanned])
	assert.Equal(t, 7, rep.Saved)
	assert.Zero(t, session.begins)
	assert.Equal(t, ref, slotRef(t, s, forest.KindIndex, "portal_catalog", "effective", "_index"))

	runs, err := s.Runs(ctx, 5)
	require.NoError(t, err)
	assert.Empty(t, runs)
}

func TestOrchestrator_Filter(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	conn := s.NewConn()
	for _, site := range []string{"a", "b"} {
		h, err := conn.Holder(ctx, site, "portal_catalog", forest.KindIndex, "effective")
		require.NoError(t, err)
		conn.Begin()
		_, err = conn.Attach(ctx, h, "_index", sequential(t, btree.IITreeSet, 1000))
		require.NoError(t, err)
		require.NoError(t, conn.Commit(ctx))
	}

	rep, err := newOrchestrator(s.NewConn(), DefaultOptions(), nil).Run(ctx, forest.Filter{Site: "b"})
	require.NoError(t, err)
	assert.Nil(t, rep.Site("a"))
	require.NotNil(t, rep.Site("b"))
	assert.Equal(t, 7, rep.Site("b").Saved)
	assert.Equal(t, 7, rep.Saved)
}

func TestOrchestrator_UnsupportedKeyDomain(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	attach(t, s, forest.KindIndex, "portal_catalog", "getObjPositionInParent", "_index", sequential(t, btree.FIBTree, 1000))

	opts := DefaultOptions()
	opts.SkipUnsupportedKeys = true
	session := &spySession{Conn: s.NewConn()}
	rep, err := newOrchestrator(session, opts, nil).Run(ctx, forest.Filter{})
	require.NoError(t, err)
	assert.Equal(t, 1, rep.Outcomes[OutcomeUnsupported])
	assert.Zero(t, session.begins)

	rep, err = newOrchestrator(s.NewConn(), DefaultOptions(), nil).Run(ctx, forest.Filter{})
	require.NoError(t, err)
	assert.Equal(t, 1, rep.Outcomes[OutcomeSwapped])
	assert.Equal(t, 15, rep.Saved)
}

func TestOrchestrator_Cancelled(t *testing.T) {
	s := newTestStore(t)
	attach(t, s, forest.KindIndex, "portal_catalog", "effective", "_index", sequential(t, btree.IITreeSet, 100))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	rep, err := newOrchestrator(s.NewConn(), DefaultOptions(), nil).Run(ctx, forest.Filter{})
	require.Error(t, err)
	assert.Equal(t, StatusCancelled, rep.Status)
	assert.Zero(t, rep.Containers)
}

func TestOrchestrator_Metrics(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	attach(t, s, forest.KindIndex, "portal_catalog", "effective", "_index", sequential(t, btree.IITreeSet, 1000))

	reg := prometheus.NewRegistry()
	orch := NewOrchestrator(s.NewConn(), DefaultOptions(), nil, quietLogger(), NewMetrics(reg))
	_, err := orch.Run(ctx, forest.Filter{})
	require.NoError(t, err)

	families, err := reg.Gather()
	require.NoError(t, err)
	values := map[string]float64{}
	for _, f := range families {
		for _, m := range f.GetMetric() {
			if c := m.GetCounter(); c != nil {
				values[f.GetName()] += c.GetValue()
			}
			if g := m.GetGauge(); g != nil {
				values[f.GetName()] = g.GetValue()
			}
		}
	}
	assert.Equal(t, 7.0, values["catalogopt_buckets_saved_total"])
	assert.Equal(t, 1.0, values["catalogopt_containers_total"])
	assert.Equal(t, 1.0, values["catalogopt_runs_total"])
	assert.Equal(t, 7.0, values["catalogopt_last_run_buckets_saved"])
}

func TestOrchestrator_BacksOffAfterConflicts(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	subject := attach(t, s, forest.KindIndex, "portal_catalog", "Subject", "_index", sequential(t, btree.IITreeSet, 1000))
	attach(t, s, forest.KindIndex, "portal_catalog", "created", "_index", sequential(t, btree.IITreeSet, 1000))

	session := &spySession{Conn: s.NewConn()}
	session.beforeAdopt = func() {
		ext := s.NewConn()
		c, err := ext.Resolve(ctx, subject)
		require.NoError(t, err)
		ext.Begin()
		require.NoError(t, c.Put(int64(5000), nil))
		require.NoError(t, ext.Register(c))
		require.NoError(t, ext.Commit(ctx))
	}

	opts := DefaultOptions()
	opts.Backoff = BackoffConfig{Threshold: 0.1, MinAttempts: 1, Pause: 50 * time.Millisecond}
	orch := newOrchestrator(session, opts, nil)
	var slept []time.Duration
	orch.backoff.sleep = func(_ context.Context, d time.Duration) error {
		slept = append(slept, d)
		return nil
	}

	rep, err := orch.Run(ctx, forest.Filter{})
	require.NoError(t, err)
	assert.Equal(t, 1, rep.Outcomes[OutcomeConflict])
	assert.Equal(t, 1, rep.Outcomes[OutcomeSwapped])
	assert.Equal(t, []time.Duration{50 * time.Millisecond}, slept)
}
