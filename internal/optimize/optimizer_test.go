package optimize

import (
	"context"
	"errors"
	"testing"

	"github.com/arkilian/catalogopt/internal/btree"
	cerrors "github.com/arkilian/catalogopt/internal/errors"
	"github.com/arkilian/catalogopt/internal/forest"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func holderSlot(t *testing.T, session *spySession, kind forest.HolderKind, holder, slot string) (forest.Path, forest.Slot) {
	t.Helper()
	h, err := session.Holder(context.Background(), "site", "portal_catalog", kind, holder)
	require.NoError(t, err)
	sl := h.Slot(slot)
	require.NotNil(t, sl)
	return h.Path().WithSlot(slot), sl
}

func TestOptimizer_EmptyContainerIsSkipped(t *testing.T) {
	s := newTestStore(t)
	attach(t, s, forest.KindIndex, "portal_catalog", "review_state", "_index", btree.OOTreeSet.New())

	session := &spySession{Conn: s.NewConn()}
	path, slot := holderSlot(t, session, forest.KindIndex, "review_state", "_index")
	res, err := NewOptimizer(session, nil, OptimizerOptions{}, quietLogger(), nil).Optimize(context.Background(), path, slot)
	require.NoError(t, err)
	assert.Equal(t, OutcomeEmpty, res.Outcome)
	assert.Zero(t, session.begins)
}

func TestOptimizer_SwapReportsDistributions(t *testing.T) {
	s := newTestStore(t)
	attach(t, s, forest.KindIndex, "portal_catalog", "effective", "_index", sequential(t, btree.IIBTree, 1000))

	session := &spySession{Conn: s.NewConn()}
	path, slot := holderSlot(t, session, forest.KindIndex, "effective", "_index")
	res, err := NewOptimizer(session, nil, OptimizerOptions{}, quietLogger(), nil).Optimize(context.Background(), path, slot)
	require.NoError(t, err)

	assert.Equal(t, OutcomeSwapped, res.Outcome)
	assert.Equal(t, "IIBTree", res.Type)
	assert.Equal(t, 120, res.Capacity)
	assert.Equal(t, ModulusDense, res.Plan.Modulus)
	assert.Equal(t, Distribution{60: 15, 100: 1}, res.Before)
	assert.Equal(t, Distribution{120: 8, 40: 1}, res.After)
	assert.Equal(t, 7, res.Saved)
	assert.Equal(t, "site/portal_catalog/effective._index", res.Path.String())
	assert.Equal(t, 1, session.begins)
	assert.Equal(t, 1, session.commits)
}

func TestOptimizer_MissingContainerIsNotFatal(t *testing.T) {
	s := newTestStore(t)
	ref := attach(t, s, forest.KindIndex, "portal_catalog", "effective", "_index", sequential(t, btree.IITreeSet, 10))

	session := &spySession{Conn: s.NewConn()}
	path, slot := holderSlot(t, session, forest.KindIndex, "effective", "_index")

	// Point the slot at an object that does not exist.
	session.Begin()
	require.NoError(t, slot.Repoint(ref+1000))
	res, err := NewOptimizer(session, nil, OptimizerOptions{}, quietLogger(), nil).Optimize(context.Background(), path, slot)
	require.NoError(t, err)
	assert.Equal(t, OutcomeFailed, res.Outcome)
	assert.True(t, errors.Is(res.Err, cerrors.ErrObjectNotFound))
}
