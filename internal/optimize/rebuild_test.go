package optimize

import (
	"errors"
	"fmt"
	"testing"

	"github.com/arkilian/catalogopt/internal/btree"
	cerrors "github.com/arkilian/catalogopt/internal/errors"
	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRebuild_SequentialDense(t *testing.T) {
	old := sequential(t, btree.IITreeSet, 1000)
	before, _ := Inspect(old.FirstBucket(), false)
	require.Equal(t, ModulusDense, PlanRebuild(before, 120).Modulus)

	fresh, err := Rebuild(old, ModulusDense, 120)
	require.NoError(t, err)

	after, _ := Inspect(fresh.FirstBucket(), false)
	assert.Equal(t, Distribution{120: 8, 40: 1}, after)
	assert.Equal(t, entriesOf(old), entriesOf(fresh))
	assert.Equal(t, old.Len(), fresh.Len())
	assert.Greater(t, after.AverageFill(120), 0.9)
	assert.Equal(t, 16, before.Buckets())
}

func TestRebuild_MapValuesPreserved(t *testing.T) {
	old := sequential(t, btree.IIBTree, 1000)
	fresh, err := Rebuild(old, ModulusDense, 120)
	require.NoError(t, err)
	assert.Equal(t, entriesOf(old), entriesOf(fresh))

	v, ok := fresh.Get(int64(500))
	require.True(t, ok)
	assert.Equal(t, int64(3500), v)
}

func TestRebuild_SparseReachesNinetyPercent(t *testing.T) {
	for _, tc := range []struct {
		typ      *btree.Type
		n, cap   int
		expected Distribution
	}{
		{btree.IITreeSet, 1000, 120, Distribution{108: 9, 28: 1}},
		{btree.OIBTree, 1000, 60, Distribution{54: 18, 28: 1}},
		{btree.OOTreeSet, 500, 30, Distribution{27: 18, 14: 1}},
	} {
		t.Run(tc.typ.Name, func(t *testing.T) {
			old := sequential(t, tc.typ, tc.n)
			fresh, err := Rebuild(old, ModulusSparse, tc.cap)
			require.NoError(t, err)
			after, _ := Inspect(fresh.FirstBucket(), false)
			assert.Equal(t, tc.expected, after)
			assert.True(t, IsAlreadyOptimized(after, tc.cap))
			assert.Equal(t, entriesOf(old), entriesOf(fresh))
		})
	}
}

func TestRebuild_TextualKeys(t *testing.T) {
	old := sequential(t, btree.OOTreeSet, 500)
	fresh, err := Rebuild(old, ModulusDense, 30)
	require.NoError(t, err)

	after, _ := Inspect(fresh.FirstBucket(), false)
	assert.Equal(t, Distribution{30: 16, 20: 1}, after)
	assert.Equal(t, entriesOf(old), entriesOf(fresh))
}

// A key type without a synthetic key strategy is still rebuilt, just
// without the forced split.
func TestRebuild_UnsupportedKeyDomainSkipsForcedSplit(t *testing.T) {
	require.Equal(t, btree.Unsupported, btree.FIBTree.Domain)
	old := sequential(t, btree.FIBTree, 1000)
	fresh, err := Rebuild(old, ModulusDense, 60)
	require.NoError(t, err)

	assert.Equal(t, old.Len(), fresh.Len())
	assert.Equal(t, entriesOf(old), entriesOf(fresh))
	after, _ := Inspect(fresh.FirstBucket(), false)
	assert.Equal(t, Distribution{30: 1, 32: 1, 38: 1, 60: 15}, after)
}

func TestRebuild_SingleEntry(t *testing.T) {
	old := sequential(t, btree.IITreeSet, 1)
	fresh, err := Rebuild(old, ModulusDense, 120)
	require.NoError(t, err)
	assert.Equal(t, []int{1}, sizesOf(fresh))
}

func TestRebuild_EmptyContainer(t *testing.T) {
	fresh, err := Rebuild(btree.IITreeSet.New(), ModulusDense, 120)
	require.NoError(t, err)
	assert.Equal(t, 0, fresh.Len())
	assert.Nil(t, fresh.FirstBucket())
}

func TestRebuild_SizeMismatchIsFatal(t *testing.T) {
	old := shortContainer{sequential(t, btree.IITreeSet, 300)}
	_, err := Rebuild(old, ModulusDense, 120)
	require.Error(t, err)
	assert.True(t, errors.Is(err, cerrors.ErrIntegrityViolation))
	assert.True(t, cerrors.IsFatal(err))
}

func TestRebuild_InvalidModulus(t *testing.T) {
	_, err := Rebuild(sequential(t, btree.IITreeSet, 3), 0, 120)
	assert.Error(t, err)
}

// TestProperty_RebuildPreservesEntries validates that a rebuild keeps every
// key and value, keeps the size, and never overfills a bucket.
func TestProperty_RebuildPreservesEntries(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 100
	properties := gopter.NewProperties(parameters)

	check := func(old btree.Container, modulus, capacity int) bool {
		fresh, err := Rebuild(old, modulus, capacity)
		if err != nil {
			return false
		}
		if fresh.Len() != old.Len() || fresh.Type() != old.Type() {
			return false
		}
		for _, s := range sizesOf(fresh) {
			if s == 0 || s > capacity {
				return false
			}
		}
		return fmt.Sprint(entriesOf(old)) == fmt.Sprint(entriesOf(fresh))
	}

	properties.Property("integer map rebuild preserves keys and values", prop.ForAll(
		func(keys []int64, dense bool) bool {
			old := btree.IIBTree.New()
			for _, k := range keys {
				if old.Put(k, k/3) != nil {
					return false
				}
			}
			modulus := ModulusSparse
			if dense {
				modulus = ModulusDense
			}
			return check(old, modulus, 120)
		},
		gen.SliceOf(gen.Int64()),
		gen.Bool(),
	))

	properties.Property("string set rebuild preserves keys", prop.ForAll(
		func(keys []string, dense bool) bool {
			old := btree.OOTreeSet.New()
			for _, k := range keys {
				if old.Put(k, nil) != nil {
					return false
				}
			}
			modulus := ModulusSparse
			if dense {
				modulus = ModulusDense
			}
			return check(old, modulus, 30)
		},
		gen.SliceOf(gen.AlphaString()),
		gen.Bool(),
	))

	properties.Property("sequential integer sets never need more buckets", prop.ForAll(
		func(n int) bool {
			old := btree.IITreeSet.New()
			for i := 0; i < n; i++ {
				if old.Put(int64(i), nil) != nil {
					return false
				}
			}
			fresh, err := Rebuild(old, ModulusDense, 120)
			if err != nil {
				return false
			}
			before, _ := Inspect(old.FirstBucket(), false)
			after, _ := Inspect(fresh.FirstBucket(), false)
			return after.Buckets() <= before.Buckets() && fresh.Len() == n
		},
		gen.IntRange(1, 3000),
	))

	properties.TestingRun(t)
}
