// Package optimize rebuilds ordered containers into equivalent ones with
// fuller leaf buckets and swaps them in when that saves buckets.
//
// The pipeline for one container is: Inspect the bucket chain, Probe the
// type's capacity, skip chains IsAlreadyOptimized recognizes, Plan an
// interleave modulus, Rebuild, and Commit the swap through a Session.
// The Orchestrator runs the pipeline over a whole forest.
package optimize

import (
	"fmt"
	"sync"

	"github.com/arkilian/catalogopt/internal/btree"
	cerrors "github.com/arkilian/catalogopt/internal/errors"
)

// maxProbeInsertions bounds Probe for types that never split.
const maxProbeInsertions = 1 << 16

// Probe determines the bucket capacity of a container type by filling a
// fresh instance with increasing keys until its first bucket splits.
func Probe(typ *btree.Type) (int, error) {
	c := typ.New()
	if c == nil {
		return 0, cerrors.NewOptimizeError(cerrors.CodeUnsupportedContainerType,
			fmt.Sprintf("cannot construct an empty %s", typ), nil)
	}

	for i := 0; i < maxProbeInsertions; i++ {
		key, ok := typ.OrdinalKey(i)
		if !ok {
			return 0, cerrors.NewOptimizeError(cerrors.CodeUnsupportedContainerType,
				fmt.Sprintf("%s has no ordinal key sequence", typ), nil)
		}
		if err := c.Put(key, nil); err != nil {
			return 0, cerrors.NewOptimizeError(cerrors.CodeUnsupportedContainerType,
				fmt.Sprintf("probe insert into %s", typ), err)
		}
		if first := c.FirstBucket(); first != nil && first.Next() != nil {
			return i, nil
		}
	}
	return 0, cerrors.NewOptimizeError(cerrors.CodeUnsupportedContainerType,
		fmt.Sprintf("%s did not split within %d insertions", typ, maxProbeInsertions), nil)
}

// Prober caches Probe results per container type.
type Prober struct {
	mu         sync.Mutex
	capacities map[string]int
}

// NewProber creates an empty capacity cache.
func NewProber() *Prober {
	return &Prober{capacities: make(map[string]int)}
}

// Capacity returns the cached capacity of typ, probing it on first use.
// Failures are not cached.
func (p *Prober) Capacity(typ *btree.Type) (int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if c, ok := p.capacities[typ.Name]; ok {
		return c, nil
	}
	c, err := Probe(typ)
	if err != nil {
		return 0, err
	}
	p.capacities[typ.Name] = c
	return c, nil
}
