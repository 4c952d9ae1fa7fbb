package btree

import (
	"cmp"
	"fmt"
	"slices"
	"sort"
)

var _ Persistent = (*Tree[int64, int64])(nil)

type bucket[K Key, V any] struct {
	keys []K
	vals []V
	next *bucket[K, V]

	oid    uint64
	serial uint64
	stored bool
	dirty  bool
}

func (b *bucket[K, V]) Len() int       { return len(b.keys) }
func (b *bucket[K, V]) OID() uint64    { return b.oid }
func (b *bucket[K, V]) Serial() uint64 { return b.serial }

func (b *bucket[K, V]) Next() Bucket {
	if b.next == nil {
		return nil
	}
	return b.next
}

// Tree is a leaf-bucket chain over keys K and values V. Set types use
// struct{} values and never allocate a value slice.
type Tree[K Key, V any] struct {
	typ     *Type
	oid     uint64
	serial  uint64
	stored  bool
	buckets []*bucket[K, V]
	size    int

	removed     []BucketRef
	headerDirty bool
}

func newTree[K Key, V any](t *Type) *Tree[K, V] {
	return &Tree[K, V]{typ: t}
}

func (t *Tree[K, V]) isMap() bool { return t.typ.Variant == MapContainer }

func (t *Tree[K, V]) Type() *Type    { return t.typ }
func (t *Tree[K, V]) OID() uint64    { return t.oid }
func (t *Tree[K, V]) Serial() uint64 { return t.serial }
func (t *Tree[K, V]) Stored() bool   { return t.stored }
func (t *Tree[K, V]) Len() int       { return t.size }

func (t *Tree[K, V]) FirstBucket() Bucket {
	if len(t.buckets) == 0 {
		return nil
	}
	return t.buckets[0]
}

func (t *Tree[K, V]) LastBucket() Bucket {
	if len(t.buckets) == 0 {
		return nil
	}
	return t.buckets[len(t.buckets)-1]
}

// locate returns the index of the bucket that holds or would hold k.
func (t *Tree[K, V]) locate(k K) int {
	i := sort.Search(len(t.buckets), func(i int) bool {
		return cmp.Less(k, t.buckets[i].keys[0])
	})
	if i > 0 {
		i--
	}
	return i
}

func (t *Tree[K, V]) value(b *bucket[K, V], j int) any {
	if !t.isMap() {
		return nil
	}
	return b.vals[j]
}

func (t *Tree[K, V]) Ascend(fn func(key, value any) bool) {
	for _, b := range t.buckets {
		for j, k := range b.keys {
			if !fn(k, t.value(b, j)) {
				return
			}
		}
	}
}

func (t *Tree[K, V]) AscendFrom(pivot any, fn func(key, value any) bool) error {
	p, ok := pivot.(K)
	if !ok {
		return fmt.Errorf("%w: %s pivot %v (%T)", ErrKeyType, t.typ.Name, pivot, pivot)
	}
	if len(t.buckets) == 0 {
		return nil
	}
	start := t.locate(p)
	j, _ := slices.BinarySearch(t.buckets[start].keys, p)
	for bi := start; bi < len(t.buckets); bi++ {
		b := t.buckets[bi]
		for ; j < len(b.keys); j++ {
			if !fn(b.keys[j], t.value(b, j)) {
				return nil
			}
		}
		j = 0
	}
	return nil
}

func (t *Tree[K, V]) Get(key any) (any, bool) {
	k, ok := key.(K)
	if !ok || len(t.buckets) == 0 {
		return nil, false
	}
	b := t.buckets[t.locate(k)]
	j, found := slices.BinarySearch(b.keys, k)
	if !found {
		return nil, false
	}
	return t.value(b, j), true
}

func (t *Tree[K, V]) MaxKey() (any, bool) {
	if len(t.buckets) == 0 {
		return nil, false
	}
	last := t.buckets[len(t.buckets)-1]
	return last.keys[len(last.keys)-1], true
}

func (t *Tree[K, V]) Put(key, value any) error {
	k, ok := key.(K)
	if !ok {
		return fmt.Errorf("%w: %s key %v (%T)", ErrKeyType, t.typ.Name, key, key)
	}
	var v V
	if t.isMap() && value != nil {
		if v, ok = value.(V); !ok {
			return fmt.Errorf("%w: %s value %v (%T)", ErrValueType, t.typ.Name, value, value)
		}
	}
	t.put(k, v)
	return nil
}

func (t *Tree[K, V]) put(k K, v V) {
	if len(t.buckets) == 0 {
		b := &bucket[K, V]{keys: []K{k}, dirty: true}
		if t.isMap() {
			b.vals = []V{v}
		}
		t.buckets = append(t.buckets, b)
		t.size = 1
		t.headerDirty = true
		return
	}

	bi := t.locate(k)
	b := t.buckets[bi]
	j, found := slices.BinarySearch(b.keys, k)
	if found {
		if t.isMap() {
			b.vals[j] = v
			b.dirty = true
		}
		return
	}

	b.keys = slices.Insert(b.keys, j, k)
	if t.isMap() {
		b.vals = slices.Insert(b.vals, j, v)
	}
	b.dirty = true
	t.size++
	t.headerDirty = true

	if len(b.keys) > t.typ.leafSize {
		t.split(bi)
	}
}

// split moves the upper half of an overflowing bucket into a new bucket
// linked right after it.
func (t *Tree[K, V]) split(bi int) {
	b := t.buckets[bi]
	mid := len(b.keys) / 2

	right := &bucket[K, V]{
		keys:  slices.Clone(b.keys[mid:]),
		next:  b.next,
		dirty: true,
	}
	b.keys = slices.Clip(b.keys[:mid])
	if t.isMap() {
		right.vals = slices.Clone(b.vals[mid:])
		b.vals = slices.Clip(b.vals[:mid])
	}
	b.next = right
	b.dirty = true
	t.buckets = slices.Insert(t.buckets, bi+1, right)
}

func (t *Tree[K, V]) Delete(key any) (bool, error) {
	k, ok := key.(K)
	if !ok {
		return false, fmt.Errorf("%w: %s key %v (%T)", ErrKeyType, t.typ.Name, key, key)
	}
	if len(t.buckets) == 0 {
		return false, nil
	}

	bi := t.locate(k)
	b := t.buckets[bi]
	j, found := slices.BinarySearch(b.keys, k)
	if !found {
		return false, nil
	}

	b.keys = slices.Delete(b.keys, j, j+1)
	if t.isMap() {
		b.vals = slices.Delete(b.vals, j, j+1)
	}
	b.dirty = true
	t.size--
	t.headerDirty = true

	if len(b.keys) == 0 {
		t.unlink(bi)
	}
	return true, nil
}

func (t *Tree[K, V]) unlink(bi int) {
	b := t.buckets[bi]
	if bi > 0 {
		prev := t.buckets[bi-1]
		prev.next = b.next
		prev.dirty = true
	}
	t.buckets = slices.Delete(t.buckets, bi, bi+1)
	if b.stored {
		t.removed = append(t.removed, BucketRef{OID: b.oid, Serial: b.serial})
	}
}

// Adopt assigns the object id of a container that was never stored.
func (t *Tree[K, V]) Adopt(oid uint64) {
	if !t.stored {
		t.oid = oid
	}
}

func (t *Tree[K, V]) HeaderChanged() bool { return t.headerDirty || !t.stored }

func (t *Tree[K, V]) Changed() bool {
	if t.HeaderChanged() || len(t.removed) > 0 {
		return true
	}
	for _, b := range t.buckets {
		if b.dirty || !b.stored {
			return true
		}
	}
	return false
}

func (t *Tree[K, V]) Removed() []BucketRef {
	return slices.Clone(t.removed)
}

func (t *Tree[K, V]) Images(alloc func() (uint64, error)) ([]BucketImage, error) {
	for _, b := range t.buckets {
		if b.oid != 0 {
			continue
		}
		oid, err := alloc()
		if err != nil {
			return nil, fmt.Errorf("btree: allocate bucket oid: %w", err)
		}
		b.oid = oid
	}

	images := make([]BucketImage, 0, len(t.buckets))
	for _, b := range t.buckets {
		img := BucketImage{
			OID:    b.oid,
			Serial: b.serial,
			New:    !b.stored,
			Dirty:  b.dirty || !b.stored,
		}
		if b.next != nil {
			img.Next = b.next.oid
		}
		if img.Dirty {
			payload, err := encodeBucket(b.keys, b.vals)
			if err != nil {
				return nil, fmt.Errorf("btree: encode bucket %d of %s: %w", b.oid, t.typ.Name, err)
			}
			img.Payload = payload
		}
		images = append(images, img)
	}
	return images, nil
}

func (t *Tree[K, V]) Saved() {
	for _, b := range t.buckets {
		if !b.dirty && b.stored {
			continue
		}
		if b.stored {
			b.serial++
		} else {
			b.serial = 1
			b.stored = true
		}
		b.dirty = false
	}
	if !t.stored {
		t.serial = 1
		t.stored = true
	} else if t.headerDirty {
		t.serial++
	}
	t.headerDirty = false
	t.removed = nil
}

func loadTree[K Key, V any](typ *Type, oid, serial uint64, images []BucketImage) (Persistent, error) {
	t := &Tree[K, V]{typ: typ, oid: oid, serial: serial, stored: true}
	for i, img := range images {
		keys, vals, err := decodeBucket[K, V](img.Payload, typ.Variant == MapContainer)
		if err != nil {
			return nil, fmt.Errorf("btree: decode bucket %d of %s %d: %w", img.OID, typ.Name, oid, err)
		}
		if len(keys) == 0 || !strictlyIncreasing(keys) {
			return nil, fmt.Errorf("%w: bucket %d of %s %d", ErrCorruptChain, img.OID, typ.Name, oid)
		}
		b := &bucket[K, V]{keys: keys, vals: vals, oid: img.OID, serial: img.Serial, stored: true}
		if i > 0 {
			prev := t.buckets[i-1]
			if !cmp.Less(prev.keys[len(prev.keys)-1], keys[0]) {
				return nil, fmt.Errorf("%w: bucket %d overlaps its predecessor", ErrCorruptChain, img.OID)
			}
			prev.next = b
		}
		t.buckets = append(t.buckets, b)
		t.size += len(keys)
	}
	return t, nil
}

func strictlyIncreasing[K Key](keys []K) bool {
	for i := 1; i < len(keys); i++ {
		if !cmp.Less(keys[i-1], keys[i]) {
			return false
		}
	}
	return true
}
