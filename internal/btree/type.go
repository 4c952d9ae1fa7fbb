// Package btree provides the ordered containers catalogopt optimizes: a chain
// of fixed-capacity leaf buckets over int64, string or float64 keys, in map
// and set variants.
//
// The containers are deliberately simple. Lookups binary-search an in-memory
// index of bucket first keys, an insertion that overflows a bucket splits it
// in half, and a removal that empties a bucket unlinks it. That split policy
// is what makes naive sequential loading settle at ~50% occupancy.
package btree

import (
	"fmt"
	"sort"
	"sync"
)

// Variant distinguishes key→value containers from key-only containers.
// It is fixed when a Type is defined and never probed at runtime.
type Variant int

const (
	MapContainer Variant = iota + 1
	SetContainer
)

func (v Variant) String() string {
	switch v {
	case MapContainer:
		return "map"
	case SetContainer:
		return "set"
	default:
		return "unknown"
	}
}

// Ref references another container by object id. Containers whose values
// are Refs are containers-of-containers (e.g. an index mapping each value
// to the set of documents holding it).
type Ref uint64

// Key is the set of key types a container can be instantiated with.
type Key interface {
	int64 | string | float64
}

// Type describes one concrete container type. Bucket capacity is a
// property of the type, not of an instance, and is intentionally not
// exported: callers discover it by probing.
type Type struct {
	Name    string
	Variant Variant
	Domain  KeyDomain
	// Nested is true when map values are Refs to other containers.
	Nested bool

	leafSize int
	newFn    func(t *Type) Persistent
	loadFn   func(t *Type, oid, serial uint64, images []BucketImage) (Persistent, error)
	ordinal  func(i int) any
}

// New returns an empty, unsaved container of this type, or nil when the
// type cannot be constructed.
func (t *Type) New() Container {
	if t == nil || t.newFn == nil {
		return nil
	}
	return t.newFn(t)
}

// OrdinalKey returns the i-th key of a monotonically increasing key
// sequence valid for this type. It is used to probe capacities.
func (t *Type) OrdinalKey(i int) (any, bool) {
	if t == nil || t.ordinal == nil {
		return nil, false
	}
	return t.ordinal(i), true
}

// Load reconstructs a stored container from its bucket images, which must
// be given in chain order.
func (t *Type) Load(oid, serial uint64, images []BucketImage) (Persistent, error) {
	if t == nil || t.loadFn == nil {
		return nil, fmt.Errorf("btree: type %v cannot be loaded", t)
	}
	return t.loadFn(t, oid, serial, images)
}

func (t *Type) String() string {
	if t == nil {
		return "<nil>"
	}
	return t.Name
}

// NewMapType defines (without registering) a map container type with the
// given bucket capacity.
func NewMapType[K Key, V any](name string, leafSize int) *Type {
	_, nested := any(*new(V)).(Ref)
	return &Type{
		Name:     name,
		Variant:  MapContainer,
		Domain:   domainOf[K](),
		Nested:   nested,
		leafSize: leafSize,
		newFn:    func(t *Type) Persistent { return newTree[K, V](t) },
		loadFn:   loadTree[K, V],
		ordinal:  func(i int) any { return ordinalKey[K](i) },
	}
}

// NewSetType defines (without registering) a set container type with the
// given bucket capacity.
func NewSetType[K Key](name string, leafSize int) *Type {
	return &Type{
		Name:     name,
		Variant:  SetContainer,
		Domain:   domainOf[K](),
		leafSize: leafSize,
		newFn:    func(t *Type) Persistent { return newTree[K, struct{}](t) },
		loadFn:   loadTree[K, struct{}],
		ordinal:  func(i int) any { return ordinalKey[K](i) },
	}
}

var (
	registryMu sync.RWMutex
	registry   = make(map[string]*Type)
)

// Register makes a type resolvable by name for the store.
func Register(t *Type) *Type {
	registryMu.Lock()
	defer registryMu.Unlock()
	registry[t.Name] = t
	return t
}

// Lookup returns the registered type with the given name.
func Lookup(name string) (*Type, bool) {
	registryMu.RLock()
	defer registryMu.RUnlock()
	t, ok := registry[name]
	return t, ok
}

// Types returns all registered types sorted by name.
func Types() []*Type {
	registryMu.RLock()
	defer registryMu.RUnlock()
	out := make([]*Type, 0, len(registry))
	for _, t := range registry {
		out = append(out, t)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Built-in container types. Capacities follow the usual leaf sizes for
// integer-keyed (larger) and string-keyed (smaller) buckets.
var (
	IIBTree   = Register(NewMapType[int64, int64]("IIBTree", 120))
	ISBTree   = Register(NewMapType[int64, string]("ISBTree", 60))
	IOBTree   = Register(NewMapType[int64, Ref]("IOBTree", 60))
	OIBTree   = Register(NewMapType[string, int64]("OIBTree", 60))
	OOBTree   = Register(NewMapType[string, Ref]("OOBTree", 30))
	OSBTree   = Register(NewMapType[string, string]("OSBTree", 30))
	FIBTree   = Register(NewMapType[float64, int64]("FIBTree", 60))
	IITreeSet = Register(NewSetType[int64]("IITreeSet", 120))
	OOTreeSet = Register(NewSetType[string]("OOTreeSet", 30))
)

func ordinalKey[K Key](i int) K {
	var k K
	switch p := any(&k).(type) {
	case *int64:
		*p = int64(i)
	case *string:
		*p = fmt.Sprintf("%012d", i)
	case *float64:
		*p = float64(i)
	}
	return k
}
