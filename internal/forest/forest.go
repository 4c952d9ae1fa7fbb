// Package forest defines the contracts between the optimizer and the
// store that holds the collections it rewrites: where containers live
// (sites, catalogs, holders and their slots), how to resolve references to
// them, and the transactional session swaps are committed through.
package forest

import (
	"context"
	"fmt"
	"strings"

	"github.com/arkilian/catalogopt/internal/btree"
	cerrors "github.com/arkilian/catalogopt/internal/errors"
)

// HolderKind classifies the objects whose attribute slots hold containers.
type HolderKind string

const (
	// KindCatalog holds a catalog's structural maps (paths, uids, data).
	KindCatalog HolderKind = "catalog"
	// KindLexicon holds a lexicon's word maps.
	KindLexicon HolderKind = "lexicon"
	// KindIndex holds an index's forward and reverse maps.
	KindIndex HolderKind = "index"
)

// KindOrder is the order holders of one catalog are visited in.
var KindOrder = []HolderKind{KindCatalog, KindLexicon, KindIndex}

// Path identifies a holder, and optionally one of its slots.
type Path struct {
	Site    string
	Catalog string
	Kind    HolderKind
	Holder  string
	Slot    string
}

func (p Path) String() string {
	s := p.Site + "/" + p.Catalog + "/" + p.Holder
	if p.Slot != "" {
		s += "." + p.Slot
	}
	return s
}

// WithSlot returns a copy of p naming the given slot.
func (p Path) WithSlot(slot string) Path {
	p.Slot = slot
	return p
}

// Filter restricts a walk to a subtree. Empty fields match everything.
type Filter struct {
	Site    string
	Catalog string
	Index   string
}

// ParseFilter builds a filter from positional arguments:
// [site [catalog [index]]].
func ParseFilter(args []string) (Filter, error) {
	if len(args) > 3 {
		return Filter{}, cerrors.NewValidationError(cerrors.CodeInvalidFilter,
			fmt.Sprintf("expected at most 3 filter arguments (site catalog index), got %d", len(args)))
	}
	var f Filter
	fields := []*string{&f.Site, &f.Catalog, &f.Index}
	for i, arg := range args {
		arg = strings.TrimSpace(arg)
		if arg == "" {
			return Filter{}, cerrors.NewValidationError(cerrors.CodeInvalidFilter,
				fmt.Sprintf("filter argument %d is empty", i+1))
		}
		*fields[i] = arg
	}
	return f, nil
}

// Matches reports whether a holder path lies inside the filtered subtree.
// An index filter excludes catalog and lexicon holders.
func (f Filter) Matches(p Path) bool {
	if f.Site != "" && f.Site != p.Site {
		return false
	}
	if f.Catalog != "" && f.Catalog != p.Catalog {
		return false
	}
	if f.Index != "" && (p.Kind != KindIndex || f.Index != p.Holder) {
		return false
	}
	return true
}

func (f Filter) String() string {
	parts := []string{"*", "*", "*"}
	for i, v := range []string{f.Site, f.Catalog, f.Index} {
		if v != "" {
			parts[i] = v
		}
	}
	return strings.Join(parts, "/")
}

// Slot is a parent reference that exclusively owns one container: a
// holder attribute or an entry of a container-of-containers.
type Slot interface {
	Name() string
	// Ref is the container currently owned by the slot.
	Ref() btree.Ref
	// Repoint makes the slot own ref and marks its parent modified. The
	// change becomes durable only when the session commits.
	Repoint(ref btree.Ref) error
}

// Target is an object whose slots hold containers.
type Target interface {
	Path() Path
	// Slots returns the target's slots in a stable order.
	Slots() []Slot
}

// Walker enumerates targets in deterministic order: sites, then catalogs,
// then holders by kind (KindOrder) and name.
type Walker interface {
	Walk(ctx context.Context, filter Filter, fn func(Target) error) error
}

// Session is a connection to the store: a cache of loaded containers and a
// transactional boundary that is opened and closed once per container.
type Session interface {
	Walker

	// Begin opens a transactional boundary, discarding any pending one.
	Begin()
	// Commit makes all pending changes durable atomically. It fails with a
	// retryable write conflict when acknowledged reads are no longer current.
	Commit(ctx context.Context) error
	// Abort discards pending changes and restores repointed slots.
	Abort()
	// CacheGC releases cached containers that have no pending changes.
	CacheGC()

	Resolve(ctx context.Context, ref btree.Ref) (btree.Container, error)
	// Adopt attaches a freshly built container to the pending transaction
	// and returns the reference that will own it once committed.
	Adopt(ctx context.Context, c btree.Container) (btree.Ref, error)
	// Entry returns the slot for key inside a container-of-containers.
	Entry(parent btree.Container, key any) Slot
}

// ReadCurrenter is implemented by sessions that can assert, at commit
// time, that buckets read earlier have not changed since.
type ReadCurrenter interface {
	ReadCurrent(b btree.Bucket)
}
