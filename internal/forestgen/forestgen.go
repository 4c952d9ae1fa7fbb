// Package forestgen seeds a store with a catalog forest shaped like a
// typical content catalog: a catalog holder with document metadata, a
// lexicon, and field, keyword and date indexes whose forward index maps
// each value to a set of document ids.
//
// Sequential generation fills every container in ascending key order,
// which leaves most buckets half full. Shuffled generation inserts in
// random order.
package forestgen

import (
	"context"
	"fmt"
	"math/rand"

	"github.com/arkilian/catalogopt/internal/btree"
	"github.com/arkilian/catalogopt/internal/forest"
	"github.com/arkilian/catalogopt/internal/store"
	"github.com/sirupsen/logrus"
)

// Spec describes the forest to generate.
type Spec struct {
	Sites     []string
	Catalogs  []string
	Documents int

	// States and Subjects are the value domains of the review_state and
	// Subject indexes.
	States   []string
	Subjects []string

	// Shuffle inserts keys in random order instead of ascending order.
	Shuffle bool
	Seed    int64
}

// DefaultSpec returns a single-site, single-catalog forest of 1000 documents.
func DefaultSpec() Spec {
	return Spec{
		Sites:     []string{"plone"},
		Catalogs:  []string{"portal_catalog"},
		Documents: 1000,
		States:    []string{"published", "private", "pending"},
		Subjects:  []string{"news", "events", "reports", "policy", "people"},
		Seed:      1,
	}
}

// Summary counts what a generation created.
type Summary struct {
	Holders    int
	Slots      int
	Containers int
	Entries    int
	// Skipped counts slots left alone because they already existed.
	Skipped int
}

// Generator writes generated forests through a store connection.
type Generator struct {
	conn   *store.Conn
	spec   Spec
	rng    *rand.Rand
	logger logrus.FieldLogger
	sum    Summary
}

// New creates a generator. Zero-valued spec fields take the defaults.
func New(conn *store.Conn, spec Spec, logger logrus.FieldLogger) *Generator {
	def := DefaultSpec()
	if len(spec.Sites) == 0 {
		spec.Sites = def.Sites
	}
	if len(spec.Catalogs) == 0 {
		spec.Catalogs = def.Catalogs
	}
	if spec.Documents <= 0 {
		spec.Documents = def.Documents
	}
	if len(spec.States) == 0 {
		spec.States = def.States
	}
	if len(spec.Subjects) == 0 {
		spec.Subjects = def.Subjects
	}
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return &Generator{
		conn:   conn,
		spec:   spec,
		rng:    rand.New(rand.NewSource(spec.Seed)),
		logger: logger.WithField("component", "forestgen"),
	}
}

// Generate creates every site and catalog of the spec. Each holder is
// committed in its own transaction.
func (g *Generator) Generate(ctx context.Context) (Summary, error) {
	g.sum = Summary{}
	for _, site := range g.spec.Sites {
		for _, catalog := range g.spec.Catalogs {
			if err := g.catalog(ctx, site, catalog); err != nil {
				return g.sum, err
			}
			g.logger.WithFields(logrus.Fields{
				"site":      site,
				"catalog":   catalog,
				"documents": g.spec.Documents,
			}).Info("Catalog generated")
		}
	}
	return g.sum, nil
}

type slotBuilder struct {
	name  string
	build func() (btree.Container, error)
}

func (g *Generator) catalog(ctx context.Context, site, catalog string) error {
	n := g.spec.Documents
	path := func(i int) string { return fmt.Sprintf("/%s/doc-%06d", site, i) }
	title := func(i int) string { return fmt.Sprintf("Document %06d", i) }
	state := func(i int) string { return g.spec.States[i%len(g.spec.States)] }
	subject := func(i int) string { return g.spec.Subjects[(i*7)%len(g.spec.Subjects)] }
	created := func(i int) int64 { return 1_600_000_000 + int64(i)*3600 }

	holders := []struct {
		kind  forest.HolderKind
		name  string
		slots []slotBuilder
	}{
		{forest.KindCatalog, catalog, []slotBuilder{
			{"data", g.mapOf(btree.ISBTree, n, func(i int) (any, any) { return int64(i), title(i) })},
			{"paths", g.mapOf(btree.OIBTree, n, func(i int) (any, any) { return path(i), int64(i) })},
			{"uids", g.mapOf(btree.ISBTree, n, func(i int) (any, any) { return int64(i), path(i) })},
		}},
		{forest.KindLexicon, "plone_lexicon", []slotBuilder{
			{"_wids", g.mapOf(btree.OIBTree, n, func(i int) (any, any) { return fmt.Sprintf("term%06d", i), int64(i) })},
			{"_words", g.mapOf(btree.ISBTree, n, func(i int) (any, any) { return int64(i), fmt.Sprintf("term%06d", i) })},
		}},
		{forest.KindIndex, "review_state", []slotBuilder{
			{"_index", g.forward(ctx, n, state)},
			{"_unindex", g.mapOf(btree.ISBTree, n, func(i int) (any, any) { return int64(i), state(i) })},
		}},
		{forest.KindIndex, "Subject", []slotBuilder{
			{"_index", g.forward(ctx, n, subject)},
			{"_unindex", g.mapOf(btree.ISBTree, n, func(i int) (any, any) { return int64(i), subject(i) })},
		}},
		{forest.KindIndex, "created", []slotBuilder{
			{"_index", g.mapOf(btree.FIBTree, n, func(i int) (any, any) { return float64(created(i)), int64(i) })},
			{"_unindex", g.mapOf(btree.IIBTree, n, func(i int) (any, any) { return int64(i), created(i) })},
		}},
		{forest.KindIndex, "sortable_title", []slotBuilder{
			{"_index", g.setOf(btree.OOTreeSet, n, func(i int) any { return title(i) })},
			{"_unindex", g.mapOf(btree.ISBTree, n, func(i int) (any, any) { return int64(i), title(i) })},
		}},
	}

	for _, spec := range holders {
		if err := ctx.Err(); err != nil {
			return err
		}
		h, err := g.conn.Holder(ctx, site, catalog, spec.kind, spec.name)
		if err != nil {
			return fmt.Errorf("forestgen: %w", err)
		}
		g.sum.Holders++

		g.conn.Begin()
		for _, sb := range spec.slots {
			if h.Slot(sb.name) != nil {
				g.sum.Skipped++
				continue
			}
			c, err := sb.build()
			if err != nil {
				g.conn.Abort()
				return fmt.Errorf("forestgen: build %s.%s: %w", h.Path(), sb.name, err)
			}
			if _, err := g.conn.Attach(ctx, h, sb.name, c); err != nil {
				g.conn.Abort()
				return fmt.Errorf("forestgen: %w", err)
			}
			g.sum.Slots++
			g.sum.Containers++
			g.sum.Entries += c.Len()
		}
		if err := g.conn.Commit(ctx); err != nil {
			return fmt.Errorf("forestgen: commit %s: %w", h.Path(), err)
		}
		g.conn.CacheGC()
	}
	return nil
}

// order returns 0..n-1, shuffled when the spec asks for it.
func (g *Generator) order(n int) []int {
	idx := make([]int, n)
	for i := range idx {
		idx[i] = i
	}
	if g.spec.Shuffle {
		g.rng.Shuffle(n, func(i, j int) { idx[i], idx[j] = idx[j], idx[i] })
	}
	return idx
}

func (g *Generator) mapOf(typ *btree.Type, n int, entry func(i int) (any, any)) func() (btree.Container, error) {
	return func() (btree.Container, error) {
		c := typ.New()
		for _, i := range g.order(n) {
			k, v := entry(i)
			if err := c.Put(k, v); err != nil {
				return nil, err
			}
		}
		return c, nil
	}
}

func (g *Generator) setOf(typ *btree.Type, n int, key func(i int) any) func() (btree.Container, error) {
	return func() (btree.Container, error) {
		c := typ.New()
		for _, i := range g.order(n) {
			if err := c.Put(key(i), nil); err != nil {
				return nil, err
			}
		}
		return c, nil
	}
}

// forward builds a value -> document-set index. Each document set is
// adopted as its own container inside the pending transaction.
func (g *Generator) forward(ctx context.Context, n int, value func(i int) string) func() (btree.Container, error) {
	return func() (btree.Container, error) {
		sets := make(map[string]btree.Container)
		var values []string
		for _, i := range g.order(n) {
			v := value(i)
			set, ok := sets[v]
			if !ok {
				set = btree.IITreeSet.New()
				sets[v] = set
				values = append(values, v)
			}
			if err := set.Put(int64(i), nil); err != nil {
				return nil, err
			}
		}

		index := btree.OOBTree.New()
		for _, v := range values {
			ref, err := g.conn.Adopt(ctx, sets[v])
			if err != nil {
				return nil, err
			}
			g.sum.Containers++
			g.sum.Entries += sets[v].Len()
			if err := index.Put(v, ref); err != nil {
				return nil, err
			}
		}
		return index, nil
	}
}
