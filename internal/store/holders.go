package store

import (
	"context"
	"fmt"
	"slices"

	"github.com/arkilian/catalogopt/internal/btree"
	"github.com/arkilian/catalogopt/internal/forest"
)

// Holder is a catalog, lexicon or index together with its slots as of the
// moment it was loaded.
type Holder struct {
	ID   int64
	path forest.Path

	conn  *Conn
	slots map[string]btree.Ref
}

var _ forest.Target = (*Holder)(nil)

func (h *Holder) Path() forest.Path { return h.path }

// Slots returns the holder's slots ordered by name.
func (h *Holder) Slots() []forest.Slot {
	names := make([]string, 0, len(h.slots))
	for name := range h.slots {
		names = append(names, name)
	}
	slices.Sort(names)

	out := make([]forest.Slot, 0, len(names))
	for _, name := range names {
		out = append(out, &holderSlot{holder: h, name: name})
	}
	return out
}

// Slot returns the named slot, or nil when the holder has none.
func (h *Holder) Slot(name string) forest.Slot {
	if _, ok := h.slots[name]; !ok {
		return nil
	}
	return &holderSlot{holder: h, name: name}
}

type holderSlot struct {
	holder *Holder
	name   string
}

func (s *holderSlot) Name() string   { return s.name }
func (s *holderSlot) Ref() btree.Ref { return s.holder.slots[s.name] }

func (s *holderSlot) Repoint(ref btree.Ref) error {
	h, name := s.holder, s.name
	old := h.slots[name]
	h.slots[name] = ref
	h.conn.slotWrites = append(h.conn.slotWrites, slotWrite{holderID: h.ID, name: name, old: old, ref: ref})
	h.conn.undo = append(h.conn.undo, func() { h.slots[name] = old })
	return nil
}

// Attach adopts ctr and stores it under a new slot of h. The slot becomes
// durable when the connection commits.
func (c *Conn) Attach(ctx context.Context, h *Holder, name string, ctr btree.Container) (btree.Ref, error) {
	if _, ok := h.slots[name]; ok {
		return 0, fmt.Errorf("store: holder %s already has slot %s", h.path, name)
	}
	ref, err := c.Adopt(ctx, ctr)
	if err != nil {
		return 0, err
	}
	h.slots[name] = ref
	c.slotWrites = append(c.slotWrites, slotWrite{holderID: h.ID, name: name, ref: ref, insert: true})
	c.undo = append(c.undo, func() { delete(h.slots, name) })
	return ref, nil
}

// Holder returns the named holder, creating it when it does not exist.
func (c *Conn) Holder(ctx context.Context, site, catalog string, kind forest.HolderKind, name string) (*Holder, error) {
	id, err := c.store.CreateHolder(ctx, site, catalog, kind, name)
	if err != nil {
		return nil, err
	}
	path := forest.Path{Site: site, Catalog: catalog, Kind: kind, Holder: name}
	return c.loadHolder(ctx, id, path)
}

func (c *Conn) loadHolder(ctx context.Context, id int64, path forest.Path) (*Holder, error) {
	rows, err := c.store.readDB.QueryContext(ctx, `
		SELECT name, container_oid FROM slots WHERE holder_id = ?`, id)
	if err != nil {
		return nil, fmt.Errorf("store: load slots of %s: %w", path, err)
	}
	defer rows.Close()

	h := &Holder{ID: id, path: path, conn: c, slots: make(map[string]btree.Ref)}
	for rows.Next() {
		var (
			name string
			oid  int64
		)
		if err := rows.Scan(&name, &oid); err != nil {
			return nil, fmt.Errorf("store: scan slot of %s: %w", path, err)
		}
		h.slots[name] = btree.Ref(oid)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("store: iterate slots of %s: %w", path, err)
	}
	return h, nil
}

type holderRow struct {
	id   int64
	path forest.Path
}

// Walk visits the holders matching filter ordered by site, catalog, kind
// (catalog, lexicon, index) and name. Slots are loaded right before each
// holder is visited.
func (c *Conn) Walk(ctx context.Context, filter forest.Filter, fn func(forest.Target) error) error {
	rows, err := c.store.readDB.QueryContext(ctx, `
		SELECT holder_id, site_id, catalog_id, kind, name FROM holders
		WHERE (? = '' OR site_id = ?) AND (? = '' OR catalog_id = ?)
		ORDER BY site_id, catalog_id,
			CASE kind WHEN 'catalog' THEN 0 WHEN 'lexicon' THEN 1 ELSE 2 END,
			name`,
		filter.Site, filter.Site, filter.Catalog, filter.Catalog)
	if err != nil {
		return fmt.Errorf("store: list holders: %w", err)
	}

	var holders []holderRow
	for rows.Next() {
		var (
			r    holderRow
			kind string
		)
		if err := rows.Scan(&r.id, &r.path.Site, &r.path.Catalog, &kind, &r.path.Holder); err != nil {
			rows.Close()
			return fmt.Errorf("store: scan holder: %w", err)
		}
		r.path.Kind = forest.HolderKind(kind)
		if filter.Matches(r.path) {
			holders = append(holders, r)
		}
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return fmt.Errorf("store: iterate holders: %w", err)
	}
	rows.Close()

	for _, r := range holders {
		if err := ctx.Err(); err != nil {
			return err
		}
		h, err := c.loadHolder(ctx, r.id, r.path)
		if err != nil {
			return err
		}
		if err := fn(h); err != nil {
			return err
		}
	}
	return nil
}
