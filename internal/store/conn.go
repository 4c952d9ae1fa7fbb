package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"slices"

	"github.com/arkilian/catalogopt/internal/btree"
	cerrors "github.com/arkilian/catalogopt/internal/errors"
	"github.com/arkilian/catalogopt/internal/forest"
	"github.com/sirupsen/logrus"
	"github.com/spaolacci/murmur3"
)

var _ forest.Session = (*Conn)(nil)
var _ forest.ReadCurrenter = (*Conn)(nil)

// Conn is a single-threaded view of the store with its own object cache
// and at most one pending transaction.
type Conn struct {
	store  *Store
	logger logrus.FieldLogger

	cache map[uint64]btree.Persistent

	readCurrent map[uint64]uint64
	added       []btree.Persistent
	modified    map[uint64]btree.Persistent
	slotWrites  []slotWrite
	undo        []func()
}

type slotWrite struct {
	holderID int64
	name     string
	old, ref btree.Ref
	insert   bool
}

func newConn(s *Store) *Conn {
	c := &Conn{
		store:  s,
		logger: s.logger,
		cache:  make(map[uint64]btree.Persistent),
	}
	c.reset()
	return c
}

func (c *Conn) reset() {
	c.readCurrent = make(map[uint64]uint64)
	c.added = nil
	c.modified = make(map[uint64]btree.Persistent)
	c.slotWrites = nil
	c.undo = nil
}

func (c *Conn) pending() bool {
	return len(c.readCurrent) > 0 || len(c.added) > 0 || len(c.modified) > 0 || len(c.slotWrites) > 0
}

// Begin opens a new transaction, aborting any pending one.
func (c *Conn) Begin() {
	if c.pending() {
		c.Abort()
	}
	c.reset()
}

// Resolve returns the container stored under ref, loading it on a cache
// miss.
func (c *Conn) Resolve(ctx context.Context, ref btree.Ref) (btree.Container, error) {
	if ref == 0 {
		return nil, cerrors.NewStoreError(cerrors.CodeObjectNotFound, "null container reference", nil)
	}
	if p, ok := c.cache[uint64(ref)]; ok {
		return p, nil
	}
	p, err := c.store.LoadContainer(ctx, uint64(ref))
	if err != nil {
		return nil, err
	}
	c.cache[uint64(ref)] = p
	return p, nil
}

// Adopt assigns an object id to a new container and schedules it for
// insertion at commit.
func (c *Conn) Adopt(ctx context.Context, ctr btree.Container) (btree.Ref, error) {
	p, ok := ctr.(btree.Persistent)
	if !ok {
		return 0, cerrors.NewInternalError(fmt.Sprintf("%T cannot be stored", ctr), nil)
	}
	if p.Stored() || p.OID() != 0 {
		return 0, cerrors.NewInternalError(fmt.Sprintf("container %d is already adopted", p.OID()), nil)
	}
	oid, err := c.store.AllocOID(ctx)
	if err != nil {
		return 0, err
	}
	p.Adopt(oid)
	c.added = append(c.added, p)
	c.cache[oid] = p
	return btree.Ref(oid), nil
}

// Register schedules a modified stored container for writing at commit.
// Containers adopted in the pending transaction need no registration.
func (c *Conn) Register(ctr btree.Container) error {
	p, ok := ctr.(btree.Persistent)
	if !ok {
		return cerrors.NewInternalError(fmt.Sprintf("%T cannot be stored", ctr), nil)
	}
	if !p.Stored() {
		if p.OID() == 0 {
			return cerrors.NewInternalError("container must be adopted before it is registered", nil)
		}
		return nil
	}
	c.modified[p.OID()] = p
	return nil
}

// ReadCurrent asks the commit to fail unless b still has the serial it
// was read at.
func (c *Conn) ReadCurrent(b btree.Bucket) {
	if b == nil || b.OID() == 0 {
		return
	}
	c.readCurrent[b.OID()] = b.Serial()
}

// Entry returns the slot owning the child container stored under key.
func (c *Conn) Entry(parent btree.Container, key any) forest.Slot {
	return &entrySlot{conn: c, parent: parent, key: key}
}

// Commit writes every pending change in one transaction. On failure the
// pending changes are aborted.
func (c *Conn) Commit(ctx context.Context) error {
	if !c.pending() {
		c.reset()
		return nil
	}

	written, err := c.write(ctx)
	if err != nil {
		c.Abort()
		return err
	}
	for _, p := range written {
		p.Saved()
		c.cache[p.OID()] = p
	}
	c.reset()
	return nil
}

func conflict(msg string) error {
	return cerrors.NewStoreError(cerrors.CodeWriteConflict, msg, nil)
}

func (c *Conn) write(ctx context.Context) ([]btree.Persistent, error) {
	s := c.store
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("store: begin transaction: %w", err)
	}
	defer tx.Rollback()

	oids := make([]uint64, 0, len(c.readCurrent))
	for oid := range c.readCurrent {
		oids = append(oids, oid)
	}
	slices.Sort(oids)
	for _, oid := range oids {
		var serial int64
		err := tx.QueryRowContext(ctx, `SELECT serial FROM buckets WHERE oid = ?`, int64(oid)).Scan(&serial)
		if errors.Is(err, sql.ErrNoRows) {
			return nil, conflict(fmt.Sprintf("bucket %d was removed after it was read", oid))
		}
		if err != nil {
			return nil, fmt.Errorf("store: check bucket %d: %w", oid, err)
		}
		if uint64(serial) != c.readCurrent[oid] {
			return nil, conflict(fmt.Sprintf("bucket %d changed after it was read", oid))
		}
	}

	written := make([]btree.Persistent, 0, len(c.added)+len(c.modified))
	written = append(written, c.added...)
	mods := make([]uint64, 0, len(c.modified))
	for oid := range c.modified {
		mods = append(mods, oid)
	}
	slices.Sort(mods)
	for _, oid := range mods {
		written = append(written, c.modified[oid])
	}

	for _, p := range written {
		if err := writeContainer(ctx, tx, p); err != nil {
			return nil, err
		}
	}

	for _, w := range c.slotWrites {
		if err := writeSlot(ctx, tx, w); err != nil {
			return nil, err
		}
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("store: commit: %w", err)
	}
	return written, nil
}

func writeContainer(ctx context.Context, tx *sql.Tx, p btree.Persistent) error {
	images, err := p.Images(func() (uint64, error) { return allocOID(ctx, tx) })
	if err != nil {
		return cerrors.NewInternalError(fmt.Sprintf("container %d cannot be encoded", p.OID()), err)
	}

	for _, img := range images {
		if !img.Dirty {
			continue
		}
		sum := int64(murmur3.Sum64(img.Payload))
		if img.New {
			if _, err := tx.ExecContext(ctx, `
				INSERT INTO buckets (oid, container_oid, serial, next_oid, checksum, payload)
				VALUES (?, ?, 1, ?, ?, ?)`,
				int64(img.OID), int64(p.OID()), int64(img.Next), sum, img.Payload); err != nil {
				return fmt.Errorf("store: insert bucket %d: %w", img.OID, err)
			}
			continue
		}
		res, err := tx.ExecContext(ctx, `
			UPDATE buckets SET serial = ?, next_oid = ?, checksum = ?, payload = ?
			WHERE oid = ? AND serial = ?`,
			int64(img.NextSerial()), int64(img.Next), sum, img.Payload, int64(img.OID), int64(img.Serial))
		if err != nil {
			return fmt.Errorf("store: update bucket %d: %w", img.OID, err)
		}
		if n, _ := res.RowsAffected(); n != 1 {
			return conflict(fmt.Sprintf("bucket %d was modified concurrently", img.OID))
		}
	}

	for _, r := range p.Removed() {
		res, err := tx.ExecContext(ctx, `DELETE FROM buckets WHERE oid = ? AND serial = ?`,
			int64(r.OID), int64(r.Serial))
		if err != nil {
			return fmt.Errorf("store: delete bucket %d: %w", r.OID, err)
		}
		if n, _ := res.RowsAffected(); n != 1 {
			return conflict(fmt.Sprintf("bucket %d was modified concurrently", r.OID))
		}
	}

	var first uint64
	if len(images) > 0 {
		first = images[0].OID
	}
	switch {
	case !p.Stored():
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO containers (oid, type_name, serial, first_bucket, length) VALUES (?, ?, 1, ?, ?)`,
			int64(p.OID()), p.Type().Name, int64(first), p.Len()); err != nil {
			return fmt.Errorf("store: insert container %d: %w", p.OID(), err)
		}
	case p.HeaderChanged():
		res, err := tx.ExecContext(ctx, `
			UPDATE containers SET serial = serial + 1, first_bucket = ?, length = ?
			WHERE oid = ? AND serial = ?`,
			int64(first), p.Len(), int64(p.OID()), int64(p.Serial()))
		if err != nil {
			return fmt.Errorf("store: update container %d: %w", p.OID(), err)
		}
		if n, _ := res.RowsAffected(); n != 1 {
			return conflict(fmt.Sprintf("container %d was modified concurrently", p.OID()))
		}
	}
	return nil
}

func writeSlot(ctx context.Context, tx *sql.Tx, w slotWrite) error {
	if w.insert {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO slots (holder_id, name, container_oid) VALUES (?, ?, ?)`,
			w.holderID, w.name, int64(w.ref)); err != nil {
			return conflict(fmt.Sprintf("slot %s of holder %d was created concurrently: %v", w.name, w.holderID, err))
		}
		return nil
	}
	res, err := tx.ExecContext(ctx, `
		UPDATE slots SET container_oid = ? WHERE holder_id = ? AND name = ? AND container_oid = ?`,
		int64(w.ref), w.holderID, w.name, int64(w.old))
	if err != nil {
		return fmt.Errorf("store: update slot %s of holder %d: %w", w.name, w.holderID, err)
	}
	if n, _ := res.RowsAffected(); n != 1 {
		return conflict(fmt.Sprintf("slot %s of holder %d was repointed concurrently", w.name, w.holderID))
	}
	return nil
}

// Abort discards the pending transaction. Slots repointed in it are
// restored and containers it touched are evicted from the cache.
func (c *Conn) Abort() {
	for i := len(c.undo) - 1; i >= 0; i-- {
		c.undo[i]()
	}
	for _, p := range c.added {
		delete(c.cache, p.OID())
	}
	for oid := range c.modified {
		delete(c.cache, oid)
	}
	c.reset()
}

// CacheGC evicts every cached container without pending changes.
func (c *Conn) CacheGC() {
	for oid := range c.cache {
		if _, ok := c.modified[oid]; ok {
			continue
		}
		if slices.ContainsFunc(c.added, func(p btree.Persistent) bool { return p.OID() == oid }) {
			continue
		}
		delete(c.cache, oid)
	}
}

// CacheSize returns the number of cached containers.
func (c *Conn) CacheSize() int { return len(c.cache) }

type entrySlot struct {
	conn   *Conn
	parent btree.Container
	key    any
}

func (s *entrySlot) Name() string { return fmt.Sprint(s.key) }

func (s *entrySlot) Ref() btree.Ref {
	v, _ := s.parent.Get(s.key)
	ref, _ := v.(btree.Ref)
	return ref
}

func (s *entrySlot) Repoint(ref btree.Ref) error {
	old, had := s.parent.Get(s.key)
	if err := s.parent.Put(s.key, ref); err != nil {
		return fmt.Errorf("store: repoint entry %v: %w", s.key, err)
	}
	if err := s.conn.Register(s.parent); err != nil {
		return err
	}
	parent, key := s.parent, s.key
	s.conn.undo = append(s.conn.undo, func() {
		if had {
			_ = parent.Put(key, old)
		} else {
			_, _ = parent.Delete(key)
		}
	})
	return nil
}
