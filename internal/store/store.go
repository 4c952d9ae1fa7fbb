// Package store persists ordered containers in SQLite as chains of
// independently versioned leaf buckets, and the catalogs, lexicons and
// indexes that own them through named slots.
//
// Writers go through a Conn, which caches loaded containers and commits
// all pending changes in one SQL transaction guarded by optimistic serial
// checks. A check that fails surfaces as a retryable WRITE_CONFLICT.
package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/arkilian/catalogopt/internal/btree"
	cerrors "github.com/arkilian/catalogopt/internal/errors"
	"github.com/arkilian/catalogopt/internal/forest"
	_ "github.com/mattn/go-sqlite3"
	"github.com/sirupsen/logrus"
	"github.com/spaolacci/murmur3"
)

// Store is a SQLite-backed object store.
type Store struct {
	db     *sql.DB // Write connection (single writer)
	readDB *sql.DB // Read connection pool
	path   string
	mu     sync.Mutex // Serializes write transactions
	logger logrus.FieldLogger
}

// Open opens (creating if needed) the store at path.
func Open(path string, logger logrus.FieldLogger) (*Store, error) {
	if logger == nil {
		logger = logrus.StandardLogger()
	}

	db, err := sql.Open("sqlite3", path+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("store: failed to open database: %w", err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	s := &Store{db: db, path: path, logger: logger.WithField("component", "store")}
	if err := s.initSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("store: failed to initialize schema: %w", err)
	}

	// Opened after the schema exists so read-only connections find the file.
	readDB, err := sql.Open("sqlite3", path+"?_journal_mode=WAL&_busy_timeout=5000&mode=ro")
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("store: failed to open read database: %w", err)
	}
	readDB.SetMaxOpenConns(4)
	readDB.SetMaxIdleConns(4)
	readDB.SetConnMaxLifetime(5 * time.Minute)
	s.readDB = readDB

	return s, nil
}

func (s *Store) initSchema() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, stmt := range AllSchemaSQL() {
		if _, err := s.db.Exec(stmt); err != nil {
			return fmt.Errorf("failed to execute schema statement: %w", err)
		}
	}
	return nil
}

// Path returns the database file path.
func (s *Store) Path() string { return s.path }

// Close closes both connection pools.
func (s *Store) Close() error {
	rerr := s.readDB.Close()
	if err := s.db.Close(); err != nil {
		return fmt.Errorf("store: close: %w", err)
	}
	if rerr != nil {
		return fmt.Errorf("store: close read pool: %w", rerr)
	}
	return nil
}

// NewConn opens a connection with an empty object cache.
func (s *Store) NewConn() *Conn {
	return newConn(s)
}

// AllocOID reserves a fresh object id.
func (s *Store) AllocOID(ctx context.Context) (uint64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return allocOID(ctx, s.db)
}

type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

type querier interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
}

func allocOID(ctx context.Context, e execer) (uint64, error) {
	res, err := e.ExecContext(ctx, `INSERT INTO oids DEFAULT VALUES`)
	if err != nil {
		return 0, fmt.Errorf("store: allocate oid: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("store: allocate oid: %w", err)
	}
	return uint64(id), nil
}

// CreateHolder registers a catalog, lexicon or index and returns its id.
// Creating an existing holder returns the existing id.
func (s *Store) CreateHolder(ctx context.Context, site, catalog string, kind forest.HolderKind, name string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, err := s.db.ExecContext(ctx, `
		INSERT OR IGNORE INTO holders (site_id, catalog_id, kind, name) VALUES (?, ?, ?, ?)`,
		site, catalog, string(kind), name); err != nil {
		return 0, fmt.Errorf("store: create holder %s/%s/%s: %w", site, catalog, name, err)
	}
	var id int64
	err := s.db.QueryRowContext(ctx, `
		SELECT holder_id FROM holders WHERE site_id = ? AND catalog_id = ? AND kind = ? AND name = ?`,
		site, catalog, string(kind), name).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("store: lookup holder %s/%s/%s: %w", site, catalog, name, err)
	}
	return id, nil
}

// LoadContainer reads a container and its whole bucket chain from one
// snapshot of the database.
func (s *Store) LoadContainer(ctx context.Context, oid uint64) (btree.Persistent, error) {
	var p btree.Persistent
	err := s.readTx(ctx, func(q querier) error {
		var err error
		p, err = loadContainer(ctx, q, oid)
		return err
	})
	return p, err
}

// readTx runs fn inside a read-only transaction on the read pool. In WAL
// mode every statement of the transaction sees the same commit.
func (s *Store) readTx(ctx context.Context, fn func(q querier) error) error {
	tx, err := s.readDB.BeginTx(ctx, &sql.TxOptions{ReadOnly: true})
	if err != nil {
		return fmt.Errorf("store: begin read: %w", err)
	}
	defer tx.Rollback()
	return fn(tx)
}

func loadContainer(ctx context.Context, q querier, oid uint64) (btree.Persistent, error) {
	var (
		typeName              string
		serial, first, length int64
	)
	err := q.QueryRowContext(ctx, `
		SELECT type_name, serial, first_bucket, length FROM containers WHERE oid = ?`,
		int64(oid)).Scan(&typeName, &serial, &first, &length)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, cerrors.NewStoreError(cerrors.CodeObjectNotFound,
			fmt.Sprintf("container %d does not exist", oid), nil)
	}
	if err != nil {
		return nil, fmt.Errorf("store: load container %d: %w", oid, err)
	}

	typ, ok := btree.Lookup(typeName)
	if !ok {
		return nil, cerrors.NewOptimizeError(cerrors.CodeUnsupportedContainerType,
			fmt.Sprintf("container %d has unregistered type %q", oid, typeName), nil)
	}

	rows, err := q.QueryContext(ctx, `
		SELECT oid, serial, next_oid, checksum, payload FROM buckets WHERE container_oid = ?`,
		int64(oid))
	if err != nil {
		return nil, fmt.Errorf("store: load buckets of %d: %w", oid, err)
	}
	defer rows.Close()

	byOID := make(map[uint64]btree.BucketImage)
	for rows.Next() {
		var (
			boid, bserial, next, checksum int64
			payload                       []byte
		)
		if err := rows.Scan(&boid, &bserial, &next, &checksum, &payload); err != nil {
			return nil, fmt.Errorf("store: scan bucket of %d: %w", oid, err)
		}
		if int64(murmur3.Sum64(payload)) != checksum {
			return nil, cerrors.NewStoreError(cerrors.CodeCorruptionDetected,
				fmt.Sprintf("bucket %d of container %d fails its checksum", boid, oid), nil)
		}
		byOID[uint64(boid)] = btree.BucketImage{
			OID:     uint64(boid),
			Serial:  uint64(bserial),
			Next:    uint64(next),
			Payload: payload,
		}
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("store: iterate buckets of %d: %w", oid, err)
	}

	images := make([]btree.BucketImage, 0, len(byOID))
	for cur := uint64(first); cur != 0; {
		img, ok := byOID[cur]
		if !ok || len(images) == len(byOID) {
			return nil, cerrors.NewStoreError(cerrors.CodeCorruptionDetected,
				fmt.Sprintf("container %d has a broken bucket chain at %d", oid, cur), nil)
		}
		images = append(images, img)
		cur = img.Next
	}
	if len(images) != len(byOID) {
		return nil, cerrors.NewStoreError(cerrors.CodeCorruptionDetected,
			fmt.Sprintf("container %d has %d unreachable buckets", oid, len(byOID)-len(images)), nil)
	}

	p, err := typ.Load(oid, uint64(serial), images)
	if err != nil {
		return nil, cerrors.NewStoreError(cerrors.CodeCorruptionDetected,
			fmt.Sprintf("container %d cannot be decoded", oid), err)
	}
	if int64(p.Len()) != length {
		return nil, cerrors.NewStoreError(cerrors.CodeCorruptionDetected,
			fmt.Sprintf("container %d holds %d entries, header says %d", oid, p.Len(), length), nil)
	}
	return p, nil
}

// BackupTo writes a consistent copy of the database to dest.
func (s *Store) BackupTo(ctx context.Context, dest string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, err := s.db.ExecContext(ctx, `VACUUM INTO ?`, dest); err != nil {
		return fmt.Errorf("store: backup to %s: %w", dest, err)
	}
	return nil
}
