package store

import (
	"context"
	"fmt"
	"slices"

	"github.com/arkilian/catalogopt/internal/btree"
)

// PackResult holds the outcome of a pack run.
type PackResult struct {
	Reachable         int
	DeletedContainers []uint64
	DeletedBuckets    int64
}

// FindUnreachable returns containers no slot reaches, directly or through
// containers-of-containers, without deleting them.
func (s *Store) FindUnreachable(ctx context.Context) ([]uint64, error) {
	var garbage []uint64
	err := s.readTx(ctx, func(q querier) error {
		var err error
		_, garbage, err = s.reachability(ctx, q)
		return err
	})
	return garbage, err
}

// Pack deletes containers that swaps and removals left unreachable,
// together with their buckets and any orphaned buckets.
func (s *Store) Pack(ctx context.Context) (*PackResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("store/pack: begin transaction: %w", err)
	}
	defer tx.Rollback()

	reachable, garbage, err := s.reachability(ctx, tx)
	if err != nil {
		return nil, err
	}

	result := &PackResult{Reachable: reachable, DeletedContainers: garbage}
	for _, oid := range garbage {
		res, err := tx.ExecContext(ctx, `DELETE FROM buckets WHERE container_oid = ?`, int64(oid))
		if err != nil {
			return nil, fmt.Errorf("store/pack: delete buckets of %d: %w", oid, err)
		}
		n, _ := res.RowsAffected()
		result.DeletedBuckets += n
		if _, err := tx.ExecContext(ctx, `DELETE FROM containers WHERE oid = ?`, int64(oid)); err != nil {
			return nil, fmt.Errorf("store/pack: delete container %d: %w", oid, err)
		}
	}

	res, err := tx.ExecContext(ctx, `
		DELETE FROM buckets WHERE container_oid NOT IN (SELECT oid FROM containers)`)
	if err != nil {
		return nil, fmt.Errorf("store/pack: delete orphaned buckets: %w", err)
	}
	orphans, _ := res.RowsAffected()
	result.DeletedBuckets += orphans

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("store/pack: commit: %w", err)
	}

	if len(garbage) > 0 || orphans > 0 {
		s.logger.WithField("containers", len(garbage)).
			WithField("buckets", result.DeletedBuckets).
			Info("packed unreachable objects")
	}
	return result, nil
}

func (s *Store) reachability(ctx context.Context, q querier) (int, []uint64, error) {
	rows, err := q.QueryContext(ctx, `SELECT container_oid FROM slots`)
	if err != nil {
		return 0, nil, fmt.Errorf("store/pack: list slots: %w", err)
	}
	var queue []uint64
	for rows.Next() {
		var oid int64
		if err := rows.Scan(&oid); err != nil {
			rows.Close()
			return 0, nil, fmt.Errorf("store/pack: scan slot: %w", err)
		}
		queue = append(queue, uint64(oid))
	}
	rows.Close()

	seen := make(map[uint64]bool)
	for len(queue) > 0 {
		oid := queue[0]
		queue = queue[1:]
		if seen[oid] {
			continue
		}
		seen[oid] = true

		var typeName string
		if err := q.QueryRowContext(ctx, `SELECT type_name FROM containers WHERE oid = ?`,
			int64(oid)).Scan(&typeName); err != nil {
			return 0, nil, fmt.Errorf("store/pack: slot reaches missing container %d: %w", oid, err)
		}
		if typ, ok := btree.Lookup(typeName); !ok || !typ.Nested {
			continue
		}
		p, err := loadContainer(ctx, q, oid)
		if err != nil {
			return 0, nil, err
		}
		p.Ascend(func(_, v any) bool {
			if ref, ok := v.(btree.Ref); ok && ref != 0 {
				queue = append(queue, uint64(ref))
			}
			return true
		})
	}

	rows, err = q.QueryContext(ctx, `SELECT oid FROM containers`)
	if err != nil {
		return 0, nil, fmt.Errorf("store/pack: list containers: %w", err)
	}
	defer rows.Close()
	var garbage []uint64
	for rows.Next() {
		var oid int64
		if err := rows.Scan(&oid); err != nil {
			return 0, nil, fmt.Errorf("store/pack: scan container: %w", err)
		}
		if !seen[uint64(oid)] {
			garbage = append(garbage, uint64(oid))
		}
	}
	if err := rows.Err(); err != nil {
		return 0, nil, fmt.Errorf("store/pack: iterate containers: %w", err)
	}
	slices.Sort(garbage)
	return len(seen), garbage, nil
}
