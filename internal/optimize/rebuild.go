package optimize

import (
	"fmt"

	"github.com/arkilian/catalogopt/internal/btree"
	cerrors "github.com/arkilian/catalogopt/internal/errors"
)

type entry struct {
	key, value any
}

// Rebuild copies old into a new container of the same type with fuller
// buckets.
//
// Entries whose position i has an even i%modulus are inserted right away;
// the rest are deferred. Before the deferred entries are added, the last
// bucket is made to split by inserting capacity-len(last)+1 synthetic keys
// above the current maximum, which are then removed again. Key types
// without a synthetic key strategy skip that step.
//
// A size mismatch between old and new is a fatal integrity violation.
func Rebuild(old btree.Container, modulus, capacity int) (btree.Container, error) {
	if modulus < 1 {
		return nil, cerrors.NewInternalError(fmt.Sprintf("invalid interleave modulus %d", modulus), nil)
	}
	typ := old.Type()
	fresh := typ.New()
	if fresh == nil {
		return nil, cerrors.NewOptimizeError(cerrors.CodeUnsupportedContainerType,
			fmt.Sprintf("cannot construct an empty %s", typ), nil)
	}

	var (
		deferred []entry
		putErr   error
		i        int
	)
	old.Ascend(func(k, v any) bool {
		if (i%modulus)%2 == 0 {
			if putErr = fresh.Put(k, v); putErr != nil {
				return false
			}
		} else {
			deferred = append(deferred, entry{key: k, value: v})
		}
		i++
		return true
	})
	if putErr != nil {
		return nil, cerrors.NewInternalError(fmt.Sprintf("copy into new %s", typ), putErr)
	}

	if err := forceSplit(fresh, capacity); err != nil {
		return nil, err
	}

	for _, e := range deferred {
		if err := fresh.Put(e.key, e.value); err != nil {
			return nil, cerrors.NewInternalError(fmt.Sprintf("copy deferred entry into new %s", typ), err)
		}
	}

	if fresh.Len() != old.Len() {
		return nil, cerrors.NewOptimizeError(cerrors.CodeIntegrityViolation,
			fmt.Sprintf("rebuilt %s holds %d entries, original holds %d", typ, fresh.Len(), old.Len()), nil).
			WithDetails(map[string]interface{}{
				"type":     typ.Name,
				"original": old.Len(),
				"rebuilt":  fresh.Len(),
				"modulus":  modulus,
			})
	}
	return fresh, nil
}

// forceSplit fills the last bucket past capacity with synthetic keys so it
// splits exactly once, then removes them.
func forceSplit(c btree.Container, capacity int) error {
	last := c.LastBucket()
	if last == nil {
		return nil
	}
	deficit := max(capacity-last.Len(), 0)
	maxKey, _ := c.MaxKey()
	synthetic, ok := c.Type().Domain.Synthetic(maxKey, deficit+1)
	if !ok {
		return nil
	}

	for _, k := range synthetic {
		if err := c.Put(k, nil); err != nil {
			return cerrors.NewInternalError("insert synthetic key", err)
		}
	}
	for _, k := range synthetic {
		if _, err := c.Delete(k); err != nil {
			return cerrors.NewInternalError("remove synthetic key", err)
		}
	}
	return nil
}
