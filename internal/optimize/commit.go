package optimize

import (
	"context"
	"fmt"

	"github.com/arkilian/catalogopt/internal/btree"
	"github.com/arkilian/catalogopt/internal/forest"
)

// CommitSwap replaces the container owned by slot with candidate when the
// candidate uses fewer buckets than before, and returns the number of
// buckets saved together with the candidate's distribution.
//
// On a gain, buckets in readBefore are acknowledged as read-current (when
// the session supports it), the candidate is adopted, the slot repointed
// and the session committed. Otherwise the session is aborted and its
// cache collected, leaving the original untouched and forcing the next
// resolve to read the stored version.
func CommitSwap(ctx context.Context, session forest.Session, slot forest.Slot,
	before Distribution, candidate btree.Container, readBefore []btree.Bucket) (int, Distribution, error) {
	after, _ := Inspect(candidate.FirstBucket(), false)
	abort := func() {
		session.Abort()
		session.CacheGC()
	}
	if after.Buckets() >= before.Buckets() {
		abort()
		return 0, after, nil
	}

	if rc, ok := session.(forest.ReadCurrenter); ok {
		for _, b := range readBefore {
			rc.ReadCurrent(b)
		}
	}

	ref, err := session.Adopt(ctx, candidate)
	if err != nil {
		abort()
		return 0, after, fmt.Errorf("optimize: adopt candidate for %s: %w", slot.Name(), err)
	}
	if err := slot.Repoint(ref); err != nil {
		abort()
		return 0, after, fmt.Errorf("optimize: repoint %s: %w", slot.Name(), err)
	}
	if err := session.Commit(ctx); err != nil {
		abort()
		return 0, after, fmt.Errorf("optimize: commit swap of %s: %w", slot.Name(), err)
	}
	return before.Buckets() - after.Buckets(), after, nil
}
