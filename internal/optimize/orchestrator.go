package optimize

import (
	"context"
	"fmt"
	"slices"
	"time"

	"github.com/arkilian/catalogopt/internal/btree"
	cerrors "github.com/arkilian/catalogopt/internal/errors"
	"github.com/arkilian/catalogopt/internal/forest"
	"github.com/arkilian/catalogopt/internal/store"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

// DefaultBatchSize is the number of nested containers visited between
// cache collections.
const DefaultBatchSize = 50000

// Options configure an Orchestrator.
type Options struct {
	// BatchSize bounds how many nested containers are processed between
	// cache collections (default: 50000).
	BatchSize int

	// SkipField names a catalog slot left alone in SkipCatalogs, typically
	// the raw document store, which is too large to load.
	SkipField    string
	SkipCatalogs []string

	DryRun              bool
	SkipUnsupportedKeys bool

	// Backoff slows the run down while swaps keep conflicting with
	// concurrent writers. Disabled unless Backoff.Threshold is set.
	Backoff BackoffConfig
}

// DefaultOptions returns the default orchestrator options.
func DefaultOptions() Options {
	return Options{
		BatchSize:    DefaultBatchSize,
		SkipField:    "data",
		SkipCatalogs: []string{"portal_catalog"},
		Backoff:      DefaultBackoffConfig(),
	}
}

// RunRecorder persists run summaries.
type RunRecorder interface {
	RecordRun(ctx context.Context, r store.RunRecord) error
}

// Orchestrator walks a forest and optimizes every container in it, one
// container per transaction.
type Orchestrator struct {
	session   forest.Session
	optimizer *Optimizer
	backoff   *ConflictBackoff
	opts      Options
	recorder  RunRecorder
	logger    logrus.FieldLogger
	metrics   *Metrics
}

// NewOrchestrator creates an orchestrator. recorder and metrics may be nil.
func NewOrchestrator(session forest.Session, opts Options, recorder RunRecorder, logger logrus.FieldLogger, metrics *Metrics) *Orchestrator {
	if opts.BatchSize <= 0 {
		opts.BatchSize = DefaultBatchSize
	}
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	logger = logger.WithField("component", "optimize")
	return &Orchestrator{
		session: session,
		optimizer: NewOptimizer(session, NewProber(), OptimizerOptions{
			DryRun:              opts.DryRun,
			SkipUnsupportedKeys: opts.SkipUnsupportedKeys,
		}, logger, metrics),
		backoff:  NewConflictBackoff(opts.Backoff),
		opts:     opts,
		recorder: recorder,
		logger:   logger,
		metrics:  metrics,
	}
}

// Run optimizes every container under filter. It stops early only on a
// fatal error or context cancellation; the store then holds every swap
// committed so far.
func (o *Orchestrator) Run(ctx context.Context, filter forest.Filter) (*RunReport, error) {
	rep := newRunReport(uuid.NewString(), filter, o.opts.DryRun)
	logger := o.logger.WithField("run_id", rep.ID)
	// Copies cached by an earlier run may be stale.
	o.session.CacheGC()
	logger.WithField("filter", filter.String()).Info("starting optimization run")

	var current *SiteReport
	finishSite := func() {
		if current != nil {
			logger.WithFields(logrus.Fields{"site": current.Site, "buckets_saved": current.Saved}).
				Info("site optimized")
		}
	}

	err := o.session.Walk(ctx, filter, func(t forest.Target) error {
		if current == nil || current.Site != t.Path().Site {
			finishSite()
			logger.WithField("site", t.Path().Site).Info("starting site")
			current = rep.site(t.Path().Site)
		}
		return o.optimizeTarget(ctx, t, rep)
	})
	finishSite()

	rep.FinishedAt = time.Now()
	switch {
	case err == nil:
		rep.Status = StatusCompleted
	case ctx.Err() != nil:
		rep.Status = StatusCancelled
	default:
		rep.Status = StatusFailed
	}
	o.metrics.observeRun(rep)

	if o.recorder != nil && !rep.DryRun {
		rec := store.RunRecord{
			ID:           rep.ID,
			Filter:       filter.String(),
			StartedAt:    rep.StartedAt,
			FinishedAt:   rep.FinishedAt,
			Containers:   rep.Containers,
			Swapped:      rep.Outcomes[OutcomeSwapped],
			BucketsSaved: rep.Saved,
			Status:       rep.Status,
		}
		if rerr := o.recorder.RecordRun(context.WithoutCancel(ctx), rec); rerr != nil {
			logger.WithError(rerr).Warn("failed to record run")
		}
	}

	fields := logrus.Fields{
		"buckets_saved": rep.Saved,
		"containers":    rep.Containers,
		"conflicts":     len(rep.Conflicts),
		"status":        rep.Status,
		"duration":      rep.FinishedAt.Sub(rep.StartedAt).String(),
	}
	if err != nil {
		logger.WithFields(fields).WithError(err).Error("optimization run stopped")
		return rep, err
	}
	logger.WithFields(fields).Info("optimization run finished")
	return rep, nil
}

func (o *Orchestrator) skip(path forest.Path, slot string) bool {
	return path.Kind == forest.KindCatalog && o.opts.SkipField != "" && slot == o.opts.SkipField &&
		slices.Contains(o.opts.SkipCatalogs, path.Catalog)
}

func (o *Orchestrator) optimizeTarget(ctx context.Context, t forest.Target, rep *RunReport) error {
	path := t.Path()
	h := rep.holder(path)

	for _, slot := range t.Slots() {
		if err := ctx.Err(); err != nil {
			return err
		}
		if o.skip(path, slot.Name()) {
			o.logger.WithFields(logrus.Fields{"site": path.Site, "catalog": path.Catalog, "slot": slot.Name()}).
				Debug("skipping data field")
			continue
		}

		res, err := o.optimize(ctx, path.WithSlot(slot.Name()), slot, h, rep)
		if err != nil {
			return err
		}

		if typ, ok := btree.Lookup(res.Type); ok && typ.Nested {
			if err := o.optimizeNested(ctx, path, slot, h, rep); err != nil {
				return err
			}
		}
	}

	o.logger.WithFields(logrus.Fields{
		"site":          path.Site,
		"catalog":       path.Catalog,
		"holder":        path.Holder,
		"containers":    h.Containers,
		"buckets_saved": h.Saved,
	}).Info("holder optimized")
	return nil
}

// optimize runs one container through the optimizer, pausing first while
// the conflict backoff asks for it. The cache is collected once the
// container's transaction is closed, so only one container is held at a
// time.
func (o *Orchestrator) optimize(ctx context.Context, path forest.Path, slot forest.Slot, h *HolderReport, rep *RunReport) (*Result, error) {
	if err := o.backoff.Wait(ctx); err != nil {
		return nil, err
	}
	res, err := o.optimizer.Optimize(ctx, path, slot)
	o.session.CacheGC()
	rep.add(h, res)
	o.backoff.Record(res.Outcome)
	if res.Outcome == OutcomeConflict && o.backoff.Enabled() {
		if st := o.backoff.Stats(); st.Pause > 0 {
			o.logger.WithFields(logrus.Fields{
				"path":          path.String(),
				"conflict_rate": st.ConflictRate,
				"pause":         st.Pause.String(),
			}).Warn("conflict rate high, backing off")
		}
	}
	return res, err
}

// optimizeNested processes the children of a container-of-containers in
// batches. The parent is resolved again after every batch, so iteration
// continues on whatever version was last committed.
func (o *Orchestrator) optimizeNested(ctx context.Context, path forest.Path, slot forest.Slot, h *HolderReport, rep *RunReport) error {
	ref := slot.Ref()
	if ref == 0 {
		return nil
	}
	parent, err := o.session.Resolve(ctx, ref)
	if err != nil || !parent.Type().Nested {
		// Resolve failures were already reported for the slot itself.
		return nil
	}

	var (
		pivot   any
		started bool
	)
	for {
		keys, err := nextBatch(parent, pivot, started, o.opts.BatchSize)
		if err != nil {
			return cerrors.NewInternalError(fmt.Sprintf("iterate %s", path.WithSlot(slot.Name())), err)
		}
		for _, key := range keys {
			if err := ctx.Err(); err != nil {
				return err
			}
			child := o.session.Entry(parent, key)
			childPath := path.WithSlot(fmt.Sprintf("%s[%v]", slot.Name(), key))
			if _, err := o.optimize(ctx, childPath, child, h, rep); err != nil {
				return err
			}
		}
		if len(keys) < o.opts.BatchSize {
			return nil
		}

		pivot, started = keys[len(keys)-1], true
		o.session.CacheGC()
		if parent, err = o.session.Resolve(ctx, slot.Ref()); err != nil {
			return fmt.Errorf("optimize: reload %s: %w", path.WithSlot(slot.Name()), err)
		}
	}
}

// nextBatch collects up to n keys of c above pivot (from the first key
// when !started).
func nextBatch(c btree.Container, pivot any, started bool, n int) ([]any, error) {
	keys := make([]any, 0, min(n, c.Len()))
	collect := func(k, _ any) bool {
		if started && k == pivot {
			return true
		}
		keys = append(keys, k)
		return len(keys) < n
	}
	if !started {
		c.Ascend(collect)
		return keys, nil
	}
	if err := c.AscendFrom(pivot, collect); err != nil {
		return nil, err
	}
	return keys, nil
}
