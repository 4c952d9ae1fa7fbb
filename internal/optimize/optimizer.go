package optimize

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/arkilian/catalogopt/internal/btree"
	cerrors "github.com/arkilian/catalogopt/internal/errors"
	"github.com/arkilian/catalogopt/internal/forest"
	"github.com/sirupsen/logrus"
)

// Outcome is what happened to one container.
type Outcome string

const (
	// OutcomeSwapped means the container was replaced by a rebuilt one.
	OutcomeSwapped Outcome = "swapped"
	// OutcomeNoGain means the rebuild would not have saved buckets.
	OutcomeNoGain Outcome = "no_gain"
	// OutcomeEmpty means the container had no buckets.
	OutcomeEmpty Outcome = "empty"
	// OutcomeOptimized means the chain was recognized as already compacted.
	OutcomeOptimized Outcome = "already_optimized"
	// OutcomeUnsupported means the container type could not be handled.
	OutcomeUnsupported Outcome = "unsupported"
	// OutcomeConflict means a concurrent writer invalidated the swap.
	OutcomeConflict Outcome = "conflict"
	// OutcomePlanned is a dry-run result; nothing was written.
	OutcomePlanned Outcome = "planned"
	// OutcomeFailed means the container could not be processed.
	OutcomeFailed Outcome = "failed"
)

// Result describes the processing of one container.
type Result struct {
	Path     forest.Path
	Type     string
	Outcome  Outcome
	Capacity int
	Plan     Plan
	Before   Distribution
	After    Distribution
	// Saved is the number of buckets eliminated, or that would be in a
	// dry run.
	Saved    int
	Err      error
	Duration time.Duration
}

// OptimizerOptions tune the per-container pipeline.
type OptimizerOptions struct {
	// DryRun rebuilds in memory and reports the would-be savings without
	// opening a transaction.
	DryRun bool
	// SkipUnsupportedKeys skips containers whose key type has no synthetic
	// key strategy instead of rebuilding them without a forced split.
	SkipUnsupportedKeys bool
}

// Optimizer runs the inspect, classify, plan, rebuild and swap pipeline
// for one container at a time.
type Optimizer struct {
	session forest.Session
	prober  *Prober
	opts    OptimizerOptions
	logger  logrus.FieldLogger
	metrics *Metrics
}

// NewOptimizer creates an optimizer. prober and metrics may be nil.
func NewOptimizer(session forest.Session, prober *Prober, opts OptimizerOptions, logger logrus.FieldLogger, metrics *Metrics) *Optimizer {
	if prober == nil {
		prober = NewProber()
	}
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return &Optimizer{
		session: session,
		prober:  prober,
		opts:    opts,
		logger:  logger,
		metrics: metrics,
	}
}

// Optimize processes the container owned by slot. The returned error is
// non-nil only for fatal conditions that must stop the run; per-container
// failures are reported in Result.Err.
func (o *Optimizer) Optimize(ctx context.Context, path forest.Path, slot forest.Slot) (*Result, error) {
	start := time.Now()
	res := &Result{Path: path}
	err := o.optimize(ctx, slot, res)
	res.Duration = time.Since(start)

	if err != nil {
		res.Err = err
		switch {
		case cerrors.IsFatal(err):
			res.Outcome = OutcomeFailed
		case errors.Is(err, cerrors.ErrWriteConflict):
			res.Outcome = OutcomeConflict
		case errors.Is(err, cerrors.ErrUnsupportedContainerType), errors.Is(err, cerrors.ErrUnsupportedKeyType):
			res.Outcome = OutcomeUnsupported
		default:
			res.Outcome = OutcomeFailed
		}
	}
	o.report(res)
	o.metrics.observe(res)

	if cerrors.IsFatal(err) {
		return res, err
	}
	return res, nil
}

func (o *Optimizer) optimize(ctx context.Context, slot forest.Slot, res *Result) error {
	ref := slot.Ref()
	if ref == 0 {
		res.Outcome = OutcomeEmpty
		return nil
	}
	c, err := o.session.Resolve(ctx, ref)
	if err != nil {
		return fmt.Errorf("optimize: resolve %s: %w", res.Path, err)
	}
	typ := c.Type()
	res.Type = typ.Name

	first := c.FirstBucket()
	if first == nil {
		res.Outcome = OutcomeEmpty
		return nil
	}

	capacity, err := o.prober.Capacity(typ)
	if err != nil {
		return err
	}
	res.Capacity = capacity

	if o.opts.SkipUnsupportedKeys && typ.Domain == btree.Unsupported {
		return cerrors.NewOptimizeError(cerrors.CodeUnsupportedKeyType,
			fmt.Sprintf("%s keys have no synthetic key strategy", typ), nil)
	}

	_, tracking := o.session.(forest.ReadCurrenter)
	before, handles := Inspect(first, tracking && !o.opts.DryRun)
	res.Before = before

	if IsAlreadyOptimized(before, capacity) {
		res.Outcome = OutcomeOptimized
		return nil
	}

	res.Plan = PlanRebuild(before, capacity)

	if o.opts.DryRun {
		candidate, err := Rebuild(c, res.Plan.Modulus, capacity)
		if err != nil {
			return err
		}
		res.After, _ = Inspect(candidate.FirstBucket(), false)
		res.Saved = max(before.Buckets()-res.After.Buckets(), 0)
		res.Outcome = OutcomePlanned
		return nil
	}

	o.session.Begin()
	candidate, err := Rebuild(c, res.Plan.Modulus, capacity)
	if err != nil {
		o.session.Abort()
		return err
	}

	saved, after, err := CommitSwap(ctx, o.session, slot, before, candidate, handles)
	res.After = after
	if err != nil {
		return err
	}
	res.Saved = saved
	if saved > 0 {
		res.Outcome = OutcomeSwapped
	} else {
		res.Outcome = OutcomeNoGain
	}
	return nil
}

func (o *Optimizer) report(res *Result) {
	logger := o.logger.WithFields(logrus.Fields{
		"site":    res.Path.Site,
		"catalog": res.Path.Catalog,
		"holder":  res.Path.Holder,
		"slot":    res.Path.Slot,
		"action":  "optimize_container",
		"outcome": res.Outcome,
	})

	switch res.Outcome {
	case OutcomeSwapped, OutcomePlanned:
		many, single := res.After.Split()
		logger.WithFields(logrus.Fields{
			"type":          res.Type,
			"modulus":       res.Plan.Modulus,
			"before":        res.Before.String(),
			"after":         many.String(),
			"single":        fmt.Sprint(single),
			"avg_before":    fmt.Sprintf("%.4f", res.Before.AverageFill(res.Capacity)),
			"avg_after":     fmt.Sprintf("%.4f", res.After.AverageFill(res.Capacity)),
			"buckets_saved": res.Saved,
		}).Info("container rebuilt")
	case OutcomeConflict:
		logger.WithError(res.Err).Warn("swap aborted by a concurrent modification, retry on a later run")
	case OutcomeUnsupported:
		logger.WithError(res.Err).Warn("container skipped")
	case OutcomeFailed:
		logger.WithError(res.Err).Error("container failed")
	default:
		logger.WithField("before", res.Before.String()).Debug("container left untouched")
	}
}
