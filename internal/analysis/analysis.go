// Package analysis estimates how much storage indexes would save by
// keeping inverted value sets for values shared by most documents.
package analysis

import (
	"context"
	"fmt"
	"sort"

	"github.com/arkilian/catalogopt/internal/btree"
	"github.com/arkilian/catalogopt/internal/forest"
	"github.com/arkilian/catalogopt/internal/optimize"
	"github.com/sirupsen/logrus"
)

const (
	// ReportPercent is the share of documents above which a value is listed.
	ReportPercent = 40
	// SavingsPercent is the share above which inverting a value saves space.
	SavingsPercent = 50

	forwardSlot = "_index"
	reverseSlot = "_unindex"
)

// ValueShare is one index value and the share of documents carrying it.
type ValueShare struct {
	Value   string
	Count   int
	Percent int
}

// IndexReport is the analysis of one index.
type IndexReport struct {
	Path      forest.Path
	Documents int
	Heavy     []ValueShare
	Saved     int
}

// Report aggregates all analyzed indexes.
type Report struct {
	Indexes     []IndexReport
	SavedValues int
	// SetCapacity is the probed bucket capacity of integer tree sets.
	SetCapacity int
	// SavedObjects estimates persistent objects saved, assuming sets are
	// kept at the optimizer's target fill rate.
	SavedObjects int
}

// Session is what the analyzer needs from the store.
type Session interface {
	forest.Walker
	Resolve(ctx context.Context, ref btree.Ref) (btree.Container, error)
	CacheGC()
}

// Analyzer inspects the forward and reverse maps of indexes.
type Analyzer struct {
	session Session
	logger  logrus.FieldLogger
}

// New creates an analyzer.
func New(session Session, logger logrus.FieldLogger) *Analyzer {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return &Analyzer{session: session, logger: logger.WithField("component", "analysis")}
}

// Analyze visits every index under filter that has both a forward
// (_index) and a reverse (_unindex) map.
func (a *Analyzer) Analyze(ctx context.Context, filter forest.Filter) (*Report, error) {
	capacity, err := optimize.Probe(btree.IITreeSet)
	if err != nil {
		return nil, err
	}
	rep := &Report{SetCapacity: capacity}

	err = a.session.Walk(ctx, filter, func(t forest.Target) error {
		if t.Path().Kind != forest.KindIndex {
			return nil
		}
		ir, ok, err := a.analyzeIndex(ctx, t)
		a.session.CacheGC()
		if err != nil || !ok {
			return err
		}
		rep.Indexes = append(rep.Indexes, *ir)
		rep.SavedValues += ir.Saved
		a.logger.WithFields(logrus.Fields{
			"site":      ir.Path.Site,
			"catalog":   ir.Path.Catalog,
			"index":     ir.Path.Holder,
			"documents": ir.Documents,
			"heavy":     len(ir.Heavy),
			"saved":     ir.Saved,
		}).Info("index analyzed")
		return nil
	})
	if err != nil {
		return rep, err
	}

	rep.SavedObjects = int(float64(rep.SavedValues) / optimize.TargetFill / float64(capacity))
	return rep, nil
}

func (a *Analyzer) analyzeIndex(ctx context.Context, t forest.Target) (*IndexReport, bool, error) {
	var forward, reverse forest.Slot
	for _, s := range t.Slots() {
		switch s.Name() {
		case forwardSlot:
			forward = s
		case reverseSlot:
			reverse = s
		}
	}
	if forward == nil || reverse == nil {
		return nil, false, nil
	}

	unindex, err := a.session.Resolve(ctx, reverse.Ref())
	if err != nil {
		return nil, false, fmt.Errorf("analysis: resolve %s: %w", t.Path().WithSlot(reverseSlot), err)
	}
	index, err := a.session.Resolve(ctx, forward.Ref())
	if err != nil {
		return nil, false, fmt.Errorf("analysis: resolve %s: %w", t.Path().WithSlot(forwardSlot), err)
	}

	ir := &IndexReport{Path: t.Path(), Documents: unindex.Len()}
	if ir.Documents == 0 {
		return ir, true, nil
	}

	tally := func(value string, count int) {
		percent := count * 100 / ir.Documents
		if percent > ReportPercent {
			ir.Heavy = append(ir.Heavy, ValueShare{Value: value, Count: count, Percent: percent})
		}
		if percent > SavingsPercent {
			ir.Saved += count - (ir.Documents - count)
		}
	}

	if index.Type().Variant == btree.SetContainer {
		tally("True", index.Len())
	} else {
		var resolveErr error
		index.Ascend(func(k, v any) bool {
			count := 1
			if ref, ok := v.(btree.Ref); ok {
				child, err := a.session.Resolve(ctx, ref)
				if err != nil {
					resolveErr = fmt.Errorf("analysis: resolve value set %v of %s: %w", k, t.Path(), err)
					return false
				}
				count = child.Len()
			}
			tally(fmt.Sprint(k), count)
			return true
		})
		if resolveErr != nil {
			return nil, false, resolveErr
		}
	}

	sort.SliceStable(ir.Heavy, func(i, j int) bool {
		if ir.Heavy[i].Percent != ir.Heavy[j].Percent {
			return ir.Heavy[i].Percent > ir.Heavy[j].Percent
		}
		return ir.Heavy[i].Value < ir.Heavy[j].Value
	})
	return ir, true, nil
}
