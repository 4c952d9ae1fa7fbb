package optimize

import (
	"time"

	"github.com/arkilian/catalogopt/internal/forest"
)

// Run statuses.
const (
	StatusCompleted = "completed"
	StatusFailed    = "failed"
	StatusCancelled = "cancelled"
)

// HolderReport aggregates the containers of one catalog, lexicon or index.
type HolderReport struct {
	Path       forest.Path
	Containers int
	Saved      int
}

// SiteReport aggregates the holders of one site.
type SiteReport struct {
	Site    string
	Saved   int
	Holders []*HolderReport
}

// RunReport is the result of one orchestrated run.
type RunReport struct {
	ID         string
	Filter     forest.Filter
	DryRun     bool
	StartedAt  time.Time
	FinishedAt time.Time
	Status     string

	Sites      []*SiteReport
	Containers int
	Saved      int
	Outcomes   map[Outcome]int
	// Conflicts lists containers whose swap lost to a concurrent writer.
	Conflicts []forest.Path
}

func newRunReport(id string, filter forest.Filter, dryRun bool) *RunReport {
	return &RunReport{
		ID:        id,
		Filter:    filter,
		DryRun:    dryRun,
		StartedAt: time.Now(),
		Outcomes:  make(map[Outcome]int),
	}
}

// Site returns the report for site, or nil when nothing under it was
// visited.
func (r *RunReport) Site(site string) *SiteReport {
	for _, s := range r.Sites {
		if s.Site == site {
			return s
		}
	}
	return nil
}

func (r *RunReport) site(site string) *SiteReport {
	if s := r.Site(site); s != nil {
		return s
	}
	s := &SiteReport{Site: site}
	r.Sites = append(r.Sites, s)
	return s
}

func (r *RunReport) holder(path forest.Path) *HolderReport {
	h := &HolderReport{Path: path}
	s := r.site(path.Site)
	s.Holders = append(s.Holders, h)
	return h
}

func (r *RunReport) add(h *HolderReport, res *Result) {
	h.Containers++
	h.Saved += res.Saved
	r.site(h.Path.Site).Saved += res.Saved
	r.Containers++
	r.Saved += res.Saved
	r.Outcomes[res.Outcome]++
	if res.Outcome == OutcomeConflict {
		r.Conflicts = append(r.Conflicts, res.Path)
	}
}
