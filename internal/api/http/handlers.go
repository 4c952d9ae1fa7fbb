package http

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"time"

	cerrors "github.com/arkilian/catalogopt/internal/errors"
	"github.com/arkilian/catalogopt/internal/forest"
	"github.com/arkilian/catalogopt/internal/optimize"
	"github.com/arkilian/catalogopt/internal/store"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"
)

// Runner performs optimization runs and remembers the last one.
type Runner interface {
	Trigger(ctx context.Context, filter forest.Filter) (*optimize.RunReport, error)
	LastReport() *optimize.RunReport
	Running() bool
}

// RunLister lists recorded runs, newest first.
type RunLister interface {
	Runs(ctx context.Context, limit int) ([]store.RunRecord, error)
}

// HolderResponse summarizes one holder of a run.
type HolderResponse struct {
	Path         string `json:"path"`
	Containers   int    `json:"containers"`
	BucketsSaved int    `json:"buckets_saved"`
}

// SiteResponse summarizes one site of a run.
type SiteResponse struct {
	Site         string           `json:"site"`
	BucketsSaved int              `json:"buckets_saved"`
	Holders      []HolderResponse `json:"holders"`
}

// RunResponse is the JSON form of a run report.
type RunResponse struct {
	ID           string         `json:"id"`
	Filter       string         `json:"filter"`
	DryRun       bool           `json:"dry_run"`
	Status       string         `json:"status"`
	StartedAt    time.Time      `json:"started_at"`
	FinishedAt   time.Time      `json:"finished_at"`
	Containers   int            `json:"containers"`
	BucketsSaved int            `json:"buckets_saved"`
	Outcomes     map[string]int `json:"outcomes"`
	Sites        []SiteResponse `json:"sites"`
	Conflicts    []string       `json:"conflicts,omitempty"`
	Error        string         `json:"error,omitempty"`
}

// NewRunResponse converts a run report.
func NewRunResponse(rep *optimize.RunReport) RunResponse {
	resp := RunResponse{
		ID:           rep.ID,
		Filter:       rep.Filter.String(),
		DryRun:       rep.DryRun,
		Status:       rep.Status,
		StartedAt:    rep.StartedAt,
		FinishedAt:   rep.FinishedAt,
		Containers:   rep.Containers,
		BucketsSaved: rep.Saved,
		Outcomes:     make(map[string]int, len(rep.Outcomes)),
		Sites:        make([]SiteResponse, 0, len(rep.Sites)),
	}
	for outcome, n := range rep.Outcomes {
		resp.Outcomes[string(outcome)] = n
	}
	for _, s := range rep.Sites {
		sr := SiteResponse{Site: s.Site, BucketsSaved: s.Saved, Holders: make([]HolderResponse, 0, len(s.Holders))}
		for _, h := range s.Holders {
			sr.Holders = append(sr.Holders, HolderResponse{Path: h.Path.String(), Containers: h.Containers, BucketsSaved: h.Saved})
		}
		resp.Sites = append(resp.Sites, sr)
	}
	for _, p := range rep.Conflicts {
		resp.Conflicts = append(resp.Conflicts, p.String())
	}
	return resp
}

// API serves the daemon endpoints.
type API struct {
	runner Runner
	runs   RunLister
	gather prometheus.Gatherer
	logger logrus.FieldLogger

	// background runs outlive the request that started them
	baseCtx context.Context
}

// NewAPI creates the API. runs and gather may be nil.
func NewAPI(baseCtx context.Context, runner Runner, runs RunLister, gather prometheus.Gatherer, logger logrus.FieldLogger) *API {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return &API{
		runner:  runner,
		runs:    runs,
		gather:  gather,
		logger:  logger.WithField("component", "api"),
		baseCtx: baseCtx,
	}
}

// Handler returns the routed handler with the default middleware applied.
func (a *API) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/health", a.health)
	mux.HandleFunc("/trigger", a.trigger)
	mux.HandleFunc("/report", a.report)
	mux.HandleFunc("/runs", a.listRuns)
	if a.gather != nil {
		mux.Handle("/metrics", promhttp.HandlerFor(a.gather, promhttp.HandlerOpts{}))
	}
	return DefaultMiddleware(a.logger)(mux)
}

func (a *API) health(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed", "", GetRequestID(r.Context()))
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status":    "ok",
		"scheduled": a.runner.Running(),
	})
}

// trigger handles POST /trigger?site=&catalog=&index=[&wait=true].
// Without wait the run continues in the background and 202 is returned.
func (a *API) trigger(w http.ResponseWriter, r *http.Request) {
	requestID := GetRequestID(r.Context())
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed", "", requestID)
		return
	}

	filter, err := filterFromQuery(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error(), cerrors.GetCode(err), requestID)
		return
	}

	logger := a.logger.WithFields(logrus.Fields{"request_id": requestID, "filter": filter.String()})
	if wait, _ := strconv.ParseBool(r.URL.Query().Get("wait")); !wait {
		go func() {
			if _, err := a.runner.Trigger(a.baseCtx, filter); err != nil {
				logger.WithError(err).Error("triggered run failed")
			}
		}()
		writeJSON(w, http.StatusAccepted, map[string]string{"status": "accepted", "filter": filter.String()})
		return
	}

	rep, err := a.runner.Trigger(r.Context(), filter)
	if rep == nil {
		if err == nil {
			err = errors.New("run produced no report")
		}
		logger.WithError(err).Error("triggered run failed")
		writeError(w, http.StatusInternalServerError, err.Error(), cerrors.GetCode(err), requestID)
		return
	}
	resp := NewRunResponse(rep)
	status := http.StatusOK
	if err != nil {
		resp.Error = err.Error()
		status = http.StatusInternalServerError
	}
	writeJSON(w, status, resp)
}

func (a *API) report(w http.ResponseWriter, r *http.Request) {
	requestID := GetRequestID(r.Context())
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed", "", requestID)
		return
	}
	rep := a.runner.LastReport()
	if rep == nil {
		writeError(w, http.StatusNotFound, "no run yet", "", requestID)
		return
	}
	writeJSON(w, http.StatusOK, NewRunResponse(rep))
}

func (a *API) listRuns(w http.ResponseWriter, r *http.Request) {
	requestID := GetRequestID(r.Context())
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed", "", requestID)
		return
	}
	if a.runs == nil {
		writeError(w, http.StatusNotFound, "run history unavailable", "", requestID)
		return
	}

	limit := 0
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			writeError(w, http.StatusBadRequest, "limit must be a non-negative integer", "", requestID)
			return
		}
		limit = n
	}

	runs, err := a.runs.Runs(r.Context(), limit)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error(), "", requestID)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"runs": runs})
}

// filterFromQuery reads site, catalog and index. A later level given
// without the earlier ones is rejected.
func filterFromQuery(r *http.Request) (forest.Filter, error) {
	q := r.URL.Query()
	levels := []string{q.Get("site"), q.Get("catalog"), q.Get("index")}
	n := len(levels)
	for n > 0 && levels[n-1] == "" {
		n--
	}
	return forest.ParseFilter(levels[:n])
}
