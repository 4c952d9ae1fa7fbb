package optimize

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/arkilian/catalogopt/internal/forest"
	"github.com/arkilian/catalogopt/internal/store"
	"github.com/sirupsen/logrus"
)

// DaemonConfig holds configuration for the optimization daemon.
type DaemonConfig struct {
	// Interval between scheduled runs. Zero disables scheduling; runs then
	// happen only through Trigger.
	Interval time.Duration

	// Filter restricts scheduled runs.
	Filter forest.Filter

	// PackAfterRun removes the containers replaced by a run once it
	// completes.
	PackAfterRun bool

	// SnapshotBeforeRun takes a store snapshot before every run.
	SnapshotBeforeRun bool
}

// DefaultDaemonConfig returns the default daemon configuration.
func DefaultDaemonConfig() DaemonConfig {
	return DaemonConfig{
		Interval:     24 * time.Hour,
		PackAfterRun: true,
	}
}

// Packer removes unreachable containers.
type Packer interface {
	Pack(ctx context.Context) (*store.PackResult, error)
}

// Snapshotter copies the store somewhere safe and returns where.
type Snapshotter interface {
	Snapshot(ctx context.Context) (string, error)
}

// Daemon runs the orchestrator on a schedule and on demand. Runs never
// overlap.
type Daemon struct {
	config      DaemonConfig
	orch        *Orchestrator
	packer      Packer
	snapshotter Snapshotter
	logger      logrus.FieldLogger

	runMu sync.Mutex // Serializes runs; the session is single-threaded

	mu      sync.Mutex
	last    *RunReport
	running bool
	cancel  context.CancelFunc
	done    chan struct{}
}

// NewDaemon creates a daemon. packer and snapshotter may be nil.
func NewDaemon(config DaemonConfig, orch *Orchestrator, packer Packer, snapshotter Snapshotter, logger logrus.FieldLogger) *Daemon {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return &Daemon{
		config:      config,
		orch:        orch,
		packer:      packer,
		snapshotter: snapshotter,
		logger:      logger.WithField("component", "daemon"),
	}
}

// Start begins the scheduling loop. It runs until the context is cancelled
// or Stop is called.
func (d *Daemon) Start(ctx context.Context) error {
	d.mu.Lock()
	if d.running {
		d.mu.Unlock()
		return fmt.Errorf("optimize: daemon is already running")
	}

	ctx, cancel := context.WithCancel(ctx)
	d.cancel = cancel
	d.running = true
	d.done = make(chan struct{})
	d.mu.Unlock()

	go d.run(ctx)
	return nil
}

// Stop stops the scheduling loop and waits for any run in progress,
// scheduled or triggered.
func (d *Daemon) Stop() error {
	d.mu.Lock()
	running := d.running
	cancel, done := d.cancel, d.done
	d.mu.Unlock()

	if running {
		cancel()
		<-done

		d.mu.Lock()
		d.running = false
		d.mu.Unlock()
	}

	d.runMu.Lock()
	d.runMu.Unlock()
	return nil
}

func (d *Daemon) run(ctx context.Context) {
	defer close(d.done)

	if d.config.Interval <= 0 {
		<-ctx.Done()
		return
	}

	ticker := time.NewTicker(d.config.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := d.Trigger(ctx, d.config.Filter); err != nil {
				d.logger.WithError(err).Error("scheduled run failed")
			}
		}
	}
}

// Trigger performs one run under filter, waiting for any run in progress
// to finish first.
func (d *Daemon) Trigger(ctx context.Context, filter forest.Filter) (*RunReport, error) {
	d.runMu.Lock()
	defer d.runMu.Unlock()

	if d.config.SnapshotBeforeRun && d.snapshotter != nil {
		location, err := d.snapshotter.Snapshot(ctx)
		if err != nil {
			return nil, fmt.Errorf("optimize: snapshot before run: %w", err)
		}
		d.logger.WithField("location", location).Info("store snapshot taken")
	}

	rep, err := d.orch.Run(ctx, filter)
	d.mu.Lock()
	d.last = rep
	d.mu.Unlock()
	if err != nil {
		return rep, err
	}

	if d.config.PackAfterRun && d.packer != nil && rep.Saved > 0 {
		if _, err := d.packer.Pack(ctx); err != nil {
			d.logger.WithError(err).Warn("pack after run failed")
		}
	}
	return rep, nil
}

// LastReport returns the report of the most recent run, or nil.
func (d *Daemon) LastReport() *RunReport {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.last
}

// Running reports whether the scheduling loop is active.
func (d *Daemon) Running() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.running
}
