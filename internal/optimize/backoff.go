package optimize

import (
	"context"
	"sync"
	"time"
)

// BackoffConfig configures the conflict backoff of an orchestrator.
type BackoffConfig struct {
	// Threshold is the conflict rate above which the orchestrator pauses
	// between containers. Zero disables the backoff.
	Threshold float64 `json:"threshold" yaml:"threshold"`

	// Window is the sliding window commit attempts are tracked in (default: 1m).
	Window time.Duration `json:"window" yaml:"window"`

	// MinAttempts is how many attempts the window needs before the rate
	// is trusted (default: 4).
	MinAttempts int `json:"min_attempts" yaml:"min_attempts"`

	// Pause is the first pause; it doubles while the rate stays above the
	// threshold, up to MaxPause (defaults: 100ms and 5s).
	Pause    time.Duration `json:"pause" yaml:"pause"`
	MaxPause time.Duration `json:"max_pause" yaml:"max_pause"`
}

// DefaultBackoffConfig returns a disabled backoff with sensible timings.
func DefaultBackoffConfig() BackoffConfig {
	return BackoffConfig{
		Window:      time.Minute,
		MinAttempts: 4,
		Pause:       100 * time.Millisecond,
		MaxPause:    5 * time.Second,
	}
}

// ConflictBackoff tracks recent swap commits and slows the orchestrator
// down while concurrent writers keep invalidating them.
//
// When the conflict rate exceeds the threshold the pause doubles. When it
// drops below half the threshold the pause resets.
type ConflictBackoff struct {
	cfg BackoffConfig

	mu       sync.Mutex
	attempts []commitAttempt
	pause    time.Duration

	now   func() time.Time
	sleep func(ctx context.Context, d time.Duration) error
}

type commitAttempt struct {
	at       time.Time
	conflict bool
}

// BackoffStats is a snapshot of the backoff state.
type BackoffStats struct {
	Pause             time.Duration
	ConflictRate      float64
	AttemptsInWindow  int
	ConflictsInWindow int
}

// NewConflictBackoff creates a backoff, filling unset timings with defaults.
func NewConflictBackoff(cfg BackoffConfig) *ConflictBackoff {
	def := DefaultBackoffConfig()
	if cfg.Window <= 0 {
		cfg.Window = def.Window
	}
	if cfg.MinAttempts <= 0 {
		cfg.MinAttempts = def.MinAttempts
	}
	if cfg.Pause <= 0 {
		cfg.Pause = def.Pause
	}
	if cfg.MaxPause < cfg.Pause {
		cfg.MaxPause = max(def.MaxPause, cfg.Pause)
	}
	return &ConflictBackoff{cfg: cfg, now: time.Now, sleep: sleepContext}
}

// Enabled reports whether the backoff ever pauses.
func (b *ConflictBackoff) Enabled() bool {
	return b != nil && b.cfg.Threshold > 0
}

// Record notes the outcome of a container. Only swaps and conflicts count
// as commit attempts.
func (b *ConflictBackoff) Record(o Outcome) {
	if !b.Enabled() || (o != OutcomeSwapped && o != OutcomeConflict) {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.attempts = append(b.attempts, commitAttempt{at: b.now(), conflict: o == OutcomeConflict})
	b.adjustLocked()
}

// Wait blocks for the current pause, or until ctx is done.
func (b *ConflictBackoff) Wait(ctx context.Context) error {
	if !b.Enabled() {
		return nil
	}
	b.mu.Lock()
	d := b.pause
	b.mu.Unlock()
	if d == 0 {
		return nil
	}
	return b.sleep(ctx, d)
}

// Stats returns the current backoff state.
func (b *ConflictBackoff) Stats() BackoffStats {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.pruneLocked()
	conflicts := b.conflictsLocked()
	st := BackoffStats{
		Pause:             b.pause,
		AttemptsInWindow:  len(b.attempts),
		ConflictsInWindow: conflicts,
	}
	if len(b.attempts) > 0 {
		st.ConflictRate = float64(conflicts) / float64(len(b.attempts))
	}
	return st
}

// adjustLocked recomputes the pause. Caller must hold b.mu.
func (b *ConflictBackoff) adjustLocked() {
	b.pruneLocked()
	if len(b.attempts) < b.cfg.MinAttempts {
		b.pause = 0
		return
	}
	rate := float64(b.conflictsLocked()) / float64(len(b.attempts))
	switch {
	case rate > b.cfg.Threshold:
		if b.pause == 0 {
			b.pause = b.cfg.Pause
		} else {
			b.pause = min(b.pause*2, b.cfg.MaxPause)
		}
	case rate < b.cfg.Threshold/2:
		b.pause = 0
	}
}

func (b *ConflictBackoff) conflictsLocked() int {
	n := 0
	for _, a := range b.attempts {
		if a.conflict {
			n++
		}
	}
	return n
}

// pruneLocked drops attempts older than the window. Caller must hold b.mu.
func (b *ConflictBackoff) pruneLocked() {
	cutoff := b.now().Add(-b.cfg.Window)
	i := 0
	for i < len(b.attempts) && b.attempts[i].at.Before(cutoff) {
		i++
	}
	if i > 0 {
		b.attempts = b.attempts[i:]
	}
}

func sleepContext(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
