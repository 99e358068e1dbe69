// Package recovery escalates persistent driver failures.
//
// Each reported failure increments a counter shared by every camera instance
// of the process. While the counter is within Threshold the failure is
// handled by an automatic stop/reset/restart sequence run in the background,
// delayed by an exponential backoff. Past Threshold the failure is escalated
// to the host as a hard error. Only consecutive failures count: Succeeded
// clears the counter whenever a frame gets through, and Reset clears it when
// the instance manager releases a camera.
package recovery

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"
)

// Config controls escalation.
type Config struct {
	Threshold     int           // automatic recoveries before escalation (default: 5)
	RetryDelay    time.Duration // backoff before the first recovery (default: 100ms)
	MaxRetryDelay time.Duration // backoff cap (default: 2s)
}

// DefaultConfig returns the default escalation policy.
func DefaultConfig() Config {
	return Config{
		Threshold:     5,
		RetryDelay:    100 * time.Millisecond,
		MaxRetryDelay: 2 * time.Second,
	}
}

// Action is what Report decided to do with a failure.
type Action int

const (
	ActionRecover  Action = iota // automatic recovery scheduled
	ActionCoalesce               // a recovery is already running; counted only
	ActionEscalate               // threshold exceeded, escalate called
)

func (a Action) String() string {
	switch a {
	case ActionRecover:
		return "recover"
	case ActionCoalesce:
		return "coalesce"
	case ActionEscalate:
		return "escalate"
	default:
		return "unknown"
	}
}

// RecoverFunc runs the stop/reset/restart sequence.
type RecoverFunc func(ctx context.Context) error

// EscalateFunc surfaces a hard error. failures is the counter value.
type EscalateFunc func(failures int)

// Stats is a snapshot of escalation counters.
type Stats struct {
	Failures        int
	Recoveries      uint64
	RecoveryErrors  uint64
	Escalations     uint64
	RecoveryRunning bool
}

// Escalator is the process-wide failure counter.
type Escalator struct {
	cfg Config

	mu         sync.Mutex
	failures   int
	recovering bool
	cancel     context.CancelFunc
	wg         sync.WaitGroup

	pending int64 // atomic mirror of failures != 0

	recoveries     uint64 // atomic
	recoveryErrors uint64 // atomic
	escalations    uint64 // atomic
}

// New creates an escalator. Zero config fields take defaults.
func New(cfg Config) *Escalator {
	def := DefaultConfig()
	if cfg.Threshold <= 0 {
		cfg.Threshold = def.Threshold
	}
	if cfg.RetryDelay < 0 {
		cfg.RetryDelay = 0
	}
	if cfg.MaxRetryDelay <= 0 {
		cfg.MaxRetryDelay = def.MaxRetryDelay
	}
	return &Escalator{cfg: cfg}
}

// Report records one failure and either schedules recoverFn or calls
// escalate. escalate runs on the calling goroutine; recoverFn runs on its own.
func (e *Escalator) Report(recoverFn RecoverFunc, escalate EscalateFunc) Action {
	e.mu.Lock()
	e.failures++
	n := e.failures
	atomic.StoreInt64(&e.pending, 1)

	if n > e.cfg.Threshold {
		e.mu.Unlock()
		atomic.AddUint64(&e.escalations, 1)
		slog.Error("recovery: failure threshold exceeded, escalating",
			"failures", n,
			"threshold", e.cfg.Threshold,
		)
		if escalate != nil {
			escalate(n)
		}
		return ActionEscalate
	}

	if e.recovering {
		e.mu.Unlock()
		slog.Warn("recovery: failure during recovery, coalesced", "failures", n)
		return ActionCoalesce
	}

	ctx, cancel := context.WithCancel(context.Background())
	e.recovering = true
	e.cancel = cancel
	e.wg.Add(1)
	e.mu.Unlock()

	delay := calculateBackoff(n, e.cfg)
	slog.Warn("recovery: scheduling automatic recovery",
		"attempt", n,
		"threshold", e.cfg.Threshold,
		"delay", delay,
	)

	go e.run(ctx, recoverFn, delay, n)
	return ActionRecover
}

func (e *Escalator) run(ctx context.Context, recoverFn RecoverFunc, delay time.Duration, attempt int) {
	defer e.wg.Done()
	defer func() {
		e.mu.Lock()
		e.recovering = false
		e.cancel = nil
		e.mu.Unlock()
	}()

	select {
	case <-time.After(delay):
	case <-ctx.Done():
		slog.Info("recovery: cancelled during backoff", "attempt", attempt)
		return
	}

	atomic.AddUint64(&e.recoveries, 1)
	if recoverFn == nil {
		return
	}
	if err := recoverFn(ctx); err != nil {
		atomic.AddUint64(&e.recoveryErrors, 1)
		slog.Error("recovery: automatic recovery failed", "attempt", attempt, "error", err)
		return
	}
	slog.Info("recovery: automatic recovery completed", "attempt", attempt)
}

// Reset cancels any recovery in flight, waits for it to finish and clears
// the failure counter.
func (e *Escalator) Reset() {
	e.mu.Lock()
	if e.cancel != nil {
		e.cancel()
	}
	e.mu.Unlock()

	e.wg.Wait()

	e.mu.Lock()
	e.failures = 0
	atomic.StoreInt64(&e.pending, 0)
	e.mu.Unlock()
	slog.Debug("recovery: failure counter reset")
}

// Succeeded records a healthy frame and clears the failure counter. It runs
// on the frame delivery path and takes the lock only when there is something
// to clear.
func (e *Escalator) Succeeded() {
	if atomic.LoadInt64(&e.pending) == 0 {
		return
	}
	e.mu.Lock()
	n := e.failures
	e.failures = 0
	atomic.StoreInt64(&e.pending, 0)
	e.mu.Unlock()
	if n > 0 {
		slog.Debug("recovery: frames flowing again, failure counter cleared", "failures", n)
	}
}

// Wait blocks until no recovery is running.
func (e *Escalator) Wait() { e.wg.Wait() }

// Failures returns the current counter value.
func (e *Escalator) Failures() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.failures
}

// Stats returns a snapshot of the counters.
func (e *Escalator) Stats() Stats {
	e.mu.Lock()
	failures, running := e.failures, e.recovering
	e.mu.Unlock()
	return Stats{
		Failures:        failures,
		Recoveries:      atomic.LoadUint64(&e.recoveries),
		RecoveryErrors:  atomic.LoadUint64(&e.recoveryErrors),
		Escalations:     atomic.LoadUint64(&e.escalations),
		RecoveryRunning: running,
	}
}

// calculateBackoff returns retryDelay * 2^(attempt-1), capped at maxRetryDelay.
func calculateBackoff(attempt int, cfg Config) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	delay := cfg.RetryDelay * time.Duration(1<<uint(attempt-1))
	if delay > cfg.MaxRetryDelay {
		delay = cfg.MaxRetryDelay
	}
	return delay
}
