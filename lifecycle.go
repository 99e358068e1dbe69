package cameracore

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/e7canasta/orion-care-sensor/modules/camera-core/internal/recovery"
)

// Lifecycle defaults.
const (
	DefaultAcquireTimeout  = 5 * time.Second
	DefaultRecheckInterval = time.Second
)

// ManagerConfig configures a Manager.
type ManagerConfig struct {
	// AcquireTimeout bounds how long Acquire waits for a previous instance
	// to finish releasing (default: 5s).
	AcquireTimeout time.Duration
	// RecheckInterval is how often a waiting Acquire rechecks (default: 1s).
	RecheckInterval time.Duration
	// Escalation is the process-wide capture-timeout policy.
	Escalation EscalationConfig
}

// ManagerStats is a snapshot of lifecycle counters.
type ManagerStats struct {
	Live      bool
	Releasing bool
	Acquires  uint64
	Releases  uint64
	Busy      uint64
}

// Manager owns the single live camera instance of the process and the
// escalation counter shared by every instance it creates.
type Manager struct {
	cfg       ManagerConfig
	escalator *recovery.Escalator

	mu        sync.Mutex
	cond      *sync.Cond
	live      *Camera
	releasing bool

	acquires uint64
	releases uint64
	busy     uint64
}

// NewManager creates a manager with no live instance.
func NewManager(cfg ManagerConfig) *Manager {
	if cfg.AcquireTimeout <= 0 {
		cfg.AcquireTimeout = DefaultAcquireTimeout
	}
	if cfg.RecheckInterval <= 0 {
		cfg.RecheckInterval = DefaultRecheckInterval
	}
	m := &Manager{cfg: cfg, escalator: recovery.New(cfg.Escalation)}
	m.cond = sync.NewCond(&m.mu)
	return m
}

// Acquire returns the live camera, creating it from opts if none exists.
//
// Algorithm:
//  1. If an instance is live and not releasing, return it
//  2. While a release is in progress, wait on the condition, waking at
//     least every RecheckInterval
//  3. Give up with ErrPreviousInstanceBusy after AcquireTimeout, or with
//     ctx's error when ctx is done
//  4. Create the instance
func (m *Manager) Acquire(ctx context.Context, opts Options) (*Camera, error) {
	stop := context.AfterFunc(ctx, m.wake)
	defer stop()

	m.mu.Lock()
	defer m.mu.Unlock()

	deadline := time.Now().Add(m.cfg.AcquireTimeout)
	for m.releasing {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		remaining := time.Until(deadline)
		if remaining <= 0 {
			atomic.AddUint64(&m.busy, 1)
			slog.Warn("camera-core: previous instance still releasing",
				"waited", m.cfg.AcquireTimeout,
			)
			return nil, fmt.Errorf("camera-core: acquire after %s: %w", m.cfg.AcquireTimeout, ErrPreviousInstanceBusy)
		}

		timer := time.AfterFunc(min(remaining, m.cfg.RecheckInterval), m.wake)
		m.cond.Wait()
		timer.Stop()
		slog.Debug("camera-core: rechecking previous instance", "releasing", m.releasing)
	}

	if m.live != nil {
		return m.live, nil
	}

	cam, err := newCamera(opts, m.escalator)
	if err != nil {
		return nil, err
	}
	m.live = cam
	atomic.AddUint64(&m.acquires, 1)
	slog.Info("camera-core: instance acquired")
	return cam, nil
}

func (m *Manager) wake() {
	m.mu.Lock()
	m.cond.Broadcast()
	m.mu.Unlock()
}

// Release tears down the live instance (recording, then picture, then
// preview), resets the escalation counter and wakes waiting Acquire calls.
// ctx bounds the teardown waits. Releasing with no live instance is a no-op.
func (m *Manager) Release(ctx context.Context) error {
	m.mu.Lock()
	cam := m.live
	if cam == nil || m.releasing {
		m.mu.Unlock()
		return nil
	}
	m.releasing = true
	m.mu.Unlock()

	slog.Info("camera-core: releasing instance")
	err := cam.teardown(ctx)
	m.escalator.Reset()

	m.mu.Lock()
	m.live = nil
	m.releasing = false
	m.cond.Broadcast()
	m.mu.Unlock()

	atomic.AddUint64(&m.releases, 1)
	if err != nil {
		slog.Warn("camera-core: instance released with errors", "error", err)
	}
	return err
}

// Live returns the live camera, or nil.
func (m *Manager) Live() *Camera {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.releasing {
		return nil
	}
	return m.live
}

// Escalation returns the process-wide escalation counters.
func (m *Manager) Escalation() EscalationStats { return m.escalator.Stats() }

// Stats returns a snapshot of the lifecycle counters.
func (m *Manager) Stats() ManagerStats {
	m.mu.Lock()
	live, releasing := m.live != nil, m.releasing
	m.mu.Unlock()

	return ManagerStats{
		Live:      live,
		Releasing: releasing,
		Acquires:  atomic.LoadUint64(&m.acquires),
		Releases:  atomic.LoadUint64(&m.releases),
		Busy:      atomic.LoadUint64(&m.busy),
	}
}
