package cameracore_test

import (
	"context"
	"errors"
	"testing"
	"time"

	cameracore "github.com/e7canasta/orion-care-sensor/modules/camera-core"
	"github.com/e7canasta/orion-care-sensor/modules/camera-core/internal/fakedriver"
)

// gatedDriver holds Close until the gate is opened.
type gatedDriver struct {
	*fakedriver.Driver
	gate    chan struct{}
	closing chan struct{}
}

func newGatedDriver() *gatedDriver {
	return &gatedDriver{
		Driver:  fakedriver.New(),
		gate:    make(chan struct{}),
		closing: make(chan struct{}),
	}
}

func (d *gatedDriver) Close() error {
	close(d.closing)
	<-d.gate
	return d.Driver.Close()
}

func TestAcquireReturnsLiveInstance(t *testing.T) {
	mgr := cameracore.NewManager(cameracore.ManagerConfig{})
	opts := cameracore.Options{Driver: fakedriver.New()}

	first, err := mgr.Acquire(ctx(t), opts)
	if err != nil {
		t.Fatalf("Acquire() failed: %v", err)
	}
	second, err := mgr.Acquire(ctx(t), opts)
	if err != nil {
		t.Fatalf("second Acquire() failed: %v", err)
	}
	if first != second {
		t.Error("second Acquire() created a new instance")
	}

	if err := mgr.Release(ctx(t)); err != nil {
		t.Fatalf("Release() = %v", err)
	}
	if mgr.Live() != nil {
		t.Error("instance still live after Release")
	}
	if err := mgr.Release(ctx(t)); err != nil {
		t.Errorf("Release() with no instance = %v", err)
	}

	stats := mgr.Stats()
	if stats.Acquires != 1 || stats.Releases != 1 {
		t.Errorf("unexpected stats: %+v", stats)
	}
}

func TestAcquireDuringSlowReleaseTimesOut(t *testing.T) {
	mgr := cameracore.NewManager(cameracore.ManagerConfig{
		AcquireTimeout:  50 * time.Millisecond,
		RecheckInterval: 10 * time.Millisecond,
	})
	drv := newGatedDriver()
	if _, err := mgr.Acquire(ctx(t), cameracore.Options{Driver: drv}); err != nil {
		t.Fatalf("Acquire() failed: %v", err)
	}

	released := make(chan error, 1)
	go func() { released <- mgr.Release(context.Background()) }()
	<-drv.closing

	start := time.Now()
	_, err := mgr.Acquire(ctx(t), cameracore.Options{Driver: fakedriver.New()})
	if !errors.Is(err, cameracore.ErrPreviousInstanceBusy) {
		t.Fatalf("Acquire() during release err = %v, want ErrPreviousInstanceBusy", err)
	}
	if waited := time.Since(start); waited < 50*time.Millisecond {
		t.Errorf("Acquire() gave up after %v", waited)
	}

	close(drv.gate)
	if err := <-released; err != nil {
		t.Fatalf("Release() = %v", err)
	}

	cam, err := mgr.Acquire(ctx(t), cameracore.Options{Driver: fakedriver.New()})
	if err != nil || cam == nil {
		t.Fatalf("Acquire() after release = %v", err)
	}
	if n := mgr.Stats().Busy; n != 1 {
		t.Errorf("busy count = %d, want 1", n)
	}
	mgr.Release(context.Background())
	t.Logf("✅ acquire refused while the previous instance was releasing")
}

func TestAcquireWaitsForRelease(t *testing.T) {
	mgr := cameracore.NewManager(cameracore.ManagerConfig{
		AcquireTimeout:  2 * time.Second,
		RecheckInterval: 10 * time.Millisecond,
	})
	drv := newGatedDriver()
	mgr.Acquire(ctx(t), cameracore.Options{Driver: drv})

	go mgr.Release(context.Background())
	<-drv.closing

	time.AfterFunc(30*time.Millisecond, func() { close(drv.gate) })

	next := fakedriver.New()
	cam, err := mgr.Acquire(ctx(t), cameracore.Options{Driver: next})
	if err != nil {
		t.Fatalf("Acquire() = %v", err)
	}
	if err := cam.SetParameter("iso", "100"); err != nil {
		t.Fatalf("new instance unusable: %v", err)
	}
	if _, ok := next.Control("iso"); !ok {
		t.Error("new instance not bound to the new driver")
	}
	mgr.Release(context.Background())
}

func TestAcquireHonoursContext(t *testing.T) {
	mgr := cameracore.NewManager(cameracore.ManagerConfig{AcquireTimeout: time.Minute})
	drv := newGatedDriver()
	mgr.Acquire(ctx(t), cameracore.Options{Driver: drv})

	go mgr.Release(context.Background())
	<-drv.closing
	defer close(drv.gate)

	c, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if _, err := mgr.Acquire(c, cameracore.Options{Driver: fakedriver.New()}); !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("Acquire() err = %v, want DeadlineExceeded", err)
	}
}

func TestReleaseResetsEscalation(t *testing.T) {
	mgr := cameracore.NewManager(cameracore.ManagerConfig{
		Escalation: cameracore.EscalationConfig{Threshold: 1, RetryDelay: time.Hour},
	})
	drv := fakedriver.New()
	mgr.Acquire(ctx(t), cameracore.Options{Driver: drv})

	drv.InjectError(cameracore.ErrorCaptureTimeout)
	if n := mgr.Escalation().Failures; n != 1 {
		t.Fatalf("failures = %d, want 1", n)
	}

	mgr.Release(ctx(t))
	if n := mgr.Escalation().Failures; n != 0 {
		t.Errorf("failures after release = %d, want 0", n)
	}
}
