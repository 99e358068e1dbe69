package session

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/e7canasta/orion-care-sensor/modules/camera-core/internal/hal"
)

// TestCancelAutoFocusWhileIdle must not contact the driver.
func TestCancelAutoFocusWhileIdle(t *testing.T) {
	f := newFixture(t)

	if err := f.focus.Cancel(); err != nil {
		t.Fatalf("Cancel() = %v", err)
	}
	if n := f.drv.Calls("CancelAutoFocus"); n != 0 {
		t.Errorf("CancelAutoFocus reached the driver %d times", n)
	}
	t.Logf("✅ idle cancel stayed local")
}

func TestAutoFocusReportsOnce(t *testing.T) {
	f := newFixture(t)
	f.drv.AutoFocusDelay = 10 * time.Millisecond

	if err := f.focus.Start(context.Background()); err != nil {
		t.Fatalf("Start() = %v", err)
	}
	ev := f.host.waitFor(t, hal.MsgFocus)
	if ev.ext1 != 1 {
		t.Errorf("focus result = %d, want success", ev.ext1)
	}
	f.focus.Wait(ctxTimeout(t))

	if n := f.host.count(hal.MsgFocus); n != 1 {
		t.Errorf("focus notifications = %d, want 1", n)
	}
}

func TestSecondAutoFocusIsRejected(t *testing.T) {
	f := newFixture(t)
	f.drv.AutoFocusDelay = time.Hour

	if err := f.focus.Start(context.Background()); err != nil {
		t.Fatalf("Start() = %v", err)
	}
	if err := f.focus.Start(context.Background()); !errors.Is(err, hal.ErrInvalidRequest) {
		t.Fatalf("second Start() err = %v, want ErrInvalidRequest", err)
	}

	// Wait for the sweep to reach the driver before cancelling it.
	deadline := time.Now().Add(2 * time.Second)
	for f.drv.Calls("AutoFocus") == 0 && time.Now().Before(deadline) {
		time.Sleep(time.Millisecond)
	}

	if err := f.focus.Cancel(); err != nil {
		t.Fatalf("Cancel() = %v", err)
	}
	ev := f.host.waitFor(t, hal.MsgFocus)
	if ev.ext1 != 0 {
		t.Errorf("cancelled focus reported success")
	}

	stats := f.focus.Stats()
	if stats.Rejected != 1 || stats.Failed != 1 || stats.Cancels != 1 {
		t.Errorf("unexpected stats: %+v", stats)
	}
	t.Logf("✅ concurrent autofocus rejected, cancel reported failure")
}
