package bufferpool_test

import (
	"errors"
	"testing"
	"time"

	"github.com/e7canasta/orion-care-sensor/modules/camera-core/internal/bufferpool"
	"github.com/e7canasta/orion-care-sensor/modules/camera-core/internal/fakedriver"
	"github.com/e7canasta/orion-care-sensor/modules/camera-core/internal/hal"
)

// TestCreateDestroyBalancesRegistrations checks that every registration made
// by New is matched by exactly one unregistration in Destroy.
func TestCreateDestroyBalancesRegistrations(t *testing.T) {
	roles := []hal.Role{hal.RolePreview, hal.RoleVideo, hal.RoleRaw, hal.RoleThumbnail, hal.RoleJPEG}

	for _, role := range roles {
		for _, count := range []int{1, 2, 4, 9} {
			for _, size := range []int{1, 4095, 4096, 460800} {
				drv := fakedriver.New()
				before := drv.Registered()

				cfg := bufferpool.Config{Role: role, FrameSize: size, Count: count}
				if role == hal.RolePreview && count > 1 {
					cfg.ReservedSlots = 1
				}

				pool, err := bufferpool.New(cfg, drv, bufferpool.NewHeapRegion)
				if err != nil {
					t.Fatalf("%s count=%d size=%d: New() failed: %v", role, count, size, err)
				}
				if got := drv.Registered(); got != before+count {
					t.Fatalf("%s: registered=%d after New, want %d", role, got, before+count)
				}

				if err := pool.Destroy(); err != nil {
					t.Fatalf("%s: Destroy() failed: %v", role, err)
				}
				if got := drv.Registered(); got != before {
					t.Errorf("%s count=%d size=%d: registered=%d after Destroy, want %d", role, count, size, got, before)
				}
				if reg, unreg := drv.Calls("RegisterBuffer"), drv.Calls("UnregisterBuffer"); reg != unreg {
					t.Errorf("%s: %d registrations vs %d unregistrations", role, reg, unreg)
				}
			}
		}
	}

	t.Logf("✅ create+destroy leaves the registered set unchanged for all roles")
}

func TestSlotSizeIsPageAligned(t *testing.T) {
	ps := bufferpool.PageSize()

	pool, err := bufferpool.New(bufferpool.Config{Role: hal.RoleRaw, FrameSize: ps + 1, Count: 3}, nil, nil)
	if err != nil {
		t.Fatalf("New() failed: %v", err)
	}
	defer pool.Destroy()

	if pool.SlotSize()%ps != 0 {
		t.Errorf("slot size %d not a multiple of page size %d", pool.SlotSize(), ps)
	}
	if pool.SlotSize() != 2*ps {
		t.Errorf("slot size = %d, want %d", pool.SlotSize(), 2*ps)
	}

	for i := 0; i < pool.Len(); i++ {
		s, err := pool.Slot(i)
		if err != nil {
			t.Fatalf("Slot(%d): %v", i, err)
		}
		if s.Offset != i*pool.SlotSize() {
			t.Errorf("slot %d offset = %d, want %d", i, s.Offset, i*pool.SlotSize())
		}
		if len(pool.Bytes(i)) != pool.SlotSize() {
			t.Errorf("slot %d bytes = %d, want %d", i, len(pool.Bytes(i)), pool.SlotSize())
		}
	}
}

func TestReservationPolicy(t *testing.T) {
	t.Run("preview withholds last slot", func(t *testing.T) {
		drv := fakedriver.New()
		pool, err := bufferpool.New(bufferpool.Config{
			Role: hal.RolePreview, FrameSize: 1024, Count: 5, ReservedSlots: 1,
		}, drv, nil)
		if err != nil {
			t.Fatalf("New() failed: %v", err)
		}
		defer pool.Destroy()

		for i := 0; i < 4; i++ {
			if !drv.IsWritable(hal.RolePreview, i) {
				t.Errorf("preview slot %d should be writable", i)
			}
		}
		if drv.IsWritable(hal.RolePreview, 4) {
			t.Errorf("last preview slot must not be writable")
		}
		if free := pool.SlotsOwnedBy(bufferpool.OwnerFree); len(free) != 1 || free[0] != 4 {
			t.Errorf("free slots = %v, want [4]", free)
		}
	})

	t.Run("video activates first slots only", func(t *testing.T) {
		drv := fakedriver.New()
		pool, err := bufferpool.New(bufferpool.Config{
			Role: hal.RoleVideo, FrameSize: 1024, Count: 9,
		}, drv, nil)
		if err != nil {
			t.Fatalf("New() failed: %v", err)
		}
		defer pool.Destroy()

		if got := drv.WritableFor(hal.RoleVideo); got != bufferpool.DefaultActiveVideoSlots {
			t.Errorf("writable video slots = %d, want %d", got, bufferpool.DefaultActiveVideoSlots)
		}
		if got := len(pool.SlotsOwnedBy(bufferpool.OwnerFree)); got != 9-bufferpool.DefaultActiveVideoSlots {
			t.Errorf("free video slots = %d, want %d", got, 9-bufferpool.DefaultActiveVideoSlots)
		}
	})

	t.Run("reserving every preview slot is rejected", func(t *testing.T) {
		drv := fakedriver.New()
		_, err := bufferpool.New(bufferpool.Config{
			Role: hal.RolePreview, FrameSize: 1024, Count: 2, ReservedSlots: 2,
		}, drv, nil)
		if !errors.Is(err, hal.ErrInvalidRequest) {
			t.Fatalf("err = %v, want ErrInvalidRequest", err)
		}
		if drv.Calls("RegisterBuffer") != 0 {
			t.Errorf("driver contacted before validation")
		}
	})
}

func TestRegistrationFailureUnwinds(t *testing.T) {
	drv := fakedriver.New()
	drv.RegisterFailAt = 3

	_, err := bufferpool.New(bufferpool.Config{Role: hal.RoleRaw, FrameSize: 100, Count: 4}, drv, nil)
	if !errors.Is(err, hal.ErrAllocationFailed) {
		t.Fatalf("err = %v, want ErrAllocationFailed", err)
	}
	if drv.Registered() != 0 {
		t.Errorf("registered = %d after failed New, want 0", drv.Registered())
	}
	if drv.Calls("UnregisterBuffer") != 2 {
		t.Errorf("unregister calls = %d, want 2", drv.Calls("UnregisterBuffer"))
	}
}

func TestDestroyIsBestEffort(t *testing.T) {
	drv := fakedriver.New()
	pool, err := bufferpool.New(bufferpool.Config{Role: hal.RoleRaw, FrameSize: 100, Count: 3}, drv, nil)
	if err != nil {
		t.Fatalf("New() failed: %v", err)
	}

	drv.UnregisterErr = errors.New("ioctl failed")
	if err := pool.Destroy(); err != nil {
		t.Fatalf("Destroy() should not surface unregister failures: %v", err)
	}
	if drv.Calls("UnregisterBuffer") != 3 {
		t.Errorf("unregister calls = %d, want 3", drv.Calls("UnregisterBuffer"))
	}

	// Idempotent.
	if err := pool.Destroy(); err != nil {
		t.Fatalf("second Destroy() failed: %v", err)
	}
	if drv.Calls("UnregisterBuffer") != 3 {
		t.Errorf("second Destroy unregistered again")
	}
}

func TestTransferRequiresCurrentOwner(t *testing.T) {
	pool, err := bufferpool.New(bufferpool.Config{Role: hal.RoleVideo, FrameSize: 64, Count: 4, ActiveSlots: 2}, nil, nil)
	if err != nil {
		t.Fatalf("New() failed: %v", err)
	}
	defer pool.Destroy()

	if err := pool.Transfer(0, bufferpool.OwnerProducer, bufferpool.OwnerConsumer); err != nil {
		t.Fatalf("producer->consumer: %v", err)
	}
	if err := pool.Transfer(0, bufferpool.OwnerProducer, bufferpool.OwnerConsumer); !errors.Is(err, hal.ErrInvalidRequest) {
		t.Errorf("double hand-off err = %v, want ErrInvalidRequest", err)
	}
	if err := pool.Transfer(3, bufferpool.OwnerProducer, bufferpool.OwnerConsumer); !errors.Is(err, hal.ErrInvalidRequest) {
		t.Errorf("hand-off of a free slot err = %v, want ErrInvalidRequest", err)
	}
	if err := pool.Transfer(9, bufferpool.OwnerFree, bufferpool.OwnerProducer); !errors.Is(err, hal.ErrInvalidRequest) {
		t.Errorf("out of range err = %v, want ErrInvalidRequest", err)
	}
}

func TestOwnsMatchesDescriptor(t *testing.T) {
	pool, err := bufferpool.New(bufferpool.Config{Role: hal.RolePreview, FrameSize: 64, Count: 3, ReservedSlots: 1}, nil, nil)
	if err != nil {
		t.Fatalf("New() failed: %v", err)
	}
	defer pool.Destroy()

	desc, err := pool.Descriptor(1, time.Now())
	if err != nil {
		t.Fatalf("Descriptor(): %v", err)
	}
	if !pool.Owns(desc) {
		t.Errorf("pool should own its own descriptor")
	}

	desc.Handle++
	if pool.Owns(desc) {
		t.Errorf("pool must not own a descriptor from another region")
	}
}

func TestSharedRegionAllocator(t *testing.T) {
	drv := fakedriver.New()
	pool, err := bufferpool.New(bufferpool.Config{Role: hal.RoleRaw, FrameSize: 8192, Count: 2}, drv, bufferpool.NewSharedRegion)
	if err != nil {
		t.Skipf("shared region unavailable: %v", err)
	}

	b := pool.Bytes(1)
	b[0], b[len(b)-1] = 0xAB, 0xCD
	if pool.Bytes(1)[0] != 0xAB {
		t.Errorf("shared region write not visible")
	}

	if err := pool.Destroy(); err != nil {
		t.Fatalf("Destroy() failed: %v", err)
	}
	if drv.Registered() != 0 {
		t.Errorf("registered = %d after destroy", drv.Registered())
	}
}
