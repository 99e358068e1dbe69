// Package slottable tracks the buffers a driver may write into.
//
// Buffers are registered by the capture core, handed out to the producer
// with Take in FIFO order and returned with Release once the core is done
// with the frame.
package slottable

import (
	"fmt"
	"sync"

	"github.com/e7canasta/orion-care-sensor/modules/camera-core/internal/hal"
)

type slotKey struct {
	role   hal.Role
	handle uintptr
	index  int
}

func keyOf(role hal.Role, handle uintptr, index int) slotKey {
	return slotKey{role: role, handle: handle, index: index}
}

// Table tracks registered buffers and which of them may be written next.
type Table struct {
	mu   sync.Mutex
	bufs map[slotKey]hal.Buffer
	free map[hal.Role][]slotKey
	out  map[slotKey]bool // delivered, awaiting ReleaseFrame
}

// New creates an empty table.
func New() *Table {
	return &Table{
		bufs: make(map[slotKey]hal.Buffer),
		free: make(map[hal.Role][]slotKey),
		out:  make(map[slotKey]bool),
	}
}

// Register adds b; writable slots can be taken at once.
func (t *Table) Register(b hal.Buffer, writable bool) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	k := keyOf(b.Role, b.Handle, b.Index)
	if _, dup := t.bufs[k]; dup {
		return fmt.Errorf("slottable: %s slot %d registered twice: %w", b.Role, b.Index, hal.ErrDriverRejected)
	}
	t.bufs[k] = b
	if writable {
		t.free[b.Role] = append(t.free[b.Role], k)
	}
	return nil
}

// Unregister removes b whatever its state.
func (t *Table) Unregister(b hal.Buffer) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	k := keyOf(b.Role, b.Handle, b.Index)
	if _, ok := t.bufs[k]; !ok {
		return fmt.Errorf("slottable: %s slot %d not registered: %w", b.Role, b.Index, hal.ErrInvalidRequest)
	}
	delete(t.bufs, k)
	delete(t.out, k)
	t.dropFree(k)
	return nil
}

func (t *Table) dropFree(k slotKey) {
	list := t.free[k.role]
	for i, fk := range list {
		if fk == k {
			t.free[k.role] = append(list[:i], list[i+1:]...)
			return
		}
	}
}

// Release makes a slot writable again. A slot registered inactive becomes
// writable on its first release.
func (t *Table) Release(desc hal.FrameDescriptor) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	k := keyOf(desc.Role, desc.Handle, desc.Index)
	if _, ok := t.bufs[k]; !ok {
		return fmt.Errorf("slottable: release of unregistered %s slot %d: %w", desc.Role, desc.Index, hal.ErrInvalidRequest)
	}
	for _, fk := range t.free[k.role] {
		if fk == k {
			return fmt.Errorf("slottable: %s slot %d released twice: %w", desc.Role, desc.Index, hal.ErrInvalidRequest)
		}
	}
	delete(t.out, k)
	t.free[k.role] = append(t.free[k.role], k)
	return nil
}

// Take hands out the oldest writable slot of role.
func (t *Table) Take(role hal.Role) (hal.Buffer, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	list := t.free[role]
	if len(list) == 0 {
		return hal.Buffer{}, false
	}
	k := list[0]
	t.free[role] = list[1:]
	t.out[k] = true
	return t.bufs[k], true
}

// Writable is the number of slots of role that can be taken.
func (t *Table) Writable(role hal.Role) int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.free[role])
}

// Registered is the number of registered buffers of every role.
func (t *Table) Registered() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.bufs)
}
