package bufferpool

import (
	"fmt"
	"sync/atomic"

	"github.com/e7canasta/orion-care-sensor/modules/camera-core/internal/hal"
)

// Region is one contiguous backing allocation for a pool.
type Region interface {
	Bytes() []byte
	// Handle identifies the region to the driver (an fd for shared regions).
	Handle() uintptr
	Close() error
}

// Allocator creates a region of exactly size bytes.
type Allocator func(size int) (Region, error)

var heapHandles uint64

// heapRegion is a plain Go allocation. The driver can read and write it in
// process but it cannot be shared with another process.
type heapRegion struct {
	buf    []byte
	handle uintptr
}

// NewHeapRegion allocates a process-local region.
func NewHeapRegion(size int) (Region, error) {
	if size <= 0 {
		return nil, fmt.Errorf("bufferpool: region size %d: %w", size, hal.ErrAllocationFailed)
	}
	return &heapRegion{
		buf:    make([]byte, size),
		handle: uintptr(atomic.AddUint64(&heapHandles, 1)),
	}, nil
}

func (r *heapRegion) Bytes() []byte   { return r.buf }
func (r *heapRegion) Handle() uintptr { return r.handle }
func (r *heapRegion) Close() error {
	r.buf = nil
	return nil
}
