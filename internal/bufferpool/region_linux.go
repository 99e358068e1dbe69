//go:build linux

package bufferpool

import (
	"fmt"
	"sync"

	"golang.org/x/sys/unix"

	"github.com/e7canasta/orion-care-sensor/modules/camera-core/internal/hal"
)

// PageSize returns the system memory page size.
func PageSize() int { return unix.Getpagesize() }

// sharedRegion is an memfd-backed MAP_SHARED mapping. The fd can be passed
// to another process (or a DMA-capable driver) for zero-copy access.
type sharedRegion struct {
	mu  sync.Mutex
	fd  int
	buf []byte
}

// NewSharedRegion creates an anonymous shareable memory region of size bytes.
func NewSharedRegion(size int) (Region, error) {
	if size <= 0 {
		return nil, fmt.Errorf("bufferpool: region size %d: %w", size, hal.ErrAllocationFailed)
	}

	fd, err := unix.MemfdCreate("camera-core", unix.MFD_CLOEXEC)
	if err != nil {
		return nil, fmt.Errorf("bufferpool: memfd_create: %v: %w", err, hal.ErrAllocationFailed)
	}

	if err := unix.Ftruncate(fd, int64(size)); err != nil {
		unix.Close(fd)
		return nil, fmt.Errorf("bufferpool: ftruncate %d: %v: %w", size, err, hal.ErrAllocationFailed)
	}

	buf, err := unix.Mmap(fd, 0, size, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		unix.Close(fd)
		return nil, fmt.Errorf("bufferpool: mmap %d: %v: %w", size, err, hal.ErrAllocationFailed)
	}

	return &sharedRegion{fd: fd, buf: buf}, nil
}

func (r *sharedRegion) Bytes() []byte   { return r.buf }
func (r *sharedRegion) Handle() uintptr { return uintptr(r.fd) }

func (r *sharedRegion) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.buf == nil {
		return nil
	}

	var firstErr error
	if err := unix.Munmap(r.buf); err != nil {
		firstErr = fmt.Errorf("bufferpool: munmap: %w", err)
	}
	if err := unix.Close(r.fd); err != nil && firstErr == nil {
		firstErr = fmt.Errorf("bufferpool: close fd %d: %w", r.fd, err)
	}
	r.buf = nil
	r.fd = -1
	return firstErr
}
