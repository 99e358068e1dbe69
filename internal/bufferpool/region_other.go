//go:build !linux

package bufferpool

import "os"

// PageSize returns the system memory page size.
func PageSize() int { return os.Getpagesize() }

// NewSharedRegion falls back to a heap region where memfd is unavailable.
func NewSharedRegion(size int) (Region, error) { return NewHeapRegion(size) }
