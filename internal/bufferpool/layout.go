package bufferpool

import (
	"fmt"

	"github.com/e7canasta/orion-care-sensor/modules/camera-core/internal/hal"
)

// Layout describes where the planes of one frame live inside a slot.
type Layout struct {
	Size         int // bytes needed for one frame (before page rounding)
	LumaOffset   int
	ChromaOffset int
}

func padToWord(x int) int { return (x + 1) &^ 1 }
func padTo4K(x int) int   { return (x + 4095) &^ 4095 }
func ceil32(x int) int    { return (x + 31) &^ 31 }

// FrameLayout computes the buffer size and plane offsets of a w x h frame.
//
//	NV21:        size = w*h*3/2
//	             chroma = padToWord(w*h)
//	NV21 tiled:  size = padTo4K(ceil32(w)*ceil32(h)) + 2*ceil32(w/2)*ceil32(h/2)
//	             chroma = padTo4K(ceil32(w)*ceil32(h))
//
// Dimensions must be positive and even (4:2:0 subsampling).
func FrameLayout(format hal.Format, width, height int) (Layout, error) {
	if width <= 0 || height <= 0 || width%2 != 0 || height%2 != 0 {
		return Layout{}, fmt.Errorf("bufferpool: invalid frame dimensions %dx%d: %w",
			width, height, hal.ErrInvalidRequest)
	}

	switch format {
	case hal.FormatNV21:
		return Layout{
			Size:         width * height * 3 / 2,
			ChromaOffset: padToWord(width * height),
		}, nil

	case hal.FormatNV21Tiled:
		luma := padTo4K(ceil32(width) * ceil32(height))
		return Layout{
			Size:         luma + 2*(ceil32(width/2)*ceil32(height/2)),
			ChromaOffset: luma,
		}, nil
	}

	return Layout{}, fmt.Errorf("bufferpool: unsupported format %s: %w", format, hal.ErrInvalidRequest)
}

// CeilToPage rounds n up to a multiple of the system page size.
func CeilToPage(n int) int {
	ps := PageSize()
	return (n + ps - 1) / ps * ps
}
