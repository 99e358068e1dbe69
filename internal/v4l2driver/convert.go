package v4l2driver

import (
	"fmt"

	"github.com/e7canasta/orion-care-sensor/modules/camera-core/internal/hal"
)

// yuyvToNV21 converts a packed YUYV 4:2:2 frame into NV21: a full Y plane
// followed by interleaved V/U at half resolution in both directions. The
// chroma of two source rows is averaged into one output row.
func yuyvToNV21(src []byte, w, h int, dst []byte) error {
	if w <= 0 || h <= 0 || w%2 != 0 || h%2 != 0 {
		return fmt.Errorf("v4l2driver: frame %dx%d must be positive and even: %w", w, h, hal.ErrInvalidRequest)
	}
	stride := w * 2
	if len(src) < stride*h {
		return fmt.Errorf("v4l2driver: short YUYV frame %d < %d: %w", len(src), stride*h, hal.ErrInvalidRequest)
	}
	if len(dst) < w*h*3/2 {
		return fmt.Errorf("v4l2driver: NV21 slot %d < %d: %w", len(dst), w*h*3/2, hal.ErrInvalidRequest)
	}

	luma := dst[:w*h]
	chroma := dst[w*h : w*h*3/2]

	for row := 0; row < h; row++ {
		line := src[row*stride : (row+1)*stride]
		out := luma[row*w : (row+1)*w]
		for x := range out {
			out[x] = line[x*2]
		}
	}

	for row := 0; row < h; row += 2 {
		a := src[row*stride : (row+1)*stride]
		b := src[(row+1)*stride : (row+2)*stride]
		out := chroma[(row/2)*w : (row/2+1)*w]
		for x := 0; x < w; x += 2 {
			i := x * 2
			u := (int(a[i+1]) + int(b[i+1]) + 1) / 2
			v := (int(a[i+3]) + int(b[i+3]) + 1) / 2
			out[x] = byte(v)
			out[x+1] = byte(u)
		}
	}
	return nil
}
