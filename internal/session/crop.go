package session

import (
	"fmt"

	"github.com/e7canasta/orion-care-sensor/modules/camera-core/internal/hal"
)

// CropYUV420 trims a semi-planar 4:2:0 frame of w x h down to its centred
// cw x ch window, in place. The result is packed: luma at 0, chroma at cw*ch.
// chromaOffset is where the source chroma plane starts.
//
// The window origin is rounded down to even coordinates so chroma pairs stay
// aligned.
func CropYUV420(buf []byte, w, h, cw, ch, chromaOffset int) error {
	if cw <= 0 || ch <= 0 || cw > w || ch > h || cw%2 != 0 || ch%2 != 0 {
		return fmt.Errorf("session: crop %dx%d out of %dx%d: %w", cw, ch, w, h, hal.ErrInvalidRequest)
	}
	if chromaOffset < w*h || len(buf) < chromaOffset+w*h/2 {
		return fmt.Errorf("session: crop buffer of %d bytes too small for %dx%d: %w", len(buf), w, h, hal.ErrInvalidRequest)
	}
	if cw == w && ch == h {
		return nil
	}

	x := ((w - cw) / 2) &^ 1
	y := ((h - ch) / 2) &^ 1

	copyRows(buf, 0, w*y+x, cw, w, ch)
	copyRows(buf, cw*ch, chromaOffset+w*(y/2)+x, cw, w, ch/2)
	return nil
}

// copyRows moves rows of width bytes from src (row pitch stride) to dst
// (row pitch width) inside buf, front to back. dst must not lie ahead of
// src: CropYUV420 packs both planes towards the start of the buffer, so
// every destination row sits at or before the row it is read from.
func copyRows(buf []byte, dst, src, width, stride, rows int) {
	for k := 0; k < rows; k++ {
		d, s := dst+k*width, src+k*stride
		copy(buf[d:d+width], buf[s:s+width])
	}
}
