// Package compositor is the software crop/zoom blitter used by preview.
//
// It scales a source rectangle of an NV21 frame onto a destination rectangle
// of another frame of the same size. The luma plane is scaled directly; the
// interleaved VU plane is split into two half-resolution planes, scaled and
// interleaved again.
package compositor

import (
	"fmt"
	"image"
	"sync/atomic"

	"golang.org/x/image/draw"

	"github.com/e7canasta/orion-care-sensor/modules/camera-core/internal/bufferpool"
	"github.com/e7canasta/orion-care-sensor/modules/camera-core/internal/hal"
)

// Stats is a snapshot of blit counters.
type Stats struct {
	Blits    uint64
	Rejected uint64
}

// Compositor implements hal.Compositor.
type Compositor struct {
	scaler draw.Scaler

	blits    uint64 // atomic
	rejected uint64 // atomic
}

// New returns a compositor using bilinear approximation, which is what the
// preview path can afford per frame.
func New() *Compositor {
	return &Compositor{scaler: draw.ApproxBiLinear}
}

// NewWithScaler returns a compositor using a specific x/image/draw scaler
// (draw.NearestNeighbor, draw.CatmullRom, ...).
func NewWithScaler(s draw.Scaler) *Compositor {
	return &Compositor{scaler: s}
}

// Blit implements hal.Compositor.
//
// Algorithm:
//  1. Validate format, rects and buffer sizes
//  2. Scale luma srcRect -> dstRect
//  3. Deinterleave the VU plane of both rects (half resolution)
//  4. Scale V and U independently, interleave into dst
func (c *Compositor) Blit(src, dst []byte, format hal.Format, width, height int, srcRect, dstRect hal.Rect) error {
	if format != hal.FormatNV21 {
		atomic.AddUint64(&c.rejected, 1)
		return fmt.Errorf("compositor: format %s not supported: %w", format, hal.ErrInvalidRequest)
	}
	lay, err := bufferpool.FrameLayout(format, width, height)
	if err != nil {
		atomic.AddUint64(&c.rejected, 1)
		return err
	}
	if len(src) < lay.Size || len(dst) < lay.Size {
		atomic.AddUint64(&c.rejected, 1)
		return fmt.Errorf("compositor: buffers %d/%d bytes, need %d: %w", len(src), len(dst), lay.Size, hal.ErrInvalidRequest)
	}
	frame := image.Rect(0, 0, width, height)
	sr, dr := toImageRect(srcRect), toImageRect(dstRect)
	if sr.Empty() || dr.Empty() || !sr.In(frame) || !dr.In(frame) {
		atomic.AddUint64(&c.rejected, 1)
		return fmt.Errorf("compositor: rect %v -> %v outside %dx%d: %w", srcRect, dstRect, width, height, hal.ErrInvalidRequest)
	}

	srcY := &image.Gray{Pix: src[:width*height], Stride: width, Rect: frame}
	dstY := &image.Gray{Pix: dst[:width*height], Stride: width, Rect: frame}
	c.scaler.Scale(dstY, dr, srcY, sr, draw.Src, nil)

	cw, ch := width/2, height/2
	srcV, srcU := deinterleave(src[lay.ChromaOffset:], cw, ch)
	dstV, dstU := deinterleave(dst[lay.ChromaOffset:], cw, ch)
	csr, cdr := halve(sr), halve(dr)
	if !csr.Empty() && !cdr.Empty() {
		c.scaler.Scale(dstV, cdr, srcV, csr, draw.Src, nil)
		c.scaler.Scale(dstU, cdr, srcU, csr, draw.Src, nil)
		interleave(dst[lay.ChromaOffset:], dstV, dstU, cdr)
	}

	atomic.AddUint64(&c.blits, 1)
	return nil
}

// Scale resizes a whole NV21 frame of sw x sh into a dst frame of dw x dh.
func (c *Compositor) Scale(src []byte, sw, sh int, dst []byte, dw, dh int) error {
	sl, err := bufferpool.FrameLayout(hal.FormatNV21, sw, sh)
	if err != nil {
		atomic.AddUint64(&c.rejected, 1)
		return err
	}
	dl, err := bufferpool.FrameLayout(hal.FormatNV21, dw, dh)
	if err != nil {
		atomic.AddUint64(&c.rejected, 1)
		return err
	}
	if len(src) < sl.Size || len(dst) < dl.Size {
		atomic.AddUint64(&c.rejected, 1)
		return fmt.Errorf("compositor: buffers %d/%d bytes, need %d/%d: %w", len(src), len(dst), sl.Size, dl.Size, hal.ErrInvalidRequest)
	}

	sr, dr := image.Rect(0, 0, sw, sh), image.Rect(0, 0, dw, dh)
	srcY := &image.Gray{Pix: src[:sw*sh], Stride: sw, Rect: sr}
	dstY := &image.Gray{Pix: dst[:dw*dh], Stride: dw, Rect: dr}
	c.scaler.Scale(dstY, dr, srcY, sr, draw.Src, nil)

	srcV, srcU := deinterleave(src[sl.ChromaOffset:], sw/2, sh/2)
	dstV, dstU := image.NewGray(halve(dr)), image.NewGray(halve(dr))
	c.scaler.Scale(dstV, halve(dr), srcV, halve(sr), draw.Src, nil)
	c.scaler.Scale(dstU, halve(dr), srcU, halve(sr), draw.Src, nil)
	interleave(dst[dl.ChromaOffset:], dstV, dstU, halve(dr))

	atomic.AddUint64(&c.blits, 1)
	return nil
}

// Stats returns a snapshot of the counters.
func (c *Compositor) Stats() Stats {
	return Stats{
		Blits:    atomic.LoadUint64(&c.blits),
		Rejected: atomic.LoadUint64(&c.rejected),
	}
}

func toImageRect(r hal.Rect) image.Rectangle {
	return image.Rect(r.X, r.Y, r.X+r.W, r.Y+r.H)
}

func halve(r image.Rectangle) image.Rectangle {
	return image.Rect(r.Min.X/2, r.Min.Y/2, r.Max.X/2, r.Max.Y/2)
}

// deinterleave splits a VU plane of cw x ch pairs into two planes.
func deinterleave(vu []byte, cw, ch int) (v, u *image.Gray) {
	rect := image.Rect(0, 0, cw, ch)
	v, u = image.NewGray(rect), image.NewGray(rect)
	for i := 0; i < cw*ch; i++ {
		v.Pix[i] = vu[2*i]
		u.Pix[i] = vu[2*i+1]
	}
	return v, u
}

// interleave writes the r region of v and u back into a VU plane.
func interleave(vu []byte, v, u *image.Gray, r image.Rectangle) {
	for y := r.Min.Y; y < r.Max.Y; y++ {
		for x := r.Min.X; x < r.Max.X; x++ {
			i := y*v.Stride + x
			vu[2*i] = v.Pix[i]
			vu[2*i+1] = u.Pix[i]
		}
	}
}
