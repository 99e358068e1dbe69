package compositor

import (
	"errors"
	"testing"

	"golang.org/x/image/draw"

	"github.com/e7canasta/orion-care-sensor/modules/camera-core/internal/hal"
)

func nv21(w, h int, y, v, u byte) []byte {
	buf := make([]byte, w*h*3/2)
	for i := 0; i < w*h; i++ {
		buf[i] = y
	}
	for i := w * h; i < len(buf); i += 2 {
		buf[i], buf[i+1] = v, u
	}
	return buf
}

func TestBlitZoomsCentreToFullFrame(t *testing.T) {
	const w, h = 16, 8
	src := nv21(w, h, 10, 20, 30)
	// Bright centre block.
	for y := 2; y < 6; y++ {
		for x := 4; x < 12; x++ {
			src[y*w+x] = 200
		}
	}
	dst := make([]byte, len(src))

	c := NewWithScaler(draw.NearestNeighbor)
	err := c.Blit(src, dst, hal.FormatNV21, w, h,
		hal.Rect{X: 4, Y: 2, W: 8, H: 4},
		hal.Rect{W: w, H: h})
	if err != nil {
		t.Fatalf("Blit() failed: %v", err)
	}

	for i := 0; i < w*h; i++ {
		if dst[i] != 200 {
			t.Fatalf("luma[%d] = %d, want 200", i, dst[i])
		}
	}
	for i := w * h; i < len(dst); i += 2 {
		if dst[i] != 20 || dst[i+1] != 30 {
			t.Fatalf("chroma at %d = %d/%d, want 20/30", i, dst[i], dst[i+1])
		}
	}
	if s := c.Stats(); s.Blits != 1 || s.Rejected != 0 {
		t.Errorf("unexpected stats: %+v", s)
	}
	t.Logf("✅ centre crop scaled to full frame, chroma order preserved")
}

func TestBlitIntoSubRectLeavesRestUntouched(t *testing.T) {
	const w, h = 8, 8
	src := nv21(w, h, 50, 60, 70)
	dst := nv21(w, h, 0, 0, 0)

	c := New()
	if err := c.Blit(src, dst, hal.FormatNV21, w, h, hal.Rect{W: w, H: h}, hal.Rect{W: 4, H: 4}); err != nil {
		t.Fatalf("Blit() failed: %v", err)
	}
	if dst[0] == 0 {
		t.Error("destination rect not written")
	}
	if dst[7*w+7] != 0 {
		t.Errorf("pixel outside destination rect written: %d", dst[7*w+7])
	}
}

func TestBlitRejects(t *testing.T) {
	const w, h = 8, 8
	full := hal.Rect{W: w, H: h}
	good := make([]byte, w*h*3/2)

	tests := []struct {
		name     string
		format   hal.Format
		src, dst []byte
		sr, dr   hal.Rect
	}{
		{"tiled format", hal.FormatNV21Tiled, good, good, full, full},
		{"short buffer", hal.FormatNV21, good[:10], good, full, full},
		{"empty source rect", hal.FormatNV21, good, good, hal.Rect{}, full},
		{"rect outside frame", hal.FormatNV21, good, good, hal.Rect{X: 4, W: 8, H: 8}, full},
	}

	c := New()
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := c.Blit(tt.src, tt.dst, tt.format, w, h, tt.sr, tt.dr)
			if !errors.Is(err, hal.ErrInvalidRequest) {
				t.Errorf("Blit() err = %v, want ErrInvalidRequest", err)
			}
		})
	}
	if s := c.Stats(); s.Rejected != uint64(len(tests)) {
		t.Errorf("rejected = %d, want %d", s.Rejected, len(tests))
	}
}

func TestScaleDownsamplesWholeFrame(t *testing.T) {
	src := nv21(32, 16, 90, 100, 110)
	dst := make([]byte, 8*4*3/2)

	c := NewWithScaler(draw.NearestNeighbor)
	if err := c.Scale(src, 32, 16, dst, 8, 4); err != nil {
		t.Fatalf("Scale() failed: %v", err)
	}
	for i := 0; i < 32; i++ {
		if dst[i] != 90 {
			t.Fatalf("luma[%d] = %d, want 90", i, dst[i])
		}
	}
	for i := 32; i < len(dst); i += 2 {
		if dst[i] != 100 || dst[i+1] != 110 {
			t.Fatalf("chroma at %d = %d/%d", i, dst[i], dst[i+1])
		}
	}

	if err := c.Scale(src, 32, 16, dst[:4], 8, 4); !errors.Is(err, hal.ErrInvalidRequest) {
		t.Errorf("Scale() into short buffer err = %v", err)
	}
}
