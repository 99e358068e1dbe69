// Package hal defines the contracts between the capture core and its external
// collaborators: the sensor driver, the JPEG encoder and the crop compositor.
//
// This package is INTERNAL - clients MUST use the public API in the parent package.
package hal

import (
	"fmt"
	"time"
)

// Role identifies which pipeline a buffer belongs to.
type Role int

const (
	RolePreview Role = iota
	RoleVideo
	RoleRaw
	RoleThumbnail
	RoleJPEG
)

func (r Role) String() string {
	switch r {
	case RolePreview:
		return "preview"
	case RoleVideo:
		return "video"
	case RoleRaw:
		return "raw"
	case RoleThumbnail:
		return "thumbnail"
	case RoleJPEG:
		return "jpeg"
	default:
		return fmt.Sprintf("role(%d)", int(r))
	}
}

// Format is the pixel layout of a frame buffer.
type Format int

const (
	// FormatNV21 is semi-planar YCrCb 4:2:0 with the chroma plane word-aligned.
	FormatNV21 Format = iota
	// FormatNV21Tiled is the GPU-tiled variant: both planes 32-pixel aligned,
	// luma plane padded to 4K.
	FormatNV21Tiled
)

func (f Format) String() string {
	switch f {
	case FormatNV21:
		return "nv21"
	case FormatNV21Tiled:
		return "nv21-tiled"
	default:
		return fmt.Sprintf("format(%d)", int(f))
	}
}

// ParseFormat maps a config string to a Format.
func ParseFormat(s string) (Format, error) {
	switch s {
	case "", "nv21", "yuv420sp":
		return FormatNV21, nil
	case "nv21-tiled", "nv21-adreno", "yuv420sp-adreno":
		return FormatNV21Tiled, nil
	}
	return 0, fmt.Errorf("hal: unknown pixel format %q: %w", s, ErrInvalidRequest)
}

// Rect is a pixel rectangle. The zero value is an empty rect.
type Rect struct {
	X, Y, W, H int
}

// Empty reports whether the rect selects no pixels.
func (r Rect) Empty() bool { return r.W <= 0 || r.H <= 0 }

// CropInfo reports the crop the ISP applied to a still capture: the full
// buffer dimensions and the requested crop inside them.
type CropInfo struct {
	InWidth, InHeight   int
	OutWidth, OutHeight int
}

// NeedsCrop reports whether the buffer must be trimmed down to the output size.
func (c CropInfo) NeedsCrop() bool {
	return c.OutWidth > 0 && c.OutHeight > 0 &&
		(c.OutWidth < c.InWidth || c.OutHeight < c.InHeight)
}

// ZoomCrop is the centred crop a digital zoom factor asks of a w x h still.
// Output dimensions are rounded down to even values.
func ZoomCrop(w, h int, zoom float64) CropInfo {
	crop := CropInfo{InWidth: w, InHeight: h, OutWidth: w, OutHeight: h}
	if zoom > 1 {
		crop.OutWidth = int(float64(w)/zoom) &^ 1
		crop.OutHeight = int(float64(h)/zoom) &^ 1
	}
	return crop
}

// Buffer identifies one pool slot to the driver. Index is carried from
// allocation time so callbacks never need pointer arithmetic to find a slot.
type Buffer struct {
	Role   Role
	Index  int
	Handle uintptr // handle of the backing region, shareable across processes
	Offset int     // byte offset of the slot inside the backing region
	Size   int
	Data   []byte // slot memory, len == Size
}

// FrameDescriptor references a filled slot.
type FrameDescriptor struct {
	Role      Role
	Index     int
	Handle    uintptr
	Offset    int
	Timestamp time.Time
	Crop      Rect // zero value = no crop requested
	TraceID   string
}

// DescriptorFor builds the descriptor that references b.
func DescriptorFor(b Buffer, ts time.Time) FrameDescriptor {
	return FrameDescriptor{
		Role:      b.Role,
		Index:     b.Index,
		Handle:    b.Handle,
		Offset:    b.Offset,
		Timestamp: ts,
	}
}

// SnapshotRequest carries the buffers a still capture writes into.
type SnapshotRequest struct {
	Width, Height int
	Raw           Buffer
	Thumbnail     Buffer
	ThumbWidth    int
	ThumbHeight   int
	// Postview means Thumbnail already holds the last preview frame and
	// must not be written.
	Postview bool
	TraceID  string
}

// SnapshotResult is reported by the driver once raw data is ready (or the
// capture failed).
type SnapshotResult struct {
	Crop CropInfo
	Err  error
}

// ErrorKind classifies asynchronous driver faults.
type ErrorKind int

const (
	// ErrorCaptureTimeout means the sensor stopped producing frames.
	ErrorCaptureTimeout ErrorKind = iota
	// ErrorDriverFault is any other unrecoverable pipeline error.
	ErrorDriverFault
)

func (k ErrorKind) String() string {
	switch k {
	case ErrorCaptureTimeout:
		return "capture-timeout"
	case ErrorDriverFault:
		return "driver-fault"
	default:
		return fmt.Sprintf("error(%d)", int(k))
	}
}
