package cameracore

import (
	"github.com/e7canasta/orion-care-sensor/modules/camera-core/internal/bufferpool"
	"github.com/e7canasta/orion-care-sensor/modules/camera-core/internal/dispatch"
	"github.com/e7canasta/orion-care-sensor/modules/camera-core/internal/hal"
	"github.com/e7canasta/orion-care-sensor/modules/camera-core/internal/recovery"
	"github.com/e7canasta/orion-care-sensor/modules/camera-core/internal/session"
)

// Public API - Re-export internal types as stable contract

// Driver is the sensor/ISP driver contract.
type Driver = hal.Driver

// EventSink receives asynchronous driver events.
type EventSink = hal.EventSink

// Encoder compresses still images.
type Encoder = hal.Encoder

// EncodeRequest describes one still image to compress.
type EncodeRequest = hal.EncodeRequest

// EncodeSink receives encoder output.
type EncodeSink = hal.EncodeSink

// Compositor performs crop/zoom blits for preview.
type Compositor = hal.Compositor

// Buffer identifies one pool slot to the driver.
type Buffer = hal.Buffer

// FrameDescriptor references a filled slot.
type FrameDescriptor = hal.FrameDescriptor

// SnapshotRequest carries the buffers a still capture writes into.
type SnapshotRequest = hal.SnapshotRequest

// SnapshotResult is the driver's still-capture completion.
type SnapshotResult = hal.SnapshotResult

// Role identifies which pipeline a buffer belongs to.
type Role = hal.Role

const (
	RolePreview   = hal.RolePreview
	RoleVideo     = hal.RoleVideo
	RoleRaw       = hal.RoleRaw
	RoleThumbnail = hal.RoleThumbnail
	RoleJPEG      = hal.RoleJPEG
)

// Format is the pixel layout of a frame buffer.
type Format = hal.Format

const (
	FormatNV21      = hal.FormatNV21
	FormatNV21Tiled = hal.FormatNV21Tiled
)

// ParseFormat maps a config string ("nv21", "nv21-tiled") to a Format.
func ParseFormat(s string) (Format, error) { return hal.ParseFormat(s) }

// Rect is a pixel rectangle.
type Rect = hal.Rect

// CropInfo reports the crop applied to a still capture.
type CropInfo = hal.CropInfo

// ErrorKind classifies asynchronous driver faults.
type ErrorKind = hal.ErrorKind

const (
	ErrorCaptureTimeout = hal.ErrorCaptureTimeout
	ErrorDriverFault    = hal.ErrorDriverFault
)

// Callbacks are the host application's notification hooks.
type Callbacks = hal.Callbacks

// Msg identifies a callback message.
type Msg = hal.Msg

const (
	MsgError              = hal.MsgError
	MsgShutter            = hal.MsgShutter
	MsgFocus              = hal.MsgFocus
	MsgPreviewFrame       = hal.MsgPreviewFrame
	MsgVideoFrame         = hal.MsgVideoFrame
	MsgPostview           = hal.MsgPostview
	MsgRawImage           = hal.MsgRawImage
	MsgCompressedFragment = hal.MsgCompressedFragment
	MsgCompressedImage    = hal.MsgCompressedImage
)

// Error codes carried in ext1 of MsgError.
const (
	ErrorCodeUnknown     = hal.ErrorCodeUnknown
	ErrorCodeServerDied  = hal.ErrorCodeServerDied
	ErrorCodeCaptureHang = hal.ErrorCodeCaptureHang
)

// Session configuration.
type (
	PreviewConfig = session.PreviewConfig
	RecordConfig  = session.RecordConfig
	PictureConfig = session.PictureConfig
	EncodeFunc    = session.EncodeFunc
)

// Session statistics.
type (
	PreviewStats    = session.PreviewStats
	RecordStats     = session.RecordStats
	PictureStats    = session.PictureStats
	FocusStats      = session.FocusStats
	LoanStats       = session.LoanStats
	EscalationStats = recovery.Stats
	ConsumerStats   = dispatch.ConsumerStats
)

// EscalationConfig controls automatic recovery from capture timeouts.
type EscalationConfig = recovery.Config

// FrameConsumer receives preview frames in process. data is only valid for
// the duration of the call.
type FrameConsumer = dispatch.Consumer

// Allocator creates the backing region of a buffer pool.
type Allocator = bufferpool.Allocator

// Allocators.
var (
	// HeapAllocator allocates process-local memory.
	HeapAllocator Allocator = bufferpool.NewHeapRegion
	// SharedAllocator allocates memory shareable with another process by
	// handle (memfd on Linux).
	SharedAllocator Allocator = bufferpool.NewSharedRegion
)

// Defaults.
const (
	DefaultPreviewBuffers = session.DefaultPreviewBuffers
	DefaultRecordBuffers  = session.DefaultRecordBuffers
	DefaultThumbWidth     = session.DefaultThumbWidth
	DefaultThumbHeight    = session.DefaultThumbHeight
)

// Public API errors - Re-export internal errors as stable contract
var (
	ErrAllocationFailed     = hal.ErrAllocationFailed
	ErrDriverRejected       = hal.ErrDriverRejected
	ErrInvalidRequest       = hal.ErrInvalidRequest
	ErrPreviousInstanceBusy = hal.ErrPreviousInstanceBusy
	ErrEncodeFailed         = hal.ErrEncodeFailed
	ErrCancelled            = hal.ErrCancelled
)
