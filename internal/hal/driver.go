package hal

import "context"

// Driver is the capability set of the sensor/ISP driver.
//
// Command methods are synchronous and return ErrDriverRejected (wrapped) when
// the driver refuses. Frame delivery is asynchronous through the EventSink.
//
// Contract:
//   - StartCapture starts the driver's own delivery goroutine. After a
//     successful StartCapture the driver calls OnCaptureStopped exactly once,
//     when that goroutine exits.
//   - StopCapture only signals termination. It MUST NOT wait for the delivery
//     goroutine, because it may be called from inside an OnFrame callback.
//   - StartSnapshot returns immediately; the result arrives via OnSnapshotDone.
//   - A slot handed out by OnFrame/OnVideoFrame is not written again until it
//     comes back through ReleaseFrame.
type Driver interface {
	SetEventSink(sink EventSink)

	RegisterBuffer(b Buffer, writable bool) error
	UnregisterBuffer(b Buffer) error
	ReleaseFrame(desc FrameDescriptor) error

	StartCapture() error
	StopCapture() error

	StartRecording() error
	StopRecording() error

	StartSnapshot(req SnapshotRequest) error
	CancelSnapshot() error

	AutoFocus(ctx context.Context) error
	CancelAutoFocus() error

	SetControlParameter(id, value string) error

	// Reset reinitialises the sensor after a persistent capture failure.
	Reset() error

	Close() error
}

// EventSink receives asynchronous driver events.
type EventSink interface {
	OnFrame(desc FrameDescriptor)
	OnVideoFrame(desc FrameDescriptor)
	OnCaptureStopped()
	OnSnapshotDone(res SnapshotResult)
	OnShutter(crop CropInfo)
	OnError(kind ErrorKind)
}

// EncodeRequest describes one still image to compress.
type EncodeRequest struct {
	Raw           []byte
	Width, Height int
	Thumbnail     []byte // may be nil
	ThumbWidth    int
	ThumbHeight   int
	Crop          CropInfo
	Tags          map[string]string
	Output        []byte // scratch buffer for the compressed result, may be too small
	TraceID       string
}

// EncodeSink receives the encoder's asynchronous output. OnFragment may be
// called zero or more times; OnComplete is called exactly once.
type EncodeSink interface {
	OnFragment(p []byte)
	OnComplete(img []byte, err error)
}

// Encoder is the JPEG encode collaborator.
type Encoder interface {
	Encode(req EncodeRequest, sink EncodeSink) error
}

// Compositor is the crop/zoom blit collaborator. Both buffers hold frames of
// the given format and dimensions.
type Compositor interface {
	Blit(src, dst []byte, format Format, width, height int, srcRect, dstRect Rect) error
}
