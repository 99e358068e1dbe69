package hal

import (
	"fmt"
	"time"
)

// Msg identifies a callback message.
type Msg int

const (
	MsgError Msg = iota
	MsgShutter
	MsgFocus
	MsgPreviewFrame
	MsgVideoFrame
	MsgPostview
	MsgRawImage
	MsgCompressedFragment
	MsgCompressedImage
)

func (m Msg) String() string {
	switch m {
	case MsgError:
		return "error"
	case MsgShutter:
		return "shutter"
	case MsgFocus:
		return "focus"
	case MsgPreviewFrame:
		return "preview_frame"
	case MsgVideoFrame:
		return "video_frame"
	case MsgPostview:
		return "postview"
	case MsgRawImage:
		return "raw_image"
	case MsgCompressedFragment:
		return "compressed_fragment"
	case MsgCompressedImage:
		return "compressed_image"
	default:
		return fmt.Sprintf("msg(%d)", int(m))
	}
}

// Error codes carried in ext1 of MsgError.
const (
	ErrorCodeUnknown     int32 = 1
	ErrorCodeServerDied  int32 = 100
	ErrorCodeCaptureHang int32 = 200
)

// Callbacks are the host application's notification hooks. Any field may be nil.
//
// Data is called with data == nil for a terminal null-data completion.
type Callbacks struct {
	Notify        func(msg Msg, ext1, ext2 int32)
	Data          func(msg Msg, data []byte, desc *FrameDescriptor)
	DataTimestamp func(ts time.Time, msg Msg, desc FrameDescriptor, data []byte)
}

// EmitNotify calls Notify if set.
func (c *Callbacks) EmitNotify(msg Msg, ext1, ext2 int32) {
	if c != nil && c.Notify != nil {
		c.Notify(msg, ext1, ext2)
	}
}

// EmitData calls Data if set.
func (c *Callbacks) EmitData(msg Msg, data []byte, desc *FrameDescriptor) {
	if c != nil && c.Data != nil {
		c.Data(msg, data, desc)
	}
}

// EmitDataTimestamp calls DataTimestamp if set.
func (c *Callbacks) EmitDataTimestamp(ts time.Time, msg Msg, desc FrameDescriptor, data []byte) {
	if c != nil && c.DataTimestamp != nil {
		c.DataTimestamp(ts, msg, desc, data)
	}
}
