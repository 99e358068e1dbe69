package session

import "github.com/e7canasta/orion-care-sensor/modules/camera-core/internal/hal"

// Router implements hal.EventSink by routing driver events to the sessions
// of one camera instance. Nil sessions and hooks are skipped.
type Router struct {
	Preview   *Preview
	Recording *Recording
	Snapshot  *Snapshot

	// Delivered runs after each preview frame that reached the consumers.
	Delivered func()
	Shutter   func(crop hal.CropInfo)
	Error     func(kind hal.ErrorKind)
}

func (r *Router) OnFrame(desc hal.FrameDescriptor) {
	if r.Preview == nil {
		return
	}
	if r.Preview.OnFrame(desc) && r.Delivered != nil {
		r.Delivered()
	}
}

func (r *Router) OnVideoFrame(desc hal.FrameDescriptor) {
	if r.Recording != nil {
		r.Recording.OnVideoFrame(desc)
	}
}

func (r *Router) OnCaptureStopped() {
	if r.Preview != nil {
		r.Preview.OnCaptureStopped()
	}
}

func (r *Router) OnSnapshotDone(res hal.SnapshotResult) {
	if r.Snapshot != nil {
		r.Snapshot.OnSnapshotDone(res)
	}
}

func (r *Router) OnShutter(crop hal.CropInfo) {
	if r.Shutter != nil {
		r.Shutter(crop)
	}
}

func (r *Router) OnError(kind hal.ErrorKind) {
	if r.Error != nil {
		r.Error(kind)
	}
}
