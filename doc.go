// Package cameracore is the buffer-lifecycle and concurrency core of a camera
// capture service.
//
// It sits between a sensor driver (anything implementing Driver) and a host
// application, and owns every frame buffer the driver writes into: preview
// frames, recorded video frames and still captures.
//
// # Quick Start
//
//	mgr := cameracore.NewManager(cameracore.ManagerConfig{})
//
//	cam, err := mgr.Acquire(ctx, cameracore.Options{
//	    Driver:  drv,
//	    Encoder: jpegenc.New(jpegenc.Config{Quality: 90}),
//	    Callbacks: &cameracore.Callbacks{
//	        Notify: func(msg cameracore.Msg, ext1, ext2 int32) { ... },
//	        Data:   func(msg cameracore.Msg, data []byte, desc *cameracore.FrameDescriptor) { ... },
//	    },
//	})
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer mgr.Release(context.Background())
//
//	cam.StartPreview(ctx, cameracore.PreviewConfig{Width: 640, Height: 480})
//	cam.TakePicture(ctx, cameracore.PictureConfig{Width: 2592, Height: 1944})
//
// # Buffer Ownership
//
// Every slot is in exactly one of three hands:
//
//   - Free: held by the pool (reserved crop slots, not-yet-granted video slots)
//   - Producer: writable by the driver
//   - Consumer: delivered, read-only for the driver until released
//
// Preview frames are returned to the driver as soon as every consumer
// returned. Recorded frames stay with the encoder until ReleaseRecordingFrame.
//
// # Drivers
//
// Two drivers ship with the module: internal/gstdriver (a GStreamer pipeline
// over v4l2src, or videotestsrc without a device) and internal/v4l2driver
// (the device's own mmap streaming through github.com/blackjack/webcam). The
// camerad daemon picks one with driver.source and backs their pools with
// SharedAllocator.
//
// # Threading
//
// Frame consumers run on the driver's delivery goroutine. Session start and
// stop methods, TakePicture and SetParameter share one per-camera lock and may
// wait for a pipeline to drain, so they must not be called from inside one.
// Host callbacks are invoked without any core lock held.
//
// # Errors
//
// Synchronous failures wrap one of ErrAllocationFailed, ErrDriverRejected,
// ErrInvalidRequest, ErrPreviousInstanceBusy or ErrEncodeFailed; match them
// with errors.Is. Asynchronous failures arrive as MsgError notifications or,
// for pictures, as a MsgCompressedImage with nil data.
package cameracore
