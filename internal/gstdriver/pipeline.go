package gstdriver

import (
	"fmt"
	"log/slog"

	"github.com/tinyzimmer/go-gst/gst"
	"github.com/tinyzimmer/go-gst/gst/app"
)

// Size is a stream resolution.
type Size struct {
	Width, Height int
}

func (s Size) valid() bool { return s.Width > 0 && s.Height > 0 }

// captureElements holds references to the elements of a capture pipeline.
type captureElements struct {
	Pipeline *gst.Pipeline
	Source   *gst.Element
	Preview  *app.Sink
	Video    *app.Sink // nil without a video branch
}

// createSource creates the sensor source: v4l2src on device, or a live
// videotestsrc when device is empty.
func createSource(device string) (*gst.Element, error) {
	if device == "" {
		src, err := gst.NewElement("videotestsrc")
		if err != nil {
			return nil, fmt.Errorf("failed to create videotestsrc: %w", err)
		}
		src.SetProperty("is-live", true)
		return src, nil
	}

	src, err := gst.NewElement("v4l2src")
	if err != nil {
		return nil, fmt.Errorf("failed to create v4l2src: %w", err)
	}
	src.SetProperty("device", device)
	return src, nil
}

// createBranch creates videoscale → capsfilter(NV21) → appsink.
func createBranch(size Size, fps int) (scale, caps *gst.Element, sink *app.Sink, err error) {
	scale, err = gst.NewElement("videoscale")
	if err != nil {
		return nil, nil, nil, fmt.Errorf("failed to create videoscale: %w", err)
	}

	caps, err = gst.NewElement("capsfilter")
	if err != nil {
		return nil, nil, nil, fmt.Errorf("failed to create capsfilter: %w", err)
	}
	caps.SetProperty("caps", gst.NewCapsFromString(buildCaps(size, fps)))

	sink, err = app.NewAppSink()
	if err != nil {
		return nil, nil, nil, fmt.Errorf("failed to create appsink: %w", err)
	}
	sink.SetProperty("sync", false)
	sink.SetProperty("max-buffers", 1)
	sink.SetProperty("drop", true)
	return scale, caps, sink, nil
}

// createCapturePipeline builds the preview pipeline, with a second branch for
// video when video is valid.
//
// Pipeline structure:
//
//	source → videoconvert → videorate → tee ─┬→ queue → videoscale → capsfilter → appsink (preview)
//	                                         └→ queue → videoscale → capsfilter → appsink (video)
//
// The pipeline is configured but NOT started.
func createCapturePipeline(device string, preview, video Size, fps int) (*captureElements, error) {
	gst.Init(nil)

	pipeline, err := gst.NewPipeline("")
	if err != nil {
		return nil, fmt.Errorf("failed to create pipeline: %w", err)
	}

	src, err := createSource(device)
	if err != nil {
		return nil, err
	}
	convert, err := gst.NewElement("videoconvert")
	if err != nil {
		return nil, fmt.Errorf("failed to create videoconvert: %w", err)
	}
	rate, err := gst.NewElement("videorate")
	if err != nil {
		return nil, fmt.Errorf("failed to create videorate: %w", err)
	}
	rate.SetProperty("drop-only", true)
	tee, err := gst.NewElement("tee")
	if err != nil {
		return nil, fmt.Errorf("failed to create tee: %w", err)
	}

	if err := pipeline.AddMany(src, convert, rate, tee); err != nil {
		return nil, fmt.Errorf("failed to add source elements: %w", err)
	}
	if err := gst.ElementLinkMany(src, convert, rate, tee); err != nil {
		return nil, fmt.Errorf("failed to link source elements: %w", err)
	}

	elems := &captureElements{Pipeline: pipeline, Source: src}

	addBranch := func(size Size) (*app.Sink, error) {
		queue, err := gst.NewElement("queue")
		if err != nil {
			return nil, fmt.Errorf("failed to create queue: %w", err)
		}
		queue.SetProperty("leaky", 2) // downstream
		queue.SetProperty("max-size-buffers", uint(2))

		scale, caps, sink, err := createBranch(size, fps)
		if err != nil {
			return nil, err
		}
		if err := pipeline.AddMany(queue, scale, caps, sink.Element); err != nil {
			return nil, fmt.Errorf("failed to add branch: %w", err)
		}
		if err := gst.ElementLinkMany(tee, queue, scale, caps, sink.Element); err != nil {
			return nil, fmt.Errorf("failed to link branch: %w", err)
		}
		return sink, nil
	}

	if elems.Preview, err = addBranch(preview); err != nil {
		return nil, err
	}
	if video.valid() {
		if elems.Video, err = addBranch(video); err != nil {
			return nil, err
		}
	}

	slog.Debug("gstdriver: capture pipeline created",
		"device", device,
		"preview", fmt.Sprintf("%dx%d", preview.Width, preview.Height),
		"video", fmt.Sprintf("%dx%d", video.Width, video.Height),
		"fps", fps,
	)
	return elems, nil
}

// snapshotElements holds references to a one-shot still pipeline.
type snapshotElements struct {
	Pipeline *gst.Pipeline
	Sink     *app.Sink
}

// createSnapshotPipeline builds source → videoconvert → branch producing
// frames+1 buffers at size; the last one is the picture.
func createSnapshotPipeline(device string, size Size, frames int) (*snapshotElements, error) {
	gst.Init(nil)

	pipeline, err := gst.NewPipeline("")
	if err != nil {
		return nil, fmt.Errorf("failed to create pipeline: %w", err)
	}
	src, err := createSource(device)
	if err != nil {
		return nil, err
	}
	src.SetProperty("num-buffers", frames)

	convert, err := gst.NewElement("videoconvert")
	if err != nil {
		return nil, fmt.Errorf("failed to create videoconvert: %w", err)
	}
	scale, caps, sink, err := createBranch(size, 0)
	if err != nil {
		return nil, err
	}
	sink.SetProperty("drop", false)
	sink.SetProperty("max-buffers", 0)

	if err := pipeline.AddMany(src, convert, scale, caps, sink.Element); err != nil {
		return nil, fmt.Errorf("failed to add snapshot elements: %w", err)
	}
	if err := gst.ElementLinkMany(src, convert, scale, caps, sink.Element); err != nil {
		return nil, fmt.Errorf("failed to link snapshot elements: %w", err)
	}
	return &snapshotElements{Pipeline: pipeline, Sink: sink}, nil
}

// destroy sets a pipeline to NULL, releasing the device.
func destroy(p *gst.Pipeline) error {
	if p == nil {
		return nil
	}
	if err := p.SetState(gst.StateNull); err != nil {
		return fmt.Errorf("failed to set pipeline to NULL: %w", err)
	}
	return nil
}

// buildCaps builds the NV21 caps string; fps <= 0 leaves framerate open.
func buildCaps(size Size, fps int) string {
	caps := fmt.Sprintf("video/x-raw,format=NV21,width=%d,height=%d", size.Width, size.Height)
	if fps > 0 {
		caps += fmt.Sprintf(",framerate=%d/1", fps)
	}
	return caps
}
