package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/e7canasta/orion-care-sensor/modules/camera-core/internal/bufferpool"
	"github.com/e7canasta/orion-care-sensor/modules/camera-core/internal/hal"
)

// Thumbnail and encode defaults.
const (
	DefaultThumbWidth    = 512
	DefaultThumbHeight   = 288
	DefaultEncodeTimeout = 10 * time.Second
)

// PictureState is the still-capture state.
type PictureState int

const (
	PictureIdle PictureState = iota
	PicturePreparePending
	PictureCapturing
	PictureEncoding
)

func (s PictureState) String() string {
	switch s {
	case PictureIdle:
		return "idle"
	case PicturePreparePending:
		return "prepare-pending"
	case PictureCapturing:
		return "capturing"
	case PictureEncoding:
		return "encoding"
	default:
		return "unknown"
	}
}

// PictureConfig describes one still capture.
type PictureConfig struct {
	Width, Height int
	Format        hal.Format

	// Thumbnail dimensions (default 512x288). A negative width disables the
	// thumbnail.
	ThumbWidth, ThumbHeight int

	Tags map[string]string

	// PostviewFromPreview substitutes the last preview frame for the
	// thumbnail and reports it as a postview.
	PostviewFromPreview bool

	// EncodeTimeout bounds the encoder (default: DefaultEncodeTimeout). For a
	// liveshot it also bounds the wait for the next recorded frame.
	EncodeTimeout time.Duration

	TraceID string
}

// PictureStats is a snapshot of still-capture counters.
type PictureStats struct {
	State     string
	PoolSets  uint64
	Pictures  uint64
	Liveshots uint64
	Failures  uint64
	Cancels   uint64
	Crops     uint64
	Fragments uint64
}

type pictureJob struct {
	cfg      PictureConfig
	liveshot bool

	layout   bufferpool.Layout
	raw      *bufferpool.Pool
	thumb    *bufferpool.Pool
	jpeg     *bufferpool.Pool
	thumbW   int
	thumbH   int
	postview bool

	result     chan hal.SnapshotResult
	cancel     chan struct{}
	cancelOnce sync.Once

	dataProduced bool // guarded by Snapshot.mu
}

func (j *pictureJob) requestCancel() {
	j.cancelOnce.Do(func() { close(j.cancel) })
}

func (j *pictureJob) release() {
	for _, p := range []*bufferpool.Pool{j.jpeg, j.thumb, j.raw} {
		if p == nil {
			continue
		}
		if err := p.Destroy(); err != nil {
			slog.Warn("session: picture pool release failed", "role", p.Role().String(), "error", err)
		}
	}
}

// Snapshot is the still-capture session. Each picture runs on a one-shot
// worker goroutine that owns the raw, thumbnail and jpeg pools.
type Snapshot struct {
	drv       hal.Driver
	alloc     bufferpool.Allocator
	enc       hal.Encoder
	preview   *Preview
	recording *Recording
	host      Host

	mu    sync.Mutex
	state PictureState
	job   *pictureJob
	done  *doneSignal

	poolSets  uint64
	pictures  uint64
	liveshots uint64
	failures  uint64
	cancels   uint64
	crops     uint64
	fragments uint64
}

// NewSnapshot creates an idle still-capture session. recording may be nil
// when liveshots are not needed.
func NewSnapshot(drv hal.Driver, alloc bufferpool.Allocator, enc hal.Encoder, preview *Preview, recording *Recording, host Host) *Snapshot {
	return &Snapshot{
		drv:       drv,
		alloc:     alloc,
		enc:       enc,
		preview:   preview,
		recording: recording,
		host:      host,
		done:      newDoneSignal(),
	}
}

// TakePicture starts a still capture. It returns once the driver accepted
// the request; the image arrives through the host as fragments followed by
// one MsgCompressedImage (nil data on failure).
//
// Algorithm:
//  1. Require a running preview and an idle session, else ErrInvalidRequest
//  2. Copy the postview frame if requested, then stop preview and wait
//  3. Allocate the raw, thumbnail and jpeg pools
//  4. Launch the worker; it issues StartSnapshot and acks the result
func (s *Snapshot) TakePicture(ctx context.Context, cfg PictureConfig) error {
	if s.enc == nil {
		return fmt.Errorf("session: no encoder configured: %w", hal.ErrInvalidRequest)
	}

	s.mu.Lock()
	if s.state != PictureIdle {
		state := s.state
		s.mu.Unlock()
		return fmt.Errorf("session: picture already %s: %w", state, hal.ErrInvalidRequest)
	}
	if s.preview == nil || !s.preview.Running() {
		s.mu.Unlock()
		return fmt.Errorf("session: picture needs a running preview: %w", hal.ErrInvalidRequest)
	}
	s.state = PicturePreparePending
	s.mu.Unlock()

	job, err := s.prepare(ctx, cfg)
	if err != nil {
		s.setState(PictureIdle)
		return err
	}
	return s.launch(job, func() error {
		return s.drv.StartSnapshot(s.request(job))
	})
}

// TakeLiveshot encodes the next recorded frame without interrupting
// recording or preview.
func (s *Snapshot) TakeLiveshot(ctx context.Context, cfg PictureConfig) error {
	if s.enc == nil {
		return fmt.Errorf("session: no encoder configured: %w", hal.ErrInvalidRequest)
	}
	if s.recording == nil || !s.recording.Running() {
		return fmt.Errorf("session: liveshot needs a running recording: %w", hal.ErrInvalidRequest)
	}

	s.mu.Lock()
	if s.state != PictureIdle {
		state := s.state
		s.mu.Unlock()
		return fmt.Errorf("session: picture already %s: %w", state, hal.ErrInvalidRequest)
	}
	s.state = PicturePreparePending
	s.mu.Unlock()

	rcfg := s.recording.Config()
	if err := encodable(rcfg.Format); err != nil {
		s.setState(PictureIdle)
		return err
	}
	cfg.Width, cfg.Height, cfg.Format = rcfg.Width, rcfg.Height, rcfg.Format
	cfg.ThumbWidth = -1
	cfg.PostviewFromPreview = false

	job, err := s.allocate(cfg, nil, 0, 0, nil)
	if err != nil {
		s.setState(PictureIdle)
		return err
	}
	job.liveshot = true

	return s.launch(job, func() error {
		return s.recording.TapNext(func(desc hal.FrameDescriptor, data []byte) {
			s.mu.Lock()
			defer s.mu.Unlock()
			select {
			case <-job.cancel:
				return
			default:
			}
			if s.job != job {
				return
			}
			copy(job.raw.Bytes(0), data)
			job.dataProduced = true
			job.result <- hal.SnapshotResult{}
		})
	})
}

func withPictureDefaults(cfg PictureConfig) PictureConfig {
	if cfg.ThumbWidth == 0 && cfg.ThumbHeight == 0 {
		cfg.ThumbWidth, cfg.ThumbHeight = DefaultThumbWidth, DefaultThumbHeight
	}
	if cfg.EncodeTimeout <= 0 {
		cfg.EncodeTimeout = DefaultEncodeTimeout
	}
	if cfg.TraceID == "" {
		cfg.TraceID = uuid.New().String()
	}
	return cfg
}

func (s *Snapshot) prepare(ctx context.Context, cfg PictureConfig) (*pictureJob, error) {
	cfg = withPictureDefaults(cfg)
	if err := encodable(cfg.Format); err != nil {
		return nil, err
	}
	if _, err := bufferpool.FrameLayout(cfg.Format, cfg.Width, cfg.Height); err != nil {
		return nil, err
	}

	var postview []byte
	var pw, ph int
	pformat := s.preview.Config().Format
	if cfg.PostviewFromPreview {
		postview, pw, ph = s.preview.LastFrame()
	}

	if err := s.preview.Stop(); err != nil {
		return nil, err
	}
	if err := s.preview.WaitStopped(ctx); err != nil {
		return nil, fmt.Errorf("session: waiting for preview to stop: %w", err)
	}

	if postview != nil {
		return s.allocate(cfg, s.drv, pw, ph, &thumbSource{data: postview, format: pformat})
	}
	return s.allocate(cfg, s.drv, 0, 0, nil)
}

// encodable rejects layouts the crop and encode stages cannot read. Both
// assume packed NV21 with chroma right after the luma plane.
func encodable(f hal.Format) error {
	if f != hal.FormatNV21 {
		return fmt.Errorf("session: still capture needs packed nv21, got %s: %w", f, hal.ErrInvalidRequest)
	}
	return nil
}

type thumbSource struct {
	data   []byte
	format hal.Format
}

// allocate creates the picture pools. reg is nil for liveshots, whose
// buffers the driver never sees.
func (s *Snapshot) allocate(cfg PictureConfig, reg bufferpool.Registrar, pw, ph int, postview *thumbSource) (*pictureJob, error) {
	cfg = withPictureDefaults(cfg)
	layout, err := bufferpool.FrameLayout(cfg.Format, cfg.Width, cfg.Height)
	if err != nil {
		return nil, err
	}

	job := &pictureJob{
		cfg:    cfg,
		layout: layout,
		result: make(chan hal.SnapshotResult, 1),
		cancel: make(chan struct{}),
	}

	job.raw, err = bufferpool.New(bufferpool.Config{
		Role:         hal.RoleRaw,
		FrameSize:    layout.Size,
		Count:        1,
		LumaOffset:   layout.LumaOffset,
		ChromaOffset: layout.ChromaOffset,
	}, reg, s.alloc)
	if err != nil {
		return nil, err
	}

	thumbW, thumbH, thumbFormat := cfg.ThumbWidth, cfg.ThumbHeight, cfg.Format
	if postview != nil {
		thumbW, thumbH, thumbFormat = pw, ph, postview.format
	}
	if thumbW > 0 && thumbH > 0 {
		tl, err := bufferpool.FrameLayout(thumbFormat, thumbW, thumbH)
		if err != nil {
			job.release()
			return nil, err
		}
		job.thumb, err = bufferpool.New(bufferpool.Config{
			Role:         hal.RoleThumbnail,
			FrameSize:    tl.Size,
			Count:        1,
			LumaOffset:   tl.LumaOffset,
			ChromaOffset: tl.ChromaOffset,
		}, reg, s.alloc)
		if err != nil {
			job.release()
			return nil, err
		}
		job.thumbW, job.thumbH = thumbW, thumbH
	}

	job.jpeg, err = bufferpool.New(bufferpool.Config{
		Role:      hal.RoleJPEG,
		FrameSize: layout.Size,
		Count:     1,
	}, reg, s.alloc)
	if err != nil {
		job.release()
		return nil, err
	}

	atomic.AddUint64(&s.poolSets, 1)

	if postview != nil {
		job.postview = true
		copy(job.thumb.Bytes(0), postview.data)
		s.host.Data(hal.MsgPostview, postview.data, nil)
	}
	return job, nil
}

func (s *Snapshot) request(job *pictureJob) hal.SnapshotRequest {
	raw, _ := job.raw.Buffer(0)
	req := hal.SnapshotRequest{
		Width:   job.cfg.Width,
		Height:  job.cfg.Height,
		Raw:     raw,
		TraceID: job.cfg.TraceID,
	}
	if job.thumb != nil {
		req.Thumbnail, _ = job.thumb.Buffer(0)
		req.ThumbWidth, req.ThumbHeight = job.thumbW, job.thumbH
		req.Postview = job.postview
	}
	return req
}

// launch starts the worker and waits for its start acknowledgement. On a
// rejected start the pools are already released when launch returns.
func (s *Snapshot) launch(job *pictureJob, start func() error) error {
	s.mu.Lock()
	s.job = job
	s.mu.Unlock()

	s.done.begin()
	started := make(chan error, 1)
	go s.run(job, start, started)

	if err := <-started; err != nil {
		atomic.AddUint64(&s.failures, 1)
		slog.Error("session: picture start rejected", "trace_id", job.cfg.TraceID, "error", err)
		return fmt.Errorf("session: start picture: %w", wrapDriver(err))
	}

	slog.Info("session: picture started",
		"trace_id", job.cfg.TraceID,
		"width", job.cfg.Width,
		"height", job.cfg.Height,
		"liveshot", job.liveshot,
	)
	return nil
}

// run is the one-shot picture worker.
//
// Algorithm:
//  1. Start the capture (driver snapshot or recording tap), ack the caller
//  2. Wait for raw data, cancel, or (liveshot) a frame timeout
//  3. Crop in place if the driver reports one, then encode with a timeout
//  4. Deliver the image, or nil data on any failure
//  5. Release the pools and signal done
func (s *Snapshot) run(job *pictureJob, start func() error, started chan<- error) {
	s.setState(PictureCapturing)
	if err := start(); err != nil {
		s.finish(job, true)
		started <- err
		return
	}
	started <- nil

	var frameTimeout <-chan time.Time
	if job.liveshot {
		timer := time.NewTimer(job.cfg.EncodeTimeout)
		defer timer.Stop()
		frameTimeout = timer.C
	}

	var res hal.SnapshotResult
	select {
	case res = <-job.result:
	case <-job.cancel:
		atomic.AddUint64(&s.cancels, 1)
		slog.Info("session: picture cancelled", "trace_id", job.cfg.TraceID)
		s.finish(job, true)
		return
	case <-frameTimeout:
		s.mu.Lock()
		produced := job.dataProduced
		if !produced {
			job.requestCancel()
		}
		s.mu.Unlock()
		if produced {
			res = <-job.result
		} else {
			s.recording.CancelTap()
			res.Err = fmt.Errorf("session: no recorded frame within %s", job.cfg.EncodeTimeout)
		}
	}

	if res.Err != nil {
		if errors.Is(res.Err, hal.ErrCancelled) {
			atomic.AddUint64(&s.cancels, 1)
			slog.Info("session: picture cancelled by driver", "trace_id", job.cfg.TraceID)
		} else {
			slog.Error("session: picture capture failed", "trace_id", job.cfg.TraceID, "error", res.Err)
			s.deliverNull()
		}
		s.finish(job, true)
		return
	}

	s.setState(PictureEncoding)
	s.host.Notify(hal.MsgRawImage, 0, 0)

	img, release, err := s.encode(job, res.Crop)
	if err != nil {
		slog.Error("session: picture encode failed", "trace_id", job.cfg.TraceID, "error", err)
		s.deliverNull()
		s.finish(job, release)
		return
	}

	s.host.Data(hal.MsgCompressedImage, img, nil)
	if job.liveshot {
		atomic.AddUint64(&s.liveshots, 1)
	} else {
		atomic.AddUint64(&s.pictures, 1)
	}
	slog.Info("session: picture delivered", "trace_id", job.cfg.TraceID, "bytes", len(img))
	s.finish(job, true)
}

// encode crops and compresses the raw frame. release is false when the
// encoder timed out and still holds the buffers; the pools are then freed
// once it completes.
func (s *Snapshot) encode(job *pictureJob, crop hal.CropInfo) (img []byte, release bool, err error) {
	raw := job.raw.Bytes(0)
	w, h := job.cfg.Width, job.cfg.Height

	if crop.NeedsCrop() {
		lay, lerr := bufferpool.FrameLayout(job.cfg.Format, crop.InWidth, crop.InHeight)
		if lerr == nil {
			lerr = CropYUV420(raw, crop.InWidth, crop.InHeight, crop.OutWidth, crop.OutHeight, lay.ChromaOffset)
		}
		if lerr != nil {
			slog.Warn("session: crop skipped", "trace_id", job.cfg.TraceID, "error", lerr)
		} else {
			w, h = crop.OutWidth, crop.OutHeight
			atomic.AddUint64(&s.crops, 1)
		}
	}

	req := hal.EncodeRequest{
		Raw:     raw,
		Width:   w,
		Height:  h,
		Crop:    crop,
		Tags:    job.cfg.Tags,
		Output:  job.jpeg.Bytes(0),
		TraceID: job.cfg.TraceID,
	}
	if job.thumb != nil {
		req.Thumbnail = job.thumb.Bytes(0)
		req.ThumbWidth, req.ThumbHeight = job.thumbW, job.thumbH
	}

	sink := newEncodeSink(s.host, &s.fragments)
	if err := s.enc.Encode(req, sink); err != nil {
		sink.abandon(nil)
		return nil, true, fmt.Errorf("session: encode: %v: %w", err, hal.ErrEncodeFailed)
	}

	timer := time.NewTimer(job.cfg.EncodeTimeout)
	defer timer.Stop()

	select {
	case out := <-sink.done:
		if out.err != nil {
			return nil, true, fmt.Errorf("session: encode: %v: %w", out.err, hal.ErrEncodeFailed)
		}
		return out.img, true, nil
	case <-timer.C:
		if !sink.abandon(job.release) {
			out := <-sink.done
			if out.err != nil {
				return nil, true, fmt.Errorf("session: encode: %v: %w", out.err, hal.ErrEncodeFailed)
			}
			return out.img, true, nil
		}
		return nil, false, fmt.Errorf("session: encode timed out after %s: %w", job.cfg.EncodeTimeout, hal.ErrEncodeFailed)
	}
}

func (s *Snapshot) deliverNull() {
	atomic.AddUint64(&s.failures, 1)
	s.host.Data(hal.MsgCompressedImage, nil, nil)
}

func (s *Snapshot) finish(job *pictureJob, release bool) {
	if release {
		job.release()
	}
	s.mu.Lock()
	if s.job == job {
		s.job = nil
	}
	s.state = PictureIdle
	s.mu.Unlock()
	s.done.finish()
}

// OnSnapshotDone is the driver's raw-data-ready (or failure) notification.
func (s *Snapshot) OnSnapshotDone(res hal.SnapshotResult) {
	s.mu.Lock()
	job := s.job
	if job == nil || job.liveshot {
		s.mu.Unlock()
		slog.Debug("session: snapshot result with no picture pending", "error", res.Err)
		return
	}
	if res.Err == nil {
		job.dataProduced = true
	}
	s.mu.Unlock()

	select {
	case job.result <- res:
	default:
		slog.Warn("session: duplicate snapshot result dropped", "trace_id", job.cfg.TraceID)
	}
}

// CancelPicture aborts a capture whose data has not been produced yet and
// waits for the worker to exit. Once data exists it is a no-op.
func (s *Snapshot) CancelPicture(ctx context.Context) error {
	s.mu.Lock()
	job := s.job
	if job == nil || s.state != PictureCapturing || job.dataProduced {
		s.mu.Unlock()
		return nil
	}
	job.requestCancel()
	s.mu.Unlock()

	if job.liveshot {
		s.recording.CancelTap()
	} else if err := s.drv.CancelSnapshot(); err != nil {
		slog.Warn("session: cancel snapshot rejected by driver", "error", err)
	}
	return s.done.wait(ctx)
}

// Wait blocks until no picture is in flight, or ctx is done.
func (s *Snapshot) Wait(ctx context.Context) error {
	return s.done.wait(ctx)
}

func (s *Snapshot) setState(st PictureState) {
	s.mu.Lock()
	s.state = st
	s.mu.Unlock()
}

// State returns the current state.
func (s *Snapshot) State() PictureState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Stats returns a snapshot of the counters.
func (s *Snapshot) Stats() PictureStats {
	return PictureStats{
		State:     s.State().String(),
		PoolSets:  atomic.LoadUint64(&s.poolSets),
		Pictures:  atomic.LoadUint64(&s.pictures),
		Liveshots: atomic.LoadUint64(&s.liveshots),
		Failures:  atomic.LoadUint64(&s.failures),
		Cancels:   atomic.LoadUint64(&s.cancels),
		Crops:     atomic.LoadUint64(&s.crops),
		Fragments: atomic.LoadUint64(&s.fragments),
	}
}

type encodeResult struct {
	img []byte
	err error
}

// encodeSink forwards encoder output to the host. After abandon, fragments
// are dropped and the completion only runs the cleanup.
type encodeSink struct {
	host      Host
	fragments *uint64
	done      chan encodeResult

	once      sync.Once
	mu        sync.Mutex
	abandoned bool
	cleanup   func()
}

func newEncodeSink(host Host, fragments *uint64) *encodeSink {
	return &encodeSink{host: host, fragments: fragments, done: make(chan encodeResult, 1)}
}

func (e *encodeSink) OnFragment(p []byte) {
	e.mu.Lock()
	abandoned := e.abandoned
	e.mu.Unlock()
	if abandoned {
		return
	}
	atomic.AddUint64(e.fragments, 1)
	e.host.Data(hal.MsgCompressedFragment, p, nil)
}

func (e *encodeSink) OnComplete(img []byte, err error) {
	e.once.Do(func() {
		e.mu.Lock()
		if !e.abandoned {
			e.done <- encodeResult{img: img, err: err}
			e.mu.Unlock()
			return
		}
		cleanup := e.cleanup
		e.mu.Unlock()
		if cleanup != nil {
			cleanup()
		}
	})
}

// abandon detaches the sink. It returns false if the encoder already
// completed, in which case the result is waiting on done.
func (e *encodeSink) abandon(cleanup func()) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	if len(e.done) > 0 {
		return false
	}
	e.abandoned = true
	e.cleanup = cleanup
	return true
}
