// Package jpegenc is the still-image encode collaborator.
//
// It converts an NV21 frame to a 4:2:0 image.YCbCr, compresses it with
// image/jpeg on its own goroutine and streams the result to the sink in
// fixed-size fragments before reporting the complete image. A thumbnail, when
// present, is embedded as a JFXX extension segment; tags become COM segments.
package jpegenc

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"image"
	"image/jpeg"
	"log/slog"
	"sort"
	"sync/atomic"

	"github.com/e7canasta/orion-care-sensor/modules/camera-core/internal/hal"
)

// Defaults.
const (
	DefaultQuality      = 90
	DefaultThumbQuality = 75
	DefaultFragmentSize = 64 * 1024
)

// maxSegment is the largest payload of one JPEG marker segment.
const maxSegment = 0xFFFF - 2

// Config configures the encoder.
type Config struct {
	Quality      int // 1-100 (default: 90)
	ThumbQuality int // 1-100 (default: 75)
	FragmentSize int // bytes per OnFragment call (default: 64 KiB)
}

// Stats is a snapshot of encoder counters.
type Stats struct {
	Images     uint64
	Failures   uint64
	Thumbnails uint64
	Fragments  uint64
	Bytes      uint64
}

// Encoder implements hal.Encoder.
type Encoder struct {
	cfg Config

	images     uint64 // atomic
	failures   uint64 // atomic
	thumbnails uint64 // atomic
	fragments  uint64 // atomic
	bytes      uint64 // atomic
}

// New creates an encoder. Zero config fields take defaults.
func New(cfg Config) *Encoder {
	if cfg.Quality <= 0 || cfg.Quality > 100 {
		cfg.Quality = DefaultQuality
	}
	if cfg.ThumbQuality <= 0 || cfg.ThumbQuality > 100 {
		cfg.ThumbQuality = DefaultThumbQuality
	}
	if cfg.FragmentSize <= 0 {
		cfg.FragmentSize = DefaultFragmentSize
	}
	return &Encoder{cfg: cfg}
}

// Encode implements hal.Encoder. Request validation happens synchronously;
// compression runs in the background and always ends with one OnComplete.
func (e *Encoder) Encode(req hal.EncodeRequest, sink hal.EncodeSink) error {
	img, err := NV21ToYCbCr(req.Raw, req.Width, req.Height)
	if err != nil {
		atomic.AddUint64(&e.failures, 1)
		return err
	}

	var thumb *image.YCbCr
	if req.Thumbnail != nil && req.ThumbWidth > 0 && req.ThumbHeight > 0 {
		if thumb, err = NV21ToYCbCr(req.Thumbnail, req.ThumbWidth, req.ThumbHeight); err != nil {
			slog.Warn("jpegenc: thumbnail skipped", "trace_id", req.TraceID, "error", err)
			thumb = nil
		}
	}

	go e.run(req, img, thumb, sink)
	return nil
}

func (e *Encoder) run(req hal.EncodeRequest, img, thumb *image.YCbCr, sink hal.EncodeSink) {
	out := bytes.NewBuffer(req.Output[:0])
	fw := &fragmentWriter{out: out, sink: sink, size: e.cfg.FragmentSize, count: &e.fragments}

	// SOI and our own segments first; the encoder's SOI is dropped.
	fw.Write([]byte{0xFF, 0xD8})
	if thumb != nil {
		if seg, err := e.thumbnailSegment(thumb); err != nil {
			slog.Warn("jpegenc: thumbnail not embedded", "trace_id", req.TraceID, "error", err)
		} else {
			fw.Write(seg)
			atomic.AddUint64(&e.thumbnails, 1)
		}
	}
	for _, seg := range commentSegments(req.Tags) {
		fw.Write(seg)
	}

	err := jpeg.Encode(&skipWriter{w: fw, skip: 2}, img, &jpeg.Options{Quality: e.cfg.Quality})
	if err != nil {
		atomic.AddUint64(&e.failures, 1)
		slog.Error("jpegenc: encode failed", "trace_id", req.TraceID, "error", err)
		sink.OnComplete(nil, fmt.Errorf("jpegenc: %v: %w", err, hal.ErrEncodeFailed))
		return
	}
	fw.Flush()

	atomic.AddUint64(&e.images, 1)
	atomic.AddUint64(&e.bytes, uint64(out.Len()))
	slog.Debug("jpegenc: image encoded",
		"trace_id", req.TraceID,
		"width", req.Width,
		"height", req.Height,
		"bytes", out.Len(),
	)
	sink.OnComplete(out.Bytes(), nil)
}

// thumbnailSegment returns an APP0 JFXX segment holding a JPEG thumbnail.
func (e *Encoder) thumbnailSegment(thumb *image.YCbCr) ([]byte, error) {
	var tb bytes.Buffer
	if err := jpeg.Encode(&tb, thumb, &jpeg.Options{Quality: e.cfg.ThumbQuality}); err != nil {
		return nil, err
	}
	payload := append([]byte("JFXX\x00\x10"), tb.Bytes()...)
	if len(payload) > maxSegment {
		return nil, fmt.Errorf("jpegenc: thumbnail %d bytes exceeds segment size", tb.Len())
	}
	return segment(0xE0, payload), nil
}

func commentSegments(tags map[string]string) [][]byte {
	if len(tags) == 0 {
		return nil
	}
	keys := make([]string, 0, len(tags))
	for k := range tags {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	segs := make([][]byte, 0, len(keys))
	for _, k := range keys {
		c := []byte(k + "=" + tags[k])
		if len(c) > maxSegment {
			c = c[:maxSegment]
		}
		segs = append(segs, segment(0xFE, c))
	}
	return segs
}

func segment(marker byte, payload []byte) []byte {
	seg := make([]byte, 4, 4+len(payload))
	seg[0], seg[1] = 0xFF, marker
	binary.BigEndian.PutUint16(seg[2:], uint16(len(payload)+2))
	return append(seg, payload...)
}

// Stats returns a snapshot of the counters.
func (e *Encoder) Stats() Stats {
	return Stats{
		Images:     atomic.LoadUint64(&e.images),
		Failures:   atomic.LoadUint64(&e.failures),
		Thumbnails: atomic.LoadUint64(&e.thumbnails),
		Fragments:  atomic.LoadUint64(&e.fragments),
		Bytes:      atomic.LoadUint64(&e.bytes),
	}
}

// NV21ToYCbCr wraps an NV21 frame as a 4:2:0 image. The luma plane is shared
// with buf; the interleaved VU plane is split into new Cb and Cr planes.
func NV21ToYCbCr(buf []byte, width, height int) (*image.YCbCr, error) {
	if width <= 0 || height <= 0 || width%2 != 0 || height%2 != 0 {
		return nil, fmt.Errorf("jpegenc: invalid dimensions %dx%d: %w", width, height, hal.ErrInvalidRequest)
	}
	luma := width * height
	if len(buf) < luma*3/2 {
		return nil, fmt.Errorf("jpegenc: buffer %d bytes, need %d: %w", len(buf), luma*3/2, hal.ErrInvalidRequest)
	}

	img := &image.YCbCr{
		Y:              buf[:luma],
		Cb:             make([]byte, luma/4),
		Cr:             make([]byte, luma/4),
		YStride:        width,
		CStride:        width / 2,
		SubsampleRatio: image.YCbCrSubsampleRatio420,
		Rect:           image.Rect(0, 0, width, height),
	}
	vu := buf[luma:]
	for i := range img.Cb {
		img.Cr[i] = vu[2*i]
		img.Cb[i] = vu[2*i+1]
	}
	return img, nil
}

// fragmentWriter accumulates output and hands it to the sink in chunks of
// size bytes.
type fragmentWriter struct {
	out     *bytes.Buffer
	sink    hal.EncodeSink
	size    int
	pending int // bytes at the tail of out not yet reported
	count   *uint64
}

func (w *fragmentWriter) Write(p []byte) (int, error) {
	w.out.Write(p)
	w.pending += len(p)
	for w.pending >= w.size {
		start := w.out.Len() - w.pending
		w.emit(w.out.Bytes()[start : start+w.size])
		w.pending -= w.size
	}
	return len(p), nil
}

func (w *fragmentWriter) Flush() {
	if w.pending > 0 {
		w.emit(w.out.Bytes()[w.out.Len()-w.pending:])
		w.pending = 0
	}
}

func (w *fragmentWriter) emit(p []byte) {
	w.sink.OnFragment(p)
	atomic.AddUint64(w.count, 1)
}

// skipWriter drops the first skip bytes written through it.
type skipWriter struct {
	w    *fragmentWriter
	skip int
}

func (s *skipWriter) Write(p []byte) (int, error) {
	n := len(p)
	if s.skip > 0 {
		k := min(s.skip, len(p))
		s.skip -= k
		p = p[k:]
	}
	if len(p) > 0 {
		s.w.Write(p)
	}
	return n, nil
}
