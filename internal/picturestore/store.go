// Package picturestore writes captured images to disk.
package picturestore

import (
	"fmt"
	"image/jpeg"
	"image/png"
	"os"
	"path/filepath"
	"sync/atomic"
	"time"

	"github.com/e7canasta/orion-care-sensor/modules/camera-core/internal/hal"
	"github.com/e7canasta/orion-care-sensor/modules/camera-core/internal/jpegenc"
)

// Store saves compressed pictures and raw preview snapshots.
//
// Thread-safe: can be called from callback goroutines concurrently.
type Store struct {
	outputDir   string
	format      string
	jpegQuality int

	seq     atomic.Uint64
	saved   atomic.Uint64
	dropped atomic.Uint64
}

// New creates a store writing into outputDir.
//
// Format applies to preview snapshots: "png" or "jpeg".
// JPEGQuality: 1-100 (only used for JPEG snapshots)
func New(outputDir, format string, jpegQuality int) (*Store, error) {
	if err := os.MkdirAll(outputDir, 0755); err != nil {
		return nil, fmt.Errorf("picturestore: create output directory: %w", err)
	}

	if format != "png" && format != "jpeg" {
		return nil, fmt.Errorf("picturestore: unsupported format: %s (must be png or jpeg)", format)
	}

	return &Store{
		outputDir:   outputDir,
		format:      format,
		jpegQuality: jpegQuality,
	}, nil
}

// SavePicture writes an already compressed JPEG and returns its path.
//
// Filename format: picture_{seq:06d}_{timestamp}.jpg
// Example: picture_000042_20251105_234517.123.jpg
func (s *Store) SavePicture(img []byte) (string, error) {
	path := s.path("picture", time.Now(), "jpg")
	if err := os.WriteFile(path, img, 0644); err != nil {
		s.dropped.Add(1)
		return "", fmt.Errorf("picturestore: write %s: %w", path, err)
	}
	s.saved.Add(1)
	return path, nil
}

// SaveFrame converts an NV21 frame and writes it in the store's format.
func (s *Store) SaveFrame(desc hal.FrameDescriptor, data []byte, width, height int) (string, error) {
	img, err := jpegenc.NV21ToYCbCr(data, width, height)
	if err != nil {
		s.dropped.Add(1)
		return "", err
	}

	ts := desc.Timestamp
	if ts.IsZero() {
		ts = time.Now()
	}
	ext := "png"
	if s.format == "jpeg" {
		ext = "jpg"
	}
	path := s.path("frame", ts, ext)

	file, err := os.Create(path)
	if err != nil {
		s.dropped.Add(1)
		return "", fmt.Errorf("picturestore: create %s: %w", path, err)
	}
	defer file.Close()

	switch s.format {
	case "png":
		err = png.Encode(file, img)
	case "jpeg":
		err = jpeg.Encode(file, img, &jpeg.Options{Quality: s.jpegQuality})
	}
	if err != nil {
		s.dropped.Add(1)
		return "", fmt.Errorf("picturestore: %s encode: %w", s.format, err)
	}

	s.saved.Add(1)
	return path, nil
}

func (s *Store) path(kind string, ts time.Time, ext string) string {
	name := fmt.Sprintf("%s_%06d_%s.%s", kind, s.seq.Add(1), ts.Format("20060102_150405.000"), ext)
	return filepath.Join(s.outputDir, name)
}

// Stats returns current save statistics.
func (s *Store) Stats() (saved, dropped uint64) {
	return s.saved.Load(), s.dropped.Load()
}
