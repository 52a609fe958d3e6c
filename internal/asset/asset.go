// Package asset defines the paired still+clip unit produced by the pipeline,
// the raw capture it is built from, and the pipeline's error taxonomy.
package asset

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/maauso/livepair/internal/compositor"
)

// Error taxonomy shared by every stage of the pipeline.
var (
	// ErrSourceUnavailable is returned when a raw still or video is missing or unreadable.
	ErrSourceUnavailable = errors.New("source unavailable")
	// ErrEncodeFailure is returned when a transcode or passthrough export fails.
	ErrEncodeFailure = errors.New("encode failure")
	// ErrTagMismatch is returned when post-write verification detects drift.
	ErrTagMismatch = errors.New("tag mismatch")
	// ErrCancelled is returned when work was cancelled or superseded.
	ErrCancelled = errors.New("cancelled")
	// ErrPersistenceFailure is returned when the library rejects a paired write.
	ErrPersistenceFailure = errors.New("persistence failure")
)

// ErrInvalidPair is returned by Pair.Validate.
var ErrInvalidPair = errors.New("invalid paired asset")

// IsCancelled reports whether err means the work was cancelled rather than failed.
func IsCancelled(err error) bool {
	return errors.Is(err, ErrCancelled) || errors.Is(err, context.Canceled)
}

// CaptureInput is a raw capture handed over by the camera collaborator.
type CaptureInput struct {
	// StillPath is the raw still image (JPEG or PNG).
	StillPath string
	// VideoPath is the raw video clip.
	VideoPath string
	// Orientation is the EXIF orientation the still was captured with. A
	// flag carried by the still itself takes precedence; zero with no flag
	// means Up.
	Orientation compositor.Orientation
	// Scale is the capture zoom factor used to place overlays.
	Scale float64
	// CapturedAt is the capture timestamp.
	CapturedAt time.Time
}

// Validate checks that both source files exist and the parameters are usable.
func (c CaptureInput) Validate() error {
	if c.StillPath == "" || c.VideoPath == "" {
		return fmt.Errorf("%w: still and video paths are required", ErrSourceUnavailable)
	}
	for _, p := range []string{c.StillPath, c.VideoPath} {
		info, err := os.Stat(p)
		if err != nil {
			return fmt.Errorf("%w: %w", ErrSourceUnavailable, err)
		}
		if info.IsDir() || info.Size() == 0 {
			return fmt.Errorf("%w: %s is not a readable file", ErrSourceUnavailable, p)
		}
	}
	if c.Orientation != 0 && !c.Orientation.IsValid() {
		return fmt.Errorf("%w: orientation %d", ErrSourceUnavailable, c.Orientation)
	}
	return nil
}

// Pair is a still image and a video clip sharing one content identifier.
type Pair struct {
	// ImagePath is the tagged still.
	ImagePath string
	// VideoPath is the tagged clip.
	VideoPath string
	// ContentIdentifier is written into both files.
	ContentIdentifier string
	// StillDisplayTime is the offset into the clip the still corresponds to.
	StillDisplayTime time.Duration
	// VideoDuration is the duration of the clip.
	VideoDuration time.Duration
	// Composited reports whether overlays are baked into the pair.
	Composited bool
	// Signature is the overlay signature the pair was produced for, empty for plain.
	Signature string
}

// IsZero reports whether p is the zero Pair.
func (p Pair) IsZero() bool {
	return p.ImagePath == "" && p.VideoPath == ""
}

// Validate checks that the pair is usable: non-empty identifier, still time
// inside the clip and both files present on disk.
func (p Pair) Validate() error {
	if p.ContentIdentifier == "" {
		return fmt.Errorf("%w: empty content identifier", ErrInvalidPair)
	}
	if p.StillDisplayTime < 0 || (p.VideoDuration > 0 && p.StillDisplayTime > p.VideoDuration) {
		return fmt.Errorf("%w: still time %s outside [0, %s]", ErrInvalidPair, p.StillDisplayTime, p.VideoDuration)
	}
	for _, path := range []string{p.ImagePath, p.VideoPath} {
		if path == "" {
			return fmt.Errorf("%w: missing path", ErrInvalidPair)
		}
		if _, err := os.Stat(path); err != nil {
			return fmt.Errorf("%w: %w", ErrInvalidPair, err)
		}
	}
	return nil
}

// Files returns the paths referenced by the pair.
func (p Pair) Files() []string {
	files := make([]string, 0, 2)
	if p.ImagePath != "" {
		files = append(files, p.ImagePath)
	}
	if p.VideoPath != "" {
		files = append(files, p.VideoPath)
	}
	return files
}

// Remove deletes both files. Missing files are not an error.
func (p Pair) Remove() error {
	var errs []error
	for _, path := range p.Files() {
		if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Resolve returns the first candidate that validates. Zero pairs are skipped.
func Resolve(candidates ...Pair) (Pair, bool) {
	for _, c := range candidates {
		if c.IsZero() {
			continue
		}
		if c.Validate() == nil {
			return c, true
		}
	}
	return Pair{}, false
}
