// Package media provides video probing, frame-level decode/encode and
// passthrough remuxing on top of the ffmpeg and ffprobe command line tools.
package media

import (
	"context"
	"image"
	"math"
	"time"
)

// VideoInfo describes the primary video track of a container.
type VideoInfo struct {
	// Width and Height are the coded (stored) frame size, before any display rotation.
	Width  int
	Height int
	// FrameRate is the average frame rate in frames per second.
	FrameRate float64
	// FrameRateExpr is the rational frame rate as reported, e.g. "30000/1001".
	FrameRateExpr string
	// FrameCount is the number of frames declared by the container, 0 if unknown.
	FrameCount int
	// Duration is the container duration.
	Duration time.Duration
	// Rotation is the display matrix rotation in counter-clockwise degrees,
	// the convention ffmpeg uses for -display_rotation.
	Rotation int
	// Color characteristics of the track. Empty when unspecified.
	ColorPrimaries string
	ColorTransfer  string
	ColorSpace     string
	ColorRange     string
	// PixelFormat is the decoded pixel format name.
	PixelFormat string
	// HasAudio reports whether the container carries an audio track.
	HasAudio bool
	// Tags are the container-level metadata tags.
	Tags map[string]string
}

// ClockwiseRotation returns the rotation a player applies for display, in
// clockwise degrees within [0, 360).
func (v VideoInfo) ClockwiseRotation() int {
	return ((-v.Rotation % 360) + 360) % 360
}

// EstimatedFrames returns the declared frame count, or duration x frame rate
// when the container does not declare one.
func (v VideoInfo) EstimatedFrames() int {
	if v.FrameCount > 0 {
		return v.FrameCount
	}
	if v.FrameRate > 0 && v.Duration > 0 {
		return int(math.Round(v.Duration.Seconds() * v.FrameRate))
	}
	return 0
}

// FrameReader yields decoded frames in presentation order.
type FrameReader interface {
	// ReadFrame returns the next frame, or io.EOF after the last one.
	ReadFrame() (*image.RGBA, error)
	// Close stops decoding and releases the decoder.
	Close() error
}

// FrameWriter encodes frames into an output container.
type FrameWriter interface {
	// WriteFrame submits one frame. It blocks while the encoder is busy.
	WriteFrame(img *image.RGBA) error
	// Close flushes the encoder and finalizes the output file.
	Close() error
	// Abort stops the encoder without forcing it mid-write and deletes the output file.
	Abort() error
}

// Prober reads track information from a media file.
type Prober interface {
	Probe(ctx context.Context, path string) (VideoInfo, error)
}

// Codec opens frame-level readers and writers for a source video.
type Codec interface {
	Prober
	// OpenFrameReader starts decoding the primary video track of path
	// without applying its display rotation.
	OpenFrameReader(ctx context.Context, path string, info VideoInfo) (FrameReader, error)
	// OpenFrameWriter starts an encoder writing dst with the geometry, rotation
	// and color characteristics of info. Audio is copied from src when present.
	OpenFrameWriter(ctx context.Context, src, dst string, info VideoInfo) (FrameWriter, error)
}

// Remuxer rewrites container metadata without re-encoding samples.
type Remuxer interface {
	Prober
	// Remux copies every audio and video stream of src into dst and sets the
	// given container-level metadata.
	Remux(ctx context.Context, src, dst string, metadata map[string]string) error
}
