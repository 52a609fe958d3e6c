package tagger

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/maauso/livepair/internal/asset"
	"github.com/maauso/livepair/internal/media"
)

// QuickTime metadata keys players use to match a clip to its still.
const (
	KeyContentIdentifier = "com.apple.quicktime.content.identifier"
	KeyStillImageTime    = "com.apple.quicktime.still-image-time"
)

// VideoMeta is the metadata written into a video.
type VideoMeta struct {
	// ContentIdentifier pairs the video with its still.
	ContentIdentifier string
	// StillDisplayTime is the offset of the paired still.
	StillDisplayTime time.Duration
}

// Metadata returns the container items written for meta.
func (m VideoMeta) Metadata() map[string]string {
	return map[string]string{
		KeyContentIdentifier: m.ContentIdentifier,
		KeyStillImageTime:    strconv.FormatFloat(m.StillDisplayTime.Seconds(), 'f', 3, 64),
	}
}

// TagVideo remuxes src into dst with meta as container metadata, without
// re-encoding samples, and verifies the identifier by reading it back. A
// failed verification is retried once; the returned info describes dst.
func (t *Tagger) TagVideo(ctx context.Context, src, dst string, meta VideoMeta) (media.VideoInfo, error) {
	if meta.ContentIdentifier == "" {
		return media.VideoInfo{}, ErrMissingIdentifier
	}

	srcInfo, err := t.remuxer.Probe(ctx, src)
	if err != nil {
		if ctx.Err() != nil {
			return media.VideoInfo{}, fmt.Errorf("tag video: %w", asset.ErrCancelled)
		}
		return media.VideoInfo{}, fmt.Errorf("tag video: %w: %w", asset.ErrSourceUnavailable, err)
	}

	var lastErr error
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		info, err := t.remuxOnce(ctx, src, dst, srcInfo, meta)
		if err == nil {
			return info, nil
		}
		if !errors.Is(err, asset.ErrTagMismatch) {
			return media.VideoInfo{}, fmt.Errorf("tag video: %w", err)
		}
		lastErr = err
		t.logger.Warn("video verification failed",
			slog.String("path", dst),
			slog.Int("attempt", attempt),
			slog.String("error", err.Error()),
		)
	}
	return media.VideoInfo{}, fmt.Errorf("tag video: %w", lastErr)
}

func (t *Tagger) remuxOnce(ctx context.Context, src, dst string, srcInfo media.VideoInfo, meta VideoMeta) (media.VideoInfo, error) {
	tmp := filepath.Join(filepath.Dir(dst), ".partial-"+filepath.Base(dst))
	defer func() { _ = os.Remove(tmp) }()

	if err := t.remuxer.Remux(ctx, src, tmp, meta.Metadata()); err != nil {
		if ctx.Err() != nil {
			return media.VideoInfo{}, asset.ErrCancelled
		}
		return media.VideoInfo{}, fmt.Errorf("%w: remux: %w", asset.ErrEncodeFailure, err)
	}

	info, err := t.remuxer.Probe(ctx, tmp)
	if err != nil {
		if ctx.Err() != nil {
			return media.VideoInfo{}, asset.ErrCancelled
		}
		return media.VideoInfo{}, fmt.Errorf("%w: read back: %w", asset.ErrTagMismatch, err)
	}
	if got := info.Tags[KeyContentIdentifier]; got != meta.ContentIdentifier {
		return media.VideoInfo{}, fmt.Errorf("%w: identifier %q, want %q", asset.ErrTagMismatch, got, meta.ContentIdentifier)
	}
	if info.Width != srcInfo.Width || info.Height != srcInfo.Height || info.Rotation != srcInfo.Rotation {
		return media.VideoInfo{}, fmt.Errorf("%w: geometry %dx%d@%d, want %dx%d@%d", asset.ErrTagMismatch,
			info.Width, info.Height, info.Rotation, srcInfo.Width, srcInfo.Height, srcInfo.Rotation)
	}

	if err := os.Rename(tmp, dst); err != nil {
		return media.VideoInfo{}, fmt.Errorf("rename video: %w", err)
	}
	return info, nil
}
