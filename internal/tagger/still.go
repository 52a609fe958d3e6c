package tagger

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"image"
	_ "image/jpeg" // DecodeConfig for dimension checks
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/rwcarlsen/goexif/exif"

	"github.com/maauso/livepair/internal/asset"
	"github.com/maauso/livepair/internal/compositor"
)

// StillMeta is the metadata written into a still.
type StillMeta struct {
	// ContentIdentifier pairs the still with its video.
	ContentIdentifier string
	// StillDisplayTime is the offset into the video the still corresponds to.
	StillDisplayTime time.Duration
	// Orientation is recorded when the source carries no orientation flag of
	// its own. A source flag is always kept. Zero means Up.
	Orientation compositor.Orientation
}

// StillIdentifiers is what ReadStillIdentifiers finds in a tagged still.
type StillIdentifiers struct {
	// UniqueID is the ImageUniqueID field.
	UniqueID string
	// MakerNoteID is the identifier in the MakerNote vendor map.
	MakerNoteID string
	// StillDisplayTime is the still time recorded in the MakerNote.
	StillDisplayTime time.Duration
	// Orientation is the IFD0 orientation flag, 1 when absent.
	Orientation compositor.Orientation
}

// TagStill writes src to dst with meta embedded and verifies the result.
// Verification failures are retried once from a fresh read of src; a second
// failure returns an error wrapping asset.ErrTagMismatch and leaves no dst.
func (t *Tagger) TagStill(ctx context.Context, src, dst string, meta StillMeta) error {
	if meta.ContentIdentifier == "" {
		return ErrMissingIdentifier
	}

	var lastErr error
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		if ctx.Err() != nil {
			return fmt.Errorf("tag still: %w", asset.ErrCancelled)
		}

		data, err := os.ReadFile(src) // #nosec G304 - path is produced by the pipeline
		if err != nil {
			return fmt.Errorf("tag still: %w: %w", asset.ErrSourceUnavailable, err)
		}

		err = t.writeStill(data, dst, meta)
		if err == nil {
			return nil
		}
		if !errors.Is(err, asset.ErrTagMismatch) {
			return fmt.Errorf("tag still: %w", err)
		}
		lastErr = err
		t.logger.Warn("still verification failed",
			slog.String("path", dst),
			slog.Int("attempt", attempt),
			slog.String("error", err.Error()),
		)
	}
	return fmt.Errorf("tag still: %w", lastErr)
}

// writeStill rewrites data into dst through a temporary file in the same
// directory and renames it into place only after verification.
func (t *Tagger) writeStill(data []byte, dst string, meta StillMeta) error {
	orientation, ok := sourceOrientation(data)
	if !ok {
		orientation = meta.Orientation
		if !orientation.IsValid() {
			orientation = compositor.OrientationUp
		}
	}

	payload, err := BuildExif(ExifBody(data), uint16(orientation), meta)
	if errors.Is(err, ErrMalformedExif) {
		t.logger.Warn("source exif unreadable, writing fresh metadata",
			slog.String("path", dst),
			slog.String("error", err.Error()),
		)
		payload, err = BuildExif(nil, uint16(orientation), meta)
	}
	if err != nil {
		return err
	}
	out, err := ReplaceExif(data, payload)
	if err != nil {
		return err
	}

	tmp, err := os.CreateTemp(filepath.Dir(dst), ".still-*.jpg")
	if err != nil {
		return fmt.Errorf("create temp still: %w", err)
	}
	tmpPath := tmp.Name()
	defer func() { _ = os.Remove(tmpPath) }()

	if _, err := tmp.Write(out); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("write temp still: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close temp still: %w", err)
	}

	if err := verifyStill(data, tmpPath, orientation, meta.ContentIdentifier); err != nil {
		return err
	}
	if err := os.Rename(tmpPath, dst); err != nil {
		return fmt.Errorf("rename still: %w", err)
	}
	return nil
}

// verifyStill re-reads a written still and checks that dimensions and image
// data match src, that the orientation flag is the one resolved for src and
// that both identifier locations hold identifier.
func verifyStill(src []byte, path string, orientation compositor.Orientation, identifier string) error {
	written, err := os.ReadFile(path) // #nosec G304 - path is produced by the pipeline
	if err != nil {
		return fmt.Errorf("%w: read back: %w", asset.ErrTagMismatch, err)
	}

	in, _, err := image.DecodeConfig(bytes.NewReader(src))
	if err != nil {
		return fmt.Errorf("decode source config: %w", err)
	}
	out, _, err := image.DecodeConfig(bytes.NewReader(written))
	if err != nil {
		return fmt.Errorf("%w: decode written config: %w", asset.ErrTagMismatch, err)
	}
	if in.Width != out.Width || in.Height != out.Height {
		return fmt.Errorf("%w: dimensions %dx%d, want %dx%d",
			asset.ErrTagMismatch, out.Width, out.Height, in.Width, in.Height)
	}

	srcScan, err := scanData(src)
	if err != nil {
		return err
	}
	outScan, err := scanData(written)
	if err != nil || !bytes.Equal(srcScan, outScan) {
		return fmt.Errorf("%w: image data changed", asset.ErrTagMismatch)
	}

	ids, err := readStillIdentifiers(bytes.NewReader(written))
	if err != nil {
		return fmt.Errorf("%w: %w", asset.ErrTagMismatch, err)
	}
	if ids.Orientation != orientation {
		return fmt.Errorf("%w: orientation %d, want %d", asset.ErrTagMismatch, ids.Orientation, orientation)
	}
	if ids.UniqueID != identifier || ids.MakerNoteID != identifier {
		return fmt.Errorf("%w: identifiers %q/%q, want %q",
			asset.ErrTagMismatch, ids.UniqueID, ids.MakerNoteID, identifier)
	}
	return nil
}

// ReadStillIdentifiers reads the pairing metadata from a tagged still.
func ReadStillIdentifiers(path string) (StillIdentifiers, error) {
	f, err := os.Open(path) // #nosec G304 - path is produced by the pipeline
	if err != nil {
		return StillIdentifiers{}, fmt.Errorf("open still: %w", err)
	}
	defer func() { _ = f.Close() }()
	return readStillIdentifiers(f)
}

func readStillIdentifiers(r io.Reader) (StillIdentifiers, error) {
	x, err := exif.Decode(r)
	if err != nil {
		return StillIdentifiers{}, fmt.Errorf("decode exif: %w", err)
	}

	ids := StillIdentifiers{Orientation: compositor.OrientationUp}
	if tag, err := x.Get(exif.Orientation); err == nil {
		if v, err := tag.Int(0); err == nil {
			ids.Orientation = compositor.Orientation(v)
		}
	}
	if tag, err := x.Get(exif.ImageUniqueID); err == nil {
		if s, err := tag.StringVal(); err == nil {
			ids.UniqueID = s
		}
	}
	tag, err := x.Get(exif.MakerNote)
	if err != nil {
		return ids, fmt.Errorf("maker note: %w", err)
	}
	ids.MakerNoteID, ids.StillDisplayTime, err = parseMakerNote(tag.Val)
	if err != nil {
		return ids, err
	}
	return ids, nil
}

// SourceOrientation returns the EXIF orientation flag of the JPEG at path.
// ok is false when the file cannot be read or carries no valid flag.
func SourceOrientation(path string) (compositor.Orientation, bool) {
	data, err := os.ReadFile(path) // #nosec G304 - path is produced by the pipeline
	if err != nil {
		return 0, false
	}
	return sourceOrientation(data)
}

func sourceOrientation(data []byte) (compositor.Orientation, bool) {
	x, err := exif.Decode(bytes.NewReader(data))
	if err != nil {
		return 0, false
	}
	tag, err := x.Get(exif.Orientation)
	if err != nil {
		return 0, false
	}
	v, err := tag.Int(0)
	if err != nil || !compositor.Orientation(v).IsValid() {
		return 0, false
	}
	return compositor.Orientation(v), true
}
