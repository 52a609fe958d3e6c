// Package tagger writes the shared content identifier that pairs a still
// image with its video clip, and verifies every write before handing it back.
//
// Stills are re-serialized at the JPEG segment level: the identifier is merged
// into the existing Exif metadata and the compressed image data is copied
// untouched. Videos are
// remuxed without re-encoding their samples.
package tagger

import (
	"errors"
	"log/slog"

	"github.com/maauso/livepair/internal/media"
)

// ErrMissingIdentifier is returned when a tag request carries no identifier.
var ErrMissingIdentifier = errors.New("content identifier is required")

// maxAttempts bounds tagging to the first write plus one retry from a fresh copy.
const maxAttempts = 2

// Tagger tags stills and videos with a content identifier.
type Tagger struct {
	remuxer media.Remuxer
	logger  *slog.Logger
}

// New creates a Tagger. remuxer is used for video tagging and verification.
func New(remuxer media.Remuxer, logger *slog.Logger) *Tagger {
	if logger == nil {
		logger = slog.Default()
	}
	return &Tagger{
		remuxer: remuxer,
		logger:  logger,
	}
}
