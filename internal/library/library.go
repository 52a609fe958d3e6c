// Package library delivers finished pairs to durable storage as one atomic
// paired write: either both halves land, or neither does.
package library

import (
	"context"
	"fmt"
	"path/filepath"
	"strings"

	"github.com/maauso/livepair/internal/asset"
)

// Receipt describes where a saved pair landed.
type Receipt struct {
	// Location is the directory or URL prefix holding the pair.
	Location string
	// Image and Video are the locations of each half.
	Image string
	Video string
}

// Library accepts finished pairs.
type Library interface {
	// SavePair stores both halves of pair. Errors wrap asset.ErrPersistenceFailure
	// and leave nothing behind.
	SavePair(ctx context.Context, pair asset.Pair) (Receipt, error)
}

// fileNames returns the names both halves are stored under. They share a
// stem derived from the content identifier and keep their extensions.
func fileNames(pair asset.Pair) (string, string) {
	stem := strings.ReplaceAll(pair.ContentIdentifier, "-", "")
	if len(stem) > 8 {
		stem = stem[:8]
	}
	stem = "IMG_" + stem
	return stem + strings.ToUpper(extOr(pair.ImagePath, ".jpg")), stem + strings.ToUpper(extOr(pair.VideoPath, ".mov"))
}

func extOr(path, def string) string {
	if ext := filepath.Ext(path); ext != "" {
		return ext
	}
	return def
}

func persistenceError(op string, err error) error {
	return fmt.Errorf("%s: %w: %w", op, asset.ErrPersistenceFailure, err)
}
