package library

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/maauso/livepair/internal/asset"
	"github.com/maauso/livepair/internal/storage"
)

// DirLibrary stores each pair in its own subdirectory of a root directory.
type DirLibrary struct {
	root   string
	logger *slog.Logger
}

// NewDirLibrary creates a DirLibrary rooted at root, creating it if needed.
func NewDirLibrary(root string, logger *slog.Logger) (*DirLibrary, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if err := os.MkdirAll(root, 0o750); err != nil {
		return nil, fmt.Errorf("create library directory: %w", err)
	}
	return &DirLibrary{root: root, logger: logger}, nil
}

// SavePair copies both halves into a hidden staging directory and renames it
// into place, so the library never shows a directory with one half missing.
func (l *DirLibrary) SavePair(ctx context.Context, pair asset.Pair) (Receipt, error) {
	if err := ctx.Err(); err != nil {
		return Receipt{}, persistenceError("save pair", err)
	}
	if err := pair.Validate(); err != nil {
		return Receipt{}, persistenceError("save pair", err)
	}

	final := filepath.Join(l.root, pair.ContentIdentifier)
	if _, err := os.Stat(final); err == nil {
		return Receipt{}, persistenceError("save pair", fmt.Errorf("%s: %w", final, os.ErrExist))
	}

	staging, err := os.MkdirTemp(l.root, ".staging-*")
	if err != nil {
		return Receipt{}, persistenceError("create staging directory", err)
	}
	defer func() { _ = os.RemoveAll(staging) }()

	imageName, videoName := fileNames(pair)
	if err := storage.CopyFile(pair.ImagePath, filepath.Join(staging, imageName)); err != nil {
		return Receipt{}, persistenceError("stage still", err)
	}
	if err := storage.CopyFile(pair.VideoPath, filepath.Join(staging, videoName)); err != nil {
		return Receipt{}, persistenceError("stage video", err)
	}
	if err := os.Chmod(staging, 0o755); err != nil {
		return Receipt{}, persistenceError("chmod staging directory", err)
	}
	if err := os.Rename(staging, final); err != nil {
		return Receipt{}, persistenceError("publish pair", err)
	}

	l.logger.Info("pair saved to library",
		slog.String("content_identifier", pair.ContentIdentifier),
		slog.String("location", final),
	)

	return Receipt{
		Location: final,
		Image:    filepath.Join(final, imageName),
		Video:    filepath.Join(final, videoName),
	}, nil
}

var _ Library = (*DirLibrary)(nil)
