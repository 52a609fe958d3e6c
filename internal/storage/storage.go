// Package storage manages the files a preview session works with: temporary
// artifacts in a working directory and the durable per-session copies of the
// current pair. Paths handed out are opaque to callers.
package storage

import (
	"context"
	"io"

	"github.com/maauso/livepair/internal/asset"
)

// Workspace defines the file operations the session orchestrator relies on.
type Workspace interface {
	// TempPath reserves a unique path in the working directory. The file is
	// not created.
	TempPath(prefix, ext string) (string, error)

	// SaveTemp saves data to a temporary file and returns the file path.
	// The name parameter is used as a hint for the filename.
	SaveTemp(ctx context.Context, name string, data io.Reader) (path string, err error)

	// CleanupTemp removes the specified files.
	// It continues cleanup even if some files fail to delete.
	CleanupTemp(ctx context.Context, paths []string) error

	// SessionDir returns the durable directory of a session, creating it if needed.
	SessionDir(sessionID string) (string, error)

	// Persist copies both halves of pair into the durable session directory
	// and returns the pair pointing at the copies.
	Persist(ctx context.Context, sessionID string, pair asset.Pair) (asset.Pair, error)

	// RemoveSession deletes the session directory and everything in it.
	RemoveSession(ctx context.Context, sessionID string) error
}
