package storage

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/google/uuid"

	"github.com/maauso/livepair/internal/asset"
)

// ErrInvalidSessionID is returned when a session ID cannot be used as a directory name.
var ErrInvalidSessionID = errors.New("invalid session id")

// LocalWorkspace implements Workspace on local disk.
type LocalWorkspace struct {
	workDir    string
	sessionDir string
}

// NewLocalWorkspace creates a LocalWorkspace. workDir holds in-progress
// artifacts and sessionDir holds one subdirectory per open session. Empty
// values default to directories under os.TempDir(). Both are created if
// they don't exist.
func NewLocalWorkspace(workDir, sessionDir string) (*LocalWorkspace, error) {
	if workDir == "" {
		workDir = filepath.Join(os.TempDir(), "livepair", "work")
	}
	if sessionDir == "" {
		sessionDir = filepath.Join(os.TempDir(), "livepair", "sessions")
	}

	for _, dir := range []string{workDir, sessionDir} {
		if err := os.MkdirAll(dir, 0o750); err != nil {
			return nil, fmt.Errorf("create directory %s: %w", dir, err)
		}
	}

	return &LocalWorkspace{workDir: workDir, sessionDir: sessionDir}, nil
}

// WorkDir returns the working directory path.
func (w *LocalWorkspace) WorkDir() string {
	return w.workDir
}

// TempPath returns a unique path in the working directory.
func (w *LocalWorkspace) TempPath(prefix, ext string) (string, error) {
	if ext != "" && !strings.HasPrefix(ext, ".") {
		ext = "." + ext
	}
	name := fmt.Sprintf("%s_%s%s", prefix, strings.ReplaceAll(uuid.NewString(), "-", ""), ext)
	return filepath.Join(w.workDir, name), nil
}

// SaveTemp saves data to a temporary file and returns the file path.
// The name is used as a base for the filename with a unique suffix.
func (w *LocalWorkspace) SaveTemp(ctx context.Context, name string, data io.Reader) (string, error) {
	select {
	case <-ctx.Done():
		return "", fmt.Errorf("context cancelled: %w", ctx.Err())
	default:
	}

	f, err := os.CreateTemp(w.workDir, name+"_*")
	if err != nil {
		return "", fmt.Errorf("create temp file: %w", err)
	}

	fileName := f.Name()
	if _, err := io.Copy(f, data); err != nil {
		_ = f.Close()
		_ = os.Remove(fileName)
		return "", fmt.Errorf("write temp file: %w", err)
	}

	if err := f.Close(); err != nil {
		_ = os.Remove(fileName)
		return "", fmt.Errorf("close temp file: %w", err)
	}

	return fileName, nil
}

// CleanupTemp removes the specified files.
// It continues cleanup even if some files fail to delete,
// returning the first error encountered.
func (w *LocalWorkspace) CleanupTemp(ctx context.Context, paths []string) error {
	var firstErr error
	for _, p := range paths {
		select {
		case <-ctx.Done():
			return fmt.Errorf("context cancelled: %w", ctx.Err())
		default:
		}

		if p == "" {
			continue
		}
		if err := os.Remove(p); err != nil && !os.IsNotExist(err) {
			if firstErr == nil {
				firstErr = fmt.Errorf("remove temp file %s: %w", p, err)
			}
		}
	}
	return firstErr
}

// SessionDir returns the durable directory of a session, creating it if needed.
func (w *LocalWorkspace) SessionDir(sessionID string) (string, error) {
	dir, err := w.sessionPath(sessionID)
	if err != nil {
		return "", err
	}
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return "", fmt.Errorf("create session directory: %w", err)
	}
	return dir, nil
}

// Persist copies both halves of pair into the session directory. Each copy
// is written to a temporary name and renamed into place, so a reader never
// sees a partial file. If the second copy fails the first is removed.
func (w *LocalWorkspace) Persist(ctx context.Context, sessionID string, pair asset.Pair) (asset.Pair, error) {
	if err := ctx.Err(); err != nil {
		return asset.Pair{}, fmt.Errorf("context cancelled: %w", err)
	}
	dir, err := w.SessionDir(sessionID)
	if err != nil {
		return asset.Pair{}, err
	}

	out := pair
	out.ImagePath = filepath.Join(dir, filepath.Base(pair.ImagePath))
	out.VideoPath = filepath.Join(dir, filepath.Base(pair.VideoPath))

	if err := CopyFile(pair.ImagePath, out.ImagePath); err != nil {
		return asset.Pair{}, fmt.Errorf("persist still: %w", err)
	}
	if err := CopyFile(pair.VideoPath, out.VideoPath); err != nil {
		_ = os.Remove(out.ImagePath)
		return asset.Pair{}, fmt.Errorf("persist video: %w", err)
	}
	return out, nil
}

// RemoveSession deletes the session directory and everything in it.
func (w *LocalWorkspace) RemoveSession(ctx context.Context, sessionID string) error {
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("context cancelled: %w", err)
	}
	dir, err := w.sessionPath(sessionID)
	if err != nil {
		return err
	}
	if err := os.RemoveAll(dir); err != nil {
		return fmt.Errorf("remove session directory: %w", err)
	}
	return nil
}

func (w *LocalWorkspace) sessionPath(sessionID string) (string, error) {
	if sessionID == "" || sessionID == "." || sessionID == ".." ||
		strings.ContainsAny(sessionID, `/\`) {
		return "", fmt.Errorf("%w: %q", ErrInvalidSessionID, sessionID)
	}
	return filepath.Join(w.sessionDir, sessionID), nil
}

// CopyFile copies src to dst through a synced temporary file in dst's
// directory followed by a rename. dst is replaced if it exists.
func CopyFile(src, dst string) error {
	if src == dst {
		return nil
	}
	in, err := os.Open(src) // #nosec G304 - path is produced by the pipeline
	if err != nil {
		return fmt.Errorf("open source: %w", err)
	}
	defer func() { _ = in.Close() }()

	dir := filepath.Dir(dst)
	tmp, err := os.CreateTemp(dir, "."+filepath.Base(dst)+".tmp-*")
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	tmpName := tmp.Name()
	defer func() {
		_ = tmp.Close()
		_ = os.Remove(tmpName)
	}()

	if _, err := io.Copy(tmp, in); err != nil {
		return fmt.Errorf("copy: %w", err)
	}
	if err := tmp.Chmod(0o644); err != nil {
		return fmt.Errorf("chmod: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		return fmt.Errorf("sync: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close: %w", err)
	}
	if err := os.Rename(tmpName, dst); err != nil {
		return fmt.Errorf("rename: %w", err)
	}
	return nil
}

// Verify interface implementation at compile time.
var _ Workspace = (*LocalWorkspace)(nil)
