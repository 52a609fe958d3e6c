package library

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/maauso/livepair/internal/asset"
)

func TestDirLibrary_SavePair(t *testing.T) {
	root := t.TempDir()
	lib, err := NewDirLibrary(root, nil)
	require.NoError(t, err)

	receipt, err := lib.SavePair(context.Background(), testPair(t))
	require.NoError(t, err)

	assert.Equal(t, filepath.Join(root, testIdentifier), receipt.Location)
	image, err := os.ReadFile(receipt.Image)
	require.NoError(t, err)
	assert.Equal(t, "jpeg", string(image))
	video, err := os.ReadFile(receipt.Video)
	require.NoError(t, err)
	assert.Equal(t, "mov", string(video))

	entries, err := os.ReadDir(root)
	require.NoError(t, err)
	require.Len(t, entries, 1, "staging directory removed")
	assert.Equal(t, testIdentifier, entries[0].Name())
}

func TestDirLibrary_RejectsDuplicate(t *testing.T) {
	lib, err := NewDirLibrary(t.TempDir(), nil)
	require.NoError(t, err)
	pair := testPair(t)

	_, err = lib.SavePair(context.Background(), pair)
	require.NoError(t, err)

	_, err = lib.SavePair(context.Background(), pair)
	assert.ErrorIs(t, err, asset.ErrPersistenceFailure)
	assert.ErrorIs(t, err, os.ErrExist)
}

func TestDirLibrary_NoHalfPair(t *testing.T) {
	root := t.TempDir()
	lib, err := NewDirLibrary(root, nil)
	require.NoError(t, err)

	pair := testPair(t)
	require.NoError(t, os.Remove(pair.VideoPath))

	_, err = lib.SavePair(context.Background(), pair)
	assert.ErrorIs(t, err, asset.ErrPersistenceFailure)

	entries, err := os.ReadDir(root)
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestDirLibrary_UnwritableRoot(t *testing.T) {
	if os.Geteuid() == 0 {
		t.Skip("permissions are not enforced for root")
	}
	root := t.TempDir()
	lib, err := NewDirLibrary(root, nil)
	require.NoError(t, err)
	require.NoError(t, os.Chmod(root, 0o500))
	t.Cleanup(func() { _ = os.Chmod(root, 0o700) })

	_, err = lib.SavePair(context.Background(), testPair(t))
	assert.ErrorIs(t, err, asset.ErrPersistenceFailure)
}

func TestDirLibrary_Cancelled(t *testing.T) {
	lib, err := NewDirLibrary(t.TempDir(), nil)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err = lib.SavePair(ctx, testPair(t))
	assert.ErrorIs(t, err, asset.ErrPersistenceFailure)
	assert.ErrorIs(t, err, context.Canceled)
}
