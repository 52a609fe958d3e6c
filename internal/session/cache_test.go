package session

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/maauso/livepair/internal/asset"
	"github.com/maauso/livepair/internal/compositor"
)

func cachedPair(t *testing.T, dir, name string) asset.Pair {
	t.Helper()
	p := asset.Pair{
		ImagePath:         filepath.Join(dir, name+".jpg"),
		VideoPath:         filepath.Join(dir, name+".mov"),
		ContentIdentifier: "ID-" + name,
		Composited:        true,
	}
	for _, f := range p.Files() {
		require.NoError(t, os.WriteFile(f, []byte(name), 0o600))
	}
	return p
}

func TestCache_GetPut(t *testing.T) {
	dir := t.TempDir()
	c := NewCache()
	p := cachedPair(t, dir, "a")

	_, ok := c.Get("drawing:1")
	assert.False(t, ok)

	c.Put("drawing:1", p, contentKey{compositor.KindDrawing: "1"})
	got, ok := c.Get("drawing:1")
	require.True(t, ok)
	assert.Equal(t, p, got)
	assert.True(t, c.Owns(p))
	assert.Equal(t, 1, c.Len())
}

func TestCache_GetDropsMissingFiles(t *testing.T) {
	dir := t.TempDir()
	c := NewCache()
	p := cachedPair(t, dir, "a")
	c.Put("sig", p, nil)

	require.NoError(t, os.Remove(p.VideoPath))

	_, ok := c.Get("sig")
	assert.False(t, ok)
	assert.Zero(t, c.Len())
	assert.NoFileExists(t, p.ImagePath)
}

func TestCache_PutReplacesAndDeletesOld(t *testing.T) {
	dir := t.TempDir()
	c := NewCache()
	old := cachedPair(t, dir, "old")
	next := cachedPair(t, dir, "new")

	c.Put("sig", old, nil)
	c.Put("sig", next, nil)

	assert.NoFileExists(t, old.ImagePath)
	assert.NoFileExists(t, old.VideoPath)
	assert.FileExists(t, next.ImagePath)
	assert.Equal(t, 1, c.Len())
}

func TestCache_Retain(t *testing.T) {
	dir := t.TempDir()
	c := NewCache()
	keep := cachedPair(t, dir, "keep")
	drop := cachedPair(t, dir, "drop")
	c.Put("cosmetic:c1", keep, contentKey{compositor.KindCosmetic: "c1"})
	c.Put("drawing:d1", drop, contentKey{compositor.KindDrawing: "d1"})

	dropped := c.Retain(func(k contentKey) bool {
		_, usesDrawing := k[compositor.KindDrawing]
		return !usesDrawing
	})

	assert.Equal(t, []string{"drawing:d1"}, dropped)
	assert.Equal(t, 1, c.Len())
	assert.FileExists(t, keep.ImagePath)
	assert.NoFileExists(t, drop.ImagePath)
}

func TestCache_Purge(t *testing.T) {
	dir := t.TempDir()
	c := NewCache()
	a := cachedPair(t, dir, "a")
	b := cachedPair(t, dir, "b")
	c.Put("a", a, nil)
	c.Put("b", b, nil)

	c.Purge()

	assert.Zero(t, c.Len())
	for _, f := range append(a.Files(), b.Files()...) {
		assert.NoFileExists(t, f)
	}
}
