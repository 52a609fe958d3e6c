package session

import (
	"context"
	"errors"
	"image/color"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/maauso/livepair/internal/asset"
	"github.com/maauso/livepair/internal/compositor"
	"github.com/maauso/livepair/internal/library"
	"github.com/maauso/livepair/internal/tagger"
)

var (
	red  = color.RGBA{R: 255, A: 255}
	blue = color.RGBA{B: 255, A: 255}
)

func TestNewOrchestrator_RequiresDependencies(t *testing.T) {
	_, err := NewOrchestrator(Config{}, Dependencies{})
	require.Error(t, err)
}

func TestOrchestrator_Capture(t *testing.T) {
	e := newEnv(t, newFakeTranscoder(false))

	pair := e.capture(t)

	require.NoError(t, pair.Validate())
	assert.False(t, pair.Composited)
	assert.Equal(t, clipDuration/2, pair.StillDisplayTime)
	assert.Equal(t, clipDuration, pair.VideoDuration)
	assert.Equal(t, filepath.Join(e.sessionDir, "ses-test"), filepath.Dir(pair.ImagePath))

	require.Len(t, e.tg.stills, 1)
	require.Len(t, e.tg.videoMetas(), 1)
	assert.Equal(t, pair.ContentIdentifier, e.tg.stills[0].ContentIdentifier)
	assert.Equal(t, pair.ContentIdentifier, e.tg.videoMetas()[0].ContentIdentifier)
	assert.Equal(t, compositor.OrientationRight, e.tg.stills[0].Orientation)

	st := e.o.Status()
	assert.Equal(t, StatePreviewingPlain, st.State)
	assert.True(t, st.Ready)
	assert.False(t, st.Loading)
	assert.Equal(t, pair, st.Current)
	assert.Equal(t, pair, st.Plain)
	assert.Empty(t, dirEntries(t, e.workDir), "capture temps must be cleaned")
	assert.Zero(t, e.tr.callCount())
}

func TestOrchestrator_CaptureKeepsStillOrientation(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t, newFakeTranscoder(false), withExifTagger())
	flagStill(t, e.input.StillPath, compositor.OrientationRight)
	in := e.input
	in.Orientation = 0

	plain, err := e.o.Capture(ctx, in)
	require.NoError(t, err)

	stills := e.tg.stillMetas()
	require.Len(t, stills, 1)
	assert.Equal(t, compositor.OrientationRight, stills[0].Orientation)
	ids, err := tagger.ReadStillIdentifiers(plain.ImagePath)
	require.NoError(t, err)
	assert.Equal(t, compositor.OrientationRight, ids.Orientation)
	assert.Equal(t, plain.ContentIdentifier, ids.UniqueID)

	// The composite is mapped and flagged with the same orientation.
	require.NoError(t, e.o.SetOverlay(ctx, compositor.KindDrawing, overlayImage(red)))
	require.NoError(t, e.o.EnableOverlay(ctx, compositor.KindDrawing))
	eventually(t, func() bool {
		return e.o.Status().State == StatePreviewingComposited
	}, "composite never displayed")

	stills = e.tg.stillMetas()
	require.Len(t, stills, 2)
	assert.Equal(t, compositor.OrientationRight, stills[1].Orientation)
	ids, err = tagger.ReadStillIdentifiers(e.o.Status().Current.ImagePath)
	require.NoError(t, err)
	assert.Equal(t, compositor.OrientationRight, ids.Orientation)
}

func TestOrchestrator_CaptureStillFlagOverridesRequest(t *testing.T) {
	e := newEnv(t, newFakeTranscoder(false))
	flagStill(t, e.input.StillPath, compositor.OrientationLeft)

	e.capture(t)

	stills := e.tg.stillMetas()
	require.Len(t, stills, 1)
	assert.Equal(t, compositor.OrientationLeft, stills[0].Orientation)
}

func TestOrchestrator_CaptureErrors(t *testing.T) {
	t.Run("missing source", func(t *testing.T) {
		e := newEnv(t, newFakeTranscoder(false))
		in := e.input
		in.VideoPath = filepath.Join(t.TempDir(), "missing.mov")

		_, err := e.o.Capture(context.Background(), in)
		require.ErrorIs(t, err, asset.ErrSourceUnavailable)
		assert.Equal(t, StateIdle, e.o.Status().State)
	})

	t.Run("not idle", func(t *testing.T) {
		e := newEnv(t, newFakeTranscoder(false))
		e.capture(t)

		_, err := e.o.Capture(context.Background(), e.input)
		require.ErrorIs(t, err, ErrInvalidState)
	})

	t.Run("zero duration", func(t *testing.T) {
		e := newEnv(t, newFakeTranscoder(false), func(_ *Config, d *Dependencies) {
			d.Prober = fakeProber{}
		})
		_, err := e.o.Capture(context.Background(), e.input)
		require.ErrorIs(t, err, asset.ErrSourceUnavailable)
	})
}

func TestOrchestrator_EnableOverlayProducesComposite(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t, newFakeTranscoder(false))
	plain := e.capture(t)

	require.NoError(t, e.o.SetOverlay(ctx, compositor.KindDrawing, overlayImage(red)))
	require.NoError(t, e.o.EnableOverlay(ctx, compositor.KindDrawing))

	eventually(t, func() bool {
		return e.o.Status().State == StatePreviewingComposited
	}, "composite never displayed")

	st := e.o.Status()
	require.NoError(t, st.Current.Validate())
	assert.True(t, st.Current.Composited)
	assert.NotEqual(t, plain.ContentIdentifier, st.Current.ContentIdentifier)
	assert.Equal(t, plain.StillDisplayTime, st.Current.StillDisplayTime)
	assert.Equal(t, st.Signature, st.Current.Signature)
	assert.Equal(t, 1, st.CachedPairs)
	assert.False(t, st.Loading)
	assert.Equal(t, 1.0, st.Progress)
	assert.Equal(t, 1, e.tr.callCount())

	progress := e.obs.progressValues()
	require.NotEmpty(t, progress)
	assert.Equal(t, 1.0, progress[len(progress)-1])
	assert.IsNonDecreasing(t, progress)

	metas := e.tg.videoMetas()
	require.Len(t, metas, 2)
	assert.Equal(t, st.Current.ContentIdentifier, metas[1].ContentIdentifier)
	assert.Equal(t, plain.StillDisplayTime, metas[1].StillDisplayTime)

	assert.Empty(t, dirEntries(t, e.workDir))
}

func TestOrchestrator_ToggleReusesCache(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t, newFakeTranscoder(false))
	plain := e.capture(t)

	require.NoError(t, e.o.SetOverlay(ctx, compositor.KindDrawing, overlayImage(red)))
	require.NoError(t, e.o.EnableOverlay(ctx, compositor.KindDrawing))
	eventually(t, func() bool { return e.o.Status().State == StatePreviewingComposited }, "composite never displayed")
	composite := e.o.Status().Current

	require.NoError(t, e.o.EnableOverlay(ctx, compositor.KindDrawing))
	assert.Equal(t, composite, e.o.Status().Current)

	require.NoError(t, e.o.DisableOverlay(ctx, compositor.KindDrawing))
	st := e.o.Status()
	assert.Equal(t, plain, st.Current)
	assert.Equal(t, StatePreviewingPlain, st.State)
	assert.Equal(t, 1, st.CachedPairs, "disable keeps the cache")

	require.NoError(t, e.o.EnableOverlay(ctx, compositor.KindDrawing))
	st = e.o.Status()
	assert.Equal(t, composite, st.Current)
	assert.Equal(t, StatePreviewingComposited, st.State)

	assert.Equal(t, 1, e.tr.callCount())
}

func TestOrchestrator_EnableTwiceWhileRunningAdoptsJob(t *testing.T) {
	ctx := context.Background()
	tr := newFakeTranscoder(true)
	e := newEnv(t, tr)
	e.capture(t)

	require.NoError(t, e.o.SetOverlay(ctx, compositor.KindDrawing, overlayImage(red)))
	require.NoError(t, e.o.EnableOverlay(ctx, compositor.KindDrawing))
	<-tr.started
	require.NoError(t, e.o.EnableOverlay(ctx, compositor.KindDrawing))
	assert.True(t, e.o.Status().Loading)

	tr.gate <- struct{}{}
	eventually(t, func() bool { return e.o.Status().State == StatePreviewingComposited }, "adopted job not displayed")
	assert.Equal(t, 1, tr.callCount())
}

func TestOrchestrator_DisableMidTranscode(t *testing.T) {
	ctx := context.Background()
	tr := newFakeTranscoder(true)
	e := newEnv(t, tr)
	plain := e.capture(t)

	require.NoError(t, e.o.SetOverlay(ctx, compositor.KindDrawing, overlayImage(red)))
	require.NoError(t, e.o.EnableOverlay(ctx, compositor.KindDrawing))
	<-tr.started

	require.NoError(t, e.o.DisableOverlay(ctx, compositor.KindDrawing))
	st := e.o.Status()
	assert.Equal(t, plain, st.Current)
	assert.Equal(t, StatePreviewingPlain, st.State)
	assert.False(t, st.Loading)

	tr.gate <- struct{}{}
	eventually(t, func() bool { return e.o.Status().CachedPairs == 1 }, "superseded result not settled")

	st = e.o.Status()
	assert.Equal(t, plain, st.Current, "stale result must not be displayed")
	assert.Equal(t, StatePreviewingPlain, st.State)
	assert.Empty(t, dirEntries(t, e.workDir))
}

func TestOrchestrator_LatestToggleWins(t *testing.T) {
	ctx := context.Background()
	tr := newFakeTranscoder(true)
	e := newEnv(t, tr)
	e.capture(t)

	require.NoError(t, e.o.SetOverlay(ctx, compositor.KindDrawing, overlayImage(red)))
	require.NoError(t, e.o.SetOverlay(ctx, compositor.KindCosmetic, overlayImage(blue)))
	require.NoError(t, e.o.DisableOverlay(ctx, compositor.KindCosmetic))

	require.NoError(t, e.o.EnableOverlay(ctx, compositor.KindDrawing))
	first := <-tr.started
	require.NoError(t, e.o.EnableOverlay(ctx, compositor.KindCosmetic))
	wantSig := e.o.Status().Signature
	assert.True(t, e.o.Status().Loading)

	// The first job finishes after the second toggle.
	tr.gate <- struct{}{}
	second := <-tr.started
	assert.Len(t, first.Overlays, 1)
	assert.Len(t, second.Overlays, 2)
	assert.Equal(t, StatePreviewingPlain, e.o.Status().State)

	tr.gate <- struct{}{}
	eventually(t, func() bool { return e.o.Status().State == StatePreviewingComposited }, "second composite never displayed")

	st := e.o.Status()
	assert.Equal(t, wantSig, st.Current.Signature)
	assert.Equal(t, 2, st.CachedPairs)
	assert.Equal(t, 2, tr.callCount())
}

func TestOrchestrator_GenerationIsMonotonic(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t, newFakeTranscoder(false))
	e.capture(t)
	require.NoError(t, e.o.SetOverlay(ctx, compositor.KindDrawing, overlayImage(red)))

	last := e.o.Status().Generation
	for i := 0; i < 6; i++ {
		if i%2 == 0 {
			require.NoError(t, e.o.EnableOverlay(ctx, compositor.KindDrawing))
		} else {
			require.NoError(t, e.o.DisableOverlay(ctx, compositor.KindDrawing))
		}
		gen := e.o.Status().Generation
		assert.Greater(t, gen, last)
		last = gen
	}

	eventually(t, func() bool { return !e.o.Status().Loading }, "job never settled")
	assert.Equal(t, StatePreviewingPlain, e.o.Status().State)
}

func TestOrchestrator_EnableWithoutContent(t *testing.T) {
	e := newEnv(t, newFakeTranscoder(false))
	e.capture(t)

	err := e.o.EnableOverlay(context.Background(), compositor.KindCosmetic)
	require.ErrorIs(t, err, ErrNoOverlayContent)

	err = e.o.EnableOverlay(context.Background(), compositor.Kind("sticker"))
	require.ErrorIs(t, err, ErrUnknownOverlay)
}

func TestOrchestrator_SetOverlayEvictsStaleComposites(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t, newFakeTranscoder(false))
	e.capture(t)

	require.NoError(t, e.o.SetOverlay(ctx, compositor.KindDrawing, overlayImage(red)))
	require.NoError(t, e.o.EnableOverlay(ctx, compositor.KindDrawing))
	eventually(t, func() bool { return e.o.Status().State == StatePreviewingComposited }, "composite never displayed")
	old := e.o.Status().Current
	require.NoError(t, e.o.DisableOverlay(ctx, compositor.KindDrawing))

	require.NoError(t, e.o.SetOverlay(ctx, compositor.KindDrawing, overlayImage(blue)))
	assert.Zero(t, e.o.Status().CachedPairs)
	assert.NoFileExists(t, old.ImagePath)
	assert.NoFileExists(t, old.VideoPath)
}

func TestOrchestrator_CompositeFailureKeepsPlain(t *testing.T) {
	ctx := context.Background()
	tr := newFakeTranscoder(false)
	tr.err = errors.New("encoder exploded")
	e := newEnv(t, tr)
	plain := e.capture(t)

	require.NoError(t, e.o.SetOverlay(ctx, compositor.KindDrawing, overlayImage(red)))
	require.NoError(t, e.o.EnableOverlay(ctx, compositor.KindDrawing))

	eventually(t, func() bool { return e.obs.failureCount() == 1 }, "failure not reported")
	st := e.o.Status()
	assert.Equal(t, plain, st.Current)
	assert.Equal(t, StatePreviewingPlain, st.State)
	assert.Contains(t, st.LastError, "encoder exploded")
	assert.False(t, st.Loading)
	assert.Empty(t, dirEntries(t, e.workDir))
}

func TestOrchestrator_SaveWaitsForComposite(t *testing.T) {
	ctx := context.Background()
	tr := newFakeTranscoder(true)
	e := newEnv(t, tr)
	e.capture(t)

	require.NoError(t, e.o.SetOverlay(ctx, compositor.KindDrawing, overlayImage(red)))
	require.NoError(t, e.o.EnableOverlay(ctx, compositor.KindDrawing))
	<-tr.started

	type saved struct {
		receipt library.Receipt
		err     error
	}
	done := make(chan saved, 1)
	go func() {
		r, err := e.o.Save(ctx)
		done <- saved{r, err}
	}()
	eventually(t, func() bool { return e.o.Status().State == StateSaving }, "save never started")

	tr.gate <- struct{}{}
	res := <-done
	require.NoError(t, res.err)

	metas := e.tg.videoMetas()
	require.Len(t, metas, 2)
	compositeID := metas[1].ContentIdentifier
	assert.Equal(t, filepath.Join(e.libRoot, compositeID), res.receipt.Location)
	assert.FileExists(t, res.receipt.Image)
	assert.FileExists(t, res.receipt.Video)

	st := e.o.Status()
	assert.Equal(t, StateIdle, st.State)
	assert.False(t, st.Ready)
	assert.Zero(t, st.CachedPairs)
	assert.Empty(t, dirEntries(t, e.sessionDir))
	assert.Empty(t, dirEntries(t, e.workDir))
}

func TestOrchestrator_SaveTimesOutToPlain(t *testing.T) {
	ctx := context.Background()
	tr := newFakeTranscoder(true)
	e := newEnv(t, tr, withSaveTimeout(50*time.Millisecond))
	plain := e.capture(t)

	require.NoError(t, e.o.SetOverlay(ctx, compositor.KindDrawing, overlayImage(red)))
	require.NoError(t, e.o.EnableOverlay(ctx, compositor.KindDrawing))
	<-tr.started

	receipt, err := e.o.Save(ctx)
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(e.libRoot, plain.ContentIdentifier), receipt.Location)

	assert.Equal(t, StateIdle, e.o.Status().State)
	assert.Empty(t, dirEntries(t, e.workDir), "cancelled job left files behind")
	assert.Empty(t, dirEntries(t, e.sessionDir))
}

func TestOrchestrator_SaveFailureRestoresState(t *testing.T) {
	ctx := context.Background()
	lib := &mockLibrary{}
	lib.On("SavePair", mock.Anything, mock.AnythingOfType("asset.Pair")).
		Return(library.Receipt{}, errors.New("disk full"))
	e := newEnv(t, newFakeTranscoder(false), withLibrary(lib))
	plain := e.capture(t)

	_, err := e.o.Save(ctx)
	require.ErrorIs(t, err, asset.ErrPersistenceFailure)

	st := e.o.Status()
	assert.Equal(t, StatePreviewingPlain, st.State)
	assert.Equal(t, plain, st.Current)
	require.NoError(t, plain.Validate())
	lib.AssertExpectations(t)
}

func TestOrchestrator_SaveRequiresPreview(t *testing.T) {
	e := newEnv(t, newFakeTranscoder(false))

	_, err := e.o.Save(context.Background())
	require.ErrorIs(t, err, ErrInvalidState)
}

func TestOrchestrator_Share(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t, newFakeTranscoder(false))
	plain := e.capture(t)

	shared, err := e.o.Share(ctx)
	require.NoError(t, err)

	assert.Equal(t, filepath.Join(e.shareDir, plain.ContentIdentifier), filepath.Dir(shared.ImagePath))
	assert.Equal(t, plain.ContentIdentifier, shared.ContentIdentifier)
	assert.FileExists(t, shared.ImagePath)
	assert.FileExists(t, shared.VideoPath)
	assert.Equal(t, StatePreviewingPlain, e.o.Status().State)
}

func TestOrchestrator_ResetRemovesSharedCopies(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t, newFakeTranscoder(false))
	e.capture(t)

	shared, err := e.o.Share(ctx)
	require.NoError(t, err)
	_, err = e.o.Share(ctx)
	require.NoError(t, err)
	require.FileExists(t, shared.ImagePath)

	require.NoError(t, e.o.Reset(ctx))

	assert.NoFileExists(t, shared.ImagePath)
	assert.NoFileExists(t, shared.VideoPath)
	assert.Empty(t, dirEntries(t, e.shareDir))
}

func TestOrchestrator_ResetMidTranscodeCleansUp(t *testing.T) {
	ctx := context.Background()
	tr := newFakeTranscoder(true)
	e := newEnv(t, tr)
	e.capture(t)

	require.NoError(t, e.o.SetOverlay(ctx, compositor.KindDrawing, overlayImage(red)))
	require.NoError(t, e.o.EnableOverlay(ctx, compositor.KindDrawing))
	<-tr.started

	require.NoError(t, e.o.Reset(ctx))

	st := e.o.Status()
	assert.Equal(t, StateIdle, st.State)
	assert.True(t, st.Current.IsZero())
	assert.False(t, st.Loading)
	assert.Empty(t, dirEntries(t, e.workDir))
	assert.Empty(t, dirEntries(t, e.sessionDir))
}

func TestOrchestrator_ClosedRejectsCalls(t *testing.T) {
	e := newEnv(t, newFakeTranscoder(false))
	e.o.Close()

	_, err := e.o.Capture(context.Background(), e.input)
	require.ErrorIs(t, err, ErrClosed)
}

func TestOrchestrator_OverlaysBeforeCapture(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t, newFakeTranscoder(false))

	require.NoError(t, e.o.SetOverlay(ctx, compositor.KindDrawing, overlayImage(red)))
	require.NoError(t, e.o.EnableOverlay(ctx, compositor.KindDrawing))
	assert.Equal(t, StateIdle, e.o.Status().State)

	e.capture(t)
	eventually(t, func() bool { return e.o.Status().State == StatePreviewingComposited }, "composite never displayed")
	_, statErr := os.Stat(e.o.Status().Current.ImagePath)
	require.NoError(t, statErr)
}
