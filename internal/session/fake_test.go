package session

import (
	"context"
	"fmt"
	"image"
	"image/color"
	"image/jpeg"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/maauso/livepair/internal/asset"
	"github.com/maauso/livepair/internal/compositor"
	"github.com/maauso/livepair/internal/library"
	"github.com/maauso/livepair/internal/media"
	"github.com/maauso/livepair/internal/storage"
	"github.com/maauso/livepair/internal/tagger"
	"github.com/maauso/livepair/internal/transcode"
)

const clipDuration = 3 * time.Second

type fakeProber struct {
	duration time.Duration
	err      error
}

func (p fakeProber) Probe(_ context.Context, _ string) (media.VideoInfo, error) {
	if p.err != nil {
		return media.VideoInfo{}, p.err
	}
	return media.VideoInfo{Width: 64, Height: 48, Duration: p.duration, FrameRate: 30}, nil
}

// fakeTranscoder copies the source to the output. With a gate set, every
// call blocks until the test sends on the gate or the context is cancelled.
type fakeTranscoder struct {
	gate    chan struct{}
	started chan transcode.Request
	err     error

	mu    sync.Mutex
	calls []transcode.Request
}

func newFakeTranscoder(gated bool) *fakeTranscoder {
	tr := &fakeTranscoder{started: make(chan transcode.Request, 16)}
	if gated {
		tr.gate = make(chan struct{})
	}
	return tr
}

func (f *fakeTranscoder) Transcode(ctx context.Context, req transcode.Request) (transcode.Result, error) {
	f.mu.Lock()
	f.calls = append(f.calls, req)
	f.mu.Unlock()
	f.started <- req

	for _, p := range []float64{0.25, 0.5} {
		if req.Progress != nil {
			req.Progress(p)
		}
	}
	if f.gate != nil {
		select {
		case <-f.gate:
		case <-ctx.Done():
			return transcode.Result{}, fmt.Errorf("transcode: %w", asset.ErrCancelled)
		}
	}
	if f.err != nil {
		return transcode.Result{}, f.err
	}
	data, err := os.ReadFile(req.Source)
	if err != nil {
		return transcode.Result{}, err
	}
	if err := os.WriteFile(req.Output, data, 0o600); err != nil {
		return transcode.Result{}, err
	}
	if req.Progress != nil {
		req.Progress(1)
	}
	return transcode.Result{Output: req.Output, Frames: 90}, nil
}

func (f *fakeTranscoder) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.calls)
}

// fakeTagger copies files and records the metadata it was asked to write.
type fakeTagger struct {
	mu     sync.Mutex
	stills []tagger.StillMeta
	videos []tagger.VideoMeta
}

func (f *fakeTagger) TagStill(_ context.Context, src, dst string, meta tagger.StillMeta) error {
	f.mu.Lock()
	f.stills = append(f.stills, meta)
	f.mu.Unlock()
	return copyFile(src, dst)
}

func (f *fakeTagger) TagVideo(_ context.Context, src, dst string, meta tagger.VideoMeta) (media.VideoInfo, error) {
	f.mu.Lock()
	f.videos = append(f.videos, meta)
	f.mu.Unlock()
	return media.VideoInfo{Duration: clipDuration}, copyFile(src, dst)
}

func (f *fakeTagger) stillMetas() []tagger.StillMeta {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]tagger.StillMeta(nil), f.stills...)
}

// exifTagger tags stills with the real tagger and videos like fakeTagger.
type exifTagger struct {
	*fakeTagger
	real *tagger.Tagger
}

func (x exifTagger) TagStill(ctx context.Context, src, dst string, meta tagger.StillMeta) error {
	x.mu.Lock()
	x.stills = append(x.stills, meta)
	x.mu.Unlock()
	return x.real.TagStill(ctx, src, dst, meta)
}

func (f *fakeTagger) videoMetas() []tagger.VideoMeta {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]tagger.VideoMeta(nil), f.videos...)
}

func copyFile(src, dst string) error {
	data, err := os.ReadFile(src)
	if err != nil {
		return err
	}
	return os.WriteFile(dst, data, 0o600)
}

// mockLibrary is a testify mock for library.Library.
type mockLibrary struct {
	mock.Mock
}

func (m *mockLibrary) SavePair(ctx context.Context, pair asset.Pair) (library.Receipt, error) {
	args := m.Called(ctx, pair)
	return args.Get(0).(library.Receipt), args.Error(1)
}

// recorder is an Observer that keeps every event.
type recorder struct {
	mu       sync.Mutex
	progress []float64
	pairs    []asset.Pair
	failures []error
	states   []State
}

func (r *recorder) OnProgress(_ string, p float64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.progress = append(r.progress, p)
}

func (r *recorder) OnPairChanged(_ string, pair asset.Pair) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.pairs = append(r.pairs, pair)
}

func (r *recorder) OnCompositeFailed(_ string, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.failures = append(r.failures, err)
}

func (r *recorder) OnStateChanged(_ string, s State) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.states = append(r.states, s)
}

func (r *recorder) progressValues() []float64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]float64(nil), r.progress...)
}

func (r *recorder) failureCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.failures)
}

// env is an orchestrator wired to fakes and real local storage.
type env struct {
	o          *Orchestrator
	tr         *fakeTranscoder
	tg         *fakeTagger
	obs        *recorder
	workDir    string
	sessionDir string
	libRoot    string
	shareDir   string
	input      asset.CaptureInput
}

type envOption func(*Config, *Dependencies)

func withLibrary(l library.Library) envOption {
	return func(_ *Config, d *Dependencies) { d.Library = l }
}

func withSaveTimeout(timeout time.Duration) envOption {
	return func(c *Config, _ *Dependencies) { c.SaveTimeout = timeout }
}

func withExifTagger() envOption {
	return func(_ *Config, d *Dependencies) {
		d.Tagger = exifTagger{fakeTagger: d.Tagger.(*fakeTagger), real: tagger.New(nil, nil)}
	}
}

// flagStill rewrites the still at path with an EXIF orientation flag.
func flagStill(t *testing.T, path string, orientation compositor.Orientation) {
	t.Helper()
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	payload, err := tagger.BuildExif(nil, uint16(orientation), tagger.StillMeta{ContentIdentifier: "CAMERA"})
	require.NoError(t, err)
	flagged, err := tagger.ReplaceExif(data, payload)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(path, flagged, 0o600))
}

func newEnv(t *testing.T, tr *fakeTranscoder, opts ...envOption) *env {
	t.Helper()
	root := t.TempDir()
	e := &env{
		tr:         tr,
		tg:         &fakeTagger{},
		obs:        &recorder{},
		workDir:    filepath.Join(root, "work"),
		sessionDir: filepath.Join(root, "sessions"),
		libRoot:    filepath.Join(root, "library"),
		shareDir:   filepath.Join(root, "share"),
	}
	ws, err := storage.NewLocalWorkspace(e.workDir, e.sessionDir)
	require.NoError(t, err)
	lib, err := library.NewDirLibrary(e.libRoot, nil)
	require.NoError(t, err)

	cfg := Config{SessionID: "ses-test", SaveTimeout: 5 * time.Second, ShareDir: e.shareDir}
	deps := Dependencies{
		Prober:     fakeProber{duration: clipDuration},
		Transcoder: tr,
		Tagger:     e.tg,
		Workspace:  ws,
		Library:    lib,
		Observer:   e.obs,
	}
	for _, opt := range opts {
		opt(&cfg, &deps)
	}

	e.o, err = NewOrchestrator(cfg, deps)
	require.NoError(t, err)
	t.Cleanup(func() {
		_ = e.o.Reset(context.Background())
		e.o.Close()
	})

	e.input = writeCapture(t, filepath.Join(root, "raw"))
	return e
}

// writeCapture writes a JPEG still and a stand-in video clip.
func writeCapture(t *testing.T, dir string) asset.CaptureInput {
	t.Helper()
	require.NoError(t, os.MkdirAll(dir, 0o750))

	img := image.NewRGBA(image.Rect(0, 0, 64, 48))
	for i := 0; i < len(img.Pix); i += 4 {
		img.Pix[i], img.Pix[i+1], img.Pix[i+2], img.Pix[i+3] = 40, 90, 160, 255
	}
	stillPath := filepath.Join(dir, "still.jpg")
	f, err := os.Create(stillPath)
	require.NoError(t, err)
	require.NoError(t, jpeg.Encode(f, img, nil))
	require.NoError(t, f.Close())

	videoPath := filepath.Join(dir, "clip.mov")
	require.NoError(t, os.WriteFile(videoPath, []byte("ftypqt  moov"), 0o600))

	return asset.CaptureInput{
		StillPath:   stillPath,
		VideoPath:   videoPath,
		Orientation: 6,
		Scale:       1,
		CapturedAt:  time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC),
	}
}

// overlayImage returns an overlay with a single opaque stroke.
func overlayImage(c color.RGBA) *image.RGBA {
	img := image.NewRGBA(image.Rect(0, 0, 48, 64))
	for x := 4; x < 20; x++ {
		img.SetRGBA(x, 10, c)
	}
	return img
}

// capture runs Capture and fails the test on error.
func (e *env) capture(t *testing.T) asset.Pair {
	t.Helper()
	pair, err := e.o.Capture(context.Background(), e.input)
	require.NoError(t, err)
	return pair
}

// dirEntries lists the names in dir, or nothing if it does not exist.
func dirEntries(t *testing.T, dir string) []string {
	t.Helper()
	entries, err := os.ReadDir(dir)
	if os.IsNotExist(err) {
		return nil
	}
	require.NoError(t, err)
	names := make([]string, 0, len(entries))
	for _, e := range entries {
		names = append(names, e.Name())
	}
	return names
}

func eventually(t *testing.T, cond func() bool, msg string) {
	t.Helper()
	require.Eventually(t, cond, 3*time.Second, 5*time.Millisecond, msg)
}
