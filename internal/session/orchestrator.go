package session

import (
	"context"
	"errors"
	"image"
	"log/slog"
	"sync"
	"time"

	"github.com/maauso/livepair/internal/asset"
	"github.com/maauso/livepair/internal/asset/id"
	"github.com/maauso/livepair/internal/compositor"
	"github.com/maauso/livepair/internal/library"
	"github.com/maauso/livepair/internal/media"
	"github.com/maauso/livepair/internal/storage"
)

// DefaultSaveTimeout bounds how long Save waits for an in-flight composite.
const DefaultSaveTimeout = 10 * time.Second

// Config holds per-session settings.
type Config struct {
	// SessionID names the session and its durable directory. Generated if empty.
	SessionID string
	// SaveTimeout bounds how long Save waits for an in-flight composite.
	SaveTimeout time.Duration
	// JPEGQuality is used when encoding composited stills.
	JPEGQuality int
	// ShareDir receives copies of shared pairs. Sharing is disabled when empty.
	ShareDir string
}

// Dependencies are the collaborators an Orchestrator drives.
type Dependencies struct {
	Prober     media.Prober
	Transcoder Transcoder
	Tagger     Tagger
	Workspace  storage.Workspace
	Library    library.Library
	// Observer is optional.
	Observer Observer
	// Logger is optional; slog.Default() is used when nil.
	Logger *slog.Logger
}

func (d Dependencies) validate() error {
	switch {
	case d.Prober == nil:
		return errors.New("session: prober is required")
	case d.Transcoder == nil:
		return errors.New("session: transcoder is required")
	case d.Tagger == nil:
		return errors.New("session: tagger is required")
	case d.Workspace == nil:
		return errors.New("session: workspace is required")
	case d.Library == nil:
		return errors.New("session: library is required")
	}
	return nil
}

// inflight tracks the one transcode a session may run at a time.
type inflight struct {
	signature string
	// generation is the generation the job currently serves. It is restamped
	// when a later toggle asks for the same signature.
	generation uint64
	content    contentKey
	cancel     context.CancelFunc
	// settled is closed once the result has been handed back to the session.
	settled chan struct{}
}

// Orchestrator owns one preview/edit/save cycle.
type Orchestrator struct {
	cfg        Config
	prober     media.Prober
	transcoder Transcoder
	tagger     Tagger
	workspace  storage.Workspace
	library    library.Library
	observer   Observer
	logger     *slog.Logger

	ops       chan func()
	quit      chan struct{}
	done      chan struct{}
	closeOnce sync.Once
	baseCtx   context.Context
	cancelAll context.CancelFunc

	// Fields below are only touched on the session goroutine.
	state      State
	capture    asset.CaptureInput
	still      image.Image
	plain      asset.Pair
	current    asset.Pair
	overlays   map[compositor.Kind]compositor.Overlay
	enabled    map[compositor.Kind]bool
	cache      *Cache
	generation uint64
	job        *inflight
	pending    bool
	progress   float64
	lastErr    string
	shared     []string

	statusMu sync.RWMutex
	status   Status
}

// NewOrchestrator creates an Orchestrator and starts its goroutine. Call
// Reset to delete its files and Close to stop it.
func NewOrchestrator(cfg Config, deps Dependencies) (*Orchestrator, error) {
	if err := deps.validate(); err != nil {
		return nil, err
	}
	if cfg.SessionID == "" {
		cfg.SessionID = id.NewSessionID()
	}
	if cfg.SaveTimeout <= 0 {
		cfg.SaveTimeout = DefaultSaveTimeout
	}
	if cfg.JPEGQuality < 1 || cfg.JPEGQuality > 100 {
		cfg.JPEGQuality = compositor.DefaultJPEGQuality
	}
	if deps.Observer == nil {
		deps.Observer = NopObserver{}
	}
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}

	baseCtx, cancel := context.WithCancel(context.Background())
	o := &Orchestrator{
		cfg:        cfg,
		prober:     deps.Prober,
		transcoder: deps.Transcoder,
		tagger:     deps.Tagger,
		workspace:  deps.Workspace,
		library:    deps.Library,
		observer:   deps.Observer,
		logger:     deps.Logger.With(slog.String("session_id", cfg.SessionID)),
		ops:        make(chan func()),
		quit:       make(chan struct{}),
		done:       make(chan struct{}),
		baseCtx:    baseCtx,
		cancelAll:  cancel,
		state:      StateIdle,
		overlays:   make(map[compositor.Kind]compositor.Overlay),
		enabled:    make(map[compositor.Kind]bool),
		cache:      NewCache(),
	}
	o.publish()
	go o.run()
	return o, nil
}

// ID returns the session ID.
func (o *Orchestrator) ID() string {
	return o.cfg.SessionID
}

// Status returns a snapshot of the session.
func (o *Orchestrator) Status() Status {
	o.statusMu.RLock()
	defer o.statusMu.RUnlock()
	st := o.status
	st.Enabled = append([]compositor.Kind(nil), o.status.Enabled...)
	return st
}

// Close stops the session goroutine and cancels any running transcode. It
// does not delete files; call Reset first.
func (o *Orchestrator) Close() {
	o.closeOnce.Do(func() {
		o.cancelAll()
		close(o.quit)
	})
	<-o.done
}

func (o *Orchestrator) run() {
	defer close(o.done)
	for {
		select {
		case fn := <-o.ops:
			fn()
			o.publish()
		case <-o.quit:
			return
		}
	}
}

// do runs fn on the session goroutine and waits for it to return.
func (o *Orchestrator) do(ctx context.Context, fn func()) error {
	finished := make(chan struct{})
	select {
	case o.ops <- func() {
		defer close(finished)
		fn()
	}:
	case <-o.quit:
		return ErrClosed
	case <-ctx.Done():
		return ctx.Err()
	}
	<-finished
	return nil
}

// post hands fn to the session goroutine without waiting for it to run.
// It returns false if the session is closed.
func (o *Orchestrator) post(fn func()) bool {
	select {
	case o.ops <- fn:
		return true
	case <-o.quit:
		return false
	}
}

func (o *Orchestrator) publish() {
	var enabled []compositor.Kind
	for _, k := range compositor.Kinds() {
		if o.enabled[k] {
			enabled = append(enabled, k)
		}
	}
	st := Status{
		SessionID:   o.cfg.SessionID,
		State:       o.state,
		Generation:  o.generation,
		Progress:    o.progress,
		Loading:     o.loading(),
		Ready:       !o.current.IsZero(),
		Enabled:     enabled,
		Signature:   compositor.Signature(o.activeOverlays()),
		Current:     o.current,
		Plain:       o.plain,
		CachedPairs: o.cache.Len(),
		LastError:   o.lastErr,
	}
	o.statusMu.Lock()
	o.status = st
	o.statusMu.Unlock()
}

func (o *Orchestrator) loading() bool {
	return o.pending || (o.job != nil && o.job.generation == o.generation)
}

func (o *Orchestrator) setState(s State) {
	if o.state == s {
		return
	}
	o.logger.Debug("session state changed",
		slog.String("from", string(o.state)),
		slog.String("to", string(s)),
	)
	o.state = s
	o.observer.OnStateChanged(o.cfg.SessionID, s)
}

// show makes pair the displayed pair. While saving, the state is left alone.
func (o *Orchestrator) show(pair asset.Pair) {
	if o.current != pair {
		o.current = pair
		o.observer.OnPairChanged(o.cfg.SessionID, pair)
	}
	if o.state != StateSaving {
		o.setState(previewState(pair))
	}
}

func previewState(pair asset.Pair) State {
	if pair.Composited {
		return StatePreviewingComposited
	}
	return StatePreviewingPlain
}

// activeOverlays returns the enabled overlays that have content, in composition order.
func (o *Orchestrator) activeOverlays() []compositor.Overlay {
	var active []compositor.Overlay
	for _, k := range compositor.Kinds() {
		if !o.enabled[k] {
			continue
		}
		if ov, ok := o.overlays[k]; ok {
			active = append(active, ov)
		}
	}
	return active
}

// contentMatches reports whether a pair built from key is still valid for
// the current overlay content.
func (o *Orchestrator) contentMatches(key contentKey) bool {
	for kind, digest := range key {
		ov, ok := o.overlays[kind]
		if !ok || ov.Digest != digest {
			return false
		}
	}
	return true
}

func (o *Orchestrator) compositeFailed(err error) {
	o.lastErr = err.Error()
	o.logger.Warn("composite failed, keeping plain pair", slog.String("error", err.Error()))
	o.observer.OnCompositeFailed(o.cfg.SessionID, err)
}
