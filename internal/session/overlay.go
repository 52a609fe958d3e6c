package session

import (
	"context"
	"fmt"
	"image"
	"log/slog"
	"os"

	"github.com/maauso/livepair/internal/asset"
	"github.com/maauso/livepair/internal/asset/id"
	"github.com/maauso/livepair/internal/compositor"
	"github.com/maauso/livepair/internal/tagger"
	"github.com/maauso/livepair/internal/transcode"
)

// SetOverlay replaces the content of one overlay layer. Cached composites
// built from the old content are deleted; if the layer is enabled a new
// composite is requested.
func (o *Orchestrator) SetOverlay(ctx context.Context, kind compositor.Kind, img image.Image) error {
	if !kind.IsValid() {
		return fmt.Errorf("%w: %q", ErrUnknownOverlay, kind)
	}
	if img == nil || img.Bounds().Empty() {
		return ErrNoOverlayContent
	}
	ov := compositor.NewOverlay(kind, img)

	return o.do(ctx, func() {
		if old, ok := o.overlays[kind]; ok && old.Digest == ov.Digest {
			return
		}
		o.overlays[kind] = ov
		if dropped := o.cache.Retain(o.contentMatches); len(dropped) > 0 {
			o.logger.Debug("evicted composites for replaced overlay",
				slog.String("kind", string(kind)),
				slog.Int("count", len(dropped)),
			)
		}
		if o.enabled[kind] {
			o.reconcile(ctx, true)
		}
	})
}

// EnableOverlay turns a layer on. The layer must have content.
func (o *Orchestrator) EnableOverlay(ctx context.Context, kind compositor.Kind) error {
	return o.toggle(ctx, kind, true)
}

// DisableOverlay turns a layer off. Cached composites are kept.
func (o *Orchestrator) DisableOverlay(ctx context.Context, kind compositor.Kind) error {
	return o.toggle(ctx, kind, false)
}

func (o *Orchestrator) toggle(ctx context.Context, kind compositor.Kind, on bool) error {
	if !kind.IsValid() {
		return fmt.Errorf("%w: %q", ErrUnknownOverlay, kind)
	}
	var err error
	if derr := o.do(ctx, func() {
		if _, ok := o.overlays[kind]; on && !ok {
			err = fmt.Errorf("enable %s: %w", kind, ErrNoOverlayContent)
			return
		}
		o.enabled[kind] = on
		o.reconcile(ctx, true)
	}); derr != nil {
		return derr
	}
	return err
}

// reconcile brings the displayed pair in line with the active overlay set.
// bump starts a new generation; results from older generations are never
// displayed.
func (o *Orchestrator) reconcile(ctx context.Context, bump bool) {
	if bump {
		o.generation++
	}
	if o.plain.IsZero() {
		return
	}

	active := o.activeOverlays()
	sig := compositor.Signature(active)
	if sig == "" {
		o.pending = false
		o.show(o.plain)
		return
	}
	if pair, ok := o.cache.Get(sig); ok {
		o.pending = false
		o.progress = 1
		o.show(pair)
		return
	}

	o.show(o.plain)
	if o.job != nil {
		if o.job.signature == sig {
			o.job.generation = o.generation
			o.pending = false
			return
		}
		// One transcode at a time; the latest request starts when it settles.
		o.pending = true
		return
	}
	o.startJob(ctx, active, sig)
}

// startJob composes the still synchronously and launches the video
// transcode in the background.
func (o *Orchestrator) startJob(ctx context.Context, active []compositor.Overlay, sig string) {
	identifier := id.NewContentIdentifier()
	stillTime := o.plain.StillDisplayTime

	stillPath, err := o.composeStill(ctx, active, identifier)
	if err != nil {
		o.compositeFailed(err)
		return
	}
	rawVideo, err := o.workspace.TempPath("composite_raw", ".mov")
	if err != nil {
		_ = os.Remove(stillPath)
		o.compositeFailed(err)
		return
	}
	taggedVideo, err := o.workspace.TempPath("composite", ".mov")
	if err != nil {
		_ = os.Remove(stillPath)
		o.compositeFailed(err)
		return
	}

	jobCtx, cancel := context.WithCancel(o.baseCtx)
	j := &inflight{
		signature:  sig,
		generation: o.generation,
		content:    contentKeyOf(active),
		cancel:     cancel,
		settled:    make(chan struct{}),
	}
	o.job = j
	o.pending = false
	o.progress = 0

	req := transcode.Request{
		Source:   o.plain.VideoPath,
		Output:   rawVideo,
		Overlays: active,
		Scale:    o.capture.Scale,
		Progress: func(p float64) {
			o.post(func() { o.jobProgress(j, p) })
		},
		OnState: func(s transcode.Status) {
			o.logger.Debug("transcode state",
				slog.String("signature", sig),
				slog.String("status", string(s)),
			)
		},
	}
	meta := tagger.VideoMeta{ContentIdentifier: identifier, StillDisplayTime: stillTime}
	pair := asset.Pair{
		ImagePath:         stillPath,
		ContentIdentifier: identifier,
		StillDisplayTime:  stillTime,
		VideoDuration:     o.plain.VideoDuration,
		Composited:        true,
		Signature:         sig,
	}

	o.logger.Info("composite started",
		slog.String("signature", sig),
		slog.Uint64("generation", o.generation),
	)
	go o.runJob(jobCtx, j, req, taggedVideo, meta, pair)
}

// composeStill bakes active into the captured still and tags the result.
func (o *Orchestrator) composeStill(ctx context.Context, active []compositor.Overlay, identifier string) (string, error) {
	img := compositor.ComposeOriented(o.still, active, o.capture.Scale, o.capture.Orientation)
	composed, err := o.encodeStill(ctx, img)
	if err != nil {
		return "", err
	}
	defer func() { _ = os.Remove(composed) }()

	dst, err := o.workspace.TempPath("composite", ".jpg")
	if err != nil {
		return "", err
	}
	if err := o.tagger.TagStill(ctx, composed, dst, tagger.StillMeta{
		ContentIdentifier: identifier,
		StillDisplayTime:  o.plain.StillDisplayTime,
		Orientation:       o.capture.Orientation,
	}); err != nil {
		return "", err
	}
	return dst, nil
}

// runJob runs on its own goroutine and hands its result back to the session.
func (o *Orchestrator) runJob(ctx context.Context, j *inflight, req transcode.Request, taggedVideo string, meta tagger.VideoMeta, pair asset.Pair) {
	res, err := o.transcoder.Transcode(ctx, req)
	if err == nil {
		_, err = o.tagger.TagVideo(ctx, req.Output, taggedVideo, meta)
		_ = os.Remove(req.Output)
		if err == nil {
			pair.VideoPath = taggedVideo
			o.logger.Debug("composite video ready",
				slog.String("signature", j.signature),
				slog.Int("frames", res.Frames),
			)
		}
	}

	if !o.post(func() { o.finishJob(j, pair, err) }) {
		_ = pair.Remove()
		j.cancel()
		close(j.settled)
	}
}

func (o *Orchestrator) jobProgress(j *inflight, p float64) {
	if o.job != j || j.generation != o.generation {
		return
	}
	// 1.0 is reported only once the tagged pair is in place.
	p = min(p, transcode.MaxPendingProgress)
	if p <= o.progress {
		return
	}
	o.progress = p
	o.observer.OnProgress(o.cfg.SessionID, p)
}

// finishJob takes ownership of a job's result on the session goroutine.
func (o *Orchestrator) finishJob(j *inflight, pair asset.Pair, err error) {
	defer close(j.settled)
	j.cancel()
	if o.job == j {
		o.job = nil
	}
	current := j.generation == o.generation && !o.plain.IsZero()

	switch {
	case err != nil:
		_ = pair.Remove()
		if asset.IsCancelled(err) {
			o.logger.Debug("composite cancelled", slog.String("signature", j.signature))
		} else if current {
			o.compositeFailed(err)
		} else {
			o.logger.Warn("superseded composite failed",
				slog.String("signature", j.signature),
				slog.String("error", err.Error()),
			)
		}

	case current:
		persisted, perr := o.persist(pair)
		if perr != nil {
			o.compositeFailed(perr)
			break
		}
		o.cache.Put(j.signature, persisted, j.content)
		o.progress = 1
		o.observer.OnProgress(o.cfg.SessionID, 1)
		o.show(persisted)
		o.logger.Info("composite ready",
			slog.String("signature", j.signature),
			slog.String("content_identifier", persisted.ContentIdentifier),
		)

	case !o.plain.IsZero() && o.contentMatches(j.content):
		// Superseded but still valid for the current overlays; keep it for a
		// later toggle back.
		persisted, perr := o.persist(pair)
		if perr != nil {
			o.logger.Warn("failed to cache superseded composite", slog.String("error", perr.Error()))
			break
		}
		o.cache.Put(j.signature, persisted, j.content)
		o.logger.Debug("superseded composite cached", slog.String("signature", j.signature))

	default:
		_ = pair.Remove()
		o.logger.Debug("superseded composite discarded", slog.String("signature", j.signature))
	}

	if o.pending {
		o.pending = false
		o.reconcile(o.baseCtx, false)
	}
}

// persist moves a finished pair from the work dir into the session directory.
func (o *Orchestrator) persist(pair asset.Pair) (asset.Pair, error) {
	persisted, err := o.workspace.Persist(o.baseCtx, o.cfg.SessionID, pair)
	_ = pair.Remove()
	if err != nil {
		return asset.Pair{}, fmt.Errorf("persist composite: %w", err)
	}
	return persisted, nil
}
