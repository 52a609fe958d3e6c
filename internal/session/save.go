package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"slices"
	"time"

	"github.com/maauso/livepair/internal/asset"
	"github.com/maauso/livepair/internal/compositor"
	"github.com/maauso/livepair/internal/library"
	"github.com/maauso/livepair/internal/storage"
)

// ErrShareDisabled is returned by Share when no share directory is configured.
var ErrShareDisabled = errors.New("sharing is not configured")

// Save submits the most recent pair to the library. If a composite for the
// current overlays is still running, Save waits for it up to the save
// timeout and then falls back to the best pair available. On success the
// session is torn down and returns to idle; on failure the previous state
// is restored and the error wraps asset.ErrPersistenceFailure.
func (o *Orchestrator) Save(ctx context.Context) (library.Receipt, error) {
	var (
		wait <-chan struct{}
		err  error
	)
	if derr := o.do(ctx, func() {
		if o.state != StatePreviewingPlain && o.state != StatePreviewingComposited {
			err = fmt.Errorf("save in state %s: %w", o.state, ErrInvalidState)
			return
		}
		o.setState(StateSaving)
		wait = o.awaitable()
	}); derr != nil {
		return library.Receipt{}, derr
	}
	if err != nil {
		return library.Receipt{}, err
	}

	if err := o.awaitComposite(ctx, wait); err != nil {
		o.restore()
		return library.Receipt{}, err
	}

	var receipt library.Receipt
	if derr := o.do(ctx, func() {
		pair, ok := o.resolve()
		if !ok {
			err = fmt.Errorf("%w: %w", asset.ErrPersistenceFailure, ErrNoPair)
			o.setState(previewState(o.current))
			return
		}
		receipt, err = o.library.SavePair(ctx, pair)
		if err != nil {
			if !errors.Is(err, asset.ErrPersistenceFailure) {
				err = fmt.Errorf("%w: %w", asset.ErrPersistenceFailure, err)
			}
			o.setState(previewState(o.current))
			return
		}
		o.logger.Info("pair saved",
			slog.String("location", receipt.Location),
			slog.String("content_identifier", pair.ContentIdentifier),
			slog.Bool("composited", pair.Composited),
		)
	}); derr != nil {
		return library.Receipt{}, derr
	}
	if err != nil {
		o.logger.Error("save failed", slog.String("error", err.Error()))
		return library.Receipt{}, err
	}

	if err := o.teardown(ctx); err != nil {
		o.logger.Warn("cleanup after save failed", slog.String("error", err.Error()))
	}
	return receipt, nil
}

// awaitComposite blocks until no job serves the current generation or the
// save timeout expires.
func (o *Orchestrator) awaitComposite(ctx context.Context, wait <-chan struct{}) error {
	if wait == nil {
		return nil
	}
	timer := time.NewTimer(o.cfg.SaveTimeout)
	defer timer.Stop()

	for wait != nil {
		select {
		case <-wait:
			// A deferred request may have started a follow-up job.
			if err := o.do(ctx, func() { wait = o.awaitable() }); err != nil {
				return err
			}
		case <-timer.C:
			o.logger.Warn("save timed out waiting for composite, using best available pair",
				slog.Duration("timeout", o.cfg.SaveTimeout),
			)
			return nil
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return nil
}

// awaitable returns the settled channel of the job serving the current
// request, or nil if there is none.
func (o *Orchestrator) awaitable() <-chan struct{} {
	if o.job != nil && (o.job.generation == o.generation || o.pending) {
		return o.job.settled
	}
	return nil
}

// restore leaves the saving state after an aborted save.
func (o *Orchestrator) restore() {
	_ = o.do(context.Background(), func() {
		if o.state == StateSaving {
			o.setState(previewState(o.current))
		}
	})
}

// resolve returns the pair to hand out: the displayed composite, then the
// cached composite for the active overlays, then the plain pair.
func (o *Orchestrator) resolve() (asset.Pair, bool) {
	var composited asset.Pair
	if o.current.Composited {
		composited = o.current
	}
	var cached asset.Pair
	if sig := compositor.Signature(o.activeOverlays()); sig != "" {
		cached, _ = o.cache.Get(sig)
	}
	return asset.Resolve(composited, cached, o.plain)
}

// Share copies the current pair into the share directory and returns the
// copy. The session state is unchanged. Shared copies belong to the session
// and are deleted when it is reset or saved.
func (o *Orchestrator) Share(ctx context.Context) (asset.Pair, error) {
	if o.cfg.ShareDir == "" {
		return asset.Pair{}, ErrShareDisabled
	}
	var (
		shared asset.Pair
		err    error
	)
	if derr := o.do(ctx, func() {
		if o.state != StatePreviewingPlain && o.state != StatePreviewingComposited {
			err = fmt.Errorf("share in state %s: %w", o.state, ErrInvalidState)
			return
		}
		pair, ok := o.resolve()
		if !ok {
			err = ErrNoPair
			return
		}
		dir := filepath.Join(o.cfg.ShareDir, pair.ContentIdentifier)
		shared, err = copyPair(pair, dir)
		if err == nil && !slices.Contains(o.shared, dir) {
			o.shared = append(o.shared, dir)
		}
	}); derr != nil {
		return asset.Pair{}, derr
	}
	if err != nil {
		return asset.Pair{}, err
	}
	o.logger.Info("pair shared", slog.String("image", shared.ImagePath), slog.String("video", shared.VideoPath))
	return shared, nil
}

func copyPair(pair asset.Pair, dir string) (asset.Pair, error) {
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return asset.Pair{}, fmt.Errorf("create share directory: %w", err)
	}
	out := pair
	out.ImagePath = filepath.Join(dir, filepath.Base(pair.ImagePath))
	out.VideoPath = filepath.Join(dir, filepath.Base(pair.VideoPath))
	if err := storage.CopyFile(pair.ImagePath, out.ImagePath); err != nil {
		return asset.Pair{}, fmt.Errorf("share still: %w", err)
	}
	if err := storage.CopyFile(pair.VideoPath, out.VideoPath); err != nil {
		_ = os.Remove(out.ImagePath)
		return asset.Pair{}, fmt.Errorf("share video: %w", err)
	}
	return out, nil
}

// Reset cancels any running composite, deletes every file the session owns
// and returns it to idle.
func (o *Orchestrator) Reset(ctx context.Context) error {
	return o.teardown(ctx)
}

func (o *Orchestrator) teardown(ctx context.Context) error {
	var settled <-chan struct{}
	if err := o.do(ctx, func() {
		o.generation++
		o.pending = false
		if o.job != nil {
			o.job.cancel()
			settled = o.job.settled
		}
	}); err != nil {
		return err
	}
	if settled != nil {
		select {
		case <-settled:
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	var err error
	if derr := o.do(ctx, func() { err = o.clear(ctx) }); derr != nil {
		return derr
	}
	return err
}

// clear deletes the session's files and drops all state.
func (o *Orchestrator) clear(ctx context.Context) error {
	if o.job != nil {
		// Started after the wait; its result is discarded on arrival.
		o.job.cancel()
	}
	errs := []error{o.plain.Remove()}
	if !o.cache.Owns(o.current) {
		errs = append(errs, o.current.Remove())
	}
	o.cache.Purge()
	errs = append(errs, o.workspace.RemoveSession(ctx, o.cfg.SessionID))
	for _, dir := range o.shared {
		errs = append(errs, os.RemoveAll(dir))
	}
	o.shared = nil

	o.generation++
	o.pending = false
	o.plain = asset.Pair{}
	o.capture = asset.CaptureInput{}
	o.still = nil
	o.overlays = make(map[compositor.Kind]compositor.Overlay)
	o.enabled = make(map[compositor.Kind]bool)
	o.progress = 0
	o.lastErr = ""
	if !o.current.IsZero() {
		o.current = asset.Pair{}
		o.observer.OnPairChanged(o.cfg.SessionID, asset.Pair{})
	}
	o.setState(StateIdle)

	o.logger.Info("session reset")
	return errors.Join(errs...)
}
