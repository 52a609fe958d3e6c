package session

import (
	"bytes"
	"context"
	"fmt"
	"image"
	"log/slog"

	"github.com/maauso/livepair/internal/asset"
	"github.com/maauso/livepair/internal/asset/id"
	"github.com/maauso/livepair/internal/compositor"
	"github.com/maauso/livepair/internal/tagger"
)

// Capture turns a raw capture into the session's plain pair: a tagged still
// and a tagged video sharing a fresh content identifier, with the still
// time at the middle of the clip. The session must be idle. If overlays are
// already enabled a composite is started right away.
func (o *Orchestrator) Capture(ctx context.Context, in asset.CaptureInput) (asset.Pair, error) {
	var (
		pair asset.Pair
		err  error
	)
	if derr := o.do(ctx, func() { pair, err = o.captureLocked(ctx, in) }); derr != nil {
		return asset.Pair{}, derr
	}
	return pair, err
}

func (o *Orchestrator) captureLocked(ctx context.Context, in asset.CaptureInput) (asset.Pair, error) {
	if o.state != StateIdle {
		return asset.Pair{}, fmt.Errorf("capture in state %s: %w", o.state, ErrInvalidState)
	}
	if err := in.Validate(); err != nil {
		return asset.Pair{}, err
	}
	if in.Scale <= 0 {
		in.Scale = 1
	}

	info, err := o.prober.Probe(ctx, in.VideoPath)
	if err != nil {
		return asset.Pair{}, fmt.Errorf("%w: probe video: %w", asset.ErrSourceUnavailable, err)
	}
	if info.Duration <= 0 {
		return asset.Pair{}, fmt.Errorf("%w: video has no duration", asset.ErrSourceUnavailable)
	}

	still, format, err := compositor.DecodeFile(in.StillPath)
	if err != nil {
		return asset.Pair{}, fmt.Errorf("%w: %w", asset.ErrSourceUnavailable, err)
	}

	if flag, ok := tagger.SourceOrientation(in.StillPath); ok {
		if in.Orientation != 0 && in.Orientation != flag {
			o.logger.Warn("capture orientation differs from still, keeping the still's flag",
				slog.Int("requested", int(in.Orientation)),
				slog.Int("still", int(flag)),
			)
		}
		in.Orientation = flag
	} else if in.Orientation == 0 {
		in.Orientation = compositor.OrientationUp
	}

	var temps []string
	defer func() {
		if err := o.workspace.CleanupTemp(context.WithoutCancel(ctx), temps); err != nil {
			o.logger.Warn("failed to clean capture temps", slog.String("error", err.Error()))
		}
	}()

	stillSrc := in.StillPath
	if format != "jpeg" {
		converted, err := o.encodeStill(ctx, still)
		if err != nil {
			return asset.Pair{}, err
		}
		temps = append(temps, converted)
		stillSrc = converted
	}

	stillDst, err := o.workspace.TempPath("plain", ".jpg")
	if err != nil {
		return asset.Pair{}, err
	}
	videoDst, err := o.workspace.TempPath("plain", ".mov")
	if err != nil {
		return asset.Pair{}, err
	}
	temps = append(temps, stillDst, videoDst)

	identifier := id.NewContentIdentifier()
	stillTime := info.Duration / 2

	if err := o.tagger.TagStill(ctx, stillSrc, stillDst, tagger.StillMeta{
		ContentIdentifier: identifier,
		StillDisplayTime:  stillTime,
		Orientation:       in.Orientation,
	}); err != nil {
		return asset.Pair{}, err
	}
	if _, err := o.tagger.TagVideo(ctx, in.VideoPath, videoDst, tagger.VideoMeta{
		ContentIdentifier: identifier,
		StillDisplayTime:  stillTime,
	}); err != nil {
		return asset.Pair{}, err
	}

	persisted, err := o.workspace.Persist(ctx, o.cfg.SessionID, asset.Pair{
		ImagePath:         stillDst,
		VideoPath:         videoDst,
		ContentIdentifier: identifier,
		StillDisplayTime:  stillTime,
		VideoDuration:     info.Duration,
	})
	if err != nil {
		return asset.Pair{}, fmt.Errorf("persist plain pair: %w", err)
	}

	o.capture = in
	o.still = still
	o.plain = persisted
	o.lastErr = ""
	o.show(persisted)

	o.logger.Info("capture ready",
		slog.String("content_identifier", identifier),
		slog.Duration("still_time", stillTime),
		slog.Duration("duration", info.Duration),
		slog.Int("orientation", int(in.Orientation)),
	)

	if len(o.activeOverlays()) > 0 {
		o.reconcile(ctx, false)
	}
	return persisted, nil
}

// encodeStill writes img as a JPEG temp file.
func (o *Orchestrator) encodeStill(ctx context.Context, img image.Image) (string, error) {
	var buf bytes.Buffer
	if err := compositor.EncodeJPEG(&buf, img, o.cfg.JPEGQuality); err != nil {
		return "", fmt.Errorf("%w: encode still: %w", asset.ErrEncodeFailure, err)
	}
	path, err := o.workspace.SaveTemp(ctx, "still", &buf)
	if err != nil {
		return "", fmt.Errorf("save still: %w", err)
	}
	return path, nil
}
