// Package transcode re-encodes a video frame by frame with a static overlay
// stack baked into every frame, keeping the source geometry, display rotation
// and color characteristics.
package transcode

import (
	"context"
	"errors"
	"fmt"
	"image"
	"io"
	"log/slog"
	"os"
	"runtime"
	"strings"

	"golang.org/x/sync/errgroup"

	"github.com/maauso/livepair/internal/asset"
	"github.com/maauso/livepair/internal/compositor"
	"github.com/maauso/livepair/internal/media"
)

// Request describes one composite-video transcode.
type Request struct {
	// Source is the input video.
	Source string
	// Output is the destination file. It is deleted on failure or cancellation.
	Output string
	// Overlays are the display-space layers baked into every frame.
	Overlays []compositor.Overlay
	// Scale is the capture scale used to place overlays.
	Scale float64
	// Progress, if set, receives monotonically increasing progress in [0, 1].
	Progress func(float64)
	// OnState, if set, receives every job state change.
	OnState func(Status)
}

// Result describes a finished transcode.
type Result struct {
	// Output is the finalized output file.
	Output string
	// Info describes the source video.
	Info media.VideoInfo
	// Frames is the number of frames encoded.
	Frames int
	// Job is a snapshot of the job in its terminal state.
	Job *Job
}

// Transcoder runs composite-video jobs on a media.Codec.
type Transcoder struct {
	codec      media.Codec
	workers    int
	queueDepth int
	logger     *slog.Logger
}

// Option configures a Transcoder.
type Option func(*Transcoder)

// WithWorkers sets the number of goroutines compositing frames in parallel.
func WithWorkers(n int) Option {
	return func(t *Transcoder) {
		if n > 0 {
			t.workers = n
		}
	}
}

// WithQueueDepth sets how many decoded frames may be in flight ahead of the encoder.
func WithQueueDepth(n int) Option {
	return func(t *Transcoder) {
		if n > 0 {
			t.queueDepth = n
		}
	}
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(t *Transcoder) {
		if logger != nil {
			t.logger = logger
		}
	}
}

// New creates a Transcoder.
func New(codec media.Codec, opts ...Option) *Transcoder {
	t := &Transcoder{
		codec:      codec,
		workers:    min(2, runtime.NumCPU()),
		queueDepth: 4,
		logger:     slog.Default(),
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// Transcode runs req to completion. It returns an error wrapping
// asset.ErrSourceUnavailable when the source has no readable video track,
// asset.ErrEncodeFailure when encoding fails, and asset.ErrCancelled when ctx
// is cancelled. On any error the output file does not exist.
func (t *Transcoder) Transcode(ctx context.Context, req Request) (Result, error) {
	job := NewJob(req.Source, req.Output, compositor.Signature(req.Overlays))
	job.onState = req.OnState
	log := t.logger.With(
		slog.String("job_id", job.ID),
		slog.String("signature", job.Signature),
	)

	report := func(p float64) {
		if req.Progress != nil {
			req.Progress(p)
		}
	}

	fail := func(kind error, err error) (Result, error) {
		removeOutput(req.Output)
		if ctx.Err() != nil || errors.Is(err, asset.ErrCancelled) {
			if cerr := job.Cancel(); cerr != nil && !job.IsTerminal() {
				// Finalizing cannot be cancelled; the job ends as failed.
				_ = job.Fail(fmt.Sprintf("cancelled while %s: %v", strings.ToLower(string(job.GetStatus())), err))
			}
			log.Info("transcode cancelled",
				slog.Int("frames", job.Clone().FramesProcessed),
				slog.Float64("progress", job.GetProgress()),
			)
			return Result{Job: job.Clone()}, fmt.Errorf("transcode: %w", asset.ErrCancelled)
		}
		_ = job.Fail(err.Error())
		log.Error("transcode failed", slog.String("error", err.Error()))
		return Result{Job: job.Clone()}, fmt.Errorf("transcode: %w: %w", kind, err)
	}

	_ = job.TransitionTo(StatusReading)
	info, err := t.codec.Probe(ctx, req.Source)
	if err != nil {
		return fail(asset.ErrSourceUnavailable, err)
	}
	job.SetEstimate(info.EstimatedFrames())

	orientation := compositor.OrientationFromRotation(info.ClockwiseRotation())
	layer := compositor.PrepareLayer(image.Pt(info.Width, info.Height), req.Overlays, req.Scale, orientation)

	reader, err := t.codec.OpenFrameReader(ctx, req.Source, info)
	if err != nil {
		return fail(asset.ErrSourceUnavailable, err)
	}
	defer func() { _ = reader.Close() }()

	writer, err := t.codec.OpenFrameWriter(ctx, req.Source, req.Output, info)
	if err != nil {
		return fail(asset.ErrEncodeFailure, fmt.Errorf("open encoder: %w", err))
	}

	log.Info("transcode started",
		slog.Int("width", info.Width),
		slog.Int("height", info.Height),
		slog.Int("estimated_frames", info.EstimatedFrames()),
		slog.Int("rotation", info.ClockwiseRotation()),
	)
	_ = job.TransitionTo(StatusProcessing)

	frames, err := t.pipeline(ctx, job, reader, writer, layer, report)
	if err != nil {
		_ = writer.Abort()
		return fail(asset.ErrEncodeFailure, err)
	}

	_ = job.TransitionTo(StatusFinalizing)
	if err := writer.Close(); err != nil {
		return fail(asset.ErrEncodeFailure, fmt.Errorf("finalize: %w", err))
	}
	if err := checkOutput(req.Output); err != nil {
		return fail(asset.ErrEncodeFailure, err)
	}

	_ = job.Complete()
	report(1)
	log.Info("transcode completed", slog.Int("frames", frames))

	return Result{
		Output: req.Output,
		Info:   info,
		Frames: frames,
		Job:    job.Clone(),
	}, nil
}

// frameTask carries one decoded frame through the pipeline. out has capacity
// one so a worker never blocks handing back its result.
type frameTask struct {
	index int
	frame *image.RGBA
	out   chan *image.RGBA
}

// pipeline decodes, composites and encodes every frame. Compositing runs on
// t.workers goroutines; the sequencer restores presentation order and hands
// each frame to the encoder through a single-slot inbox, so a frame is only
// submitted once the encoder has taken the previous one.
func (t *Transcoder) pipeline(
	ctx context.Context,
	job *Job,
	reader media.FrameReader,
	writer media.FrameWriter,
	layer *compositor.Layer,
	report func(float64),
) (int, error) {
	g, gctx := errgroup.WithContext(ctx)

	work := make(chan frameTask)
	ordered := make(chan frameTask, t.queueDepth)
	inbox := make(chan *image.RGBA, 1)
	encoded := 0

	// Decoder.
	g.Go(func() error {
		defer close(work)
		defer close(ordered)
		for i := 0; ; i++ {
			if err := gctx.Err(); err != nil {
				return err
			}
			frame, err := reader.ReadFrame()
			if errors.Is(err, io.EOF) {
				return nil
			}
			if err != nil {
				return fmt.Errorf("decode frame %d: %w", i, err)
			}

			task := frameTask{index: i, frame: frame, out: make(chan *image.RGBA, 1)}
			select {
			case ordered <- task:
			case <-gctx.Done():
				return gctx.Err()
			}
			select {
			case work <- task:
			case <-gctx.Done():
				return gctx.Err()
			}
		}
	})

	// Compositors.
	for w := 0; w < t.workers; w++ {
		g.Go(func() error {
			for task := range work {
				task.out <- layer.Apply(task.frame)
			}
			return nil
		})
	}

	// Sequencer.
	g.Go(func() error {
		defer close(inbox)
		for task := range ordered {
			var frame *image.RGBA
			select {
			case frame = <-task.out:
			case <-gctx.Done():
				return gctx.Err()
			}
			if err := gctx.Err(); err != nil {
				return err
			}
			select {
			case inbox <- frame:
			case <-gctx.Done():
				return gctx.Err()
			}
		}
		return nil
	})

	// Encoder.
	g.Go(func() error {
		for frame := range inbox {
			if err := writer.WriteFrame(frame); err != nil {
				return fmt.Errorf("encode frame %d: %w", encoded, err)
			}
			encoded++
			report(job.RecordFrame(encoded))
		}
		return nil
	})

	err := g.Wait()
	if err != nil && ctx.Err() != nil {
		return encoded, asset.ErrCancelled
	}
	if err != nil {
		return encoded, err
	}
	if encoded == 0 {
		return 0, errors.New("source produced no frames")
	}
	return encoded, nil
}

func checkOutput(path string) error {
	info, err := os.Stat(path)
	if err != nil {
		return fmt.Errorf("output missing: %w", err)
	}
	if info.Size() == 0 {
		return errors.New("output is empty")
	}
	return nil
}

func removeOutput(path string) {
	if path == "" {
		return
	}
	_ = os.Remove(path)
}
