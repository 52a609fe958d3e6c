// Package session drives one preview/edit/save cycle: it turns a raw capture
// into a tagged plain pair, bakes overlays into composited pairs on demand,
// caches them by overlay signature and hands the current pair to the library.
//
// All state of an Orchestrator is owned by a single goroutine. Public methods
// submit closures to it; background transcodes hand their results back the
// same way, so no state is ever mutated concurrently.
package session

import (
	"context"
	"errors"

	"github.com/maauso/livepair/internal/asset"
	"github.com/maauso/livepair/internal/compositor"
	"github.com/maauso/livepair/internal/media"
	"github.com/maauso/livepair/internal/tagger"
	"github.com/maauso/livepair/internal/transcode"
)

// State represents where a session is in its preview cycle.
type State string

const (
	// StateIdle indicates no capture is loaded.
	StateIdle State = "IDLE"
	// StatePreviewingPlain indicates the plain pair is displayed.
	StatePreviewingPlain State = "PREVIEWING_PLAIN"
	// StatePreviewingComposited indicates a composited pair is displayed.
	StatePreviewingComposited State = "PREVIEWING_COMPOSITED"
	// StateSaving indicates a save is waiting for or writing the current pair.
	StateSaving State = "SAVING"
)

var (
	// ErrInvalidState is returned when an operation is not allowed in the current state.
	ErrInvalidState = errors.New("operation not allowed in current state")
	// ErrUnknownOverlay is returned for an overlay kind other than drawing or cosmetic.
	ErrUnknownOverlay = errors.New("unknown overlay kind")
	// ErrNoOverlayContent is returned when enabling an overlay that has no content.
	ErrNoOverlayContent = errors.New("overlay has no content")
	// ErrNoPair is returned when no valid pair is available to save or share.
	ErrNoPair = errors.New("no pair available")
	// ErrClosed is returned after the orchestrator has been closed.
	ErrClosed = errors.New("session closed")
)

// Transcoder bakes overlays into every frame of a video.
type Transcoder interface {
	Transcode(ctx context.Context, req transcode.Request) (transcode.Result, error)
}

// Tagger writes the pairing metadata into stills and videos.
type Tagger interface {
	TagStill(ctx context.Context, src, dst string, meta tagger.StillMeta) error
	TagVideo(ctx context.Context, src, dst string, meta tagger.VideoMeta) (media.VideoInfo, error)
}

// Status is a point-in-time view of a session, safe to read from any goroutine.
type Status struct {
	SessionID string
	State     State
	// Generation increments on every overlay toggle or content change.
	Generation uint64
	// Progress is the progress of the transcode serving the current generation.
	Progress float64
	// Loading is true while the displayed pair is not yet the requested one.
	Loading bool
	// Ready is true when a valid pair is displayed.
	Ready bool
	// Enabled lists the active overlay kinds in composition order.
	Enabled []compositor.Kind
	// Signature is the overlay signature of the active set.
	Signature string
	// Current is the displayed pair.
	Current asset.Pair
	// Plain is the plain pair of the capture.
	Plain asset.Pair
	// CachedPairs is the number of composited pairs kept for reuse.
	CachedPairs int
	// LastError is the most recent composite failure, if any.
	LastError string
}

var (
	_ Transcoder = (*transcode.Transcoder)(nil)
	_ Tagger     = (*tagger.Tagger)(nil)
)
