package session

import (
	"log/slog"

	"github.com/maauso/livepair/internal/asset"
)

// Observer receives session events. Methods are called from the session's
// own goroutine and must not call back into the Orchestrator synchronously.
type Observer interface {
	// OnProgress reports transcode progress in [0, 1] for the current generation.
	OnProgress(sessionID string, progress float64)
	// OnPairChanged reports a new displayed pair.
	OnPairChanged(sessionID string, pair asset.Pair)
	// OnCompositeFailed reports a composite that could not be produced; the
	// plain pair stays displayed.
	OnCompositeFailed(sessionID string, err error)
	// OnStateChanged reports a state transition.
	OnStateChanged(sessionID string, state State)
}

// NopObserver ignores every event.
type NopObserver struct{}

func (NopObserver) OnProgress(string, float64) {}
func (NopObserver) OnPairChanged(string, asset.Pair) {}
func (NopObserver) OnCompositeFailed(string, error) {}
func (NopObserver) OnStateChanged(string, State) {}

// LogObserver writes session events to a logger.
type LogObserver struct {
	Logger *slog.Logger
}

func (l LogObserver) log() *slog.Logger {
	if l.Logger == nil {
		return slog.Default()
	}
	return l.Logger
}

func (l LogObserver) OnProgress(sessionID string, progress float64) {
	l.log().Debug("composite progress",
		slog.String("session_id", sessionID),
		slog.Float64("progress", progress),
	)
}

func (l LogObserver) OnPairChanged(sessionID string, pair asset.Pair) {
	l.log().Info("displayed pair changed",
		slog.String("session_id", sessionID),
		slog.String("content_identifier", pair.ContentIdentifier),
		slog.Bool("composited", pair.Composited),
	)
}

func (l LogObserver) OnCompositeFailed(sessionID string, err error) {
	l.log().Warn("composite failed",
		slog.String("session_id", sessionID),
		slog.String("error", err.Error()),
	)
}

func (l LogObserver) OnStateChanged(sessionID string, state State) {
	l.log().Debug("session state",
		slog.String("session_id", sessionID),
		slog.String("state", string(state)),
	)
}

var (
	_ Observer = NopObserver{}
	_ Observer = LogObserver{}
)
