package session

import (
	"context"
	"errors"
	"image"
	"log/slog"

	"github.com/maauso/livepair/internal/asset"
	"github.com/maauso/livepair/internal/compositor"
	"github.com/maauso/livepair/internal/library"
)

// Service manages many independent sessions.
type Service struct {
	registry Registry
	deps     Dependencies
	defaults Config
	logger   *slog.Logger
}

// NewService creates a Service. defaults is the Config applied to every new
// session; its SessionID is ignored.
func NewService(registry Registry, deps Dependencies, defaults Config) *Service {
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	defaults.SessionID = ""
	return &Service{
		registry: registry,
		deps:     deps,
		defaults: defaults,
		logger:   deps.Logger,
	}
}

// CreateSession opens a session and captures in into it. The session is
// registered only if the capture succeeds.
func (s *Service) CreateSession(ctx context.Context, in asset.CaptureInput) (Status, error) {
	o, err := NewOrchestrator(s.defaults, s.deps)
	if err != nil {
		return Status{}, err
	}

	s.logger.Info("creating session",
		slog.String("session_id", o.ID()),
		slog.String("still", in.StillPath),
		slog.String("video", in.VideoPath),
	)

	if _, err := o.Capture(ctx, in); err != nil {
		s.logger.Error("capture failed",
			slog.String("session_id", o.ID()),
			slog.String("error", err.Error()),
		)
		s.discard(o)
		return Status{}, err
	}

	if err := s.registry.Save(ctx, o); err != nil {
		s.discard(o)
		return Status{}, err
	}
	return o.Status(), nil
}

// GetSession returns the status of a session.
func (s *Service) GetSession(ctx context.Context, id string) (Status, error) {
	o, err := s.registry.FindByID(ctx, id)
	if err != nil {
		return Status{}, err
	}
	return o.Status(), nil
}

// SetOverlay replaces the content of kind and enables it.
func (s *Service) SetOverlay(ctx context.Context, id string, kind compositor.Kind, img image.Image) (Status, error) {
	o, err := s.registry.FindByID(ctx, id)
	if err != nil {
		return Status{}, err
	}
	if err := o.SetOverlay(ctx, kind, img); err != nil {
		return Status{}, err
	}
	if err := o.EnableOverlay(ctx, kind); err != nil {
		return Status{}, err
	}
	return o.Status(), nil
}

// EnableOverlay turns on an overlay that already has content.
func (s *Service) EnableOverlay(ctx context.Context, id string, kind compositor.Kind) (Status, error) {
	o, err := s.registry.FindByID(ctx, id)
	if err != nil {
		return Status{}, err
	}
	if err := o.EnableOverlay(ctx, kind); err != nil {
		return Status{}, err
	}
	return o.Status(), nil
}

// DisableOverlay turns an overlay off.
func (s *Service) DisableOverlay(ctx context.Context, id string, kind compositor.Kind) (Status, error) {
	o, err := s.registry.FindByID(ctx, id)
	if err != nil {
		return Status{}, err
	}
	if err := o.DisableOverlay(ctx, kind); err != nil {
		return Status{}, err
	}
	return o.Status(), nil
}

// Save saves the session's current pair to the library. A saved session is
// finished: it is stopped and unregistered. On failure it stays open so the
// caller can retry.
func (s *Service) Save(ctx context.Context, id string) (library.Receipt, error) {
	o, err := s.registry.FindByID(ctx, id)
	if err != nil {
		return library.Receipt{}, err
	}
	receipt, err := o.Save(ctx)
	if err != nil {
		return library.Receipt{}, err
	}

	o.Close()
	if err := s.registry.Delete(ctx, id); err != nil && !errors.Is(err, ErrSessionNotFound) {
		s.logger.Warn("failed to unregister saved session",
			slog.String("session_id", id),
			slog.String("error", err.Error()),
		)
	}
	s.logger.Info("session saved and closed",
		slog.String("session_id", id),
		slog.String("location", receipt.Location),
	)
	return receipt, nil
}

// Share copies the session's current pair to the share directory.
func (s *Service) Share(ctx context.Context, id string) (asset.Pair, error) {
	o, err := s.registry.FindByID(ctx, id)
	if err != nil {
		return asset.Pair{}, err
	}
	return o.Share(ctx)
}

// DeleteSession resets a session, stops it and unregisters it.
func (s *Service) DeleteSession(ctx context.Context, id string) error {
	o, err := s.registry.FindByID(ctx, id)
	if err != nil {
		return err
	}
	resetErr := o.Reset(ctx)
	o.Close()
	if err := s.registry.Delete(ctx, id); err != nil && !errors.Is(err, ErrSessionNotFound) {
		return err
	}
	if resetErr != nil {
		s.logger.Warn("session reset incomplete",
			slog.String("session_id", id),
			slog.String("error", resetErr.Error()),
		)
	}
	s.logger.Info("session deleted", slog.String("session_id", id))
	return nil
}

// Shutdown deletes every session.
func (s *Service) Shutdown(ctx context.Context) error {
	sessions, err := s.registry.List(ctx)
	if err != nil {
		return err
	}
	var errs []error
	for _, o := range sessions {
		if err := s.DeleteSession(ctx, o.ID()); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (s *Service) discard(o *Orchestrator) {
	if err := o.Reset(context.Background()); err != nil {
		s.logger.Warn("failed to clean up session",
			slog.String("session_id", o.ID()),
			slog.String("error", err.Error()),
		)
	}
	o.Close()
}
