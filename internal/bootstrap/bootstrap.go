// Package bootstrap provides dependency initialization for the live pair service.
package bootstrap

import (
	"fmt"
	"log/slog"

	"github.com/maauso/livepair/internal/config"
	"github.com/maauso/livepair/internal/library"
	"github.com/maauso/livepair/internal/media"
	"github.com/maauso/livepair/internal/session"
	"github.com/maauso/livepair/internal/storage"
	"github.com/maauso/livepair/internal/tagger"
	"github.com/maauso/livepair/internal/transcode"
)

// Dependencies holds all initialized dependencies for the HTTP server.
type Dependencies struct {
	SessionService *session.Service
}

// NewDependencies creates and initializes all dependencies for the application.
func NewDependencies(cfg *config.Config, logger *slog.Logger) (*Dependencies, error) {
	// Initialize workspace
	workspace, err := storage.NewLocalWorkspace(cfg.WorkDir, cfg.SessionDir)
	if err != nil {
		return nil, fmt.Errorf("create workspace: %w", err)
	}

	// Initialize library
	lib, err := initLibrary(cfg, logger)
	if err != nil {
		return nil, err
	}

	// Initialize media processor, transcoder and tagger
	processor := media.NewFFmpegProcessor(cfg.FFmpegPath,
		media.WithFFprobePath(cfg.FFprobePath),
		media.WithVideoQuality(cfg.VideoCRF, cfg.VideoPreset),
	)
	transcoder := transcode.New(processor,
		transcode.WithWorkers(cfg.TranscodeWorkers),
		transcode.WithQueueDepth(cfg.TranscodeQueueDepth),
		transcode.WithLogger(logger),
	)
	tag := tagger.New(processor, logger)

	svc := session.NewService(
		session.NewMemoryRegistry(),
		session.Dependencies{
			Prober:     processor,
			Transcoder: transcoder,
			Tagger:     tag,
			Workspace:  workspace,
			Library:    lib,
			Observer:   session.LogObserver{Logger: logger},
			Logger:     logger,
		},
		session.Config{
			SaveTimeout: cfg.SaveTimeout,
			JPEGQuality: cfg.JPEGQuality,
			ShareDir:    cfg.ShareDir,
		},
	)

	return &Dependencies{
		SessionService: svc,
	}, nil
}

// initLibrary creates the appropriate library backend based on configuration.
func initLibrary(cfg *config.Config, logger *slog.Logger) (library.Library, error) {
	if cfg.S3Enabled() {
		s3Lib, err := library.NewS3Library(library.S3Config{
			Bucket:          cfg.S3Bucket,
			Region:          cfg.S3Region,
			Prefix:          cfg.S3Prefix,
			Endpoint:        cfg.S3Endpoint,
			AccessKeyID:     cfg.AWSAccessKeyID,
			SecretAccessKey: cfg.AWSSecretAccessKey,
		}, logger)
		if err != nil {
			return nil, fmt.Errorf("create S3 library: %w", err)
		}
		logger.Info("S3 library configured",
			slog.String("bucket", cfg.S3Bucket),
			slog.String("region", cfg.S3Region),
			slog.String("prefix", cfg.S3Prefix),
		)
		return s3Lib, nil
	}

	dirLib, err := library.NewDirLibrary(cfg.LibraryDir, logger)
	if err != nil {
		return nil, fmt.Errorf("create library: %w", err)
	}
	logger.Info("local library configured",
		slog.String("library_dir", cfg.LibraryDir),
	)
	return dirLib, nil
}
