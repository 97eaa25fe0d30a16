// Package bootstrap provides dependency initialization for the clipmail API.
package bootstrap

import (
	"fmt"
	"log/slog"

	"github.com/clipmail/clipmail-api/internal/config"
	"github.com/clipmail/clipmail-api/internal/dispatch"
	"github.com/clipmail/clipmail-api/internal/ledger"
	"github.com/clipmail/clipmail-api/internal/mailer"
	"github.com/clipmail/clipmail-api/internal/media"
	"github.com/clipmail/clipmail-api/internal/pipeline"
	"github.com/clipmail/clipmail-api/internal/segment"
	"github.com/clipmail/clipmail-api/internal/storage"
)

// Dependencies holds all initialized dependencies for the HTTP server.
type Dependencies struct {
	Pipeline *pipeline.Service
	History  *ledger.Ledger
}

// Close releases resources held by the dependencies.
func (d *Dependencies) Close() error {
	return d.History.Close()
}

// NewDependencies creates and initializes all dependencies for the application.
func NewDependencies(cfg *config.Config, logger *slog.Logger) (*Dependencies, error) {
	store, err := initStorage(cfg, logger)
	if err != nil {
		return nil, err
	}

	history, err := ledger.Open(cfg.LedgerPath)
	if err != nil {
		return nil, fmt.Errorf("open ledger: %w", err)
	}
	logger.Info("ledger opened",
		slog.String("path", cfg.LedgerPath),
	)

	tool := media.NewFFmpegTool("", "")
	segmenter := segment.NewSegmenter(tool, logger,
		segment.WithIndexBase(cfg.SegmentIndexBase),
	)

	transport := mailer.NewSMTPTransport(
		cfg.SMTPHost,
		cfg.SMTPPort,
		cfg.SMTPUsername,
		cfg.SMTPPassword,
		cfg.Sender(),
	)
	dispatcher := dispatch.NewDispatcher(transport, store, logger)

	repo := pipeline.NewMemoryRepository()

	svc := pipeline.NewService(
		repo,
		tool,
		store,
		segmenter,
		dispatcher,
		history,
		logger,
		pipeline.WithTargetBytes(cfg.SegmentTargetBytes),
		pipeline.WithMessageCap(cfg.MessageCapBytes),
	)

	return &Dependencies{
		Pipeline: svc,
		History:  history,
	}, nil
}

// initStorage creates the appropriate storage backend based on configuration.
func initStorage(cfg *config.Config, logger *slog.Logger) (storage.Store, error) {
	if cfg.S3Enabled() {
		s3Cfg := storage.S3Config{
			Bucket:          cfg.S3Bucket,
			Region:          cfg.S3Region,
			AccessKeyID:     cfg.AWSAccessKeyID,
			SecretAccessKey: cfg.AWSSecretAccessKey,
		}
		s3Store, err := storage.NewS3Store(cfg.TempDir, s3Cfg)
		if err != nil {
			return nil, fmt.Errorf("create S3 store: %w", err)
		}
		logger.Info("S3 archive configured",
			slog.String("bucket", cfg.S3Bucket),
			slog.String("region", cfg.S3Region),
		)
		return s3Store, nil
	}

	localStore, err := storage.NewLocalStore(cfg.TempDir)
	if err != nil {
		return nil, fmt.Errorf("create local store: %w", err)
	}
	logger.Info("local storage configured",
		slog.String("temp_dir", cfg.TempDir),
	)
	return localStore, nil
}
