// Package bootstrap wires together the transcription orchestrator's
// dependencies from configuration: storage, the transcriber backend, the
// scheduler, and the HTTP handlers.
package bootstrap

import (
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"time"

	"github.com/juniormartinxo/transcription/internal/audio"
	"github.com/juniormartinxo/transcription/internal/beam"
	"github.com/juniormartinxo/transcription/internal/config"
	"github.com/juniormartinxo/transcription/internal/extractor"
	"github.com/juniormartinxo/transcription/internal/ingestor"
	"github.com/juniormartinxo/transcription/internal/runner"
	"github.com/juniormartinxo/transcription/internal/runpod"
	"github.com/juniormartinxo/transcription/internal/scheduler"
	"github.com/juniormartinxo/transcription/internal/server"
	"github.com/juniormartinxo/transcription/internal/storage"
	"github.com/juniormartinxo/transcription/internal/taskstore"
	"github.com/juniormartinxo/transcription/internal/transcriber"
)

// Dependencies holds everything the HTTP server and the startup recovery
// pass need.
type Dependencies struct {
	Store     taskstore.Store
	Scheduler *scheduler.Scheduler
	Handlers  *server.Handlers
}

// NewDependencies initializes the store, transcriber backend, job runner,
// scheduler, ingestor, and HTTP handlers described by cfg.
func NewDependencies(cfg *config.Config, logger *slog.Logger) (*Dependencies, error) {
	if err := os.MkdirAll(cfg.AudiosDir, 0o750); err != nil {
		return nil, fmt.Errorf("create audios dir: %w", err)
	}
	if err := os.MkdirAll(cfg.TranscriptionsDir, 0o750); err != nil {
		return nil, fmt.Errorf("create transcriptions dir: %w", err)
	}

	store, err := taskstore.NewJSONStore(cfg.TaskStorePath, logger)
	if err != nil {
		return nil, fmt.Errorf("open task store: %w", err)
	}

	mirror, err := initStorage(cfg, logger)
	if err != nil {
		return nil, err
	}

	trans, err := initTranscriber(cfg, logger)
	if err != nil {
		return nil, err
	}

	jobRunner := runner.New(store, trans, cfg.TranscriptionsDir,
		runner.WithLogger(logger),
		runner.WithMirror(mirror),
	)

	sched := scheduler.New(store, jobRunner, cfg.MaxConcurrentTasks,
		scheduler.WithLogger(logger),
		scheduler.WithTaskTimeout(time.Duration(cfg.TaskTimeoutSeconds)*time.Second),
	)

	ffmpegExtractor := extractor.NewFFmpegExtractor("")
	if ffPath, ffErr := exec.LookPath("ffmpeg"); ffErr != nil {
		logger.Warn("ffmpeg not found in PATH; extraction may fail")
	} else {
		logger.Info("media extractor initialized", slog.String("ffmpeg_path", ffPath))
	}

	ing := ingestor.New(store, sched, ffmpegExtractor, cfg.AudiosDir,
		ingestor.WithLogger(logger),
		ingestor.WithExtractTimeout(time.Duration(cfg.ExtractorTimeoutSeconds)*time.Second),
	)

	handlers := server.NewHandlers(store, ing, sched, logger)

	return &Dependencies{
		Store:     store,
		Scheduler: sched,
		Handlers:  handlers,
	}, nil
}

// initStorage creates the optional S3 artifact mirror. A nil Storage means
// the job runner skips mirroring entirely.
func initStorage(cfg *config.Config, logger *slog.Logger) (storage.Storage, error) {
	if !cfg.S3Enabled() {
		logger.Info("S3 mirror disabled")
		return nil, nil
	}

	s3Cfg := storage.S3Config{
		Bucket:          cfg.S3Bucket,
		Region:          cfg.S3Region,
		AccessKeyID:     cfg.AWSAccessKeyID,
		SecretAccessKey: cfg.AWSSecretAccessKey,
	}
	s3Store, err := storage.NewS3Storage(cfg.TranscriptionsDir, s3Cfg)
	if err != nil {
		return nil, fmt.Errorf("create S3 storage: %w", err)
	}
	logger.Info("S3 mirror configured",
		slog.String("bucket", cfg.S3Bucket),
		slog.String("region", cfg.S3Region),
	)
	return s3Store, nil
}

// initTranscriber selects and constructs the Transcriber backend named by
// cfg.TranscriberProvider.
func initTranscriber(cfg *config.Config, logger *slog.Logger) (transcriber.Transcriber, error) {
	switch cfg.TranscriberProvider {
	case "runpod":
		client, err := runpod.NewClient(cfg.RunPodEndpointID, runpod.WithAPIKey(cfg.RunPodAPIKey))
		if err != nil {
			return nil, fmt.Errorf("create RunPod client: %w", err)
		}
		splitter := audio.NewFFmpegSplitter("")
		logger.Info("transcriber backend: RunPod",
			slog.String("endpoint_id", cfg.RunPodEndpointID),
		)
		return transcriber.NewRunPodTranscriber(client, splitter), nil

	case "beam":
		client, err := beam.NewClient(cfg.BeamQueueURL, beam.WithToken(cfg.BeamToken))
		if err != nil {
			return nil, fmt.Errorf("create Beam client: %w", err)
		}
		splitter := audio.NewFFmpegSplitter("")
		logger.Info("transcriber backend: Beam",
			slog.String("queue_url", cfg.BeamQueueURL),
		)
		return transcriber.NewBeamTranscriber(client, splitter), nil

	default:
		logger.Info("transcriber backend: local")
		return transcriber.NewLocalTranscriber(), nil
	}
}
