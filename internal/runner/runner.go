// Package runner implements JobRunner: it drives one TaskRecord through
// Transcriber end to end and persists the outcome via TaskStore.
package runner

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"regexp"

	"github.com/juniormartinxo/transcription/internal/storage"
	"github.com/juniormartinxo/transcription/internal/taskstore"
	"github.com/juniormartinxo/transcription/internal/transcriber"
)

// JobRunner executes one task to completion: claims it from pending,
// invokes a Transcriber, and persists the terminal outcome. It implements
// scheduler.TaskRunner.
type JobRunner struct {
	store             taskstore.Store
	transcriber       transcriber.Transcriber
	logger            *slog.Logger
	transcriptionsDir string
	mirror            storage.Storage
}

// Option configures a JobRunner.
type Option func(*JobRunner)

// WithLogger sets the logger used for per-task diagnostics.
func WithLogger(l *slog.Logger) Option {
	return func(r *JobRunner) {
		if l != nil {
			r.logger = l
		}
	}
}

// WithMirror configures a Storage backend that completed transcripts are
// additionally uploaded to (e.g. S3) once written locally. Failure to
// mirror does not fail the task: the local output_path remains the source
// of truth.
func WithMirror(s storage.Storage) Option {
	return func(r *JobRunner) {
		r.mirror = s
	}
}

// New creates a JobRunner that writes completed transcripts under
// transcriptionsDir.
func New(store taskstore.Store, t transcriber.Transcriber, transcriptionsDir string, opts ...Option) *JobRunner {
	r := &JobRunner{
		store:             store,
		transcriber:       t,
		logger:            slog.Default(),
		transcriptionsDir: transcriptionsDir,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Run drives taskID through its full lifecycle. It never returns an error to
// the caller: every outcome, including abort and cancellation, is recorded
// on the TaskRecord itself.
func (r *JobRunner) Run(ctx context.Context, taskID string) {
	rec, err := r.store.Update(ctx, taskID, func(t *taskstore.TaskRecord) error {
		return t.TransitionTo(taskstore.StatusProcessing)
	})
	if err != nil {
		r.logger.Info("task not eligible to run, aborting",
			slog.String("task_id", taskID),
			slog.String("reason", err.Error()),
		)
		return
	}

	outputPath := r.outputPath(rec)

	text, err := r.transcriber.Transcribe(ctx, rec.SourcePath, transcriber.Options{
		Model:       rec.Options.Model,
		Timestamps:  rec.Options.Timestamps,
		Diarization: rec.Options.Diarization,
	})

	if err != nil {
		r.fail(ctx, taskID, outputPath, errMessage(ctx, err))
		return
	}

	if err := os.WriteFile(outputPath, []byte(text), 0o600); err != nil {
		r.fail(ctx, taskID, outputPath, "failed to write transcript")
		return
	}

	if _, err := r.store.Update(ctx, taskID, func(t *taskstore.TaskRecord) error {
		t.SetOutput(outputPath)
		return t.TransitionTo(taskstore.StatusCompleted)
	}); err != nil {
		r.logger.Error("failed to record completed task",
			slog.String("task_id", taskID),
			slog.String("error", err.Error()),
		)
		return
	}

	r.logger.Info("task completed", slog.String("task_id", taskID), slog.String("output_path", outputPath))

	if r.mirror != nil {
		if _, err := r.mirror.UploadToS3(ctx, filepath.Base(outputPath), bytes.NewReader([]byte(text))); err != nil && !errors.Is(err, storage.ErrS3NotConfigured) {
			r.logger.Warn("failed to mirror completed transcript",
				slog.String("task_id", taskID),
				slog.String("error", err.Error()),
			)
		}
	}
}

// fail records a failed outcome, best-effort removing any partial output
// file the Transcriber may have produced before erroring.
func (r *JobRunner) fail(ctx context.Context, taskID, outputPath, message string) {
	if removeErr := os.Remove(outputPath); removeErr != nil && !os.IsNotExist(removeErr) {
		r.logger.Warn("failed to remove partial output file",
			slog.String("task_id", taskID),
			slog.String("output_path", outputPath),
			slog.String("error", removeErr.Error()),
		)
	}

	if _, err := r.store.Update(ctx, taskID, func(t *taskstore.TaskRecord) error {
		t.SetError(message)
		return t.TransitionTo(taskstore.StatusFailed)
	}); err != nil {
		r.logger.Error("failed to record failed task",
			slog.String("task_id", taskID),
			slog.String("error", err.Error()),
		)
		return
	}

	r.logger.Error("task failed", slog.String("task_id", taskID), slog.String("error", message))
}

// outputPath derives the on-disk destination for a completed transcript.
func (r *JobRunner) outputPath(rec *taskstore.TaskRecord) string {
	timestamp := rec.CreatedAt.Format("20060102_150405")
	if rec.StartedAt != nil {
		timestamp = rec.StartedAt.Format("20060102_150405")
	}
	filename := fmt.Sprintf("%s_transcricao_%s.txt", rec.TaskID, timestamp)
	return filepath.Join(r.transcriptionsDir, filename)
}

// pathPattern matches absolute filesystem paths so they can be stripped from
// error messages before they reach the TaskRecord.
var pathPattern = regexp.MustCompile(`(?:/[^\s:]+)+`)

// errMessage reports "canceled" when the context was the proximate cause of
// failure, and a redacted message otherwise (absolute paths stripped).
func errMessage(ctx context.Context, err error) string {
	if ctx.Err() != nil || errors.Is(err, context.Canceled) || errors.Is(err, transcriber.ErrTranscriptionCancelled) {
		return "canceled"
	}
	return redact(err.Error())
}

// redact replaces absolute filesystem paths in msg with their base name,
// so internal directory layout is never leaked in a client-visible error.
func redact(msg string) string {
	return pathPattern.ReplaceAllStringFunc(msg, func(path string) string {
		return filepath.Base(path)
	})
}
