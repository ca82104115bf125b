// Package ingestor validates and persists incoming uploads, turning them
// into TaskRecords and admitting the resulting work to the Scheduler.
package ingestor

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/juniormartinxo/transcription/internal/extractor"
	"github.com/juniormartinxo/transcription/internal/taskstore"
)

const (
	// MaxAudioBytes is the size cap for a single audio upload (100 MiB).
	MaxAudioBytes = 100 * 1024 * 1024
	// MaxVideoBytes is the size cap for a single video upload (500 MiB).
	MaxVideoBytes = 500 * 1024 * 1024
)

// Static errors classified per the on-the-wire error taxonomy.
var (
	// ErrUnsupportedMediaType is returned when an upload's extension is not
	// in the relevant allow-list.
	ErrUnsupportedMediaType = errors.New("ingestor: unsupported media type")
	// ErrFileTooLarge is returned when an upload exceeds its size cap.
	ErrFileTooLarge = errors.New("ingestor: file too large")
)

var allowedAudioExtensions = map[string]bool{
	".wav": true, ".mp3": true, ".ogg": true, ".m4a": true, ".flac": true, ".aac": true,
}

// Scheduler is the subset of scheduler.Scheduler the Ingestor depends on.
type Scheduler interface {
	Enqueue(taskID string) error
}

// Ingestor validates uploads, persists the derived audio artifacts, creates
// TaskRecords, and admits them to the Scheduler.
type Ingestor struct {
	store      taskstore.Store
	scheduler  Scheduler
	extractor  extractor.Extractor
	logger     *slog.Logger
	audiosDir  string
	extractTimeout time.Duration
}

// Option configures an Ingestor.
type Option func(*Ingestor)

// WithLogger sets the logger used for validation and fan-out diagnostics.
func WithLogger(l *slog.Logger) Option {
	return func(ing *Ingestor) {
		if l != nil {
			ing.logger = l
		}
	}
}

// WithExtractTimeout bounds how long MediaExtractor may run per video.
func WithExtractTimeout(d time.Duration) Option {
	return func(ing *Ingestor) {
		if d > 0 {
			ing.extractTimeout = d
		}
	}
}

// New creates an Ingestor that writes audio artifacts under audiosDir.
func New(store taskstore.Store, sched Scheduler, ext extractor.Extractor, audiosDir string, opts ...Option) *Ingestor {
	ing := &Ingestor{
		store:          store,
		scheduler:      sched,
		extractor:      ext,
		logger:         slog.Default(),
		audiosDir:      audiosDir,
		extractTimeout: 10 * time.Minute,
	}
	for _, opt := range opts {
		opt(ing)
	}
	return ing
}

// ValidateAudioExtension checks filename's extension against the audio
// allow-list. Returns ErrUnsupportedMediaType if unrecognized.
func ValidateAudioExtension(filename string) error {
	ext := strings.ToLower(filepath.Ext(filename))
	if !allowedAudioExtensions[ext] {
		return fmt.Errorf("%w: %s", ErrUnsupportedMediaType, ext)
	}
	return nil
}

// IngestAudio validates and streams a single audio upload to disk, creates
// its TaskRecord, and enqueues it. The body is read with an enforced byte
// cap so an oversized upload is aborted mid-stream rather than buffered
// whole before rejection.
func (ing *Ingestor) IngestAudio(ctx context.Context, filename string, body io.Reader, opts taskstore.Options) (*taskstore.TaskRecord, error) {
	if err := ValidateAudioExtension(filename); err != nil {
		return nil, err
	}

	taskID := taskstore.GenerateBaseID()
	sanitized := sanitizeFilename(filename)
	destPath := filepath.Join(ing.audiosDir, fmt.Sprintf("%s_%s", taskID, sanitized))

	if err := streamToFile(destPath, body, MaxAudioBytes); err != nil {
		return nil, err
	}

	rec := taskstore.New(taskID, sanitized, destPath, opts)
	if err := ing.store.Create(ctx, rec); err != nil {
		_ = os.Remove(destPath)
		return nil, fmt.Errorf("create task record: %w", err)
	}

	if err := ing.scheduler.Enqueue(taskID); err != nil {
		ing.logger.Warn("task persisted but could not be enqueued",
			slog.String("task_id", taskID),
			slog.String("error", err.Error()),
		)
		return nil, err
	}

	return rec, nil
}

// IngestVideo validates a video upload, extracts its canonical audio track,
// and fans it out into four sibling TaskRecords (clean, timestamps,
// diarization, fully-annotated) sharing one batch id. The siblings are
// created atomically: no observer ever sees 1-3 of the 4.
func (ing *Ingestor) IngestVideo(ctx context.Context, filename string, body io.Reader) (baseID string, audioPath string, records []*taskstore.TaskRecord, err error) {
	if err := extractor.ValidateExtension(filename); err != nil {
		return "", "", nil, err
	}

	baseID = taskstore.GenerateBaseID()

	tempVideoPath, err := ing.writeTempVideo(baseID, filename, body)
	if err != nil {
		return "", "", nil, err
	}
	defer func() { _ = os.Remove(tempVideoPath) }()

	stem := strings.TrimSuffix(sanitizeFilename(filename), filepath.Ext(filename))
	audioPath = filepath.Join(ing.audiosDir, fmt.Sprintf("%s_%s.wav", baseID, stem))

	if err := ing.extractor.Extract(ctx, tempVideoPath, audioPath, ing.extractTimeout); err != nil {
		return "", "", nil, fmt.Errorf("extract audio: %w", err)
	}

	records = buildVariantRecords(baseID, audioPath)

	if err := ing.store.CreateMany(ctx, records); err != nil {
		_ = os.Remove(audioPath)
		return "", "", nil, fmt.Errorf("create variant tasks: %w", err)
	}

	for _, rec := range records {
		if err := ing.scheduler.Enqueue(rec.TaskID); err != nil {
			ing.logger.Warn("variant task persisted but could not be enqueued",
				slog.String("task_id", rec.TaskID),
				slog.String("error", err.Error()),
			)
		}
	}

	return baseID, audioPath, records, nil
}

// NamedFile pairs an upload's original filename with its content, keeping
// batch items ordered and distinct even when two uploads share a filename.
type NamedFile struct {
	Filename string
	Reader   io.Reader
}

// BatchAudioItem reports the outcome of one file within a batch-audio
// ingest.
type BatchAudioItem struct {
	Filename string
	TaskID   string
	Error    string
}

// IngestBatchAudio applies IngestAudio to each of files, all resulting
// tasks sharing a single batch id. A single file's validation failure does
// not prevent the remaining files from being ingested. files is ordered
// rather than keyed by filename so duplicate filenames still produce one
// item each.
func (ing *Ingestor) IngestBatchAudio(ctx context.Context, files []NamedFile, opts taskstore.Options) (batchID string, items []BatchAudioItem) {
	batchID = taskstore.GenerateBaseID()

	for _, nf := range files {
		filename, body := nf.Filename, nf.Reader
		rec, err := ing.IngestAudio(ctx, filename, body, opts)
		if err != nil {
			items = append(items, BatchAudioItem{Filename: filename, Error: err.Error()})
			continue
		}

		if _, updateErr := ing.store.Update(ctx, rec.TaskID, func(t *taskstore.TaskRecord) error {
			t.BatchID = batchID
			return nil
		}); updateErr != nil {
			ing.logger.Warn("failed to tag task with batch id",
				slog.String("task_id", rec.TaskID),
				slog.String("error", updateErr.Error()),
			)
		}

		items = append(items, BatchAudioItem{Filename: filename, TaskID: rec.TaskID})
	}

	return batchID, items
}

// BatchVideoItem reports the outcome of one file within a batch-video
// ingest.
type BatchVideoItem struct {
	Filename      string
	Transcriptions []*taskstore.TaskRecord
	Error         string
}

// IngestBatchVideo applies IngestVideo to each of files. All files in the
// batch share a single batch id layered over each file's own base id
// grouping of four variant siblings. files is ordered rather than keyed by
// filename so duplicate filenames still produce one item each.
func (ing *Ingestor) IngestBatchVideo(ctx context.Context, files []NamedFile) (batchID string, items []BatchVideoItem) {
	batchID = taskstore.GenerateBaseID()

	for _, nf := range files {
		filename, body := nf.Filename, nf.Reader
		_, _, records, err := ing.IngestVideo(ctx, filename, body)
		if err != nil {
			items = append(items, BatchVideoItem{Filename: filename, Error: err.Error()})
			continue
		}

		for _, rec := range records {
			if _, updateErr := ing.store.Update(ctx, rec.TaskID, func(t *taskstore.TaskRecord) error {
				t.BatchID = batchID
				return nil
			}); updateErr != nil {
				ing.logger.Warn("failed to tag variant task with batch id",
					slog.String("task_id", rec.TaskID),
					slog.String("error", updateErr.Error()),
				)
			}
		}

		items = append(items, BatchVideoItem{Filename: filename, Transcriptions: records})
	}

	return batchID, items
}

func (ing *Ingestor) writeTempVideo(baseID, filename string, body io.Reader) (string, error) {
	tempPath := filepath.Join(os.TempDir(), fmt.Sprintf("%s_%s", baseID, sanitizeFilename(filename)))
	if err := streamToFile(tempPath, body, MaxVideoBytes); err != nil {
		return "", err
	}
	return tempPath, nil
}

// buildVariantRecords constructs the four option combinations a video
// fan-out always produces.
func buildVariantRecords(baseID, audioPath string) []*taskstore.TaskRecord {
	variants := []struct {
		variant taskstore.Variant
		opts    taskstore.Options
	}{
		{taskstore.VariantLimpa, taskstore.Options{Timestamps: false, Diarization: false}},
		{taskstore.VariantTimestamps, taskstore.Options{Timestamps: true, Diarization: false}},
		{taskstore.VariantDiarization, taskstore.Options{Timestamps: false, Diarization: true}},
		{taskstore.VariantCompleta, taskstore.Options{Timestamps: true, Diarization: true}},
	}

	records := make([]*taskstore.TaskRecord, 0, len(variants))
	for _, v := range variants {
		taskID := taskstore.VariantID(baseID, v.variant)
		rec := taskstore.New(taskID, filepath.Base(audioPath), audioPath, v.opts)
		rec.Variant = v.variant
		rec.BatchID = baseID
		records = append(records, rec)
	}
	return records
}

// streamToFile copies src into a new file at destPath, aborting with
// ErrFileTooLarge as soon as more than maxBytes have been read. The partial
// file is removed on any error.
func streamToFile(destPath string, src io.Reader, maxBytes int64) error {
	f, err := os.OpenFile(destPath, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o600) // #nosec G304 - destPath is constructed internally from a generated task id
	if err != nil {
		return fmt.Errorf("create destination file: %w", err)
	}

	limited := io.LimitReader(src, maxBytes+1)
	written, copyErr := io.Copy(f, limited)
	closeErr := f.Close()

	if copyErr == nil && written > maxBytes {
		_ = os.Remove(destPath)
		return fmt.Errorf("%w: exceeds %d bytes", ErrFileTooLarge, maxBytes)
	}
	if copyErr != nil {
		_ = os.Remove(destPath)
		return fmt.Errorf("write upload: %w", copyErr)
	}
	if closeErr != nil {
		_ = os.Remove(destPath)
		return fmt.Errorf("close upload: %w", closeErr)
	}
	return nil
}

// sanitizeFilename strips directory components and replaces characters that
// would be awkward in a path, without attempting to preserve the original
// name's uniqueness (the task id prefix already guarantees that).
func sanitizeFilename(filename string) string {
	base := filepath.Base(filename)
	var b strings.Builder
	for _, r := range base {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '.', r == '-', r == '_':
			b.WriteRune(r)
		default:
			b.WriteRune('_')
		}
	}
	if b.Len() == 0 {
		return "upload"
	}
	return b.String()
}
