package transcriber

import (
	"context"
	"encoding/base64"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/juniormartinxo/transcription/internal/audio"
	"github.com/juniormartinxo/transcription/internal/beam"
)

// BeamTranscriber mirrors RunPodTranscriber against the Beam Task Queue API.
// Beam sometimes returns a transcript inline and sometimes as a URL to an
// object-storage artifact; BeamTranscriber handles both.
type BeamTranscriber struct {
	client   beam.Client
	splitter audio.Splitter
	logger   *slog.Logger

	maxConcurrentChunks int
	splitOpts           audio.SplitOpts
	pollInterval        time.Duration
}

// BeamOption configures a BeamTranscriber.
type BeamOption func(*BeamTranscriber)

// WithBeamMaxConcurrentChunks limits parallel chunk submissions.
func WithBeamMaxConcurrentChunks(n int) BeamOption {
	return func(t *BeamTranscriber) {
		if n > 0 {
			t.maxConcurrentChunks = n
		}
	}
}

// WithBeamSplitOpts sets the audio splitting options.
func WithBeamSplitOpts(opts audio.SplitOpts) BeamOption {
	return func(t *BeamTranscriber) {
		t.splitOpts = opts
	}
}

// WithBeamPollInterval sets the interval between status polls.
func WithBeamPollInterval(d time.Duration) BeamOption {
	return func(t *BeamTranscriber) {
		if d > 0 {
			t.pollInterval = d
		}
	}
}

// WithBeamLogger sets the logger used for progress messages.
func WithBeamLogger(l *slog.Logger) BeamOption {
	return func(t *BeamTranscriber) {
		if l != nil {
			t.logger = l
		}
	}
}

// NewBeamTranscriber creates a new BeamTranscriber.
func NewBeamTranscriber(client beam.Client, splitter audio.Splitter, opts ...BeamOption) *BeamTranscriber {
	t := &BeamTranscriber{
		client:              client,
		splitter:            splitter,
		logger:              slog.Default(),
		maxConcurrentChunks: 3,
		splitOpts:           audio.DefaultSplitOpts(),
		pollInterval:        5 * time.Second,
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// Transcribe splits audioPath into chunks, transcribes each chunk via Beam,
// and joins the ordered results with blank lines.
func (t *BeamTranscriber) Transcribe(ctx context.Context, audioPath string, opts Options) (string, error) {
	tempDir, err := os.MkdirTemp("", "beam-transcribe-*")
	if err != nil {
		return "", fmt.Errorf("%w: create temp dir: %v", ErrTranscriptionFailed, err)
	}
	defer func() { _ = os.RemoveAll(tempDir) }()

	chunkPaths, err := t.splitter.Split(ctx, audioPath, tempDir, t.splitOpts)
	if err != nil {
		return "", fmt.Errorf("%w: split audio: %v", ErrTranscriptionFailed, err)
	}

	texts, err := t.transcribeChunksParallel(ctx, tempDir, chunkPaths, opts)
	if err != nil {
		return "", err
	}

	return strings.Join(texts, "\n\n"), nil
}

func (t *BeamTranscriber) transcribeChunksParallel(ctx context.Context, tempDir string, chunkPaths []string, opts Options) ([]string, error) {
	var (
		mu       sync.Mutex
		wg       sync.WaitGroup
		sem      = make(chan struct{}, t.maxConcurrentChunks)
		texts    = make([]string, len(chunkPaths))
		firstErr error
		errOnce  sync.Once
	)

	for i, chunkPath := range chunkPaths {
		mu.Lock()
		hasErr := firstErr != nil
		mu.Unlock()
		if hasErr {
			break
		}

		wg.Add(1)
		go func(idx int, path string) {
			defer wg.Done()

			select {
			case sem <- struct{}{}:
				defer func() { <-sem }()
			case <-ctx.Done():
				errOnce.Do(func() {
					mu.Lock()
					firstErr = fmt.Errorf("%w: %v", ErrTranscriptionCancelled, ctx.Err())
					mu.Unlock()
				})
				return
			}

			mu.Lock()
			hasErr := firstErr != nil
			mu.Unlock()
			if hasErr {
				return
			}

			text, err := t.transcribeChunk(ctx, idx, tempDir, path, opts)
			if err != nil {
				errOnce.Do(func() {
					mu.Lock()
					firstErr = fmt.Errorf("chunk %d failed: %w", idx, err)
					mu.Unlock()
				})
				return
			}

			mu.Lock()
			texts[idx] = text
			mu.Unlock()
		}(i, chunkPath)
	}

	wg.Wait()

	if firstErr != nil {
		return nil, firstErr
	}
	return texts, nil
}

func (t *BeamTranscriber) transcribeChunk(ctx context.Context, idx int, tempDir, chunkPath string, opts Options) (string, error) {
	data, err := os.ReadFile(chunkPath) // #nosec G304 - chunkPath is produced internally by the splitter
	if err != nil {
		return "", fmt.Errorf("read chunk: %w", err)
	}
	audioB64 := base64.StdEncoding.EncodeToString(data)

	taskID, err := t.client.Submit(ctx, audioB64, beam.SubmitOptions{
		Model:       opts.Model,
		Timestamps:  opts.Timestamps,
		Diarization: opts.Diarization,
	})
	if err != nil {
		return "", fmt.Errorf("submit to beam: %w", err)
	}

	t.logger.Info("chunk submitted to beam",
		slog.Int("chunk_index", idx),
		slog.String("beam_task_id", taskID),
	)

	return t.pollForResult(ctx, idx, tempDir, taskID)
}

// pollForResult polls Beam until the task reaches a terminal status,
// downloading the transcript when it is returned as a URL rather than
// inline text.
func (t *BeamTranscriber) pollForResult(ctx context.Context, idx int, tempDir, taskID string) (string, error) {
	ticker := time.NewTicker(t.pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return "", fmt.Errorf("%w: %v", ErrTranscriptionCancelled, ctx.Err())
		case <-ticker.C:
			result, err := t.client.Poll(ctx, taskID)
			if err != nil {
				return "", fmt.Errorf("poll beam: %w", err)
			}
			if !result.Status.IsTerminal() {
				continue
			}
			switch result.Status {
			case beam.StatusCompleted, beam.StatusComplete:
				if result.Text != "" {
					return result.Text, nil
				}
				if result.OutputURL != "" {
					return t.downloadText(ctx, idx, tempDir, result.OutputURL)
				}
				return "", fmt.Errorf("%w: completed task has no transcript", ErrTranscriptionFailed)
			default:
				return "", fmt.Errorf("%w: %s (%s)", ErrTranscriptionFailed, result.Error, result.Status)
			}
		}
	}
}

func (t *BeamTranscriber) downloadText(ctx context.Context, idx int, tempDir, outputURL string) (string, error) {
	destPath := filepath.Join(tempDir, fmt.Sprintf("transcript_%03d.txt", idx))
	if err := t.client.DownloadOutput(ctx, outputURL, destPath); err != nil {
		return "", fmt.Errorf("download transcript: %w", err)
	}
	data, err := os.ReadFile(destPath) // #nosec G304 - destPath is constructed internally
	if err != nil {
		return "", fmt.Errorf("read downloaded transcript: %w", err)
	}
	return string(data), nil
}

var _ Transcriber = (*BeamTranscriber)(nil)
