package transcriber

import (
	"context"
	"encoding/base64"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/juniormartinxo/transcription/internal/audio"
	"github.com/juniormartinxo/transcription/internal/runpod"
)

// RunPodTranscriber splits long audio into chunks, submits each chunk to a
// RunPod serverless ASR endpoint with bounded parallelism, polls each job to
// completion, and reassembles the per-chunk text in order.
type RunPodTranscriber struct {
	client   runpod.Client
	splitter audio.Splitter
	logger   *slog.Logger

	maxConcurrentChunks int
	splitOpts           audio.SplitOpts
	pollInterval        time.Duration
}

// RunPodOption configures a RunPodTranscriber.
type RunPodOption func(*RunPodTranscriber)

// WithRunPodMaxConcurrentChunks limits parallel chunk submissions.
func WithRunPodMaxConcurrentChunks(n int) RunPodOption {
	return func(t *RunPodTranscriber) {
		if n > 0 {
			t.maxConcurrentChunks = n
		}
	}
}

// WithRunPodSplitOpts sets the audio splitting options.
func WithRunPodSplitOpts(opts audio.SplitOpts) RunPodOption {
	return func(t *RunPodTranscriber) {
		t.splitOpts = opts
	}
}

// WithRunPodPollInterval sets the interval between status polls.
func WithRunPodPollInterval(d time.Duration) RunPodOption {
	return func(t *RunPodTranscriber) {
		if d > 0 {
			t.pollInterval = d
		}
	}
}

// WithRunPodLogger sets the logger used for progress messages.
func WithRunPodLogger(l *slog.Logger) RunPodOption {
	return func(t *RunPodTranscriber) {
		if l != nil {
			t.logger = l
		}
	}
}

// NewRunPodTranscriber creates a new RunPodTranscriber.
func NewRunPodTranscriber(client runpod.Client, splitter audio.Splitter, opts ...RunPodOption) *RunPodTranscriber {
	t := &RunPodTranscriber{
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

// Transcribe splits audioPath into chunks, transcribes each chunk via
// RunPod, and joins the ordered results with blank lines.
func (t *RunPodTranscriber) Transcribe(ctx context.Context, audioPath string, opts Options) (string, error) {
	tempDir, err := os.MkdirTemp("", "runpod-transcribe-*")
	if err != nil {
		return "", fmt.Errorf("%w: create temp dir: %v", ErrTranscriptionFailed, err)
	}
	defer func() { _ = os.RemoveAll(tempDir) }()

	chunkPaths, err := t.splitter.Split(ctx, audioPath, tempDir, t.splitOpts)
	if err != nil {
		return "", fmt.Errorf("%w: split audio: %v", ErrTranscriptionFailed, err)
	}

	texts, err := t.transcribeChunksParallel(ctx, chunkPaths, opts)
	if err != nil {
		return "", err
	}

	return strings.Join(texts, "\n\n"), nil
}

// transcribeChunksParallel transcribes audio chunks in parallel with limited
// concurrency, returning the per-chunk text in the original order.
func (t *RunPodTranscriber) transcribeChunksParallel(ctx context.Context, chunkPaths []string, opts Options) ([]string, error) {
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

			text, err := t.transcribeChunk(ctx, idx, path, opts)
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

// transcribeChunk submits one chunk and polls until a terminal status.
func (t *RunPodTranscriber) transcribeChunk(ctx context.Context, idx int, chunkPath string, opts Options) (string, error) {
	data, err := os.ReadFile(chunkPath) // #nosec G304 - chunkPath is produced internally by the splitter
	if err != nil {
		return "", fmt.Errorf("read chunk: %w", err)
	}
	audioB64 := base64.StdEncoding.EncodeToString(data)

	jobID, err := t.client.Submit(ctx, audioB64, runpod.SubmitOptions{
		Model:       opts.Model,
		Timestamps:  opts.Timestamps,
		Diarization: opts.Diarization,
		ForceCPU:    opts.ForceCPU,
	})
	if err != nil {
		return "", fmt.Errorf("submit to runpod: %w", err)
	}

	t.logger.Info("chunk submitted to runpod",
		slog.Int("chunk_index", idx),
		slog.String("runpod_job_id", jobID),
	)

	return t.pollForResult(ctx, jobID)
}

// pollForResult polls RunPod until the job reaches a terminal status.
func (t *RunPodTranscriber) pollForResult(ctx context.Context, jobID string) (string, error) {
	ticker := time.NewTicker(t.pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return "", fmt.Errorf("%w: %v", ErrTranscriptionCancelled, ctx.Err())
		case <-ticker.C:
			result, err := t.client.Poll(ctx, jobID)
			if err != nil {
				return "", fmt.Errorf("poll runpod: %w", err)
			}
			if !result.Status.IsTerminal() {
				continue
			}
			if result.Status == runpod.StatusCompleted {
				return result.Text, nil
			}
			return "", fmt.Errorf("%w: %s (%s)", ErrTranscriptionFailed, result.Error, result.Status)
		}
	}
}

var _ Transcriber = (*RunPodTranscriber)(nil)
