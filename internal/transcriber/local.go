package transcriber

import (
	"context"
	"fmt"
	"os"
)

// LocalTranscriber is a deterministic stand-in backend: it never calls out
// to a GPU worker, it just reports what it was asked to do. Selected via
// TRANSCRIBER_PROVIDER=local for local development and tests, mirroring the
// dry-run mode the teacher exposed for its own external call.
type LocalTranscriber struct{}

// NewLocalTranscriber creates a new LocalTranscriber.
func NewLocalTranscriber() *LocalTranscriber {
	return &LocalTranscriber{}
}

// Transcribe returns a deterministic placeholder transcript describing the
// requested options, without contacting any external service.
func (t *LocalTranscriber) Transcribe(ctx context.Context, audioPath string, opts Options) (string, error) {
	select {
	case <-ctx.Done():
		return "", fmt.Errorf("%w: %v", ErrTranscriptionCancelled, ctx.Err())
	default:
	}

	info, err := os.Stat(audioPath)
	if err != nil {
		return "", fmt.Errorf("%w: stat audio: %v", ErrTranscriptionFailed, err)
	}

	model := opts.Model
	if model == "" {
		model = "base"
	}

	return fmt.Sprintf(
		"[local transcriber stub] model=%s bytes=%d timestamps=%t diarization=%t",
		model, info.Size(), opts.Timestamps, opts.Diarization,
	), nil
}

var _ Transcriber = (*LocalTranscriber)(nil)
