// Package taskstore provides the TaskRecord aggregate and its durable,
// crash-safe, concurrent-safe store.
package taskstore

import (
	"errors"
	"sync"
	"time"
)

// Status represents the current state of a TaskRecord.
type Status string

const (
	// StatusPending indicates the task has been admitted but not yet started.
	StatusPending Status = "pending"
	// StatusProcessing indicates a JobRunner currently owns the task.
	StatusProcessing Status = "processing"
	// StatusCompleted indicates the task finished successfully.
	StatusCompleted Status = "completed"
	// StatusFailed indicates the task ended in error, was canceled, or was
	// interrupted by a process restart.
	StatusFailed Status = "failed"
)

// Variant identifies one of the four canonical option-sets applied to the
// siblings produced by a video fan-out.
type Variant string

const (
	// VariantLimpa is clean text: no timestamps, no diarization.
	VariantLimpa Variant = "limpa"
	// VariantTimestamps is timestamped text.
	VariantTimestamps Variant = "timestamps"
	// VariantDiarization is speaker-attributed text.
	VariantDiarization Variant = "diarization"
	// VariantCompleta is fully-annotated text (timestamps + diarization).
	VariantCompleta Variant = "completa"
)

// OutputFormat is the requested shape of the Transcriber's output.
type OutputFormat string

const (
	// OutputFormatText is plain text.
	OutputFormatText OutputFormat = "txt"
	// OutputFormatJSON is structured JSON.
	OutputFormatJSON OutputFormat = "json"
	// OutputFormatSRT is subtitle-format text.
	OutputFormatSRT OutputFormat = "srt"
)

// ErrInvalidTransition is returned when an illegal state transition is attempted.
var ErrInvalidTransition = errors.New("taskstore: invalid state transition")

// validTransitions defines which status transitions are allowed. The
// machine is a monotonic DAG: pending -> processing -> {completed, failed}.
var validTransitions = map[Status][]Status{
	StatusPending:    {StatusProcessing, StatusFailed},
	StatusProcessing: {StatusCompleted, StatusFailed},
	StatusCompleted:  {},
	StatusFailed:     {},
}

func canTransition(from, to Status) bool {
	allowed, ok := validTransitions[from]
	if !ok {
		return false
	}
	for _, s := range allowed {
		if s == to {
			return true
		}
	}
	return false
}

// Options holds the immutable-after-creation transcription parameters for a task.
type Options struct {
	Timestamps   bool         `json:"timestamps"`
	Diarization  bool         `json:"diarization"`
	OutputFormat OutputFormat `json:"output_format"`
	Model        string       `json:"model"`
}

// TaskRecord is the central entity: one per transcription unit.
type TaskRecord struct {
	mu sync.RWMutex

	TaskID      string   `json:"task_id"`
	Filename    string   `json:"filename"`
	SourcePath  string   `json:"source_path"`
	Status      Status   `json:"status"`
	Options     Options  `json:"options"`
	CreatedAt   time.Time  `json:"created_at"`
	StartedAt   *time.Time `json:"started_at,omitempty"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
	OutputPath  string     `json:"output_path,omitempty"`
	Error       string     `json:"error,omitempty"`
	Variant     Variant    `json:"variant,omitempty"`
	BatchID     string     `json:"batch_id,omitempty"`
}

// New creates a new TaskRecord in the pending state.
func New(taskID, filename, sourcePath string, opts Options) *TaskRecord {
	return &TaskRecord{
		TaskID:     taskID,
		Filename:   filename,
		SourcePath: sourcePath,
		Status:     StatusPending,
		Options:    opts,
		CreatedAt:  time.Now(),
	}
}

// TransitionTo attempts to change the task's status. Returns
// ErrInvalidTransition if the transition is not allowed by the state
// machine described in the package's invariants.
func (t *TaskRecord) TransitionTo(status Status) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if !canTransition(t.Status, status) {
		return ErrInvalidTransition
	}

	t.Status = status
	now := time.Now()

	switch status {
	case StatusProcessing:
		t.StartedAt = &now
	case StatusCompleted, StatusFailed:
		t.CompletedAt = &now
	}

	return nil
}

// GetStatus returns the current status (thread-safe).
func (t *TaskRecord) GetStatus() Status {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.Status
}

// IsTerminal returns true if the task is completed or failed.
func (t *TaskRecord) IsTerminal() bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.Status == StatusCompleted || t.Status == StatusFailed
}

// SetOutput records the output path on success.
func (t *TaskRecord) SetOutput(outputPath string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.OutputPath = outputPath
}

// SetError records the error message on failure.
func (t *TaskRecord) SetError(msg string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.Error = msg
}

// Clone returns a deep copy of the record suitable for safe reads by callers
// outside the store's lock.
func (t *TaskRecord) Clone() *TaskRecord {
	t.mu.RLock()
	defer t.mu.RUnlock()

	clone := &TaskRecord{
		TaskID:     t.TaskID,
		Filename:   t.Filename,
		SourcePath: t.SourcePath,
		Status:     t.Status,
		Options:    t.Options,
		CreatedAt:  t.CreatedAt,
		OutputPath: t.OutputPath,
		Error:      t.Error,
		Variant:    t.Variant,
		BatchID:    t.BatchID,
	}
	if t.StartedAt != nil {
		startedAt := *t.StartedAt
		clone.StartedAt = &startedAt
	}
	if t.CompletedAt != nil {
		completedAt := *t.CompletedAt
		clone.CompletedAt = &completedAt
	}
	return clone
}
