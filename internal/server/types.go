// Package server provides the HTTP surface for the transcription
// orchestrator. It includes handlers, middleware, routes, and DTOs
// separated from the domain types in internal/taskstore.
package server

import "github.com/juniormartinxo/transcription/internal/taskstore"

// TaskOptionsRequest is the client-supplied subset of taskstore.Options
// accepted on single and batch audio transcription requests.
type TaskOptionsRequest struct {
	Timestamps   bool   `json:"timestamps"`
	Diarization  bool   `json:"diarization"`
	Model        string `json:"model" validate:"omitempty,oneof=base small medium large large-v3"`
	OutputFormat string `json:"output_format" validate:"omitempty,oneof=txt json srt"`
}

func (r TaskOptionsRequest) toOptions() taskstore.Options {
	format := taskstore.OutputFormatText
	if r.OutputFormat != "" {
		format = taskstore.OutputFormat(r.OutputFormat)
	}
	model := r.Model
	if model == "" {
		model = "base"
	}
	return taskstore.Options{
		Timestamps:   r.Timestamps,
		Diarization:  r.Diarization,
		Model:        model,
		OutputFormat: format,
	}
}

// TaskResponse is the wire representation of a taskstore.TaskRecord.
type TaskResponse struct {
	TaskID      string             `json:"task_id"`
	Filename    string             `json:"filename"`
	Status      taskstore.Status   `json:"status"`
	Options     taskstore.Options  `json:"options"`
	CreatedAt   string             `json:"created_at"`
	StartedAt   string             `json:"started_at,omitempty"`
	CompletedAt string             `json:"completed_at,omitempty"`
	OutputPath  string             `json:"output_path,omitempty"`
	Error       string             `json:"error,omitempty"`
	Variant     taskstore.Variant  `json:"variant,omitempty"`
	BatchID     string             `json:"batch_id,omitempty"`
}

// ListTasksResponse is the body of GET /transcribe/.
type ListTasksResponse struct {
	Tasks []TaskResponse `json:"tasks"`
	Total int            `json:"total"`
}

// BatchAudioItemResponse reports one file's outcome within a batch-audio
// upload.
type BatchAudioItemResponse struct {
	Filename string `json:"filename"`
	TaskID   string `json:"task_id,omitempty"`
	Error    string `json:"error,omitempty"`
}

// BatchAudioResponse is the body of POST /transcribe/batch-audio.
type BatchAudioResponse struct {
	BatchID string                   `json:"batch_id"`
	Items   []BatchAudioItemResponse `json:"items"`
}

// ExtractAudioResponse is the body of POST /transcribe/extract-audio.
type ExtractAudioResponse struct {
	BatchID        string         `json:"batch_id"`
	AudioPath      string         `json:"audio_path"`
	Transcriptions []TaskResponse `json:"transcriptions"`
	Summary        BatchSummary   `json:"summary"`
}

// BatchSummary describes the shape of a video fan-out's resulting tasks.
type BatchSummary struct {
	Total int      `json:"total"`
	Types []string `json:"types"`
}

// BatchVideoItemResponse reports one file's outcome within a batch-video
// upload.
type BatchVideoItemResponse struct {
	Filename       string         `json:"filename"`
	Transcriptions []TaskResponse `json:"transcriptions,omitempty"`
	Error          string         `json:"error,omitempty"`
}

// BatchVideoResponse is the body of POST /transcribe/batch-video.
type BatchVideoResponse struct {
	BatchID string                    `json:"batch_id"`
	Items   []BatchVideoItemResponse `json:"items"`
}

// ErrorResponse is the standard error response format: {detail: string}.
type ErrorResponse struct {
	Detail string `json:"detail"`
}

// HealthResponse is the HTTP response for the health check endpoint.
type HealthResponse struct {
	Status string `json:"status"`
}

func toTaskResponse(rec *taskstore.TaskRecord) TaskResponse {
	resp := TaskResponse{
		TaskID:     rec.TaskID,
		Filename:   rec.Filename,
		Status:     rec.Status,
		Options:    rec.Options,
		CreatedAt:  rec.CreatedAt.Format(timeLayout),
		OutputPath: rec.OutputPath,
		Error:      rec.Error,
		Variant:    rec.Variant,
		BatchID:    rec.BatchID,
	}
	if rec.StartedAt != nil {
		resp.StartedAt = rec.StartedAt.Format(timeLayout)
	}
	if rec.CompletedAt != nil {
		resp.CompletedAt = rec.CompletedAt.Format(timeLayout)
	}
	return resp
}

func toTaskResponses(records []*taskstore.TaskRecord) []TaskResponse {
	out := make([]TaskResponse, 0, len(records))
	for _, r := range records {
		out = append(out, toTaskResponse(r))
	}
	return out
}

const timeLayout = "2006-01-02T15:04:05Z07:00"
