package server

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"mime/multipart"
	"net/http"
	"os"
	"strconv"

	"github.com/go-playground/validator/v10"

	"github.com/juniormartinxo/transcription/internal/extractor"
	"github.com/juniormartinxo/transcription/internal/ingestor"
	"github.com/juniormartinxo/transcription/internal/scheduler"
	"github.com/juniormartinxo/transcription/internal/taskstore"
)

// maxMultipartMemory bounds how much of a multipart body is buffered in
// memory before spilling to temp files; upload bytes themselves still
// stream through Ingestor's size-capped writer.
const maxMultipartMemory = 32 << 20 // 32 MiB

// Handlers contains the HTTP handlers for the transcription API.
type Handlers struct {
	store     taskstore.Store
	ingestor  *ingestor.Ingestor
	scheduler *scheduler.Scheduler
	validator *validator.Validate
	logger    *slog.Logger
}

// NewHandlers creates a new Handlers instance.
func NewHandlers(store taskstore.Store, ing *ingestor.Ingestor, sched *scheduler.Scheduler, logger *slog.Logger) *Handlers {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handlers{
		store:     store,
		ingestor:  ing,
		scheduler: sched,
		validator: validator.New(),
		logger:    logger,
	}
}

// Health handles GET /health.
func (h *Handlers) Health(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, HealthResponse{Status: "ok"})
}

// Transcribe handles POST /transcribe/: a single audio upload.
func (h *Handlers) Transcribe(w http.ResponseWriter, r *http.Request) {
	file, header, err := r.FormFile("file")
	if err != nil {
		writeError(w, http.StatusBadRequest, "missing file field")
		return
	}
	defer func() { _ = file.Close() }()

	opts, ok := h.parseOptions(w, r)
	if !ok {
		return
	}

	rec, err := h.ingestor.IngestAudio(r.Context(), header.Filename, file, opts)
	if err != nil {
		h.writeIngestError(w, err)
		return
	}

	writeJSON(w, http.StatusCreated, toTaskResponse(rec))
}

// BatchAudio handles POST /transcribe/batch-audio: multiple audio uploads.
func (h *Handlers) BatchAudio(w http.ResponseWriter, r *http.Request) {
	files, ok := h.multipartFiles(w, r)
	if !ok {
		return
	}
	defer closeAllFiles(files)

	opts, ok := h.parseOptions(w, r)
	if !ok {
		return
	}

	readers := make([]ingestor.NamedFile, 0, len(files))
	for _, uf := range files {
		readers = append(readers, ingestor.NamedFile{Filename: uf.Filename, Reader: uf.File})
	}

	batchID, items := h.ingestor.IngestBatchAudio(r.Context(), readers, opts)

	respItems := make([]BatchAudioItemResponse, 0, len(items))
	for _, item := range items {
		respItems = append(respItems, BatchAudioItemResponse{
			Filename: item.Filename,
			TaskID:   item.TaskID,
			Error:    item.Error,
		})
	}

	writeJSON(w, http.StatusCreated, BatchAudioResponse{BatchID: batchID, Items: respItems})
}

// ExtractAudio handles POST /transcribe/extract-audio: a single video
// upload fanned out into four transcription tasks.
func (h *Handlers) ExtractAudio(w http.ResponseWriter, r *http.Request) {
	file, header, err := r.FormFile("file")
	if err != nil {
		writeError(w, http.StatusBadRequest, "missing file field")
		return
	}
	defer func() { _ = file.Close() }()

	batchID, audioPath, records, err := h.ingestor.IngestVideo(r.Context(), header.Filename, file)
	if err != nil {
		h.writeVideoIngestError(w, err)
		return
	}

	writeJSON(w, http.StatusCreated, ExtractAudioResponse{
		BatchID:        batchID,
		AudioPath:      audioPath,
		Transcriptions: toTaskResponses(records),
		Summary: BatchSummary{
			Total: len(records),
			Types: []string{"limpa", "timestamps", "diarization", "completa"},
		},
	})
}

// BatchVideo handles POST /transcribe/batch-video: multiple video uploads,
// each fanned out into four transcription tasks.
func (h *Handlers) BatchVideo(w http.ResponseWriter, r *http.Request) {
	files, ok := h.multipartFiles(w, r)
	if !ok {
		return
	}
	defer closeAllFiles(files)

	readers := make([]ingestor.NamedFile, 0, len(files))
	for _, uf := range files {
		readers = append(readers, ingestor.NamedFile{Filename: uf.Filename, Reader: uf.File})
	}

	batchID, items := h.ingestor.IngestBatchVideo(r.Context(), readers)

	respItems := make([]BatchVideoItemResponse, 0, len(items))
	for _, item := range items {
		respItems = append(respItems, BatchVideoItemResponse{
			Filename:       item.Filename,
			Transcriptions: toTaskResponses(item.Transcriptions),
			Error:          item.Error,
		})
	}

	writeJSON(w, http.StatusCreated, BatchVideoResponse{BatchID: batchID, Items: respItems})
}

// ListTasks handles GET /transcribe/.
func (h *Handlers) ListTasks(w http.ResponseWriter, r *http.Request) {
	records, err := h.store.List(r.Context())
	if err != nil {
		h.logger.Error("failed to list tasks", slog.String("error", err.Error()))
		writeError(w, http.StatusInternalServerError, "failed to list tasks")
		return
	}
	writeJSON(w, http.StatusOK, ListTasksResponse{Tasks: toTaskResponses(records), Total: len(records)})
}

// GetTask handles GET /transcribe/{task_id}.
func (h *Handlers) GetTask(w http.ResponseWriter, r *http.Request) {
	taskID := r.PathValue("task_id")
	rec, err := h.store.Get(r.Context(), taskID)
	if err != nil {
		if errors.Is(err, taskstore.ErrTaskNotFound) {
			writeError(w, http.StatusNotFound, "task not found")
			return
		}
		h.logger.Error("failed to get task", slog.String("task_id", taskID), slog.String("error", err.Error()))
		writeError(w, http.StatusInternalServerError, "failed to get task")
		return
	}
	writeJSON(w, http.StatusOK, toTaskResponse(rec))
}

// DownloadTask handles GET /transcribe/{task_id}/download.
func (h *Handlers) DownloadTask(w http.ResponseWriter, r *http.Request) {
	taskID := r.PathValue("task_id")
	rec, err := h.store.Get(r.Context(), taskID)
	if err != nil {
		if errors.Is(err, taskstore.ErrTaskNotFound) {
			writeError(w, http.StatusNotFound, "task not found")
			return
		}
		writeError(w, http.StatusInternalServerError, "failed to get task")
		return
	}

	if rec.GetStatus() != taskstore.StatusCompleted {
		writeError(w, http.StatusConflict, fmt.Sprintf("task is not completed: current status %s", rec.GetStatus()))
		return
	}

	data, err := os.ReadFile(rec.OutputPath) // #nosec G304 - output_path is generated internally by the JobRunner
	if err != nil {
		h.logger.Error("failed to read completed transcript",
			slog.String("task_id", taskID),
			slog.String("error", err.Error()),
		)
		writeError(w, http.StatusInternalServerError, "failed to read transcript")
		return
	}

	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(data)
}

// CancelTask handles POST /transcribe/{task_id}/cancel.
func (h *Handlers) CancelTask(w http.ResponseWriter, r *http.Request) {
	taskID := r.PathValue("task_id")
	rec, err := h.scheduler.Cancel(r.Context(), taskID)
	if err != nil {
		if errors.Is(err, taskstore.ErrTaskNotFound) {
			writeError(w, http.StatusNotFound, "task not found")
			return
		}
		h.logger.Error("failed to cancel task", slog.String("task_id", taskID), slog.String("error", err.Error()))
		writeError(w, http.StatusInternalServerError, "failed to cancel task")
		return
	}
	writeJSON(w, http.StatusAccepted, toTaskResponse(rec))
}

// DeleteTask handles DELETE /transcribe/{task_id}.
func (h *Handlers) DeleteTask(w http.ResponseWriter, r *http.Request) {
	taskID := r.PathValue("task_id")
	withFiles, _ := strconv.ParseBool(r.URL.Query().Get("with_files"))

	rec, err := h.store.Get(r.Context(), taskID)
	if err != nil {
		if errors.Is(err, taskstore.ErrTaskNotFound) {
			writeError(w, http.StatusNotFound, "task not found")
			return
		}
		writeError(w, http.StatusInternalServerError, "failed to get task")
		return
	}

	if withFiles {
		if rec.SourcePath != "" {
			_ = os.Remove(rec.SourcePath)
		}
		if rec.OutputPath != "" {
			_ = os.Remove(rec.OutputPath)
		}
	}

	if err := h.store.Delete(r.Context(), taskID); err != nil {
		h.logger.Error("failed to delete task", slog.String("task_id", taskID), slog.String("error", err.Error()))
		writeError(w, http.StatusInternalServerError, "failed to delete task")
		return
	}

	w.WriteHeader(http.StatusNoContent)
}

// parseOptions decodes the optional "options" form field, a JSON object
// matching TaskOptionsRequest. A missing field yields the defaults: model
// "base" and plain-text output.
func (h *Handlers) parseOptions(w http.ResponseWriter, r *http.Request) (taskstore.Options, bool) {
	raw := r.FormValue("options")
	if raw == "" {
		return taskstore.Options{Model: "base", OutputFormat: taskstore.OutputFormatText}, true
	}

	var req TaskOptionsRequest
	if err := json.Unmarshal([]byte(raw), &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid options JSON")
		return taskstore.Options{}, false
	}

	if err := h.validator.Struct(req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return taskstore.Options{}, false
	}

	return req.toOptions(), true
}

// uploadedFile pairs an uploaded "file" field's original filename with its
// opened content. Kept as an ordered slice rather than a map keyed by
// filename so two uploads sharing a filename remain distinct batch items.
type uploadedFile struct {
	Filename string
	File     multipart.File
}

// multipartFiles parses a multipart request and returns every uploaded
// "file" field, in upload order.
func (h *Handlers) multipartFiles(w http.ResponseWriter, r *http.Request) ([]uploadedFile, bool) {
	if err := r.ParseMultipartForm(maxMultipartMemory); err != nil {
		writeError(w, http.StatusBadRequest, "invalid multipart body")
		return nil, false
	}

	fileHeaders := r.MultipartForm.File["file"]
	if len(fileHeaders) == 0 {
		writeError(w, http.StatusBadRequest, "no files provided")
		return nil, false
	}

	files := make([]uploadedFile, 0, len(fileHeaders))
	for _, fh := range fileHeaders {
		f, err := fh.Open()
		if err != nil {
			closeAllFiles(files)
			writeError(w, http.StatusBadRequest, "failed to read uploaded file")
			return nil, false
		}
		files = append(files, uploadedFile{Filename: fh.Filename, File: f})
	}
	return files, true
}

func closeAllFiles(files []uploadedFile) {
	for _, uf := range files {
		_ = uf.File.Close()
	}
}

// writeIngestError maps an Ingestor error (audio path) to the HTTP error
// taxonomy.
func (h *Handlers) writeIngestError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, ingestor.ErrUnsupportedMediaType):
		writeError(w, http.StatusUnsupportedMediaType, err.Error())
	case errors.Is(err, ingestor.ErrFileTooLarge):
		writeError(w, http.StatusRequestEntityTooLarge, err.Error())
	case errors.Is(err, scheduler.ErrQueueFull):
		writeError(w, http.StatusServiceUnavailable, "admission queue full")
	default:
		h.logger.Error("ingest audio failed", slog.String("error", err.Error()))
		writeError(w, http.StatusInternalServerError, "failed to ingest upload")
	}
}

// writeVideoIngestError maps an Ingestor error (video path) to the HTTP
// error taxonomy, including the extractor's own classified errors.
func (h *Handlers) writeVideoIngestError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, extractor.ErrUnsupportedFormat):
		writeError(w, http.StatusUnsupportedMediaType, err.Error())
	case errors.Is(err, ingestor.ErrFileTooLarge):
		writeError(w, http.StatusRequestEntityTooLarge, err.Error())
	case errors.Is(err, extractor.ErrDecoderTimeout):
		writeError(w, http.StatusGatewayTimeout, err.Error())
	case errors.Is(err, extractor.ErrDecoderError):
		writeError(w, http.StatusInternalServerError, err.Error())
	case errors.Is(err, scheduler.ErrQueueFull):
		writeError(w, http.StatusServiceUnavailable, "admission queue full")
	default:
		h.logger.Error("ingest video failed", slog.String("error", err.Error()))
		writeError(w, http.StatusInternalServerError, "failed to ingest upload")
	}
}

// writeJSON writes a JSON response.
func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		slog.Error("failed to encode JSON response", slog.String("error", err.Error()))
	}
}

// writeError writes an error response in the standard {detail: string} format.
func writeError(w http.ResponseWriter, status int, detail string) {
	writeJSON(w, status, ErrorResponse{Detail: detail})
}
