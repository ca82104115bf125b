package server

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/juniormartinxo/transcription/internal/ingestor"
	"github.com/juniormartinxo/transcription/internal/scheduler"
	"github.com/juniormartinxo/transcription/internal/taskstore"
)

var testLogger = slog.New(slog.NewTextHandler(io.Discard, nil))

type memStore struct {
	mu    sync.Mutex
	tasks map[string]*taskstore.TaskRecord
}

func newMemStore() *memStore {
	return &memStore{tasks: make(map[string]*taskstore.TaskRecord)}
}

func (m *memStore) Create(_ context.Context, r *taskstore.TaskRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.tasks[r.TaskID]; ok {
		return taskstore.ErrTaskExists
	}
	m.tasks[r.TaskID] = r
	return nil
}

func (m *memStore) CreateMany(_ context.Context, records []*taskstore.TaskRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, r := range records {
		m.tasks[r.TaskID] = r
	}
	return nil
}

func (m *memStore) Get(_ context.Context, taskID string) (*taskstore.TaskRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.tasks[taskID]
	if !ok {
		return nil, taskstore.ErrTaskNotFound
	}
	return r.Clone(), nil
}

func (m *memStore) Update(_ context.Context, taskID string, mutate taskstore.Mutator) (*taskstore.TaskRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.tasks[taskID]
	if !ok {
		return nil, taskstore.ErrTaskNotFound
	}
	if err := mutate(r); err != nil {
		return nil, err
	}
	return r.Clone(), nil
}

func (m *memStore) List(_ context.Context) ([]*taskstore.TaskRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*taskstore.TaskRecord, 0, len(m.tasks))
	for _, r := range m.tasks {
		out = append(out, r.Clone())
	}
	return out, nil
}

func (m *memStore) Delete(_ context.Context, taskID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.tasks, taskID)
	return nil
}

func (m *memStore) put(r *taskstore.TaskRecord) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.tasks[r.TaskID] = r
}

var _ taskstore.Store = (*memStore)(nil)

func newTestServer(t *testing.T) (*httptest.Server, *memStore) {
	t.Helper()
	store := newMemStore()
	sched := scheduler.New(store, noopRunner{}, 3, scheduler.WithLogger(testLogger))
	ing := ingestor.New(store, sched, fakeExtractor{}, t.TempDir())
	h := NewHandlers(store, ing, sched, testLogger)
	router := NewRouter(h, testLogger, DefaultConfig())
	server := httptest.NewServer(router)
	t.Cleanup(server.Close)
	return server, store
}

type noopRunner struct{}

func (noopRunner) Run(ctx context.Context, taskID string) {}

// fakeExtractor satisfies extractor.Extractor by writing a placeholder WAV;
// handler tests exercise validation and wiring, not ffmpeg itself.
type fakeExtractor struct{}

func (fakeExtractor) Extract(_ context.Context, _, outputPath string, _ time.Duration) error {
	return os.WriteFile(outputPath, []byte("RIFF....WAVEfmt "), 0o600)
}

func multipartAudioBody(t *testing.T, filename, content string) (*bytes.Buffer, string) {
	t.Helper()
	var buf bytes.Buffer
	w := multipart.NewWriter(&buf)
	fw, err := w.CreateFormFile("file", filename)
	require.NoError(t, err)
	_, err = fw.Write([]byte(content))
	require.NoError(t, err)
	require.NoError(t, w.Close())
	return &buf, w.FormDataContentType()
}

func multipartFilesBody(t *testing.T, files []struct{ Filename, Content string }) (*bytes.Buffer, string) {
	t.Helper()
	var buf bytes.Buffer
	w := multipart.NewWriter(&buf)
	for _, f := range files {
		fw, err := w.CreateFormFile("file", f.Filename)
		require.NoError(t, err)
		_, err = fw.Write([]byte(f.Content))
		require.NoError(t, err)
	}
	require.NoError(t, w.Close())
	return &buf, w.FormDataContentType()
}

func TestHandlers_BatchAudio_DuplicateFilenamesBothAppear(t *testing.T) {
	server, _ := newTestServer(t)

	body, contentType := multipartFilesBody(t, []struct{ Filename, Content string }{
		{Filename: "dup.wav", Content: "first"},
		{Filename: "dup.wav", Content: "second"},
	})
	resp, err := http.Post(server.URL+"/transcribe/batch-audio", contentType, body)
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.Equal(t, http.StatusCreated, resp.StatusCode)

	var batch BatchAudioResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&batch))
	require.Len(t, batch.Items, 2, "both uploads sharing a filename must appear as distinct items")
	assert.NotEmpty(t, batch.Items[0].TaskID)
	assert.NotEmpty(t, batch.Items[1].TaskID)
	assert.NotEqual(t, batch.Items[0].TaskID, batch.Items[1].TaskID)
}

func TestHandlers_Health(t *testing.T) {
	server, _ := newTestServer(t)

	resp, err := http.Get(server.URL + "/health")
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.Equal(t, http.StatusOK, resp.StatusCode)

	var body HealthResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	assert.Equal(t, "ok", body.Status)
}

func TestHandlers_Transcribe_Success(t *testing.T) {
	server, store := newTestServer(t)

	body, contentType := multipartAudioBody(t, "clip.wav", "audio-bytes")
	resp, err := http.Post(server.URL+"/transcribe/", contentType, body)
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.Equal(t, http.StatusCreated, resp.StatusCode)

	var task TaskResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&task))
	assert.Equal(t, taskstore.StatusPending, task.Status)

	_, err = store.Get(context.Background(), task.TaskID)
	assert.NoError(t, err)
}

func TestHandlers_Transcribe_RejectsUnsupportedExtension(t *testing.T) {
	server, _ := newTestServer(t)

	body, contentType := multipartAudioBody(t, "clip.mov", "video-bytes")
	resp, err := http.Post(server.URL+"/transcribe/", contentType, body)
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.Equal(t, http.StatusUnsupportedMediaType, resp.StatusCode)
}

func TestHandlers_Transcribe_MissingFile(t *testing.T) {
	server, _ := newTestServer(t)

	var buf bytes.Buffer
	w := multipart.NewWriter(&buf)
	require.NoError(t, w.Close())

	resp, err := http.Post(server.URL+"/transcribe/", w.FormDataContentType(), &buf)
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestHandlers_GetTask_NotFound(t *testing.T) {
	server, _ := newTestServer(t)

	resp, err := http.Get(server.URL + "/transcribe/does-not-exist")
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestHandlers_GetTask_Found(t *testing.T) {
	server, store := newTestServer(t)

	rec := taskstore.New("task-1", "clip.wav", "/tmp/clip.wav", taskstore.Options{Model: "base"})
	store.put(rec)

	resp, err := http.Get(server.URL + "/transcribe/task-1")
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.Equal(t, http.StatusOK, resp.StatusCode)

	var task TaskResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&task))
	assert.Equal(t, "task-1", task.TaskID)
}

func TestHandlers_ListTasks(t *testing.T) {
	server, store := newTestServer(t)

	store.put(taskstore.New("task-1", "a.wav", "/tmp/a.wav", taskstore.Options{}))
	store.put(taskstore.New("task-2", "b.wav", "/tmp/b.wav", taskstore.Options{}))

	resp, err := http.Get(server.URL + "/transcribe/")
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.Equal(t, http.StatusOK, resp.StatusCode)

	var list ListTasksResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&list))
	assert.Equal(t, 2, list.Total)
}

func TestHandlers_DownloadTask_NotCompletedReturns409(t *testing.T) {
	server, store := newTestServer(t)

	rec := taskstore.New("task-1", "clip.wav", "/tmp/clip.wav", taskstore.Options{})
	store.put(rec)

	resp, err := http.Get(server.URL + "/transcribe/task-1/download")
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.Equal(t, http.StatusConflict, resp.StatusCode)
}

func TestHandlers_DownloadTask_Completed(t *testing.T) {
	server, store := newTestServer(t)

	dir := t.TempDir()
	outputPath := filepath.Join(dir, "out.txt")
	require.NoError(t, os.WriteFile(outputPath, []byte("the transcript"), 0o600))

	rec := taskstore.New("task-1", "clip.wav", "/tmp/clip.wav", taskstore.Options{})
	require.NoError(t, rec.TransitionTo(taskstore.StatusProcessing))
	rec.SetOutput(outputPath)
	require.NoError(t, rec.TransitionTo(taskstore.StatusCompleted))
	store.put(rec)

	resp, err := http.Get(server.URL + "/transcribe/task-1/download")
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.True(t, strings.Contains(resp.Header.Get("Content-Type"), "text/plain"))
}

func TestHandlers_CancelTask_Pending(t *testing.T) {
	server, store := newTestServer(t)

	rec := taskstore.New("task-1", "clip.wav", "/tmp/clip.wav", taskstore.Options{})
	store.put(rec)

	resp, err := http.Post(server.URL+"/transcribe/task-1/cancel", "application/json", nil)
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.Equal(t, http.StatusAccepted, resp.StatusCode)

	var task TaskResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&task))
	assert.Equal(t, taskstore.StatusFailed, task.Status)
	assert.Equal(t, "canceled", task.Error)
}

func TestHandlers_DeleteTask(t *testing.T) {
	server, store := newTestServer(t)

	rec := taskstore.New("task-1", "clip.wav", "/tmp/clip.wav", taskstore.Options{})
	store.put(rec)

	req, err := http.NewRequest(http.MethodDelete, server.URL+"/transcribe/task-1", nil)
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.Equal(t, http.StatusNoContent, resp.StatusCode)

	_, err = store.Get(context.Background(), "task-1")
	assert.ErrorIs(t, err, taskstore.ErrTaskNotFound)
}

func TestHandlers_DeleteTask_WithFilesRemovesArtifacts(t *testing.T) {
	server, store := newTestServer(t)

	dir := t.TempDir()
	sourcePath := filepath.Join(dir, "source.wav")
	outputPath := filepath.Join(dir, "out.txt")
	require.NoError(t, os.WriteFile(sourcePath, []byte("audio"), 0o600))
	require.NoError(t, os.WriteFile(outputPath, []byte("transcript"), 0o600))

	rec := taskstore.New("task-1", "clip.wav", sourcePath, taskstore.Options{})
	require.NoError(t, rec.TransitionTo(taskstore.StatusProcessing))
	rec.SetOutput(outputPath)
	require.NoError(t, rec.TransitionTo(taskstore.StatusCompleted))
	store.put(rec)

	req, err := http.NewRequest(http.MethodDelete, server.URL+"/transcribe/task-1?with_files=true", nil)
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.Equal(t, http.StatusNoContent, resp.StatusCode)

	_, err = store.Get(context.Background(), "task-1")
	assert.ErrorIs(t, err, taskstore.ErrTaskNotFound)

	_, statErr := os.Stat(sourcePath)
	assert.True(t, os.IsNotExist(statErr))
	_, statErr = os.Stat(outputPath)
	assert.True(t, os.IsNotExist(statErr))
}

func TestHandlers_ExtractAudio_FanOut(t *testing.T) {
	server, store := newTestServer(t)

	body, contentType := multipartAudioBody(t, "talk.mp4", "video-bytes")
	resp, err := http.Post(server.URL+"/transcribe/extract-audio", contentType, body)
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.Equal(t, http.StatusCreated, resp.StatusCode)

	var out ExtractAudioResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	assert.Len(t, out.Transcriptions, 4)
	assert.Equal(t, 4, out.Summary.Total)

	all, err := store.List(context.Background())
	require.NoError(t, err)
	assert.Len(t, all, 4)
}
