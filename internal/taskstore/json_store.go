package taskstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"sync"

	"github.com/google/renameio/v2"
)

// ErrPersistFailed wraps any error encountered while durably writing the
// store's JSON document; the caller's mutation is rolled back in memory.
var ErrPersistFailed = errors.New("taskstore: persist failed")

// Compile-time check that JSONStore implements Store.
var _ Store = (*JSONStore)(nil)

// JSONStore is a single-JSON-document TaskStore. Every mutation writes a
// complete new document to a temporary path and atomically renames it into
// place (fsync + rename via renameio), so the on-disk view is never a
// partial write. A single mutex serializes all mutations and reads; reads
// return clones of the in-memory records.
type JSONStore struct {
	mu     sync.Mutex
	path   string
	tasks  map[string]*TaskRecord
	logger *slog.Logger
}

// NewJSONStore opens (or creates) the JSON document at path. If the
// canonical directory is not writable, it falls back to a file of the same
// name under the system temp directory and logs a warning once. On open, a
// missing or unparsable file starts the store empty rather than failing.
func NewJSONStore(path string, logger *slog.Logger) (*JSONStore, error) {
	if logger == nil {
		logger = slog.Default()
	}

	resolvedPath := path
	dir := filepath.Dir(path)
	err := os.MkdirAll(dir, 0o755)
	if err == nil {
		// An existing directory may still be read-only; probe it.
		var probe *os.File
		if probe, err = os.CreateTemp(dir, ".write-probe-*"); err == nil {
			_ = probe.Close()
			_ = os.Remove(probe.Name())
		}
	}
	if err != nil {
		fallback := filepath.Join(os.TempDir(), filepath.Base(path))
		logger.Warn("taskstore directory not writable, falling back to temp dir",
			slog.String("wanted_dir", dir),
			slog.String("fallback_path", fallback),
			slog.String("error", err.Error()),
		)
		resolvedPath = fallback
	}

	s := &JSONStore{
		path:   resolvedPath,
		tasks:  make(map[string]*TaskRecord),
		logger: logger,
	}

	if err := s.load(); err != nil {
		logger.Warn("taskstore: starting with empty store",
			slog.String("path", resolvedPath),
			slog.String("error", err.Error()),
		)
	}

	return s, nil
}

// load reads the JSON document from disk into memory. A missing or
// unparsable file is tolerated: it results in an empty store plus a
// returned error for the caller to log.
func (s *JSONStore) load() error {
	data, err := os.ReadFile(s.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("read %s: %w", s.path, err)
	}
	if len(data) == 0 {
		return nil
	}

	var tasks map[string]*TaskRecord
	if err := json.Unmarshal(data, &tasks); err != nil {
		return fmt.Errorf("parse %s: %w", s.path, err)
	}

	s.tasks = tasks
	return nil
}

// persist writes the complete current in-memory map to disk atomically.
// Must be called with s.mu held.
func (s *JSONStore) persist() error {
	data, err := json.MarshalIndent(s.tasks, "", "  ")
	if err != nil {
		return fmt.Errorf("%w: marshal: %v", ErrPersistFailed, err)
	}

	pending, err := renameio.NewPendingFile(s.path)
	if err != nil {
		return fmt.Errorf("%w: create pending file: %v", ErrPersistFailed, err)
	}
	defer func() {
		_ = pending.Cleanup()
	}()

	if _, err := pending.Write(data); err != nil {
		return fmt.Errorf("%w: write: %v", ErrPersistFailed, err)
	}

	if err := pending.CloseAtomicallyReplace(); err != nil {
		return fmt.Errorf("%w: atomic replace: %v", ErrPersistFailed, err)
	}

	return nil
}

// Create inserts a new record, rejecting duplicate ids.
func (s *JSONStore) Create(_ context.Context, record *TaskRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.tasks[record.TaskID]; exists {
		return ErrTaskExists
	}

	s.tasks[record.TaskID] = record
	if err := s.persist(); err != nil {
		delete(s.tasks, record.TaskID)
		return err
	}
	return nil
}

// CreateMany inserts several records atomically: either all appear or the
// in-memory map is rolled back to its prior state and none do.
func (s *JSONStore) CreateMany(_ context.Context, records []*TaskRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, r := range records {
		if _, exists := s.tasks[r.TaskID]; exists {
			return fmt.Errorf("%w: %s", ErrTaskExists, r.TaskID)
		}
	}

	for _, r := range records {
		s.tasks[r.TaskID] = r
	}

	if err := s.persist(); err != nil {
		for _, r := range records {
			delete(s.tasks, r.TaskID)
		}
		return err
	}
	return nil
}

// Get retrieves a clone of a record by task id.
func (s *JSONStore) Get(_ context.Context, taskID string) (*TaskRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	r, ok := s.tasks[taskID]
	if !ok {
		return nil, ErrTaskNotFound
	}
	return r.Clone(), nil
}

// Update applies mutate to the record under the store's lock and persists
// the result. If mutate returns an error, or persistence fails, the
// in-memory record is left unchanged (or rolled back) and the error is
// returned. The returned record is a clone taken after the mutation.
func (s *JSONStore) Update(_ context.Context, taskID string, mutate Mutator) (*TaskRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	r, ok := s.tasks[taskID]
	if !ok {
		return nil, ErrTaskNotFound
	}

	before := r.Clone()

	if err := mutate(r); err != nil {
		s.tasks[taskID] = before
		return nil, err
	}

	if err := s.persist(); err != nil {
		s.tasks[taskID] = before
		return nil, err
	}

	return r.Clone(), nil
}

// List returns a snapshot of all records, iteration order not guaranteed
// to callers (sorted here by task id only to make output deterministic).
func (s *JSONStore) List(_ context.Context) ([]*TaskRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]*TaskRecord, 0, len(s.tasks))
	for _, r := range s.tasks {
		out = append(out, r.Clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].TaskID < out[j].TaskID })
	return out, nil
}

// Delete removes a record. Idempotent.
func (s *JSONStore) Delete(_ context.Context, taskID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	existing, ok := s.tasks[taskID]
	if !ok {
		return nil
	}

	delete(s.tasks, taskID)
	if err := s.persist(); err != nil {
		s.tasks[taskID] = existing
		return err
	}
	return nil
}
