package scheduler

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/juniormartinxo/transcription/internal/taskstore"
)

// memStore is a minimal in-memory taskstore.Store fake for scheduler tests.
type memStore struct {
	mu    sync.Mutex
	tasks map[string]*taskstore.TaskRecord
}

func newMemStore(records ...*taskstore.TaskRecord) *memStore {
	m := &memStore{tasks: make(map[string]*taskstore.TaskRecord)}
	for _, r := range records {
		m.tasks[r.TaskID] = r
	}
	return m
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

func (m *memStore) CreateMany(ctx context.Context, records []*taskstore.TaskRecord) error {
	for _, r := range records {
		if err := m.Create(ctx, r); err != nil {
			return err
		}
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

var _ taskstore.Store = (*memStore)(nil)

// fakeRunner records which task ids it was asked to run, optionally blocking
// until released so tests can observe concurrency and cancellation.
type fakeRunner struct {
	mu      sync.Mutex
	ran     []string
	block   chan struct{}
	running chan string
}

func newFakeRunner() *fakeRunner {
	return &fakeRunner{running: make(chan string, 16)}
}

func (f *fakeRunner) Run(ctx context.Context, taskID string) {
	f.mu.Lock()
	f.ran = append(f.ran, taskID)
	f.mu.Unlock()

	if f.running != nil {
		f.running <- taskID
	}

	if f.block != nil {
		select {
		case <-f.block:
		case <-ctx.Done():
		}
	}
}

func (f *fakeRunner) ranTasks() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, len(f.ran))
	copy(out, f.ran)
	return out
}

var _ TaskRunner = (*fakeRunner)(nil)

func waitFor(t *testing.T, cond func() bool, timeout time.Duration) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatalf("condition not met within %s", timeout)
}

func TestScheduler_EnqueueAndRun(t *testing.T) {
	store := newMemStore()
	runner := newFakeRunner()
	s := New(store, runner, 2)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	s.Start(ctx)

	if err := s.Enqueue("task-1"); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}

	waitFor(t, func() bool { return len(runner.ranTasks()) == 1 }, time.Second)
}

func TestScheduler_QueueFullReturnsError(t *testing.T) {
	store := newMemStore()
	runner := newFakeRunner()
	runner.block = make(chan struct{})
	s := New(store, runner, 1, WithQueueDepth(1))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	s.Start(ctx)

	// First task occupies the only worker slot and blocks there.
	if err := s.Enqueue("task-1"); err != nil {
		t.Fatalf("Enqueue task-1: %v", err)
	}
	waitFor(t, func() bool { return len(runner.ranTasks()) == 1 }, time.Second)

	// Second task fills the 1-deep queue.
	if err := s.Enqueue("task-2"); err != nil {
		t.Fatalf("Enqueue task-2: %v", err)
	}

	// Third task should be rejected: worker busy, queue full.
	err := s.Enqueue("task-3")
	if !errors.Is(err, ErrQueueFull) {
		t.Errorf("expected ErrQueueFull, got %v", err)
	}

	close(runner.block)
}

func TestScheduler_ConcurrencyBound(t *testing.T) {
	store := newMemStore()
	runner := newFakeRunner()
	runner.block = make(chan struct{})
	s := New(store, runner, 2, WithQueueDepth(10))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	s.Start(ctx)

	for i := 0; i < 4; i++ {
		if err := s.Enqueue(string(rune('a' + i))); err != nil {
			t.Fatalf("Enqueue: %v", err)
		}
	}

	waitFor(t, func() bool { return len(runner.ranTasks()) == 2 }, time.Second)
	time.Sleep(20 * time.Millisecond)
	if got := len(runner.ranTasks()); got != 2 {
		t.Errorf("expected exactly 2 concurrent tasks running, got %d", got)
	}

	close(runner.block)
	waitFor(t, func() bool { return len(runner.ranTasks()) == 4 }, time.Second)
}

func TestScheduler_CancelPendingTransitionsDirectlyToFailed(t *testing.T) {
	rec := taskstore.New("task-1", "clip.wav", "/tmp/clip.wav", taskstore.Options{})
	store := newMemStore(rec)
	runner := newFakeRunner()
	s := New(store, runner, 1)

	updated, err := s.Cancel(context.Background(), "task-1")
	if err != nil {
		t.Fatalf("Cancel: %v", err)
	}
	if updated.GetStatus() != taskstore.StatusFailed {
		t.Errorf("expected status failed, got %s", updated.GetStatus())
	}
	if updated.Error != "canceled" {
		t.Errorf("expected error 'canceled', got %q", updated.Error)
	}

	if err := s.Enqueue("task-1"); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	time.Sleep(20 * time.Millisecond)
	if got := runner.ranTasks(); len(got) != 0 {
		t.Errorf("canceled task must never reach the runner, ran: %v", got)
	}
}

func TestScheduler_CancelProcessingFiresCancelFunc(t *testing.T) {
	rec := taskstore.New("task-1", "clip.wav", "/tmp/clip.wav", taskstore.Options{})
	if err := rec.TransitionTo(taskstore.StatusProcessing); err != nil {
		t.Fatalf("setup transition: %v", err)
	}
	store := newMemStore(rec)
	runner := newFakeRunner()
	runner.block = make(chan struct{})
	s := New(store, runner, 1)

	ctx, cancelCtx := context.WithCancel(context.Background())
	defer cancelCtx()
	s.Start(ctx)

	if err := s.Enqueue("task-1"); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	waitFor(t, func() bool { return len(runner.ranTasks()) == 1 }, time.Second)

	updated, err := s.Cancel(context.Background(), "task-1")
	if err != nil {
		t.Fatalf("Cancel: %v", err)
	}
	// Cancel does not itself transition a processing task; that is the
	// runner's responsibility once it observes ctx cancellation.
	if updated.GetStatus() != taskstore.StatusProcessing {
		t.Errorf("expected status unchanged at processing, got %s", updated.GetStatus())
	}

	close(runner.block)
}

func TestScheduler_CancelTerminalIsNoOp(t *testing.T) {
	rec := taskstore.New("task-1", "clip.wav", "/tmp/clip.wav", taskstore.Options{})
	if err := rec.TransitionTo(taskstore.StatusProcessing); err != nil {
		t.Fatalf("setup: %v", err)
	}
	if err := rec.TransitionTo(taskstore.StatusCompleted); err != nil {
		t.Fatalf("setup: %v", err)
	}
	store := newMemStore(rec)
	runner := newFakeRunner()
	s := New(store, runner, 1)

	updated, err := s.Cancel(context.Background(), "task-1")
	if err != nil {
		t.Fatalf("Cancel: %v", err)
	}
	if updated.GetStatus() != taskstore.StatusCompleted {
		t.Errorf("expected status unchanged at completed, got %s", updated.GetStatus())
	}

	// Idempotent: calling again produces the same result.
	updated2, err := s.Cancel(context.Background(), "task-1")
	if err != nil {
		t.Fatalf("second Cancel: %v", err)
	}
	if updated2.GetStatus() != taskstore.StatusCompleted {
		t.Errorf("expected status still completed, got %s", updated2.GetStatus())
	}
}

func TestScheduler_CancelUnknownTask(t *testing.T) {
	store := newMemStore()
	runner := newFakeRunner()
	s := New(store, runner, 1)

	_, err := s.Cancel(context.Background(), "missing")
	if !errors.Is(err, taskstore.ErrTaskNotFound) {
		t.Errorf("expected ErrTaskNotFound, got %v", err)
	}
}

func TestScheduler_Recover(t *testing.T) {
	interrupted := taskstore.New("proc-1", "a.wav", "/tmp/a.wav", taskstore.Options{})
	if err := interrupted.TransitionTo(taskstore.StatusProcessing); err != nil {
		t.Fatalf("setup: %v", err)
	}

	older := taskstore.New("pend-old", "b.wav", "/tmp/b.wav", taskstore.Options{})
	older.CreatedAt = time.Now().Add(-time.Hour)

	newer := taskstore.New("pend-new", "c.wav", "/tmp/c.wav", taskstore.Options{})
	newer.CreatedAt = time.Now()

	store := newMemStore(interrupted, older, newer)
	runner := newFakeRunner()
	s := New(store, runner, 2, WithLogger(nil))

	if err := s.Recover(context.Background()); err != nil {
		t.Fatalf("Recover: %v", err)
	}

	rec, err := store.Get(context.Background(), "proc-1")
	if err != nil {
		t.Fatalf("Get proc-1: %v", err)
	}
	if rec.GetStatus() != taskstore.StatusFailed {
		t.Errorf("expected interrupted task to be failed, got %s", rec.GetStatus())
	}
	if rec.Error != "interrupted" {
		t.Errorf("expected error 'interrupted', got %q", rec.Error)
	}

	var got []string
	select {
	case id := <-s.queue:
		got = append(got, id)
	default:
	}
	select {
	case id := <-s.queue:
		got = append(got, id)
	default:
	}

	if len(got) != 2 || got[0] != "pend-old" || got[1] != "pend-new" {
		t.Errorf("expected pending tasks enqueued oldest-first, got %v", got)
	}
}
