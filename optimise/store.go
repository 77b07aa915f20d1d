package optimise

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"
)

var (
	ErrTaskNotFound   = errors.New("optimisation task not found")
	ErrTaskNotRunning = errors.New("optimisation task not running")
)

// Store persists tasks and their run results. ClaimNextPending must hand a
// task to exactly one caller. UpdateProgress, Complete and Fail require the
// task to be RUNNING and leave it unchanged otherwise.
type Store interface {
	Create(ctx context.Context, t Task) (Task, error)
	ClaimNextPending(ctx context.Context) (Task, bool, error)
	UpdateProgress(ctx context.Context, id string, p Progress) error
	Complete(ctx context.Context, id string, s Summary) error
	Fail(ctx context.Context, id string, cause string) error
	Get(ctx context.Context, id string) (Task, error)
	List(ctx context.Context) ([]Task, error)
	SaveResult(ctx context.Context, r RunResult) error
	Results(ctx context.Context, taskID string) ([]RunResult, error)
}

// MemoryStore keeps everything in process.
type MemoryStore struct {
	mu      sync.Mutex
	tasks   map[string]*Task
	results map[string][]RunResult
	now     func() time.Time
}

var _ Store = (*MemoryStore)(nil)

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		tasks:   make(map[string]*Task),
		results: make(map[string][]RunResult),
		now:     func() time.Time { return time.Now().UTC() },
	}
}

func (m *MemoryStore) Create(_ context.Context, t Task) (Task, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if t.ID == "" {
		return Task{}, fmt.Errorf("create task: missing id")
	}
	if _, ok := m.tasks[t.ID]; ok {
		return Task{}, fmt.Errorf("create task: duplicate id %q", t.ID)
	}
	now := m.now()
	t.State = Pending
	t.CreatedAt, t.UpdatedAt = now, now
	m.tasks[t.ID] = &t
	return t, nil
}

// ClaimNextPending moves the oldest pending task to RUNNING.
func (m *MemoryStore) ClaimNextPending(_ context.Context) (Task, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var next *Task
	for _, t := range m.tasks {
		if t.State != Pending {
			continue
		}
		if next == nil || t.CreatedAt.Before(next.CreatedAt) ||
			(t.CreatedAt.Equal(next.CreatedAt) && t.ID < next.ID) {
			next = t
		}
	}
	if next == nil {
		return Task{}, false, nil
	}
	now := m.now()
	next.State = Running
	next.StartedAt, next.UpdatedAt = now, now
	return *next, true, nil
}

func (m *MemoryStore) running(id string) (*Task, error) {
	t, ok := m.tasks[id]
	if !ok {
		return nil, fmt.Errorf("task %q: %w", id, ErrTaskNotFound)
	}
	if t.State != Running {
		return nil, fmt.Errorf("task %q is %s: %w", id, t.State, ErrTaskNotRunning)
	}
	return t, nil
}

func (m *MemoryStore) UpdateProgress(_ context.Context, id string, p Progress) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, err := m.running(id)
	if err != nil {
		return err
	}
	t.Progress = p
	t.UpdatedAt = m.now()
	return nil
}

func (m *MemoryStore) Complete(_ context.Context, id string, s Summary) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, err := m.running(id)
	if err != nil {
		return err
	}
	now := m.now()
	t.State = Completed
	t.Summary = &s
	t.UpdatedAt, t.FinishedAt = now, now
	return nil
}

func (m *MemoryStore) Fail(_ context.Context, id string, cause string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, err := m.running(id)
	if err != nil {
		return err
	}
	now := m.now()
	t.State = Failed
	t.Error = cause
	t.UpdatedAt, t.FinishedAt = now, now
	return nil
}

func (m *MemoryStore) Get(_ context.Context, id string) (Task, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.tasks[id]
	if !ok {
		return Task{}, fmt.Errorf("task %q: %w", id, ErrTaskNotFound)
	}
	return *t, nil
}

func (m *MemoryStore) List(_ context.Context) ([]Task, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Task, 0, len(m.tasks))
	for _, t := range m.tasks {
		out = append(out, *t)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out, nil
}

func (m *MemoryStore) SaveResult(_ context.Context, r RunResult) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.tasks[r.TaskID]; !ok {
		return fmt.Errorf("task %q: %w", r.TaskID, ErrTaskNotFound)
	}
	m.results[r.TaskID] = append(m.results[r.TaskID], r)
	return nil
}

func (m *MemoryStore) Results(_ context.Context, taskID string) ([]RunResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]RunResult(nil), m.results[taskID]...), nil
}
