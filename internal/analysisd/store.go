package analysisd

import (
	"context"
	"errors"
	"sort"
	"sync"

	"github.com/inkworks/novelwatch/internal/analysis"
)

var ErrStoreNotFound = errors.New("analysis task not found in store")

// Store persists analysis tasks for the simulation backend.
type Store interface {
	SaveTask(ctx context.Context, task analysis.Task) error
	GetTask(ctx context.Context, taskID string) (analysis.Task, error)
	LatestTask(ctx context.Context, novelID string) (analysis.Task, error)
	ListActive(ctx context.Context) ([]analysis.Task, error)
	Close() error
}

// MemoryStore is the default store when no DATABASE_URL is configured.
type MemoryStore struct {
	mu    sync.Mutex
	tasks map[string]analysis.Task
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{tasks: make(map[string]analysis.Task)}
}

func (s *MemoryStore) SaveTask(_ context.Context, task analysis.Task) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tasks[task.ID] = task
	return nil
}

func (s *MemoryStore) GetTask(_ context.Context, taskID string) (analysis.Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	task, ok := s.tasks[taskID]
	if !ok {
		return analysis.Task{}, ErrStoreNotFound
	}
	return task, nil
}

func (s *MemoryStore) LatestTask(_ context.Context, novelID string) (analysis.Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var (
		latest analysis.Task
		found  bool
	)
	for _, task := range s.tasks {
		if task.NovelID != novelID {
			continue
		}
		if !found || task.CreatedAt.After(latest.CreatedAt) {
			latest = task
			found = true
		}
	}
	if !found {
		return analysis.Task{}, ErrStoreNotFound
	}
	return latest, nil
}

func (s *MemoryStore) ListActive(_ context.Context) ([]analysis.Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]analysis.Task, 0, 4)
	for _, task := range s.tasks {
		if task.Status.Active() {
			out = append(out, task)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})
	return out, nil
}

func (s *MemoryStore) Close() error {
	return nil
}
