package store

import (
	"context"
	"sort"
	"sync"
	"time"
)

// MemoryRunStore 进程内实现, 重启即丢失。
type MemoryRunStore struct {
	mu   sync.RWMutex
	runs map[string]ThreadRun
}

var _ RunStore = (*MemoryRunStore)(nil)

// NewMemoryRunStore 创建空存储。
func NewMemoryRunStore() *MemoryRunStore {
	return &MemoryRunStore{runs: make(map[string]ThreadRun)}
}

func (s *MemoryRunStore) Get(_ context.Context, threadID string) (string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.runs[threadID].RunID, nil
}

func (s *MemoryRunStore) Put(_ context.Context, threadID, runID string) error {
	s.mu.Lock()
	s.runs[threadID] = ThreadRun{ThreadID: threadID, RunID: runID, UpdatedAt: time.Now().UTC()}
	s.mu.Unlock()
	return nil
}

func (s *MemoryRunStore) Delete(_ context.Context, threadID string) error {
	s.mu.Lock()
	delete(s.runs, threadID)
	s.mu.Unlock()
	return nil
}

// List 按 thread id 排序。
func (s *MemoryRunStore) List(_ context.Context) ([]ThreadRun, error) {
	s.mu.RLock()
	out := make([]ThreadRun, 0, len(s.runs))
	for _, r := range s.runs {
		out = append(out, r)
	}
	s.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].ThreadID < out[j].ThreadID })
	return out, nil
}

func (s *MemoryRunStore) Close() error { return nil }
