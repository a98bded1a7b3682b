// Package jobstore persists conversion jobs in memory, SQLite or PostgreSQL.
package jobstore

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/antoniostano/narrate/internal/conversion"
)

type MemoryStore struct {
	mu   sync.RWMutex
	jobs map[string]*conversion.Job
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{jobs: make(map[string]*conversion.Job)}
}

func (m *MemoryStore) Create(_ context.Context, job conversion.Job) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.jobs[job.ID]; ok {
		return fmt.Errorf("conversion %s already exists", job.ID)
	}
	c := job.Clone()
	m.jobs[job.ID] = &c
	return nil
}

func (m *MemoryStore) Get(_ context.Context, id string) (conversion.Job, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	job, ok := m.jobs[id]
	if !ok {
		return conversion.Job{}, notFound(id)
	}
	return job.Clone(), nil
}

// Update applies fn to a copy and swaps it in only when fn succeeds. On error
// the unmodified job is returned alongside it.
func (m *MemoryStore) Update(_ context.Context, id string, fn func(*conversion.Job) error) (conversion.Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	job, ok := m.jobs[id]
	if !ok {
		return conversion.Job{}, notFound(id)
	}
	next := job.Clone()
	if err := fn(&next); err != nil {
		return job.Clone(), err
	}
	m.jobs[id] = &next
	return next.Clone(), nil
}

func (m *MemoryStore) List(_ context.Context, opts conversion.ListOptions) ([]conversion.Job, error) {
	m.mu.RLock()
	out := make([]conversion.Job, 0, len(m.jobs))
	for _, job := range m.jobs {
		if opts.Matches(job.Status) {
			out = append(out, job.Clone())
		}
	}
	m.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		a, b := out[i], out[j]
		if !a.CreatedAt.Equal(b.CreatedAt) {
			if opts.NewestFirst {
				return a.CreatedAt.After(b.CreatedAt)
			}
			return a.CreatedAt.Before(b.CreatedAt)
		}
		return a.ID < b.ID
	})
	if opts.Limit > 0 && len(out) > opts.Limit {
		out = out[:opts.Limit]
	}
	return out, nil
}

func (m *MemoryStore) Close() error {
	return nil
}

func notFound(id string) error {
	return fmt.Errorf("%w: %s", conversion.ErrNotFound, id)
}
