package jobs

import (
	"context"
	"sync"
	"time"
)

// MemoryStore keeps job records in process memory. It is bounded: when full,
// the oldest record is evicted, and records past the TTL are dropped by
// PurgeExpired. Suitable for single-instance deployments.
type MemoryStore struct {
	mu      sync.RWMutex
	jobs    map[string]*Job
	order   []string
	maxSize int
	ttl     time.Duration
}

// NewMemoryStore creates a bounded in-memory job store.
func NewMemoryStore(maxSize int, ttl time.Duration) *MemoryStore {
	if maxSize <= 0 {
		maxSize = 1000
	}
	return &MemoryStore{
		jobs:    make(map[string]*Job),
		order:   make([]string, 0, maxSize),
		maxSize: maxSize,
		ttl:     ttl,
	}
}

// Create persists a new job, evicting the oldest record when full.
func (s *MemoryStore) Create(_ context.Context, job *Job) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if len(s.jobs) >= s.maxSize && len(s.order) > 0 {
		oldest := s.order[0]
		delete(s.jobs, oldest)
		s.order = s.order[1:]
	}

	s.jobs[job.ID] = job.Clone()
	s.order = append(s.order, job.ID)
	return nil
}

// Get returns a snapshot of the job.
func (s *MemoryStore) Get(_ context.Context, id string) (*Job, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	job, ok := s.jobs[id]
	if !ok {
		return nil, ErrNotFound
	}
	return job.Clone(), nil
}

// Update applies fn under the store lock and returns the new snapshot.
func (s *MemoryStore) Update(_ context.Context, id string, fn func(*Job)) (*Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	job, ok := s.jobs[id]
	if !ok {
		return nil, ErrNotFound
	}
	fn(job)
	job.UpdatedAt = time.Now().UTC()
	return job.Clone(), nil
}

// Claim transitions a queued job to running exactly once.
func (s *MemoryStore) Claim(_ context.Context, id, worker string) (*Job, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	job, ok := s.jobs[id]
	if !ok || job.State != StateQueued {
		return nil, false, nil
	}
	now := time.Now().UTC()
	job.State = StateRunning
	job.ClaimedBy = worker
	job.StartedAt = &now
	job.UpdatedAt = now
	return job.Clone(), true, nil
}

// ListQueued returns up to limit queued jobs, oldest first.
func (s *MemoryStore) ListQueued(_ context.Context, limit int) ([]*Job, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*Job
	for _, id := range s.order {
		job, ok := s.jobs[id]
		if !ok || job.State != StateQueued {
			continue
		}
		out = append(out, job.Clone())
		if limit > 0 && len(out) >= limit {
			break
		}
	}
	return out, nil
}

// PurgeExpired drops records older than the TTL.
func (s *MemoryStore) PurgeExpired(_ context.Context) (int, error) {
	if s.ttl <= 0 {
		return 0, nil
	}
	cutoff := time.Now().Add(-s.ttl)

	s.mu.Lock()
	defer s.mu.Unlock()
	kept := s.order[:0]
	purged := 0
	for _, id := range s.order {
		job, ok := s.jobs[id]
		if !ok {
			continue
		}
		if job.CreatedAt.Before(cutoff) {
			delete(s.jobs, id)
			purged++
			continue
		}
		kept = append(kept, id)
	}
	s.order = kept
	return purged, nil
}

// Close is a no-op for the memory store.
func (s *MemoryStore) Close() error { return nil }
