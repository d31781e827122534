package jobs

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// ErrNotFound is returned when a job record does not exist (anymore).
// Status endpoints translate it to the client-visible "unknown" state.
var ErrNotFound = errors.New("job not found")

// Store persists job records. Get returns snapshots; Update and Claim are
// the only mutation paths, and Claim succeeds at most once per job.
type Store interface {
	// Create persists a new queued job.
	Create(ctx context.Context, job *Job) error

	// Get returns a snapshot of the job, or ErrNotFound.
	Get(ctx context.Context, id string) (*Job, error)

	// Update applies fn to the current record under the store's write
	// exclusion and persists the result, returning the new snapshot.
	// fn must not block.
	Update(ctx context.Context, id string, fn func(*Job)) (*Job, error)

	// Claim transitions a queued job to running on behalf of a worker.
	// It returns false when the job is missing, already claimed, or
	// terminal; at most one caller ever gets true for a given job.
	Claim(ctx context.Context, id, worker string) (*Job, bool, error)

	// ListQueued returns up to limit queued jobs, oldest first. Used to
	// requeue work after a restart.
	ListQueued(ctx context.Context, limit int) ([]*Job, error)

	// PurgeExpired removes records past the retention TTL and returns how
	// many were dropped. Stores with native expiry return 0.
	PurgeExpired(ctx context.Context) (int, error)

	// Close releases store resources.
	Close() error
}

// NewStore builds a Store from configuration. kind selects the
// implementation: "memory", "redis", or "postgres".
func NewStore(kind, redisURL string, db *sql.DB, maxSize int, ttl time.Duration) (Store, error) {
	switch kind {
	case "memory":
		return NewMemoryStore(maxSize, ttl), nil
	case "redis":
		return NewRedisStore(redisURL, ttl)
	case "postgres":
		return NewPostgresStore(db, ttl), nil
	default:
		return nil, fmt.Errorf("unknown job store kind: %s", kind)
	}
}
