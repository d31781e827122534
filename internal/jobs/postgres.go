package jobs

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"
)

// PostgresStore persists job records in the jobs table. The claim invariant
// rides on a conditional UPDATE: only one transaction can move a row out of
// the queued state.
type PostgresStore struct {
	db  *sql.DB
	ttl time.Duration
}

// NewPostgresStore wraps an existing database handle. The handle is owned
// by the caller and is not closed with the store.
func NewPostgresStore(db *sql.DB, ttl time.Duration) *PostgresStore {
	return &PostgresStore{db: db, ttl: ttl}
}

const jobColumns = `id, kind, state, owner_id, payload, progress, skipped_symlinks, errors, result_item_id, claimed_by, created_at, updated_at, started_at, finished_at`

func scanJob(scan func(...any) error) (*Job, error) {
	var job Job
	var progress []byte
	var errs []byte
	var resultItemID, claimedBy sql.NullString
	var startedAt, finishedAt sql.NullTime
	err := scan(&job.ID, &job.Kind, &job.State, &job.OwnerID, &job.Payload,
		&progress, &job.SkippedSymlinks, &errs, &resultItemID, &claimedBy,
		&job.CreatedAt, &job.UpdatedAt, &startedAt, &finishedAt)
	if err != nil {
		return nil, err
	}
	if len(progress) > 0 {
		if err := json.Unmarshal(progress, &job.Progress); err != nil {
			return nil, fmt.Errorf("decode progress: %w", err)
		}
	}
	if len(errs) > 0 {
		if err := json.Unmarshal(errs, &job.Errors); err != nil {
			return nil, fmt.Errorf("decode errors: %w", err)
		}
	}
	if resultItemID.Valid {
		job.ResultItemID = resultItemID.String
	}
	if claimedBy.Valid {
		job.ClaimedBy = claimedBy.String
	}
	if startedAt.Valid {
		t := startedAt.Time
		job.StartedAt = &t
	}
	if finishedAt.Valid {
		t := finishedAt.Time
		job.FinishedAt = &t
	}
	return &job, nil
}

func jobValues(job *Job) (progress, errs []byte, err error) {
	progress, err = json.Marshal(job.Progress)
	if err != nil {
		return nil, nil, fmt.Errorf("encode progress: %w", err)
	}
	if len(job.Errors) > 0 {
		errs, err = json.Marshal(job.Errors)
		if err != nil {
			return nil, nil, fmt.Errorf("encode errors: %w", err)
		}
	}
	return progress, errs, nil
}

// Create inserts a new queued job row.
func (s *PostgresStore) Create(ctx context.Context, job *Job) error {
	progress, errs, err := jobValues(job)
	if err != nil {
		return err
	}
	payload := job.Payload
	if len(payload) == 0 {
		payload = json.RawMessage(`{}`)
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO jobs (id, kind, state, owner_id, payload, progress, skipped_symlinks, errors, result_item_id, claimed_by, created_at, updated_at, started_at, finished_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, NULLIF($9, ''), NULLIF($10, ''), $11, $12, $13, $14)`,
		job.ID, job.Kind, job.State, job.OwnerID, []byte(payload), progress, job.SkippedSymlinks,
		errs, job.ResultItemID, job.ClaimedBy, job.CreatedAt, job.UpdatedAt, job.StartedAt, job.FinishedAt)
	if err != nil {
		return fmt.Errorf("insert job: %w", err)
	}
	return nil
}

// Get returns a snapshot of the job.
func (s *PostgresStore) Get(ctx context.Context, id string) (*Job, error) {
	job, err := scanJob(s.db.QueryRowContext(ctx,
		`SELECT `+jobColumns+` FROM jobs WHERE id = $1`, id).Scan)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get job: %w", err)
	}
	return job, nil
}

// Update applies fn inside a row-locking transaction.
func (s *PostgresStore) Update(ctx context.Context, id string, fn func(*Job)) (*Job, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	job, err := scanJob(tx.QueryRowContext(ctx,
		`SELECT `+jobColumns+` FROM jobs WHERE id = $1 FOR UPDATE`, id).Scan)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("lock job: %w", err)
	}

	fn(job)
	job.UpdatedAt = time.Now().UTC()

	progress, errs, err := jobValues(job)
	if err != nil {
		return nil, err
	}
	_, err = tx.ExecContext(ctx,
		`UPDATE jobs
		 SET state = $2, progress = $3, skipped_symlinks = $4, errors = $5,
		     result_item_id = NULLIF($6, ''), claimed_by = NULLIF($7, ''),
		     updated_at = $8, started_at = $9, finished_at = $10
		 WHERE id = $1`,
		job.ID, job.State, progress, job.SkippedSymlinks, errs, job.ResultItemID,
		job.ClaimedBy, job.UpdatedAt, job.StartedAt, job.FinishedAt)
	if err != nil {
		return nil, fmt.Errorf("update job: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return job, nil
}

// Claim transitions a queued job to running via a conditional UPDATE.
func (s *PostgresStore) Claim(ctx context.Context, id, worker string) (*Job, bool, error) {
	job, err := scanJob(s.db.QueryRowContext(ctx,
		`UPDATE jobs
		 SET state = $3, claimed_by = $2, started_at = NOW(), updated_at = NOW()
		 WHERE id = $1 AND state = $4
		 RETURNING `+jobColumns, id, worker, StateRunning, StateQueued).Scan)
	if err == sql.ErrNoRows {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("claim job: %w", err)
	}
	return job, true, nil
}

// ListQueued returns up to limit queued jobs, oldest first.
func (s *PostgresStore) ListQueued(ctx context.Context, limit int) ([]*Job, error) {
	if limit <= 0 {
		limit = 1000
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+jobColumns+` FROM jobs WHERE state = $1 ORDER BY created_at LIMIT $2`,
		StateQueued, limit)
	if err != nil {
		return nil, fmt.Errorf("list queued jobs: %w", err)
	}
	defer rows.Close()

	var out []*Job
	for rows.Next() {
		job, err := scanJob(rows.Scan)
		if err != nil {
			return nil, fmt.Errorf("scan job: %w", err)
		}
		out = append(out, job)
	}
	return out, rows.Err()
}

// PurgeExpired deletes rows older than the retention TTL.
func (s *PostgresStore) PurgeExpired(ctx context.Context) (int, error) {
	if s.ttl <= 0 {
		return 0, nil
	}
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM jobs WHERE created_at < $1`, time.Now().Add(-s.ttl))
	if err != nil {
		return 0, fmt.Errorf("purge jobs: %w", err)
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

// Close is a no-op; the database handle belongs to the caller.
func (s *PostgresStore) Close() error { return nil }
