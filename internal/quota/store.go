// Package quota tracks per-user storage ceilings.
package quota

import (
	"context"
	"database/sql"
	"fmt"
)

// Quota is a user's storage allowance. Zero values mean unlimited.
type Quota struct {
	UserID          int   `json:"user_id"`
	MaxStorageBytes int64 `json:"max_storage_bytes"`
	MaxUploadBytes  int64 `json:"max_upload_bytes"`
}

// Store manages user quotas in the user_quotas table.
type Store struct {
	db *sql.DB
}

// NewStore creates a quota store.
func NewStore(db *sql.DB) *Store {
	return &Store{db: db}
}

// Get returns the quota for a user. Users without a row get the zero-value
// quota, which places no limits.
func (s *Store) Get(ctx context.Context, userID int) (*Quota, error) {
	q := &Quota{UserID: userID}
	err := s.db.QueryRowContext(ctx,
		`SELECT max_storage_bytes, max_upload_bytes FROM user_quotas WHERE user_id = $1`,
		userID).Scan(&q.MaxStorageBytes, &q.MaxUploadBytes)
	if err == sql.ErrNoRows {
		return q, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get quota: %w", err)
	}
	return q, nil
}

// Set creates or updates a user's quota.
func (s *Store) Set(ctx context.Context, q *Quota) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO user_quotas (user_id, max_storage_bytes, max_upload_bytes, updated_at)
		 VALUES ($1, $2, $3, NOW())
		 ON CONFLICT (user_id) DO UPDATE SET
			max_storage_bytes = EXCLUDED.max_storage_bytes,
			max_upload_bytes = EXCLUDED.max_upload_bytes,
			updated_at = NOW()`,
		q.UserID, q.MaxStorageBytes, q.MaxUploadBytes)
	if err != nil {
		return fmt.Errorf("set quota: %w", err)
	}
	return nil
}

// StorageUsed returns the total size of the user's files.
func (s *Store) StorageUsed(ctx context.Context, userID int) (int64, error) {
	var used sql.NullInt64
	err := s.db.QueryRowContext(ctx,
		`SELECT COALESCE(SUM(size), 0) FROM items WHERE owner_id = $1 AND is_dir = FALSE`,
		userID).Scan(&used)
	if err != nil {
		return 0, fmt.Errorf("storage used: %w", err)
	}
	return used.Int64, nil
}

// CheckStorage reports whether the user may store additional bytes without
// crossing their ceiling.
func (s *Store) CheckStorage(ctx context.Context, userID int, additional int64) (bool, error) {
	q, err := s.Get(ctx, userID)
	if err != nil {
		return false, err
	}
	if q.MaxStorageBytes == 0 {
		return true, nil
	}
	used, err := s.StorageUsed(ctx, userID)
	if err != nil {
		return false, err
	}
	return used+additional <= q.MaxStorageBytes, nil
}

// UploadLimit returns the user's per-upload size limit, or 0 when the global
// default applies.
func (s *Store) UploadLimit(ctx context.Context, userID int) (int64, error) {
	q, err := s.Get(ctx, userID)
	if err != nil {
		return 0, err
	}
	return q.MaxUploadBytes, nil
}
