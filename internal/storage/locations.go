package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// ErrLocationInUse reports a delete attempt on a location that item rows
// still reference.
var ErrLocationInUse = errors.New("storage location still has items")

// LocationRow maps to the storage_locations table. Config is backend-specific
// connection JSON; Flags is the per-location feature-toggle JSON consumed by
// the capability resolver.
type LocationRow struct {
	ID          int             `json:"id"`
	Name        string          `json:"name"`
	BackendType string          `json:"backend_type"`
	Config      json.RawMessage `json:"config"`
	Flags       json.RawMessage `json:"flags"`
	ReadOnly    bool            `json:"read_only"`
	IsDefault   bool            `json:"is_default"`
	CreatedAt   time.Time       `json:"created_at"`
	UpdatedAt   time.Time       `json:"updated_at"`
}

// LocationStore provides CRUD operations for storage_locations.
type LocationStore struct {
	db *sql.DB
}

// NewLocationStore creates a new LocationStore.
func NewLocationStore(db *sql.DB) *LocationStore {
	return &LocationStore{db: db}
}

const locationColumns = `id, name, backend_type, config, flags, read_only, is_default, created_at, updated_at`

func scanLocation(scan func(...any) error) (*LocationRow, error) {
	var loc LocationRow
	var flags []byte
	err := scan(&loc.ID, &loc.Name, &loc.BackendType, &loc.Config, &flags,
		&loc.ReadOnly, &loc.IsDefault, &loc.CreatedAt, &loc.UpdatedAt)
	if err != nil {
		return nil, err
	}
	loc.Flags = flags
	return &loc, nil
}

// List returns all storage locations.
func (s *LocationStore) List(ctx context.Context) ([]LocationRow, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+locationColumns+` FROM storage_locations ORDER BY name`)
	if err != nil {
		return nil, fmt.Errorf("list storage locations: %w", err)
	}
	defer rows.Close()

	var locs []LocationRow
	for rows.Next() {
		loc, err := scanLocation(rows.Scan)
		if err != nil {
			return nil, fmt.Errorf("scan storage location: %w", err)
		}
		locs = append(locs, *loc)
	}
	return locs, rows.Err()
}

// Get returns a storage location by ID, or nil if it does not exist.
func (s *LocationStore) Get(ctx context.Context, id int) (*LocationRow, error) {
	loc, err := scanLocation(s.db.QueryRowContext(ctx,
		`SELECT `+locationColumns+` FROM storage_locations WHERE id = $1`, id).Scan)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get storage location: %w", err)
	}
	return loc, nil
}

// Create inserts a new storage location and returns it with the generated ID.
func (s *LocationStore) Create(ctx context.Context, loc *LocationRow) (*LocationRow, error) {
	if len(loc.Flags) == 0 {
		loc.Flags = json.RawMessage(`{}`)
	}
	err := s.db.QueryRowContext(ctx,
		`INSERT INTO storage_locations (name, backend_type, config, flags, read_only, is_default)
		 VALUES ($1, $2, $3, $4, $5, $6)
		 RETURNING id, created_at, updated_at`,
		loc.Name, loc.BackendType, loc.Config, loc.Flags, loc.ReadOnly, loc.IsDefault).
		Scan(&loc.ID, &loc.CreatedAt, &loc.UpdatedAt)
	if err != nil {
		return nil, fmt.Errorf("create storage location: %w", err)
	}
	return loc, nil
}

// Update modifies an existing storage location.
func (s *LocationStore) Update(ctx context.Context, loc *LocationRow) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE storage_locations
		 SET name = $2, backend_type = $3, config = $4, flags = $5, read_only = $6, updated_at = NOW()
		 WHERE id = $1`,
		loc.ID, loc.Name, loc.BackendType, loc.Config, loc.Flags, loc.ReadOnly)
	if err != nil {
		return fmt.Errorf("update storage location: %w", err)
	}
	return nil
}

// Delete removes a storage location. Fails if items still reference it.
func (s *LocationStore) Delete(ctx context.Context, id int) error {
	var count int64
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM items WHERE location_id = $1`, id).Scan(&count)
	if err != nil {
		return fmt.Errorf("check items: %w", err)
	}
	if count > 0 {
		return fmt.Errorf("%w (%d items)", ErrLocationInUse, count)
	}

	_, err = s.db.ExecContext(ctx,
		`DELETE FROM storage_locations WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("delete storage location: %w", err)
	}
	return nil
}

// SetDefault sets a location as the default (clears the previous default).
func (s *LocationStore) SetDefault(ctx context.Context, id int) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx,
		`UPDATE storage_locations SET is_default = FALSE WHERE is_default = TRUE`)
	if err != nil {
		return fmt.Errorf("clear default: %w", err)
	}

	_, err = tx.ExecContext(ctx,
		`UPDATE storage_locations SET is_default = TRUE, updated_at = NOW() WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("set default: %w", err)
	}

	return tx.Commit()
}

// Stats returns file count and total size for a storage location.
func (s *LocationStore) Stats(ctx context.Context, id int) (fileCount int64, totalSize int64, err error) {
	err = s.db.QueryRowContext(ctx,
		`SELECT COUNT(*), COALESCE(SUM(size), 0)
		 FROM items WHERE location_id = $1 AND is_dir = FALSE`, id).
		Scan(&fileCount, &totalSize)
	if err != nil {
		return 0, 0, fmt.Errorf("location stats: %w", err)
	}
	return fileCount, totalSize, nil
}
