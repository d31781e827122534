// Package items provides the PostgreSQL-backed tree of file and folder
// records. Item rows carry metadata only; content lives behind the storage
// gateway under each item's content key.
package items

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"mime"
	"os"
	"path"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"
	"go.uber.org/zap"

	"github.com/quincefs/quince/internal/logging"
	"github.com/quincefs/quince/internal/metrics"
)

// Item maps to the items table. Key is the content key within the item's
// storage location: the slash-separated path mirroring the tree position.
type Item struct {
	ID         string    `json:"id"`
	ParentID   *string   `json:"parent_id"`
	LocationID int       `json:"location_id"`
	Name       string    `json:"name"`
	IsDir      bool      `json:"is_dir"`
	Key        string    `json:"-"`
	Size       int64     `json:"size"`
	MimeType   string    `json:"mimetype,omitempty"`
	OwnerID    int       `json:"owner_id"`
	CreatedAt  time.Time `json:"created_at"`
	UpdatedAt  time.Time `json:"updated_at"`
}

// Store is a PostgreSQL item store.
type Store struct {
	db *sql.DB
}

// New opens the database and verifies the connection.
func New(databaseURL string) (*Store, error) {
	db, err := sql.Open("postgres", databaseURL)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)

	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("ping database: %w", err)
	}

	return &Store{db: db}, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// DB returns the underlying database connection for use by other stores.
func (s *Store) DB() *sql.DB {
	return s.db
}

// UpdateConnectionMetrics publishes pool stats.
func (s *Store) UpdateConnectionMetrics() {
	stats := s.db.Stats()
	metrics.SetDBConnectionsOpen(stats.OpenConnections)
}

// Migrate runs SQL migration files in lexical order.
func (s *Store) Migrate(migrationsDir string) error {
	files, err := filepath.Glob(filepath.Join(migrationsDir, "*.up.sql"))
	if err != nil {
		return fmt.Errorf("glob migrations: %w", err)
	}

	for _, f := range files {
		logging.Info("running migration", zap.String("file", filepath.Base(f)))
		content, err := os.ReadFile(f)
		if err != nil {
			return fmt.Errorf("read migration %s: %w", f, err)
		}
		if _, err := s.db.Exec(string(content)); err != nil {
			return fmt.Errorf("exec migration %s: %w", f, err)
		}
	}

	return nil
}

const itemColumns = `id, parent_id, location_id, name, is_dir, content_key, size, mimetype, owner_id, created_at, updated_at`

func scanItem(scan func(...any) error) (*Item, error) {
	var it Item
	var parentID sql.NullString
	var mimeType sql.NullString
	err := scan(&it.ID, &parentID, &it.LocationID, &it.Name, &it.IsDir,
		&it.Key, &it.Size, &mimeType, &it.OwnerID, &it.CreatedAt, &it.UpdatedAt)
	if err != nil {
		return nil, err
	}
	if parentID.Valid {
		it.ParentID = &parentID.String
	}
	if mimeType.Valid {
		it.MimeType = mimeType.String
	}
	return &it, nil
}

// Get returns an item by ID, or nil if it does not exist.
func (s *Store) Get(ctx context.Context, id string) (*Item, error) {
	it, err := scanItem(s.db.QueryRowContext(ctx,
		`SELECT `+itemColumns+` FROM items WHERE id = $1`, id).Scan)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get item: %w", err)
	}
	return it, nil
}

// Children returns the direct children of a folder, folders first.
func (s *Store) Children(ctx context.Context, parentID string) ([]Item, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+itemColumns+` FROM items WHERE parent_id = $1 ORDER BY is_dir DESC, name`,
		parentID)
	if err != nil {
		return nil, fmt.Errorf("list children: %w", err)
	}
	defer rows.Close()

	var out []Item
	for rows.Next() {
		it, err := scanItem(rows.Scan)
		if err != nil {
			return nil, fmt.Errorf("scan item: %w", err)
		}
		out = append(out, *it)
	}
	return out, rows.Err()
}

// ChildByName returns the named direct child, or nil.
func (s *Store) ChildByName(ctx context.Context, parentID, name string) (*Item, error) {
	it, err := scanItem(s.db.QueryRowContext(ctx,
		`SELECT `+itemColumns+` FROM items WHERE parent_id = $1 AND name = $2`,
		parentID, name).Scan)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("child by name: %w", err)
	}
	return it, nil
}

func (s *Store) insert(ctx context.Context, it *Item) error {
	if it.ID == "" {
		it.ID = uuid.NewString()
	}
	err := s.db.QueryRowContext(ctx,
		`INSERT INTO items (id, parent_id, location_id, name, is_dir, content_key, size, mimetype, owner_id)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, NULLIF($8, ''), $9)
		 RETURNING created_at, updated_at`,
		it.ID, it.ParentID, it.LocationID, it.Name, it.IsDir, it.Key, it.Size, it.MimeType, it.OwnerID).
		Scan(&it.CreatedAt, &it.UpdatedAt)
	if err != nil {
		return fmt.Errorf("insert item: %w", err)
	}
	return nil
}

// CreateFile inserts a file row. The mimetype is guessed from the name when
// not supplied.
func (s *Store) CreateFile(ctx context.Context, it *Item) (*Item, error) {
	it.IsDir = false
	if it.MimeType == "" {
		it.MimeType = mime.TypeByExtension(path.Ext(it.Name))
	}
	if err := s.insert(ctx, it); err != nil {
		return nil, err
	}
	return it, nil
}

// CreateFolder inserts a folder row.
func (s *Store) CreateFolder(ctx context.Context, it *Item) (*Item, error) {
	it.IsDir = true
	it.Size = 0
	it.MimeType = ""
	if err := s.insert(ctx, it); err != nil {
		return nil, err
	}
	return it, nil
}

// EnsureFolder returns the named child folder, creating it when absent. Safe
// under concurrent callers: a losing insert re-reads the winner's row.
func (s *Store) EnsureFolder(ctx context.Context, parent *Item, name string, ownerID int) (*Item, error) {
	existing, err := s.ChildByName(ctx, parent.ID, name)
	if err != nil {
		return nil, err
	}
	if existing != nil {
		if !existing.IsDir {
			return nil, fmt.Errorf("item %q exists and is not a folder", name)
		}
		return existing, nil
	}

	folder := &Item{
		ParentID:   &parent.ID,
		LocationID: parent.LocationID,
		Name:       name,
		Key:        JoinKey(parent.Key, name),
		OwnerID:    ownerID,
	}
	created, err := s.CreateFolder(ctx, folder)
	if err == nil {
		return created, nil
	}
	var pqErr *pq.Error
	if errors.As(err, &pqErr) && pqErr.Code == "23505" {
		return s.ChildByName(ctx, parent.ID, name)
	}
	return nil, err
}

// EnsureRoot returns the root folder of a location, creating it on first use.
func (s *Store) EnsureRoot(ctx context.Context, locationID int) (*Item, error) {
	it, err := scanItem(s.db.QueryRowContext(ctx,
		`SELECT `+itemColumns+` FROM items WHERE parent_id IS NULL AND location_id = $1 LIMIT 1`,
		locationID).Scan)
	if err == nil {
		return it, nil
	}
	if err != sql.ErrNoRows {
		return nil, fmt.Errorf("get root: %w", err)
	}

	root := &Item{LocationID: locationID, Name: "root", IsDir: true, Key: ""}
	if err := s.insert(ctx, root); err != nil {
		return nil, err
	}
	return root, nil
}

// UpdateFileSize records the new content size after an overwrite.
func (s *Store) UpdateFileSize(ctx context.Context, id string, size int64) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE items SET size = $2, updated_at = NOW() WHERE id = $1`, id, size)
	if err != nil {
		return fmt.Errorf("update item size: %w", err)
	}
	return nil
}

// Delete removes an item; children go with it via the FK cascade.
func (s *Store) Delete(ctx context.Context, id string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM items WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("delete item: %w", err)
	}
	return nil
}

// JoinKey joins content key segments with slashes, tolerating empty roots.
func JoinKey(parts ...string) string {
	var nonEmpty []string
	for _, p := range parts {
		p = strings.Trim(p, "/")
		if p != "" {
			nonEmpty = append(nonEmpty, p)
		}
	}
	return strings.Join(nonEmpty, "/")
}
