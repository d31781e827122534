// Package api provides the HTTP server and handlers.
package api

import (
	"context"
	"encoding/json"
	"net/http"
	"regexp"
	"strconv"
	"time"

	"github.com/quincefs/quince/internal/archive"
	"github.com/quincefs/quince/internal/auth"
	"github.com/quincefs/quince/internal/events"
	"github.com/quincefs/quince/internal/items"
	"github.com/quincefs/quince/internal/jobs"
	"github.com/quincefs/quince/internal/logging"
	"github.com/quincefs/quince/internal/metrics"
	"github.com/quincefs/quince/internal/quota"
	"github.com/quincefs/quince/internal/ratelimit"
	"github.com/quincefs/quince/internal/storage"
	"github.com/quincefs/quince/internal/storage/router"
)

// Package-level compiled regex for Range header parsing.
var rangeRegex = regexp.MustCompile(`bytes=(\d*)-(\d*)`)

// ItemStore is the slice of the item tree the handlers need. *items.Store
// implements it; tests substitute an in-memory tree.
type ItemStore interface {
	Get(ctx context.Context, id string) (*items.Item, error)
	Children(ctx context.Context, parentID string) ([]items.Item, error)
	ChildByName(ctx context.Context, parentID, name string) (*items.Item, error)
	CreateFile(ctx context.Context, it *items.Item) (*items.Item, error)
	CreateFolder(ctx context.Context, it *items.Item) (*items.Item, error)
	Delete(ctx context.Context, id string) error
}

// LocationResolver resolves storage locations to capability-gated gateways.
// *router.Router implements it.
type LocationResolver interface {
	Resolve(id int) (*router.Location, error)
	ResolveForWrite(id int) (*router.Location, error)
	Reload(ctx context.Context) error
}

// LocationAdmin is the location CRUD surface behind the admin endpoints.
// *storage.LocationStore implements it.
type LocationAdmin interface {
	List(ctx context.Context) ([]storage.LocationRow, error)
	Get(ctx context.Context, id int) (*storage.LocationRow, error)
	Create(ctx context.Context, loc *storage.LocationRow) (*storage.LocationRow, error)
	Update(ctx context.Context, loc *storage.LocationRow) error
	Delete(ctx context.Context, id int) error
	SetDefault(ctx context.Context, id int) error
	Stats(ctx context.Context, id int) (fileCount int64, totalSize int64, err error)
}

// QuotaStore answers per-user storage ceilings. *quota.Store implements it.
type QuotaStore interface {
	Get(ctx context.Context, userID int) (*quota.Quota, error)
	Set(ctx context.Context, q *quota.Quota) error
	StorageUsed(ctx context.Context, userID int) (int64, error)
	CheckStorage(ctx context.Context, userID int, additional int64) (bool, error)
	UploadLimit(ctx context.Context, userID int) (int64, error)
}

// Pinger is the liveness probe for the metadata database. *sql.DB
// implements it.
type Pinger interface {
	PingContext(ctx context.Context) error
}

// Server is the HTTP server.
type Server struct {
	items       ItemStore
	locations   LocationResolver
	engine      *archive.Engine
	jobStore    jobs.Store
	auth        *auth.Auth
	broadcaster *events.Broadcaster

	// limiter is nil when job submission is unlimited.
	limiter *ratelimit.Limiter

	// locAdmin is nil when the admin surface is disabled.
	locAdmin LocationAdmin

	// quotas is nil when per-user quotas are disabled.
	quotas QuotaStore

	// db is nil in tests that run without a database.
	db Pinger

	maxUploadSize int64
}

// NewServer creates a new server.
func NewServer(
	itemStore ItemStore,
	locations LocationResolver,
	engine *archive.Engine,
	jobStore jobs.Store,
	authHandler *auth.Auth,
	broadcaster *events.Broadcaster,
	limiter *ratelimit.Limiter,
	locAdmin LocationAdmin,
	quotas QuotaStore,
	db Pinger,
	maxUploadSize int64,
) *Server {
	return &Server{
		items:         itemStore,
		locations:     locations,
		engine:        engine,
		jobStore:      jobStore,
		auth:          authHandler,
		broadcaster:   broadcaster,
		limiter:       limiter,
		locAdmin:      locAdmin,
		quotas:        quotas,
		db:            db,
		maxUploadSize: maxUploadSize,
	}
}

// Handler returns the HTTP handler with auth, logging and metrics middleware.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	// Public endpoints (no auth required)
	mux.HandleFunc("GET /healthz", s.handleHealth)

	// Protected endpoints
	protected := http.NewServeMux()

	// Archive jobs
	protected.HandleFunc("POST /api/v1/archive-extractions", s.handleStartExtraction)
	protected.HandleFunc("GET /api/v1/archive-extractions/{job_id}", s.handleExtractionStatus)
	protected.HandleFunc("POST /api/v1/archive-zips", s.handleStartZip)
	protected.HandleFunc("GET /api/v1/archive-zips/{job_id}", s.handleZipStatus)

	// SSE job updates
	protected.HandleFunc("GET /api/v1/jobs/{job_id}/events", s.handleJobEvents)

	// Files and folders
	protected.HandleFunc("POST /api/v1/files", s.handleUploadFile)
	protected.HandleFunc("GET /api/v1/files/{id}", s.handleDownloadFile)
	protected.HandleFunc("DELETE /api/v1/files/{id}", s.handleDeleteFile)
	protected.HandleFunc("POST /api/v1/folders", s.handleCreateFolder)
	protected.HandleFunc("GET /api/v1/folders/{id}", s.handleGetFolder)

	// Admin storage endpoints
	admin := http.NewServeMux()
	admin.HandleFunc("GET /api/v1/admin/locations", s.handleListLocations)
	admin.HandleFunc("POST /api/v1/admin/locations", s.handleCreateLocation)
	admin.HandleFunc("PUT /api/v1/admin/locations/{id}", s.handleUpdateLocation)
	admin.HandleFunc("DELETE /api/v1/admin/locations/{id}", s.handleDeleteLocation)
	admin.HandleFunc("POST /api/v1/admin/locations/{id}/default", s.handleSetDefaultLocation)
	admin.HandleFunc("GET /api/v1/admin/locations/{id}/capabilities", s.handleLocationCapabilities)
	admin.HandleFunc("GET /api/v1/admin/quotas/{user_id}", s.handleGetQuota)
	admin.HandleFunc("PUT /api/v1/admin/quotas/{user_id}", s.handleSetQuota)
	protected.Handle("/api/v1/admin/", auth.RequireAdmin(admin))

	mux.Handle("/api/v1/", s.auth.Middleware(protected))

	// Apply logging and metrics middleware
	return metrics.Middleware(logging.Middleware(mux))
}

// ─── Health ─────────────────────────────────────────────────────────────────

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	status := "ok"
	code := http.StatusOK

	if s.db != nil {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()
		if err := s.db.PingContext(ctx); err != nil {
			status = "degraded"
			code = http.StatusServiceUnavailable
		}
	}
	if _, err := s.locations.Resolve(0); err != nil {
		status = "degraded"
		code = http.StatusServiceUnavailable
	}

	s.sendJSON(w, code, map[string]string{"status": status})
}

// ─── Helpers ────────────────────────────────────────────────────────────────

type apiError struct {
	Code   string `json:"code,omitempty"`
	Detail string `json:"detail"`
}

type errorResponse struct {
	Errors    []apiError `json:"errors"`
	RequestID string     `json:"request_id,omitempty"`
}

// sendError writes the error envelope. Code carries a stable machine-readable
// code when one exists; detail is always user-safe.
func (s *Server) sendError(w http.ResponseWriter, r *http.Request, status int, code, detail string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(errorResponse{
		Errors:    []apiError{{Code: code, Detail: detail}},
		RequestID: logging.GetRequestID(r.Context()),
	})
}

func (s *Server) sendJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func parseRangeHeader(rangeHeader string, totalSize int64) (offset, length int64, hasRange bool) {
	if rangeHeader == "" || totalSize <= 0 {
		return 0, totalSize, false
	}

	matches := rangeRegex.FindStringSubmatch(rangeHeader)
	if matches == nil {
		return 0, totalSize, false
	}

	startStr, endStr := matches[1], matches[2]

	if startStr == "" && endStr != "" {
		suffix, _ := strconv.ParseInt(endStr, 10, 64)
		offset = totalSize - suffix
		if offset < 0 {
			offset = 0
		}
		length = totalSize - offset
		return offset, length, true
	}

	if startStr != "" {
		offset, _ = strconv.ParseInt(startStr, 10, 64)
	}

	if endStr != "" {
		end, _ := strconv.ParseInt(endStr, 10, 64)
		length = end - offset + 1
	} else {
		length = totalSize - offset
	}

	if offset >= totalSize {
		offset = totalSize - 1
	}
	if offset+length > totalSize {
		length = totalSize - offset
	}

	return offset, length, true
}
