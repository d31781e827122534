package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"go.uber.org/zap"

	"github.com/quincefs/quince/internal/logging"
	"github.com/quincefs/quince/internal/storage"
)

// ─── Storage locations ──────────────────────────────────────────────────────

// locationSummary is a location row plus its usage counters.
type locationSummary struct {
	storage.LocationRow
	FileCount int64 `json:"file_count"`
	TotalSize int64 `json:"total_size"`
}

func (s *Server) handleListLocations(w http.ResponseWriter, r *http.Request) {
	locs, err := s.locAdmin.List(r.Context())
	if err != nil {
		s.sendError(w, r, http.StatusInternalServerError, "", "location listing failed")
		return
	}

	out := make([]locationSummary, 0, len(locs))
	for _, loc := range locs {
		sum := locationSummary{LocationRow: loc}
		count, size, err := s.locAdmin.Stats(r.Context(), loc.ID)
		if err != nil {
			// Usage counters are advisory; a failed count should not hide
			// the location itself.
			logging.Warn("location stats failed", zap.Int("location", loc.ID), zap.Error(err))
		} else {
			sum.FileCount = count
			sum.TotalSize = size
		}
		out = append(out, sum)
	}
	s.sendJSON(w, http.StatusOK, map[string]any{"locations": out})
}

func (s *Server) handleCreateLocation(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Name        string          `json:"name"`
		BackendType string          `json:"backend_type"`
		Config      json.RawMessage `json:"config"`
		Flags       json.RawMessage `json:"flags"`
		ReadOnly    bool            `json:"read_only"`
		IsDefault   bool            `json:"is_default"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.sendError(w, r, http.StatusBadRequest, "", "invalid JSON body")
		return
	}
	if req.Name == "" {
		s.sendError(w, r, http.StatusBadRequest, "", "name is required")
		return
	}
	switch req.BackendType {
	case "s3", "mount", "memory":
	default:
		s.sendError(w, r, http.StatusBadRequest, "", "backend_type must be s3, mount or memory")
		return
	}

	loc, err := s.locAdmin.Create(r.Context(), &storage.LocationRow{
		Name:        req.Name,
		BackendType: req.BackendType,
		Config:      req.Config,
		Flags:       req.Flags,
		ReadOnly:    req.ReadOnly,
		IsDefault:   req.IsDefault,
	})
	if err != nil {
		logging.Error("create location failed", zap.String("name", req.Name), zap.Error(err))
		s.sendError(w, r, http.StatusInternalServerError, "", "could not create location")
		return
	}

	// Materialize the new backend; a failed reload leaves the row for a
	// later retry rather than orphaning it.
	if err := s.locations.Reload(r.Context()); err != nil {
		logging.Error("router reload failed", zap.Int("location", loc.ID), zap.Error(err))
		s.sendError(w, r, http.StatusInternalServerError, "", "location created but not yet usable")
		return
	}

	s.sendJSON(w, http.StatusCreated, loc)
}

// handleUpdateLocation merges the supplied fields into an existing location.
// The backend type is fixed at creation: swapping it under objects written
// with the old backend would orphan every one of them.
func (s *Server) handleUpdateLocation(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.Atoi(r.PathValue("id"))
	if err != nil {
		s.sendError(w, r, http.StatusBadRequest, "", "location id must be an integer")
		return
	}

	loc, err := s.locAdmin.Get(r.Context(), id)
	if err != nil {
		s.sendError(w, r, http.StatusInternalServerError, "", "location lookup failed")
		return
	}
	if loc == nil {
		s.sendError(w, r, http.StatusNotFound, storage.CodeNotFound, "location not found")
		return
	}

	var req struct {
		Name     *string         `json:"name"`
		Config   json.RawMessage `json:"config"`
		Flags    json.RawMessage `json:"flags"`
		ReadOnly *bool           `json:"read_only"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.sendError(w, r, http.StatusBadRequest, "", "invalid JSON body")
		return
	}
	if req.Name != nil {
		if *req.Name == "" {
			s.sendError(w, r, http.StatusBadRequest, "", "name must not be empty")
			return
		}
		loc.Name = *req.Name
	}
	if req.Config != nil {
		loc.Config = req.Config
	}
	if req.Flags != nil {
		loc.Flags = req.Flags
	}
	if req.ReadOnly != nil {
		loc.ReadOnly = *req.ReadOnly
	}

	if err := s.locAdmin.Update(r.Context(), loc); err != nil {
		logging.Error("update location failed", zap.Int("location", id), zap.Error(err))
		s.sendError(w, r, http.StatusInternalServerError, "", "could not update location")
		return
	}
	if err := s.locations.Reload(r.Context()); err != nil {
		logging.Error("router reload failed", zap.Int("location", id), zap.Error(err))
		s.sendError(w, r, http.StatusInternalServerError, "", "location updated but not yet active")
		return
	}

	s.sendJSON(w, http.StatusOK, loc)
}

func (s *Server) handleDeleteLocation(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.Atoi(r.PathValue("id"))
	if err != nil {
		s.sendError(w, r, http.StatusBadRequest, "", "location id must be an integer")
		return
	}

	loc, err := s.locAdmin.Get(r.Context(), id)
	if err != nil {
		s.sendError(w, r, http.StatusInternalServerError, "", "location lookup failed")
		return
	}
	if loc == nil {
		s.sendError(w, r, http.StatusNotFound, storage.CodeNotFound, "location not found")
		return
	}

	if err := s.locAdmin.Delete(r.Context(), id); err != nil {
		if errors.Is(err, storage.ErrLocationInUse) {
			s.sendError(w, r, http.StatusConflict, "", "location still has items")
			return
		}
		logging.Error("delete location failed", zap.Int("location", id), zap.Error(err))
		s.sendError(w, r, http.StatusInternalServerError, "", "could not delete location")
		return
	}

	// The row is gone either way; a stale router entry only lingers until
	// the next successful reload.
	if err := s.locations.Reload(r.Context()); err != nil {
		logging.Error("router reload failed", zap.Int("location", id), zap.Error(err))
	}

	logging.Info("location deleted", zap.Int("location", id), zap.String("name", loc.Name))
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleSetDefaultLocation(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.Atoi(r.PathValue("id"))
	if err != nil {
		s.sendError(w, r, http.StatusBadRequest, "", "location id must be an integer")
		return
	}

	loc, err := s.locAdmin.Get(r.Context(), id)
	if err != nil {
		s.sendError(w, r, http.StatusInternalServerError, "", "location lookup failed")
		return
	}
	if loc == nil {
		s.sendError(w, r, http.StatusNotFound, storage.CodeNotFound, "location not found")
		return
	}

	if err := s.locAdmin.SetDefault(r.Context(), id); err != nil {
		logging.Error("set default location failed", zap.Int("location", id), zap.Error(err))
		s.sendError(w, r, http.StatusInternalServerError, "", "could not set default location")
		return
	}
	if err := s.locations.Reload(r.Context()); err != nil {
		logging.Error("router reload failed", zap.Int("location", id), zap.Error(err))
	}

	logging.Info("default location changed", zap.Int("location", id), zap.String("name", loc.Name))
	s.sendJSON(w, http.StatusOK, map[string]any{"id": id, "is_default": true})
}

// handleLocationCapabilities exposes the resolved capability set for one
// location so admins can see what a config change actually enabled.
func (s *Server) handleLocationCapabilities(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.Atoi(r.PathValue("id"))
	if err != nil {
		s.sendError(w, r, http.StatusBadRequest, "", "location id must be an integer")
		return
	}

	loc, err := s.locations.Resolve(id)
	if err != nil {
		s.sendError(w, r, http.StatusNotFound, storage.CodeNotFound, "location not found")
		return
	}

	caps := loc.Gateway.Capabilities()
	s.sendJSON(w, http.StatusOK, map[string]any{
		"location_id":  loc.ID,
		"backend_type": loc.BackendType,
		"capabilities": caps,
		"abilities":    caps.Abilities(),
	})
}

// ─── Quotas ─────────────────────────────────────────────────────────────────

func (s *Server) handleGetQuota(w http.ResponseWriter, r *http.Request) {
	if s.quotas == nil {
		s.sendError(w, r, http.StatusNotFound, "", "quotas are not enabled")
		return
	}
	userID, err := strconv.Atoi(r.PathValue("user_id"))
	if err != nil {
		s.sendError(w, r, http.StatusBadRequest, "", "user id must be an integer")
		return
	}

	q, err := s.quotas.Get(r.Context(), userID)
	if err != nil {
		s.sendError(w, r, http.StatusInternalServerError, "", "quota lookup failed")
		return
	}
	used, err := s.quotas.StorageUsed(r.Context(), userID)
	if err != nil {
		s.sendError(w, r, http.StatusInternalServerError, "", "quota lookup failed")
		return
	}

	s.sendJSON(w, http.StatusOK, map[string]any{
		"user_id":           q.UserID,
		"max_storage_bytes": q.MaxStorageBytes,
		"max_upload_bytes":  q.MaxUploadBytes,
		"used_bytes":        used,
	})
}

// handleSetQuota merges the supplied fields into the user's quota; omitted
// fields keep their current values.
func (s *Server) handleSetQuota(w http.ResponseWriter, r *http.Request) {
	if s.quotas == nil {
		s.sendError(w, r, http.StatusNotFound, "", "quotas are not enabled")
		return
	}
	userID, err := strconv.Atoi(r.PathValue("user_id"))
	if err != nil {
		s.sendError(w, r, http.StatusBadRequest, "", "user id must be an integer")
		return
	}

	var req struct {
		MaxStorageBytes *int64 `json:"max_storage_bytes"`
		MaxUploadBytes  *int64 `json:"max_upload_bytes"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.sendError(w, r, http.StatusBadRequest, "", "invalid JSON body")
		return
	}

	current, err := s.quotas.Get(r.Context(), userID)
	if err != nil {
		s.sendError(w, r, http.StatusInternalServerError, "", "quota lookup failed")
		return
	}
	if req.MaxStorageBytes != nil {
		current.MaxStorageBytes = *req.MaxStorageBytes
	}
	if req.MaxUploadBytes != nil {
		current.MaxUploadBytes = *req.MaxUploadBytes
	}

	if err := s.quotas.Set(r.Context(), current); err != nil {
		s.sendError(w, r, http.StatusInternalServerError, "", "quota update failed")
		return
	}

	logging.Info("quota set", zap.Int("user_id", userID),
		zap.Int64("max_storage_bytes", current.MaxStorageBytes),
		zap.Int64("max_upload_bytes", current.MaxUploadBytes))

	s.sendJSON(w, http.StatusOK, current)
}
