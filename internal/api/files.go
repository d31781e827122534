package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"path"
	"strconv"
	"strings"

	"go.uber.org/zap"

	"github.com/quincefs/quince/internal/auth"
	"github.com/quincefs/quince/internal/capability"
	"github.com/quincefs/quince/internal/items"
	"github.com/quincefs/quince/internal/logging"
	"github.com/quincefs/quince/internal/metrics"
	"github.com/quincefs/quince/internal/storage"
	"github.com/quincefs/quince/internal/storage/router"
)

// ─── Upload ─────────────────────────────────────────────────────────────────

func (s *Server) handleUploadFile(w http.ResponseWriter, r *http.Request) {
	claims := auth.GetClaims(r.Context())

	if s.maxUploadSize > 0 {
		if r.ContentLength > s.maxUploadSize {
			s.sendError(w, r, http.StatusRequestEntityTooLarge, "",
				fmt.Sprintf("upload exceeds the %d byte limit", s.maxUploadSize))
			return
		}
		r.Body = http.MaxBytesReader(w, r.Body, s.maxUploadSize)
	}

	if err := r.ParseMultipartForm(32 << 20); err != nil {
		var maxErr *http.MaxBytesError
		if errors.As(err, &maxErr) {
			s.sendError(w, r, http.StatusRequestEntityTooLarge, "",
				fmt.Sprintf("upload exceeds the %d byte limit", s.maxUploadSize))
			return
		}
		s.sendError(w, r, http.StatusBadRequest, "", "invalid multipart body")
		return
	}

	parentID := r.FormValue("parent_id")
	if parentID == "" {
		s.sendError(w, r, http.StatusBadRequest, "", "parent_id is required")
		return
	}

	file, header, err := r.FormFile("file")
	if err != nil {
		s.sendError(w, r, http.StatusBadRequest, "", "file part is required")
		return
	}
	defer file.Close()

	name := path.Base(strings.ReplaceAll(header.Filename, "\\", "/"))
	if name == "" || name == "." || name == "/" {
		s.sendError(w, r, http.StatusBadRequest, "", "file name is required")
		return
	}

	if s.quotas != nil {
		userLimit, err := s.quotas.UploadLimit(r.Context(), claims.UserID)
		if err == nil && userLimit > 0 && header.Size > userLimit {
			metrics.RecordQuotaExceeded("upload_size")
			s.sendError(w, r, http.StatusRequestEntityTooLarge, "",
				fmt.Sprintf("upload exceeds the %d byte limit", userLimit))
			return
		}
		ok, err := s.quotas.CheckStorage(r.Context(), claims.UserID, header.Size)
		if err != nil {
			s.sendError(w, r, http.StatusInternalServerError, "", "quota lookup failed")
			return
		}
		if !ok {
			metrics.RecordQuotaExceeded("storage")
			s.sendError(w, r, http.StatusRequestEntityTooLarge, "", "storage quota exceeded")
			return
		}
	}

	parent, err := s.items.Get(r.Context(), parentID)
	if err != nil {
		s.sendError(w, r, http.StatusInternalServerError, "", "item lookup failed")
		return
	}
	if parent == nil || !parent.IsDir {
		s.sendError(w, r, http.StatusNotFound, storage.CodeNotFound, "parent folder not found")
		return
	}

	existing, err := s.items.ChildByName(r.Context(), parent.ID, name)
	if err != nil {
		s.sendError(w, r, http.StatusInternalServerError, "", "item lookup failed")
		return
	}
	if existing != nil {
		s.sendError(w, r, http.StatusConflict, "",
			fmt.Sprintf("an item named %q already exists", name))
		return
	}

	loc, err := s.locations.ResolveForWrite(parent.LocationID)
	if err != nil {
		if errors.Is(err, router.ErrReadOnlyStorage) {
			s.sendError(w, r, http.StatusForbidden, storage.CodePermissionDenied,
				"storage location is read-only")
			return
		}
		s.sendError(w, r, http.StatusServiceUnavailable, storage.CodeBackendUnavailable,
			"storage unavailable")
		return
	}

	key := items.JoinKey(parent.Key, name)
	sink, err := loc.Gateway.OpenWrite(r.Context(), key)
	if err != nil {
		s.sendError(w, r, http.StatusServiceUnavailable, storage.CodeOf(err), "storage unavailable")
		return
	}

	n, err := io.Copy(sink, file)
	if err != nil {
		sink.Abort()
		s.sendError(w, r, http.StatusInternalServerError, "", "upload failed")
		return
	}
	if err := sink.Close(); err != nil {
		s.sendError(w, r, http.StatusServiceUnavailable, storage.CodeBackendUnavailable,
			"storage unavailable")
		return
	}

	item, err := s.items.CreateFile(r.Context(), &items.Item{
		ParentID:   &parent.ID,
		LocationID: parent.LocationID,
		Name:       name,
		Key:        key,
		Size:       n,
		OwnerID:    claims.UserID,
	})
	if err != nil {
		logging.Warn("upload row insert failed", zap.String("key", key), zap.Error(err))
		loc.Gateway.Delete(r.Context(), key)
		s.sendError(w, r, http.StatusInternalServerError, "", "could not record the uploaded file")
		return
	}

	s.sendJSON(w, http.StatusCreated, item)
}

// ─── Download ───────────────────────────────────────────────────────────────

func (s *Server) handleDownloadFile(w http.ResponseWriter, r *http.Request) {
	it, err := s.items.Get(r.Context(), r.PathValue("id"))
	if err != nil {
		s.sendError(w, r, http.StatusInternalServerError, "", "item lookup failed")
		return
	}
	if it == nil || it.IsDir {
		s.sendError(w, r, http.StatusNotFound, storage.CodeNotFound, "file not found")
		return
	}

	loc, err := s.locations.Resolve(it.LocationID)
	if err != nil {
		s.sendError(w, r, http.StatusServiceUnavailable, storage.CodeBackendUnavailable,
			"storage unavailable")
		return
	}

	// Serve byte ranges only where the backend can; otherwise fall back to
	// the full object.
	offset, length, hasRange := parseRangeHeader(r.Header.Get("Range"), it.Size)
	var reader io.ReadCloser
	if hasRange && loc.Gateway.Capabilities().Has(capability.RangeRead) {
		reader, err = loc.Gateway.RangeRead(r.Context(), it.Key, offset, length)
	} else {
		hasRange = false
		reader, err = loc.Gateway.OpenRead(r.Context(), it.Key)
	}
	if err != nil {
		if storage.CodeOf(err) == storage.CodeNotFound {
			s.sendError(w, r, http.StatusNotFound, storage.CodeNotFound, "file content not found")
			return
		}
		s.sendError(w, r, http.StatusServiceUnavailable, storage.CodeBackendUnavailable,
			"storage unavailable")
		return
	}
	defer reader.Close()

	ct := it.MimeType
	if ct == "" {
		ct = "application/octet-stream"
	}
	w.Header().Set("Content-Type", ct)

	if hasRange {
		w.Header().Set("Content-Range", fmt.Sprintf("bytes %d-%d/%d", offset, offset+length-1, it.Size))
		w.Header().Set("Content-Length", strconv.FormatInt(length, 10))
		w.WriteHeader(http.StatusPartialContent)
	} else {
		w.Header().Set("Content-Length", strconv.FormatInt(it.Size, 10))
	}

	if _, err := io.Copy(w, reader); err != nil {
		logging.Warn("download transfer error", zap.String("item", it.ID), zap.Error(err))
	}
}

// ─── Delete ─────────────────────────────────────────────────────────────────

func (s *Server) handleDeleteFile(w http.ResponseWriter, r *http.Request) {
	it, err := s.items.Get(r.Context(), r.PathValue("id"))
	if err != nil {
		s.sendError(w, r, http.StatusInternalServerError, "", "item lookup failed")
		return
	}
	if it == nil || it.IsDir {
		s.sendError(w, r, http.StatusNotFound, storage.CodeNotFound, "file not found")
		return
	}

	loc, err := s.locations.ResolveForWrite(it.LocationID)
	if err != nil {
		if errors.Is(err, router.ErrReadOnlyStorage) {
			s.sendError(w, r, http.StatusForbidden, storage.CodePermissionDenied,
				"storage location is read-only")
			return
		}
		s.sendError(w, r, http.StatusServiceUnavailable, storage.CodeBackendUnavailable,
			"storage unavailable")
		return
	}

	// Row first, object second: a failed object delete orphans invisible
	// bytes, the other order leaves a row pointing at nothing.
	if err := s.items.Delete(r.Context(), it.ID); err != nil {
		s.sendError(w, r, http.StatusInternalServerError, "", "could not delete the file")
		return
	}
	if err := loc.Gateway.Delete(r.Context(), it.Key); err != nil {
		logging.Warn("content delete failed", zap.String("key", it.Key), zap.Error(err))
	}

	w.WriteHeader(http.StatusNoContent)
}

// ─── Folders ────────────────────────────────────────────────────────────────

func (s *Server) handleCreateFolder(w http.ResponseWriter, r *http.Request) {
	claims := auth.GetClaims(r.Context())

	var req struct {
		ParentID string `json:"parent_id"`
		Name     string `json:"name"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.sendError(w, r, http.StatusBadRequest, "", "invalid JSON body")
		return
	}
	if req.ParentID == "" {
		s.sendError(w, r, http.StatusBadRequest, "", "parent_id is required")
		return
	}
	if req.Name == "" {
		s.sendError(w, r, http.StatusBadRequest, "", "name is required")
		return
	}
	if strings.ContainsAny(req.Name, "/\\") {
		s.sendError(w, r, http.StatusBadRequest, "", "name must not contain path separators")
		return
	}

	parent, err := s.items.Get(r.Context(), req.ParentID)
	if err != nil {
		s.sendError(w, r, http.StatusInternalServerError, "", "item lookup failed")
		return
	}
	if parent == nil || !parent.IsDir {
		s.sendError(w, r, http.StatusNotFound, storage.CodeNotFound, "parent folder not found")
		return
	}

	existing, err := s.items.ChildByName(r.Context(), parent.ID, req.Name)
	if err != nil {
		s.sendError(w, r, http.StatusInternalServerError, "", "item lookup failed")
		return
	}
	if existing != nil {
		s.sendError(w, r, http.StatusConflict, "",
			fmt.Sprintf("an item named %q already exists", req.Name))
		return
	}

	loc, err := s.locations.ResolveForWrite(parent.LocationID)
	if err != nil {
		if errors.Is(err, router.ErrReadOnlyStorage) {
			s.sendError(w, r, http.StatusForbidden, storage.CodePermissionDenied,
				"storage location is read-only")
			return
		}
		s.sendError(w, r, http.StatusServiceUnavailable, storage.CodeBackendUnavailable,
			"storage unavailable")
		return
	}

	key := items.JoinKey(parent.Key, req.Name)
	if err := loc.Gateway.Mkdir(r.Context(), key); err != nil {
		s.sendError(w, r, http.StatusServiceUnavailable, storage.CodeOf(err), "storage unavailable")
		return
	}

	folder, err := s.items.CreateFolder(r.Context(), &items.Item{
		ParentID:   &parent.ID,
		LocationID: parent.LocationID,
		Name:       req.Name,
		Key:        key,
		OwnerID:    claims.UserID,
	})
	if err != nil {
		s.sendError(w, r, http.StatusInternalServerError, "", "could not record the folder")
		return
	}

	s.sendJSON(w, http.StatusCreated, folder)
}

func (s *Server) handleGetFolder(w http.ResponseWriter, r *http.Request) {
	folder, err := s.items.Get(r.Context(), r.PathValue("id"))
	if err != nil {
		s.sendError(w, r, http.StatusInternalServerError, "", "item lookup failed")
		return
	}
	if folder == nil || !folder.IsDir {
		s.sendError(w, r, http.StatusNotFound, storage.CodeNotFound, "folder not found")
		return
	}

	children, err := s.items.Children(r.Context(), folder.ID)
	if err != nil {
		s.sendError(w, r, http.StatusInternalServerError, "", "item listing failed")
		return
	}

	// Abilities come from the folder's location so clients can grey out
	// unsupported affordances without probing the backend.
	abilities := map[string]bool{}
	if loc, err := s.locations.Resolve(folder.LocationID); err == nil {
		abilities = loc.Gateway.Capabilities().Abilities()
	}

	s.sendJSON(w, http.StatusOK, map[string]any{
		"folder":    folder,
		"children":  children,
		"abilities": abilities,
	})
}
