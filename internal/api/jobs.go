package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/quincefs/quince/internal/archive"
	"github.com/quincefs/quince/internal/auth"
	"github.com/quincefs/quince/internal/capability"
	"github.com/quincefs/quince/internal/events"
	"github.com/quincefs/quince/internal/jobs"
	"github.com/quincefs/quince/internal/logging"
	"github.com/quincefs/quince/internal/metrics"
	"github.com/quincefs/quince/internal/storage"
)

// statusResponse is the job status document returned to pollers.
type statusResponse struct {
	JobID           string          `json:"job_id"`
	State           string          `json:"state"`
	Progress        jobs.Progress   `json:"progress"`
	SkippedSymlinks int64           `json:"skipped_symlinks,omitempty"`
	Errors          []jobs.JobError `json:"errors,omitempty"`
	ResultItemID    string          `json:"result_item_id,omitempty"`
}

func statusFromJob(j *jobs.Job) statusResponse {
	return statusResponse{
		JobID:           j.ID,
		State:           string(j.State),
		Progress:        j.Progress,
		SkippedSymlinks: j.SkippedSymlinks,
		Errors:          j.Errors,
		ResultItemID:    j.ResultItemID,
	}
}

// ─── Extraction ─────────────────────────────────────────────────────────────

func (s *Server) handleStartExtraction(w http.ResponseWriter, r *http.Request) {
	claims := auth.GetClaims(r.Context())
	if !s.allowSubmission(w, r, claims.UserID) {
		return
	}

	var req archive.ExtractRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.sendError(w, r, http.StatusBadRequest, "", "invalid JSON body")
		return
	}
	if err := req.Validate(); err != nil {
		s.sendError(w, r, http.StatusBadRequest, "", err.Error())
		return
	}

	source, err := s.items.Get(r.Context(), req.ItemID)
	if err != nil {
		s.sendError(w, r, http.StatusInternalServerError, "", "item lookup failed")
		return
	}
	if source == nil || source.IsDir {
		s.sendError(w, r, http.StatusNotFound, storage.CodeNotFound, "archive item not found")
		return
	}
	if !archive.SupportedArchive(source.Name) {
		s.sendError(w, r, http.StatusUnsupportedMediaType, "",
			fmt.Sprintf("%q is not a supported archive", source.Name))
		return
	}

	dest, err := s.items.Get(r.Context(), req.DestinationFolderID)
	if err != nil {
		s.sendError(w, r, http.StatusInternalServerError, "", "item lookup failed")
		return
	}
	if dest == nil || !dest.IsDir {
		s.sendError(w, r, http.StatusNotFound, storage.CodeNotFound, "destination folder not found")
		return
	}

	// The safety gate is answered here, before any job exists; the engine
	// re-checks when the job actually runs.
	destLoc, err := s.locations.Resolve(dest.LocationID)
	if err != nil {
		s.sendError(w, r, http.StatusServiceUnavailable, storage.CodeBackendUnavailable,
			"destination storage unavailable")
		return
	}
	if !destLoc.Gateway.Capabilities().Has(capability.SafeForExtract) {
		metrics.RecordSafetyRefusal(storage.CodeSafetyGateClosed)
		s.sendError(w, r, http.StatusForbidden, storage.CodeSafetyGateClosed,
			"archive extraction to this storage location is disabled by the server configuration")
		return
	}

	jobID, err := s.engine.StartExtraction(r.Context(), claims.UserID, req)
	if err != nil {
		logging.Error("start extraction failed", zap.Error(err))
		s.sendError(w, r, http.StatusInternalServerError, "", "could not create job")
		return
	}

	s.sendJSON(w, http.StatusCreated, map[string]string{"job_id": jobID})
}

func (s *Server) handleExtractionStatus(w http.ResponseWriter, r *http.Request) {
	s.handleJobStatus(w, r, jobs.KindExtract)
}

// ─── Zip creation ───────────────────────────────────────────────────────────

func (s *Server) handleStartZip(w http.ResponseWriter, r *http.Request) {
	claims := auth.GetClaims(r.Context())
	if !s.allowSubmission(w, r, claims.UserID) {
		return
	}

	var req archive.ZipRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.sendError(w, r, http.StatusBadRequest, "", "invalid JSON body")
		return
	}
	if err := req.Validate(); err != nil {
		s.sendError(w, r, http.StatusBadRequest, "", err.Error())
		return
	}

	dest, err := s.items.Get(r.Context(), req.DestinationFolderID)
	if err != nil {
		s.sendError(w, r, http.StatusInternalServerError, "", "item lookup failed")
		return
	}
	if dest == nil || !dest.IsDir {
		s.sendError(w, r, http.StatusNotFound, storage.CodeNotFound, "destination folder not found")
		return
	}

	jobID, err := s.engine.StartZip(r.Context(), claims.UserID, req)
	if err != nil {
		logging.Error("start zip failed", zap.Error(err))
		s.sendError(w, r, http.StatusInternalServerError, "", "could not create job")
		return
	}

	s.sendJSON(w, http.StatusCreated, map[string]string{"job_id": jobID})
}

func (s *Server) handleZipStatus(w http.ResponseWriter, r *http.Request) {
	s.handleJobStatus(w, r, jobs.KindZip)
}

// ─── Status ─────────────────────────────────────────────────────────────────

func (s *Server) handleJobStatus(w http.ResponseWriter, r *http.Request, kind jobs.Kind) {
	claims := auth.GetClaims(r.Context())
	jobID := r.PathValue("job_id")

	job, err := s.engine.GetStatus(r.Context(), jobID, claims.UserID, kind)
	switch {
	case errors.Is(err, jobs.ErrNotFound):
		if _, parseErr := uuid.Parse(jobID); parseErr != nil {
			s.sendError(w, r, http.StatusNotFound, "", "job not found")
			return
		}
		// A well-formed ID with no record means the job aged out of the
		// store; pollers see the pseudo-state instead of an error.
		s.sendJSON(w, http.StatusOK, statusResponse{
			JobID: jobID,
			State: string(jobs.StateUnknown),
		})
		return
	case errors.Is(err, archive.ErrJobAccess):
		s.sendError(w, r, http.StatusNotFound, "", "job not found")
		return
	case err != nil:
		s.sendError(w, r, http.StatusInternalServerError, "", "job lookup failed")
		return
	}

	s.sendJSON(w, http.StatusOK, statusFromJob(job))
}

// ─── SSE job updates ────────────────────────────────────────────────────────

func (s *Server) handleJobEvents(w http.ResponseWriter, r *http.Request) {
	claims := auth.GetClaims(r.Context())
	jobID := r.PathValue("job_id")

	flusher, ok := w.(http.Flusher)
	if !ok {
		s.sendError(w, r, http.StatusInternalServerError, "", "streaming not supported")
		return
	}

	// Subscribe before the snapshot read so no update between the two is
	// lost; foreign events are filtered in the loop.
	ch := s.broadcaster.Subscribe()
	defer s.broadcaster.Unsubscribe(ch)

	job, err := s.jobStore.Get(r.Context(), jobID)
	if err != nil || job.OwnerID != claims.UserID {
		s.sendError(w, r, http.StatusNotFound, "", "job not found")
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)

	snapshot := events.FromJob(job)
	snapshot.Timestamp = time.Now().Unix()
	writeSSE(w, snapshot)
	flusher.Flush()
	if job.State.Terminal() {
		return
	}

	ctx := r.Context()
	for {
		select {
		case <-ctx.Done():
			return
		case event, ok := <-ch:
			if !ok {
				return
			}
			if event.JobID != jobID {
				continue
			}
			writeSSE(w, event)
			flusher.Flush()
			if event.State.Terminal() {
				return
			}
		}
	}
}

func writeSSE(w http.ResponseWriter, e events.Event) {
	data, err := events.MarshalEvent(e)
	if err != nil {
		return
	}
	fmt.Fprintf(w, "event: status\ndata: %s\n\n", data)
}

// ─── Rate limiting ──────────────────────────────────────────────────────────

// allowSubmission applies the per-user submission limit to the job POST
// endpoints. Answers 429 with Retry-After and reports false when the caller
// is over budget.
func (s *Server) allowSubmission(w http.ResponseWriter, r *http.Request, userID int) bool {
	if s.limiter == nil {
		return true
	}
	ok, retryAfter := s.limiter.Allow(userID)
	if !ok {
		metrics.RecordRateLimitHit()
		w.Header().Set("Retry-After", strconv.Itoa(retryAfter))
		s.sendError(w, r, http.StatusTooManyRequests, "", "job submission rate limit exceeded")
		return false
	}
	return true
}
