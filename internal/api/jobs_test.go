package api

import (
	"archive/zip"
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/quincefs/quince/internal/archive"
	"github.com/quincefs/quince/internal/capability"
	"github.com/quincefs/quince/internal/jobs"
	"github.com/quincefs/quince/internal/storage"
)

func zipBytes(t *testing.T, entries map[string]string) []byte {
	t.Helper()
	var buf bytes.Buffer
	zw := zip.NewWriter(&buf)
	for name, body := range entries {
		w, err := zw.Create(name)
		if err != nil {
			t.Fatalf("create entry %q: %v", name, err)
		}
		if _, err := w.Write([]byte(body)); err != nil {
			t.Fatalf("write entry %q: %v", name, err)
		}
	}
	if err := zw.Close(); err != nil {
		t.Fatalf("close zip: %v", err)
	}
	return buf.Bytes()
}

func postJSON(t *testing.T, h *harness, path string, body any, userID int) *httptest.ResponseRecorder {
	t.Helper()
	data, err := json.Marshal(body)
	if err != nil {
		t.Fatalf("marshal body: %v", err)
	}
	req := httptest.NewRequest(http.MethodPost, path, bytes.NewReader(data))
	req.Header.Set("Content-Type", "application/json")
	return h.do(t, req, userID, false)
}

func jobIDFrom(t *testing.T, rec *httptest.ResponseRecorder) string {
	t.Helper()
	if rec.Code != http.StatusCreated {
		t.Fatalf("status = %d, want 201: %s", rec.Code, rec.Body)
	}
	var resp struct {
		JobID string `json:"job_id"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if resp.JobID == "" {
		t.Fatalf("empty job_id in %s", rec.Body)
	}
	return resp.JobID
}

// awaitState polls the status endpoint until the job reaches the wanted
// state or the deadline passes.
func awaitState(t *testing.T, h *harness, path string, userID int, want string) statusResponse {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		rec := h.do(t, httptest.NewRequest(http.MethodGet, path, nil), userID, false)
		if rec.Code != http.StatusOK {
			t.Fatalf("status poll: %d: %s", rec.Code, rec.Body)
		}
		var resp statusResponse
		if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
			t.Fatalf("decode status: %v", err)
		}
		if resp.State == want {
			return resp
		}
		if resp.State == string(jobs.StateFailed) && want != string(jobs.StateFailed) {
			t.Fatalf("job failed: %+v", resp.Errors)
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("job never reached state %q", want)
	return statusResponse{}
}

func errorEnvelope(t *testing.T, rec *httptest.ResponseRecorder) errorResponse {
	t.Helper()
	var resp errorResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode error envelope: %v: %s", err, rec.Body)
	}
	if len(resp.Errors) == 0 {
		t.Fatalf("empty errors array: %s", rec.Body)
	}
	return resp
}

func TestExtractionFlow(t *testing.T) {
	h := newHarness(t, fullCaps(), 0)
	h.engine.Start(context.Background())
	defer h.engine.Stop()

	arc := h.seedFile(t, "bundle.zip", zipBytes(t, map[string]string{
		"a.txt":      "alpha",
		"docs/b.txt": "bravo",
	}))

	rec := postJSON(t, h, "/api/v1/archive-extractions", archive.ExtractRequest{
		ItemID:              arc.ID,
		DestinationFolderID: h.root.ID,
	}, 7)
	jobID := jobIDFrom(t, rec)

	status := awaitState(t, h, "/api/v1/archive-extractions/"+jobID, 7, string(jobs.StateDone))
	if status.Progress.FilesDone != 2 || status.Progress.Total != 2 {
		t.Fatalf("progress = %+v", status.Progress)
	}

	if got := h.readObject(t, "a.txt"); string(got) != "alpha" {
		t.Fatalf("a.txt = %q", got)
	}
	if got := h.readObject(t, "docs/b.txt"); string(got) != "bravo" {
		t.Fatalf("docs/b.txt = %q", got)
	}
	row, err := h.items.ChildByName(context.Background(), h.root.ID, "a.txt")
	if err != nil || row == nil {
		t.Fatalf("a.txt row missing: %v", err)
	}

	// The SSE endpoint answers a finished job with its snapshot and closes.
	sse := h.do(t, httptest.NewRequest(http.MethodGet, "/api/v1/jobs/"+jobID+"/events", nil), 7, false)
	if sse.Code != http.StatusOK {
		t.Fatalf("sse status = %d: %s", sse.Code, sse.Body)
	}
	if ct := sse.Header().Get("Content-Type"); ct != "text/event-stream" {
		t.Fatalf("sse content type = %q", ct)
	}
	body := sse.Body.String()
	if !strings.Contains(body, "event: status") || !strings.Contains(body, `"state":"done"`) {
		t.Fatalf("sse body = %s", body)
	}
}

func TestExtractionGateRefusal(t *testing.T) {
	caps := fullCaps()
	delete(caps, capability.SafeForExtract)
	h := newHarness(t, caps, 0)

	arc := h.seedFile(t, "bundle.zip", zipBytes(t, map[string]string{"a.txt": "alpha"}))

	rec := postJSON(t, h, "/api/v1/archive-extractions", archive.ExtractRequest{
		ItemID:              arc.ID,
		DestinationFolderID: h.root.ID,
	}, 7)
	if rec.Code != http.StatusForbidden {
		t.Fatalf("status = %d, want 403: %s", rec.Code, rec.Body)
	}

	env := errorEnvelope(t, rec)
	if env.Errors[0].Code != storage.CodeSafetyGateClosed {
		t.Fatalf("code = %q", env.Errors[0].Code)
	}
	if env.RequestID == "" {
		t.Fatal("refusal lacks request_id")
	}

	// The refusal happens before any job record exists.
	queued, err := h.store.ListQueued(context.Background(), 0)
	if err != nil {
		t.Fatalf("list queued: %v", err)
	}
	if len(queued) != 0 {
		t.Fatalf("queued = %d, want 0", len(queued))
	}
}

func TestExtractionUnknownItems(t *testing.T) {
	h := newHarness(t, fullCaps(), 0)
	arc := h.seedFile(t, "bundle.zip", zipBytes(t, map[string]string{"a.txt": "alpha"}))

	rec := postJSON(t, h, "/api/v1/archive-extractions", archive.ExtractRequest{
		ItemID:              "missing",
		DestinationFolderID: h.root.ID,
	}, 7)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("missing source: status = %d", rec.Code)
	}

	rec = postJSON(t, h, "/api/v1/archive-extractions", archive.ExtractRequest{
		ItemID:              arc.ID,
		DestinationFolderID: "missing",
	}, 7)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("missing destination: status = %d", rec.Code)
	}
}

func TestExtractionUnsupportedFilename(t *testing.T) {
	h := newHarness(t, fullCaps(), 0)
	notes := h.seedFile(t, "notes.txt", []byte("plain text"))

	rec := postJSON(t, h, "/api/v1/archive-extractions", archive.ExtractRequest{
		ItemID:              notes.ID,
		DestinationFolderID: h.root.ID,
	}, 7)
	if rec.Code != http.StatusUnsupportedMediaType {
		t.Fatalf("status = %d, want 415: %s", rec.Code, rec.Body)
	}
}

func TestExtractionBadRequest(t *testing.T) {
	h := newHarness(t, fullCaps(), 0)
	arc := h.seedFile(t, "bundle.zip", zipBytes(t, map[string]string{"a.txt": "alpha"}))

	rec := postJSON(t, h, "/api/v1/archive-extractions", archive.ExtractRequest{
		ItemID:              arc.ID,
		DestinationFolderID: h.root.ID,
		Mode:                "sideways",
	}, 7)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("bad mode: status = %d", rec.Code)
	}

	req := httptest.NewRequest(http.MethodPost, "/api/v1/archive-extractions",
		strings.NewReader("{not json"))
	rec = h.do(t, req, 7, false)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("bad body: status = %d", rec.Code)
	}
}

func TestStatusUnknownForEvictedJob(t *testing.T) {
	h := newHarness(t, fullCaps(), 0)

	// A well-formed ID with no record reports the unknown pseudo-state.
	rec := h.do(t, httptest.NewRequest(http.MethodGet,
		"/api/v1/archive-extractions/"+uuid.NewString(), nil), 7, false)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200: %s", rec.Code, rec.Body)
	}
	var resp statusResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if resp.State != string(jobs.StateUnknown) {
		t.Fatalf("state = %q, want unknown", resp.State)
	}

	// A malformed ID is a plain 404.
	rec = h.do(t, httptest.NewRequest(http.MethodGet,
		"/api/v1/archive-extractions/not-a-job", nil), 7, false)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("malformed id: status = %d", rec.Code)
	}
}

func TestStatusHiddenFromOtherUsers(t *testing.T) {
	h := newHarness(t, fullCaps(), 0)

	jobID, err := h.engine.StartExtraction(context.Background(), 7, archive.ExtractRequest{
		ItemID:              "some-item",
		DestinationFolderID: "some-folder",
	})
	if err != nil {
		t.Fatalf("start extraction: %v", err)
	}

	rec := h.do(t, httptest.NewRequest(http.MethodGet,
		"/api/v1/archive-extractions/"+jobID, nil), 8, false)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("other user: status = %d, want 404", rec.Code)
	}

	rec = h.do(t, httptest.NewRequest(http.MethodGet,
		"/api/v1/archive-extractions/"+jobID, nil), 7, false)
	if rec.Code != http.StatusOK {
		t.Fatalf("owner: status = %d, want 200", rec.Code)
	}
	var resp statusResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if resp.State != string(jobs.StateQueued) {
		t.Fatalf("state = %q, want queued", resp.State)
	}
}

func TestZipFlow(t *testing.T) {
	h := newHarness(t, fullCaps(), 0)
	h.engine.Start(context.Background())
	defer h.engine.Stop()

	a := h.seedFile(t, "a.txt", []byte("alpha"))
	b := h.seedFile(t, "b.txt", []byte("bravo"))

	rec := postJSON(t, h, "/api/v1/archive-zips", archive.ZipRequest{
		ItemIDs:             []string{a.ID, b.ID},
		DestinationFolderID: h.root.ID,
		ArchiveName:         "bundle.zip",
	}, 7)
	jobID := jobIDFrom(t, rec)

	status := awaitState(t, h, "/api/v1/archive-zips/"+jobID, 7, string(jobs.StateDone))
	if status.ResultItemID == "" {
		t.Fatal("result_item_id missing")
	}

	// Download the produced archive and verify its entries.
	dl := h.do(t, httptest.NewRequest(http.MethodGet,
		"/api/v1/files/"+status.ResultItemID, nil), 7, false)
	if dl.Code != http.StatusOK {
		t.Fatalf("download status = %d: %s", dl.Code, dl.Body)
	}
	zr, err := zip.NewReader(bytes.NewReader(dl.Body.Bytes()), int64(dl.Body.Len()))
	if err != nil {
		t.Fatalf("open produced zip: %v", err)
	}
	names := map[string]bool{}
	for _, f := range zr.File {
		names[f.Name] = true
	}
	if !names["a.txt"] || !names["b.txt"] {
		t.Fatalf("zip entries = %v", names)
	}
}

func TestZipBadArchiveName(t *testing.T) {
	h := newHarness(t, fullCaps(), 0)
	a := h.seedFile(t, "a.txt", []byte("alpha"))

	rec := postJSON(t, h, "/api/v1/archive-zips", archive.ZipRequest{
		ItemIDs:             []string{a.ID},
		DestinationFolderID: h.root.ID,
		ArchiveName:         "bundle.rar",
	}, 7)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400: %s", rec.Code, rec.Body)
	}
}

func TestSubmissionRateLimit(t *testing.T) {
	h := newHarness(t, fullCaps(), 1)
	arc := h.seedFile(t, "bundle.zip", zipBytes(t, map[string]string{"a.txt": "alpha"}))

	body := archive.ExtractRequest{ItemID: arc.ID, DestinationFolderID: h.root.ID}

	rec := postJSON(t, h, "/api/v1/archive-extractions", body, 7)
	if rec.Code != http.StatusCreated {
		t.Fatalf("first submission: status = %d: %s", rec.Code, rec.Body)
	}

	rec = postJSON(t, h, "/api/v1/archive-extractions", body, 7)
	if rec.Code != http.StatusTooManyRequests {
		t.Fatalf("second submission: status = %d, want 429", rec.Code)
	}
	if rec.Header().Get("Retry-After") == "" {
		t.Fatal("Retry-After header not set")
	}

	// Another user has an independent budget.
	rec = postJSON(t, h, "/api/v1/archive-extractions", body, 8)
	if rec.Code != http.StatusCreated {
		t.Fatalf("other user: status = %d: %s", rec.Code, rec.Body)
	}
}

func TestJobEventsHiddenFromOtherUsers(t *testing.T) {
	h := newHarness(t, fullCaps(), 0)

	jobID, err := h.engine.StartExtraction(context.Background(), 7, archive.ExtractRequest{
		ItemID:              "some-item",
		DestinationFolderID: "some-folder",
	})
	if err != nil {
		t.Fatalf("start extraction: %v", err)
	}

	rec := h.do(t, httptest.NewRequest(http.MethodGet,
		"/api/v1/jobs/"+jobID+"/events", nil), 8, false)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("status = %d, want 404", rec.Code)
	}
}
