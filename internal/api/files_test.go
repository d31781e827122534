package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/quincefs/quince/internal/items"
	"github.com/quincefs/quince/internal/quota"
	"github.com/quincefs/quince/internal/storage"
)

func multipartUpload(t *testing.T, h *harness, parentID, filename string, data []byte, userID int) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	if err := mw.WriteField("parent_id", parentID); err != nil {
		t.Fatalf("write field: %v", err)
	}
	fw, err := mw.CreateFormFile("file", filename)
	if err != nil {
		t.Fatalf("create form file: %v", err)
	}
	if _, err := fw.Write(data); err != nil {
		t.Fatalf("write part: %v", err)
	}
	if err := mw.Close(); err != nil {
		t.Fatalf("close multipart: %v", err)
	}

	req := httptest.NewRequest(http.MethodPost, "/api/v1/files", &buf)
	req.Header.Set("Content-Type", mw.FormDataContentType())
	return h.do(t, req, userID, false)
}

func TestUploadAndDownload(t *testing.T) {
	h := newHarness(t, fullCaps(), 0)

	rec := multipartUpload(t, h, h.root.ID, "hello.txt", []byte("hello world"), 7)
	if rec.Code != http.StatusCreated {
		t.Fatalf("upload status = %d: %s", rec.Code, rec.Body)
	}
	var created items.Item
	if err := json.Unmarshal(rec.Body.Bytes(), &created); err != nil {
		t.Fatalf("decode created item: %v", err)
	}
	if created.Name != "hello.txt" || created.Size != 11 {
		t.Fatalf("created = %+v", created)
	}

	dl := h.do(t, httptest.NewRequest(http.MethodGet, "/api/v1/files/"+created.ID, nil), 7, false)
	if dl.Code != http.StatusOK {
		t.Fatalf("download status = %d: %s", dl.Code, dl.Body)
	}
	if dl.Body.String() != "hello world" {
		t.Fatalf("download body = %q", dl.Body)
	}
	if cl := dl.Header().Get("Content-Length"); cl != "11" {
		t.Fatalf("content length = %q", cl)
	}
}

func TestDownloadRange(t *testing.T) {
	h := newHarness(t, fullCaps(), 0)
	it := h.seedFile(t, "hello.txt", []byte("hello world"))

	req := httptest.NewRequest(http.MethodGet, "/api/v1/files/"+it.ID, nil)
	req.Header.Set("Range", "bytes=0-4")
	rec := h.do(t, req, 7, false)

	if rec.Code != http.StatusPartialContent {
		t.Fatalf("status = %d, want 206: %s", rec.Code, rec.Body)
	}
	if rec.Body.String() != "hello" {
		t.Fatalf("body = %q", rec.Body)
	}
	if cr := rec.Header().Get("Content-Range"); cr != "bytes 0-4/11" {
		t.Fatalf("content range = %q", cr)
	}
}

func TestUploadConflict(t *testing.T) {
	h := newHarness(t, fullCaps(), 0)
	h.seedFile(t, "hello.txt", []byte("old"))

	rec := multipartUpload(t, h, h.root.ID, "hello.txt", []byte("new"), 7)
	if rec.Code != http.StatusConflict {
		t.Fatalf("status = %d, want 409: %s", rec.Code, rec.Body)
	}

	// The existing content is untouched.
	if got := h.readObject(t, "hello.txt"); string(got) != "old" {
		t.Fatalf("content = %q", got)
	}
}

func TestUploadUnknownParent(t *testing.T) {
	h := newHarness(t, fullCaps(), 0)

	rec := multipartUpload(t, h, "missing", "hello.txt", []byte("x"), 7)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("status = %d, want 404", rec.Code)
	}
}

func TestDownloadMissingFile(t *testing.T) {
	h := newHarness(t, fullCaps(), 0)

	rec := h.do(t, httptest.NewRequest(http.MethodGet, "/api/v1/files/missing", nil), 7, false)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("status = %d, want 404", rec.Code)
	}
}

func TestDeleteFile(t *testing.T) {
	h := newHarness(t, fullCaps(), 0)
	it := h.seedFile(t, "hello.txt", []byte("hello"))

	rec := h.do(t, httptest.NewRequest(http.MethodDelete, "/api/v1/files/"+it.ID, nil), 7, false)
	if rec.Code != http.StatusNoContent {
		t.Fatalf("delete status = %d: %s", rec.Code, rec.Body)
	}

	// Both the row and the content are gone.
	if got, _ := h.items.Get(context.Background(), it.ID); got != nil {
		t.Error("row still present after delete")
	}
	if ok, _ := h.gw.Exists(context.Background(), "hello.txt"); ok {
		t.Error("object still present after delete")
	}

	rec = h.do(t, httptest.NewRequest(http.MethodDelete, "/api/v1/files/"+it.ID, nil), 7, false)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("second delete: status = %d, want 404", rec.Code)
	}

	// Folders are not deletable through the file endpoint.
	rec = h.do(t, httptest.NewRequest(http.MethodDelete, "/api/v1/files/"+h.root.ID, nil), 7, false)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("folder delete: status = %d, want 404", rec.Code)
	}
}

func TestCreateAndListFolder(t *testing.T) {
	h := newHarness(t, fullCaps(), 0)

	rec := postJSON(t, h, "/api/v1/folders", map[string]string{
		"parent_id": h.root.ID,
		"name":      "photos",
	}, 7)
	if rec.Code != http.StatusCreated {
		t.Fatalf("create status = %d: %s", rec.Code, rec.Body)
	}
	var folder items.Item
	if err := json.Unmarshal(rec.Body.Bytes(), &folder); err != nil {
		t.Fatalf("decode folder: %v", err)
	}
	if !folder.IsDir || folder.Name != "photos" {
		t.Fatalf("folder = %+v", folder)
	}

	h.seedFile(t, "a.txt", []byte("alpha"))

	list := h.do(t, httptest.NewRequest(http.MethodGet, "/api/v1/folders/"+h.root.ID, nil), 7, false)
	if list.Code != http.StatusOK {
		t.Fatalf("list status = %d: %s", list.Code, list.Body)
	}
	var resp struct {
		Folder    items.Item      `json:"folder"`
		Children  []items.Item    `json:"children"`
		Abilities map[string]bool `json:"abilities"`
	}
	if err := json.Unmarshal(list.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode listing: %v", err)
	}
	if len(resp.Children) != 2 {
		t.Fatalf("children = %d, want 2", len(resp.Children))
	}
	// Folders sort before files.
	if resp.Children[0].Name != "photos" || resp.Children[1].Name != "a.txt" {
		t.Fatalf("children order = %q, %q", resp.Children[0].Name, resp.Children[1].Name)
	}
	if !resp.Abilities["upload"] {
		t.Fatalf("abilities = %v", resp.Abilities)
	}
	if resp.Abilities["share_link"] {
		t.Fatalf("share_link should be off: %v", resp.Abilities)
	}
}

func TestCreateFolderRejectsBadNames(t *testing.T) {
	h := newHarness(t, fullCaps(), 0)

	for _, name := range []string{"", "a/b", "a\\b"} {
		rec := postJSON(t, h, "/api/v1/folders", map[string]string{
			"parent_id": h.root.ID,
			"name":      name,
		}, 7)
		if rec.Code != http.StatusBadRequest {
			t.Errorf("name %q: status = %d, want 400", name, rec.Code)
		}
	}

	rec := postJSON(t, h, "/api/v1/folders", map[string]string{
		"parent_id": h.root.ID,
		"name":      "docs",
	}, 7)
	if rec.Code != http.StatusCreated {
		t.Fatalf("create status = %d", rec.Code)
	}
	rec = postJSON(t, h, "/api/v1/folders", map[string]string{
		"parent_id": h.root.ID,
		"name":      "docs",
	}, 7)
	if rec.Code != http.StatusConflict {
		t.Fatalf("duplicate: status = %d, want 409", rec.Code)
	}
}

func TestAdminLocationsRequireAdmin(t *testing.T) {
	h := newHarness(t, fullCaps(), 0)

	rec := h.do(t, httptest.NewRequest(http.MethodGet, "/api/v1/admin/locations", nil), 7, false)
	if rec.Code != http.StatusForbidden {
		t.Fatalf("non-admin: status = %d, want 403", rec.Code)
	}

	rec = h.do(t, httptest.NewRequest(http.MethodGet, "/api/v1/admin/locations", nil), 1, true)
	if rec.Code != http.StatusOK {
		t.Fatalf("admin: status = %d: %s", rec.Code, rec.Body)
	}
}

func TestAdminCreateLocation(t *testing.T) {
	h := newHarness(t, fullCaps(), 0)

	body := strings.NewReader(`{"name": "archive-tier", "backend_type": "memory"}`)
	req := httptest.NewRequest(http.MethodPost, "/api/v1/admin/locations", body)
	req.Header.Set("Content-Type", "application/json")
	rec := h.do(t, req, 1, true)
	if rec.Code != http.StatusCreated {
		t.Fatalf("status = %d: %s", rec.Code, rec.Body)
	}

	bad := strings.NewReader(`{"name": "x", "backend_type": "floppy"}`)
	req = httptest.NewRequest(http.MethodPost, "/api/v1/admin/locations", bad)
	req.Header.Set("Content-Type", "application/json")
	rec = h.do(t, req, 1, true)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("bad backend: status = %d", rec.Code)
	}
}

func TestAdminLocationLifecycle(t *testing.T) {
	h := newHarness(t, fullCaps(), 0)

	body := strings.NewReader(`{"name": "cold-tier", "backend_type": "memory", "read_only": true}`)
	req := httptest.NewRequest(http.MethodPost, "/api/v1/admin/locations", body)
	req.Header.Set("Content-Type", "application/json")
	rec := h.do(t, req, 1, true)
	if rec.Code != http.StatusCreated {
		t.Fatalf("create: status = %d: %s", rec.Code, rec.Body)
	}
	var created storage.LocationRow
	if err := json.Unmarshal(rec.Body.Bytes(), &created); err != nil {
		t.Fatalf("decode create: %v", err)
	}

	// Update merges: renaming must not clear read_only.
	path := fmt.Sprintf("/api/v1/admin/locations/%d", created.ID)
	req = httptest.NewRequest(http.MethodPut, path, strings.NewReader(`{"name": "warm-tier"}`))
	req.Header.Set("Content-Type", "application/json")
	rec = h.do(t, req, 1, true)
	if rec.Code != http.StatusOK {
		t.Fatalf("update: status = %d: %s", rec.Code, rec.Body)
	}
	var updated storage.LocationRow
	if err := json.Unmarshal(rec.Body.Bytes(), &updated); err != nil {
		t.Fatalf("decode update: %v", err)
	}
	if updated.Name != "warm-tier" || !updated.ReadOnly {
		t.Fatalf("updated row = %+v", updated)
	}

	rec = h.do(t, httptest.NewRequest(http.MethodPost, path+"/default", nil), 1, true)
	if rec.Code != http.StatusOK {
		t.Fatalf("set default: status = %d: %s", rec.Code, rec.Body)
	}

	rec = h.do(t, httptest.NewRequest(http.MethodDelete, path, nil), 1, true)
	if rec.Code != http.StatusNoContent {
		t.Fatalf("delete: status = %d: %s", rec.Code, rec.Body)
	}

	req = httptest.NewRequest(http.MethodPut, path, strings.NewReader(`{"name": "ghost"}`))
	req.Header.Set("Content-Type", "application/json")
	rec = h.do(t, req, 1, true)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("update after delete: status = %d", rec.Code)
	}

	rec = h.do(t, httptest.NewRequest(http.MethodDelete, "/api/v1/admin/locations/abc", nil), 1, true)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("bad id: status = %d", rec.Code)
	}
}

func TestAdminLocationCapabilities(t *testing.T) {
	h := newHarness(t, fullCaps(), 0)

	rec := h.do(t, httptest.NewRequest(http.MethodGet,
		"/api/v1/admin/locations/1/capabilities", nil), 1, true)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d: %s", rec.Code, rec.Body)
	}
	var resp struct {
		LocationID   int             `json:"location_id"`
		Capabilities map[string]bool `json:"capabilities"`
		Abilities    map[string]bool `json:"abilities"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if resp.LocationID != 1 {
		t.Fatalf("location_id = %d", resp.LocationID)
	}
	if !resp.Capabilities["io.range_read"] || !resp.Capabilities["security.safe_for_archive_extract"] {
		t.Fatalf("capabilities = %v", resp.Capabilities)
	}

	rec = h.do(t, httptest.NewRequest(http.MethodGet,
		"/api/v1/admin/locations/99/capabilities", nil), 1, true)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("unknown location: status = %d", rec.Code)
	}
}

func TestUploadStorageQuotaExceeded(t *testing.T) {
	h := newHarness(t, fullCaps(), 0)
	h.seedFile(t, "existing.txt", []byte("12345"))
	h.quotas.Set(context.Background(), &quota.Quota{UserID: 7, MaxStorageBytes: 10})

	rec := multipartUpload(t, h, h.root.ID, "big.txt", []byte("123456"), 7)
	if rec.Code != http.StatusRequestEntityTooLarge {
		t.Fatalf("over quota: status = %d: %s", rec.Code, rec.Body)
	}
	if it, _ := h.items.ChildByName(context.Background(), h.root.ID, "big.txt"); it != nil {
		t.Fatal("refused upload still created an item")
	}

	// Exactly at the ceiling is allowed.
	rec = multipartUpload(t, h, h.root.ID, "fits.txt", []byte("12345"), 7)
	if rec.Code != http.StatusCreated {
		t.Fatalf("at quota: status = %d: %s", rec.Code, rec.Body)
	}
}

func TestUploadUserSizeLimit(t *testing.T) {
	h := newHarness(t, fullCaps(), 0)
	h.quotas.Set(context.Background(), &quota.Quota{UserID: 7, MaxUploadBytes: 5})

	rec := multipartUpload(t, h, h.root.ID, "big.txt", []byte("123456"), 7)
	if rec.Code != http.StatusRequestEntityTooLarge {
		t.Fatalf("over limit: status = %d: %s", rec.Code, rec.Body)
	}

	// Another user without a per-user limit is untouched.
	rec = multipartUpload(t, h, h.root.ID, "big.txt", []byte("123456"), 8)
	if rec.Code != http.StatusCreated {
		t.Fatalf("unlimited user: status = %d: %s", rec.Code, rec.Body)
	}
}

func TestAdminQuotaEndpoints(t *testing.T) {
	h := newHarness(t, fullCaps(), 0)

	body := strings.NewReader(`{"max_storage_bytes": 1024}`)
	req := httptest.NewRequest(http.MethodPut, "/api/v1/admin/quotas/42", body)
	req.Header.Set("Content-Type", "application/json")
	rec := h.do(t, req, 1, true)
	if rec.Code != http.StatusOK {
		t.Fatalf("set: status = %d: %s", rec.Code, rec.Body)
	}

	// A later partial update keeps the unmentioned field.
	body = strings.NewReader(`{"max_upload_bytes": 2048}`)
	req = httptest.NewRequest(http.MethodPut, "/api/v1/admin/quotas/42", body)
	req.Header.Set("Content-Type", "application/json")
	if rec = h.do(t, req, 1, true); rec.Code != http.StatusOK {
		t.Fatalf("merge set: status = %d: %s", rec.Code, rec.Body)
	}

	rec = h.do(t, httptest.NewRequest(http.MethodGet, "/api/v1/admin/quotas/42", nil), 1, true)
	if rec.Code != http.StatusOK {
		t.Fatalf("get: status = %d: %s", rec.Code, rec.Body)
	}
	var got struct {
		UserID          int   `json:"user_id"`
		MaxStorageBytes int64 `json:"max_storage_bytes"`
		MaxUploadBytes  int64 `json:"max_upload_bytes"`
		UsedBytes       int64 `json:"used_bytes"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &got); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if got.MaxStorageBytes != 1024 || got.MaxUploadBytes != 2048 || got.UsedBytes != 0 {
		t.Fatalf("quota = %+v", got)
	}

	rec = h.do(t, httptest.NewRequest(http.MethodGet, "/api/v1/admin/quotas/42", nil), 7, false)
	if rec.Code != http.StatusForbidden {
		t.Fatalf("non-admin: status = %d, want 403", rec.Code)
	}

	rec = h.do(t, httptest.NewRequest(http.MethodGet, "/api/v1/admin/quotas/nope", nil), 1, true)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("bad user id: status = %d", rec.Code)
	}
}
