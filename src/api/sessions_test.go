package api

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"

	"github.com/vtmux/vtmux/internal/registry"
)

func newTestRouter(t *testing.T, opts Options) *gin.Engine {
	t.Helper()
	gin.SetMode(gin.TestMode)
	log := logrus.New()
	log.SetOutput(io.Discard)
	reg, err := registry.New(t.TempDir(), log)
	if err != nil {
		t.Fatalf("registry.New: %v", err)
	}
	opts.DisableRequestLogging = true
	return SetupRouter(reg, opts)
}

func doJSON(t *testing.T, router *gin.Engine, method, path string, body interface{}) *httptest.ResponseRecorder {
	t.Helper()
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal body: %v", err)
		}
		reader = bytes.NewReader(data)
	}
	req := httptest.NewRequest(method, path, reader)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	return rec
}

func createTestSession(t *testing.T, router *gin.Engine, command []string) string {
	t.Helper()
	rec := doJSON(t, router, http.MethodPost, "/api/sessions", map[string]interface{}{
		"command":    command,
		"workingDir": os.TempDir(),
	})
	if rec.Code != http.StatusCreated {
		t.Fatalf("create session: status %d body %s", rec.Code, rec.Body.String())
	}
	var resp struct {
		ID string `json:"id"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("unmarshal create response: %v", err)
	}
	return resp.ID
}

func TestCreateListGetDeleteSession(t *testing.T) {
	router := newTestRouter(t, Options{})

	id := createTestSession(t, router, []string{"/bin/sh", "-c", "sleep 5"})

	listRec := doJSON(t, router, http.MethodGet, "/api/sessions", nil)
	if listRec.Code != http.StatusOK {
		t.Fatalf("list: status %d", listRec.Code)
	}
	var list []map[string]interface{}
	if err := json.Unmarshal(listRec.Body.Bytes(), &list); err != nil {
		t.Fatalf("unmarshal list: %v", err)
	}
	if len(list) != 1 || list[0]["id"] != id {
		t.Fatalf("list = %+v, want one entry with id %s", list, id)
	}

	getRec := doJSON(t, router, http.MethodGet, "/api/sessions/"+id, nil)
	if getRec.Code != http.StatusOK {
		t.Fatalf("get: status %d", getRec.Code)
	}

	delRec := doJSON(t, router, http.MethodDelete, "/api/sessions/"+id, nil)
	if delRec.Code != http.StatusOK {
		t.Fatalf("delete: status %d", delRec.Code)
	}

	missingRec := doJSON(t, router, http.MethodGet, "/api/sessions/"+id, nil)
	if missingRec.Code != http.StatusNotFound {
		t.Fatalf("get after delete: status %d, want 404", missingRec.Code)
	}
}

func TestCreateSessionValidation(t *testing.T) {
	router := newTestRouter(t, Options{})

	rec := doJSON(t, router, http.MethodPost, "/api/sessions", map[string]interface{}{
		"workingDir": os.TempDir(),
	})
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("empty command: status %d, want 400", rec.Code)
	}
}

func TestInputAndSnapshot(t *testing.T) {
	router := newTestRouter(t, Options{})
	id := createTestSession(t, router, []string{"/bin/cat"})

	inputRec := doJSON(t, router, http.MethodPost, fmt.Sprintf("/api/sessions/%s/input", id), map[string]interface{}{
		"text": "hello\n",
	})
	if inputRec.Code != http.StatusOK {
		t.Fatalf("input: status %d body %s", inputRec.Code, inputRec.Body.String())
	}

	specialRec := doJSON(t, router, http.MethodPost, fmt.Sprintf("/api/sessions/%s/input", id), map[string]interface{}{
		"specialKey": "enter",
	})
	if specialRec.Code != http.StatusOK {
		t.Fatalf("special key input: status %d", specialRec.Code)
	}

	unknownRec := doJSON(t, router, http.MethodPost, fmt.Sprintf("/api/sessions/%s/input", id), map[string]interface{}{
		"specialKey": "nope",
	})
	if unknownRec.Code != http.StatusBadRequest {
		t.Fatalf("unknown special key: status %d, want 400", unknownRec.Code)
	}

	time.Sleep(50 * time.Millisecond)

	snapRec := doJSON(t, router, http.MethodGet, fmt.Sprintf("/api/sessions/%s/snapshot", id), nil)
	if snapRec.Code != http.StatusOK {
		t.Fatalf("snapshot: status %d", snapRec.Code)
	}
	var snap struct {
		Cols int `json:"cols"`
		Rows int `json:"rows"`
	}
	if err := json.Unmarshal(snapRec.Body.Bytes(), &snap); err != nil {
		t.Fatalf("unmarshal snapshot: %v", err)
	}
	if snap.Cols != 80 || snap.Rows != 24 {
		t.Fatalf("snapshot dims = %dx%d, want 80x24", snap.Cols, snap.Rows)
	}

	bufRec := doJSON(t, router, http.MethodGet, fmt.Sprintf("/api/sessions/%s/buffer", id), nil)
	if bufRec.Code != http.StatusOK {
		t.Fatalf("buffer: status %d", bufRec.Code)
	}
	if bufRec.Body.Len() < 16 {
		t.Fatalf("buffer too short: %d bytes", bufRec.Body.Len())
	}
}

func TestResizeValidation(t *testing.T) {
	router := newTestRouter(t, Options{})
	id := createTestSession(t, router, []string{"/bin/sh", "-c", "sleep 5"})

	okRec := doJSON(t, router, http.MethodPost, fmt.Sprintf("/api/sessions/%s/resize", id), map[string]interface{}{
		"cols": 100, "rows": 40,
	})
	if okRec.Code != http.StatusOK {
		t.Fatalf("resize: status %d", okRec.Code)
	}

	badRec := doJSON(t, router, http.MethodPost, fmt.Sprintf("/api/sessions/%s/resize", id), map[string]interface{}{
		"cols": 0, "rows": 40,
	})
	if badRec.Code != http.StatusBadRequest {
		t.Fatalf("zero cols: status %d, want 400", badRec.Code)
	}
}

func TestCleanupExited(t *testing.T) {
	router := newTestRouter(t, Options{})
	id := createTestSession(t, router, []string{"/bin/sh", "-c", "exit 0"})

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		rec := doJSON(t, router, http.MethodGet, "/api/sessions/"+id, nil)
		var info struct {
			Status string `json:"status"`
		}
		json.Unmarshal(rec.Body.Bytes(), &info)
		if info.Status == "exited" {
			break
		}
		time.Sleep(20 * time.Millisecond)
	}

	rec := doJSON(t, router, http.MethodPost, "/api/cleanup-exited", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("cleanup: status %d", rec.Code)
	}
	var resp struct {
		Removed []string `json:"removed"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("unmarshal cleanup response: %v", err)
	}
	if len(resp.Removed) != 1 || resp.Removed[0] != id {
		t.Fatalf("removed = %+v, want [%s]", resp.Removed, id)
	}
}

func TestAuthMiddlewareRequiresBearerToken(t *testing.T) {
	router := newTestRouter(t, Options{Password: "s3cret"})

	rec := doJSON(t, router, http.MethodGet, "/api/sessions", nil)
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("no token: status %d, want 401", rec.Code)
	}

	req := httptest.NewRequest(http.MethodGet, "/api/sessions", nil)
	req.Header.Set("Authorization", "Bearer s3cret")
	ok := httptest.NewRecorder()
	router.ServeHTTP(ok, req)
	if ok.Code != http.StatusOK {
		t.Fatalf("valid token: status %d, want 200", ok.Code)
	}

	wrong := httptest.NewRequest(http.MethodGet, "/api/sessions", nil)
	wrong.Header.Set("Authorization", "Bearer nope")
	wrongRec := httptest.NewRecorder()
	router.ServeHTTP(wrongRec, wrong)
	if wrongRec.Code != http.StatusUnauthorized {
		t.Fatalf("wrong token: status %d, want 401", wrongRec.Code)
	}
}

func TestHealthEndpointIsUnauthenticated(t *testing.T) {
	router := newTestRouter(t, Options{Password: "s3cret"})
	rec := doJSON(t, router, http.MethodGet, "/health", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("health: status %d", rec.Code)
	}
}

func TestStreamReplaysHeaderThenExit(t *testing.T) {
	router := newTestRouter(t, Options{})
	id := createTestSession(t, router, []string{"/bin/sh", "-c", "echo hi; exit 0"})

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		rec := doJSON(t, router, http.MethodGet, "/api/sessions/"+id, nil)
		var info struct {
			Status string `json:"status"`
		}
		json.Unmarshal(rec.Body.Bytes(), &info)
		if info.Status == "exited" {
			break
		}
		time.Sleep(20 * time.Millisecond)
	}

	req := httptest.NewRequest(http.MethodGet, "/api/sessions/"+id+"/stream", nil)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	body := rec.Body.String()
	if rec.Header().Get("Content-Type") != "text/event-stream" {
		t.Fatalf("content-type = %q", rec.Header().Get("Content-Type"))
	}
	if !bytes.Contains([]byte(body), []byte(`"type":"header"`)) {
		t.Fatalf("stream body missing header frame: %s", body)
	}
	if !bytes.Contains([]byte(body), []byte(`"exit"`)) {
		t.Fatalf("stream body missing exit frame: %s", body)
	}
}
