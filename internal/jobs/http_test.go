package jobs

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestRouter(m *Manager) *gin.Engine {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	RegisterRoutes(r.Group("/api"), m)
	return r
}

func doJSON(t *testing.T, r http.Handler, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		data, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(data)
	} else {
		reader = bytes.NewReader(nil)
	}
	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w
}

func decodeBody(t *testing.T, w *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var out map[string]any
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &out))
	return out
}

func TestCheckHandler(t *testing.T) {
	env := newTestManager(t, newBookServer(t, "PA1"), nil)
	r := newTestRouter(env.manager)

	w := doJSON(t, r, http.MethodPost, "/api/books/check", gin.H{"url": "https://books.google.com/books?id=abc123"})
	require.Equal(t, http.StatusAccepted, w.Code)
	jobID, _ := decodeBody(t, w)["jobId"].(string)
	require.NotEmpty(t, jobID)

	env.waitRecord(t, jobID, statusIs(StatusSucceeded))

	w = doJSON(t, r, http.MethodGet, "/api/jobs/"+jobID, nil)
	require.Equal(t, http.StatusOK, w.Code)
	job := decodeBody(t, w)["job"].(map[string]any)
	assert.Equal(t, "done", job["status"])
	assert.Equal(t, "Sample Book", job["book"].(map[string]any)["title"])

	w = doJSON(t, r, http.MethodGet, "/api/jobs/"+jobID+"/logs", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.NotEmpty(t, decodeBody(t, w)["lines"])
}

func TestCheckHandlerRejectsMissingURL(t *testing.T) {
	env := newTestManager(t, newBookServer(t, "PA1"), nil)
	r := newTestRouter(env.manager)

	w := doJSON(t, r, http.MethodPost, "/api/books/check", gin.H{})
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Equal(t, "INVALID_INPUT", decodeBody(t, w)["code"])
}

func TestDownloadHandlerRejectsBadRange(t *testing.T) {
	env := newTestManager(t, newBookServer(t, "PA1"), nil)
	r := newTestRouter(env.manager)

	w := doJSON(t, r, http.MethodPost, "/api/books/download", gin.H{"url": "abc123", "pageStart": 5, "pageEnd": 2})
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Equal(t, "INVALID_INPUT", decodeBody(t, w)["code"])
}

func TestDownloadHandlerAndPDFDownload(t *testing.T) {
	env := newTestManager(t, newBookServer(t, "PA1", "PA2"), nil)
	r := newTestRouter(env.manager)

	w := doJSON(t, r, http.MethodGet, "/api/jobs/unknown/pdf", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)

	w = doJSON(t, r, http.MethodPost, "/api/books/download", gin.H{"url": "abc123", "pdf": true})
	require.Equal(t, http.StatusAccepted, w.Code)
	jobID := decodeBody(t, w)["jobId"].(string)

	rec := env.waitRecord(t, jobID, pdfStatusIs(StatusSucceeded))

	w = doJSON(t, r, http.MethodGet, "/api/jobs/"+jobID+"/pdf", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "application/pdf", w.Header().Get("Content-Type"))
	assert.Contains(t, w.Header().Get("Content-Disposition"), "attachment;")
	assert.Equal(t, jobID, w.Header().Get("X-Job-Id"))
	assert.EqualValues(t, rec.PDF.Size, w.Body.Len())
	assert.True(t, bytes.HasPrefix(w.Body.Bytes(), []byte("%PDF")))
}

func TestPDFDownloadNotReady(t *testing.T) {
	env := newTestManager(t, newBookServer(t, "PA1"), &fakeQueue{})
	r := newTestRouter(env.manager)

	rec, err := env.manager.StartCheck(context.Background(), "abc123")
	require.NoError(t, err)
	env.waitRecord(t, rec.JobID, statusIs(StatusSucceeded))

	w := doJSON(t, r, http.MethodGet, "/api/jobs/"+rec.JobID+"/pdf", nil)
	assert.Equal(t, http.StatusConflict, w.Code)
	assert.Equal(t, "PDF_NOT_READY", decodeBody(t, w)["code"])

	w = doJSON(t, r, http.MethodPost, "/api/jobs/"+rec.JobID+"/pdf", nil)
	assert.Equal(t, http.StatusConflict, w.Code)
	assert.Equal(t, "JOB_NOT_READY", decodeBody(t, w)["code"])
}

func TestControlHandlers(t *testing.T) {
	b := newBookServer(t, "PA1", "PA2")
	seen := b.block("PA1")
	env := newTestManager(t, b, nil)
	r := newTestRouter(env.manager)

	w := doJSON(t, r, http.MethodPost, "/api/books/download", gin.H{"url": "abc123"})
	require.Equal(t, http.StatusAccepted, w.Code)
	jobID := decodeBody(t, w)["jobId"].(string)
	waitSignal(t, seen)

	w = doJSON(t, r, http.MethodPost, "/api/jobs/"+jobID+"/pause", nil)
	assert.Equal(t, http.StatusNoContent, w.Code)
	env.waitRecord(t, jobID, statusIs(StatusPaused))

	w = doJSON(t, r, http.MethodGet, "/api/jobs/"+jobID, nil)
	require.Equal(t, http.StatusOK, w.Code)
	live := decodeBody(t, w)["live"].(map[string]any)
	assert.Equal(t, "paused", live["state"])

	w = doJSON(t, r, http.MethodPost, "/api/jobs/"+jobID+"/cancel", nil)
	assert.Equal(t, http.StatusNoContent, w.Code)
	b.release("PA1")
	env.waitRecord(t, jobID, statusIs(StatusCancelled))

	w = doJSON(t, r, http.MethodPost, "/api/jobs/"+jobID+"/resume", nil)
	assert.Equal(t, http.StatusConflict, w.Code)
	assert.Equal(t, "JOB_NOT_RUNNING", decodeBody(t, w)["code"])
}

func TestStatusHandlerUnknownJob(t *testing.T) {
	env := newTestManager(t, newBookServer(t, "PA1"), nil)
	r := newTestRouter(env.manager)

	w := doJSON(t, r, http.MethodGet, "/api/jobs/missing", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
	assert.Equal(t, "JOB_NOT_FOUND", decodeBody(t, w)["code"])
}

func TestSanitizeOutputDir(t *testing.T) {
	assert.Equal(t, "", sanitizeOutputDir("  "))
	assert.Equal(t, "books", sanitizeOutputDir("../books"))
	assert.Equal(t, "etcpasswd", sanitizeOutputDir("/etc/passwd"))
	assert.Equal(t, "My Book", sanitizeOutputDir("My Book"))
}
