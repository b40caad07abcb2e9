package jobs

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"net/http"
	"net/url"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/yourusername/page-forge/internal/download"
	"github.com/yourusername/page-forge/internal/pdf"
)

type checkRequest struct {
	URL string `json:"url" binding:"required"`
}

type downloadRequest struct {
	URL       string `json:"url" binding:"required"`
	PageStart int    `json:"pageStart"`
	PageEnd   int    `json:"pageEnd"`
	OutputDir string `json:"outputDir"`
	// Redownload が true の場合は保存済みのページも取得し直します。
	Redownload bool `json:"redownload"`
	PDF        bool `json:"pdf"`
}

// RegisterRoutes はジョブ関連のエンドポイントを登録します。
func RegisterRoutes(r gin.IRoutes, m *Manager) {
	r.POST("/books/check", CheckHandler(m))
	r.POST("/books/download", DownloadHandler(m))
	r.GET("/jobs/:id", StatusHandler(m))
	r.GET("/jobs/:id/logs", LogsHandler(m))
	r.POST("/jobs/:id/pause", ControlHandler(m.Pause))
	r.POST("/jobs/:id/resume", ControlHandler(m.Resume))
	r.POST("/jobs/:id/cancel", ControlHandler(m.Cancel))
	r.POST("/jobs/:id/pdf", RequestPDFHandler(m))
	r.GET("/jobs/:id/pdf", PDFDownloadHandler(m))
}

// CheckHandler は POST /api/books/check のハンドラーを返します。
func CheckHandler(m *Manager) gin.HandlerFunc {
	return func(c *gin.Context) {
		var req checkRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{
				"code":    "INVALID_INPUT",
				"message": "url を JSON で送ってください。",
			})
			return
		}
		rec, err := m.StartCheck(c.Request.Context(), strings.TrimSpace(req.URL))
		if err != nil {
			respondWithError(c, err)
			return
		}
		c.JSON(http.StatusAccepted, gin.H{"jobId": rec.JobID})
	}
}

// DownloadHandler は POST /api/books/download のハンドラーを返します。
func DownloadHandler(m *Manager) gin.HandlerFunc {
	return func(c *gin.Context) {
		var req downloadRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{
				"code":    "INVALID_INPUT",
				"message": "url を JSON で送ってください。",
			})
			return
		}
		rec, err := m.StartDownload(c.Request.Context(), download.Request{
			URL:          strings.TrimSpace(req.URL),
			PageStart:    req.PageStart,
			PageEnd:      req.PageEnd,
			OutputDir:    sanitizeOutputDir(req.OutputDir),
			SkipExisting: !req.Redownload,
		}, req.PDF)
		if err != nil {
			respondWithError(c, err)
			return
		}
		c.JSON(http.StatusAccepted, gin.H{"jobId": rec.JobID})
	}
}

// StatusHandler は GET /api/jobs/:id のハンドラーを返します。
func StatusHandler(m *Manager) gin.HandlerFunc {
	return func(c *gin.Context) {
		jobID, ok := jobIDParam(c)
		if !ok {
			return
		}
		rec, snap, err := m.Get(c.Request.Context(), jobID)
		if err != nil {
			respondWithError(c, err)
			return
		}
		payload := gin.H{"job": rec}
		if snap != nil {
			payload["live"] = snap
		}
		c.JSON(http.StatusOK, payload)
	}
}

// LogsHandler は GET /api/jobs/:id/logs のハンドラーを返します。
func LogsHandler(m *Manager) gin.HandlerFunc {
	return func(c *gin.Context) {
		jobID, ok := jobIDParam(c)
		if !ok {
			return
		}
		lines, err := m.Logs(c.Request.Context(), jobID)
		if err != nil {
			respondWithError(c, err)
			return
		}
		if lines == nil {
			lines = []string{}
		}
		c.JSON(http.StatusOK, gin.H{"jobId": jobID, "lines": lines})
	}
}

// ControlHandler は pause / resume / cancel 用のハンドラーを返します。
func ControlHandler(op func(jobID string) error) gin.HandlerFunc {
	return func(c *gin.Context) {
		jobID, ok := jobIDParam(c)
		if !ok {
			return
		}
		if err := op(jobID); err != nil {
			respondWithError(c, err)
			return
		}
		c.Status(http.StatusNoContent)
	}
}

// RequestPDFHandler は POST /api/jobs/:id/pdf のハンドラーを返します。
func RequestPDFHandler(m *Manager) gin.HandlerFunc {
	return func(c *gin.Context) {
		jobID, ok := jobIDParam(c)
		if !ok {
			return
		}
		rec, err := m.RequestPDF(c.Request.Context(), jobID)
		if err != nil {
			respondWithError(c, err)
			return
		}
		c.JSON(http.StatusAccepted, gin.H{"jobId": rec.JobID, "pdf": rec.PDF})
	}
}

// PDFDownloadHandler は GET /api/jobs/:id/pdf のハンドラーを返します。
func PDFDownloadHandler(m *Manager) gin.HandlerFunc {
	return func(c *gin.Context) {
		jobID, ok := jobIDParam(c)
		if !ok {
			return
		}
		rec, _, err := m.Get(c.Request.Context(), jobID)
		if err != nil {
			respondWithError(c, err)
			return
		}
		if rec.PDF == nil || rec.PDF.Status != StatusSucceeded || rec.PDF.Path == "" {
			c.JSON(http.StatusConflict, gin.H{
				"code":    "PDF_NOT_READY",
				"message": "PDF はまだ作成されていません。",
			})
			return
		}

		result, file, err := pdf.Open(rec.PDF.Path)
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				c.JSON(http.StatusNotFound, gin.H{
					"code":    "JOB_RESULT_NOT_FOUND",
					"message": "ジョブの成果物が見つかりませんでした。",
				})
				return
			}
			respondWithError(c, err)
			return
		}
		defer file.Close()

		encodedName := url.PathEscape(result.Filename)
		c.Header("Content-Disposition", fmt.Sprintf("attachment; filename=\"%s\"; filename*=UTF-8''%s", asciiFallback(result.Filename), encodedName))
		c.Header("Cache-Control", "no-store")
		c.Header("X-Job-Id", jobID)
		c.DataFromReader(http.StatusOK, result.Size, "application/pdf", file, nil)
	}
}

func jobIDParam(c *gin.Context) (string, bool) {
	jobID := strings.TrimSpace(c.Param("id"))
	if jobID == "" {
		c.JSON(http.StatusBadRequest, gin.H{
			"code":    "INVALID_INPUT",
			"message": "jobId を指定してください。",
		})
		return "", false
	}
	return jobID, true
}

func respondWithError(c *gin.Context, err error) {
	var dlErr *download.Error
	var pdfErr *pdf.Error
	switch {
	case errors.As(err, &dlErr):
		c.JSON(http.StatusBadRequest, gin.H{
			"code":    dlErr.Code,
			"message": dlErr.Message,
		})
	case errors.As(err, &pdfErr):
		c.JSON(http.StatusUnprocessableEntity, gin.H{
			"code":    pdfErr.Code,
			"message": pdfErr.Message,
		})
	case errors.Is(err, ErrNotFound):
		c.JSON(http.StatusNotFound, gin.H{
			"code":    "JOB_NOT_FOUND",
			"message": "指定されたジョブは存在しません。",
		})
	case errors.Is(err, ErrNotRunning):
		c.JSON(http.StatusConflict, gin.H{
			"code":    "JOB_NOT_RUNNING",
			"message": "ジョブは実行中ではありません。",
		})
	case errors.Is(err, ErrNotReady):
		c.JSON(http.StatusConflict, gin.H{
			"code":    "JOB_NOT_READY",
			"message": "ダウンロードが完了したジョブのみ PDF を作成できます。",
		})
	case errors.Is(err, context.Canceled):
		c.JSON(http.StatusRequestTimeout, gin.H{
			"code":    "REQUEST_CANCELED",
			"message": "リクエストがキャンセルされました。",
		})
	default:
		c.JSON(http.StatusInternalServerError, gin.H{
			"code":    "INTERNAL_ERROR",
			"message": "サーバー内部でエラーが発生しました。",
		})
	}
}

// sanitizeOutputDir は API から指定された出力先を出力ルート直下の名前に限定します。
func sanitizeOutputDir(dir string) string {
	dir = strings.TrimSpace(dir)
	if dir == "" {
		return ""
	}
	return strings.TrimLeft(strings.NewReplacer("/", "", "\\", "", "..", "").Replace(dir), ".")
}

func asciiFallback(name string) string {
	return strings.Map(func(r rune) rune {
		if r < 0x20 || r > 0x7e || r == '"' {
			return '_'
		}
		return r
	}, name)
}
