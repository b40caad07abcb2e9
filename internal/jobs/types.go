package jobs

import (
	"time"

	"github.com/yourusername/page-forge/internal/book"
)

// Kind はジョブの種類です。
type Kind string

const (
	KindCheck    Kind = "check"
	KindDownload Kind = "download"
)

// Status はジョブの実行状態を表します。
type Status string

const (
	StatusQueued    Status = "queued"
	StatusRunning   Status = "running"
	StatusPaused    Status = "paused"
	StatusSucceeded Status = "done"
	StatusFailed    Status = "error"
	StatusCancelled Status = "cancelled"
)

// Terminal は終了済みの状態かどうかを返します。
func (s Status) Terminal() bool {
	return s == StatusSucceeded || s == StatusFailed || s == StatusCancelled
}

// ProgressInfo は進捗の補足情報を表します。
type ProgressInfo struct {
	Percent int    `json:"percent"`
	Stage   string `json:"stage,omitempty"`
	Message string `json:"message,omitempty"`

	// 実行中のタスク（info / page / image / pdf）の転送状況。Total が -1 なら総量不明です。
	Task        string `json:"task,omitempty"`
	Transferred int64  `json:"transferred,omitempty"`
	Total       int64  `json:"total,omitempty"`
}

// ErrorInfo はジョブ失敗時のエラー情報を保持します。
type ErrorInfo struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// PDFInfo は PDF 組み立ての状態です。
type PDFInfo struct {
	Status   Status       `json:"status"`
	Progress ProgressInfo `json:"progress"`
	Path     string       `json:"path,omitempty"`
	Filename string       `json:"filename,omitempty"`
	Pages    int          `json:"pages,omitempty"`
	Size     int64        `json:"size,omitempty"`
	Error    *ErrorInfo   `json:"error,omitempty"`
}

// Record はジョブの現在状態を表します。
type Record struct {
	JobID      string       `json:"jobId"`
	Kind       Kind         `json:"kind"`
	URL        string       `json:"url"`
	Status     Status       `json:"status"`
	Progress   ProgressInfo `json:"progress"`
	Book       *book.Info   `json:"book,omitempty"`
	Dir        string       `json:"dir,omitempty"`
	Images     []string     `json:"images,omitempty"`
	Skipped    int          `json:"skipped,omitempty"`
	Restricted []int        `json:"restricted,omitempty"`
	PDFName    string       `json:"pdfName,omitempty"`
	WantPDF    bool         `json:"wantPdf,omitempty"`
	PDF        *PDFInfo     `json:"pdf,omitempty"`
	Error      *ErrorInfo   `json:"error,omitempty"`
	CreatedAt  time.Time    `json:"createdAt"`
	UpdatedAt  time.Time    `json:"updatedAt"`
	ExpiresAt  time.Time    `json:"expiresAt"`
}
