// Package download は書籍ページを取得する手続きを asyncjobs 上に実装します。
package download

import (
	"fmt"
	"strings"
	"time"

	"github.com/gabriel-vasile/mimetype"

	"github.com/yourusername/page-forge/internal/asyncjobs"
	"github.com/yourusername/page-forge/internal/book"
	"github.com/yourusername/page-forge/internal/fetch"
	"github.com/yourusername/page-forge/internal/storage"
)

// defaultImageFormat は画像形式を判別できなかったときの拡張子です。
const defaultImageFormat = "png"

// Config は Downloader の設定です。
type Config struct {
	BaseURL   string        // 書籍サービスの URL（空なら book.DefaultBaseURL）
	UserAgent string        // 送信する User-Agent
	Timeout   time.Duration // 1 リクエストあたりのタイムアウト
}

// Downloader は書籍の確認・ダウンロード手続きを作成します。
type Downloader struct {
	cfg   Config
	store *storage.Local
}

// New は Downloader を作成します。
func New(cfg Config, store *storage.Local) *Downloader {
	if cfg.BaseURL == "" {
		cfg.BaseURL = book.DefaultBaseURL
	}
	return &Downloader{cfg: cfg, store: store}
}

// Request はダウンロード対象の指定です。
type Request struct {
	URL string `json:"url"`
	// PageStart / PageEnd は 1 始まりの閉区間です。0 はそれぞれ先頭・末尾を表します。
	PageStart int `json:"pageStart,omitempty"`
	PageEnd   int `json:"pageEnd,omitempty"`
	// OutputDir は出力ディレクトリの上書きです。空なら "著者 - 書名" を使います。
	OutputDir string `json:"outputDir,omitempty"`
	// SkipExisting が true なら保存済みのページを再取得しません。
	SkipExisting bool `json:"skipExisting"`
}

// Validate はリクエストの形式を検証します。
func (r Request) Validate() error {
	if strings.TrimSpace(r.URL) == "" {
		return newError(CodeInvalidInput, "書籍の URL または ID を指定してください。", nil)
	}
	if r.PageStart < 0 || r.PageEnd < 0 {
		return newError(CodeInvalidInput, "ページ番号は 1 以上で指定してください。", nil)
	}
	if r.PageEnd > 0 && r.PageStart > r.PageEnd {
		return newError(CodeInvalidInput, "開始ページが終了ページより後ろになっています。", nil)
	}
	return nil
}

// pageRange は対象ページの 0 始まりの半開区間 [start, end) を返します。
func (r Request) pageRange(total int) (start, end int, err error) {
	if r.PageStart > 0 {
		start = r.PageStart - 1
	}
	end = total
	if r.PageEnd > 0 && r.PageEnd < total {
		end = r.PageEnd
	}
	if start >= end {
		return 0, 0, newError(CodeInvalidInput,
			fmt.Sprintf("ページ範囲が書籍のページ数（%d）を超えています。", total), nil)
	}
	return start, end, nil
}

// Result はダウンロード手続きの結果です。
type Result struct {
	Info       *book.Info `json:"info"`
	Dir        string     `json:"dir"`
	Images     []string   `json:"images"`
	Skipped    int        `json:"skipped"`
	Restricted []int      `json:"restricted,omitempty"`
	PDFName    string     `json:"pdfName"`
}

func (d *Downloader) newClient() *fetch.Client {
	return fetch.NewClient(d.cfg.Timeout, d.cfg.UserAgent)
}

// CheckFactory は CheckBook を作る asyncjobs.Factory を返します。
func (d *Downloader) CheckFactory(rawURL string, rep Reporter) asyncjobs.Factory {
	return func(env *asyncjobs.Env) asyncjobs.Procedure {
		return d.CheckBook(env, rawURL, rep)
	}
}

// DownloadFactory は DownloadBook を作る asyncjobs.Factory を返します。
func (d *Downloader) DownloadFactory(req Request, rep Reporter) asyncjobs.Factory {
	return func(env *asyncjobs.Env) asyncjobs.Procedure {
		return d.DownloadBook(env, req, rep)
	}
}

func imageFormat(data []byte) string {
	mt := mimetype.Detect(data)
	if !strings.HasPrefix(mt.String(), "image/") || mt.Extension() == "" {
		return defaultImageFormat
	}
	return strings.TrimPrefix(mt.Extension(), ".")
}
