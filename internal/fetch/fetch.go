// Package fetch はワーカー上で実行する HTTP ダウンロードタスクを提供します。
package fetch

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/http/cookiejar"
	"time"

	"github.com/yourusername/page-forge/internal/asyncjobs"
)

// chunkSize は 1 回の読み込みで受け取るバイト数です。進捗はこの単位で通知されます。
const chunkSize = 32 * 1024

// DefaultUserAgent は書籍サービスへ送る既定の User-Agent です。
const DefaultUserAgent = "Chrome 5.0"

// StatusError は 2xx 以外の応答を表します。
type StatusError struct {
	URL  string
	Code int
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("GET %s: unexpected status %d", e.URL, e.Code)
}

// Client はクッキーを共有するダウンロード用クライアントです。
// 1 つの書籍の取得中はこれを使い回し、表紙で受け取ったクッキーをページ取得にも送ります。
type Client struct {
	HTTP      *http.Client
	UserAgent string
}

// NewClient はクッキージャー付きの Client を作成します。timeout が 0 なら無制限です。
func NewClient(timeout time.Duration, userAgent string) *Client {
	jar, _ := cookiejar.New(nil)
	if userAgent == "" {
		userAgent = DefaultUserAgent
	}
	return &Client{
		HTTP:      &http.Client{Jar: jar, Timeout: timeout},
		UserAgent: userAgent,
	}
}

// Get は url を取得するタスクを返します。label は進捗表示に使う名前です。
func (c *Client) Get(label, url string) *Download {
	header := http.Header{}
	header.Set("User-Agent", c.UserAgent)
	return &Download{Label: label, URL: url, Header: header, Client: c.HTTP}
}

// Download は 1 つの URL の本文を []byte として取得する asyncjobs.Task です。
type Download struct {
	Label  string
	URL    string
	Header http.Header
	Client *http.Client
}

var _ asyncjobs.Task = (*Download)(nil)

// Name は Label（空なら URL）を返します。
func (d *Download) Name() string {
	if d.Label != "" {
		return d.Label
	}
	return d.URL
}

// Run は本文をチャンク単位で読み込み、そのたびに progress を呼びます。
// 総量が分からない場合は total に asyncjobs.UnknownTotal を渡します。
func (d *Download) Run(ctx context.Context, progress asyncjobs.ProgressFunc) (any, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, d.URL, nil)
	if err != nil {
		return nil, err
	}
	for key, values := range d.Header {
		for _, v := range values {
			req.Header.Add(key, v)
		}
	}

	client := d.Client
	if client == nil {
		client = http.DefaultClient
	}
	resp, err := client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, chunkSize))
		return nil, &StatusError{URL: d.URL, Code: resp.StatusCode}
	}

	total := resp.ContentLength
	if total < 0 {
		total = asyncjobs.UnknownTotal
	}

	var body []byte
	if total > 0 {
		body = make([]byte, 0, total)
	}
	buf := make([]byte, chunkSize)
	var transferred int64
	for {
		n, readErr := resp.Body.Read(buf)
		if n > 0 {
			body = append(body, buf[:n]...)
			transferred += int64(n)
			if progress != nil {
				progress(transferred, total)
			}
		}
		if readErr == io.EOF {
			break
		}
		if readErr != nil {
			return nil, fmt.Errorf("read %s: %w", d.URL, readErr)
		}
	}
	return body, nil
}
