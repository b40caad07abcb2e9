package jobs

import (
	"bytes"
	"context"
	"fmt"
	"image"
	"image/color"
	"image/png"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/yourusername/page-forge/internal/asyncjobs"
	"github.com/yourusername/page-forge/internal/download"
	"github.com/yourusername/page-forge/internal/metrics"
	"github.com/yourusername/page-forge/internal/pdf"
	"github.com/yourusername/page-forge/internal/storage"
)

const testTimeout = 10 * time.Second

// bookServer は書籍サービスを模した httptest サーバーです。
type bookServer struct {
	server *httptest.Server
	pages  []string
	image  []byte

	mu   sync.Mutex
	hold map[string]chan struct{}
	seen map[string]chan struct{}
}

func newBookServer(t *testing.T, pages ...string) *bookServer {
	t.Helper()
	img := image.NewRGBA(image.Rect(0, 0, 8, 12))
	for x := 0; x < 8; x++ {
		img.Set(x, x, color.RGBA{R: 200, A: 255})
	}
	var buf bytes.Buffer
	require.NoError(t, png.Encode(&buf, img))

	b := &bookServer{
		pages: pages,
		image: buf.Bytes(),
		hold:  map[string]chan struct{}{},
		seen:  map[string]chan struct{}{},
	}
	b.server = httptest.NewServer(http.HandlerFunc(b.serve))
	t.Cleanup(func() {
		b.releaseAll()
		b.server.Close()
	})
	return b
}

// block は pid の画像リクエストを release まで止め、到着を知らせるチャネルを返します。
func (b *bookServer) block(pid string) <-chan struct{} {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.hold[pid] = make(chan struct{})
	b.seen[pid] = make(chan struct{})
	return b.seen[pid]
}

func (b *bookServer) release(pid string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if ch, ok := b.hold[pid]; ok {
		close(ch)
		delete(b.hold, pid)
	}
}

func (b *bookServer) releaseAll() {
	b.mu.Lock()
	defer b.mu.Unlock()
	for pid, ch := range b.hold {
		close(ch)
		delete(b.hold, pid)
	}
}

func (b *bookServer) serve(w http.ResponseWriter, r *http.Request) {
	switch {
	case strings.HasPrefix(r.URL.Path, "/books/edition/_/"):
		id := strings.TrimPrefix(r.URL.Path, "/books/edition/_/")
		entries := make([]string, len(b.pages))
		for i, pid := range b.pages {
			entries[i] = fmt.Sprintf(`{"pid":%q,"order":%d}`, pid, i)
		}
		_, _ = fmt.Fprintf(w, `<html><input name="ie" value="UTF-8"><script>_OC_Run({"page":[%s],"prefix":"%s/books?id=%s"}, {"title":"Sample Book","attribution":"By Jane Doe","max_resolution_image_width":800,"max_resolution_image_height":1200});</script></html>`,
			strings.Join(entries, ","), b.server.URL, id)

	case r.URL.Path == "/books":
		pid := r.URL.Query().Get("pg")
		_, _ = fmt.Fprintf(w, `<script>preloadImg.src = '%s/content?id=x\x26pg=%s\x26w=400';</script>`, b.server.URL, pid)

	case r.URL.Path == "/content":
		pid := r.URL.Query().Get("pg")
		b.mu.Lock()
		hold := b.hold[pid]
		seen := b.seen[pid]
		delete(b.seen, pid)
		b.mu.Unlock()
		if seen != nil {
			close(seen)
		}
		if hold != nil {
			select {
			case <-hold:
			case <-r.Context().Done():
				return
			}
		}
		_, _ = w.Write(b.image)

	default:
		http.NotFound(w, r)
	}
}

// fakeQueue は投入されたジョブ ID を記録します。
type fakeQueue struct {
	mu   sync.Mutex
	ids  []string
	fail error
}

func (q *fakeQueue) EnqueuePDF(ctx context.Context, jobID string) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.fail != nil {
		return q.fail
	}
	q.ids = append(q.ids, jobID)
	return nil
}

func (q *fakeQueue) enqueued() []string {
	q.mu.Lock()
	defer q.mu.Unlock()
	return append([]string(nil), q.ids...)
}

type testEnv struct {
	manager *Manager
	store   *MemoryStore
	root    string
}

func newTestManager(t *testing.T, b *bookServer, queue Queue) *testEnv {
	t.Helper()
	loop := asyncjobs.NewLoop(nil)
	ctx, cancel := context.WithCancel(context.Background())
	loop.Start(ctx)
	runner := asyncjobs.NewRunner(loop, asyncjobs.Options{WorkerLimit: 2})

	root := t.TempDir()
	store := NewMemoryStore(time.Hour)
	m, err := NewManager(Options{
		Runner:     runner,
		Downloader: download.New(download.Config{BaseURL: b.server.URL, Timeout: testTimeout}, storage.NewLocal(root)),
		Assembler:  pdf.NewAssembler(),
		Store:      store,
		Queue:      queue,
		Metrics:    metrics.New(),
	})
	require.NoError(t, err)

	t.Cleanup(func() {
		sctx, scancel := context.WithTimeout(context.Background(), testTimeout)
		defer scancel()
		_ = m.Shutdown(sctx)
		cancel()
		loop.Close()
	})
	return &testEnv{manager: m, store: store, root: root}
}

// waitRecord は cond を満たすまで記録を読み直します。
func (e *testEnv) waitRecord(t *testing.T, jobID string, cond func(*Record) bool) *Record {
	t.Helper()
	var last *Record
	require.Eventually(t, func() bool {
		rec, err := e.store.Get(context.Background(), jobID)
		if err != nil {
			return false
		}
		last = rec
		return cond(rec)
	}, testTimeout, 10*time.Millisecond, "record %s never reached the expected state", jobID)
	return last
}

func statusIs(status Status) func(*Record) bool {
	return func(r *Record) bool { return r.Status == status }
}

func pdfStatusIs(status Status) func(*Record) bool {
	return func(r *Record) bool { return r.PDF != nil && r.PDF.Status == status }
}

func waitSignal(t *testing.T, ch <-chan struct{}) {
	t.Helper()
	select {
	case <-ch:
	case <-time.After(testTimeout):
		t.Fatal("signal never arrived")
	}
}
