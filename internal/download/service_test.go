package download

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/yourusername/page-forge/internal/asyncjobs"
	"github.com/yourusername/page-forge/internal/storage"
)

const testTimeout = 5 * time.Second

var pngData = append([]byte("\x89PNG\r\n\x1a\n\x00\x00\x00\rIHDR"), make([]byte, 64)...)

// fakeBooks は書籍サービスを模した httptest サーバーです。
type fakeBooks struct {
	t          *testing.T
	server     *httptest.Server
	pages      []string
	restricted map[string]bool
	brokenInfo bool

	mu       sync.Mutex
	requests []string
	widths   []string
	gates    map[string]*gate
}

type gate struct {
	requested chan struct{}
	release   chan struct{}
}

func newFakeBooks(t *testing.T, pages ...string) *fakeBooks {
	t.Helper()
	f := &fakeBooks{
		t:          t,
		pages:      pages,
		restricted: map[string]bool{},
		gates:      map[string]*gate{},
	}
	f.server = httptest.NewServer(http.HandlerFunc(f.serve))
	t.Cleanup(f.close)
	return f
}

// hold は pid の画像リクエストを release が呼ばれるまで止めます。
func (f *fakeBooks) hold(pid string) *gate {
	g := &gate{requested: make(chan struct{}), release: make(chan struct{})}
	f.mu.Lock()
	f.gates[pid] = g
	f.mu.Unlock()
	return g
}

func (f *fakeBooks) close() {
	f.mu.Lock()
	for _, g := range f.gates {
		select {
		case <-g.release:
		default:
			close(g.release)
		}
	}
	f.mu.Unlock()
	f.server.Close()
}

func (f *fakeBooks) record(kind string) {
	f.mu.Lock()
	f.requests = append(f.requests, kind)
	f.mu.Unlock()
}

func (f *fakeBooks) requested() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.requests...)
}

func (f *fakeBooks) widthsSeen() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.widths...)
}

func (f *fakeBooks) serve(w http.ResponseWriter, r *http.Request) {
	switch {
	case strings.HasPrefix(r.URL.Path, "/books/edition/_/"):
		id := strings.TrimPrefix(r.URL.Path, "/books/edition/_/")
		f.record("cover:" + id)
		if f.brokenInfo {
			_, _ = fmt.Fprint(w, "<html>maintenance</html>")
			return
		}
		entries := make([]string, len(f.pages))
		for i, pid := range f.pages {
			entries[i] = fmt.Sprintf(`{"pid":%q,"order":%d}`, pid, i)
		}
		_, _ = fmt.Fprintf(w, `<html><input name="ie" value="UTF-8"><script>_OC_Run({"page":[%s],"prefix":"%s/books?id=%s"}, {"title":"The Title","attribution":"By Some Author","max_resolution_image_width":1280,"max_resolution_image_height":1600});</script></html>`,
			strings.Join(entries, ","), f.server.URL, id)

	case r.URL.Path == "/books":
		pid := r.URL.Query().Get("pg")
		f.record("page:" + pid)
		if f.restricted[pid] {
			_, _ = fmt.Fprint(w, `<img src="/googlebooks/restricted_logo.gif">`)
			return
		}
		_, _ = fmt.Fprintf(w, `<script>preloadImg.src = '%s/content?id=x\x26pg=%s\x26w=400';</script>`, f.server.URL, pid)

	case r.URL.Path == "/content":
		pid := r.URL.Query().Get("pg")
		f.record("image:" + pid)
		f.mu.Lock()
		f.widths = append(f.widths, r.URL.Query().Get("w"))
		g := f.gates[pid]
		f.mu.Unlock()
		if g != nil {
			close(g.requested)
			select {
			case <-g.release:
			case <-r.Context().Done():
				return
			}
		}
		_, _ = w.Write(pngData)

	default:
		http.NotFound(w, r)
	}
}

func newTestRunner(t *testing.T) *asyncjobs.Runner {
	t.Helper()
	loop := asyncjobs.NewLoop(nil)
	ctx, cancel := context.WithCancel(context.Background())
	loop.Start(ctx)
	runner := asyncjobs.NewRunner(loop, asyncjobs.Options{WorkerLimit: 2})
	t.Cleanup(func() {
		runner.Close()
		cancel()
		loop.Close()
	})
	return runner
}

func newTestDownloader(t *testing.T, f *fakeBooks) (*Downloader, string) {
	t.Helper()
	root := t.TempDir()
	return New(Config{BaseURL: f.server.URL, Timeout: testTimeout}, storage.NewLocal(root)), root
}

// logSink はジョブのログ行を集めます。
type logSink struct {
	mu    sync.Mutex
	lines []string
}

func (s *logSink) listener() asyncjobs.Listener {
	return asyncjobs.ListenerFuncs{Log: func(line string) {
		s.mu.Lock()
		s.lines = append(s.lines, line)
		s.mu.Unlock()
	}}
}

func (s *logSink) joined() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return strings.Join(s.lines, "\n")
}

func waitJob(t *testing.T, job *asyncjobs.Job) (any, error) {
	t.Helper()
	select {
	case <-job.Done():
	case <-time.After(testTimeout):
		t.Fatalf("job %s did not finish: %+v", job.Name(), job.Snapshot())
	}
	return job.Result()
}

func waitGate(t *testing.T, g *gate) {
	t.Helper()
	select {
	case <-g.requested:
	case <-time.After(testTimeout):
		t.Fatal("gated request never arrived")
	}
}

func requireState(t *testing.T, job *asyncjobs.Job, want asyncjobs.JobState) {
	t.Helper()
	require.Eventually(t, func() bool { return job.State() == want }, testTimeout, 5*time.Millisecond)
}
