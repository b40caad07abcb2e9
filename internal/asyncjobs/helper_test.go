package asyncjobs

import (
	"context"
	"sync"
	"testing"
	"time"
)

const testTimeout = 5 * time.Second

func newTestRunner(t *testing.T) *Runner {
	t.Helper()
	loop := NewLoop(nil)
	ctx, cancel := context.WithCancel(context.Background())
	loop.Start(ctx)
	runner := NewRunner(loop, Options{WorkerLimit: 8})
	t.Cleanup(func() {
		runner.Close()
		cancel()
		loop.Close()
	})
	return runner
}

func waitJob(t *testing.T, job *Job) (any, error) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), testTimeout)
	defer cancel()
	select {
	case <-job.Done():
	case <-ctx.Done():
		t.Fatalf("job %s did not finish: %+v", job.Name(), job.Snapshot())
	}
	return job.Result()
}

// valueTask は即座に value を返すタスクです。実行順を recorder に記録します。
func valueTask(name string, value any, rec *recorder) Task {
	return NewTask(name, func(ctx context.Context, progress ProgressFunc) (any, error) {
		if rec != nil {
			rec.add(name)
		}
		return value, nil
	})
}

type recorder struct {
	mu    sync.Mutex
	items []string
}

func (r *recorder) add(s string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.items = append(r.items, s)
}

func (r *recorder) list() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.items...)
}

// gateTask はテスト側が release するまで完了しないタスクです。
type gateTask struct {
	name    string
	started chan struct{}
	release chan Resume
}

func newGateTask(name string) *gateTask {
	return &gateTask{
		name:    name,
		started: make(chan struct{}, 1),
		release: make(chan Resume, 1),
	}
}

func (g *gateTask) Name() string { return g.name }

func (g *gateTask) Run(ctx context.Context, progress ProgressFunc) (any, error) {
	g.started <- struct{}{}
	r := <-g.release
	return r.Value, r.Err
}

func (g *gateTask) waitStarted(t *testing.T) {
	t.Helper()
	select {
	case <-g.started:
	case <-time.After(testTimeout):
		t.Fatalf("task %s was not started", g.name)
	}
}
