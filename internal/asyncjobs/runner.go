package asyncjobs

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"
)

// DefaultWorkerLimit は同時に実行するタスク数の既定値です。
const DefaultWorkerLimit = 4

// Options は Runner の設定です。
type Options struct {
	// WorkerLimit は全ジョブを通じて同時に実行するタスク数の上限です（0 以下で既定値）。
	WorkerLimit int64
	Logger      *zap.Logger
}

// Runner は Loop 上にジョブを作成し、ワーカーの同時実行数とタスク用コンテキストを管理します。
type Runner struct {
	loop   *Loop
	logger *zap.Logger
	sem    *semaphore.Weighted

	ctx    context.Context
	cancel context.CancelFunc

	mu   sync.Mutex
	jobs map[string]*Job
}

// NewRunner は Runner を作成します。
func NewRunner(loop *Loop, opts Options) *Runner {
	limit := opts.WorkerLimit
	if limit <= 0 {
		limit = DefaultWorkerLimit
	}
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Runner{
		loop:   loop,
		logger: logger,
		sem:    semaphore.NewWeighted(limit),
		ctx:    ctx,
		cancel: cancel,
		jobs:   make(map[string]*Job),
	}
}

// Loop は Runner が使用する Loop を返します。
func (r *Runner) Loop() *Loop {
	return r.loop
}

// Start は factory から手続きを作成し、ジョブを開始します。listener は nil でも構いません。
func (r *Runner) Start(name string, factory Factory, listener Listener) *Job {
	id := uuid.NewString()
	job := &Job{
		id:        id,
		name:      name,
		loop:      r.loop,
		runner:    r,
		listener:  listener,
		logger:    r.logger.With(zap.String("job", id), zap.String("name", name)),
		state:     StateIdle,
		createdAt: time.Now(),
		done:      make(chan struct{}),
	}

	r.mu.Lock()
	r.jobs[id] = job
	r.mu.Unlock()

	env := &Env{JobID: id, Logger: job.logger, job: job}
	job.start(factory(env))
	return job
}

// Get は実行中のジョブを返します。
func (r *Runner) Get(id string) (*Job, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	job, ok := r.jobs[id]
	return job, ok
}

// Close は実行中のジョブをすべてキャンセルし、タスクに渡しているコンテキストを終了させます。
func (r *Runner) Close() {
	r.mu.Lock()
	alive := make([]*Job, 0, len(r.jobs))
	for _, job := range r.jobs {
		alive = append(alive, job)
	}
	r.mu.Unlock()

	for _, job := range alive {
		job.Cancel()
	}
	r.cancel()
}

func (r *Runner) forget(job *Job) {
	r.mu.Lock()
	delete(r.jobs, job.id)
	r.mu.Unlock()
}
