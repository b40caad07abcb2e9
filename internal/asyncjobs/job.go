package asyncjobs

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
)

// JobState はジョブの状態を表します。
type JobState string

const (
	StateIdle      JobState = "idle"
	StateActive    JobState = "active"
	StatePaused    JobState = "paused"
	StateCancelled JobState = "cancelled"
	StateFinished  JobState = "finished"
)

// Terminal は終端状態かどうかを返します。
func (s JobState) Terminal() bool {
	return s == StateCancelled || s == StateFinished
}

// Listener はジョブからの通知を受け取ります。すべて Loop 上で呼ばれます。
type Listener interface {
	OnProgress(task string, transferred, total int64)
	OnLog(line string)
	OnStateChange(state JobState)
}

// ListenerFuncs は関数で Listener を実装します。nil のフィールドは無視されます。
type ListenerFuncs struct {
	Progress func(task string, transferred, total int64)
	Log      func(line string)
	State    func(state JobState)
}

func (f ListenerFuncs) OnProgress(task string, transferred, total int64) {
	if f.Progress != nil {
		f.Progress(task, transferred, total)
	}
}

func (f ListenerFuncs) OnLog(line string) {
	if f.Log != nil {
		f.Log(line)
	}
}

func (f ListenerFuncs) OnStateChange(state JobState) {
	if f.State != nil {
		f.State(state)
	}
}

// Factory は Env を受け取ってジョブのルート手続きを作成します。
type Factory func(env *Env) Procedure

// Env は手続き本体から利用できるジョブの環境です。
type Env struct {
	JobID  string
	Logger *zap.Logger

	job *Job
}

// Debugf はログ行を Listener へ送ります。
// 手続き本体（Advance の実行中）からのみ呼び出してください。
func (e *Env) Debugf(format string, args ...any) {
	line := fmt.Sprintf(format, args...)
	if e.Logger != nil {
		e.Logger.Info(line)
	}
	if e.job != nil && e.job.listener != nil {
		e.job.listener.OnLog(line)
	}
}

// Snapshot はジョブ状態のコピーです。
type Snapshot struct {
	ID          string    `json:"id"`
	Name        string    `json:"name"`
	State       JobState  `json:"state"`
	Waiting     bool      `json:"waiting"`
	CurrentTask string    `json:"currentTask,omitempty"`
	Dispatched  int       `json:"dispatched"`
	Error       string    `json:"error,omitempty"`
	CreatedAt   time.Time `json:"createdAt"`
	FinishedAt  *time.Time `json:"finishedAt,omitempty"`
}

// Job は 1 つのルート手続きを所有し、Loop 上で進めます。
type Job struct {
	id       string
	name     string
	loop     *Loop
	runner   *Runner
	listener Listener
	logger   *zap.Logger

	// 以下は Loop 上でのみ読み書きします。
	proc           *delegator
	ready          bool
	pending        *Resume
	taskSeq        uint64
	current        Task
	cancelInjected bool

	// mu は他の goroutine から参照されるフィールドを保護します。
	mu          sync.Mutex
	state       JobState
	cancelled   bool
	waiting     bool
	currentName string
	dispatched  int
	value       any
	err         error
	createdAt   time.Time
	finishedAt  time.Time

	done chan struct{}
}

// ID はジョブ ID を返します。
func (j *Job) ID() string { return j.id }

// Name はジョブ名を返します。
func (j *Job) Name() string { return j.name }

// State は現在の状態を返します。
func (j *Job) State() JobState {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.state
}

// IsAlive は Active または Paused の場合に true を返します。
func (j *Job) IsAlive() bool {
	s := j.State()
	return s == StateActive || s == StatePaused
}

// Pause は次の Advance を保留します。実行中のタスクは中断しません。
// Active 以外では何もしません。
func (j *Job) Pause() {
	j.mu.Lock()
	if j.state != StateActive {
		j.mu.Unlock()
		return
	}
	j.state = StatePaused
	j.mu.Unlock()

	j.logger.Debug("job paused")
	j.notifyState(StatePaused)
}

// Resume は一時停止を解除し、直ちに再開します。Paused 以外では何もしません。
func (j *Job) Resume() {
	j.mu.Lock()
	if j.state != StatePaused {
		j.mu.Unlock()
		return
	}
	j.state = StateActive
	j.mu.Unlock()

	j.logger.Debug("job resumed")
	j.notifyState(StateActive)
	j.loop.Post(j.tick)
}

// Cancel は協調的キャンセルを要求します。ワーカーの終了を待たずに戻ります。
// 実行中のタスクがあればその結果は破棄され、次の再開地点で ErrJobCancelled が注入されます。
func (j *Job) Cancel() {
	j.mu.Lock()
	if j.state.Terminal() || j.cancelled {
		j.mu.Unlock()
		return
	}
	j.cancelled = true
	j.mu.Unlock()

	j.logger.Debug("job cancel requested")
	j.loop.Post(j.tick)
}

// Done はジョブが終端状態になると close されるチャネルを返します。
func (j *Job) Done() <-chan struct{} {
	return j.done
}

// Wait はジョブの終了を待ち、結果を返します。
func (j *Job) Wait(ctx context.Context) (any, error) {
	select {
	case <-j.done:
		return j.Result()
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Result は最終値とエラーを返します。キャンセル時は (nil, nil) です。
func (j *Job) Result() (any, error) {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.value, j.err
}

// Snapshot は現在の状態のコピーを返します。
func (j *Job) Snapshot() Snapshot {
	j.mu.Lock()
	defer j.mu.Unlock()
	snap := Snapshot{
		ID:          j.id,
		Name:        j.name,
		State:       j.state,
		Waiting:     j.waiting,
		CurrentTask: j.currentName,
		Dispatched:  j.dispatched,
		CreatedAt:   j.createdAt,
	}
	if !j.finishedAt.IsZero() {
		finishedAt := j.finishedAt
		snap.FinishedAt = &finishedAt
	}
	if j.err != nil {
		snap.Error = j.err.Error()
	}
	return snap
}

func (j *Job) start(root Procedure) {
	if root == nil {
		j.proc = newDelegator(nil)
		j.loop.Post(func() {
			j.finish(StateFinished, nil, &ProcedureError{Err: errors.New("factory returned nil procedure")})
		})
		return
	}
	j.proc = newDelegator(root)
	j.ready = true

	j.mu.Lock()
	j.state = StateActive
	j.mu.Unlock()

	j.notifyState(StateActive)
	j.loop.Post(j.tick)
}

// tick は条件が揃っていれば手続きを 1 回だけ進めます。
func (j *Job) tick() {
	j.mu.Lock()
	state := j.state
	cancelled := j.cancelled
	j.mu.Unlock()

	if state.Terminal() || !j.ready {
		return
	}

	var in Resume
	switch {
	case cancelled:
		if j.cancelInjected {
			j.finish(StateCancelled, nil, nil)
			return
		}
		j.cancelInjected = true
		j.pending = nil
		in = Resume{Err: ErrJobCancelled}
	case state == StatePaused:
		return
	case j.pending != nil:
		in = *j.pending
		j.pending = nil
	}

	j.ready = false
	j.handle(j.advance(in))
}

func (j *Job) advance(in Resume) (step Step) {
	defer func() {
		if r := recover(); r != nil {
			step = Fail(&ProcedureError{Panic: r})
		}
	}()
	return j.proc.Advance(in)
}

func (j *Job) handle(step Step) {
	j.mu.Lock()
	cancelled := j.cancelled
	j.mu.Unlock()

	switch step.Kind {
	case Completed:
		if cancelled {
			j.finish(StateCancelled, nil, nil)
			return
		}
		j.finish(StateFinished, step.Value, nil)

	case Failed:
		if errors.Is(step.Err, ErrJobCancelled) {
			j.finish(StateCancelled, nil, nil)
			return
		}
		if cancelled {
			j.finish(StateCancelled, nil, step.Err)
			return
		}
		j.finish(StateFinished, nil, step.Err)

	case Yielded:
		if step.Request.Task != nil {
			j.dispatch(step.Request.Task)
			return
		}
		j.ready = true
		j.loop.Post(j.tick)

	default:
		j.finish(StateFinished, nil, &ProcedureError{Err: fmt.Errorf("unknown step kind %v", step.Kind)})
	}
}

func (j *Job) dispatch(task Task) {
	j.mu.Lock()
	if j.cancelled {
		j.mu.Unlock()
		// キャンセル後はタスクを開始しない。注入前ならここで注入し、注入済みなら強制終了する。
		j.ready = true
		j.loop.Post(j.tick)
		return
	}
	j.taskSeq++
	seq := j.taskSeq
	j.current = task
	j.waiting = true
	j.currentName = task.Name()
	j.dispatched++
	j.mu.Unlock()

	j.logger.Debug("task dispatched", zap.String("task", task.Name()), zap.Uint64("seq", seq))

	startTask(j.runner.ctx, j.runner.sem, task,
		func(transferred, total int64) {
			j.loop.Post(func() { j.progress(seq, transferred, total) })
		},
		func(value any, err error) {
			j.loop.Post(func() { j.complete(seq, value, err) })
		},
	)
}

func (j *Job) progress(seq uint64, transferred, total int64) {
	if seq != j.taskSeq || j.current == nil {
		return
	}
	if j.listener != nil {
		j.listener.OnProgress(j.current.Name(), transferred, total)
	}
}

func (j *Job) complete(seq uint64, value any, err error) {
	if seq != j.taskSeq || j.current == nil {
		return
	}
	name := j.current.Name()
	j.current = nil

	j.mu.Lock()
	j.waiting = false
	j.currentName = ""
	terminal := j.state.Terminal()
	j.mu.Unlock()

	if terminal {
		return
	}
	if err != nil {
		j.logger.Debug("task failed", zap.String("task", name), zap.Error(err))
	}
	j.pending = &Resume{Value: value, Err: err}
	j.ready = true
	j.tick()
}

func (j *Job) finish(state JobState, value any, err error) {
	if j.proc != nil {
		j.proc.Close()
	}
	j.ready = false
	j.pending = nil

	j.mu.Lock()
	if j.state.Terminal() {
		j.mu.Unlock()
		return
	}
	j.state = state
	j.value = value
	j.err = err
	j.finishedAt = time.Now()
	j.mu.Unlock()

	if err != nil {
		j.logger.Info("job finished with error", zap.String("state", string(state)), zap.Error(err))
	} else {
		j.logger.Debug("job finished", zap.String("state", string(state)))
	}
	close(j.done)
	if j.listener != nil {
		j.listener.OnStateChange(state)
	}
	j.runner.forget(j)
}

func (j *Job) notifyState(state JobState) {
	if j.listener == nil {
		return
	}
	// Loop に届くまでに状態が変わっていれば古い通知は送らない
	j.loop.Post(func() {
		if j.State() != state {
			return
		}
		j.listener.OnStateChange(state)
	})
}
