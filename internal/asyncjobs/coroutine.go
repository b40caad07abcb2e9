package asyncjobs

import (
	"errors"
	"fmt"
	"runtime"
)

// Body は逐次的に書かれた手続き本体です。中断は Yielder を通してのみ行います。
type Body func(y *Yielder) (any, error)

// Func は Body を Procedure に変換します。
//
// 本体は専用の goroutine で動きますが、Advance 呼び出し側と受け渡しチャネルで同期するため、
// 呼び出し側と同時に実行されることはありません。
func Func(body Body) Procedure {
	return &coroutine{body: body, state: ProcNotStarted}
}

type coroutine struct {
	body  Body
	state ProcState

	resume chan Resume
	steps  chan Step

	// abandoned は Close 後に本体の goroutine を終了させるためのフラグです。
	// resume の close より前に書き込まれます。
	abandoned bool
}

// State は現在の状態を返します。Advance と同じ goroutine から呼び出してください。
func (c *coroutine) State() ProcState {
	return c.state
}

func (c *coroutine) Advance(in Resume) Step {
	switch c.state {
	case ProcNotStarted:
		c.resume = make(chan Resume)
		c.steps = make(chan Step)
		c.state = ProcRunning
		go c.run()
	case ProcSuspended:
		c.state = ProcRunning
		c.resume <- in
	default:
		return Fail(ErrProcedureDone)
	}

	step := <-c.steps
	switch step.Kind {
	case Yielded:
		c.state = ProcSuspended
	case Completed:
		c.state = ProcCompleted
	default:
		if errors.Is(step.Err, ErrJobCancelled) {
			c.state = ProcCancelled
		} else {
			c.state = ProcFailed
		}
	}
	return step
}

// Close は中断中の本体を終了させます。本体の defer は実行されますが、以降の中断要求は行われません。
func (c *coroutine) Close() {
	switch c.state {
	case ProcSuspended:
		c.abandoned = true
		close(c.resume)
		c.state = ProcCancelled
	case ProcNotStarted:
		c.state = ProcCancelled
	}
}

func (c *coroutine) run() {
	var (
		value    any
		err      error
		finished bool
	)
	defer func() {
		r := recover()
		if c.abandoned {
			return
		}
		if r != nil {
			c.steps <- Fail(&ProcedureError{Panic: r})
			return
		}
		if !finished {
			// runtime.Goexit が本体から呼ばれた場合
			c.steps <- Fail(&ProcedureError{Err: errors.New("procedure exited without result")})
			return
		}
		if err != nil {
			c.steps <- Fail(err)
			return
		}
		c.steps <- Complete(value)
	}()
	value, err = c.body(&Yielder{co: c})
	finished = true
}

// Yielder は本体から Job へ中断を要求するためのハンドルです。
type Yielder struct {
	co *coroutine
}

func (y *Yielder) yield(req Request) (any, error) {
	if y.co.abandoned {
		runtime.Goexit()
	}
	y.co.steps <- Yield(req)
	in, ok := <-y.co.resume
	if !ok {
		runtime.Goexit()
	}
	return in.Value, in.Err
}

// Await はタスクの実行を要求し、その結果を返します。
// タスクの失敗は *TaskError、キャンセル時は ErrJobCancelled が返ります。
func (y *Yielder) Await(task Task) (any, error) {
	if task == nil {
		return nil, &ProcedureError{Err: errors.New("await: nil task")}
	}
	return y.yield(Request{Task: task})
}

// Call は子手続きへ委譲し、その完了値を通常の戻り値のように返します。
// 子の失敗はここでエラーとして受け取ります。
func (y *Yielder) Call(child Procedure) (any, error) {
	if child == nil {
		return nil, &ProcedureError{Err: errors.New("call: nil procedure")}
	}
	return y.yield(Request{Child: child})
}

// Checkpoint は何も要求せずに制御を返します。一時停止やキャンセルをここで受け付けます。
func (y *Yielder) Checkpoint() error {
	_, err := y.yield(Request{})
	return err
}

// AwaitAs は Await の結果を T として受け取ります。
func AwaitAs[T any](y *Yielder, task Task) (T, error) {
	v, err := y.Await(task)
	return castResult[T](v, err)
}

// CallAs は Call の結果を T として受け取ります。
func CallAs[T any](y *Yielder, child Procedure) (T, error) {
	v, err := y.Call(child)
	return castResult[T](v, err)
}

func castResult[T any](v any, err error) (T, error) {
	var zero T
	if err != nil {
		return zero, err
	}
	if v == nil {
		return zero, nil
	}
	t, ok := v.(T)
	if !ok {
		return zero, fmt.Errorf("unexpected result type %T (want %T)", v, zero)
	}
	return t, nil
}
