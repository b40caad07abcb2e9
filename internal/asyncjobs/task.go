package asyncjobs

import (
	"context"
	"fmt"

	"golang.org/x/sync/semaphore"
)

// UnknownTotal は総量が不明な場合に ProgressFunc の total へ渡す値です。
// この場合、進捗は割合ではなくパルス表示として扱います。
const UnknownTotal int64 = -1

// ProgressFunc は転送済みバイト数と総バイト数（不明なら UnknownTotal）を受け取ります。
type ProgressFunc func(transferred, total int64)

// Task はワーカー goroutine 上で実行されるブロッキング処理です。
// Run は任意の goroutine から安全に呼び出せる必要があり、内部でリトライしてはいけません。
type Task interface {
	Name() string
	Run(ctx context.Context, progress ProgressFunc) (any, error)
}

type funcTask struct {
	name string
	fn   func(ctx context.Context, progress ProgressFunc) (any, error)
}

// NewTask は関数から Task を作成します。
func NewTask(name string, fn func(ctx context.Context, progress ProgressFunc) (any, error)) Task {
	return &funcTask{name: name, fn: fn}
}

func (t *funcTask) Name() string { return t.name }

func (t *funcTask) Run(ctx context.Context, progress ProgressFunc) (any, error) {
	return t.fn(ctx, progress)
}

// startTask はタスクをワーカー goroutine で開始し、即座に戻ります。
// onProgress は 0 回以上、onComplete は必ず 1 回だけワーカー側から呼ばれます。
func startTask(ctx context.Context, sem *semaphore.Weighted, task Task, onProgress ProgressFunc, onComplete func(value any, err error)) {
	go func() {
		value, err := runTask(ctx, sem, task, onProgress)
		onComplete(value, err)
	}()
}

func runTask(ctx context.Context, sem *semaphore.Weighted, task Task, onProgress ProgressFunc) (value any, err error) {
	name := task.Name()
	defer func() {
		if r := recover(); r != nil {
			value = nil
			err = &TaskError{Task: name, Err: fmt.Errorf("panic: %v", r)}
		}
	}()

	if sem != nil {
		if err := sem.Acquire(ctx, 1); err != nil {
			return nil, &TaskError{Task: name, Err: err}
		}
		defer sem.Release(1)
	}

	progress := func(transferred, total int64) {
		if total < 0 {
			total = UnknownTotal
		}
		onProgress(transferred, total)
	}

	value, err = task.Run(ctx, progress)
	if err != nil {
		return nil, wrapTaskError(name, err)
	}
	return value, nil
}
