package asyncjobs

import (
	"context"
	"sync"

	"go.uber.org/zap"
)

// Loop は単一 goroutine で投入順に関数を実行する協調的ドライバーです。
// 手続きの Advance、進捗通知、完了処理、Listener 呼び出しはすべてここで行われます。
// Post はブロックしないため、ワーカー goroutine から安全に呼び出せます。
type Loop struct {
	logger *zap.Logger

	mu      sync.Mutex
	queue   []func()
	closed  bool
	running bool

	wake chan struct{}
	done chan struct{}
}

// NewLoop は Loop を作成します。logger が nil の場合は何も出力しません。
func NewLoop(logger *zap.Logger) *Loop {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Loop{
		logger: logger,
		wake:   make(chan struct{}, 1),
		done:   make(chan struct{}),
	}
}

// Post は fn をキューに追加します。Loop が閉じている場合は false を返します。
func (l *Loop) Post(fn func()) bool {
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return false
	}
	l.queue = append(l.queue, fn)
	l.mu.Unlock()

	select {
	case l.wake <- struct{}{}:
	default:
	}
	return true
}

// Do は fn を Loop 上で実行し、完了まで待ちます。Loop の goroutine からは呼び出さないでください。
// 実行前に Loop が閉じられた場合は context.Canceled を返します。
func (l *Loop) Do(ctx context.Context, fn func()) error {
	finished := make(chan struct{})
	if !l.Post(func() {
		defer close(finished)
		fn()
	}) {
		return context.Canceled
	}
	select {
	case <-finished:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-l.done:
		// Close でキューから破棄された場合は fn は実行されない
		select {
		case <-finished:
			return nil
		default:
			return context.Canceled
		}
	}
}

// Start は Run をバックグラウンドで開始します。
func (l *Loop) Start(ctx context.Context) {
	go func() {
		_ = l.Run(ctx)
	}()
}

// Run は ctx が終了するか Close されるまでキューを処理します。
func (l *Loop) Run(ctx context.Context) error {
	l.mu.Lock()
	if l.running {
		l.mu.Unlock()
		return nil
	}
	l.running = true
	l.mu.Unlock()

	defer func() {
		l.mu.Lock()
		l.running = false
		l.mu.Unlock()
	}()

	for {
		for {
			fn, ok := l.next()
			if !ok {
				break
			}
			l.exec(fn)
		}

		select {
		case <-l.wake:
		case <-l.done:
			return nil
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// Close は以降の Post を拒否し、Run を終了させます。キューに残った関数は破棄されます。
func (l *Loop) Close() {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return
	}
	l.closed = true
	l.queue = nil
	close(l.done)
}

func (l *Loop) next() (func(), bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed || len(l.queue) == 0 {
		return nil, false
	}
	fn := l.queue[0]
	l.queue[0] = nil
	l.queue = l.queue[1:]
	return fn, true
}

func (l *Loop) exec(fn func()) {
	defer func() {
		if r := recover(); r != nil {
			l.logger.Error("loop callback panicked", zap.Any("panic", r), zap.Stack("stack"))
		}
	}()
	fn()
}
