package jobs

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/yourusername/page-forge/internal/asyncjobs"
	"github.com/yourusername/page-forge/internal/book"
)

// jobListener はジョブからの通知を Store への書き込みに変換します。
// asyncjobs.Listener と download.Reporter を兼ね、どちらもジョブの Loop 上で呼ばれます。
type jobListener struct {
	m  *Manager
	id string

	mu          sync.Mutex
	task        ProgressInfo
	flushQueued bool
}

func (l *jobListener) bind(id string) {
	l.id = id
}

func (l *jobListener) update(mutate func(*Record)) {
	id := l.id
	l.m.persist(func(ctx context.Context) error {
		return l.m.store.Update(ctx, id, func(r *Record) {
			if r.Status.Terminal() {
				return
			}
			mutate(r)
		})
	})
}

// OnProgress は最新の転送状況だけを書き込みます。書き込み待ちの間に届いた値はまとめられます。
func (l *jobListener) OnProgress(task string, transferred, total int64) {
	l.mu.Lock()
	l.task = ProgressInfo{Task: task, Transferred: transferred, Total: total}
	if l.flushQueued {
		l.mu.Unlock()
		return
	}
	l.flushQueued = true
	l.mu.Unlock()

	id := l.id
	l.m.persist(func(ctx context.Context) error {
		l.mu.Lock()
		latest := l.task
		l.flushQueued = false
		l.mu.Unlock()

		return l.m.store.Update(ctx, id, func(r *Record) {
			if r.Status.Terminal() {
				return
			}
			r.Progress.Task = latest.Task
			r.Progress.Transferred = latest.Transferred
			r.Progress.Total = latest.Total
		})
	})
}

func (l *jobListener) OnLog(line string) {
	id := l.id
	entry := formatLog(line)
	l.m.persist(func(ctx context.Context) error {
		return l.m.store.AppendLog(ctx, id, entry)
	})
}

func (l *jobListener) OnStateChange(state asyncjobs.JobState) {
	var status Status
	switch state {
	case asyncjobs.StateActive:
		status = StatusRunning
	case asyncjobs.StatePaused:
		status = StatusPaused
	default:
		// 終了状態は Manager.watch が結果と一緒に書き込む
		return
	}
	l.update(func(r *Record) {
		r.Status = status
	})
}

func (l *jobListener) BookInfo(info *book.Info) {
	l.update(func(r *Record) {
		r.Book = info
	})
}

func (l *jobListener) Overall(done, total int) {
	percent := 100
	if total > 0 {
		percent = done * 100 / total
	}
	l.update(func(r *Record) {
		r.Progress.Percent = percent
		r.Progress.Stage = "download"
		r.Progress.Message = fmt.Sprintf("Total: %d%%", percent)
	})
}

func (l *jobListener) PageSaved(page int, path string) {
	l.update(func(r *Record) {
		r.Images = append(r.Images, path)
	})
}

func formatLog(line string) string {
	return fmt.Sprintf("[%s] %s", time.Now().Format("15:04:05"), line)
}
