// Package jobs は書籍の確認・ダウンロードジョブと PDF 組み立てを管理します。
package jobs

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/yourusername/page-forge/internal/asyncjobs"
	"github.com/yourusername/page-forge/internal/book"
	"github.com/yourusername/page-forge/internal/download"
	"github.com/yourusername/page-forge/internal/metrics"
	"github.com/yourusername/page-forge/internal/pdf"
)

var (
	// ErrNotRunning は操作対象のジョブがこのプロセスで実行中でないことを表します。
	ErrNotRunning = errors.New("job is not running")
	// ErrNotReady は PDF を作れる状態にないことを表します。
	ErrNotReady = errors.New("job has no downloaded pages")
)

// storeTimeout は 1 回の記録更新に使うタイムアウトです。
const storeTimeout = 5 * time.Second

// Manager は asyncjobs のジョブを起動し、その状態を Store へ反映します。
type Manager struct {
	runner     *asyncjobs.Runner
	downloader *download.Downloader
	assembler  *pdf.Assembler
	store      Store
	queue      Queue
	metrics    *metrics.Metrics
	logger     *zap.Logger

	// writer は Store への書き込みを直列化する Loop です。ジョブの Loop を止めないために分けています。
	writer *asyncjobs.Loop

	waiters sync.WaitGroup
}

// Options は Manager の依存関係です。Queue が nil の場合、PDF は同じプロセスで組み立てます。
type Options struct {
	Runner     *asyncjobs.Runner
	Downloader *download.Downloader
	Assembler  *pdf.Assembler
	Store      Store
	Queue      Queue
	Metrics    *metrics.Metrics
	Logger     *zap.Logger
}

// NewManager は Manager を初期化します。
func NewManager(opts Options) (*Manager, error) {
	if opts.Runner == nil {
		return nil, errors.New("runner is nil")
	}
	if opts.Downloader == nil {
		return nil, errors.New("downloader is nil")
	}
	if opts.Store == nil {
		return nil, errors.New("store is nil")
	}
	if opts.Assembler == nil {
		opts.Assembler = pdf.NewAssembler()
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}

	writer := asyncjobs.NewLoop(opts.Logger)
	writer.Start(context.Background())

	return &Manager{
		runner:     opts.Runner,
		downloader: opts.Downloader,
		assembler:  opts.Assembler,
		store:      opts.Store,
		queue:      opts.Queue,
		metrics:    opts.Metrics,
		logger:     opts.Logger,
		writer:     writer,
	}, nil
}

// StartCheck は書籍情報を確認するジョブを開始します。
func (m *Manager) StartCheck(ctx context.Context, rawURL string) (*Record, error) {
	if _, err := book.ParseID(rawURL); err != nil {
		return nil, &download.Error{Code: download.CodeInvalidInput, Message: "書籍の URL または ID を指定してください。", Err: err}
	}
	rec := &Record{Kind: KindCheck, URL: rawURL}
	return m.start(ctx, rec, func(l *jobListener) asyncjobs.Factory {
		return m.downloader.CheckFactory(rawURL, l)
	})
}

// StartDownload はページ画像をダウンロードするジョブを開始します。wantPDF なら完了後に PDF を組み立てます。
func (m *Manager) StartDownload(ctx context.Context, req download.Request, wantPDF bool) (*Record, error) {
	if err := req.Validate(); err != nil {
		return nil, err
	}
	if _, err := book.ParseID(req.URL); err != nil {
		return nil, &download.Error{Code: download.CodeInvalidInput, Message: "書籍の URL から ID を取り出せませんでした。", Err: err}
	}
	rec := &Record{Kind: KindDownload, URL: req.URL, WantPDF: wantPDF}
	return m.start(ctx, rec, func(l *jobListener) asyncjobs.Factory {
		return m.downloader.DownloadFactory(req, l)
	})
}

func (m *Manager) start(ctx context.Context, rec *Record, factory func(*jobListener) asyncjobs.Factory) (*Record, error) {
	listener := &jobListener{m: m}

	// ジョブ ID は Runner が採番するため、記録の作成は Start の後、最初の tick より前に Loop 上で行う。
	// Do は Loop が閉じたときだけ失敗させ、呼び出し元の ctx は Loop 上で確認する。
	// 開始したジョブは必ず watch の対象になる。
	var (
		job      *asyncjobs.Job
		startErr error
	)
	err := m.runner.Loop().Do(context.Background(), func() {
		if startErr = ctx.Err(); startErr != nil {
			return
		}
		job = m.runner.Start(string(rec.Kind), factory(listener), listener)
		listener.bind(job.ID())
		rec.JobID = job.ID()
		rec.Status = StatusRunning
		rec.Progress = ProgressInfo{Stage: "started"}
		m.persist(func(ctx context.Context) error {
			return m.store.Upsert(ctx, rec)
		})
	})
	if err != nil {
		return nil, err
	}
	if startErr != nil {
		return nil, startErr
	}

	m.metrics.JobStarted(string(rec.Kind))
	m.waiters.Add(1)
	go m.watch(job, rec.Kind, rec.WantPDF)

	snapshot := *rec
	return &snapshot, nil
}

// watch はジョブの終了を待ち、結果を記録に反映します。
func (m *Manager) watch(job *asyncjobs.Job, kind Kind, wantPDF bool) {
	defer m.waiters.Done()
	<-job.Done()

	value, err := job.Result()
	state := job.State()
	id := job.ID()
	m.observe(kind, job.Snapshot(), value, err)

	done := make(chan struct{})
	m.persistThen(func(ctx context.Context) error {
		return m.store.Update(ctx, id, func(r *Record) {
			applyResult(r, state, value, err)
		})
	}, func() { close(done) })
	<-done

	if kind == KindDownload && wantPDF && state == asyncjobs.StateFinished && err == nil {
		ctx, cancel := context.WithTimeout(context.Background(), storeTimeout)
		defer cancel()
		if _, qerr := m.RequestPDF(ctx, id); qerr != nil {
			m.logger.Warn("failed to request pdf", zap.String("job", id), zap.Error(qerr))
		}
	}
}

func (m *Manager) observe(kind Kind, snap asyncjobs.Snapshot, value any, err error) {
	status := StatusSucceeded
	switch {
	case snap.State == asyncjobs.StateCancelled:
		status = StatusCancelled
	case err != nil:
		status = StatusFailed
	}
	elapsed := time.Since(snap.CreatedAt)
	if snap.FinishedAt != nil {
		elapsed = snap.FinishedAt.Sub(snap.CreatedAt)
	}
	m.metrics.JobFinished(string(kind), string(status), elapsed)
	if res, ok := value.(*download.Result); ok {
		m.metrics.Pages(len(res.Images)-res.Skipped, res.Skipped, len(res.Restricted))
	}
}

func applyResult(r *Record, state asyncjobs.JobState, value any, err error) {
	switch {
	case state == asyncjobs.StateCancelled:
		r.Status = StatusCancelled
		r.Progress.Stage = "cancelled"
	case err != nil:
		r.Status = StatusFailed
		r.Progress.Stage = "error"
		r.Error = errorInfo(err)
	default:
		r.Status = StatusSucceeded
		r.Progress.Percent = 100
		r.Progress.Stage = "completed"
		switch v := value.(type) {
		case *book.Info:
			r.Book = v
		case *download.Result:
			r.Book = v.Info
			r.Dir = v.Dir
			r.Images = v.Images
			r.Skipped = v.Skipped
			r.Restricted = v.Restricted
			r.PDFName = v.PDFName
		}
	}
	r.Progress.Task = ""
	r.Progress.Transferred = 0
	r.Progress.Total = 0
}

func errorInfo(err error) *ErrorInfo {
	var dlErr *download.Error
	if errors.As(err, &dlErr) {
		return &ErrorInfo{Code: dlErr.Code, Message: dlErr.Error()}
	}
	var pdfErr *pdf.Error
	if errors.As(err, &pdfErr) {
		return &ErrorInfo{Code: pdfErr.Code, Message: pdfErr.Error()}
	}
	return &ErrorInfo{Code: "INTERNAL_ERROR", Message: err.Error()}
}

// Pause はジョブを一時停止します。
func (m *Manager) Pause(jobID string) error {
	job, ok := m.runner.Get(jobID)
	if !ok {
		return ErrNotRunning
	}
	job.Pause()
	return nil
}

// Resume は一時停止したジョブを再開します。
func (m *Manager) Resume(jobID string) error {
	job, ok := m.runner.Get(jobID)
	if !ok {
		return ErrNotRunning
	}
	job.Resume()
	return nil
}

// Cancel はジョブをキャンセルします。
func (m *Manager) Cancel(jobID string) error {
	job, ok := m.runner.Get(jobID)
	if !ok {
		return ErrNotRunning
	}
	job.Cancel()
	return nil
}

// Get はジョブ記録と、実行中であれば現在のスナップショットを返します。
func (m *Manager) Get(ctx context.Context, jobID string) (*Record, *asyncjobs.Snapshot, error) {
	rec, err := m.store.Get(ctx, jobID)
	if err != nil {
		return nil, nil, err
	}
	if job, ok := m.runner.Get(jobID); ok {
		snap := job.Snapshot()
		return rec, &snap, nil
	}
	return rec, nil, nil
}

// Logs はジョブのログ行を返します。
func (m *Manager) Logs(ctx context.Context, jobID string) ([]string, error) {
	if _, err := m.store.Get(ctx, jobID); err != nil {
		return nil, err
	}
	return m.store.Logs(ctx, jobID)
}

// RequestPDF は完了済みのダウンロードジョブについて PDF の組み立てを依頼します。
func (m *Manager) RequestPDF(ctx context.Context, jobID string) (*Record, error) {
	var (
		updated  *Record
		inFlight bool
	)
	err := m.store.Update(ctx, jobID, func(r *Record) {
		if r.Kind != KindDownload || r.Status != StatusSucceeded || len(r.Images) == 0 {
			return
		}
		updated = r
		if r.PDF != nil && (r.PDF.Status == StatusQueued || r.PDF.Status == StatusRunning) {
			inFlight = true
			return
		}
		r.PDF = &PDFInfo{Status: StatusQueued, Progress: ProgressInfo{Stage: "queued"}}
	})
	if err != nil {
		return nil, err
	}
	if updated == nil {
		return nil, ErrNotReady
	}
	if inFlight {
		return updated, nil
	}

	if m.queue != nil {
		if err := m.queue.EnqueuePDF(ctx, jobID); err != nil {
			_ = m.store.Update(ctx, jobID, func(r *Record) {
				r.PDF = &PDFInfo{Status: StatusFailed, Error: &ErrorInfo{Code: "QUEUE_ERROR", Message: err.Error()}}
			})
			return nil, err
		}
		return updated, nil
	}

	m.waiters.Add(1)
	go func() {
		defer m.waiters.Done()
		if err := m.AssemblePDF(context.Background(), jobID); err != nil {
			m.logger.Warn("pdf assembly failed", zap.String("job", jobID), zap.Error(err))
		}
	}()
	return updated, nil
}

// AssemblePDF はジョブの画像から PDF を作成して記録を更新します。Asynq のハンドラーから呼ばれます。
func (m *Manager) AssemblePDF(ctx context.Context, jobID string) error {
	rec, err := m.store.Get(ctx, jobID)
	if err != nil {
		return err
	}
	if len(rec.Images) == 0 || rec.Dir == "" {
		return ErrNotReady
	}
	if err := m.store.Update(ctx, jobID, func(r *Record) {
		r.PDF = &PDFInfo{Status: StatusRunning, Progress: ProgressInfo{Stage: "load"}}
	}); err != nil {
		return err
	}

	name := rec.PDFName
	if name == "" {
		name = "book.pdf"
	}
	out := filepath.Join(rec.Dir, name)
	result, err := m.assembler.Assemble(ctx, rec.Images, out, func(stage string, percent int) {
		if uerr := m.store.Update(ctx, jobID, func(r *Record) {
			if r.PDF != nil {
				r.PDF.Progress = ProgressInfo{Stage: stage, Percent: percent}
			}
		}); uerr != nil {
			m.logger.Warn("failed to update pdf progress", zap.String("job", jobID), zap.Error(uerr))
		}
	})
	if err != nil {
		m.metrics.PDF(string(StatusFailed))
		if uerr := m.store.Update(ctx, jobID, func(r *Record) {
			r.PDF = &PDFInfo{Status: StatusFailed, Error: errorInfo(err)}
		}); uerr != nil {
			return fmt.Errorf("%w (record update failed: %v)", err, uerr)
		}
		return err
	}

	m.metrics.PDF(string(StatusSucceeded))
	_ = m.store.AppendLog(ctx, jobID, formatLog(fmt.Sprintf("PDF written: %s", result.Path)))
	return m.store.Update(ctx, jobID, func(r *Record) {
		r.PDF = &PDFInfo{
			Status:   StatusSucceeded,
			Progress: ProgressInfo{Stage: "completed", Percent: 100},
			Path:     result.Path,
			Filename: result.Filename,
			Pages:    result.Pages,
			Size:     result.Size,
		}
	})
}

// Shutdown は実行中のジョブをキャンセルし、記録の書き込みが終わるのを待ちます。
func (m *Manager) Shutdown(ctx context.Context) error {
	m.runner.Close()

	finished := make(chan struct{})
	go func() {
		m.waiters.Wait()
		_ = m.writer.Do(ctx, func() {})
		close(finished)
	}()

	select {
	case <-finished:
	case <-ctx.Done():
		m.writer.Close()
		return ctx.Err()
	}
	m.writer.Close()
	return nil
}

// persist は Store への書き込みを writer Loop に積みます。呼び出し元をブロックしません。
func (m *Manager) persist(fn func(ctx context.Context) error) {
	m.persistThen(fn, nil)
}

func (m *Manager) persistThen(fn func(ctx context.Context) error, then func()) {
	posted := m.writer.Post(func() {
		ctx, cancel := context.WithTimeout(context.Background(), storeTimeout)
		defer cancel()
		if err := fn(ctx); err != nil {
			m.logger.Warn("failed to persist job record", zap.Error(err))
		}
		if then != nil {
			then()
		}
	})
	if !posted && then != nil {
		then()
	}
}
