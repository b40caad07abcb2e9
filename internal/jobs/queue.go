package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/hibiken/asynq"
	"go.uber.org/zap"
)

const (
	// TaskTypePDF は PDF 組み立てタスクの種別です。
	TaskTypePDF = "book:pdf"

	pdfQueue = "pdf"
)

// Queue は PDF 組み立てを非同期に実行するキューです。
type Queue interface {
	EnqueuePDF(ctx context.Context, jobID string) error
}

// PDFPayload は PDF 組み立てタスクのペイロードです。
type PDFPayload struct {
	JobID string `json:"jobId"`
}

// AsynqQueue は Redis 上の Asynq キューです。
type AsynqQueue struct {
	client *asynq.Client
	server *asynq.Server
	mux    *asynq.ServeMux
	logger *zap.Logger
}

// NewAsynqQueue は redisURL に接続する AsynqQueue を作成します。
func NewAsynqQueue(redisURL string, concurrency int, logger *zap.Logger) (*AsynqQueue, error) {
	opt, err := asynq.ParseRedisURI(redisURL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse redis url: %w", err)
	}
	if concurrency <= 0 {
		concurrency = 1
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	client := asynq.NewClient(opt)
	server := asynq.NewServer(
		opt,
		asynq.Config{
			Concurrency: concurrency,
			Queues: map[string]int{
				pdfQueue: 1,
			},
			Logger: logger.Sugar(),
		},
	)
	return &AsynqQueue{
		client: client,
		server: server,
		mux:    asynq.NewServeMux(),
		logger: logger,
	}, nil
}

// Start は assemble を PDF タスクのハンドラーとして登録し、ワーカーをバックグラウンドで起動します。
func (q *AsynqQueue) Start(assemble func(ctx context.Context, jobID string) error) {
	q.mux.HandleFunc(TaskTypePDF, pdfHandler(assemble))

	go func() {
		if err := q.server.Run(q.mux); err != nil && !errors.Is(err, asynq.ErrServerClosed) {
			q.logger.Error("asynq server stopped with error", zap.Error(err))
		}
	}()
}

func pdfHandler(assemble func(ctx context.Context, jobID string) error) asynq.HandlerFunc {
	return func(ctx context.Context, task *asynq.Task) error {
		var payload PDFPayload
		if err := json.Unmarshal(task.Payload(), &payload); err != nil {
			return fmt.Errorf("invalid payload: %v: %w", err, asynq.SkipRetry)
		}
		if payload.JobID == "" {
			return fmt.Errorf("missing jobId in payload: %w", asynq.SkipRetry)
		}
		return assemble(ctx, payload.JobID)
	}
}

// EnqueuePDF は PDF 組み立てタスクを投入します。
func (q *AsynqQueue) EnqueuePDF(ctx context.Context, jobID string) error {
	if jobID == "" {
		return fmt.Errorf("jobID is required")
	}
	body, err := json.Marshal(&PDFPayload{JobID: jobID})
	if err != nil {
		return err
	}
	task := asynq.NewTask(TaskTypePDF, body, asynq.Queue(pdfQueue))
	info, err := q.client.EnqueueContext(ctx, task, asynq.MaxRetry(1))
	if err != nil {
		return err
	}
	q.logger.Debug("pdf task enqueued", zap.String("job", jobID), zap.String("task", info.ID))
	return nil
}

// Shutdown はサーバーとクライアントを閉じます。
func (q *AsynqQueue) Shutdown() {
	q.server.Shutdown()
	if err := q.client.Close(); err != nil {
		q.logger.Warn("failed to close asynq client", zap.Error(err))
	}
}
