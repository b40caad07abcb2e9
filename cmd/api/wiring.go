package main

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/yourusername/page-forge/internal/asyncjobs"
	"github.com/yourusername/page-forge/internal/config"
	"github.com/yourusername/page-forge/internal/download"
	"github.com/yourusername/page-forge/internal/jobs"
	"github.com/yourusername/page-forge/internal/metrics"
	"github.com/yourusername/page-forge/internal/pdf"
	"github.com/yourusername/page-forge/internal/storage"
)

const (
	// pdfWorkers は PDF 組み立てワーカーの同時実行数です。
	pdfWorkers  = 1
	pingTimeout = 5 * time.Second
)

type jobService struct {
	manager *jobs.Manager
	metrics *metrics.Metrics
	queue   *jobs.AsynqQueue
	redis   *redis.Client
	loop    *asyncjobs.Loop
	stop    context.CancelFunc
	logger  *zap.Logger
}

func setupJobs(cfg *config.Config, logger *zap.Logger) (*jobService, error) {
	opt, err := redis.ParseURL(cfg.QueueRedisURL)
	if err != nil {
		return nil, fmt.Errorf("invalid QUEUE_REDIS_URL: %w", err)
	}
	rdb := redis.NewClient(opt)

	pingCtx, cancel := context.WithTimeout(context.Background(), pingTimeout)
	defer cancel()
	if err := rdb.Ping(pingCtx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}

	queue, err := jobs.NewAsynqQueue(cfg.QueueRedisURL, pdfWorkers, logger.Named("asynq"))
	if err != nil {
		_ = rdb.Close()
		return nil, err
	}

	loop := asyncjobs.NewLoop(logger.Named("loop"))
	loopCtx, stop := context.WithCancel(context.Background())
	loop.Start(loopCtx)

	runner := asyncjobs.NewRunner(loop, asyncjobs.Options{
		WorkerLimit: int64(cfg.WorkerLimit),
		Logger:      logger.Named("jobs"),
	})
	downloader := download.New(download.Config{
		UserAgent: cfg.UserAgent,
		Timeout:   cfg.HTTPTimeout(),
	}, storage.NewLocal(cfg.OutputDir))

	mtr := metrics.New()
	manager, err := jobs.NewManager(jobs.Options{
		Runner:     runner,
		Downloader: downloader,
		Assembler:  pdf.NewAssembler(),
		Store:      jobs.NewRedisStore(rdb, cfg.JobTTL()),
		Queue:      queue,
		Metrics:    mtr,
		Logger:     logger.Named("manager"),
	})
	if err != nil {
		stop()
		loop.Close()
		queue.Shutdown()
		_ = rdb.Close()
		return nil, err
	}
	queue.Start(manager.AssemblePDF)

	logger.Info("job service ready",
		zap.Int("workers", cfg.WorkerLimit),
		zap.String("output", cfg.OutputDir),
	)
	return &jobService{
		manager: manager,
		metrics: mtr,
		queue:   queue,
		redis:   rdb,
		loop:    loop,
		stop:    stop,
		logger:  logger,
	}, nil
}

// close は実行中のジョブを止め、キューと Redis 接続を閉じます。
func (s *jobService) close(ctx context.Context) {
	if err := s.manager.Shutdown(ctx); err != nil {
		s.logger.Warn("job manager shutdown incomplete", zap.Error(err))
	}
	s.queue.Shutdown()
	s.stop()
	s.loop.Close()
	if err := s.redis.Close(); err != nil {
		s.logger.Warn("failed to close redis client", zap.Error(err))
	}
}
