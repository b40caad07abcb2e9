// Package main はAPIサーバーのエントリーポイントです。
package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/yourusername/page-forge/internal/auth"
	"github.com/yourusername/page-forge/internal/config"
	"github.com/yourusername/page-forge/internal/jobs"
	"github.com/yourusername/page-forge/internal/logging"
)

const shutdownTimeout = 15 * time.Second

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run() error {
	// 設定の読み込み
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	logger, err := logging.New(cfg.LogMode)
	if err != nil {
		return err
	}
	defer func() { _ = logger.Sync() }()

	gin.SetMode(cfg.GinMode)

	svc, err := setupJobs(cfg, logger)
	if err != nil {
		return fmt.Errorf("failed to set up jobs: %w", err)
	}

	authManager := auth.NewManager(cfg, logger)
	if !authManager.Enabled() {
		logger.Warn("authentication is disabled; set APP_USERNAME, APP_PASSWORD_HASH and SESSION_SECRET to enable it")
	}

	router := gin.New()
	router.Use(gin.Recovery(), accessLog(logger))
	router.Use(authManager.Sessions(cfg.GinMode == gin.ReleaseMode))
	router.Use(cors.New(corsConfig(cfg)))
	setupRoutes(router, authManager, svc)

	srv := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	serveErr := make(chan error, 1)
	go func() {
		logger.Info("starting API server", zap.String("addr", srv.Addr), zap.String("mode", cfg.GinMode))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
		close(serveErr)
	}()

	select {
	case err := <-serveErr:
		if err != nil {
			svc.close(context.Background())
			return fmt.Errorf("failed to start server: %w", err)
		}
	case <-ctx.Done():
	}

	logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Warn("http server shutdown failed", zap.Error(err))
	}
	svc.close(shutdownCtx)
	return nil
}

func corsConfig(cfg *config.Config) cors.Config {
	c := cors.DefaultConfig()
	origins := strings.Split(cfg.CORSAllowedOrigins, ",")
	for i := range origins {
		origins[i] = strings.TrimSpace(origins[i])
	}
	c.AllowOrigins = origins
	c.AllowCredentials = true
	c.AllowHeaders = []string{
		"Origin",
		"Content-Type",
		"Accept",
		"Authorization",
		auth.CSRFHeader,
	}
	// フロントエンドがレスポンスヘッダーから CSRF トークンとジョブ ID を読み取れるように公開
	c.ExposeHeaders = []string{auth.CSRFHeader, "X-Job-Id", "Content-Disposition"}
	return c
}

// handleHealth はヘルスチェックエンドポイントのハンドラーです。
func handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":  "ok",
		"service": "page-forge-api",
		"version": "0.1.0",
	})
}

// setupRoutes は API グループと認証周りの配線を行います。
func setupRoutes(router *gin.Engine, authManager *auth.Manager, svc *jobService) {
	router.GET("/health", handleHealth)
	router.GET("/metrics", gin.WrapH(svc.metrics.Handler()))

	api := router.Group("/api")
	authManager.RegisterRoutes(api)

	protected := api.Group("", authManager.Protect()...)
	jobs.RegisterRoutes(protected, svc.manager)
}

// accessLog はリクエストごとに 1 行のアクセスログを出力するミドルウェアです。
func accessLog(logger *zap.Logger) gin.HandlerFunc {
	logger = logger.Named("http")
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		fields := []zap.Field{
			zap.String("method", c.Request.Method),
			zap.String("path", c.FullPath()),
			zap.Int("status", c.Writer.Status()),
			zap.Duration("latency", time.Since(start)),
			zap.String("ip", c.ClientIP()),
		}
		switch {
		case c.Writer.Status() >= http.StatusInternalServerError:
			logger.Error("request", fields...)
		case len(c.Errors) > 0:
			logger.Warn("request", append(fields, zap.String("errors", c.Errors.String()))...)
		default:
			logger.Debug("request", fields...)
		}
	}
}
