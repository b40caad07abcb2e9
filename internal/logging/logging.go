// Package logging は zap ロガーの生成を提供します。
package logging

import (
	"fmt"
	"strings"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Mode はロガーの出力形式です。
const (
	ModeDevelopment = "development"
	ModeProduction  = "production"
	ModeQuiet       = "quiet"
)

// New は mode に応じたロガーを作成します。
func New(mode string) (*zap.Logger, error) {
	switch strings.ToLower(strings.TrimSpace(mode)) {
	case "", ModeDevelopment:
		cfg := zap.NewDevelopmentConfig()
		cfg.EncoderConfig.EncodeLevel = zapcore.CapitalColorLevelEncoder
		return cfg.Build()
	case ModeProduction:
		return zap.NewProduction()
	case ModeQuiet:
		// CLI の -q 用。エラーのみ出力する
		cfg := zap.NewProductionConfig()
		cfg.Level = zap.NewAtomicLevelAt(zap.ErrorLevel)
		cfg.Encoding = "console"
		return cfg.Build()
	default:
		return nil, fmt.Errorf("unknown log mode: %q", mode)
	}
}

// Must は New の結果を返し、失敗した場合は panic します。
func Must(mode string) *zap.Logger {
	logger, err := New(mode)
	if err != nil {
		panic(err)
	}
	return logger
}
