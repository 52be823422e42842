// Package logging builds the process logger from [config.Log].
package logging

import (
	"fmt"
	"io"
	"os"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/tianyk/beansdb-research/internal/config"
)

// New returns a logger writing to stderr, or to a rotating file when
// cfg.File is set. The returned close func flushes and releases the sink.
func New(cfg config.Log, stderr io.Writer) (*zap.Logger, func() error, error) {
	level, err := zapcore.ParseLevel(cfg.Level)
	if err != nil {
		return nil, nil, fmt.Errorf("log level: %w", err)
	}

	if stderr == nil {
		stderr = os.Stderr
	}

	var (
		enc    zapcore.Encoder
		sink   zapcore.WriteSyncer
		closer io.Closer
	)

	if cfg.File == "" {
		ec := zap.NewDevelopmentEncoderConfig()
		ec.EncodeTime = zapcore.ISO8601TimeEncoder
		enc = zapcore.NewConsoleEncoder(ec)
		sink = zapcore.Lock(zapcore.AddSync(stderr))
	} else {
		rotator := &lumberjack.Logger{
			Filename:   cfg.File,
			MaxSize:    cfg.MaxSizeMB,
			MaxBackups: cfg.MaxBackups,
			MaxAge:     cfg.MaxAgeDays,
			Compress:   cfg.Compress,
		}

		ec := zap.NewProductionEncoderConfig()
		ec.EncodeTime = zapcore.ISO8601TimeEncoder
		enc = zapcore.NewJSONEncoder(ec)
		sink = zapcore.AddSync(rotator)
		closer = rotator
	}

	logger := zap.New(zapcore.NewCore(enc, sink, level), zap.AddCaller())

	closeFn := func() error {
		_ = logger.Sync()

		if closer != nil {
			return closer.Close()
		}

		return nil
	}

	return logger, closeFn, nil
}
