// Package logging sets up the structured engine log.
//
// The engine writes human-facing progress to the console separately; this
// log is the JSON record of what every component did, kept under the state
// directory next to the artifact bundles.
package logging

import (
	"fmt"
	"os"
	"path/filepath"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Options controls logger construction.
type Options struct {
	// Dir is the state directory; the log file is Dir/logs/engine.log.
	// Empty Dir logs to stderr only.
	Dir string
	// Level is a zap level name ("debug", "info", ...). Empty means info.
	Level string
	// Console also mirrors entries to stderr in console format.
	Console bool
}

// New builds the engine logger. The returned close function flushes and
// releases the log file.
func New(opts Options) (*zap.Logger, func() error, error) {
	level := zapcore.InfoLevel
	if opts.Level != "" {
		parsed, err := zapcore.ParseLevel(opts.Level)
		if err != nil {
			return nil, nil, fmt.Errorf("parsing log level %q: %w", opts.Level, err)
		}
		level = parsed
	}

	encoderCfg := zap.NewProductionEncoderConfig()
	encoderCfg.TimeKey = "ts"
	encoderCfg.EncodeTime = zapcore.ISO8601TimeEncoder

	var cores []zapcore.Core
	closeFn := func() error { return nil }

	if opts.Dir != "" {
		logDir := filepath.Join(opts.Dir, "logs")
		if err := os.MkdirAll(logDir, 0o755); err != nil {
			return nil, nil, fmt.Errorf("creating log directory: %w", err)
		}
		f, err := os.OpenFile(filepath.Join(logDir, "engine.log"),
			os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			return nil, nil, fmt.Errorf("opening engine log: %w", err)
		}
		cores = append(cores, zapcore.NewCore(
			zapcore.NewJSONEncoder(encoderCfg), zapcore.AddSync(f), level))
		closeFn = f.Close
	}

	if opts.Console || opts.Dir == "" {
		cores = append(cores, zapcore.NewCore(
			zapcore.NewConsoleEncoder(encoderCfg), zapcore.AddSync(os.Stderr), level))
	}

	logger := zap.New(zapcore.NewTee(cores...))
	closer := func() error {
		_ = logger.Sync()
		return closeFn()
	}
	return logger, closer, nil
}
