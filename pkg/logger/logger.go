package logger

import (
	"context"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// New returns a production-friendly structured logger.
// local/dev get a human-readable console encoder at debug level.
func New(appEnv string) *zap.Logger {
	var cfg zap.Config
	if appEnv == "local" || appEnv == "dev" {
		cfg = zap.NewDevelopmentConfig()
		cfg.EncoderConfig.EncodeLevel = zapcore.CapitalColorLevelEncoder
	} else {
		cfg = zap.NewProductionConfig()
		cfg.EncoderConfig.TimeKey = "timestamp"
		cfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
		cfg.DisableStacktrace = true
	}
	cfg.OutputPaths = []string{"stdout"}
	cfg.ErrorOutputPaths = []string{"stderr"}

	l, err := cfg.Build(zap.AddCaller())
	if err != nil {
		// Building from a stock config only fails on bad output paths.
		return zap.NewExample()
	}
	return l.With(zap.String("env", appEnv))
}

type ctxKey struct{}

// With stores a logger in context.
func With(ctx context.Context, l *zap.Logger) context.Context {
	return context.WithValue(ctx, ctxKey{}, l)
}

// From gets a logger from context, falling back to the global zap logger.
func From(ctx context.Context) *zap.Logger {
	if v := ctx.Value(ctxKey{}); v != nil {
		if l, ok := v.(*zap.Logger); ok && l != nil {
			return l
		}
	}
	return zap.L()
}

// OrNop returns l, or a no-op logger when l is nil.
func OrNop(l *zap.Logger) *zap.Logger {
	if l == nil {
		return zap.NewNop()
	}
	return l
}

// ShutdownFlush flushes buffered entries, giving up after timeout.
func ShutdownFlush(ctx context.Context, l *zap.Logger, timeout time.Duration) error {
	if l == nil {
		return nil
	}
	done := make(chan error, 1)
	go func() { done <- l.Sync() }()

	t := time.NewTimer(timeout)
	defer t.Stop()
	select {
	case err := <-done:
		return err
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
