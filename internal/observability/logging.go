package observability

import (
	"os"

	"github.com/sirupsen/logrus"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// NewLogger builds a JSON-formatted logrus logger writing to path (or
// stderr if path is empty), mirroring the teacher's
// HealthLogger JSON-to-file setup in core/system_health_logging.go.
func NewLogger(path, level string) (*logrus.Logger, error) {
	lg := logrus.New()
	lg.SetFormatter(&logrus.JSONFormatter{})

	lvl, err := logrus.ParseLevel(level)
	if err != nil {
		lvl = logrus.InfoLevel
	}
	lg.SetLevel(lvl)

	if path == "" {
		lg.SetOutput(os.Stderr)
		return lg, nil
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, err
	}
	lg.SetOutput(f)
	return lg, nil
}

// NewHotPathLogger builds a zap logger for the engine's invocation path,
// where logrus's reflection-based field formatting would add measurable
// overhead per host call. cmd/governanced builds one at startup; neither
// internal/engine nor internal/federation is handed it. This matches the
// teacher's use of zap alongside logrus rather than in place of it.
func NewHotPathLogger(level string) (*zap.Logger, error) {
	var zlvl zapcore.Level
	if err := zlvl.UnmarshalText([]byte(level)); err != nil {
		zlvl = zapcore.InfoLevel
	}
	cfg := zap.NewProductionConfig()
	cfg.Level = zap.NewAtomicLevelAt(zlvl)
	cfg.EncoderConfig.TimeKey = "ts"
	return cfg.Build()
}
