package logging

import (
	"go.uber.org/zap"

	"github.com/lokutor-ai/lokutor-call/pkg/orchestrator"
)

// Logger adapts a zap SugaredLogger to orchestrator.Logger.
type Logger struct {
	*zap.SugaredLogger
}

var _ orchestrator.Logger = (*Logger)(nil)

// Build returns a console logger in debug mode and a JSON logger otherwise.
// An empty output writes to stderr.
func Build(debug bool, output string) (*Logger, error) {
	var cfg zap.Config
	if debug {
		cfg = zap.NewDevelopmentConfig()
		cfg.EncoderConfig.TimeKey = "time"
	} else {
		cfg = zap.NewProductionConfig()
		cfg.EncoderConfig.TimeKey = "timestamp"
		cfg.Encoding = "json"
	}
	cfg.EncoderConfig.LevelKey = "level"
	cfg.EncoderConfig.MessageKey = "msg"
	cfg.EncoderConfig.CallerKey = "caller"
	if output != "" {
		cfg.OutputPaths = []string{output}
	}

	logger, err := cfg.Build(zap.AddCaller(), zap.AddCallerSkip(1))
	if err != nil {
		return nil, err
	}
	return &Logger{logger.Sugar()}, nil
}

func New(l *zap.Logger) *Logger {
	return &Logger{l.WithOptions(zap.AddCallerSkip(1)).Sugar()}
}

func (l *Logger) Debug(msg string, args ...interface{}) { l.Debugw(msg, args...) }
func (l *Logger) Info(msg string, args ...interface{})  { l.Infow(msg, args...) }
func (l *Logger) Warn(msg string, args ...interface{})  { l.Warnw(msg, args...) }
func (l *Logger) Error(msg string, args ...interface{}) { l.Errorw(msg, args...) }

// Close flushes buffered entries.
func (l *Logger) Close() error {
	return l.Sync()
}
