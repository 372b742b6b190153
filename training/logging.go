package training

import (
	"fmt"
	"os"
	"path/filepath"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// NewSessionLogger builds the session logger: human-readable output on
// stdout, mirrored to log.txt inside the experiment directory so that
// resumed runs append to the same history. The returned function flushes
// and closes the log file.
func NewSessionLogger(dir string) (*zap.SugaredLogger, func(), error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, nil, fmt.Errorf("failed to create experiment directory %s: %v", dir, err)
	}
	logFile, err := os.OpenFile(filepath.Join(dir, "log.txt"), os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to open log file: %v", err)
	}

	encoderConfig := zap.NewDevelopmentEncoderConfig()
	encoderConfig.EncodeLevel = zapcore.CapitalLevelEncoder
	encoder := zapcore.NewConsoleEncoder(encoderConfig)

	core := zapcore.NewTee(
		zapcore.NewCore(encoder, zapcore.AddSync(os.Stdout), zapcore.InfoLevel),
		zapcore.NewCore(encoder, zapcore.AddSync(logFile), zapcore.InfoLevel),
	)
	logger := zap.New(core)

	cleanup := func() {
		_ = logger.Sync()
		_ = logFile.Close()
	}
	return logger.Sugar(), cleanup, nil
}
