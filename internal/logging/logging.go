// Package logging builds the zap loggers shared by the binaries.
package logging

import (
	"fmt"
	"strings"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// New returns a production JSON logger for mode "release" and a colored
// development logger otherwise. An empty level keeps the flavor's default.
func New(mode, level string) (*zap.Logger, error) {
	var config zap.Config

	if mode == "release" {
		config = zap.NewProductionConfig()
	} else {
		config = zap.NewDevelopmentConfig()
		config.EncoderConfig.EncodeLevel = zapcore.CapitalColorLevelEncoder
	}

	if level = strings.TrimSpace(level); level != "" {
		lvl, err := zapcore.ParseLevel(level)
		if err != nil {
			return nil, fmt.Errorf("invalid log level %q: %w", level, err)
		}
		config.Level = zap.NewAtomicLevelAt(lvl)
	}

	return config.Build()
}

// Sync flushes l, ignoring the errors stderr reports on some platforms
func Sync(l *zap.Logger) {
	if l != nil {
		_ = l.Sync()
	}
}
