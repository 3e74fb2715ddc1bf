package logging

import (
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Format selects the console (development) or JSON (production) encoder.
type Format string

const (
	FormatConsole Format = "console"
	FormatJSON    Format = "json"
)

// New builds a zap.Logger for the given format and level name
// ("debug", "info", "warn", "error"). An unrecognised level defaults to info.
func New(format Format, level string) (*zap.Logger, error) {
	var cfg zap.Config
	if format == FormatJSON {
		cfg = zap.NewProductionConfig()
	} else {
		cfg = zap.NewDevelopmentConfig()
	}

	var lvl zapcore.Level
	if err := lvl.UnmarshalText([]byte(level)); err != nil {
		lvl = zapcore.InfoLevel
	}
	cfg.Level = zap.NewAtomicLevelAt(lvl)

	return cfg.Build()
}

// With attaches a Fields set to a logger, returning a child logger.
func With(logger *zap.Logger, fields Fields) *zap.Logger {
	return logger.With(fields.ToZap()...)
}
