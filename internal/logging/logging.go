// Package logging builds the zap loggers shared by the API and worker binaries.
package logging

import (
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Standard field names for structured logs.
const (
	FieldJobID     = "job_id"
	FieldStep      = "step"
	FieldComponent = "component"
	FieldWorkerID  = "worker_id"
	FieldAttempt   = "attempt"
	FieldRegion    = "region"
	FieldVersion   = "version"
	FieldImageID   = "image_id"
	FieldStatus    = "status"
	FieldSource    = "source"
)

// New returns a JSON production logger, or a console development logger when env is "dev".
func New(env, level string) (*zap.Logger, error) {
	var cfg zap.Config
	if env == "dev" {
		cfg = zap.NewDevelopmentConfig()
		cfg.EncoderConfig.EncodeLevel = zapcore.CapitalColorLevelEncoder
	} else {
		cfg = zap.NewProductionConfig()
		cfg.EncoderConfig.TimeKey = "ts"
		cfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	}
	lvl, err := zapcore.ParseLevel(level)
	if err != nil {
		lvl = zapcore.InfoLevel
	}
	cfg.Level = zap.NewAtomicLevelAt(lvl)
	return cfg.Build()
}

// Component returns a child logger tagged with the component name.
func Component(l *zap.Logger, name string) *zap.Logger {
	if l == nil {
		l = zap.NewNop()
	}
	return l.With(zap.String(FieldComponent, name))
}
