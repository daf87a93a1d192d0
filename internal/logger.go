package internal

import (
	"go.uber.org/zap"
)

// NewLogger builds the process logger for the configured environment
// (Config.Env). Unknown values fall back to a quiet development logger,
// stack traces off, so test output stays readable.
func NewLogger(env string) (*zap.Logger, error) {
	switch env {
	case "prod", "production":
		return zap.NewProduction()
	case "dev", "development":
		return zap.NewDevelopment()
	}

	cfg := zap.NewDevelopmentConfig()
	cfg.DisableStacktrace = true
	return cfg.Build()
}
