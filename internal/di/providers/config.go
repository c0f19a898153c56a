// Package providers contains dependency injection providers for fsjournal.
package providers

import (
	"github.com/samber/do/v2"

	"github.com/listenupapp/fsjournal/internal/config"
	"github.com/listenupapp/fsjournal/internal/logger"
	"github.com/listenupapp/fsjournal/internal/ratelimit"
)

// ProvideLogger provides the structured logger.
func ProvideLogger(i do.Injector) (*logger.Logger, error) {
	cfg := do.MustInvoke[*config.Config](i)

	log := logger.New(logger.Config{
		Level:       logger.ParseLevel(cfg.Logger.Level),
		AddSource:   cfg.App.Environment == "development",
		Environment: cfg.App.Environment,
		File:        cfg.Logger.File,
	})

	log.Debug("logger ready",
		"environment", cfg.App.Environment,
		"log_level", cfg.Logger.Level,
		"log_file", cfg.Logger.File,
	)

	return log, nil
}

// ProvideWarnings provides the limiter that throttles repeated warnings:
// one per second per kind, with a small burst.
func ProvideWarnings(i do.Injector) (*ratelimit.KeyedRateLimiter, error) {
	return ratelimit.New(1, 3), nil
}
