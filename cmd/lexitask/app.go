package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"

	"github.com/c360studio/lexitask/cache"
	"github.com/c360studio/lexitask/config"
	"github.com/c360studio/lexitask/executor"
	"github.com/c360studio/lexitask/fallback"
	"github.com/c360studio/lexitask/provider"
	"github.com/c360studio/lexitask/telemetry"
)

// globalOptions holds the persistent flags.
type globalOptions struct {
	configPath string
	logLevel   string
}

// app is what every command starts from: the loaded config and a logger whose
// level can change at runtime.
type app struct {
	cfg    *config.Config
	files  []string
	level  *slog.LevelVar
	logger *slog.Logger
}

func newApp(opts *globalOptions, stderr io.Writer) (*app, error) {
	level := &slog.LevelVar{}
	logger := slog.New(slog.NewTextHandler(stderr, &slog.HandlerOptions{Level: level}))
	slog.SetDefault(logger)

	cfg, files, err := loadConfig(opts, logger)
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	level.Set(cfg.Level())

	return &app{cfg: cfg, files: files, level: level, logger: logger}, nil
}

// loadConfig reads an explicit file when given, else the layered lookup.
func loadConfig(opts *globalOptions, logger *slog.Logger) (*config.Config, []string, error) {
	var (
		cfg   *config.Config
		files []string
		err   error
	)
	if opts.configPath != "" {
		cfg, err = config.LoadFromFile(opts.configPath)
		if err != nil {
			return nil, nil, err
		}
		files = []string{opts.configPath}
	} else {
		loader := config.NewLoader(logger)
		cfg, err = loader.Load()
		if err != nil {
			return nil, nil, err
		}
		files = loader.Files()
	}

	if opts.logLevel != "" {
		cfg.LogLevel = opts.logLevel
	}
	if err := cfg.Validate(); err != nil {
		return nil, nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, files, nil
}

// workerDeps are the long-lived pieces a worker may share across restarts.
type workerDeps struct {
	cache     *cache.ResultCache
	telemetry *telemetry.Logger
}

// workerFactory builds workers from config. Each call gets fresh adapters, so a
// restarted worker never reuses a destroyed session.
func (a *app) workerFactory(deps workerDeps) executor.Factory {
	return func(ctx context.Context) (*executor.Worker, error) {
		registry, err := provider.NewRegistry(a.cfg.Adapters(provider.WithLogger(a.logger))...)
		if err != nil {
			return nil, err
		}

		plan := a.cfg.Plan()
		if err := plan.Validate(registry); err != nil {
			_ = registry.DestroyAll()
			return nil, fmt.Errorf("fallback plan: %w", err)
		}

		chain := fallback.New(registry, plan,
			fallback.WithLogger(a.logger),
			fallback.WithRetryConfig(a.cfg.RetryFunc()))

		opts := []executor.Option{
			executor.WithLogger(a.logger),
			executor.WithLevel(a.level),
		}
		if deps.cache != nil {
			opts = append(opts, executor.WithCache(deps.cache))
		} else {
			c, err := cache.New(a.cfg.Cache.Capacity)
			if err != nil {
				return nil, err
			}
			opts = append(opts, executor.WithCache(c))
		}
		if deps.telemetry != nil {
			opts = append(opts, executor.WithTelemetry(deps.telemetry))
		} else {
			opts = append(opts, executor.WithTelemetry(telemetry.New(a.cfg.Telemetry.Capacity,
				telemetry.WithLogger(a.logger),
				telemetry.WithVerbose(a.cfg.Telemetry.Verbose))))
		}
		return executor.New(chain, registry, opts...)
	}
}
