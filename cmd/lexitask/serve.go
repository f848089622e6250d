package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/c360studio/lexitask/cache"
	"github.com/c360studio/lexitask/config"
	"github.com/c360studio/lexitask/task"
	"github.com/c360studio/lexitask/telemetry"
	"github.com/c360studio/lexitask/transport/natsbus"
)

const shutdownTimeout = 30 * time.Second

func serveCmd(opts *globalOptions) *cobra.Command {
	var metricsAddr string

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run a task worker on NATS",
		Long: `Serve joins the worker queue group on the task subject and answers tasks
and debug commands until interrupted. Attempt telemetry is mirrored to a
JetStream KV bucket and Prometheus metrics are served on --metrics-addr.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp(opts, cmd.ErrOrStderr())
			if err != nil {
				return err
			}
			if cmd.Flags().Changed("metrics-addr") {
				a.cfg.Metrics.Addr = metricsAddr
			}

			ctx, cancel := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer cancel()
			return a.serve(ctx, opts)
		},
	}

	cmd.Flags().StringVar(&metricsAddr, "metrics-addr", "", "Prometheus listen address (empty disables)")
	return cmd
}

func (a *app) serve(ctx context.Context, opts *globalOptions) error {
	logger := a.logger

	client, err := natsbus.Connect(ctx, a.cfg.NATS.URL, appName+"-worker", logger)
	if err != nil {
		return err
	}
	defer client.Close(context.Background())

	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	metrics, err := telemetry.NewMetrics(reg)
	if err != nil {
		return err
	}

	telemetryOpts := []telemetry.Option{
		telemetry.WithLogger(logger),
		telemetry.WithMetrics(metrics),
		telemetry.WithVerbose(a.cfg.Telemetry.Verbose),
	}
	sink, err := telemetry.NewKVSink(ctx, client,
		telemetry.WithBucket(a.cfg.Telemetry.KVBucket),
		telemetry.WithTTL(a.cfg.Telemetry.KVTTL),
		telemetry.WithSinkLogger(logger))
	if err != nil {
		// Mirroring is optional; the in-memory log still works.
		logger.Warn("Failed to initialize telemetry KV sink", "error", err)
	} else {
		telemetryOpts = append(telemetryOpts, telemetry.WithSink(sink))
	}
	attempts := telemetry.New(a.cfg.Telemetry.Capacity, telemetryOpts...)

	results, err := cache.New(a.cfg.Cache.Capacity)
	if err != nil {
		return err
	}

	worker, err := a.workerFactory(workerDeps{cache: results, telemetry: attempts})(ctx)
	if err != nil {
		return err
	}
	defer func() {
		if err := worker.Close(); err != nil {
			logger.Warn("Worker close failed", "error", err)
		}
	}()

	server, err := natsbus.Listen(client.GetConnection(), a.cfg.NATS.Subject, a.cfg.NATS.Queue, natsbus.WithLogger(logger))
	if err != nil {
		return err
	}

	watcher, err := config.NewWatcher(a.files,
		func() (*config.Config, error) {
			cfg, _, err := loadConfig(opts, logger)
			return cfg, err
		},
		func(cfg *config.Config) {
			a.level.Set(cfg.Level())
			attempts.SetVerbose(cfg.Telemetry.Verbose)
		},
		config.WithWatcherLogger(logger))
	if err != nil {
		return fmt.Errorf("create config watcher: %w", err)
	}
	if len(a.files) > 0 {
		if err := watcher.Start(ctx); err != nil {
			logger.Warn("Config watcher disabled", "error", err)
		}
	}
	defer watcher.Stop()

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return worker.Serve(gctx, server)
	})
	g.Go(func() error {
		<-gctx.Done()
		return server.Close()
	})

	if addr := a.cfg.Metrics.Addr; addr != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
		mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
			if client.GetConnection() == nil {
				http.Error(w, "nats disconnected", http.StatusServiceUnavailable)
				return
			}
			w.Write([]byte("ok"))
		})
		httpServer := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}

		g.Go(func() error {
			logger.Info("Serving metrics", "addr", addr)
			if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("metrics server: %w", err)
			}
			return nil
		})
		g.Go(func() error {
			<-gctx.Done()
			shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
			defer cancel()
			return httpServer.Shutdown(shutdownCtx)
		})
	}

	logger.Info("Lexitask worker ready",
		"version", Version,
		"subject", a.cfg.NATS.Subject,
		"queue", a.cfg.NATS.Queue,
		"providers", a.cfg.Plan().For(task.KindTranslate))

	if err := g.Wait(); err != nil {
		return err
	}
	logger.Info("Lexitask worker shutdown complete")
	return nil
}
