package executor

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/c360studio/lexitask/transport"
)

// Factory builds a fresh worker. It runs each time the router (re)starts the worker context.
type Factory func(ctx context.Context) (*Worker, error)

// InProcess returns a starter that runs each worker in a goroutine behind a Pipe.
// The worker is closed, destroying its adapters, once the pipe closes.
func InProcess(factory Factory, logger *slog.Logger) transport.Starter {
	if logger == nil {
		logger = slog.Default()
	}
	return transport.StarterFunc(func(ctx context.Context) (transport.ClientConn, error) {
		w, err := factory(ctx)
		if err != nil {
			return nil, fmt.Errorf("build worker: %w", err)
		}

		client, server := transport.Pipe(transport.DefaultPipeBuffer)
		go func() {
			// Serve outlives the ctx of the submit that started it.
			if err := w.Serve(context.Background(), server); err != nil {
				logger.Warn("Worker stopped with error", "error", err)
			}
			if err := w.Close(); err != nil {
				logger.Warn("Worker close failed", "error", err)
			}
			server.Close()
		}()
		return client, nil
	})
}
