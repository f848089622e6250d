package natsbus

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/c360studio/semstreams/natsclient"
	"github.com/c360studio/semstreams/pkg/retry"
	"github.com/google/uuid"
	"github.com/nats-io/nats.go"

	"github.com/c360studio/lexitask/protocol"
	"github.com/c360studio/lexitask/transport"
)

// pingTimeout bounds one worker ping.
const pingTimeout = 2 * time.Second

// Starter reaches the worker pool over NATS. Starting means confirming that some
// worker answers on the subject, then opening a response inbox.
type Starter struct {
	client  *natsclient.Client
	subject string
	opts    []Option
	logger  *slog.Logger
}

// NewStarter creates a starter for workers listening on subject.
func NewStarter(client *natsclient.Client, subject string, opts ...Option) *Starter {
	return &Starter{
		client:  client,
		subject: subject,
		opts:    opts,
		logger:  buildOptions(opts).logger,
	}
}

// Start implements transport.Starter.
func (s *Starter) Start(ctx context.Context) (transport.ClientConn, error) {
	nc := s.client.GetConnection()
	if nc == nil {
		return nil, fmt.Errorf("NATS not connected")
	}

	if err := s.ping(ctx, nc); err != nil {
		return nil, err
	}
	return Dial(nc, s.subject, s.opts...)
}

// ping sends an admin stats request and waits for any worker to answer.
func (s *Starter) ping(ctx context.Context, nc *nats.Conn) error {
	data, err := protocol.Encode(protocol.NewAdmin(uuid.New().String(), protocol.AdminRequest{Command: protocol.AdminStats}))
	if err != nil {
		return err
	}

	return retry.Do(ctx, retry.DefaultConfig(), func() error {
		pingCtx, cancel := context.WithTimeout(ctx, pingTimeout)
		defer cancel()

		msg, err := nc.RequestWithContext(pingCtx, s.subject, data)
		if err != nil {
			if errors.Is(err, nats.ErrConnectionClosed) {
				return retry.NonRetryable(err)
			}
			s.logger.Debug("Worker ping failed", "subject", s.subject, "error", err)
			return fmt.Errorf("ping workers on %s: %w", s.subject, err)
		}

		env, err := protocol.Decode(msg.Data)
		if err != nil {
			return retry.NonRetryable(fmt.Errorf("unreadable ping reply: %w", err))
		}
		if env.Type != protocol.TypeAdminResult {
			return retry.NonRetryable(fmt.Errorf("unexpected ping reply %s", env.Type))
		}
		return nil
	})
}
