package natsbus

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/nats-io/nats.go"

	"github.com/c360studio/lexitask/protocol"
	"github.com/c360studio/lexitask/transport"
)

// Server is the worker end: a queue subscription on the task subject.
type Server struct {
	nc         *nats.Conn
	sub        *nats.Subscription
	deliveries chan transport.Delivery
	done       chan struct{}
	closeOnce  sync.Once
	logger     *slog.Logger
}

// Option configures a Server or Client.
type Option func(*options)

type options struct {
	logger *slog.Logger
	buffer int
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(o *options) {
		o.logger = logger
	}
}

// WithBuffer sets the inbound queue depth.
func WithBuffer(n int) Option {
	return func(o *options) {
		if n > 0 {
			o.buffer = n
		}
	}
}

func buildOptions(opts []Option) options {
	o := options{logger: slog.Default(), buffer: 64}
	for _, opt := range opts {
		opt(&o)
	}
	return o
}

// Listen subscribes to subject in queue group queue.
func Listen(nc *nats.Conn, subject, queue string, opts ...Option) (*Server, error) {
	if nc == nil {
		return nil, fmt.Errorf("NATS connection required")
	}
	o := buildOptions(opts)

	s := &Server{
		nc:         nc,
		deliveries: make(chan transport.Delivery, o.buffer),
		done:       make(chan struct{}),
		logger:     o.logger,
	}

	sub, err := nc.QueueSubscribe(subject, queue, s.handle)
	if err != nil {
		return nil, fmt.Errorf("subscribe %s: %w", subject, err)
	}
	s.sub = sub

	s.logger.Info("Worker listening", "subject", subject, "queue", queue)
	return s, nil
}

func (s *Server) handle(msg *nats.Msg) {
	if msg.Reply == "" {
		s.logger.Debug("Dropping request without reply subject", "subject", msg.Subject)
		return
	}

	env, err := protocol.Decode(msg.Data)
	if err != nil && env.TaskID == "" {
		s.logger.Warn("Dropping unreadable request", "error", err)
		return
	}

	reply := msg.Reply
	d := transport.Delivery{
		Envelope: env,
		Err:      err,
		Reply: func(_ context.Context, resp protocol.Envelope) error {
			data, err := protocol.Encode(resp)
			if err != nil {
				return err
			}
			if s.nc.IsClosed() {
				return transport.ErrClosed
			}
			return s.nc.Publish(reply, data)
		},
	}

	select {
	case s.deliveries <- d:
	case <-s.done:
	}
}

// Accept implements transport.ServerConn.
func (s *Server) Accept(ctx context.Context) (transport.Delivery, error) {
	select {
	case d := <-s.deliveries:
		return d, nil
	case <-s.done:
		return transport.Delivery{}, transport.ErrClosed
	case <-ctx.Done():
		return transport.Delivery{}, ctx.Err()
	}
}

// Close unsubscribes. Requests already queued are dropped; routers time them out.
func (s *Server) Close() error {
	var err error
	s.closeOnce.Do(func() {
		close(s.done)
		if s.sub != nil {
			err = s.sub.Unsubscribe()
		}
	})
	return err
}
