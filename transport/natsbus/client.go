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

// Client is the router end: requests go to the task subject with this client's
// inbox as the reply subject, so progress and results all land on one subscription.
type Client struct {
	nc        *nats.Conn
	subject   string
	inbox     string
	sub       *nats.Subscription
	responses chan protocol.Envelope
	done      chan struct{}
	closeOnce sync.Once
	logger    *slog.Logger
}

// Dial subscribes a fresh inbox for responses to requests sent on subject.
func Dial(nc *nats.Conn, subject string, opts ...Option) (*Client, error) {
	if nc == nil {
		return nil, fmt.Errorf("NATS connection required")
	}
	o := buildOptions(opts)

	c := &Client{
		nc:        nc,
		subject:   subject,
		inbox:     nats.NewInbox(),
		responses: make(chan protocol.Envelope, o.buffer),
		done:      make(chan struct{}),
		logger:    o.logger,
	}

	sub, err := nc.Subscribe(c.inbox, c.handle)
	if err != nil {
		return nil, fmt.Errorf("subscribe inbox: %w", err)
	}
	c.sub = sub
	return c, nil
}

func (c *Client) handle(msg *nats.Msg) {
	env, err := protocol.Decode(msg.Data)
	if err != nil {
		c.logger.Warn("Dropping unreadable response", "error", err)
		return
	}
	select {
	case c.responses <- env:
	case <-c.done:
	}
}

// Send implements transport.ClientConn.
func (c *Client) Send(_ context.Context, env protocol.Envelope) error {
	if c.closed() || c.nc.IsClosed() {
		return transport.ErrClosed
	}
	data, err := protocol.Encode(env)
	if err != nil {
		return err
	}
	if err := c.nc.PublishRequest(c.subject, c.inbox, data); err != nil {
		return fmt.Errorf("publish %s: %w", c.subject, err)
	}
	return nil
}

// Receive implements transport.ClientConn.
func (c *Client) Receive(ctx context.Context) (protocol.Envelope, error) {
	select {
	case env := <-c.responses:
		return env, nil
	case <-c.done:
		return protocol.Envelope{}, transport.ErrClosed
	case <-ctx.Done():
		return protocol.Envelope{}, ctx.Err()
	}
}

// Close unsubscribes the inbox.
func (c *Client) Close() error {
	var err error
	c.closeOnce.Do(func() {
		close(c.done)
		err = c.sub.Unsubscribe()
	})
	return err
}

func (c *Client) closed() bool {
	select {
	case <-c.done:
		return true
	default:
		return false
	}
}
