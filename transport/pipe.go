package transport

import (
	"context"
	"sync"

	"github.com/c360studio/lexitask/protocol"
)

// DefaultPipeBuffer is the queue depth of each direction of a Pipe.
const DefaultPipeBuffer = 64

type pipe struct {
	requests  chan Delivery
	responses chan protocol.Envelope
	done      chan struct{}
	closeOnce sync.Once
}

// Pipe returns the two ends of an in-process connection. Closing either end
// closes both.
func Pipe(buffer int) (ClientConn, ServerConn) {
	if buffer <= 0 {
		buffer = DefaultPipeBuffer
	}
	p := &pipe{
		requests:  make(chan Delivery, buffer),
		responses: make(chan protocol.Envelope, buffer),
		done:      make(chan struct{}),
	}
	return &pipeClient{p}, &pipeServer{p}
}

func (p *pipe) close() error {
	p.closeOnce.Do(func() {
		close(p.done)
	})
	return nil
}

func (p *pipe) closed() bool {
	select {
	case <-p.done:
		return true
	default:
		return false
	}
}

func (p *pipe) reply(ctx context.Context, env protocol.Envelope) error {
	copied, err := roundTrip(env)
	if err != nil {
		return err
	}
	if p.closed() {
		return ErrClosed
	}
	select {
	case p.responses <- copied:
		return nil
	case <-p.done:
		return ErrClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

type pipeClient struct{ p *pipe }

func (c *pipeClient) Send(ctx context.Context, env protocol.Envelope) error {
	if c.p.closed() {
		return ErrClosed
	}

	// Serialize like any other transport; a request that cannot cross is the sender's problem.
	data, err := protocol.Encode(env)
	if err != nil {
		return err
	}
	decoded, decodeErr := protocol.Decode(data)
	d := Delivery{Envelope: decoded, Err: decodeErr, Reply: c.p.reply}

	select {
	case c.p.requests <- d:
		return nil
	case <-c.p.done:
		return ErrClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (c *pipeClient) Receive(ctx context.Context) (protocol.Envelope, error) {
	// Drain what the worker already sent before reporting the close.
	select {
	case env := <-c.p.responses:
		return env, nil
	default:
	}

	select {
	case env := <-c.p.responses:
		return env, nil
	case <-c.p.done:
		return protocol.Envelope{}, ErrClosed
	case <-ctx.Done():
		return protocol.Envelope{}, ctx.Err()
	}
}

func (c *pipeClient) Close() error {
	return c.p.close()
}

type pipeServer struct{ p *pipe }

func (s *pipeServer) Accept(ctx context.Context) (Delivery, error) {
	select {
	case d := <-s.p.requests:
		return d, nil
	case <-s.p.done:
		return Delivery{}, ErrClosed
	case <-ctx.Done():
		return Delivery{}, ctx.Err()
	}
}

func (s *pipeServer) Close() error {
	return s.p.close()
}
