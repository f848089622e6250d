// Package transport carries protocol envelopes between the router and the worker.
// The two sides share nothing but the messages: every envelope is serialized on
// the way across, whether the worker runs in-process or behind NATS.
package transport

import (
	"context"
	"errors"

	"github.com/c360studio/lexitask/protocol"
)

// ErrClosed is returned once either end of a connection has been torn down.
var ErrClosed = errors.New("transport closed")

// ClientConn is the router's end of a connection.
type ClientConn interface {
	// Send delivers a request envelope to the worker.
	Send(ctx context.Context, env protocol.Envelope) error

	// Receive blocks for the next response envelope. It returns ErrClosed when the
	// worker side is gone.
	Receive(ctx context.Context) (protocol.Envelope, error)

	// Close tears down the connection.
	Close() error
}

// ServerConn is the worker's end of a connection.
type ServerConn interface {
	// Accept blocks for the next request. It returns ErrClosed when the connection
	// is gone.
	Accept(ctx context.Context) (Delivery, error)

	// Close tears down the connection.
	Close() error
}

// Delivery is one inbound request and the way to answer it.
type Delivery struct {
	// Envelope is the decoded request. On a decode error it holds what was readable.
	Envelope protocol.Envelope

	// Err is set when the request could not be decoded or validated.
	Err error

	// Reply sends a response envelope back to the requester. Progress replies may
	// precede the final one.
	Reply func(ctx context.Context, env protocol.Envelope) error
}

// Starter creates a worker context and returns the router's end of a connection to it.
type Starter interface {
	Start(ctx context.Context) (ClientConn, error)
}

// StarterFunc adapts a function to Starter.
type StarterFunc func(ctx context.Context) (ClientConn, error)

// Start implements Starter.
func (f StarterFunc) Start(ctx context.Context) (ClientConn, error) {
	return f(ctx)
}

// roundTrip copies an envelope through its wire encoding.
func roundTrip(env protocol.Envelope) (protocol.Envelope, error) {
	data, err := protocol.Encode(env)
	if err != nil {
		return protocol.Envelope{}, err
	}
	return protocol.Decode(data)
}
