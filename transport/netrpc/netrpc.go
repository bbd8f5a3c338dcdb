// Package netrpc implements jobs.Transport on top of net/rpc, the RPC
// protocol spoken by the job server. The JSON-RPC codec is used unless a
// different client codec is configured.
package netrpc

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/rpc"
	"net/rpc/jsonrpc"
	"time"

	"github.com/zero-day-ai/jobs"
)

// CodecFunc builds the client codec for a connection.
type CodecFunc func(conn io.ReadWriteCloser) rpc.ClientCodec

// Option configures a Transport.
type Option func(*Transport)

// WithCodec sets the client codec used on the connection.
func WithCodec(fn CodecFunc) Option {
	return func(t *Transport) {
		if fn != nil {
			t.codec = fn
		}
	}
}

// WithLogger sets the structured logger.
func WithLogger(logger *slog.Logger) Option {
	return func(t *Transport) {
		if logger != nil {
			t.logger = logger
		}
	}
}

// WithDialTimeout bounds connection establishment in Dial.
func WithDialTimeout(d time.Duration) Option {
	return func(t *Transport) {
		if d > 0 {
			t.dialTimeout = d
		}
	}
}

// Transport is a net/rpc client. It is safe for concurrent use.
type Transport struct {
	client      *rpc.Client
	codec       CodecFunc
	logger      *slog.Logger
	dialTimeout time.Duration
}

var _ jobs.Transport = (*Transport)(nil)

func newTransport(opts []Option) *Transport {
	t := &Transport{
		codec:       jsonrpc.NewClientCodec,
		logger:      slog.Default(),
		dialTimeout: 5 * time.Second,
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// Dial connects to the job server at address over network ("tcp" or "unix").
func Dial(ctx context.Context, network, address string, opts ...Option) (*Transport, error) {
	t := newTransport(opts)

	dialCtx, cancel := context.WithTimeout(ctx, t.dialTimeout)
	defer cancel()

	var dialer net.Dialer
	conn, err := dialer.DialContext(dialCtx, network, address)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to %s://%s: %w", network, address, err)
	}

	t.client = rpc.NewClientWithCodec(t.codec(conn))
	t.logger.Debug("rpc transport connected", "network", network, "address", address)
	return t, nil
}

// New creates a Transport over an established connection.
func New(conn io.ReadWriteCloser, opts ...Option) *Transport {
	t := newTransport(opts)
	t.client = rpc.NewClientWithCodec(t.codec(conn))
	return t
}

// Call invokes method and waits for the reply or for ctx to be done.
// A cancelled call is abandoned; net/rpc discards its late reply.
func (t *Transport) Call(ctx context.Context, method string, args any, reply any) error {
	call := t.client.Go(method, args, reply, make(chan *rpc.Call, 1))

	select {
	case <-call.Done:
		return translate(call.Error)
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close closes the underlying connection.
func (t *Transport) Close() error {
	return t.client.Close()
}

// translate maps net/rpc errors onto jobs error values.
func translate(err error) error {
	if err == nil {
		return nil
	}

	var serverErr rpc.ServerError
	if errors.As(err, &serverErr) {
		return &jobs.RemoteError{Code: jobs.CodeUnknown, Message: string(serverErr)}
	}

	if errors.Is(err, rpc.ErrShutdown) {
		return fmt.Errorf("%w: %w", jobs.ErrTransportClosed, err)
	}

	return err
}
