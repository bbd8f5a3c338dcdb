// Package nats implements jobs.Transport as NATS request/reply.
//
// A call to "jobs.Push" is published on the subject "<prefix>.jobs.Push"
// with a codec.Request envelope; the responder answers with a
// codec.Response carrying either the result or {code, message}. Envelopes
// are encoded with a codec.Codec, JSON unless configured otherwise.
package nats

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/zero-day-ai/jobs"
	"github.com/zero-day-ai/jobs/codec"
)

// DefaultSubjectPrefix is prepended to the method name to form the request subject.
const DefaultSubjectPrefix = "rpc"

// Requester sends a request and waits for the reply. *nats.Conn implements it.
type Requester interface {
	RequestWithContext(ctx context.Context, subj string, data []byte) (*nats.Msg, error)
}

// Option configures a Transport.
type Option func(*Transport)

// WithCodec sets the envelope codec.
func WithCodec(c codec.Codec) Option {
	return func(t *Transport) {
		if c != nil {
			t.codec = c
		}
	}
}

// WithSubjectPrefix sets the subject prefix. An empty prefix publishes on the bare method name.
func WithSubjectPrefix(prefix string) Option {
	return func(t *Transport) {
		t.prefix = prefix
	}
}

// WithRequestTimeout bounds calls whose context has no deadline.
func WithRequestTimeout(d time.Duration) Option {
	return func(t *Transport) {
		if d > 0 {
			t.timeout = d
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

// WithConnOptions passes additional options to nats.Connect.
func WithConnOptions(opts ...nats.Option) Option {
	return func(t *Transport) {
		t.connOpts = append(t.connOpts, opts...)
	}
}

// Transport calls the job server over NATS. It is safe for concurrent use.
type Transport struct {
	requester Requester
	conn      *nats.Conn
	codec     codec.Codec
	prefix    string
	timeout   time.Duration
	logger    *slog.Logger
	connOpts  []nats.Option
}

var _ jobs.Transport = (*Transport)(nil)

func newTransport(opts []Option) *Transport {
	t := &Transport{
		codec:   codec.JSON{},
		prefix:  DefaultSubjectPrefix,
		timeout: 5 * time.Second,
		logger:  slog.Default(),
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// Connect opens a NATS connection to url. An empty url uses nats.DefaultURL.
func Connect(url string, opts ...Option) (*Transport, error) {
	if url == "" {
		url = nats.DefaultURL
	}

	t := newTransport(opts)
	connOpts := append([]nats.Option{nats.Name("jobs-client")}, t.connOpts...)

	conn, err := nats.Connect(url, connOpts...)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to NATS: %w", err)
	}

	t.conn = conn
	t.requester = conn
	t.logger.Debug("nats transport connected", "url", url, "prefix", t.prefix)
	return t, nil
}

// New creates a Transport over an existing requester. The caller keeps
// ownership of it; Close is a no-op.
func New(r Requester, opts ...Option) *Transport {
	t := newTransport(opts)
	t.requester = r
	return t
}

// Subject returns the subject a method is published on.
func (t *Transport) Subject(method string) string {
	if t.prefix == "" {
		return method
	}
	return t.prefix + "." + method
}

// Call publishes the request envelope and decodes the reply result into reply.
func (t *Transport) Call(ctx context.Context, method string, args any, reply any) error {
	if method == "" {
		return fmt.Errorf("%w: empty method", jobs.ErrUnsupportedMethod)
	}

	data, err := t.codec.Encode(codec.Request{Method: method, Params: args})
	if err != nil {
		return fmt.Errorf("failed to encode %s request: %w", method, err)
	}

	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, t.timeout)
		defer cancel()
	}

	subject := t.Subject(method)
	msg, err := t.requester.RequestWithContext(ctx, subject, data)
	if err != nil {
		return translate(subject, err)
	}

	var remote *jobs.RemoteError
	if err := codec.DecodeResponse(t.codec, msg.Data, reply); err != nil {
		if errors.As(err, &remote) {
			return remote
		}
		return fmt.Errorf("%s: %w", method, err)
	}
	return nil
}

// Close drains and closes the connection if it was opened by Connect.
func (t *Transport) Close() error {
	if t.conn == nil {
		return nil
	}
	if err := t.conn.Drain(); err != nil {
		t.conn.Close()
		return err
	}
	return nil
}

func translate(subject string, err error) error {
	switch {
	case errors.Is(err, nats.ErrConnectionClosed), errors.Is(err, nats.ErrConnectionDraining):
		return fmt.Errorf("%w: %w", jobs.ErrTransportClosed, err)
	case errors.Is(err, nats.ErrNoResponders):
		return &jobs.RemoteError{
			Code:    jobs.CodeUnavailable,
			Message: fmt.Sprintf("no responders on subject %s", subject),
		}
	default:
		return fmt.Errorf("nats request on %s: %w", subject, err)
	}
}
