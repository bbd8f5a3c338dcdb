// Package grpc implements jobs.Transport over gRPC.
//
// No generated stubs are required: requests are sent as google.protobuf.Struct
// and replies are read as google.protobuf.Value. The jobs method "jobs.Push"
// is invoked as the gRPC full method "/jobs/Push".
package grpc

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/keepalive"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/encoding/protojson"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/zero-day-ai/jobs"
)

// Transport calls the job server over a gRPC connection.
// It is safe for concurrent use.
type Transport struct {
	conn   grpc.ClientConnInterface
	closer func() error
	token  string
	logger *slog.Logger

	tlsConf     *tls.Config
	dialTimeout time.Duration
}

var _ jobs.Transport = (*Transport)(nil)

// Option is a functional option for configuring a Transport.
type Option func(*Transport)

// WithTLS configures TLS for the connection. Without it the connection is insecure.
func WithTLS(conf *tls.Config) Option {
	return func(t *Transport) {
		t.tlsConf = conf
	}
}

// WithToken sets a bearer token sent as "authorization" metadata on every call.
func WithToken(token string) Option {
	return func(t *Transport) {
		t.token = token
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

// WithDialTimeout sets the context deadline passed to grpc.DialContext. Dial
// does not block, so the connection itself is established lazily on the
// first call and that call's context bounds it.
func WithDialTimeout(d time.Duration) Option {
	return func(t *Transport) {
		if d > 0 {
			t.dialTimeout = d
		}
	}
}

func newTransport(opts []Option) *Transport {
	t := &Transport{
		logger:      slog.Default(),
		dialTimeout: 10 * time.Second,
		closer:      func() error { return nil },
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// Dial prepares a connection to the job server at endpoint. It does not wait
// for the connection to become ready.
func Dial(ctx context.Context, endpoint string, opts ...Option) (*Transport, error) {
	if endpoint == "" {
		return nil, fmt.Errorf("endpoint cannot be empty")
	}

	t := newTransport(opts)

	var dialOpts []grpc.DialOption
	if t.tlsConf != nil {
		dialOpts = append(dialOpts, grpc.WithTransportCredentials(credentials.NewTLS(t.tlsConf)))
	} else {
		dialOpts = append(dialOpts, grpc.WithTransportCredentials(insecure.NewCredentials()))
	}

	dialOpts = append(dialOpts, grpc.WithKeepaliveParams(keepalive.ClientParameters{
		Time:                10 * time.Second,
		Timeout:             5 * time.Second,
		PermitWithoutStream: true,
	}))

	connCtx, cancel := context.WithTimeout(ctx, t.dialTimeout)
	defer cancel()

	conn, err := grpc.DialContext(connCtx, endpoint, dialOpts...)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to job server: %w", err)
	}

	t.conn = conn
	t.closer = conn.Close
	t.logger.Debug("grpc transport connected", "endpoint", endpoint)
	return t, nil
}

// New creates a Transport over an existing connection. The caller keeps
// ownership of conn; Close is a no-op.
func New(conn grpc.ClientConnInterface, opts ...Option) *Transport {
	t := newTransport(opts)
	t.conn = conn
	return t
}

// FullMethod converts a "service.Method" name into a gRPC full method name.
func FullMethod(method string) (string, error) {
	i := strings.LastIndex(method, ".")
	if i <= 0 || i == len(method)-1 {
		return "", fmt.Errorf("%w: %q", jobs.ErrUnsupportedMethod, method)
	}
	return "/" + method[:i] + "/" + method[i+1:], nil
}

// Call invokes method with args encoded as a Struct and decodes the Value
// reply into reply.
func (t *Transport) Call(ctx context.Context, method string, args any, reply any) error {
	fullMethod, err := FullMethod(method)
	if err != nil {
		return err
	}

	req, err := toStruct(args)
	if err != nil {
		return fmt.Errorf("failed to encode %s request: %w", method, err)
	}

	if t.token != "" {
		ctx = metadata.AppendToOutgoingContext(ctx, "authorization", "Bearer "+t.token)
	}

	resp := &structpb.Value{}
	if err := t.conn.Invoke(ctx, fullMethod, req, resp); err != nil {
		return translate(err)
	}

	data, err := protojson.Marshal(resp)
	if err != nil {
		return fmt.Errorf("failed to encode %s reply: %w", method, err)
	}
	if err := json.Unmarshal(data, reply); err != nil {
		return fmt.Errorf("failed to decode %s reply: %w", method, err)
	}
	return nil
}

// Close closes the connection if it was opened by Dial.
func (t *Transport) Close() error {
	return t.closer()
}

// toStruct converts args into a Struct through their JSON representation.
func toStruct(args any) (*structpb.Struct, error) {
	data, err := json.Marshal(args)
	if err != nil {
		return nil, err
	}

	s := &structpb.Struct{}
	if err := protojson.Unmarshal(data, s); err != nil {
		return nil, err
	}
	return s, nil
}

// translate converts a gRPC status error into a jobs.RemoteError carrying
// the status code. Errors without a status are returned unchanged.
func translate(err error) error {
	st, ok := status.FromError(err)
	if !ok {
		return err
	}
	return &jobs.RemoteError{
		Code:    int(st.Code()),
		Message: st.Message(),
	}
}
