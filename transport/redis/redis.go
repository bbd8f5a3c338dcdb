// Package redis implements jobs.Transport as request/reply over Redis lists.
//
// The client LPUSHes a codec.Request onto the request list and waits with
// BRPOP on a reply key unique to the call. Serve runs the other half: it
// pops requests, hands them to a backend Transport and pushes the
// codec.Response onto the reply key.
package redis

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/zero-day-ai/jobs"
	"github.com/zero-day-ai/jobs/codec"
)

// DefaultRequestList is the list requests are pushed onto.
const DefaultRequestList = "jobs:rpc"

// ErrNoReply is returned when no reply arrives within the reply timeout.
var ErrNoReply = errors.New("no reply from job server")

// RedisOptions configures the Redis connection and the request/reply keys.
type RedisOptions struct {
	// URL is the Redis connection string (e.g., "redis://localhost:6379")
	URL string

	// TLS configuration for secure connections
	TLS *tls.Config

	// ConnectTimeout is the maximum time to wait for connection establishment
	ConnectTimeout time.Duration

	// ReadTimeout is the maximum time to wait for read operations
	ReadTimeout time.Duration

	// WriteTimeout is the maximum time to wait for write operations
	WriteTimeout time.Duration

	// RequestList is the list requests are pushed onto.
	RequestList string

	// ReplyTimeout bounds the wait for a reply when the call context has no deadline.
	ReplyTimeout time.Duration

	// ReplyTTL expires reply keys nobody collected.
	ReplyTTL time.Duration

	// Codec encodes the envelopes. JSON when nil.
	Codec codec.Codec

	// Logger receives transport diagnostics. slog.Default() when nil.
	Logger *slog.Logger
}

func (o *RedisOptions) setDefaults() {
	if o.URL == "" {
		o.URL = "redis://localhost:6379"
	}
	if o.ConnectTimeout == 0 {
		o.ConnectTimeout = 5 * time.Second
	}
	if o.ReadTimeout == 0 {
		o.ReadTimeout = 30 * time.Second
	}
	if o.WriteTimeout == 0 {
		o.WriteTimeout = 5 * time.Second
	}
	if o.RequestList == "" {
		o.RequestList = DefaultRequestList
	}
	if o.ReplyTimeout == 0 {
		o.ReplyTimeout = 10 * time.Second
	}
	if o.ReplyTTL == 0 {
		o.ReplyTTL = time.Minute
	}
	if o.Codec == nil {
		o.Codec = codec.JSON{}
	}
	if o.Logger == nil {
		o.Logger = slog.Default()
	}
}

// Transport sends calls through Redis. It is safe for concurrent use.
type Transport struct {
	client *redis.Client
	opts   RedisOptions
}

var _ jobs.Transport = (*Transport)(nil)

// NewTransport connects to Redis and verifies the connection with PING.
func NewTransport(opts RedisOptions) (*Transport, error) {
	opts.setDefaults()

	redisOpts, err := redis.ParseURL(opts.URL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse Redis URL: %w", err)
	}

	if opts.TLS != nil {
		redisOpts.TLSConfig = opts.TLS
	}
	redisOpts.DialTimeout = opts.ConnectTimeout
	redisOpts.ReadTimeout = opts.ReadTimeout
	redisOpts.WriteTimeout = opts.WriteTimeout

	client := redis.NewClient(redisOpts)

	ctx, cancel := context.WithTimeout(context.Background(), opts.ConnectTimeout)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}

	return &Transport{client: client, opts: opts}, nil
}

// ReplyKey returns the key the reply to call id is pushed onto.
func (t *Transport) ReplyKey(id string) string {
	return t.opts.RequestList + ":reply:" + id
}

// Call pushes the request and blocks until its reply arrives, the reply
// timeout elapses, or ctx is done.
func (t *Transport) Call(ctx context.Context, method string, args any, reply any) error {
	if method == "" {
		return fmt.Errorf("%w: empty method", jobs.ErrUnsupportedMethod)
	}

	id := uuid.NewString()
	req := codec.Request{
		ID:      id,
		Method:  method,
		ReplyTo: t.ReplyKey(id),
		Params:  args,
	}

	data, err := t.opts.Codec.Encode(req)
	if err != nil {
		return fmt.Errorf("failed to encode %s request: %w", method, err)
	}

	if err := t.client.LPush(ctx, t.opts.RequestList, data).Err(); err != nil {
		return t.translate(fmt.Errorf("failed to push to queue %s: %w", t.opts.RequestList, err))
	}

	wait := t.opts.ReplyTimeout
	if deadline, ok := ctx.Deadline(); ok {
		wait = time.Until(deadline)
		if wait <= 0 {
			return ctx.Err()
		}
	}

	// BRPOP returns [key, value] or redis.Nil on timeout
	result, err := t.client.BRPop(ctx, wait, req.ReplyTo).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return fmt.Errorf("%w: %s after %s", ErrNoReply, method, wait)
		}
		return t.translate(fmt.Errorf("failed to read reply for %s: %w", method, err))
	}

	if len(result) != 2 {
		return fmt.Errorf("unexpected BRPOP result length: %d", len(result))
	}

	var remote *jobs.RemoteError
	if err := codec.DecodeResponse(t.opts.Codec, []byte(result[1]), reply); err != nil {
		if errors.As(err, &remote) {
			return remote
		}
		return fmt.Errorf("%s: %w", method, err)
	}
	return nil
}

// Serve pops requests from the request list and answers them with backend
// until ctx is cancelled. Requests are handled one at a time.
func (t *Transport) Serve(ctx context.Context, backend jobs.Transport) error {
	logger := t.opts.Logger.With("list", t.opts.RequestList)
	logger.Info("serving job requests")

	for {
		if ctx.Err() != nil {
			return nil
		}

		result, err := t.client.BRPop(ctx, time.Second, t.opts.RequestList).Result()
		if err != nil {
			if errors.Is(err, redis.Nil) {
				continue
			}
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("failed to pop from queue %s: %w", t.opts.RequestList, err)
		}
		if len(result) != 2 {
			continue
		}

		var req codec.Request
		if err := t.opts.Codec.Decode([]byte(result[1]), &req); err != nil {
			logger.Warn("dropping malformed request", "error", err)
			continue
		}
		if req.ReplyTo == "" {
			logger.Warn("dropping request without reply key", "id", req.ID, "method", req.Method)
			continue
		}

		resp := t.handle(ctx, backend, req)
		if err := t.reply(ctx, req.ReplyTo, resp); err != nil {
			logger.Error("failed to send reply", "id", req.ID, "method", req.Method, "error", err)
		}
	}
}

func (t *Transport) handle(ctx context.Context, backend jobs.Transport, req codec.Request) *codec.Response {
	var result any
	if err := backend.Call(ctx, req.Method, req.Params, &result); err != nil {
		return codec.ErrorResponse(req.ID, err)
	}
	return &codec.Response{ID: req.ID, Result: result}
}

func (t *Transport) reply(ctx context.Context, key string, resp *codec.Response) error {
	data, err := t.opts.Codec.Encode(resp)
	if err != nil {
		return fmt.Errorf("failed to encode reply: %w", err)
	}

	pipe := t.client.TxPipeline()
	pipe.LPush(ctx, key, data)
	pipe.Expire(ctx, key, t.opts.ReplyTTL)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to push reply to %s: %w", key, err)
	}
	return nil
}

func (t *Transport) translate(err error) error {
	if errors.Is(err, redis.ErrClosed) {
		return fmt.Errorf("%w: %w", jobs.ErrTransportClosed, err)
	}
	return err
}

// Close closes the Redis connection.
func (t *Transport) Close() error {
	return t.client.Close()
}
