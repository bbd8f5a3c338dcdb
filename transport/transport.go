// Package transport opens the jobs.Transport described by a configuration.
//
// Transports live in sub-packages, one per protocol:
//
//	netrpc  net/rpc with the JSON-RPC codec (the job server's native RPC)
//	grpc    gRPC without generated stubs
//	nats    NATS request/reply
//	redis   request/reply over Redis lists
//	local   an in-process broker, for tests and development
package transport

import (
	"context"
	"fmt"
	"io"
	"log/slog"

	natsgo "github.com/nats-io/nats.go"

	"github.com/zero-day-ai/jobs"
	"github.com/zero-day-ai/jobs/codec"
	"github.com/zero-day-ai/jobs/config"
	"github.com/zero-day-ai/jobs/discovery"
	grpctransport "github.com/zero-day-ai/jobs/transport/grpc"
	natstransport "github.com/zero-day-ai/jobs/transport/nats"
	"github.com/zero-day-ai/jobs/transport/netrpc"
	redistransport "github.com/zero-day-ai/jobs/transport/redis"
)

// Conn is a transport that owns a connection.
type Conn interface {
	jobs.Transport
	io.Closer
}

// Resolver looks up a live job server instance.
type Resolver interface {
	Resolve(ctx context.Context, name string) (discovery.ServiceInfo, error)
}

// Connect opens the transport of cfg. When discovery is configured the
// endpoint, and the transport kind if the instance advertises one, come
// from a live registered instance.
func Connect(ctx context.Context, cfg *config.Config, logger *slog.Logger) (Conn, error) {
	if cfg.Discovery == nil {
		return Open(ctx, cfg.Transport, logger)
	}

	client, err := discovery.NewClient(*cfg.Discovery)
	if err != nil {
		return nil, err
	}
	defer jobs.CloseWithLog(client, logger, "discovery client")

	return OpenResolved(ctx, cfg.Transport, client, cfg.Discovery.GetService(), logger)
}

// OpenResolved resolves service through r and opens a transport to it.
func OpenResolved(ctx context.Context, tc config.TransportConfig, r Resolver, service string, logger *slog.Logger) (Conn, error) {
	info, err := r.Resolve(ctx, service)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve job server %s: %w", service, err)
	}

	tc.Endpoint = info.Endpoint
	if info.Transport != "" {
		tc.Kind = info.Transport
	}
	if logger != nil {
		logger.Debug("resolved job server", "service", service, "instance", info.InstanceID,
			"endpoint", info.Endpoint, "kind", tc.Kind)
	}
	return Open(ctx, tc, logger)
}

// Open connects the transport selected by tc.Kind.
func Open(ctx context.Context, tc config.TransportConfig, logger *slog.Logger) (Conn, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if tc.Endpoint == "" {
		return nil, fmt.Errorf("transport endpoint cannot be empty")
	}

	tlsConf, err := tc.TLS.ClientConfig()
	if err != nil {
		return nil, err
	}
	timeout := tc.GetTimeout()

	switch tc.Kind {
	case config.KindNetRPC, "":
		return opened(netrpc.Dial(ctx, tc.GetNetwork(), tc.Endpoint,
			netrpc.WithLogger(logger),
			netrpc.WithDialTimeout(timeout),
		))

	case config.KindGRPC:
		opts := []grpctransport.Option{
			grpctransport.WithLogger(logger),
			grpctransport.WithDialTimeout(timeout),
			grpctransport.WithToken(tc.Token),
		}
		if tlsConf != nil {
			opts = append(opts, grpctransport.WithTLS(tlsConf))
		}
		return opened(grpctransport.Dial(ctx, tc.Endpoint, opts...))

	case config.KindNATS:
		c, err := codec.Get(tc.Codec)
		if err != nil {
			return nil, err
		}
		connOpts := []natsgo.Option{natsgo.Timeout(timeout)}
		if tlsConf != nil {
			connOpts = append(connOpts, natsgo.Secure(tlsConf))
		}
		opts := []natstransport.Option{
			natstransport.WithCodec(c),
			natstransport.WithRequestTimeout(timeout),
			natstransport.WithLogger(logger),
			natstransport.WithConnOptions(connOpts...),
		}
		if tc.SubjectPrefix != "" {
			opts = append(opts, natstransport.WithSubjectPrefix(tc.SubjectPrefix))
		}
		return opened(natstransport.Connect(tc.Endpoint, opts...))

	case config.KindRedis:
		c, err := codec.Get(tc.Codec)
		if err != nil {
			return nil, err
		}
		return opened(redistransport.NewTransport(redistransport.RedisOptions{
			URL:            tc.Endpoint,
			TLS:            tlsConf,
			ConnectTimeout: timeout,
			RequestList:    tc.RequestList,
			ReplyTimeout:   timeout,
			Codec:          c,
			Logger:         logger,
		}))

	default:
		return nil, fmt.Errorf("unknown transport kind %q", tc.Kind)
	}
}

// opened converts a constructor result into a Conn without leaking a typed nil.
func opened[T Conn](t T, err error) (Conn, error) {
	if err != nil {
		return nil, err
	}
	return t, nil
}
