package jobs

import (
	"context"
	"fmt"
	"log/slog"
	"time"
	"unicode/utf8"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
)

// DefaultService is the RPC service that accepts job submissions.
const DefaultService = "jobs"

// PushMethod is the method name, relative to the service, used to submit a job.
const PushMethod = "Push"

// Transport is the synchronous call/response channel to the job server.
//
// Call invokes method with args and decodes the result into reply, which is
// a pointer. It blocks until the server responds, the call fails, or ctx is
// done. Implementations used by a shared Dispatcher must be safe for
// concurrent use.
type Transport interface {
	Call(ctx context.Context, method string, args any, reply any) error
}

// Queue submits jobs to the job server.
type Queue interface {
	// Push submits job with the given options and returns the
	// server-assigned job id. nil opts means "all server defaults".
	// Any failure is returned as a *DispatchError.
	Push(ctx context.Context, job Job, opts *Options) (string, error)
}

// PushRequest is the request sent to the job server for one submission.
type PushRequest struct {
	// Job is the routing name of the job.
	Job string `json:"job" msgpack:"job"`

	// Payload is the job's serialized payload, forwarded untouched. It must be
	// valid UTF-8; binary payloads need a text encoding such as base64.
	Payload string `json:"payload" msgpack:"payload"`

	// Options is never nil on the wire.
	Options *Options `json:"options" msgpack:"options"`
}

// Dispatcher is the Queue implementation backed by a Transport.
//
// A Dispatcher holds no mutable state: concurrent calls to Push are
// independent and need no extra synchronization, provided the Transport
// supports concurrent use. Every Push issues exactly one Transport call;
// there is no retry, buffering or deduplication.
type Dispatcher struct {
	transport Transport
	method    string
	defaults  DefaultsProvider
	logger    *slog.Logger
	tracer    trace.Tracer

	pushes   metric.Int64Counter
	duration metric.Float64Histogram
}

var _ Queue = (*Dispatcher)(nil)

// NewDispatcher creates a Dispatcher that submits jobs through t.
func NewDispatcher(t Transport, opts ...DispatcherOption) (*Dispatcher, error) {
	if t == nil {
		return nil, fmt.Errorf("jobs: transport cannot be nil")
	}

	cfg := defaultDispatcherConfig()
	for _, opt := range opts {
		opt(cfg)
	}

	pushes, err := cfg.meter.Int64Counter("jobs.push.count",
		metric.WithDescription("Number of job submissions by outcome"),
	)
	if err != nil {
		return nil, fmt.Errorf("jobs: failed to create push counter: %w", err)
	}

	duration, err := cfg.meter.Float64Histogram("jobs.push.duration",
		metric.WithDescription("Duration of job submissions"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, fmt.Errorf("jobs: failed to create push histogram: %w", err)
	}

	return &Dispatcher{
		transport: t,
		method:    cfg.service + "." + PushMethod,
		defaults:  cfg.defaults,
		logger:    cfg.logger,
		tracer:    cfg.tracer,
		pushes:    pushes,
		duration:  duration,
	}, nil
}

// Method returns the fully qualified RPC method used for submissions.
func (d *Dispatcher) Method() string {
	return d.method
}

// Push submits job and returns the server-assigned id.
//
// Every failure, including a panic raised by the job's Serialize method,
// is returned as a *DispatchError carrying the original message, a code and
// the original cause.
func (d *Dispatcher) Push(ctx context.Context, job Job, opts *Options) (id string, err error) {
	start := time.Now()

	ctx, span := d.tracer.Start(ctx, d.method, trace.WithSpanKind(trace.SpanKindClient))
	defer span.End()

	var name string
	defer func() {
		if r := recover(); r != nil {
			if perr, ok := r.(error); ok {
				err = fmt.Errorf("jobs: panic during push: %w", perr)
			} else {
				err = fmt.Errorf("jobs: panic during push: %v", r)
			}
		}

		outcome := "success"
		if err != nil {
			derr := newDispatchError(name, err)
			err = derr
			id = ""
			outcome = "failure"

			span.RecordError(derr.Cause)
			span.SetStatus(codes.Error, derr.Message)
			d.logger.Warn("job push failed",
				"job", name,
				"code", derr.Code,
				"error", derr.Cause)
		} else {
			span.SetAttributes(attribute.String("jobs.id", id))
			d.logger.Debug("job pushed", "job", name, "id", id)
		}

		attrs := metric.WithAttributes(attribute.String("outcome", outcome))
		d.pushes.Add(ctx, 1, attrs)
		d.duration.Record(ctx, time.Since(start).Seconds(), attrs)
	}()

	name, err = JobName(job)
	if err != nil {
		return "", err
	}
	span.SetAttributes(attribute.String("jobs.name", name))

	req, err := d.request(name, job, opts)
	if err != nil {
		return "", err
	}

	if err := d.transport.Call(ctx, d.method, req, &id); err != nil {
		return "", err
	}

	if id == "" {
		return "", ErrEmptyJobID
	}
	return id, nil
}

// request composes the wire request. The caller's options are never
// modified: defaults are merged into a copy.
func (d *Dispatcher) request(name string, job Job, opts *Options) (*PushRequest, error) {
	merged := opts.Clone()
	if d.defaults != nil {
		defaults, err := d.defaults.OptionsFor(name)
		if err != nil {
			return nil, fmt.Errorf("failed to resolve default options for %s: %w", name, err)
		}
		merged = merged.Merge(defaults)
	}

	payload, err := job.Serialize()
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %w", ErrSerialize, name, err)
	}
	// Every transport carries the payload as a text string.
	if !utf8.Valid(payload) {
		return nil, fmt.Errorf("%w: %s: payload is not valid UTF-8", ErrSerialize, name)
	}

	return &PushRequest{
		Job:     name,
		Payload: string(payload),
		Options: merged,
	}, nil
}
