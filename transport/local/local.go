// Package local implements an in-process job broker.
//
// Broker satisfies jobs.Transport, so a Dispatcher can push to it directly.
// Each pushed job runs on its own goroutine after its delay and is retried
// according to its options. It is meant for tests, development, and for
// fronting with transport/redis.Transport.Serve.
package local

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/zero-day-ai/jobs"
	"github.com/zero-day-ai/jobs/codec"
)

// ErrorHandler is called when a job fails its last attempt.
type ErrorHandler func(id, job string, err error)

// Option configures a Broker.
type Option func(*Broker)

// WithLogger sets the structured logger.
func WithLogger(logger *slog.Logger) Option {
	return func(b *Broker) {
		if logger != nil {
			b.logger = logger
		}
	}
}

// WithErrorHandler sets the callback for jobs that exhausted their attempts.
func WithErrorHandler(fn ErrorHandler) Option {
	return func(b *Broker) {
		b.onError = fn
	}
}

// WithPipelines restricts the pipelines a job may request. Jobs without a
// pipeline are always accepted.
func WithPipelines(names ...string) Option {
	return func(b *Broker) {
		if b.pipelines == nil {
			b.pipelines = make(map[string]struct{}, len(names))
		}
		for _, n := range names {
			b.pipelines[n] = struct{}{}
		}
	}
}

// WithService sets the service the broker answers for. Defaults to jobs.DefaultService.
func WithService(service string) Option {
	return func(b *Broker) {
		if service != "" {
			b.method = service + "." + jobs.PushMethod
		}
	}
}

// Broker runs pushed jobs on local goroutines.
type Broker struct {
	mu        sync.RWMutex
	handlers  map[string]jobs.Handler
	pipelines map[string]struct{}
	stopped   bool

	method  string
	logger  *slog.Logger
	onError ErrorHandler

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

var _ jobs.Transport = (*Broker)(nil)

// New creates a running Broker.
func New(opts ...Option) *Broker {
	ctx, cancel := context.WithCancel(context.Background())
	b := &Broker{
		handlers: make(map[string]jobs.Handler),
		method:   jobs.DefaultService + "." + jobs.PushMethod,
		logger:   slog.Default(),
		ctx:      ctx,
		cancel:   cancel,
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Register binds a handler to a routing name such as "Acme.Mail.SendEmail".
func (b *Broker) Register(name string, h jobs.Handler) error {
	if h == nil {
		return fmt.Errorf("handler for %s cannot be nil", name)
	}
	resolved, err := jobs.ResolveName(name)
	if err != nil {
		return err
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	if _, exists := b.handlers[resolved]; exists {
		return fmt.Errorf("handler for %s already registered", resolved)
	}
	b.handlers[resolved] = h
	return nil
}

// RegisterJob binds a handler to the routing name of job.
func (b *Broker) RegisterJob(job jobs.Job, h jobs.Handler) error {
	name, err := jobs.JobName(job)
	if err != nil {
		return err
	}
	return b.Register(name, h)
}

// Call accepts a push request, schedules the job and replies with its id.
func (b *Broker) Call(_ context.Context, method string, args any, reply any) error {
	if method != b.method {
		return jobs.NewRemoteError(jobs.CodeNotFound, "unknown method %s", method)
	}

	req, err := pushRequest(args)
	if err != nil {
		return jobs.NewRemoteError(jobs.CodeBadRequest, "malformed push request: %v", err)
	}
	if req.Job == "" {
		return jobs.NewRemoteError(jobs.CodeBadRequest, "push request without job name")
	}

	b.mu.RLock()
	defer b.mu.RUnlock()

	if b.stopped {
		return jobs.ErrTransportClosed
	}

	h, ok := b.handlers[req.Job]
	if !ok {
		return jobs.NewRemoteError(jobs.CodeNotFound, "unable to locate handler for `%s`", req.Job)
	}

	if p := req.Options.Pipeline; p != nil && b.pipelines != nil {
		if _, ok := b.pipelines[*p]; !ok {
			return jobs.NewRemoteError(jobs.CodeNotFound, "undefined pipeline `%s`", *p)
		}
	}

	id := uuid.NewString()
	if err := setReply(reply, id); err != nil {
		return err
	}

	b.wg.Add(1)
	go b.run(id, req, h)
	return nil
}

// Stop stops accepting jobs, cancels pending delays and waits for running
// handlers to return. Handlers observe cancellation through their context.
func (b *Broker) Stop() {
	b.mu.Lock()
	b.stopped = true
	b.mu.Unlock()

	b.cancel()
	b.wg.Wait()
}

// Close implements io.Closer by calling Stop.
func (b *Broker) Close() error {
	b.Stop()
	return nil
}

func (b *Broker) run(id string, req *jobs.PushRequest, h jobs.Handler) {
	defer b.wg.Done()

	logger := b.logger.With("id", id, "job", req.Job)
	opts := req.Options

	if !b.sleep(opts.DelayDuration()) {
		logger.Debug("job dropped before start: broker stopped")
		return
	}

	for attempt := 0; ; attempt++ {
		err := b.execute(id, req, h)
		if err == nil {
			logger.Debug("job completed", "attempt", attempt+1)
			return
		}

		if !opts.CanRetry(attempt) {
			logger.Warn("job failed", "attempt", attempt+1, "error", err)
			if b.onError != nil {
				b.onError(id, req.Job, err)
			}
			return
		}

		logger.Debug("job attempt failed, retrying", "attempt", attempt+1, "error", err)
		if !b.sleep(opts.RetryDelayDuration()) {
			return
		}
	}
}

func (b *Broker) execute(id string, req *jobs.PushRequest, h jobs.Handler) (err error) {
	ctx := b.ctx
	if timeout := req.Options.TimeoutDuration(); timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("handler panic: %v", r)
		}
	}()

	return h.Handle(ctx, id, []byte(req.Payload))
}

// sleep waits for d and reports false if the broker stopped first.
func (b *Broker) sleep(d time.Duration) bool {
	if d <= 0 {
		return b.ctx.Err() == nil
	}

	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-timer.C:
		return true
	case <-b.ctx.Done():
		return false
	}
}

func pushRequest(args any) (*jobs.PushRequest, error) {
	var req jobs.PushRequest
	switch v := args.(type) {
	case *jobs.PushRequest:
		if v == nil {
			return nil, fmt.Errorf("nil request")
		}
		req = *v
	case jobs.PushRequest:
		req = v
	default:
		if err := codec.Convert(codec.JSON{}, args, &req); err != nil {
			return nil, err
		}
	}

	req.Options = req.Options.Clone()
	return &req, nil
}

func setReply(reply any, id string) error {
	switch r := reply.(type) {
	case *string:
		*r = id
	case *any:
		*r = id
	default:
		return fmt.Errorf("unsupported reply type %T", reply)
	}
	return nil
}
