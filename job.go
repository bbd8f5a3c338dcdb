package jobs

import (
	"context"
	"fmt"
	"reflect"
)

// Job is a unit of deferred work. The job produces its own wire payload;
// the dispatcher treats the returned bytes as opaque.
type Job interface {
	// Serialize returns the payload sent to the job server. The payload
	// must be valid UTF-8.
	Serialize() ([]byte, error)
}

// Identifier is implemented by jobs that declare their type identity
// explicitly instead of relying on their Go type name.
//
// The identity is a namespace-segmented path such as "Acme\Mail\SendJob"
// or "acme/order_created/job".
type Identifier interface {
	JobType() string
}

// Handler executes a job on the receiving side. It is identified by the
// routing name it is registered under and receives the server-assigned id.
//
// A returned error marks the attempt as failed; retry policy belongs to the
// server and is driven by Options.
type Handler interface {
	Handle(ctx context.Context, id string, payload []byte) error
}

// HandlerFunc adapts a function to the Handler interface.
type HandlerFunc func(ctx context.Context, id string, payload []byte) error

// Handle calls f(ctx, id, payload).
func (f HandlerFunc) Handle(ctx context.Context, id string, payload []byte) error {
	return f(ctx, id, payload)
}

// RawJob is a job whose identity and payload are known only at run time.
type RawJob struct {
	Type    string
	Payload []byte
}

// JobType implements Identifier.
func (j RawJob) JobType() string { return j.Type }

// Serialize implements Job.
func (j RawJob) Serialize() ([]byte, error) { return j.Payload, nil }

// TypeIdentity returns the fully qualified type identity of a job.
//
// Jobs implementing Identifier report their own identity. Otherwise the
// identity is "<import path>.<TypeName>" of the job's concrete type, with
// pointers dereferenced.
func TypeIdentity(job Job) (string, error) {
	if job == nil {
		return "", fmt.Errorf("%w: nil job", ErrInvalidJobType)
	}

	if id, ok := job.(Identifier); ok {
		return id.JobType(), nil
	}

	t := reflect.TypeOf(job)
	for t.Kind() == reflect.Pointer {
		t = t.Elem()
	}

	if t.Name() == "" {
		return "", fmt.Errorf("%w: unnamed type %s", ErrInvalidJobType, t)
	}

	if t.PkgPath() == "" {
		return t.Name(), nil
	}
	return t.PkgPath() + "." + t.Name(), nil
}
