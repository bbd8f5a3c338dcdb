// Package jobs is a client-side job dispatcher.
//
// A job is any value that can serialize its own payload. The dispatcher
// derives a routing name from the job's type identity, sends
// {job, payload, options} to the job server in a single RPC call
// ("jobs.Push"), and returns the identifier assigned by the server.
//
// # Routing names
//
// Routing names are derived from the job's fully qualified type identity,
// without any registry. Each namespace segment is camel-cased and segments
// are joined with '.':
//
//	acme\order_created\job  ->  Acme.OrderCreated.Job
//
// Jobs may declare their identity by implementing Identifier; otherwise the
// Go import path and type name are used.
//
// # Usage
//
//	t, err := grpc.Dial(ctx, "localhost:6001")
//	if err != nil {
//		log.Fatal(err)
//	}
//	defer t.Close()
//
//	q, err := jobs.NewDispatcher(t, jobs.WithLogger(logger))
//	if err != nil {
//		log.Fatal(err)
//	}
//
//	id, err := q.Push(ctx, &SendEmail{To: "user@example.com"},
//		jobs.NewOptions().WithPipeline("emails").WithDelay(time.Minute))
//
// # Error Handling
//
// Push returns exactly one error kind, *DispatchError, whatever the origin
// of the failure: naming, serialization, the transport, or a rejection by
// the server. The original error is available through errors.Unwrap, and
// DispatchError.Code carries the code reported by the cause when it has one.
//
// # Thread Safety
//
// Dispatcher is stateless and safe for concurrent use as long as its
// Transport is. All transports in this module are safe for concurrent use.
package jobs
