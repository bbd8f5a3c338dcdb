package netrpc

import (
	"context"
	"errors"
	"net"
	"net/rpc"
	"net/rpc/jsonrpc"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zero-day-ai/jobs"
)

// jobsService mimics the server's net/rpc service.
type jobsService struct {
	mu       sync.Mutex
	received []jobs.PushRequest
	err      error
	block    chan struct{}
}

func (s *jobsService) Push(req *jobs.PushRequest, id *string) error {
	if s.block != nil {
		<-s.block
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.err != nil {
		return s.err
	}
	s.received = append(s.received, *req)
	*id = "rpc-job-1"
	return nil
}

func setupTransport(t *testing.T, svc *jobsService) *Transport {
	t.Helper()

	server := rpc.NewServer()
	require.NoError(t, server.RegisterName("jobs", svc))

	clientConn, serverConn := net.Pipe()
	go server.ServeCodec(jsonrpc.NewServerCodec(serverConn))

	tr := New(clientConn)
	t.Cleanup(func() {
		_ = tr.Close()
	})
	return tr
}

func TestTransport_PushThroughDispatcher(t *testing.T) {
	svc := &jobsService{}
	tr := setupTransport(t, svc)

	q, err := jobs.NewDispatcher(tr)
	require.NoError(t, err)

	id, err := q.Push(context.Background(),
		jobs.RawJob{Type: `Acme\Mail\send_email`, Payload: []byte(`{"to":"a@b.c"}`)},
		jobs.NewOptions().WithPipeline("emails").WithDelay(5*time.Second))
	require.NoError(t, err)
	assert.Equal(t, "rpc-job-1", id)

	require.Len(t, svc.received, 1)
	got := svc.received[0]
	assert.Equal(t, "Acme.Mail.SendEmail", got.Job)
	assert.Equal(t, `{"to":"a@b.c"}`, got.Payload)
	require.NotNil(t, got.Options)
	assert.Equal(t, "emails", *got.Options.Pipeline)
	assert.Equal(t, 5, *got.Options.Delay)
	assert.Nil(t, got.Options.Attempts)
}

func TestTransport_ServerError(t *testing.T) {
	svc := &jobsService{err: errors.New("undefined pipeline `emails`")}
	tr := setupTransport(t, svc)

	var id string
	err := tr.Call(context.Background(), "jobs.Push", &jobs.PushRequest{Job: "A", Options: jobs.NewOptions()}, &id)

	var remote *jobs.RemoteError
	require.ErrorAs(t, err, &remote)
	assert.Equal(t, "undefined pipeline `emails`", remote.Message)
	assert.Equal(t, jobs.CodeUnknown, remote.Code)
}

func TestTransport_UnknownMethod(t *testing.T) {
	tr := setupTransport(t, &jobsService{})

	var id string
	err := tr.Call(context.Background(), "jobs.Pause", &jobs.PushRequest{}, &id)

	var remote *jobs.RemoteError
	require.ErrorAs(t, err, &remote)
	assert.Contains(t, remote.Message, "can't find method")
}

func TestTransport_ContextCancelled(t *testing.T) {
	svc := &jobsService{block: make(chan struct{})}
	defer close(svc.block)
	tr := setupTransport(t, svc)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	var id string
	err := tr.Call(ctx, "jobs.Push", &jobs.PushRequest{Job: "A", Options: jobs.NewOptions()}, &id)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestTransport_Closed(t *testing.T) {
	tr := setupTransport(t, &jobsService{})
	require.NoError(t, tr.Close())

	var id string
	err := tr.Call(context.Background(), "jobs.Push", &jobs.PushRequest{}, &id)
	assert.ErrorIs(t, err, jobs.ErrTransportClosed)
	assert.ErrorIs(t, err, rpc.ErrShutdown)
}

func TestDial_Unreachable(t *testing.T) {
	lis, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := lis.Addr().String()
	require.NoError(t, lis.Close())

	_, err = Dial(context.Background(), "tcp", addr, WithDialTimeout(time.Second))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to connect")
}

func TestDial_TCP(t *testing.T) {
	server := rpc.NewServer()
	require.NoError(t, server.RegisterName("jobs", &jobsService{}))

	lis, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer lis.Close()

	go func() {
		for {
			conn, err := lis.Accept()
			if err != nil {
				return
			}
			go server.ServeCodec(jsonrpc.NewServerCodec(conn))
		}
	}()

	tr, err := Dial(context.Background(), "tcp", lis.Addr().String())
	require.NoError(t, err)
	defer tr.Close()

	var id string
	require.NoError(t, tr.Call(context.Background(), "jobs.Push", &jobs.PushRequest{Job: "A", Options: jobs.NewOptions()}, &id))
	assert.Equal(t, "rpc-job-1", id)
}
