package grpc

import (
	"context"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"
	"google.golang.org/grpc/test/bufconn"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/zero-day-ai/jobs"
)

// pushServer is the server half of the jobs service used in tests.
type pushServer interface {
	push(ctx context.Context, req *structpb.Struct) (*structpb.Value, error)
}

type fakeJobsServer struct {
	mu       sync.Mutex
	received []*structpb.Struct
	auth     []string
	err      error
}

func (s *fakeJobsServer) push(ctx context.Context, req *structpb.Struct) (*structpb.Value, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if md, ok := metadata.FromIncomingContext(ctx); ok {
		s.auth = append(s.auth, md.Get("authorization")...)
	}
	if s.err != nil {
		return nil, s.err
	}
	s.received = append(s.received, req)
	return structpb.NewStringValue("grpc-job-7"), nil
}

func pushHandler(srv any, ctx context.Context, dec func(any) error, _ grpc.UnaryServerInterceptor) (any, error) {
	in := &structpb.Struct{}
	if err := dec(in); err != nil {
		return nil, err
	}
	return srv.(pushServer).push(ctx, in)
}

var jobsServiceDesc = grpc.ServiceDesc{
	ServiceName: "jobs",
	HandlerType: (*pushServer)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "Push", Handler: pushHandler},
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "jobs.proto",
}

// setupTestServer creates an in-memory gRPC server for testing using bufconn.
func setupTestServer(t *testing.T, srv *fakeJobsServer) *grpc.ClientConn {
	const bufSize = 1024 * 1024
	lis := bufconn.Listen(bufSize)

	server := grpc.NewServer()
	server.RegisterService(&jobsServiceDesc, srv)

	go func() {
		if err := server.Serve(lis); err != nil {
			t.Logf("Server exited with error: %v", err)
		}
	}()

	conn, err := grpc.DialContext(context.Background(), "bufnet",
		grpc.WithContextDialer(func(context.Context, string) (net.Conn, error) {
			return lis.Dial()
		}),
		grpc.WithTransportCredentials(insecure.NewCredentials()),
	)
	require.NoError(t, err)

	t.Cleanup(func() {
		conn.Close()
		server.Stop()
		lis.Close()
	})
	return conn
}

func TestFullMethod(t *testing.T) {
	tests := []struct {
		method  string
		want    string
		wantErr bool
	}{
		{method: "jobs.Push", want: "/jobs/Push"},
		{method: "spiral.jobs.Push", want: "/spiral.jobs/Push"},
		{method: "Push", wantErr: true},
		{method: ".Push", wantErr: true},
		{method: "jobs.", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.method, func(t *testing.T) {
			got, err := FullMethod(tt.method)
			if tt.wantErr {
				assert.ErrorIs(t, err, jobs.ErrUnsupportedMethod)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestTransport_PushThroughDispatcher(t *testing.T) {
	srv := &fakeJobsServer{}
	conn := setupTestServer(t, srv)

	q, err := jobs.NewDispatcher(New(conn, WithToken("secret")))
	require.NoError(t, err)

	id, err := q.Push(context.Background(),
		jobs.RawJob{Type: "acme/order_created", Payload: []byte(`{"order":42}`)},
		jobs.NewOptions().WithAttempts(3).WithTimeout(time.Minute))
	require.NoError(t, err)
	assert.Equal(t, "grpc-job-7", id)

	require.Len(t, srv.received, 1)
	fields := srv.received[0].AsMap()
	assert.Equal(t, "Acme.OrderCreated", fields["job"])
	assert.Equal(t, `{"order":42}`, fields["payload"])
	assert.Equal(t, map[string]any{"maxAttempts": float64(3), "timeout": float64(60)}, fields["options"])
	assert.Equal(t, []string{"Bearer secret"}, srv.auth)
}

func TestTransport_EmptyOptionsStayAnObject(t *testing.T) {
	srv := &fakeJobsServer{}
	conn := setupTestServer(t, srv)

	q, err := jobs.NewDispatcher(New(conn))
	require.NoError(t, err)

	_, err = q.Push(context.Background(), jobs.RawJob{Type: "ping"}, nil)
	require.NoError(t, err)

	fields := srv.received[0].AsMap()
	assert.Equal(t, map[string]any{}, fields["options"])
	assert.Empty(t, srv.auth)
}

func TestTransport_StatusErrorBecomesRemoteError(t *testing.T) {
	srv := &fakeJobsServer{err: status.Error(codes.FailedPrecondition, "pipeline `emails` is paused")}
	conn := setupTestServer(t, srv)

	q, err := jobs.NewDispatcher(New(conn))
	require.NoError(t, err)

	_, err = q.Push(context.Background(), jobs.RawJob{Type: "ping"}, nil)

	var de *jobs.DispatchError
	require.ErrorAs(t, err, &de)
	assert.Equal(t, int(codes.FailedPrecondition), de.Code)
	assert.Equal(t, "pipeline `emails` is paused", de.Message)

	var remote *jobs.RemoteError
	require.ErrorAs(t, err, &remote)
}

func TestTransport_UnknownMethod(t *testing.T) {
	conn := setupTestServer(t, &fakeJobsServer{})
	tr := New(conn)

	var id string
	err := tr.Call(context.Background(), "jobs.Pause", map[string]any{}, &id)

	var remote *jobs.RemoteError
	require.ErrorAs(t, err, &remote)
	assert.Equal(t, int(codes.Unimplemented), remote.Code)
}

func TestTransport_NewCloseIsNoop(t *testing.T) {
	conn := setupTestServer(t, &fakeJobsServer{})
	tr := New(conn)
	require.NoError(t, tr.Close())

	var id string
	require.NoError(t, tr.Call(context.Background(), "jobs.Push", map[string]any{"job": "A"}, &id))
	assert.Equal(t, "grpc-job-7", id)
}

func TestDial_EmptyEndpoint(t *testing.T) {
	_, err := Dial(context.Background(), "")
	require.Error(t, err)
}

func TestDial_DoesNotWaitForServer(t *testing.T) {
	start := time.Now()
	tr, err := Dial(context.Background(), "127.0.0.1:1", WithDialTimeout(time.Hour))
	require.NoError(t, err)
	defer tr.Close()
	assert.Less(t, time.Since(start), 5*time.Second)

	ctx, cancel := context.WithTimeout(context.Background(), 500*time.Millisecond)
	defer cancel()

	var id string
	err = tr.Call(ctx, "jobs.Push", map[string]any{"job": "Acme.Ping"}, &id)
	require.Error(t, err, "the call's context bounds connecting")
	assert.Empty(t, id)
}
