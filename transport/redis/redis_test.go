package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zero-day-ai/jobs"
	"github.com/zero-day-ai/jobs/codec"
	"github.com/zero-day-ai/jobs/transport/local"
)

// setupTestTransport creates a miniredis instance and returns a connected Transport.
func setupTestTransport(t *testing.T, opts RedisOptions) (*Transport, *miniredis.Miniredis) {
	t.Helper()

	mr := miniredis.RunT(t)
	opts.URL = fmt.Sprintf("redis://%s", mr.Addr())
	tr, err := NewTransport(opts)
	require.NoError(t, err)

	t.Cleanup(func() {
		_ = tr.Close()
	})
	return tr, mr
}

// backendFunc adapts a function to jobs.Transport for the serving side.
type backendFunc func(ctx context.Context, method string, args any, reply any) error

func (f backendFunc) Call(ctx context.Context, method string, args any, reply any) error {
	return f(ctx, method, args, reply)
}

// serve runs tr.Serve against backend until the test ends.
func serve(t *testing.T, tr *Transport, backend jobs.Transport) {
	t.Helper()

	ctx, cancel := context.WithCancel(context.Background())
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		_ = tr.Serve(ctx, backend)
	}()
	t.Cleanup(func() {
		cancel()
		wg.Wait()
	})
}

func TestNewTransport(t *testing.T) {
	t.Run("successful connection", func(t *testing.T) {
		mr := miniredis.RunT(t)
		tr, err := NewTransport(RedisOptions{URL: fmt.Sprintf("redis://%s", mr.Addr())})
		require.NoError(t, err)
		defer tr.Close()
		assert.Equal(t, DefaultRequestList+":reply:abc", tr.ReplyKey("abc"))
	})

	t.Run("connection failure", func(t *testing.T) {
		_, err := NewTransport(RedisOptions{
			URL:            "redis://localhost:99999",
			ConnectTimeout: 100 * time.Millisecond,
		})
		require.Error(t, err)
		assert.Contains(t, err.Error(), "failed to connect to Redis")
	})

	t.Run("invalid URL", func(t *testing.T) {
		_, err := NewTransport(RedisOptions{URL: "invalid://url"})
		require.Error(t, err)
		assert.Contains(t, err.Error(), "failed to parse Redis URL")
	})
}

func TestTransport_PushThroughServe(t *testing.T) {
	for _, c := range []codec.Codec{codec.JSON{}, codec.Msgpack{}} {
		t.Run(c.Name(), func(t *testing.T) {
			tr, mr := setupTestTransport(t, RedisOptions{Codec: c})

			var mu sync.Mutex
			var got jobs.PushRequest
			serve(t, tr, backendFunc(func(_ context.Context, method string, args any, reply any) error {
				mu.Lock()
				defer mu.Unlock()
				assert.Equal(t, "jobs.Push", method)
				assert.NoError(t, codec.Convert(codec.JSON{}, args, &got))
				*reply.(*any) = "redis-job-1"
				return nil
			}))

			q, err := jobs.NewDispatcher(tr)
			require.NoError(t, err)

			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()

			id, err := q.Push(ctx, jobs.RawJob{Type: "billing/close_invoice", Payload: []byte(`{"id":9}`)},
				jobs.NewOptions().WithAttempts(2))
			require.NoError(t, err)
			assert.Equal(t, "redis-job-1", id)

			mu.Lock()
			assert.Equal(t, "Billing.CloseInvoice", got.Job)
			assert.Equal(t, `{"id":9}`, got.Payload)
			require.NotNil(t, got.Options)
			require.NotNil(t, got.Options.Attempts)
			assert.Equal(t, 2, *got.Options.Attempts)
			mu.Unlock()

			assert.False(t, mr.Exists(DefaultRequestList), "request list should be drained")
		})
	}
}

func TestTransport_MsgpackToLocalBroker(t *testing.T) {
	tr, _ := setupTestTransport(t, RedisOptions{Codec: codec.Msgpack{}})

	handled := make(chan string, 1)
	broker := local.New(local.WithPipelines("emails"))
	t.Cleanup(broker.Stop)
	require.NoError(t, broker.Register("Billing.CloseInvoice", jobs.HandlerFunc(func(_ context.Context, _ string, payload []byte) error {
		handled <- string(payload)
		return nil
	})))

	var mu sync.Mutex
	var got jobs.PushRequest
	serve(t, tr, backendFunc(func(ctx context.Context, method string, args any, reply any) error {
		mu.Lock()
		err := codec.Convert(codec.JSON{}, args, &got)
		mu.Unlock()
		if err != nil {
			return err
		}
		return broker.Call(ctx, method, args, reply)
	}))

	q, err := jobs.NewDispatcher(tr)
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	id, err := q.Push(ctx, jobs.RawJob{Type: "billing/close_invoice", Payload: []byte(`{"id":9}`)},
		jobs.NewOptions().WithPipeline("emails").WithExtra("priority", 5))
	require.NoError(t, err)
	assert.NotEmpty(t, id)

	select {
	case payload := <-handled:
		assert.Equal(t, `{"id":9}`, payload)
	case <-time.After(5 * time.Second):
		t.Fatal("job was not handled")
	}

	mu.Lock()
	defer mu.Unlock()
	require.NotNil(t, got.Options)
	require.NotNil(t, got.Options.Pipeline)
	assert.Equal(t, "emails", *got.Options.Pipeline)
	assert.Equal(t, map[string]any{"priority": float64(5)}, got.Options.Extra)
}

func TestTransport_RemoteErrorKeepsCode(t *testing.T) {
	tr, _ := setupTestTransport(t, RedisOptions{})
	serve(t, tr, backendFunc(func(context.Context, string, any, any) error {
		return jobs.NewRemoteError(jobs.CodeNotFound, "no handler for %s", "Acme.Ping")
	}))

	q, err := jobs.NewDispatcher(tr)
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	_, err = q.Push(ctx, jobs.RawJob{Type: "acme.ping"}, nil)

	var de *jobs.DispatchError
	require.ErrorAs(t, err, &de)
	assert.Equal(t, jobs.CodeNotFound, de.Code)
	assert.Equal(t, "no handler for Acme.Ping", de.Message)
}

func TestTransport_PlainBackendErrorIsInternal(t *testing.T) {
	tr, _ := setupTestTransport(t, RedisOptions{})
	serve(t, tr, backendFunc(func(context.Context, string, any, any) error {
		return errors.New("disk full")
	}))

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	var id string
	err := tr.Call(ctx, "jobs.Push", map[string]any{}, &id)

	var remote *jobs.RemoteError
	require.ErrorAs(t, err, &remote)
	assert.Equal(t, jobs.CodeInternal, remote.Code)
	assert.Equal(t, "disk full", remote.Message)
}

func TestTransport_RequestEnvelope(t *testing.T) {
	tr, mr := setupTestTransport(t, RedisOptions{RequestList: "custom:rpc"})

	type result struct {
		id  string
		err error
	}
	done := make(chan result, 1)
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		var id string
		err := tr.Call(ctx, "jobs.Push", map[string]any{"job": "A"}, &id)
		done <- result{id, err}
	}()

	var raw []string
	require.Eventually(t, func() bool {
		raw, _ = mr.List("custom:rpc")
		return len(raw) == 1
	}, 2*time.Second, 10*time.Millisecond)

	var req codec.Request
	require.NoError(t, json.Unmarshal([]byte(raw[0]), &req))
	assert.NotEmpty(t, req.ID)
	assert.Equal(t, "jobs.Push", req.Method)
	assert.Equal(t, "custom:rpc:reply:"+req.ID, req.ReplyTo)
	assert.Equal(t, map[string]any{"job": "A"}, req.Params)

	_, err := mr.Lpush(req.ReplyTo, fmt.Sprintf(`{"id":%q,"result":"manual-1"}`, req.ID))
	require.NoError(t, err)

	select {
	case r := <-done:
		require.NoError(t, r.err)
		assert.Equal(t, "manual-1", r.id)
	case <-time.After(5 * time.Second):
		t.Fatal("call did not return")
	}
}

func TestTransport_NoReply(t *testing.T) {
	tr, _ := setupTestTransport(t, RedisOptions{ReplyTimeout: time.Second})

	var id string
	err := tr.Call(context.Background(), "jobs.Push", map[string]any{}, &id)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrNoReply)
}

func TestTransport_ClosedClient(t *testing.T) {
	tr, _ := setupTestTransport(t, RedisOptions{})
	require.NoError(t, tr.Close())

	var id string
	err := tr.Call(context.Background(), "jobs.Push", map[string]any{}, &id)
	assert.ErrorIs(t, err, jobs.ErrTransportClosed)
}

func TestTransport_EmptyMethod(t *testing.T) {
	tr, _ := setupTestTransport(t, RedisOptions{})
	var id string
	assert.ErrorIs(t, tr.Call(context.Background(), "", nil, &id), jobs.ErrUnsupportedMethod)
}
