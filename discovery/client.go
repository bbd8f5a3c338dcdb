package discovery

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	clientv3 "go.etcd.io/etcd/client/v3"
)

// Client implements Registry on top of etcd.
//
// Example usage:
//
//	client, err := discovery.NewClient(discovery.Config{
//	    Endpoints: []string{"localhost:2379"},
//	})
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer client.Close()
//
//	server, err := client.Resolve(ctx, "jobs")
//
// Thread-safety: All methods are safe for concurrent use.
type Client struct {
	kv      clientv3.KV
	lease   clientv3.Lease
	watcher clientv3.Watcher
	closer  io.Closer
	logger  *slog.Logger

	namespace string
	ttl       int
	next      atomic.Uint64

	// Lease tracking for keepalive
	mu         sync.RWMutex
	leases     map[string]clientv3.LeaseID // key: instance ID, value: lease ID
	cancelFns  map[string]context.CancelFunc
	wg         sync.WaitGroup
	closed     bool
	closedChan chan struct{}
}

var _ Registry = (*Client)(nil)

// NewClient connects to etcd and verifies connectivity.
//
// The client must be closed using Close() to stop keepalive goroutines.
func NewClient(cfg Config) (*Client, error) {
	if len(cfg.Endpoints) == 0 {
		return nil, fmt.Errorf("discovery endpoints cannot be empty")
	}

	clientCfg := clientv3.Config{
		Endpoints:   cfg.Endpoints,
		DialTimeout: cfg.GetDialTimeout(),
	}

	tlsConfig, err := ClientTLS(cfg.TLS)
	if err != nil {
		return nil, fmt.Errorf("failed to configure TLS: %w", err)
	}
	clientCfg.TLS = tlsConfig

	cli, err := clientv3.New(clientCfg)
	if err != nil {
		return nil, fmt.Errorf("failed to create etcd client: %w", err)
	}

	// Verify connectivity with a quick health check
	ctx, cancel := context.WithTimeout(context.Background(), cfg.GetDialTimeout())
	defer cancel()

	if _, err := cli.Get(ctx, "health-check"); err != nil {
		cli.Close()
		return nil, fmt.Errorf("etcd health check failed: %w", err)
	}

	return newClient(cli, cli, cli, cli, cfg), nil
}

func newClient(kv clientv3.KV, lease clientv3.Lease, watcher clientv3.Watcher, closer io.Closer, cfg Config) *Client {
	return &Client{
		kv:         kv,
		lease:      lease,
		watcher:    watcher,
		closer:     closer,
		logger:     slog.Default(),
		namespace:  cfg.GetNamespace(),
		ttl:        cfg.GetTTL(),
		leases:     make(map[string]clientv3.LeaseID),
		cancelFns:  make(map[string]context.CancelFunc),
		closedChan: make(chan struct{}),
	}
}

// SetLogger sets the structured logger.
func (c *Client) SetLogger(logger *slog.Logger) {
	if logger != nil {
		c.logger = logger
	}
}

// Register adds a job server instance bound to a fresh lease and starts
// renewing the lease every TTL/3.
func (c *Client) Register(ctx context.Context, info ServiceInfo) error {
	if info.Name == "" || info.InstanceID == "" || info.Endpoint == "" {
		return fmt.Errorf("service name, instance id and endpoint are required")
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return ErrClosed
	}

	// Cancel existing keepalive if re-registering
	if cancelFn, exists := c.cancelFns[info.InstanceID]; exists {
		cancelFn()
		delete(c.cancelFns, info.InstanceID)
	}

	leaseResp, err := c.lease.Grant(ctx, int64(c.ttl))
	if err != nil {
		return fmt.Errorf("failed to create lease: %w", err)
	}

	if info.StartedAt.IsZero() {
		info.StartedAt = time.Now().UTC()
	}

	data, err := json.Marshal(info)
	if err != nil {
		return fmt.Errorf("failed to marshal service info: %w", err)
	}

	key := c.buildKey(info.Name, info.InstanceID)
	if _, err := c.kv.Put(ctx, key, string(data), clientv3.WithLease(leaseResp.ID)); err != nil {
		return fmt.Errorf("failed to register service: %w", err)
	}

	c.leases[info.InstanceID] = leaseResp.ID

	keepaliveCtx, cancel := context.WithCancel(context.Background())
	c.cancelFns[info.InstanceID] = cancel

	c.wg.Add(1)
	go c.keepalive(keepaliveCtx, leaseResp.ID, info.InstanceID)

	c.logger.Debug("job server registered", "key", key, "endpoint", info.Endpoint)
	return nil
}

// Deregister revokes the instance lease, which deletes its entry.
func (c *Client) Deregister(ctx context.Context, info ServiceInfo) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return ErrClosed
	}

	if cancelFn, exists := c.cancelFns[info.InstanceID]; exists {
		cancelFn()
		delete(c.cancelFns, info.InstanceID)
	}

	leaseID, exists := c.leases[info.InstanceID]
	if !exists {
		return nil
	}

	if _, err := c.lease.Revoke(ctx, leaseID); err != nil {
		return fmt.Errorf("failed to revoke lease: %w", err)
	}

	delete(c.leases, info.InstanceID)
	return nil
}

// Discover lists the live instances of a job server.
func (c *Client) Discover(ctx context.Context, name string) ([]ServiceInfo, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	if c.closed {
		return nil, ErrClosed
	}
	return c.discover(ctx, name)
}

func (c *Client) discover(ctx context.Context, name string) ([]ServiceInfo, error) {
	resp, err := c.kv.Get(ctx, c.prefix(name), clientv3.WithPrefix())
	if err != nil {
		return nil, fmt.Errorf("failed to discover services: %w", err)
	}

	instances := make([]ServiceInfo, 0, len(resp.Kvs))
	for _, kv := range resp.Kvs {
		var info ServiceInfo
		if err := json.Unmarshal(kv.Value, &info); err != nil {
			c.logger.Warn("skipping invalid registry entry", "key", string(kv.Key), "error", err)
			continue
		}
		instances = append(instances, info)
	}
	return instances, nil
}

// Resolve returns one live instance, rotating round-robin between calls.
func (c *Client) Resolve(ctx context.Context, name string) (ServiceInfo, error) {
	instances, err := c.Discover(ctx, name)
	if err != nil {
		return ServiceInfo{}, err
	}
	if len(instances) == 0 {
		return ServiceInfo{}, fmt.Errorf("%w: %s", ErrNoInstances, name)
	}

	i := c.next.Add(1) - 1
	return instances[i%uint64(len(instances))], nil
}

// Watch emits the instance list now and after every change under the name.
func (c *Client) Watch(ctx context.Context, name string) (<-chan []ServiceInfo, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	if c.closed {
		return nil, ErrClosed
	}

	instances, err := c.discover(ctx, name)
	if err != nil {
		return nil, err
	}

	ch := make(chan []ServiceInfo, 1)
	ch <- instances

	watchChan := c.watcher.Watch(ctx, c.prefix(name), clientv3.WithPrefix())

	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		defer close(ch)

		for {
			select {
			case <-ctx.Done():
				return
			case <-c.closedChan:
				return
			case watchResp, ok := <-watchChan:
				if !ok || watchResp.Err() != nil {
					return
				}

				// Fetch current state after any change
				instances, err := c.discover(ctx, name)
				if err != nil {
					continue
				}

				select {
				case ch <- instances:
				case <-ctx.Done():
					return
				case <-c.closedChan:
					return
				}
			}
		}
	}()

	return ch, nil
}

// Close stops keepalives and watches, then closes the etcd client.
func (c *Client) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true

	for _, cancel := range c.cancelFns {
		cancel()
	}
	c.cancelFns = make(map[string]context.CancelFunc)

	close(c.closedChan)
	c.mu.Unlock()

	c.wg.Wait()

	if c.closer == nil {
		return nil
	}
	return c.closer.Close()
}

// keepalive renews the lease every TTL/3 until cancelled or the lease is lost.
func (c *Client) keepalive(ctx context.Context, leaseID clientv3.LeaseID, instanceID string) {
	defer c.wg.Done()

	interval := time.Duration(c.ttl) * time.Second / 3
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-c.closedChan:
			return
		case <-ticker.C:
			if _, err := c.lease.KeepAliveOnce(ctx, leaseID); err != nil {
				c.logger.Warn("lease keepalive failed, instance no longer registered",
					"instance_id", instanceID, "error", err)
				c.mu.Lock()
				delete(c.leases, instanceID)
				delete(c.cancelFns, instanceID)
				c.mu.Unlock()
				return
			}
		}
	}
}

func (c *Client) prefix(name string) string {
	return fmt.Sprintf("/%s/%s/%s/", c.namespace, Kind, name)
}

// buildKey constructs the key of an instance: /namespace/jobs/name/instance-id
func (c *Client) buildKey(name, instanceID string) string {
	return fmt.Sprintf("/%s/%s/%s/%s", c.namespace, Kind, name, instanceID)
}
