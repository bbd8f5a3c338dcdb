// Package discovery locates job servers through etcd.
//
// Job servers register one entry per instance under
// /{namespace}/jobs/{name}/{instance-id}, bound to a lease that is renewed
// while the instance is alive. Clients resolve a server name to the endpoint
// of a live instance before opening a transport.
package discovery

import (
	"context"
	"errors"
	"time"
)

// Kind is the key segment under which job servers register.
const Kind = "jobs"

// ErrNoInstances is returned by Resolve when no live instance is registered.
var ErrNoInstances = errors.New("no registered job server instances")

// ErrClosed is returned by every method after Close.
var ErrClosed = errors.New("discovery client is closed")

// ServiceInfo describes one registered job server instance.
type ServiceInfo struct {
	// Name is the logical server name (e.g., "jobs", "billing-jobs")
	Name string `json:"name"`

	// InstanceID is unique per running instance (typically a UUID)
	InstanceID string `json:"instance_id"`

	// Endpoint is the address the instance serves on.
	// Format: "host:port" for TCP (e.g., "localhost:6001")
	Endpoint string `json:"endpoint"`

	// Transport is the transport kind the endpoint speaks (e.g., "grpc", "netrpc")
	Transport string `json:"transport,omitempty"`

	// Version is the server version
	Version string `json:"version,omitempty"`

	// Metadata holds free-form attributes such as the pipelines served
	Metadata map[string]string `json:"metadata,omitempty"`

	// StartedAt is the timestamp when this instance started
	StartedAt time.Time `json:"started_at"`
}

// Registry registers and discovers job server instances.
type Registry interface {
	// Register adds an instance and keeps its lease alive until Deregister or Close.
	// Registering the same InstanceID again replaces the previous entry.
	Register(ctx context.Context, info ServiceInfo) error

	// Deregister removes an instance. Unknown instances are a no-op.
	Deregister(ctx context.Context, info ServiceInfo) error

	// Discover lists the live instances of a server name, in arbitrary order.
	Discover(ctx context.Context, name string) ([]ServiceInfo, error)

	// Resolve returns one live instance of a server name, rotating between
	// instances on successive calls.
	Resolve(ctx context.Context, name string) (ServiceInfo, error)

	// Watch emits the instance list of a server name now and after every change.
	// The channel is closed when ctx is done or the registry is closed.
	Watch(ctx context.Context, name string) (<-chan []ServiceInfo, error)

	// Close releases resources and stops background goroutines.
	Close() error
}

// Config holds etcd connection settings.
type Config struct {
	// Endpoints is the list of etcd endpoints
	// Format: ["host1:2379", "host2:2379"]
	Endpoints []string `yaml:"endpoints" json:"endpoints" validate:"required,min=1,dive,required"`

	// Namespace is the etcd key prefix
	// Default: "jobs"
	Namespace string `yaml:"namespace,omitempty" json:"namespace,omitempty"`

	// Service is the server name clients resolve
	// Default: "jobs"
	Service string `yaml:"service,omitempty" json:"service,omitempty"`

	// TTL is the lease TTL in seconds for registered instances
	// Default: 30
	TTL int `yaml:"ttl,omitempty" json:"ttl,omitempty" validate:"gte=0"`

	// DialTimeout bounds connection establishment
	// Format: Go duration string (e.g., "5s")
	// Default: 5s
	DialTimeout string `yaml:"dial_timeout,omitempty" json:"dial_timeout,omitempty"`

	// TLS configures client certificates for etcd
	TLS *TLSConfig `yaml:"tls,omitempty" json:"tls,omitempty"`
}

// TLSConfig holds TLS settings for the etcd connection.
type TLSConfig struct {
	Enabled  bool   `yaml:"enabled" json:"enabled"`
	CertFile string `yaml:"cert_file" json:"cert_file"`
	KeyFile  string `yaml:"key_file" json:"key_file"`
	CAFile   string `yaml:"ca_file" json:"ca_file"`
}

// GetNamespace returns the namespace or the default value.
func (c *Config) GetNamespace() string {
	if c == nil || c.Namespace == "" {
		return "jobs"
	}
	return c.Namespace
}

// GetService returns the resolved server name or the default value.
func (c *Config) GetService() string {
	if c == nil || c.Service == "" {
		return "jobs"
	}
	return c.Service
}

// GetTTL returns the lease TTL or the default value.
func (c *Config) GetTTL() int {
	if c == nil || c.TTL <= 0 {
		return 30
	}
	return c.TTL
}

// GetDialTimeout parses the dial timeout string and returns a duration.
// Returns the default value if not set or invalid.
func (c *Config) GetDialTimeout() time.Duration {
	if c == nil || c.DialTimeout == "" {
		return 5 * time.Second
	}
	d, err := time.ParseDuration(c.DialTimeout)
	if err != nil {
		return 5 * time.Second
	}
	return d
}
