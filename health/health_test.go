package health

import (
	"context"
	"errors"
	"net"
	"path/filepath"
	"testing"
	"time"

	"github.com/zero-day-ai/jobs/discovery"
)

// startListener starts a TCP server that accepts and closes connections.
func startListener(t *testing.T) string {
	t.Helper()

	listener, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("failed to start test server: %v", err)
	}
	t.Cleanup(func() { listener.Close() })

	go func() {
		for {
			conn, err := listener.Accept()
			if err != nil {
				return
			}
			conn.Close()
		}
	}()

	return listener.Addr().String()
}

func TestEndpointCheck(t *testing.T) {
	addr := startListener(t)
	_, port, _ := net.SplitHostPort(addr)

	tests := []struct {
		name          string
		endpoint      string
		expectHealthy bool
	}{
		{name: "host and port", endpoint: addr, expectHealthy: true},
		{name: "tcp url", endpoint: "tcp://" + addr, expectHealthy: true},
		{name: "nats url", endpoint: "nats://127.0.0.1:" + port, expectHealthy: true},
		{name: "redis url with db", endpoint: "redis://127.0.0.1:" + port + "/0", expectHealthy: true},
		{name: "closed port", endpoint: "127.0.0.1:1", expectHealthy: false},
		{name: "missing port", endpoint: "127.0.0.1", expectHealthy: false},
		{name: "unknown scheme without port", endpoint: "amqp://127.0.0.1", expectHealthy: false},
		{name: "unix socket missing", endpoint: "unix://" + filepath.Join(t.TempDir(), "rr.sock"), expectHealthy: false},
		{name: "empty", endpoint: "", expectHealthy: false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
			defer cancel()

			status := EndpointCheck(ctx, tt.endpoint)

			if tt.expectHealthy && !status.IsHealthy() {
				t.Errorf("expected healthy status, got %s: %s", status.Status, status.Message)
			}
			if !tt.expectHealthy && status.IsHealthy() {
				t.Errorf("expected unhealthy status, got %s: %s", status.Status, status.Message)
			}
			if status.Message == "" {
				t.Error("expected non-empty message")
			}
		})
	}
}

func TestEndpointCheckWithNilContext(t *testing.T) {
	addr := startListener(t)

	//nolint:staticcheck // nil context is handled explicitly
	status := EndpointCheck(nil, addr)
	if !status.IsHealthy() {
		t.Errorf("expected healthy status, got %s: %s", status.Status, status.Message)
	}
}

func TestDialTarget(t *testing.T) {
	tests := []struct {
		endpoint    string
		wantNetwork string
		wantAddress string
		wantErr     bool
	}{
		{endpoint: "localhost:6001", wantNetwork: "tcp", wantAddress: "localhost:6001"},
		{endpoint: "unix:///var/run/rr.sock", wantNetwork: "unix", wantAddress: "/var/run/rr.sock"},
		{endpoint: "nats://broker", wantNetwork: "tcp", wantAddress: "broker:4222"},
		{endpoint: "rediss://cache", wantNetwork: "tcp", wantAddress: "cache:6379"},
		{endpoint: "unix://", wantErr: true},
		{endpoint: "redis://:6379", wantErr: true},
		{endpoint: "localhost", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.endpoint, func(t *testing.T) {
			network, address, err := dialTarget(tt.endpoint)
			if tt.wantErr {
				if err == nil {
					t.Errorf("expected error, got %s %s", network, address)
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if network != tt.wantNetwork || address != tt.wantAddress {
				t.Errorf("dialTarget(%q) = %s %s, want %s %s", tt.endpoint, network, address, tt.wantNetwork, tt.wantAddress)
			}
		})
	}
}

// fakeRegistry answers Discover from a fixed list.
type fakeRegistry struct {
	discovery.Registry
	instances []discovery.ServiceInfo
	err       error
}

func (f *fakeRegistry) Discover(context.Context, string) ([]discovery.ServiceInfo, error) {
	return f.instances, f.err
}

func TestDiscoveryCheck(t *testing.T) {
	one := discovery.ServiceInfo{Name: "jobs", InstanceID: "a", Endpoint: "10.0.0.1:6001"}
	two := discovery.ServiceInfo{Name: "jobs", InstanceID: "b", Endpoint: "10.0.0.2:6001"}

	tests := []struct {
		name         string
		reg          discovery.Registry
		expectStatus string
	}{
		{name: "two instances", reg: &fakeRegistry{instances: []discovery.ServiceInfo{one, two}}, expectStatus: StatusHealthy},
		{name: "single instance", reg: &fakeRegistry{instances: []discovery.ServiceInfo{one}}, expectStatus: StatusDegraded},
		{name: "no instances", reg: &fakeRegistry{}, expectStatus: StatusUnhealthy},
		{name: "registry error", reg: &fakeRegistry{err: errors.New("etcd down")}, expectStatus: StatusUnhealthy},
		{name: "no registry", reg: nil, expectStatus: StatusUnhealthy},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			status := DiscoveryCheck(context.Background(), tt.reg, "jobs")
			if status.Status != tt.expectStatus {
				t.Errorf("expected status %s, got %s: %s", tt.expectStatus, status.Status, status.Message)
			}
		})
	}
}

func TestCombine(t *testing.T) {
	tests := []struct {
		name         string
		checks       []Status
		expectStatus string
	}{
		{
			name:         "all healthy",
			checks:       []Status{Healthy("check 1"), Healthy("check 2")},
			expectStatus: StatusHealthy,
		},
		{
			name:         "one unhealthy",
			checks:       []Status{Healthy("check 1"), Unhealthy("check 2 failed", nil)},
			expectStatus: StatusUnhealthy,
		},
		{
			name:         "one degraded",
			checks:       []Status{Healthy("check 1"), Degraded("check 2 degraded", nil)},
			expectStatus: StatusDegraded,
		},
		{
			name:         "unhealthy and degraded",
			checks:       []Status{Degraded("check 1 degraded", nil), Unhealthy("check 2 failed", nil)},
			expectStatus: StatusUnhealthy, // unhealthy takes precedence
		},
		{
			name:         "no checks",
			checks:       nil,
			expectStatus: StatusHealthy,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			status := Combine(tt.checks...)

			if status.Status != tt.expectStatus {
				t.Errorf("expected status %s, got %s: %s", tt.expectStatus, status.Status, status.Message)
			}
			if status.Message == "" {
				t.Error("expected non-empty message")
			}
			if status.Status != StatusHealthy && status.Details == nil {
				t.Error("expected details for non-healthy status")
			}
		})
	}
}

func TestCombine_UnnamedChecks(t *testing.T) {
	status := Combine(Status{Status: StatusUnhealthy})
	failed, ok := status.Details["failed_checks"].([]string)
	if !ok || len(failed) != 1 || failed[0] != "unnamed check" {
		t.Errorf("expected unnamed check in details, got %v", status.Details)
	}
}
