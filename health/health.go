// Package health provides reachability checks for the job server and the
// services the client depends on.
//
// Checks report a Status (healthy, degraded or unhealthy) with a message and
// optional details, so that several checks can be combined:
//
//	status := health.Combine(
//	    health.EndpointCheck(ctx, cfg.Transport.Endpoint),
//	    health.DiscoveryCheck(ctx, registry, "jobs"),
//	)
//	if status.IsUnhealthy() {
//	    log.Fatal(status.Message)
//	}
package health

import (
	"context"
	"fmt"
	"net"
	"net/url"
	"strings"
	"time"

	"github.com/zero-day-ai/jobs/discovery"
)

// defaultPorts are used when a URL endpoint omits its port.
var defaultPorts = map[string]string{
	"nats":   "4222",
	"redis":  "6379",
	"rediss": "6379",
}

// EndpointCheck verifies connectivity to a job server endpoint.
// The endpoint is "host:port", a "unix:///path" socket, or a URL such as
// "nats://host:4222" or "redis://host:6379/0".
//
// Example:
//
//	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
//	defer cancel()
//	status := health.EndpointCheck(ctx, "127.0.0.1:6001")
//	if status.IsUnhealthy() {
//	    log.Println("job server unreachable")
//	}
func EndpointCheck(ctx context.Context, endpoint string) Status {
	if endpoint == "" {
		return Unhealthy("endpoint cannot be empty", nil)
	}

	network, address, err := dialTarget(endpoint)
	if err != nil {
		return Unhealthy(
			fmt.Sprintf("invalid endpoint %s", endpoint),
			map[string]any{"endpoint": endpoint, "error": err.Error()},
		)
	}

	if ctx == nil {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
	}

	var dialer net.Dialer
	conn, err := dialer.DialContext(ctx, network, address)
	if err != nil {
		return Unhealthy(
			fmt.Sprintf("failed to connect to %s", address),
			map[string]any{
				"endpoint": endpoint,
				"network":  network,
				"error":    err.Error(),
			},
		)
	}
	conn.Close()

	return Healthy(fmt.Sprintf("successfully connected to %s", address))
}

// DiscoveryCheck verifies that at least one instance of a job server is registered.
func DiscoveryCheck(ctx context.Context, reg discovery.Registry, name string) Status {
	if reg == nil {
		return Unhealthy("discovery registry is not configured", nil)
	}

	instances, err := reg.Discover(ctx, name)
	if err != nil {
		return Unhealthy(
			fmt.Sprintf("failed to discover %s", name),
			map[string]any{"service": name, "error": err.Error()},
		)
	}

	if len(instances) == 0 {
		return Unhealthy(
			fmt.Sprintf("no registered instances of %s", name),
			map[string]any{"service": name},
		)
	}

	endpoints := make([]string, 0, len(instances))
	for _, inst := range instances {
		endpoints = append(endpoints, inst.Endpoint)
	}

	if len(instances) == 1 {
		return Degraded(
			fmt.Sprintf("single registered instance of %s", name),
			map[string]any{"service": name, "endpoints": endpoints},
		)
	}

	return Healthy(fmt.Sprintf("%d registered instances of %s", len(instances), name))
}

// Combine aggregates multiple health checks into a single status.
// The result follows this priority:
//   - If any check is unhealthy, the result is unhealthy
//   - If any check is degraded (and none unhealthy), the result is degraded
//   - If all checks are healthy, the result is healthy
func Combine(checks ...Status) Status {
	if len(checks) == 0 {
		return Healthy("no checks provided")
	}

	var unhealthyChecks []string
	var degradedChecks []string
	var healthyCount int

	for _, check := range checks {
		msg := check.Message
		if msg == "" {
			msg = "unnamed check"
		}
		switch check.Status {
		case StatusUnhealthy:
			unhealthyChecks = append(unhealthyChecks, msg)
		case StatusDegraded:
			degradedChecks = append(degradedChecks, msg)
		case StatusHealthy:
			healthyCount++
		}
	}

	if len(unhealthyChecks) > 0 {
		return Unhealthy(
			fmt.Sprintf("%d check(s) failed", len(unhealthyChecks)),
			map[string]any{
				"total":         len(checks),
				"unhealthy":     len(unhealthyChecks),
				"degraded":      len(degradedChecks),
				"healthy":       healthyCount,
				"failed_checks": unhealthyChecks,
			},
		)
	}

	if len(degradedChecks) > 0 {
		return Degraded(
			fmt.Sprintf("%d check(s) degraded", len(degradedChecks)),
			map[string]any{
				"total":           len(checks),
				"degraded":        len(degradedChecks),
				"healthy":         healthyCount,
				"degraded_checks": degradedChecks,
			},
		)
	}

	return Healthy(fmt.Sprintf("all %d check(s) passed", len(checks)))
}

// dialTarget converts an endpoint into a network and address for net.Dial.
func dialTarget(endpoint string) (network, address string, err error) {
	if !strings.Contains(endpoint, "://") {
		if _, _, err := net.SplitHostPort(endpoint); err != nil {
			return "", "", err
		}
		return "tcp", endpoint, nil
	}

	u, err := url.Parse(endpoint)
	if err != nil {
		return "", "", err
	}

	switch u.Scheme {
	case "unix":
		if u.Path == "" {
			return "", "", fmt.Errorf("unix endpoint without path")
		}
		return "unix", u.Path, nil
	case "tcp":
		return "tcp", u.Host, nil
	}

	if u.Hostname() == "" {
		return "", "", fmt.Errorf("endpoint without host")
	}
	port := u.Port()
	if port == "" {
		port = defaultPorts[u.Scheme]
	}
	if port == "" {
		return "", "", fmt.Errorf("no port for scheme %q", u.Scheme)
	}
	return "tcp", net.JoinHostPort(u.Hostname(), port), nil
}
