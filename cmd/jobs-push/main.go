// Command jobs-push submits a single job to a job server.
//
// Usage:
//
//	jobs-push -type acme/send_email -payload '{"to":"user@example.com"}'
//	echo '{"to":"user@example.com"}' | jobs-push -type acme/send_email -payload -
//	jobs-push -config ./jobs.yaml -type billing/charge -attempts 5 -delay 30s
//	jobs-push -config ./jobs.yaml -check
//
// Without -config the file named by JOBS_CONFIG is used, or the built-in
// defaults. A .env file in the working directory is loaded first when present.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/zero-day-ai/jobs"
	"github.com/zero-day-ai/jobs/config"
	"github.com/zero-day-ai/jobs/discovery"
	"github.com/zero-day-ai/jobs/health"
	"github.com/zero-day-ai/jobs/rules"
	"github.com/zero-day-ai/jobs/transport"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, os.Args[1:], os.Stdin, os.Stdout, os.Stderr); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			os.Exit(2)
		}
		fmt.Fprintf(os.Stderr, "jobs-push: %v\n", err)
		os.Exit(1)
	}
}

type flags struct {
	config   string
	jobType  string
	payload  string
	pipeline string
	delay    time.Duration
	attempts int
	timeout  time.Duration
	check    bool
}

func parseFlags(args []string, stderr io.Writer) (*flags, error) {
	f := &flags{}
	fs := flag.NewFlagSet("jobs-push", flag.ContinueOnError)
	fs.SetOutput(stderr)
	fs.StringVar(&f.config, "config", "", "path to jobs.yaml or a directory containing it")
	fs.StringVar(&f.jobType, "type", "", "job type identity, e.g. acme/send_email")
	fs.StringVar(&f.payload, "payload", "", "job payload; - reads it from stdin")
	fs.StringVar(&f.pipeline, "pipeline", "", "pipeline override")
	fs.DurationVar(&f.delay, "delay", 0, "delay before execution")
	fs.IntVar(&f.attempts, "attempts", 0, "maximum execution attempts")
	fs.DurationVar(&f.timeout, "timeout", 30*time.Second, "overall deadline for the command")
	fs.BoolVar(&f.check, "check", false, "check connectivity to the job server and exit")

	if err := fs.Parse(args); err != nil {
		return nil, err
	}
	if !f.check && f.jobType == "" {
		return nil, fmt.Errorf("-type is required")
	}
	if f.attempts < 0 {
		return nil, fmt.Errorf("-attempts cannot be negative")
	}
	if f.delay < 0 {
		return nil, fmt.Errorf("-delay cannot be negative")
	}
	return f, nil
}

// options builds the push options from the flags that were set.
func (f *flags) options() *jobs.Options {
	opts := jobs.NewOptions()
	if f.pipeline != "" {
		opts = opts.WithPipeline(f.pipeline)
	}
	if f.delay > 0 {
		opts = opts.WithDelay(f.delay)
	}
	if f.attempts > 0 {
		opts = opts.WithAttempts(f.attempts)
	}
	return opts
}

func run(ctx context.Context, args []string, stdin io.Reader, stdout, stderr io.Writer) error {
	f, err := parseFlags(args, stderr)
	if err != nil {
		return err
	}

	if err := godotenv.Load(".env"); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("failed to load .env: %w", err)
	}

	cfg, err := loadConfig(f.config)
	if err != nil {
		return err
	}
	logger := cfg.Log.NewLogger(stderr)

	ctx, cancel := context.WithTimeout(ctx, f.timeout)
	defer cancel()

	if f.check {
		return check(ctx, cfg, stdout)
	}

	payload, err := readPayload(f.payload, stdin)
	if err != nil {
		return err
	}

	id, err := push(ctx, cfg, logger, jobs.RawJob{Type: f.jobType, Payload: payload}, f.options())
	if err != nil {
		return err
	}
	fmt.Fprintln(stdout, id)
	return nil
}

func loadConfig(path string) (*config.Config, error) {
	if path != "" {
		return config.Load(path)
	}
	return config.LoadFromEnv()
}

func readPayload(value string, stdin io.Reader) ([]byte, error) {
	if value != "-" {
		return []byte(value), nil
	}
	data, err := io.ReadAll(stdin)
	if err != nil {
		return nil, fmt.Errorf("failed to read payload from stdin: %w", err)
	}
	return data, nil
}

func push(ctx context.Context, cfg *config.Config, logger *slog.Logger, job jobs.Job, opts *jobs.Options) (string, error) {
	dispatcherOpts := []jobs.DispatcherOption{
		jobs.WithLogger(logger),
		jobs.WithService(cfg.Service),
	}

	if len(cfg.Rules) > 0 {
		set, err := rules.Compile(cfg.Rules)
		if err != nil {
			return "", err
		}
		defer set.Close()
		dispatcherOpts = append(dispatcherOpts, jobs.WithDefaults(set))
	}

	conn, err := transport.Connect(ctx, cfg, logger)
	if err != nil {
		return "", err
	}
	defer jobs.CloseWithLog(conn, logger, "transport")

	q, err := jobs.NewDispatcher(conn, dispatcherOpts...)
	if err != nil {
		return "", err
	}
	return q.Push(ctx, job, opts)
}

func check(ctx context.Context, cfg *config.Config, stdout io.Writer) error {
	var status health.Status
	if cfg.Discovery != nil {
		client, err := discovery.NewClient(*cfg.Discovery)
		if err != nil {
			status = health.Unhealthy("discovery unavailable", map[string]any{"error": err.Error()})
		} else {
			defer client.Close()
			status = health.DiscoveryCheck(ctx, client, cfg.Discovery.GetService())
		}
	} else {
		status = health.EndpointCheck(ctx, endpointOf(cfg.Transport))
	}

	fmt.Fprintf(stdout, "%s: %s\n", status.Status, status.Message)
	if status.IsUnhealthy() {
		return fmt.Errorf("job server is unhealthy")
	}
	return nil
}

// endpointOf returns a dialable form of the transport endpoint.
func endpointOf(tc config.TransportConfig) string {
	if tc.GetNetwork() == "unix" {
		return "unix://" + tc.Endpoint
	}
	return tc.Endpoint
}
