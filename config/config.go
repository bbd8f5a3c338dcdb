// Package config provides loading and validation of jobs.yaml client
// configuration: which transport reaches the job server, how to discover it,
// per-job default option rules, and logging.
package config

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/kelseyhightower/envconfig"
	"gopkg.in/yaml.v3"

	"github.com/zero-day-ai/jobs/discovery"
	"github.com/zero-day-ai/jobs/rules"
)

// Transport kinds.
const (
	KindNetRPC = "netrpc"
	KindGRPC   = "grpc"
	KindNATS   = "nats"
	KindRedis  = "redis"
)

// EnvPrefix prefixes every environment override, e.g. JOBS_ENDPOINT.
const EnvPrefix = "JOBS"

// Config represents a jobs.yaml configuration file.
type Config struct {
	// Service is the RPC service that accepts pushes ("<service>.Push").
	// Default: "jobs"
	Service string `yaml:"service,omitempty"`

	// Transport selects and configures the connection to the job server.
	Transport TransportConfig `yaml:"transport"`

	// Discovery resolves the server endpoint through etcd when set.
	Discovery *discovery.Config `yaml:"discovery,omitempty"`

	// Rules are ordered CEL rules supplying default options per job.
	Rules []rules.Rule `yaml:"rules,omitempty" validate:"dive"`

	// Log configures the structured logger.
	Log LogConfig `yaml:"log,omitempty"`
}

// TransportConfig configures the transport to the job server.
type TransportConfig struct {
	// Kind is one of "netrpc", "grpc", "nats" or "redis".
	// Default: "netrpc"
	Kind string `yaml:"kind" validate:"required,oneof=netrpc grpc nats redis"`

	// Endpoint is the server address. Its form depends on Kind:
	// "host:port" for netrpc and grpc, a nats:// URL or a redis:// URL.
	// May be left empty when Discovery is configured.
	Endpoint string `yaml:"endpoint,omitempty"`

	// Network is the net/rpc network, "tcp" or "unix".
	// Default: "tcp"
	Network string `yaml:"network,omitempty" validate:"omitempty,oneof=tcp unix"`

	// Codec encodes nats and redis envelopes, "json" or "msgpack".
	// Default: "json"
	Codec string `yaml:"codec,omitempty" validate:"omitempty,oneof=json msgpack"`

	// Token is sent as a bearer token by the grpc transport.
	Token string `yaml:"token,omitempty"`

	// Timeout bounds connecting and, when the caller sets no deadline, each call.
	// Format: Go duration string (e.g., "5s")
	// Default: 10s
	Timeout string `yaml:"timeout,omitempty"`

	// SubjectPrefix is the nats subject prefix.
	// Default: "rpc"
	SubjectPrefix string `yaml:"subject_prefix,omitempty"`

	// RequestList is the redis list requests are pushed onto.
	// Default: "jobs:rpc"
	RequestList string `yaml:"request_list,omitempty"`

	// TLS secures grpc, nats and redis connections.
	TLS *TLSConfig `yaml:"tls,omitempty"`
}

// GetTimeout parses the timeout string and returns a duration.
// Returns the default value if not set or invalid.
func (t *TransportConfig) GetTimeout() time.Duration {
	if t == nil || t.Timeout == "" {
		return 10 * time.Second
	}
	d, err := time.ParseDuration(t.Timeout)
	if err != nil || d <= 0 {
		return 10 * time.Second
	}
	return d
}

// GetNetwork returns the net/rpc network or the default value.
func (t *TransportConfig) GetNetwork() string {
	if t == nil || t.Network == "" {
		return "tcp"
	}
	return t.Network
}

// LogConfig configures the structured logger.
type LogConfig struct {
	// Level is one of "debug", "info", "warn", "error".
	// Default: "info"
	Level string `yaml:"level,omitempty" validate:"omitempty,oneof=debug info warn error"`

	// Format is "text" or "json".
	// Default: "text"
	Format string `yaml:"format,omitempty" validate:"omitempty,oneof=text json"`
}

// NewLogger builds a slog.Logger writing to w.
func (l LogConfig) NewLogger(w io.Writer) *slog.Logger {
	var level slog.Level
	switch strings.ToLower(l.Level) {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}

	opts := &slog.HandlerOptions{Level: level}
	if strings.ToLower(l.Format) == "json" {
		return slog.New(slog.NewJSONHandler(w, opts))
	}
	return slog.New(slog.NewTextHandler(w, opts))
}

// Default returns the configuration used when no file is given: net/rpc on
// the job server's default RPC address.
func Default() *Config {
	return &Config{
		Service: "jobs",
		Transport: TransportConfig{
			Kind:     KindNetRPC,
			Endpoint: "127.0.0.1:6001",
		},
	}
}

// Load reads and parses a jobs.yaml file from the given path, then applies
// environment overrides and validates the result.
// If the path is a directory, it looks for jobs.yaml or jobs.yml in that directory.
func Load(path string) (*Config, error) {
	info, err := os.Stat(path)
	if err != nil {
		return nil, fmt.Errorf("failed to stat path: %w", err)
	}

	configPath := path
	if info.IsDir() {
		configPath, err = findInDir(path)
		if err != nil {
			return nil, err
		}
	}

	data, err := os.ReadFile(configPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	cfg, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("failed to parse config file %s: %w", configPath, err)
	}
	return cfg, nil
}

// Parse decodes YAML over the defaults, applies environment overrides and validates.
func Parse(data []byte) (*Config, error) {
	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, err
	}
	if err := cfg.ApplyEnv(); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// LoadFromEnv loads the file named by JOBS_CONFIG, or the defaults when it
// is unset, and applies the remaining JOBS_* overrides.
func LoadFromEnv() (*Config, error) {
	if path := os.Getenv(EnvPrefix + "_CONFIG"); path != "" {
		return Load(path)
	}

	cfg := Default()
	if err := cfg.ApplyEnv(); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// envOverrides lists the settings that can be overridden from the environment.
type envOverrides struct {
	Service            string   `envconfig:"SERVICE"`
	Transport          string   `envconfig:"TRANSPORT"`
	Endpoint           string   `envconfig:"ENDPOINT"`
	Codec              string   `envconfig:"CODEC"`
	Token              string   `envconfig:"TOKEN"`
	Timeout            string   `envconfig:"TIMEOUT"`
	DiscoveryEndpoints []string `envconfig:"DISCOVERY_ENDPOINTS"`
	LogLevel           string   `envconfig:"LOG_LEVEL"`
}

// ApplyEnv overrides fields from JOBS_* environment variables:
// JOBS_SERVICE, JOBS_TRANSPORT, JOBS_ENDPOINT, JOBS_CODEC, JOBS_TOKEN,
// JOBS_TIMEOUT, JOBS_DISCOVERY_ENDPOINTS (comma-separated) and JOBS_LOG_LEVEL.
func (c *Config) ApplyEnv() error {
	var env envOverrides
	if err := envconfig.Process(EnvPrefix, &env); err != nil {
		return fmt.Errorf("failed to read environment: %w", err)
	}

	setIf(&c.Service, env.Service)
	setIf(&c.Transport.Kind, env.Transport)
	setIf(&c.Transport.Endpoint, env.Endpoint)
	setIf(&c.Transport.Codec, env.Codec)
	setIf(&c.Transport.Token, env.Token)
	setIf(&c.Transport.Timeout, env.Timeout)
	setIf(&c.Log.Level, env.LogLevel)

	if len(env.DiscoveryEndpoints) > 0 {
		if c.Discovery == nil {
			c.Discovery = &discovery.Config{}
		}
		c.Discovery.Endpoints = env.DiscoveryEndpoints
	}
	return nil
}

var validate = validator.New()

// Validate checks field constraints and cross-field requirements.
func (c *Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) {
			msgs := make([]string, 0, len(verrs))
			for _, fe := range verrs {
				msgs = append(msgs, fmt.Sprintf("%s: failed %q", fe.Namespace(), fe.Tag()))
			}
			return fmt.Errorf("invalid config: %s", strings.Join(msgs, "; "))
		}
		return fmt.Errorf("invalid config: %w", err)
	}

	if c.Transport.Endpoint == "" && c.Discovery == nil {
		return fmt.Errorf("invalid config: transport endpoint is required without discovery")
	}
	return nil
}

// findInDir returns jobs.yaml or jobs.yml inside dir.
func findInDir(dir string) (string, error) {
	for _, name := range []string{"jobs.yaml", "jobs.yml"} {
		p := filepath.Join(dir, name)
		if _, err := os.Stat(p); err == nil {
			return p, nil
		}
	}
	return "", fmt.Errorf("no jobs.yaml or jobs.yml found in %s", dir)
}

func setIf(dst *string, v string) {
	if v != "" {
		*dst = v
	}
}
