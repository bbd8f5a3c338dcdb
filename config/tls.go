package config

import (
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"os"
)

// TLSConfig holds TLS settings for a transport connection.
type TLSConfig struct {
	// CAFile verifies the server certificate. System roots are used when empty.
	CAFile string `yaml:"ca_file,omitempty"`

	// CertFile and KeyFile present a client certificate. Both or neither.
	CertFile string `yaml:"cert_file,omitempty" validate:"required_with=KeyFile"`
	KeyFile  string `yaml:"key_file,omitempty" validate:"required_with=CertFile"`

	// ServerName overrides the name checked against the server certificate.
	ServerName string `yaml:"server_name,omitempty"`

	// InsecureSkipVerify disables server certificate verification.
	InsecureSkipVerify bool `yaml:"insecure_skip_verify,omitempty"`
}

// ClientConfig creates a tls.Config for client connections. A nil
// TLSConfig yields nil, meaning a plaintext connection.
func (t *TLSConfig) ClientConfig() (*tls.Config, error) {
	if t == nil {
		return nil, nil
	}

	conf := &tls.Config{
		ServerName:         t.ServerName,
		InsecureSkipVerify: t.InsecureSkipVerify,
		MinVersion:         tls.VersionTLS12,
	}

	if t.CertFile != "" {
		cert, err := tls.LoadX509KeyPair(t.CertFile, t.KeyFile)
		if err != nil {
			return nil, fmt.Errorf("failed to load client certificate: %w", err)
		}
		conf.Certificates = []tls.Certificate{cert}
	}

	if t.CAFile != "" {
		caData, err := os.ReadFile(t.CAFile)
		if err != nil {
			return nil, fmt.Errorf("failed to read CA certificate: %w", err)
		}
		pool := x509.NewCertPool()
		if !pool.AppendCertsFromPEM(caData) {
			return nil, fmt.Errorf("failed to parse CA certificate")
		}
		conf.RootCAs = pool
	}

	return conf, nil
}
