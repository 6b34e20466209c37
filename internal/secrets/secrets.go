// Package secrets abstracts where portal credentials, database logins,
// and client certificates come from. Production runs against a
// Vault-compatible API; development and tests run on environment
// variables.
package secrets

import (
	"context"
	"errors"
	"time"
)

var (
	// ErrNotFound means the path or role has no secret material.
	ErrNotFound = errors.New("secrets: not found")
	// ErrNotSupported means the provider cannot serve the operation,
	// e.g. certificate issuance from the env provider.
	ErrNotSupported = errors.New("secrets: operation not supported by provider")
)

// Credentials is a leased username/password pair.
type Credentials struct {
	Username string
	Password string
	// LeaseTTL is zero for static credentials.
	LeaseTTL time.Duration
}

// ClientCertificate is freshly issued client TLS material in PEM form.
type ClientCertificate struct {
	CertificatePEM string
	PrivateKeyPEM  string
	CAChainPEM     []string
	SerialNumber   string
	NotAfter       time.Time
}

// Provider serves the secret material the platform consumes.
type Provider interface {
	// Read returns the key/value payload stored at path.
	Read(ctx context.Context, path string) (map[string]string, error)
	// DatabaseCredentials returns a login for the named database role.
	DatabaseCredentials(ctx context.Context, role string) (*Credentials, error)
	// BrokerCredentials returns a login for the named messaging role.
	BrokerCredentials(ctx context.Context, role string) (*Credentials, error)
	// IssueClientCertificate mints client TLS material for mutual-TLS
	// portal connections.
	IssueClientCertificate(ctx context.Context, commonName string, ttl time.Duration) (*ClientCertificate, error)
}
