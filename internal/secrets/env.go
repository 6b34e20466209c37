package secrets

import (
	"context"
	"fmt"
	"os"
	"strings"
	"time"
)

// EnvProvider reads secrets from environment variables. It is the
// bootstrap fallback when Vault is disabled and the provider used by
// most tests.
//
// A path like "portals/nphies" maps to the variable prefix
// "<PREFIX>_PORTALS_NPHIES_"; every variable under that prefix becomes
// a lowercased key in the returned map.
type EnvProvider struct {
	prefix string
}

// NewEnvProvider creates a provider rooted at prefix (default
// "CLAIMBRIDGE_SECRET").
func NewEnvProvider(prefix string) *EnvProvider {
	if prefix == "" {
		prefix = "CLAIMBRIDGE_SECRET"
	}
	return &EnvProvider{prefix: strings.TrimSuffix(prefix, "_")}
}

func (p *EnvProvider) Read(_ context.Context, path string) (map[string]string, error) {
	want := p.prefix + "_" + envSegment(path) + "_"

	out := make(map[string]string)
	for _, kv := range os.Environ() {
		eq := strings.IndexByte(kv, '=')
		if eq < 0 {
			continue
		}
		key, value := kv[:eq], kv[eq+1:]
		if !strings.HasPrefix(key, want) {
			continue
		}
		out[strings.ToLower(strings.TrimPrefix(key, want))] = value
	}
	if len(out) == 0 {
		return nil, fmt.Errorf("%w: %s (no %s* variables)", ErrNotFound, path, want)
	}
	return out, nil
}

func (p *EnvProvider) DatabaseCredentials(ctx context.Context, role string) (*Credentials, error) {
	return p.roleCredentials(ctx, "db", role)
}

func (p *EnvProvider) BrokerCredentials(ctx context.Context, role string) (*Credentials, error) {
	return p.roleCredentials(ctx, "broker", role)
}

// IssueClientCertificate is not served from the environment; the
// portal layer falls back to certificate files named in config.
func (p *EnvProvider) IssueClientCertificate(context.Context, string, time.Duration) (*ClientCertificate, error) {
	return nil, ErrNotSupported
}

func (p *EnvProvider) roleCredentials(ctx context.Context, kind, role string) (*Credentials, error) {
	values, err := p.Read(ctx, kind+"/"+role)
	if err != nil {
		return nil, err
	}
	username, password := values["username"], values["password"]
	if username == "" || password == "" {
		return nil, fmt.Errorf("%w: %s/%s missing username or password", ErrNotFound, kind, role)
	}
	return &Credentials{Username: username, Password: password}, nil
}

// envSegment turns "portals/nphies-prod" into "PORTALS_NPHIES_PROD".
func envSegment(path string) string {
	segment := strings.ToUpper(path)
	segment = strings.NewReplacer("/", "_", "-", "_", ".", "_").Replace(segment)
	return strings.Trim(segment, "_")
}
