package secrets

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/claimbridge/backend/internal/resilience"
)

// VaultConfig wires the provider to a Vault-compatible API.
type VaultConfig struct {
	Address   string
	Token     string
	TokenFile string

	// Mount points, overridable for non-default Vault layouts.
	KVMount       string // default "secret"
	DatabaseMount string // default "database"
	BrokerMount   string // default "rabbitmq"
	PKIMount      string // default "pki"
	PKIRole       string // default "client"

	Timeout time.Duration // default 10s
}

// VaultProvider implements Provider against the Vault HTTP API:
// KV v2 reads, database credential leases, and PKI issuance.
type VaultProvider struct {
	cfg    VaultConfig
	token  string
	client *http.Client
	logger *log.Logger
}

// NewVaultProvider resolves the token (config literal, token file, then
// VAULT_TOKEN) and returns a ready provider. No network call is made
// until the first request.
func NewVaultProvider(cfg VaultConfig) (*VaultProvider, error) {
	if cfg.Address == "" {
		return nil, fmt.Errorf("vault provider: address is required")
	}
	cfg.Address = strings.TrimSuffix(cfg.Address, "/")
	if cfg.KVMount == "" {
		cfg.KVMount = "secret"
	}
	if cfg.DatabaseMount == "" {
		cfg.DatabaseMount = "database"
	}
	if cfg.BrokerMount == "" {
		cfg.BrokerMount = "rabbitmq"
	}
	if cfg.PKIMount == "" {
		cfg.PKIMount = "pki"
	}
	if cfg.PKIRole == "" {
		cfg.PKIRole = "client"
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = 10 * time.Second
	}

	token := cfg.Token
	if token == "" && cfg.TokenFile != "" {
		raw, err := os.ReadFile(cfg.TokenFile)
		if err != nil {
			return nil, fmt.Errorf("vault provider: read token file: %w", err)
		}
		token = strings.TrimSpace(string(raw))
	}
	if token == "" {
		token = os.Getenv("VAULT_TOKEN")
	}
	if token == "" {
		return nil, fmt.Errorf("vault provider: no token (set config, token file, or VAULT_TOKEN)")
	}

	return &VaultProvider{
		cfg:    cfg,
		token:  token,
		client: &http.Client{Timeout: cfg.Timeout},
		logger: log.New(log.Writer(), "[VAULT] ", log.LstdFlags),
	}, nil
}

// Read fetches a KV v2 secret. Non-string values are stringified.
func (p *VaultProvider) Read(ctx context.Context, path string) (map[string]string, error) {
	var body struct {
		Data struct {
			Data map[string]interface{} `json:"data"`
		} `json:"data"`
	}
	url := fmt.Sprintf("%s/v1/%s/data/%s", p.cfg.Address, p.cfg.KVMount, strings.TrimPrefix(path, "/"))
	if err := p.doJSON(ctx, http.MethodGet, url, nil, &body); err != nil {
		return nil, fmt.Errorf("vault read %s: %w", path, err)
	}
	if len(body.Data.Data) == 0 {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, path)
	}

	out := make(map[string]string, len(body.Data.Data))
	for k, v := range body.Data.Data {
		switch val := v.(type) {
		case string:
			out[k] = val
		default:
			out[k] = fmt.Sprintf("%v", val)
		}
	}
	return out, nil
}

// DatabaseCredentials leases a dynamic login from the database engine.
func (p *VaultProvider) DatabaseCredentials(ctx context.Context, role string) (*Credentials, error) {
	return p.leaseCredentials(ctx, p.cfg.DatabaseMount, role)
}

// BrokerCredentials leases a dynamic login from the messaging engine.
func (p *VaultProvider) BrokerCredentials(ctx context.Context, role string) (*Credentials, error) {
	return p.leaseCredentials(ctx, p.cfg.BrokerMount, role)
}

func (p *VaultProvider) leaseCredentials(ctx context.Context, mount, role string) (*Credentials, error) {
	var body struct {
		LeaseDuration int `json:"lease_duration"`
		Data          struct {
			Username string `json:"username"`
			Password string `json:"password"`
		} `json:"data"`
	}
	url := fmt.Sprintf("%s/v1/%s/creds/%s", p.cfg.Address, mount, role)
	if err := p.doJSON(ctx, http.MethodGet, url, nil, &body); err != nil {
		return nil, fmt.Errorf("vault creds %s/%s: %w", mount, role, err)
	}
	if body.Data.Username == "" {
		return nil, fmt.Errorf("%w: %s/creds/%s", ErrNotFound, mount, role)
	}
	return &Credentials{
		Username: body.Data.Username,
		Password: body.Data.Password,
		LeaseTTL: time.Duration(body.LeaseDuration) * time.Second,
	}, nil
}

// IssueClientCertificate mints client TLS material from the PKI engine.
func (p *VaultProvider) IssueClientCertificate(ctx context.Context, commonName string, ttl time.Duration) (*ClientCertificate, error) {
	reqBody := map[string]interface{}{
		"common_name": commonName,
	}
	if ttl > 0 {
		reqBody["ttl"] = ttl.String()
	}

	var body struct {
		Data struct {
			Certificate  string   `json:"certificate"`
			PrivateKey   string   `json:"private_key"`
			CAChain      []string `json:"ca_chain"`
			SerialNumber string   `json:"serial_number"`
			Expiration   int64    `json:"expiration"`
		} `json:"data"`
	}
	url := fmt.Sprintf("%s/v1/%s/issue/%s", p.cfg.Address, p.cfg.PKIMount, p.cfg.PKIRole)
	if err := p.doJSON(ctx, http.MethodPost, url, reqBody, &body); err != nil {
		return nil, fmt.Errorf("vault pki issue %s: %w", commonName, err)
	}
	if body.Data.Certificate == "" {
		return nil, fmt.Errorf("vault pki issue %s: empty certificate in response", commonName)
	}

	p.logger.Printf("Issued client certificate for %s (serial %s)", commonName, body.Data.SerialNumber)
	return &ClientCertificate{
		CertificatePEM: body.Data.Certificate,
		PrivateKeyPEM:  body.Data.PrivateKey,
		CAChainPEM:     body.Data.CAChain,
		SerialNumber:   body.Data.SerialNumber,
		NotAfter:       time.Unix(body.Data.Expiration, 0).UTC(),
	}, nil
}

// SealStatus is the subset of sys/health the platform watches.
type SealStatus struct {
	Initialized bool   `json:"initialized"`
	Sealed      bool   `json:"sealed"`
	Standby     bool   `json:"standby"`
	Version     string `json:"version"`
}

// SealStatus polls sys/health. The query parameters force a 200 for
// sealed and standby nodes so the body is always parseable.
func (p *VaultProvider) SealStatus(ctx context.Context) (*SealStatus, error) {
	url := p.cfg.Address + "/v1/sys/health?standbyok=true&sealedcode=200&uninitcode=200&standbycode=200"
	var status SealStatus
	if err := p.doJSON(ctx, http.MethodGet, url, nil, &status); err != nil {
		return nil, fmt.Errorf("vault health: %w", err)
	}
	return &status, nil
}

func (p *VaultProvider) doJSON(ctx context.Context, method, url string, reqBody, out interface{}) error {
	var reader io.Reader
	if reqBody != nil {
		raw, err := json.Marshal(reqBody)
		if err != nil {
			return fmt.Errorf("marshal request: %w", err)
		}
		reader = bytes.NewReader(raw)
	}

	req, err := http.NewRequestWithContext(ctx, method, url, reader)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("X-Vault-Token", p.token)
	if reqBody != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := p.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return ErrNotFound
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return resilience.NewStatusError(resp.StatusCode, string(raw))
	}

	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}
