// Package config loads the ClaimBridge configuration record: NPHIES and
// legacy portal credentials, orchestration defaults, Teams delivery
// settings, pub/sub and audit endpoints, and the resilience parameters
// shared by all outbound calls.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v2"
)

type Config struct {
	Server         ServerConfig            `yaml:"server"`
	NPHIES         NPHIESConfig            `yaml:"nphies"`
	Portals        map[string]PortalConfig `yaml:"portals"`
	Orchestrator   OrchestratorConfig      `yaml:"orchestrator"`
	Sessions       SessionsConfig          `yaml:"sessions"`
	Retry          RetryConfig             `yaml:"retry"`
	CircuitBreaker CircuitBreakerConfig    `yaml:"circuit_breaker"`
	Teams          TeamsConfig             `yaml:"teams"`
	Redis          RedisConfig             `yaml:"redis"`
	Audit          AuditConfig             `yaml:"audit"`
	Resubmission   ResubmissionConfig      `yaml:"resubmission"`
	FollowUp       FollowUpConfig          `yaml:"followup"`
	Vault          VaultConfig             `yaml:"vault"`
	API            APIConfig               `yaml:"api"`
}

type ServerConfig struct {
	Port                string `yaml:"port"`
	Env                 string `yaml:"env"`
	ReadTimeoutSeconds  int    `yaml:"read_timeout_seconds"`
	WriteTimeoutSeconds int    `yaml:"write_timeout_seconds"`
}

// NPHIES environments.
const (
	EnvProduction  = "production"
	EnvSandbox     = "sandbox"
	EnvConformance = "conformance"
)

type NPHIESConfig struct {
	Environment    string  `yaml:"environment"`
	BaseURL        string  `yaml:"base_url"`
	AuthBaseURL    string  `yaml:"auth_base_url"`
	Realm          string  `yaml:"realm"`
	GrantType      string  `yaml:"grant_type"`
	ClientID       string  `yaml:"client_id"`
	ClientSecret   string  `yaml:"client_secret"`
	Username       string  `yaml:"username"`
	Password       string  `yaml:"password"`
	OrganizationID string  `yaml:"organization_id"`
	License        string  `yaml:"license"`
	CertFile       string  `yaml:"cert_file"`
	KeyFile        string  `yaml:"key_file"`
	CAFile         string  `yaml:"ca_file"`
	TimeoutSeconds int     `yaml:"timeout_seconds"`
	AutoLogin      *bool   `yaml:"auto_login"`
	RequestsPerSec float64 `yaml:"requests_per_second"`
}

// ResolvedBaseURL returns the explicit base URL when set, otherwise the
// well-known production gateway. Sandbox and conformance deployments
// must configure base_url explicitly.
func (n NPHIESConfig) ResolvedBaseURL() string {
	if n.BaseURL != "" {
		return n.BaseURL
	}
	if n.Environment == EnvProduction {
		return "https://HSB.nphies.sa"
	}
	return ""
}

// TokenURL assembles the OpenID Connect token endpoint.
func (n NPHIESConfig) TokenURL() string {
	base := strings.TrimSuffix(n.AuthBaseURL, "/")
	return fmt.Sprintf("%s/auth/realms/%s/protocol/openid-connect/token", base, n.Realm)
}

// AutoLoginEnabled defaults to true when unset.
func (n NPHIESConfig) AutoLoginEnabled() bool {
	return n.AutoLogin == nil || *n.AutoLogin
}

type PortalConfig struct {
	BaseURL        string                       `yaml:"base_url"`
	LoginPath      string                       `yaml:"login_path"`
	SubmitPath     string                       `yaml:"submit_path"`
	StatusPath     string                       `yaml:"status_path"`
	TimeoutSeconds int                          `yaml:"timeout_seconds"`
	RequestsPerSec float64                      `yaml:"requests_per_second"`
	Branches       map[string]BranchCredentials `yaml:"branches"`
}

type BranchCredentials struct {
	Username  string `yaml:"username"`
	Password  string `yaml:"password"`
	AccountID string `yaml:"account_id"`
}

type OrchestratorConfig struct {
	DefaultStrategy      string       `yaml:"default_strategy"`
	DefaultLegacyPortals []string     `yaml:"default_legacy_portals"`
	SmartRoutes          []SmartRoute `yaml:"smart_routes"`
}

// SmartRoute picks a strategy when the named claim field contains the
// given substring (case-insensitive). First match wins.
type SmartRoute struct {
	Field    string `yaml:"field"`
	Contains string `yaml:"contains"`
	Strategy string `yaml:"strategy"`
}

type SessionsConfig struct {
	TTLMinutes           int `yaml:"ttl_minutes"`
	SweepIntervalSeconds int `yaml:"sweep_interval_seconds"`
}

func (s SessionsConfig) TTL() time.Duration {
	return time.Duration(s.TTLMinutes) * time.Minute
}

func (s SessionsConfig) SweepInterval() time.Duration {
	return time.Duration(s.SweepIntervalSeconds) * time.Second
}

type RetryConfig struct {
	MaxAttempts    int     `yaml:"max_attempts"`
	InitialDelayMs int     `yaml:"initial_delay_ms"`
	Backoff        float64 `yaml:"backoff"`
}

func (r RetryConfig) InitialDelay() time.Duration {
	return time.Duration(r.InitialDelayMs) * time.Millisecond
}

type CircuitBreakerConfig struct {
	Threshold      int `yaml:"threshold"`
	TimeoutSeconds int `yaml:"timeout_seconds"`
}

func (c CircuitBreakerConfig) Timeout() time.Duration {
	return time.Duration(c.TimeoutSeconds) * time.Second
}

type TeamsConfig struct {
	Webhooks            map[string]string `yaml:"webhooks"`
	StakeholderChannels map[string]string `yaml:"stakeholder_channels"`
	HMACKey             string            `yaml:"hmac_key"`
	MaxPerMinute        int               `yaml:"max_per_minute"`
	MaxBurst            int               `yaml:"max_burst"`
	MaxRetries          int               `yaml:"max_retries"`
	BackoffBase         float64           `yaml:"backoff_base"`
	TimeoutSeconds      int               `yaml:"timeout_seconds"`
	TemplateDir         string            `yaml:"template_dir"`
	MonitoringURL       string            `yaml:"monitoring_url"`
	RunbookURL          string            `yaml:"runbook_url"`
	PortalStatusURL     string            `yaml:"portal_status_url"`
}

type RedisConfig struct {
	URL           string `yaml:"url"`
	ChannelPrefix string `yaml:"channel_prefix"`
}

type AuditConfig struct {
	DSN string `yaml:"dsn"`
}

type ResubmissionConfig struct {
	MaxAttempts           int    `yaml:"max_attempts"`
	RetryDelayHours       int    `yaml:"retry_delay_hours"`
	EscalateAfterAttempts int    `yaml:"escalate_after_attempts"`
	AutoCorrectEnabled    *bool  `yaml:"auto_correct_enabled"`
	NotifyOnFailure       *bool  `yaml:"notify_on_failure"`
	HistoryBackend        string `yaml:"history_backend"`
}

func (r ResubmissionConfig) AutoCorrect() bool {
	return r.AutoCorrectEnabled == nil || *r.AutoCorrectEnabled
}

func (r ResubmissionConfig) Notify() bool {
	return r.NotifyOnFailure == nil || *r.NotifyOnFailure
}

type FollowUpConfig struct {
	WorkbookPath        string `yaml:"workbook_path"`
	SheetName           string `yaml:"sheet_name"`
	BranchDirectoryPath string `yaml:"branch_directory_path"`
	ScanIntervalMinutes int    `yaml:"scan_interval_minutes"`
}

func (f FollowUpConfig) ScanInterval() time.Duration {
	return time.Duration(f.ScanIntervalMinutes) * time.Minute
}

type VaultConfig struct {
	Enabled               bool   `yaml:"enabled"`
	Address               string `yaml:"address"`
	TokenFile             string `yaml:"token_file"`
	HealthIntervalSeconds int    `yaml:"health_interval_seconds"`
}

type APIConfig struct {
	APIKeys            []string `yaml:"api_keys"`
	RateLimitPerMinute int      `yaml:"rate_limit_per_minute"`
}

// Load reads a YAML config file, applies environment overrides, fills
// defaults, and validates the result.
func Load(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open config: %w", err)
	}
	defer f.Close()

	var cfg Config
	if err := yaml.NewDecoder(f).Decode(&cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	cfg.applyEnvOverrides()
	cfg.applyDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) applyEnvOverrides() {
	envOverride(&c.Server.Port, "PORT")
	envOverride(&c.NPHIES.ClientID, "NPHIES_CLIENT_ID")
	envOverride(&c.NPHIES.ClientSecret, "NPHIES_CLIENT_SECRET")
	envOverride(&c.NPHIES.Username, "NPHIES_USERNAME")
	envOverride(&c.NPHIES.Password, "NPHIES_PASSWORD")
	envOverride(&c.Redis.URL, "REDIS_URL")
	envOverride(&c.Audit.DSN, "AUDIT_DSN")
	envOverride(&c.Teams.HMACKey, "TEAMS_HMAC_KEY")
	envOverride(&c.Vault.Address, "VAULT_ADDR")
}

func envOverride(target *string, key string) {
	if v := os.Getenv(key); v != "" {
		*target = v
	}
}

func (c *Config) applyDefaults() {
	if c.Server.Port == "" {
		c.Server.Port = "8080"
	}
	if c.Server.ReadTimeoutSeconds == 0 {
		c.Server.ReadTimeoutSeconds = 15
	}
	if c.Server.WriteTimeoutSeconds == 0 {
		c.Server.WriteTimeoutSeconds = 30
	}
	if c.NPHIES.Environment == "" {
		c.NPHIES.Environment = EnvSandbox
	}
	if c.NPHIES.GrantType == "" {
		c.NPHIES.GrantType = "client_credentials"
	}
	if c.NPHIES.Realm == "" {
		c.NPHIES.Realm = "nphies"
	}
	if c.NPHIES.TimeoutSeconds == 0 {
		c.NPHIES.TimeoutSeconds = 30
	}
	if c.Orchestrator.DefaultStrategy == "" {
		c.Orchestrator.DefaultStrategy = "NPHIES_FIRST"
	}
	if len(c.Orchestrator.DefaultLegacyPortals) == 0 {
		for portal := range c.Portals {
			c.Orchestrator.DefaultLegacyPortals = append(c.Orchestrator.DefaultLegacyPortals, portal)
		}
	}
	if len(c.Orchestrator.SmartRoutes) == 0 {
		// Bupa claims dual-submit: their portal lags the gateway by days.
		c.Orchestrator.SmartRoutes = []SmartRoute{
			{Field: "insuranceId", Contains: "BUPA", Strategy: "ALL_PORTALS"},
		}
	}
	if c.Sessions.TTLMinutes == 0 {
		c.Sessions.TTLMinutes = 30
	}
	if c.Sessions.SweepIntervalSeconds == 0 {
		c.Sessions.SweepIntervalSeconds = 60
	}
	if c.Retry.MaxAttempts == 0 {
		c.Retry.MaxAttempts = 3
	}
	if c.Retry.InitialDelayMs == 0 {
		c.Retry.InitialDelayMs = 1000
	}
	if c.Retry.Backoff == 0 {
		c.Retry.Backoff = 2.0
	}
	if c.CircuitBreaker.Threshold == 0 {
		c.CircuitBreaker.Threshold = 5
	}
	if c.CircuitBreaker.TimeoutSeconds == 0 {
		c.CircuitBreaker.TimeoutSeconds = 60
	}
	if c.Teams.MaxPerMinute == 0 {
		c.Teams.MaxPerMinute = 60
	}
	if c.Teams.MaxBurst == 0 {
		c.Teams.MaxBurst = 10
	}
	if c.Teams.MaxRetries == 0 {
		c.Teams.MaxRetries = 3
	}
	if c.Teams.BackoffBase == 0 {
		c.Teams.BackoffBase = 2.0
	}
	if c.Teams.TimeoutSeconds == 0 {
		c.Teams.TimeoutSeconds = 10
	}
	if c.Teams.TemplateDir == "" {
		c.Teams.TemplateDir = "templates"
	}
	if c.Redis.ChannelPrefix == "" {
		c.Redis.ChannelPrefix = "claimbridge."
	}
	if c.Resubmission.MaxAttempts == 0 {
		c.Resubmission.MaxAttempts = 3
	}
	if c.Resubmission.RetryDelayHours == 0 {
		c.Resubmission.RetryDelayHours = 24
	}
	if c.Resubmission.EscalateAfterAttempts == 0 {
		c.Resubmission.EscalateAfterAttempts = 2
	}
	if c.Resubmission.HistoryBackend == "" {
		c.Resubmission.HistoryBackend = "memory"
	}
	if c.FollowUp.ScanIntervalMinutes == 0 {
		c.FollowUp.ScanIntervalMinutes = 60
	}
	if c.Vault.HealthIntervalSeconds == 0 {
		c.Vault.HealthIntervalSeconds = 30
	}
	if c.API.RateLimitPerMinute == 0 {
		c.API.RateLimitPerMinute = 120
	}
}

// Validate rejects configurations the process cannot start with. Missing
// channel mappings are deliberately not errors; the aggregator logs and
// skips them per delivery.
func (c *Config) Validate() error {
	switch c.NPHIES.Environment {
	case EnvProduction, EnvSandbox, EnvConformance:
	default:
		return fmt.Errorf("nphies.environment must be production, sandbox, or conformance (got %q)", c.NPHIES.Environment)
	}
	if c.NPHIES.ResolvedBaseURL() == "" {
		return fmt.Errorf("nphies.base_url is required for the %s environment", c.NPHIES.Environment)
	}
	switch c.NPHIES.GrantType {
	case "client_credentials":
		if c.NPHIES.ClientID == "" {
			return fmt.Errorf("nphies.client_id is required for the client_credentials grant")
		}
	case "password":
		if c.NPHIES.Username == "" || c.NPHIES.Password == "" {
			return fmt.Errorf("nphies.username and nphies.password are required for the password grant")
		}
	default:
		return fmt.Errorf("nphies.grant_type must be client_credentials or password (got %q)", c.NPHIES.GrantType)
	}
	for name, p := range c.Portals {
		if p.BaseURL == "" {
			return fmt.Errorf("portals.%s.base_url is required", name)
		}
	}
	if _, err := parseStrategyName(c.Orchestrator.DefaultStrategy); err != nil {
		return fmt.Errorf("orchestrator.default_strategy: %w", err)
	}
	for i, route := range c.Orchestrator.SmartRoutes {
		if _, err := parseStrategyName(route.Strategy); err != nil {
			return fmt.Errorf("orchestrator.smart_routes[%d]: %w", i, err)
		}
	}
	return nil
}

// parseStrategyName mirrors the orchestrator's strategy set without
// importing it; config sits below every other package.
func parseStrategyName(s string) (string, error) {
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case "NPHIES_ONLY", "LEGACY_ONLY", "NPHIES_FIRST", "ALL_PORTALS", "SMART_ROUTE", "ALL_REQUIRED":
		return strings.ToUpper(strings.TrimSpace(s)), nil
	}
	return "", fmt.Errorf("unknown strategy %q", s)
}
