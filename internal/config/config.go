package config

import (
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/kelseyhightower/envconfig"
	"gopkg.in/yaml.v3"

	"milestonepay/internal/ss58"
	"milestonepay/internal/timeline"
)

// EnvPrefix is the prefix for environment overrides, e.g.
// MPAY_AUTH_EXPECTED_DOMAIN or MPAY_MULTISIG_SIGNERS=a,b,c.
const EnvPrefix = "MPAY"

const (
	EnvDevelopment = "development"
	EnvProduction  = "production"
)

// Config models milestonepay.yml. It is loaded once at startup and shared by
// reference; nothing mutates it afterwards.
type Config struct {
	Environment string          `yaml:"environment" split_words:"true"`
	ServiceName string          `yaml:"service_name" split_words:"true"`
	Server      ServerConfig    `yaml:"server" split_words:"true"`
	Auth        AuthConfig      `yaml:"auth" split_words:"true"`
	Multisig    MultisigConfig  `yaml:"multisig" split_words:"true"`
	Program     ProgramConfig   `yaml:"program" split_words:"true"`
	Webhooks    []WebhookConfig `yaml:"webhooks" ignored:"true"`
}

type ServerConfig struct {
	Addr     string `yaml:"addr" split_words:"true"`
	BasePath string `yaml:"base_path" split_words:"true"`
}

type AuthConfig struct {
	ExpectedDomain  string        `yaml:"expected_domain" split_words:"true"`
	SkipDomainCheck bool          `yaml:"skip_domain_check" split_words:"true"`
	DevBypass       bool          `yaml:"dev_bypass" split_words:"true"`
	GlobalSigners   []string      `yaml:"global_signers" split_words:"true"`
	NonceTTL        time.Duration `yaml:"nonce_ttl" split_words:"true"`
	NonceDir        string        `yaml:"nonce_dir" split_words:"true"`
	JWTSecret       string        `yaml:"jwt_secret" split_words:"true"`
	TokenTTL        time.Duration `yaml:"token_ttl" split_words:"true"`
}

type MultisigConfig struct {
	Network            string        `yaml:"network" split_words:"true"`
	RPCEndpoint        string        `yaml:"rpc_endpoint" split_words:"true"`
	WalletURL          string        `yaml:"wallet_url" split_words:"true"`
	Signers            []string      `yaml:"signers" split_words:"true"`
	Threshold          uint16        `yaml:"threshold" split_words:"true"`
	ExplorerURL        string        `yaml:"explorer_url" split_words:"true"`
	MaxWeightRefTime   uint64        `yaml:"max_weight_ref_time" split_words:"true"`
	MaxWeightProofSize uint64        `yaml:"max_weight_proof_size" split_words:"true"`
	RequestTimeout     time.Duration `yaml:"request_timeout" split_words:"true"`
}

type ProgramConfig struct {
	ReferenceEndDate string `yaml:"reference_end_date" split_words:"true"`
}

type WebhookConfig struct {
	URL            string   `yaml:"url"`
	Secret         string   `yaml:"secret"`
	Events         []string `yaml:"events"`
	Enabled        *bool    `yaml:"enabled"`
	TimeoutSeconds int      `yaml:"timeout_seconds"`
}

// Networks supported by the call builder.
var networks = map[string]uint16{
	"polkadot": ss58.PrefixPolkadot,
	"kusama":   ss58.PrefixKusama,
	"westend":  ss58.PrefixGeneric,
	"paseo":    ss58.PrefixGeneric,
}

// SS58Prefix returns the address prefix of the configured network.
func (c *Config) SS58Prefix() uint16 {
	return networks[strings.ToLower(c.Multisig.Network)]
}

func (c *Config) Production() bool {
	return c.Environment == EnvProduction
}

// DevBypassActive reports whether the local authorization bypass applies.
// It is never active in production.
func (c *Config) DevBypassActive() bool {
	return c.Auth.DevBypass && !c.Production()
}

// Default returns a development configuration.
func Default() *Config {
	return &Config{
		Environment: EnvDevelopment,
		ServiceName: "Milestone Pay",
		Server: ServerConfig{
			Addr:     "127.0.0.1:8080",
			BasePath: "/v1",
		},
		Auth: AuthConfig{
			ExpectedDomain: "localhost:8080",
			NonceTTL:       24 * time.Hour,
			TokenTTL:       12 * time.Hour,
		},
		Multisig: MultisigConfig{
			Network:            "westend",
			RPCEndpoint:        "wss://westend-asset-hub-rpc.polkadot.io",
			WalletURL:          "http://127.0.0.1:9955",
			Threshold:          2,
			ExplorerURL:        "https://assethub-westend.subscan.io/extrinsic/%s",
			MaxWeightRefTime:   10_000_000_000,
			MaxWeightProofSize: 1_000_000,
			RequestTimeout:     30 * time.Second,
		},
	}
}

// Load reads the workspace config, applies environment overrides and
// validates the result.
func Load(workspace string) (*Config, error) {
	path := Path(workspace)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("config %s not found; create one with mpay config init", path)
		}
		return nil, err
	}
	return FromYAML(data)
}

// LoadOptional falls back to Default when the file is missing.
func LoadOptional(workspace string) (*Config, error) {
	data, err := os.ReadFile(Path(workspace))
	if err != nil {
		if os.IsNotExist(err) {
			cfg := Default()
			if err := applyEnv(cfg); err != nil {
				return nil, err
			}
			if err := cfg.Validate(); err != nil {
				return nil, err
			}
			return cfg, nil
		}
		return nil, err
	}
	return FromYAML(data)
}

// FromFile reads YAML config from the given path.
func FromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return FromYAML(data)
}

// FromYAML parses raw YAML over the defaults, applies environment overrides
// and validates.
func FromYAML(data []byte) (*Config, error) {
	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("invalid config yaml: %w", err)
	}
	if err := applyEnv(cfg); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func applyEnv(cfg *Config) error {
	if err := envconfig.Process(EnvPrefix, cfg); err != nil {
		return fmt.Errorf("environment overrides: %w", err)
	}
	return nil
}

// Validate returns the first violated rule.
func (c *Config) Validate() error {
	switch c.Environment {
	case EnvDevelopment, EnvProduction, "test":
	default:
		return fmt.Errorf("config.environment must be development, test or production")
	}
	if strings.TrimSpace(c.ServiceName) == "" {
		return fmt.Errorf("config.service_name is required")
	}
	if c.Production() {
		if c.Auth.DevBypass {
			return fmt.Errorf("config.auth.dev_bypass cannot be enabled in production")
		}
		if c.Auth.SkipDomainCheck {
			return fmt.Errorf("config.auth.skip_domain_check cannot be enabled in production")
		}
		if c.Auth.JWTSecret != "" && len(c.Auth.JWTSecret) < 32 {
			return fmt.Errorf("config.auth.jwt_secret must be at least 32 bytes in production")
		}
	}
	if strings.TrimSpace(c.Auth.ExpectedDomain) == "" && !c.Auth.SkipDomainCheck {
		return fmt.Errorf("config.auth.expected_domain is required")
	}
	if c.Auth.NonceTTL <= 0 {
		return fmt.Errorf("config.auth.nonce_ttl must be positive")
	}
	for _, addr := range c.Auth.GlobalSigners {
		if !ss58.Valid(addr) {
			return fmt.Errorf("config.auth.global_signers contains invalid address %q", addr)
		}
	}
	if _, ok := networks[strings.ToLower(c.Multisig.Network)]; !ok {
		return fmt.Errorf("config.multisig.network %q is not supported", c.Multisig.Network)
	}
	seen := map[ss58.AccountID]bool{}
	for _, addr := range c.Multisig.Signers {
		id, _, err := ss58.Decode(addr)
		if err != nil {
			return fmt.Errorf("config.multisig.signers contains invalid address %q", addr)
		}
		if seen[id] {
			return fmt.Errorf("config.multisig.signers contains duplicate address %q", addr)
		}
		seen[id] = true
	}
	if len(c.Multisig.Signers) > 0 {
		if c.Multisig.Threshold < 2 || int(c.Multisig.Threshold) > len(c.Multisig.Signers) {
			return fmt.Errorf("config.multisig.threshold must be between 2 and %d", len(c.Multisig.Signers))
		}
	}
	if c.Multisig.RPCEndpoint != "" {
		u, err := url.Parse(c.Multisig.RPCEndpoint)
		if err != nil || (u.Scheme != "ws" && u.Scheme != "wss") {
			return fmt.Errorf("config.multisig.rpc_endpoint must be a ws:// or wss:// URL")
		}
	}
	if c.Multisig.WalletURL != "" {
		u, err := url.Parse(c.Multisig.WalletURL)
		if err != nil || (u.Scheme != "http" && u.Scheme != "https") {
			return fmt.Errorf("config.multisig.wallet_url must be an http(s) URL")
		}
	}
	if c.Multisig.ExplorerURL != "" && strings.Count(c.Multisig.ExplorerURL, "%s") != 1 {
		return fmt.Errorf("config.multisig.explorer_url must contain exactly one %%s placeholder")
	}
	if c.Program.ReferenceEndDate != "" {
		if _, err := timeline.ParseDate(c.Program.ReferenceEndDate); err != nil {
			return fmt.Errorf("config.program.reference_end_date: %w", err)
		}
	}
	for i, hook := range c.Webhooks {
		if strings.TrimSpace(hook.URL) == "" {
			return fmt.Errorf("webhook %d has empty url", i)
		}
	}
	return nil
}

// Path returns the config file path for a workspace.
func Path(workspace string) string {
	if workspace == "" {
		workspace = "."
	}
	return filepath.Join(workspace, "milestonepay.yml")
}

// Marshal renders the config as YAML. The JWT secret is redacted.
func (c *Config) Marshal() (string, error) {
	cp := *c
	if cp.Auth.JWTSecret != "" {
		cp.Auth.JWTSecret = "<redacted>"
	}
	out, err := yaml.Marshal(&cp)
	if err != nil {
		return "", err
	}
	return string(out), nil
}

// GenerateDefault returns a starter milestonepay.yml.
func GenerateDefault() string {
	return defaultTemplate
}

const defaultTemplate = `environment: development
service_name: Milestone Pay

server:
  addr: 127.0.0.1:8080
  base_path: /v1

auth:
  expected_domain: localhost:8080
  skip_domain_check: false
  dev_bypass: false
  nonce_ttl: 24h
  token_ttl: 12h
  global_signers: []

multisig:
  network: westend
  rpc_endpoint: wss://westend-asset-hub-rpc.polkadot.io
  wallet_url: http://127.0.0.1:9955
  threshold: 2
  signers: []
  explorer_url: https://assethub-westend.subscan.io/extrinsic/%s
  max_weight_ref_time: 10000000000
  max_weight_proof_size: 1000000
  request_timeout: 30s

program:
  reference_end_date: ""

webhooks: []
`
