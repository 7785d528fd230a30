package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Duration is a time.Duration that unmarshals from YAML strings like "5m".
type Duration time.Duration

func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var raw string
	if err := value.Decode(&raw); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(strings.TrimSpace(raw))
	if err != nil {
		return fmt.Errorf("parse duration %q: %w", raw, err)
	}
	*d = Duration(parsed)
	return nil
}

// Std returns the standard library duration value.
func (d Duration) Std() time.Duration { return time.Duration(d) }

// Config holds the gateway runtime configuration. Values from the YAML
// file are overridden by GATEWAY_* environment variables so deployments
// can keep secrets out of the file.
type Config struct {
	Environment string         `yaml:"environment"`
	Server      ServerConfig   `yaml:"server"`
	Database    DatabaseConfig `yaml:"database"`
	Redis       RedisConfig    `yaml:"redis"`
	Auth        AuthConfig     `yaml:"auth"`
	RateLimit   RateLimit      `yaml:"rate_limit"`
}

type ServerConfig struct {
	Addr     string `yaml:"addr"`
	GRPCAddr string `yaml:"grpc_addr"`
}

type DatabaseConfig struct {
	DSN string `yaml:"dsn"`
}

type RedisConfig struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
}

// AuthConfig configures the identity core. SigningSecret signs session
// credentials; HandshakeToken is the default tenant signing token, with
// TenantTokens overriding it per tenant.
type AuthConfig struct {
	SigningSecret  string            `yaml:"signing_secret"`
	Issuer         string            `yaml:"issuer"`
	HandshakeToken string            `yaml:"handshake_token"`
	TenantTokens   map[string]string `yaml:"tenant_tokens"`
	LinkTTL        Duration          `yaml:"link_ttl"`
	ReplayWindow   Duration          `yaml:"replay_window"`
	LoginPath      string            `yaml:"login_path"`
}

type RateLimit struct {
	Burst     int `yaml:"burst"`
	PerSecond int `yaml:"per_second"`
}

// Load reads an optional YAML file, applies environment overrides, fills
// defaults and validates the result.
func Load(path string) (*Config, error) {
	cfg := &Config{}
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config: %w", err)
		}
	}
	cfg.applyEnv()
	cfg.applyDefaults()
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) applyEnv() {
	if v := os.Getenv("GATEWAY_ENV"); v != "" {
		c.Environment = v
	}
	if v := os.Getenv("GATEWAY_ADDR"); v != "" {
		c.Server.Addr = v
	}
	if v := os.Getenv("GATEWAY_GRPC_ADDR"); v != "" {
		c.Server.GRPCAddr = v
	}
	if v := os.Getenv("GATEWAY_PG_DSN"); v != "" {
		c.Database.DSN = v
	}
	if v := os.Getenv("GATEWAY_REDIS_ADDR"); v != "" {
		c.Redis.Addr = v
	}
	if v := os.Getenv("GATEWAY_REDIS_PASSWORD"); v != "" {
		c.Redis.Password = v
	}
	if v := os.Getenv("GATEWAY_REDIS_DB"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.Redis.DB = n
		}
	}
	if v := os.Getenv("GATEWAY_AUTH_SECRET"); v != "" {
		c.Auth.SigningSecret = v
	}
	if v := os.Getenv("GATEWAY_HANDSHAKE_TOKEN"); v != "" {
		c.Auth.HandshakeToken = v
	}
	if v := os.Getenv("GATEWAY_ISSUER"); v != "" {
		c.Auth.Issuer = v
	}
}

func (c *Config) applyDefaults() {
	if c.Environment == "" {
		c.Environment = "development"
	}
	if c.Server.Addr == "" {
		c.Server.Addr = ":8080"
	}
	if c.Auth.Issuer == "" {
		c.Auth.Issuer = "miniapp-gateway"
	}
	if c.Auth.LinkTTL <= 0 {
		c.Auth.LinkTTL = Duration(5 * time.Minute)
	}
	if c.Auth.ReplayWindow <= 0 {
		c.Auth.ReplayWindow = Duration(24 * time.Hour)
	}
	if c.Auth.LoginPath == "" {
		c.Auth.LoginPath = "/login"
	}
	if c.RateLimit.Burst <= 0 {
		c.RateLimit.Burst = 20
	}
	if c.RateLimit.PerSecond <= 0 {
		c.RateLimit.PerSecond = 10
	}
}

func (c *Config) validate() error {
	if strings.TrimSpace(c.Auth.SigningSecret) == "" {
		return errors.New("config: auth signing secret is required")
	}
	if strings.TrimSpace(c.Auth.HandshakeToken) == "" && len(c.Auth.TenantTokens) == 0 {
		return errors.New("config: at least one handshake signing token is required")
	}
	ttl := c.Auth.LinkTTL.Std()
	if ttl < 5*time.Minute || ttl > 10*time.Minute {
		return fmt.Errorf("config: link_ttl %s outside the 5m-10m range", ttl)
	}
	return nil
}

// TenantToken resolves the signing token for a tenant, falling back to
// the platform default when the tenant has no dedicated token.
func (c *Config) TenantToken(tenantID string) (string, bool) {
	if tenantID != "" {
		if tok, ok := c.Auth.TenantTokens[tenantID]; ok && tok != "" {
			return tok, true
		}
	}
	if c.Auth.HandshakeToken != "" {
		return c.Auth.HandshakeToken, true
	}
	return "", false
}
