package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "gateway.yaml")
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestLoadAppliesDefaults(t *testing.T) {
	path := writeConfig(t, `
auth:
  signing_secret: super-secret
  handshake_token: "12345:token"
`)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Server.Addr != ":8080" {
		t.Fatalf("default addr: %q", cfg.Server.Addr)
	}
	if cfg.Auth.LinkTTL.Std() != 5*time.Minute {
		t.Fatalf("default link ttl: %s", cfg.Auth.LinkTTL.Std())
	}
	if cfg.Auth.ReplayWindow.Std() != 24*time.Hour {
		t.Fatalf("default replay window: %s", cfg.Auth.ReplayWindow.Std())
	}
	if cfg.Auth.LoginPath != "/login" {
		t.Fatalf("default login path: %q", cfg.Auth.LoginPath)
	}
	if cfg.RateLimit.Burst != 20 || cfg.RateLimit.PerSecond != 10 {
		t.Fatalf("default rate limit: %+v", cfg.RateLimit)
	}
}

func TestLoadParsesDurationsAndTenants(t *testing.T) {
	path := writeConfig(t, `
environment: production
server:
  addr: ":9090"
  grpc_addr: ":9091"
auth:
  signing_secret: super-secret
  handshake_token: "12345:default"
  tenant_tokens:
    tenant-a: "67890:tenant-a"
  link_ttl: 7m
  replay_window: 1h
`)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Auth.LinkTTL.Std() != 7*time.Minute {
		t.Fatalf("link ttl: %s", cfg.Auth.LinkTTL.Std())
	}
	if cfg.Auth.ReplayWindow.Std() != time.Hour {
		t.Fatalf("replay window: %s", cfg.Auth.ReplayWindow.Std())
	}

	tok, ok := cfg.TenantToken("tenant-a")
	if !ok || tok != "67890:tenant-a" {
		t.Fatalf("tenant token: %q, %v", tok, ok)
	}
	tok, ok = cfg.TenantToken("tenant-unknown")
	if !ok || tok != "12345:default" {
		t.Fatalf("fallback token: %q, %v", tok, ok)
	}
	tok, ok = cfg.TenantToken("")
	if !ok || tok != "12345:default" {
		t.Fatalf("default token: %q, %v", tok, ok)
	}
}

func TestLoadRejectsMissingSecret(t *testing.T) {
	path := writeConfig(t, `
auth:
  handshake_token: "12345:token"
`)
	if _, err := Load(path); err == nil {
		t.Fatal("expected error for missing signing secret")
	}
}

func TestLoadRejectsLinkTTLOutOfRange(t *testing.T) {
	for _, ttl := range []string{"20s", "3m", "30m"} {
		path := writeConfig(t, `
auth:
  signing_secret: super-secret
  handshake_token: "12345:token"
  link_ttl: `+ttl+`
`)
		_, err := Load(path)
		if err == nil || !strings.Contains(err.Error(), "link_ttl") {
			t.Fatalf("ttl %s: expected link_ttl error, got %v", ttl, err)
		}
	}
}

func TestEnvOverridesFile(t *testing.T) {
	path := writeConfig(t, `
server:
  addr: ":9090"
auth:
  signing_secret: from-file
  handshake_token: "12345:token"
`)
	t.Setenv("GATEWAY_ADDR", ":7070")
	t.Setenv("GATEWAY_AUTH_SECRET", "from-env")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Server.Addr != ":7070" {
		t.Fatalf("env addr override: %q", cfg.Server.Addr)
	}
	if cfg.Auth.SigningSecret != "from-env" {
		t.Fatalf("env secret override: %q", cfg.Auth.SigningSecret)
	}
}

func TestLoadWithoutFileUsesEnvOnly(t *testing.T) {
	t.Setenv("GATEWAY_AUTH_SECRET", "env-secret")
	t.Setenv("GATEWAY_HANDSHAKE_TOKEN", "12345:env")

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Auth.SigningSecret != "env-secret" {
		t.Fatalf("secret: %q", cfg.Auth.SigningSecret)
	}
}
