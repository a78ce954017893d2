package main

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	modelproxy "github.com/ferro-labs/model-proxy"
)

func envMap(m map[string]string) func(string) string {
	return func(k string) string { return m[k] }
}

func TestLoadConfig_Defaults(t *testing.T) {
	cfg, err := loadConfig(envMap(nil))
	if err != nil {
		t.Fatalf("loadConfig: %v", err)
	}
	if cfg.Server.Addr != ":8080" {
		t.Fatalf("addr = %q, want :8080", cfg.Server.Addr)
	}
	if len(cfg.Providers) != 1 || cfg.Providers[0].Type != modelproxy.ProviderSimple {
		t.Fatalf("unexpected providers: %+v", cfg.Providers)
	}
}

func TestLoadConfig_FileAndOverrides(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	data := `
server:
  addr: ":9000"
  shutdown_timeout: 5s
accounts:
  backend: memory
providers:
  - type: simple
`
	if err := os.WriteFile(path, []byte(data), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}

	cfg, err := loadConfig(envMap(map[string]string{
		"MODELPROXY_CONFIG":       path,
		"PORT":                    "9100",
		"MODELPROXY_ROOT_API_KEY": "root",
	}))
	if err != nil {
		t.Fatalf("loadConfig: %v", err)
	}
	if cfg.Server.Addr != ":9100" {
		t.Fatalf("addr = %q, want :9100", cfg.Server.Addr)
	}
	if cfg.Accounts.RootAPIKey != "root" {
		t.Fatalf("root api key = %q", cfg.Accounts.RootAPIKey)
	}
	if got := cfg.Server.ShutdownTimeoutDuration(); got != 5*time.Second {
		t.Fatalf("shutdown timeout = %v, want 5s", got)
	}
}

func TestLoadConfig_Invalid(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte("accounts:\n  backend: postgres\nproviders:\n  - type: simple\n"), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	if _, err := loadConfig(envMap(map[string]string{"MODELPROXY_CONFIG": path})); err == nil {
		t.Fatal("expected error for postgres without dsn")
	}
	if _, err := loadConfig(envMap(map[string]string{"MODELPROXY_CONFIG": filepath.Join(t.TempDir(), "missing.yaml")})); err == nil {
		t.Fatal("expected error for missing file")
	}
}

func TestLoadDotEnv(t *testing.T) {
	if err := loadDotEnv(filepath.Join(t.TempDir(), ".env")); err != nil {
		t.Fatalf("missing .env should be ignored: %v", err)
	}

	path := filepath.Join(t.TempDir(), ".env")
	if err := os.WriteFile(path, []byte("MODELPROXY_TEST_DOTENV=loaded\n"), 0o600); err != nil {
		t.Fatalf("write .env: %v", err)
	}
	t.Setenv("MODELPROXY_TEST_DOTENV", "")
	os.Unsetenv("MODELPROXY_TEST_DOTENV")
	if err := loadDotEnv(path); err != nil {
		t.Fatalf("loadDotEnv: %v", err)
	}
	if got := os.Getenv("MODELPROXY_TEST_DOTENV"); got != "loaded" {
		t.Fatalf("MODELPROXY_TEST_DOTENV = %q, want loaded", got)
	}
}

func TestNewServer(t *testing.T) {
	srv := newServer(modelproxy.ServerConfig{Addr: ":0", ReadTimeout: "10s"}, nil)
	if srv.ReadTimeout != 10*time.Second {
		t.Fatalf("read timeout = %v, want 10s", srv.ReadTimeout)
	}
	if srv.WriteTimeout != 120*time.Second {
		t.Fatalf("write timeout = %v, want 120s", srv.WriteTimeout)
	}
}
