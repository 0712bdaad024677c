package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestLoad(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "pooler.yaml")

	content := `
server:
  host: 127.0.0.1
  port: 9090
  shutdown_timeout: 10s
  rate_limit: 60
  cors:
    origins:
      - https://app.example.com
identity:
  mode: hosted
  url: https://xyz.example.co
  service_key: sk-test
  anon_key: ak-test
logging:
  level: debug
  format: json
`
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatalf("write config: %v", err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	if cfg.Server.Host != "127.0.0.1" || cfg.Server.Port != 9090 {
		t.Errorf("server = %+v", cfg.Server)
	}
	if cfg.Server.RateLimit != 60 {
		t.Errorf("rate_limit = %d, want 60", cfg.Server.RateLimit)
	}
	if len(cfg.Server.CORS.Origins) != 1 || cfg.Server.CORS.Origins[0] != "https://app.example.com" {
		t.Errorf("cors origins = %v", cfg.Server.CORS.Origins)
	}
	if cfg.Identity.Mode != "hosted" || cfg.Identity.URL != "https://xyz.example.co" {
		t.Errorf("identity = %+v", cfg.Identity)
	}
	if cfg.Logging.Level != "debug" || cfg.Logging.Format != "json" {
		t.Errorf("logging = %+v", cfg.Logging)
	}
}

func TestLoad_ExpandsEnvVars(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "pooler.yaml")

	t.Setenv("POOLER_TEST_SERVICE_KEY", "sk-from-env")

	content := `
identity:
  mode: hosted
  service_key: ${POOLER_TEST_SERVICE_KEY}
`
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatalf("write config: %v", err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Identity.ServiceKey != "sk-from-env" {
		t.Errorf("service_key = %q, want the expanded env value", cfg.Identity.ServiceKey)
	}
}

func TestLoad_MissingFile(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "absent.yaml")); err == nil {
		t.Fatal("expected an error for a missing file")
	}
}

func TestLoad_InvalidYAML(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "pooler.yaml")
	if err := os.WriteFile(path, []byte("server: [not: closed"), 0644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	if _, err := Load(path); err == nil {
		t.Fatal("expected a parse error")
	}
}

func TestDefault(t *testing.T) {
	cfg := Default()
	if cfg.Server.Port != 8080 {
		t.Errorf("port = %d, want 8080", cfg.Server.Port)
	}
	if cfg.Identity.Mode != "store" {
		t.Errorf("identity mode = %q, want store", cfg.Identity.Mode)
	}
	if cfg.Logging.Level != "info" {
		t.Errorf("logging level = %q, want info", cfg.Logging.Level)
	}
}

func TestWriteDefault_RoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "pooler.yaml")
	if err := WriteDefault(path); err != nil {
		t.Fatalf("WriteDefault: %v", err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Server.Port != Default().Server.Port {
		t.Errorf("round-tripped port = %d, want %d", cfg.Server.Port, Default().Server.Port)
	}
}
