package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

var envKeys = []string{
	"MODEL_NAME", "TRYON_BASE_URL", "HT_TOKEN", "JSON_DATA_URL", "HTTP_ADDR",
	"API_BASE_URL", "NATS_URL", "LOG_LEVEL", "LOG_FORMAT", "REDIS_URL",
	"RABBITMQ_URL", "WORKER_CONCURRENCY", "POLL_MAX_ATTEMPTS", "POLL_DELAY_SECONDS",
}

func clearEnv(t *testing.T) {
	t.Helper()
	for _, k := range envKeys {
		t.Setenv(k, "")
	}
}

func TestLoadDefaults(t *testing.T) {
	clearEnv(t)

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load returned error: %v", err)
	}
	if cfg.Server.Addr != ":8000" || cfg.Store.Backend != "memory" || cfg.Queue.Backend != "pool" {
		t.Fatalf("unexpected defaults: %+v", cfg)
	}
	if cfg.Poll.MaxAttempts != 5 || cfg.Poll.Delay() != 12*time.Second {
		t.Fatalf("unexpected poll defaults: %+v", cfg.Poll)
	}
	if cfg.TryOn.DenoiseSteps != 30 || cfg.TryOn.Seed != 42 || !cfg.TryOn.AutoMask || cfg.TryOn.AutoCrop {
		t.Fatalf("unexpected try-on defaults: %+v", cfg.TryOn)
	}
}

func TestLoadYAMLAndEnv(t *testing.T) {
	clearEnv(t)

	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	yaml := `
server:
  addr: ":9000"
worker:
  concurrency: 2
tryon:
  baseURL: https://example-tryon.hf.space
  timeoutSeconds: 30
catalog:
  path: ./products.json
poll:
  maxAttempts: 2
`
	if err := os.WriteFile(path, []byte(yaml), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}

	t.Setenv("HT_TOKEN", "hf_abc")
	t.Setenv("REDIS_URL", "redis://localhost:6379/0")
	t.Setenv("WORKER_CONCURRENCY", "8")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load returned error: %v", err)
	}
	if cfg.Server.Addr != ":9000" {
		t.Fatalf("yaml value not applied: %s", cfg.Server.Addr)
	}
	if cfg.Worker.Concurrency != 8 {
		t.Fatalf("env override not applied: %d", cfg.Worker.Concurrency)
	}
	if cfg.Worker.QueueSize != 64 {
		t.Fatalf("default lost for unset yaml field: %d", cfg.Worker.QueueSize)
	}
	if cfg.TryOn.Token != "hf_abc" || cfg.TryOn.Timeout() != 30*time.Second {
		t.Fatalf("unexpected try-on config: %+v", cfg.TryOn)
	}
	if cfg.Store.Backend != "redis" || cfg.Store.RedisURL != "redis://localhost:6379/0" {
		t.Fatalf("REDIS_URL did not select the redis store: %+v", cfg.Store)
	}
	if cfg.Poll.MaxAttempts != 2 {
		t.Fatalf("unexpected max attempts: %d", cfg.Poll.MaxAttempts)
	}
	if err := cfg.Validate(RoleAPI); err != nil {
		t.Fatalf("Validate returned error: %v", err)
	}
}

func TestLoadMissingFile(t *testing.T) {
	clearEnv(t)
	if _, err := Load(filepath.Join(t.TempDir(), "nope.yaml")); err == nil {
		t.Fatal("expected error for missing config file")
	}
}

func TestLoadInvalidInt(t *testing.T) {
	clearEnv(t)
	t.Setenv("POLL_MAX_ATTEMPTS", "five")
	if _, err := Load(""); err == nil || !strings.Contains(err.Error(), "POLL_MAX_ATTEMPTS") {
		t.Fatalf("expected POLL_MAX_ATTEMPTS error, got %v", err)
	}
}

func TestModelNameBecomesSpaceURL(t *testing.T) {
	clearEnv(t)
	t.Setenv("MODEL_NAME", "yisol/IDM-VTON")

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load returned error: %v", err)
	}
	if cfg.TryOn.BaseURL != "https://yisol-idm-vton.hf.space" {
		t.Fatalf("unexpected base url: %s", cfg.TryOn.BaseURL)
	}
}

func TestValidate(t *testing.T) {
	cases := []struct {
		name    string
		role    Role
		mutate  func(*Config)
		wantErr string
	}{
		{"api ok", RoleAPI, func(c *Config) {}, ""},
		{"api needs model", RoleAPI, func(c *Config) { c.TryOn.BaseURL = "" }, "tryon.baseURL"},
		{"api with queue does not need model", RoleAPI, func(c *Config) {
			c.TryOn.BaseURL = ""
			c.Queue = QueueConfig{Backend: "rabbitmq", RabbitMQURL: "amqp://localhost", Name: "jobs"}
			c.Store = StoreConfig{Backend: "redis", RedisURL: "redis://localhost"}
		}, ""},
		{"api needs catalog", RoleAPI, func(c *Config) { c.Catalog.Path = "" }, "catalog.path"},
		{"bad concurrency", RoleAPI, func(c *Config) { c.Worker.Concurrency = 0 }, "concurrency"},
		{"unknown store", RoleAPI, func(c *Config) { c.Store.Backend = "etcd" }, "unknown store backend"},
		{"rabbitmq needs shared store", RoleAPI, func(c *Config) {
			c.Queue = QueueConfig{Backend: "rabbitmq", RabbitMQURL: "amqp://localhost"}
		}, "shared store"},
		{"worker needs rabbitmq", RoleWorker, func(c *Config) {}, "rabbitmq"},
		{"client ok", RoleClient, func(c *Config) { c.TryOn.BaseURL = ""; c.Catalog.Path = "" }, ""},
		{"client needs attempts", RoleClient, func(c *Config) { c.Poll.MaxAttempts = 0 }, "maxAttempts"},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := Default()
			cfg.TryOn.BaseURL = "https://example.hf.space"
			cfg.Catalog.Path = "products.json"
			tc.mutate(&cfg)

			err := cfg.Validate(tc.role)
			if tc.wantErr == "" {
				if err != nil {
					t.Fatalf("unexpected error: %v", err)
				}
				return
			}
			if err == nil || !strings.Contains(err.Error(), tc.wantErr) {
				t.Fatalf("expected error containing %q, got %v", tc.wantErr, err)
			}
		})
	}
}
