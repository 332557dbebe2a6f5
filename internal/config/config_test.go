package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestLoadDefaults(t *testing.T) {
	t.Setenv("TECLIENT_CONFIG", "")
	cfg, err := Load("")
	if err != nil {
		t.Fatalf("load defaults: %v", err)
	}
	if cfg.PollInterval != 30*time.Second || cfg.WarnDelay != 3*time.Second || cfg.OverlayLinger != 500*time.Millisecond {
		t.Fatalf("unexpected defaults %+v", cfg)
	}
	if !strings.HasPrefix(cfg.StorageDSN, "file://") {
		t.Fatalf("expected file storage by default, got %q", cfg.StorageDSN)
	}
}

func TestLoadFileThenEnv(t *testing.T) {
	path := filepath.Join(t.TempDir(), "teclient.yaml")
	content := `
base_url: https://api.example.test/v1
storage_dsn: ${TECLIENT_TEST_DSN}
poll_interval: 45s
max_retries: 4
excluded_routes:
  - /auth/callback
  - /onboarding
analytics:
  endpoint: https://collector.example.test
`
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	t.Setenv("TECLIENT_TEST_DSN", "redis://localhost:6379/0")
	t.Setenv("TECLIENT_POLL_INTERVAL", "10s")
	t.Setenv("TECLIENT_WARN_DELAY", "")
	t.Setenv("TECLIENT_ANALYTICS_KEY", "phc_test")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.BaseURL != "https://api.example.test/v1" || cfg.MaxRetries != 4 {
		t.Fatalf("expected file values, got %+v", cfg)
	}
	if cfg.StorageDSN != "redis://localhost:6379/0" {
		t.Fatalf("expected env expansion in file, got %q", cfg.StorageDSN)
	}
	if cfg.PollInterval != 10*time.Second {
		t.Fatalf("expected env to override file, got %s", cfg.PollInterval)
	}
	if cfg.WarnDelay != 3*time.Second {
		t.Fatalf("expected empty env to keep the default, got %s", cfg.WarnDelay)
	}
	if len(cfg.ExcludedRoutes) != 2 || cfg.ExcludedRoutes[1] != "/onboarding" {
		t.Fatalf("unexpected excluded routes %v", cfg.ExcludedRoutes)
	}
	if cfg.Analytics.Endpoint != "https://collector.example.test" || cfg.Analytics.APIKey != "phc_test" {
		t.Fatalf("unexpected analytics %+v", cfg.Analytics)
	}
}

func TestLoadRejectsMalformedEnv(t *testing.T) {
	t.Setenv("TECLIENT_CONFIG", "")
	t.Setenv("TECLIENT_WARN_DELAY", "soon")
	t.Setenv("TECLIENT_MAX_RETRIES", "many")

	_, err := Load("")
	if err == nil {
		t.Fatalf("expected malformed env to fail")
	}
	if !strings.Contains(err.Error(), "WarnDelay") || !strings.Contains(err.Error(), "MaxRetries") {
		t.Fatalf("expected both fields reported, got %v", err)
	}
}

func TestApplyEnvSplitsExcludedRoutes(t *testing.T) {
	t.Setenv("TECLIENT_EXCLUDED_ROUTES", "/auth/callback,/onboarding")
	cfg := Default()
	if err := ApplyEnv(&cfg); err != nil {
		t.Fatalf("apply env: %v", err)
	}
	if len(cfg.ExcludedRoutes) != 2 || cfg.ExcludedRoutes[1] != "/onboarding" {
		t.Fatalf("unexpected excluded routes %v", cfg.ExcludedRoutes)
	}
	if cfg.BaseURL != Default().BaseURL {
		t.Fatalf("unset env changed base url to %q", cfg.BaseURL)
	}
}

func TestValidateRejectsBadValues(t *testing.T) {
	cfg := Default()
	cfg.PollInterval = 0
	cfg.SlowLogThreshold = time.Second
	err := cfg.Validate()
	if err == nil {
		t.Fatalf("expected validation error")
	}
	if !strings.Contains(err.Error(), "poll_interval") || !strings.Contains(err.Error(), "slow_log_threshold") {
		t.Fatalf("expected both problems reported, got %v", err)
	}
}

func TestLoadMissingFile(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "missing.yaml")); err == nil {
		t.Fatalf("expected missing file error")
	}
}
