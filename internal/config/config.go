// Package config resolves teclient settings: built-in defaults, then an
// optional YAML file, then TECLIENT_* environment variables. Command-line
// flags are applied last by the CLI.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"gopkg.in/yaml.v3"
)

type Config struct {
	BaseURL          string        `yaml:"base_url" env:"BASE_URL"`
	StorageDSN       string        `yaml:"storage_dsn" env:"STORAGE_DSN"`
	ListenAddr       string        `yaml:"listen_addr" env:"LISTEN_ADDR"`
	PollInterval     time.Duration `yaml:"poll_interval" env:"POLL_INTERVAL"`
	RequestTimeout   time.Duration `yaml:"request_timeout" env:"REQUEST_TIMEOUT"`
	MaxRetries       int           `yaml:"max_retries" env:"MAX_RETRIES"`
	WarnDelay        time.Duration `yaml:"warn_delay" env:"WARN_DELAY"`
	SlowLogThreshold time.Duration `yaml:"slow_log_threshold" env:"SLOW_LOG_THRESHOLD"`
	ColdStartGrace   time.Duration `yaml:"coldstart_grace" env:"COLDSTART_GRACE"`
	OverlayLinger    time.Duration `yaml:"overlay_linger" env:"OVERLAY_LINGER"`
	ExcludedRoutes   []string      `yaml:"excluded_routes" env:"EXCLUDED_ROUTES" envSeparator:","`
	EntryPoints      []string      `yaml:"entry_points"`
	Analytics        Analytics     `yaml:"analytics" envPrefix:"ANALYTICS_"`
}

type Analytics struct {
	Endpoint string `yaml:"endpoint" env:"ENDPOINT"`
	APIKey   string `yaml:"api_key" env:"KEY"`
}

// envPrefix is prepended to every env tag above.
const envPrefix = "TECLIENT_"

func Default() Config {
	return Config{
		BaseURL:          "http://localhost:8000/v1",
		StorageDSN:       "file://" + defaultStoragePath(),
		ListenAddr:       "127.0.0.1:8787",
		PollInterval:     30 * time.Second,
		RequestTimeout:   60 * time.Second,
		MaxRetries:       2,
		WarnDelay:        3 * time.Second,
		SlowLogThreshold: 5 * time.Second,
		ColdStartGrace:   0,
		OverlayLinger:    500 * time.Millisecond,
		ExcludedRoutes:   []string{"/auth/callback"},
		EntryPoints:      []string{"/login", "/lead-login", "/referrer-login", "/auth/callback"},
	}
}

func defaultStoragePath() string {
	dir, err := os.UserConfigDir()
	if err != nil || dir == "" {
		return filepath.Join(".teclient", "storage.json")
	}
	return filepath.Join(dir, "teclient", "storage.json")
}

// Load reads path (if set) over the defaults and applies the environment.
func Load(path string) (Config, error) {
	cfg := Default()
	path = strings.TrimSpace(path)
	if path == "" {
		path = strings.TrimSpace(os.Getenv("TECLIENT_CONFIG"))
	}
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("read config file: %w", err)
		}
		expanded := os.ExpandEnv(string(data))
		if err := yaml.Unmarshal([]byte(expanded), &cfg); err != nil {
			return Config{}, fmt.Errorf("unmarshal config: %w", err)
		}
	}
	if err := ApplyEnv(&cfg); err != nil {
		return Config{}, err
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}

// ApplyEnv overrides cfg with any non-empty TECLIENT_* variables. Fields
// whose variable is unset or empty keep their current value.
func ApplyEnv(cfg *Config) error {
	if err := env.ParseWithOptions(cfg, env.Options{Prefix: envPrefix}); err != nil {
		return fmt.Errorf("read environment: %w", err)
	}
	return nil
}

func (c Config) Validate() error {
	var errs []error
	if strings.TrimSpace(c.BaseURL) == "" {
		errs = append(errs, errors.New("base_url is required"))
	}
	if strings.TrimSpace(c.ListenAddr) == "" {
		errs = append(errs, errors.New("listen_addr is required"))
	}
	if c.PollInterval <= 0 {
		errs = append(errs, errors.New("poll_interval must be positive"))
	}
	if c.WarnDelay <= 0 {
		errs = append(errs, errors.New("warn_delay must be positive"))
	}
	if c.SlowLogThreshold < c.WarnDelay {
		errs = append(errs, errors.New("slow_log_threshold must not be below warn_delay"))
	}
	if c.ColdStartGrace < 0 || c.OverlayLinger < 0 {
		errs = append(errs, errors.New("coldstart_grace and overlay_linger must be non-negative"))
	}
	if c.MaxRetries < 0 {
		errs = append(errs, errors.New("max_retries must be non-negative"))
	}
	return errors.Join(errs...)
}
