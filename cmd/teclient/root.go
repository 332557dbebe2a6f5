package main

import (
	"github.com/spf13/cobra"

	"github.com/te-platform/teclient/internal/config"
)

var (
	configPath string
	baseURL    string
	storageDSN string
)

var rootCmd = &cobra.Command{
	Use:   "teclient",
	Short: "Session and notification engine for the TE platform",
	Long: `teclient keeps a TE platform session, polls the backend for review and
referral activity, and serves the resulting notification feed, session
state and cold-start overlay to a local UI.`,
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "config file (default $TECLIENT_CONFIG)")
	rootCmd.PersistentFlags().StringVar(&baseURL, "base-url", "", "backend API base URL")
	rootCmd.PersistentFlags().StringVar(&storageDSN, "storage", "", "storage DSN (file://, redis://, postgres://, memory://)")
}

// loadConfig layers flags over file and environment. Flags default to
// their zero value, so only the ones given take effect.
func loadConfig() (config.Config, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return config.Config{}, err
	}
	if baseURL != "" {
		cfg.BaseURL = baseURL
	}
	if storageDSN != "" {
		cfg.StorageDSN = storageDSN
	}
	if listenAddr != "" {
		cfg.ListenAddr = listenAddr
	}
	if pollInterval > 0 {
		cfg.PollInterval = pollInterval
	}
	if err := cfg.Validate(); err != nil {
		return config.Config{}, err
	}
	return cfg, nil
}
