package bootstrap

import (
	"fmt"
	"os"
	"path/filepath"

	"repricer/internal/config"
)

// Config is an alias for the project's main configuration struct
type Config = config.Config

// LoadConfig delegates to the project's config loader and runs the
// pre-flight checks
func LoadConfig(path string) (*Config, error) {
	cfg, err := config.LoadConfig(path)
	if err != nil {
		return nil, err
	}

	if err := checkPreFlight(cfg); err != nil {
		return nil, fmt.Errorf("pre-flight checks failed: %w", err)
	}
	return cfg, nil
}

// checkPreFlight performs environment checks beyond schema validation
func checkPreFlight(cfg *Config) error {
	if cfg.Store.Driver == "sqlite" {
		dir := filepath.Dir(cfg.Store.SQLitePath)
		info, err := os.Stat(dir)
		if err != nil {
			return fmt.Errorf("sqlite directory %s: %w", dir, err)
		}
		if !info.IsDir() {
			return fmt.Errorf("sqlite directory %s is not a directory", dir)
		}
	}

	// A client id without secrets means every publish would fail on auth
	if cfg.Marketplace.ClientID != "" {
		if cfg.Marketplace.ClientSecret.Reveal() == "" || cfg.Marketplace.RefreshToken.Reveal() == "" {
			return fmt.Errorf("marketplace.client_secret and marketplace.refresh_token are required with marketplace.client_id")
		}
	}

	if cfg.ETL.DSN.Reveal() != "" && cfg.ETL.Driver == "" {
		return fmt.Errorf("etl.driver is required when etl.dsn is set")
	}
	return nil
}
