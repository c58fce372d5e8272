package bootstrap

import (
	"repricer/pkg/logging"
)

// InitLogger builds the structured logger for the configured level and format
func InitLogger(cfg *Config) (*logging.ZapLogger, error) {
	return logging.NewLogger(logging.Options{
		Level:  cfg.System.LogLevel,
		Format: cfg.System.LogFormat,
		Fields: map[string]interface{}{
			"service":     cfg.App.Name,
			"marketplace": cfg.App.MarketplaceID,
		},
	})
}
