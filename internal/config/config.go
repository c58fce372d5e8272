// Package config handles configuration management with validation
package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"repricer/internal/pricing"
	apperrors "repricer/pkg/errors"

	"github.com/joho/godotenv"
	"github.com/robfig/cron/v3"
	"github.com/shopspring/decimal"
	"gopkg.in/yaml.v3"
)

// Config represents the complete configuration structure
type Config struct {
	App         AppConfig         `yaml:"app"`
	Pricing     PricingConfig     `yaml:"pricing"`
	Store       StoreConfig       `yaml:"store"`
	Marketplace MarketplaceConfig `yaml:"marketplace"`
	Reconcile   ReconcileConfig   `yaml:"reconcile"`
	Feed        FeedConfig        `yaml:"feed"`
	ETL         ETLConfig         `yaml:"etl"`
	Server      ServerConfig      `yaml:"server"`
	Alert       AlertConfig       `yaml:"alert"`
	System      SystemConfig      `yaml:"system"`
	Telemetry   TelemetryConfig   `yaml:"telemetry"`
}

// AppConfig identifies the seller account being repriced
type AppConfig struct {
	Name          string `yaml:"name"`
	MarketplaceID string `yaml:"marketplace_id"`
	SellerID      string `yaml:"seller_id"`
	Currency      string `yaml:"currency"`
}

// PricingConfig holds the repricing policy. Amounts are strings so that
// they are read exactly.
type PricingConfig struct {
	Strategy              string `yaml:"strategy"`
	MarkupPercent         string `yaml:"markup_percent"`
	UndercutAmount        string `yaml:"undercut_amount"`
	BusinessDiscountRatio string `yaml:"business_discount_ratio"`
	FloorMode             string `yaml:"floor_mode"`
}

// StoreConfig selects the price record store
type StoreConfig struct {
	Driver        string `yaml:"driver"`
	SQLitePath    string `yaml:"sqlite_path"`
	RedisAddr     string `yaml:"redis_addr"`
	RedisPassword Secret `yaml:"redis_password"`
	RedisDB       int    `yaml:"redis_db"`
	KeyPrefix     string `yaml:"key_prefix"`
}

// MarketplaceConfig contains selling partner API settings
type MarketplaceConfig struct {
	Endpoint        string        `yaml:"endpoint"`
	TokenURL        string        `yaml:"token_url"`
	ClientID        string        `yaml:"client_id"`
	ClientSecret    Secret        `yaml:"client_secret"`
	RefreshToken    Secret        `yaml:"refresh_token"`
	RequestTimeout  time.Duration `yaml:"request_timeout"`
	RateLimitPerSec float64       `yaml:"rate_limit_per_sec"`
	Burst           int           `yaml:"burst"`
	BatchLimit      int           `yaml:"batch_limit"`
	ItemCondition   string        `yaml:"item_condition"`
}

// ReconcileConfig contains publish pass settings
type ReconcileConfig struct {
	Interval         time.Duration `yaml:"interval"`
	PendingOlderThan time.Duration `yaml:"pending_older_than"`
	BatchLimit       int           `yaml:"batch_limit"`
	MaxWorkers       int           `yaml:"max_workers"`
	QueueCapacity    int           `yaml:"queue_capacity"`
	PublishTimeout   time.Duration `yaml:"publish_timeout"`
	PassTimeout      time.Duration `yaml:"pass_timeout"`
	MaxStoreRetries  int           `yaml:"max_store_retries"`
	Schedule         string        `yaml:"schedule"`
}

// FeedConfig contains competitor feed settings
type FeedConfig struct {
	KafkaBrokers []string `yaml:"kafka_brokers"`
	KafkaTopic   string   `yaml:"kafka_topic"`
	KafkaGroupID string   `yaml:"kafka_group_id"`
	PollSchedule string   `yaml:"poll_schedule"`
}

// ETLConfig contains catalog extraction settings
type ETLConfig struct {
	Driver       string `yaml:"driver"`
	DSN          Secret `yaml:"dsn"`
	CatalogTable string `yaml:"catalog_table"`
	FeedTable    string `yaml:"feed_table"`
	Schedule     string `yaml:"schedule"`
}

// ServerConfig contains operator API settings
type ServerConfig struct {
	HTTPAddr        string  `yaml:"http_addr"`
	GRPCAddr        string  `yaml:"grpc_addr"`
	APIKeys         Secret  `yaml:"api_keys"` // comma separated
	RateLimitPerKey float64 `yaml:"rate_limit_per_key"`
}

// AlertConfig contains operator alert channels
type AlertConfig struct {
	SlackWebhookURL Secret `yaml:"slack_webhook_url"`
}

// SystemConfig contains system settings
type SystemConfig struct {
	LogLevel  string `yaml:"log_level"`
	LogFormat string `yaml:"log_format"` // console or json
}

// TelemetryConfig contains telemetry settings
type TelemetryConfig struct {
	EnableMetrics bool `yaml:"enable_metrics"`
	ExportTraces  bool `yaml:"export_traces"` // spans to stdout
	ExportLogs    bool `yaml:"export_logs"`   // bridged log records to stdout
}

// ValidationError represents a configuration validation error
type ValidationError struct {
	Field   string
	Value   interface{}
	Message string
}

func (e ValidationError) Error() string {
	return fmt.Sprintf("validation error for field '%s' (value: %v): %s", e.Field, e.Value, e.Message)
}

// LoadConfig loads configuration from a YAML file with environment variable
// expansion. A .env file next to the working directory is loaded first when
// present; variables already set in the environment win.
func LoadConfig(filename string) (*Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("failed to load .env: %w", err)
	}

	data, err := os.ReadFile(filename)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	config := DefaultConfig()
	if err := yaml.Unmarshal([]byte(expandEnvVars(string(data))), config); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}
	return config, nil
}

// Validate performs validation of every section and joins the failures
func (c *Config) Validate() error {
	var errs []error
	errs = append(errs, c.validateApp()...)
	errs = append(errs, c.validatePricing()...)
	errs = append(errs, c.validateStore()...)
	errs = append(errs, c.validateMarketplace()...)
	errs = append(errs, c.validateReconcile()...)
	errs = append(errs, c.validateSchedules()...)
	errs = append(errs, c.validateSystem()...)
	return errors.Join(errs...)
}

func (c *Config) validateApp() []error {
	var errs []error
	if c.App.MarketplaceID == "" {
		errs = append(errs, ValidationError{Field: "app.marketplace_id", Value: "", Message: "is required"})
	}
	if c.App.SellerID == "" {
		errs = append(errs, ValidationError{Field: "app.seller_id", Value: "", Message: "is required"})
	}
	if len(c.App.Currency) != 3 {
		errs = append(errs, ValidationError{Field: "app.currency", Value: c.App.Currency, Message: "must be an ISO 4217 code"})
	}
	return errs
}

func (c *Config) validatePricing() []error {
	if _, err := c.PricingPolicy(); err != nil {
		return []error{err}
	}
	return nil
}

func (c *Config) validateStore() []error {
	switch c.Store.Driver {
	case "memory":
	case "sqlite":
		if c.Store.SQLitePath == "" {
			return []error{ValidationError{Field: "store.sqlite_path", Value: "", Message: "is required for sqlite"}}
		}
	case "redis":
		if c.Store.RedisAddr == "" {
			return []error{ValidationError{Field: "store.redis_addr", Value: "", Message: "is required for redis"}}
		}
	default:
		return []error{ValidationError{Field: "store.driver", Value: c.Store.Driver, Message: "must be memory, sqlite or redis"}}
	}
	return nil
}

func (c *Config) validateMarketplace() []error {
	var errs []error
	m := c.Marketplace
	if m.BatchLimit < 1 || m.BatchLimit > 20 {
		errs = append(errs, ValidationError{Field: "marketplace.batch_limit", Value: m.BatchLimit, Message: "must be between 1 and 20"})
	}
	if m.RateLimitPerSec <= 0 {
		errs = append(errs, ValidationError{Field: "marketplace.rate_limit_per_sec", Value: m.RateLimitPerSec, Message: "must be positive"})
	}
	if m.RequestTimeout <= 0 {
		errs = append(errs, ValidationError{Field: "marketplace.request_timeout", Value: m.RequestTimeout, Message: "must be positive"})
	}
	return errs
}

func (c *Config) validateReconcile() []error {
	var errs []error
	r := c.Reconcile
	if r.MaxWorkers < 1 || r.MaxWorkers > 256 {
		errs = append(errs, ValidationError{Field: "reconcile.max_workers", Value: r.MaxWorkers, Message: "must be between 1 and 256"})
	}
	if r.QueueCapacity < 0 {
		errs = append(errs, ValidationError{Field: "reconcile.queue_capacity", Value: r.QueueCapacity, Message: "must not be negative"})
	}
	if r.PublishTimeout <= 0 {
		errs = append(errs, ValidationError{Field: "reconcile.publish_timeout", Value: r.PublishTimeout, Message: "must be positive"})
	}
	if r.PendingOlderThan < 0 {
		errs = append(errs, ValidationError{Field: "reconcile.pending_older_than", Value: r.PendingOlderThan, Message: "must not be negative"})
	}
	if r.MaxStoreRetries < 1 {
		errs = append(errs, ValidationError{Field: "reconcile.max_store_retries", Value: r.MaxStoreRetries, Message: "must be at least 1"})
	}
	return errs
}

func (c *Config) validateSchedules() []error {
	var errs []error
	parser := cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)
	for field, spec := range map[string]string{
		"feed.poll_schedule": c.Feed.PollSchedule,
		"etl.schedule":       c.ETL.Schedule,
		"reconcile.schedule": c.Reconcile.Schedule,
	} {
		if spec == "" {
			continue
		}
		if _, err := parser.Parse(spec); err != nil {
			errs = append(errs, ValidationError{Field: field, Value: spec, Message: err.Error()})
		}
	}
	return errs
}

func (c *Config) validateSystem() []error {
	var errs []error
	switch strings.ToUpper(c.System.LogLevel) {
	case "DEBUG", "INFO", "WARN", "ERROR", "FATAL":
	default:
		errs = append(errs, ValidationError{Field: "system.log_level", Value: c.System.LogLevel, Message: "must be DEBUG, INFO, WARN, ERROR or FATAL"})
	}
	switch strings.ToLower(c.System.LogFormat) {
	case "", "console", "json":
	default:
		errs = append(errs, ValidationError{Field: "system.log_format", Value: c.System.LogFormat, Message: "must be console or json"})
	}
	return errs
}

// PricingPolicy converts the pricing section into a validated policy
func (c *Config) PricingPolicy() (pricing.Policy, error) {
	p := pricing.DefaultPolicy()
	p.Strategy = pricing.Strategy(c.Pricing.Strategy)
	p.FloorMode = pricing.FloorMode(c.Pricing.FloorMode)
	p.OurSellerID = c.App.SellerID

	for _, f := range []struct {
		name string
		raw  string
		dst  *decimal.Decimal
	}{
		{"pricing.markup_percent", c.Pricing.MarkupPercent, &p.MarkupPercent},
		{"pricing.undercut_amount", c.Pricing.UndercutAmount, &p.UndercutAmount},
		{"pricing.business_discount_ratio", c.Pricing.BusinessDiscountRatio, &p.BusinessDiscountRatio},
	} {
		if f.raw == "" {
			continue
		}
		v, err := decimal.NewFromString(strings.TrimSpace(f.raw))
		if err != nil {
			return p, fmt.Errorf("%w: %v", apperrors.ErrInvalidPolicy,
				ValidationError{Field: f.name, Value: f.raw, Message: "is not a decimal number"})
		}
		*f.dst = v
	}

	if err := p.Validate(); err != nil {
		return p, err
	}
	return p, nil
}

// expandEnvVars expands ${VAR} references; unset variables become empty
func expandEnvVars(s string) string {
	return os.Expand(s, os.Getenv)
}

// DefaultConfig returns the documented defaults; also used by tests
func DefaultConfig() *Config {
	return &Config{
		App: AppConfig{
			Name:          "repricer",
			MarketplaceID: "ATVPDKIKX0DER",
			SellerID:      "TEST_SELLER",
			Currency:      "USD",
		},
		Pricing: PricingConfig{
			Strategy:              string(pricing.StrategyMarkup),
			MarkupPercent:         "15",
			UndercutAmount:        "0.01",
			BusinessDiscountRatio: "0.99",
		},
		Store: StoreConfig{
			Driver:    "memory",
			KeyPrefix: "repricer:",
		},
		Marketplace: MarketplaceConfig{
			Endpoint:        "https://sellingpartnerapi-na.amazon.com",
			TokenURL:        "https://api.amazon.com/auth/o2/token",
			RequestTimeout:  30 * time.Second,
			RateLimitPerSec: 5,
			Burst:           10,
			BatchLimit:      20,
			ItemCondition:   "New",
		},
		Reconcile: ReconcileConfig{
			Interval:         time.Hour,
			PendingOlderThan: 0,
			BatchLimit:       500,
			MaxWorkers:       10,
			QueueCapacity:    1000,
			PublishTimeout:   10 * time.Second,
			PassTimeout:      10 * time.Minute,
			MaxStoreRetries:  3,
		},
		Feed: FeedConfig{
			KafkaGroupID: "repricer",
			PollSchedule: "@hourly",
		},
		ETL: ETLConfig{
			Driver:   "mysql",
			Schedule: "0 3 * * *",
		},
		Server: ServerConfig{
			HTTPAddr:        ":8080",
			GRPCAddr:        ":9090",
			RateLimitPerKey: 10,
		},
		System: SystemConfig{
			LogLevel:  "INFO",
			LogFormat: "console",
		},
		Telemetry: TelemetryConfig{
			EnableMetrics: true,
		},
	}
}
