// Package bootstrap wires the repricer from configuration and runs its
// long-lived components under one lifecycle.
package bootstrap

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"repricer/internal/alert"
	"repricer/internal/api"
	"repricer/internal/auth"
	"repricer/internal/core"
	"repricer/internal/etl"
	"repricer/internal/feed"
	grpcserver "repricer/internal/infrastructure/grpc"
	"repricer/internal/infrastructure/health"
	"repricer/internal/marketplace"
	"repricer/internal/reconcile"
	"repricer/internal/repricing"
	"repricer/internal/scheduler"
	"repricer/internal/store"
	apperrors "repricer/pkg/errors"
	"repricer/pkg/concurrency"
	"repricer/pkg/telemetry"

	"golang.org/x/sync/errgroup"
)

const (
	JobPoll      = "poll"
	JobETL       = "etl"
	JobReconcile = "reconcile"

	healthProbeTimeout = 2 * time.Second
)

// App holds the wired components
type App struct {
	Cfg    *Config
	Logger core.ILogger

	Store       core.IPriceStore
	Repricer    *repricing.Service
	Marketplace *marketplace.Client
	Handler     *feed.Handler
	Poller      *feed.Poller
	Consumer    *feed.KafkaConsumer
	Reconciler  *reconcile.Reconciler
	Pool        *concurrency.WorkerPool
	Alerts      *alert.AlertManager
	Health      *health.HealthManager
	Scheduler   *scheduler.Scheduler
	Validator   *auth.APIKeyValidator

	telemetry *telemetry.Telemetry
}

// NewApp loads the configuration file and bootstraps all dependencies.
// Telemetry comes first so the logger bridges into its log provider.
func NewApp(ctx context.Context, configPath string) (*App, error) {
	cfg, err := LoadConfig(configPath)
	if err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}

	var tel *telemetry.Telemetry
	if cfg.Telemetry.EnableMetrics {
		tel, err = telemetry.SetupWithOptions(telemetry.Options{
			ServiceName: cfg.App.Name,
			Traces:      cfg.Telemetry.ExportTraces,
			Logs:        cfg.Telemetry.ExportLogs,
		})
		if err != nil {
			return nil, fmt.Errorf("telemetry: %w", err)
		}
	}

	logger, err := InitLogger(cfg)
	if err != nil {
		shutdownTelemetry(tel)
		return nil, fmt.Errorf("logger: %w", err)
	}

	app, err := Build(ctx, cfg, logger)
	if err != nil {
		shutdownTelemetry(tel)
		return nil, err
	}
	app.telemetry = tel
	return app, nil
}

func shutdownTelemetry(tel *telemetry.Telemetry) {
	if tel == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_ = tel.Shutdown(ctx)
}

// Build wires every component from an already loaded configuration
func Build(ctx context.Context, cfg *Config, logger core.ILogger) (*App, error) {
	policy, err := cfg.PricingPolicy()
	if err != nil {
		return nil, err
	}

	s, err := store.Open(ctx, store.Options{
		Driver:        cfg.Store.Driver,
		SQLitePath:    cfg.Store.SQLitePath,
		RedisAddr:     cfg.Store.RedisAddr,
		RedisPassword: cfg.Store.RedisPassword.Reveal(),
		RedisDB:       cfg.Store.RedisDB,
		KeyPrefix:     cfg.Store.KeyPrefix,
	})
	if err != nil {
		return nil, fmt.Errorf("store: %w", err)
	}

	svc, err := repricing.NewService(s, policy, cfg.Reconcile.MaxStoreRetries, logger)
	if err != nil {
		_ = s.Close()
		return nil, err
	}

	app := &App{
		Cfg:      cfg,
		Logger:   logger,
		Store:    s,
		Repricer: svc,
		Handler:  feed.NewHandler(svc, logger),
		Alerts:   alert.NewAlertManager(logger),
		Health:   health.NewHealthManager(logger),
	}

	if url := cfg.Alert.SlackWebhookURL.Reveal(); url != "" {
		app.Alerts.AddChannel(alert.NewSlackChannel(url))
	}

	app.Marketplace = newMarketplaceClient(cfg, logger)
	app.Poller = feed.NewPoller(s, app.Marketplace, app.Handler, []string{cfg.App.MarketplaceID}, logger)

	app.Pool = concurrency.NewWorkerPool(concurrency.PoolConfig{
		Name:        "PublishPool",
		MaxWorkers:  cfg.Reconcile.MaxWorkers,
		MaxCapacity: cfg.Reconcile.QueueCapacity,
	}, logger)

	interval := cfg.Reconcile.Interval
	if cfg.Reconcile.Schedule != "" {
		// the scheduler owns the cadence
		interval = 0
	}
	app.Reconciler = reconcile.NewReconciler(s, app.Marketplace, app.Pool, logger, reconcile.Config{
		Interval:         interval,
		PendingOlderThan: cfg.Reconcile.PendingOlderThan,
		BatchLimit:       cfg.Reconcile.BatchLimit,
		PublishTimeout:   cfg.Reconcile.PublishTimeout,
		PassTimeout:      cfg.Reconcile.PassTimeout,
		MaxStoreAttempts: cfg.Reconcile.MaxStoreRetries,
		Currency:         cfg.App.Currency,
	})

	if len(cfg.Feed.KafkaBrokers) > 0 && cfg.Feed.KafkaTopic != "" {
		app.Consumer = feed.NewKafkaConsumer(feed.KafkaConfig{
			Brokers: cfg.Feed.KafkaBrokers,
			Topic:   cfg.Feed.KafkaTopic,
			GroupID: cfg.Feed.KafkaGroupID,
		}, app.Handler, logger)
	}

	app.Validator = auth.NewAPIKeyValidator(cfg.Server.APIKeys.List(), cfg.Server.RateLimitPerKey, logger)

	app.Scheduler = scheduler.NewScheduler(logger, app.Alerts)
	if err := app.registerJobs(); err != nil {
		_ = app.Close()
		return nil, err
	}
	app.registerHealthChecks()

	return app, nil
}

func newMarketplaceClient(cfg *Config, logger core.ILogger) *marketplace.Client {
	m := cfg.Marketplace
	var tokens *marketplace.TokenProvider
	if m.ClientID != "" {
		tokens = marketplace.NewTokenProvider(marketplace.Credentials{
			TokenURL:     m.TokenURL,
			ClientID:     m.ClientID,
			ClientSecret: m.ClientSecret.Reveal(),
			RefreshToken: m.RefreshToken.Reveal(),
		}, m.RequestTimeout, logger)
	}
	return marketplace.NewClient(marketplace.Config{
		Endpoint:      m.Endpoint,
		SellerID:      cfg.App.SellerID,
		Timeout:       m.RequestTimeout,
		RateLimit:     m.RateLimitPerSec,
		Burst:         m.Burst,
		BatchLimit:    m.BatchLimit,
		ItemCondition: m.ItemCondition,
	}, tokens, logger)
}

func (a *App) registerJobs() error {
	jobs := []scheduler.Job{
		{
			Name:     JobPoll,
			Schedule: a.Cfg.Feed.PollSchedule,
			Run: func(ctx context.Context) error {
				_, err := a.Poller.Poll(ctx)
				return err
			},
		},
		{
			Name:     JobReconcile,
			Schedule: a.Cfg.Reconcile.Schedule,
			Run: func(ctx context.Context) error {
				_, err := a.Reconciler.RunOnce(ctx)
				if errors.Is(err, apperrors.ErrReconcileInFlight) {
					return nil
				}
				return err
			},
		},
	}

	etlJob := scheduler.Job{
		Name: JobETL,
		Run: func(ctx context.Context) error {
			_, err := a.RunETL(ctx)
			return err
		},
	}
	if a.Cfg.ETL.DSN.Reveal() != "" {
		etlJob.Schedule = a.Cfg.ETL.Schedule
	}
	jobs = append(jobs, etlJob)

	for _, job := range jobs {
		if err := a.Scheduler.Add(job); err != nil {
			return err
		}
	}
	return nil
}

func (a *App) registerHealthChecks() {
	probe := core.RecordKey{ASIN: "__health__", MarketplaceID: a.Cfg.App.MarketplaceID}
	a.Health.Register("store", func() error {
		ctx, cancel := context.WithTimeout(context.Background(), healthProbeTimeout)
		defer cancel()
		_, err := a.Store.Get(ctx, probe)
		if err != nil && !errors.Is(err, apperrors.ErrRecordNotFound) {
			return err
		}
		return nil
	})
	a.Health.Register("reconciler", func() error {
		st := a.Reconciler.GetStatus()
		if st.Status == "failed" {
			return fmt.Errorf("last pass failed: %s", st.LastError)
		}
		return nil
	})
	a.Health.Register("publish_pool", func() error {
		if a.Pool.Stopped() {
			return concurrency.ErrPoolStopped
		}
		return nil
	})
	if a.Consumer != nil {
		a.Health.Register("kafka", a.Consumer.LastError)
	}
}

// RunETL refreshes price bounds from the catalog database
func (a *App) RunETL(ctx context.Context) (*etl.IngestReport, error) {
	dsn := a.Cfg.ETL.DSN.Reveal()
	if dsn == "" {
		return nil, fmt.Errorf("etl.dsn is not configured")
	}
	db, err := etl.OpenDB(etl.DBConfig{Driver: a.Cfg.ETL.Driver, DSN: dsn, MaxOpenConns: 4})
	if err != nil {
		return nil, err
	}
	defer func() { _ = etl.CloseDB(db) }()

	extractor := etl.NewExtractor(db, a.Cfg.ETL.CatalogTable, a.Cfg.ETL.FeedTable)
	ingestor := etl.NewIngestor(extractor, a.Store, a.Cfg.App.MarketplaceID, a.Cfg.Reconcile.MaxStoreRetries, a.Logger)
	return ingestor.Run(ctx)
}

// Runner is a component that runs until its context is cancelled
type Runner interface {
	Run(ctx context.Context) error
}

// RunnerFunc adapts a function to Runner
type RunnerFunc func(ctx context.Context) error

// Run calls f
func (f RunnerFunc) Run(ctx context.Context) error {
	return f(ctx)
}

// Runners returns the long-lived components of the serve mode
func (a *App) Runners() []Runner {
	httpServer := api.NewServer(api.Dependencies{
		Store:      a.Store,
		Handler:    a.Handler,
		Previewer:  a.Repricer,
		Reconciler: a.Reconciler,
		Health:     a.Health,
		Jobs:       a.Scheduler,
		Validator:  a.Validator,
		Logger:     a.Logger,
	})

	runners := []Runner{
		RunnerFunc(func(ctx context.Context) error {
			return httpServer.Serve(ctx, a.Cfg.Server.HTTPAddr)
		}),
		RunnerFunc(a.Scheduler.Run),
		RunnerFunc(func(ctx context.Context) error {
			if err := a.Reconciler.Start(ctx); err != nil {
				return err
			}
			<-ctx.Done()
			return a.Reconciler.Stop()
		}),
	}

	if a.Cfg.Server.GRPCAddr != "" {
		grpcHealth := grpcserver.NewHealthServer(a.Health, a.Validator, a.Logger)
		runners = append(runners, RunnerFunc(func(ctx context.Context) error {
			return grpcHealth.Serve(ctx, a.Cfg.Server.GRPCAddr)
		}))
	}
	if a.Consumer != nil {
		runners = append(runners, RunnerFunc(a.Consumer.Run))
	}
	return runners
}

// Run orchestrates the application lifecycle, including signal handling
func (a *App) Run(runners ...Runner) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	return a.RunContext(ctx, runners...)
}

// RunContext runs every runner until ctx is cancelled or one fails
func (a *App) RunContext(ctx context.Context, runners ...Runner) error {
	g, ctx := errgroup.WithContext(ctx)

	a.Logger.Info("Starting repricer",
		"marketplace", a.Cfg.App.MarketplaceID,
		"store", a.Cfg.Store.Driver,
		"runners", len(runners))

	for _, r := range runners {
		g.Go(func() error {
			return r.Run(ctx)
		})
	}

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		a.Logger.Error("Repricer stopped with error", "error", err)
		return err
	}

	a.Logger.Info("Repricer shut down gracefully")
	return nil
}

// Close releases every resource held by the app
func (a *App) Close() error {
	var errs []error
	if a.Consumer != nil {
		errs = append(errs, a.Consumer.Close())
	}
	if a.Pool != nil {
		a.Pool.Stop()
	}
	if a.Store != nil {
		errs = append(errs, a.Store.Close())
	}
	shutdownTelemetry(a.telemetry)
	return errors.Join(errs...)
}
