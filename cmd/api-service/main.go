package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/cuongbtq/answer-queue/internal/api/handler"
	"github.com/cuongbtq/answer-queue/internal/api/router"
	"github.com/cuongbtq/answer-queue/internal/command"
	"github.com/cuongbtq/answer-queue/internal/config"
	"github.com/cuongbtq/answer-queue/internal/jobs"
	"github.com/cuongbtq/answer-queue/internal/metrics"
	"github.com/cuongbtq/answer-queue/internal/mq"
	"github.com/cuongbtq/answer-queue/internal/queue"
	"github.com/cuongbtq/answer-queue/internal/storage"
	"github.com/cuongbtq/answer-queue/migrations"
	"github.com/cuongbtq/answer-queue/shared/logger"
	"github.com/cuongbtq/answer-queue/shared/postgresql"
	"github.com/cuongbtq/answer-queue/shared/rabbitmq"
	"github.com/gin-gonic/gin"
	"github.com/joho/godotenv"
)

func main() {
	if err := run(); err != nil {
		log.Fatal(err)
	}
}

func run() error {
	// Load .env file if it exists
	if err := godotenv.Load(); err != nil {
		log.Println("No .env file found, using environment variables or flags")
	}

	// Parse command-line flags
	defaultConfigPath := os.Getenv("API_SERVICE_CONFIG_PATH")
	if defaultConfigPath == "" {
		defaultConfigPath = "configs/api-service/config.yaml"
	}
	configPath := flag.String("config", defaultConfigPath, "Path to configuration file")
	flag.Parse()

	// Load configuration
	cfg, err := config.Load(*configPath)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	if err := cfg.ValidateAPIConfig(); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}

	// Initialize logger
	appLogger, err := initLogger(&cfg.Logging)
	if err != nil {
		return fmt.Errorf("failed to initialize logger: %w", err)
	}
	defer appLogger.Close()

	appLogger.Info("Starting API service",
		slog.String("app", cfg.App.Name),
		slog.String("version", cfg.App.Version),
		slog.String("environment", cfg.App.Environment),
	)

	registry, err := cfg.BuildRegistry()
	if err != nil {
		return fmt.Errorf("failed to build worker class registry: %w", err)
	}

	// Background work (dispatch, consumer, periodic reconcile) runs under ctx
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	var background sync.WaitGroup

	collector := metrics.NewCollector()

	// Initialize job store
	var (
		store       jobs.Store
		healthCheck func(ctx context.Context) error
		dbClient    *postgresql.Client
	)
	switch cfg.Database.Driver {
	case config.DriverMemory:
		appLogger.Warn("Using in-memory job store; jobs do not survive a restart")
		store = storage.NewMemoryStore()
	default:
		dbClient, err = initPostgreSQL(&cfg.Database, appLogger.Logger)
		if err != nil {
			return fmt.Errorf("failed to initialize database: %w", err)
		}
		defer dbClient.Close()

		if err := dbClient.Migrate(migrations.FS); err != nil {
			return fmt.Errorf("failed to run migrations: %w", err)
		}

		appLogger.Info("Database connection established")
		store = storage.NewPostgresStore(dbClient, appLogger.Logger)
		healthCheck = dbClient.HealthCheck

		if err := collector.RegisterDB(dbClient.GetDB().DB, cfg.Database.Database); err != nil {
			return err
		}
	}

	queueRouter := queue.NewRouter(&queue.Config{
		Registry:       registry,
		DefaultTimeout: cfg.Jobs.DequeueTimeout,
		Observer:       collector.QueueDepth,
		Logger:         appLogger.Logger,
	})

	engine := command.NewEngine(command.Options{
		SuccessCapacity: cfg.Commands.SuccessCapacity,
		FailureCapacity: cfg.Commands.FailureCapacity,
		DurationSamples: cfg.Commands.DurationSamples,
		Ignore:          cfg.Commands.Ignore,
		Observer:        collector,
		Logger:          appLogger.Logger,
	})

	// Initialize RabbitMQ client
	var (
		rabbitClient *rabbitmq.Client
		publisher    jobs.EventPublisher = jobs.NopPublisher{}
		brokerHealth func(ctx context.Context) error
	)
	if cfg.RabbitMQ.Enabled {
		rabbitClient, err = initRabbitMQ(&cfg.RabbitMQ, appLogger.Logger)
		if err != nil {
			return fmt.Errorf("failed to initialize RabbitMQ: %w", err)
		}
		defer rabbitClient.Close()

		appLogger.Info("RabbitMQ connection established")
		publisher = mq.NewEventPublisher(rabbitClient, appLogger.Logger)
		brokerHealth = rabbitClient.HealthCheck
	}

	coordinator := jobs.NewCoordinator(jobs.Config{
		Store:          store,
		Queue:          queueRouter,
		Registry:       registry,
		Publisher:      publisher,
		RankClass:      cfg.Jobs.RankClass,
		DequeueTimeout: cfg.Jobs.DequeueTimeout,
		Logger:         appLogger.Logger,
	})
	reconciler := jobs.NewReconciler(store, queueRouter, registry, time.Now, appLogger.Logger)
	jobs.RegisterCommands(engine, coordinator, reconciler)

	// Command messages go through the broker when it is enabled
	var (
		dispatcher handler.Dispatcher
		local      *mq.LocalDispatcher
	)
	if rabbitClient != nil {
		dispatcher = mq.NewRabbitDispatcher(rabbitClient, appLogger.Logger)

		consumer := mq.NewConsumer(rabbitClient, engine, cfg.RabbitMQ.Consumer.Concurrency, appLogger.Logger)
		background.Add(1)
		go func() {
			defer background.Done()
			if err := consumer.Run(ctx); err != nil {
				appLogger.Error("Command consumer failed", slog.Any("error", err))
			}
		}()
	} else {
		local = mq.NewLocalDispatcher(ctx, engine, cfg.Commands.DispatchConcurrency, appLogger.Logger)
		dispatcher = local
	}

	// The in-memory queues start empty; rebuild them from the store
	if cfg.Jobs.ReconcileOnStartup {
		reconcileOnStartup(ctx, engine, reconciler, appLogger.Logger)
	}

	if cfg.Jobs.ReconcileInterval > 0 {
		background.Add(1)
		go func() {
			defer background.Done()
			jobs.RunPeriodicReconcile(ctx, engine, cfg.Jobs.ReconcileInterval, appLogger.Logger)
		}()
	}

	// Initialize router
	r := initRouter(cfg, appLogger.Logger, &handler.Dependencies{
		Logger:         appLogger.Logger,
		Coordinator:    coordinator,
		Reconciler:     reconciler,
		Router:         queueRouter,
		Engine:         engine,
		Dispatcher:     dispatcher,
		DequeueTimeout: cfg.Jobs.DequeueTimeout,
	}, router.Options{
		JWTSecret:   []byte(cfg.Auth.JWTSecret),
		Metrics:     collector.Handler(),
		HealthCheck: router.HealthChecks(healthCheck, brokerHealth),
	})

	// Create HTTP server
	addr := fmt.Sprintf(":%d", cfg.Server.Port)
	srv := &http.Server{
		Addr:         addr,
		Handler:      r,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	appLogger.Info("Starting HTTP server",
		slog.String("address", addr),
		slog.Duration("read_timeout", cfg.Server.ReadTimeout),
		slog.Duration("write_timeout", cfg.Server.WriteTimeout),
		slog.Any("worker_classes", registry.Names()),
	)

	// Start server in goroutine
	serverErr := make(chan error, 1)
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
	}()

	appLogger.Info("API service is running",
		slog.String("address", addr),
	)

	// Wait for interrupt signal to gracefully shutdown the server
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-quit:
		appLogger.Info("Shutting down server...", slog.String("signal", sig.String()))
	case err := <-serverErr:
		appLogger.Error("Server failed to start", slog.Any("error", err))
		cancel()
		background.Wait()
		return err
	}

	// Graceful shutdown with timeout
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer shutdownCancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		appLogger.Error("Server forced to shutdown",
			slog.Any("error", err),
		)
		return err
	}

	// Finish accepted commands, then stop background work before the deferred closes run
	if local != nil {
		local.Close()
	}
	cancel()
	background.Wait()

	appLogger.Info("Server shutdown complete")
	return nil
}

// reconcileOnStartup rebuilds the queues from the store through the engine
func reconcileOnStartup(ctx context.Context, engine *command.Engine, reconciler *jobs.Reconciler, logger *slog.Logger) {
	var report *jobs.Report
	ok := engine.Execute(ctx, jobs.CommandReconcile, jobs.ReconcileRequest{}, func(ctx context.Context) error {
		var err error
		report, err = reconciler.Reconcile(ctx)
		return err
	})
	if !ok {
		logger.Error("Startup reconciliation failed; see command failures")
		return
	}

	logger.Info("Startup reconciliation complete",
		slog.Int("incomplete", report.Incomplete),
		slog.Int("requeued", report.Requeued),
		slog.Int("unroutable", report.Unroutable),
	)
}

// initLogger initializes and configures the application logger
func initLogger(cfg *config.LoggingConfig) (*logger.Logger, error) {
	loggerCfg := &logger.Config{
		Level:        cfg.Level,
		Format:       cfg.Format,
		Output:       cfg.Output,
		EnableSource: cfg.EnableCaller,
		TimeFormat:   time.RFC3339,
	}

	return logger.New(loggerCfg)
}

// initPostgreSQL initializes the PostgreSQL database client
func initPostgreSQL(cfg *config.DatabaseConfig, logger *slog.Logger) (*postgresql.Client, error) {
	dbConfig := &postgresql.Config{
		Host:            cfg.Host,
		Port:            cfg.Port,
		User:            cfg.User,
		Password:        cfg.Password,
		Database:        cfg.Database,
		SSLMode:         cfg.SSLMode,
		MaxOpenConns:    cfg.MaxOpenConns,
		MaxIdleConns:    cfg.MaxIdleConns,
		ConnMaxLifetime: cfg.ConnMaxLifetime,
		ConnMaxIdleTime: cfg.ConnMaxIdleTime,

		ConnectRetries:       cfg.ConnectRetries,
		ConnectRetryInterval: cfg.ConnectRetryInterval,
	}

	return postgresql.NewClient(dbConfig, logger)
}

// initRabbitMQ initializes the RabbitMQ client
func initRabbitMQ(cfg *config.RabbitMQConfig, logger *slog.Logger) (*rabbitmq.Client, error) {
	rabbitConfig := &rabbitmq.Config{
		Host:               cfg.Host,
		Port:               cfg.Port,
		User:               cfg.User,
		Password:           cfg.Password,
		VHost:              cfg.VHost,
		ExchangeName:       cfg.Exchange.Name,
		ExchangeType:       cfg.Exchange.Type,
		ExchangeDurable:    cfg.Exchange.Durable,
		ExchangeAutoDelete: cfg.Exchange.AutoDelete,
		QueueName:          cfg.Queue.Name,
		QueueDurable:       cfg.Queue.Durable,
		QueueAutoDelete:    cfg.Queue.AutoDelete,
		QueueExclusive:     cfg.Queue.Exclusive,
		RoutingKey:         cfg.RoutingKey,
		EventsRoutingKey:   cfg.EventsRoutingKey,
		PrefetchCount:      cfg.Consumer.PrefetchCount,
		RetryAttempts:      cfg.Connection.RetryAttempts,
		RetryInterval:      cfg.Connection.RetryInterval,
		Heartbeat:          cfg.Connection.Heartbeat,
		PublishRetries:     cfg.Publish.RetryAttempts,
		PublishRetryDelay:  cfg.Publish.RetryInterval,
		PublishBackoffMult: cfg.Publish.BackoffMultiplier,
	}

	return rabbitmq.NewClient(rabbitConfig, logger)
}

// initRouter initializes the Gin router with all routes and middleware
func initRouter(cfg *config.Config, logger *slog.Logger, deps *handler.Dependencies, opts router.Options) *gin.Engine {
	// Set Gin mode based on environment
	if cfg.App.Environment == "production" {
		gin.SetMode(gin.ReleaseMode)
	} else {
		gin.SetMode(gin.DebugMode)
	}

	if len(opts.JWTSecret) == 0 {
		logger.Warn("auth.jwt_secret is empty; admin metrics endpoints will reject every request")
	}

	return router.SetupRouter(deps, opts)
}
