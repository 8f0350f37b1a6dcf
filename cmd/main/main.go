package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"gitlab.com/textlane/api/sms-agent-relay/internal/cache"
	"gitlab.com/textlane/api/sms-agent-relay/internal/client"
	"gitlab.com/textlane/api/sms-agent-relay/internal/config"
	"gitlab.com/textlane/api/sms-agent-relay/internal/httpapi"
	"gitlab.com/textlane/api/sms-agent-relay/internal/ingestion"
	"gitlab.com/textlane/api/sms-agent-relay/internal/observer"
	"gitlab.com/textlane/api/sms-agent-relay/internal/phone"
	"gitlab.com/textlane/api/sms-agent-relay/internal/registry"
	"gitlab.com/textlane/api/sms-agent-relay/internal/storage"
	"gitlab.com/textlane/api/sms-agent-relay/internal/usecase"
	"gitlab.com/textlane/api/sms-agent-relay/internal/validator"
	"gitlab.com/textlane/api/sms-agent-relay/pkg/logger"
	"gitlab.com/textlane/api/sms-agent-relay/pkg/utils"
	"go.uber.org/zap"
)

func main() {
	// Set timezone to UTC
	time.Local = time.UTC

	// Load .env for local development; absent in production deployments
	_ = godotenv.Load()

	// Load configuration
	cfg, err := config.LoadConfig("")
	if err != nil {
		fmt.Printf("Failed to load config: %v\n", err)
		os.Exit(1)
	}

	// Initialize logger
	if err := logger.Initialize(cfg.LogLevel, cfg.LogFormat); err != nil {
		fmt.Printf("Failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync()

	// Validate configuration after the logger exists so failures are structured
	if err := validator.Validate(cfg); err != nil {
		logger.Log.Fatal("Invalid configuration", zap.Error(err))
	}

	// Initialize Metrics conditionally
	metricsEnabled := cfg.Metrics.Enabled
	observer.InitMetrics(metricsEnabled)

	// Log startup information
	logger.Log.Info("Starting SMS Agent Relay",
		zap.String("environment", cfg.Environment),
		zap.Int("port", cfg.Server.Port),
		zap.String("session_store", cfg.Sessions.Store),
	)

	// Initialize repositories
	postgresRepo, err := initPostgresRepo(cfg.Database.PostgresDSN, cfg.Database.PostgresAutoMigrate)
	if err != nil {
		logger.Log.Fatal("Failed to initialize Postgres repository", zap.Error(err))
	}

	// Tenant registry: a missing or broken table at startup is fatal; a relay
	// that resolves no tenants would only drop events.
	normalizer := phone.NewNormalizer(cfg.Phone)
	tenantSource := registry.NewFileSource(cfg.Tenants.CSVPath, cfg.Billing, cfg.Tenants.DefaultFallbackLine)
	tenantRegistry := registry.New(tenantSource, normalizer)

	loadCtx, loadCancel := context.WithTimeout(context.Background(), 30*time.Second)
	tenantCount, err := tenantRegistry.Reload(loadCtx)
	loadCancel()
	if err != nil {
		logger.Log.Fatal("Failed to load tenant table", zap.Error(err))
	}
	observer.SetTenantsLoaded(tenantCount)
	logger.Log.Info("Tenant table loaded",
		zap.Int("tenant_count", tenantCount),
		zap.String("path", cfg.Tenants.CSVPath))

	// Outbound collaborators
	agentClient := client.NewChatAgentClient(cfg.Agent.BaseURL, cfg.Agent.APIKey, cfg.Agent.Timeout)
	gatewayClient := client.NewSMSGatewayClient(cfg.Gateway.BaseURL, cfg.Gateway.ClientID, cfg.Gateway.ClientSecret, cfg.Gateway.Timeout)
	invoicingClient := client.NewInvoicingAPIClient(cfg.Invoicing.BaseURL, cfg.Invoicing.APIToken, cfg.Invoicing.Timeout)

	// Conversation sessions
	sessionStore, err := initSessionStore(cfg.Sessions)
	if err != nil {
		logger.Log.Fatal("Failed to initialize session store", zap.Error(err))
	}
	sessionCache := cache.NewSessionCache(sessionStore, agentClient)

	// Core services
	usageMeter := usecase.NewUsageMeter(postgresRepo, tenantRegistry)
	dispatcher := usecase.NewDispatcher(tenantRegistry, sessionCache, agentClient, gatewayClient, usageMeter, normalizer)
	reconciler, err := usecase.NewBillingReconciler(cfg.Billing, cfg.Invoicing.Currency, postgresRepo, postgresRepo, tenantRegistry, invoicingClient, logger.Log)
	if err != nil {
		logger.Log.Fatal("Failed to initialize billing reconciler", zap.Error(err))
	}

	// Event routing: classified webhook events to dispatcher handlers
	eventRouter := ingestion.NewRouter()
	dispatcher.RegisterHandlers(eventRouter)

	// HTTP surface: webhook, admin, health, metrics
	server := httpapi.NewServer(cfg.Server.Port, postgresRepo, tenantRegistry, logger.Log)
	httpapi.NewWebhookHandler(eventRouter).SetupWebhookRoutes(server.Router())
	httpapi.NewAdminHandler(cfg.Admin.Token, usageMeter, tenantRegistry, reconciler).SetupAdminRoutes(server.Router())

	// Register metrics handler if enabled BEFORE starting the server
	if metricsEnabled {
		server.RegisterMetricsHandler(promhttp.Handler())
		logger.Log.Info("Metrics endpoint enabled", zap.String("path", "/metrics"), zap.Int("port", cfg.Server.Port))
	} else {
		logger.Log.Info("Metrics endpoint disabled for environment", zap.String("environment", cfg.Environment))
	}

	if cfg.Admin.Token == "" {
		logger.Log.Warn("Admin token not configured, admin surface is disabled")
	}

	server.Start()

	logger.Log.Info("HTTP endpoints available",
		zap.String("webhook", fmt.Sprintf("http://localhost:%d/sms/inbound", cfg.Server.Port)),
		zap.String("health", fmt.Sprintf("http://localhost:%d/health", cfg.Server.Port)),
	)

	// Wait for termination signal
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigChan
	logger.Log.Info("Received termination signal", zap.String("signal", sig.String()))

	// Graceful shutdown with timeout
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	logger.Log.Info("Starting graceful shutdown", zap.Duration("timeout", 30*time.Second))

	// Use WaitGroup to track shutdown of all components
	var wg sync.WaitGroup

	// Components: HTTP server, reconciler pool + session store, database
	numComponents := 3
	wg.Add(numComponents)

	// Shutdown HTTP server first so in-flight webhooks drain before their
	// collaborators go away.
	utils.SafeGo(func() {
		defer wg.Done()
		logger.Log.Info("[shutdown] Stopping HTTP server")
		start := time.Now()
		if err := server.Stop(shutdownCtx); err != nil {
			logger.Log.Error("[shutdown] Error stopping HTTP server", zap.Error(err))
		} else {
			logger.Log.Info("[shutdown] HTTP server stopped",
				zap.Duration("duration", time.Since(start)))
		}
	}, func(r interface{}, stack []byte) {
		logger.Log.Error("[shutdown] Panic while stopping HTTP server",
			zap.Any("panic", r),
			zap.ByteString("stack", stack),
		)
		wg.Done() // Ensure WaitGroup is decremented even in case of panic
	})

	// Shutdown reconciler pool and session store
	utils.SafeGo(func() {
		defer wg.Done()
		logger.Log.Info("[shutdown] Stopping billing reconciler pool")
		start := time.Now()
		reconciler.Stop()
		logger.Log.Info("[shutdown] Billing reconciler pool stopped",
			zap.Duration("duration", time.Since(start)))

		logger.Log.Info("[shutdown] Closing session store")
		if err := sessionStore.Close(); err != nil {
			logger.Log.Error("[shutdown] Error closing session store", zap.Error(err))
		}
	}, func(r interface{}, stack []byte) {
		logger.Log.Error("[shutdown] Panic while stopping reconciler or session store",
			zap.Any("panic", r),
			zap.ByteString("stack", stack),
		)
		wg.Done()
	})

	// Close database connections
	utils.SafeGo(func() {
		defer wg.Done()
		logger.Log.Info("[shutdown] Closing PostgreSQL connection")
		start := time.Now()
		if err := postgresRepo.Close(shutdownCtx); err != nil {
			logger.Log.Error("[shutdown] Failed to close PostgreSQL connection", zap.Error(err))
		} else {
			logger.Log.Info("[shutdown] PostgreSQL connection closed",
				zap.Duration("duration", time.Since(start)))
		}
	}, func(r interface{}, stack []byte) {
		logger.Log.Error("[shutdown] Panic while closing database connections",
			zap.Any("panic", r),
			zap.ByteString("stack", stack),
		)
		wg.Done() // Ensure WaitGroup is decremented even in case of panic
	})

	// Wait with a timeout for all components to shut down
	waitCh := make(chan struct{})
	go func() {
		wg.Wait()
		close(waitCh)
	}()

	select {
	case <-waitCh:
		logger.Log.Info("[shutdown] All components stopped gracefully")
	case <-shutdownCtx.Done():
		logger.Log.Warn("[shutdown] Graceful shutdown timed out, forcing exit")
	}

	logger.Log.Info("SMS Agent Relay shutdown complete")
}

// Initialize PostgreSQL repository
func initPostgresRepo(dsn string, autoMigrate bool) (*storage.PostgresRepo, error) {
	if dsn == "" {
		return nil, fmt.Errorf("postgres DSN is required")
	}

	repo, err := storage.NewPostgresRepo(dsn, autoMigrate)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize postgres repository: %w", err)
	}

	logger.Log.Info("Initialized PostgreSQL repository")
	return repo, nil
}

// initSessionStore builds the configured conversation-session store.
func initSessionStore(cfg config.SessionStoreConfig) (cache.SessionStore, error) {
	switch cfg.Store {
	case "redis":
		rdb := redis.NewClient(&redis.Options{
			Addr:     cfg.RedisAddr,
			Password: cfg.RedisPassword,
			DB:       cfg.RedisDB,
		})

		pingCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := rdb.Ping(pingCtx).Err(); err != nil {
			return nil, fmt.Errorf("failed to connect to redis at %s: %w", cfg.RedisAddr, err)
		}

		logger.Log.Info("Using Redis session store", zap.String("addr", cfg.RedisAddr))
		return cache.NewRedisSessionStore(rdb, cfg.TTL), nil

	case "memory":
		logger.Log.Info("Using in-memory session store",
			zap.Duration("ttl", cfg.TTL),
			zap.Int("max_entries", cfg.MaxEntries))
		return cache.NewInMemorySessionStore(cfg.TTL, cfg.MaxEntries), nil

	default:
		return nil, fmt.Errorf("unknown session store %q", cfg.Store)
	}
}
