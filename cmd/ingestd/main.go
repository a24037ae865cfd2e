package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"go.uber.org/zap"

	"github.com/nftopia/ingest-go/internal/config"
	"github.com/nftopia/ingest-go/internal/logger"
	"github.com/nftopia/ingest-go/pkg/api"
	"github.com/nftopia/ingest-go/pkg/chain"
	"github.com/nftopia/ingest-go/pkg/listener"
	"github.com/nftopia/ingest-go/pkg/queue"
	"github.com/nftopia/ingest-go/pkg/webhook"
)

var (
	// Version information (injected at build time)
	version   = "dev"
	commit    = "none"
	buildTime = "unknown"
)

func main() {
	var (
		configFile  = flag.String("config", "", "Path to configuration file (YAML)")
		showVersion = flag.Bool("version", false, "Show version information and exit")
		rpcEndpoint = flag.String("rpc", "", "Chain RPC endpoint URL")
		logLevel    = flag.String("log-level", "", "Log level (debug, info, warn, error)")
		logFormat   = flag.String("log-format", "", "Log format (json, console)")
		queueType   = flag.String("queue", "", "Queue backend (local, redis, kafka)")

		// API server flags
		enableAPI = flag.Bool("api", false, "Enable API server")
		apiHost   = flag.String("api-host", "", "API server host")
		apiPort   = flag.Int("api-port", 0, "API server port")
	)

	flag.Parse()

	if *showVersion {
		fmt.Printf("ingest-go version %s\n", version)
		fmt.Printf("  commit: %s\n", commit)
		fmt.Printf("  built:  %s\n", buildTime)
		os.Exit(0)
	}

	cfg, err := loadConfig(*configFile)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
		os.Exit(1)
	}
	applyFlags(cfg, *rpcEndpoint, *logLevel, *logFormat, *queueType)
	applyAPIFlags(cfg, *enableAPI, *apiHost, *apiPort)

	if err := cfg.Validate(); err != nil {
		fmt.Fprintf(os.Stderr, "Invalid configuration: %v\n", err)
		os.Exit(1)
	}

	log, err := logger.FromLogConfig(cfg.Log.Level, cfg.Log.Format)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer log.Sync()

	log.Info("Starting ingest service",
		zap.String("version", version),
		zap.String("commit", commit),
		zap.String("build_time", buildTime),
		zap.String("rpc_endpoint", cfg.RPC.Endpoint),
		zap.Int("contracts", len(cfg.Listeners.Contracts)),
		zap.String("queue", cfg.Queue.Type),
	)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	log.Info("Initializing components...")

	// Chain provider
	dialCtx := ctx
	if cfg.RPC.Timeout > 0 {
		var dialCancel context.CancelFunc
		dialCtx, dialCancel = context.WithTimeout(ctx, cfg.RPC.Timeout)
		defer dialCancel()
	}
	provider, err := chain.NewRPCProvider(dialCtx, cfg.RPC.Endpoint, log)
	if err != nil {
		log.Fatal("Failed to connect to chain RPC", zap.Error(err))
	}
	defer provider.Close()

	// Queue producer
	producer, err := queue.NewProducer(cfg.Queue, log)
	if err != nil {
		log.Fatal("Failed to create queue producer", zap.Error(err))
	}
	defer func() {
		if err := producer.Close(); err != nil {
			log.Error("Failed to close queue producer", zap.Error(err))
		}
	}()

	// Contract listeners
	supervisor := listener.NewSupervisor(log)
	for _, contract := range cfg.Listeners.Contracts {
		supervisor.Add(listener.New(listener.Config{
			Contract:     contract.Name,
			Address:      contract.Address,
			Queue:        contract.Queue,
			PollInterval: cfg.Listeners.PollInterval,
			BatchSize:    cfg.Listeners.BatchSize,
			MaxFailures:  cfg.Listeners.MaxFailures,
			ResetTimeout: cfg.Listeners.ResetTimeout,
		}, provider, producer, log))
	}

	if err := supervisor.Start(ctx); err != nil {
		log.Fatal("Failed to start listeners", zap.Error(err))
	}
	defer supervisor.Stop()

	// Webhook pipeline
	verifier, err := webhook.NewVerifier(cfg.Webhook.Secret)
	if err != nil {
		log.Fatal("Webhook signature verification cannot start", zap.Error(err))
	}

	metrics := webhook.NewMetrics(nil)
	limiter := webhook.NewRateLimiter(rateLimits(cfg), log)
	defer limiter.Close()

	txStore := webhook.NewMemoryTransactionStore()
	processor := webhook.NewProcessor(txStore, metrics, log,
		webhook.WithDedupTTL(cfg.Webhook.DedupTTL),
		webhook.WithRetryPolicy(cfg.Webhook.MaxRetries, cfg.Webhook.RetryBaseDelay),
	)
	defer processor.Close()

	webhookHandler := webhook.NewHandler(webhook.HandlerConfig{
		Buffer:  cfg.Webhook.HandoffBuffer,
		Workers: cfg.Webhook.HandoffWorkers,
	}, verifier, limiter, processor, metrics, log)

	// API server
	var apiServer *api.Server
	if cfg.API.Enabled {
		apiServer, err = api.NewServer(&api.Config{
			Host: cfg.API.Host,
			Port: cfg.API.Port,
		}, log, supervisor, webhookHandler, metrics)
		if err != nil {
			log.Fatal("Failed to create API server", zap.Error(err))
		}

		go func() {
			if err := apiServer.Start(); err != nil {
				log.Error("API server failed", zap.Error(err))
			}
		}()
	}

	log.Info("Ingest service running")

	// Wait for shutdown signal
	sig := <-sigChan
	log.Info("Received shutdown signal", zap.String("signal", sig.String()))
	cancel()

	log.Info("Shutting down gracefully...")

	// Shutdown order: stop taking HTTP traffic, then listeners, then drain
	// the webhook workers so nothing writes to a closed producer.
	if apiServer != nil {
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer shutdownCancel()
		if err := apiServer.Stop(shutdownCtx); err != nil {
			log.Error("Failed to stop API server gracefully", zap.Error(err))
		}
	}
	supervisor.Stop()
	webhookHandler.Close()

	log.Info("Ingest service stopped")
}

// loadConfig loads configuration from file and environment variables
func loadConfig(configFile string) (*config.Config, error) {
	if err := loadDotEnv(); err != nil {
		return nil, err
	}

	cfg, err := config.Load(configFile)
	if err != nil {
		return nil, fmt.Errorf("failed to load configuration: %w", err)
	}
	return cfg, nil
}

// loadDotEnv loads environment variables from a .env file if it exists.
func loadDotEnv() error {
	info, err := os.Stat(".env")
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("failed to stat .env: %w", err)
	}
	if info.IsDir() {
		return fmt.Errorf(".env exists but is a directory")
	}
	if err := godotenv.Load(".env"); err != nil {
		return fmt.Errorf("failed to load .env: %w", err)
	}
	return nil
}

// applyFlags applies command-line flags to configuration
func applyFlags(cfg *config.Config, rpcEndpoint, logLevel, logFormat, queueType string) {
	if rpcEndpoint != "" {
		cfg.RPC.Endpoint = rpcEndpoint
	}
	if logLevel != "" {
		cfg.Log.Level = logLevel
	}
	if logFormat != "" {
		cfg.Log.Format = logFormat
	}
	if queueType != "" {
		cfg.Queue.Type = queueType
	}
}

// applyAPIFlags applies API server flags to configuration
func applyAPIFlags(cfg *config.Config, enableAPI bool, apiHost string, apiPort int) {
	if enableAPI {
		cfg.API.Enabled = true
	}
	if apiHost != "" {
		cfg.API.Host = apiHost
	}
	if apiPort != 0 {
		cfg.API.Port = apiPort
	}
}

// rateLimits converts the configured tiers into limiter settings, falling
// back to the stock values for anything unset.
func rateLimits(cfg *config.Config) webhook.Limits {
	limits := webhook.DefaultLimits()
	if cfg.RateLimit.Burst.Limit > 0 {
		limits.Burst = webhook.TierLimit{Limit: cfg.RateLimit.Burst.Limit, Window: cfg.RateLimit.Burst.Window}
	}
	if cfg.RateLimit.Standard.Limit > 0 {
		limits.Standard = webhook.TierLimit{Limit: cfg.RateLimit.Standard.Limit, Window: cfg.RateLimit.Standard.Window}
	}
	if cfg.RateLimit.Transaction.Limit > 0 {
		limits.Transaction = webhook.TierLimit{Limit: cfg.RateLimit.Transaction.Limit, Window: cfg.RateLimit.Transaction.Window}
	}
	return limits
}
