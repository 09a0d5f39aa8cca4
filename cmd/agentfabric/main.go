// Entry point for the agentfabric service. This is the only place a
// process-wide instance of the fabric is assembled; library code receives
// its collaborators explicitly.
//
// Usage:
//
//	agentfabric serve                       # start the fabric
//	agentfabric serve --config config.yaml  # with a config file
//	agentfabric version                     # show version information
package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/agentfabric/agentfabric"
	"github.com/agentfabric/agentfabric/config"
	"github.com/agentfabric/agentfabric/internal/audit"
	"github.com/agentfabric/agentfabric/internal/telemetry"
	"github.com/agentfabric/agentfabric/orchestrator"
)

// Version information, injected at build time.
var (
	Version   = "dev"
	BuildTime = "unknown"
	GitCommit = "unknown"
)

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}

	switch os.Args[1] {
	case "serve":
		runServe(os.Args[2:])
	case "version":
		printVersion()
	case "help", "-h", "--help":
		printUsage()
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n", os.Args[1])
		printUsage()
		os.Exit(1)
	}
}

func runServe(args []string) {
	fs := flag.NewFlagSet("serve", flag.ExitOnError)
	configPath := fs.String("config", "", "Path to config file")
	fs.Parse(args)

	loader := config.NewLoader()
	if *configPath != "" {
		loader = loader.WithConfigPath(*configPath)
	}
	cfg, err := loader.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		os.Exit(1)
	}

	logger, err := cfg.Log.BuildLogger()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to build logger: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync()

	logger.Info("starting agentfabric",
		zap.String("version", Version),
		zap.String("build_time", BuildTime),
		zap.String("git_commit", GitCommit),
	)

	otelProviders, err := telemetry.Init(cfg.Telemetry, logger)
	if err != nil {
		logger.Warn("failed to initialize telemetry", zap.Error(err))
	}

	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	store, err := buildRecordStore(cfg.Redis, logger)
	if err != nil {
		logger.Fatal("failed to open handoff record store", zap.Error(err))
	}

	fab, err := agentfabric.New(cfg, logger,
		agentfabric.WithRegistry(registry),
		agentfabric.WithAuditSink(buildAuditSink(cfg.Audit, logger)),
		agentfabric.WithRecordStore(store),
	)
	if err != nil {
		logger.Fatal("failed to assemble fabric", zap.Error(err))
	}

	metricsServer := &http.Server{
		Addr:              cfg.Metrics.ListenAddr,
		Handler:           promhttp.HandlerFor(registry, promhttp.HandlerOpts{}),
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		logger.Info("metrics listening", zap.String("addr", cfg.Metrics.ListenAddr))
		if err := metricsServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("metrics server failed", zap.Error(err))
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	<-stop
	logger.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	if err := fab.Close(); err != nil {
		logger.Warn("fabric close failed", zap.Error(err))
	}
	if err := store.Close(); err != nil {
		logger.Warn("record store close failed", zap.Error(err))
	}
	if err := metricsServer.Shutdown(shutdownCtx); err != nil {
		logger.Warn("metrics server shutdown failed", zap.Error(err))
	}
	if err := otelProviders.Shutdown(shutdownCtx); err != nil {
		logger.Warn("telemetry shutdown failed", zap.Error(err))
	}

	logger.Info("agentfabric stopped")
}

// buildAuditSink selects the configured audit sink; the sqlite driver also
// mirrors entries to the log.
func buildAuditSink(cfg config.AuditConfig, logger *zap.Logger) audit.Sink {
	switch cfg.Driver {
	case "sqlite":
		store, err := audit.NewStoreAt(cfg.Path, logger)
		if err != nil {
			logger.Warn("audit store unavailable, falling back to log sink", zap.Error(err))
			return audit.NewZapSink(logger)
		}
		return audit.MultiSink{store, audit.NewZapSink(logger)}
	default:
		return audit.NewZapSink(logger)
	}
}

func buildRecordStore(cfg config.RedisConfig, logger *zap.Logger) (orchestrator.RecordStore, error) {
	if !cfg.Enabled {
		return orchestrator.NewMemoryStore(), nil
	}
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
		PoolSize: cfg.PoolSize,
	})
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	store, err := orchestrator.NewRedisStore(ctx, client, cfg.KeyPrefix)
	if err != nil {
		return nil, err
	}
	logger.Info("using redis record store", zap.String("addr", cfg.Addr))
	return store, nil
}

func printVersion() {
	fmt.Printf("agentfabric %s\n", Version)
	fmt.Printf("  Build Time: %s\n", BuildTime)
	fmt.Printf("  Git Commit: %s\n", GitCommit)
}

func printUsage() {
	fmt.Println(`agentfabric - agent task-handoff orchestration fabric

Usage:
  agentfabric <command> [options]

Commands:
  serve     Start the fabric
  version   Show version information
  help      Show this help message

Options for 'serve':
  --config <path>   Path to configuration file (YAML)`)
}
