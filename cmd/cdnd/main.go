package main

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/dkarpele/geocdn/internal/logger"
	"github.com/dkarpele/geocdn/pkg/api"
	"github.com/dkarpele/geocdn/pkg/cache"
	"github.com/dkarpele/geocdn/pkg/config"
	"github.com/dkarpele/geocdn/pkg/geo"
	"github.com/dkarpele/geocdn/pkg/metrics"
	"github.com/dkarpele/geocdn/pkg/multipart"
	"github.com/dkarpele/geocdn/pkg/placement"
	"github.com/dkarpele/geocdn/pkg/ratelimit"
	"github.com/dkarpele/geocdn/pkg/registry"
	"github.com/dkarpele/geocdn/pkg/s3client"
	"github.com/dkarpele/geocdn/pkg/s3client/awss3"
	"github.com/dkarpele/geocdn/pkg/s3client/minios3"
	"github.com/dkarpele/geocdn/pkg/scheduler"
)

// Build-time variables injected via ldflags
var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

const usage = `geocdn - geo-aware CDN for S3-compatible object stores

Usage:
  cdnd <command>

Commands:
  start    Start the CDN server
  version  Show version information

Configuration is taken from environment variables, for example:
  HOST_CDN, PORT_CDN       API listen address
  BUCKET_NAME              bucket served by all nodes
  UPLOAD_PART_SIZE         multipart chunk size in bytes (> 5 MiB)
  NODES_FILE               JSON file describing the S3 nodes
  REDIS_HOST, REDIS_PORT   cache endpoint
  IPAPI_KEY                ipapi.co geolocation key
  IS_RATE_LIMIT            enable the per-client rate limiter
`

func main() {
	if len(os.Args) < 2 {
		fmt.Fprint(os.Stderr, usage)
		os.Exit(1)
	}

	switch os.Args[1] {
	case "start":
		runStart()
	case "help", "--help", "-h":
		fmt.Print(usage)
		os.Exit(0)
	case "version", "--version", "-v":
		fmt.Printf("cdnd %s (commit: %s, built: %s)\n", version, commit, date)
		os.Exit(0)
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n\n", os.Args[1])
		fmt.Fprint(os.Stderr, usage)
		os.Exit(1)
	}
}

func runStart() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}

	if err := logger.Init(logger.Config{
		Level:  cfg.Logging.Level,
		Format: cfg.Logging.Format,
		Output: "stdout",
	}); err != nil {
		log.Fatalf("Failed to initialize logger: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	logger.Info("Configuration loaded",
		"project", cfg.ProjectName, "addr", cfg.Addr(), "bucket", cfg.Bucket)

	// The node file is startup-fatal: a CDN without an origin cannot
	// serve anything.
	reg := registry.New(cfg.NodesFile)
	nodes, err := reg.ActiveNodes()
	if err != nil {
		log.Fatalf("Failed to load node registry: %v", err)
	}
	origin, err := registry.Origin(nodes)
	if err != nil {
		log.Fatalf("Node registry has no active origin: %v", err)
	}
	logger.Info("Node registry loaded", "nodes", len(nodes), "origin", origin.Endpoint)

	redisCache, err := cache.NewRedis(ctx, cache.RedisConfig{
		Host: cfg.Redis.Host,
		Port: cfg.Redis.Port,
	})
	if err != nil {
		log.Fatalf("Failed to connect to redis: %v", err)
	}
	defer func() {
		if err := redisCache.Close(); err != nil {
			logger.Error("redis close error", "error", err)
		}
	}()
	logger.Info("Cache connected", "host", cfg.Redis.Host, "port", cfg.Redis.Port)

	m := metrics.New()

	engine, err := multipart.NewEngine(redisCache, cfg.Bucket, cfg.PartSize, m)
	if err != nil {
		log.Fatalf("Failed to create upload engine: %v", err)
	}

	// Probes and presigning go through the minio client; bulk
	// transfers through the AWS SDK.
	probeFactory := s3client.Factory(func(node registry.Node) (s3client.Client, error) {
		return minios3.New(node)
	})
	transferFactory := s3client.Factory(func(node registry.Node) (s3client.Client, error) {
		return awss3.New(ctx, node)
	})

	sched := scheduler.New(scheduler.Config{
		Workers:        cfg.Scheduler.Workers,
		FinishInterval: cfg.Scheduler.FinishInterval,
		AbortInterval:  cfg.Scheduler.AbortInterval,
	}, reg, redisCache, engine, transferFactory, m)
	sched.Start(ctx)

	locator := geo.NewCachedLocator(geo.NewIPAPI(cfg.IPAPIKey), redisCache,
		time.Duration(cfg.Redis.ExpireSeconds)*time.Second)
	router := geo.NewRouter(locator)
	placer := placement.New(reg, router, redisCache, probeFactory, sched, cfg.Bucket)
	limiter := ratelimit.New(redisCache, cfg.RateLimit.PerMinute, cfg.RateLimit.Enabled, m)

	handler := api.NewHandler(placer, engine, reg, transferFactory, cfg.ProjectName)
	apiServer := api.NewServer(cfg.Addr(), api.NewRouter(handler, limiter, m))

	var metricsServer *http.Server
	if cfg.MetricsPort > 0 {
		metricsServer = &http.Server{
			Addr:    fmt.Sprintf(":%d", cfg.MetricsPort),
			Handler: m.Handler(),
		}
		go func() {
			logger.Info("Metrics server listening", "port", cfg.MetricsPort)
			if err := metricsServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				logger.Error("metrics server failed", "error", err)
			}
		}()
	} else {
		logger.Info("Metrics server disabled")
	}

	serverDone := make(chan error, 1)
	go func() {
		serverDone <- apiServer.Start(ctx)
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	logger.Info("Server is running. Press Ctrl+C to stop.")

	select {
	case <-sigChan:
		signal.Stop(sigChan)
		logger.Info("Shutdown signal received, initiating graceful shutdown")
		cancel()

		if err := <-serverDone; err != nil {
			logger.Error("Server shutdown error", "error", err)
			os.Exit(1)
		}
	case err := <-serverDone:
		signal.Stop(sigChan)
		cancel()
		if err != nil {
			logger.Error("Server error", "error", err)
			os.Exit(1)
		}
	}

	if metricsServer != nil {
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
		if err := metricsServer.Shutdown(shutdownCtx); err != nil {
			logger.Error("metrics server shutdown error", "error", err)
		}
		shutdownCancel()
	}

	// Workers observe the cancelled context; wait for in-flight jobs.
	sched.Wait()
	logger.Info("Server stopped gracefully")
}
