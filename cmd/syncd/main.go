// Package main runs the offline-first sync daemon. Local clients read and
// write records over REST on the listen address and follow sync events over
// WebSocket; pending changes are pushed to the remote whenever it is reachable.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	gosync "sync"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/homezloco/Loco-Coder-sub003/cmd/syncd/handlers"
	"github.com/homezloco/Loco-Coder-sub003/internal/circuit"
	"github.com/homezloco/Loco-Coder-sub003/internal/config"
	"github.com/homezloco/Loco-Coder-sub003/internal/connectivity"
	"github.com/homezloco/Loco-Coder-sub003/internal/credentials"
	"github.com/homezloco/Loco-Coder-sub003/internal/events"
	"github.com/homezloco/Loco-Coder-sub003/internal/gateway"
	"github.com/homezloco/Loco-Coder-sub003/internal/logging"
	"github.com/homezloco/Loco-Coder-sub003/internal/metrics"
	"github.com/homezloco/Loco-Coder-sub003/internal/models"
	"github.com/homezloco/Loco-Coder-sub003/internal/store"
	"github.com/homezloco/Loco-Coder-sub003/internal/sync"
	"github.com/homezloco/Loco-Coder-sub003/internal/sync/conflict"
	s3preset "github.com/homezloco/Loco-Coder-sub003/internal/sync/s3"
)

// Version is set at build time
var Version = "0.1.0"

func main() {
	envFile := flag.String("env", ".env", "optional .env file")
	hashKey := flag.String("hash-key", "", "print the bcrypt hash of an API key and exit")
	flag.Parse()

	if *hashKey != "" {
		hash, err := handlers.HashAPIKey(*hashKey)
		if err != nil {
			log.Fatalf("Failed to hash API key: %v", err)
		}
		fmt.Println(hash)
		return
	}

	cfg, err := config.Load(*envFile)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}
	if err := run(cfg); err != nil {
		log.Fatalf("syncd: %v", err)
	}
}

func run(cfg *config.Config) error {
	logging.Init(os.Stderr, logging.ParseLevel(cfg.LogLevel))
	logger := logging.Component("main")

	if err := os.MkdirAll(cfg.DataDir, 0755); err != nil {
		return fmt.Errorf("create data directory: %w", err)
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	mt := metrics.New(reg)

	bus := events.NewBus()
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	st := store.New(ctx, store.Config{
		DataDir:           cfg.DataDir,
		TierAMaxPageCount: cfg.TierAMaxPages,
		TierBMaxBytes:     cfg.TierBMaxBytes,
	}, store.WithMetrics(mt))

	monitorCfg := connectivity.Config{
		BaseURL:           cfg.BaseURL,
		Endpoints:         cfg.HealthEndpoints,
		Interval:          cfg.ProbeInterval,
		Timeout:           cfg.ProbeTimeout,
		RequiredSuccesses: uint32(cfg.RequiredSuccesses),
		RequiredFailures:  uint32(cfg.RequiredFailures),
	}

	var (
		s3cfg sync.S3Config
		err   error
	)
	if cfg.Remote == config.RemoteS3 {
		provider := s3preset.Provider(cfg.S3.Provider)
		s3cfg, err = s3preset.Apply(provider, sync.S3Config{
			Endpoint:        cfg.S3.Endpoint,
			Bucket:          cfg.S3.Bucket,
			Region:          cfg.S3.Region,
			AccessKeyID:     cfg.S3.AccessKeyID,
			SecretAccessKey: cfg.S3.SecretAccessKey,
			UsePathStyle:    cfg.S3.UsePathStyle,
			Prefix:          cfg.S3.Prefix,
		}, s3preset.Options{AccountID: cfg.S3.AccountID, UseSSL: cfg.S3.UseSSL})
		if err != nil {
			st.Close()
			return fmt.Errorf("configure S3 remote: %w", err)
		}

		// The bucket endpoint is the remote whose reachability matters.
		monitorCfg.BaseURL = s3cfg.Endpoint
		if monitorCfg.BaseURL == "" {
			monitorCfg.BaseURL, _ = s3preset.AWSEndpointForRegion(s3cfg.Region)
		}
		if path := s3preset.HealthPath(provider); path != "" {
			monitorCfg.Endpoints = []string{path}
		}
	}

	monitor := connectivity.New(monitorCfg,
		connectivity.WithPublisher(bus),
		connectivity.WithMetrics(mt),
	)

	creds := credentials.Unexpired(credentials.First(
		credentials.Static(cfg.Token),
		credentials.NewFileStore(cfg.DataDir, "remote", nil),
	), nil)

	gw := gateway.New(gateway.Config{
		BaseURL:          cfg.BaseURL,
		Timeout:          cfg.RequestTimeout,
		MaxRetries:       cfg.MaxRetries,
		BaseDelay:        cfg.RetryBaseDelay,
		MaxDelay:         cfg.RetryMaxDelay,
		CacheTTL:         cfg.CacheTTL,
		CircuitThreshold: uint32(cfg.CircuitThreshold),
		CircuitReset:     cfg.CircuitReset,
	},
		gateway.WithCredentials(creds),
		gateway.WithStore(st),
		gateway.WithConnectivity(monitor),
		gateway.WithMetrics(mt),
	)

	var remote sync.Remote
	switch cfg.Remote {
	case config.RemoteS3:
		breaker := circuit.New(circuit.Config{
			Threshold:     uint32(cfg.CircuitThreshold),
			ResetTimeout:  cfg.CircuitReset,
			OnStateChange: mt.SetCircuitOpen,
		})
		remote, err = sync.NewS3Remote(ctx, s3cfg, sync.WithS3Breaker(breaker), sync.WithS3Timeout(cfg.RequestTimeout))
		if err != nil {
			st.Close()
			return fmt.Errorf("create S3 remote: %w", err)
		}
	default:
		remote = sync.NewHTTPRemote(gw)
	}

	policy, err := conflict.ParsePolicy(cfg.ConflictPolicy)
	if err != nil {
		st.Close()
		return err
	}

	hub := NewWSHub()
	unsubscribeHub := bus.Subscribe(hub.Publish)

	mgr := sync.NewManager(sync.Config{
		MaxRetries:    uint32(cfg.SyncMaxRetries),
		DrainInterval: cfg.DrainInterval,
		Concurrency:   cfg.DrainConcurrency,
		Policy:        policy,
	}, st, remote, monitor,
		sync.WithPublisher(bus),
		sync.WithMetrics(mt),
		sync.WithRequester(gw),
	)
	gw.SetQueueHandler(mgr.EnqueueRequest)

	monitor.Start(ctx)
	if err := mgr.Start(ctx); err != nil {
		monitor.Stop()
		st.Close()
		return err
	}

	pruneCtx, stopPrune := context.WithCancel(ctx)
	var pruneWG gosync.WaitGroup
	pruneWG.Add(1)
	go func() {
		defer pruneWG.Done()
		pruneExpired(pruneCtx, st, map[string]time.Duration{
			models.CollectionResponses: cfg.ResponseTTL,
			models.CollectionConflicts: cfg.ConflictTTL,
		}, pruneInterval)
	}()

	mux := http.NewServeMux()
	handlers.NewSyncHandler(mgr, monitor, gw, st, []string{models.CollectionFiles, models.CollectionSettings}).Register(mux)
	mux.Handle("GET /metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	mux.HandleFunc("GET /ws", HandleWebSocket(hub))
	mux.HandleFunc("GET /health", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		fmt.Fprintf(w, `{"status":"ok","service":"syncd","version":%q}`, Version)
	})

	srv := &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           handlers.RequireAPIKey(cfg.APIKeyHash, mux, "/health", "/metrics"),
		ReadHeaderTimeout: 10 * time.Second,
	}

	serveErr := make(chan error, 1)
	go func() {
		logger.Info("Sync daemon listening", map[string]interface{}{
			"addr":    cfg.ListenAddr,
			"remote":  cfg.Remote,
			"version": Version,
		})
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
		close(serveErr)
	}()

	var runErr error
	select {
	case <-ctx.Done():
	case runErr = <-serveErr:
		if runErr != nil {
			logger.Error("HTTP server failed", runErr)
		}
	}

	logger.Info("Shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Warn("HTTP shutdown incomplete", map[string]interface{}{"error": err.Error()})
	}

	hub.Close()
	unsubscribeHub()
	stopPrune()
	pruneWG.Wait()
	if err := mgr.Shutdown(); err != nil {
		logger.Warn("Sync manager shutdown incomplete", map[string]interface{}{"error": err.Error()})
	}
	bus.Close()
	return runErr
}
