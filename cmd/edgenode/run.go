package main

import (
	"context"
	"crypto/tls"
	"fmt"
	"net"
	"os"
	"os/signal"
	"strconv"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/gofiber/fiber/v2"

	"github.com/mirrornode/edgenode/internal/channel"
	"github.com/mirrornode/edgenode/internal/cluster"
	"github.com/mirrornode/edgenode/internal/config"
	"github.com/mirrornode/edgenode/internal/controlplane"
	"github.com/mirrornode/edgenode/internal/handlers"
	"github.com/mirrornode/edgenode/internal/keepalive"
	"github.com/mirrornode/edgenode/internal/logging"
	"github.com/mirrornode/edgenode/internal/metrics"
	"github.com/mirrornode/edgenode/internal/models"
	"github.com/mirrornode/edgenode/internal/queue"
	"github.com/mirrornode/edgenode/internal/router"
	"github.com/mirrornode/edgenode/internal/signature"
	"github.com/mirrornode/edgenode/internal/storage"
	"github.com/mirrornode/edgenode/internal/token"
)

func run(ctx context.Context) error {
	// Load configuration
	cfg, err := config.Load(configFile)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	// Setup logger
	logger, err := logging.NewFromConfig(cfg.Logging)
	if err != nil {
		return fmt.Errorf("failed to initialize logger: %w", err)
	}
	logger.Info("Edge node starting...",
		"version", Version, "commit", GitCommit, "build time", BuildTime,
		"cluster_id", cfg.Cluster.ID)

	userAgent := "edgenode/" + Version
	m := metrics.New()
	counters := &models.Counters{}
	index := models.NewFileIndex()

	// The HTTP server is assigned once it is listening; the fatal hook
	// shuts it down if it exists
	var server atomic.Pointer[fiber.App]
	fatal := func(err error) {
		logger.Error("Fatal error, exiting", "error", err)
		if app := server.Load(); app != nil {
			_ = app.ShutdownWithTimeout(5 * time.Second)
		}
		os.Exit(1)
	}

	// 1. Credential
	tokens := token.NewManager(token.Config{
		ClusterID:     cfg.Cluster.ID,
		ClusterSecret: cfg.Cluster.Secret,
		BaseURL:       cfg.Cluster.ControlPlane,
		UserAgent:     userAgent,
		Timeout:       cfg.Token.RequestTimeout,
		RetryInterval: cfg.Token.RetryInterval,
	}, logger)
	defer tokens.Stop()

	if _, err := tokens.Token(ctx); err != nil {
		return fmt.Errorf("failed to acquire token: %w", err)
	}
	logger.Info("Token acquired")

	// 2. Storage
	engine, err := storage.New(cfg.Storage, logger)
	if err != nil {
		return err
	}
	defer closeEngine(engine)

	if err := engine.Init(ctx); err != nil {
		return fmt.Errorf("failed to initialize storage: %w", err)
	}
	if !engine.Check(ctx) {
		return fmt.Errorf("%s storage is not writable", cfg.Storage.Type)
	}

	// 3. Control plane, usage fan-out and control channel
	cp, err := controlplane.New(controlplane.Config{
		BaseURL:   cfg.Cluster.ControlPlane,
		UserAgent: userAgent,
		Timeout:   cfg.Token.RequestTimeout,
		Verify:    cfg.Sync.Verify,
	}, tokens)
	if err != nil {
		return err
	}

	logger.Info("Connecting usage publisher", "type", cfg.Usage.Type)
	usage, err := queue.NewPublisher(cfg.Usage)
	if err != nil {
		return fmt.Errorf("failed to create usage publisher: %w", err)
	}
	defer func() { _ = usage.Close() }()

	ch := newChannel(cfg, tokens, logger)

	agent := cluster.New(cluster.Config{
		ClusterID:      cfg.Cluster.ID,
		Host:           cfg.Cluster.Host,
		Port:           cfg.Cluster.AnnouncedPort(),
		Version:        Version,
		BYOC:           cfg.Cluster.BYOC,
		NoFastEnable:   cfg.Cluster.NoFastEnable,
		Flavor:         cfg.Cluster.Flavor,
		StorageType:    cfg.Storage.Type,
		EnableTimeout:  cfg.Channel.EnableTimeout,
		RPCTimeout:     cfg.Channel.RPCTimeout,
		RestartTimeout: cfg.Keepalive.RestartTimeout,
		Keepalive: keepalive.Config{
			Interval:    cfg.Keepalive.Interval,
			Timeout:     cfg.Keepalive.Timeout,
			MaxFailures: cfg.Keepalive.MaxFailures,
		},
		SyncConcurrency: cfg.Sync.Concurrency,
		Progress:        cfg.Sync.Progress,
	}, cluster.Deps{
		Channel:  ch,
		Storage:  engine,
		Source:   cp,
		Counters: counters,
		Index:    index,
		Recorder: m,
		Usage:    usage,
		Fatal:    fatal,
	}, logger)

	// 4. Reconcile content
	list, policy, err := agent.FetchFileList(ctx)
	if err != nil {
		return err
	}
	if err := agent.Reconcile(ctx, list, policy); err != nil {
		return fmt.Errorf("failed to sync files: %w", err)
	}

	// 5. Control channel
	runCtx, stopRun := context.WithCancel(context.Background())
	defer stopRun()
	go func() { _ = agent.Run(runCtx) }()

	if err := agent.Connect(ctx); err != nil {
		return err
	}

	var certFile, keyFile string
	if !cfg.Cluster.BYOC {
		logger.Info("Requesting certificate")
		pair, err := agent.RequestCertificate(ctx)
		if err != nil {
			return err
		}
		if certFile, keyFile, err = pair.WriteFiles(cfg.Server.CertDir); err != nil {
			return err
		}
	}

	// 6. HTTP server
	h := handlers.New(logger, handlers.Config{
		Verifier:     signature.NewVerifier(cfg.Cluster.Secret),
		Storage:      engine,
		Index:        index,
		Accountant:   m.Delivery(counters),
		Status:       agent,
		Version:      Version,
		MeasureMaxMB: cfg.Measure.MaxSizeMB,
	})
	app := router.New(logger, h, m, router.Options{AccessLog: cfg.Server.AccessLog})

	ln, err := listen(net.JoinHostPort(cfg.Server.Host, strconv.Itoa(cfg.Cluster.Port)), certFile, keyFile)
	if err != nil {
		return err
	}
	server.Store(app)
	go func() {
		logger.Info("Server listening", "address", ln.Addr().String(), "tls", certFile != "")
		if err := app.Listener(ln); err != nil {
			fatal(fmt.Errorf("server stopped: %w", err))
		}
	}()

	// 7. Register
	logger.Info("Requesting to go online")
	if err := agent.Enable(ctx); err != nil {
		_ = app.ShutdownWithTimeout(5 * time.Second)
		return err
	}
	logger.Info("Serving", "files", index.Len())

	// Wait for interrupt signal to gracefully shutdown the server
	quit := make(chan os.Signal, 2)
	signal.Notify(quit, os.Interrupt, syscall.SIGTERM)
	sig := <-quit

	logger.Info("Unregistering node", "signal", sig.String())
	go func() {
		<-quit
		logger.Warn("Second signal received, forcing exit")
		os.Exit(1)
	}()

	disableCtx, cancelDisable := context.WithTimeout(context.Background(), cfg.Channel.RPCTimeout)
	defer cancelDisable()
	if err := agent.Shutdown(disableCtx); err != nil {
		logger.Error("Failed to unregister node", "error", err)
	}

	// Graceful shutdown with 10 second timeout
	if err := app.ShutdownWithTimeout(10 * time.Second); err != nil {
		logger.Error("Server forced to shutdown", "error", err)
	}

	logger.Info("Server exited")
	return nil
}

func newChannel(cfg *config.Config, tokens *token.Manager, logger *logging.Logger) channel.Channel {
	if cfg.Channel.Type == "memory" {
		logger.Warn("Using loopback control channel; the node is not registered anywhere")
		return channel.NewLoopback()
	}
	return channel.NewNATS(channel.NATSConfig{
		URL:           cfg.Channel.URL,
		Subject:       cfg.Channel.Subject,
		ClusterID:     cfg.Cluster.ID,
		Name:          "edgenode-" + cfg.Cluster.ID,
		MaxReconnects: cfg.Channel.MaxReconnects,
		ReconnectWait: cfg.Channel.ReconnectWait,
		Timeout:       cfg.Channel.RPCTimeout,
		Token:         tokens.Token,
	}, logger)
}

// listen binds addr, wrapping the listener in TLS when a certificate is given
func listen(addr, certFile, keyFile string) (net.Listener, error) {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("failed to listen on %s: %w", addr, err)
	}
	if certFile == "" {
		return ln, nil
	}

	cert, err := tls.LoadX509KeyPair(certFile, keyFile)
	if err != nil {
		_ = ln.Close()
		return nil, fmt.Errorf("failed to load certificate: %w", err)
	}
	return tls.NewListener(ln, &tls.Config{
		Certificates: []tls.Certificate{cert},
		MinVersion:   tls.VersionTLS12,
	}), nil
}
