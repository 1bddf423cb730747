// ABOUTME: Entry point for the updatewatch container update watcher.
// ABOUTME: Handles initialization, configuration parsing, and starts the HTTP server.

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

	"github.com/rhizomatics/updatewatch/internal/app"
	"github.com/rhizomatics/updatewatch/internal/cache"
	"github.com/rhizomatics/updatewatch/internal/config"
	"github.com/rhizomatics/updatewatch/internal/docker"
	"github.com/rhizomatics/updatewatch/internal/enrich"
	"github.com/rhizomatics/updatewatch/internal/gitutil"
	"github.com/rhizomatics/updatewatch/internal/metrics"
	"github.com/rhizomatics/updatewatch/internal/model"
	"github.com/rhizomatics/updatewatch/internal/mqtt"
	"github.com/rhizomatics/updatewatch/internal/reconcile"
	"github.com/rhizomatics/updatewatch/internal/registry"
	"github.com/rhizomatics/updatewatch/internal/runtime"
	"github.com/rhizomatics/updatewatch/internal/server"
	"github.com/rhizomatics/updatewatch/internal/throttle"

	"github.com/sirupsen/logrus"
)

func main() {
	cfg, err := parseConfig()

	// Set up structured logging
	logger := logrus.New()
	logger.SetFormatter(&logrus.JSONFormatter{})
	logger.SetLevel(logrus.InfoLevel)
	if err != nil {
		logger.WithError(err).Fatal("Invalid configuration")
	}

	if level, perr := logrus.ParseLevel(cfg.Log.Level); perr == nil {
		logger.SetLevel(level)
	}
	if os.Getenv("LOG_LEVEL") != "" {
		if level, perr := logrus.ParseLevel(os.Getenv("LOG_LEVEL")); perr == nil {
			logger.SetLevel(level)
		}
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Handle shutdown gracefully
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		<-sigChan
		logger.Info("Received shutdown signal")
		cancel()
	}()

	watcher, err := NewWatcher(cfg, logger)
	if err != nil {
		logger.WithError(err).Fatal("Failed to create watcher")
	}

	if err := watcher.Start(ctx); err != nil {
		logger.WithError(err).Fatal("Failed to start watcher")
	}
}

func parseConfig() (*config.Config, error) {
	configPath := flag.String("config", "conf/config.yaml", "Path to the YAML configuration file")
	flag.Parse()

	if env := os.Getenv("UPDATEWATCH_CONFIG"); env != "" {
		*configPath = env
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		return nil, err
	}

	// Override with environment variables if set
	if host := os.Getenv("MQTT_HOST"); host != "" {
		cfg.MQTT.Host = host
	}
	if user := os.Getenv("MQTT_USER"); user != "" {
		cfg.MQTT.User = user
	}
	if password := os.Getenv("MQTT_PASSWORD"); password != "" {
		cfg.MQTT.Password = password
	}
	if node := os.Getenv("NODE_NAME"); node != "" {
		cfg.Node.Name = node
	}
	if interval := os.Getenv("SCAN_INTERVAL"); interval != "" {
		if d, perr := time.ParseDuration(interval); perr == nil {
			cfg.ScanInterval = config.Duration(d)
		}
	}
	return cfg, nil
}

// Watcher wires the providers, publisher, scan loop and HTTP surface.
type Watcher struct {
	cfg       *config.Config
	logger    *logrus.Logger
	app       *app.App
	publisher *mqtt.Client
	respCache *cache.ResponseCache
	stop      chan struct{}
}

func NewWatcher(cfg *config.Config, logger *logrus.Logger) (*Watcher, error) {
	logger.WithFields(logrus.Fields{
		"node":          cfg.Node.Name,
		"scan_interval": cfg.ScanInterval,
		"registry_api":  cfg.Docker.Registry.API,
		"metrics_port":  cfg.MetricsPort,
	}).Info("Initializing updatewatch")

	stop := make(chan struct{})
	respCache := cache.New(logger)

	var providers []model.ReleaseProvider
	if cfg.Docker.Enabled {
		rt, err := runtime.NewDockerRuntime(logger)
		if err != nil {
			return nil, fmt.Errorf("failed to create docker runtime: %w", err)
		}

		throttler := throttle.New(
			time.Duration(cfg.Docker.Registry.ThrottleSeconds)*time.Second, stop, logger)
		lookup := registry.New(cfg.Docker.Registry, rt, throttler, respCache, logger)

		pkgChain := enrich.NewChain(&cfg.Docker, cfg.PackageInfoFile, respCache, logger)
		if err := pkgChain.Initialize(context.Background()); err != nil {
			return nil, fmt.Errorf("failed to initialize package metadata: %w", err)
		}

		provider := docker.New(
			&cfg.Docker,
			cfg.Node,
			rt,
			lookup,
			reconcile.New(logger),
			pkgChain,
			enrich.NewSourceReleaseEnricher(logger),
			gitutil.New(cfg.Docker.GitTimeout.Std(), logger),
			logger,
		)
		providers = append(providers, provider)
	}
	if len(providers) == 0 {
		return nil, fmt.Errorf("no workload providers enabled")
	}

	publisher := mqtt.NewClient(cfg.MQTT, cfg.Node, cfg.HomeAssistant, logger)

	return &Watcher{
		cfg:       cfg,
		logger:    logger,
		app:       app.New(cfg, providers, publisher, logger),
		publisher: publisher,
		respCache: respCache,
		stop:      stop,
	}, nil
}

func (w *Watcher) Start(ctx context.Context) error {
	if err := w.publisher.Start(ctx); err != nil {
		return err
	}
	defer w.publisher.Stop()
	defer w.respCache.Close()
	defer close(w.stop)

	// Start the scan loop
	go w.app.Run(ctx)

	// Create HTTP server
	mux := http.NewServeMux()
	mux.HandleFunc("/metrics", w.securityMiddleware(metrics.CreateMetricsHandler(w.app, w.logger)))
	mux.HandleFunc("/discoveries", w.securityMiddleware(server.CreateDiscoveriesHandler(w.app, w.logger)))
	mux.HandleFunc("/health", w.securityMiddleware(w.healthHandler))

	httpServer := &http.Server{
		Addr:              fmt.Sprintf(":%d", w.cfg.MetricsPort),
		Handler:           mux,
		ReadTimeout:       10 * time.Second,
		ReadHeaderTimeout: 5 * time.Second,
		WriteTimeout:      10 * time.Second,
		IdleTimeout:       60 * time.Second,
		MaxHeaderBytes:    1 << 20, // 1 MB
	}

	go func() {
		<-ctx.Done()
		w.logger.Info("Shutting down HTTP server")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		httpServer.Shutdown(shutdownCtx)
	}()

	w.logger.WithField("port", w.cfg.MetricsPort).Info("Starting HTTP server")

	if err := httpServer.ListenAndServe(); err != http.ErrServerClosed {
		return err
	}

	return nil
}

func (w *Watcher) securityMiddleware(next http.HandlerFunc) http.HandlerFunc {
	return func(rw http.ResponseWriter, r *http.Request) {
		// Security headers
		rw.Header().Set("X-Content-Type-Options", "nosniff")
		rw.Header().Set("X-Frame-Options", "DENY")
		rw.Header().Set("X-XSS-Protection", "1; mode=block")
		rw.Header().Set("Referrer-Policy", "strict-origin-when-cross-origin")
		rw.Header().Set("Content-Security-Policy", "default-src 'none'; script-src 'none'; object-src 'none'; frame-ancestors 'none'")

		// Only allow specific HTTP methods
		if r.Method != http.MethodGet && r.Method != http.MethodHead {
			http.Error(rw, "Method not allowed", http.StatusMethodNotAllowed)
			return
		}

		w.logger.WithFields(logrus.Fields{
			"method":     r.Method,
			"path":       r.URL.Path,
			"remote_ip":  r.RemoteAddr,
			"user_agent": r.UserAgent(),
		}).Debug("HTTP request received")

		next(rw, r)
	}
}

func (w *Watcher) healthHandler(rw http.ResponseWriter, _ *http.Request) {
	rw.Header().Set("Content-Type", "application/json")
	fmt.Fprintf(rw, `{"status":"ok"}`)
}
