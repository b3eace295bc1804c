// Command apiguard runs the security engine as an HTTP service.
//
//	apiguard -config /etc/apiguard/apiguard.toml
//	apiguard hash-admin-key <key>
//	apiguard generate-encryption-key
package main

import (
	"context"
	"encoding/base64"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"golang.org/x/crypto/bcrypt"

	"github.com/lingualeap/apiguard"
	"github.com/lingualeap/apiguard/instrumentation"
	"github.com/lingualeap/apiguard/internal/api"
	"github.com/lingualeap/apiguard/internal/config"
	"github.com/lingualeap/apiguard/internal/logging"
	"github.com/lingualeap/apiguard/notify"
	"github.com/lingualeap/apiguard/scheduler"
	"github.com/lingualeap/apiguard/security"
	"github.com/lingualeap/apiguard/storage/sqlstore"
	"github.com/lingualeap/apiguard/storage/valkey"
)

// version is set at build time with -ldflags "-X main.version=..."
var version = "dev"

func main() {
	if len(os.Args) > 1 && os.Args[1] == "hash-admin-key" {
		if len(os.Args) != 3 {
			fmt.Fprintf(os.Stderr, "Usage: %s hash-admin-key <key>\n", os.Args[0])
			os.Exit(2)
		}
		hash, err := bcrypt.GenerateFromPassword([]byte(os.Args[2]), bcrypt.DefaultCost)
		if err != nil {
			fmt.Fprintf(os.Stderr, "hash admin key: %v\n", err)
			os.Exit(1)
		}
		fmt.Println(string(hash))
		return
	}
	if len(os.Args) > 1 && os.Args[1] == "generate-encryption-key" {
		key, err := security.GenerateKey()
		if err != nil {
			fmt.Fprintf(os.Stderr, "generate encryption key: %v\n", err)
			os.Exit(1)
		}
		fmt.Println(base64.StdEncoding.EncodeToString(key))
		return
	}

	configPath := flag.String("config", os.Getenv("APIGUARD_CONFIG"), "path to the TOML configuration file")
	flag.Parse()

	if err := run(*configPath); err != nil {
		fmt.Fprintf(os.Stderr, "apiguard: %v\n", err)
		os.Exit(1)
	}
}

func run(configPath string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}

	logger, logCloser, err := logging.New(cfg.Logging)
	if err != nil {
		return err
	}
	defer logCloser.Close()
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	inst, err := instrumentation.New(instrumentation.Config{
		ServiceVersion:       version,
		Enabled:              true,
		MetricExporter:       cfg.Telemetry.Metrics,
		PrometheusRegisterer: registry,
		TraceExporter:        cfg.Telemetry.Traces,
		LogClientIPs:         cfg.Telemetry.LogClientIPs,
	})
	if err != nil {
		return fmt.Errorf("initialize instrumentation: %w", err)
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := inst.Shutdown(shutdownCtx); err != nil {
			logger.Warn("Instrumentation shutdown failed", "error", err)
		}
	}()

	if dir := filepath.Dir(cfg.Storage.SQLitePath); cfg.Storage.SQLitePath != ":memory:" && dir != "." {
		if err := os.MkdirAll(dir, 0o750); err != nil {
			return fmt.Errorf("create database directory: %w", err)
		}
	}
	db, err := sqlstore.Open(cfg.Storage.SQLitePath)
	if err != nil {
		return err
	}
	defer db.Close()
	db.SetLogger(logger)
	db.SetInstrumentation(inst)

	enc, err := cfg.Encryptor()
	if err != nil {
		return err
	}
	db.SetEncryptor(enc)

	stores := apiguard.StoresFrom(db)
	ready := []func(context.Context) error{db.Ping}

	if vcfg, ok := cfg.Valkey(logger); ok {
		vk, err := valkey.New(vcfg)
		if err != nil {
			return err
		}
		defer vk.Close()
		vk.SetInstrumentation(inst)
		stores.RateLimits = vk
		stores.Blacklist = vk
		ready = append(ready, vk.Ping)
		logger.Info("Using Valkey for rate limit counters and the token blacklist", "addr", vcfg.Address)
	}

	verifier, err := cfg.Verifier(nil)
	if err != nil {
		return err
	}

	guard, err := apiguard.New(cfg.GuardConfig(nil, logger), stores, nil, verifier)
	if err != nil {
		return err
	}
	defer guard.Close()
	guard.SetInstrumentation(inst)

	if len(cfg.Notify.URLs) > 0 {
		alerter, err := notify.New(cfg.Notify, nil, logger)
		if err != nil {
			return err
		}
		guard.Events().Subscribe("notify", alerter.Handle)
		logger.Info("Security alerts enabled", "services", len(cfg.Notify.URLs), "min_severity", cfg.Notify.MinSeverity)
	}

	jobs, err := scheduler.New(cfg.Scheduler, scheduler.Targets{
		Sessions:  guard.Sessions(),
		Blacklist: guard.Tokens(),
		Counters:  guard.Limiter(),
		Audit:     guard.Audit(),
		Events:    stores.Events,
	}, logger)
	if err != nil {
		return err
	}
	jobs.SetInstrumentation(inst)
	jobs.Start()
	defer func() {
		stopCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
		defer cancel()
		if err := jobs.Stop(stopCtx); err != nil {
			logger.Warn("Background jobs did not stop cleanly", "error", err)
		}
	}()

	gin.SetMode(gin.ReleaseMode)
	var gatherer prometheus.Gatherer
	if cfg.Telemetry.Metrics == instrumentation.ExporterPrometheus {
		gatherer = registry
	}
	srv := api.New(api.Options{
		Guard:        guard,
		Events:       stores.Events,
		Jobs:         jobs,
		Proxy:        cfg.ProxyConfig(),
		AdminKeyHash: cfg.Server.AdminKeyHash,
		Gatherer:     gatherer,
		Ready: func(ctx context.Context) error {
			var errs []error
			for _, ping := range ready {
				errs = append(errs, ping(ctx))
			}
			return errors.Join(errs...)
		},
		Instrumentation: inst,
		Logger:          logger,
	})

	server := &http.Server{
		Addr:              cfg.Server.Addr,
		Handler:           srv.Handler(),
		ReadTimeout:       cfg.Server.ReadTimeout,
		ReadHeaderTimeout: 5 * time.Second,
		WriteTimeout:      cfg.Server.WriteTimeout,
		IdleTimeout:       60 * time.Second,
	}

	serveErr := make(chan error, 1)
	go func() {
		logger.Info("Starting apiguard", "addr", server.Addr, "version", version)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
		close(serveErr)
	}()

	select {
	case err := <-serveErr:
		return fmt.Errorf("http server: %w", err)
	case <-ctx.Done():
	}

	logger.Info("Shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("http server shutdown: %w", err)
	}
	return nil
}
