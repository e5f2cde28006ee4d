package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gorilla/mux"
	"github.com/rs/cors"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/grok-ai/BeER/internal/api/middleware"
	"github.com/grok-ai/BeER/internal/api/rest"
	"github.com/grok-ai/BeER/internal/auth"
	"github.com/grok-ai/BeER/internal/config"
	"github.com/grok-ai/BeER/internal/k8s"
	"github.com/grok-ai/BeER/internal/pkg/logger"
	"github.com/grok-ai/BeER/internal/pkg/tracing"
	"github.com/grok-ai/BeER/internal/repository"
	"github.com/grok-ai/BeER/internal/service"
	dbmigrations "github.com/grok-ai/BeER/migrations"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "beer-manager: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load(os.Args[1:])
	if err != nil {
		return err
	}
	if err := cfg.Validate(); err != nil {
		return err
	}

	log, err := logger.New(logger.Config{Level: cfg.LogLevel, JSON: cfg.LogJSON, File: cfg.LogFile})
	if err != nil {
		return err
	}
	defer log.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	shutdownTracing, err := tracing.Init(ctx, tracing.ServiceName, cfg.TracingEndpoint, cfg.TracingSamplingRate)
	if err != nil {
		log.Warn("tracing disabled", zap.Error(err))
		shutdownTracing = func(context.Context) error { return nil }
	}

	// Database
	repo, err := repository.NewSQLRepository(cfg.DatabaseDriver, cfg.DatabaseDSN)
	if err != nil {
		return fmt.Errorf("failed to initialize database: %w", err)
	}
	defer repo.Close()
	if err := repo.RunMigrations(ctx, dbmigrations.FS); err != nil {
		return fmt.Errorf("failed to run migrations: %w", err)
	}
	if err := repo.EnsureOwner(ctx, cfg.OwnerID); err != nil {
		return fmt.Errorf("failed to register owner: %w", err)
	}
	log.Info("database ready", zap.String("driver", cfg.DatabaseDriver), zap.String("owner_id", cfg.OwnerID))

	// Orchestrator
	kube, err := k8s.NewClient(cfg.KubeconfigPath, cfg.KubeContext, cfg.Namespace)
	if err != nil {
		return fmt.Errorf("failed to create kubernetes client: %w", err)
	}
	kube.SetTimeout(cfg.K8sTimeout())
	if cfg.K8sRateLimitPerSec > 0 && cfg.K8sRateLimitBurst > 0 {
		kube.SetLimiter(rate.NewLimiter(rate.Limit(cfg.K8sRateLimitPerSec), cfg.K8sRateLimitBurst))
	}
	log.Info("kubernetes client ready", zap.String("context", kube.Context), zap.String("namespace", kube.Namespace))

	dispatchOpts := service.DispatchOptions{VolumeMount: cfg.JobVolumeMount, MaxDurationHours: cfg.JobMaxDurationHours}
	if cfg.JobPodTemplate != "" {
		if dispatchOpts.PodTemplate, err = k8s.LoadPodTemplate(cfg.JobPodTemplate); err != nil {
			return err
		}
		log.Info("job pod template loaded", zap.String("path", cfg.JobPodTemplate))
	}

	// Services
	handler := rest.NewHandler(
		auth.NewEngine(repo, log.Named("auth")),
		service.NewRegistrationService(repo, log.Named("registration")),
		service.NewCredentialService(repo, kube, log.Named("credentials")),
		service.NewDispatchService(repo, kube, dispatchOpts, log.Named("dispatch")),
		service.NewResourceService(repo, kube, cfg.NodeRefreshConcurrency, log.Named("resources")),
		log.Named("rest"),
	)

	trusted, err := middleware.ParseTrustedProxies(cfg.TrustedProxies)
	if err != nil {
		return err
	}

	router := mux.NewRouter()
	rest.SetupRoutes(router, handler, cfg.WorkerToken)
	rest.SetupHealthRoutes(router, rest.NewHealthzHandler(repo))

	// Middleware, outermost first
	router.Use(middleware.RequestID)
	router.Use(middleware.Tracing)
	router.Use(middleware.StructuredLog(log.Named("http")))
	router.Use(middleware.Recovery(log))
	router.Use(middleware.SecureHeaders)
	router.Use(middleware.RateLimit(cfg.RateLimitPerMin, cfg.RateLimitBurst, trusted))
	router.Use(middleware.MaxBodySize(cfg.MaxBodyBytes))
	router.Use(middleware.Timeout(cfg.RequestTimeout()))

	var root http.Handler = router
	if len(cfg.AllowedOrigins) > 0 {
		root = cors.New(cors.Options{
			AllowedOrigins: cfg.AllowedOrigins,
			AllowedMethods: []string{"GET", "POST", "OPTIONS"},
			AllowedHeaders: []string{"Content-Type", middleware.ResponseRequestIDHeader, middleware.WorkerTokenHeader},
		}).Handler(router)
	}

	srv := &http.Server{
		Addr:              cfg.Addr(),
		Handler:           root,
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		log.Info("server listening", zap.String("addr", srv.Addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("server failed: %w", err)
		}
	case <-ctx.Done():
	}

	log.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout())
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Warn("server forced to shutdown", zap.Error(err))
	}
	if err := shutdownTracing(shutdownCtx); err != nil {
		log.Warn("tracing shutdown", zap.Error(err))
	}
	log.Info("server exited")
	return nil
}
