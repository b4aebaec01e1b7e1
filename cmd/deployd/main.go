package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"log/slog"

	"github.com/carecanvas/deployd/internal/httpx"
	"github.com/carecanvas/deployd/internal/ports"
	"github.com/carecanvas/deployd/internal/registry"
	"github.com/carecanvas/deployd/internal/runner"
	"github.com/carecanvas/deployd/internal/service/deploy"
	"github.com/carecanvas/deployd/internal/service/logs"
	"github.com/carecanvas/deployd/internal/workspace"
	"github.com/carecanvas/deployd/internal/ws"
	"github.com/carecanvas/deployd/pkg/config"
	"github.com/carecanvas/deployd/pkg/logger"
)

func main() {
	cfg := config.Load()
	log := logger.New("deployd", logger.ParseLevel(cfg.LogLevel))

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	stager, err := workspace.New(cfg.DeploymentRoot, cfg.WidgetLibraryDir)
	if err != nil {
		log.Error("failed to prepare deployment root", "root", cfg.DeploymentRoot, "error", err)
		os.Exit(1)
	}

	store := registry.NewStore()
	allocator := ports.NewAllocator(cfg.BasePort, cfg.PortSpan)
	procRunner := runner.New(log, runner.Options{
		InstallCommand: cfg.InstallCommand,
		DevCommand:     cfg.DevCommand,
		ReadyTimeout:   cfg.ReadyTimeout,
		StopGrace:      cfg.StopGracePeriod,
	})

	logHub := ws.NewHub()
	defer logHub.Close()
	logSvc := logs.New(logHub, log, cfg.LogBuffer)

	deploySvc := deploy.New(store, stager, deploy.NewProcessRunner(procRunner), allocator, logSvc, log)

	reaper := deploy.NewReaper(deploySvc, log, cfg.MaxProjectAge, cfg.SweepInterval, cfg.SweepInitialDelay)
	go reaper.Run(ctx)

	limiter := httpx.NewMemoryRateLimiter()
	if addr := strings.TrimSpace(cfg.RateLimitRedisAddr); addr != "" {
		redisLimiter, err := httpx.NewRedisRateLimiter(addr, cfg.RateLimitRedisPass, cfg.RateLimitRedisDB, log)
		if err != nil {
			log.Warn("redis rate limiter unavailable", "error", err)
		} else {
			limiter = redisLimiter
		}
	}

	router := httpx.NewRouter(log, deploySvc, logSvc, limiter)
	defer router.Close()

	srv := &http.Server{
		Addr:              cfg.Addr,
		Handler:           router,
		ReadHeaderTimeout: 5 * time.Second,
	}

	errorCh := make(chan error, 1)
	go func() {
		log.Info("deployd server starting", "addr", cfg.Addr, "root", cfg.DeploymentRoot)
		errorCh <- srv.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			log.Error("graceful shutdown failed", "error", err)
		}
		stopAll(deploySvc, log)
		log.Info("deployd server stopped")
	case err := <-errorCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error("server error", "error", err)
			os.Exit(1)
		}
	}
}

// stopAll tears down every running dev server so no orphaned node
// processes outlive the orchestrator.
func stopAll(svc *deploy.Service, log *slog.Logger) {
	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	for _, rec := range svc.List(ctx) {
		if rec.Process == nil {
			continue
		}
		if err := svc.Stop(ctx, rec.ID); err != nil {
			log.Warn("failed to stop deployment during shutdown", "project_id", rec.ID, "error", err)
		}
	}
}
