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

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/LordVaderXIII/Appmanager/internal/app/migrate"
	"github.com/LordVaderXIII/Appmanager/internal/dockerx"
	"github.com/LordVaderXIII/Appmanager/internal/fixer"
	"github.com/LordVaderXIII/Appmanager/internal/gitsync"
	"github.com/LordVaderXIII/Appmanager/internal/httpx"
	"github.com/LordVaderXIII/Appmanager/internal/manifest"
	"github.com/LordVaderXIII/Appmanager/internal/orchestrator"
	"github.com/LordVaderXIII/Appmanager/internal/repository/postgres"
	"github.com/LordVaderXIII/Appmanager/internal/workspace"
	"github.com/LordVaderXIII/Appmanager/internal/ws"
	"github.com/LordVaderXIII/Appmanager/pkg/config"
	"github.com/LordVaderXIII/Appmanager/pkg/crypto"
	"github.com/LordVaderXIII/Appmanager/pkg/logger"
)

func main() {
	cfg := config.LoadManagerConfig()
	log := logger.New("appmanagerd", logger.ParseLevel(cfg.LogLevel))

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	pool, err := pgxpool.New(ctx, cfg.DatabaseURL)
	if err != nil {
		log.Error("failed to connect to database", "error", err)
		os.Exit(1)
	}
	defer pool.Close()

	runner, err := migrate.New(pool, cfg.DatabaseURL, cfg.MigrationsDir, log)
	if err != nil {
		log.Error("failed to configure migrations", "error", err)
		os.Exit(1)
	}
	if err := runner.Ping(ctx); err != nil {
		log.Error("database ping failed", "error", err)
		os.Exit(1)
	}
	if err := runner.Ensure(ctx); err != nil {
		log.Error("migrations failed", "error", err)
		os.Exit(1)
	}

	docker, err := dockerx.New(cfg.DockerHost)
	if err != nil {
		log.Error("failed to create docker client", "error", err)
		os.Exit(1)
	}
	defer docker.Close()
	if err := docker.Ping(ctx); err != nil {
		log.Error("docker daemon unreachable", "error", err)
		os.Exit(1)
	}

	workspaces, err := workspace.New(cfg.Workdir)
	if err != nil {
		log.Error("failed to prepare workspace root", "error", err)
		os.Exit(1)
	}

	cipher, err := crypto.NewTokenCipher(cfg.TokenCipherKey)
	if err != nil {
		log.Error("failed to initialize token cipher", "error", err)
		os.Exit(1)
	}

	repo := postgres.New(pool)
	hub := ws.NewHub(cfg.LogStreamBuffer)
	syncer := gitsync.New(workspaces, cfg.GitTimeout, log)
	extractor := manifest.New(cfg.DefaultConfigDir)
	fixClient := fixer.New(cfg.FixServiceURL, cfg.FixServiceKey, cfg.FixTimeout, log)

	orch := orchestrator.New(repo, repo, repo, syncer, docker, extractor, fixClient, cipher, hub, log, orchestrator.Config{
		Interval:            cfg.SyncInterval,
		ImagePrefix:         cfg.ImagePrefix,
		BuildTimeout:        cfg.BuildTimeout,
		RunGrace:            cfg.RunGraceWindow,
		ExcerptLimit:        cfg.LogExcerptLimit,
		MaxConcurrentBuilds: cfg.MaxConcurrent,
	})
	orch.Start(ctx)
	defer orch.Stop()

	limiter := httpx.NewMemoryRateLimiter()
	if addr := strings.TrimSpace(cfg.RateLimitRedis); addr != "" {
		redisLimiter, err := httpx.NewRedisRateLimiter(addr, cfg.RateLimitPass, cfg.RateLimitDB, log)
		if err != nil {
			log.Warn("redis rate limiter unavailable", "error", err)
		} else {
			limiter = redisLimiter
		}
	}

	router := httpx.NewRouter(log, repo, repo, repo, orch, docker, cipher, workspaces, hub, limiter, cfg.AdminToken, cfg.DefaultBranch, pool.Ping, docker.Ping)
	defer router.Close()

	srv := &http.Server{
		Addr:              cfg.Addr,
		Handler:           router,
		ReadHeaderTimeout: 5 * time.Second,
	}

	errorCh := make(chan error, 1)
	go func() {
		log.Info("manager server starting", "addr", cfg.Addr)
		errorCh <- srv.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			log.Error("graceful shutdown failed", "error", err)
		}
		log.Info("manager server stopped")
	case err := <-errorCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error("server error", "error", err)
			os.Exit(1)
		}
	}
}
