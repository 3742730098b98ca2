// Package main is the entry point for the tokensentry aggregator daemon.
// It wires together the rate limiter, cache, source clients, pipeline,
// health monitor, pub/sub hub and persistence store, then runs the
// discovery scheduler alongside a minimal HTTP surface exposing /ws and
// /healthz. Wiring order and shutdown sequence mirror cmd/server/main.go.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"sort"
	"strings"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"

	"github.com/tokensentry/sentinel/internal/aggregator"
	"github.com/tokensentry/sentinel/internal/cache"
	"github.com/tokensentry/sentinel/internal/config"
	"github.com/tokensentry/sentinel/internal/health"
	"github.com/tokensentry/sentinel/internal/hub"
	"github.com/tokensentry/sentinel/internal/pipeline"
	"github.com/tokensentry/sentinel/internal/ratelimit"
	"github.com/tokensentry/sentinel/internal/repository"
	"github.com/tokensentry/sentinel/internal/sources"
	"github.com/tokensentry/sentinel/internal/store/postgres"
)

func main() {
	// ── 1. Config + logger ────────────────────────────────────────────────
	cfg := config.MustLoad()

	var logHandler slog.Handler
	if cfg.IsProd() {
		logHandler = slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo})
	} else {
		logHandler = slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelDebug})
	}
	logger := slog.New(logHandler)
	slog.SetDefault(logger)

	logger.Info("starting tokensentry aggregator", "env", cfg.Server.Env, "port", cfg.Server.Port)

	// ── 2. Database ───────────────────────────────────────────────────────
	db, err := sqlx.Connect("postgres", cfg.DB.DSN)
	if err != nil {
		logger.Error("database connection failed", "err", err)
		os.Exit(1)
	}
	db.SetMaxOpenConns(cfg.DB.MaxOpenConns)
	db.SetMaxIdleConns(cfg.DB.MaxIdleConns)
	db.SetConnMaxLifetime(cfg.DB.ConnMaxLifetime)

	if err = db.Ping(); err != nil {
		logger.Error("database ping failed", "err", err)
		os.Exit(1)
	}
	logger.Info("database connected")

	if err = runMigrations(db, "migrations"); err != nil {
		logger.Error("migrations failed", "err", err)
		os.Exit(1)
	}
	logger.Info("migrations applied")

	// ── 3. C1 rate limiter ────────────────────────────────────────────────
	limiter := ratelimit.New(logger)
	for name, ep := range map[string]config.SourceEndpoint{
		"market": cfg.Sources.Market, "security": cfg.Sources.Security,
		"router": cfg.Sources.Router, "chain": cfg.Sources.Chain,
	} {
		limiter.Register(name, ratelimit.Config{
			RequestsPerSecond: ep.RequestsPerSec,
			Burst:             ep.Burst,
			MaxRetries:        ep.MaxRetries,
			BackoffInitial:    ep.BackoffInitial,
			BackoffMax:        ep.BackoffMax,
		})
	}

	// ── 4. C2 shared TTL cache ────────────────────────────────────────────
	sharedCache := cache.New(cfg.Cache.MaxEntries, cfg.Cache.SweepInterval)
	defer sharedCache.Close()

	// ── 5. C3 source clients ──────────────────────────────────────────────
	marketClient := sources.NewMarketClient(cfg.Sources.Market.BaseURL, cfg.Sources.Market.RequestTimeout, limiter, sharedCache)
	securityClient := sources.NewSecurityClient(cfg.Sources.Security.BaseURL, cfg.Sources.Security.RequestTimeout, limiter, sharedCache)
	routerClient := sources.NewRouterClient(cfg.Sources.Router.BaseURL, cfg.Sources.Router.RequestTimeout, limiter, sharedCache)
	chainClient := sources.NewChainClient(cfg.Sources.Chain.BaseURL, cfg.Sources.Chain.RequestTimeout, limiter, sharedCache)

	// ── 6. C4 pipeline ────────────────────────────────────────────────────
	weights := pipeline.Weights{
		Market: cfg.Pipeline.Weights.Market, Security: cfg.Pipeline.Weights.Security,
		Router: cfg.Pipeline.Weights.Router, Chain: cfg.Pipeline.Weights.Chain,
	}
	pipe := pipeline.New(marketClient, securityClient, routerClient, chainClient,
		sharedCache, cfg.Aggregator.CacheResults, cfg.Pipeline.MaxConcurrent, cfg.Pipeline.PerTokenTimeout, weights, logger)

	// ── 7. C6 health monitor ──────────────────────────────────────────────
	healthMonitor := health.New(marketClient, securityClient, routerClient, chainClient,
		cfg.Health.ProbeInterval, cfg.Health.ProbeTimeout, cfg.Health.FreshnessTTL,
		cfg.Health.DegradedThreshold, cfg.Health.UnhealthyThreshold, logger)

	// ── 8. C7 pub/sub hub ─────────────────────────────────────────────────
	wsHub := hub.New(cfg.Hub.ClientBufferSize, cfg.Hub.WriteTimeout, cfg.Hub.PingInterval, cfg.Hub.PongWait,
		[]byte(cfg.Hub.JWTSecret), logger)

	// ── 9. C8 persistence ─────────────────────────────────────────────────
	var store repository.TokenStore = postgres.New(db, logger)

	// ── 10. C5 aggregator ─────────────────────────────────────────────────
	agg := aggregator.New(marketClient, pipe, healthMonitor, wsHub, store,
		aggregator.Config{
			TickInterval:    cfg.Aggregator.TickInterval,
			MaxTokensPerRun: cfg.Aggregator.MaxTokensPerRun,
			DedupeWindow:    cfg.Aggregator.DedupeWindow,
			Criteria:        pipeline.CriteriaFromConfig(cfg.Pipeline.Filter),
		}, logger)

	// ── 11. Root context + signal handling ────────────────────────────────
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// ── 12. Start background loops ─────────────────────────────────────────
	healthMonitor.Start(ctx)
	go wsHub.Run()
	agg.Start(ctx)
	logger.Info("hub, health monitor and aggregator started")

	// ── 13. HTTP surface: /ws and /healthz ─────────────────────────────────
	if cfg.IsProd() {
		gin.SetMode(gin.ReleaseMode)
	}
	router := gin.New()
	router.Use(gin.Recovery())
	router.GET("/ws", func(c *gin.Context) { wsHub.ServeWs(c.Writer, c.Request) })
	router.GET("/healthz", func(c *gin.Context) {
		report := healthMonitor.Report()
		status := http.StatusOK
		if report.State == health.StateUnhealthy {
			status = http.StatusServiceUnavailable
		}
		c.JSON(status, gin.H{
			"state":     report.State,
			"sources":   report.Sources,
			"checkedAt": report.CheckedAt,
		})
	})

	srv := &http.Server{
		Addr:         ":" + cfg.Server.Port,
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	go func() {
		logger.Info("http server listening", "addr", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("http server error", "err", err)
			stop()
		}
	}()

	// ── 14. Graceful shutdown ───────────────────────────────────────────────
	<-ctx.Done()
	logger.Info("shutdown signal received, draining connections…")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err = srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("http shutdown error", "err", err)
	}
	agg.Stop()
	healthMonitor.Stop()
	wsHub.Stop()
	db.Close()
	logger.Info("aggregator stopped cleanly")
}

// runMigrations reads all *.sql files from dir, sorted by name, and executes
// them sequentially. Idempotent: SQL files use IF NOT EXISTS / ON CONFLICT.
func runMigrations(db *sqlx.DB, dir string) error {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return fmt.Errorf("runMigrations: read dir %q: %w", dir, err)
	}

	var files []string
	for _, e := range entries {
		if !e.IsDir() && strings.HasSuffix(e.Name(), ".sql") {
			files = append(files, filepath.Join(dir, e.Name()))
		}
	}
	sort.Strings(files)

	for _, f := range files {
		data, err := os.ReadFile(f)
		if err != nil {
			return fmt.Errorf("runMigrations: read %q: %w", f, err)
		}
		if _, err = db.Exec(string(data)); err != nil {
			return fmt.Errorf("runMigrations: exec %q: %w", f, err)
		}
		slog.Info("migration applied", "file", filepath.Base(f))
	}
	return nil
}
