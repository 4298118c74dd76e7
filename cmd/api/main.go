package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"golang.org/x/sync/errgroup"

	"github.com/splax/teamgate/internal/app/migrate"
	"github.com/splax/teamgate/internal/ens"
	"github.com/splax/teamgate/internal/events"
	httpx "github.com/splax/teamgate/internal/http"
	"github.com/splax/teamgate/internal/repository"
	"github.com/splax/teamgate/internal/repository/postgres"
	"github.com/splax/teamgate/internal/repository/sqlite"
	"github.com/splax/teamgate/internal/service/auth"
	"github.com/splax/teamgate/internal/service/team"
	"github.com/splax/teamgate/internal/session"
	"github.com/splax/teamgate/pkg/config"
	"github.com/splax/teamgate/pkg/logger"
)

const shutdownTimeout = 10 * time.Second

func main() {
	cfg, err := config.LoadAPIConfig()
	if err != nil {
		logger.New("api", slog.LevelInfo).Error("invalid configuration", "error", err)
		os.Exit(1)
	}
	log := logger.New("api", logger.ParseLevel(cfg.LogLevel))

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, log); err != nil {
		log.Error("api server failed", "error", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg config.APIConfig, log *slog.Logger) error {
	store, closeStore, err := openStore(ctx, cfg, log)
	if err != nil {
		return err
	}
	defer closeStore()

	sealer, err := session.NewSealer(cfg.SessionSecret, cfg.SessionTTL)
	if err != nil {
		return fmt.Errorf("configure sessions: %w", err)
	}
	cookies := session.NewCookieStore(sealer, cfg.SessionCookieName, cfg.IsProduction(), log)

	resolver := ens.NewResolver(ens.Config{
		RPCURL:    cfg.EthRPCURL,
		Registry:  cfg.ENSRegistryAddress,
		CacheSize: cfg.ENSCacheSize,
		CacheTTL:  cfg.ENSCacheTTL,
		Timeout:   cfg.ENSTimeout,
	}, log)
	if strings.TrimSpace(cfg.EthRPCURL) == "" {
		log.Warn("ETH_RPC_URL not set; ENS names cannot be invited")
	}

	hub := events.NewHub()
	defer hub.Stop()

	authSvc := auth.New(store, log, cfg)
	teamSvc := team.New(store, resolver, hub, log)

	limiter := httpx.NewMemoryRateLimiter()
	if addr := strings.TrimSpace(cfg.RateLimitRedisAddr); addr != "" {
		redisLimiter, err := httpx.NewRedisRateLimiter(addr, cfg.RateLimitRedisPass, cfg.RateLimitRedisDB, log)
		if err != nil {
			log.Warn("redis rate limiter unavailable", "error", err)
		} else {
			limiter = redisLimiter
		}
	}

	router := httpx.NewRouter(log, authSvc, teamSvc, cookies, hub, limiter, store.Ping)

	srv := &http.Server{
		Addr:              cfg.Addr,
		Handler:           router,
		ReadHeaderTimeout: 5 * time.Second,
	}
	router.AttachServer(srv)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		log.Info("api server starting", "addr", cfg.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("graceful shutdown: %w", err)
		}
		log.Info("api server stopped")
		return nil
	})
	return g.Wait()
}

// openStore picks the backend from the DSN scheme. Postgres databases are
// migrated before use; the SQLite schema is applied on open.
func openStore(ctx context.Context, cfg config.APIConfig, log *slog.Logger) (repository.Store, func(), error) {
	if strings.HasPrefix(cfg.DatabaseURL, "sqlite://") {
		store, err := sqlite.Open(ctx, cfg.DatabaseURL)
		if err != nil {
			return nil, nil, fmt.Errorf("open sqlite: %w", err)
		}
		log.Info("using sqlite store")
		return store, func() { _ = store.Close() }, nil
	}

	pool, err := pgxpool.New(ctx, cfg.DatabaseURL)
	if err != nil {
		return nil, nil, fmt.Errorf("connect to database: %w", err)
	}
	runner, err := migrate.New(pool, cfg.DatabaseURL, log)
	if err != nil {
		pool.Close()
		return nil, nil, fmt.Errorf("configure migrations: %w", err)
	}
	if err := runner.Ping(ctx); err != nil {
		pool.Close()
		return nil, nil, err
	}
	if err := runner.Ensure(ctx); err != nil {
		pool.Close()
		return nil, nil, err
	}
	return postgres.New(pool), pool.Close, nil
}
