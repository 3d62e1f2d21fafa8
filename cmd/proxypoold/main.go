package main

import (
	"context"
	"flag"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	goredis "github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	cfgpkg "github.com/fabian4/proxypool-homebrew-go/internal/config"
	fwd "github.com/fabian4/proxypool-homebrew-go/internal/forward"
	"github.com/fabian4/proxypool-homebrew-go/internal/handler"
	"github.com/fabian4/proxypool-homebrew-go/internal/metrics"
	"github.com/fabian4/proxypool-homebrew-go/internal/pool"
	"github.com/fabian4/proxypool-homebrew-go/internal/scraper"
	"github.com/fabian4/proxypool-homebrew-go/internal/store"
)

func main() {
	configPath := flag.String("config", "./cmd/config.yaml", "path to YAML config")
	flag.Parse()

	logger, err := zap.NewProduction()
	if err != nil {
		log.Fatalf("logger: %v", err)
	}
	defer func() { _ = logger.Sync() }()

	cfg, err := cfgpkg.Load(*configPath)
	if err != nil {
		logger.Fatal("config", zap.Error(err))
	}

	opts, err := goredis.ParseURL(cfg.Redis.URI)
	if err != nil {
		logger.Fatal("redis uri", zap.Error(err))
	}
	if cfg.Redis.Password != "" {
		opts.Password = cfg.Redis.Password
	}
	if cfg.Redis.DB != 0 {
		opts.DB = cfg.Redis.DB
	}
	if cfg.Redis.PoolSize > 0 {
		opts.PoolSize = cfg.Redis.PoolSize
	}
	client := goredis.NewClient(opts)
	defer func() { _ = client.Close() }()

	// The pool fails open when Redis is down, so an unreachable store at
	// boot is degraded service, not a startup failure.
	pingCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	if err := client.Ping(pingCtx).Err(); err != nil {
		logger.Warn("redis unreachable, starting degraded", zap.Error(err))
	}
	cancel()

	st := store.NewFailover(store.NewRedis(client, cfg.Redis.OpTimeout), logger)
	reg := metrics.NewRegistry()

	pl, err := pool.New(cfg.Proxies, st, pool.Config{
		WindowSize:           cfg.WindowSize,
		MaxRequestsPerWindow: cfg.MaxRequestsPerWindow,
		Cooldown:             cfg.Cooldown,
	}, reg, logger)
	if err != nil {
		logger.Fatal("pool", zap.Error(err))
	}

	transports := fwd.NewDefaultRegistry()
	defer transports.CloseIdle()

	fetcher := scraper.New(pl, transports, scraper.Config{
		Retries:        cfg.Client.Retries,
		StartBackoff:   cfg.Client.StartBackoff,
		MaxBackoff:     cfg.Client.MaxBackoff,
		RequestTimeout: cfg.Client.RequestTimeout,
		MaxRPS:         cfg.Client.MaxRPS,
		UserAgents:     cfg.Client.UserAgents,
	}, logger)

	svc := handler.New(fetcher, reg, st.Degraded, logger)

	srv := &http.Server{
		Addr:              cfg.Listen,
		Handler:           svc,
		ReadTimeout:       15 * time.Second,
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       60 * time.Second,
	}
	logger.Info("proxypoold listening",
		zap.String("addr", cfg.Listen),
		zap.Int("proxies", len(cfg.Proxies)),
		zap.Duration("window", cfg.WindowSize),
		zap.Int64("max_requests_per_window", cfg.MaxRequestsPerWindow))

	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal("listen", zap.Error(err))
		}
	}()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	<-ctx.Done()

	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancelShutdown()
	_ = srv.Shutdown(shutdownCtx)
}
