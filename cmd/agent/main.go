package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"

	"github.com/aridsondez/eventqueue/internal/api"
	"github.com/aridsondez/eventqueue/internal/config"
	"github.com/aridsondez/eventqueue/internal/logging"
	"github.com/aridsondez/eventqueue/internal/queue/eventqueue"
	"github.com/aridsondez/eventqueue/internal/queue/store"
	"github.com/aridsondez/eventqueue/internal/queue/store/files"
	"github.com/aridsondez/eventqueue/internal/queue/store/pebble"
	pgstore "github.com/aridsondez/eventqueue/internal/queue/store/postgres"
	"github.com/aridsondez/eventqueue/internal/submission"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	cfg, err := config.LoadConfig()
	if err != nil {
		log.Fatalf("load config: %v", err)
	}

	logger, err := logging.New(cfg.LogLevel)
	if err != nil {
		log.Fatalf("build logger: %v", err)
	}
	defer func() { _ = logger.Sync() }()

	st, err := openStore(ctx, cfg, logger)
	if err != nil {
		logger.Fatal("open_store_failed", zap.String("store", cfg.Store), zap.Error(err))
	}
	defer func() {
		if err := st.Close(); err != nil {
			logger.Warn("close_store_failed", zap.Error(err))
		}
	}()

	transport, err := submission.NewClient(submission.Config{
		ServerURL: cfg.ServerURL,
		APIKey:    cfg.APIKey,
		Timeout:   cfg.SubmitTimeout,
		Compress:  cfg.Compress,
	})
	if err != nil {
		logger.Fatal("submission_client_failed", zap.Error(err))
	}

	sw := config.NewSwitch(cfg.Enabled)
	q := eventqueue.New(st, transport, eventqueue.Options{
		ProcessInterval: cfg.ProcessInterval,
		StartDelay:      startDelay(cfg.StartDelay),
		BatchSize:       cfg.BatchSize,
		Switch:          sw,
		Logger:          logger.Named("queue"),
	})
	q.Start()
	defer func() { _ = q.Close() }()

	addr := fmt.Sprintf(":%d", cfg.Port)
	httpSrv := api.NewServer(addr, q, sw, logger.Named("http"))

	logger.Info("agent_started",
		zap.String("addr", addr),
		zap.String("store", cfg.Store),
		zap.String("server_url", cfg.ServerURL),
		zap.Bool("enabled", cfg.Enabled),
	)
	go func() {
		if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Fatal("http_server_error", zap.Error(err))
		}
	}()

	<-ctx.Done()
	logger.Info("shutting_down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	_ = httpSrv.Shutdown(shutdownCtx)
}

// A configured zero start delay means start draining immediately.
func startDelay(d time.Duration) time.Duration {
	if d == 0 {
		return eventqueue.NoStartDelay
	}
	return d
}

func openStore(ctx context.Context, cfg *config.Config, logger *zap.Logger) (store.Store, error) {
	switch cfg.Store {
	case config.StorePebble:
		s, err := pebble.Open(cfg.StorePath, pebble.Options{Logger: logger.Named("pebble")})
		if err != nil {
			return nil, err
		}
		return s, nil
	case config.StoreFiles:
		s, err := files.Open(cfg.StorePath, files.Options{Logger: logger.Named("files")})
		if err != nil {
			return nil, err
		}
		return s, nil
	case config.StorePostgres:
		connectCtx, cancel := context.WithTimeout(ctx, cfg.DBConnectionTimeout)
		defer cancel()

		pool, err := pgxpool.New(connectCtx, cfg.DatabaseURL)
		if err != nil {
			return nil, fmt.Errorf("pgxpool.New: %w", err)
		}
		if err := pool.Ping(connectCtx); err != nil {
			pool.Close()
			return nil, fmt.Errorf("pgx ping: %w", err)
		}
		s := pgstore.New(pool, cfg.LeaseTimeout)
		if err := s.Migrate(connectCtx); err != nil {
			pool.Close()
			return nil, err
		}
		return s, nil
	default:
		return nil, fmt.Errorf("unknown store %q", cfg.Store)
	}
}
