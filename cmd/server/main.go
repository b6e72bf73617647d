package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/neon-arena/leaderboard/internal/auth"
	"github.com/neon-arena/leaderboard/internal/config"
	"github.com/neon-arena/leaderboard/internal/contract"
	"github.com/neon-arena/leaderboard/internal/domain"
	"github.com/neon-arena/leaderboard/internal/handler"
	"github.com/neon-arena/leaderboard/internal/kafka"
	"github.com/neon-arena/leaderboard/internal/postgres"
	"github.com/neon-arena/leaderboard/internal/ranking"
	"github.com/neon-arena/leaderboard/internal/redis"
	"github.com/neon-arena/leaderboard/internal/service"
	"github.com/neon-arena/leaderboard/internal/sqlite"
	"github.com/neon-arena/leaderboard/internal/websocket"
	"github.com/neon-arena/leaderboard/internal/worker"
)

// durableStore is a service store that can be probed and closed
type durableStore struct {
	service.Store
	ping  func(ctx context.Context) error
	close func()
}

// Events exposes the event log of the wrapped store
func (d *durableStore) Events(ctx context.Context, after uint64, limit int) ([]domain.Event, error) {
	log, ok := d.Store.(service.EventLog)
	if !ok {
		return nil, fmt.Errorf("%w: store does not keep an event log", domain.ErrInvalidRequest)
	}
	return log.Events(ctx, after, limit)
}

func openStore(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*durableStore, error) {
	switch cfg.Storage.Driver {
	case config.DriverPostgres:
		logger.Info("connecting to PostgreSQL", "host", cfg.Postgres.Host, "database", cfg.Postgres.Database)
		store, err := postgres.NewStore(&cfg.Postgres, logger)
		if err != nil {
			return nil, err
		}
		if err := store.RunMigrations(ctx); err != nil {
			store.Close()
			return nil, fmt.Errorf("running migrations: %w", err)
		}
		logger.Info("connected to PostgreSQL")
		return &durableStore{Store: store, ping: store.Ping, close: store.Close}, nil

	case config.DriverSQLite:
		logger.Info("opening SQLite database", "path", cfg.SQLite.Path)
		store, err := sqlite.Open(cfg.SQLite.Path, logger)
		if err != nil {
			return nil, err
		}
		return &durableStore{Store: store, ping: store.Ping, close: func() { _ = store.Close() }}, nil

	default:
		logger.Warn("using in-memory storage, state is lost on restart")
		return &durableStore{
			Store: service.NewMemoryStore(),
			ping:  func(context.Context) error { return nil },
			close: func() {},
		}, nil
	}
}

func newContract(cfg *config.ContractConfig) (*contract.Contract, error) {
	owner, err := domain.ParseAddress(cfg.Owner)
	if err != nil {
		return nil, fmt.Errorf("contract owner: %w", err)
	}
	weekly, err := ranking.ParsePolicy(cfg.WeeklyPolicy)
	if err != nil {
		return nil, err
	}
	allTime, err := ranking.ParsePolicy(cfg.AllTimePolicy)
	if err != nil {
		return nil, err
	}
	return contract.New(contract.Config{
		MaxLeaderboardSize: cfg.MaxLeaderboardSize,
		WeeklyPolicy:       weekly,
		AllTimePolicy:      allTime,
	}, owner, time.Now())
}

func main() {
	// Parse command line flags
	configPath := flag.String("config", "config.yaml", "Path to configuration file")
	flag.Parse()

	// Setup structured logging
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))
	slog.SetDefault(logger)

	// Load configuration
	cfg, err := config.Load(*configPath)
	if err != nil {
		if !errors.Is(err, os.ErrNotExist) {
			logger.Error("invalid configuration", "error", err)
			os.Exit(1)
		}
		logger.Warn("config file not found, using defaults", "path", *configPath)
		cfg = config.DefaultConfig()
	}

	// Create context with cancellation
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	store, err := openStore(ctx, cfg, logger)
	if err != nil {
		logger.Error("failed to open store", "driver", cfg.Storage.Driver, "error", err)
		os.Exit(1)
	}
	defer store.close()

	arena, err := newContract(&cfg.Contract)
	if err != nil {
		logger.Error("failed to deploy contract", "error", err)
		os.Exit(1)
	}

	arenaService := service.NewArenaService(arena, store, &cfg.Leaderboard, logger)
	if err := arenaService.Restore(ctx); err != nil {
		logger.Error("failed to restore contract state", "error", err)
		os.Exit(1)
	}

	// Initialize WebSocket hub
	wsHub := websocket.NewHub(logger)
	go wsHub.Run()
	arenaService.SetHub(wsHub)

	tokens := auth.NewManager(cfg.Auth.JWTSecret, cfg.Auth.Issuer)
	httpHandler := handler.NewHandler(arenaService, wsHub, tokens, &cfg.Leaderboard, logger)
	httpHandler.AddReadinessCheck("store", store.ping)

	// Redis mirror and rate limiter
	var mirror worker.Mirror
	if cfg.Redis.Enabled {
		logger.Info("connecting to Redis", "addr", cfg.Redis.Addr)
		redisClient, err := redis.Connect(ctx, &cfg.Redis)
		if err != nil {
			logger.Error("failed to connect to Redis", "error", err)
			os.Exit(1)
		}
		defer redisClient.Close()
		logger.Info("connected to Redis")

		cache := redis.NewBoardCache(redisClient, cfg.Redis.KeyPrefix, logger)
		mirror = cache
		httpHandler.AddReadinessCheck("redis", cache.Ping)
		arenaService.SetRateLimiter(redis.NewRateLimiter(
			redisClient,
			cfg.Redis.KeyPrefix,
			cfg.Redis.RateLimit,
			cfg.Redis.RateWindow,
		))
	}

	// Kafka event publisher
	var publisher *kafka.EventPublisher
	if cfg.Kafka.Enabled && cfg.Kafka.PublishEvents {
		publisher, err = kafka.NewEventPublisher(&cfg.Kafka, logger)
		if err != nil {
			logger.Warn("failed to create Kafka event publisher, continuing without it", "error", err)
		} else {
			arenaService.AddEventSink(publisher)
			logger.Info("publishing contract events", "topic", cfg.Kafka.EventsTopic)
		}
	}

	// Kafka consumer for relayed submissions
	var kafkaConsumer *kafka.Consumer
	if cfg.Kafka.Enabled {
		logger.Info("initializing Kafka consumer",
			"brokers", cfg.Kafka.Brokers,
			"topic", cfg.Kafka.SubmissionsTopic,
		)
		kafkaConsumer, err = kafka.NewConsumer(&cfg.Kafka, arenaService, logger)
		if err != nil {
			logger.Warn("failed to create Kafka consumer, continuing without Kafka", "error", err)
		} else if err := kafkaConsumer.Start(); err != nil {
			logger.Warn("failed to start Kafka consumer, continuing without Kafka", "error", err)
			kafkaConsumer = nil
		} else {
			logger.Info("Kafka consumer started successfully")
		}
	}

	// Start sync worker
	syncWorker := worker.NewSyncWorker(
		arenaService,
		mirror,
		wsHub,
		&cfg.Sync,
		cfg.Leaderboard.BroadcastLimit,
		logger,
	)
	if cfg.Sync.Enabled {
		if err := syncWorker.Start(ctx); err != nil {
			logger.Error("failed to start sync worker", "error", err)
			os.Exit(1)
		}
	}

	// Create HTTP server
	server := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:      httpHandler.Router(),
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	// Start server in goroutine
	go func() {
		logger.Info("starting HTTP server",
			"port", cfg.Server.Port,
			"owner", arenaService.Owner(),
			"storage", cfg.Storage.Driver,
		)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("HTTP server error", "error", err)
			os.Exit(1)
		}
	}()

	// Wait for interrupt signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info("shutting down server...")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer shutdownCancel()

	// Stop intake first so nothing commits after the server is gone
	if kafkaConsumer != nil {
		if err := kafkaConsumer.Stop(); err != nil {
			logger.Error("failed to stop Kafka consumer", "error", err)
		}
	}

	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("failed to shutdown server", "error", err)
	}

	if err := syncWorker.Stop(); err != nil {
		logger.Error("failed to stop sync worker", "error", err)
	}

	wsHub.Stop()

	if publisher != nil {
		if err := publisher.Close(); err != nil {
			logger.Error("failed to close Kafka event publisher", "error", err)
		}
	}

	logger.Info("server stopped")
}
