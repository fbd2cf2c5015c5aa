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

	"github.com/gin-gonic/gin"
	"github.com/joho/godotenv"
	"go.uber.org/zap"

	"pollchat/internal/api"
	"pollchat/internal/auth"
	"pollchat/internal/catalog"
	"pollchat/internal/config"
	"pollchat/internal/events"
	"pollchat/internal/logger"
	"pollchat/internal/message"
	"pollchat/internal/metrics"
	"pollchat/internal/presence"
	"pollchat/internal/redis"
	"pollchat/internal/service/account"
	"pollchat/internal/service/chat"
	"pollchat/internal/sessions"
	"pollchat/internal/storage"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "pollchat: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	_ = godotenv.Load(".env")

	cfg, err := config.Load(os.Getenv("POLLCHAT_CONFIG"))
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	log, err := logger.New(cfg.BasicConfig.LogLevel, cfg.BasicConfig.LogFormat)
	if err != nil {
		return err
	}
	defer log.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	dbType := cfg.BasicConfig.Database
	log.Info("opening database", zap.String("driver", dbType))
	db, err := storage.Open(dbType, cfg)
	if err != nil {
		return fmt.Errorf("open database: %w", err)
	}
	defer db.Close()
	if err := storage.Migrate(db, dbType); err != nil {
		return fmt.Errorf("migrate database: %w", err)
	}

	rdb, err := redis.NewRedisClient(cfg)
	switch {
	case errors.Is(err, redis.ErrDisabled):
		log.Info("redis disabled; caches and presence stay in process")
		rdb = nil
	case err != nil:
		return fmt.Errorf("create redis client: %w", err)
	default:
		defer rdb.Close()
	}

	var store presence.Store
	if cfg.Chat.PresenceStore == config.PresenceStoreRedis {
		rs, err := presence.NewRedisStore(rdb, log)
		if err != nil {
			return fmt.Errorf("redis presence store: %w", err)
		}
		store = rs
	} else {
		ms := presence.NewMemoryStore(presence.SystemClock, log)
		ms.StartSweeper(ctx, time.Duration(cfg.Chat.SweepIntervalSeconds)*time.Second)
		store = ms
	}
	tracker := presence.NewTracker(store, presence.WithWindows(
		time.Duration(cfg.Chat.TypingWindowSeconds)*time.Second,
		time.Duration(cfg.Chat.PresenceTTLSeconds)*time.Second,
	))

	var publisher events.Publisher = events.Nop{}
	if cfg.Events.AMQPURL != "" {
		amqpPub, err := events.Dial(cfg.Events.AMQPURL, cfg.Events.Queue)
		if err != nil {
			return fmt.Errorf("connect events broker: %w", err)
		}
		defer amqpPub.Close()
		publisher = amqpPub
		log.Info("publishing message events", zap.String("queue", cfg.Events.Queue))
	}

	cacheTTL := time.Duration(cfg.Chat.CatalogCacheSeconds) * time.Second
	accounts := account.NewService(db)
	m := metrics.New()
	chatSvc := chat.NewService(chat.Deps{
		Messages:    message.NewStore(db),
		Presence:    tracker,
		Sessions:    sessions.NewRepository(db, sessions.NewCache(rdb, cacheTTL, log)),
		Directory:   accounts,
		Catalog:     catalog.NewSQLCatalog(db, catalog.WithCache(rdb, cacheTTL), catalog.WithLogger(log)),
		Events:      publisher,
		Metrics:     m,
		Logger:      log,
		RecentLimit: cfg.Chat.RecentLimit,
	})

	nonces, err := auth.NewNonces(cfg.Auth.NonceSecret, time.Duration(cfg.Auth.NonceTTLMinutes)*time.Minute)
	if err != nil {
		return err
	}
	health := map[string]api.HealthCheck{"database": db.PingContext}
	if rdb != nil {
		health["redis"] = rdb.Ping
	}
	handlers := api.NewHandler(api.Deps{
		Chat:     chatSvc,
		Accounts: accounts,
		Auth:     auth.NewService(db, rdb, time.Duration(cfg.Auth.TokenTTLHours)*time.Hour),
		Nonces:   nonces,
		Limiter:  auth.NewRateLimiter(cfg.RateLimit.RPS, cfg.RateLimit.Burst),
		Metrics:  m,
		Health:   health,
		Logger:   log,
	})

	if cfg.BasicConfig.GinMode != "" {
		gin.SetMode(cfg.BasicConfig.GinMode)
	}
	router := gin.New()
	router.Use(gin.Recovery())
	handlers.RegisterRoutes(router)

	srv := &http.Server{
		Addr:              cfg.BasicConfig.ServerAddress,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() {
		log.Info("listening", zap.String("addr", srv.Addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("server stopped: %w", err)
		}
		return nil
	case <-ctx.Done():
	}

	log.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}
