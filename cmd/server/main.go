package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/lsmic/dispatch/internal/api"
	"github.com/lsmic/dispatch/internal/core/domain"
	"github.com/lsmic/dispatch/internal/core/service"
	"github.com/lsmic/dispatch/internal/infrastructure/config"
	mongodb "github.com/lsmic/dispatch/internal/infrastructure/db/mongo"
	redisdb "github.com/lsmic/dispatch/internal/infrastructure/db/redis"
	"github.com/lsmic/dispatch/internal/realtime"
	"github.com/lsmic/dispatch/pkg/logger"
)

const shutdownTimeout = 10 * time.Second

func main() {
	cfg := config.Load(slog.Default())
	log := logger.Init(logger.Options{
		Level:  cfg.LogLevel,
		Pretty: cfg.Env == "development",
	})

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	client, db, err := mongodb.Connect(ctx, mongodb.Config{
		URI:      cfg.Mongo.URI,
		Database: cfg.Mongo.Database,
	})
	if err != nil {
		log.Fatal().Err(err).Msg("mongo connection failed")
	}

	rdb, err := redisdb.Connect(ctx, redisdb.Config{
		Addr: cfg.Redis.Addr,
		DB:   cfg.Redis.DB,
	})
	if err != nil {
		log.Fatal().Err(err).Msg("redis connection failed")
	}

	users := mongodb.NewUserRepository(db)
	repos := realtime.Repositories{
		Users:    users,
		Badges:   mongodb.NewCatalogRepository(db, domain.KindBadge),
		Ranks:    mongodb.NewCatalogRepository(db, domain.KindRank),
		Services: mongodb.NewCatalogRepository(db, domain.KindService),
		Infos:    mongodb.NewInfoRepository(db),
	}

	store := realtime.NewStore()
	var broadcaster *realtime.Broadcaster
	if cfg.Redis.Backplane {
		backplane := redisdb.NewBackplane(rdb, log)
		broadcaster = realtime.NewBroadcaster(store, backplane, log)
		backplane.Subscribe(ctx, broadcaster.Deliver)
		log.Info().Msg("redis broadcast backplane enabled")
	} else {
		broadcaster = realtime.NewBroadcaster(store, nil, log)
	}

	dispatcher := realtime.NewDispatcher(store, broadcaster, repos, cfg.PresenceTracking, log)
	authService := service.NewAuthService(users, cfg.JWTSecret, cfg.TokenTTL)
	ws := realtime.NewWSHandler(authService, dispatcher, log)

	e := api.NewRouter(db, rdb, authService, ws, cfg.JWTSecret, log)

	go func() {
		if err := e.Start(":" + cfg.Port); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatal().Err(err).Msg("server start failed")
		}
	}()
	log.Info().Str("port", cfg.Port).Bool("presence", cfg.PresenceTracking).Msg("dispatch console listening")

	<-ctx.Done()
	log.Info().Msg("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	if err := e.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("http shutdown failed")
	}
	if err := client.Disconnect(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("mongo disconnect failed")
	}
	if err := rdb.Close(); err != nil {
		log.Error().Err(err).Msg("redis close failed")
	}
}
