package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/joho/godotenv"
	"github.com/jonboulle/clockwork"
	"github.com/gorilla/mux"
	"github.com/redis/go-redis/v9"
	"github.com/rs/cors"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/mcdev12/linewatch/internal/broadcast"
	"github.com/mcdev12/linewatch/internal/config"
	"github.com/mcdev12/linewatch/internal/gateway"
	"github.com/mcdev12/linewatch/internal/line"
	"github.com/mcdev12/linewatch/internal/models"
	"github.com/mcdev12/linewatch/internal/relay"
	"github.com/mcdev12/linewatch/internal/room"
	roomdb "github.com/mcdev12/linewatch/internal/room/db"
)

func main() {
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix

	if err := godotenv.Load(); err != nil {
		log.Debug().Msg("no .env file loaded")
	}

	cfg, err := config.Load(getEnv("CONFIG_PATH", "config.yaml"))
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load config")
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg); err != nil {
		log.Fatal().Err(err).Msg("server exited with error")
	}
}

func run(ctx context.Context, cfg config.Config) error {
	instanceID := uuid.New().String()[:8]
	clock := clockwork.NewRealClock()

	log.Info().
		Str("instance", instanceID).
		Int("lines", cfg.Tracker.Lines).
		Str("mode", cfg.Tracker.Mode).
		Msg("starting linewatch")

	pool, err := pgxpool.New(ctx, cfg.DSN())
	if err != nil {
		return err
	}
	defer pool.Close()
	if err := pool.Ping(ctx); err != nil {
		return err
	}
	log.Info().Str("host", cfg.Database.Host).Str("database", cfg.Database.Database).Msg("connected to database")

	redisClient := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	defer redisClient.Close()
	if err := redisClient.Ping(ctx).Err(); err != nil {
		return err
	}
	log.Info().Str("addr", cfg.Redis.Addr).Msg("connected to redis")

	mode, err := line.NewDurationMode(cfg.Tracker.Mode, cfg.Tracker.NormalDuration.Std(), cfg.Tracker.TestDuration.Std())
	if err != nil {
		return err
	}

	repo := room.NewRepository(roomdb.New(pool))
	presence := room.NewPresence(redisClient, cfg.Presence.OfflineAfter.Std())
	rooms := room.NewService(repo, presence, clock, cfg.Presence.HeartbeatInterval.Std(), cfg.Presence.OfflineAfter.Std())

	hub := gateway.NewHub(gateway.DefaultConnConfig())
	go hub.Start(ctx)

	var relayPublisher broadcast.RelayPublisher
	var registry *room.Registry

	bcast := broadcast.New(hub, nil)
	registry = room.NewRegistry(ctx, room.RuntimeConfig{
		DataDir:       cfg.Tracker.DataDir,
		NumLines:      cfg.Tracker.Lines,
		Clock:         clock,
		Duration:      mode.Duration,
		ChangeHandler: func(roomID string) func(models.Change) { return bcast.ChangeHandler(ctx, roomID) },
		TickHandler:   bcast.TickHandler,
	})

	if cfg.Relay.Enabled {
		relayCfg := relay.DefaultConfig()
		relayCfg.URL = cfg.Relay.URL
		rly, err := relay.New(relayCfg, instanceID, func(roomID string, change models.Change) {
			// Only rooms this instance actually hosts apply relayed changes.
			if rt, ok := registry.Get(roomID); ok {
				rt.Engine.Apply(change)
			}
		})
		if err != nil {
			return err
		}
		defer rly.Stop()
		relayPublisher = rly
		bcast.SetRelay(relayPublisher)

		go func() {
			if err := rly.Start(ctx); err != nil {
				log.Error().Err(err).Msg("relay consumer failed")
			}
		}()
	}

	gw := gateway.NewGateway(ctx, hub, rooms, registry, mode, clock)
	router := mux.NewRouter()
	gw.Routes(router)

	c := cors.New(cors.Options{
		AllowedMethods: []string{
			http.MethodHead,
			http.MethodGet,
			http.MethodPost,
			http.MethodPut,
			http.MethodDelete,
		},
		AllowedOrigins: []string{"*"},
		AllowedHeaders: []string{"*"},
	})

	server := &http.Server{
		Addr:    cfg.Server.Addr,
		Handler: c.Handler(router),
	}

	errCh := make(chan error, 1)
	go func() {
		log.Info().Str("addr", cfg.Server.Addr).Msg("http server listening")
		errCh <- server.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		log.Info().Msg("shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			log.Error().Err(err).Msg("graceful shutdown failed")
		}
		return nil
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
