package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"time"

	"mentorchat/internal/auth"
	"mentorchat/internal/config"
	"mentorchat/internal/db"
	clog "mentorchat/internal/log"
	"mentorchat/internal/mw"
	"mentorchat/internal/pubsub"
	"mentorchat/internal/server"
	"mentorchat/internal/service"
	"mentorchat/internal/ws"

	gfshutdown "github.com/gelmium/graceful-shutdown"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"
)

const shutdownTimeout = 15 * time.Second

func brokerDialer(cfg config.Config) pubsub.DialFunc {
	switch cfg.Broker {
	case config.BrokerNATS:
		return pubsub.NATSDialer(cfg.NATSURL)
	case config.BrokerMemory:
		return pubsub.StaticDialer(pubsub.NewMemoryBroker())
	default:
		return pubsub.RedisDialer(cfg.RedisURL)
	}
}

func main() {
	cfg := config.Load()
	clog.Init(cfg.Env, cfg.LogLevel, uuid.NewString())
	if err := config.Validate(cfg); err != nil {
		log.Fatal().Err(err).Msg("config")
	}

	gdb, err := db.Connect(cfg.DatabaseDSN)
	if err != nil {
		log.Fatal().Err(err).Msg("db connect")
	}
	if err := db.Migrate(gdb); err != nil {
		log.Fatal().Err(err).Msg("db migrate")
	}

	registry := ws.NewRegistry()
	authn := auth.NewAuthenticator(gdb, cfg.JWTSecret)
	users := service.NewUserService(gdb, cfg)
	rooms := service.NewRoomService(gdb, registry)
	messages := service.NewMessageService(gdb)
	broadcaster := pubsub.NewBroadcaster(brokerDialer(cfg))
	gateway := ws.NewGateway(authn, rooms, messages, registry, broadcaster, cfg.WSFramesPerSecond)

	// Per IP and route.
	limiter := mw.NewRateLimiter(rate.Every(time.Second/20), 40, 2*time.Minute)
	r := server.SetupRouter(cfg, server.NewHandler(users, rooms, messages), authn, gateway, limiter)
	srv := &http.Server{Addr: ":" + cfg.Port, Handler: r, ReadHeaderTimeout: 10 * time.Second}

	subCtx, stopSub := context.WithCancel(context.Background())
	g, gctx := errgroup.WithContext(subCtx)
	g.Go(func() error {
		return broadcaster.SubscribeLoop(gctx, gateway.DeliverRemote)
	})

	go func() {
		log.Info().Str("port", cfg.Port).Str("broker", cfg.Broker).Msg("listening")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatal().Err(err).Msg("server run")
		}
	}()

	wait := gfshutdown.GracefulShutdown(
		context.Background(),
		shutdownTimeout,
		map[string]gfshutdown.Operation{
			"http": func(ctx context.Context) error {
				err := srv.Shutdown(ctx)
				// Hijacked websockets are not tracked by Shutdown.
				registry.CloseAll()
				limiter.Stop()
				return err
			},
			"pubsub": func(ctx context.Context) error {
				stopSub()
				err := g.Wait()
				if cerr := broadcaster.Close(); err == nil {
					err = cerr
				}
				return err
			},
		},
	)

	exitCode := <-wait
	if err := db.Close(gdb); err != nil {
		log.Error().Err(err).Msg("db close")
	}
	log.Info().Int("code", exitCode).Msg("stopped")
	os.Exit(exitCode)
}
