package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"runboard/internal/config"
	"runboard/internal/db"
	"runboard/internal/engine"
	"runboard/internal/handlers"
	"runboard/internal/otel"
	"runboard/internal/registry"
	"runboard/internal/stream"
	"runboard/internal/version"
	"runboard/internal/watch"
	"runboard/pkg/bus"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	_ = godotenv.Load()

	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})

	cfg, err := config.Load(ctx)
	if err != nil {
		log.Fatal().Err(err).Msg("load config")
	}

	cleanup, err := otel.Init(ctx, version.Name, version.Version, cfg.OTLPEndpoint)
	if err != nil {
		log.Fatal().Err(err).Msg("init otel")
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := cleanup(shutdownCtx); err != nil {
			log.Error().Err(err).Msg("shutdown otel")
		}
	}()

	reg, err := registry.Load(cfg.RegistryPath)
	if err != nil {
		log.Fatal().Err(err).Str("path", cfg.RegistryPath).Msg("load task registry")
	}

	pool, err := db.Open(ctx, cfg.DBDSN)
	if err != nil {
		log.Fatal().Err(err).Msg("open database pool")
	}
	defer pool.Close()

	if err := db.Migrate(ctx, pool); err != nil {
		log.Fatal().Err(err).Msg("migrate database")
	}

	orm, err := db.Connect(ctx, cfg.DBDSN)
	if err != nil {
		log.Fatal().Err(err).Msg("connect database")
	}
	defer func() {
		if err := db.Close(orm); err != nil {
			log.Error().Err(err).Msg("close database")
		}
	}()

	var eventBus *bus.Bus
	if cfg.NATSURL != "" {
		eventBus, err = bus.New(cfg.NATSURL)
		if err != nil {
			log.Fatal().Err(err).Msg("connect nats")
		}
		defer eventBus.Close()

		if err := eventBus.EnsureStream("RUNBOARD_RUNS", "runboard.runs.>"); err != nil {
			log.Fatal().Err(err).Msg("ensure runs stream")
		}
	}

	var publisher engine.Publisher
	if eventBus != nil {
		publisher = eventBus
	}

	svc, err := engine.NewService(orm, pool, reg, publisher, log.Logger,
		engine.WithSyncWindow(cfg.SyncWindow))
	if err != nil {
		log.Fatal().Err(err).Msg("build run service")
	}

	if eventBus != nil {
		watcher, err := watch.New(svc, orm, eventBus, log.Logger)
		if err != nil {
			log.Fatal().Err(err).Msg("build watcher")
		}
		if err := watcher.Start(ctx); err != nil {
			log.Fatal().Err(err).Msg("start watcher")
		}
		defer watcher.Close()
	}

	api, err := handlers.New(svc, pool, log.Logger, handlers.Config{
		AllowedOrigins: cfg.AllowedOrigins,
		StreamOptions: stream.Options{
			LiveWindow:   cfg.LiveWindow,
			PingInterval: cfg.PingInterval,
			MaxLogDelay:  cfg.MaxLogDelay,
		},
	})
	if err != nil {
		log.Fatal().Err(err).Msg("build api")
	}

	routes, err := api.Routes()
	if err != nil {
		log.Fatal().Err(err).Msg("build routes")
	}

	srv := &http.Server{
		Addr:              cfg.Addr,
		Handler:           otelhttp.NewHandler(routes, version.Name),
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		log.Info().Str("addr", cfg.Addr).Str("version", version.Version).Msg("starting runboard-api")
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal().Err(err).Msg("http server")
		}
	}()

	<-ctx.Done()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("shutdown server")
	}
}
