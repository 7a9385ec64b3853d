package main

import (
	"context"
	"io"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"

	httpapi "github.com/qahub/qahub/internal/api/http"
	"github.com/qahub/qahub/internal/application/notify"
	"github.com/qahub/qahub/internal/application/qa"
	"github.com/qahub/qahub/internal/blob"
	"github.com/qahub/qahub/internal/config"
	"github.com/qahub/qahub/internal/identity"
	"github.com/qahub/qahub/internal/infrastructure/postgres"
	"github.com/qahub/qahub/internal/infrastructure/sse"
	"github.com/qahub/qahub/internal/session"
	"github.com/qahub/qahub/internal/snapshot"
	"github.com/qahub/qahub/internal/state"
	"github.com/qahub/qahub/internal/transport"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("config error: %v", err)
	}

	var out io.Writer = os.Stdout
	if cfg.LogPretty {
		out = zerolog.ConsoleWriter{Out: os.Stdout}
	}
	logger := zerolog.New(out).With().Timestamp().Logger()
	if level, err := zerolog.ParseLevel(cfg.LogLevel); err == nil {
		logger = logger.Level(level)
	}

	ctx := context.Background()

	signer, err := identity.Load(cfg.KeyPath, cfg.KeyPassphrase)
	if err != nil {
		log.Fatalf("identity error: %v", err)
	}
	logger.Info().Str("address", signer.Address()).Msg("identity loaded")

	// transport
	var tr transport.Transport
	if cfg.RedisAddr != "" {
		redisTr, err := transport.NewRedis(ctx, cfg.RedisAddr, cfg.RedisPassword, logger)
		if err != nil {
			log.Fatalf("redis error: %v", err)
		}
		defer redisTr.Close()
		tr = redisTr
	} else {
		logger.Warn().Msg("no REDIS_ADDR configured, running in-process transport")
		tr = transport.NewMemory()
	}

	// snapshot record store
	var records snapshot.RecordStore = snapshot.NewMemoryRecords()
	if cfg.DatabaseURL != "" {
		pool, err := postgres.NewPool(ctx, cfg.DatabaseURL)
		if err != nil {
			log.Fatalf("db error: %v", err)
		}
		defer pool.Close()
		if err := postgres.RunMigrations(ctx, pool, cfg.MigrationsDir); err != nil {
			log.Fatalf("migration error: %v", err)
		}
		records = postgres.NewSnapshotRepository(pool)
	}

	// blob store
	var blobs blob.Store = blob.NewMemory()
	if cfg.BlobURL != "" {
		blobs = blob.NewHTTP(cfg.BlobURL, nil)
	}

	snapshots := snapshot.NewManager(tr, blobs, records, signer, logger,
		snapshot.WithPublishInterval(cfg.SnapshotPublishInterval),
		snapshot.WithStaleWindow(cfg.SnapshotStaleWindow),
	)

	sseHub := sse.NewHub()
	notifySvc := notify.NewService(logger)

	registry := session.NewRegistry(tr, snapshots, signer, logger)
	registry.OnEvent(func(ev state.Event) {
		sseHub.Broadcast(ev)
		notifySvc.Dispatch(ev)
	})
	defer registry.Close()

	qaSvc := qa.NewService(registry, signer, logger)

	apiServer := httpapi.NewServer(qaSvc, notifySvc, registry, snapshots, sseHub, signer, logger)

	httpServer := &http.Server{
		Addr:         cfg.ServerAddr,
		Handler:      apiServer.Router(),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 0, // SSE streams stay open
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		logger.Info().Str("addr", cfg.ServerAddr).Msg("http server started")
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal().Err(err).Msg("http server failed")
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	ctxShutdown, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	_ = httpServer.Shutdown(ctxShutdown)
	sseHub.Stop()
}
