// cmd/api/main.go
package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/hibiken/asynq"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog"

	"github.com/briangreenhill/printables/internal/catalog"
	"github.com/briangreenhill/printables/internal/catalog/sqlitestore"
	"github.com/briangreenhill/printables/internal/config"
	"github.com/briangreenhill/printables/internal/db"
	"github.com/briangreenhill/printables/internal/gallery"
	"github.com/briangreenhill/printables/internal/http/routes"
	"github.com/briangreenhill/printables/internal/platform/otel"
	"github.com/briangreenhill/printables/internal/storage"
)

func main() {
	logger := zerolog.New(os.Stdout).With().Timestamp().Str("service", "printables-api").Logger()

	cfg, err := config.Load()
	if err != nil {
		logger.Fatal().Err(err).Msg("load config")
	}
	if err := cfg.Validate(); err != nil {
		logger.Fatal().Err(err).Msg("invalid config")
	}
	if lvl, err := zerolog.ParseLevel(cfg.LogLevel); err == nil {
		logger = logger.Level(lvl)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	shutdownTracing, err := otel.Setup(ctx, "printables-api", cfg.OTelEndpoint)
	if err != nil {
		logger.Fatal().Err(err).Msg("tracing setup")
	}
	defer func() {
		sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = shutdownTracing(sctx)
	}()

	// Catalog store
	var store catalog.Store
	if cfg.HasPostgres() {
		pool, err := pgxpool.New(ctx, cfg.DatabaseURL)
		if err != nil {
			logger.Fatal().Err(err).Msg("db error")
		}
		defer pool.Close()
		store = catalog.NewPostgresStore(db.New(pool))
		logger.Info().Msg("catalog store: postgres")
	} else {
		sq, err := sqlitestore.Open(cfg.SQLitePath)
		if err != nil {
			logger.Fatal().Err(err).Msg("open sqlite catalog")
		}
		defer sq.Close()
		store = sq
		logger.Info().Str("path", cfg.SQLitePath).Msg("catalog store: sqlite")
	}

	// Delivery URL signing
	opts := routes.ServerOptions{
		RevalidateSecret: cfg.RevalidateSecret,
		Logger:           logger,
	}
	var signer storage.Signer
	var bucket *storage.Bucket
	if cfg.HasObjectStore() {
		bucket, err = storage.NewBucket(storage.Config{
			Endpoint:  cfg.Storage.Endpoint,
			Bucket:    cfg.Storage.Bucket,
			AccessKey: cfg.Storage.AccessKey,
			SecretKey: cfg.Storage.SecretKey,
			Region:    cfg.Storage.Region,
			UseSSL:    cfg.Storage.UseSSL,
			Prefix:    cfg.Storage.Prefix,
		})
		if err != nil {
			logger.Fatal().Err(err).Msg("object storage")
		}
		signer = bucket
	}
	if cfg.Storage.SigningMode == config.SigningProxy {
		hs := storage.HMACSigner{Secret: []byte(cfg.Storage.SigningSecret), BaseURL: cfg.BaseURL}
		signer = hs
		opts.Verifier = hs
		if bucket != nil {
			opts.Objects = bucket
		} else {
			logger.Warn().Msg("proxy signing without object storage: /assets is disabled")
		}
	}
	issuer := storage.NewIssuer(signer, cfg.Storage.URLExpiry)

	svc := gallery.New(gallery.Options{
		Store:           store,
		Issuer:          issuer,
		TTL:             cfg.Gallery.CacheTTL,
		PopulateTimeout: cfg.Gallery.PopulateTimeout,
		DefaultLimit:    cfg.Gallery.DefaultLimit,
		MaxLimit:        cfg.Gallery.MaxLimit,
		Logger:          logger.With().Str("component", "gallery").Logger(),
	})
	go svc.RunJanitor(ctx, cfg.Gallery.CacheTTL)
	opts.Gallery = svc

	// Failure report queue
	if cfg.HasQueue() {
		queue := asynq.NewClient(asynq.RedisClientOpt{Addr: cfg.RedisAddr})
		defer func() {
			if err := queue.Close(); err != nil {
				logger.Error().Err(err).Msg("close asynq client")
			}
		}()
		opts.Queue = queue
	}

	s := routes.New(opts)
	srv := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           s.Router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		<-ctx.Done()
		sctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()
		if err := srv.Shutdown(sctx); err != nil {
			logger.Error().Err(err).Msg("http shutdown")
		}
	}()

	logger.Info().
		Str("addr", srv.Addr).
		Str("signing", cfg.Storage.SigningMode).
		Dur("ttl", svc.TTL()).
		Dur("url_expiry", issuer.TTL()).
		Msg("starting app")
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		logger.Fatal().Err(err).Msg("http server")
	}
	logger.Info().Msg("stopped")
}
