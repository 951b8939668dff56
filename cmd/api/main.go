package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"portfolio/api/internal/app"
	"portfolio/api/internal/config"
	"portfolio/api/internal/enrich"
	"portfolio/api/internal/principal"
	"portfolio/api/internal/search"
	"portfolio/api/internal/store"
	"portfolio/api/internal/sync"
)

func main() {
	cfg := config.Load()
	logger := newLogger(cfg.LogLevel)
	defer func() { _ = logger.Sync() }()

	ctx := context.Background()

	manager := store.NewManager(cfg.MongoURI, cfg.MongoDatabase, cfg.IdleTimeout, logger)
	defer func() {
		closeCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = manager.Close(closeCtx)
	}()

	dataStore := store.NewMongoStore(manager)
	{
		indexCtx, cancel := context.WithTimeout(ctx, 15*time.Second)
		if err := dataStore.EnsureIndexes(indexCtx); err != nil {
			// The store connects lazily, so a cold database at boot is
			// not fatal; indexes are re-ensured on next start.
			logger.Warn("ensure indexes", zap.Error(err))
		}
		cancel()
	}

	var meiliClient *search.Meili
	if strings.TrimSpace(cfg.MeiliURL) != "" {
		meiliClient = search.NewMeili(cfg.MeiliURL, cfg.MeiliMasterKey, logger)
		defer meiliClient.Close()
	}
	searchService := search.NewService(meiliClient, app.NewStoreFallback(dataStore), logger)

	admins := principal.NewAdminSet(cfg.AdminEmails)

	var cache *principal.Cache
	if strings.TrimSpace(cfg.RedisURL) != "" {
		var err error
		cache, err = principal.NewCache(cfg.RedisURL, cfg.PrincipalCacheTTL)
		if err != nil {
			logger.Fatal("redis connection failed", zap.Error(err))
		}
		defer func() { _ = cache.Close() }()
		logger.Info("principal cache enabled")
	}

	httpClient := &http.Client{Timeout: cfg.ProfileTimeout}
	verifier := principal.NewJWKSVerifier(cfg.Auth0Domain, cfg.Auth0Audience, httpClient)
	resolver := principal.NewResolver(verifier, cache, admins, cfg.Auth0Audience, httpClient, logger)

	service := app.New(dataStore, searchService, admins, cfg.SyncMaxAttempts, logger)

	var enricher sync.Enricher
	if cfg.GitHubToken != "" {
		enricher = enrich.NewGitHub(cfg.GitHubToken)
	}
	engine := sync.NewEngine(dataStore, enricher, searchService, cfg.SyncPollInterval, cfg.EnrichTimeout, logger)
	service.SetNotifier(engine)
	engine.Start(ctx)
	defer engine.Stop()

	if meiliClient != nil {
		go func() {
			reindexCtx, cancel := context.WithTimeout(context.Background(), time.Minute)
			defer cancel()
			if err := service.ReindexSearch(reindexCtx); err != nil {
				logger.Warn("search reindex", zap.Error(err))
			}
		}()
	}

	httpServer := app.NewHTTPServer(service, resolver, cfg.CORSOrigin, logger)
	server := &http.Server{
		Addr:              cfg.Addr,
		Handler:           httpServer.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	go func() {
		logger.Info("portfolio API listening", zap.String("addr", cfg.Addr))
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal("server failed", zap.Error(err))
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Warn("shutdown error", zap.Error(err))
	}
}

func newLogger(level string) *zap.Logger {
	parsed, err := zapcore.ParseLevel(level)
	if err != nil {
		parsed = zapcore.InfoLevel
	}

	encoderConfig := zap.NewProductionEncoderConfig()
	encoderConfig.TimeKey = "time"
	encoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder

	core := zapcore.NewCore(
		zapcore.NewJSONEncoder(encoderConfig),
		zapcore.AddSync(os.Stdout),
		parsed,
	)
	return zap.New(core)
}
