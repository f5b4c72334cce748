package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"deskagent/internal/capability"
	"deskagent/internal/capability/analyze"
	"deskagent/internal/capability/nlp"
	"deskagent/internal/capability/scrape"
	"deskagent/internal/config"
	"deskagent/internal/controller"
	"deskagent/internal/events"
	"deskagent/internal/httpapi"
	"deskagent/internal/ratelimit"
	"deskagent/internal/secrets"
	"deskagent/internal/session"
	"deskagent/internal/storage"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load config")
	}

	setupLogger(cfg.Log.Level)
	log.Info().
		Str("db_driver", cfg.DB.Driver).
		Str("listen_addr", cfg.HTTP.ListenAddr).
		Bool("redis_enabled", cfg.Redis.Addr != "").
		Msg("starting deskagent")

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	store, err := storage.Open(ctx, cfg.DB.Driver, cfg.DB.DSN, cfg.DB.AutoMigrate, cfg.DB.MigrationsDir)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to initialize storage")
	}
	defer store.Close()

	var rdb *redis.Client
	if cfg.Redis.Addr != "" {
		rdb = redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		if err := rdb.Ping(ctx).Err(); err != nil {
			log.Fatal().Err(err).Msg("failed to connect redis")
		}
		defer rdb.Close()
	}

	keyring, err := secrets.NewKeyring(cfg.Crypto.CurrentKeyID, cfg.Crypto.Keys)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to initialize keyring")
	}

	sessions, err := session.Open(ctx, session.Config{
		Store:  store,
		Logger: log.Logger,
	})
	if err != nil {
		log.Fatal().Err(err).Msg("failed to open session")
	}
	log.Info().Str("session_id", sessions.ActiveSession()).Msg("session ready")

	var publisher *events.Publisher
	var limiter scrape.Limiter
	if rdb != nil {
		publisher = events.NewPublisher(rdb, cfg.Redis.EventStream, cfg.Redis.EventMaxLen)
		limiter = ratelimit.NewHostLimiter(rdb, cfg.Scraper.PerHostRate, cfg.Scraper.RateWindow)
	}

	chatCap := nlp.New(nlp.Config{
		HTTPClient:  &http.Client{Timeout: cfg.Provider.ClientTimeout},
		MaxRetries:  cfg.Provider.MaxRetries,
		BackoffBase: cfg.Provider.BackoffBase,
		CallTimeout: cfg.Provider.CallTimeout,
		Logger:      log.Logger,
	})
	scrapeCap := scrape.New(scrape.Config{
		HTTPClient: &http.Client{Timeout: cfg.Scraper.FetchTimeout},
		UserAgent:  cfg.Scraper.UserAgent,
		Limiter:    limiter,
		Logger:     log.Logger,
	})
	analyzeCap := analyze.New(analyze.Config{
		ArtifactsDir: cfg.Analyze.ArtifactsDir,
		Logger:       log.Logger,
	})

	ctl := controller.New(controller.Config{
		Store:    store,
		Sessions: sessions,
		Keyring:  keyring,
		Capabilities: []capability.Capability{
			chatCap, scrapeCap, analyzeCap,
		},
		Events: publisher,
		Logger: log.Logger,
	})
	chatCap.SetSource(ctl)

	api := httpapi.NewServer(httpapi.Config{
		Controller:  ctl,
		Logger:      log.Logger,
		HealthPath:  cfg.HTTP.HealthPath,
		MetricsPath: cfg.HTTP.MetricsPath,
	})
	httpServer := httpapi.NewHTTPServer(cfg.HTTP.ListenAddr, api, cfg.HTTP.ReadTimeout)

	errCh := make(chan error, 1)
	go func() {
		log.Info().Str("addr", cfg.HTTP.ListenAddr).Msg("http server started")
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- fmt.Errorf("http server: %w", err)
		}
	}()

	select {
	case <-ctx.Done():
		log.Info().Msg("shutdown signal received")
	case err := <-errCh:
		log.Error().Err(err).Msg("runtime error")
		cancel()
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("failed to stop http server")
	}

	log.Info().Msg("stopped")
}

func setupLogger(level string) {
	zerolog.TimeFieldFormat = time.RFC3339
	zerolog.SetGlobalLevel(parseLogLevel(level))
	log.Logger = zerolog.New(os.Stdout).With().Timestamp().Logger()
}

func parseLogLevel(level string) zerolog.Level {
	switch strings.ToLower(strings.TrimSpace(level)) {
	case "debug":
		return zerolog.DebugLevel
	case "warn", "warning":
		return zerolog.WarnLevel
	case "error":
		return zerolog.ErrorLevel
	default:
		return zerolog.InfoLevel
	}
}
