package main

import (
	"context"
	"fmt"
	"io"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"inboxpilot/internal/api"
	"inboxpilot/internal/assist"
	"inboxpilot/internal/config"
	"inboxpilot/internal/database"
	"inboxpilot/internal/events"
	"inboxpilot/internal/feed"
	"inboxpilot/internal/lifecycle"
	"inboxpilot/internal/logging"
	"inboxpilot/internal/mail"
	"inboxpilot/internal/metrics"
	"inboxpilot/internal/models"
	"inboxpilot/internal/report"
	"inboxpilot/internal/routing"
	"inboxpilot/internal/scheduler"
	"inboxpilot/internal/worker"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

func main() {
	if err := run(); err != nil {
		log.Fatalf("Fatal error: %v", err)
	}
}

func run() error {
	configPath := os.Getenv("CONFIG_PATH")
	if configPath == "" {
		configPath = "configs/config.yaml"
	}
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}

	baseLogger, closer, err := logging.New(cfg.Logging, cfg.App)
	if err != nil {
		return err
	}
	if closer != nil {
		defer (func(c io.Closer) { _ = c.Close() })(closer)
	}
	logger := logging.Component(baseLogger, "main")

	if err := prepareDirectories(cfg); err != nil {
		return err
	}
	metrics.Register()

	db, err := database.NewDB(cfg.Database.Path, baseLogger)
	if err != nil {
		return err
	}
	defer db.Close()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	redisClient := initRedis(ctx, cfg, &logger)
	if redisClient != nil {
		defer redisClient.Close()
	}

	provider := mail.NewProvider(db, cfg.Google.CredentialsFile, cfg.Google.TokenDir)
	if err := ensureAccounts(ctx, cfg, db, provider, &logger); err != nil {
		return err
	}

	router, err := routing.LoadRules(cfg.Routing.RulesFile, logging.Component(baseLogger, "routing"))
	if err != nil {
		return err
	}

	collab, err := initCollaborator(cfg)
	if err != nil {
		return err
	}

	bus := events.NewEventBus()
	subscribeEvents(bus, &logger)

	manager := lifecycle.NewManager(db, collab, bus, logging.Component(baseLogger, "lifecycle"))
	engine := feed.NewEngine(db, router, bus, cfg.Sync.FullSyncDays, logging.Component(baseLogger, "feed"))
	watches := feed.NewWatchManager(db, cfg.Sync.PubsubTopic, logging.Component(baseLogger, "watch"))

	wake := worker.NewWakeQueue(redisClient, logging.Component(baseLogger, "wake"))
	pool := worker.NewPool(db, wake,
		cfg.Workers.Concurrency,
		time.Duration(cfg.Workers.PollIntervalSeconds)*time.Second,
		time.Duration(cfg.Workers.StalledGraceMinutes)*time.Minute,
		logging.Component(baseLogger, "worker"))
	handlers := worker.NewHandlers(db, provider, collab, manager, engine, bus, logging.Component(baseLogger, "handlers"))
	handlers.RegisterAll(pool)
	if err := pool.Start(ctx); err != nil {
		return err
	}

	exporter := report.NewExporter(db, cfg.Exports.Path, logging.Component(baseLogger, "report"))
	sched := scheduler.New(db, pool, watches, provider, exporter, scheduler.Options{
		FallbackInterval: time.Duration(cfg.Sync.FallbackIntervalMinutes) * time.Minute,
		FullSyncInterval: time.Duration(cfg.Sync.FullSyncIntervalHours) * time.Hour,
		WatchRenewal:     time.Duration(cfg.Sync.WatchRenewalHours) * time.Hour,
		RetentionDays:    cfg.Workers.RetentionDays,
	}, logging.Component(baseLogger, "scheduler"))
	sched.Start(ctx)

	if cfg.Webhook.Enabled {
		webhookServer := api.NewServer(cfg.Webhook, db, pool, logging.Component(baseLogger, "api"))
		go func() {
			if err := webhookServer.Start(); err != nil {
				logger.Error().Err(err).Msg("webhook server error")
			}
		}()
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			_ = webhookServer.Shutdown(shutdownCtx)
		}()
	}

	logger.Info().Str("version", cfg.App.Version).Msg("started")
	<-ctx.Done()
	logger.Info().Msg("shutting down")

	pool.Wait()
	sched.Wait()
	logger.Info().Msg("shutdown complete")
	return nil
}

func prepareDirectories(cfg *config.Config) error {
	for _, dir := range []string{filepath.Dir(cfg.Database.Path), cfg.Exports.Path, cfg.Google.TokenDir} {
		if dir == "" {
			continue
		}
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create directory %s: %w", dir, err)
		}
	}
	return nil
}

func initRedis(ctx context.Context, cfg *config.Config, logger *zerolog.Logger) *redis.Client {
	if cfg.Redis.Address == "" {
		logger.Info().Msg("redis not configured, workers fall back to polling")
		return nil
	}
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Address,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
		PoolSize: cfg.Redis.PoolSize,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		logger.Warn().Err(err).Msg("redis unavailable, wake hints disabled until it recovers")
	}
	return client
}

// ensureAccounts registers configured mailboxes and provisions the
// managed labels once per account.
func ensureAccounts(ctx context.Context, cfg *config.Config, db *database.DB, provider *mail.Provider, logger *zerolog.Logger) error {
	for _, ac := range cfg.Accounts {
		account, err := db.GetAccountByEmail(ctx, ac.Email)
		if err != nil {
			return err
		}
		if account == nil {
			account = &models.Account{Email: ac.Email, DisplayName: ac.DisplayName, IsActive: true}
			if err := db.CreateAccount(ctx, account); err != nil {
				return err
			}
			logger.Info().Str("email", ac.Email).Msg("account registered")
		}
		if account.OnboardedAt.Valid {
			continue
		}
		if err := onboardAccount(ctx, db, provider, account); err != nil {
			// Onboarding needs a live mailbox; keep starting up and let
			// the operator fix credentials without a crash loop.
			logger.Error().Err(err).Str("email", ac.Email).Msg("account onboarding failed")
			continue
		}
		logger.Info().Str("email", ac.Email).Msg("account onboarded")
	}
	return nil
}

func onboardAccount(ctx context.Context, db *database.DB, provider *mail.Provider, account *models.Account) error {
	client, err := provider.ClientFor(ctx, account.ID)
	if err != nil {
		return err
	}

	names := make([]string, 0, len(models.ManagedLabelKeys))
	for _, key := range models.ManagedLabelKeys {
		names = append(names, models.LabelDisplayNames[key])
	}
	resolved, err := client.EnsureLabels(ctx, names)
	if err != nil {
		return err
	}
	for _, key := range models.ManagedLabelKeys {
		name := models.LabelDisplayNames[key]
		id, ok := resolved[name]
		if !ok {
			return fmt.Errorf("label %q not provisioned", name)
		}
		if err := db.SetLabel(ctx, account.ID, key, id, name); err != nil {
			return err
		}
	}
	return db.MarkAccountOnboarded(ctx, account.ID)
}

func initCollaborator(cfg *config.Config) (assist.Collaborator, error) {
	if cfg.Assist.Endpoint == "" {
		return nil, fmt.Errorf("assist endpoint is required")
	}
	inner := assist.NewHTTPCollaborator(cfg.Assist.Endpoint, cfg.Assist.APIKey,
		time.Duration(cfg.Assist.TimeoutSeconds)*time.Second)
	return assist.NewRateLimited(inner, cfg.Assist.RPS, cfg.Assist.Burst), nil
}

// subscribeEvents mirrors the audit stream into the log so transitions
// are visible without querying the database.
func subscribeEvents(bus *events.EventBus, logger *zerolog.Logger) {
	conversational := []string{
		events.EventConversationClassified,
		events.EventDraftCreated,
		events.EventDraftReworked,
		events.EventConversationSent,
		events.EventConversationArchived,
		events.EventConversationSkipped,
	}
	for _, eventType := range conversational {
		bus.Subscribe(eventType, func(ev *events.Event) error {
			logger.Info().Str("event", ev.Type).RawJSON("payload", ev.Payload).Msg("conversation event")
			return nil
		})
	}
	bus.Subscribe(events.EventFeedPassCompleted, func(ev *events.Event) error {
		logger.Debug().RawJSON("payload", ev.Payload).Msg("feed pass completed")
		return nil
	})
}
