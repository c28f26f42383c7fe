// Camforge is a CNC/CAM production platform.
// Copyright (C) 2026 Camforge Contributors
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
// GNU Affero General Public License for more details.
//
// You should have received a copy of the GNU Affero General Public License
// along with this program.  If not, see <https://www.gnu.org/licenses/>.

// Camforge core: the job orchestration service. It owns job intake, the
// lifecycle state machine, queue publication, cancellation, payment
// webhooks, and the notification dispatcher.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"

	"camforge/internal/api"
	"camforge/internal/billing"
	"camforge/internal/cancel"
	"camforge/internal/config"
	"camforge/internal/intake"
	"camforge/internal/logging"
	"camforge/internal/middleware"
	"camforge/internal/notify"
	"camforge/internal/position"
	"camforge/internal/queue"
	"camforge/internal/secrets"
	"camforge/internal/store"
	"camforge/internal/validate"
	"camforge/pkg/crypto"
)

var version = "dev"

// Provider names as they appear on notification deliveries. The scanner
// stamps the primary names; the dispatcher falls over to the fallback names
// while a primary's breaker is open.
const (
	emailProvider         = "smtp_primary"
	emailFallbackProvider = "smtp_fallback"
	smsProvider           = "sms_primary"
	smsFallbackProvider   = "sms_fallback"

	paymentProvider = "craftgate"

	emailSendRate = 8.0
	smsSendRate   = 4.0
)

func main() {
	var (
		addr         = flag.String("addr", "", "HTTP listen address (overrides CAMFORGE_HTTP_ADDR)")
		dbPath       = flag.String("db", "", "SQLite database path (overrides DB_PATH)")
		logLevel     = flag.String("log-level", "", "Log level: debug|info|warn|error (overrides LOG_LEVEL)")
		printVersion = flag.Bool("version", false, "Print version and exit")
	)
	flag.Parse()

	if *printVersion {
		fmt.Println(version)
		return
	}

	cfg, err := config.LoadFromEnv()
	if err != nil {
		fmt.Fprintf(os.Stderr, "invalid configuration: %v\n", err)
		os.Exit(1)
	}
	if *addr != "" {
		cfg.HTTPAddr = *addr
	}
	if *dbPath != "" {
		cfg.DBPath = *dbPath
	}
	if *logLevel != "" {
		cfg.LogLevel = *logLevel
	}
	if err := cfg.Validate(); err != nil {
		fmt.Fprintf(os.Stderr, "invalid configuration: %v\n", err)
		os.Exit(1)
	}

	logger := logging.New(cfg.LogLevel)
	slog.SetDefault(logger)

	logger.Info("starting camforge core",
		"version", version,
		"http_addr", cfg.HTTPAddr,
		"db_path", cfg.DBPath,
		"redis_addr", cfg.RedisAddr,
		"redis_password", crypto.RedactSecret(cfg.RedisPassword),
		"master_key", crypto.RedactSecret(cfg.SecretKey),
		"rate_limit_per_minute", cfg.RateLimitPerMinute,
		"rate_limit_ai_per_minute", cfg.RateLimitAIPerMinute,
		"rate_limit_global_per_minute", cfg.RateLimitGlobalPerMinute,
		"recovery_interval", cfg.RecoveryInterval,
		"notify_poll_interval", cfg.NotifyPollInterval,
		"webhook_poll_interval", cfg.WebhookPollInterval,
	)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	st, err := store.Open(ctx, cfg.DBPath)
	if err != nil {
		logger.Error("failed to open store", "error", err)
		os.Exit(1)
	}
	defer func() { _ = st.Close() }()

	var enc *crypto.Encryptor
	if cfg.SecretKey == "" {
		logger.Warn("no master passphrase configured; provider secrets are stored unsealed. Set CAMFORGE_SECRET_KEY.")
	} else {
		enc, err = crypto.NewEncryptor(cfg.SecretKey)
		if err != nil {
			logger.Error("failed to derive master key", "error", err)
			os.Exit(1)
		}
	}

	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	})
	defer func() { _ = rdb.Close() }()

	pingCtx, cancelPing := context.WithTimeout(ctx, 5*time.Second)
	err = rdb.Ping(pingCtx).Err()
	cancelPing()
	if err != nil {
		logger.Error("redis unreachable", "addr", cfg.RedisAddr, "error", err)
		os.Exit(1)
	}

	limiter := middleware.NewRateLimiter(rdb, middleware.Limits{
		PerPrincipal:   cfg.RateLimitPerMinute,
		AIPerPrincipal: cfg.RateLimitAIPerMinute,
		Global:         cfg.RateLimitGlobalPerMinute,
		Window:         time.Minute,
	}, logger)
	defer limiter.Stop()

	broker, err := queue.NewPulseBroker(queue.BrokerOptions{
		Redis:            rdb,
		StreamMaxLen:     cfg.StreamMaxLen,
		OperationTimeout: 5 * time.Second,
	})
	if err != nil {
		logger.Error("failed to create queue broker", "error", err)
		os.Exit(1)
	}
	publisher := queue.NewPublisher(broker, logger.With("component", "publisher"))

	registry := validate.NewRegistry(validate.Options{TaxRates: cfg.TaxRates})
	svc := intake.NewService(st, registry, limiter, publisher, intake.Config{
		Logger: logger.With("component", "intake"),
	})
	sweeper := intake.NewSweeper(st, svc, intake.SweeperConfig{
		Interval:  cfg.RecoveryInterval,
		Threshold: cfg.RecoveryThreshold,
		Logger:    logger.With("component", "sweeper"),
	})

	signals := cancel.NewSignals(rdb, cfg.CancelSignalTTL, logger)
	coordinator := cancel.NewCoordinator(st, signals, logger.With("component", "cancel"))

	notifyReg := notify.NewRegistry(logger.With("component", "notify"))
	fallbacks := make(map[string]string)
	providers := []struct {
		name      string
		endpoint  string
		seedKey   string
		perSecond float64
		primary   string
	}{
		{emailProvider, cfg.NotifyEmailEndpoint, cfg.NotifyEmailAPIKey, emailSendRate, ""},
		{emailFallbackProvider, cfg.NotifyEmailFallbackEndpoint, cfg.NotifyEmailFallbackAPIKey, emailSendRate, emailProvider},
		{smsProvider, cfg.NotifySMSEndpoint, cfg.NotifySMSAPIKey, smsSendRate, ""},
		{smsFallbackProvider, cfg.NotifySMSFallbackEndpoint, cfg.NotifySMSFallbackAPIKey, smsSendRate, smsProvider},
	}
	for _, p := range providers {
		if p.primary != "" && p.endpoint == "" {
			// No fallback configured for this channel.
			continue
		}
		if err := configureProvider(ctx, st, enc, notifyReg, logger, p.name, p.endpoint, p.seedKey, p.perSecond); err != nil {
			logger.Error("failed to configure notification provider", "provider", p.name, "error", err)
			os.Exit(1)
		}
		if p.primary != "" {
			fallbacks[p.primary] = p.name
		}
	}
	dispatcher := notify.NewDispatcher(st, notifyReg, notify.Config{
		PollInterval: cfg.NotifyPollInterval,
		BatchSize:    cfg.NotifyBatchSize,
		Fallbacks:    fallbacks,
		Logger:       logger.With("component", "dispatcher"),
	})

	processor := billing.NewProcessor(st, billing.Config{
		PollInterval: cfg.WebhookPollInterval,
		BatchSize:    cfg.WebhookBatchSize,
		Logger:       logger.With("component", "billing"),
	})
	if err := configureWebhooks(ctx, st, enc, processor, logger, cfg.CraftgateWebhookSecret); err != nil {
		logger.Error("failed to configure payment webhooks", "error", err)
		os.Exit(1)
	}

	handler := api.New(api.Deps{
		Store:    st,
		Intake:   svc,
		Position: position.NewService(st, logger.With("component", "position")),
		Cancel:   coordinator,
		Webhooks: processor,
		Security: middleware.DefaultSecurityHeadersConfig(),
		Logger:   logger,
	})

	server := &http.Server{
		Addr:         cfg.HTTPAddr,
		Handler:      handler,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	var wg sync.WaitGroup
	wg.Add(3)
	go func() {
		defer wg.Done()
		sweeper.Run(ctx)
	}()
	go func() {
		defer wg.Done()
		dispatcher.Run(ctx)
	}()
	go func() {
		defer wg.Done()
		processor.Run(ctx)
	}()

	go func() {
		logger.Info("http server listening", "addr", cfg.HTTPAddr)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("http server failed", "error", err)
			os.Exit(1)
		}
	}()

	<-ctx.Done()
	logger.Info("shutting down")

	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancelShutdown()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("http server forced to shut down", "error", err)
	}

	wg.Wait()
	logger.Info("camforge core exited")
}

// configureProvider registers one notification provider. Without an endpoint
// the provider logs deliveries instead of sending them, which keeps
// development environments working with no gateway account. With an endpoint,
// the API key comes from the settings table, seeded from the environment on
// first start.
func configureProvider(ctx context.Context, st *store.Store, enc *crypto.Encryptor, reg *notify.Registry, logger *slog.Logger, name, endpoint, seedKey string, perSecond float64) error {
	if endpoint == "" {
		reg.Register(notify.NewLogProvider(name, logger), 0)
		logger.Info("notification provider configured", "provider", name, "mode", "log")
		return nil
	}

	apiKey, err := secrets.Load(ctx, st, enc, secrets.NotifyKey(name))
	switch {
	case errors.Is(err, store.ErrNotFound):
		if seedKey == "" {
			logger.Warn("notification provider has no stored API key", "provider", name)
		} else {
			if err := secrets.Store(ctx, st, enc, secrets.NotifyKey(name), seedKey); err != nil {
				return fmt.Errorf("seed API key for %s: %w", name, err)
			}
			apiKey = seedKey
		}
	case err != nil:
		return fmt.Errorf("load API key for %s: %w", name, err)
	}

	reg.Register(notify.NewHTTPProvider(name, endpoint, apiKey, nil), perSecond)
	logger.Info("notification provider configured",
		"provider", name,
		"endpoint", crypto.RedactURL(endpoint),
		"api_key", crypto.RedactToken(apiKey),
	)
	return nil
}

// configureWebhooks wires the payment gateway's signature verifier. The
// signing secret comes from the settings table, seeded from the environment
// on first start; without one, deliveries are rejected as unknown provider.
func configureWebhooks(ctx context.Context, st *store.Store, enc *crypto.Encryptor, processor *billing.Processor, logger *slog.Logger, seed string) error {
	secret, err := secrets.Load(ctx, st, enc, secrets.WebhookKey(paymentProvider))
	switch {
	case errors.Is(err, store.ErrNotFound):
		if seed == "" {
			logger.Warn("no webhook signing secret configured; payment webhooks will be rejected", "provider", paymentProvider)
			return nil
		}
		if err := secrets.Store(ctx, st, enc, secrets.WebhookKey(paymentProvider), seed); err != nil {
			return fmt.Errorf("seed webhook secret: %w", err)
		}
		secret = seed
	case err != nil:
		return fmt.Errorf("load webhook secret: %w", err)
	}

	processor.RegisterProvider(paymentProvider, billing.NewHMACVerifier(secret, 0), billing.JSONParser{}, "")
	logger.Info("payment webhook provider configured",
		"provider", paymentProvider,
		"secret", crypto.RedactSecret(secret),
	)
	return nil
}
