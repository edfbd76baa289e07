package main

import (
	"context"
	"io"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"syscall"
	"time"
	_ "time/tzdata"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/harukochan/bot-server-go/internal/config"
	"github.com/harukochan/bot-server-go/internal/database"
	"github.com/harukochan/bot-server-go/internal/ecpay"
	"github.com/harukochan/bot-server-go/internal/entitlement"
	"github.com/harukochan/bot-server-go/internal/handler"
	"github.com/harukochan/bot-server-go/internal/jobs"
	"github.com/harukochan/bot-server-go/internal/metrics"
	"github.com/harukochan/bot-server-go/internal/middleware"
	"github.com/harukochan/bot-server-go/internal/model"
	"github.com/harukochan/bot-server-go/internal/persona"
	"github.com/harukochan/bot-server-go/internal/redis"
	"github.com/harukochan/bot-server-go/internal/relay"
	"github.com/harukochan/bot-server-go/internal/repository"
	"github.com/harukochan/bot-server-go/internal/service"
)

const (
	checkoutRateLimit  = 30
	checkoutRateWindow = time.Minute
)

func main() {
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})

	cfg, err := config.Load()
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load config")
	}

	isProduction := cfg.IsProduction()
	setupLogger(cfg.LogFile, isProduction)
	setLogLevel(cfg.LogLevel)

	if err := cfg.Validate(isProduction); err != nil {
		log.Fatal().Err(err).Msg("invalid config")
	}
	if !persona.IsValid(cfg.DefaultPersona) {
		log.Fatal().Str("persona", cfg.DefaultPersona).Msg("DEFAULT_PERSONA is not a known persona")
	}
	plans, _ := cfg.Plans()
	loc, _ := cfg.Location()
	greetingWindow, _ := cfg.GreetingWindow()

	db, err := database.Connect(cfg.DatabaseURL)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to connect to database")
	}
	defer db.Close()

	ctx, cancel := context.WithTimeout(context.Background(), config.DBPingTimeout)
	if err := db.Ping(ctx); err != nil {
		log.Fatal().Err(err).Msg("failed to ping database")
	}
	cancel()
	log.Info().Msg("database connected")

	if err := db.Migrate(); err != nil {
		log.Fatal().Err(err).Msg("failed to migrate database")
	}

	redisClient, err := redis.NewClient(cfg.RedisURL)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to connect to redis")
	}
	defer redisClient.Close()
	log.Info().Msg("redis connected")

	collector := metrics.New(nil)
	whitelist := entitlement.NewWhitelist(cfg.WhitelistUserIDs)
	defaults := model.AccountDefaults{FreeCredits: cfg.DefaultFreeQuota, Persona: cfg.DefaultPersona}

	accountRepo := repository.NewAccountRepository(db.DB)
	paymentRepo := repository.NewPaymentRepository(db.DB)

	lineService, err := service.NewLineService(cfg.LineAPIBaseURL, cfg.LineDataAPIBaseURL, cfg.LineChannelAccessToken)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to create line client")
	}
	rateLimiter := service.NewRateLimiter(redisClient.Client, true)

	deps := buildRelays(cfg)
	deps.Accounts = accountRepo
	deps.Whitelist = whitelist
	deps.Outbound = lineService
	deps.Limiter = rateLimiter
	deps.Claimer = redisClient
	deps.Metrics = collector

	dispatcher := service.NewDispatcher(deps, service.DispatcherConfig{
		Defaults:       defaults,
		Costs:          service.ActionCosts{Chat: cfg.CostChat, Image: cfg.CostImage, Speech: cfg.CostSpeech},
		Plans:          plans,
		PublicBaseURL:  cfg.PublicBaseURL,
		Location:       loc,
		UserRateLimit:  cfg.UserRateLimit,
		UserRateWindow: cfg.UserRateWindow(),
		MaxGroupSize:   config.MaxPersonaGroupSize,
		DedupTTL:       config.WebhookDedupTTL,
		Timeouts:       service.DefaultTimeouts(),
	})

	paymentService := service.NewPaymentService(db, accountRepo, paymentRepo, lineService, collector, service.PaymentServiceConfig{
		Plans:    plans,
		Defaults: defaults,
		Location: loc,
	})
	adminService := service.NewAdminService(accountRepo, paymentRepo, whitelist, loc)

	scheduler := jobs.NewScheduler(accountRepo, lineService, redisClient, collector, jobs.SchedulerConfig{
		Location:       loc,
		GreetingWindow: greetingWindow,
		RatePerSecond:  cfg.BroadcastRatePerSec,
	})

	signer := ecpay.NewSigner(cfg.ECPayMerchantID, cfg.ECPayHashKey, cfg.ECPayHashIV)

	lineSignatureMiddleware := middleware.NewLineSignatureMiddleware(cfg.LineChannelSecret)
	adminAuthMiddleware := middleware.NewAdminAuthMiddleware(cfg.AdminUsername, cfg.AdminPasswordHash, middleware.NewLoginRateLimiter())
	checkoutRateLimitMiddleware := middleware.NewIPRateLimitMiddleware(rateLimiter, checkoutRateLimit, checkoutRateWindow, "checkout")
	securityHeadersMiddleware := middleware.NewSecurityHeadersMiddleware(isProduction, originOf(cfg.ECPayCheckoutURL))
	webhookBodyLimit := middleware.NewBodyLimitMiddleware(config.MaxWebhookBodyBytes)
	paymentBodyLimit := middleware.NewBodyLimitMiddleware(config.MaxPaymentBodyBytes)

	lineHandler := handler.NewLineHandler(dispatcher)
	paymentHandler := handler.NewPaymentHandler(paymentService, signer, handler.PaymentHandlerConfig{
		Plans:         plans,
		CheckoutURL:   cfg.ECPayCheckoutURL,
		PublicBaseURL: cfg.PublicBaseURL,
	})
	adminHandler := handler.NewAdminHandler(adminService, scheduler, adminAuthMiddleware.Handler)

	r := chi.NewRouter()

	r.Use(chimiddleware.RequestID)
	r.Use(chimiddleware.RealIP)
	r.Use(middleware.RequestLogger)
	r.Use(chimiddleware.Recoverer)
	r.Use(chimiddleware.Timeout(config.ServerRequestTimeout))

	r.Get("/health", handler.Health(map[string]handler.Pinger{
		"database": db,
		"redis":    handler.PingFunc(func(ctx context.Context) error { return redisClient.Ping(ctx).Err() }),
	}))
	r.Handle("/metrics", promhttp.Handler())

	r.Route("/line", func(r chi.Router) {
		r.Use(webhookBodyLimit.Handler)
		r.Use(lineSignatureMiddleware.Handler)
		r.Post("/webhook", lineHandler.Webhook)
	})

	r.Route("/payments", func(r chi.Router) {
		r.With(paymentBodyLimit.Handler).Post("/ecpay/notify", paymentHandler.Notify)
		r.With(securityHeadersMiddleware.Handler, checkoutRateLimitMiddleware.Handler).Get("/checkout", paymentHandler.Checkout)
	})

	r.Mount("/admin/api", adminHandler.Routes())

	scheduler.Start()

	server := &http.Server{
		Addr:         cfg.Addr(),
		Handler:      r,
		ReadTimeout:  config.ServerReadTimeout,
		WriteTimeout: config.ServerRequestTimeout + 5*time.Second,
		IdleTimeout:  config.ServerIdleTimeout,
	}

	go func() {
		log.Info().
			Str("addr", cfg.Addr()).
			Str("timezone", loc.String()).
			Int("whitelisted", whitelist.Len()).
			Bool("payments", signer.Configured()).
			Msg("starting server")
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal().Err(err).Msg("server error")
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	log.Info().Msg("shutting down server")

	scheduler.Stop()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), config.ServerShutdownTimeout)
	defer shutdownCancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("server forced to shutdown")
	}

	drained := make(chan struct{})
	go func() {
		lineHandler.Wait()
		adminHandler.Wait()
		close(drained)
	}()
	select {
	case <-drained:
	case <-shutdownCtx.Done():
		log.Warn().Msg("background work still running at shutdown")
	}

	log.Info().Msg("server stopped")
}

// buildRelays wires whichever upstream providers are configured. A relay
// left nil makes its commands answer with the apology reply.
func buildRelays(cfg *config.Config) service.DispatcherDeps {
	var deps service.DispatcherDeps

	if cfg.OpenAIAPIKey != "" {
		openai := relay.NewOpenAIClient(relay.OpenAIConfig{
			APIKey:    cfg.OpenAIAPIKey,
			BaseURL:   cfg.OpenAIBaseURL,
			ChatModel: cfg.ChatModel,
			TTSModel:  cfg.TTSModel,
			TTSVoice:  cfg.TTSVoice,
			ASRModel:  cfg.ASRModel,
		})
		deps.Chat = openai
		deps.Speech = openai
		deps.Transcriber = openai
	} else {
		log.Warn().Msg("OPENAI_API_KEY is empty: speech and voice input disabled")
	}

	if cfg.ChatProvider == "gemini" {
		ctx, cancel := context.WithTimeout(context.Background(), config.ChannelTimeout)
		gemini, err := relay.NewGeminiChat(ctx, cfg.GeminiAPIKey, cfg.GeminiModel)
		cancel()
		if err != nil {
			log.Fatal().Err(err).Msg("failed to create gemini client")
		}
		deps.Chat = gemini
	}
	if deps.Chat == nil {
		log.Warn().Msg("no chat provider configured")
	}

	if cfg.ReplicateAPIToken != "" && cfg.ImageModelVersion != "" {
		deps.Image = relay.NewReplicateImage(relay.ReplicateConfig{
			APIToken:     cfg.ReplicateAPIToken,
			BaseURL:      cfg.ReplicateBaseURL,
			ModelVersion: cfg.ImageModelVersion,
		})
	} else {
		log.Warn().Msg("replicate not configured: image generation disabled")
	}

	r2 := relay.R2Config{
		Endpoint:        cfg.R2Endpoint,
		AccessKeyID:     cfg.R2AccessKeyID,
		SecretAccessKey: cfg.R2SecretAccessKey,
		Bucket:          cfg.R2Bucket,
		PublicURL:       cfg.R2PublicURL,
	}
	if r2.Configured() {
		ctx, cancel := context.WithTimeout(context.Background(), config.ChannelTimeout)
		store, err := relay.NewR2Store(ctx, r2)
		cancel()
		if err != nil {
			log.Fatal().Err(err).Msg("failed to create media store")
		}
		deps.Media = store
	} else {
		log.Warn().Msg("R2 not configured: image and speech replies disabled")
	}

	return deps
}

func setupLogger(logFile string, isProduction bool) {
	var console io.Writer = zerolog.ConsoleWriter{Out: os.Stderr}
	if isProduction {
		console = os.Stdout
	}

	if logFile == "" {
		log.Logger = zerolog.New(console).With().Timestamp().Logger()
		return
	}

	file := &lumberjack.Logger{
		Filename:   logFile,
		MaxSize:    10, // MB
		MaxBackups: 5,
		MaxAge:     30, // days
		Compress:   true,
	}
	log.Logger = zerolog.New(zerolog.MultiLevelWriter(console, file)).With().Timestamp().Logger()
}

func setLogLevel(level string) {
	switch level {
	case "debug":
		zerolog.SetGlobalLevel(zerolog.DebugLevel)
	case "info":
		zerolog.SetGlobalLevel(zerolog.InfoLevel)
	case "warn":
		zerolog.SetGlobalLevel(zerolog.WarnLevel)
	case "error":
		zerolog.SetGlobalLevel(zerolog.ErrorLevel)
	default:
		zerolog.SetGlobalLevel(zerolog.InfoLevel)
	}
}

// originOf reduces a URL to scheme://host for use in a CSP source list.
func originOf(raw string) string {
	u, err := url.Parse(raw)
	if err != nil || u.Host == "" {
		return ""
	}
	return u.Scheme + "://" + u.Host
}
