package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"tradegate/internal/cache"
	"tradegate/internal/config"
	"tradegate/internal/domain"
	apphttp "tradegate/internal/http"
	"tradegate/internal/logging"
	"tradegate/internal/metrics"
	"tradegate/internal/notify"
	"tradegate/internal/ratelimit"
	"tradegate/internal/resilience"
	"tradegate/internal/security/signature"
	"tradegate/internal/service/compliance"
	"tradegate/internal/service/token"
	storepkg "tradegate/internal/store"
	"tradegate/internal/store/memory"
	"tradegate/internal/store/postgres"
)

func main() {
	if err := config.LoadDotEnv(".env"); err != nil {
		log.Printf("failed to load .env: %v", err)
	}
	cfg := config.Load()

	logger, err := logging.New(cfg.LogLevel, cfg.LogEncoding)
	if err != nil {
		log.Fatalf("logger init failed: %v", err)
	}
	defer func() { _ = logger.Sync() }()

	var st storepkg.Store
	if cfg.StoreMode == "postgres" && cfg.DatabaseURL != "" {
		pgStore, err := postgres.NewStore(cfg.DatabaseURL)
		if err != nil {
			logger.Warn("postgres store unavailable, falling back to memory store", zap.Error(err))
			st = memory.NewStore()
		} else {
			defer func() { _ = pgStore.Close() }()
			st = pgStore
		}
	} else {
		st = memory.NewStore()
	}

	ruleCache := cache.NewRuleCache(cache.Options{
		RuleTTL:   cfg.RuleCacheTTL,
		FirmTTL:   cfg.FirmCacheTTL,
		ResultTTL: cfg.ResultCacheTTL,
		Capacity:  cfg.CacheCapacity,
	})
	ruleCache.StartSweeper(cfg.CacheSweepInterval)
	defer ruleCache.Stop()

	storeBreaker := newBreaker(cfg, "store")
	engine := compliance.NewEngine(st, ruleCache, storeBreaker,
		compliance.FixedFractionEstimator{Fraction: cfg.RiskImpactFraction}, logger)

	channels := []notify.Channel{notify.NewInAppChannel(st)}
	breakers := map[domain.Channel]*resilience.Breaker{}
	if cfg.EmailAPIURL != "" {
		channels = append(channels, notify.NewEmailChannel(cfg.EmailAPIURL, cfg.EmailAPIKey, cfg.EmailFrom, cfg.NotifyPerMsg))
		breakers[domain.ChannelEmail] = newBreaker(cfg, "email")
	}
	if cfg.SMSAPIURL != "" {
		channels = append(channels, notify.NewSMSChannel(cfg.SMSAPIURL, cfg.SMSAPIKey, cfg.SMSFrom, cfg.SMSPerHour, cfg.NotifyPerMsg))
		breakers[domain.ChannelSMS] = newBreaker(cfg, "sms")
	}
	dispatcher := notify.NewDispatcher(st, channels, breakers,
		resilience.RetryConfig{
			MaxAttempts: cfg.RetryMaxAttempts,
			Base:        cfg.RetryBase,
			Max:         cfg.RetryMax,
		}, logger)

	limiter := ratelimit.New(cfg.RateLimitPerSec, cfg.RateLimitBurst)
	go func() {
		ticker := time.NewTicker(10 * time.Minute)
		defer ticker.Stop()
		for range ticker.C {
			limiter.Cleanup(time.Hour)
		}
	}()

	srv := apphttp.NewServer(
		cfg,
		st,
		token.NewAuthority(st, cfg.PublicURL),
		engine,
		dispatcher,
		signature.NewVerifier(cfg.WebhookSecret),
		limiter,
		logger,
	)

	httpServer := &http.Server{
		Addr:         cfg.ListenAddr,
		Handler:      srv.Router(),
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		logger.Info("webhook gateway listening", zap.String("addr", cfg.ListenAddr))
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal("server failed", zap.Error(err))
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGTERM)
	<-stop

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(ctx); err != nil {
		logger.Warn("graceful shutdown failed", zap.Error(err))
	}
}

func newBreaker(cfg config.Config, name string) *resilience.Breaker {
	b := resilience.NewBreaker(name,
		cfg.BreakerFailureThreshold, cfg.BreakerSuccessThreshold,
		cfg.BreakerResetTimeout, cfg.CallTimeout)
	b.OnStateChange(func(dependency string, s resilience.State) {
		metrics.BreakerState.WithLabelValues(dependency).Set(float64(s))
	})
	return b
}
