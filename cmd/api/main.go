package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"electricity-vending/config"
	"electricity-vending/internal/adapter/delivery"
	"electricity-vending/internal/adapter/gateway"
	httpHandler "electricity-vending/internal/adapter/http/handler"
	memStorage "electricity-vending/internal/adapter/storage/memory"
	pgStorage "electricity-vending/internal/adapter/storage/postgres"
	redisStorage "electricity-vending/internal/adapter/storage/redis"
	"electricity-vending/internal/circuitbreaker"
	"electricity-vending/internal/core/ports"
	"electricity-vending/internal/metrics"
	"electricity-vending/internal/service"
	"electricity-vending/pkg/logger"

	"github.com/bwmarrin/snowflake"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/rs/zerolog"
)

// storage bundles the repository ports for the configured driver.
type storage struct {
	purchases  ports.PurchaseRepository
	meters     ports.MeterRepository
	tariffs    ports.TariffRepository
	idempotent ports.IdempotencyRepository
	transactor ports.DBTransactor
	health     ports.HealthChecker
	close      func()
}

func main() {
	// Load configuration
	cfg, err := config.Load("")
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}

	// Initialize logger
	log := logger.New(cfg.Log.Level, cfg.Log.Pretty)

	log.Info().
		Str("mode", cfg.Server.Mode).
		Int("port", cfg.Server.Port).
		Str("database", cfg.Database.Driver).
		Msg("Starting Electricity Vending service")

	ctx, stop := context.WithCancel(context.Background())
	defer stop()

	// Storage
	store, err := openStorage(ctx, cfg, log)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to initialize storage")
	}
	defer store.close()
	healthCheckers := []ports.HealthChecker{store.health}

	// Optional Redis: idempotency cache, callback nonces, delivery locks, rate limits
	var (
		idempCache     ports.IdempotencyCache
		nonceStore     ports.NonceStore
		locker         ports.Locker
		rateLimitStore *redisStorage.RateLimitStore
	)
	if cfg.Redis.Enabled {
		rdb, err := redisStorage.NewClient(ctx, cfg.Redis, log)
		if err != nil {
			log.Fatal().Err(err).Msg("Failed to connect to Redis")
		}
		defer rdb.Close()
		log.Info().Msg("Redis connected")

		idempCache = redisStorage.NewIdempotencyCache(rdb)
		nonceStore = redisStorage.NewNonceStore(rdb)
		locker = redisStorage.NewLockStore(rdb)
		rateLimitStore = redisStorage.NewRateLimitStore(rdb)
		healthCheckers = append(healthCheckers, redisStorage.NewHealthCheck(rdb))
	} else {
		log.Warn().Msg("Redis disabled: no rate limiting, callback nonces or delivery locks")
	}

	// Metrics
	var (
		m        *metrics.Metrics
		gatherer prometheus.Gatherer
	)
	if cfg.Metrics.Enabled {
		registry := prometheus.NewRegistry()
		registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
		m = metrics.New(registry)
		gatherer = registry
	}

	breakers := circuitbreaker.NewManagerFromConfig(cfg.CircuitBreaker, m, log)

	refNode, err := snowflake.NewNode(cfg.Vending.NodeID)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to initialize reference generator")
	}

	// Core services
	encSvc, err := service.NewAESEncryptionService(cfg.AES.Key)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to initialize encryption service")
	}
	sigSvc := service.NewHMACSignatureService()
	tokenSvc := service.NewJWTTokenService(cfg.JWT.Secret, cfg.JWT.Expiry, cfg.JWT.Issuer)

	fixedFee, feeRate, vatRate, serviceFee, err := cfg.Vending.FeeSchedule()
	if err != nil {
		log.Fatal().Err(err).Msg("Invalid fee schedule")
	}
	minAmount, maxAmount, err := cfg.Vending.AmountLimits()
	if err != nil {
		log.Fatal().Err(err).Msg("Invalid amount limits")
	}
	fees := service.NewFeeEngine(service.FeeSchedule{
		FixedMinimumFee: fixedFee,
		FeeRate:         feeRate,
		VATRate:         vatRate,
		ServiceFee:      serviceFee,
	})

	issuer, err := service.NewTokenIssuer(service.TokenIssuerConfig{
		Secret:    cfg.Vending.Token.Secret,
		VendorID:  cfg.Vending.Token.VendorID,
		Length:    cfg.Vending.Token.Length,
		GroupSize: cfg.Vending.Token.GroupSize,
		Expiry:    cfg.Vending.Token.Expiry,
	}, log)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to initialize token issuer")
	}

	var channel ports.DeliveryChannel
	switch cfg.Vending.Delivery.Channel {
	case delivery.ChannelWebhook:
		channel = delivery.NewWebhookChannel(
			cfg.Vending.Delivery.WebhookURL,
			cfg.Vending.Notification.Secret,
			sigSvc,
			&http.Client{Timeout: cfg.Vending.Delivery.Timeout},
		)
	default:
		channel = delivery.NewLogChannel(log)
	}

	meterSvc := service.NewMeterService(store.meters, m, log)
	deliverySvc := service.NewDeliveryService(
		store.purchases,
		channel,
		encSvc,
		locker,
		breakers,
		m,
		service.DeliveryConfig{
			GroupSize: cfg.Vending.Token.GroupSize,
			Timeout:   cfg.Vending.Delivery.Timeout,
			LockTTL:   cfg.Vending.Delivery.LockTTL,
		},
		log,
	)
	notifier := service.NewNotificationService(
		service.NotificationConfig{
			URL:     cfg.Vending.Notification.URL,
			Secret:  cfg.Vending.Notification.Secret,
			Timeout: cfg.Vending.Notification.Timeout,
		},
		sigSvc,
		&http.Client{Timeout: cfg.Vending.Notification.Timeout},
		breakers,
		m,
		log,
	)

	deps := service.PurchaseServiceDeps{
		PurchaseRepo: store.purchases,
		MeterRepo:    store.meters,
		TariffRepo:   store.tariffs,
		IdempRepo:    store.idempotent,
		IdempCache:   idempCache,
		MeterSvc:     meterSvc,
		Issuer:       issuer,
		Fees:         fees,
		EncSvc:       encSvc,
		Transactor:   store.transactor,
		Delivery:     deliverySvc,
		Notifier:     notifier,
		RefNode:      refNode,
		Metrics:      m,
	}
	purchaseSvc := service.NewPurchaseService(deps, service.PurchaseConfig{
		MinAmount:           minAmount,
		MaxAmount:           maxAmount,
		MaxDeliveryAttempts: cfg.Vending.Delivery.MaxAttempts,
	}, log)

	// Settlement workers resolve pending purchases against the gateway
	payGateway := gateway.NewSimulated(gateway.SimulatedConfig{
		SuccessRate: cfg.Vending.Gateway.SuccessRate,
		Latency:     cfg.Vending.Gateway.Latency,
	}, refNode, nil, log)
	worker := service.NewSettlementWorker(purchaseSvc, payGateway, breakers, m, service.SettlementConfig{
		Workers:      cfg.Vending.Settlement.Workers,
		QueueSize:    cfg.Vending.Settlement.QueueSize,
		MaxAttempts:  cfg.Vending.Settlement.MaxAttempts,
		RetryBackoff: cfg.Vending.Settlement.RetryBackoff,
	}, log)
	purchaseSvc.SetSettlementQueue(worker)
	worker.Start(ctx)

	// Load OpenAPI spec for Swagger UI
	if specBytes, err := os.ReadFile("docs/api/openapi.yaml"); err == nil {
		httpHandler.SetSwaggerSpec(specBytes)
		log.Info().Msg("OpenAPI spec loaded for Swagger UI at /swagger")
	} else {
		log.Warn().Err(err).Msg("OpenAPI spec not found, Swagger UI will be unavailable")
	}

	// Setup Gin router with all routes
	router := httpHandler.SetupRouter(httpHandler.RouterDeps{
		PurchaseSvc:    purchaseSvc,
		DeliverySvc:    deliverySvc,
		MeterSvc:       meterSvc,
		SigSvc:         sigSvc,
		NonceStore:     nonceStore,
		TokenSvc:       tokenSvc,
		CallbackSecret: cfg.Vending.Settlement.Secret,
		RateLimitStore: rateLimitStore,
		HealthCheckers: healthCheckers,
		Metrics:        m,
		Gatherer:       gatherer,
		MetricsPath:    cfg.Metrics.Path,
		TokenGroupSize: cfg.Vending.Token.GroupSize,
		Logger:         log,
	})

	// HTTP Server with graceful shutdown
	addr := fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port)
	srv := &http.Server{
		Addr:              addr,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	// Start server in goroutine
	go func() {
		log.Info().Str("addr", addr).Msg("HTTP server listening")
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal().Err(err).Msg("HTTP server failed")
		}
	}()

	// Graceful shutdown
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	log.Info().Msg("Shutting down server...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("Server forced to shutdown")
	}

	// Drain settlements, then let in-flight notifications finish
	worker.Stop()
	notifier.Wait()
	stop()

	log.Info().Msg("Server exited")
}

func openStorage(ctx context.Context, cfg *config.Config, log zerolog.Logger) (*storage, error) {
	if cfg.Database.Driver == "memory" {
		s := memStorage.NewStore()
		memStorage.SeedDemo(s)
		log.Warn().Msg("Using in-memory storage seeded with demo meters")
		return &storage{
			purchases:  memStorage.NewPurchaseRepo(s),
			meters:     memStorage.NewMeterRepo(s),
			tariffs:    memStorage.NewTariffRepo(s),
			idempotent: memStorage.NewIdempotencyRepo(s),
			transactor: s,
			health:     s,
			close:      func() {},
		}, nil
	}

	pool, err := pgStorage.NewPool(ctx, cfg.Database, log)
	if err != nil {
		return nil, err
	}
	log.Info().Msg("PostgreSQL connected")

	return &storage{
		purchases:  pgStorage.NewPurchaseRepo(pool),
		meters:     pgStorage.NewMeterRepo(pool),
		tariffs:    pgStorage.NewTariffRepo(pool),
		idempotent: pgStorage.NewIdempotencyRepo(pool),
		transactor: pgStorage.NewTransactor(pool),
		health:     pgStorage.NewHealthCheck(pool),
		close:      pool.Close,
	}, nil
}
