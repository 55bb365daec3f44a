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

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/go-chi/httprate"
	"github.com/redis/go-redis/v9"
	"github.com/unrolled/secure"

	"github.com/medflow/pharmacy-ledger/internal/ledger/consumers"
	"github.com/medflow/pharmacy-ledger/internal/ledger/domain"
	"github.com/medflow/pharmacy-ledger/internal/ledger/events"
	"github.com/medflow/pharmacy-ledger/internal/ledger/handler"
	"github.com/medflow/pharmacy-ledger/internal/ledger/repository"
	"github.com/medflow/pharmacy-ledger/internal/ledger/service"
	"github.com/medflow/pharmacy-ledger/pkg/auth"
	"github.com/medflow/pharmacy-ledger/pkg/clock"
	"github.com/medflow/pharmacy-ledger/pkg/config"
	"github.com/medflow/pharmacy-ledger/pkg/database"
	"github.com/medflow/pharmacy-ledger/pkg/errors"
	"github.com/medflow/pharmacy-ledger/pkg/httputil"
	"github.com/medflow/pharmacy-ledger/pkg/i18n"
	"github.com/medflow/pharmacy-ledger/pkg/idempotency"
	"github.com/medflow/pharmacy-ledger/pkg/logger"
	"github.com/medflow/pharmacy-ledger/pkg/messaging"
)

const serviceName = "ledger-service"

func main() {
	// Load configuration with validation (fails fast in production if required config is missing)
	cfg, err := config.LoadWithValidation(serviceName)
	if err != nil {
		fmt.Fprintf(os.Stderr, "configuration error: %v\n", err)
		os.Exit(1)
	}

	log := logger.NewWithOptions(serviceName, cfg.Server.Environment, logger.Options{
		Level:      cfg.Logging.Level,
		File:       cfg.Logging.File,
		MaxSizeMB:  cfg.Logging.MaxSizeMB,
		MaxBackups: cfg.Logging.MaxBackups,
		MaxAgeDays: cfg.Logging.MaxAgeDays,
	})
	log.Info().Msg("starting Pharmacy Ledger Service")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	loc, err := time.LoadLocation(cfg.Scheduler.Timezone)
	if err != nil {
		log.Fatal().Err(err).Str("timezone", cfg.Scheduler.Timezone).Msg("unknown scheduler timezone")
	}
	clk := clock.System(loc)

	// Connect to database
	db, err := database.New(&cfg.Database, log)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to connect to database")
	}
	defer db.Close()

	if cfg.Database.AutoMigrate {
		if err := repository.Migrate(ctx, db); err != nil {
			log.Fatal().Err(err).Msg("failed to apply schema")
		}
		log.Info().Msg("ledger schema applied")
	}

	store := repository.NewStore(db, database.RetryPolicy{
		MaxRetries: cfg.Engine.MaxRetries,
		Backoff:    cfg.Engine.RetryBackoff,
	})

	// Idempotency keys live in Redis
	var idem *idempotency.Store
	var redisClient *redis.Client
	if cfg.Idempotency.Enabled {
		redisClient, err = idempotency.Connect(ctx, cfg.Redis.Addr, cfg.Redis.Password, cfg.Redis.DB)
		if err != nil {
			log.Fatal().Err(err).Msg("failed to connect to Redis")
		}
		defer redisClient.Close()
		idem = idempotency.New(redisClient, cfg.Idempotency.TTL)
	}

	// Connect to RabbitMQ
	rmq, err := messaging.New(&cfg.RabbitMQ, log)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to connect to RabbitMQ")
	}
	defer rmq.Close()

	publisher, err := events.NewLedgerEventPublisher(rmq, log)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to create event publisher")
	}

	policy, err := domain.ParseCertificatePolicy(cfg.Compliance.CertificatePolicy)
	if err != nil {
		log.Fatal().Err(err).Msg("invalid compliance configuration")
	}

	// Services
	lowStock := service.LowStockPolicy{}
	catalog := service.NewCatalogService(store, clk, log)
	lots := service.NewLotLedger(store, clk, publisher, log)
	registry := service.NewPrescriptionRegistry(store, clk, log)
	engine := service.NewMovementEngine(store, lots, domain.NewComplianceGate(policy), idem, publisher, clk, log)
	scanner := service.NewAlertScanner(store, publisher, lowStock, cfg.Scheduler.ExpiryWindowDays, log)
	reports := service.NewReportService(store, scanner, clk, log)

	// Keep the local user directory in sync
	userConsumer, err := consumers.NewUserEventConsumer(rmq, consumers.NewUserEventHandler(store, clk, log), log)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to create user event consumer")
	}
	if err := userConsumer.Start(ctx); err != nil {
		log.Fatal().Err(err).Msg("failed to start user event consumer")
	}

	if cfg.Scheduler.Enabled {
		scheduler, err := service.NewAlertScheduler(lots, scanner, clk, loc, cfg.Scheduler.SweepSpec, cfg.Scheduler.ScanSpec, log)
		if err != nil {
			log.Fatal().Err(err).Msg("invalid scheduler configuration")
		}
		scheduler.Start()
		defer scheduler.Stop()
	}

	handlers := &handler.Handlers{
		Products:      handler.NewProductHandler(catalog, lots, reports, clk, log),
		Movements:     handler.NewMovementHandler(engine, catalog, lots, clk, log),
		Prescriptions: handler.NewPrescriptionHandler(registry, reports, clk, log),
		Alerts:        handler.NewAlertHandler(scanner, reports, lowStock, cfg.Scheduler.ExpiryWindowDays, clk, log),
	}
	if cfg.Server.CommitRateLimit > 0 {
		handlers.CommitLimit = httprate.Limit(cfg.Server.CommitRateLimit, time.Minute,
			httprate.WithKeyFuncs(httprate.KeyByIP),
			httprate.WithLimitHandler(func(w http.ResponseWriter, r *http.Request) {
				httputil.Error(w, r, errors.New("RATE_LIMITED", "too many movement commits", http.StatusTooManyRequests))
			}),
		)
	}

	secureHeaders := secure.New(secure.Options{
		FrameDeny:          true,
		ContentTypeNosniff: true,
		BrowserXssFilter:   true,
		ReferrerPolicy:     "strict-origin-when-cross-origin",
		SSLProxyHeaders:    map[string]string{"X-Forwarded-Proto": "https"},
		IsDevelopment:      cfg.Server.Environment == config.EnvDevelopment,
	})

	// Create router
	r := chi.NewRouter()

	r.Use(middleware.RealIP)
	r.Use(httputil.RequestID)
	r.Use(httputil.Logger(log))
	r.Use(httputil.Recoverer(log))
	r.Use(secureHeaders.Handler)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   cfg.Server.AllowedOrigins,
		AllowedMethods:   []string{"GET", "POST", "PUT", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "X-Request-ID", "Accept-Language", handler.IdempotencyHeader},
		ExposedHeaders:   []string{"X-Request-ID", "Content-Disposition", "Retry-After"},
		AllowCredentials: true,
		MaxAge:           300,
	}))
	r.Use(i18n.Middleware)

	// Health check
	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		health := map[string]interface{}{
			"status":   "healthy",
			"service":  serviceName,
			"database": db.Health(r.Context()),
			"rabbitmq": rmq.Health(),
		}
		if redisClient != nil {
			status := "healthy"
			if err := redisClient.Ping(r.Context()).Err(); err != nil {
				status = "unhealthy: " + err.Error()
			}
			health["redis"] = status
		}
		httputil.JSON(w, http.StatusOK, health)
	})

	verifier := auth.NewVerifier(cfg.JWT.Secret, cfg.JWT.Issuer)
	r.Route("/api/v1/ledger", func(r chi.Router) {
		r.Use(httputil.Authenticate(verifier))
		handlers.Routes(r)
	})

	// Create server
	addr := fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port)
	srv := &http.Server{
		Addr:         addr,
		Handler:      r,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	go func() {
		log.Info().
			Str("addr", addr).
			Str("certificate_policy", string(policy)).
			Bool("idempotency", idem != nil).
			Str("origins", strings.Join(cfg.Server.AllowedOrigins, ",")).
			Msg("server listening")
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal().Err(err).Msg("server error")
		}
	}()

	// Wait for interrupt signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info().Msg("shutting down server")

	// Cancel context to stop consumers
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("server forced to shutdown")
	}

	log.Info().Msg("server stopped")
}
