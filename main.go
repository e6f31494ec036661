package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"careconnect-backend/config"
	"careconnect-backend/consent"
	"careconnect-backend/database"
	"careconnect-backend/ledger"
	"careconnect-backend/logging"
	"careconnect-backend/middlewares"
	"careconnect-backend/routes"
	"careconnect-backend/tokens"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/cors"
	"github.com/gofiber/fiber/v2/middleware/limiter"
	"github.com/gofiber/fiber/v2/middleware/recover"
	"github.com/sirupsen/logrus"
)

func main() {
	cfg := config.Load()
	log := logging.New(cfg.LogLevel)
	svc := log.WithField("service", cfg.ServiceName)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// ---- Stores (in-memory unless DATABASE_URL / REDIS_URL are set)
	var (
		ledgerStore  ledger.Store  = ledger.NewMemoryStore()
		consentStore consent.Store = consent.NewMemoryStore()
		tokenStore   tokens.Store  = tokens.NewMemoryStore()
	)
	if cfg.DatabaseURL != "" {
		db, err := database.Connect(cfg.DatabaseURL, svc)
		if err != nil {
			svc.WithError(err).Fatal("database_connect_failed")
		}
		if err := database.Migrate(db); err != nil {
			svc.WithError(err).Fatal("database_migrate_failed")
		}
		ledgerStore = database.NewLedgerStore(db)
		consentStore = database.NewConsentStore(db)
	}
	if cfg.RedisURL != "" {
		rdb, err := database.ConnectRedis(ctx, cfg.RedisURL)
		if err != nil {
			svc.WithError(err).Fatal("redis_connect_failed")
		}
		defer rdb.Close()
		tokenStore = database.NewTokenStore(rdb)
	}

	// ---- Core services
	l := ledger.New(ledgerStore, ledger.WithTTL(cfg.IdempotencyTTL), ledger.WithLogger(svc))
	gate := consent.NewGate(consentStore, consent.WithLogger(svc))
	registry := tokens.NewRegistry(tokenStore,
		tokens.WithPolicy(tokens.Policy{MinTTL: cfg.TokenMinTTL, MaxTTL: cfg.TokenMaxTTL}),
		tokens.WithLogger(svc))

	validator, err := buildValidator(cfg)
	if err != nil {
		svc.WithError(err).Fatal("auth_config_invalid")
	}

	// ---- Fiber app with global error handler + body limit
	// Immutable: ledger keys, token ids and user ids outlive the request, so fiber must not
	// hand out strings backed by its reused buffers.
	app := fiber.New(fiber.Config{
		ErrorHandler:          middlewares.ErrorHandler,
		BodyLimit:             cfg.BodyLimitBytes,
		DisableStartupMessage: true,
		Immutable:             true,
	})

	app.Use(recover.New())
	app.Use(middlewares.Correlation(svc))

	// ---- CORS
	app.Use(cors.New(cors.Config{
		AllowOrigins:     cfg.AllowedOrigins,
		AllowCredentials: false, // using Bearer tokens, not cookies
		AllowHeaders:     "Origin, Content-Type, Accept, Authorization, Idempotency-Key, X-Correlation-Id, X-Demo-User, X-Tenant",
		ExposeHeaders:    "X-Correlation-Id, Idempotent-Replayed",
	}))

	// ---- Global rate limiter (client IP keyed)
	app.Use(limiter.New(limiter.Config{
		Max:        cfg.RateLimitMax,
		Expiration: cfg.RateLimitWindow,
	}))

	routes.Register(app, routes.Deps{
		Ledger:      l,
		Gate:        gate,
		Registry:    registry,
		Validator:   validator,
		ServiceName: cfg.ServiceName,
	})

	go sweep(ctx, svc, cfg.SweepInterval, l, registry)

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := app.ShutdownWithContext(shutdownCtx); err != nil {
			svc.WithError(err).Error("shutdown_failed")
		}
	}()

	svc.WithFields(logrus.Fields{
		"port":            cfg.Port,
		"auth_mode":       cfg.AuthMode,
		"idempotency_ttl": l.TTL().String(),
		"token_ttl_min":   registry.Policy().MinTTL.String(),
		"token_ttl_max":   registry.Policy().MaxTTL.String(),
	}).Info("service_started")
	if err := app.Listen(":" + cfg.Port); err != nil {
		svc.WithError(err).Fatal("listen_failed")
	}
	svc.Info("service_stopped")
}

func buildValidator(cfg config.Config) (middlewares.Validator, error) {
	if cfg.AuthMode == "jwt" {
		v, err := middlewares.NewJWTValidator(cfg.JWTSecret)
		if err != nil {
			return nil, err
		}
		return v, nil
	}
	return middlewares.DemoValidator{}, nil
}

// sweep purges expired ledger records and tokens. Correctness never depends on it.
func sweep(ctx context.Context, log logrus.FieldLogger, every time.Duration, l *ledger.Ledger, r *tokens.Registry) {
	if every <= 0 {
		return
	}
	t := time.NewTicker(every)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			records, err := l.Sweep(ctx)
			if err != nil {
				log.WithError(err).Warn("ledger_sweep_failed")
			}
			toks, err := r.Sweep(ctx)
			if err != nil {
				log.WithError(err).Warn("token_sweep_failed")
			}
			if records+toks > 0 {
				log.WithFields(logrus.Fields{"records": records, "tokens": toks}).Debug("sweep_completed")
			}
		}
	}
}
