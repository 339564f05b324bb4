// AngelaMos | 2026
// main.go

package main

import (
	"context"
	"flag"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/carterperez-dev/session-service/internal/admin"
	"github.com/carterperez-dev/session-service/internal/config"
	"github.com/carterperez-dev/session-service/internal/core"
	"github.com/carterperez-dev/session-service/internal/health"
	"github.com/carterperez-dev/session-service/internal/middleware"
	"github.com/carterperez-dev/session-service/internal/server"
	"github.com/carterperez-dev/session-service/internal/session"
	"github.com/carterperez-dev/session-service/internal/token"
	"github.com/carterperez-dev/session-service/internal/user"
)

const (
	drainDelay = 5 * time.Second
)

func main() {
	configPath := flag.String("config", "config.yaml", "path to config file")
	genKeys := flag.Bool("genkeys", false, "generate a signing key pair and exit")
	flag.Parse()

	if *genKeys {
		if err := generateKeys(*configPath); err != nil {
			slog.Error("key generation failed", "error", err)
			os.Exit(1)
		}
		return
	}

	if err := run(*configPath); err != nil {
		slog.Error("application error", "error", err)
		os.Exit(1)
	}
}

//nolint:funlen // bootstrap code is inherently verbose
func run(configPath string) error {
	ctx, stop := signal.NotifyContext(
		context.Background(),
		syscall.SIGINT,
		syscall.SIGTERM,
	)
	defer stop()

	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}

	logger := setupLogger(cfg.Log)
	slog.SetDefault(logger)

	logger.Info("starting application",
		"name", cfg.App.Name,
		"version", cfg.App.Version,
		"environment", cfg.App.Environment,
	)

	var telemetry *core.Telemetry
	if cfg.Otel.Enabled {
		tel, telErr := core.NewTelemetry(ctx, cfg.Otel, cfg.App)
		if telErr != nil {
			logger.Warn("failed to initialize telemetry", "error", telErr)
		} else {
			telemetry = tel
			logger.Info("OpenTelemetry tracer initialized",
				"endpoint", cfg.Otel.Endpoint,
			)
		}
	}

	db, err := core.NewDatabase(ctx, cfg.Database)
	if err != nil {
		return err
	}
	logger.Info("database connected",
		"max_open_conns", cfg.Database.MaxOpenConns,
		"max_idle_conns", cfg.Database.MaxIdleConns,
	)

	redis, err := core.NewRedis(ctx, cfg.Redis)
	if err != nil {
		return err
	}
	logger.Info("redis connected",
		"pool_size", cfg.Redis.PoolSize,
	)

	codec, err := token.NewCodec(cfg.JWT)
	if err != nil {
		return err
	}
	logger.Info("token codec initialized",
		"algorithm", "ES256",
		"key_id", codec.KeyID(),
	)

	userRepo := user.NewRepository(db.DB)
	userSvc := user.NewService(userRepo)

	sessionStore := session.NewStore(db.DB)

	txRunner := session.NewTxRunner(db.DB,
		func(tx core.DBTX) (session.Store, session.SubjectProvider) {
			return session.NewStore(tx), user.NewService(user.NewRepository(tx))
		},
	)

	audit := session.NewAuditRecorder(
		redis.Client,
		cfg.Audit.Stream,
		cfg.Audit.BufferSize,
	)

	sessionSvc := session.NewService(
		sessionStore,
		userSvc,
		codec,
		audit,
		txRunner,
	)

	sessionHandler := session.NewHandler(sessionSvc, session.CookieConfig{
		Name:   cfg.Session.CookieName,
		Path:   cfg.Session.CookiePath,
		Domain: cfg.Session.CookieDomain,
		Secure: cfg.IsProduction(),
		MaxAge: int(cfg.JWT.RefreshTokenExpire.Seconds()),
	})

	healthHandler := health.NewHandler(db, redis)

	adminHandler := admin.NewHandler(admin.HandlerConfig{
		DBStats:    db.Stats,
		RedisStats: redis.PoolStats,
		DBPing:     db.Ping,
		RedisPing:  redis.Ping,
		Sessions:   sessionSvc,
		Retention:  cfg.Session.Retention,
	})

	srv := server.New(server.Config{
		ServerConfig:  cfg.Server,
		HealthHandler: healthHandler,
		Logger:        logger,
	})

	router := srv.Router()

	router.Use(middleware.RequestID)
	router.Use(middleware.Logger(logger))
	router.Use(
		middleware.NewRateLimiter(redis.Client, middleware.RateLimitConfig{
			Limit: middleware.PerMinute(
				cfg.RateLimit.Requests,
				cfg.RateLimit.Burst,
			),
			FailOpen: true,
		}).Handler,
	)
	router.Use(middleware.SecurityHeaders(cfg.IsProduction()))
	router.Use(middleware.CORS(cfg.CORS))

	healthHandler.RegisterRoutes(router)

	router.Get("/.well-known/jwks.json", codec.JWKSHandler())

	authenticator := middleware.Authenticator(codec)

	// Credential endpoints get a tighter, per-endpoint budget on top of the
	// global limit so login bursts cannot hide inside the general quota.
	authLimiter := middleware.NewRateLimiter(redis.Client, middleware.RateLimitConfig{
		Limit:    middleware.PerMinute(20, 5),
		KeyFunc:  middleware.KeyByIPAndEndpoint,
		FailOpen: true,
	})

	router.Route("/v1", func(r chi.Router) {
		r.Group(func(r chi.Router) {
			r.Use(authLimiter.Handler)
			sessionHandler.RegisterRoutes(r, authenticator)
		})
		adminHandler.RegisterRoutes(r, authenticator)
	})

	janitorDone := startJanitor(ctx, logger, sessionSvc, cfg.Session)

	errChan := make(chan error, 1)
	go func() {
		errChan <- srv.Start()
	}()

	select {
	case err := <-errChan:
		return err
	case <-ctx.Done():
		logger.Info("shutdown signal received")
	}

	shutdownCtx, cancel := context.WithTimeout(
		context.Background(),
		cfg.Server.ShutdownTimeout+drainDelay+5*time.Second,
	)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx, drainDelay); err != nil {
		logger.Error("server shutdown error", "error", err)
	}

	<-janitorDone

	if telemetry != nil {
		if err := telemetry.Shutdown(shutdownCtx); err != nil {
			logger.Error("telemetry shutdown error", "error", err)
		}
	}

	audit.Close()

	if err := redis.Close(); err != nil {
		logger.Error("redis close error", "error", err)
	}

	if err := db.Close(); err != nil {
		logger.Error("database close error", "error", err)
	}

	logger.Info("application stopped")
	return nil
}

// startJanitor sweeps refresh token rows past expiry plus the retention
// window. Revocation correctness never depends on the sweep; it only bounds
// table growth.
func startJanitor(
	ctx context.Context,
	logger *slog.Logger,
	svc *session.Service,
	cfg config.SessionConfig,
) <-chan struct{} {
	done := make(chan struct{})

	interval := cfg.JanitorInterval
	if interval <= 0 {
		interval = time.Hour
	}

	go func() {
		defer close(done)

		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				sweepCtx, cancel := context.WithTimeout(
					context.Background(),
					30*time.Second,
				)
				deleted, err := svc.PurgeExpired(sweepCtx, cfg.Retention)
				cancel()

				if err != nil {
					logger.Error("session purge failed", "error", err)
					continue
				}
				if deleted > 0 {
					logger.Info("purged expired sessions", "deleted", deleted)
				}
			}
		}
	}()

	return done
}

func generateKeys(configPath string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}

	if err := token.GenerateKeyPair(
		cfg.JWT.PrivateKeyPath,
		cfg.JWT.PublicKeyPath,
	); err != nil {
		return err
	}

	slog.Info("signing key pair generated",
		"private_key", cfg.JWT.PrivateKeyPath,
		"public_key", cfg.JWT.PublicKeyPath,
	)
	return nil
}

func setupLogger(cfg config.LogConfig) *slog.Logger {
	var handler slog.Handler

	level := slog.LevelInfo
	switch cfg.Level {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	}

	opts := &slog.HandlerOptions{Level: level}

	if cfg.Format == "json" {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	} else {
		handler = slog.NewTextHandler(os.Stdout, opts)
	}

	return slog.New(handler)
}
