package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jackc/pgx/v5/stdlib"
	"github.com/jmoiron/sqlx"
	"github.com/joho/godotenv"
	"github.com/redis/go-redis/v9"

	"github.com/homelab-dash/gatekeeper/internal/archive"
	"github.com/homelab-dash/gatekeeper/internal/audit"
	"github.com/homelab-dash/gatekeeper/internal/auth"
	"github.com/homelab-dash/gatekeeper/internal/config"
	"github.com/homelab-dash/gatekeeper/internal/csrf"
	"github.com/homelab-dash/gatekeeper/internal/health"
	"github.com/homelab-dash/gatekeeper/internal/logger"
	"github.com/homelab-dash/gatekeeper/internal/metrics"
	authmw "github.com/homelab-dash/gatekeeper/internal/middleware"
	"github.com/homelab-dash/gatekeeper/internal/ratelimit"
	"github.com/homelab-dash/gatekeeper/internal/repository"
	"github.com/homelab-dash/gatekeeper/internal/session"
)

// Version is set at build time
var Version = "dev"

func main() {
	// .env is optional; real deployments set the environment directly.
	_ = godotenv.Load()

	cfg := config.Load()
	log := logger.New(logger.DefaultConfig())
	slog.SetDefault(log)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	dbPool, err := setupDatabase(ctx, cfg, log)
	if err != nil {
		log.Error("failed to connect to database", slog.String("error", err.Error()))
		os.Exit(1)
	}
	defer dbPool.Close()

	// sqlx rides on the same pool through the stdlib adapter. Only the
	// audit repository uses it.
	sqlDB := stdlib.OpenDBFromPool(dbPool)
	sqlxDB := sqlx.NewDb(sqlDB, "pgx")

	var redisClient *redis.Client
	if cfg.Redis.Addr != "" {
		redisClient = redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		defer redisClient.Close()
		if err := redisClient.Ping(ctx).Err(); err != nil {
			log.Error("failed to connect to redis", slog.String("error", err.Error()))
			os.Exit(1)
		}
	}

	// Repositories
	userRepo := repository.NewUserRepository(dbPool)
	sessionRepo := repository.NewSessionRepository(dbPool)
	auditRepo := repository.NewAuditRepository(sqlxDB)
	historyRepo := repository.NewPasswordHistoryRepository(dbPool)

	// Services
	recorder := audit.NewRecorder(auditRepo, log)
	sessionManager := session.NewManager(sessionRepo, recorder, cfg.Session, log)

	hasher, err := auth.NewPasswordHasher()
	if err != nil {
		log.Error("failed to initialize password hasher", slog.String("error", err.Error()))
		os.Exit(1)
	}
	policy := auth.NewPasswordPolicy(cfg.Password)
	authService := auth.NewService(userRepo, historyRepo, sessionManager, recorder, hasher, policy, cfg.Lockout, log)

	if err := authService.Bootstrap(ctx, cfg.Bootstrap); err != nil {
		log.Error("bootstrap failed", slog.String("error", err.Error()))
		os.Exit(1)
	}

	// Rate limiting. The in-process store is only correct for a single
	// replica; point REDIS_ADDR at a shared instance otherwise.
	var store ratelimit.Store
	if redisClient != nil {
		store = ratelimit.NewRedisStore(redisClient)
	} else {
		store = ratelimit.NewMemoryStore(ctx)
	}
	globalLimiter := ratelimit.NewLimiter(store,
		ratelimit.Rule{Name: "global_hourly", Limit: cfg.RateLimit.GlobalPerHour, Window: time.Hour},
		ratelimit.Rule{Name: "global_daily", Limit: cfg.RateLimit.GlobalPerDay, Window: 24 * time.Hour},
	)
	loginLimiter := ratelimit.NewLimiter(store,
		ratelimit.Rule{Name: "login", Limit: cfg.RateLimit.LoginAttempts, Window: cfg.RateLimit.LoginWindow},
	)

	// Handlers and middleware
	authHandler := auth.NewHandler(authService, sessionManager, userRepo, cfg.Session, cfg.Server.SecureCookies, log)
	auditHandler := audit.NewHandler(recorder)
	healthHandler := health.NewHandler(health.Config{
		DBPool:      dbPool,
		RedisClient: redisClient,
		Version:     Version,
	})

	sessionMw := authmw.NewSessionMiddleware(sessionManager, userRepo, recorder, cfg.Session.CookieName, log)
	csrfGuard := csrf.NewGuard(recorder, log)
	loggingMw := authmw.NewLoggingMiddleware(log)
	globalRateMw := authmw.NewRateLimitMiddleware(globalLimiter, recorder, "global", log)
	loginRateMw := authmw.NewRateLimitMiddleware(loginLimiter, recorder, "login", log)

	// Background workers
	go sessionManager.StartSweeper(ctx)
	if exporter := archive.NewExporter(cfg.Archive, auditRepo, log); exporter != nil {
		go exporter.Run(ctx)
	} else {
		log.Info("audit archive exporter disabled")
	}

	// Router
	r := chi.NewRouter()
	r.Use(chimw.RequestID)
	r.Use(chimw.RealIP)
	r.Use(chimw.Recoverer)
	r.Use(chimw.Timeout(60 * time.Second))
	r.Use(loggingMw.Handler)
	r.Use(metrics.Middleware)

	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   []string{"http://localhost:3000"},
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Content-Type", csrf.HeaderName},
		ExposedHeaders:   []string{"Retry-After"},
		AllowCredentials: true,
		MaxAge:           300,
	}))

	r.Get("/health", healthHandler.Health)
	r.Get("/health/ready", healthHandler.Readiness)
	r.Get("/health/live", healthHandler.Liveness)
	r.Handle("/metrics", metrics.Handler())

	r.Group(func(r chi.Router) {
		r.Use(globalRateMw.Handler)
		auth.RegisterRoutes(r, authHandler, auditHandler, sessionMw, csrfGuard, loginRateMw.Handler)
	})

	addr := cfg.Server.Host + ":" + cfg.Server.Port
	srv := &http.Server{
		Addr:         addr,
		Handler:      r,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		log.Info("server listening", slog.String("addr", addr), slog.String("version", Version))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Error("server failed", slog.String("error", err.Error()))
			stop()
		}
	}()

	<-ctx.Done()

	log.Info("shutting down")
	healthHandler.SetReady(false)

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error("forced shutdown", slog.String("error", err.Error()))
		os.Exit(1)
	}

	log.Info("server exited")
}

// setupDatabase creates and configures the database connection pool
func setupDatabase(ctx context.Context, cfg *config.Config, log *slog.Logger) (*pgxpool.Pool, error) {
	connectCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	poolConfig, err := pgxpool.ParseConfig(cfg.Database.DSN())
	if err != nil {
		return nil, fmt.Errorf("failed to parse database config: %w", err)
	}

	poolConfig.MaxConns = 20
	poolConfig.MinConns = 2
	poolConfig.MaxConnLifetime = 5 * time.Minute
	poolConfig.MaxConnIdleTime = 1 * time.Minute
	poolConfig.HealthCheckPeriod = 30 * time.Second

	pool, err := pgxpool.NewWithConfig(connectCtx, poolConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to create database pool: %w", err)
	}

	if err := pool.Ping(connectCtx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	log.Info("connected to database",
		slog.String("database", cfg.Database.DBName),
		slog.String("host", cfg.Database.Host))
	return pool, nil
}
