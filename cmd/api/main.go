// Package main is the entrypoint for the accounts API server.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/netip"
	"net/url"
	"os"
	"os/signal"
	"regexp"
	"strings"
	"syscall"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"

	"github.com/penshort/accounts/internal/auth"
	"github.com/penshort/accounts/internal/cache"
	"github.com/penshort/accounts/internal/config"
	"github.com/penshort/accounts/internal/events"
	"github.com/penshort/accounts/internal/handler"
	"github.com/penshort/accounts/internal/metrics"
	"github.com/penshort/accounts/internal/middleware"
	"github.com/penshort/accounts/internal/repository"
	"github.com/penshort/accounts/internal/repository/sqlite"
	"github.com/penshort/accounts/internal/server"
	"github.com/penshort/accounts/internal/service"
	"github.com/penshort/accounts/internal/token"
)

// userStore is what the API needs from a persistence backend.
type userStore interface {
	service.UserStore
	handler.HealthChecker
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Load configuration
	cfg, err := config.Load()
	if err != nil {
		slog.Error("failed to load config", "error", err)
		os.Exit(1)
	}

	// Initialize logger
	logger := initLogger(cfg)

	if err := run(ctx, cfg, logger); err != nil {
		logger.Error("server error", "error", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg *config.Config, logger *slog.Logger) error {
	// Initialize user store
	store, closeStore, err := openStore(ctx, cfg, logger)
	if err != nil {
		return err
	}

	// Initialize cache (optional)
	var cacheClient *cache.Cache
	if cfg.CacheEnabled() {
		cacheClient, err = cache.New(ctx, cfg.RedisURL)
		if err != nil {
			closeStore()
			logger.Error(
				"failed to connect to Redis",
				slog.String("error", sanitizeError(err, cfg.RedisURL)),
				slog.String("redis_url", redactURL(cfg.RedisURL)),
			)
			return errors.New("redis unavailable")
		}
		logger.Info("connected to Redis")
	} else {
		logger.Info("redis not configured; profile cache and login rate limiting disabled")
	}

	// Initialize token manager and hasher
	tokens, err := token.NewManager(token.Config{
		Secret:    cfg.JWTSecret,
		Algorithm: cfg.JWTAlgorithm,
		TTL:       cfg.JWTTTL,
	})
	if err != nil {
		closeStore()
		return fmt.Errorf("token manager: %w", err)
	}
	hasher := auth.NewHasher(auth.Params{
		Time:     cfg.Argon2Time,
		MemoryKB: cfg.Argon2MemoryKB,
		Threads:  cfg.Argon2Threads,
	})

	// Initialize services
	metricsRecorder := metrics.NewInMemory()
	svcCfg := service.UserServiceConfig{
		Store:    store,
		CacheTTL: cfg.UserCacheTTL,
		Hasher:   hasher,
		Tokens:   tokens,
		Metrics:  metricsRecorder,
		Logger:   logger,
	}
	var publisher *events.Publisher
	if cacheClient != nil {
		svcCfg.Cache = cacheClient
		if cfg.EventsEnabled {
			publisher = events.NewPublisher(cacheClient.Client(), logger, metricsRecorder)
			svcCfg.Events = publisher
		}
	}
	userService := service.NewUserService(svcCfg)

	// Validate has already rejected malformed entries.
	trustedProxies, _ := cfg.GetTrustedProxies()

	r := setupRouter(routerDeps{
		cfg:            cfg,
		logger:         logger,
		service:        userService,
		store:          store,
		cache:          cacheClient,
		tokens:         tokens,
		metrics:        metricsRecorder,
		trustedProxies: trustedProxies,
	})

	// Create and run server
	srv := server.New(r, server.Options{
		Port:            cfg.AppPort,
		ReadTimeout:     cfg.ReadTimeout,
		WriteTimeout:    cfg.WriteTimeout,
		ShutdownTimeout: cfg.ShutdownTimeout,
	}, logger)

	// LIFO: pending events drain, then the cache closes, then the store.
	srv.OnShutdown("store", func(context.Context) error {
		closeStore()
		return nil
	})
	if cacheClient != nil {
		srv.OnShutdown("cache", func(context.Context) error {
			return cacheClient.Close()
		})
	}
	if publisher != nil {
		srv.OnShutdown("events", publisher.Wait)
	}

	logger.Info("starting server",
		"port", cfg.AppPort,
		"env", cfg.AppEnv,
		"store", cfg.StoreDriver,
		"jwt_algorithm", tokens.Algorithm(),
		"jwt_ttl", tokens.TTL().String(),
	)

	return srv.Run(ctx)
}

// openStore connects the configured user store and returns it with its closer.
func openStore(ctx context.Context, cfg *config.Config, logger *slog.Logger) (userStore, func(), error) {
	switch cfg.StoreDriver {
	case config.DriverSQLite:
		store, err := sqlite.Open(ctx, cfg.SQLitePath)
		if err != nil {
			return nil, nil, fmt.Errorf("open sqlite store: %w", err)
		}
		logger.Info("opened sqlite store", slog.String("path", cfg.SQLitePath))
		return store, func() { _ = store.Close() }, nil

	default:
		if cfg.MigrateOnStart {
			if err := repository.Migrate(ctx, cfg.DatabaseURL, logger); err != nil {
				logger.Error(
					"failed to run migrations",
					slog.String("error", sanitizeError(err, cfg.DatabaseURL)),
					slog.String("database_url", redactURL(cfg.DatabaseURL)),
				)
				return nil, nil, errors.New("database migration failed")
			}
		}

		repo, err := repository.New(ctx, cfg.DatabaseURL, repository.PoolOptions{
			MaxConns: cfg.DBMaxConns,
			MinConns: cfg.DBMinConns,
		})
		if err != nil {
			logger.Error(
				"failed to connect to database",
				slog.String("error", sanitizeError(err, cfg.DatabaseURL)),
				slog.String("database_url", redactURL(cfg.DatabaseURL)),
			)
			return nil, nil, errors.New("database unavailable")
		}
		logger.Info("connected to database")
		return repo, repo.Close, nil
	}
}

// initLogger initializes the slog logger based on configuration.
func initLogger(cfg *config.Config) *slog.Logger {
	var h slog.Handler

	level := parseLogLevel(cfg.LogLevel)

	opts := &slog.HandlerOptions{
		Level: level,
	}

	if strings.EqualFold(cfg.LogFormat, "json") {
		h = slog.NewJSONHandler(os.Stdout, opts)
	} else {
		h = slog.NewTextHandler(os.Stdout, opts)
	}

	logger := slog.New(h)
	slog.SetDefault(logger)

	return logger
}

// parseLogLevel converts string log level to slog.Level.
func parseLogLevel(level string) slog.Level {
	switch strings.ToLower(level) {
	case "debug":
		return slog.LevelDebug
	case "info":
		return slog.LevelInfo
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// routerDeps carries everything setupRouter wires together.
type routerDeps struct {
	cfg     *config.Config
	logger  *slog.Logger
	service *service.UserService
	store   handler.HealthChecker
	cache   *cache.Cache
	tokens  *token.Manager
	metrics *metrics.InMemoryRecorder

	// Proxies whose forwarding headers name the client. Nil trusts none.
	trustedProxies []netip.Prefix
}

// setupRouter configures the chi router with all routes and middleware.
func setupRouter(d routerDeps) *chi.Mux {
	r := chi.NewRouter()

	// Global middleware
	r.Use(middleware.RealIP(d.trustedProxies))
	r.Use(chimiddleware.CleanPath)
	r.Use(middleware.RequestID)
	r.Use(middleware.Logger(d.logger))
	r.Use(middleware.Recoverer(d.logger))
	r.Use(middleware.Security(middleware.SecurityConfig{
		IsDevelopment:      d.cfg.IsDevelopment(),
		MaxRequestBodySize: d.cfg.MaxRequestBodySize,
	}))
	if origins := d.cfg.GetCORSAllowedOrigins(); len(origins) > 0 {
		corsCfg := middleware.DefaultCORSConfig()
		corsCfg.AllowedOrigins = origins
		r.Use(middleware.CORS(corsCfg))
	}
	r.Use(middleware.MaxBodySize(d.cfg.MaxRequestBodySize))

	h := handler.New()
	var cacheChecker handler.HealthChecker
	if d.cache != nil {
		cacheChecker = d.cache
	}
	healthHandler := handler.NewHealthHandler(d.store, cacheChecker)
	metricsHandler := handler.NewMetricsHandler(d.metrics)
	userHandler := handler.NewUserHandler(d.service, d.logger)
	authHandler := handler.NewAuthHandler(d.service, d.logger)

	// Health endpoints (no auth required)
	r.Get("/healthz", healthHandler.Healthz)
	r.Get("/readyz", healthHandler.Readyz)
	r.Get("/metrics", metricsHandler.Metrics)

	// Root info endpoint
	r.Get("/", h.Hello)

	authCfg := middleware.AuthConfig{
		Logger:  d.logger,
		Tokens:  d.tokens,
		Metrics: d.metrics,
	}

	rateLimitCfg := middleware.RateLimitConfig{
		Logger:  d.logger,
		Cache:   d.cache,
		Metrics: d.metrics,
		Enabled: d.cfg.RateLimitLoginEnabled,
		RPM:     d.cfg.RateLimitLoginRPM,
		Burst:   d.cfg.RateLimitLoginBurst,
	}

	r.With(middleware.RateLimitLogin(rateLimitCfg)).Post("/login", authHandler.Login)

	r.Route("/users", func(r chi.Router) {
		r.Post("/", userHandler.Register)
		r.Get("/{id}", userHandler.Get)

		// Mutations: authenticate, then require the caller to own the account.
		r.Group(func(r chi.Router) {
			r.Use(middleware.Auth(authCfg))
			r.Use(middleware.RequireSelf("id", d.metrics))
			r.Put("/{id}", userHandler.Update)
			r.Patch("/{id}", userHandler.Update)
			r.Delete("/{id}", userHandler.Delete)
		})
	})

	// 404 and 405 handlers
	r.NotFound(h.NotFound)
	r.MethodNotAllowed(h.MethodNotAllowed)

	return r
}

var passwordPattern = regexp.MustCompile(`(?i)password=[^\s]+`)

func redactURL(raw string) string {
	if raw == "" {
		return ""
	}

	parsed, err := url.Parse(raw)
	if err != nil {
		return "[redacted]"
	}

	if parsed.User != nil {
		username := parsed.User.Username()
		if username == "" {
			parsed.User = url.User("redacted")
		} else {
			parsed.User = url.User(username)
		}
	}

	return parsed.String()
}

func sanitizeError(err error, secrets ...string) string {
	if err == nil {
		return ""
	}

	msg := err.Error()
	for _, secret := range secrets {
		if secret == "" {
			continue
		}
		redacted := redactURL(secret)
		if redacted == "" {
			redacted = "[redacted]"
		}
		msg = strings.ReplaceAll(msg, secret, redacted)
	}

	return passwordPattern.ReplaceAllString(msg, "password=redacted")
}
