package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/joho/godotenv"
	"go.uber.org/zap"

	"github.com/prajwalk/classrelay/internal/api"
	"github.com/prajwalk/classrelay/internal/circuitbreaker"
	"github.com/prajwalk/classrelay/internal/config"
	"github.com/prajwalk/classrelay/internal/db"
	"github.com/prajwalk/classrelay/internal/dispatcher"
	"github.com/prajwalk/classrelay/internal/jobs"
	"github.com/prajwalk/classrelay/internal/metrics"
	"github.com/prajwalk/classrelay/internal/observ"
	"github.com/prajwalk/classrelay/internal/provider"
	"github.com/prajwalk/classrelay/internal/redis"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	_ = godotenv.Load()

	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	logger, err := observ.NewLogger(cfg.Env, cfg.LogLevel)
	if err != nil {
		return fmt.Errorf("failed to create logger: %w", err)
	}
	defer func() { _ = logger.Sync() }()

	logger.Info("starting classrelay scheduler",
		zap.String("env", cfg.Env),
		zap.Int("port", cfg.Port),
		zap.String("provider", cfg.Provider),
	)

	ctx := context.Background()

	database, err := db.New(ctx, db.Config{
		Host:     cfg.DBHost,
		Port:     cfg.DBPort,
		User:     cfg.DBUser,
		Password: cfg.DBPassword,
		Database: cfg.DBName,
		SSLMode:  cfg.DBSSLMode,
	}, logger)
	if err != nil {
		return fmt.Errorf("failed to connect to database: %w", err)
	}
	defer database.Close()

	repo := db.NewRepository(database, logger)
	events := db.NewEventStore(database, logger)

	// Redis is optional: only the admin rate limiter uses it.
	var rateLimiter *redis.RateLimiter
	redisClient, err := redis.New(ctx, redis.Config{
		Host:     cfg.RedisHost,
		Port:     cfg.RedisPort,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	}, logger)
	if err != nil {
		logger.Warn("redis unavailable, admin rate limiting disabled", zap.Error(err))
	} else {
		defer redisClient.Close()
		rateLimiter = redis.NewRateLimiter(redisClient, logger, redis.RateLimitConfig{
			Limit:  cfg.RateLimitPerMin,
			Window: time.Minute,
		})
	}

	transport, err := buildProvider(ctx, cfg, logger)
	if err != nil {
		return err
	}
	breaker := circuitbreaker.New(circuitbreaker.DefaultConfig(cfg.Provider), logger)
	protected := provider.NewProtected(transport, breaker, logger)

	disp := dispatcher.New(repo, events, protected, logger)

	runner := jobs.NewRunner(repo, logger)
	runner.Register(jobs.NewProcessor(repo, events, disp, logger), cfg.ProcessorInterval)
	runner.Register(jobs.NewFeeOverdueJob(repo, events, events, logger), time.Hour)
	runner.Register(jobs.NewFeeReminderJob(repo, events, logger), 24*time.Hour)

	runnerCtx, stopRunner := context.WithCancel(context.Background())
	defer stopRunner()
	runner.Start(runnerCtx)

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(30 * time.Second))
	r.Use(metrics.Middleware)

	r.Use(func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)

			next.ServeHTTP(ww, r)

			logger.Info("request completed",
				zap.String("method", r.Method),
				zap.String("path", r.URL.Path),
				zap.Int("status", ww.Status()),
				zap.Duration("duration_ms", time.Since(start)),
				zap.String("request_id", middleware.GetReqID(r.Context())),
			)
		})
	})

	handler := api.NewHandler(logger, runner, repo, disp, breaker)
	r.Route("/v1", func(r chi.Router) {
		r.Use(api.RateLimitMiddleware(rateLimiter, logger, api.OrgKeyFunc))
		handler.Routes(r)
	})

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		if err := database.Health(r.Context()); err != nil {
			w.WriteHeader(http.StatusServiceUnavailable)
			_, _ = w.Write([]byte("database unavailable"))
			return
		}
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("OK"))
	})

	r.Handle("/metrics", metrics.Handler())

	srv := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Port),
		Handler:      r,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	serverErrors := make(chan error, 1)
	go func() {
		logger.Info("server listening", zap.String("addr", srv.Addr))
		serverErrors <- srv.ListenAndServe()
	}()

	shutdown := make(chan os.Signal, 1)
	signal.Notify(shutdown, os.Interrupt, syscall.SIGTERM)

	select {
	case err := <-serverErrors:
		return fmt.Errorf("server error: %w", err)
	case sig := <-shutdown:
		logger.Info("shutdown signal received", zap.String("signal", sig.String()))

		stopRunner()

		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		if err := srv.Shutdown(ctx); err != nil {
			srv.Close()
			return fmt.Errorf("graceful shutdown failed: %w", err)
		}

		logger.Info("server stopped gracefully")
	}

	return nil
}

func buildProvider(ctx context.Context, cfg *config.Config, logger *zap.Logger) (provider.Provider, error) {
	switch cfg.Provider {
	case config.ProviderWhatsApp:
		return provider.NewWhatsApp(provider.WhatsAppConfig{
			BaseURL:       cfg.WhatsAppAPIURL,
			PhoneNumberID: cfg.WhatsAppPhoneID,
			AccessToken:   cfg.WhatsAppAccessToken,
		}, logger), nil
	case config.ProviderSNS:
		p, err := provider.NewSNS(ctx, cfg.SNSRegion, logger)
		if err != nil {
			return nil, fmt.Errorf("failed to create sns provider: %w", err)
		}
		return p, nil
	default:
		return provider.NewStub(logger), nil
	}
}
