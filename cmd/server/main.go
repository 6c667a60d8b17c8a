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
	"strconv"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5/middleware"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/errgroup"

	"github.com/atmx/hedge-engine/internal/admission"
	"github.com/atmx/hedge-engine/internal/api"
	"github.com/atmx/hedge-engine/internal/audit"
	"github.com/atmx/hedge-engine/internal/config"
	"github.com/atmx/hedge-engine/internal/events"
	"github.com/atmx/hedge-engine/internal/gateway"
	"github.com/atmx/hedge-engine/internal/idempotency"
	"github.com/atmx/hedge-engine/internal/logging"
	"github.com/atmx/hedge-engine/internal/metrics"
	"github.com/atmx/hedge-engine/internal/negotiation"
	"github.com/atmx/hedge-engine/internal/settlement"
	"github.com/atmx/hedge-engine/internal/store"
)

func main() {
	configPath := flag.String("config", "", "path to config file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}

	logger := logging.New(cfg.LogLevel, cfg.ServiceName, cfg.Env)
	slog.SetDefault(logger)

	if err := cfg.Validate(); err != nil {
		logger.Error("invalid configuration", "err", err)
		os.Exit(1)
	}

	if err := run(cfg, logger); err != nil {
		logger.Error("hedge-engine exited", "err", err)
		os.Exit(1)
	}
}

func run(cfg *config.Config, logger *slog.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// --- Initialize store ---
	var st store.Store
	var rdb *redis.Client
	var cleanup []func()
	defer func() {
		for _, fn := range cleanup {
			fn()
		}
	}()

	if cfg.RedisURL != "" {
		opt, err := redis.ParseURL(cfg.RedisURL)
		if err != nil {
			return fmt.Errorf("invalid redis_url: %w", err)
		}
		rdb = redis.NewClient(opt)
		cleanup = append(cleanup, func() { rdb.Close() })
	}

	if cfg.DatabaseURL != "" {
		pool, err := pgxpool.New(ctx, cfg.DatabaseURL)
		if err != nil {
			return fmt.Errorf("database connection failed: %w", err)
		}
		cleanup = append(cleanup, pool.Close)

		pg := store.NewPostgresStore(pool)
		if err := pg.Migrate(ctx); err != nil {
			return fmt.Errorf("migrate: %w", err)
		}
		st = pg
		logger.Info("connected to PostgreSQL")

		// Wrap with Redis read-through cache if configured.
		if rdb != nil {
			st = store.NewCachedStore(st, rdb, cfg.CacheTTL)
			logger.Info("Redis cache enabled", "ttl", cfg.CacheTTL.String())
		}
	} else {
		logger.Warn("database_url not set, using in-memory store (data will not persist)")
		st = store.NewMemoryStore()
	}

	// --- Admission ---
	var limiter admission.RateLimiter
	if rdb != nil {
		limiter = admission.NewRedisLimiter(rdb, cfg.Admission.RateLimit, cfg.Admission.RateWindow, "hedge:rate:")
	} else {
		limiter = admission.NewMemoryLimiter(cfg.Admission.RateLimit, cfg.Admission.RateWindow)
	}
	maxNotional, _ := cfg.MaxNotionalPerDay()
	fallbackPrices, _ := cfg.FallbackPrices()

	// --- Collaborators ---
	hub := events.NewHub(logger)
	rec := audit.NewRecorder(st, logger)
	verifier := gateway.NewVerifier(cfg.Gateway.HMACSecret, cfg.Gateway.MaxAge)

	if cfg.Execution.BaseURL == "" {
		logger.Warn("execution.base_url not set, contracts wait for the execution layer to poll")
	}
	if cfg.Oracle.BaseURL == "" {
		logger.Warn("oracle.base_url not set, settlement will report the oracle unavailable")
	}
	executor := settlement.NewHTTPExecutor(cfg.Execution.BaseURL, verifier, cfg.Execution.Timeout)
	oracle := settlement.NewHTTPOracle(cfg.Oracle.BaseURL, cfg.Oracle.Timeout)

	negotiator := negotiation.NewService(st, negotiation.Config{
		ProgramID:   cfg.Execution.ProgramID,
		USDCMint:    cfg.Execution.USDCMint,
		OracleFeeds: cfg.OracleFeeds(),
		DefaultFeed: cfg.Execution.DefaultFeed,
	}, rec, hub, logger)
	if cfg.Execution.BaseURL != "" {
		negotiator.WithInitializer(executor)
	}

	resolver := settlement.NewResolver(st, oracle, executor, settlement.Config{
		Attempts:       cfg.Settlement.Attempts,
		RetryDelay:     cfg.Settlement.RetryDelay,
		AttemptTimeout: cfg.Settlement.AttemptTimeout,
		ClaimTTL:       cfg.Settlement.ClaimTTL,
		AllowSimulated: cfg.Settlement.AllowSimulated,
		FallbackPrices: fallbackPrices,
	}, rec, hub, logger)
	if cfg.Settlement.AllowSimulated {
		logger.Warn("simulated settlement enabled")
	}

	server := api.NewServer(api.Deps{
		Store:          st,
		Negotiation:    negotiator,
		Ingester:       gateway.NewIngester(st, rec, hub, logger),
		Resolver:       resolver,
		Guard:          idempotency.NewGuard(st, logger),
		RateLimiter:    limiter,
		Notional:       admission.NewNotionalLimiter(maxNotional),
		Verifier:       verifier,
		Hub:            hub,
		Audit:          rec,
		JWTSecret:      []byte(cfg.Auth.JWTSecret),
		CandidateLimit: cfg.Matching.CandidateLimit,
		Logger:         logger,
	})

	// --- HTTP router ---
	mw := []func(http.Handler) http.Handler{
		middleware.Recoverer,
		middleware.RequestID,
		middleware.RealIP,
		requestLogger(logger),
	}
	if cfg.HTTP.RequestTimeout > 0 {
		mw = append(mw, middleware.Timeout(cfg.HTTP.RequestTimeout))
	}
	mw = append(mw, metrics.Middleware, cors)
	handler := server.Routes(mw...)

	srv := &http.Server{
		Addr:         ":" + strconv.Itoa(cfg.HTTP.Port),
		Handler:      handler,
		ReadTimeout:  cfg.HTTP.ReadTimeout,
		WriteTimeout: cfg.HTTP.WriteTimeout,
		IdleTimeout:  cfg.HTTP.IdleTimeout,
	}

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		logger.Info("hedge-engine listening", "port", cfg.HTTP.Port, "env", cfg.Env)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("server error: %w", err)
		}
		return nil
	})

	g.Go(func() error {
		hub.Run()
		return nil
	})

	if cfg.Settlement.Enabled {
		scheduler := settlement.NewScheduler(st, resolver, cfg.Settlement.ScanInterval, logger)
		g.Go(func() error { return scheduler.Run(gctx) })
	}

	// Graceful shutdown.
	g.Go(func() error {
		<-gctx.Done()
		logger.Info("shutting down hedge-engine...")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		hub.Close()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("shutdown: %w", err)
		}
		return nil
	})

	err := g.Wait()
	logger.Info("hedge-engine stopped")
	return err
}

// requestLogger logs one line per request with the chi request ID.
func requestLogger(logger *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			start := time.Now()
			next.ServeHTTP(ww, r)
			logger.Info("request",
				"method", r.Method,
				"path", r.URL.Path,
				"status", ww.Status(),
				"bytes", ww.BytesWritten(),
				"duration_ms", time.Since(start).Milliseconds(),
				"request_id", middleware.GetReqID(r.Context()),
			)
		})
	}
}

// cors allows cross-origin requests from browser clients.
func cors(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization, Idempotency-Key, "+
			gateway.HeaderTimestamp+", "+gateway.HeaderSignature)
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}
