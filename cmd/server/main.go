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
	"github.com/go-chi/chi/v5/middleware"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/joho/godotenv"
	"github.com/jonboulle/clockwork"
	"github.com/redis/go-redis/v9"
	"golang.org/x/time/rate"

	"github.com/tradenet/referral-engine/internal/broker"
	"github.com/tradenet/referral-engine/internal/distconfig"
	"github.com/tradenet/referral-engine/internal/distribution"
	"github.com/tradenet/referral-engine/internal/events"
	"github.com/tradenet/referral-engine/internal/metrics"
	"github.com/tradenet/referral-engine/internal/milestone"
	"github.com/tradenet/referral-engine/internal/referral"
	"github.com/tradenet/referral-engine/internal/store"
	"github.com/tradenet/referral-engine/internal/wallet"
)

func main() {
	// Load .env if present; real deployments set the environment directly.
	_ = godotenv.Load()

	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))
	slog.SetDefault(logger)

	port := os.Getenv("PORT")
	if port == "" {
		port = "8080"
	}

	// --- Initialize store ---
	var st store.Store
	var cleanup []func()

	if dbURL := os.Getenv("DATABASE_URL"); dbURL != "" {
		if err := store.Migrate(dbURL); err != nil {
			slog.Error("migration failed", "err", err)
			os.Exit(1)
		}

		pool, err := pgxpool.New(context.Background(), dbURL)
		if err != nil {
			slog.Error("database connection failed", "err", err)
			os.Exit(1)
		}
		cleanup = append(cleanup, pool.Close)
		st = store.NewPostgresStore(pool)
		slog.Info("connected to PostgreSQL")

		// Wrap with Redis read-through cache if configured.
		if redisURL := os.Getenv("REDIS_URL"); redisURL != "" {
			opt, err := redis.ParseURL(redisURL)
			if err != nil {
				slog.Error("invalid REDIS_URL", "err", err)
				os.Exit(1)
			}
			rdb := redis.NewClient(opt)
			cleanup = append(cleanup, func() { rdb.Close() })
			st = store.NewCachedStore(st, rdb, 30*time.Second)
			slog.Info("Redis cache enabled")
		}
	} else {
		slog.Warn("DATABASE_URL not set, using in-memory store (data will not persist)")
		st = store.NewMemoryStore()
	}

	defer func() {
		for _, fn := range cleanup {
			fn()
		}
	}()

	clock := clockwork.NewRealClock()

	// --- WebSocket hub ---
	hub := events.NewHub()
	go hub.Run()

	// --- Core services ---
	ledger := wallet.NewLedger(st, clock)
	graph := referral.NewGraph(st, clock)
	stats := referral.NewStatsAggregator(st)
	tracker := milestone.NewTracker(st, hub)

	referralSvc := referral.NewService(st, graph, stats, hub)
	configSvc := distconfig.NewService(st, clock)

	// --- Broker client ---
	brokerURL := os.Getenv("BROKER_API_URL")
	if brokerURL == "" {
		brokerURL = "https://api.broker.example.com"
		slog.Warn("BROKER_API_URL not set, using placeholder", "url", brokerURL)
	}
	brokerClient := broker.NewClient(brokerURL, nil)
	brokerSvc := broker.NewService(st, brokerClient)

	// --- Distribution engine ---
	// One broker call per second across all traders keeps the batch under
	// the upstream rate limit.
	limiter := rate.NewLimiter(rate.Every(time.Second), 1)
	strategy := distribution.StrategyByName(os.Getenv("PAYOUT_STRATEGY"))
	engine := distribution.NewEngine(st, ledger, graph, tracker, brokerClient, clock, limiter, strategy, hub)

	// Daily batch; the per-trader cadence check deduplicates extra ticks.
	schedCtx, stopSched := context.WithCancel(context.Background())
	defer stopSched()
	if os.Getenv("DISABLE_SCHEDULER") != "true" {
		distribution.NewScheduler(engine, 24*time.Hour).Start(schedCtx)
	}

	// --- HTTP router ---
	r := chi.NewRouter()
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Timeout(30 * time.Second))
	r.Use(metrics.Middleware)

	// CORS middleware for frontend cross-origin requests.
	r.Use(func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("Access-Control-Allow-Origin", "*")
			w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
			w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")
			if r.Method == "OPTIONS" {
				w.WriteHeader(http.StatusNoContent)
				return
			}
			next.ServeHTTP(w, r)
		})
	})

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"status":"ok","service":"referral-engine"}`))
	})

	// Prometheus metrics endpoint.
	r.Handle("/metrics", metrics.Handler())

	r.Route("/api/v1", func(r chi.Router) {
		// WebSocket endpoint for real-time registration and payout events.
		r.Get("/ws", hub.HandleWS)

		// Members and the referral graph.
		r.Get("/members", referralSvc.ListMembers)
		r.Post("/members", referralSvc.Register)
		r.Get("/members/{memberID}", referralSvc.GetMember)
		r.Get("/members/{memberID}/team", referralSvc.GetTeam)
		r.Post("/members/{memberID}/stats/recompute", referralSvc.RecomputeStats)

		// Wallet ledger.
		r.Get("/members/{memberID}/ledger", ledger.GetHistory)
		r.Get("/system/account", ledger.GetSystemAccount)

		// Milestones.
		r.Get("/members/{memberID}/milestones", tracker.GetProgress)
		r.Post("/members/{memberID}/milestones/sync", tracker.SyncLevels)

		// Broker sessions.
		r.Post("/members/{memberID}/broker/link", brokerSvc.Link)
		r.Post("/members/{memberID}/broker/refresh", brokerSvc.RefreshSession)
		r.Delete("/members/{memberID}/broker", brokerSvc.Unlink)

		// Distribution config and runs.
		r.Get("/config", configSvc.GetConfig)
		r.Put("/config", configSvc.UpdateConfig)
		r.Post("/distribution/run", engine.RunAllHandler)
		r.Post("/distribution/run/{memberID}", engine.RunOneHandler)
	})

	// --- Server ---
	srv := &http.Server{
		Addr:         ":" + port,
		Handler:      r,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		slog.Info("referral-engine listening", "port", port)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("server error", "err", err)
			os.Exit(1)
		}
	}()

	// Graceful shutdown.
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	slog.Info("shutting down referral-engine...")
	if err := srv.Shutdown(ctx); err != nil {
		slog.Error("shutdown error", "err", err)
	}
	fmt.Println("referral-engine stopped")
}
