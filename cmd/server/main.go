package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/joho/godotenv"
	"github.com/redis/go-redis/v9"

	"github.com/owna/order-engine/internal/financials"
	"github.com/owna/order-engine/internal/metrics"
	"github.com/owna/order-engine/internal/order"
	"github.com/owna/order-engine/internal/store"
)

func main() {
	// Local development convenience; missing .env is fine.
	_ = godotenv.Load()

	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))
	slog.SetDefault(logger)

	port := os.Getenv("PORT")
	if port == "" {
		port = "8087"
	}

	// --- Initialize store ---
	var st store.Store
	var cleanup []func()

	if dbURL := os.Getenv("DATABASE_URL"); dbURL != "" {
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

	// --- Financials API client ---
	financialsURL := os.Getenv("FINANCIALS_URL")
	if financialsURL == "" {
		slog.Error("FINANCIALS_URL is required")
		os.Exit(1)
	}
	financialsTimeout := 10 * time.Second
	if v := os.Getenv("FINANCIALS_TIMEOUT_SECONDS"); v != "" {
		secs, err := strconv.Atoi(v)
		if err != nil || secs <= 0 {
			slog.Error("invalid FINANCIALS_TIMEOUT_SECONDS", "value", v)
			os.Exit(1)
		}
		financialsTimeout = time.Duration(secs) * time.Second
	}
	finClient := financials.NewClient(financialsURL, financialsTimeout)

	// --- WebSocket hub ---
	wsHub := order.NewWSHub()
	go wsHub.Run()

	// --- Capture orchestrator + HTTP service ---
	capturer := order.NewCapturer(st, finClient, finClient, wsHub)
	orderSvc := order.NewService(st, capturer)

	// --- HTTP router ---
	r := chi.NewRouter()
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Timeout(30 * time.Second))
	r.Use(metrics.Middleware)

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"status":"ok","service":"order-engine"}`))
	})

	// Prometheus metrics endpoint.
	r.Handle("/metrics", metrics.Handler())

	r.Route("/api/v1", func(r chi.Router) {
		// WebSocket endpoint for real-time order settlement events.
		r.Get("/ws", wsHub.HandleWS)

		// Orders.
		r.Post("/orders", orderSvc.CreateOrder)
		r.Get("/orders/{orderID}", orderSvc.GetOrder)
		r.Post("/orders/{orderID}/capture", orderSvc.CaptureOrder)

		// Properties.
		r.Get("/properties", orderSvc.ListProperties)
		r.Post("/properties", orderSvc.CreateProperty)
		r.Get("/properties/{propertyID}", orderSvc.GetProperty)

		// Per-user views.
		r.Get("/users/{userID}/orders", orderSvc.ListUserOrders)
		r.Get("/users/{userID}/blocks", orderSvc.ListUserBlocks)
		r.Get("/users/{userID}/withdrawals", orderSvc.ListUserWithdrawals)

		// Withdrawals.
		r.Post("/withdrawals", orderSvc.CreateWithdrawal)
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
		slog.Info("order-engine listening", "port", port)
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

	slog.Info("shutting down order-engine...")
	if err := srv.Shutdown(ctx); err != nil {
		slog.Error("shutdown error", "err", err)
	}
	fmt.Println("order-engine stopped")
}
