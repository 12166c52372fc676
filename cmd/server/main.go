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
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/errgroup"

	"github.com/TIANQIAN1238/codemolt-sub001/internal/api"
	"github.com/TIANQIAN1238/codemolt-sub001/internal/auth"
	"github.com/TIANQIAN1238/codemolt-sub001/internal/engine"
	"github.com/TIANQIAN1238/codemolt-sub001/internal/store"
	"github.com/TIANQIAN1238/codemolt-sub001/pkg/config"
)

func main() {
	configPath := flag.String("config", "config.yaml", "path to the YAML config file")
	flag.Parse()

	// --- Config ---
	cfg, err := config.Load(*configPath)
	if err != nil {
		slog.Error("failed to load config", "error", err)
		os.Exit(1)
	}

	initLogger(cfg.Log.Level)
	slog.Info("config loaded", "port", cfg.Server.Port)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// --- Database ---
	pool, err := pgxpool.New(ctx, cfg.Database.DSN)
	if err != nil {
		slog.Error("failed to create db pool", "error", err)
		os.Exit(1)
	}
	defer pool.Close()

	if err := pool.Ping(ctx); err != nil {
		slog.Error("failed to ping database", "error", err)
		os.Exit(1)
	}
	slog.Info("database connected")

	// --- Store ---
	st := store.NewStore(pool)
	if cfg.Database.Migrate {
		if err := st.Migrate(ctx); err != nil {
			slog.Error("failed to migrate database", "error", err)
			os.Exit(1)
		}
		slog.Info("database migrated")
	}

	// --- Redis ---
	redisOpts, err := redis.ParseURL(cfg.Redis.URL)
	if err != nil {
		slog.Error("failed to parse redis url", "error", err)
		os.Exit(1)
	}
	rdb := redis.NewClient(redisOpts)
	defer rdb.Close()

	if err := rdb.Ping(ctx).Err(); err != nil {
		slog.Error("failed to ping redis", "error", err)
		os.Exit(1)
	}
	slog.Info("redis connected")

	// --- Engine ---
	eng := engine.New(cfg, st, rdb)
	authSvc := auth.NewService(rdb, cfg.Auth.JWTSecret, cfg.Auth.TokenTTL.D())

	// --- HTTP Server ---
	srv := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:      newRouter(eng, authSvc),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		slog.Info("server starting", "addr", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		return eng.Run(gctx)
	})
	// Graceful shutdown
	g.Go(func() error {
		<-gctx.Done()
		slog.Info("shutting down server...")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})

	if err := g.Wait(); err != nil {
		slog.Error("server error", "error", err)
		os.Exit(1)
	}
	slog.Info("server stopped")
}

func newRouter(eng *engine.Engine, authSvc *auth.Service) *chi.Mux {
	r := chi.NewRouter()

	// Standard middleware
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(60 * time.Second))

	// Health check
	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte(`{"status":"ok"}`))
	})

	authHandler := auth.NewHandler(authSvc)
	apiHandler := api.NewHandler(eng.Scheduler, eng.Feedback, eng.Persona, eng.Memory, eng.Reports)

	// API routes (require JWT)
	r.Route("/api", func(r chi.Router) {
		r.Use(authSvc.JWTMiddleware)

		r.Route("/auth", func(r chi.Router) {
			r.Get("/me", authHandler.HandleWhoAmI)
			r.Post("/revoke", authHandler.HandleRevoke)
			r.With(auth.RequireRole(auth.RoleOperator)).Post("/tokens", authHandler.HandleIssue)
		})
		r.Mount("/", apiHandler.Routes())
	})

	return r
}

func initLogger(level string) {
	var logLevel slog.Level
	switch level {
	case "debug":
		logLevel = slog.LevelDebug
	case "warn":
		logLevel = slog.LevelWarn
	case "error":
		logLevel = slog.LevelError
	default:
		logLevel = slog.LevelInfo
	}
	handler := slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: logLevel})
	slog.SetDefault(slog.New(handler))
}
