// typeclash - real-time competitive typing engine
package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	chiMiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/joho/godotenv"

	"github.com/ashureev/typeclash/internal/collab"
	"github.com/ashureev/typeclash/internal/config"
	"github.com/ashureev/typeclash/internal/middleware"
	"github.com/ashureev/typeclash/internal/raceengine"
	"github.com/ashureev/typeclash/internal/ratelimit"
	"github.com/ashureev/typeclash/internal/registry"
	"github.com/ashureev/typeclash/internal/room"
	"github.com/ashureev/typeclash/internal/router"
	"github.com/ashureev/typeclash/internal/testengine"
)

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))
	slog.SetDefault(logger)

	if err := godotenv.Load(); err != nil {
		slog.Info("No .env file found, using environment variables")
	}

	cfg, err := config.Load()
	if err != nil {
		slog.Error("Failed to load configuration", "error", err)
		os.Exit(1)
	}

	slog.Info("Starting server", "port", cfg.Port, "dev", cfg.IsDevelopment())

	sink, err := collab.NewSQLiteResultSink(cfg.DBPath)
	if err != nil {
		slog.Error("Failed to initialize result sink", "error", err)
		os.Exit(1)
	}
	defer func() {
		if closeErr := sink.Close(); closeErr != nil {
			slog.Error("Failed to close result sink", "error", closeErr)
		}
	}()
	slog.Info("Result sink database connected", "path", cfg.DBPath)

	jwtSecret := os.Getenv("JWT_SECRET")
	if jwtSecret == "" {
		slog.Warn("JWT_SECRET not set, using an insecure development default")
		jwtSecret = "dev-secret-change-me"
	}
	verifier := collab.NewJWTVerifier(jwtSecret)

	words := collab.NewEmbeddedWordSource(time.Now().UnixNano())

	friendGraph, err := collab.NewCachedFriendGraph(collab.NewStaticFriendGraph(nil), 1024, 5*time.Minute)
	if err != nil {
		slog.Error("Failed to initialize friend graph cache", "error", err)
		os.Exit(1)
	}

	fabric := room.NewFabric(cfg.Room.SendQueueMaxMsgs, cfg.Room.SlowConsumerWindow, cfg.Room.EmptyGrace)
	reg := registry.New()
	governor := ratelimit.New(cfg.RateLimit)

	tests := testengine.New(words, sink, fabric, cfg.Test, cfg.Timeout)
	races := raceengine.New(words, sink, fabric, cfg.Race, cfg.Timeout)

	wsHandler := router.New(verifier, friendGraph, reg, fabric, governor, tests, races, cfg.Connection, cfg.Timeout, cfg.AllowedOrigin, cfg.IsDevelopment())

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	governor.StartEvictionSweep(ctx, cfg.Housekeeping.Interval)
	fabric.StartReclaimSweep(ctx, cfg.Housekeeping.Interval)
	startEngineHousekeeping(ctx, cfg.Housekeeping.Interval, tests, races)
	startRaceClock(ctx, races)
	startLivenessScan(ctx, cfg.Connection, reg)

	r := chi.NewRouter()
	r.Use(chiMiddleware.RequestID)
	r.Use(chiMiddleware.RealIP)
	r.Use(chiMiddleware.Logger)
	r.Use(chiMiddleware.Recoverer)
	r.Use(chiMiddleware.Heartbeat("/health"))
	r.Use(middleware.CORS([]string{cfg.AllowedOrigin}))

	r.Get("/ws", wsHandler.ServeHTTP)

	srv := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      r,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 0, // 0: WebSocket connections are long-lived
		IdleTimeout:  120 * time.Second,
	}

	go func() {
		slog.Info("Server listening", "addr", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("Server failed", "error", err)
			os.Exit(1)
		}
	}()

	<-ctx.Done()
	stop()

	slog.Info("Shutting down gracefully...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("Server forced to shutdown", "error", err)
		os.Exit(1)
	}

	slog.Info("Server stopped successfully")
}

// startEngineHousekeeping drives the Test Session Engine's and Race
// Engine's TTL/eviction sweeps on the general housekeeping cadence (§5
// "Eviction").
func startEngineHousekeeping(ctx context.Context, interval time.Duration, tests *testengine.Engine, races *raceengine.Engine) {
	ticker := time.NewTicker(interval)
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				now := time.Now()
				tests.Housekeep(now)
				races.Housekeep(now)
			case <-ctx.Done():
				return
			}
		}
	}()
}

// startRaceClock drives the Race Engine's countdown/timeout logical clock
// on its own 1-second cadence, distinct from the slower general
// housekeeping sweep (§4.6 "single per-race logical clock").
func startRaceClock(ctx context.Context, races *raceengine.Engine) {
	ticker := time.NewTicker(time.Second)
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				races.Tick(ctx, time.Now())
			case <-ctx.Done():
				return
			}
		}
	}()
}

// startLivenessScan periodically counts connections idle past the
// configured threshold and logs that count at debug level (§4.3 "liveness
// scan"). It does not mark, change or close the idle connections.
func startLivenessScan(ctx context.Context, cfg config.ConnectionConfig, reg *registry.Registry) {
	ticker := time.NewTicker(cfg.LivenessScan)
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				now := time.Now()
				idle := 0
				for _, conn := range reg.Snapshot() {
					if conn.IdleFor(now) >= cfg.IdleThreshold {
						idle++
					}
				}
				if idle > 0 {
					slog.Debug("liveness scan: idle connections", "count", idle)
				}
			case <-ctx.Done():
				return
			}
		}
	}()
}
