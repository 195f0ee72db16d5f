package main

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"

	"github.com/lastsip/server/internal/v1/auth"
	"github.com/lastsip/server/internal/v1/bus"
	"github.com/lastsip/server/internal/v1/config"
	"github.com/lastsip/server/internal/v1/health"
	"github.com/lastsip/server/internal/v1/httpapi"
	"github.com/lastsip/server/internal/v1/logging"
	"github.com/lastsip/server/internal/v1/middleware"
	"github.com/lastsip/server/internal/v1/ratelimit"
	"github.com/lastsip/server/internal/v1/registry"
	"github.com/lastsip/server/internal/v1/tracing"
	"github.com/lastsip/server/internal/v1/transport"
)

func main() {
	// Load .env file for local development.
	// Try multiple paths to handle different ways of running the app
	envPaths := []string{".env", "../../../.env", "../../.env"}
	var envLoaded bool

	for _, path := range envPaths {
		if err := godotenv.Load(path); err == nil {
			slog.Info("Loaded environment from", "path", path)
			envLoaded = true
			break
		}
	}

	if !envLoaded {
		slog.Warn("No .env file found in any expected location, relying on environment variables")
	}

	// Validate environment variables before starting the server
	cfg, err := config.ValidateEnv()
	if err != nil {
		slog.Error("Environment validation failed", "error", err)
		os.Exit(1)
	}

	if cfg.DevelopmentMode {
		slog.Info("Running in DEVELOPMENT MODE")
	}

	if err := logging.Initialize(cfg.DevelopmentMode); err != nil {
		slog.Error("Failed to initialize logger", "error", err)
		os.Exit(1)
	}

	// --- Tracing (Optional) ---
	var tracerShutdown func(context.Context) error
	if cfg.OtelEnabled {
		provider, err := tracing.InitTracer(context.Background(), "lastsip-gameserver", cfg.OtelCollectorAddr, cfg.OtelInsecureSkipVerify)
		if err != nil {
			slog.Error("Failed to initialize tracing, continuing without it", "error", err)
		} else {
			tracerShutdown = provider.Shutdown
			slog.Info("✅ OTLP tracing initialized", "collector", cfg.OtelCollectorAddr)
		}
	}

	// --- Redis Event Mirror (Optional) ---
	// Broadcast frames are mirrored to Redis for spectator/ops tooling when
	// enabled. The game never depends on it.
	var busService *bus.Service
	if cfg.RedisEnabled {
		busService, err = bus.NewService(cfg.RedisAddr, cfg.RedisPassword)
		if err != nil {
			slog.Error("Failed to connect to Redis, running without the event mirror", "error", err)
			busService = nil
		} else {
			slog.Info("✅ Redis event mirror initialized", "addr", cfg.RedisAddr)
		}
	} else {
		slog.Info("Running in single-instance mode (Redis disabled)")
	}

	// --- Rate Limiting ---
	// The limiter shares the mirror's Redis when available so limits hold
	// across replicas; otherwise it falls back to a per-process store.
	var redisClient *redis.Client
	if busService != nil {
		redisClient = busService.Client()
	}
	limiter, err := ratelimit.NewRateLimiter(cfg, redisClient)
	if err != nil {
		slog.Error("Failed to create rate limiter", "error", err)
		os.Exit(1)
	}

	// --- Registry and Transport ---
	// The registry owns every room; the transport server owns every socket.
	regOpts := registry.FromConfig(cfg)
	if busService != nil {
		regOpts.Bus = busService
	}
	reg := registry.New(context.Background(), regOpts)

	allowedOrigins := auth.GetAllowedOriginsFromEnv("ALLOWED_ORIGINS", []string{"http://localhost:3000"})
	wsServer := transport.NewServer(reg, limiter, allowedOrigins)

	// --- Set up Server ---
	if !cfg.DevelopmentMode {
		gin.SetMode(gin.ReleaseMode)
	}
	router := gin.Default()

	// Cors
	corsConfig := cors.DefaultConfig()
	corsConfig.AllowOrigins = allowedOrigins
	router.Use(cors.New(corsConfig))

	// Error handling, correlation, tracing, rate limiting
	router.Use(gin.Recovery())
	router.Use(middleware.CorrelationID())
	if cfg.OtelEnabled {
		router.Use(otelgin.Middleware("lastsip-gameserver"))
	}
	router.Use(limiter.GlobalMiddleware())

	// Room lifecycle endpoints get the tighter per-IP budget.
	api := router.Group("/", limiter.MiddlewareForEndpoint("rooms"))
	httpapi.NewHandler(reg).Register(api)

	// WebSocket endpoint; the per-IP connect limit is checked pre-upgrade.
	router.GET("/ws", wsServer.ServeWs)

	// Prometheus metrics endpoint
	router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	// Health check endpoints
	healthHandler := health.NewHandler(busService, reg, wsServer)
	router.GET("/healthz", healthHandler.Healthz)
	router.GET("/health/live", healthHandler.Liveness)
	router.GET("/health/ready", healthHandler.Readiness)

	// Start the server.
	srv := &http.Server{
		Addr:    ":" + cfg.Port,
		Handler: router,
	}

	// --- Graceful Shutdown ---
	// Start the server in a goroutine so it doesn't block.
	go func() {
		slog.Info("Game server starting", "port", cfg.Port)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("Failed to run server", "error", err)
			syscall.Kill(os.Getpid(), syscall.SIGTERM)
		}
	}()

	// Wait for an interrupt signal to gracefully shut down the server
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	slog.Info("Shutting down server...")

	// The context is used to inform the server it has 30 seconds to finish
	// the requests it is currently handling
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	// Tear down every room first so clients get a close frame, then drop the
	// remaining sockets.
	if err := reg.Shutdown(ctx); err != nil {
		slog.Error("Error during registry shutdown:", "error", err)
	}
	if err := wsServer.Shutdown(ctx); err != nil {
		slog.Error("Error during transport shutdown:", "error", err)
	}

	// Shutdown HTTP server
	if err := srv.Shutdown(ctx); err != nil {
		slog.Error("Server forced to shutdown:", "error", err)
	}

	// Close Redis connection if it was initialized
	if busService != nil {
		if err := busService.Close(); err != nil {
			slog.Error("Failed to close Redis connection:", "error", err)
		} else {
			slog.Info("Redis connection closed")
		}
	}

	if tracerShutdown != nil {
		if err := tracerShutdown(ctx); err != nil {
			slog.Error("Failed to shut down tracer:", "error", err)
		}
	}

	slog.Info("Server exiting")
}
