package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	redis "github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/scribelive/server/adapters/blob"
	"github.com/scribelive/server/adapters/mongo"
	"github.com/scribelive/server/adapters/stt"
	"github.com/scribelive/server/domain/repositories"
	"github.com/scribelive/server/internal/api"
	"github.com/scribelive/server/internal/auth"
	"github.com/scribelive/server/internal/config"
	"github.com/scribelive/server/internal/format"
	"github.com/scribelive/server/internal/metrics"
	"github.com/scribelive/server/internal/queue"
	"github.com/scribelive/server/internal/ratelimit"
	"github.com/scribelive/server/internal/transcode"
	"github.com/scribelive/server/internal/websocket"
	"github.com/scribelive/server/usecase"
)

func main() {
	configPath := os.Getenv("CONFIG_PATH")
	if configPath == "" {
		configPath = "config.yaml"
	}
	cfg, err := config.Load(configPath)
	if err != nil {
		fmt.Fprintln(os.Stderr, "failed to load config:", err)
		os.Exit(1)
	}

	logger, err := newLogger(cfg.Logging)
	if err != nil {
		fmt.Fprintln(os.Stderr, "failed to initialize logger:", err)
		os.Exit(1)
	}
	defer logger.Sync()

	m := metrics.New()

	// Stores
	mongoClient, err := mongo.NewClient(cfg.Mongo.URI, cfg.Mongo.Database, logger)
	if err != nil {
		logger.Fatal("Failed to connect to MongoDB", zap.Error(err))
	}
	sessionRepo := mongo.NewSessionRepository(mongoClient.Database, logger)
	segmentRepo := mongo.NewSegmentRepository(mongoClient.Database, logger)

	redisClient := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Address,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	blobStore := blob.NewRedisStore(redisClient, cfg.Redis.ChunkTTL, logger)

	// Audio pipeline
	repairer := format.NewRepairer(cfg.Repair.RepairerConfig(), logger)
	pool := transcode.NewPool(cfg.Transcode.PoolConfig(), logger)
	pool.Instrument(m.TranscodeStages)

	limiter, err := ratelimit.New(cfg.RateLimit.Strategy, cfg.RateLimit.Permits, cfg.RateLimit.Window, logger)
	if err != nil {
		logger.Fatal("Failed to build rate limiter", zap.Error(err))
	}

	router := buildProviderRouter(cfg, sessionRepo, pool, logger)

	// Fan-out and queue
	hub := websocket.NewHub(m, logger)
	go hub.Run()

	manager := queue.NewManager(cfg.Queue, limiter, router, segmentRepo, hub, m, logger)
	manager.Start()

	// Services
	ingest := usecase.NewIngestService(sessionRepo, blobStore, repairer, manager, m, logger)
	sessions := usecase.NewSessionService(sessionRepo, segmentRepo, manager, hub, logger)
	janitor := usecase.NewSessionJanitor(sessionRepo, sessions, cfg.Janitor.MaxIdle, cfg.Janitor.Interval, logger)
	janitor.Start()

	issuer, err := auth.NewTokenIssuer(cfg.Auth.JWTSecret, cfg.Auth.TokenTTL)
	if err != nil {
		logger.Fatal("Failed to build token issuer", zap.Error(err))
	}

	// HTTP surface
	e := echo.New()
	e.HideBanner = true
	e.Use(middleware.Logger())
	e.Use(middleware.Recover())
	e.Use(middleware.CORS())

	checks := []api.HealthCheck{
		{Name: "mongodb", Check: mongoClient.Health},
		{Name: "redis", Check: blobStore.Ping},
	}
	api.NewServer(sessions, ingest, hub, issuer, checks, logger).Register(e)

	address := fmt.Sprintf("%s:%d", cfg.Server.Address, cfg.Server.Port)
	go func() {
		if err := e.Start(address); err != nil && err != http.ErrServerClosed {
			logger.Fatal("shutting down the server", zap.Error(err))
		}
	}()

	logger.Info("Transcription server started",
		zap.String("address", address),
		zap.String("default_provider", cfg.Providers.Default))

	// Wait for interrupt signal to gracefully shutdown the server
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, os.Interrupt, syscall.SIGTERM)
	<-quit

	logger.Info("Server is shutting down...")

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := e.Shutdown(ctx); err != nil {
		logger.Error("HTTP server forced to shutdown", zap.Error(err))
	}

	// Stop intake first, then drain the queue, then tear down fan-out and
	// the subprocess pool.
	ingest.Close()
	janitor.Stop()
	if err := manager.Shutdown(ctx); err != nil {
		logger.Warn("Queue shutdown incomplete", zap.Error(err))
	}
	hub.Stop()
	pool.Close()

	if err := redisClient.Close(); err != nil {
		logger.Error("Failed to close Redis client", zap.Error(err))
	}
	if err := mongoClient.Close(ctx); err != nil {
		logger.Error("Failed to close MongoDB client", zap.Error(err))
	}

	logger.Info("Server exited")
}

// buildProviderRouter registers every configured speech-to-text backend.
// Without any credentials the mock provider keeps local development
// working end to end.
func buildProviderRouter(
	cfg *config.Config,
	sessionRepo repositories.SessionRepository,
	pool *transcode.Pool,
	logger *zap.Logger,
) *stt.Router {
	router := stt.NewRouter(cfg.Providers.Default, sessionRepo, logger)
	thresholds := stt.DefaultQualityThresholds()

	registered := 0
	if key := cfg.Providers.OpenAIAPIKey; key != "" {
		router.Register(stt.NewWhisperProvider(key, thresholds, logger))
		router.Register(stt.NewMedicalProvider(key, cfg.Providers.MedicalModel, thresholds, logger))
		registered += 2
	}
	if url := cfg.Providers.LocalBaseURL; url != "" {
		router.Register(stt.NewLocalProvider(url, pool, thresholds, logger))
		registered++
	}
	if key := cfg.Providers.GeminiAPIKey; key != "" {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		gemini, err := stt.NewGeminiProvider(ctx, key, pool, logger)
		cancel()
		if err != nil {
			logger.Error("Failed to initialize Gemini provider", zap.Error(err))
		} else {
			router.Register(gemini)
			registered++
		}
	}
	if cfg.Providers.GoogleSTT {
		router.Register(stt.NewGoogleProvider(pool, cfg.Transcode.SampleRate, logger))
		registered++
	}

	if registered == 0 {
		logger.Warn("No provider credentials configured, using mock transcription")
		router.Register(stt.NewMockProvider(logger))
	}

	return router
}

func newLogger(cfg config.LoggingConfig) (*zap.Logger, error) {
	level, err := zapcore.ParseLevel(cfg.Level)
	if err != nil {
		level = zapcore.InfoLevel
	}

	var zapConfig zap.Config
	if cfg.Development {
		zapConfig = zap.NewDevelopmentConfig()
	} else {
		zapConfig = zap.NewProductionConfig()
	}
	zapConfig.Level = zap.NewAtomicLevelAt(level)
	return zapConfig.Build()
}
