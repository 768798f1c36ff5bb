package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"rentalconnect-realtime/internal/database"
	callHandler "rentalconnect-realtime/internal/handler/http/call"
	chatHandler "rentalconnect-realtime/internal/handler/http/chat"
	wsHandler "rentalconnect-realtime/internal/handler/ws"
	"rentalconnect-realtime/internal/middleware"
	"rentalconnect-realtime/internal/repository/cassandra"
	"rentalconnect-realtime/internal/repository/cockroach"
	redisRepo "rentalconnect-realtime/internal/repository/redis"
	callLogService "rentalconnect-realtime/internal/service/calllog"
	chatService "rentalconnect-realtime/internal/service/chat"
	"rentalconnect-realtime/pkg/config"
	"rentalconnect-realtime/pkg/constants"
	"rentalconnect-realtime/pkg/jwt"
	"rentalconnect-realtime/pkg/logger"
	"rentalconnect-realtime/pkg/metrics"
	"rentalconnect-realtime/pkg/resilience"
)

func main() {
	// 1. Configuration and logging
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}
	if err := logger.Init(&logger.Config{
		Level:    cfg.Log.Level,
		Format:   cfg.Log.Format,
		Output:   cfg.Log.Output,
		FilePath: cfg.Log.FilePath,
	}); err != nil {
		log.Fatalf("Failed to initialize logger: %v", err)
	}
	defer logger.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	appMetrics := metrics.NewMetrics(cfg.Server.ServiceName)

	// 2. JWT
	secret := cfg.JWT.Secret
	if secret == "" {
		logger.Warn("JWT_SECRET not set, using the development secret")
		secret = jwt.DevelopmentSecret
	}
	jwtManager := jwt.NewJWTManager(secret, cfg.JWT.AccessTokenExpiry)

	// 3. CockroachDB: chats and the call log
	db, err := database.NewDB(ctx, &cfg.Database)
	if err != nil {
		logger.Fatal("Failed to connect to CockroachDB", zap.Error(err))
	}
	defer db.Close()

	chatRepo := cockroach.NewChatRepository(db.Pool)
	callRepo := cockroach.NewCallRepository(db.Pool)
	for name, ensure := range map[string]func(context.Context) error{
		"chats": chatRepo.EnsureSchema,
		"calls": callRepo.EnsureSchema,
	} {
		if err := ensure(ctx); err != nil {
			logger.Fatal("Failed to create schema", zap.String("table", name), zap.Error(err))
		}
	}
	logger.Info("Connected to CockroachDB")

	// 4. Cassandra: message history
	cassandraDB, err := database.NewCassandraDB(&cfg.Cassandra)
	if err != nil {
		logger.Fatal("Failed to connect to Cassandra", zap.Error(err))
	}
	defer cassandraDB.Close()

	messageRepo := cassandra.NewMessageRepository(cassandraDB,
		resilience.NewBreaker("cassandra", resilience.WithMetrics(appMetrics), resilience.WithAttemptTimeout(cfg.Cassandra.Timeout)))
	if err := messageRepo.EnsureSchema(ctx); err != nil {
		logger.Fatal("Failed to create message schema", zap.Error(err))
	}
	logger.Info("Connected to Cassandra")

	// 5. Relay hub and call log
	callLog := callLogService.NewService(callRepo)
	hubOpts := []wsHandler.HubOption{
		wsHandler.WithCallRecorder(callLog),
		wsHandler.WithMetrics(appMetrics),
		wsHandler.WithMaxConnections(cfg.Server.MaxConnections),
		wsHandler.WithAllowedOrigins(cfg.Server.AllowedOrigins),
	}

	// 6. Redis: presence and cross-instance relay. An unreachable Redis
	// starts the relay in degraded mode instead of failing.
	if cfg.Redis.Enabled {
		redisClient := database.NewRedisClient(&cfg.Redis, appMetrics)
		defer redisClient.Close()
		if err := redisClient.HealthCheck(ctx); err != nil {
			logger.Warn("Redis unavailable at startup", zap.Error(err))
		}
		redisClient.StartHealthCheck(ctx, 10*time.Second)

		relayRepo := redisRepo.NewRelayRepository(ctx, redisClient, uuid.NewString())
		defer relayRepo.Close()
		hubOpts = append(hubOpts,
			wsHandler.WithPresence(redisRepo.NewPresenceRepository(redisClient)),
			wsHandler.WithFanout(relayRepo),
		)
	} else {
		logger.Info("Redis disabled, relaying within this instance only")
	}

	hub := wsHandler.NewSignalingHub(hubOpts...)
	hubDone := make(chan struct{})
	go func() {
		hub.Run(ctx)
		close(hubDone)
	}()

	// 7. Chat
	chatSvc := chatService.NewService(chatRepo, messageRepo, hub, appMetrics)

	// 8. Router
	if cfg.IsProduction() {
		gin.SetMode(gin.ReleaseMode)
	}
	router := gin.New()
	if err := router.SetTrustedProxies(nil); err != nil {
		logger.Fatal("Failed to configure trusted proxies", zap.Error(err))
	}

	router.Use(middleware.Recovery())
	router.Use(middleware.RequestLogger())
	router.Use(middleware.CORSMiddleware(cfg.Server.AllowedOrigins))
	router.Use(middleware.NewPrometheusMiddleware(appMetrics).Handler())

	router.GET("/health", middleware.HealthCheck(cfg.Server.ServiceName))
	router.GET("/metrics", middleware.MetricsHandler(appMetrics))

	v1 := router.Group("/v1")
	v1.Use(middleware.AuthMiddleware(jwtManager))
	chatHandler.NewHandler(chatSvc).RegisterRoutes(v1)
	callHandler.NewHandler(callLog).RegisterRoutes(v1)
	v1.GET("/ws", hub.ServeWS)

	// 9. Serve
	server := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		logger.Info("Signaling service starting",
			zap.Int("port", cfg.Server.Port),
			zap.String("websocket", "/v1/ws"))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("Server failed", zap.Error(err))
			stop()
		}
	}()

	<-ctx.Done()
	logger.Info("Shutting down server...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), constants.GracefulShutdownTimeout)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("Server forced to shutdown", zap.Error(err))
	}
	select {
	case <-hubDone:
	case <-shutdownCtx.Done():
	}

	logger.Info("Server exited")
}
