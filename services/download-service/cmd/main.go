package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"

	"github.com/clipforge/clipforge/pkg/cache"
	"github.com/clipforge/clipforge/pkg/config"
	"github.com/clipforge/clipforge/pkg/logger"
	"github.com/clipforge/clipforge/pkg/messaging"
	"github.com/clipforge/clipforge/services/download-service/internal/handlers"
	"github.com/clipforge/clipforge/services/download-service/internal/repository"
	"github.com/clipforge/clipforge/services/download-service/internal/service"
	"github.com/clipforge/clipforge/services/download-service/internal/worker"
)

func main() {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	cfg, err := config.Load()
	if err != nil {
		logrus.Fatal("Failed to load config: ", err)
	}

	log := logger.Setup(cfg.App.LogLevel, cfg.App.LogFormat)

	redisCache, err := cache.NewRedisCache(ctx, cfg.Redis.Addr, cfg.Redis.Password, cfg.Redis.DB)
	if err != nil {
		log.Fatal("Failed to connect to Redis: ", err)
	}
	defer redisCache.Close()

	events, cleanup, err := setupMessaging(cfg, log)
	if err != nil {
		log.Fatal("Failed to setup RabbitMQ: ", err)
	}
	defer cleanup()

	jobRepo := repository.NewJobRepository(redisCache.Client(), cfg.Worker.QueueKey, cfg.Worker.StatusTTL)

	admission := service.NewAdmissionController(redisCache, jobRepo, events, log, cfg)
	leases := service.NewLeaseManager(redisCache, events, log, cfg)
	limiter := service.NewPlatformLimiter(redisCache, log, cfg)
	downloaders := service.NewDownloaderRegistry(log, cfg)

	if cfg.Worker.DownloadDir != "" {
		if err := os.MkdirAll(cfg.Worker.DownloadDir, 0o755); err != nil {
			log.Fatal("Failed to create download dir: ", err)
		}
	}

	dlWorker := worker.NewWorker(jobRepo, admission, leases, limiter, downloaders, log, cfg)
	dlWorker.Start(ctx)

	router := setupRouter(cfg, log)
	handler := handlers.NewHTTPHandler(admission, leases, limiter, jobRepo, log)
	handler.SetupRoutes(router)

	server := &http.Server{
		Addr:    fmt.Sprintf(":%d", cfg.App.Port),
		Handler: router,
	}

	go func() {
		log.Infof("Starting HTTP server on port %d", cfg.App.Port)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal("Failed to serve HTTP: ", err)
		}
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	<-sigChan

	log.Info("Shutting down...")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		log.WithError(err).Warn("HTTP shutdown error")
	}

	cancel()
	dlWorker.Stop()

	log.Info("Shutdown complete")
}

func setupMessaging(cfg *config.Config, log *logrus.Logger) (messaging.EventPublisher, func(), error) {
	if !cfg.RabbitMQ.Enabled {
		log.Info("RabbitMQ disabled, events will not be published")
		return messaging.NoopPublisher{}, func() {}, nil
	}

	rabbitmq, err := messaging.NewRabbitMQ(cfg.RabbitMQ.URL)
	if err != nil {
		return nil, nil, err
	}

	if err := rabbitmq.DeclareExchange("download.events", "topic"); err != nil {
		rabbitmq.Close()
		return nil, nil, fmt.Errorf("failed to declare events exchange: %w", err)
	}

	return rabbitmq, func() { rabbitmq.Close() }, nil
}

func setupRouter(cfg *config.Config, log *logrus.Logger) *gin.Engine {
	if cfg.App.Env == "production" {
		gin.SetMode(gin.ReleaseMode)
	}

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(gin.LoggerWithConfig(gin.LoggerConfig{
		SkipPaths: []string{"/health", "/metrics"},
	}))

	router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	return router
}
