package cli

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"admitflow/internal/config"
	"admitflow/internal/events"
	"admitflow/internal/handlers"
	"admitflow/internal/middleware"
	"admitflow/internal/observability"
	"admitflow/internal/services"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run the admitflow server",
	Long:  `Run the HTTP API together with the deferred task scheduler and the event consumer`,
	Run:   run,
}

func init() {
	rootCmd.AddCommand(runCmd)
}

func run(cmd *cobra.Command, args []string) {
	cfg, logger, err := loadConfig()
	if err != nil {
		logrus.Fatalf("Failed to initialize: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	shutdownTracing, err := observability.SetupTracing(ctx, cfg)
	if err != nil {
		logger.Fatalf("Failed to setup tracing: %v", err)
	}

	a, err := newApp(ctx, cfg, logger)
	if err != nil {
		logger.Fatalf("Failed to initialize application: %v", err)
	}
	defer a.Close()

	// 执行推送
	feed := services.NewExecutionFeed(logger)
	a.engine.AddObserver(feed)
	go feed.Run(ctx)

	if cfg.Scheduler.Enabled {
		if err := a.scheduler.Start(ctx); err != nil {
			logger.Fatalf("Failed to start scheduler: %v", err)
		}
	}

	var consumer *events.Consumer
	if cfg.Events.Enabled {
		consumer = events.NewConsumer(cfg.Events, a.engine, logger)
		if err := consumer.Start(ctx); err != nil {
			logger.Fatalf("Failed to start event consumer: %v", err)
		}
	}

	if cfg.Server.Host != "localhost" {
		gin.SetMode(gin.ReleaseMode)
	}
	router := setupRouter(a, feed)

	server := &http.Server{
		Addr:              fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port),
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		logger.Infof("Starting server on %s:%d", cfg.Server.Host, cfg.Server.Port)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatalf("Server failed to start: %v", err)
		}
	}()

	// 等待中断信号
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info("Shutting down server...")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Errorf("Server forced to shutdown: %v", err)
	}
	if consumer != nil {
		if err := consumer.Close(); err != nil {
			logger.Errorf("Failed to close event consumer: %v", err)
		}
	}
	a.scheduler.Stop()
	cancel()
	if err := shutdownTracing(shutdownCtx); err != nil {
		logger.Errorf("Failed to flush traces: %v", err)
	}

	logger.Info("Server exited")
}

func setupRouter(a *app, feed *services.ExecutionFeed) *gin.Engine {
	cfg := a.cfg
	router := gin.New()

	router.Use(gin.Recovery())
	if cfg.Monitoring.Tracing.Enabled {
		router.Use(otelgin.Middleware(serviceName(cfg)))
	}
	router.Use(middleware.RequestLogger(a.logger))
	router.Use(middleware.CORSMiddleware(cfg.Security.CORS))
	router.Use(middleware.RateLimitMiddleware(cfg))

	healthHandler := handlers.NewHealthHandler(a.store, feed, a.caller.Breakers(), Version)
	router.GET("/health", healthHandler.Health)
	router.GET("/ready", healthHandler.Ready)
	if cfg.Monitoring.Enabled {
		path := cfg.Monitoring.MetricsPath
		if path == "" {
			path = "/metrics"
		}
		router.GET(path, healthHandler.Metrics)
	}

	api := router.Group("/api")
	handlers.RegisterWorkflowRoutes(api, handlers.NewWorkflowHandler(a.service, feed, a.logger))

	return router
}

func serviceName(cfg *config.Config) string {
	if cfg.Monitoring.Tracing.ServiceName != "" {
		return cfg.Monitoring.Tracing.ServiceName
	}
	return "admitflow"
}
