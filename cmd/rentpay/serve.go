package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/go-redis/redis/v8"
	"github.com/spf13/cobra"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/sambitmohanty1/rentpay/internal/api"
	"github.com/sambitmohanty1/rentpay/internal/config"
	"github.com/sambitmohanty1/rentpay/internal/directory"
	"github.com/sambitmohanty1/rentpay/internal/monitoring"
	"github.com/sambitmohanty1/rentpay/internal/reference"
	"github.com/sambitmohanty1/rentpay/internal/services"
)

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the payment API",
		RunE: func(cmd *cobra.Command, args []string) error {
			app := fx.New(
				coreModule,
				fx.Provide(
					newMonitoring,
					newRouter,
					newHTTPServer,
				),
				fx.Invoke(func(*http.Server) {}),
				fx.StopTimeout(30*time.Second),
			)
			if err := app.Err(); err != nil {
				return err
			}
			if err := app.Start(context.Background()); err != nil {
				return fmt.Errorf("failed to start: %w", err)
			}

			sigChan := make(chan os.Signal, 1)
			signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
			<-sigChan

			return app.Stop(context.Background())
		},
	}
}

func newMonitoring(lc fx.Lifecycle, metrics *monitoring.Metrics, db *gorm.DB, client *redis.Client, cfg *config.Config, logger *zap.Logger) *monitoring.MonitoringService {
	m := monitoring.NewMonitoringService(metrics, logger)
	m.AddCheck("database", true, func(ctx context.Context) error {
		sqlDB, err := db.DB()
		if err != nil {
			return err
		}
		return sqlDB.PingContext(ctx)
	})
	if cfg.Redis.Host != "" {
		m.AddCheck("redis", false, func(ctx context.Context) error {
			return client.Ping(ctx).Err()
		})
	}

	ctx, cancel := context.WithCancel(context.Background())
	lc.Append(fx.Hook{
		OnStart: func(context.Context) error {
			m.StartHealthMonitoring(ctx, 30*time.Second)
			return nil
		},
		OnStop: func(context.Context) error {
			cancel()
			return nil
		},
	})
	return m
}

func newRouter(
	cfg *config.Config,
	payments *services.PaymentService,
	recurring *services.RecurringService,
	reconcile *services.ReconciliationService,
	reports *services.ReportService,
	dir directory.Directory,
	m *monitoring.MonitoringService,
	logger *zap.Logger,
) (*gin.Engine, error) {
	if cfg.Auth.JWTSecret == "" {
		return nil, errors.New("auth.jwt_secret must be set")
	}
	gin.SetMode(cfg.Server.Mode)

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(requestLogger(logger))

	router.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"status":    "healthy",
			"service":   "rentpay",
			"timestamp": time.Now().UTC(),
		})
	})
	router.GET("/health/detailed", m.HandleHealthCheck)
	router.GET("/metrics", m.HandleMetrics)

	handlers := api.NewHandlers(payments, recurring, reconcile, reports, reference.NewValidator(cfg.Billing.Region), logger)
	handlers.Register(router, api.CallerMiddleware(cfg.Auth.JWTSecret, cfg.Auth.Issuer, dir, logger))
	return router, nil
}

func requestLogger(logger *zap.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		logger.Debug("Request",
			zap.String("method", c.Request.Method),
			zap.String("path", c.FullPath()),
			zap.Int("status", c.Writer.Status()),
			zap.Duration("took", time.Since(start)))
	}
}

func newHTTPServer(lc fx.Lifecycle, cfg *config.Config, router *gin.Engine, logger *zap.Logger) *http.Server {
	srv := &http.Server{
		Addr:              fmt.Sprintf("%s:%s", cfg.Server.Host, cfg.Server.Port),
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}
	lc.Append(fx.Hook{
		OnStart: func(context.Context) error {
			go func() {
				logger.Info("Starting rentpay API", zap.String("addr", srv.Addr))
				if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
					logger.Fatal("Failed to start server", zap.Error(err))
				}
			}()
			return nil
		},
		OnStop: func(ctx context.Context) error {
			logger.Info("Shutting down server...")
			timeout := cfg.Server.ShutdownTimeout
			if timeout <= 0 {
				timeout = 30 * time.Second
			}
			ctx, cancel := context.WithTimeout(ctx, timeout)
			defer cancel()
			return srv.Shutdown(ctx)
		},
	})
	return srv
}
