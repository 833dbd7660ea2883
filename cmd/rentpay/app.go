package main

import (
	"context"
	"fmt"

	"github.com/go-redis/redis/v8"
	"go.uber.org/fx"
	"go.uber.org/fx/fxevent"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/sambitmohanty1/rentpay/internal/config"
	"github.com/sambitmohanty1/rentpay/internal/database"
	"github.com/sambitmohanty1/rentpay/internal/directory"
	"github.com/sambitmohanty1/rentpay/internal/eventbus"
	"github.com/sambitmohanty1/rentpay/internal/gateway"
	"github.com/sambitmohanty1/rentpay/internal/idempotency"
	"github.com/sambitmohanty1/rentpay/internal/monitoring"
	"github.com/sambitmohanty1/rentpay/internal/notification"
	"github.com/sambitmohanty1/rentpay/internal/secrets"
	"github.com/sambitmohanty1/rentpay/internal/services"
	"github.com/sambitmohanty1/rentpay/internal/store"
)

// coreModule provides everything the payment engine needs, without the HTTP
// surface. Batch commands run on it directly.
var coreModule = fx.Options(
	fx.WithLogger(func() fxevent.Logger {
		return &fxevent.ZapLogger{Logger: zap.NewNop()}
	}),
	fx.Provide(
		loadConfig,
		initLogger,
		initDatabase,
		newRedisClient,
		newDispatcher,
		newClaimer,
		monitoring.NewMetrics,
		func(cfg *config.Config, logger *zap.Logger) (*gateway.Registry, error) {
			return gateway.FromConfig(cfg, logger)
		},
		func(db *gorm.DB) *store.GormStore { return store.NewGormStore(db) },
		func(s *store.GormStore) store.PaymentStore { return s },
		func(s *store.GormStore) store.EventStore { return s },
		func(db *gorm.DB) directory.Directory { return directory.NewGormDirectory(db) },
		services.NewPaymentService,
		services.NewRecurringService,
		services.NewReportService,
		func(cfg *config.Config, payments *services.PaymentService, events store.EventStore, claimer idempotency.Claimer, logger *zap.Logger) *services.ReconciliationService {
			return services.NewReconciliationService(payments, events, claimer, cfg.Redis.ClaimTTL, logger)
		},
	),
)

// loadConfig reads the configuration and, when Vault is configured, replaces
// credentials with the ones stored there.
func loadConfig() (*config.Config, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, err
	}
	if cfg.Vault.Enabled() {
		logger := initLogger(cfg)
		vault, err := secrets.NewVaultClient(cfg.Vault, logger)
		if err != nil {
			logger.Warn("Failed to initialize Vault client, using config-based secrets", zap.Error(err))
			return cfg, nil
		}
		vault.Overlay(cfg)
		logger.Info("Secrets loaded from Vault")
	}
	return cfg, nil
}

func initLogger(cfg *config.Config) *zap.Logger {
	var logLevel zap.AtomicLevel
	switch cfg.Log.Level {
	case "debug":
		logLevel = zap.NewAtomicLevelAt(zap.DebugLevel)
	case "warn":
		logLevel = zap.NewAtomicLevelAt(zap.WarnLevel)
	case "error":
		logLevel = zap.NewAtomicLevelAt(zap.ErrorLevel)
	default:
		logLevel = zap.NewAtomicLevelAt(zap.InfoLevel)
	}

	zcfg := zap.NewProductionConfig()
	zcfg.Level = logLevel
	logger, err := zcfg.Build()
	if err != nil {
		return zap.NewNop()
	}
	return logger
}

func initDatabase(lc fx.Lifecycle, cfg *config.Config, logger *zap.Logger) (*gorm.DB, error) {
	db, err := database.Open(cfg.Database, logger)
	if err != nil {
		return nil, err
	}
	if err := database.RunMigrations(db); err != nil {
		return nil, fmt.Errorf("failed to run database migrations: %w", err)
	}
	lc.Append(fx.Hook{
		OnStop: func(ctx context.Context) error {
			sqlDB, err := db.DB()
			if err != nil {
				return err
			}
			return sqlDB.Close()
		},
	})
	return db, nil
}

func newRedisClient(lc fx.Lifecycle, cfg *config.Config) *redis.Client {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr(),
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	lc.Append(fx.Hook{
		OnStop: func(ctx context.Context) error { return client.Close() },
	})
	return client
}

// newClaimer returns the webhook claim store. Without a Redis host replays
// are caught by the event log alone.
func newClaimer(cfg *config.Config, client *redis.Client) idempotency.Claimer {
	if cfg.Redis.Host == "" {
		return nil
	}
	return idempotency.NewRedisClaimer(client, "rentpay:webhook:")
}

// newDispatcher selects how notifications leave the process.
//
//	log   - written to the service log
//	local - in-process bus relayed to the log
//	redis - Redis pub/sub relayed to the log by one subscriber per instance
//	sqs   - sent to an SQS queue
func newDispatcher(lc fx.Lifecycle, cfg *config.Config, client *redis.Client, logger *zap.Logger) (notification.Dispatcher, error) {
	switch cfg.Notification.Driver {
	case "", "log":
		return notification.NewLogDispatcher(logger), nil

	case "local":
		bus := eventbus.NewLocalEventBus(logger)
		relay := notification.NewRelay(bus, cfg.Notification.Channel, notification.NewLogDispatcher(logger), logger)
		lc.Append(fx.Hook{
			// the subscription outlives the start deadline
			OnStart: func(context.Context) error { return relay.Start(context.Background()) },
			OnStop: func(ctx context.Context) error {
				bus.Drain()
				_ = relay.Stop()
				return bus.Close()
			},
		})
		return notification.NewBusDispatcher(bus, cfg.Notification.Channel, logger), nil

	case "redis":
		bus, err := eventbus.NewRedisEventBus(client, logger)
		if err != nil {
			return nil, err
		}
		relay := notification.NewRelay(bus, cfg.Notification.Channel, notification.NewLogDispatcher(logger), logger)
		lc.Append(fx.Hook{
			// the subscription outlives the start deadline
			OnStart: func(context.Context) error { return relay.Start(context.Background()) },
			OnStop: func(ctx context.Context) error {
				_ = relay.Stop()
				return bus.Close()
			},
		})
		return notification.NewBusDispatcher(bus, cfg.Notification.Channel, logger), nil

	case "sqs":
		if cfg.AWS.QueueURL == "" {
			return nil, fmt.Errorf("notification driver sqs requires aws.queue_url")
		}
		sqsClient, err := notification.NewSQSClient(context.Background(), cfg.AWS)
		if err != nil {
			return nil, err
		}
		d := notification.NewSQSDispatcher(sqsClient, cfg.AWS.QueueURL, logger)
		lc.Append(fx.Hook{
			OnStop: func(ctx context.Context) error {
				d.Flush()
				return nil
			},
		})
		return d, nil

	default:
		return nil, fmt.Errorf("unknown notification driver %q", cfg.Notification.Driver)
	}
}

// runWith starts the core graph, populates targets and runs fn before
// stopping the graph again.
func runWith(ctx context.Context, fn func() error, targets ...interface{}) error {
	app := fx.New(coreModule, fx.Populate(targets...))
	if err := app.Err(); err != nil {
		return err
	}
	if err := app.Start(ctx); err != nil {
		return err
	}
	runErr := fn()
	if err := app.Stop(context.Background()); err != nil && runErr == nil {
		runErr = err
	}
	return runErr
}
