// cmd/sale-service/main.go
package main

import (
	"context"
	"flag"
	"time"

	"flashsale/internal/pkg/bootstrap"
	"flashsale/internal/pkg/clock"
	"flashsale/internal/pkg/logger"
	"flashsale/internal/pkg/mq"
	"flashsale/internal/pkg/redis"
	"flashsale/internal/service/sale/application"
	"flashsale/internal/service/sale/domain"
	"flashsale/internal/service/sale/domain/port"
	"flashsale/internal/service/sale/infrastructure"
	"flashsale/internal/service/sale/infrastructure/adapter"
	"flashsale/internal/service/sale/interfaces"
	"flashsale/internal/zookeeper"

	"github.com/shopspring/decimal"
)

const (
	serviceName = "sale-service"
)

// main 函数是应用的"组装根" (Composition Root)
func main() {
	configPath := flag.String("config", "configs/sale-service.yaml", "path to the yaml config file")
	seed := flag.Bool("seed", false, "create a demo flash-sale item before serving")
	flag.Parse()

	cfg, nacosClient, err := bootstrap.Init(serviceName, *configPath)
	if err != nil {
		logger.L().Fatal().Err(err).Msg("failed to load config")
	}
	log := logger.L()

	redisClient, err := redis.NewClient(cfg.Infra.Redis.Addrs)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to connect redis")
	}
	db, err := infrastructure.OpenMySQL(mysqlConfig(cfg.Infra.MySQL))
	if err != nil {
		log.Fatal().Err(err).Msg("failed to connect mysql")
	}
	if err := infrastructure.AutoMigrate(db); err != nil {
		log.Fatal().Err(err).Msg("failed to migrate ledger schema")
	}

	locker, closeLocker, err := newLocker(cfg, redisClient)
	if err != nil {
		log.Fatal().Err(err).Str("backend", cfg.Sale.LockBackend).Msg("failed to create purchase lock")
	}

	items := infrastructure.NewGormItemRepository(db)
	ledger := infrastructure.NewGormLedger(db)
	store := adapter.NewInventoryRedisAdapter(redisClient)
	taskWriter := mq.NewKafkaWriter(cfg.Infra.Kafka.Brokers, cfg.Infra.Kafka.TaskTopic)
	queue := adapter.NewTaskKafkaAdapter(taskWriter, redisClient)
	clk := clock.NewSystem()

	svc := application.NewAdmissionService(items, ledger, store, locker, queue, clk, nil, application.AdmissionConfig{
		LockTTL:   cfg.Sale.LockTTL,
		OpTimeout: cfg.Sale.OpTimeout,
		Retry:     retryPolicy(cfg.Sale.Retry),
	})
	scheduler := application.NewSaleWindowScheduler(items, clk, nil)

	ctx := context.Background()
	if *seed {
		if err := seedDemoItem(ctx, items, clk); err != nil {
			log.Fatal().Err(err).Msg("failed to seed demo item")
		}
	}
	if _, err := svc.WarmUp(ctx); err != nil {
		log.Error().Err(err).Msg("inventory warm-up finished with errors")
	}

	err = bootstrap.StartService(bootstrap.AppInfo{
		ServiceName: serviceName,
		Port:        cfg.App.Port,
		Jaeger:      cfg.Infra.Jaeger,
		Nacos:       nacosClient,
		RegisterHandlers: func(appCtx bootstrap.AppCtx) {
			interfaces.NewSaleHandler(svc).RegisterRoutes(appCtx.Mux)
			appCtx.Group.Go(func() error {
				scheduler.Run(appCtx.Ctx, func() time.Duration { return bootstrap.GetCurrentConfig().Sale.SweepInterval })
				return nil
			})
		},
		OnShutdown: func(ctx context.Context) {
			// 先等所有已承诺的订单投递出去，再关闭 writer
			if err := svc.Shutdown(ctx); err != nil {
				log.Error().Err(err).Msg("🚨 CRITICAL: persist hand-offs still pending at shutdown")
			}
			if err := taskWriter.Close(); err != nil {
				log.Error().Err(err).Msg("failed to close kafka writer")
			}
			closeLocker()
			if err := redisClient.Close(); err != nil {
				log.Error().Err(err).Msg("failed to close redis client")
			}
			if sqlDB, err := db.DB(); err == nil {
				_ = sqlDB.Close()
			}
		},
	})
	if err != nil {
		log.Fatal().Err(err).Msg("service exited with error")
	}
}

func newLocker(cfg *bootstrap.Config, redisClient *redis.Client) (port.Locker, func(), error) {
	if cfg.Sale.LockBackend == "zookeeper" {
		conn, err := zookeeper.Dial(cfg.Infra.Zookeeper.Servers, cfg.Infra.Zookeeper.SessionTimeout)
		if err != nil {
			return nil, nil, err
		}
		lock, err := zookeeper.NewTTLLock(conn, cfg.Infra.Zookeeper.Root)
		if err != nil {
			conn.Close()
			return nil, nil, err
		}
		return lock, conn.Close, nil
	}
	lock, err := adapter.NewLockRedisAdapter(redisClient)
	if err != nil {
		return nil, nil, err
	}
	return lock, func() {}, nil
}

func seedDemoItem(ctx context.Context, items domain.ItemRepository, clk clock.Clock) error {
	now := clk.Now()
	end := now.Add(time.Hour)
	item := &domain.Item{
		Name:          "Limited Edition Sneaker",
		Description:   "Flash sale demo item",
		Price:         decimal.RequireFromString("199.99"),
		TotalQuantity: 100,
		SaleStartAt:   &now,
		SaleEndAt:     &end,
	}
	if err := items.Create(ctx, item); err != nil {
		return err
	}
	logger.Ctx(ctx).Info().Str("item_id", item.ID).Int64("total_quantity", item.TotalQuantity).Msg("demo item created")
	return nil
}

func mysqlConfig(c bootstrap.MySQLConfig) infrastructure.MySQLConfig {
	return infrastructure.MySQLConfig{
		Addr:            c.Addr,
		User:            c.User,
		Password:        c.Password,
		Database:        c.Database,
		MaxOpenConns:    c.MaxOpenConns,
		MaxIdleConns:    c.MaxIdleConns,
		ConnMaxLifetime: c.ConnMaxLifetime,
	}
}

func retryPolicy(c bootstrap.RetryConfig) mq.RetryPolicy {
	return mq.RetryPolicy{MaxAttempts: c.MaxAttempts, BaseDelay: c.BaseDelay, MaxDelay: c.MaxDelay}
}
