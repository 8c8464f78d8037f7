// cmd/persist-worker/main.go
package main

import (
	"context"
	"flag"
	"io"
	"net/http"
	"time"

	"flashsale/internal/pkg/bootstrap"
	"flashsale/internal/pkg/clock"
	"flashsale/internal/pkg/logger"
	"flashsale/internal/pkg/mq"
	"flashsale/internal/pkg/redis"
	"flashsale/internal/service/sale/application"
	"flashsale/internal/service/sale/domain"
	"flashsale/internal/service/sale/infrastructure"
	"flashsale/internal/service/sale/infrastructure/adapter"
	"flashsale/internal/service/sale/interfaces"

	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const (
	serviceName = "persist-worker"
)

func main() {
	configPath := flag.String("config", "configs/sale-service.yaml", "path to the yaml config file")
	port := flag.Int("port", 9091, "port for /healthz and /metrics")
	flag.Parse()

	cfg, nacosClient, err := bootstrap.Init(serviceName, *configPath)
	if err != nil {
		logger.L().Fatal().Err(err).Msg("failed to load config")
	}
	log := logger.L()
	kc := cfg.Infra.Kafka

	redisClient, err := redis.NewClient(cfg.Infra.Redis.Addrs)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to connect redis")
	}
	db, err := infrastructure.OpenMySQL(infrastructure.MySQLConfig{
		Addr:            cfg.Infra.MySQL.Addr,
		User:            cfg.Infra.MySQL.User,
		Password:        cfg.Infra.MySQL.Password,
		Database:        cfg.Infra.MySQL.Database,
		MaxOpenConns:    cfg.Infra.MySQL.MaxOpenConns,
		MaxIdleConns:    cfg.Infra.MySQL.MaxIdleConns,
		ConnMaxLifetime: cfg.Infra.MySQL.ConnMaxLifetime,
	})
	if err != nil {
		log.Fatal().Err(err).Msg("failed to connect mysql")
	}
	if err := infrastructure.AutoMigrate(db); err != nil {
		log.Fatal().Err(err).Msg("failed to migrate ledger schema")
	}

	policy := mq.RetryPolicy{
		MaxAttempts: cfg.Sale.Retry.MaxAttempts,
		BaseDelay:   cfg.Sale.Retry.BaseDelay,
		MaxDelay:    cfg.Sale.Retry.MaxDelay,
	}
	items := infrastructure.NewGormItemRepository(db)
	ledger := infrastructure.NewGormLedger(db)
	store := adapter.NewInventoryRedisAdapter(redisClient)

	taskWriter := mq.NewKafkaWriter(kc.Brokers, kc.TaskTopic)
	retryWriter := mq.NewKafkaWriter(kc.Brokers, kc.RetryTopic)
	dltWriter := mq.NewKafkaWriter(kc.Brokers, kc.DLTTopic)
	writers := []io.Closer{taskWriter, retryWriter, dltWriter}

	queue := adapter.NewTaskKafkaAdapter(taskWriter, redisClient)
	persistSvc := application.NewPersistenceService(ledger, queue, clock.NewSystem(), nil, policy)
	failureHandler := mq.NewFailureHandler(retryWriter, dltWriter, policy).WithExhaustedError(domain.ErrPersistenceExhausted)
	reconciler := application.NewReconciler(items, ledger, store)

	consumers := []*interfaces.TaskConsumerAdapter{
		interfaces.NewTaskConsumerAdapter(mq.NewKafkaReader(kc.Brokers, kc.TaskTopic, kc.GroupID), kc.TaskTopic, persistSvc, failureHandler),
		interfaces.NewTaskConsumerAdapter(mq.NewKafkaReader(kc.Brokers, kc.RetryTopic, kc.GroupID+"-retry"), kc.RetryTopic, persistSvc, failureHandler),
	}
	dltConsumer := interfaces.NewDltConsumerAdapter(mq.NewKafkaReader(kc.Brokers, kc.DLTTopic, kc.GroupID+"-dlt"), kc.DLTTopic)

	err = bootstrap.StartService(bootstrap.AppInfo{
		ServiceName: serviceName,
		Port:        *port,
		Jaeger:      cfg.Infra.Jaeger,
		Nacos:       nacosClient,
		RegisterHandlers: func(appCtx bootstrap.AppCtx) {
			appCtx.Mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(http.StatusOK) })
			appCtx.Mux.Handle("/metrics", promhttp.Handler())

			for _, c := range consumers {
				c.Start(appCtx.Ctx)
			}
			dltConsumer.Start(appCtx.Ctx)
			appCtx.Group.Go(func() error {
				reconciler.Run(appCtx.Ctx, func() time.Duration { return bootstrap.GetCurrentConfig().Sale.ReconcileInterval })
				return nil
			})
		},
		OnShutdown: func(ctx context.Context) {
			for _, c := range consumers {
				c.Stop(ctx)
			}
			dltConsumer.Stop(ctx)
			for _, w := range writers {
				if err := w.Close(); err != nil {
					log.Error().Err(err).Msg("failed to close kafka writer")
				}
			}
			if err := redisClient.Close(); err != nil {
				log.Error().Err(err).Msg("failed to close redis client")
			}
			if sqlDB, err := db.DB(); err == nil {
				_ = sqlDB.Close()
			}
		},
	})
	if err != nil {
		log.Fatal().Err(err).Msg("worker exited with error")
	}
}
