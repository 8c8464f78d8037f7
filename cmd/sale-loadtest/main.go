// cmd/sale-loadtest/main.go
package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"syscall"
	"time"

	"flashsale/internal/loadtest"
	"flashsale/internal/pkg/httpclient"
	"flashsale/internal/pkg/logger"
	"flashsale/internal/tracing"

	"go.opentelemetry.io/otel"
)

const serviceName = "sale-loadtest"

func main() {
	os.Exit(run())
}

func run() int {
	baseURL := flag.String("base-url", "http://localhost:8080", "sale-service base url")
	users := flag.Int("users", 10000, "number of synthetic users")
	duration := flag.Duration("duration", time.Minute, "load duration")
	purchaseWorkers := flag.Int("purchase-workers", 200, "concurrent purchase workers")
	statusWorkers := flag.Int("status-workers", 100, "concurrent status workers")
	userStatusWorkers := flag.Int("user-status-workers", 50, "concurrent user-status workers")
	pause := flag.Duration("pause", 200*time.Millisecond, "pause between requests of one worker")
	jaegerEndpoint := flag.String("jaeger", "", "jaeger collector endpoint, empty disables tracing")
	maxErrorRate := flag.Float64("max-error-rate", 0.05, "fail when any scenario exceeds this error rate")
	maxP95 := flag.Duration("max-p95", 800*time.Millisecond, "fail when any scenario exceeds this p95 latency")
	flag.Parse()

	logger.Init(serviceName, "info")
	log := logger.L()

	if *jaegerEndpoint != "" {
		tp, err := tracing.InitTracerProvider(serviceName, *jaegerEndpoint, 0.1)
		if err != nil {
			log.Fatal().Err(err).Msg("failed to init tracer provider")
		}
		defer func() { _ = tp.Shutdown(context.Background()) }()
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	client := httpclient.NewClient(*baseURL, otel.Tracer(serviceName), *purchaseWorkers+*statusWorkers+*userStatusWorkers)
	runner := loadtest.NewRunner(client, loadtest.Options{
		Users:             loadtest.GenerateUsers(*users),
		Duration:          *duration,
		PurchaseWorkers:   *purchaseWorkers,
		StatusWorkers:     *statusWorkers,
		UserStatusWorkers: *userStatusWorkers,
		Pause:             *pause,
	})

	report, err := runner.Run(ctx)
	if err != nil {
		log.Error().Err(err).Msg("load test aborted")
		return 1
	}

	failed := false
	for name, s := range report.Scenarios {
		ev := log.Info()
		if s.ErrorRate() > *maxErrorRate || s.P95() > *maxP95 {
			ev, failed = log.Warn(), true
		}
		ev.Str("scenario", name).Int("requests", s.Requests).Int("errors", s.Errors).
			Float64("error_rate", s.ErrorRate()).Dur("p95", s.P95()).Interface("by_status", s.ByStatus).
			Msg("scenario finished")
	}

	log.Info().Str("product_id", report.ProductID).Int("purchased", len(report.Purchased)).
		Int64("total_quantity", report.TotalQuantity).Int64("available", report.Available).
		Msg("sale summary")
	if report.Oversold() || len(report.DoubleOrders) > 0 {
		log.Error().Int("purchased", len(report.Purchased)).Strs("double_orders", report.DoubleOrders).
			Msg("🚨 CRITICAL: admission invariant violated")
		failed = true
	}
	if failed {
		return 1
	}
	return 0
}
