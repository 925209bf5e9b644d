package main

import (
	"context"
	"log"
	"net/http"
	"os/signal"
	"syscall"

	"github.com/go-redis/redis/v8"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/shopspring/decimal"

	"github.com/punchamoorthee/payflow/internal/accounting"
	"github.com/punchamoorthee/payflow/internal/config"
	"github.com/punchamoorthee/payflow/internal/payclient"
	"github.com/punchamoorthee/payflow/internal/payments"
	"github.com/punchamoorthee/payflow/internal/rates"
	"github.com/punchamoorthee/payflow/internal/store"
	"github.com/punchamoorthee/payflow/internal/webhooks"
	"github.com/punchamoorthee/payflow/internal/worker"
)

// The worker binary drives payment lifecycles against the shared database.
// Any number of replicas may run; skip-locked acquisition partitions the work.
func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatal(err)
	}
	if cfg.Store != "postgres" {
		log.Fatal("worker requires STORE=postgres; memory mode runs its pool inside cmd/api")
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	pg, err := store.NewPostgres(cfg.DBSource)
	if err != nil {
		log.Fatalf("Unable to connect to database: %v", err)
	}
	defer pg.Close()
	if err := pg.Bootstrap(ctx); err != nil {
		log.Fatalf("Unable to bootstrap schema: %v", err)
	}

	var ratesService rates.Service
	if cfg.PricesURL != "" {
		ratesService = rates.NewHTTPService(cfg.PricesURL, nil)
	} else {
		ratesService = rates.NewStatic(map[string]decimal.Decimal{
			"USD": decimal.NewFromInt(1),
			"EUR": decimal.RequireFromString("1.09"),
		})
	}
	if cfg.RedisAddr != "" {
		rdb := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
		ratesService = rates.NewCached(ratesService, rdb, cfg.RatesTTL)
	}

	prices, err := ratesService.Prices(ctx)
	if err != nil {
		log.Fatalf("Price feed unavailable: %v", err)
	}

	var hooks webhooks.Sink = webhooks.NoopSink{}
	if cfg.WebhookURL != "" {
		hooks = webhooks.NewHTTPSink(cfg.WebhookURL, nil)
	}

	ledger := accounting.NewEngine(pg)
	paymentService := payments.NewService(pg, ledger, ratesService, payclient.NewLoopback(prices), hooks, payments.Config{
		Slippage:        cfg.Slippage,
		QuoteLifespan:   cfg.QuoteLifespan,
		SendTimeout:     cfg.SendTimeout,
		MaxQuoteRetries: cfg.MaxQuoteRetries,
		MaxSendRetries:  cfg.MaxSendRetries,
		RetryBase:       cfg.RetryBase,
		RetryCap:        cfg.RetryCap,
	})

	go func() {
		http.Handle("/metrics", promhttp.Handler())
		if err := http.ListenAndServe(":"+cfg.Port, nil); err != nil {
			log.Printf("Metrics server stopped: %v", err)
		}
	}()

	pool := worker.NewPool(paymentService, cfg.WorkerCount, cfg.WorkerIdle)
	log.Printf("Worker pool starting with %d pollers", cfg.WorkerCount)
	if err := pool.Run(ctx); err != nil && ctx.Err() == nil {
		log.Fatal(err)
	}
}
