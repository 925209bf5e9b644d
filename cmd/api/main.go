package main

import (
	"context"
	"log"
	"net/http"

	"github.com/go-redis/redis/v8"
	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/shopspring/decimal"

	"github.com/punchamoorthee/payflow/internal/accounting"
	"github.com/punchamoorthee/payflow/internal/api"
	"github.com/punchamoorthee/payflow/internal/config"
	"github.com/punchamoorthee/payflow/internal/payclient"
	"github.com/punchamoorthee/payflow/internal/payments"
	"github.com/punchamoorthee/payflow/internal/rates"
	"github.com/punchamoorthee/payflow/internal/store"
	"github.com/punchamoorthee/payflow/internal/webhooks"
	"github.com/punchamoorthee/payflow/internal/worker"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatal(err)
	}
	ctx := context.Background()

	var ledgerStore accounting.Store
	var paymentStore payments.Store
	switch cfg.Store {
	case "memory":
		mem := store.NewMemory()
		ledgerStore, paymentStore = mem, mem
	default:
		pg, err := store.NewPostgres(cfg.DBSource)
		if err != nil {
			log.Fatalf("Unable to connect to database: %v", err)
		}
		defer pg.Close()
		if err := pg.Bootstrap(ctx); err != nil {
			log.Fatalf("Unable to bootstrap schema: %v", err)
		}
		ledgerStore, paymentStore = pg, pg
	}

	ratesService := buildRates(cfg)
	prices, err := ratesService.Prices(ctx)
	if err != nil {
		log.Printf("Price feed unavailable at startup, loopback uses defaults: %v", err)
		prices = devPrices()
	}

	ledger := accounting.NewEngine(ledgerStore)
	client := payclient.NewLoopback(prices)

	var hooks webhooks.Sink = webhooks.NoopSink{}
	if cfg.WebhookURL != "" {
		hooks = webhooks.NewHTTPSink(cfg.WebhookURL, nil)
	}

	paymentService := payments.NewService(paymentStore, ledger, ratesService, client, hooks, payments.Config{
		Slippage:        cfg.Slippage,
		QuoteLifespan:   cfg.QuoteLifespan,
		SendTimeout:     cfg.SendTimeout,
		MaxQuoteRetries: cfg.MaxQuoteRetries,
		MaxSendRetries:  cfg.MaxSendRetries,
		RetryBase:       cfg.RetryBase,
		RetryCap:        cfg.RetryCap,
	})

	// The memory store is process-local, so dev mode runs the worker pool
	// in-process. Postgres deployments run cmd/worker separately.
	if cfg.Store == "memory" {
		pool := worker.NewPool(paymentService, cfg.WorkerCount, cfg.WorkerIdle)
		go func() {
			if err := pool.Run(ctx); err != nil && ctx.Err() == nil {
				log.Printf("Worker pool stopped: %v", err)
			}
		}()
	}

	handler := api.NewHandler(ledger, paymentService)

	r := mux.NewRouter()
	r.Handle("/metrics", promhttp.Handler())
	r.HandleFunc("/health", handler.HealthCheckHandler).Methods("GET")

	apiV1 := r.PathPrefix("/api/v1").Subrouter()
	apiV1.HandleFunc("/assets", handler.CreateAssetHandler).Methods("POST")
	apiV1.HandleFunc("/accounts", handler.CreateAccountHandler).Methods("POST")
	apiV1.HandleFunc("/accounts/{id}", handler.GetAccountHandler).Methods("GET")
	apiV1.HandleFunc("/accounts/{id}/deposits", handler.CreateDepositHandler).Methods("POST")
	apiV1.HandleFunc("/accounts/{id}/withdrawals", handler.CreateWithdrawalHandler).Methods("POST")
	apiV1.HandleFunc("/transfers", handler.CreateTransferHandler).Methods("POST")
	apiV1.HandleFunc("/transfers/{id}", handler.GetTransferHandler).Methods("GET")
	apiV1.HandleFunc("/transfers/{id}/commit", handler.CommitTransferHandler).Methods("POST")
	apiV1.HandleFunc("/transfers/{id}/rollback", handler.RollbackTransferHandler).Methods("POST")
	apiV1.HandleFunc("/payments", handler.CreatePaymentHandler).Methods("POST")
	apiV1.HandleFunc("/payments/{id}", handler.GetPaymentHandler).Methods("GET")
	apiV1.HandleFunc("/payments/{id}/fund", handler.FundPaymentHandler).Methods("POST")
	apiV1.HandleFunc("/payments/{id}/cancel", handler.CancelPaymentHandler).Methods("POST")
	apiV1.HandleFunc("/payments/{id}/requote", handler.RequotePaymentHandler).Methods("POST")

	log.Printf("Server starting on :%s", cfg.Port)
	if err := http.ListenAndServe(":"+cfg.Port, r); err != nil {
		log.Fatal(err)
	}
}

func buildRates(cfg *config.Config) rates.Service {
	var svc rates.Service
	if cfg.PricesURL != "" {
		svc = rates.NewHTTPService(cfg.PricesURL, nil)
	} else {
		svc = rates.NewStatic(devPrices())
	}

	if cfg.RedisAddr != "" {
		rdb := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
		svc = rates.NewCached(svc, rdb, cfg.RatesTTL)
	}
	return svc
}

func devPrices() map[string]decimal.Decimal {
	return map[string]decimal.Decimal{
		"USD": decimal.NewFromInt(1),
		"EUR": decimal.RequireFromString("1.09"),
	}
}
