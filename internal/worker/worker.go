// Package worker runs the cooperative polling loop that drives payment
// lifecycles. Any number of pollers (and processes) may run concurrently;
// row locks with skip-locked selection keep them off each other's payments.
package worker

import (
	"context"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"golang.org/x/sync/errgroup"

	"github.com/punchamoorthee/payflow/internal/logger"
	"github.com/punchamoorthee/payflow/internal/payments"
)

var (
	processedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "payflow_worker_processed_total",
		Help: "Payments advanced by the worker pool",
	})

	idleTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "payflow_worker_idle_total",
		Help: "Poll cycles that found no eligible payment",
	})

	pollErrors = promauto.NewCounter(prometheus.CounterOpts{
		Name: "payflow_worker_errors_total",
		Help: "Poll cycles that failed before reaching a handler",
	})
)

type Pool struct {
	service *payments.Service
	count   int
	idle    time.Duration
}

func NewPool(service *payments.Service, count int, idle time.Duration) *Pool {
	if count < 1 {
		count = 1
	}
	return &Pool{service: service, count: count, idle: idle}
}

// Run blocks until the context is cancelled.
func (p *Pool) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)
	for i := 0; i < p.count; i++ {
		g.Go(func() error {
			return p.loop(ctx)
		})
	}
	return g.Wait()
}

func (p *Pool) loop(ctx context.Context) error {
	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		id, err := p.service.ProcessNext(ctx)
		switch {
		case err != nil:
			pollErrors.Inc()
			logger.Error("worker poll failed", err, nil)
			if !sleep(ctx, p.idle) {
				return ctx.Err()
			}
		case id == "":
			idleTotal.Inc()
			if !sleep(ctx, p.idle) {
				return ctx.Err()
			}
		default:
			processedTotal.Inc()
		}
	}
}

func sleep(ctx context.Context, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}
