// Package webhooks is the fire-and-forget notification boundary. Delivery
// failures are counted and logged; they never block or corrupt ledger state.
package webhooks

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/punchamoorthee/payflow/internal/logger"
)

const (
	EventPaymentFunding   = "outgoing_payment.funding"
	EventPaymentCompleted = "outgoing_payment.completed"
	EventPaymentCancelled = "outgoing_payment.cancelled"
)

var webhookDeliveries = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "payflow_webhook_deliveries_total",
	Help: "Webhook delivery attempts by event type and outcome",
}, []string{"type", "outcome"})

type Event struct {
	ID   string `json:"id"`
	Type string `json:"type"`
	Data any    `json:"data"`
}

type Sink interface {
	Notify(ctx context.Context, event Event) error
}

// HTTPSink posts events as JSON to a single endpoint.
type HTTPSink struct {
	url    string
	client *http.Client
}

func NewHTTPSink(url string, client *http.Client) *HTTPSink {
	if client == nil {
		client = http.DefaultClient
	}
	return &HTTPSink{url: url, client: client}
}

func (s *HTTPSink) Notify(ctx context.Context, event Event) error {
	body, err := json.Marshal(event)
	if err != nil {
		webhookDeliveries.WithLabelValues(event.Type, "error").Inc()
		return err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.url, bytes.NewReader(body))
	if err != nil {
		webhookDeliveries.WithLabelValues(event.Type, "error").Inc()
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.client.Do(req)
	if err != nil {
		webhookDeliveries.WithLabelValues(event.Type, "error").Inc()
		logger.Warn("webhook delivery failed", logger.Fields{"type": event.Type, "error": err.Error()})
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		webhookDeliveries.WithLabelValues(event.Type, "error").Inc()
		logger.Warn("webhook delivery rejected", logger.Fields{"type": event.Type, "status": resp.StatusCode})
		return fmt.Errorf("webhook endpoint returned %d", resp.StatusCode)
	}

	webhookDeliveries.WithLabelValues(event.Type, "ok").Inc()
	return nil
}

// NoopSink discards events. Used when no webhook endpoint is configured.
type NoopSink struct{}

func (NoopSink) Notify(ctx context.Context, event Event) error {
	return nil
}
