/**
 * Copyright 2025-present Coinbase Global, Inc.
 *
 * Licensed under the Apache License, Version 2.0 (the "License");
 * you may not use this file except in compliance with the License.
 * You may obtain a copy of the License at
 *
 *  http://www.apache.org/licenses/LICENSE-2.0
 *
 * Unless required by applicable law or agreed to in writing, software
 * distributed under the License is distributed on an "AS IS" BASIS,
 * WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
 * See the License for the specific language governing permissions and
 * limitations under the License.
 */

package metrics

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

// Collector owns the process metrics. A nil *Collector is valid and records
// nothing, so components can take one optionally.
type Collector struct {
	registry           *prometheus.Registry
	packets            *prometheus.CounterVec
	ledgerOperations   *prometheus.CounterVec
	workerIterations   *prometheus.CounterVec
	paymentTransitions *prometheus.CounterVec
	webhookDeliveries  *prometheus.CounterVec
	sendDuration       prometheus.Histogram
}

func NewCollector() *Collector {
	registry := prometheus.NewRegistry()
	factory := promauto.With(registry)

	return &Collector{
		registry: registry,
		packets: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "ilp_packets_total",
			Help: "Interledger packets handled by the balance middleware",
		}, []string{"result", "code"}),
		ledgerOperations: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "ledger_operations_total",
			Help: "Two-phase transfer operations issued by the accounting layer",
		}, []string{"operation", "result"}),
		workerIterations: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "worker_iterations_total",
			Help: "Polling worker iterations",
		}, []string{"worker", "result"}),
		paymentTransitions: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "payment_state_transitions_total",
			Help: "Payment lifecycle transitions",
		}, []string{"kind", "state"}),
		webhookDeliveries: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "webhook_deliveries_total",
			Help: "Webhook delivery attempts",
		}, []string{"result"}),
		sendDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "outgoing_payment_send_duration_seconds",
			Help:    "Time taken by a single outgoing payment send attempt",
			Buckets: prometheus.DefBuckets,
		}),
	}
}

func (c *Collector) Registry() *prometheus.Registry {
	if c == nil {
		return nil
	}
	return c.registry
}

func (c *Collector) RecordPacket(result, code string) {
	if c == nil {
		return
	}
	c.packets.WithLabelValues(result, code).Inc()
}

func (c *Collector) RecordLedgerOperation(operation string, err error) {
	if c == nil {
		return
	}
	c.ledgerOperations.WithLabelValues(operation, resultLabel(err)).Inc()
}

func (c *Collector) RecordWorkerIteration(worker, result string) {
	if c == nil {
		return
	}
	c.workerIterations.WithLabelValues(worker, result).Inc()
}

func (c *Collector) RecordTransition(kind, state string) {
	if c == nil {
		return
	}
	c.paymentTransitions.WithLabelValues(kind, state).Inc()
}

func (c *Collector) RecordWebhookDelivery(err error) {
	if c == nil {
		return
	}
	c.webhookDeliveries.WithLabelValues(resultLabel(err)).Inc()
}

func (c *Collector) ObserveSend(d time.Duration) {
	if c == nil {
		return
	}
	c.sendDuration.Observe(d.Seconds())
}

func (c *Collector) Handler() http.Handler {
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{})
}

// Serve exposes /metrics on addr until ctx is cancelled.
func (c *Collector) Serve(ctx context.Context, addr string) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", c.Handler())

	server := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		zap.L().Info("Starting metrics server", zap.String("addr", addr))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			zap.L().Warn("Metrics server shutdown failed", zap.Error(err))
		}
		zap.L().Info("Metrics server stopped")
		return nil
	}
}

func resultLabel(err error) string {
	if err != nil {
		return "error"
	}
	return "ok"
}
