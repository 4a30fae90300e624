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


package config

import (
	"fmt"
	"math"
	"os"
	"strconv"
	"time"

	"ilp-ledger-go/internal/models"
)

type durationVar struct {
	key   string
	def   time.Duration
	value *time.Duration
}

func Load() (*models.Config, error) {
	cfg := &models.Config{
		Database: models.DatabaseConfig{
			Driver:       getEnvString("DATABASE_DRIVER", "sqlite3"),
			Path:         getEnvString("DATABASE_PATH", "ledger.db"),
			MaxOpenConns: getEnvInt("DB_MAX_OPEN_CONNS", 25),
			MaxIdleConns: getEnvInt("DB_MAX_IDLE_CONNS", 5),
		},
		Connector: models.ConnectorConfig{
			IlpAddress: getEnvString("ILP_ADDRESS", "test.ilp-ledger"),
		},
		Outgoing: models.OutgoingConfig{
			Workers:          getEnvInt("OUTGOING_WORKERS", 1),
			MaxQuoteAttempts: getEnvInt("OUTGOING_MAX_QUOTE_ATTEMPTS", 5),
			MaxSendAttempts:  getEnvInt("OUTGOING_MAX_SEND_ATTEMPTS", 5),
		},
		Incoming: models.IncomingConfig{
			BaseUrl: getEnvString("OPEN_PAYMENTS_URL", "http://localhost:3000"),
		},
		Webhook: models.WebhookConfig{
			Url:         getEnvString("WEBHOOK_URL", ""),
			MaxAttempts: getEnvInt("WEBHOOK_MAX_ATTEMPTS", 10),
		},
		Rates: models.RatesConfig{
			PricesFile:         getEnvString("PRICES_FILE", "prices.yaml"),
			BreakerMaxFailures: uint32(getEnvUint64("RATES_BREAKER_MAX_FAILURES", 3, math.MaxUint32)),
		},
		Quoting: models.QuotingConfig{
			Slippage:        getEnvFloat("QUOTE_SLIPPAGE", 0.01),
			MaxPacketAmount: getEnvUint64("QUOTE_MAX_PACKET_AMOUNT", math.MaxUint64, math.MaxUint64),
		},
		Formance: models.FormanceConfig{
			Enabled:      getEnvBool("FORMANCE_ENABLED", false),
			ServerUrl:    getEnvString("FORMANCE_STACK_URL", ""),
			ClientId:     getEnvString("FORMANCE_CLIENT_ID", ""),
			ClientSecret: getEnvString("FORMANCE_CLIENT_SECRET", ""),
			Ledger:       getEnvString("FORMANCE_LEDGER", "ilp-ledger"),
			BatchSize:    getEnvInt("FORMANCE_BATCH_SIZE", 100),
		},
		Metrics: models.MetricsConfig{
			Enabled: getEnvBool("METRICS_ENABLED", true),
			Addr:    getEnvString("METRICS_ADDR", ":9090"),
		},
		AssetsFile: getEnvString("ASSETS_FILE", "assets.yaml"),
	}

	durations := []durationVar{
		{"DB_CONN_MAX_LIFETIME", 5 * time.Minute, &cfg.Database.ConnMaxLifetime},
		{"DB_CONN_MAX_IDLE_TIME", 30 * time.Second, &cfg.Database.ConnMaxIdleTime},
		{"DB_PING_TIMEOUT", 5 * time.Second, &cfg.Database.PingTimeout},
		{"CONNECTOR_MAX_TRANSFER_TIMEOUT", 5 * time.Second, &cfg.Connector.MaxTransferTimeout},
		{"CONNECTOR_PACKET_EXPIRY", 30 * time.Second, &cfg.Connector.PacketExpiry},
		{"LEDGER_EXPIRY_SWEEP_INTERVAL", time.Second, &cfg.Connector.ExpirySweepInterval},
		{"OUTGOING_POLL_INTERVAL", time.Second, &cfg.Outgoing.PollInterval},
		{"OUTGOING_LEASE_TTL", 30 * time.Second, &cfg.Outgoing.LeaseTTL},
		{"OUTGOING_RETRY_BACKOFF", time.Second, &cfg.Outgoing.RetryBackoff},
		{"OUTGOING_MAX_RETRY_BACKOFF", 10 * time.Minute, &cfg.Outgoing.MaxRetryBackoff},
		{"INCOMING_PAYMENT_EXPIRY", 24 * time.Hour, &cfg.Incoming.DefaultExpiry},
		{"INCOMING_POLL_INTERVAL", time.Second, &cfg.Incoming.PollInterval},
		{"INCOMING_LEASE_TTL", 30 * time.Second, &cfg.Incoming.LeaseTTL},
		{"WEBHOOK_TIMEOUT", 10 * time.Second, &cfg.Webhook.Timeout},
		{"WEBHOOK_POLL_INTERVAL", time.Second, &cfg.Webhook.PollInterval},
		{"WEBHOOK_LEASE_TTL", 30 * time.Second, &cfg.Webhook.LeaseTTL},
		{"WEBHOOK_RETRY_BACKOFF", time.Second, &cfg.Webhook.RetryBackoff},
		{"WEBHOOK_MAX_RETRY_BACKOFF", 10 * time.Minute, &cfg.Webhook.MaxRetryBackoff},
		{"RATES_CACHE_TTL", 15 * time.Second, &cfg.Rates.CacheTTL},
		{"RATES_BREAKER_TIMEOUT", 30 * time.Second, &cfg.Rates.BreakerTimeout},
		{"QUOTE_LIFESPAN", 5 * time.Minute, &cfg.Quoting.Lifespan},
		{"FORMANCE_POLL_INTERVAL", 5 * time.Second, &cfg.Formance.PollInterval},
	}
	for _, d := range durations {
		value, err := getEnvDuration(d.key, d.def)
		if err != nil {
			return nil, err
		}
		*d.value = value
	}

	return cfg, nil
}

func getEnvString(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) (time.Duration, error) {
	if value := os.Getenv(key); value != "" {
		duration, err := time.ParseDuration(value)
		if err != nil {
			return 0, fmt.Errorf("invalid duration for %s: %q (%w)", key, value, err)
		}
		return duration, nil
	}
	return defaultValue, nil
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intValue, err := strconv.Atoi(value); err == nil {
			return intValue
		}
	}
	return defaultValue
}

func getEnvUint64(key string, defaultValue, maxValue uint64) uint64 {
	if value := os.Getenv(key); value != "" {
		if uintValue, err := strconv.ParseUint(value, 10, 64); err == nil && uintValue <= maxValue {
			return uintValue
		}
	}
	return defaultValue
}

func getEnvFloat(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		if floatValue, err := strconv.ParseFloat(value, 64); err == nil {
			return floatValue
		}
	}
	return defaultValue
}

func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if boolValue, err := strconv.ParseBool(value); err == nil {
			return boolValue
		}
	}
	return defaultValue
}
