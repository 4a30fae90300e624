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

package models

import "time"

// Config represents the application configuration
type Config struct {
	Database   DatabaseConfig
	Connector  ConnectorConfig
	Outgoing   OutgoingConfig
	Incoming   IncomingConfig
	Webhook    WebhookConfig
	Rates      RatesConfig
	Quoting    QuotingConfig
	Formance   FormanceConfig
	Metrics    MetricsConfig
	AssetsFile string
}

// DatabaseConfig holds database connection settings
type DatabaseConfig struct {
	Driver          string
	Path            string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
	ConnMaxIdleTime time.Duration
	PingTimeout     time.Duration
}

// ConnectorConfig holds packet pipeline settings
type ConnectorConfig struct {
	IlpAddress          string
	MaxTransferTimeout  time.Duration
	PacketExpiry        time.Duration
	ExpirySweepInterval time.Duration
}

// OutgoingConfig holds outgoing payment worker settings
type OutgoingConfig struct {
	Workers          int
	PollInterval     time.Duration
	LeaseTTL         time.Duration
	MaxQuoteAttempts int
	MaxSendAttempts  int
	RetryBackoff     time.Duration
	MaxRetryBackoff  time.Duration
}

// IncomingConfig holds incoming payment settings
type IncomingConfig struct {
	BaseUrl       string
	DefaultExpiry time.Duration
	PollInterval  time.Duration
	LeaseTTL      time.Duration
}

// WebhookConfig holds webhook delivery settings
type WebhookConfig struct {
	Url             string
	Timeout         time.Duration
	PollInterval    time.Duration
	LeaseTTL        time.Duration
	MaxAttempts     int
	RetryBackoff    time.Duration
	MaxRetryBackoff time.Duration
}

// RatesConfig holds exchange rate source settings
type RatesConfig struct {
	PricesFile         string
	CacheTTL           time.Duration
	BreakerTimeout     time.Duration
	BreakerMaxFailures uint32
}

// QuotingConfig holds quote settings
type QuotingConfig struct {
	Slippage        float64
	Lifespan        time.Duration
	MaxPacketAmount uint64
}

// FormanceConfig holds the optional journal mirror settings
type FormanceConfig struct {
	Enabled      bool
	ServerUrl    string
	ClientId     string
	ClientSecret string
	Ledger       string
	PollInterval time.Duration
	BatchSize    int
}

// MetricsConfig holds the Prometheus endpoint settings
type MetricsConfig struct {
	Enabled bool
	Addr    string
}
