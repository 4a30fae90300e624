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

package rates

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"ilp-ledger-go/internal/models"

	"github.com/shopspring/decimal"
	"github.com/sony/gobreaker"
	"go.uber.org/zap"
	"gopkg.in/yaml.v2"
)

var (
	ErrMissingSourceAsset      = errors.New("source asset price not found")
	ErrMissingDestinationAsset = errors.New("destination asset price not found")
	ErrInvalidSourcePrice      = errors.New("invalid source asset price")
	ErrInvalidDestinationPrice = errors.New("invalid destination asset price")
	ErrAmountOverflow          = errors.New("converted amount overflows")
	ErrUnavailable             = errors.New("exchange rates unavailable")
)

const (
	defaultCacheTTL           = 15 * time.Second
	defaultBreakerTimeout     = 30 * time.Second
	defaultBreakerMaxFailures = 3
)

// Prices maps an asset code to its price in a shared base unit.
type Prices map[string]decimal.Decimal

// PricesSource fetches the current price table.
type PricesSource interface {
	Prices(ctx context.Context) (Prices, error)
}

// StaticSource serves a fixed price table.
type StaticSource Prices

func (s StaticSource) Prices(context.Context) (Prices, error) {
	prices := make(Prices, len(s))
	for code, price := range s {
		prices[strings.ToUpper(code)] = price
	}
	return prices, nil
}

type pricesFile struct {
	Prices map[string]string `yaml:"prices"`
}

// FileSource reads prices from a YAML file on every fetch.
type FileSource struct {
	Path string
}

func (f FileSource) Prices(context.Context) (Prices, error) {
	path := f.Path
	if !filepath.IsAbs(path) {
		wd, err := os.Getwd()
		if err != nil {
			return nil, fmt.Errorf("failed to get working directory: %w", err)
		}
		path = filepath.Join(wd, path)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("unable to read %s: %w", f.Path, err)
	}
	return ParsePrices(data)
}

// ParsePrices decodes a YAML price table of the form `prices: {USD: "1"}`.
func ParsePrices(data []byte) (Prices, error) {
	var file pricesFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("unable to parse prices: %w", err)
	}

	prices := make(Prices, len(file.Prices))
	for code, raw := range file.Prices {
		price, err := decimal.NewFromString(raw)
		if err != nil {
			return nil, fmt.Errorf("invalid price for %s: %w", code, err)
		}
		prices[strings.ToUpper(code)] = price
	}
	return prices, nil
}

// Service caches prices from a source and derives rates between assets.
type Service struct {
	source   PricesSource
	cacheTTL time.Duration
	breaker  *gobreaker.CircuitBreaker
	now      func() time.Time

	mu        sync.Mutex
	cached    Prices
	fetchedAt time.Time
}

func NewService(source PricesSource, cfg models.RatesConfig) *Service {
	if cfg.CacheTTL <= 0 {
		cfg.CacheTTL = defaultCacheTTL
	}
	if cfg.BreakerTimeout <= 0 {
		cfg.BreakerTimeout = defaultBreakerTimeout
	}
	if cfg.BreakerMaxFailures == 0 {
		cfg.BreakerMaxFailures = defaultBreakerMaxFailures
	}

	maxFailures := cfg.BreakerMaxFailures
	settings := gobreaker.Settings{
		Name:    "rates",
		Timeout: cfg.BreakerTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= maxFailures
		},
		OnStateChange: func(name string, from gobreaker.State, to gobreaker.State) {
			zap.L().Warn("Rates circuit breaker state changed",
				zap.String("breaker", name),
				zap.String("from", from.String()),
				zap.String("to", to.String()))
		},
	}

	return &Service{
		source:   source,
		cacheTTL: cfg.CacheTTL,
		breaker:  gobreaker.NewCircuitBreaker(settings),
		now:      time.Now,
	}
}

// Prices returns the cached price table, refreshing it once it is older than
// the cache TTL. A failed refresh is not retried within the call.
func (s *Service) Prices(ctx context.Context) (Prices, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.cached != nil && s.now().Sub(s.fetchedAt) < s.cacheTTL {
		return s.cached, nil
	}

	result, err := s.breaker.Execute(func() (interface{}, error) {
		return s.source.Prices(ctx)
	})
	if err != nil {
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			return nil, fmt.Errorf("%w: %w", ErrUnavailable, err)
		}
		return nil, fmt.Errorf("failed to fetch prices: %w", err)
	}

	s.cached = result.(Prices)
	s.fetchedAt = s.now()
	return s.cached, nil
}

// Rate returns the factor converting an amount of src in its minor units to
// dst minor units.
func (s *Service) Rate(ctx context.Context, src, dst models.Asset) (decimal.Decimal, error) {
	shift := int32(dst.Scale) - int32(src.Scale)
	if src.Code == dst.Code {
		return decimal.New(1, shift), nil
	}

	prices, err := s.Prices(ctx)
	if err != nil {
		return decimal.Zero, err
	}

	srcPrice, ok := prices[strings.ToUpper(src.Code)]
	if !ok {
		return decimal.Zero, fmt.Errorf("%w: %s", ErrMissingSourceAsset, src.Code)
	}
	if !srcPrice.IsPositive() {
		return decimal.Zero, fmt.Errorf("%w: %s", ErrInvalidSourcePrice, src.Code)
	}
	dstPrice, ok := prices[strings.ToUpper(dst.Code)]
	if !ok {
		return decimal.Zero, fmt.Errorf("%w: %s", ErrMissingDestinationAsset, dst.Code)
	}
	if !dstPrice.IsPositive() {
		return decimal.Zero, fmt.Errorf("%w: %s", ErrInvalidDestinationPrice, dst.Code)
	}

	return srcPrice.Div(dstPrice).Shift(shift), nil
}

type ConvertOptions struct {
	SourceAmount     uint64
	SourceAsset      models.Asset
	DestinationAsset models.Asset
}

// Convert expresses an amount in the destination asset, rounding down.
func (s *Service) Convert(ctx context.Context, opts ConvertOptions) (uint64, error) {
	if opts.SourceAsset.SameAs(opts.DestinationAsset) {
		return opts.SourceAmount, nil
	}

	rate, err := s.Rate(ctx, opts.SourceAsset, opts.DestinationAsset)
	if err != nil {
		return 0, err
	}
	return Apply(opts.SourceAmount, rate)
}

// Apply multiplies amount by rate and rounds down.
func Apply(amount uint64, rate decimal.Decimal) (uint64, error) {
	converted := FromUint64(amount).Mul(rate).Floor()
	if converted.IsNegative() {
		return 0, fmt.Errorf("%w: negative rate %s", ErrAmountOverflow, rate)
	}
	value := converted.BigInt()
	if !value.IsUint64() {
		return 0, fmt.Errorf("%w: %s", ErrAmountOverflow, converted)
	}
	return value.Uint64(), nil
}

// FromUint64 converts a ledger amount without going through int64.
func FromUint64(amount uint64) decimal.Decimal {
	return decimal.NewFromBigInt(new(big.Int).SetUint64(amount), 0)
}
