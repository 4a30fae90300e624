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

package quoting

import (
	"context"
	"errors"
	"fmt"
	"math"
	"time"

	"ilp-ledger-go/internal/models"
	"ilp-ledger-go/internal/rates"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

var (
	ErrInvalidAmount    = errors.New("invalid quote amount")
	ErrInactiveReceiver = errors.New("receiver is not accepting payments")
	ErrAmountTooSmall   = errors.New("amount too small to deliver")
)

const (
	defaultSlippage = 0.01
	defaultLifespan = 5 * time.Minute
)

// Rates provides the exchange rate between two assets in minor units.
type Rates interface {
	Rate(ctx context.Context, src, dst models.Asset) (decimal.Decimal, error)
}

// Request describes the payment to quote. At most one of SendAmount and
// ReceiveAmount may be set; with neither, the receiver's remaining incoming
// amount is quoted.
type Request struct {
	Asset         models.Asset
	Receiver      *models.Receiver
	SendAmount    *uint64
	ReceiveAmount *uint64
}

type Service struct {
	rates           Rates
	slippage        decimal.Decimal
	lifespan        time.Duration
	maxPacketAmount uint64
	now             func() time.Time
}

func NewService(r Rates, cfg models.QuotingConfig) *Service {
	if cfg.Slippage <= 0 || cfg.Slippage >= 1 {
		cfg.Slippage = defaultSlippage
	}
	if cfg.Lifespan <= 0 {
		cfg.Lifespan = defaultLifespan
	}
	if cfg.MaxPacketAmount == 0 {
		cfg.MaxPacketAmount = math.MaxUint64
	}
	return &Service{
		rates:           r,
		slippage:        decimal.NewFromFloat(cfg.Slippage),
		lifespan:        cfg.Lifespan,
		maxPacketAmount: cfg.MaxPacketAmount,
		now:             time.Now,
	}
}

// Quote locks in send and receive amounts for a payment to req.Receiver. The
// minimum exchange rate allows for the configured slippage.
func (s *Service) Quote(ctx context.Context, req Request) (*models.Quote, error) {
	receiver := req.Receiver
	if receiver == nil || !receiver.Active {
		return nil, ErrInactiveReceiver
	}
	if req.SendAmount != nil && req.ReceiveAmount != nil {
		return nil, fmt.Errorf("%w: send and receive amounts are exclusive", ErrInvalidAmount)
	}

	receiveAsset := models.Asset{Code: receiver.AssetCode, Scale: receiver.AssetScale}
	rate, err := s.rates.Rate(ctx, req.Asset, receiveAsset)
	if err != nil {
		return nil, fmt.Errorf("failed to get rate: %w", err)
	}
	minRate := rate.Mul(decimal.NewFromInt(1).Sub(s.slippage))
	if !minRate.IsPositive() {
		return nil, fmt.Errorf("%w: non-positive rate %s", ErrInvalidAmount, rate)
	}

	remaining, capped := receiver.Remaining()
	if capped && remaining == 0 {
		return nil, ErrInactiveReceiver
	}

	var sendAmount, receiveAmount uint64
	switch {
	case req.SendAmount != nil:
		if *req.SendAmount == 0 {
			return nil, ErrInvalidAmount
		}
		sendAmount = *req.SendAmount
		receiveAmount, err = rates.Apply(sendAmount, minRate)
		if err != nil {
			return nil, err
		}
		if receiveAmount == 0 {
			return nil, ErrAmountTooSmall
		}
		if capped && receiveAmount > remaining {
			return nil, fmt.Errorf("%w: receiver accepts at most %d", ErrInvalidAmount, remaining)
		}
	default:
		switch {
		case req.ReceiveAmount != nil:
			receiveAmount = *req.ReceiveAmount
		case capped:
			receiveAmount = remaining
		}
		if receiveAmount == 0 {
			return nil, ErrInvalidAmount
		}
		if capped && receiveAmount > remaining {
			return nil, fmt.Errorf("%w: receiver accepts at most %d", ErrInvalidAmount, remaining)
		}
		send := rates.FromUint64(receiveAmount).Div(minRate).Ceil()
		if !send.BigInt().IsUint64() {
			return nil, rates.ErrAmountOverflow
		}
		sendAmount = send.BigInt().Uint64()
	}

	now := s.now().UTC()
	expiresAt := now.Add(s.lifespan)
	if receiver.ExpiresAt != nil && receiver.ExpiresAt.Before(expiresAt) {
		expiresAt = *receiver.ExpiresAt
	}
	if !expiresAt.After(now) {
		return nil, ErrInactiveReceiver
	}

	quote := &models.Quote{
		Id:                        uuid.New(),
		SendAmount:                sendAmount,
		ReceiveAmount:             receiveAmount,
		ReceiveAssetCode:          receiver.AssetCode,
		ReceiveAssetScale:         receiver.AssetScale,
		MinExchangeRate:           minRate,
		LowEstimatedExchangeRate:  minRate,
		HighEstimatedExchangeRate: rate,
		MaxPacketAmount:           s.maxPacketAmount,
		ExpiresAt:                 expiresAt,
		CreatedAt:                 now,
	}

	zap.L().Debug("Quote created",
		zap.String("quote_id", quote.Id.String()),
		zap.String("receiver", receiver.Url),
		zap.Uint64("send_amount", sendAmount),
		zap.Uint64("receive_amount", receiveAmount),
		zap.String("min_exchange_rate", minRate.String()))
	return quote, nil
}
