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


package webhook

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"ilp-ledger-go/internal/accounting"
	"ilp-ledger-go/internal/metrics"
	"ilp-ledger-go/internal/models"
	"ilp-ledger-go/internal/store"
	"ilp-ledger-go/internal/worker"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

const (
	defaultLeaseTTL        = 30 * time.Second
	defaultMaxAttempts     = 10
	defaultRetryBackoff    = time.Second
	defaultMaxRetryBackoff = 10 * time.Minute
)

type Accounting interface {
	CreateWithdrawal(ctx context.Context, opts accounting.WithdrawalOptions) error
}

type Store interface {
	store.WebhookStore
	GetAsset(ctx context.Context, id uuid.UUID) (*models.Asset, error)
}

// Service delivers recorded webhook events and performs the liquidity
// withdrawal attached to them.
type Service struct {
	store      Store
	accounting Accounting
	deliverer  Deliverer
	metrics    *metrics.Collector
	cfg        models.WebhookConfig
	owner      string
	now        func() time.Time
}

func NewService(eventStore Store, acc Accounting, deliverer Deliverer, collector *metrics.Collector, cfg models.WebhookConfig) *Service {
	if cfg.LeaseTTL <= 0 {
		cfg.LeaseTTL = defaultLeaseTTL
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = defaultMaxAttempts
	}
	if cfg.RetryBackoff <= 0 {
		cfg.RetryBackoff = defaultRetryBackoff
	}
	if cfg.MaxRetryBackoff <= 0 {
		cfg.MaxRetryBackoff = defaultMaxRetryBackoff
	}

	return &Service{
		store:      eventStore,
		accounting: acc,
		deliverer:  deliverer,
		metrics:    collector,
		cfg:        cfg,
		owner:      "webhook-" + uuid.NewString()[:8],
		now:        time.Now,
	}
}

// ProcessNext handles the next due event. It returns nil when none is due.
func (s *Service) ProcessNext(ctx context.Context) (*uuid.UUID, error) {
	owner := s.owner + "/" + uuid.NewString()
	event, err := s.store.LeaseNextWebhookEvent(ctx, owner, s.cfg.LeaseTTL)
	if err != nil {
		return nil, err
	}
	if event == nil {
		return nil, nil
	}

	event.Attempts++
	err = s.process(ctx, event)
	s.metrics.RecordWebhookDelivery(err)

	if err == nil {
		event.Error = nil
		event.ProcessAt = nil
		zap.L().Info("Webhook event delivered",
			zap.String("event_id", event.Id.String()),
			zap.String("type", string(event.Type)),
			zap.Int("attempts", event.Attempts))
	} else {
		msg := err.Error()
		event.Error = &msg
		if event.Attempts >= s.cfg.MaxAttempts {
			event.ProcessAt = nil
			zap.L().Error("Webhook event parked",
				zap.String("event_id", event.Id.String()),
				zap.String("type", string(event.Type)),
				zap.Int("attempts", event.Attempts),
				zap.Error(err))
		} else {
			processAt := s.now().Add(worker.Backoff(s.cfg.RetryBackoff, s.cfg.MaxRetryBackoff, event.Attempts-1))
			event.ProcessAt = &processAt
			zap.L().Warn("Webhook event delivery failed",
				zap.String("event_id", event.Id.String()),
				zap.String("type", string(event.Type)),
				zap.Int("attempts", event.Attempts),
				zap.Time("retry_at", processAt),
				zap.Error(err))
		}
	}

	if err := s.store.UpdateWebhookEvent(context.WithoutCancel(ctx), event, owner); err != nil {
		return &event.Id, err
	}
	return &event.Id, nil
}

func (s *Service) Poll(ctx context.Context) (bool, error) {
	id, err := s.ProcessNext(ctx)
	return id != nil, err
}

func (s *Service) process(ctx context.Context, event *models.WebhookEvent) error {
	if s.deliverer != nil {
		status, err := s.deliverer.Deliver(ctx, event)
		if status != 0 {
			event.StatusCode = &status
		}
		if err != nil {
			return err
		}
	}

	if event.Withdrawal == nil || event.Withdrawal.Amount == 0 {
		return nil
	}
	return s.withdraw(ctx, event)
}

// withdraw moves the event's liquidity out of the ledger using the event id
// as transfer id, so a redelivered event never withdraws twice.
func (s *Service) withdraw(ctx context.Context, event *models.WebhookEvent) error {
	w := event.Withdrawal
	asset, err := s.store.GetAsset(ctx, w.AssetId)
	if err != nil {
		return fmt.Errorf("failed to load withdrawal asset %s: %w", w.AssetId, err)
	}

	err = s.accounting.CreateWithdrawal(ctx, accounting.WithdrawalOptions{
		Id:      event.Id,
		Account: models.LedgerAccount{Id: w.AccountId, Asset: *asset, Type: accountKind(event.Type)},
		Amount:  w.Amount,
	})
	if errors.Is(err, accounting.ErrTransferExists) {
		return nil
	} else if err != nil {
		return fmt.Errorf("failed to withdraw event liquidity: %w", err)
	}
	return nil
}

func accountKind(eventType models.WebhookEventType) models.AccountKind {
	if strings.HasPrefix(string(eventType), "incoming_payment.") {
		return models.AccountKindIncomingPayment
	}
	return models.AccountKindOutgoingPayment
}
