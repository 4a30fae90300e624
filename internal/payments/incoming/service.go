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

package incoming

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"ilp-ledger-go/internal/metrics"
	"ilp-ledger-go/internal/models"
	"ilp-ledger-go/internal/store"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

var (
	ErrUnknownPayment  = errors.New("unknown incoming payment")
	ErrUnknownReceiver = errors.New("unknown receiver")
	ErrInvalidAmount   = errors.New("invalid amount")
	ErrInvalidExpiry   = errors.New("invalid expiry")
	ErrPaymentInactive = errors.New("incoming payment is not active")
	ErrReceiveMax      = errors.New("incoming amount exceeded")
)

const (
	defaultExpiry   = 24 * time.Hour
	defaultLeaseTTL = 30 * time.Second
	pathSegment     = "/incoming-payments/"
)

type Accounting interface {
	CreateLiquidityAccount(ctx context.Context, account models.LiquidityAccount) error
	GetBalance(ctx context.Context, accountId uuid.UUID) (uint64, error)
	GetTotalReceived(ctx context.Context, accountId uuid.UUID) (uint64, error)
	GetTotalIncoming(ctx context.Context, accountId uuid.UUID) (uint64, error)
}

type Service struct {
	store      store.IncomingPaymentStore
	accounting Accounting
	metrics    *metrics.Collector
	cfg        models.IncomingConfig
	owner      string
	now        func() time.Time
}

func NewService(paymentStore store.IncomingPaymentStore, acc Accounting, collector *metrics.Collector, cfg models.IncomingConfig) *Service {
	if cfg.DefaultExpiry <= 0 {
		cfg.DefaultExpiry = defaultExpiry
	}
	if cfg.LeaseTTL <= 0 {
		cfg.LeaseTTL = defaultLeaseTTL
	}
	cfg.BaseUrl = strings.TrimSuffix(cfg.BaseUrl, "/")

	return &Service{
		store:      paymentStore,
		accounting: acc,
		metrics:    collector,
		cfg:        cfg,
		owner:      "incoming-" + uuid.NewString()[:8],
		now:        time.Now,
	}
}

type CreateOptions struct {
	WalletAccountId uuid.UUID
	Asset           models.Asset
	IncomingAmount  *uint64
	// ExpiresAt defaults to the configured expiry from now.
	ExpiresAt *time.Time
}

// Create opens an incoming payment with its own ledger balance. The sweep
// expires it at ExpiresAt unless it completes first.
func (s *Service) Create(ctx context.Context, opts CreateOptions) (*models.IncomingPayment, error) {
	if opts.IncomingAmount != nil && *opts.IncomingAmount == 0 {
		return nil, ErrInvalidAmount
	}

	now := s.now().UTC()
	expiresAt := now.Add(s.cfg.DefaultExpiry)
	if opts.ExpiresAt != nil {
		if !opts.ExpiresAt.After(now) {
			return nil, ErrInvalidExpiry
		}
		expiresAt = opts.ExpiresAt.UTC()
	}

	payment := &models.IncomingPayment{
		Id:              uuid.New(),
		WalletAccountId: opts.WalletAccountId,
		Asset:           opts.Asset,
		State:           models.IncomingPaymentStatePending,
		IncomingAmount:  opts.IncomingAmount,
		ExpiresAt:       expiresAt,
		ProcessAt:       &expiresAt,
	}

	if err := s.accounting.CreateLiquidityAccount(ctx, payment); err != nil {
		return nil, fmt.Errorf("failed to create payment account: %w", err)
	}

	event, err := models.NewWebhookEvent(models.EventIncomingPaymentCreated, payment, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to build webhook event: %w", err)
	}
	if err := s.store.CreateIncomingPayment(ctx, payment, event); err != nil {
		return nil, err
	}
	s.metrics.RecordTransition("incoming_payment", string(payment.State))

	zap.L().Info("Incoming payment created",
		zap.String("payment_id", payment.Id.String()),
		zap.String("wallet_account_id", payment.WalletAccountId.String()),
		zap.Time("expires_at", expiresAt))
	return payment, nil
}

// Get loads a payment with its received amount read from the ledger.
func (s *Service) Get(ctx context.Context, id uuid.UUID) (*models.IncomingPayment, error) {
	payment, err := s.store.GetIncomingPayment(ctx, id)
	if errors.Is(err, store.ErrNotFound) {
		return nil, fmt.Errorf("%w: %s", ErrUnknownPayment, id)
	} else if err != nil {
		return nil, err
	}

	received, err := s.accounting.GetTotalReceived(ctx, payment.Id)
	if err != nil {
		return nil, fmt.Errorf("failed to get received amount: %w", err)
	}
	payment.ReceivedAmount = received
	return payment, nil
}

// Url is the receiver address of a payment.
func (s *Service) Url(id uuid.UUID) string {
	return s.cfg.BaseUrl + pathSegment + id.String()
}

// GetReceiver resolves an incoming payment URL into a receiver descriptor.
func (s *Service) GetReceiver(ctx context.Context, url string) (*models.Receiver, error) {
	idx := strings.LastIndex(url, pathSegment)
	if idx < 0 {
		return nil, fmt.Errorf("%w: %s", ErrUnknownReceiver, url)
	}
	id, err := uuid.Parse(url[idx+len(pathSegment):])
	if err != nil {
		return nil, fmt.Errorf("%w: %s", ErrUnknownReceiver, url)
	}

	payment, err := s.Get(ctx, id)
	if errors.Is(err, ErrUnknownPayment) {
		return nil, fmt.Errorf("%w: %s", ErrUnknownReceiver, url)
	} else if err != nil {
		return nil, err
	}

	expiresAt := payment.ExpiresAt
	return &models.Receiver{
		Url:            url,
		Account:        payment,
		AssetCode:      payment.Asset.Code,
		AssetScale:     payment.Asset.Scale,
		IncomingAmount: payment.IncomingAmount,
		ReceivedAmount: payment.ReceivedAmount,
		ExpiresAt:      &expiresAt,
		Active:         payment.State.Active() && s.now().Before(expiresAt),
	}, nil
}

// CheckCredit is called once value is reserved for an incoming payment and
// before it is committed. The payment must still be active, and its committed
// plus reserved credits must stay within the incoming amount.
func (s *Service) CheckCredit(ctx context.Context, account models.LiquidityAccount) error {
	payment, err := s.store.GetIncomingPayment(ctx, account.BalanceId())
	if errors.Is(err, store.ErrNotFound) {
		return fmt.Errorf("%w: %s", ErrUnknownPayment, account.BalanceId())
	} else if err != nil {
		return err
	}
	if !payment.State.Active() || !s.now().Before(payment.ExpiresAt) {
		return fmt.Errorf("%w: %s", ErrPaymentInactive, payment.Id)
	}
	if payment.IncomingAmount == nil {
		return nil
	}

	incoming, err := s.accounting.GetTotalIncoming(ctx, payment.Id)
	if err != nil {
		return fmt.Errorf("failed to get incoming amount: %w", err)
	}
	if incoming > *payment.IncomingAmount {
		return fmt.Errorf("%w: %d of %d", ErrReceiveMax, incoming, *payment.IncomingAmount)
	}
	return nil
}

// OnCredit records value committed to an incoming payment's balance. Reaching
// the incoming amount completes the payment; the sweep then reports it.
func (s *Service) OnCredit(ctx context.Context, account models.LiquidityAccount, amount uint64) error {
	payment, err := s.Get(ctx, account.BalanceId())
	if err != nil {
		return err
	}
	if !payment.State.Active() {
		zap.L().Warn("Credit received by inactive incoming payment",
			zap.String("payment_id", payment.Id.String()),
			zap.String("state", string(payment.State)),
			zap.Uint64("amount", amount))
		return nil
	}

	active := []models.IncomingPaymentState{models.IncomingPaymentStatePending, models.IncomingPaymentStateProcessing}
	if payment.IncomingAmount != nil && payment.ReceivedAmount >= *payment.IncomingAmount {
		now := s.now().UTC()
		changed, err := s.store.TransitionIncomingPayment(ctx, payment.Id, active, models.IncomingPaymentStateCompleted, &now)
		if err != nil {
			return err
		}
		if changed {
			s.metrics.RecordTransition("incoming_payment", string(models.IncomingPaymentStateCompleted))
		}
		return nil
	}

	if payment.State == models.IncomingPaymentStatePending {
		changed, err := s.store.TransitionIncomingPayment(ctx, payment.Id, active[:1], models.IncomingPaymentStateProcessing, &payment.ExpiresAt)
		if err != nil {
			return err
		}
		if changed {
			s.metrics.RecordTransition("incoming_payment", string(models.IncomingPaymentStateProcessing))
		}
	}
	return nil
}

// ProcessNext leases one due payment: it expires overdue payments and reports
// completed ones, withdrawing what they received. It returns the processed
// payment's id, or nil if nothing was due.
func (s *Service) ProcessNext(ctx context.Context) (*uuid.UUID, error) {
	owner := s.owner + "/" + uuid.NewString()
	leased, err := s.store.LeaseNextIncomingPayment(ctx, owner, s.cfg.LeaseTTL)
	if err != nil {
		return nil, err
	}
	if leased == nil {
		return nil, nil
	}

	payment, err := s.Get(ctx, leased.Id)
	if err != nil {
		return &leased.Id, err
	}

	from := payment.State
	now := s.now().UTC()
	var events []*models.WebhookEvent

	switch {
	case payment.State == models.IncomingPaymentStateCompleted:
		event, err := s.terminalEvent(ctx, payment, models.EventIncomingPaymentCompleted)
		if err != nil {
			return &payment.Id, err
		}
		events = append(events, event)
		payment.ProcessAt = nil
	case payment.State.Active() && !now.Before(payment.ExpiresAt):
		payment.State = models.IncomingPaymentStateExpired
		event, err := s.terminalEvent(ctx, payment, models.EventIncomingPaymentExpired)
		if err != nil {
			return &payment.Id, err
		}
		events = append(events, event)
		payment.ProcessAt = nil
	case payment.State.Active():
		payment.ProcessAt = &payment.ExpiresAt
	default:
		payment.ProcessAt = nil
	}

	err = s.store.UpdateIncomingPayment(ctx, payment, from, owner, events...)
	if errors.Is(err, store.ErrLeaseLost) {
		// A credit moved the payment on; the next lease sees the new state.
		zap.L().Debug("Incoming payment changed while leased", zap.String("payment_id", payment.Id.String()))
		return &payment.Id, nil
	} else if err != nil {
		return &payment.Id, err
	}

	if payment.State != from {
		s.metrics.RecordTransition("incoming_payment", string(payment.State))
		zap.L().Info("Incoming payment transitioned",
			zap.String("payment_id", payment.Id.String()),
			zap.String("from", string(from)),
			zap.String("to", string(payment.State)))
	}
	return &payment.Id, nil
}

// Poll adapts ProcessNext to worker.ProcessFunc.
func (s *Service) Poll(ctx context.Context) (bool, error) {
	id, err := s.ProcessNext(ctx)
	return id != nil, err
}

func (s *Service) terminalEvent(ctx context.Context, payment *models.IncomingPayment, eventType models.WebhookEventType) (*models.WebhookEvent, error) {
	balance, err := s.accounting.GetBalance(ctx, payment.Id)
	if err != nil {
		return nil, fmt.Errorf("failed to get payment balance: %w", err)
	}

	var withdrawal *models.EventWithdrawal
	if balance > 0 {
		withdrawal = &models.EventWithdrawal{AccountId: payment.Id, AssetId: payment.Asset.Id, Amount: balance}
	}
	event, err := models.NewWebhookEvent(eventType, payment, withdrawal)
	if err != nil {
		return nil, fmt.Errorf("failed to build webhook event: %w", err)
	}
	return event, nil
}
