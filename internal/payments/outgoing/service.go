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

package outgoing

import (
	"context"
	"errors"
	"fmt"
	"time"

	"ilp-ledger-go/internal/accounting"
	"ilp-ledger-go/internal/metrics"
	"ilp-ledger-go/internal/models"
	"ilp-ledger-go/internal/quoting"
	"ilp-ledger-go/internal/store"
	"ilp-ledger-go/internal/worker"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

const (
	defaultLeaseTTL         = 30 * time.Second
	defaultMaxQuoteAttempts = 5
	defaultMaxSendAttempts  = 5
	defaultRetryBackoff     = time.Second
	defaultMaxRetryBackoff  = time.Minute
)

// Accounting is the subset of the accounting facade the lifecycle uses.
type Accounting interface {
	CreateLiquidityAccount(ctx context.Context, account models.LiquidityAccount) error
	CreateDeposit(ctx context.Context, opts accounting.DepositOptions) error
	GetBalance(ctx context.Context, accountId uuid.UUID) (uint64, error)
	GetTotalSent(ctx context.Context, accountId uuid.UUID) (uint64, error)
	GetTotalDelivered(ctx context.Context, accountId uuid.UUID) (uint64, error)
}

type Quoter interface {
	Quote(ctx context.Context, req quoting.Request) (*models.Quote, error)
}

// ReceiverResolver looks up the current state of a payment destination.
type ReceiverResolver interface {
	GetReceiver(ctx context.Context, url string) (*models.Receiver, error)
}

type SendRequest struct {
	Payment  *models.OutgoingPayment
	Receiver *models.Receiver
	Quote    *models.Quote
	// MaxSourceAmount is what is left to send of the quoted amount.
	MaxSourceAmount uint64
	// MinDeliveryAmount is the least the receiver must get for
	// MaxSourceAmount at the quote's minimum exchange rate.
	MinDeliveryAmount uint64
}

// SendResult reports progress made by a send, including a failed one.
type SendResult struct {
	AmountSent      uint64
	AmountDelivered uint64
}

// Sender streams value from an outgoing payment's account to its receiver.
type Sender interface {
	Send(ctx context.Context, req SendRequest) (SendResult, error)
}

type Dependencies struct {
	Store      store.OutgoingPaymentStore
	Accounting Accounting
	Quoter     Quoter
	Sender     Sender
	Receivers  ReceiverResolver
	Metrics    *metrics.Collector
}

type Service struct {
	store      store.OutgoingPaymentStore
	accounting Accounting
	quoter     Quoter
	sender     Sender
	receivers  ReceiverResolver
	metrics    *metrics.Collector
	cfg        models.OutgoingConfig
	owner      string
	now        func() time.Time
}

func NewService(deps Dependencies, cfg models.OutgoingConfig) *Service {
	if cfg.LeaseTTL <= 0 {
		cfg.LeaseTTL = defaultLeaseTTL
	}
	if cfg.MaxQuoteAttempts <= 0 {
		cfg.MaxQuoteAttempts = defaultMaxQuoteAttempts
	}
	if cfg.MaxSendAttempts <= 0 {
		cfg.MaxSendAttempts = defaultMaxSendAttempts
	}
	if cfg.RetryBackoff <= 0 {
		cfg.RetryBackoff = defaultRetryBackoff
	}
	if cfg.MaxRetryBackoff <= 0 {
		cfg.MaxRetryBackoff = defaultMaxRetryBackoff
	}

	return &Service{
		store:      deps.Store,
		accounting: deps.Accounting,
		quoter:     deps.Quoter,
		sender:     deps.Sender,
		receivers:  deps.Receivers,
		metrics:    deps.Metrics,
		cfg:        cfg,
		owner:      "outgoing-" + uuid.NewString()[:8],
		now:        time.Now,
	}
}

// leaseOwner identifies one lease so a lapsed lease can never be updated by
// the worker that lost it.
func (s *Service) leaseOwner() string {
	return s.owner + "/" + uuid.NewString()
}

// sendTimeout bounds a send to three quarters of the lease so the outcome is
// recorded before another worker can lease the payment.
func (s *Service) sendTimeout() time.Duration {
	return s.cfg.LeaseTTL - s.cfg.LeaseTTL/4
}

type CreateOptions struct {
	WalletAccountId uuid.UUID
	Asset           models.Asset
	Receiver        string
	// At most one of SendAmount and ReceiveAmount may be set.
	SendAmount    *uint64
	ReceiveAmount *uint64
	Authorized    bool
}

// Create registers a payment in Pending and provisions its ledger balance.
func (s *Service) Create(ctx context.Context, opts CreateOptions) (*models.OutgoingPayment, error) {
	if opts.SendAmount != nil && opts.ReceiveAmount != nil {
		return nil, fmt.Errorf("%w: send and receive amounts are exclusive", ErrInvalidAmount)
	}
	if (opts.SendAmount != nil && *opts.SendAmount == 0) || (opts.ReceiveAmount != nil && *opts.ReceiveAmount == 0) {
		return nil, ErrInvalidAmount
	}

	receiver, err := s.receivers.GetReceiver(ctx, opts.Receiver)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidReceiver, err)
	}
	if !receiver.Active {
		return nil, fmt.Errorf("%w: %s is not active", ErrInvalidReceiver, opts.Receiver)
	}

	now := s.now().UTC()
	payment := &models.OutgoingPayment{
		Id:              uuid.New(),
		WalletAccountId: opts.WalletAccountId,
		Asset:           opts.Asset,
		Receiver:        opts.Receiver,
		State:           models.OutgoingPaymentStatePending,
		SendAmount:      opts.SendAmount,
		ReceiveAmount:   opts.ReceiveAmount,
		Authorized:      opts.Authorized,
		ProcessAt:       &now,
	}

	if err := s.accounting.CreateLiquidityAccount(ctx, payment); err != nil {
		return nil, fmt.Errorf("failed to create payment account: %w", err)
	}

	event, err := models.NewWebhookEvent(models.EventOutgoingPaymentCreated, payment, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to build webhook event: %w", err)
	}
	if err := s.store.CreateOutgoingPayment(ctx, payment, event); err != nil {
		return nil, err
	}
	s.metrics.RecordTransition("outgoing_payment", string(payment.State))

	zap.L().Info("Outgoing payment created",
		zap.String("payment_id", payment.Id.String()),
		zap.String("wallet_account_id", payment.WalletAccountId.String()),
		zap.String("receiver", payment.Receiver),
		zap.Bool("authorized", payment.Authorized))
	return payment, nil
}

// Get loads a payment with its sent and delivered amounts read from the
// ledger.
func (s *Service) Get(ctx context.Context, id uuid.UUID) (*models.OutgoingPayment, error) {
	payment, err := s.store.GetOutgoingPayment(ctx, id)
	if errors.Is(err, store.ErrNotFound) {
		return nil, fmt.Errorf("%w: %s", ErrUnknownPayment, id)
	} else if err != nil {
		return nil, err
	}

	sent, err := s.accounting.GetTotalSent(ctx, payment.Id)
	if err != nil {
		return nil, fmt.Errorf("failed to get sent amount: %w", err)
	}
	payment.SentAmount = sent
	if err := s.loadDelivered(ctx, payment); err != nil {
		return nil, err
	}
	return payment, nil
}

func (s *Service) lease(ctx context.Context, id uuid.UUID, owner string) (*models.OutgoingPayment, error) {
	payment, err := s.store.LeaseOutgoingPayment(ctx, id, owner, s.cfg.LeaseTTL)
	switch {
	case errors.Is(err, store.ErrNotFound):
		return nil, fmt.Errorf("%w: %s", ErrUnknownPayment, id)
	case errors.Is(err, store.ErrLeaseUnavailable):
		return nil, fmt.Errorf("%w: %s", ErrPaymentBusy, id)
	case err != nil:
		return nil, err
	}
	return payment, nil
}

func (s *Service) release(ctx context.Context, payment *models.OutgoingPayment, owner string) {
	if err := s.store.ReleaseOutgoingPayment(context.WithoutCancel(ctx), payment.Id, owner); err != nil {
		zap.L().Warn("Failed to release outgoing payment lease",
			zap.String("payment_id", payment.Id.String()),
			zap.Error(err))
	}
}

// Authorize approves a payment. A Prepared payment moves to Funding; a
// Pending one will skip Prepared once quoted.
func (s *Service) Authorize(ctx context.Context, id uuid.UUID) (*models.OutgoingPayment, error) {
	owner := s.leaseOwner()
	payment, err := s.lease(ctx, id, owner)
	if err != nil {
		return nil, err
	}

	var events []*models.WebhookEvent
	switch payment.State {
	case models.OutgoingPaymentStatePending:
		payment.Authorized = true
	case models.OutgoingPaymentStatePrepared:
		if payment.Quote == nil || payment.Quote.Expired(s.now()) {
			s.release(ctx, payment, owner)
			return nil, fmt.Errorf("%w: quote expired", ErrInvalidState)
		}
		payment.Authorized = true
		event, err := s.enterFunding(payment)
		if err != nil {
			s.release(ctx, payment, owner)
			return nil, err
		}
		events = append(events, event)
	default:
		s.release(ctx, payment, owner)
		return nil, fmt.Errorf("%w: cannot authorize a %s payment", ErrInvalidState, payment.State)
	}

	if err := s.store.UpdateOutgoingPayment(ctx, payment, owner, events...); err != nil {
		return nil, err
	}
	s.metrics.RecordTransition("outgoing_payment", string(payment.State))
	zap.L().Info("Outgoing payment authorized",
		zap.String("payment_id", payment.Id.String()),
		zap.String("state", string(payment.State)))
	return payment, nil
}

type FundOptions struct {
	PaymentId uuid.UUID
	Amount    uint64
}

// fundingTransferId is the deposit id of a payment's funding so retried
// funding calls cannot move funds twice.
func fundingTransferId(paymentId uuid.UUID) uuid.UUID {
	return uuid.NewSHA1(paymentId, []byte("funding"))
}

// Fund deposits exactly the quoted send amount into the payment's account
// and moves it to Sending.
func (s *Service) Fund(ctx context.Context, opts FundOptions) (*models.OutgoingPayment, error) {
	owner := s.leaseOwner()
	payment, err := s.lease(ctx, opts.PaymentId, owner)
	if err != nil {
		return nil, err
	}

	if payment.State != models.OutgoingPaymentStateFunding {
		s.release(ctx, payment, owner)
		return nil, fmt.Errorf("%w: cannot fund a %s payment", ErrInvalidState, payment.State)
	}
	if payment.Quote == nil {
		s.release(ctx, payment, owner)
		return nil, fmt.Errorf("%w: payment has no quote", ErrInvalidState)
	}
	if opts.Amount != payment.Quote.SendAmount {
		s.release(ctx, payment, owner)
		return nil, fmt.Errorf("%w: expected %d, got %d", ErrInvalidAmount, payment.Quote.SendAmount, opts.Amount)
	}

	err = s.accounting.CreateDeposit(ctx, accounting.DepositOptions{
		Id:      fundingTransferId(payment.Id),
		Account: payment,
		Amount:  opts.Amount,
	})
	if err != nil && !errors.Is(err, accounting.ErrTransferExists) {
		s.release(ctx, payment, owner)
		return nil, fmt.Errorf("failed to fund payment: %w", err)
	}

	s.enterState(payment, models.OutgoingPaymentStateSending, s.now().UTC())
	if err := s.store.UpdateOutgoingPayment(ctx, payment, owner); err != nil {
		return nil, err
	}
	s.metrics.RecordTransition("outgoing_payment", string(payment.State))

	zap.L().Info("Outgoing payment funded",
		zap.String("payment_id", payment.Id.String()),
		zap.Uint64("amount", opts.Amount))
	return payment, nil
}

// ProcessNext leases one due payment and performs a single transition. It
// returns the processed payment's id, or nil if nothing was due.
func (s *Service) ProcessNext(ctx context.Context) (*uuid.UUID, error) {
	owner := s.leaseOwner()
	payment, err := s.store.LeaseNextOutgoingPayment(ctx, owner, s.cfg.LeaseTTL)
	if err != nil {
		return nil, err
	}
	if payment == nil {
		return nil, nil
	}

	from := payment.State
	leased := *payment
	events, err := s.transition(ctx, payment)
	if err != nil {
		s.backoff(ctx, &leased, owner, err)
		return &payment.Id, fmt.Errorf("failed to process outgoing payment %s: %w", payment.Id, err)
	}

	if err := s.store.UpdateOutgoingPayment(ctx, payment, owner, events...); err != nil {
		return &payment.Id, err
	}
	if payment.State != from {
		s.metrics.RecordTransition("outgoing_payment", string(payment.State))
		zap.L().Info("Outgoing payment transitioned",
			zap.String("payment_id", payment.Id.String()),
			zap.String("from", string(from)),
			zap.String("to", string(payment.State)))
	}
	return &payment.Id, nil
}

// backoff records a failed transition on the payment as it was leased and
// reschedules it, so a persistent failure is not retried in a tight loop.
func (s *Service) backoff(ctx context.Context, payment *models.OutgoingPayment, owner string, cause error) {
	payment.StateAttempts++
	msg := cause.Error()
	payment.Error = &msg
	processAt := s.now().UTC().Add(worker.Backoff(s.cfg.RetryBackoff, s.cfg.MaxRetryBackoff, payment.StateAttempts-1))
	payment.ProcessAt = &processAt

	if err := s.store.UpdateOutgoingPayment(context.WithoutCancel(ctx), payment, owner); err != nil {
		zap.L().Warn("Failed to reschedule outgoing payment",
			zap.String("payment_id", payment.Id.String()),
			zap.Error(err))
		s.release(ctx, payment, owner)
		return
	}
	zap.L().Warn("Outgoing payment transition failed",
		zap.String("payment_id", payment.Id.String()),
		zap.Int("attempt", payment.StateAttempts),
		zap.Time("retry_at", processAt),
		zap.Error(cause))
}

// Poll adapts ProcessNext to worker.ProcessFunc.
func (s *Service) Poll(ctx context.Context) (bool, error) {
	id, err := s.ProcessNext(ctx)
	return id != nil, err
}
