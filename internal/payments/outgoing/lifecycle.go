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
	"fmt"
	"time"

	"ilp-ledger-go/internal/models"
	"ilp-ledger-go/internal/quoting"
	"ilp-ledger-go/internal/rates"
	"ilp-ledger-go/internal/worker"

	"go.uber.org/zap"
)

// transition performs one step of the payment lifecycle on a leased payment
// and returns the webhook events to persist with it. A returned error leaves
// the payment untouched.
func (s *Service) transition(ctx context.Context, payment *models.OutgoingPayment) ([]*models.WebhookEvent, error) {
	now := s.now().UTC()

	switch payment.State {
	case models.OutgoingPaymentStatePending:
		return s.handlePending(ctx, payment, now)

	case models.OutgoingPaymentStatePrepared:
		if payment.Quote == nil || payment.Quote.Expired(now) {
			payment.Quote = nil
			s.enterState(payment, models.OutgoingPaymentStatePending, now)
			return nil, nil
		}
		payment.ProcessAt = &payment.Quote.ExpiresAt
		return nil, nil

	case models.OutgoingPaymentStateFunding:
		if payment.Quote == nil || payment.Quote.Expired(now) {
			return s.fail(ctx, payment, &PaymentError{Type: ErrorTypeQuoteExpired})
		}
		payment.ProcessAt = &payment.Quote.ExpiresAt
		return nil, nil

	case models.OutgoingPaymentStateSending:
		return s.handleSending(ctx, payment, now)

	default:
		payment.ProcessAt = nil
		return nil, nil
	}
}

func (s *Service) handlePending(ctx context.Context, payment *models.OutgoingPayment, now time.Time) ([]*models.WebhookEvent, error) {
	receiver, err := s.receivers.GetReceiver(ctx, payment.Receiver)
	if err != nil {
		return s.retryQuote(ctx, payment, now, err)
	}
	if !receiver.Active {
		return s.fail(ctx, payment, &PaymentError{Type: ErrorTypeReceiverGone, Err: fmt.Errorf("receiver %s is not active", payment.Receiver)})
	}

	quote, err := s.quoter.Quote(ctx, quoting.Request{
		Asset:         payment.Asset,
		Receiver:      receiver,
		SendAmount:    payment.SendAmount,
		ReceiveAmount: payment.ReceiveAmount,
	})
	if err != nil {
		return s.retryQuote(ctx, payment, now, err)
	}

	payment.Quote = quote
	if !payment.Authorized {
		s.enterState(payment, models.OutgoingPaymentStatePrepared, now)
		payment.ProcessAt = &quote.ExpiresAt
		return nil, nil
	}

	event, err := s.enterFunding(payment)
	if err != nil {
		return nil, err
	}
	return []*models.WebhookEvent{event}, nil
}

func (s *Service) retryQuote(ctx context.Context, payment *models.OutgoingPayment, now time.Time, cause error) ([]*models.WebhookEvent, error) {
	payment.StateAttempts++
	if payment.StateAttempts >= s.cfg.MaxQuoteAttempts {
		return s.fail(ctx, payment, &PaymentError{Type: ErrorTypeQuoteFailed, Err: cause})
	}

	msg := cause.Error()
	payment.Error = &msg
	processAt := now.Add(worker.Backoff(s.cfg.RetryBackoff, s.cfg.MaxRetryBackoff, payment.StateAttempts-1))
	payment.ProcessAt = &processAt

	zap.L().Warn("Quote attempt failed",
		zap.String("payment_id", payment.Id.String()),
		zap.Int("attempt", payment.StateAttempts),
		zap.Time("retry_at", processAt),
		zap.Error(cause))
	return nil, nil
}

// enterFunding moves a quoted payment to Funding until its quote expires.
func (s *Service) enterFunding(payment *models.OutgoingPayment) (*models.WebhookEvent, error) {
	s.enterState(payment, models.OutgoingPaymentStateFunding, s.now().UTC())
	payment.ProcessAt = &payment.Quote.ExpiresAt

	event, err := models.NewWebhookEvent(models.EventOutgoingPaymentFunding, payment, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to build webhook event: %w", err)
	}
	return event, nil
}

func (s *Service) handleSending(ctx context.Context, payment *models.OutgoingPayment, now time.Time) ([]*models.WebhookEvent, error) {
	quote := payment.Quote
	if quote == nil {
		return s.fail(ctx, payment, &PaymentError{Type: ErrorTypeProtocolViolation, Err: fmt.Errorf("sending payment has no quote")})
	}

	sent, err := s.accounting.GetTotalSent(ctx, payment.Id)
	if err != nil {
		return nil, fmt.Errorf("failed to get sent amount: %w", err)
	}
	receiver, err := s.receivers.GetReceiver(ctx, payment.Receiver)
	if err != nil {
		return s.retrySend(ctx, payment, now, &PaymentError{Type: ErrorTypeTransient, Err: err})
	}

	// A receiver paid in full by anyone must not be paid again.
	if receiver.FullyPaid() || sent >= quote.SendAmount {
		return s.complete(ctx, payment, sent)
	}
	if !receiver.Active {
		return s.fail(ctx, payment, &PaymentError{Type: ErrorTypeReceiverGone, Err: fmt.Errorf("receiver %s is not active", payment.Receiver)})
	}

	maxSource := quote.SendAmount - sent
	minDelivery, err := rates.Apply(maxSource, quote.MinExchangeRate)
	if err != nil {
		return s.fail(ctx, payment, &PaymentError{Type: ErrorTypeProtocolViolation, Err: err})
	}
	if remaining, ok := receiver.Remaining(); ok && minDelivery > remaining {
		minDelivery = remaining
	}

	// The send must end while this worker still holds the lease.
	sendCtx, cancel := context.WithTimeout(ctx, s.sendTimeout())
	defer cancel()

	start := time.Now()
	result, sendErr := s.sender.Send(sendCtx, SendRequest{
		Payment:           payment,
		Receiver:          receiver,
		Quote:             quote,
		MaxSourceAmount:   maxSource,
		MinDeliveryAmount: minDelivery,
	})
	s.metrics.ObserveSend(time.Since(start))

	zap.L().Info("Send attempt finished",
		zap.String("payment_id", payment.Id.String()),
		zap.Uint64("max_source_amount", maxSource),
		zap.Uint64("amount_sent", result.AmountSent),
		zap.Uint64("amount_delivered", result.AmountDelivered),
		zap.Error(sendErr))

	if sendErr != nil {
		return s.retrySend(ctx, payment, now, asPaymentError(sendErr))
	}
	return s.complete(ctx, payment, sent+result.AmountSent)
}

func (s *Service) retrySend(ctx context.Context, payment *models.OutgoingPayment, now time.Time, paymentErr *PaymentError) ([]*models.WebhookEvent, error) {
	if !paymentErr.Recoverable() {
		return s.fail(ctx, payment, paymentErr)
	}

	payment.StateAttempts++
	if payment.StateAttempts >= s.cfg.MaxSendAttempts {
		return s.fail(ctx, payment, paymentErr)
	}

	msg := paymentErr.Error()
	payment.Error = &msg
	processAt := now.Add(worker.Backoff(s.cfg.RetryBackoff, s.cfg.MaxRetryBackoff, payment.StateAttempts-1))
	payment.ProcessAt = &processAt
	return nil, nil
}

func (s *Service) complete(ctx context.Context, payment *models.OutgoingPayment, sent uint64) ([]*models.WebhookEvent, error) {
	payment.SentAmount = sent
	if err := s.loadDelivered(ctx, payment); err != nil {
		return nil, err
	}
	payment.Error = nil
	s.enterState(payment, models.OutgoingPaymentStateCompleted, s.now().UTC())
	payment.ProcessAt = nil
	return s.terminalEvent(ctx, payment, models.EventOutgoingPaymentCompleted)
}

func (s *Service) fail(ctx context.Context, payment *models.OutgoingPayment, paymentErr *PaymentError) ([]*models.WebhookEvent, error) {
	sent, err := s.accounting.GetTotalSent(ctx, payment.Id)
	if err != nil {
		return nil, fmt.Errorf("failed to get sent amount: %w", err)
	}
	payment.SentAmount = sent
	if err := s.loadDelivered(ctx, payment); err != nil {
		return nil, err
	}

	s.enterState(payment, models.OutgoingPaymentStateFailed, s.now().UTC())
	msg := string(paymentErr.Type)
	payment.Error = &msg
	payment.ProcessAt = nil

	zap.L().Warn("Outgoing payment failed",
		zap.String("payment_id", payment.Id.String()),
		zap.String("error_type", msg),
		zap.Error(paymentErr.Err))
	return s.terminalEvent(ctx, payment, models.EventOutgoingPaymentFailed)
}

// loadDelivered reads the delivered amount from the ledger, so deliveries of
// an attempt whose result was never recorded still count.
func (s *Service) loadDelivered(ctx context.Context, payment *models.OutgoingPayment) error {
	delivered, err := s.accounting.GetTotalDelivered(ctx, payment.Id)
	if err != nil {
		return fmt.Errorf("failed to get delivered amount: %w", err)
	}
	payment.DeliveredAmount = delivered
	return nil
}

// terminalEvent reports the final amounts and withdraws whatever the payment
// account still holds once the event is delivered.
func (s *Service) terminalEvent(ctx context.Context, payment *models.OutgoingPayment, eventType models.WebhookEventType) ([]*models.WebhookEvent, error) {
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
	return []*models.WebhookEvent{event}, nil
}

func (s *Service) enterState(payment *models.OutgoingPayment, state models.OutgoingPaymentState, now time.Time) {
	payment.State = state
	payment.StateAttempts = 0
	payment.Error = nil
	payment.ProcessAt = &now
}
