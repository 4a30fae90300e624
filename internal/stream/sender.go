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

package stream

import (
	"context"
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"errors"
	"fmt"
	"math"
	"time"

	"ilp-ledger-go/internal/connector"
	"ilp-ledger-go/internal/ilp"
	"ilp-ledger-go/internal/models"
	"ilp-ledger-go/internal/payments/incoming"
	"ilp-ledger-go/internal/payments/outgoing"
	"ilp-ledger-go/internal/rates"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

const (
	defaultPacketExpiry = 30 * time.Second

	rejectExchangeRate = "exchange rate below minimum"
	rejectFulfillment  = "unknown packet"
	rejectReceiveMax   = "exceeds receive max"
	rejectClosed       = "receiver closed"
)

var _ outgoing.Sender = (*LocalSender)(nil)

// Rater quotes the exchange rate packets are converted at.
type Rater interface {
	Rate(ctx context.Context, src, dst models.Asset) (decimal.Decimal, error)
}

// CreditChecker vets value reserved for an incoming payment before the
// receiver fulfills the packet carrying it.
type CreditChecker interface {
	CheckCredit(ctx context.Context, account models.LiquidityAccount) error
}

type Options struct {
	IlpAddress string
	// Middlewares run for every packet before it reaches the receiver.
	Middlewares  []connector.Middleware
	PacketExpiry time.Duration
	Rates        Rater
	// Credits is optional.
	Credits CreditChecker
}

// LocalSender delivers outgoing payments to receivers hosted by this node.
// Every packet travels through the connector pipeline from the payment's
// account to the receiver's account; the receiver fulfills packets whose
// condition it can derive from the shared secret.
type LocalSender struct {
	address      string
	pipeline     connector.HandlerFunc
	packetExpiry time.Duration
	rates        Rater
	credits      CreditChecker
	secret       [32]byte
	now          func() time.Time
}

func NewLocalSender(opts Options) (*LocalSender, error) {
	if opts.PacketExpiry <= 0 {
		opts.PacketExpiry = defaultPacketExpiry
	}
	if opts.Rates == nil {
		return nil, fmt.Errorf("stream sender requires a rate source")
	}
	s := &LocalSender{
		address:      opts.IlpAddress,
		packetExpiry: opts.PacketExpiry,
		rates:        opts.Rates,
		credits:      opts.Credits,
		now:          time.Now,
	}
	if _, err := rand.Read(s.secret[:]); err != nil {
		return nil, fmt.Errorf("failed to generate stream secret: %w", err)
	}
	s.pipeline = connector.Compose(s.receive, opts.Middlewares...)
	return s, nil
}

func (s *LocalSender) fulfillment(nonce []byte) [32]byte {
	mac := hmac.New(sha256.New, s.secret[:])
	mac.Write(nonce)
	var f [32]byte
	copy(f[:], mac.Sum(nil))
	return f
}

type packetContext struct{}

// receive is the receiver end of the pipeline.
func (s *LocalSender) receive(ctx context.Context, req *connector.Request) (*ilp.Reply, error) {
	fulfillment := s.fulfillment(req.Prepare.Data)
	if !req.Prepare.Verify(fulfillment) {
		return ilp.NewReject(ilp.ErrApplicationError, s.address, rejectFulfillment), nil
	}

	if quote, ok := ctx.Value(packetContext{}).(*models.Quote); ok && req.Prepare.Amount > 0 {
		minimum, err := rates.Apply(req.Prepare.Amount, quote.MinExchangeRate)
		if err != nil || req.OutgoingAmount < minimum {
			return ilp.NewReject(ilp.ErrApplicationError, s.address, rejectExchangeRate), nil
		}
	}

	if s.credits != nil && req.OutgoingAccount.Kind() == models.AccountKindIncomingPayment {
		err := s.credits.CheckCredit(ctx, req.OutgoingAccount)
		switch {
		case errors.Is(err, incoming.ErrReceiveMax):
			return ilp.NewReject(ilp.ErrAmountTooLarge, s.address, rejectReceiveMax), nil
		case errors.Is(err, incoming.ErrPaymentInactive):
			return ilp.NewReject(ilp.ErrApplicationError, s.address, rejectClosed), nil
		case errors.Is(err, incoming.ErrUnknownPayment):
			return ilp.NewReject(ilp.ErrUnreachable, s.address, "unknown receiver"), nil
		case err != nil:
			return nil, fmt.Errorf("failed to check incoming payment credit: %w", err)
		}
	}
	return ilp.NewFulfill(fulfillment), nil
}

// Send streams up to MaxSourceAmount in packets of at most the quote's max
// packet amount. Progress is reported even when the send fails.
func (s *LocalSender) Send(ctx context.Context, req outgoing.SendRequest) (outgoing.SendResult, error) {
	var result outgoing.SendResult
	if req.Receiver == nil || req.Receiver.Account == nil {
		return result, &outgoing.PaymentError{Type: outgoing.ErrorTypeReceiverGone, Err: fmt.Errorf("receiver has no local account")}
	}
	if req.Quote == nil {
		return result, &outgoing.PaymentError{Type: outgoing.ErrorTypeProtocolViolation, Err: fmt.Errorf("missing quote")}
	}

	maxPacket := req.Quote.MaxPacketAmount
	if maxPacket == 0 {
		maxPacket = req.MaxSourceAmount
	}
	deliverable, capped := req.Receiver.Remaining()
	ctx = context.WithValue(ctx, packetContext{}, req.Quote)

	for result.AmountSent < req.MaxSourceAmount {
		if capped && result.AmountDelivered >= deliverable {
			break
		}
		if err := ctx.Err(); err != nil {
			return result, &outgoing.PaymentError{Type: outgoing.ErrorTypeTransient, Err: err}
		}

		amount := req.MaxSourceAmount - result.AmountSent
		if amount > maxPacket {
			amount = maxPacket
		}
		if capped {
			limit, err := s.sourceFor(ctx, req, deliverable-result.AmountDelivered)
			if err != nil {
				return result, &outgoing.PaymentError{Type: outgoing.ErrorTypeTransient, Err: err}
			}
			if limit == 0 {
				// Less than one source unit is left to deliver.
				break
			}
			if amount > limit {
				amount = limit
			}
		}

		nonce := make([]byte, 16)
		if _, err := rand.Read(nonce); err != nil {
			return result, &outgoing.PaymentError{Type: outgoing.ErrorTypeTransient, Err: err}
		}
		packet := &connector.Request{
			Prepare: &ilp.Prepare{
				Amount:             amount,
				ExpiresAt:          s.now().Add(s.packetExpiry),
				Destination:        req.Receiver.Url,
				ExecutionCondition: ilp.Condition(s.fulfillment(nonce)),
				Data:               nonce,
			},
			IncomingAccount: req.Payment,
			OutgoingAccount: req.Receiver.Account,
		}

		reply, err := s.pipeline(ctx, packet)
		if err != nil {
			return result, &outgoing.PaymentError{Type: outgoing.ErrorTypeTransient, Err: err}
		}
		if reply == nil {
			return result, &outgoing.PaymentError{Type: outgoing.ErrorTypeTransient, Err: fmt.Errorf("empty reply")}
		}
		if reply.Reject != nil {
			return result, classify(reply.Reject)
		}

		result.AmountSent += amount
		result.AmountDelivered += packet.OutgoingAmount
		zap.L().Debug("Packet fulfilled",
			zap.String("payment_id", req.Payment.Id.String()),
			zap.Uint64("amount", amount),
			zap.Uint64("delivered", packet.OutgoingAmount))
	}

	if result.AmountDelivered < req.MinDeliveryAmount && result.AmountSent >= req.MaxSourceAmount {
		return result, &outgoing.PaymentError{
			Type: outgoing.ErrorTypeExchangeRate,
			Err:  fmt.Errorf("delivered %d, expected at least %d", result.AmountDelivered, req.MinDeliveryAmount),
		}
	}
	return result, nil
}

// sourceFor returns the largest source amount whose converted value does not
// exceed deliver.
func (s *LocalSender) sourceFor(ctx context.Context, req outgoing.SendRequest, deliver uint64) (uint64, error) {
	rate, err := s.rates.Rate(ctx, req.Payment.AccountAsset(), req.Receiver.Account.AccountAsset())
	if err != nil {
		return 0, err
	}
	if !rate.IsPositive() {
		return 0, fmt.Errorf("invalid exchange rate %s", rate)
	}

	estimate := rates.FromUint64(deliver).Div(rate).Floor().BigInt()
	amount := uint64(math.MaxUint64)
	if estimate.IsUint64() {
		amount = estimate.Uint64()
	}
	for amount > 0 {
		delivered, err := rates.Apply(amount, rate)
		if err == nil && delivered <= deliver {
			return amount, nil
		}
		amount--
	}
	return 0, nil
}

func classify(reject *ilp.Reject) *outgoing.PaymentError {
	switch {
	case reject.Code == ilp.ErrInsufficientLiquidity:
		return &outgoing.PaymentError{Type: outgoing.ErrorTypeInsufficientLiquidity, Err: reject}
	case reject.Code == ilp.ErrInsufficientTimeout:
		return &outgoing.PaymentError{Type: outgoing.ErrorTypeIdleTimeout, Err: reject}
	case !reject.Code.Final():
		return &outgoing.PaymentError{Type: outgoing.ErrorTypeTransient, Err: reject}
	case reject.Code == ilp.ErrApplicationError && reject.Message == rejectExchangeRate:
		return &outgoing.PaymentError{Type: outgoing.ErrorTypeExchangeRate, Err: reject}
	case reject.Code == ilp.ErrApplicationError, reject.Code == ilp.ErrAmountTooLarge:
		return &outgoing.PaymentError{Type: outgoing.ErrorTypeClosedByReceiver, Err: reject}
	case reject.Code == ilp.ErrUnreachable:
		return &outgoing.PaymentError{Type: outgoing.ErrorTypeReceiverGone, Err: reject}
	case reject.Code == ilp.ErrCannotReceive:
		return &outgoing.PaymentError{Type: outgoing.ErrorTypeAssetConflict, Err: reject}
	default:
		return &outgoing.PaymentError{Type: outgoing.ErrorTypeProtocolViolation, Err: reject}
	}
}
