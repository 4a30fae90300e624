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

package connector

import (
	"context"
	"errors"
	"fmt"
	"time"

	"ilp-ledger-go/internal/accounting"
	"ilp-ledger-go/internal/ilp"
	"ilp-ledger-go/internal/models"
	"ilp-ledger-go/internal/rates"

	"go.uber.org/zap"
)

const DefaultMaxTransferTimeout = 5 * time.Second

// Accounting reserves packet value between two accounts.
type Accounting interface {
	CreateTransfer(ctx context.Context, opts accounting.TransferOptions) (*accounting.Transfer, error)
}

// Converter expresses an amount in another asset.
type Converter interface {
	Convert(ctx context.Context, opts rates.ConvertOptions) (uint64, error)
}

// CreditHandler is told about value committed to an incoming payment.
type CreditHandler interface {
	OnCredit(ctx context.Context, account models.LiquidityAccount, amount uint64) error
}

type BalanceOptions struct {
	Accounting Accounting
	Rates      Converter
	// Credits is optional.
	Credits CreditHandler
	// MaxTransferTimeout caps how long a packet may hold its reservation.
	MaxTransferTimeout time.Duration
	// IlpAddress is reported as the trigger of local rejects.
	IlpAddress string
	Now        func() time.Time
}

// BalanceMiddleware reserves the packet's value before forwarding it and
// settles the reservation from the reply: a fulfill commits, anything else
// (reject, error, panic, timeout) rolls back.
func BalanceMiddleware(opts BalanceOptions) Middleware {
	if opts.MaxTransferTimeout <= 0 {
		opts.MaxTransferTimeout = DefaultMaxTransferTimeout
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}

	return func(next HandlerFunc) HandlerFunc {
		return func(ctx context.Context, req *Request) (*ilp.Reply, error) {
			prepare := req.Prepare
			if prepare.Amount == 0 {
				req.OutgoingAmount = 0
				return next(ctx, req)
			}

			outgoingAmount, err := opts.Rates.Convert(ctx, rates.ConvertOptions{
				SourceAmount:     prepare.Amount,
				SourceAsset:      req.IncomingAccount.AccountAsset(),
				DestinationAsset: req.OutgoingAccount.AccountAsset(),
			})
			if err != nil {
				zap.L().Warn("Packet amount conversion failed",
					zap.String("destination", prepare.Destination),
					zap.Uint64("amount", prepare.Amount),
					zap.Error(err))
				return ilp.NewReject(ilp.ErrCannotReceive, opts.IlpAddress, "failed to convert packet amount"), nil
			}
			if outgoingAmount == 0 {
				return ilp.NewReject(ilp.ErrCannotReceive, opts.IlpAddress, "packet amount too small after conversion"), nil
			}
			req.OutgoingAmount = outgoingAmount

			timeout := prepare.ExpiresAt.Sub(opts.Now())
			if timeout <= 0 {
				return ilp.NewReject(ilp.ErrInsufficientTimeout, opts.IlpAddress, "packet expired before reservation"), nil
			}
			if timeout > opts.MaxTransferTimeout {
				timeout = opts.MaxTransferTimeout
			}

			transfer, err := opts.Accounting.CreateTransfer(ctx, accounting.TransferOptions{
				SourceAccount:      req.IncomingAccount,
				DestinationAccount: req.OutgoingAccount,
				SourceAmount:       prepare.Amount,
				DestinationAmount:  outgoingAmount,
				Timeout:            timeout,
			})
			if accounting.IsLiquidityError(err) {
				zap.L().Debug("Packet rejected for liquidity",
					zap.String("incoming_account_id", req.IncomingAccount.BalanceId().String()),
					zap.Uint64("amount", prepare.Amount),
					zap.Error(err))
				return ilp.NewReject(ilp.ErrInsufficientLiquidity, opts.IlpAddress, "insufficient liquidity"), nil
			} else if err != nil {
				return nil, fmt.Errorf("failed to reserve packet transfer: %w", err)
			}

			settled := false
			defer func() {
				if settled {
					return
				}
				if err := transfer.Rollback(context.WithoutCancel(ctx)); err != nil {
					zap.L().Error("Failed to roll back packet transfer",
						zap.String("transfer_id", transfer.Id.String()),
						zap.Error(err))
				}
			}()

			reply, err := next(ctx, req)
			if err != nil {
				return nil, err
			}
			if reply == nil || reply.Fulfill == nil {
				return reply, nil
			}

			if err := transfer.Commit(context.WithoutCancel(ctx)); err != nil {
				if errors.Is(err, accounting.ErrTransferExpired) || errors.Is(err, accounting.ErrTransferAlreadyRolledBack) {
					settled = true
				}
				return nil, fmt.Errorf("failed to commit packet transfer: %w", err)
			}
			settled = true

			if opts.Credits != nil && req.OutgoingAccount.Kind() == models.AccountKindIncomingPayment {
				if err := opts.Credits.OnCredit(context.WithoutCancel(ctx), req.OutgoingAccount, outgoingAmount); err != nil {
					zap.L().Warn("Incoming payment credit hook failed",
						zap.String("incoming_payment_id", req.OutgoingAccount.BalanceId().String()),
						zap.Error(err))
				}
			}
			return reply, nil
		}
	}
}
