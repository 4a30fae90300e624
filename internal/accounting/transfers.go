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

package accounting

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"ilp-ledger-go/internal/models"
	"ilp-ledger-go/internal/store"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

type WithdrawalOptions struct {
	Id      uuid.UUID
	Account models.LiquidityAccount
	Amount  uint64
	// Timeout makes the withdrawal two-phase; resolve it with PostWithdrawal
	// or VoidWithdrawal before it expires.
	Timeout time.Duration
}

// CreateWithdrawal moves funds from the account back to the settlement balance.
func (s *Service) CreateWithdrawal(ctx context.Context, opts WithdrawalOptions) error {
	if opts.Amount == 0 {
		return ErrInvalidAmount
	}
	if opts.Timeout < 0 {
		return ErrInvalidTimeout
	}

	mode := models.TransferModeAutoCommit
	if opts.Timeout > 0 {
		mode = models.TransferModeTwoPhase
	}

	err := s.ledger.CreateTransfers(ctx, []store.CreateTransferParams{{
		Id:                   opts.Id,
		SourceBalanceId:      opts.Account.BalanceId(),
		DestinationBalanceId: models.SettlementBalanceId(opts.Account.AccountAsset()),
		Amount:               opts.Amount,
		Code:                 models.TransferCodeWithdrawal,
		Mode:                 mode,
		Timeout:              opts.Timeout,
	}})
	s.metrics.RecordLedgerOperation("withdrawal", err)
	if err != nil {
		liquidity := opts.Account.Kind() == models.AccountKindAssetLiquidity
		return mapTransferError(err, func(int) bool { return liquidity })
	}

	zap.L().Info("Withdrawal created",
		zap.String("transfer_id", opts.Id.String()),
		zap.String("account_id", opts.Account.BalanceId().String()),
		zap.String("mode", mode.String()),
		zap.Uint64("amount", opts.Amount))
	return nil
}

// PostWithdrawal commits a two-phase withdrawal.
func (s *Service) PostWithdrawal(ctx context.Context, id uuid.UUID) error {
	err := s.ledger.CommitTransfers(ctx, []uuid.UUID{id})
	s.metrics.RecordLedgerOperation("commit", err)
	if err != nil {
		return mapCommitError(err)
	}
	return nil
}

// VoidWithdrawal rolls back a two-phase withdrawal.
func (s *Service) VoidWithdrawal(ctx context.Context, id uuid.UUID) error {
	err := s.ledger.RollbackTransfers(ctx, []uuid.UUID{id})
	s.metrics.RecordLedgerOperation("rollback", err)
	if err != nil {
		return mapCommitError(err)
	}
	return nil
}

type TransferOptions struct {
	Id                 uuid.UUID
	SourceAccount      models.LiquidityAccount
	DestinationAccount models.LiquidityAccount
	SourceAmount       uint64
	// DestinationAmount defaults to SourceAmount for same-asset transfers.
	DestinationAmount uint64
	Timeout           time.Duration
}

type resolution int

const (
	unresolved resolution = iota
	committed
	rolledBack
)

// Transfer is a reserved movement between two accounts. Exactly one of Commit
// or Rollback settles it; repeating the same call is a no-op.
type Transfer struct {
	Id                uuid.UUID
	SourceAmount      uint64
	DestinationAmount uint64

	service *Service
	legIds  []uuid.UUID

	mu    sync.Mutex
	state resolution
}

// CreateTransfer reserves funds between two accounts. Differing amounts of the
// same asset route the difference through the asset's liquidity pool; a cross
// asset transfer pays into the source asset's pool and out of the destination
// asset's pool. All legs share one timeout and are resolved together.
func (s *Service) CreateTransfer(ctx context.Context, opts TransferOptions) (*Transfer, error) {
	src, dst := opts.SourceAccount, opts.DestinationAccount
	if src.BalanceId() == dst.BalanceId() {
		return nil, ErrSameAccounts
	}
	srcAsset, dstAsset := src.AccountAsset(), dst.AccountAsset()
	sameAsset := srcAsset.SameAs(dstAsset)
	if sameAsset != (srcAsset.Unit == dstAsset.Unit) {
		return nil, fmt.Errorf("%w: %s and %s", ErrInvalidAsset, srcAsset, dstAsset)
	}

	if opts.DestinationAmount == 0 && sameAsset {
		opts.DestinationAmount = opts.SourceAmount
	}
	if opts.SourceAmount == 0 || opts.DestinationAmount == 0 {
		return nil, ErrInvalidAmount
	}
	if opts.Timeout <= 0 {
		return nil, ErrInvalidTimeout
	}
	if opts.Id == uuid.Nil {
		opts.Id = uuid.New()
	}

	type leg struct {
		source      models.LiquidityAccount
		destination models.LiquidityAccount
		amount      uint64
	}
	var legs []leg
	if sameAsset {
		pool := models.AssetLiquidity{Asset: srcAsset}
		switch {
		case opts.SourceAmount == opts.DestinationAmount:
			legs = append(legs, leg{src, dst, opts.SourceAmount})
		case opts.SourceAmount > opts.DestinationAmount:
			legs = append(legs,
				leg{src, dst, opts.DestinationAmount},
				leg{src, pool, opts.SourceAmount - opts.DestinationAmount})
		default:
			legs = append(legs,
				leg{src, dst, opts.SourceAmount},
				leg{pool, dst, opts.DestinationAmount - opts.SourceAmount})
		}
	} else {
		legs = append(legs,
			leg{src, models.AssetLiquidity{Asset: srcAsset}, opts.SourceAmount},
			leg{models.AssetLiquidity{Asset: dstAsset}, dst, opts.DestinationAmount})
	}

	params := make([]store.CreateTransferParams, len(legs))
	legIds := make([]uuid.UUID, len(legs))
	for i, l := range legs {
		legIds[i] = legId(opts.Id, i)
		params[i] = store.CreateTransferParams{
			Id:                   legIds[i],
			SourceBalanceId:      l.source.BalanceId(),
			DestinationBalanceId: l.destination.BalanceId(),
			Amount:               l.amount,
			Code:                 models.TransferCodeTransfer,
			Mode:                 models.TransferModeTwoPhase,
			Timeout:              opts.Timeout,
		}
	}

	err := s.ledger.CreateTransfers(ctx, params)
	s.metrics.RecordLedgerOperation("reserve", err)
	if err != nil {
		return nil, mapTransferError(err, func(index int) bool {
			return index < len(legs) && legs[index].source.Kind() == models.AccountKindAssetLiquidity
		})
	}

	zap.L().Debug("Transfer reserved",
		zap.String("transfer_id", opts.Id.String()),
		zap.String("source_account_id", src.BalanceId().String()),
		zap.String("destination_account_id", dst.BalanceId().String()),
		zap.Uint64("source_amount", opts.SourceAmount),
		zap.Uint64("destination_amount", opts.DestinationAmount),
		zap.Int("legs", len(legs)))

	return &Transfer{
		Id:                opts.Id,
		SourceAmount:      opts.SourceAmount,
		DestinationAmount: opts.DestinationAmount,
		service:           s,
		legIds:            legIds,
	}, nil
}

// legId derives the ledger transfer id of a leg so that retries reuse it.
func legId(transferId uuid.UUID, index int) uuid.UUID {
	if index == 0 {
		return transferId
	}
	return uuid.NewSHA1(transferId, []byte(fmt.Sprintf("leg-%d", index)))
}

// Commit posts every leg of the transfer.
func (t *Transfer) Commit(ctx context.Context) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	switch t.state {
	case committed:
		return nil
	case rolledBack:
		return ErrTransferAlreadyRolledBack
	}

	err := t.service.ledger.CommitTransfers(ctx, t.legIds)
	t.service.metrics.RecordLedgerOperation("commit", err)
	if err != nil {
		err = mapCommitError(err)
		if errors.Is(err, ErrTransferAlreadyCommitted) {
			t.state = committed
			return nil
		}
		if errors.Is(err, ErrTransferAlreadyRolledBack) || errors.Is(err, ErrTransferExpired) {
			t.state = rolledBack
		}
		return err
	}

	t.state = committed
	zap.L().Debug("Transfer committed", zap.String("transfer_id", t.Id.String()))
	return nil
}

// Rollback releases every leg of the transfer.
func (t *Transfer) Rollback(ctx context.Context) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	switch t.state {
	case rolledBack:
		return nil
	case committed:
		return ErrTransferAlreadyCommitted
	}

	err := t.service.ledger.RollbackTransfers(ctx, t.legIds)
	t.service.metrics.RecordLedgerOperation("rollback", err)
	if err != nil {
		err = mapCommitError(err)
		if errors.Is(err, ErrTransferAlreadyCommitted) {
			t.state = committed
		}
		return err
	}

	t.state = rolledBack
	zap.L().Debug("Transfer rolled back", zap.String("transfer_id", t.Id.String()))
	return nil
}

// Resolved reports whether Commit or Rollback has succeeded.
func (t *Transfer) Resolved() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.state != unresolved
}

// ExpireTransfers releases overdue pending reservations in batches. It
// reports whether any were released so a poller keeps draining.
func (s *Service) ExpireTransfers(ctx context.Context) (bool, error) {
	expired, err := s.ledger.ExpirePendingTransfers(ctx, expiryBatchSize)
	s.metrics.RecordLedgerOperation("expire", err)
	if err != nil {
		return false, err
	}
	if expired > 0 {
		zap.L().Info("Expired pending transfers", zap.Int("count", expired))
	}
	return expired > 0, nil
}
