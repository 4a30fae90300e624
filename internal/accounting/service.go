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

	"ilp-ledger-go/internal/metrics"
	"ilp-ledger-go/internal/models"
	"ilp-ledger-go/internal/store"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Ledger balance codes per account kind
const (
	codeLiquidity uint16 = iota + 1
	codeSettlement
	codePeer
	codeWalletAccount
	codeIncomingPayment
	codeOutgoingPayment
)

const expiryBatchSize = 100

func balanceCode(kind models.AccountKind) uint16 {
	switch kind {
	case models.AccountKindAssetLiquidity:
		return codeLiquidity
	case models.AccountKindSettlement:
		return codeSettlement
	case models.AccountKindPeer:
		return codePeer
	case models.AccountKindWalletAccount:
		return codeWalletAccount
	case models.AccountKindIncomingPayment:
		return codeIncomingPayment
	case models.AccountKindOutgoingPayment:
		return codeOutgoingPayment
	default:
		return 0
	}
}

// Service maps domain accounts onto ledger balances.
type Service struct {
	ledger  store.Ledger
	metrics *metrics.Collector
}

type Option func(*Service)

func WithMetrics(collector *metrics.Collector) Option {
	return func(s *Service) {
		s.metrics = collector
	}
}

func NewService(ledger store.Ledger, opts ...Option) *Service {
	s := &Service{ledger: ledger}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// CreateAssetAccounts provisions the liquidity pool and the settlement
// balance of an asset. Existing balances are left untouched.
func (s *Service) CreateAssetAccounts(ctx context.Context, asset models.Asset) error {
	if err := s.CreateSettlementAccount(ctx, asset); err != nil {
		return err
	}
	err := s.createBalance(ctx, models.AssetLiquidity{Asset: asset})
	if err != nil && !errors.Is(err, ErrAccountAlreadyExists) {
		return err
	}
	return nil
}

// CreateSettlementAccount provisions the settlement balance of an asset. It is
// idempotent.
func (s *Service) CreateSettlementAccount(ctx context.Context, asset models.Asset) error {
	err := s.createBalance(ctx, models.AssetSettlement{Asset: asset})
	if err != nil && !errors.Is(err, ErrAccountAlreadyExists) {
		return err
	}
	return nil
}

// CreateLiquidityAccount provisions the primary balance of account, creating
// the asset pools on first use.
func (s *Service) CreateLiquidityAccount(ctx context.Context, account models.LiquidityAccount) error {
	switch account.Kind() {
	case models.AccountKindSettlement:
		return s.CreateSettlementAccount(ctx, account.AccountAsset())
	case models.AccountKindAssetLiquidity:
		if err := s.CreateSettlementAccount(ctx, account.AccountAsset()); err != nil {
			return err
		}
		return s.createBalance(ctx, account)
	}

	if err := s.CreateAssetAccounts(ctx, account.AccountAsset()); err != nil {
		return err
	}
	return s.createBalance(ctx, account)
}

func (s *Service) createBalance(ctx context.Context, account models.LiquidityAccount) error {
	asset := account.AccountAsset()
	if asset.Unit == 0 {
		return fmt.Errorf("%w: asset %s has no ledger unit", ErrInvalidAsset, asset)
	}

	params := store.CreateBalanceParams{
		Id:         account.BalanceId(),
		Unit:       asset.Unit,
		NormalSide: models.NormalSideCredit,
		Flags:      models.BalanceFlagDebitsMustNotExceedCredits,
		Code:       balanceCode(account.Kind()),
	}
	if account.Kind() == models.AccountKindSettlement {
		params.NormalSide = models.NormalSideDebit
		params.Flags = models.BalanceFlagCreditsMustNotExceedDebits
	}

	err := s.ledger.CreateBalances(ctx, []store.CreateBalanceParams{params})
	if errors.Is(err, store.ErrDuplicateBalance) {
		return fmt.Errorf("%w: %s", ErrAccountAlreadyExists, account.BalanceId())
	} else if err != nil {
		return fmt.Errorf("failed to create %s balance: %w", account.Kind(), err)
	}

	zap.L().Info("Liquidity account created",
		zap.String("account_id", account.BalanceId().String()),
		zap.String("kind", string(account.Kind())),
		zap.String("asset", asset.String()))
	return nil
}

func (s *Service) getLedgerBalance(ctx context.Context, id uuid.UUID) (*models.Balance, error) {
	balances, err := s.ledger.GetBalances(ctx, []uuid.UUID{id})
	if err != nil {
		return nil, fmt.Errorf("failed to get balance: %w", err)
	}
	if len(balances) != 1 {
		return nil, fmt.Errorf("%w: %s", ErrUnknownBalance, id)
	}
	return &balances[0], nil
}

// GetBalance returns the spendable balance of an account: settled funds less
// outstanding reservations.
func (s *Service) GetBalance(ctx context.Context, accountId uuid.UUID) (uint64, error) {
	balance, err := s.getLedgerBalance(ctx, accountId)
	if err != nil {
		return 0, err
	}
	if available := balance.Available(); available > 0 {
		return uint64(available), nil
	}
	return 0, nil
}

// GetTotalReceived returns everything ever credited to the account.
func (s *Service) GetTotalReceived(ctx context.Context, accountId uuid.UUID) (uint64, error) {
	balance, err := s.getLedgerBalance(ctx, accountId)
	if err != nil {
		return 0, err
	}
	return balance.CreditsPosted, nil
}

// GetTotalIncoming returns everything credited to the account, counting
// reservations that are still pending.
func (s *Service) GetTotalIncoming(ctx context.Context, accountId uuid.UUID) (uint64, error) {
	balance, err := s.getLedgerBalance(ctx, accountId)
	if err != nil {
		return 0, err
	}
	return balance.CreditsPosted + balance.CreditsPending, nil
}

// GetTotalSent returns the gross amount the account sent through committed
// transfers. Withdrawals of leftover funds are not counted.
func (s *Service) GetTotalSent(ctx context.Context, accountId uuid.UUID) (uint64, error) {
	if _, err := s.getLedgerBalance(ctx, accountId); err != nil {
		return 0, err
	}

	transfers, err := s.ledger.GetAccountTransfers(ctx, accountId)
	if err != nil {
		return 0, fmt.Errorf("failed to get account transfers: %w", err)
	}

	var sent uint64
	for _, t := range transfers {
		if t.SourceBalanceId == accountId && t.Code == models.TransferCodeTransfer && t.State == models.TransferStateCommitted {
			sent += t.Amount
		}
	}
	return sent, nil
}

// GetTotalDelivered returns what the account's committed transfers credited
// to their destinations, after any spread or currency conversion.
func (s *Service) GetTotalDelivered(ctx context.Context, accountId uuid.UUID) (uint64, error) {
	if _, err := s.getLedgerBalance(ctx, accountId); err != nil {
		return 0, err
	}

	transfers, err := s.ledger.GetAccountTransfers(ctx, accountId)
	if err != nil {
		return 0, fmt.Errorf("failed to get account transfers: %w", err)
	}

	// The first leg of a transfer carries the transfer id and debits the
	// source; a second leg, if any, is found by its derived id.
	var debits []models.Transfer
	derived := make(map[uuid.UUID]struct{})
	for _, t := range transfers {
		if t.SourceBalanceId == accountId && t.Code == models.TransferCodeTransfer && t.State == models.TransferStateCommitted {
			debits = append(debits, t)
			derived[legId(t.Id, 1)] = struct{}{}
		}
	}
	var first []models.Transfer
	var secondIds []uuid.UUID
	for _, t := range debits {
		if _, ok := derived[t.Id]; ok {
			continue
		}
		first = append(first, t)
		secondIds = append(secondIds, legId(t.Id, 1))
	}
	if len(first) == 0 {
		return 0, nil
	}

	legs, err := s.ledger.GetTransfers(ctx, secondIds)
	if err != nil {
		return 0, fmt.Errorf("failed to get transfer legs: %w", err)
	}
	second := make(map[uuid.UUID]models.Transfer, len(legs))
	for _, leg := range legs {
		second[leg.Id] = leg
	}

	var delivered uint64
	for _, t := range first {
		destination := t.DestinationBalanceId
		leg, ok := second[legId(t.Id, 1)]
		if ok && leg.SourceBalanceId != accountId {
			destination = leg.DestinationBalanceId
		}
		if t.DestinationBalanceId == destination {
			delivered += t.Amount
		}
		if ok && leg.DestinationBalanceId == destination && leg.State == models.TransferStateCommitted {
			delivered += leg.Amount
		}
	}
	return delivered, nil
}

type DepositOptions struct {
	Id      uuid.UUID
	Account models.LiquidityAccount
	Amount  uint64
}

// CreateDeposit moves external funds from the settlement balance into the
// account. Replaying an id returns ErrTransferExists without moving funds.
func (s *Service) CreateDeposit(ctx context.Context, opts DepositOptions) error {
	if opts.Amount == 0 {
		return ErrInvalidAmount
	}

	err := s.ledger.CreateTransfers(ctx, []store.CreateTransferParams{{
		Id:                   opts.Id,
		SourceBalanceId:      models.SettlementBalanceId(opts.Account.AccountAsset()),
		DestinationBalanceId: opts.Account.BalanceId(),
		Amount:               opts.Amount,
		Code:                 models.TransferCodeDeposit,
		Mode:                 models.TransferModeAutoCommit,
	}})
	s.metrics.RecordLedgerOperation("deposit", err)
	if err != nil {
		return mapTransferError(err, nil)
	}

	zap.L().Info("Deposit processed successfully",
		zap.String("transfer_id", opts.Id.String()),
		zap.String("account_id", opts.Account.BalanceId().String()),
		zap.String("asset", opts.Account.AccountAsset().String()),
		zap.Uint64("amount", opts.Amount))
	return nil
}
