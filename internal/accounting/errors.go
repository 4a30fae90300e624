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
	"errors"
	"fmt"

	"ilp-ledger-go/internal/store"
)

// Sentinel errors surfaced by the accounting layer
var (
	ErrInsufficientBalance       = errors.New("insufficient balance")
	ErrInsufficientLiquidity     = errors.New("insufficient liquidity")
	ErrUnknownBalance            = errors.New("unknown balance")
	ErrInvalidAsset              = errors.New("invalid asset")
	ErrSameAccounts              = errors.New("source and destination accounts are the same")
	ErrInvalidAmount             = errors.New("invalid amount")
	ErrInvalidTimeout            = errors.New("invalid timeout")
	ErrTransferExists            = errors.New("transfer already exists")
	ErrUnknownTransfer           = errors.New("unknown transfer")
	ErrTransferExpired           = errors.New("transfer expired")
	ErrTransferAlreadyCommitted  = errors.New("transfer already committed")
	ErrTransferAlreadyRolledBack = errors.New("transfer already rolled back")
	ErrAccountAlreadyExists      = errors.New("account already exists")
)

// IsLiquidityError reports whether err is a recoverable funding shortfall.
func IsLiquidityError(err error) bool {
	return errors.Is(err, ErrInsufficientBalance) || errors.Is(err, ErrInsufficientLiquidity)
}

// mapTransferError translates a ledger batch failure. liquidityLeg reports
// whether the leg at an index debits a liquidity pool rather than the payer.
func mapTransferError(err error, liquidityLeg func(index int) bool) error {
	var transferErr *store.TransferError
	if !errors.As(err, &transferErr) {
		return err
	}

	var mapped error
	switch {
	case errors.Is(err, store.ErrExceedsAvailableBalance):
		mapped = ErrInsufficientBalance
		if liquidityLeg != nil && liquidityLeg(transferErr.Index) {
			mapped = ErrInsufficientLiquidity
		}
	case errors.Is(err, store.ErrSourceNotFound), errors.Is(err, store.ErrDestinationNotFound):
		mapped = ErrUnknownBalance
	case errors.Is(err, store.ErrAssetMismatch):
		mapped = ErrInvalidAsset
	case errors.Is(err, store.ErrAmountZero), errors.Is(err, store.ErrAmountOverflow):
		mapped = ErrInvalidAmount
	case errors.Is(err, store.ErrInvalidTimeout):
		mapped = ErrInvalidTimeout
	case errors.Is(err, store.ErrExists), errors.Is(err, store.ErrExistsWithDifferentFields):
		mapped = ErrTransferExists
	case errors.Is(err, store.ErrSameBalances):
		mapped = ErrSameAccounts
	default:
		return err
	}
	return fmt.Errorf("%w: %w", mapped, err)
}

func mapCommitError(err error) error {
	var commitErr *store.CommitError
	if !errors.As(err, &commitErr) {
		return err
	}

	var mapped error
	switch {
	case errors.Is(err, store.ErrTransferNotFound):
		mapped = ErrUnknownTransfer
	case errors.Is(err, store.ErrAlreadyCommitted):
		mapped = ErrTransferAlreadyCommitted
	case errors.Is(err, store.ErrAlreadyRolledBack):
		mapped = ErrTransferAlreadyRolledBack
	case errors.Is(err, store.ErrExpired):
		mapped = ErrTransferExpired
	default:
		return err
	}
	return fmt.Errorf("%w: %w", mapped, err)
}
