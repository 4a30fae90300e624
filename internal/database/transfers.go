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

package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"math"

	"ilp-ledger-go/internal/models"
	"ilp-ledger-go/internal/store"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// CreateTransfers applies the batch atomically. The first failing entry aborts
// the batch with a *store.TransferError.
func (s *Service) CreateTransfers(ctx context.Context, transfers []store.CreateTransferParams) error {
	if len(transfers) == 0 {
		return nil
	}

	err := s.inLedgerTx(ctx, func(ctx context.Context, lt *ledgerTx) error {
		ids := make([]uuid.UUID, 0, 2*len(transfers))
		for _, t := range transfers {
			ids = append(ids, t.SourceBalanceId, t.DestinationBalanceId)
		}
		if err := lt.lock(ctx, ids); err != nil {
			return err
		}

		created := make(map[uuid.UUID]store.CreateTransferParams, len(transfers))
		for i, t := range transfers {
			reason, err := lt.createTransfer(ctx, t, created)
			if err != nil {
				return err
			}
			if reason != nil {
				return &store.TransferError{Index: i, Reason: reason}
			}
		}
		return nil
	})
	if err != nil {
		return err
	}

	for _, t := range transfers {
		zap.L().Info("Transfer created",
			zap.String("transfer_id", t.Id.String()),
			zap.String("source_balance_id", t.SourceBalanceId.String()),
			zap.String("destination_balance_id", t.DestinationBalanceId.String()),
			zap.Uint64("amount", t.Amount),
			zap.String("code", t.Code.String()),
			zap.String("mode", t.Mode.String()))
	}
	return nil
}

// createTransfer validates and applies a single entry. A non-nil reason
// rejects the entry; err reports a database failure.
func (lt *ledgerTx) createTransfer(ctx context.Context, t store.CreateTransferParams, created map[uuid.UUID]store.CreateTransferParams) (reason error, err error) {
	if t.Mode == 0 {
		t.Mode = models.TransferModeAutoCommit
	}
	if t.Code == 0 {
		t.Code = models.TransferCodeTransfer
	}

	switch {
	case t.Amount == 0:
		return store.ErrAmountZero, nil
	case t.Amount > math.MaxInt64:
		return store.ErrAmountOverflow, nil
	case t.SourceBalanceId == t.DestinationBalanceId:
		return store.ErrSameBalances, nil
	case t.Mode == models.TransferModeTwoPhase && t.Timeout <= 0:
		return store.ErrInvalidTimeout, nil
	case t.Mode == models.TransferModeAutoCommit && t.Timeout != 0:
		return store.ErrInvalidTimeout, nil
	case t.Mode != models.TransferModeTwoPhase && t.Mode != models.TransferModeAutoCommit:
		return store.ErrInvalidTimeout, nil
	}

	if prior, ok := created[t.Id]; ok {
		if sameTransfer(prior, t) {
			return store.ErrExists, nil
		}
		return store.ErrExistsWithDifferentFields, nil
	}
	existing, err := scanTransfer(lt.tx.QueryRowContext(ctx, lt.s.q(queryGetTransfer), t.Id))
	if err == nil {
		if existing.SourceBalanceId == t.SourceBalanceId && existing.DestinationBalanceId == t.DestinationBalanceId &&
			existing.Amount == t.Amount && existing.Code == t.Code && existing.Mode == t.Mode {
			return store.ErrExists, nil
		}
		return store.ErrExistsWithDifferentFields, nil
	} else if !errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("failed to check for existing transfer: %w", err)
	}

	src := lt.balances[t.SourceBalanceId]
	if src == nil {
		return store.ErrSourceNotFound, nil
	}
	dst := lt.balances[t.DestinationBalanceId]
	if dst == nil {
		return store.ErrDestinationNotFound, nil
	}
	if src.Unit != dst.Unit {
		return store.ErrAssetMismatch, nil
	}

	if overflow, exceeds := exceedsLimit(src, t.Amount, true); overflow {
		return store.ErrAmountOverflow, nil
	} else if exceeds {
		return store.ErrExceedsAvailableBalance, nil
	}
	if overflow, exceeds := exceedsLimit(dst, t.Amount, false); overflow {
		return store.ErrAmountOverflow, nil
	} else if exceeds {
		return store.ErrExceedsAvailableBalance, nil
	}

	var (
		state      models.TransferState
		expiresAt  sql.NullInt64
		resolvedAt sql.NullInt64
	)
	if t.Mode == models.TransferModeTwoPhase {
		src.DebitsPending += t.Amount
		dst.CreditsPending += t.Amount
		state = models.TransferStatePending
		expiresAt = sql.NullInt64{Int64: toMillis(lt.now.Add(t.Timeout)), Valid: true}
	} else {
		src.DebitsPosted += t.Amount
		dst.CreditsPosted += t.Amount
		state = models.TransferStateCommitted
		resolvedAt = sql.NullInt64{Int64: toMillis(lt.now), Valid: true}
	}
	src.dirty, dst.dirty = true, true

	_, err = lt.tx.ExecContext(ctx, lt.s.q(queryInsertTransfer),
		t.Id, t.SourceBalanceId, t.DestinationBalanceId, int64(t.Amount), int64(src.Unit),
		int(t.Code), int(t.Mode), string(state), expiresAt, toMillis(lt.now), resolvedAt)
	if err != nil {
		return nil, fmt.Errorf("failed to insert transfer %s: %w", t.Id, err)
	}
	created[t.Id] = t
	return nil, nil
}

func sameTransfer(a, b store.CreateTransferParams) bool {
	return a.SourceBalanceId == b.SourceBalanceId && a.DestinationBalanceId == b.DestinationBalanceId &&
		a.Amount == b.Amount && a.Code == b.Code && a.Mode == b.Mode
}

// CommitTransfers posts pending two-phase transfers.
func (s *Service) CommitTransfers(ctx context.Context, ids []uuid.UUID) error {
	return s.resolveTransfers(ctx, ids, true)
}

// RollbackTransfers releases pending two-phase transfers. Rolling back an
// already rolled back or expired transfer is a no-op.
func (s *Service) RollbackTransfers(ctx context.Context, ids []uuid.UUID) error {
	return s.resolveTransfers(ctx, ids, false)
}

func (s *Service) resolveTransfers(ctx context.Context, ids []uuid.UUID, commit bool) error {
	if len(ids) == 0 {
		return nil
	}

	known, err := s.GetTransfers(ctx, ids)
	if err != nil {
		return err
	}
	balanceIds := make([]uuid.UUID, 0, 2*len(known))
	for _, t := range known {
		balanceIds = append(balanceIds, t.SourceBalanceId, t.DestinationBalanceId)
	}

	err = s.inLedgerTx(ctx, func(ctx context.Context, lt *ledgerTx) error {
		if err := lt.lock(ctx, balanceIds); err != nil {
			return err
		}
		for i, id := range ids {
			reason, err := lt.resolveTransfer(ctx, id, commit)
			if err != nil {
				return err
			}
			if reason != nil {
				return &store.CommitError{Index: i, Reason: reason}
			}
		}
		return nil
	})
	if err != nil {
		return err
	}

	action := "Transfers rolled back"
	if commit {
		action = "Transfers committed"
	}
	for _, id := range ids {
		zap.L().Info(action, zap.String("transfer_id", id.String()))
	}
	return nil
}

func (lt *ledgerTx) resolveTransfer(ctx context.Context, id uuid.UUID, commit bool) (reason error, err error) {
	t, err := scanTransfer(lt.tx.QueryRowContext(ctx, lt.s.lockRows(queryGetTransfer), id))
	if errors.Is(err, sql.ErrNoRows) {
		return store.ErrTransferNotFound, nil
	} else if err != nil {
		return nil, fmt.Errorf("failed to get transfer %s: %w", id, err)
	}

	switch t.State {
	case models.TransferStateCommitted:
		return store.ErrAlreadyCommitted, nil
	case models.TransferStateRejected:
		if commit {
			return store.ErrAlreadyRolledBack, nil
		}
		return nil, nil
	case models.TransferStateExpired:
		if commit {
			return store.ErrExpired, nil
		}
		return nil, nil
	}

	if t.ExpiresAt != nil && !lt.now.Before(*t.ExpiresAt) {
		if err := lt.lockTransferBalances(ctx, t); err != nil {
			return nil, err
		}
		if err := lt.release(ctx, t, models.TransferStateExpired); err != nil {
			return nil, err
		}
		lt.expired++
		if commit {
			return store.ErrExpired, nil
		}
		return nil, nil
	}

	if err := lt.lockTransferBalances(ctx, t); err != nil {
		return nil, err
	}
	if commit {
		return nil, lt.post(ctx, t)
	}
	return nil, lt.release(ctx, t, models.TransferStateRejected)
}

// lockTransferBalances covers transfers created after the batch read its
// balance ids.
func (lt *ledgerTx) lockTransferBalances(ctx context.Context, t *models.Transfer) error {
	if lt.balances[t.SourceBalanceId] != nil && lt.balances[t.DestinationBalanceId] != nil {
		return nil
	}
	return lt.lock(ctx, []uuid.UUID{t.SourceBalanceId, t.DestinationBalanceId})
}

// GetTransfers returns the known transfers among ids.
func (s *Service) GetTransfers(ctx context.Context, ids []uuid.UUID) ([]models.Transfer, error) {
	ids = uniqueIds(ids)
	if len(ids) == 0 {
		return nil, nil
	}

	transfers, err := s.queryTransfers(ctx, s.q(fmt.Sprintf(queryGetTransfersIn, placeholders(len(ids)))), idArgs(ids)...)
	if err != nil {
		return nil, err
	}

	now := s.now()
	var touched []uuid.UUID
	for _, t := range transfers {
		if t.State == models.TransferStatePending && t.ExpiresAt != nil && !now.Before(*t.ExpiresAt) {
			touched = append(touched, t.SourceBalanceId, t.DestinationBalanceId)
		}
	}
	if len(touched) == 0 {
		return transfers, nil
	}
	if err := s.expireOverdueFor(ctx, uniqueIds(touched)); err != nil {
		return nil, err
	}
	return s.queryTransfers(ctx, s.q(fmt.Sprintf(queryGetTransfersIn, placeholders(len(ids)))), idArgs(ids)...)
}

// GetAccountTransfers returns every transfer debiting or crediting a balance.
func (s *Service) GetAccountTransfers(ctx context.Context, balanceId uuid.UUID) ([]models.Transfer, error) {
	if err := s.expireOverdueFor(ctx, []uuid.UUID{balanceId}); err != nil {
		return nil, err
	}
	return s.queryTransfers(ctx, s.q(queryGetAccountTransfers), balanceId, balanceId)
}

// ExpirePendingTransfers releases up to limit overdue reservations and
// returns how many were expired.
func (s *Service) ExpirePendingTransfers(ctx context.Context, limit int) (int, error) {
	if limit <= 0 {
		limit = 100
	}
	overdue, err := s.queryTransfers(ctx, s.q(queryOverdueTransfers), toMillis(s.now()), limit)
	if err != nil {
		return 0, err
	}
	if len(overdue) == 0 {
		return 0, nil
	}

	balanceIds := make([]uuid.UUID, 0, 2*len(overdue))
	for _, t := range overdue {
		balanceIds = append(balanceIds, t.SourceBalanceId, t.DestinationBalanceId)
	}

	expired := 0
	err = s.inLedgerTx(ctx, func(ctx context.Context, lt *ledgerTx) error {
		if err := lt.lock(ctx, balanceIds); err != nil {
			return err
		}
		expired = lt.expired
		return nil
	})
	if err != nil {
		return 0, err
	}
	return expired, nil
}

func (s *Service) queryTransfers(ctx context.Context, query string, args ...any) ([]models.Transfer, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query transfers: %w", err)
	}
	defer closeRows(rows)

	return scanTransfers(rows)
}
