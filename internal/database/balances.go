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
	"fmt"

	"ilp-ledger-go/internal/models"
	"ilp-ledger-go/internal/store"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// CreateBalances creates every balance of the batch or none of them.
func (s *Service) CreateBalances(ctx context.Context, balances []store.CreateBalanceParams) error {
	if len(balances) == 0 {
		return nil
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer rollbackTx(tx)

	now := s.now()
	seen := make(map[uuid.UUID]struct{}, len(balances))
	for i, b := range balances {
		if b.Id == uuid.Nil || b.Unit == 0 ||
			(b.NormalSide != models.NormalSideCredit && b.NormalSide != models.NormalSideDebit) {
			return &store.BalanceError{Index: i, Reason: store.ErrInvalidBalance}
		}
		if _, dup := seen[b.Id]; dup {
			return &store.BalanceError{Index: i, Reason: store.ErrDuplicateBalance}
		}
		seen[b.Id] = struct{}{}

		var exists int
		err := tx.QueryRowContext(ctx, s.q(queryBalanceExists), b.Id).Scan(&exists)
		if err == nil {
			return &store.BalanceError{Index: i, Reason: store.ErrDuplicateBalance}
		} else if err != sql.ErrNoRows {
			return fmt.Errorf("failed to check for existing balance: %w", err)
		}

		_, err = tx.ExecContext(ctx, s.q(queryInsertBalance),
			b.Id, int64(b.Unit), int(b.NormalSide), int(b.Flags), int(b.Code), toMillis(now))
		if err != nil {
			return fmt.Errorf("failed to insert balance %s: %w", b.Id, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}

	for _, b := range balances {
		zap.L().Info("Balance created",
			zap.String("balance_id", b.Id.String()),
			zap.Uint32("unit", b.Unit),
			zap.String("normal_side", b.NormalSide.String()))
	}
	return nil
}

// GetBalances returns the existing balances among ids. Unknown ids are omitted.
// Overdue reservations on the requested balances are released first.
func (s *Service) GetBalances(ctx context.Context, ids []uuid.UUID) ([]models.Balance, error) {
	ids = uniqueIds(ids)
	if len(ids) == 0 {
		return nil, nil
	}

	if err := s.expireOverdueFor(ctx, ids); err != nil {
		return nil, err
	}

	query := s.q(fmt.Sprintf(queryGetBalancesIn, placeholders(len(ids))))
	rows, err := s.db.QueryContext(ctx, query, idArgs(ids)...)
	if err != nil {
		return nil, fmt.Errorf("failed to query balances: %w", err)
	}
	defer closeRows(rows)

	var balances []models.Balance
	for rows.Next() {
		b, _, err := scanBalance(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan balance: %w", err)
		}
		balances = append(balances, *b)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating balances: %w", err)
	}
	return balances, nil
}

// expireOverdueFor releases overdue reservations touching the given balances.
// It only opens a write transaction when one is due.
func (s *Service) expireOverdueFor(ctx context.Context, balanceIds []uuid.UUID) error {
	query := s.q(fmt.Sprintf(queryOverdueTransfersFor, placeholders(len(balanceIds)), placeholders(len(balanceIds))))
	args := make([]any, 0, 1+2*len(balanceIds))
	args = append(args, toMillis(s.now()))
	args = append(args, idArgs(balanceIds)...)
	args = append(args, idArgs(balanceIds)...)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("failed to query overdue transfers: %w", err)
	}
	overdue, err := scanTransfers(rows)
	closeRows(rows)
	if err != nil {
		return err
	}
	if len(overdue) == 0 {
		return nil
	}

	return s.inLedgerTx(ctx, func(ctx context.Context, lt *ledgerTx) error {
		return lt.lock(ctx, balanceIds)
	})
}
