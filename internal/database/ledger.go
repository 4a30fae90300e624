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
	"bytes"
	"context"
	"database/sql"
	"errors"
	"fmt"
	"math"
	"sort"
	"time"

	"ilp-ledger-go/internal/models"
	"ilp-ledger-go/internal/store"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

type lockedBalance struct {
	models.Balance
	version int64
	dirty   bool
}

// ledgerTx holds the balances locked by one ledger batch. Every mutation is
// applied to the in-memory copy first and written back by flush, so later
// entries of a batch observe the effects of earlier ones.
type ledgerTx struct {
	s        *Service
	tx       *sql.Tx
	now      time.Time
	balances map[uuid.UUID]*lockedBalance
	missing  map[uuid.UUID]struct{}
	expired  int
}

func (s *Service) inLedgerTx(ctx context.Context, fn func(ctx context.Context, lt *ledgerTx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer rollbackTx(tx)

	lt := &ledgerTx{
		s:        s,
		tx:       tx,
		now:      s.now(),
		balances: make(map[uuid.UUID]*lockedBalance),
		missing:  make(map[uuid.UUID]struct{}),
	}
	if err := fn(ctx, lt); err != nil {
		return err
	}
	if err := lt.flush(ctx); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	if lt.expired > 0 {
		zap.L().Info("Expired pending transfers", zap.Int("count", lt.expired))
	}
	return nil
}

// lock loads and locks the given balances in ascending id order, together with
// the counterparties of their overdue reservations, then expires those
// reservations.
func (lt *ledgerTx) lock(ctx context.Context, ids []uuid.UUID) error {
	want := make(map[uuid.UUID]struct{}, len(ids))
	for _, id := range ids {
		if lt.known(id) {
			continue
		}
		want[id] = struct{}{}
	}
	if len(want) == 0 {
		return nil
	}

	overdue, err := lt.overdueTransfers(ctx, keys(want), false)
	if err != nil {
		return err
	}
	for _, t := range overdue {
		for _, id := range []uuid.UUID{t.SourceBalanceId, t.DestinationBalanceId} {
			if !lt.known(id) {
				want[id] = struct{}{}
			}
		}
	}

	ordered := keys(want)
	for _, id := range ordered {
		balance, version, err := lt.loadBalance(ctx, id)
		if errors.Is(err, sql.ErrNoRows) {
			lt.missing[id] = struct{}{}
			continue
		}
		if err != nil {
			return err
		}
		lt.balances[id] = &lockedBalance{Balance: *balance, version: version}
	}

	overdue, err = lt.overdueTransfers(ctx, ordered, true)
	if err != nil {
		return err
	}
	for i := range overdue {
		t := &overdue[i]
		if lt.balances[t.SourceBalanceId] == nil || lt.balances[t.DestinationBalanceId] == nil {
			continue
		}
		if err := lt.release(ctx, t, models.TransferStateExpired); err != nil {
			return err
		}
		lt.expired++
	}
	return nil
}

func (lt *ledgerTx) known(id uuid.UUID) bool {
	if _, ok := lt.balances[id]; ok {
		return true
	}
	_, ok := lt.missing[id]
	return ok
}

func (lt *ledgerTx) loadBalance(ctx context.Context, id uuid.UUID) (*models.Balance, int64, error) {
	row := lt.tx.QueryRowContext(ctx, lt.s.lockRows(queryLockBalance), id)
	return scanBalance(row)
}

func (lt *ledgerTx) overdueTransfers(ctx context.Context, balanceIds []uuid.UUID, forUpdate bool) ([]models.Transfer, error) {
	if len(balanceIds) == 0 {
		return nil, nil
	}
	query := fmt.Sprintf(queryOverdueTransfersFor, placeholders(len(balanceIds)), placeholders(len(balanceIds)))
	if forUpdate {
		query = lt.s.lockRows(query)
	} else {
		query = lt.s.q(query)
	}

	args := make([]any, 0, 1+2*len(balanceIds))
	args = append(args, toMillis(lt.now))
	args = append(args, idArgs(balanceIds)...)
	args = append(args, idArgs(balanceIds)...)

	rows, err := lt.tx.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query overdue transfers: %w", err)
	}
	defer closeRows(rows)

	return scanTransfers(rows)
}

// release returns a pending transfer's reservation to both balances.
func (lt *ledgerTx) release(ctx context.Context, t *models.Transfer, state models.TransferState) error {
	src := lt.balances[t.SourceBalanceId]
	dst := lt.balances[t.DestinationBalanceId]
	if src == nil || dst == nil {
		return fmt.Errorf("transfer %s resolved without locked balances", t.Id)
	}
	src.DebitsPending -= t.Amount
	dst.CreditsPending -= t.Amount
	src.dirty, dst.dirty = true, true

	if _, err := lt.tx.ExecContext(ctx, lt.s.q(queryResolveTransfer), string(state), toMillis(lt.now), t.Id); err != nil {
		return fmt.Errorf("failed to update transfer %s: %w", t.Id, err)
	}
	t.State = state
	resolved := lt.now
	t.ResolvedAt = &resolved
	return nil
}

// post moves a pending transfer's reservation into the posted totals.
func (lt *ledgerTx) post(ctx context.Context, t *models.Transfer) error {
	src := lt.balances[t.SourceBalanceId]
	dst := lt.balances[t.DestinationBalanceId]
	if src == nil || dst == nil {
		return fmt.Errorf("transfer %s resolved without locked balances", t.Id)
	}
	src.DebitsPending -= t.Amount
	src.DebitsPosted += t.Amount
	dst.CreditsPending -= t.Amount
	dst.CreditsPosted += t.Amount
	src.dirty, dst.dirty = true, true

	if _, err := lt.tx.ExecContext(ctx, lt.s.q(queryResolveTransfer), string(models.TransferStateCommitted), toMillis(lt.now), t.Id); err != nil {
		return fmt.Errorf("failed to update transfer %s: %w", t.Id, err)
	}
	t.State = models.TransferStateCommitted
	return nil
}

func (lt *ledgerTx) flush(ctx context.Context) error {
	for _, id := range keysOf(lt.balances) {
		b := lt.balances[id]
		if !b.dirty {
			continue
		}
		result, err := lt.tx.ExecContext(ctx, lt.s.q(queryUpdateBalance),
			int64(b.DebitsPending), int64(b.DebitsPosted), int64(b.CreditsPending), int64(b.CreditsPosted),
			b.Id, b.version)
		if err != nil {
			return fmt.Errorf("failed to update balance %s: %w", b.Id, err)
		}
		rowsAffected, err := result.RowsAffected()
		if err != nil {
			return fmt.Errorf("failed to check rows affected: %w", err)
		}
		if rowsAffected == 0 {
			return fmt.Errorf("balance %s update failed - %w", b.Id, store.ErrConcurrentModification)
		}
		b.version++
		b.dirty = false
	}
	return nil
}

// exceedsLimit checks a further debit (or credit) of amount against the
// totals and flags of b.
func exceedsLimit(b *lockedBalance, amount uint64, debit bool) (overflow bool, exceeds bool) {
	if debit {
		used := b.DebitsPending + b.DebitsPosted
		if used > math.MaxInt64-amount {
			return true, false
		}
		if b.Flags.Has(models.BalanceFlagDebitsMustNotExceedCredits) && used+amount > b.CreditsPosted {
			return false, true
		}
		return false, false
	}
	used := b.CreditsPending + b.CreditsPosted
	if used > math.MaxInt64-amount {
		return true, false
	}
	if b.Flags.Has(models.BalanceFlagCreditsMustNotExceedDebits) && used+amount > b.DebitsPosted {
		return false, true
	}
	return false, false
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanBalance(row rowScanner) (*models.Balance, int64, error) {
	var (
		b         models.Balance
		version   int64
		createdAt int64
	)
	err := row.Scan(&b.Id, &b.Unit, &b.NormalSide, &b.Flags, &b.Code,
		&b.DebitsPending, &b.DebitsPosted, &b.CreditsPending, &b.CreditsPosted,
		&version, &createdAt)
	if err != nil {
		return nil, 0, err
	}
	b.CreatedAt = fromMillis(createdAt)
	return &b, version, nil
}

func scanTransfer(row rowScanner) (*models.Transfer, error) {
	var (
		t          models.Transfer
		expiresAt  sql.NullInt64
		createdAt  int64
		resolvedAt sql.NullInt64
	)
	err := row.Scan(&t.Id, &t.SourceBalanceId, &t.DestinationBalanceId, &t.Amount, &t.Unit, &t.Code, &t.Mode, &t.State,
		&expiresAt, &createdAt, &resolvedAt)
	if err != nil {
		return nil, err
	}
	t.ExpiresAt = fromNullMillis(expiresAt)
	t.CreatedAt = fromMillis(createdAt)
	t.ResolvedAt = fromNullMillis(resolvedAt)
	return &t, nil
}

func scanTransfers(rows *sql.Rows) ([]models.Transfer, error) {
	var transfers []models.Transfer
	for rows.Next() {
		t, err := scanTransfer(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan transfer: %w", err)
		}
		transfers = append(transfers, *t)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating transfers: %w", err)
	}
	return transfers, nil
}

func idArgs(ids []uuid.UUID) []any {
	args := make([]any, len(ids))
	for i, id := range ids {
		args[i] = id
	}
	return args
}

func keys(set map[uuid.UUID]struct{}) []uuid.UUID {
	ids := make([]uuid.UUID, 0, len(set))
	for id := range set {
		ids = append(ids, id)
	}
	sortIds(ids)
	return ids
}

func keysOf(m map[uuid.UUID]*lockedBalance) []uuid.UUID {
	ids := make([]uuid.UUID, 0, len(m))
	for id := range m {
		ids = append(ids, id)
	}
	sortIds(ids)
	return ids
}

func sortIds(ids []uuid.UUID) {
	sort.Slice(ids, func(i, j int) bool {
		return bytes.Compare(ids[i][:], ids[j][:]) < 0
	})
}

func uniqueIds(ids []uuid.UUID) []uuid.UUID {
	seen := make(map[uuid.UUID]struct{}, len(ids))
	for _, id := range ids {
		seen[id] = struct{}{}
	}
	return keys(seen)
}
