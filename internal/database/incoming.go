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
	"time"

	"ilp-ledger-go/internal/models"
	"ilp-ledger-go/internal/store"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

func (s *Service) CreateIncomingPayment(ctx context.Context, payment *models.IncomingPayment, events ...*models.WebhookEvent) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer rollbackTx(tx)

	now := s.now()
	payment.CreatedAt = now
	payment.UpdatedAt = now
	_, err = tx.ExecContext(ctx, s.q(queryInsertIncomingPayment),
		payment.Id, payment.WalletAccountId, payment.Asset.Id, string(payment.State),
		nullUint64(payment.IncomingAmount), toMillis(payment.ExpiresAt), nullMillis(payment.ProcessAt),
		toMillis(now), toMillis(now))
	if err != nil {
		return fmt.Errorf("failed to insert incoming payment: %w", err)
	}

	if err := s.insertWebhookEvents(ctx, tx, events); err != nil {
		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

func (s *Service) GetIncomingPayment(ctx context.Context, id uuid.UUID) (*models.IncomingPayment, error) {
	payment, err := scanIncomingPayment(s.db.QueryRowContext(ctx, s.q(queryGetIncomingPayment), id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("incoming payment %s: %w", id, store.ErrNotFound)
	} else if err != nil {
		return nil, fmt.Errorf("failed to get incoming payment: %w", err)
	}
	return payment, nil
}

// LeaseNextIncomingPayment claims the most overdue incoming payment. It
// returns nil when none is due.
func (s *Service) LeaseNextIncomingPayment(ctx context.Context, owner string, ttl time.Duration) (*models.IncomingPayment, error) {
	now := s.now()
	query := s.q(fmt.Sprintf(queryLeaseNextIncomingPayment, s.skipLocked()))

	var id uuid.UUID
	err := s.db.QueryRowContext(ctx, query, owner, toMillis(now.Add(ttl)), toMillis(now), toMillis(now)).Scan(&id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	} else if err != nil {
		return nil, fmt.Errorf("failed to lease incoming payment: %w", err)
	}

	zap.L().Debug("Incoming payment leased", zap.String("payment_id", id.String()), zap.String("owner", owner))
	return s.GetIncomingPayment(ctx, id)
}

func (s *Service) UpdateIncomingPayment(ctx context.Context, payment *models.IncomingPayment, from models.IncomingPaymentState, owner string, events ...*models.WebhookEvent) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer rollbackTx(tx)

	now := s.now()
	result, err := tx.ExecContext(ctx, s.q(queryUpdateIncomingPayment),
		string(payment.State), nullMillis(payment.ProcessAt), toMillis(now), payment.Id, owner, string(from))
	if err != nil {
		return fmt.Errorf("failed to update incoming payment: %w", err)
	}
	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to check rows affected: %w", err)
	}
	if rowsAffected == 0 {
		return fmt.Errorf("incoming payment %s: %w", payment.Id, store.ErrLeaseLost)
	}

	if err := s.insertWebhookEvents(ctx, tx, events); err != nil {
		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	payment.UpdatedAt = now
	return nil
}

// TransitionIncomingPayment moves a payment to state to if it is currently in
// one of the from states. It reports whether the row changed.
func (s *Service) TransitionIncomingPayment(ctx context.Context, id uuid.UUID, from []models.IncomingPaymentState, to models.IncomingPaymentState, processAt *time.Time) (bool, error) {
	if len(from) == 0 {
		return false, nil
	}

	args := []any{string(to), nullMillis(processAt), toMillis(s.now()), id}
	for _, state := range from {
		args = append(args, string(state))
	}

	result, err := s.db.ExecContext(ctx, s.q(fmt.Sprintf(queryTransitionIncomingPayment, placeholders(len(from)))), args...)
	if err != nil {
		return false, fmt.Errorf("failed to transition incoming payment: %w", err)
	}
	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to check rows affected: %w", err)
	}
	if rowsAffected == 0 {
		var state string
		err := s.db.QueryRowContext(ctx, s.q(queryGetIncomingPaymentState), id).Scan(&state)
		if errors.Is(err, sql.ErrNoRows) {
			return false, fmt.Errorf("incoming payment %s: %w", id, store.ErrNotFound)
		} else if err != nil {
			return false, fmt.Errorf("failed to get incoming payment state: %w", err)
		}
		return false, nil
	}

	zap.L().Info("Incoming payment transitioned",
		zap.String("payment_id", id.String()),
		zap.String("state", string(to)))
	return true, nil
}

func scanIncomingPayment(row rowScanner) (*models.IncomingPayment, error) {
	var (
		p              models.IncomingPayment
		incomingAmount sql.NullInt64
		expiresAt      int64
		processAt      sql.NullInt64
		createdAt      int64
		updatedAt      int64
		assetCreatedAt int64
	)
	err := row.Scan(&p.Id, &p.WalletAccountId, &p.State, &incomingAmount, &expiresAt, &processAt,
		&createdAt, &updatedAt,
		&p.Asset.Id, &p.Asset.Code, &p.Asset.Scale, &p.Asset.Unit, &assetCreatedAt)
	if err != nil {
		return nil, err
	}
	p.IncomingAmount = fromNullUint64(incomingAmount)
	p.ExpiresAt = fromMillis(expiresAt)
	p.ProcessAt = fromNullMillis(processAt)
	p.CreatedAt = fromMillis(createdAt)
	p.UpdatedAt = fromMillis(updatedAt)
	p.Asset.CreatedAt = fromMillis(assetCreatedAt)
	return &p, nil
}
