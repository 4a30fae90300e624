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
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"time"

	"ilp-ledger-go/internal/models"
	"ilp-ledger-go/internal/store"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

func (s *Service) CreateOutgoingPayment(ctx context.Context, payment *models.OutgoingPayment, events ...*models.WebhookEvent) error {
	quote, err := marshalQuote(payment.Quote)
	if err != nil {
		return err
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer rollbackTx(tx)

	var exists int
	err = tx.QueryRowContext(ctx, s.q(queryOutgoingPaymentExists), payment.Id).Scan(&exists)
	if err == nil {
		return fmt.Errorf("outgoing payment %s: %w", payment.Id, store.ErrAlreadyExists)
	} else if !errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("failed to check for existing outgoing payment: %w", err)
	}

	now := s.now()
	payment.CreatedAt = now
	payment.UpdatedAt = now
	_, err = tx.ExecContext(ctx, s.q(queryInsertOutgoingPayment),
		payment.Id, payment.WalletAccountId, payment.Asset.Id, payment.Receiver, string(payment.State),
		payment.StateAttempts, nullString(payment.Error), nullUint64(payment.SendAmount), nullUint64(payment.ReceiveAmount),
		quote, boolInt(payment.Authorized), int64(payment.DeliveredAmount), nullMillis(payment.ProcessAt),
		toMillis(now), toMillis(now))
	if err != nil {
		return fmt.Errorf("failed to insert outgoing payment: %w", err)
	}

	if err := s.insertWebhookEvents(ctx, tx, events); err != nil {
		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

func (s *Service) GetOutgoingPayment(ctx context.Context, id uuid.UUID) (*models.OutgoingPayment, error) {
	payment, err := scanOutgoingPayment(s.db.QueryRowContext(ctx, s.q(queryGetOutgoingPayment), id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("outgoing payment %s: %w", id, store.ErrNotFound)
	} else if err != nil {
		return nil, fmt.Errorf("failed to get outgoing payment: %w", err)
	}
	return payment, nil
}

// LeaseNextOutgoingPayment claims the most overdue payment that nobody holds a
// live lease on. It returns nil when no payment is due.
func (s *Service) LeaseNextOutgoingPayment(ctx context.Context, owner string, ttl time.Duration) (*models.OutgoingPayment, error) {
	now := s.now()
	query := s.q(fmt.Sprintf(queryLeaseNextOutgoingPayment, s.skipLocked()))

	var id uuid.UUID
	err := s.db.QueryRowContext(ctx, query, owner, toMillis(now.Add(ttl)), toMillis(now), toMillis(now)).Scan(&id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	} else if err != nil {
		return nil, fmt.Errorf("failed to lease outgoing payment: %w", err)
	}

	zap.L().Debug("Outgoing payment leased", zap.String("payment_id", id.String()), zap.String("owner", owner))
	return s.GetOutgoingPayment(ctx, id)
}

// LeaseOutgoingPayment claims a specific payment for an out-of-band operation.
func (s *Service) LeaseOutgoingPayment(ctx context.Context, id uuid.UUID, owner string, ttl time.Duration) (*models.OutgoingPayment, error) {
	now := s.now()

	var leased uuid.UUID
	err := s.db.QueryRowContext(ctx, s.q(queryLeaseOutgoingPayment), owner, toMillis(now.Add(ttl)), id, owner, toMillis(now)).Scan(&leased)
	if errors.Is(err, sql.ErrNoRows) {
		if _, getErr := s.GetOutgoingPayment(ctx, id); getErr != nil {
			return nil, getErr
		}
		return nil, fmt.Errorf("outgoing payment %s: %w", id, store.ErrLeaseUnavailable)
	} else if err != nil {
		return nil, fmt.Errorf("failed to lease outgoing payment: %w", err)
	}
	return s.GetOutgoingPayment(ctx, leased)
}

// UpdateOutgoingPayment persists the payment and releases the caller's lease.
func (s *Service) UpdateOutgoingPayment(ctx context.Context, payment *models.OutgoingPayment, owner string, events ...*models.WebhookEvent) error {
	quote, err := marshalQuote(payment.Quote)
	if err != nil {
		return err
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer rollbackTx(tx)

	now := s.now()
	result, err := tx.ExecContext(ctx, s.q(queryUpdateOutgoingPayment),
		string(payment.State), payment.StateAttempts, nullString(payment.Error),
		nullUint64(payment.SendAmount), nullUint64(payment.ReceiveAmount), quote,
		boolInt(payment.Authorized), int64(payment.DeliveredAmount), nullMillis(payment.ProcessAt), toMillis(now),
		payment.Id, owner)
	if err != nil {
		return fmt.Errorf("failed to update outgoing payment: %w", err)
	}
	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to check rows affected: %w", err)
	}
	if rowsAffected == 0 {
		return fmt.Errorf("outgoing payment %s: %w", payment.Id, store.ErrLeaseLost)
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

func (s *Service) ReleaseOutgoingPayment(ctx context.Context, id uuid.UUID, owner string) error {
	if _, err := s.db.ExecContext(ctx, s.q(queryReleaseOutgoingPayment), id, owner); err != nil {
		return fmt.Errorf("failed to release outgoing payment: %w", err)
	}
	return nil
}

func scanOutgoingPayment(row rowScanner) (*models.OutgoingPayment, error) {
	var (
		p              models.OutgoingPayment
		errMsg         sql.NullString
		sendAmount     sql.NullInt64
		receiveAmount  sql.NullInt64
		quote          sql.NullString
		authorized     int
		processAt      sql.NullInt64
		createdAt      int64
		updatedAt      int64
		assetCreatedAt int64
	)
	err := row.Scan(&p.Id, &p.WalletAccountId, &p.Receiver, &p.State, &p.StateAttempts, &errMsg,
		&sendAmount, &receiveAmount, &quote, &authorized, &p.DeliveredAmount, &processAt,
		&createdAt, &updatedAt,
		&p.Asset.Id, &p.Asset.Code, &p.Asset.Scale, &p.Asset.Unit, &assetCreatedAt)
	if err != nil {
		return nil, err
	}

	if errMsg.Valid {
		p.Error = &errMsg.String
	}
	p.SendAmount = fromNullUint64(sendAmount)
	p.ReceiveAmount = fromNullUint64(receiveAmount)
	if quote.Valid && quote.String != "" {
		p.Quote = &models.Quote{}
		if err := json.Unmarshal([]byte(quote.String), p.Quote); err != nil {
			return nil, fmt.Errorf("failed to decode quote: %w", err)
		}
	}
	p.Authorized = authorized != 0
	p.ProcessAt = fromNullMillis(processAt)
	p.CreatedAt = fromMillis(createdAt)
	p.UpdatedAt = fromMillis(updatedAt)
	p.Asset.CreatedAt = fromMillis(assetCreatedAt)
	return &p, nil
}

func marshalQuote(quote *models.Quote) (sql.NullString, error) {
	if quote == nil {
		return sql.NullString{}, nil
	}
	raw, err := json.Marshal(quote)
	if err != nil {
		return sql.NullString{}, fmt.Errorf("failed to encode quote: %w", err)
	}
	return sql.NullString{String: string(raw), Valid: true}, nil
}

func nullString(s *string) sql.NullString {
	if s == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: *s, Valid: true}
}

func nullUint64(v *uint64) sql.NullInt64 {
	if v == nil || *v > math.MaxInt64 {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: int64(*v), Valid: true}
}

func fromNullUint64(v sql.NullInt64) *uint64 {
	if !v.Valid {
		return nil
	}
	u := uint64(v.Int64)
	return &u
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
