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

// insertWebhookEvents writes events inside the caller's transaction so they
// commit or roll back together with the state change that produced them.
func (s *Service) insertWebhookEvents(ctx context.Context, tx *sql.Tx, events []*models.WebhookEvent) error {
	now := s.now()
	for _, event := range events {
		if event == nil {
			continue
		}
		if event.ProcessAt == nil {
			processAt := now
			event.ProcessAt = &processAt
		}
		if event.CreatedAt.IsZero() {
			event.CreatedAt = now
		}

		var (
			accountId sql.NullString
			assetId   sql.NullString
			amount    sql.NullInt64
		)
		if w := event.Withdrawal; w != nil {
			accountId = sql.NullString{String: w.AccountId.String(), Valid: true}
			assetId = sql.NullString{String: w.AssetId.String(), Valid: true}
			amount = nullUint64(&w.Amount)
		}

		_, err := tx.ExecContext(ctx, s.q(queryInsertWebhookEvent),
			event.Id, string(event.Type), string(event.Data), accountId, assetId, amount,
			nullMillis(event.ProcessAt), toMillis(event.CreatedAt))
		if err != nil {
			return fmt.Errorf("failed to insert webhook event %s: %w", event.Type, err)
		}

		zap.L().Info("Webhook event recorded",
			zap.String("event_id", event.Id.String()),
			zap.String("type", string(event.Type)))
	}
	return nil
}

func (s *Service) GetWebhookEvent(ctx context.Context, id uuid.UUID) (*models.WebhookEvent, error) {
	event, err := scanWebhookEvent(s.db.QueryRowContext(ctx, s.q(queryGetWebhookEvent), id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("webhook event %s: %w", id, store.ErrNotFound)
	} else if err != nil {
		return nil, fmt.Errorf("failed to get webhook event: %w", err)
	}
	return event, nil
}

func (s *Service) GetWebhookEventsByType(ctx context.Context, eventType models.WebhookEventType) ([]models.WebhookEvent, error) {
	rows, err := s.db.QueryContext(ctx, s.q(queryGetWebhookEventsByType), string(eventType))
	if err != nil {
		return nil, fmt.Errorf("failed to query webhook events: %w", err)
	}
	defer closeRows(rows)

	var events []models.WebhookEvent
	for rows.Next() {
		event, err := scanWebhookEvent(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan webhook event: %w", err)
		}
		events = append(events, *event)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating webhook events: %w", err)
	}
	return events, nil
}

// LeaseNextWebhookEvent claims the next due event. It returns nil when none is due.
func (s *Service) LeaseNextWebhookEvent(ctx context.Context, owner string, ttl time.Duration) (*models.WebhookEvent, error) {
	now := s.now()
	query := s.q(fmt.Sprintf(queryLeaseNextWebhookEvent, s.skipLocked()))

	var id uuid.UUID
	err := s.db.QueryRowContext(ctx, query, owner, toMillis(now.Add(ttl)), toMillis(now), toMillis(now)).Scan(&id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	} else if err != nil {
		return nil, fmt.Errorf("failed to lease webhook event: %w", err)
	}
	return s.GetWebhookEvent(ctx, id)
}

// UpdateWebhookEvent records a delivery attempt and releases the lease. A nil
// ProcessAt parks the event.
func (s *Service) UpdateWebhookEvent(ctx context.Context, event *models.WebhookEvent, owner string) error {
	var statusCode sql.NullInt64
	if event.StatusCode != nil {
		statusCode = sql.NullInt64{Int64: int64(*event.StatusCode), Valid: true}
	}

	result, err := s.db.ExecContext(ctx, s.q(queryUpdateWebhookEvent),
		event.Attempts, statusCode, nullString(event.Error), nullMillis(event.ProcessAt), event.Id, owner)
	if err != nil {
		return fmt.Errorf("failed to update webhook event: %w", err)
	}
	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to check rows affected: %w", err)
	}
	if rowsAffected == 0 {
		return fmt.Errorf("webhook event %s: %w", event.Id, store.ErrLeaseLost)
	}
	return nil
}

func scanWebhookEvent(row rowScanner) (*models.WebhookEvent, error) {
	var (
		e          models.WebhookEvent
		data       string
		accountId  sql.NullString
		assetId    sql.NullString
		amount     sql.NullInt64
		statusCode sql.NullInt64
		errMsg     sql.NullString
		processAt  sql.NullInt64
		createdAt  int64
	)
	err := row.Scan(&e.Id, &e.Type, &data, &accountId, &assetId, &amount,
		&e.Attempts, &statusCode, &errMsg, &processAt, &createdAt)
	if err != nil {
		return nil, err
	}

	e.Data = []byte(data)
	if accountId.Valid && assetId.Valid {
		w := &models.EventWithdrawal{Amount: uint64(amount.Int64)}
		if w.AccountId, err = uuid.Parse(accountId.String); err != nil {
			return nil, fmt.Errorf("invalid withdrawal account id: %w", err)
		}
		if w.AssetId, err = uuid.Parse(assetId.String); err != nil {
			return nil, fmt.Errorf("invalid withdrawal asset id: %w", err)
		}
		e.Withdrawal = w
	}
	if statusCode.Valid {
		code := int(statusCode.Int64)
		e.StatusCode = &code
	}
	if errMsg.Valid {
		e.Error = &errMsg.String
	}
	e.ProcessAt = fromNullMillis(processAt)
	e.CreatedAt = fromMillis(createdAt)
	return &e, nil
}
