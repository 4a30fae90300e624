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

package models

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

type WebhookEventType string

const (
	EventOutgoingPaymentCreated   WebhookEventType = "outgoing_payment.created"
	EventOutgoingPaymentFunding   WebhookEventType = "outgoing_payment.funding"
	EventOutgoingPaymentCompleted WebhookEventType = "outgoing_payment.completed"
	EventOutgoingPaymentFailed    WebhookEventType = "outgoing_payment.failed"
	EventIncomingPaymentCreated   WebhookEventType = "incoming_payment.created"
	EventIncomingPaymentCompleted WebhookEventType = "incoming_payment.completed"
	EventIncomingPaymentExpired   WebhookEventType = "incoming_payment.expired"
)

// EventWithdrawal is the liquidity withdrawal performed once an event is delivered.
type EventWithdrawal struct {
	AccountId uuid.UUID `json:"account_id"`
	AssetId   uuid.UUID `json:"asset_id"`
	Amount    uint64    `json:"amount"`
}

// WebhookEvent is persisted in the same transaction as the state change it reports.
type WebhookEvent struct {
	Id         uuid.UUID        `json:"id"`
	Type       WebhookEventType `json:"type"`
	Data       json.RawMessage  `json:"data"`
	Withdrawal *EventWithdrawal `json:"withdrawal,omitempty"`
	Attempts   int              `json:"-"`
	StatusCode *int             `json:"-"`
	Error      *string          `json:"-"`
	ProcessAt  *time.Time       `json:"-"`
	CreatedAt  time.Time        `json:"created_at"`
}

// NewWebhookEvent builds an event with data marshalled as JSON.
func NewWebhookEvent(eventType WebhookEventType, data any, withdrawal *EventWithdrawal) (*WebhookEvent, error) {
	raw, err := json.Marshal(data)
	if err != nil {
		return nil, err
	}
	return &WebhookEvent{
		Id:         uuid.New(),
		Type:       eventType,
		Data:       raw,
		Withdrawal: withdrawal,
		CreatedAt:  time.Now().UTC(),
	}, nil
}
