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
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

type OutgoingPaymentState string

const (
	OutgoingPaymentStatePending   OutgoingPaymentState = "pending"
	OutgoingPaymentStatePrepared  OutgoingPaymentState = "prepared"
	OutgoingPaymentStateFunding   OutgoingPaymentState = "funding"
	OutgoingPaymentStateSending   OutgoingPaymentState = "sending"
	OutgoingPaymentStateCompleted OutgoingPaymentState = "completed"
	OutgoingPaymentStateFailed    OutgoingPaymentState = "failed"
)

// Terminal reports whether no further transitions are possible.
func (s OutgoingPaymentState) Terminal() bool {
	return s == OutgoingPaymentStateCompleted || s == OutgoingPaymentStateFailed
}

// Quote locks in a send/receive amount pair for a payment.
type Quote struct {
	Id                        uuid.UUID       `json:"id"`
	SendAmount                uint64          `json:"send_amount"`
	ReceiveAmount             uint64          `json:"receive_amount"`
	ReceiveAssetCode          string          `json:"receive_asset_code"`
	ReceiveAssetScale         uint8           `json:"receive_asset_scale"`
	MinExchangeRate           decimal.Decimal `json:"min_exchange_rate"`
	LowEstimatedExchangeRate  decimal.Decimal `json:"low_estimated_exchange_rate"`
	HighEstimatedExchangeRate decimal.Decimal `json:"high_estimated_exchange_rate"`
	MaxPacketAmount           uint64          `json:"max_packet_amount"`
	ExpiresAt                 time.Time       `json:"expires_at"`
	CreatedAt                 time.Time       `json:"created_at"`
}

// Expired reports whether the quote can no longer be used at now.
func (q *Quote) Expired(now time.Time) bool {
	return !now.Before(q.ExpiresAt)
}

// OutgoingPayment sends value from a wallet account to a receiver.
type OutgoingPayment struct {
	Id              uuid.UUID            `json:"id"`
	WalletAccountId uuid.UUID            `json:"wallet_account_id"`
	Asset           Asset                `json:"asset"`
	Receiver        string               `json:"receiver"`
	State           OutgoingPaymentState `json:"state"`
	StateAttempts   int                  `json:"state_attempts"`
	Error           *string              `json:"error,omitempty"`
	SendAmount      *uint64              `json:"send_amount,omitempty"`
	ReceiveAmount   *uint64              `json:"receive_amount,omitempty"`
	Quote           *Quote               `json:"quote,omitempty"`
	Authorized      bool                 `json:"authorized"`
	SentAmount      uint64               `json:"sent_amount"`
	DeliveredAmount uint64               `json:"delivered_amount"`
	ProcessAt       *time.Time           `json:"process_at,omitempty"`
	CreatedAt       time.Time            `json:"created_at"`
	UpdatedAt       time.Time            `json:"updated_at"`
}

func (p *OutgoingPayment) BalanceId() uuid.UUID { return p.Id }
func (p *OutgoingPayment) AccountAsset() Asset  { return p.Asset }
func (p *OutgoingPayment) Kind() AccountKind    { return AccountKindOutgoingPayment }

type IncomingPaymentState string

const (
	IncomingPaymentStatePending    IncomingPaymentState = "pending"
	IncomingPaymentStateProcessing IncomingPaymentState = "processing"
	IncomingPaymentStateCompleted  IncomingPaymentState = "completed"
	IncomingPaymentStateExpired    IncomingPaymentState = "expired"
)

// Active reports whether the payment still accepts funds.
func (s IncomingPaymentState) Active() bool {
	return s == IncomingPaymentStatePending || s == IncomingPaymentStateProcessing
}

// IncomingPayment receives value into a wallet account. ReceivedAmount is read
// from the ledger on every load.
type IncomingPayment struct {
	Id              uuid.UUID            `json:"id"`
	WalletAccountId uuid.UUID            `json:"wallet_account_id"`
	Asset           Asset                `json:"asset"`
	State           IncomingPaymentState `json:"state"`
	IncomingAmount  *uint64              `json:"incoming_amount,omitempty"`
	ReceivedAmount  uint64               `json:"received_amount"`
	ExpiresAt       time.Time            `json:"expires_at"`
	ProcessAt       *time.Time           `json:"process_at,omitempty"`
	CreatedAt       time.Time            `json:"created_at"`
	UpdatedAt       time.Time            `json:"updated_at"`
}

func (p *IncomingPayment) BalanceId() uuid.UUID { return p.Id }
func (p *IncomingPayment) AccountAsset() Asset  { return p.Asset }
func (p *IncomingPayment) Kind() AccountKind    { return AccountKindIncomingPayment }

// Receiver describes the destination of an outgoing payment.
type Receiver struct {
	Url            string           `json:"url"`
	Account        LiquidityAccount `json:"-"`
	AssetCode      string           `json:"asset_code"`
	AssetScale     uint8            `json:"asset_scale"`
	IncomingAmount *uint64          `json:"incoming_amount,omitempty"`
	ReceivedAmount uint64           `json:"received_amount"`
	ExpiresAt      *time.Time       `json:"expires_at,omitempty"`
	Active         bool             `json:"active"`
}

// Remaining returns how much the receiver still accepts. ok is false when the
// receiver has no incoming amount cap.
func (r *Receiver) Remaining() (remaining uint64, ok bool) {
	if r.IncomingAmount == nil {
		return 0, false
	}
	if r.ReceivedAmount >= *r.IncomingAmount {
		return 0, true
	}
	return *r.IncomingAmount - r.ReceivedAmount, true
}

// FullyPaid reports whether the receiver's incoming amount has been reached.
func (r *Receiver) FullyPaid() bool {
	remaining, ok := r.Remaining()
	return ok && remaining == 0
}
