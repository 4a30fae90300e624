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
)

// NormalSide is the side of a balance that increases it.
type NormalSide int

const (
	NormalSideCredit NormalSide = iota + 1
	NormalSideDebit
)

func (s NormalSide) String() string {
	switch s {
	case NormalSideCredit:
		return "credit"
	case NormalSideDebit:
		return "debit"
	default:
		return "unknown"
	}
}

// BalanceFlags configure the must-not-go-negative constraint of a balance.
type BalanceFlags uint16

const (
	// BalanceFlagDebitsMustNotExceedCredits makes pending+posted debits bounded by posted credits.
	BalanceFlagDebitsMustNotExceedCredits BalanceFlags = 1 << iota
	// BalanceFlagCreditsMustNotExceedDebits makes pending+posted credits bounded by posted debits.
	BalanceFlagCreditsMustNotExceedDebits
)

func (f BalanceFlags) Has(flag BalanceFlags) bool {
	return f&flag == flag
}

// Balance is a ledger account with running totals.
type Balance struct {
	Id             uuid.UUID    `db:"id"`
	Unit           uint32       `db:"unit"`
	NormalSide     NormalSide   `db:"normal_side"`
	Flags          BalanceFlags `db:"flags"`
	Code           uint16       `db:"code"`
	DebitsPending  uint64       `db:"debits_pending"`
	DebitsPosted   uint64       `db:"debits_posted"`
	CreditsPending uint64       `db:"credits_pending"`
	CreditsPosted  uint64       `db:"credits_posted"`
	CreatedAt      time.Time    `db:"created_at"`
}

// Settled is the posted balance on the normal side. Reservations are excluded.
func (b Balance) Settled() int64 {
	if b.NormalSide == NormalSideDebit {
		return int64(b.DebitsPosted) - int64(b.CreditsPosted)
	}
	return int64(b.CreditsPosted) - int64(b.DebitsPosted)
}

// Available is the settled balance minus outstanding reservations against it.
func (b Balance) Available() int64 {
	if b.NormalSide == NormalSideDebit {
		return b.Settled() - int64(b.CreditsPending)
	}
	return b.Settled() - int64(b.DebitsPending)
}

// TransferMode selects between single-step and reserve-then-resolve movements.
type TransferMode int

const (
	TransferModeAutoCommit TransferMode = iota + 1
	TransferModeTwoPhase
)

func (m TransferMode) String() string {
	switch m {
	case TransferModeAutoCommit:
		return "auto_commit"
	case TransferModeTwoPhase:
		return "two_phase"
	default:
		return "unknown"
	}
}

// TransferCode tags what a transfer was for.
type TransferCode uint16

const (
	TransferCodeTransfer TransferCode = iota + 1
	TransferCodeDeposit
	TransferCodeWithdrawal
)

func (c TransferCode) String() string {
	switch c {
	case TransferCodeTransfer:
		return "transfer"
	case TransferCodeDeposit:
		return "deposit"
	case TransferCodeWithdrawal:
		return "withdrawal"
	default:
		return "unknown"
	}
}

type TransferState string

const (
	TransferStatePending   TransferState = "pending"
	TransferStateCommitted TransferState = "committed"
	TransferStateRejected  TransferState = "rejected"
	TransferStateExpired   TransferState = "expired"
)

// Transfer is a directed movement between two balances of the same unit.
type Transfer struct {
	Id                   uuid.UUID     `db:"id"`
	SourceBalanceId      uuid.UUID     `db:"source_balance_id"`
	DestinationBalanceId uuid.UUID     `db:"destination_balance_id"`
	Amount               uint64        `db:"amount"`
	Unit                 uint32        `db:"unit"`
	Code                 TransferCode  `db:"code"`
	Mode                 TransferMode  `db:"mode"`
	State                TransferState `db:"state"`
	ExpiresAt            *time.Time    `db:"expires_at"`
	CreatedAt            time.Time     `db:"created_at"`
	ResolvedAt           *time.Time    `db:"resolved_at"`
}
