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

package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"ilp-ledger-go/internal/models"

	"github.com/google/uuid"
)

// Balance creation failures
var (
	ErrDuplicateBalance = errors.New("balance already exists")
	ErrInvalidBalance   = errors.New("invalid balance")
)

// Transfer creation failures
var (
	ErrSourceNotFound            = errors.New("source balance not found")
	ErrDestinationNotFound       = errors.New("destination balance not found")
	ErrSameBalances              = errors.New("source and destination balances are the same")
	ErrAssetMismatch             = errors.New("source and destination units differ")
	ErrAmountZero                = errors.New("transfer amount is zero")
	ErrAmountOverflow            = errors.New("transfer amount overflows balance")
	ErrInvalidTimeout            = errors.New("invalid transfer timeout")
	ErrExists                    = errors.New("transfer already exists")
	ErrExistsWithDifferentFields = errors.New("transfer already exists with different fields")
	ErrExceedsAvailableBalance   = errors.New("transfer exceeds available balance")
)

// Commit / rollback failures
var (
	ErrTransferNotFound  = errors.New("transfer not found")
	ErrAlreadyCommitted  = errors.New("transfer already committed")
	ErrAlreadyRolledBack = errors.New("transfer already rolled back")
	ErrExpired           = errors.New("transfer expired")
)

// Lifecycle row failures
var (
	ErrNotFound               = errors.New("not found")
	ErrAlreadyExists          = errors.New("already exists")
	ErrLeaseLost              = errors.New("lease lost")
	ErrLeaseUnavailable       = errors.New("row is leased by another worker")
	ErrConcurrentModification = errors.New("concurrent modification detected")
)

// BalanceError reports the first failing entry of a CreateBalances batch.
type BalanceError struct {
	Index  int
	Reason error
}

func (e *BalanceError) Error() string {
	return fmt.Sprintf("balance %d: %v", e.Index, e.Reason)
}

func (e *BalanceError) Unwrap() error { return e.Reason }

// TransferError reports the first failing entry of a CreateTransfers batch.
type TransferError struct {
	Index  int
	Reason error
}

func (e *TransferError) Error() string {
	return fmt.Sprintf("transfer %d: %v", e.Index, e.Reason)
}

func (e *TransferError) Unwrap() error { return e.Reason }

// CommitError reports the first failing entry of a CommitTransfers or
// RollbackTransfers batch.
type CommitError struct {
	Index  int
	Reason error
}

func (e *CommitError) Error() string {
	return fmt.Sprintf("transfer %d: %v", e.Index, e.Reason)
}

func (e *CommitError) Unwrap() error { return e.Reason }

// CreateBalanceParams describes a balance to create.
type CreateBalanceParams struct {
	Id         uuid.UUID
	Unit       uint32
	NormalSide models.NormalSide
	Flags      models.BalanceFlags
	Code       uint16
}

// CreateTransferParams describes a transfer to create. Timeout is required for
// two-phase transfers and must be zero for auto-commit ones.
type CreateTransferParams struct {
	Id                   uuid.UUID
	SourceBalanceId      uuid.UUID
	DestinationBalanceId uuid.UUID
	Amount               uint64
	Code                 models.TransferCode
	Mode                 models.TransferMode
	Timeout              time.Duration
}

// Ledger is the two-phase balance/transfer primitive. Batches are atomic:
// either every entry is applied or none is.
type Ledger interface {
	CreateBalances(ctx context.Context, balances []CreateBalanceParams) error
	GetBalances(ctx context.Context, ids []uuid.UUID) ([]models.Balance, error)
	CreateTransfers(ctx context.Context, transfers []CreateTransferParams) error
	CommitTransfers(ctx context.Context, ids []uuid.UUID) error
	RollbackTransfers(ctx context.Context, ids []uuid.UUID) error
	GetTransfers(ctx context.Context, ids []uuid.UUID) ([]models.Transfer, error)
	GetAccountTransfers(ctx context.Context, balanceId uuid.UUID) ([]models.Transfer, error)
	ExpirePendingTransfers(ctx context.Context, limit int) (int, error)
}

// AssetStore persists the asset catalogue and assigns ledger units.
type AssetStore interface {
	CreateAsset(ctx context.Context, code string, scale uint8) (*models.Asset, error)
	GetAsset(ctx context.Context, id uuid.UUID) (*models.Asset, error)
	GetAssetByCode(ctx context.Context, code string, scale uint8) (*models.Asset, error)
	GetAssets(ctx context.Context) ([]models.Asset, error)
}

// OutgoingPaymentStore persists outgoing payments. Updates are only accepted
// from the lease owner and release the lease. Events are written in the same
// transaction as the row.
type OutgoingPaymentStore interface {
	CreateOutgoingPayment(ctx context.Context, payment *models.OutgoingPayment, events ...*models.WebhookEvent) error
	GetOutgoingPayment(ctx context.Context, id uuid.UUID) (*models.OutgoingPayment, error)
	LeaseNextOutgoingPayment(ctx context.Context, owner string, ttl time.Duration) (*models.OutgoingPayment, error)
	LeaseOutgoingPayment(ctx context.Context, id uuid.UUID, owner string, ttl time.Duration) (*models.OutgoingPayment, error)
	UpdateOutgoingPayment(ctx context.Context, payment *models.OutgoingPayment, owner string, events ...*models.WebhookEvent) error
	ReleaseOutgoingPayment(ctx context.Context, id uuid.UUID, owner string) error
}

// IncomingPaymentStore persists incoming payments. UpdateIncomingPayment only
// applies while the row is still in state from, so credit transitions made
// outside the lease are never overwritten.
type IncomingPaymentStore interface {
	CreateIncomingPayment(ctx context.Context, payment *models.IncomingPayment, events ...*models.WebhookEvent) error
	GetIncomingPayment(ctx context.Context, id uuid.UUID) (*models.IncomingPayment, error)
	LeaseNextIncomingPayment(ctx context.Context, owner string, ttl time.Duration) (*models.IncomingPayment, error)
	UpdateIncomingPayment(ctx context.Context, payment *models.IncomingPayment, from models.IncomingPaymentState, owner string, events ...*models.WebhookEvent) error
	TransitionIncomingPayment(ctx context.Context, id uuid.UUID, from []models.IncomingPaymentState, to models.IncomingPaymentState, processAt *time.Time) (bool, error)
}

// WebhookStore persists webhook events awaiting delivery.
type WebhookStore interface {
	GetWebhookEvent(ctx context.Context, id uuid.UUID) (*models.WebhookEvent, error)
	GetWebhookEventsByType(ctx context.Context, eventType models.WebhookEventType) ([]models.WebhookEvent, error)
	LeaseNextWebhookEvent(ctx context.Context, owner string, ttl time.Duration) (*models.WebhookEvent, error)
	UpdateWebhookEvent(ctx context.Context, event *models.WebhookEvent, owner string) error
}

// ExportStore tracks which committed transfers were mirrored to an external journal.
type ExportStore interface {
	GetUnexportedTransfers(ctx context.Context, limit int) ([]models.Transfer, error)
	MarkTransfersExported(ctx context.Context, ids []uuid.UUID) error
}
