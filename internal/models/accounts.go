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

import "github.com/google/uuid"

// AccountKind tags the variant behind a LiquidityAccount.
type AccountKind string

const (
	AccountKindPeer            AccountKind = "peer"
	AccountKindWalletAccount   AccountKind = "wallet_account"
	AccountKindIncomingPayment AccountKind = "incoming_payment"
	AccountKindOutgoingPayment AccountKind = "outgoing_payment"
	AccountKindAssetLiquidity  AccountKind = "asset_liquidity"
	AccountKindSettlement      AccountKind = "settlement"
)

// LiquidityAccount is anything that owns a primary ledger balance.
type LiquidityAccount interface {
	BalanceId() uuid.UUID
	AccountAsset() Asset
	Kind() AccountKind
}

var settlementNamespace = uuid.NewSHA1(uuid.NameSpaceOID, []byte("ilp-ledger-go/settlement"))

// SettlementBalanceId derives the settlement balance id of an asset.
func SettlementBalanceId(asset Asset) uuid.UUID {
	return uuid.NewSHA1(settlementNamespace, asset.Id[:])
}

// Peer is an Interledger peer holding liquidity with us.
type Peer struct {
	Id               uuid.UUID `json:"id"`
	Asset            Asset     `json:"asset"`
	StaticIlpAddress string    `json:"static_ilp_address"`
	MaxPacketAmount  uint64    `json:"max_packet_amount,omitempty"`
}

func (p Peer) BalanceId() uuid.UUID { return p.Id }
func (p Peer) AccountAsset() Asset  { return p.Asset }
func (p Peer) Kind() AccountKind    { return AccountKindPeer }

// WalletAccount is an Open Payments account holder.
type WalletAccount struct {
	Id    uuid.UUID `json:"id"`
	Asset Asset     `json:"asset"`
	Url   string    `json:"url"`
}

func (w WalletAccount) BalanceId() uuid.UUID { return w.Id }
func (w WalletAccount) AccountAsset() Asset  { return w.Asset }
func (w WalletAccount) Kind() AccountKind    { return AccountKindWalletAccount }

// AssetLiquidity is the shared liquidity pool of an asset, keyed by the asset id.
type AssetLiquidity struct {
	Asset Asset
}

func (a AssetLiquidity) BalanceId() uuid.UUID { return a.Asset.Id }
func (a AssetLiquidity) AccountAsset() Asset  { return a.Asset }
func (a AssetLiquidity) Kind() AccountKind    { return AccountKindAssetLiquidity }

// AssetSettlement is the settlement balance of an asset.
type AssetSettlement struct {
	Asset Asset
}

func (a AssetSettlement) BalanceId() uuid.UUID { return SettlementBalanceId(a.Asset) }
func (a AssetSettlement) AccountAsset() Asset  { return a.Asset }
func (a AssetSettlement) Kind() AccountKind    { return AccountKindSettlement }

// LedgerAccount is a bare account reference for callers that only know the balance id
// and asset, e.g. the withdrawal attached to a webhook event.
type LedgerAccount struct {
	Id    uuid.UUID   `json:"id"`
	Asset Asset       `json:"asset"`
	Type  AccountKind `json:"type"`
}

func (l LedgerAccount) BalanceId() uuid.UUID { return l.Id }
func (l LedgerAccount) AccountAsset() Asset  { return l.Asset }
func (l LedgerAccount) Kind() AccountKind    { return l.Type }
