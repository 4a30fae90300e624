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

// schema is applied statement by statement so that both drivers accept it.
var schema = []string{
	`CREATE TABLE IF NOT EXISTS assets (
		id TEXT PRIMARY KEY,
		code TEXT NOT NULL,
		scale INTEGER NOT NULL,
		unit INTEGER NOT NULL UNIQUE,
		created_at BIGINT NOT NULL,
		UNIQUE(code, scale)
	)`,

	`CREATE TABLE IF NOT EXISTS balances (
		id TEXT PRIMARY KEY,
		unit INTEGER NOT NULL,
		normal_side INTEGER NOT NULL,
		flags INTEGER NOT NULL DEFAULT 0,
		code INTEGER NOT NULL DEFAULT 0,
		debits_pending BIGINT NOT NULL DEFAULT 0,
		debits_posted BIGINT NOT NULL DEFAULT 0,
		credits_pending BIGINT NOT NULL DEFAULT 0,
		credits_posted BIGINT NOT NULL DEFAULT 0,
		version BIGINT NOT NULL DEFAULT 1,
		created_at BIGINT NOT NULL
	)`,

	`CREATE TABLE IF NOT EXISTS transfers (
		id TEXT PRIMARY KEY,
		source_balance_id TEXT NOT NULL,
		destination_balance_id TEXT NOT NULL,
		amount BIGINT NOT NULL,
		unit INTEGER NOT NULL,
		code INTEGER NOT NULL,
		mode INTEGER NOT NULL,
		state TEXT NOT NULL,
		expires_at BIGINT,
		created_at BIGINT NOT NULL,
		resolved_at BIGINT,
		exported_at BIGINT
	)`,
	`CREATE INDEX IF NOT EXISTS idx_transfers_source ON transfers(source_balance_id)`,
	`CREATE INDEX IF NOT EXISTS idx_transfers_destination ON transfers(destination_balance_id)`,
	`CREATE INDEX IF NOT EXISTS idx_transfers_state_expires ON transfers(state, expires_at)`,
	`CREATE INDEX IF NOT EXISTS idx_transfers_exported ON transfers(state, exported_at)`,

	`CREATE TABLE IF NOT EXISTS outgoing_payments (
		id TEXT PRIMARY KEY,
		wallet_account_id TEXT NOT NULL,
		asset_id TEXT NOT NULL REFERENCES assets(id),
		receiver TEXT NOT NULL,
		state TEXT NOT NULL,
		state_attempts INTEGER NOT NULL DEFAULT 0,
		error TEXT,
		send_amount BIGINT,
		receive_amount BIGINT,
		quote TEXT,
		authorized INTEGER NOT NULL DEFAULT 0,
		delivered_amount BIGINT NOT NULL DEFAULT 0,
		process_at BIGINT,
		lease_owner TEXT,
		lease_expires_at BIGINT,
		created_at BIGINT NOT NULL,
		updated_at BIGINT NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_outgoing_payments_process_at ON outgoing_payments(process_at)`,
	`CREATE INDEX IF NOT EXISTS idx_outgoing_payments_wallet_account ON outgoing_payments(wallet_account_id)`,

	`CREATE TABLE IF NOT EXISTS incoming_payments (
		id TEXT PRIMARY KEY,
		wallet_account_id TEXT NOT NULL,
		asset_id TEXT NOT NULL REFERENCES assets(id),
		state TEXT NOT NULL,
		incoming_amount BIGINT,
		expires_at BIGINT NOT NULL,
		process_at BIGINT,
		lease_owner TEXT,
		lease_expires_at BIGINT,
		created_at BIGINT NOT NULL,
		updated_at BIGINT NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_incoming_payments_process_at ON incoming_payments(process_at)`,

	`CREATE TABLE IF NOT EXISTS webhook_events (
		id TEXT PRIMARY KEY,
		type TEXT NOT NULL,
		data TEXT NOT NULL,
		withdrawal_account_id TEXT,
		withdrawal_asset_id TEXT,
		withdrawal_amount BIGINT,
		attempts INTEGER NOT NULL DEFAULT 0,
		status_code INTEGER,
		error TEXT,
		process_at BIGINT,
		lease_owner TEXT,
		lease_expires_at BIGINT,
		created_at BIGINT NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_webhook_events_process_at ON webhook_events(process_at)`,
	`CREATE INDEX IF NOT EXISTS idx_webhook_events_type ON webhook_events(type)`,
}

const (
	// Asset queries
	assetColumns = `id, code, scale, unit, created_at`

	queryInsertAsset = `
		INSERT INTO assets (id, code, scale, unit, created_at)
		VALUES (?, ?, ?, (SELECT COALESCE(MAX(unit), 0) + 1 FROM assets), ?)
		RETURNING ` + assetColumns

	queryGetAsset = `
		SELECT ` + assetColumns + `
		FROM assets
		WHERE id = ?`

	queryGetAssetByCode = `
		SELECT ` + assetColumns + `
		FROM assets
		WHERE code = ? AND scale = ?`

	queryGetAssets = `
		SELECT ` + assetColumns + `
		FROM assets
		ORDER BY unit`

	// Balance queries
	balanceColumns = `id, unit, normal_side, flags, code, debits_pending, debits_posted,
		credits_pending, credits_posted, version, created_at`

	queryBalanceExists = `
		SELECT 1 FROM balances WHERE id = ?`

	queryInsertBalance = `
		INSERT INTO balances (id, unit, normal_side, flags, code, created_at)
		VALUES (?, ?, ?, ?, ?, ?)`

	queryLockBalance = `
		SELECT ` + balanceColumns + `
		FROM balances
		WHERE id = ?`

	queryGetBalancesIn = `
		SELECT ` + balanceColumns + `
		FROM balances
		WHERE id IN (%s)
		ORDER BY id`

	queryUpdateBalance = `
		UPDATE balances
		SET debits_pending = ?, debits_posted = ?, credits_pending = ?, credits_posted = ?, version = version + 1
		WHERE id = ? AND version = ?`

	// Transfer queries
	transferColumns = `id, source_balance_id, destination_balance_id, amount, unit, code, mode, state,
		expires_at, created_at, resolved_at`

	queryInsertTransfer = `
		INSERT INTO transfers (id, source_balance_id, destination_balance_id, amount, unit, code, mode, state,
			expires_at, created_at, resolved_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`

	queryGetTransfer = `
		SELECT ` + transferColumns + `
		FROM transfers
		WHERE id = ?`

	queryGetTransfersIn = `
		SELECT ` + transferColumns + `
		FROM transfers
		WHERE id IN (%s)`

	queryGetAccountTransfers = `
		SELECT ` + transferColumns + `
		FROM transfers
		WHERE source_balance_id = ? OR destination_balance_id = ?
		ORDER BY created_at, id`

	queryOverdueTransfersFor = `
		SELECT ` + transferColumns + `
		FROM transfers
		WHERE state = 'pending' AND expires_at <= ?
		  AND (source_balance_id IN (%s) OR destination_balance_id IN (%s))
		ORDER BY id`

	queryOverdueTransfers = `
		SELECT ` + transferColumns + `
		FROM transfers
		WHERE state = 'pending' AND expires_at <= ?
		ORDER BY expires_at
		LIMIT ?`

	queryResolveTransfer = `
		UPDATE transfers
		SET state = ?, resolved_at = ?
		WHERE id = ?`

	queryGetUnexportedTransfers = `
		SELECT ` + transferColumns + `
		FROM transfers
		WHERE state = 'committed' AND exported_at IS NULL
		ORDER BY resolved_at, id
		LIMIT ?`

	queryMarkTransfersExported = `
		UPDATE transfers
		SET exported_at = ?
		WHERE id IN (%s) AND exported_at IS NULL`

	// Outgoing payment queries
	outgoingPaymentColumns = `p.id, p.wallet_account_id, p.receiver, p.state, p.state_attempts, p.error,
		p.send_amount, p.receive_amount, p.quote, p.authorized, p.delivered_amount, p.process_at,
		p.created_at, p.updated_at,
		a.id, a.code, a.scale, a.unit, a.created_at`

	queryInsertOutgoingPayment = `
		INSERT INTO outgoing_payments (id, wallet_account_id, asset_id, receiver, state, state_attempts, error,
			send_amount, receive_amount, quote, authorized, delivered_amount, process_at, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`

	queryGetOutgoingPayment = `
		SELECT ` + outgoingPaymentColumns + `
		FROM outgoing_payments p
		JOIN assets a ON a.id = p.asset_id
		WHERE p.id = ?`

	queryLeaseNextOutgoingPayment = `
		UPDATE outgoing_payments
		SET lease_owner = ?, lease_expires_at = ?
		WHERE id = (
			SELECT id FROM outgoing_payments
			WHERE process_at IS NOT NULL AND process_at <= ?
			  AND (lease_owner IS NULL OR lease_expires_at <= ?)
			ORDER BY process_at
			LIMIT 1
			%s
		)
		RETURNING id`

	queryLeaseOutgoingPayment = `
		UPDATE outgoing_payments
		SET lease_owner = ?, lease_expires_at = ?
		WHERE id = ? AND (lease_owner IS NULL OR lease_owner = ? OR lease_expires_at <= ?)
		RETURNING id`

	queryUpdateOutgoingPayment = `
		UPDATE outgoing_payments
		SET state = ?, state_attempts = ?, error = ?, send_amount = ?, receive_amount = ?, quote = ?,
			authorized = ?, delivered_amount = ?, process_at = ?, updated_at = ?,
			lease_owner = NULL, lease_expires_at = NULL
		WHERE id = ? AND lease_owner = ?`

	queryReleaseOutgoingPayment = `
		UPDATE outgoing_payments
		SET lease_owner = NULL, lease_expires_at = NULL
		WHERE id = ? AND lease_owner = ?`

	queryOutgoingPaymentExists = `
		SELECT 1 FROM outgoing_payments WHERE id = ?`

	// Incoming payment queries
	incomingPaymentColumns = `p.id, p.wallet_account_id, p.state, p.incoming_amount, p.expires_at, p.process_at,
		p.created_at, p.updated_at,
		a.id, a.code, a.scale, a.unit, a.created_at`

	queryInsertIncomingPayment = `
		INSERT INTO incoming_payments (id, wallet_account_id, asset_id, state, incoming_amount, expires_at,
			process_at, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`

	queryGetIncomingPayment = `
		SELECT ` + incomingPaymentColumns + `
		FROM incoming_payments p
		JOIN assets a ON a.id = p.asset_id
		WHERE p.id = ?`

	queryLeaseNextIncomingPayment = `
		UPDATE incoming_payments
		SET lease_owner = ?, lease_expires_at = ?
		WHERE id = (
			SELECT id FROM incoming_payments
			WHERE process_at IS NOT NULL AND process_at <= ?
			  AND (lease_owner IS NULL OR lease_expires_at <= ?)
			ORDER BY process_at
			LIMIT 1
			%s
		)
		RETURNING id`

	queryUpdateIncomingPayment = `
		UPDATE incoming_payments
		SET state = ?, process_at = ?, updated_at = ?, lease_owner = NULL, lease_expires_at = NULL
		WHERE id = ? AND lease_owner = ? AND state = ?`

	queryTransitionIncomingPayment = `
		UPDATE incoming_payments
		SET state = ?, process_at = ?, updated_at = ?
		WHERE id = ? AND state IN (%s)`

	queryGetIncomingPaymentState = `
		SELECT state FROM incoming_payments WHERE id = ?`

	// Webhook event queries
	webhookEventColumns = `id, type, data, withdrawal_account_id, withdrawal_asset_id, withdrawal_amount,
		attempts, status_code, error, process_at, created_at`

	queryInsertWebhookEvent = `
		INSERT INTO webhook_events (id, type, data, withdrawal_account_id, withdrawal_asset_id, withdrawal_amount,
			attempts, process_at, created_at)
		VALUES (?, ?, ?, ?, ?, ?, 0, ?, ?)`

	queryGetWebhookEvent = `
		SELECT ` + webhookEventColumns + `
		FROM webhook_events
		WHERE id = ?`

	queryGetWebhookEventsByType = `
		SELECT ` + webhookEventColumns + `
		FROM webhook_events
		WHERE type = ?
		ORDER BY created_at, id`

	queryLeaseNextWebhookEvent = `
		UPDATE webhook_events
		SET lease_owner = ?, lease_expires_at = ?
		WHERE id = (
			SELECT id FROM webhook_events
			WHERE process_at IS NOT NULL AND process_at <= ?
			  AND (lease_owner IS NULL OR lease_expires_at <= ?)
			ORDER BY process_at
			LIMIT 1
			%s
		)
		RETURNING id`

	queryUpdateWebhookEvent = `
		UPDATE webhook_events
		SET attempts = ?, status_code = ?, error = ?, process_at = ?, lease_owner = NULL, lease_expires_at = NULL
		WHERE id = ? AND lease_owner = ?`
)
