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


package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"strings"

	"ilp-ledger-go/internal/accounting"
	"ilp-ledger-go/internal/common"
	"ilp-ledger-go/internal/config"
	"ilp-ledger-go/internal/models"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

type liquidityRequest struct {
	operation string
	asset     string
	scale     uint8
	amount    string
	peer      *uuid.UUID
	id        uuid.UUID
}

func parseAndValidateFlags() (*liquidityRequest, error) {
	operationFlag := flag.String("op", "deposit", "Operation: deposit or withdraw")
	assetFlag := flag.String("asset", "", "Asset code, e.g. USD (required)")
	scaleFlag := flag.Uint("scale", 2, "Asset scale")
	amountFlag := flag.String("amount", "", "Amount in major units, e.g. 100.00 (required)")
	peerFlag := flag.String("peer", "", "Peer id to fund instead of the asset liquidity pool (optional)")
	idFlag := flag.String("id", "", "Transfer id for idempotent retries (default: random)")
	flag.Parse()

	if *assetFlag == "" || *amountFlag == "" {
		return nil, fmt.Errorf("flags are required: --asset, --amount")
	}
	if *operationFlag != "deposit" && *operationFlag != "withdraw" {
		return nil, fmt.Errorf("invalid operation %q, expected deposit or withdraw", *operationFlag)
	}
	if *scaleFlag > 255 {
		return nil, fmt.Errorf("invalid scale %d", *scaleFlag)
	}

	req := &liquidityRequest{
		operation: *operationFlag,
		asset:     strings.ToUpper(*assetFlag),
		scale:     uint8(*scaleFlag),
		amount:    *amountFlag,
		id:        uuid.New(),
	}
	if *peerFlag != "" {
		peer, err := uuid.Parse(*peerFlag)
		if err != nil {
			return nil, fmt.Errorf("invalid peer id: %w", err)
		}
		req.peer = &peer
	}
	if *idFlag != "" {
		id, err := uuid.Parse(*idFlag)
		if err != nil {
			return nil, fmt.Errorf("invalid transfer id: %w", err)
		}
		req.id = id
	}
	return req, nil
}

func resolveAccount(ctx context.Context, acc *accounting.Service, asset models.Asset, peer *uuid.UUID) (models.LiquidityAccount, error) {
	if peer == nil {
		return models.AssetLiquidity{Asset: asset}, nil
	}

	account := models.Peer{Id: *peer, Asset: asset}
	err := acc.CreateLiquidityAccount(ctx, account)
	if err != nil && !errors.Is(err, accounting.ErrAccountAlreadyExists) {
		return nil, fmt.Errorf("failed to create peer account: %w", err)
	}
	return account, nil
}

func verifyBalance(ctx context.Context, acc *accounting.Service, account models.LiquidityAccount, amount uint64) (uint64, error) {
	balance, err := acc.GetBalance(ctx, account.BalanceId())
	if err != nil {
		return 0, fmt.Errorf("failed to get balance: %w", err)
	}
	if balance < amount {
		return balance, fmt.Errorf("insufficient balance: current=%d, requested=%d, shortfall=%d",
			balance, amount, amount-balance)
	}

	zap.L().Info("Balance verification successful",
		zap.String("account_id", account.BalanceId().String()),
		zap.Uint64("balance", balance))
	return balance, nil
}

func main() {
	ctx := context.Background()

	_, loggerCleanup := common.InitializeLogger()
	defer loggerCleanup()

	req, err := parseAndValidateFlags()
	if err != nil {
		zap.L().Fatal("Invalid flags", zap.Error(err))
	}

	amount, err := common.ParseAmount(req.amount, req.scale)
	if err != nil {
		zap.L().Fatal("Invalid amount", zap.Error(err))
	}

	cfg, err := config.Load()
	if err != nil {
		zap.L().Fatal("Failed to load config", zap.Error(err))
	}

	dbService, acc, err := common.InitializeDatabaseOnly(ctx, cfg)
	if err != nil {
		zap.L().Fatal("Failed to initialize database", zap.Error(err))
	}
	defer dbService.Close()

	asset, err := dbService.GetAssetByCode(ctx, req.asset, req.scale)
	if err != nil {
		zap.L().Fatal("Unknown asset, run setup first",
			zap.String("asset", req.asset),
			zap.Uint8("scale", req.scale),
			zap.Error(err))
	}

	account, err := resolveAccount(ctx, acc, *asset, req.peer)
	if err != nil {
		zap.L().Fatal("Failed to resolve account", zap.Error(err))
	}

	switch req.operation {
	case "deposit":
		err = acc.CreateDeposit(ctx, accounting.DepositOptions{Id: req.id, Account: account, Amount: amount})
	case "withdraw":
		if _, err := verifyBalance(ctx, acc, account, amount); err != nil {
			zap.L().Fatal("Balance verification failed", zap.Error(err))
		}
		err = acc.CreateWithdrawal(ctx, accounting.WithdrawalOptions{Id: req.id, Account: account, Amount: amount})
	}
	if errors.Is(err, accounting.ErrTransferExists) {
		zap.L().Warn("Transfer already recorded, nothing to do", zap.String("transfer_id", req.id.String()))
	} else if err != nil {
		zap.L().Fatal("Liquidity operation failed",
			zap.String("operation", req.operation),
			zap.Error(err))
	}

	balance, err := acc.GetBalance(ctx, account.BalanceId())
	if err != nil {
		zap.L().Fatal("Failed to read balance", zap.Error(err))
	}

	common.PrintHeader("LIQUIDITY "+strings.ToUpper(req.operation), common.DefaultWidth)
	fmt.Printf("Account:     %s (%s)\n", account.BalanceId(), account.Kind())
	fmt.Printf("Transfer:    %s\n", req.id)
	fmt.Printf("Amount:      %s %s\n", common.FormatAmount(amount, asset.Scale), asset.Code)
	fmt.Printf("New balance: %s %s\n", common.FormatAmount(balance, asset.Scale), asset.Code)
	common.PrintFooter("Done", common.DefaultWidth)
}
