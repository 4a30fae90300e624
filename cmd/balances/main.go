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
	"flag"
	"fmt"

	"ilp-ledger-go/internal/common"
	"ilp-ledger-go/internal/config"
	"ilp-ledger-go/internal/database"
	"ilp-ledger-go/internal/models"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

type balanceStats struct {
	totalAssets int
	fundedPools int
}

func formatTransferId(id uuid.UUID) string {
	return id.String()[:8] + "..."
}

func printBalance(label string, balance models.Balance, asset models.Asset, isLast bool) {
	fmt.Printf("%s %-12s: %20s (pending debits %s, pending credits %s)\n",
		common.BoxPrefix(isLast),
		label,
		common.FormatAmount(uint64(max(balance.Settled(), 0)), asset.Scale),
		common.FormatAmount(balance.DebitsPending, asset.Scale),
		common.FormatAmount(balance.CreditsPending, asset.Scale))
}

func printAssetHeader(asset models.Asset) {
	fmt.Printf("\n┌─ Asset: %s (scale %d)\n", asset.Code, asset.Scale)
	fmt.Printf("│  ID: %s\n", asset.Id)
	fmt.Printf("│  Ledger unit: %d\n", asset.Unit)
	common.PrintBoxSeparator(78)
}

func processAsset(ctx context.Context, asset models.Asset, dbService *database.Service) (bool, error) {
	pool := models.AssetLiquidity{Asset: asset}
	settlement := models.AssetSettlement{Asset: asset}

	balances, err := dbService.GetBalances(ctx, []uuid.UUID{pool.BalanceId(), settlement.BalanceId()})
	if err != nil {
		return false, fmt.Errorf("failed to get balances: %w", err)
	}

	printAssetHeader(asset)
	funded := false
	for i, balance := range balances {
		label := "liquidity"
		if balance.Id == settlement.BalanceId() {
			label = "settlement"
		} else if balance.Settled() > 0 {
			funded = true
		}
		printBalance(label, balance, asset, i == len(balances)-1)
	}
	return funded, nil
}

func printTransfers(transfers []models.Transfer, asset *models.Asset) {
	for i, t := range transfers {
		amount := fmt.Sprintf("%d", t.Amount)
		if asset != nil {
			amount = common.FormatAmount(t.Amount, asset.Scale)
		}
		fmt.Printf("%s %s %-10s %-9s %20s  %s -> %s\n",
			common.BoxPrefix(i == len(transfers)-1),
			formatTransferId(t.Id),
			t.Code,
			t.State,
			amount,
			formatTransferId(t.SourceBalanceId),
			formatTransferId(t.DestinationBalanceId))
	}
}

func processAccount(ctx context.Context, id uuid.UUID, assets []models.Asset, dbService *database.Service) (int, error) {
	balances, err := dbService.GetBalances(ctx, []uuid.UUID{id})
	if err != nil {
		return 0, fmt.Errorf("failed to get balance: %w", err)
	}
	if len(balances) == 0 {
		return 0, fmt.Errorf("account %s not found", id)
	}
	balance := balances[0]

	var asset *models.Asset
	for i := range assets {
		if assets[i].Unit == balance.Unit {
			asset = &assets[i]
		}
	}
	if asset == nil {
		return 0, fmt.Errorf("account %s has unknown ledger unit %d", id, balance.Unit)
	}

	transfers, err := dbService.GetAccountTransfers(ctx, id)
	if err != nil {
		return 0, fmt.Errorf("failed to get transfers: %w", err)
	}

	fmt.Printf("\n┌─ Account: %s\n", id)
	fmt.Printf("│  Asset: %s\n", asset)
	common.PrintBoxSeparator(78)
	printBalance("balance", balance, *asset, len(transfers) == 0)
	printTransfers(transfers, asset)
	return len(transfers), nil
}

func main() {
	ctx := context.Background()

	logger, loggerCleanup := common.InitializeLogger()
	defer loggerCleanup()

	accountFlag := flag.String("account", "", "Show a single account balance and its transfers (optional)")
	flag.Parse()

	logger.Info("Starting balance query")

	cfg, err := config.Load()
	if err != nil {
		logger.Fatal("Failed to load config", zap.Error(err))
	}

	logger.Info("Connecting to database", zap.String("path", cfg.Database.Path))
	dbService, _, err := common.InitializeDatabaseOnly(ctx, cfg)
	if err != nil {
		logger.Fatal("Failed to initialize database", zap.Error(err))
	}
	defer dbService.Close()

	assets, err := dbService.GetAssets(ctx)
	if err != nil {
		logger.Fatal("Failed to load assets", zap.Error(err))
	}

	if *accountFlag != "" {
		id, err := uuid.Parse(*accountFlag)
		if err != nil {
			logger.Fatal("Invalid account id", zap.String("account", *accountFlag), zap.Error(err))
		}
		common.PrintHeader("ACCOUNT REPORT", common.WideWidth)
		count, err := processAccount(ctx, id, assets, dbService)
		if err != nil {
			logger.Fatal("Failed to query account", zap.Error(err))
		}
		common.PrintFooter(fmt.Sprintf("SUMMARY: %d transfers", count), common.WideWidth)
		return
	}

	common.PrintHeader("LIQUIDITY REPORT", common.DefaultWidth)

	stats := balanceStats{}
	for _, asset := range assets {
		stats.totalAssets++
		funded, err := processAsset(ctx, asset, dbService)
		if err != nil {
			logger.Error("Failed to process asset",
				zap.String("asset", asset.Code),
				zap.Error(err))
			continue
		}
		if funded {
			stats.fundedPools++
		}
	}

	summary := fmt.Sprintf("SUMMARY: %d of %d asset liquidity pools funded", stats.fundedPools, stats.totalAssets)
	common.PrintFooter(summary, common.DefaultWidth)

	logger.Info("Balance query completed",
		zap.Int("assets", stats.totalAssets),
		zap.Int("funded_pools", stats.fundedPools))
}
