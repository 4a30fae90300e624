package main

import (
	"context"
	"flag"
	"fmt"

	"ilp-ledger-go/internal/common"
	"ilp-ledger-go/internal/config"
	"ilp-ledger-go/internal/models"

	"go.uber.org/zap"
)

func printAssets(assets []models.Asset) {
	for i, asset := range assets {
		fmt.Printf("%s %-6s scale %-2d unit %-4d pool %s\n",
			common.BoxPrefix(i == len(assets)-1),
			asset.Code,
			asset.Scale,
			asset.Unit,
			models.AssetLiquidity{Asset: asset}.BalanceId())
	}
}

func main() {
	ctx := context.Background()

	_, loggerCleanup := common.InitializeLogger()
	defer loggerCleanup()

	assetsFlag := flag.String("assets", "", "Path to assets.yaml (default: ASSETS_FILE)")
	flag.Parse()

	cfg, err := config.Load()
	if err != nil {
		zap.L().Fatal("Failed to load config", zap.Error(err))
	}
	if *assetsFlag != "" {
		cfg.AssetsFile = *assetsFlag
	}

	zap.L().Info("Setting up ledger database",
		zap.String("driver", cfg.Database.Driver),
		zap.String("path", cfg.Database.Path))
	dbService, acc, err := common.InitializeDatabaseOnly(ctx, cfg)
	if err != nil {
		zap.L().Fatal("Failed to initialize database", zap.Error(err))
	}
	defer dbService.Close()

	zap.L().Info("Loading asset configuration", zap.String("file", cfg.AssetsFile))
	assetConfigs, err := common.LoadAssetConfig(cfg.AssetsFile)
	if err != nil {
		zap.L().Fatal("Failed to load asset config", zap.Error(err))
	}

	assets, err := common.EnsureAssets(ctx, dbService, acc, assetConfigs)
	if err != nil {
		zap.L().Fatal("Failed to register assets", zap.Error(err))
	}

	common.PrintHeader("REGISTERED ASSETS", common.DefaultWidth)
	printAssets(assets)
	common.PrintFooter(fmt.Sprintf("%d assets ready", len(assets)), common.DefaultWidth)

	zap.L().Info("Initialization complete", zap.Int("assets", len(assets)))
}
