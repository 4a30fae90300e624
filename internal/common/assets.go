package common

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"ilp-ledger-go/internal/models"
	"ilp-ledger-go/internal/store"

	"go.uber.org/zap"
	"gopkg.in/yaml.v2"
)

type AssetConfig struct {
	Code  string `yaml:"code"`
	Scale uint8  `yaml:"scale"`
}

type AssetsConfig struct {
	Assets []AssetConfig `yaml:"assets"`
}

func LoadAssetConfig(assetsFile string) ([]AssetConfig, error) {
	var assetsPath string
	if filepath.IsAbs(assetsFile) {
		assetsPath = assetsFile
	} else {
		wd, err := os.Getwd()
		if err != nil {
			return nil, fmt.Errorf("failed to get working directory: %w", err)
		}
		assetsPath = filepath.Join(wd, assetsFile)
	}

	data, err := os.ReadFile(assetsPath)
	if err != nil {
		return nil, fmt.Errorf("unable to read %s: %w", assetsFile, err)
	}
	return ParseAssetConfig(data)
}

func ParseAssetConfig(data []byte) ([]AssetConfig, error) {
	var config AssetsConfig
	if err := yaml.Unmarshal(data, &config); err != nil {
		return nil, fmt.Errorf("unable to parse assets: %w", err)
	}

	seen := make(map[string]bool)
	for i, asset := range config.Assets {
		code := strings.ToUpper(strings.TrimSpace(asset.Code))
		if code == "" {
			return nil, fmt.Errorf("asset at index %d missing code", i)
		}
		key := fmt.Sprintf("%s/%d", code, asset.Scale)
		if seen[key] {
			return nil, fmt.Errorf("asset %s listed twice", key)
		}
		seen[key] = true
		config.Assets[i].Code = code
	}

	return config.Assets, nil
}

// AssetAccountCreator provisions the liquidity pool and settlement balance of an asset.
type AssetAccountCreator interface {
	CreateAssetAccounts(ctx context.Context, asset models.Asset) error
}

// EnsureAssets registers every configured asset and its ledger accounts. It
// is safe to run on every startup.
func EnsureAssets(ctx context.Context, assets store.AssetStore, accounts AssetAccountCreator, configs []AssetConfig) ([]models.Asset, error) {
	result := make([]models.Asset, 0, len(configs))
	for _, c := range configs {
		asset, err := assets.CreateAsset(ctx, c.Code, c.Scale)
		if err != nil && !errors.Is(err, store.ErrAlreadyExists) {
			return nil, fmt.Errorf("failed to create asset %s/%d: %w", c.Code, c.Scale, err)
		}
		if err := accounts.CreateAssetAccounts(ctx, *asset); err != nil {
			return nil, fmt.Errorf("failed to create accounts for asset %s: %w", asset, err)
		}
		zap.L().Debug("Asset ready",
			zap.String("code", asset.Code),
			zap.Uint8("scale", asset.Scale),
			zap.Uint32("unit", asset.Unit))
		result = append(result, *asset)
	}
	return result, nil
}
