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

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"ilp-ledger-go/internal/models"
	"ilp-ledger-go/internal/store"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// CreateAsset registers an asset and assigns it the next free ledger unit.
// An existing asset is returned together with store.ErrAlreadyExists.
func (s *Service) CreateAsset(ctx context.Context, code string, scale uint8) (*models.Asset, error) {
	code = strings.ToUpper(strings.TrimSpace(code))
	if code == "" {
		return nil, fmt.Errorf("asset code cannot be empty")
	}

	if existing, err := s.GetAssetByCode(ctx, code, scale); err == nil {
		return existing, store.ErrAlreadyExists
	} else if !errors.Is(err, store.ErrNotFound) {
		return nil, err
	}

	asset, err := scanAsset(s.db.QueryRowContext(ctx, s.q(queryInsertAsset), uuid.New(), code, int(scale), toMillis(s.now())))
	if err != nil {
		return nil, fmt.Errorf("failed to insert asset %s/%d: %w", code, scale, err)
	}

	zap.L().Info("Asset created",
		zap.String("asset_id", asset.Id.String()),
		zap.String("code", asset.Code),
		zap.Uint8("scale", asset.Scale),
		zap.Uint32("unit", asset.Unit))
	return asset, nil
}

func (s *Service) GetAsset(ctx context.Context, id uuid.UUID) (*models.Asset, error) {
	asset, err := scanAsset(s.db.QueryRowContext(ctx, s.q(queryGetAsset), id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("asset %s: %w", id, store.ErrNotFound)
	} else if err != nil {
		return nil, fmt.Errorf("failed to get asset: %w", err)
	}
	return asset, nil
}

func (s *Service) GetAssetByCode(ctx context.Context, code string, scale uint8) (*models.Asset, error) {
	asset, err := scanAsset(s.db.QueryRowContext(ctx, s.q(queryGetAssetByCode), strings.ToUpper(code), int(scale)))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("asset %s/%d: %w", code, scale, store.ErrNotFound)
	} else if err != nil {
		return nil, fmt.Errorf("failed to get asset: %w", err)
	}
	return asset, nil
}

func (s *Service) GetAssets(ctx context.Context) ([]models.Asset, error) {
	rows, err := s.db.QueryContext(ctx, s.q(queryGetAssets))
	if err != nil {
		return nil, fmt.Errorf("failed to query assets: %w", err)
	}
	defer closeRows(rows)

	var assets []models.Asset
	for rows.Next() {
		asset, err := scanAsset(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan asset: %w", err)
		}
		assets = append(assets, *asset)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating assets: %w", err)
	}
	return assets, nil
}

func scanAsset(row rowScanner) (*models.Asset, error) {
	var (
		asset     models.Asset
		createdAt int64
	)
	if err := row.Scan(&asset.Id, &asset.Code, &asset.Scale, &asset.Unit, &createdAt); err != nil {
		return nil, err
	}
	asset.CreatedAt = fromMillis(createdAt)
	return &asset, nil
}
