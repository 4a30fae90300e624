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
	"fmt"

	"ilp-ledger-go/internal/models"

	"github.com/google/uuid"
)

// GetUnexportedTransfers returns committed transfers not yet mirrored to the
// external journal, oldest first.
func (s *Service) GetUnexportedTransfers(ctx context.Context, limit int) ([]models.Transfer, error) {
	if limit <= 0 {
		limit = 100
	}
	return s.queryTransfers(ctx, s.q(queryGetUnexportedTransfers), limit)
}

func (s *Service) MarkTransfersExported(ctx context.Context, ids []uuid.UUID) error {
	ids = uniqueIds(ids)
	if len(ids) == 0 {
		return nil
	}

	args := append([]any{toMillis(s.now())}, idArgs(ids)...)
	if _, err := s.db.ExecContext(ctx, s.q(fmt.Sprintf(queryMarkTransfersExported, placeholders(len(ids)))), args...); err != nil {
		return fmt.Errorf("failed to mark transfers exported: %w", err)
	}
	return nil
}
