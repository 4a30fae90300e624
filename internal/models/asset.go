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
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Asset is an asset code + scale pair. Every asset owns one ledger unit, a
// shared liquidity balance (keyed by Id) and a settlement balance.
type Asset struct {
	Id        uuid.UUID `db:"id" json:"id"`
	Code      string    `db:"code" json:"code"`
	Scale     uint8     `db:"scale" json:"scale"`
	Unit      uint32    `db:"unit" json:"unit"`
	CreatedAt time.Time `db:"created_at" json:"created_at"`
}

// String returns the asset in CODE/scale notation, e.g. "USD/2".
func (a Asset) String() string {
	return fmt.Sprintf("%s/%d", a.Code, a.Scale)
}

// SameAs reports whether both assets share the same code and scale.
func (a Asset) SameAs(other Asset) bool {
	return a.Code == other.Code && a.Scale == other.Scale
}
