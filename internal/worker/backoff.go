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

package worker

import (
	"math"
	"time"
)

const maxShift = 62

// Backoff returns base * 2^attempt capped at ceiling. Attempts start at 0.
func Backoff(base, ceiling time.Duration, attempt int) time.Duration {
	if base <= 0 {
		return 0
	}
	if attempt < 0 {
		attempt = 0
	} else if attempt > maxShift {
		attempt = maxShift
	}

	delay := time.Duration(math.MaxInt64)
	multiplier := int64(1) << attempt
	if int64(base) <= math.MaxInt64/multiplier {
		delay = time.Duration(int64(base) * multiplier)
	}
	if ceiling > 0 && delay > ceiling {
		return ceiling
	}
	return delay
}
