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

package connector

import (
	"context"

	"ilp-ledger-go/internal/ilp"
	"ilp-ledger-go/internal/models"
)

// Request is a prepare packet travelling through the pipeline together with
// the accounts it moves value between.
type Request struct {
	Prepare         *ilp.Prepare
	IncomingAccount models.LiquidityAccount
	OutgoingAccount models.LiquidityAccount
	// OutgoingAmount is the prepare amount expressed in the outgoing account's
	// asset. BalanceMiddleware sets it before calling downstream.
	OutgoingAmount uint64
}

// HandlerFunc handles a prepare. A returned error means the packet could not
// be processed at all; protocol-level failures are Reject replies.
type HandlerFunc func(ctx context.Context, req *Request) (*ilp.Reply, error)

type Middleware func(next HandlerFunc) HandlerFunc

// Compose wraps handler in middlewares. The first middleware sees the packet
// first and the reply last.
func Compose(handler HandlerFunc, middlewares ...Middleware) HandlerFunc {
	for i := len(middlewares) - 1; i >= 0; i-- {
		handler = middlewares[i](handler)
	}
	return handler
}
