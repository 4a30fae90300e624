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
	"errors"
	"fmt"

	"ilp-ledger-go/internal/ilp"
	"ilp-ledger-go/internal/metrics"

	"go.uber.org/zap"
)

type result struct {
	reply    *ilp.Reply
	err      error
	panicked any
}

// ExpiryMiddleware bounds the downstream call by the packet's expiry. A packet
// still outstanding at expiry is rejected with R00.
func ExpiryMiddleware(ilpAddress string) Middleware {
	return func(next HandlerFunc) HandlerFunc {
		return func(ctx context.Context, req *Request) (*ilp.Reply, error) {
			ctx, cancel := context.WithDeadline(ctx, req.Prepare.ExpiresAt)
			defer cancel()

			done := make(chan result, 1)
			go func() {
				defer func() {
					if r := recover(); r != nil {
						done <- result{panicked: r}
					}
				}()
				reply, err := next(ctx, req)
				done <- result{reply: reply, err: err}
			}()

			select {
			case r := <-done:
				if r.panicked != nil {
					panic(r.panicked)
				}
				if errors.Is(r.err, context.DeadlineExceeded) {
					return ilp.NewReject(ilp.ErrInsufficientTimeout, ilpAddress, "packet expired"), nil
				}
				return r.reply, r.err
			case <-ctx.Done():
				if errors.Is(ctx.Err(), context.DeadlineExceeded) {
					return ilp.NewReject(ilp.ErrInsufficientTimeout, ilpAddress, "packet expired"), nil
				}
				return nil, ctx.Err()
			}
		}
	}
}

// ErrorHandlerMiddleware turns errors and panics from the rest of the pipeline
// into T00 rejects and counts every outcome.
func ErrorHandlerMiddleware(ilpAddress string, collector *metrics.Collector) Middleware {
	return func(next HandlerFunc) HandlerFunc {
		return func(ctx context.Context, req *Request) (reply *ilp.Reply, err error) {
			defer func() {
				if r := recover(); r != nil {
					zap.L().Error("Packet handler panicked",
						zap.String("destination", req.Prepare.Destination),
						zap.String("panic", fmt.Sprint(r)))
					reply, err = ilp.NewReject(ilp.ErrInternalError, ilpAddress, "internal error"), nil
				}
				record(collector, reply)
			}()

			reply, err = next(ctx, req)
			if err != nil {
				zap.L().Error("Packet handler failed",
					zap.String("destination", req.Prepare.Destination),
					zap.Uint64("amount", req.Prepare.Amount),
					zap.Error(err))
				return ilp.NewReject(ilp.ErrInternalError, ilpAddress, "internal error"), nil
			}
			if reply == nil || (reply.Fulfill == nil && reply.Reject == nil) {
				return ilp.NewReject(ilp.ErrInternalError, ilpAddress, "empty reply"), nil
			}
			return reply, nil
		}
	}
}

func record(collector *metrics.Collector, reply *ilp.Reply) {
	switch {
	case reply == nil:
		return
	case reply.Fulfill != nil:
		collector.RecordPacket("fulfilled", "")
	case reply.Reject != nil:
		collector.RecordPacket("rejected", string(reply.Reject.Code))
	}
}
