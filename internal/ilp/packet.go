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

package ilp

import (
	"crypto/sha256"
	"fmt"
	"time"
)

// ErrorCode is an Interledger reject code. The first letter carries the class:
// F final, T temporary, R relative.
type ErrorCode string

const (
	ErrBadRequest            ErrorCode = "F00"
	ErrUnreachable           ErrorCode = "F02"
	ErrCannotReceive         ErrorCode = "F07"
	ErrAmountTooLarge        ErrorCode = "F08"
	ErrApplicationError      ErrorCode = "F99"
	ErrInternalError         ErrorCode = "T00"
	ErrInsufficientLiquidity ErrorCode = "T04"
	ErrInsufficientTimeout   ErrorCode = "R00"
)

// Final reports whether retrying the same packet cannot succeed.
func (c ErrorCode) Final() bool {
	return len(c) > 0 && c[0] == 'F'
}

// Prepare is an incoming ILP prepare packet.
type Prepare struct {
	Amount             uint64
	ExpiresAt          time.Time
	Destination        string
	ExecutionCondition [32]byte
	Data               []byte
}

// Fulfill is the success reply to a Prepare.
type Fulfill struct {
	Fulfillment [32]byte
	Data        []byte
}

// Reject is the failure reply to a Prepare.
type Reject struct {
	Code        ErrorCode
	TriggeredBy string
	Message     string
	Data        []byte
}

func (r *Reject) Error() string {
	return fmt.Sprintf("ilp reject %s: %s", r.Code, r.Message)
}

// Reply carries exactly one of Fulfill or Reject.
type Reply struct {
	Fulfill *Fulfill
	Reject  *Reject
}

func NewReject(code ErrorCode, triggeredBy, message string) *Reply {
	return &Reply{Reject: &Reject{Code: code, TriggeredBy: triggeredBy, Message: message}}
}

func NewFulfill(fulfillment [32]byte) *Reply {
	return &Reply{Fulfill: &Fulfill{Fulfillment: fulfillment}}
}

// Condition returns the execution condition a fulfillment satisfies.
func Condition(fulfillment [32]byte) [32]byte {
	return sha256.Sum256(fulfillment[:])
}

// Verify reports whether fulfillment matches the prepare's condition.
func (p *Prepare) Verify(fulfillment [32]byte) bool {
	return Condition(fulfillment) == p.ExecutionCondition
}
