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

package outgoing

import (
	"errors"
	"fmt"
)

var (
	ErrUnknownPayment  = errors.New("unknown outgoing payment")
	ErrInvalidState    = errors.New("invalid outgoing payment state")
	ErrInvalidAmount   = errors.New("invalid amount")
	ErrInvalidReceiver = errors.New("invalid receiver")
	ErrPaymentBusy     = errors.New("outgoing payment is being processed")
)

// ErrorType classifies why a payment attempt failed. It is stored as the
// payment's error once the payment fails.
type ErrorType string

const (
	ErrorTypeQuoteFailed           ErrorType = "QuoteFailed"
	ErrorTypeQuoteExpired          ErrorType = "QuoteExpired"
	ErrorTypeReceiverGone          ErrorType = "ReceiverGone"
	ErrorTypeClosedByReceiver      ErrorType = "ClosedByReceiver"
	ErrorTypeIdleTimeout           ErrorType = "IdleTimeout"
	ErrorTypeInsufficientLiquidity ErrorType = "InsufficientLiquidity"
	ErrorTypeTransient             ErrorType = "Transient"
	ErrorTypeProtocolViolation     ErrorType = "ProtocolViolation"
	ErrorTypeAssetConflict         ErrorType = "AssetConflict"
	ErrorTypeExchangeRate          ErrorType = "InsufficientExchangeRate"
)

// PaymentError is a failed send attempt.
type PaymentError struct {
	Type ErrorType
	Err  error
}

func (e *PaymentError) Error() string {
	if e.Err == nil {
		return string(e.Type)
	}
	return fmt.Sprintf("%s: %v", e.Type, e.Err)
}

func (e *PaymentError) Unwrap() error {
	return e.Err
}

// Recoverable reports whether retrying the send may succeed.
func (e *PaymentError) Recoverable() bool {
	switch e.Type {
	case ErrorTypeClosedByReceiver, ErrorTypeIdleTimeout, ErrorTypeInsufficientLiquidity, ErrorTypeTransient:
		return true
	default:
		return false
	}
}

// asPaymentError treats unclassified errors as transient.
func asPaymentError(err error) *PaymentError {
	var paymentErr *PaymentError
	if errors.As(err, &paymentErr) {
		return paymentErr
	}
	return &PaymentError{Type: ErrorTypeTransient, Err: err}
}
