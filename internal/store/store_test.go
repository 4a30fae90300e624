package store

import (
	"errors"
	"testing"
)

func TestIndexedErrorsUnwrapToReason(t *testing.T) {
	tests := []struct {
		name   string
		err    error
		reason error
		msg    string
	}{
		{"balance", &BalanceError{Index: 2, Reason: ErrDuplicateBalance}, ErrDuplicateBalance, "balance 2: balance already exists"},
		{"transfer", &TransferError{Index: 0, Reason: ErrExceedsAvailableBalance}, ErrExceedsAvailableBalance, "transfer 0: transfer exceeds available balance"},
		{"commit", &CommitError{Index: 1, Reason: ErrExpired}, ErrExpired, "transfer 1: transfer expired"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if !errors.Is(tt.err, tt.reason) {
				t.Errorf("Expected %v to wrap %v", tt.err, tt.reason)
			}
			if tt.err.Error() != tt.msg {
				t.Errorf("Expected message %q, got %q", tt.msg, tt.err.Error())
			}
		})
	}

	var transferErr *TransferError
	if !errors.As(&TransferError{Index: 3, Reason: ErrAmountZero}, &transferErr) || transferErr.Index != 3 {
		t.Errorf("Expected errors.As to expose the failing index")
	}
}

// Compile-time checks that the interfaces are importable and usable.
func TestStoreInterfacesExist(t *testing.T) {
	var _ Ledger
	var _ AssetStore
	var _ OutgoingPaymentStore
	var _ IncomingPaymentStore
	var _ WebhookStore
	var _ ExportStore
}
