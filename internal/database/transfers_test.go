package database

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"ilp-ledger-go/internal/models"
	"ilp-ledger-go/internal/store"

	"github.com/google/uuid"
)

func transfer(src, dst uuid.UUID, amount uint64) store.CreateTransferParams {
	return store.CreateTransferParams{
		Id:                   uuid.New(),
		SourceBalanceId:      src,
		DestinationBalanceId: dst,
		Amount:               amount,
		Mode:                 models.TransferModeAutoCommit,
	}
}

func twoPhase(src, dst uuid.UUID, amount uint64, timeout time.Duration) store.CreateTransferParams {
	t := transfer(src, dst, amount)
	t.Mode = models.TransferModeTwoPhase
	t.Timeout = timeout
	return t
}

func TestCreateTransfers_AutoCommit(t *testing.T) {
	service, cleanup := setupTestDb(t)
	defer cleanup()

	ctx := context.Background()
	_, accounts := createAccounts(t, service, 1, 100, 0)

	if err := service.CreateTransfers(ctx, []store.CreateTransferParams{transfer(accounts[0], accounts[1], 40)}); err != nil {
		t.Fatalf("CreateTransfers failed: %v", err)
	}

	if got := getBalance(t, service, accounts[0]).Available(); got != 60 {
		t.Errorf("Expected source balance 60, got %d", got)
	}
	if got := getBalance(t, service, accounts[1]).Available(); got != 40 {
		t.Errorf("Expected destination balance 40, got %d", got)
	}
}

func TestCreateTransfers_Rejections(t *testing.T) {
	service, cleanup := setupTestDb(t)
	defer cleanup()

	ctx := context.Background()
	_, accounts := createAccounts(t, service, 1, 100, 0)
	_, other := createAccounts(t, service, 2, 100)

	tests := []struct {
		name   string
		params store.CreateTransferParams
		reason error
	}{
		{"unknown source", transfer(uuid.New(), accounts[1], 1), store.ErrSourceNotFound},
		{"unknown destination", transfer(accounts[0], uuid.New(), 1), store.ErrDestinationNotFound},
		{"unit mismatch", transfer(accounts[0], other[0], 1), store.ErrAssetMismatch},
		{"zero amount", transfer(accounts[0], accounts[1], 0), store.ErrAmountZero},
		{"same balance", transfer(accounts[0], accounts[0], 1), store.ErrSameBalances},
		{"amount overflow", transfer(accounts[0], accounts[1], 1<<63), store.ErrAmountOverflow},
		{"two-phase without timeout", twoPhase(accounts[0], accounts[1], 1, 0), store.ErrInvalidTimeout},
		{"exceeds available", transfer(accounts[0], accounts[1], 101), store.ErrExceedsAvailableBalance},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := service.CreateTransfers(ctx, []store.CreateTransferParams{tt.params})
			var transferErr *store.TransferError
			if !errors.As(err, &transferErr) {
				t.Fatalf("Expected TransferError, got %v", err)
			}
			if !errors.Is(err, tt.reason) {
				t.Errorf("Expected %v, got %v", tt.reason, err)
			}
		})
	}

	if got := getBalance(t, service, accounts[0]).Available(); got != 100 {
		t.Errorf("Expected rejected transfers to leave the source at 100, got %d", got)
	}
	if got := getBalance(t, service, accounts[1]).Available(); got != 0 {
		t.Errorf("Expected rejected transfers to leave the destination at 0, got %d", got)
	}
}

func TestCreateTransfers_IdempotentReplay(t *testing.T) {
	service, cleanup := setupTestDb(t)
	defer cleanup()

	ctx := context.Background()
	_, accounts := createAccounts(t, service, 1, 100, 0)

	params := transfer(accounts[0], accounts[1], 25)
	if err := service.CreateTransfers(ctx, []store.CreateTransferParams{params}); err != nil {
		t.Fatalf("CreateTransfers failed: %v", err)
	}

	err := service.CreateTransfers(ctx, []store.CreateTransferParams{params})
	if !errors.Is(err, store.ErrExists) {
		t.Errorf("Expected ErrExists on replay, got %v", err)
	}

	changed := params
	changed.Amount = 26
	err = service.CreateTransfers(ctx, []store.CreateTransferParams{changed})
	if !errors.Is(err, store.ErrExistsWithDifferentFields) {
		t.Errorf("Expected ErrExistsWithDifferentFields, got %v", err)
	}

	if got := getBalance(t, service, accounts[1]).Available(); got != 25 {
		t.Errorf("Expected replay to move funds once, got %d", got)
	}
}

func TestCreateTransfers_BatchIsAtomic(t *testing.T) {
	service, cleanup := setupTestDb(t)
	defer cleanup()

	ctx := context.Background()
	_, accounts := createAccounts(t, service, 1, 100, 0, 0)

	err := service.CreateTransfers(ctx, []store.CreateTransferParams{
		transfer(accounts[0], accounts[1], 50),
		transfer(accounts[0], accounts[2], 60),
	})
	var transferErr *store.TransferError
	if !errors.As(err, &transferErr) || transferErr.Index != 1 {
		t.Fatalf("Expected TransferError at index 1, got %v", err)
	}
	if got := getBalance(t, service, accounts[1]).Available(); got != 0 {
		t.Errorf("Expected first entry to be discarded, got balance %d", got)
	}

	// Later entries observe earlier ones.
	err = service.CreateTransfers(ctx, []store.CreateTransferParams{
		transfer(accounts[0], accounts[1], 100),
		transfer(accounts[1], accounts[2], 70),
	})
	if err != nil {
		t.Fatalf("Expected chained batch to succeed, got %v", err)
	}
	if got := getBalance(t, service, accounts[2]).Available(); got != 70 {
		t.Errorf("Expected 70 at the end of the chain, got %d", got)
	}
}

func TestTwoPhaseTransfer_CommitAndRollback(t *testing.T) {
	service, cleanup := setupTestDb(t)
	defer cleanup()

	ctx := context.Background()
	_, accounts := createAccounts(t, service, 1, 100, 0)

	committed := twoPhase(accounts[0], accounts[1], 30, time.Minute)
	rolledBack := twoPhase(accounts[0], accounts[1], 20, time.Minute)
	if err := service.CreateTransfers(ctx, []store.CreateTransferParams{committed, rolledBack}); err != nil {
		t.Fatalf("CreateTransfers failed: %v", err)
	}

	source := getBalance(t, service, accounts[0])
	if source.DebitsPending != 50 || source.Available() != 50 {
		t.Errorf("Expected 50 reserved and 50 available, got pending=%d available=%d", source.DebitsPending, source.Available())
	}
	if source.Settled() != 100 {
		t.Errorf("Expected reservations to stay out of the settled balance, got %d", source.Settled())
	}

	if err := service.CommitTransfers(ctx, []uuid.UUID{committed.Id}); err != nil {
		t.Fatalf("CommitTransfers failed: %v", err)
	}
	if err := service.RollbackTransfers(ctx, []uuid.UUID{rolledBack.Id}); err != nil {
		t.Fatalf("RollbackTransfers failed: %v", err)
	}

	if got := getBalance(t, service, accounts[0]); got.Available() != 70 || got.DebitsPending != 0 {
		t.Errorf("Expected source 70 with nothing pending, got available=%d pending=%d", got.Available(), got.DebitsPending)
	}
	if got := getBalance(t, service, accounts[1]).Available(); got != 30 {
		t.Errorf("Expected destination 30, got %d", got)
	}

	tests := []struct {
		name   string
		call   func(context.Context, []uuid.UUID) error
		id     uuid.UUID
		reason error
	}{
		{"commit twice", service.CommitTransfers, committed.Id, store.ErrAlreadyCommitted},
		{"rollback after commit", service.RollbackTransfers, committed.Id, store.ErrAlreadyCommitted},
		{"commit after rollback", service.CommitTransfers, rolledBack.Id, store.ErrAlreadyRolledBack},
		{"rollback twice", service.RollbackTransfers, rolledBack.Id, nil},
		{"commit unknown", service.CommitTransfers, uuid.New(), store.ErrTransferNotFound},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.call(ctx, []uuid.UUID{tt.id})
			if tt.reason == nil {
				if err != nil {
					t.Errorf("Expected no error, got %v", err)
				}
				return
			}
			var commitErr *store.CommitError
			if !errors.As(err, &commitErr) || !errors.Is(err, tt.reason) {
				t.Errorf("Expected CommitError wrapping %v, got %v", tt.reason, err)
			}
		})
	}

	if got := getBalance(t, service, accounts[1]).Available(); got != 30 {
		t.Errorf("Expected repeated resolution to leave destination at 30, got %d", got)
	}
}

func TestTwoPhaseTransfer_NoDoubleReservation(t *testing.T) {
	service, cleanup := setupTestDb(t)
	defer cleanup()

	ctx := context.Background()
	_, accounts := createAccounts(t, service, 1, 100, 0)

	if err := service.CreateTransfers(ctx, []store.CreateTransferParams{twoPhase(accounts[0], accounts[1], 60, time.Minute)}); err != nil {
		t.Fatalf("First reservation failed: %v", err)
	}
	err := service.CreateTransfers(ctx, []store.CreateTransferParams{twoPhase(accounts[0], accounts[1], 60, time.Minute)})
	if !errors.Is(err, store.ErrExceedsAvailableBalance) {
		t.Errorf("Expected second reservation to exceed available balance, got %v", err)
	}
}

func TestTwoPhaseTransfer_ConcurrentReservations(t *testing.T) {
	ctx := context.Background()
	service, err := NewService(ctx, models.DatabaseConfig{
		Driver:       DriverSQLite,
		Path:         filepath.Join(t.TempDir(), "ledger.db"),
		MaxOpenConns: 8,
		MaxIdleConns: 8,
		PingTimeout:  5 * time.Second,
	})
	if err != nil {
		t.Fatalf("NewService failed: %v", err)
	}
	defer service.Close()

	_, accounts := createAccounts(t, service, 1, 100, 0)

	const workers = 8
	errs := make([]error, workers)
	start := make(chan struct{})
	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			<-start
			errs[i] = service.CreateTransfers(ctx, []store.CreateTransferParams{twoPhase(accounts[0], accounts[1], 60, time.Minute)})
		}(i)
	}
	close(start)
	wg.Wait()

	var ok, exceeded int
	for _, err := range errs {
		var transferErr *store.TransferError
		switch {
		case err == nil:
			ok++
		case errors.As(err, &transferErr) && errors.Is(err, store.ErrExceedsAvailableBalance):
			exceeded++
		default:
			t.Errorf("Unexpected reservation error: %v", err)
		}
	}
	if ok != 1 || exceeded != workers-1 {
		t.Errorf("Expected 1 reservation and %d rejections, got %d and %d", workers-1, ok, exceeded)
	}
	if got := getBalance(t, service, accounts[0]); got.DebitsPending != 60 || got.Available() != 40 {
		t.Errorf("Expected a single pending debit of 60, got pending=%d available=%d", got.DebitsPending, got.Available())
	}
}

func TestTwoPhaseTransfer_Expiry(t *testing.T) {
	service, cleanup := setupTestDb(t)
	defer cleanup()

	ctx := context.Background()
	clock := withClock(service)
	_, accounts := createAccounts(t, service, 1, 100, 0)

	pending := twoPhase(accounts[0], accounts[1], 80, 5*time.Second)
	if err := service.CreateTransfers(ctx, []store.CreateTransferParams{pending}); err != nil {
		t.Fatalf("CreateTransfers failed: %v", err)
	}
	if got := getBalance(t, service, accounts[0]).Available(); got != 20 {
		t.Fatalf("Expected 20 available while reserved, got %d", got)
	}

	clock.Advance(6 * time.Second)

	if got := getBalance(t, service, accounts[0]); got.Available() != 100 || got.DebitsPending != 0 {
		t.Errorf("Expected expiry to release the reservation, got available=%d pending=%d", got.Available(), got.DebitsPending)
	}

	err := service.CommitTransfers(ctx, []uuid.UUID{pending.Id})
	if !errors.Is(err, store.ErrExpired) {
		t.Errorf("Expected ErrExpired, got %v", err)
	}
	if err := service.RollbackTransfers(ctx, []uuid.UUID{pending.Id}); err != nil {
		t.Errorf("Expected rollback of an expired transfer to be a no-op, got %v", err)
	}

	transfers, err := service.GetTransfers(ctx, []uuid.UUID{pending.Id})
	if err != nil {
		t.Fatalf("GetTransfers failed: %v", err)
	}
	if len(transfers) != 1 || transfers[0].State != models.TransferStateExpired {
		t.Errorf("Expected transfer to be expired, got %+v", transfers)
	}
}

func TestExpirePendingTransfers(t *testing.T) {
	service, cleanup := setupTestDb(t)
	defer cleanup()

	ctx := context.Background()
	clock := withClock(service)
	_, accounts := createAccounts(t, service, 1, 100, 0)

	if err := service.CreateTransfers(ctx, []store.CreateTransferParams{
		twoPhase(accounts[0], accounts[1], 10, time.Second),
		twoPhase(accounts[0], accounts[1], 10, time.Second),
		twoPhase(accounts[0], accounts[1], 10, time.Hour),
	}); err != nil {
		t.Fatalf("CreateTransfers failed: %v", err)
	}

	clock.Advance(2 * time.Second)

	expired, err := service.ExpirePendingTransfers(ctx, 10)
	if err != nil {
		t.Fatalf("ExpirePendingTransfers failed: %v", err)
	}
	if expired != 2 {
		t.Errorf("Expected 2 expired transfers, got %d", expired)
	}

	// Read the raw row so lazy expiry on read does not mask the sweep.
	var pending uint64
	if err := service.db.QueryRow("SELECT debits_pending FROM balances WHERE id = ?", accounts[0]).Scan(&pending); err != nil {
		t.Fatalf("Failed to read balance: %v", err)
	}
	if pending != 10 {
		t.Errorf("Expected only the live reservation to remain, got %d pending", pending)
	}
}

func TestGetAccountTransfers(t *testing.T) {
	service, cleanup := setupTestDb(t)
	defer cleanup()

	ctx := context.Background()
	clock := withClock(service)
	settlement, accounts := createAccounts(t, service, 1, 100, 0)
	clock.Advance(time.Second)

	if err := service.CreateTransfers(ctx, []store.CreateTransferParams{transfer(accounts[0], accounts[1], 10)}); err != nil {
		t.Fatalf("CreateTransfers failed: %v", err)
	}

	transfers, err := service.GetAccountTransfers(ctx, accounts[0])
	if err != nil {
		t.Fatalf("GetAccountTransfers failed: %v", err)
	}
	if len(transfers) != 2 {
		t.Fatalf("Expected deposit and transfer, got %d", len(transfers))
	}
	if transfers[0].SourceBalanceId != settlement || transfers[0].Code != models.TransferCodeDeposit {
		t.Errorf("Expected first transfer to be the deposit, got %+v", transfers[0])
	}
	if transfers[1].DestinationBalanceId != accounts[1] || transfers[1].State != models.TransferStateCommitted {
		t.Errorf("Expected committed outbound transfer, got %+v", transfers[1])
	}
}

func TestLedgerConservation(t *testing.T) {
	service, cleanup := setupTestDb(t)
	defer cleanup()

	ctx := context.Background()
	settlement, accounts := createAccounts(t, service, 1, 100, 50, 0)

	pending := twoPhase(accounts[1], accounts[2], 20, time.Minute)
	if err := service.CreateTransfers(ctx, []store.CreateTransferParams{
		transfer(accounts[0], accounts[2], 35),
		pending,
	}); err != nil {
		t.Fatalf("CreateTransfers failed: %v", err)
	}
	if err := service.CommitTransfers(ctx, []uuid.UUID{pending.Id}); err != nil {
		t.Fatalf("CommitTransfers failed: %v", err)
	}

	balances, err := service.GetBalances(ctx, append([]uuid.UUID{settlement}, accounts...))
	if err != nil {
		t.Fatalf("GetBalances failed: %v", err)
	}

	var net int64
	for _, b := range balances {
		net += int64(b.CreditsPosted) - int64(b.DebitsPosted)
	}
	if net != 0 {
		t.Errorf("Expected posted debits and credits to cancel out, got net %d", net)
	}
}
