package incoming

import (
	"context"
	"errors"
	"testing"
	"time"

	"ilp-ledger-go/internal/accounting"
	"ilp-ledger-go/internal/database"
	"ilp-ledger-go/internal/models"

	"github.com/google/uuid"
)

type testEnv struct {
	db         *database.Service
	accounting *accounting.Service
	service    *Service
	usd        models.Asset
}

func setupTestEnv(t *testing.T) (*testEnv, func()) {
	ctx := context.Background()
	db, err := database.OpenInMemory(ctx)
	if err != nil {
		t.Fatalf("Failed to open test database: %v", err)
	}
	usd, err := db.CreateAsset(ctx, "USD", 2)
	if err != nil {
		t.Fatalf("CreateAsset failed: %v", err)
	}

	acc := accounting.NewService(db)
	return &testEnv{
		db:         db,
		accounting: acc,
		service:    NewService(db, acc, nil, models.IncomingConfig{BaseUrl: "https://wallet.example/"}),
		usd:        *usd,
	}, db.Close
}

func (e *testEnv) credit(t *testing.T, payment *models.IncomingPayment, amount uint64) {
	t.Helper()
	ctx := context.Background()
	if err := e.accounting.CreateDeposit(ctx, accounting.DepositOptions{Id: uuid.New(), Account: payment, Amount: amount}); err != nil {
		t.Fatalf("CreateDeposit failed: %v", err)
	}
	if err := e.service.OnCredit(ctx, payment, amount); err != nil {
		t.Fatalf("OnCredit failed: %v", err)
	}
}

func (e *testEnv) state(t *testing.T, id uuid.UUID) *models.IncomingPayment {
	t.Helper()
	payment, err := e.service.Get(context.Background(), id)
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	return payment
}

func TestOnCredit_CompletesAtIncomingAmount(t *testing.T) {
	env, cleanup := setupTestEnv(t)
	defer cleanup()

	ctx := context.Background()
	incomingAmount := uint64(100)
	payment, err := env.service.Create(ctx, CreateOptions{WalletAccountId: uuid.New(), Asset: env.usd, IncomingAmount: &incomingAmount})
	if err != nil {
		t.Fatalf("Create failed: %v", err)
	}

	env.credit(t, payment, 40)
	if got := env.state(t, payment.Id); got.State != models.IncomingPaymentStateProcessing || got.ReceivedAmount != 40 {
		t.Fatalf("Expected processing with 40 received, got %s with %d", got.State, got.ReceivedAmount)
	}

	env.credit(t, payment, 60)
	if got := env.state(t, payment.Id); got.State != models.IncomingPaymentStateCompleted {
		t.Fatalf("Expected completed, got %s", got.State)
	}

	id, err := env.service.ProcessNext(ctx)
	if err != nil {
		t.Fatalf("ProcessNext failed: %v", err)
	}
	if id == nil || *id != payment.Id {
		t.Fatalf("Expected payment %s to be processed, got %v", payment.Id, id)
	}

	events, err := env.db.GetWebhookEventsByType(ctx, models.EventIncomingPaymentCompleted)
	if err != nil {
		t.Fatalf("GetWebhookEventsByType failed: %v", err)
	}
	if len(events) != 1 || events[0].Withdrawal == nil || events[0].Withdrawal.Amount != 100 {
		t.Fatalf("Expected a completed event withdrawing 100, got %+v", events)
	}

	if id, err := env.service.ProcessNext(ctx); err != nil || id != nil {
		t.Errorf("Expected nothing due, got %v, %v", id, err)
	}

	// Late credits are kept on the balance but do not reopen the payment.
	env.credit(t, payment, 5)
	if got := env.state(t, payment.Id); got.State != models.IncomingPaymentStateCompleted || got.ReceivedAmount != 105 {
		t.Errorf("Expected completed with 105 received, got %s with %d", got.State, got.ReceivedAmount)
	}
}

func TestProcessNext_Expiry(t *testing.T) {
	env, cleanup := setupTestEnv(t)
	defer cleanup()

	ctx := context.Background()
	expiresAt := time.Now().Add(50 * time.Millisecond)
	received, err := env.service.Create(ctx, CreateOptions{Asset: env.usd, ExpiresAt: &expiresAt})
	if err != nil {
		t.Fatalf("Create failed: %v", err)
	}
	empty, err := env.service.Create(ctx, CreateOptions{Asset: env.usd, ExpiresAt: &expiresAt})
	if err != nil {
		t.Fatalf("Create failed: %v", err)
	}
	env.credit(t, received, 30)

	if id, err := env.service.ProcessNext(ctx); err != nil || id != nil {
		t.Fatalf("Expected nothing due before expiry, got %v, %v", id, err)
	}

	time.Sleep(60 * time.Millisecond)
	for i := 0; i < 2; i++ {
		if id, err := env.service.ProcessNext(ctx); err != nil || id == nil {
			t.Fatalf("Expected an expired payment to be processed, got %v, %v", id, err)
		}
	}

	for _, id := range []uuid.UUID{received.Id, empty.Id} {
		if got := env.state(t, id); got.State != models.IncomingPaymentStateExpired {
			t.Errorf("Expected %s to be expired, got %s", id, got.State)
		}
	}

	events, err := env.db.GetWebhookEventsByType(ctx, models.EventIncomingPaymentExpired)
	if err != nil {
		t.Fatalf("GetWebhookEventsByType failed: %v", err)
	}
	if len(events) != 2 {
		t.Fatalf("Expected 2 expired events, got %d", len(events))
	}
	withdrawals := 0
	for _, event := range events {
		if event.Withdrawal != nil {
			withdrawals++
			if event.Withdrawal.Amount != 30 || event.Withdrawal.AccountId != received.Id {
				t.Errorf("Unexpected withdrawal %+v", event.Withdrawal)
			}
		}
	}
	if withdrawals != 1 {
		t.Errorf("Expected only the funded payment to withdraw, got %d", withdrawals)
	}
}

func TestGetReceiver(t *testing.T) {
	env, cleanup := setupTestEnv(t)
	defer cleanup()

	ctx := context.Background()
	incomingAmount := uint64(100)
	payment, err := env.service.Create(ctx, CreateOptions{Asset: env.usd, IncomingAmount: &incomingAmount})
	if err != nil {
		t.Fatalf("Create failed: %v", err)
	}
	env.credit(t, payment, 25)

	url := env.service.Url(payment.Id)
	if url != "https://wallet.example/incoming-payments/"+payment.Id.String() {
		t.Errorf("Unexpected url %s", url)
	}

	receiver, err := env.service.GetReceiver(ctx, url)
	if err != nil {
		t.Fatalf("GetReceiver failed: %v", err)
	}
	if !receiver.Active || receiver.AssetCode != "USD" || receiver.ReceivedAmount != 25 {
		t.Errorf("Unexpected receiver %+v", receiver)
	}
	if remaining, ok := receiver.Remaining(); !ok || remaining != 75 {
		t.Errorf("Expected 75 remaining, got %d (%v)", remaining, ok)
	}
	if receiver.Account.BalanceId() != payment.Id {
		t.Errorf("Expected the receiver account to be the payment")
	}

	for _, bad := range []string{
		"https://wallet.example/alice",
		"https://wallet.example/incoming-payments/not-a-uuid",
		env.service.Url(uuid.New()),
	} {
		if _, err := env.service.GetReceiver(ctx, bad); !errors.Is(err, ErrUnknownReceiver) {
			t.Errorf("Expected ErrUnknownReceiver for %s, got %v", bad, err)
		}
	}
}

func TestCreate_Validation(t *testing.T) {
	env, cleanup := setupTestEnv(t)
	defer cleanup()

	ctx := context.Background()
	zero := uint64(0)
	if _, err := env.service.Create(ctx, CreateOptions{Asset: env.usd, IncomingAmount: &zero}); !errors.Is(err, ErrInvalidAmount) {
		t.Errorf("Expected ErrInvalidAmount, got %v", err)
	}
	past := time.Now().Add(-time.Minute)
	if _, err := env.service.Create(ctx, CreateOptions{Asset: env.usd, ExpiresAt: &past}); !errors.Is(err, ErrInvalidExpiry) {
		t.Errorf("Expected ErrInvalidExpiry, got %v", err)
	}
}
