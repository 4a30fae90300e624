package webhook

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
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
	return &testEnv{db: db, accounting: accounting.NewService(db), usd: *usd}, db.Close
}

// completedPayment records a completed incoming payment holding amount,
// together with its completion event.
func (e *testEnv) completedPayment(t *testing.T, amount uint64) (*models.IncomingPayment, *models.WebhookEvent) {
	t.Helper()
	ctx := context.Background()

	payment := &models.IncomingPayment{
		Id:              uuid.New(),
		WalletAccountId: uuid.New(),
		Asset:           e.usd,
		State:           models.IncomingPaymentStateCompleted,
		ExpiresAt:       time.Now().Add(time.Hour),
	}
	if err := e.accounting.CreateLiquidityAccount(ctx, payment); err != nil {
		t.Fatalf("CreateLiquidityAccount failed: %v", err)
	}
	if err := e.accounting.CreateDeposit(ctx, accounting.DepositOptions{Id: uuid.New(), Account: payment, Amount: amount}); err != nil {
		t.Fatalf("CreateDeposit failed: %v", err)
	}

	event, err := models.NewWebhookEvent(models.EventIncomingPaymentCompleted, payment, &models.EventWithdrawal{
		AccountId: payment.Id,
		AssetId:   e.usd.Id,
		Amount:    amount,
	})
	if err != nil {
		t.Fatalf("NewWebhookEvent failed: %v", err)
	}
	if err := e.db.CreateIncomingPayment(ctx, payment, event); err != nil {
		t.Fatalf("CreateIncomingPayment failed: %v", err)
	}
	return payment, event
}

func (e *testEnv) balance(t *testing.T, id uuid.UUID) uint64 {
	t.Helper()
	balance, err := e.accounting.GetBalance(context.Background(), id)
	if err != nil {
		t.Fatalf("GetBalance failed: %v", err)
	}
	return balance
}

type endpoint struct {
	mu       sync.Mutex
	status   int
	received []models.WebhookEvent
}

func (e *endpoint) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	var event models.WebhookEvent
	if err := json.NewDecoder(r.Body).Decode(&event); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	e.received = append(e.received, event)
	w.WriteHeader(e.status)
}

func TestProcessNext_DeliversAndWithdraws(t *testing.T) {
	env, cleanup := setupTestEnv(t)
	defer cleanup()
	ctx := context.Background()

	payment, event := env.completedPayment(t, 75)

	ep := &endpoint{status: http.StatusOK}
	server := httptest.NewServer(ep)
	defer server.Close()

	deliverer, err := NewHTTPDeliverer(server.URL, time.Second)
	if err != nil {
		t.Fatalf("NewHTTPDeliverer failed: %v", err)
	}
	svc := NewService(env.db, env.accounting, deliverer, nil, models.WebhookConfig{})

	id, err := svc.ProcessNext(ctx)
	if err != nil {
		t.Fatalf("ProcessNext failed: %v", err)
	}
	if id == nil || *id != event.Id {
		t.Fatalf("Expected event %s to be processed, got %v", event.Id, id)
	}

	if len(ep.received) != 1 || ep.received[0].Type != models.EventIncomingPaymentCompleted {
		t.Fatalf("Expected one completed event delivered, got %+v", ep.received)
	}
	if got := env.balance(t, payment.Id); got != 0 {
		t.Errorf("Expected payment balance withdrawn, got %d", got)
	}

	stored, err := env.db.GetWebhookEvent(ctx, event.Id)
	if err != nil {
		t.Fatalf("GetWebhookEvent failed: %v", err)
	}
	if stored.ProcessAt != nil || stored.Attempts != 1 || stored.Error != nil {
		t.Errorf("Expected event settled after one attempt, got %+v", stored)
	}
	if stored.StatusCode == nil || *stored.StatusCode != http.StatusOK {
		t.Errorf("Expected status 200 recorded, got %v", stored.StatusCode)
	}

	if id, err := svc.ProcessNext(ctx); err != nil || id != nil {
		t.Errorf("Expected no further events, got %v, %v", id, err)
	}
}

func TestProcessNext_RetriesThenParks(t *testing.T) {
	env, cleanup := setupTestEnv(t)
	defer cleanup()
	ctx := context.Background()

	payment, event := env.completedPayment(t, 40)

	ep := &endpoint{status: http.StatusInternalServerError}
	server := httptest.NewServer(ep)
	defer server.Close()

	deliverer, err := NewHTTPDeliverer(server.URL, time.Second)
	if err != nil {
		t.Fatalf("NewHTTPDeliverer failed: %v", err)
	}
	svc := NewService(env.db, env.accounting, deliverer, nil, models.WebhookConfig{
		MaxAttempts:     2,
		RetryBackoff:    time.Nanosecond,
		MaxRetryBackoff: time.Nanosecond,
	})

	for attempt := 1; attempt <= 2; attempt++ {
		time.Sleep(time.Millisecond)
		if _, err := svc.ProcessNext(ctx); err != nil {
			t.Fatalf("ProcessNext attempt %d failed: %v", attempt, err)
		}
		stored, err := env.db.GetWebhookEvent(ctx, event.Id)
		if err != nil {
			t.Fatalf("GetWebhookEvent failed: %v", err)
		}
		if stored.Attempts != attempt || stored.Error == nil {
			t.Fatalf("Expected failed attempt %d recorded, got %+v", attempt, stored)
		}
		if attempt == 1 && stored.ProcessAt == nil {
			t.Errorf("Expected retry to be scheduled after first failure")
		}
		if attempt == 2 && stored.ProcessAt != nil {
			t.Errorf("Expected event parked after max attempts, got process_at %v", stored.ProcessAt)
		}
	}

	if got := env.balance(t, payment.Id); got != 40 {
		t.Errorf("Expected no withdrawal before delivery, got balance %d", got)
	}
}

type flakyAccounting struct {
	inner *accounting.Service
	fail  bool
}

func (f *flakyAccounting) CreateWithdrawal(ctx context.Context, opts accounting.WithdrawalOptions) error {
	if f.fail {
		f.fail = false
		if err := f.inner.CreateWithdrawal(ctx, opts); err != nil {
			return err
		}
		return errors.New("connection reset after commit")
	}
	return f.inner.CreateWithdrawal(ctx, opts)
}

func TestProcessNext_WithdrawalIsIdempotent(t *testing.T) {
	env, cleanup := setupTestEnv(t)
	defer cleanup()
	ctx := context.Background()

	payment, event := env.completedPayment(t, 30)
	acc := &flakyAccounting{inner: env.accounting, fail: true}
	svc := NewService(env.db, acc, nil, nil, models.WebhookConfig{
		RetryBackoff:    time.Nanosecond,
		MaxRetryBackoff: time.Nanosecond,
	})

	if _, err := svc.ProcessNext(ctx); err != nil {
		t.Fatalf("ProcessNext failed: %v", err)
	}
	time.Sleep(time.Millisecond)
	if _, err := svc.ProcessNext(ctx); err != nil {
		t.Fatalf("ProcessNext retry failed: %v", err)
	}

	stored, err := env.db.GetWebhookEvent(ctx, event.Id)
	if err != nil {
		t.Fatalf("GetWebhookEvent failed: %v", err)
	}
	if stored.Attempts != 2 || stored.ProcessAt != nil || stored.Error != nil {
		t.Errorf("Expected event settled on retry, got %+v", stored)
	}
	if got := env.balance(t, payment.Id); got != 0 {
		t.Errorf("Expected single withdrawal of 30, got balance %d", got)
	}
}
