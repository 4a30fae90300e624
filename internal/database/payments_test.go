package database

import (
	"context"
	"errors"
	"testing"
	"time"

	"ilp-ledger-go/internal/models"
	"ilp-ledger-go/internal/store"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

func createTestAsset(t *testing.T, service *Service, code string, scale uint8) *models.Asset {
	t.Helper()
	asset, err := service.CreateAsset(context.Background(), code, scale)
	if err != nil {
		t.Fatalf("CreateAsset failed: %v", err)
	}
	return asset
}

func TestCreateAsset_AssignsUnits(t *testing.T) {
	service, cleanup := setupTestDb(t)
	defer cleanup()

	ctx := context.Background()
	usd := createTestAsset(t, service, "usd", 2)
	eur := createTestAsset(t, service, "EUR", 2)

	if usd.Code != "USD" || usd.Unit != 1 {
		t.Errorf("Expected USD with unit 1, got %s unit %d", usd.Code, usd.Unit)
	}
	if eur.Unit != 2 {
		t.Errorf("Expected EUR with unit 2, got %d", eur.Unit)
	}

	again, err := service.CreateAsset(ctx, "USD", 2)
	if !errors.Is(err, store.ErrAlreadyExists) || again == nil || again.Id != usd.Id {
		t.Errorf("Expected existing asset with ErrAlreadyExists, got %v, %v", again, err)
	}

	if _, err := service.GetAssetByCode(ctx, "USD", 9); !errors.Is(err, store.ErrNotFound) {
		t.Errorf("Expected ErrNotFound for unknown scale, got %v", err)
	}

	assets, err := service.GetAssets(ctx)
	if err != nil {
		t.Fatalf("GetAssets failed: %v", err)
	}
	if len(assets) != 2 {
		t.Errorf("Expected 2 assets, got %d", len(assets))
	}
}

func newTestOutgoingPayment(asset *models.Asset, processAt time.Time) *models.OutgoingPayment {
	sendAmount := uint64(123)
	return &models.OutgoingPayment{
		Id:              uuid.New(),
		WalletAccountId: uuid.New(),
		Asset:           *asset,
		Receiver:        "https://wallet.example/incoming-payments/" + uuid.NewString(),
		State:           models.OutgoingPaymentStatePending,
		SendAmount:      &sendAmount,
		ProcessAt:       &processAt,
	}
}

func TestOutgoingPayment_CreateAndGet(t *testing.T) {
	service, cleanup := setupTestDb(t)
	defer cleanup()

	ctx := context.Background()
	clock := withClock(service)
	asset := createTestAsset(t, service, "USD", 2)

	payment := newTestOutgoingPayment(asset, clock.Now())
	payment.Quote = &models.Quote{
		Id:              uuid.New(),
		SendAmount:      123,
		ReceiveAmount:   56,
		MinExchangeRate: decimal.RequireFromString("0.45"),
		MaxPacketAmount: 50,
		ExpiresAt:       clock.Now().Add(time.Minute),
	}
	event, err := models.NewWebhookEvent(models.EventOutgoingPaymentCreated, payment, nil)
	if err != nil {
		t.Fatalf("NewWebhookEvent failed: %v", err)
	}
	if err := service.CreateOutgoingPayment(ctx, payment, event); err != nil {
		t.Fatalf("CreateOutgoingPayment failed: %v", err)
	}

	got, err := service.GetOutgoingPayment(ctx, payment.Id)
	if err != nil {
		t.Fatalf("GetOutgoingPayment failed: %v", err)
	}
	if got.State != models.OutgoingPaymentStatePending || got.Asset.Id != asset.Id {
		t.Errorf("Unexpected payment %+v", got)
	}
	if got.SendAmount == nil || *got.SendAmount != 123 || got.ReceiveAmount != nil {
		t.Errorf("Expected send amount 123 and no receive amount, got %v %v", got.SendAmount, got.ReceiveAmount)
	}
	if got.Quote == nil || got.Quote.ReceiveAmount != 56 || !got.Quote.MinExchangeRate.Equal(decimal.RequireFromString("0.45")) {
		t.Errorf("Expected quote to round-trip, got %+v", got.Quote)
	}

	events, err := service.GetWebhookEventsByType(ctx, models.EventOutgoingPaymentCreated)
	if err != nil {
		t.Fatalf("GetWebhookEventsByType failed: %v", err)
	}
	if len(events) != 1 || events[0].Id != event.Id {
		t.Errorf("Expected the created event to be stored with the payment, got %+v", events)
	}

	if err := service.CreateOutgoingPayment(ctx, payment); !errors.Is(err, store.ErrAlreadyExists) {
		t.Errorf("Expected ErrAlreadyExists, got %v", err)
	}
	if _, err := service.GetOutgoingPayment(ctx, uuid.New()); !errors.Is(err, store.ErrNotFound) {
		t.Errorf("Expected ErrNotFound, got %v", err)
	}
}

func TestOutgoingPayment_LeaseSkipsHeldRows(t *testing.T) {
	service, cleanup := setupTestDb(t)
	defer cleanup()

	ctx := context.Background()
	clock := withClock(service)
	asset := createTestAsset(t, service, "USD", 2)

	first := newTestOutgoingPayment(asset, clock.Now().Add(-2*time.Second))
	second := newTestOutgoingPayment(asset, clock.Now().Add(-time.Second))
	future := newTestOutgoingPayment(asset, clock.Now().Add(time.Hour))
	for _, p := range []*models.OutgoingPayment{first, second, future} {
		if err := service.CreateOutgoingPayment(ctx, p); err != nil {
			t.Fatalf("CreateOutgoingPayment failed: %v", err)
		}
	}

	leasedA, err := service.LeaseNextOutgoingPayment(ctx, "worker-a", time.Minute)
	if err != nil || leasedA == nil || leasedA.Id != first.Id {
		t.Fatalf("Expected worker-a to lease the oldest payment, got %v, %v", leasedA, err)
	}
	leasedB, err := service.LeaseNextOutgoingPayment(ctx, "worker-b", time.Minute)
	if err != nil || leasedB == nil || leasedB.Id != second.Id {
		t.Fatalf("Expected worker-b to skip the held payment, got %v, %v", leasedB, err)
	}
	none, err := service.LeaseNextOutgoingPayment(ctx, "worker-c", time.Minute)
	if err != nil || none != nil {
		t.Fatalf("Expected nothing due, got %v, %v", none, err)
	}

	// A crashed worker's lease lapses.
	clock.Advance(2 * time.Minute)
	reclaimed, err := service.LeaseNextOutgoingPayment(ctx, "worker-c", time.Minute)
	if err != nil || reclaimed == nil || reclaimed.Id != first.Id {
		t.Fatalf("Expected the lapsed lease to be reclaimed, got %v, %v", reclaimed, err)
	}

	leasedA.State = models.OutgoingPaymentStateFailed
	if err := service.UpdateOutgoingPayment(ctx, leasedA, "worker-a"); !errors.Is(err, store.ErrLeaseLost) {
		t.Errorf("Expected ErrLeaseLost for the previous owner, got %v", err)
	}
}

func TestOutgoingPayment_UpdateReleasesLeaseAndWritesEvents(t *testing.T) {
	service, cleanup := setupTestDb(t)
	defer cleanup()

	ctx := context.Background()
	clock := withClock(service)
	asset := createTestAsset(t, service, "USD", 2)

	payment := newTestOutgoingPayment(asset, clock.Now())
	if err := service.CreateOutgoingPayment(ctx, payment); err != nil {
		t.Fatalf("CreateOutgoingPayment failed: %v", err)
	}

	leased, err := service.LeaseOutgoingPayment(ctx, payment.Id, "funder", time.Minute)
	if err != nil {
		t.Fatalf("LeaseOutgoingPayment failed: %v", err)
	}
	if _, err := service.LeaseOutgoingPayment(ctx, payment.Id, "other", time.Minute); !errors.Is(err, store.ErrLeaseUnavailable) {
		t.Errorf("Expected ErrLeaseUnavailable while held, got %v", err)
	}

	msg := "quote expired"
	leased.State = models.OutgoingPaymentStateFailed
	leased.Error = &msg
	leased.ProcessAt = nil
	event, err := models.NewWebhookEvent(models.EventOutgoingPaymentFailed, leased, &models.EventWithdrawal{
		AccountId: leased.Id,
		AssetId:   asset.Id,
		Amount:    7,
	})
	if err != nil {
		t.Fatalf("NewWebhookEvent failed: %v", err)
	}
	if err := service.UpdateOutgoingPayment(ctx, leased, "funder", event); err != nil {
		t.Fatalf("UpdateOutgoingPayment failed: %v", err)
	}

	got, err := service.GetOutgoingPayment(ctx, payment.Id)
	if err != nil {
		t.Fatalf("GetOutgoingPayment failed: %v", err)
	}
	if got.State != models.OutgoingPaymentStateFailed || got.Error == nil || *got.Error != msg || got.ProcessAt != nil {
		t.Errorf("Unexpected payment after update: %+v", got)
	}

	stored, err := service.GetWebhookEvent(ctx, event.Id)
	if err != nil {
		t.Fatalf("GetWebhookEvent failed: %v", err)
	}
	if stored.Withdrawal == nil || stored.Withdrawal.Amount != 7 || stored.Withdrawal.AccountId != payment.Id {
		t.Errorf("Expected withdrawal to be stored with the event, got %+v", stored.Withdrawal)
	}

	if _, err := service.LeaseOutgoingPayment(ctx, payment.Id, "other", time.Minute); err != nil {
		t.Errorf("Expected the update to release the lease, got %v", err)
	}
}

func TestIncomingPayment_TransitionAndGuardedUpdate(t *testing.T) {
	service, cleanup := setupTestDb(t)
	defer cleanup()

	ctx := context.Background()
	clock := withClock(service)
	asset := createTestAsset(t, service, "USD", 2)

	incomingAmount := uint64(56)
	expiresAt := clock.Now().Add(time.Minute)
	payment := &models.IncomingPayment{
		Id:              uuid.New(),
		WalletAccountId: uuid.New(),
		Asset:           *asset,
		State:           models.IncomingPaymentStatePending,
		IncomingAmount:  &incomingAmount,
		ExpiresAt:       expiresAt,
		ProcessAt:       &expiresAt,
	}
	if err := service.CreateIncomingPayment(ctx, payment); err != nil {
		t.Fatalf("CreateIncomingPayment failed: %v", err)
	}

	clock.Advance(2 * time.Minute)
	leased, err := service.LeaseNextIncomingPayment(ctx, "sweeper", time.Minute)
	if err != nil || leased == nil {
		t.Fatalf("Expected the expired payment to be leased, got %v, %v", leased, err)
	}

	// A credit lands while the sweeper holds the lease.
	now := clock.Now()
	changed, err := service.TransitionIncomingPayment(ctx, payment.Id,
		[]models.IncomingPaymentState{models.IncomingPaymentStatePending, models.IncomingPaymentStateProcessing},
		models.IncomingPaymentStateCompleted, &now)
	if err != nil || !changed {
		t.Fatalf("Expected transition to apply, got %v, %v", changed, err)
	}

	leased.State = models.IncomingPaymentStateExpired
	err = service.UpdateIncomingPayment(ctx, leased, models.IncomingPaymentStatePending, "sweeper")
	if !errors.Is(err, store.ErrLeaseLost) {
		t.Errorf("Expected stale sweep to lose, got %v", err)
	}

	got, err := service.GetIncomingPayment(ctx, payment.Id)
	if err != nil {
		t.Fatalf("GetIncomingPayment failed: %v", err)
	}
	if got.State != models.IncomingPaymentStateCompleted {
		t.Errorf("Expected completed payment, got %s", got.State)
	}
	if got.IncomingAmount == nil || *got.IncomingAmount != 56 {
		t.Errorf("Expected incoming amount 56, got %v", got.IncomingAmount)
	}

	changed, err = service.TransitionIncomingPayment(ctx, payment.Id,
		[]models.IncomingPaymentState{models.IncomingPaymentStatePending}, models.IncomingPaymentStateProcessing, nil)
	if err != nil || changed {
		t.Errorf("Expected no transition from a completed payment, got %v, %v", changed, err)
	}
	if _, err := service.TransitionIncomingPayment(ctx, uuid.New(),
		[]models.IncomingPaymentState{models.IncomingPaymentStatePending}, models.IncomingPaymentStateProcessing, nil); !errors.Is(err, store.ErrNotFound) {
		t.Errorf("Expected ErrNotFound for unknown payment, got %v", err)
	}
}

func TestWebhookEvent_LeaseAndPark(t *testing.T) {
	service, cleanup := setupTestDb(t)
	defer cleanup()

	ctx := context.Background()
	clock := withClock(service)
	asset := createTestAsset(t, service, "USD", 2)

	payment := newTestOutgoingPayment(asset, clock.Now().Add(time.Hour))
	event, err := models.NewWebhookEvent(models.EventOutgoingPaymentCreated, payment, nil)
	if err != nil {
		t.Fatalf("NewWebhookEvent failed: %v", err)
	}
	if err := service.CreateOutgoingPayment(ctx, payment, event); err != nil {
		t.Fatalf("CreateOutgoingPayment failed: %v", err)
	}

	leased, err := service.LeaseNextWebhookEvent(ctx, "hooks", time.Minute)
	if err != nil || leased == nil || leased.Id != event.Id {
		t.Fatalf("Expected event to be leased, got %v, %v", leased, err)
	}
	if again, err := service.LeaseNextWebhookEvent(ctx, "hooks-2", time.Minute); err != nil || again != nil {
		t.Fatalf("Expected held event to be skipped, got %v, %v", again, err)
	}

	status := 200
	leased.Attempts = 1
	leased.StatusCode = &status
	leased.ProcessAt = nil
	if err := service.UpdateWebhookEvent(ctx, leased, "hooks"); err != nil {
		t.Fatalf("UpdateWebhookEvent failed: %v", err)
	}

	clock.Advance(time.Hour)
	if next, err := service.LeaseNextWebhookEvent(ctx, "hooks", time.Minute); err != nil || next != nil {
		t.Errorf("Expected delivered event to stay parked, got %v, %v", next, err)
	}

	stored, err := service.GetWebhookEvent(ctx, event.Id)
	if err != nil {
		t.Fatalf("GetWebhookEvent failed: %v", err)
	}
	if stored.Attempts != 1 || stored.StatusCode == nil || *stored.StatusCode != 200 {
		t.Errorf("Unexpected stored event %+v", stored)
	}
}

func TestExports(t *testing.T) {
	service, cleanup := setupTestDb(t)
	defer cleanup()

	ctx := context.Background()
	_, accounts := createAccounts(t, service, 1, 100, 0)

	pending := twoPhase(accounts[0], accounts[1], 5, time.Minute)
	if err := service.CreateTransfers(ctx, []store.CreateTransferParams{pending}); err != nil {
		t.Fatalf("CreateTransfers failed: %v", err)
	}

	transfers, err := service.GetUnexportedTransfers(ctx, 10)
	if err != nil {
		t.Fatalf("GetUnexportedTransfers failed: %v", err)
	}
	if len(transfers) != 1 {
		t.Fatalf("Expected only the committed deposit, got %d", len(transfers))
	}

	if err := service.MarkTransfersExported(ctx, []uuid.UUID{transfers[0].Id}); err != nil {
		t.Fatalf("MarkTransfersExported failed: %v", err)
	}
	transfers, err = service.GetUnexportedTransfers(ctx, 10)
	if err != nil {
		t.Fatalf("GetUnexportedTransfers failed: %v", err)
	}
	if len(transfers) != 0 {
		t.Errorf("Expected nothing left to export, got %d", len(transfers))
	}
}
