package stream

import (
	"context"
	"errors"
	"testing"
	"time"

	"ilp-ledger-go/internal/accounting"
	"ilp-ledger-go/internal/connector"
	"ilp-ledger-go/internal/database"
	"ilp-ledger-go/internal/ilp"
	"ilp-ledger-go/internal/models"
	"ilp-ledger-go/internal/payments/incoming"
	"ilp-ledger-go/internal/payments/outgoing"
	"ilp-ledger-go/internal/rates"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

type testEnv struct {
	accounting *accounting.Service
	incoming   *incoming.Service
	sender     *LocalSender
	usd        models.Asset
	eur        models.Asset
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
	eur, err := db.CreateAsset(ctx, "EUR", 2)
	if err != nil {
		t.Fatalf("CreateAsset failed: %v", err)
	}

	acc := accounting.NewService(db)
	prices := rates.NewService(rates.StaticSource{
		"USD": decimal.NewFromInt(1),
		"EUR": decimal.NewFromInt(2),
	}, models.RatesConfig{})
	incomingService := incoming.NewService(db, acc, nil, models.IncomingConfig{BaseUrl: "https://wallet.example"})

	sender, err := NewLocalSender(Options{
		IlpAddress: "test.node",
		Middlewares: []connector.Middleware{
			connector.ErrorHandlerMiddleware("test.node", nil),
			connector.BalanceMiddleware(connector.BalanceOptions{Accounting: acc, Rates: prices, Credits: incomingService, IlpAddress: "test.node"}),
			connector.ExpiryMiddleware("test.node"),
		},
		Rates:   prices,
		Credits: incomingService,
	})
	if err != nil {
		t.Fatalf("NewLocalSender failed: %v", err)
	}
	return &testEnv{accounting: acc, incoming: incomingService, sender: sender, usd: *usd, eur: *eur}, db.Close
}

func (e *testEnv) fundPool(t *testing.T, asset models.Asset, amount uint64) {
	t.Helper()
	pool := models.AssetLiquidity{Asset: asset}
	if err := e.accounting.CreateDeposit(context.Background(), accounting.DepositOptions{Id: uuid.New(), Account: pool, Amount: amount}); err != nil {
		t.Fatalf("Pool deposit failed: %v", err)
	}
}

// incomingReceiver opens an incoming payment and resolves it the way an
// outgoing payment does before sending.
func (e *testEnv) incomingReceiver(t *testing.T, incomingAmount uint64, expiresAt *time.Time) *models.Receiver {
	t.Helper()
	ctx := context.Background()
	payment, err := e.incoming.Create(ctx, incoming.CreateOptions{
		WalletAccountId: uuid.New(),
		Asset:           e.usd,
		IncomingAmount:  &incomingAmount,
		ExpiresAt:       expiresAt,
	})
	if err != nil {
		t.Fatalf("Create incoming payment failed: %v", err)
	}
	receiver, err := e.incoming.GetReceiver(ctx, e.incoming.Url(payment.Id))
	if err != nil {
		t.Fatalf("GetReceiver failed: %v", err)
	}
	return receiver
}

func (e *testEnv) payment(t *testing.T, asset models.Asset, funds uint64) *models.OutgoingPayment {
	t.Helper()
	ctx := context.Background()
	payment := &models.OutgoingPayment{Id: uuid.New(), Asset: asset}
	if err := e.accounting.CreateLiquidityAccount(ctx, payment); err != nil {
		t.Fatalf("CreateLiquidityAccount failed: %v", err)
	}
	if err := e.accounting.CreateDeposit(ctx, accounting.DepositOptions{Id: uuid.New(), Account: payment, Amount: funds}); err != nil {
		t.Fatalf("CreateDeposit failed: %v", err)
	}
	return payment
}

func (e *testEnv) receiver(t *testing.T, asset models.Asset) *models.Receiver {
	t.Helper()
	account := models.WalletAccount{Id: uuid.New(), Asset: asset, Url: "https://wallet.example/" + asset.Code}
	if err := e.accounting.CreateLiquidityAccount(context.Background(), account); err != nil {
		t.Fatalf("CreateLiquidityAccount failed: %v", err)
	}
	return &models.Receiver{Url: account.Url, Account: account, AssetCode: asset.Code, AssetScale: asset.Scale, Active: true}
}

func (e *testEnv) balance(t *testing.T, account models.LiquidityAccount) uint64 {
	t.Helper()
	balance, err := e.accounting.GetBalance(context.Background(), account.BalanceId())
	if err != nil {
		t.Fatalf("GetBalance failed: %v", err)
	}
	return balance
}

func quote(maxPacket uint64, minRate string) *models.Quote {
	return &models.Quote{MaxPacketAmount: maxPacket, MinExchangeRate: decimal.RequireFromString(minRate)}
}

func TestSend_SplitsIntoPackets(t *testing.T) {
	env, cleanup := setupTestEnv(t)
	defer cleanup()

	payment := env.payment(t, env.usd, 123)
	receiver := env.receiver(t, env.usd)

	result, err := env.sender.Send(context.Background(), outgoing.SendRequest{
		Payment:           payment,
		Receiver:          receiver,
		Quote:             quote(50, "0.99"),
		MaxSourceAmount:   123,
		MinDeliveryAmount: 121,
	})
	if err != nil {
		t.Fatalf("Send failed: %v", err)
	}
	if result.AmountSent != 123 || result.AmountDelivered != 123 {
		t.Errorf("Expected 123 sent and delivered, got %+v", result)
	}
	if got := env.balance(t, payment); got != 0 {
		t.Errorf("Expected payment balance 0, got %d", got)
	}
	if got := env.balance(t, receiver.Account); got != 123 {
		t.Errorf("Expected receiver balance 123, got %d", got)
	}

	sent, err := env.accounting.GetTotalSent(context.Background(), payment.Id)
	if err != nil {
		t.Fatalf("GetTotalSent failed: %v", err)
	}
	if sent != 123 {
		t.Errorf("Expected 123 total sent, got %d", sent)
	}
}

func TestSend_StopsAtReceiverCap(t *testing.T) {
	env, cleanup := setupTestEnv(t)
	defer cleanup()

	payment := env.payment(t, env.usd, 100)
	receiver := env.receiver(t, env.usd)
	incomingAmount := uint64(40)
	receiver.IncomingAmount = &incomingAmount

	result, err := env.sender.Send(context.Background(), outgoing.SendRequest{
		Payment:         payment,
		Receiver:        receiver,
		Quote:           quote(20, "1"),
		MaxSourceAmount: 100,
	})
	if err != nil {
		t.Fatalf("Send failed: %v", err)
	}
	if result.AmountSent != 40 || result.AmountDelivered != 40 {
		t.Errorf("Expected to stop at 40, got %+v", result)
	}
}

func TestSend_LastPacketFitsReceiverCap(t *testing.T) {
	tests := []struct {
		name          string
		dstEur        bool
		cap           uint64
		maxPacket     uint64
		wantSent      uint64
		wantDelivered uint64
	}{
		{"same asset", false, 40, 30, 40, 40},
		{"cross asset", true, 15, 20, 30, 15},
		{"single unit cap", true, 1, 20, 2, 1},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			env, cleanup := setupTestEnv(t)
			defer cleanup()

			payment := env.payment(t, env.usd, 100)
			asset := env.usd
			if tt.dstEur {
				asset = env.eur
			}
			receiver := env.receiver(t, asset)
			if tt.dstEur {
				env.fundPool(t, env.eur, 1000)
			}
			receiver.IncomingAmount = &tt.cap

			result, err := env.sender.Send(context.Background(), outgoing.SendRequest{
				Payment:         payment,
				Receiver:        receiver,
				Quote:           quote(tt.maxPacket, "0.4"),
				MaxSourceAmount: 100,
			})
			if err != nil {
				t.Fatalf("Send failed: %v", err)
			}
			if result.AmountSent != tt.wantSent || result.AmountDelivered != tt.wantDelivered {
				t.Errorf("Expected %d sent and %d delivered, got %+v", tt.wantSent, tt.wantDelivered, result)
			}
			if got := env.balance(t, receiver.Account); got != tt.wantDelivered {
				t.Errorf("Expected receiver balance %d, got %d", tt.wantDelivered, got)
			}
		})
	}
}

func TestSend_ReceiverRejectsOverpayment(t *testing.T) {
	env, cleanup := setupTestEnv(t)
	defer cleanup()

	ctx := context.Background()
	payment := env.payment(t, env.usd, 100)
	receiver := env.incomingReceiver(t, 40, nil)

	// Another payer brings the incoming payment to 30 after the receiver was resolved.
	if err := env.accounting.CreateDeposit(ctx, accounting.DepositOptions{Id: uuid.New(), Account: receiver.Account, Amount: 30}); err != nil {
		t.Fatalf("CreateDeposit failed: %v", err)
	}

	result, err := env.sender.Send(ctx, outgoing.SendRequest{
		Payment:         payment,
		Receiver:        receiver,
		Quote:           quote(30, "1"),
		MaxSourceAmount: 100,
	})
	var paymentErr *outgoing.PaymentError
	if !errors.As(err, &paymentErr) || paymentErr.Type != outgoing.ErrorTypeClosedByReceiver {
		t.Fatalf("Expected %s, got %v", outgoing.ErrorTypeClosedByReceiver, err)
	}
	if result.AmountSent != 0 {
		t.Errorf("Expected nothing sent, got %+v", result)
	}
	if got := env.balance(t, receiver.Account); got != 30 {
		t.Errorf("Expected incoming payment balance 30, got %d", got)
	}
	if got := env.balance(t, payment); got != 100 {
		t.Errorf("Expected payment balance 100, got %d", got)
	}
}

func TestSend_ReceiverRejectsExpiredPayment(t *testing.T) {
	env, cleanup := setupTestEnv(t)
	defer cleanup()

	payment := env.payment(t, env.usd, 100)
	expiresAt := time.Now().Add(50 * time.Millisecond)
	receiver := env.incomingReceiver(t, 40, &expiresAt)
	time.Sleep(80 * time.Millisecond)

	result, err := env.sender.Send(context.Background(), outgoing.SendRequest{
		Payment:         payment,
		Receiver:        receiver,
		Quote:           quote(20, "1"),
		MaxSourceAmount: 40,
	})
	var paymentErr *outgoing.PaymentError
	if !errors.As(err, &paymentErr) || paymentErr.Type != outgoing.ErrorTypeClosedByReceiver {
		t.Fatalf("Expected %s, got %v", outgoing.ErrorTypeClosedByReceiver, err)
	}
	if result.AmountSent != 0 {
		t.Errorf("Expected nothing sent, got %+v", result)
	}
	if got := env.balance(t, receiver.Account); got != 0 {
		t.Errorf("Expected incoming payment balance 0, got %d", got)
	}
}

func TestSend_Failures(t *testing.T) {
	tests := []struct {
		name     string
		funds    uint64
		dstEur   bool
		quote    *models.Quote
		wantType outgoing.ErrorType
		wantSent uint64
	}{
		{"liquidity shortfall keeps progress", 30, false, quote(20, "1"), outgoing.ErrorTypeInsufficientLiquidity, 20},
		{"exchange rate below minimum", 100, true, quote(20, "0.6"), outgoing.ErrorTypeExchangeRate, 0},
		{"missing quote", 100, false, nil, outgoing.ErrorTypeProtocolViolation, 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			env, cleanup := setupTestEnv(t)
			defer cleanup()

			payment := env.payment(t, env.usd, tt.funds)
			asset := env.usd
			if tt.dstEur {
				asset = env.eur
			}
			receiver := env.receiver(t, asset)
			if tt.dstEur {
				env.fundPool(t, env.eur, 1000)
			}

			result, err := env.sender.Send(context.Background(), outgoing.SendRequest{
				Payment:         payment,
				Receiver:        receiver,
				Quote:           tt.quote,
				MaxSourceAmount: 50,
			})
			var paymentErr *outgoing.PaymentError
			if !errors.As(err, &paymentErr) || paymentErr.Type != tt.wantType {
				t.Fatalf("Expected %s, got %v", tt.wantType, err)
			}
			if result.AmountSent != tt.wantSent {
				t.Errorf("Expected %d sent, got %d", tt.wantSent, result.AmountSent)
			}
			if got := env.balance(t, payment); got != tt.funds-tt.wantSent {
				t.Errorf("Expected payment balance %d, got %d", tt.funds-tt.wantSent, got)
			}
		})
	}
}

func TestClassify(t *testing.T) {
	tests := []struct {
		reject      ilp.Reject
		want        outgoing.ErrorType
		recoverable bool
	}{
		{ilp.Reject{Code: ilp.ErrInsufficientLiquidity}, outgoing.ErrorTypeInsufficientLiquidity, true},
		{ilp.Reject{Code: ilp.ErrInsufficientTimeout}, outgoing.ErrorTypeIdleTimeout, true},
		{ilp.Reject{Code: ilp.ErrInternalError}, outgoing.ErrorTypeTransient, true},
		{ilp.Reject{Code: ilp.ErrApplicationError, Message: rejectFulfillment}, outgoing.ErrorTypeClosedByReceiver, true},
		{ilp.Reject{Code: ilp.ErrApplicationError, Message: rejectExchangeRate}, outgoing.ErrorTypeExchangeRate, false},
		{ilp.Reject{Code: ilp.ErrAmountTooLarge, Message: rejectReceiveMax}, outgoing.ErrorTypeClosedByReceiver, true},
		{ilp.Reject{Code: ilp.ErrUnreachable}, outgoing.ErrorTypeReceiverGone, false},
		{ilp.Reject{Code: ilp.ErrCannotReceive}, outgoing.ErrorTypeAssetConflict, false},
		{ilp.Reject{Code: ilp.ErrBadRequest}, outgoing.ErrorTypeProtocolViolation, false},
	}

	for _, tt := range tests {
		t.Run(string(tt.reject.Code)+"/"+string(tt.want), func(t *testing.T) {
			reject := tt.reject
			got := classify(&reject)
			if got.Type != tt.want || got.Recoverable() != tt.recoverable {
				t.Errorf("Expected %s (recoverable %v), got %s (recoverable %v)", tt.want, tt.recoverable, got.Type, got.Recoverable())
			}
		})
	}
}
