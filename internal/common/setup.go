package common

import (
	"context"
	"fmt"
	"log"
	"strings"

	"ilp-ledger-go/internal/accounting"
	"ilp-ledger-go/internal/connector"
	"ilp-ledger-go/internal/database"
	"ilp-ledger-go/internal/formance"
	"ilp-ledger-go/internal/metrics"
	"ilp-ledger-go/internal/models"
	"ilp-ledger-go/internal/payments/incoming"
	"ilp-ledger-go/internal/payments/outgoing"
	"ilp-ledger-go/internal/quoting"
	"ilp-ledger-go/internal/rates"
	"ilp-ledger-go/internal/stream"
	"ilp-ledger-go/internal/webhook"

	"github.com/joho/godotenv"
	"go.uber.org/zap"
)

// init loads environment variables from .env file if it exists
func init() {
	// Environment variables can be set via other means (shell export, docker, etc.)
	if err := godotenv.Load(); err != nil {
		log.Printf("Note: No .env file found or unable to load it: %v\n", err)
		log.Println("Make sure to set environment variables via export or other means")
	} else {
		log.Println("✓ Loaded environment variables from .env file")
	}
}

type Services struct {
	DbService  *database.Service
	Metrics    *metrics.Collector
	Accounting *accounting.Service
	Rates      *rates.Service
	Quoting    *quoting.Service
	Incoming   *incoming.Service
	Outgoing   *outgoing.Service
	Sender     *stream.LocalSender
	Webhooks   *webhook.Service
	// Exporter is nil unless the Formance mirror is enabled.
	Exporter *formance.Exporter
}

func InitializeLogger() (*zap.Logger, func()) {
	logger, err := zap.NewProduction()
	if err != nil {
		log.Fatalf("Failed to initialize logger: %v", err)
	}

	zap.ReplaceGlobals(logger)

	cleanup := func() {
		if err := logger.Sync(); err != nil {
			if !isIgnorableSyncError(err) {
				log.Printf("Failed to sync logger: %v\n", err)
			}
		}
	}

	return logger, cleanup
}

// InitializeServices opens the database and wires the ledger, the packet
// pipeline and the payment workers together.
func InitializeServices(ctx context.Context, cfg *models.Config) (*Services, error) {
	dbService, err := database.NewService(ctx, cfg.Database)
	if err != nil {
		return nil, err
	}

	services, err := wireServices(ctx, dbService, cfg)
	if err != nil {
		dbService.Close()
		return nil, err
	}
	return services, nil
}

func wireServices(ctx context.Context, dbService *database.Service, cfg *models.Config) (*Services, error) {
	var collector *metrics.Collector
	if cfg.Metrics.Enabled {
		collector = metrics.NewCollector()
	}

	acc := accounting.NewService(dbService, accounting.WithMetrics(collector))
	rateService := rates.NewService(rates.FileSource{Path: cfg.Rates.PricesFile}, cfg.Rates)
	quoteService := quoting.NewService(rateService, cfg.Quoting)
	incomingService := incoming.NewService(dbService, acc, collector, cfg.Incoming)

	sender, err := stream.NewLocalSender(stream.Options{
		IlpAddress:   cfg.Connector.IlpAddress,
		PacketExpiry: cfg.Connector.PacketExpiry,
		Middlewares: []connector.Middleware{
			connector.ErrorHandlerMiddleware(cfg.Connector.IlpAddress, collector),
			connector.BalanceMiddleware(connector.BalanceOptions{
				Accounting:         acc,
				Rates:              rateService,
				Credits:            incomingService,
				MaxTransferTimeout: cfg.Connector.MaxTransferTimeout,
				IlpAddress:         cfg.Connector.IlpAddress,
			}),
			connector.ExpiryMiddleware(cfg.Connector.IlpAddress),
		},
		Rates:   rateService,
		Credits: incomingService,
	})
	if err != nil {
		return nil, err
	}

	outgoingService := outgoing.NewService(outgoing.Dependencies{
		Store:      dbService,
		Accounting: acc,
		Quoter:     quoteService,
		Sender:     sender,
		Receivers:  incomingService,
		Metrics:    collector,
	}, cfg.Outgoing)

	var deliverer webhook.Deliverer
	if cfg.Webhook.Url != "" {
		httpDeliverer, err := webhook.NewHTTPDeliverer(cfg.Webhook.Url, cfg.Webhook.Timeout)
		if err != nil {
			return nil, err
		}
		deliverer = httpDeliverer
	} else {
		zap.L().Warn("WEBHOOK_URL not set, events will only trigger withdrawals")
	}

	services := &Services{
		DbService:  dbService,
		Metrics:    collector,
		Accounting: acc,
		Rates:      rateService,
		Quoting:    quoteService,
		Incoming:   incomingService,
		Outgoing:   outgoingService,
		Sender:     sender,
		Webhooks:   webhook.NewService(dbService, acc, deliverer, collector, cfg.Webhook),
	}

	if cfg.Formance.Enabled {
		exporter, err := formance.NewExporter(ctx, dbService, cfg.Formance)
		if err != nil {
			return nil, fmt.Errorf("failed to initialize formance exporter: %w", err)
		}
		services.Exporter = exporter
	}

	return services, nil
}

// InitializeDatabaseOnly initializes just the database and accounting layer
// Useful for operator tools like seeding liquidity or querying balances
func InitializeDatabaseOnly(ctx context.Context, cfg *models.Config) (*database.Service, *accounting.Service, error) {
	dbService, err := database.NewService(ctx, cfg.Database)
	if err != nil {
		return nil, nil, err
	}
	return dbService, accounting.NewService(dbService), nil
}

func (cs *Services) Close() {
	if cs.DbService != nil {
		cs.DbService.Close()
	}
}

func isIgnorableSyncError(err error) bool {
	msg := err.Error()
	return strings.Contains(msg, "sync /dev/stderr: inappropriate ioctl for device") ||
		strings.Contains(msg, "sync /dev/stdout: inappropriate ioctl for device")
}
