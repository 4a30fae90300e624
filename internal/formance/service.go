package formance

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"ilp-ledger-go/internal/models"
	"ilp-ledger-go/internal/store"

	v3 "github.com/formancehq/formance-sdk-go/v3"
	"github.com/formancehq/formance-sdk-go/v3/pkg/models/operations"
	"github.com/formancehq/formance-sdk-go/v3/pkg/models/sdkerrors"
	"github.com/formancehq/formance-sdk-go/v3/pkg/models/shared"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

const (
	defaultLedger    = "ilp-ledger"
	defaultBatchSize = 100
)

// Store is what the exporter reads from the local ledger.
type Store interface {
	store.ExportStore
	GetAssets(ctx context.Context) ([]models.Asset, error)
}

type postFunc func(ctx context.Context, req operations.V2CreateTransactionRequest) error

// Exporter mirrors committed transfers into a Formance Stack ledger.
type Exporter struct {
	store     Store
	post      postFunc
	ledger    string
	batchSize int

	mu     sync.Mutex
	assets map[uint32]models.Asset
}

// NewExporter connects to the stack and creates the ledger if it doesn't
// already exist.
func NewExporter(ctx context.Context, exportStore Store, cfg models.FormanceConfig) (*Exporter, error) {
	if cfg.ServerUrl == "" || cfg.ClientId == "" || cfg.ClientSecret == "" {
		return nil, fmt.Errorf("formance config requires ServerUrl, ClientId, and ClientSecret")
	}
	if cfg.Ledger == "" {
		cfg.Ledger = defaultLedger
	}

	zap.L().Info("Connecting to Formance Stack",
		zap.String("server_url", cfg.ServerUrl),
		zap.String("ledger", cfg.Ledger))

	client := v3.New(
		v3.WithServerURL(cfg.ServerUrl),
		v3.WithSecurity(shared.Security{
			ClientID:     v3.Pointer(cfg.ClientId),
			ClientSecret: v3.Pointer(cfg.ClientSecret),
		}),
	)

	if err := ensureLedger(ctx, client, cfg.Ledger); err != nil {
		return nil, fmt.Errorf("failed to ensure ledger exists: %w", err)
	}

	post := func(ctx context.Context, req operations.V2CreateTransactionRequest) error {
		_, err := client.Ledger.V2.CreateTransaction(ctx, req)
		return err
	}
	return newExporter(exportStore, post, cfg.Ledger, cfg.BatchSize), nil
}

func newExporter(exportStore Store, post postFunc, ledger string, batchSize int) *Exporter {
	if batchSize <= 0 {
		batchSize = defaultBatchSize
	}
	return &Exporter{
		store:     exportStore,
		post:      post,
		ledger:    ledger,
		batchSize: batchSize,
		assets:    make(map[uint32]models.Asset),
	}
}

func ensureLedger(ctx context.Context, client *v3.Formance, ledger string) error {
	_, err := client.Ledger.V2.CreateLedger(ctx, operations.V2CreateLedgerRequest{
		Ledger: ledger,
		V2CreateLedgerRequest: shared.V2CreateLedgerRequest{
			Metadata: map[string]string{
				"application": "ilp-ledger-go",
			},
		},
	})
	if err != nil {
		var apiErr *sdkerrors.V2ErrorResponse
		if errors.As(err, &apiErr) && apiErr.ErrorCode == shared.V2ErrorsEnumLedgerAlreadyExists {
			zap.L().Info("Ledger already exists", zap.String("ledger", ledger))
			return nil
		}
		return err
	}
	zap.L().Info("Ledger created", zap.String("ledger", ledger))
	return nil
}

// ExportNext mirrors one batch of committed transfers and reports whether
// there was anything to export. Transfers posted before a failure are still
// marked exported.
func (e *Exporter) ExportNext(ctx context.Context) (bool, error) {
	transfers, err := e.store.GetUnexportedTransfers(ctx, e.batchSize)
	if err != nil {
		return false, err
	}
	if len(transfers) == 0 {
		return false, nil
	}

	exported := make([]uuid.UUID, 0, len(transfers))
	var exportErr error
	for _, transfer := range transfers {
		if err := e.export(ctx, transfer); err != nil {
			exportErr = err
			break
		}
		exported = append(exported, transfer.Id)
	}

	if err := e.store.MarkTransfersExported(context.WithoutCancel(ctx), exported); err != nil {
		return true, err
	}
	if len(exported) > 0 {
		zap.L().Debug("Transfers exported to Formance",
			zap.String("ledger", e.ledger),
			zap.Int("count", len(exported)))
	}
	return true, exportErr
}

func (e *Exporter) export(ctx context.Context, transfer models.Transfer) error {
	asset, err := e.asset(ctx, transfer.Unit)
	if err != nil {
		return err
	}

	err = e.post(ctx, operations.V2CreateTransactionRequest{
		Ledger:            e.ledger,
		V2PostTransaction: transaction(transfer, asset),
	})
	if isConflictError(err) {
		zap.L().Debug("Transfer already exported", zap.String("transfer_id", transfer.Id.String()))
		return nil
	} else if err != nil {
		return fmt.Errorf("error exporting transfer %s: %w", transfer.Id, err)
	}
	return nil
}

func (e *Exporter) asset(ctx context.Context, unit uint32) (models.Asset, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if asset, ok := e.assets[unit]; ok {
		return asset, nil
	}
	assets, err := e.store.GetAssets(ctx)
	if err != nil {
		return models.Asset{}, fmt.Errorf("failed to load assets: %w", err)
	}
	for _, a := range assets {
		e.assets[a.Unit] = a
	}
	asset, ok := e.assets[unit]
	if !ok {
		return models.Asset{}, fmt.Errorf("no asset registered for ledger unit %d", unit)
	}
	return asset, nil
}

// isConflictError checks whether a Formance SDK error is a CONFLICT (duplicate reference).
func isConflictError(err error) bool {
	var apiErr *sdkerrors.V2ErrorResponse
	return errors.As(err, &apiErr) && apiErr.ErrorCode == shared.V2ErrorsEnumConflict
}
