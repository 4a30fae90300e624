package formance

import (
	"fmt"
	"strconv"

	"ilp-ledger-go/internal/models"

	"github.com/formancehq/formance-sdk-go/v3/pkg/models/shared"
	"github.com/google/uuid"
)

// The local ledger has already enforced balance limits, so the mirror never
// rejects a posting for overdraft.
const numscriptTransfer = `vars {
  asset $asset
  number $amount
  account $source
  account $destination
  string $transfer_id
  string $code
}

send [$asset $amount] (
  source = $source allowing unbounded overdraft
  destination = $destination
)

set_tx_meta("transfer_id", $transfer_id)
set_tx_meta("code", $code)
`

// formanceAsset returns the Formance UMN notation, e.g. "USD/2".
func formanceAsset(asset models.Asset) string {
	return fmt.Sprintf("%s/%d", asset.Code, asset.Scale)
}

func accountAddress(balanceId uuid.UUID) string {
	return "ilp:balances:" + balanceId.String()
}

func transaction(transfer models.Transfer, asset models.Asset) shared.V2PostTransaction {
	tx := shared.V2PostTransaction{
		Reference: strPtr(transfer.Id.String()),
		Script: &shared.V2PostTransactionScript{
			Plain: numscriptTransfer,
			Vars: map[string]string{
				"asset":       formanceAsset(asset),
				"amount":      strconv.FormatUint(transfer.Amount, 10),
				"source":      accountAddress(transfer.SourceBalanceId),
				"destination": accountAddress(transfer.DestinationBalanceId),
				"transfer_id": transfer.Id.String(),
				"code":        transfer.Code.String(),
			},
		},
	}
	if transfer.ResolvedAt != nil {
		tx.Timestamp = transfer.ResolvedAt
	}
	return tx
}

func strPtr(s string) *string { return &s }
