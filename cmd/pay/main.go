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


package main

import (
	"context"
	"flag"
	"fmt"
	"strings"
	"time"

	"ilp-ledger-go/internal/common"
	"ilp-ledger-go/internal/config"
	"ilp-ledger-go/internal/models"
	"ilp-ledger-go/internal/payments/incoming"
	"ilp-ledger-go/internal/payments/outgoing"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

type payRequest struct {
	sendAsset    string
	receiveAsset string
	scale        uint8
	amount       string
	timeout      time.Duration
}

func parseAndValidateFlags() (*payRequest, error) {
	sendFlag := flag.String("send-asset", "", "Asset the sender pays in, e.g. USD (required)")
	receiveFlag := flag.String("receive-asset", "", "Asset the receiver is paid in (default: send asset)")
	scaleFlag := flag.Uint("scale", 2, "Scale of both assets")
	amountFlag := flag.String("amount", "", "Amount the receiver should get, in major units (required)")
	timeoutFlag := flag.Duration("timeout", time.Minute, "How long to wait for the payment to finish")
	flag.Parse()

	if *sendFlag == "" || *amountFlag == "" {
		return nil, fmt.Errorf("flags are required: --send-asset, --amount")
	}
	if *scaleFlag > 255 {
		return nil, fmt.Errorf("invalid scale %d", *scaleFlag)
	}
	if *receiveFlag == "" {
		receiveFlag = sendFlag
	}

	return &payRequest{
		sendAsset:    strings.ToUpper(*sendFlag),
		receiveAsset: strings.ToUpper(*receiveFlag),
		scale:        uint8(*scaleFlag),
		amount:       *amountFlag,
		timeout:      *timeoutFlag,
	}, nil
}

// drive runs the outgoing worker inline until the payment reaches want or a
// terminal state.
func drive(ctx context.Context, services *common.Services, id uuid.UUID, want models.OutgoingPaymentState) (*models.OutgoingPayment, error) {
	for {
		payment, err := services.Outgoing.Get(ctx, id)
		if err != nil {
			return nil, err
		}
		if payment.State == want || payment.State.Terminal() {
			return payment, nil
		}

		processed, err := services.Outgoing.Poll(ctx)
		if err != nil {
			zap.L().Warn("Outgoing payment iteration failed", zap.Error(err))
		}
		if _, err := services.Incoming.Poll(ctx); err != nil {
			zap.L().Warn("Incoming payment iteration failed", zap.Error(err))
		}
		if !processed {
			select {
			case <-ctx.Done():
				return payment, ctx.Err()
			case <-time.After(100 * time.Millisecond):
			}
		}
	}
}

func main() {
	_, loggerCleanup := common.InitializeLogger()
	defer loggerCleanup()

	req, err := parseAndValidateFlags()
	if err != nil {
		zap.L().Fatal("Invalid flags", zap.Error(err))
	}

	cfg, err := config.Load()
	if err != nil {
		zap.L().Fatal("Failed to load config", zap.Error(err))
	}

	ctx, cancel := context.WithTimeout(context.Background(), req.timeout)
	defer cancel()

	services, err := common.InitializeServices(ctx, cfg)
	if err != nil {
		zap.L().Fatal("Failed to initialize services", zap.Error(err))
	}
	defer services.Close()

	sendAsset, err := services.DbService.GetAssetByCode(ctx, req.sendAsset, req.scale)
	if err != nil {
		zap.L().Fatal("Unknown send asset, run setup first", zap.String("asset", req.sendAsset), zap.Error(err))
	}
	receiveAsset, err := services.DbService.GetAssetByCode(ctx, req.receiveAsset, req.scale)
	if err != nil {
		zap.L().Fatal("Unknown receive asset, run setup first", zap.String("asset", req.receiveAsset), zap.Error(err))
	}

	amount, err := common.ParseAmount(req.amount, req.scale)
	if err != nil {
		zap.L().Fatal("Invalid amount", zap.Error(err))
	}

	incomingPayment, err := services.Incoming.Create(ctx, incoming.CreateOptions{
		WalletAccountId: uuid.New(),
		Asset:           *receiveAsset,
		IncomingAmount:  &amount,
	})
	if err != nil {
		zap.L().Fatal("Failed to create incoming payment", zap.Error(err))
	}
	receiverUrl := services.Incoming.Url(incomingPayment.Id)

	payment, err := services.Outgoing.Create(ctx, outgoing.CreateOptions{
		WalletAccountId: uuid.New(),
		Asset:           *sendAsset,
		Receiver:        receiverUrl,
		Authorized:      true,
	})
	if err != nil {
		zap.L().Fatal("Failed to create outgoing payment", zap.Error(err))
	}

	payment, err = drive(ctx, services, payment.Id, models.OutgoingPaymentStateFunding)
	if err != nil {
		zap.L().Fatal("Outgoing payment did not reach funding", zap.Error(err))
	}
	if payment.State == models.OutgoingPaymentStateFunding {
		payment, err = services.Outgoing.Fund(ctx, outgoing.FundOptions{PaymentId: payment.Id, Amount: payment.Quote.SendAmount})
		if err != nil {
			zap.L().Fatal("Failed to fund outgoing payment", zap.Error(err))
		}
		payment, err = drive(ctx, services, payment.Id, models.OutgoingPaymentStateCompleted)
		if err != nil {
			zap.L().Fatal("Outgoing payment did not finish", zap.Error(err))
		}
	}

	received, err := services.Incoming.Get(ctx, incomingPayment.Id)
	if err != nil {
		zap.L().Fatal("Failed to load incoming payment", zap.Error(err))
	}

	common.PrintHeader("LOCAL PAYMENT", common.DefaultWidth)
	fmt.Printf("Receiver:  %s\n", receiverUrl)
	fmt.Printf("Outgoing:  %s (%s)\n", payment.Id, payment.State)
	if payment.Error != nil {
		fmt.Printf("Error:     %s\n", *payment.Error)
	}
	fmt.Printf("Sent:      %s %s\n", common.FormatAmount(payment.SentAmount, sendAsset.Scale), sendAsset.Code)
	fmt.Printf("Received:  %s %s (%s)\n", common.FormatAmount(received.ReceivedAmount, receiveAsset.Scale), receiveAsset.Code, received.State)
	common.PrintFooter("Done", common.DefaultWidth)
}
