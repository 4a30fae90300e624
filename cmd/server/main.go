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
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"ilp-ledger-go/internal/common"
	"ilp-ledger-go/internal/config"
	"ilp-ledger-go/internal/worker"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

func main() {
	assetsFile := flag.String("assets", "", "Optional path to assets.yaml to register before starting (default: ASSETS_FILE)")
	flag.Parse()

	cfg, err := config.Load()
	if err != nil {
		_, _ = zap.NewProduction()
		zap.L().Fatal("Failed to load configuration", zap.Error(err))
	}
	if *assetsFile != "" {
		cfg.AssetsFile = *assetsFile
	}

	_, loggerCleanup := common.InitializeLogger()
	defer loggerCleanup()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	zap.L().Info("Starting ILP ledger server",
		zap.String("ilp_address", cfg.Connector.IlpAddress),
		zap.String("database_driver", cfg.Database.Driver))

	services, err := common.InitializeServices(ctx, cfg)
	if err != nil {
		zap.L().Fatal("Failed to initialize services", zap.Error(err))
	}
	defer services.Close()

	if assets, err := common.LoadAssetConfig(cfg.AssetsFile); err != nil {
		zap.L().Warn("No asset catalogue loaded", zap.String("file", cfg.AssetsFile), zap.Error(err))
	} else if _, err := common.EnsureAssets(ctx, services.DbService, services.Accounting, assets); err != nil {
		zap.L().Fatal("Failed to register assets", zap.Error(err))
	}

	pollers := []*worker.Poller{
		worker.NewPoller("ledger_expiry", cfg.Connector.ExpirySweepInterval, services.Accounting.ExpireTransfers, services.Metrics),
		worker.NewPoller("incoming_payments", cfg.Incoming.PollInterval, services.Incoming.Poll, services.Metrics),
		worker.NewPoller("webhooks", cfg.Webhook.PollInterval, services.Webhooks.Poll, services.Metrics),
	}
	for i := 0; i < max(cfg.Outgoing.Workers, 1); i++ {
		pollers = append(pollers, worker.NewPoller(fmt.Sprintf("outgoing_payments_%d", i), cfg.Outgoing.PollInterval, services.Outgoing.Poll, services.Metrics))
	}
	if services.Exporter != nil {
		pollers = append(pollers, worker.NewPoller("formance_export", cfg.Formance.PollInterval, services.Exporter.ExportNext, services.Metrics))
	}

	g, gctx := errgroup.WithContext(ctx)
	for _, p := range pollers {
		p := p
		g.Go(func() error {
			return p.Run(gctx)
		})
	}
	if services.Metrics != nil {
		g.Go(func() error {
			return services.Metrics.Serve(gctx, cfg.Metrics.Addr)
		})
	}

	zap.L().Info("All workers running", zap.Int("pollers", len(pollers)))
	zap.L().Info("Press Ctrl+C to stop")

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	select {
	case <-sigChan:
		zap.L().Info("Shutdown signal received, stopping all workers...")
	case <-gctx.Done():
		zap.L().Error("Worker exited unexpectedly, shutting down")
	}
	cancel()

	done := make(chan error, 1)
	go func() {
		done <- g.Wait()
	}()

	select {
	case err := <-done:
		if err != nil && !errors.Is(err, context.Canceled) {
			zap.L().Error("Workers stopped with error", zap.Error(err))
			return
		}
		zap.L().Info("All workers stopped gracefully")
	case <-time.After(30 * time.Second):
		zap.L().Warn("Forced shutdown after timeout")
	}
}
