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

package worker

import (
	"context"
	"sync"
	"time"

	"ilp-ledger-go/internal/metrics"

	"go.uber.org/zap"
)

// ProcessFunc handles at most one unit of work. It reports whether anything
// was processed so the poller can keep draining without sleeping.
type ProcessFunc func(ctx context.Context) (processed bool, err error)

// Poller calls a ProcessFunc in a loop, sleeping for the poll interval once
// there is nothing left to do or after an error.
type Poller struct {
	name     string
	interval time.Duration
	process  ProcessFunc
	metrics  *metrics.Collector

	stopOnce sync.Once
	stopChan chan struct{}
	doneChan chan struct{}
}

func NewPoller(name string, interval time.Duration, process ProcessFunc, collector *metrics.Collector) *Poller {
	if interval <= 0 {
		interval = time.Second
	}
	return &Poller{
		name:     name,
		interval: interval,
		process:  process,
		metrics:  collector,
		stopChan: make(chan struct{}),
		doneChan: make(chan struct{}),
	}
}

// Start runs the poll loop in the background until Stop is called or ctx ends.
func (p *Poller) Start(ctx context.Context) {
	go func() {
		_ = p.Run(ctx)
	}()
}

// Stop ends the poll loop and waits for the in-flight iteration to finish.
func (p *Poller) Stop() {
	zap.L().Info("Stopping worker", zap.String("worker", p.name))
	p.stopOnce.Do(func() { close(p.stopChan) })
	<-p.doneChan
	zap.L().Info("Worker stopped", zap.String("worker", p.name))
}

// Run blocks in the poll loop. It returns nil once stopped or ctx ends.
func (p *Poller) Run(ctx context.Context) error {
	defer close(p.doneChan)

	zap.L().Info("Worker started",
		zap.String("worker", p.name),
		zap.Duration("poll_interval", p.interval))

	timer := time.NewTimer(0)
	defer timer.Stop()

	for {
		select {
		case <-timer.C:
		case <-p.stopChan:
			return nil
		case <-ctx.Done():
			return nil
		}

		processed, err := p.process(ctx)
		switch {
		case err != nil:
			p.metrics.RecordWorkerIteration(p.name, "error")
			zap.L().Error("Worker iteration failed",
				zap.String("worker", p.name),
				zap.Error(err))
			timer.Reset(p.interval)
		case processed:
			p.metrics.RecordWorkerIteration(p.name, "processed")
			timer.Reset(0)
		default:
			p.metrics.RecordWorkerIteration(p.name, "idle")
			timer.Reset(p.interval)
		}
	}
}
