// Copyright 2025 The Everflow Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Command everflow-server runs a worker node against NATS JetStream: it
// hosts the registered workflows and activities, projects history into
// tasks, and drains gracefully on SIGINT/SIGTERM.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/everflow-io/everflow/api/serde"
	"github.com/everflow-io/everflow/examples/order"
	"github.com/everflow-io/everflow/history"
	"github.com/everflow-io/everflow/internal/config"
	"github.com/everflow-io/everflow/internal/logger"
	"github.com/everflow-io/everflow/internal/natz"
	"github.com/everflow-io/everflow/taskqueue"
	"github.com/everflow-io/everflow/worker"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, "everflow-server:", err)
		os.Exit(1)
	}
}

func run() error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	log, err := logger.New(ctx, &logger.Options{
		Debug:          cfg.Mode == config.ModeDebug,
		Level:          cfg.LogLevel(),
		OTELExporter:   cfg.Logger.OTELExporter,
		ServiceName:    cfg.Service,
		ServiceVersion: cfg.Version,
	})
	if err != nil {
		return fmt.Errorf("build logger: %w", err)
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = log.Shutdown(shutdownCtx)
	}()
	slogger := log.Slogger

	conn, err := natz.Connect(cfg, slogger)
	if err != nil {
		return err
	}
	defer conn.Close()
	slogger.Info("connected to NATS", "url", cfg.NATS.URL)

	codec := &serde.MsgpackSerde{}

	store, err := history.NewJetStream(ctx, conn, codec)
	if err != nil {
		return fmt.Errorf("event store: %w", err)
	}
	workflowQ, err := taskqueue.NewJetStreamWorkflowQueue(ctx, conn, codec)
	if err != nil {
		return fmt.Errorf("workflow queue: %w", err)
	}
	activityQ, err := taskqueue.NewJetStreamActivityQueue(ctx, conn, codec)
	if err != nil {
		return fmt.Errorf("activity queue: %w", err)
	}

	w := worker.New(store, workflowQ, activityQ, slogger, worker.Options{
		Concurrency: cfg.Worker.Concurrency,
		Serde:       codec,
	})

	if err := registerExamples(w); err != nil {
		return err
	}

	runCtx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- w.Run(runCtx) }()

	select {
	case <-ctx.Done():
		slogger.Info("shutting down", "drain_timeout", cfg.Worker.DrainTimeout)
		cancel()
		select {
		case err := <-done:
			return err
		case <-time.After(cfg.Worker.DrainTimeout):
			return fmt.Errorf("drain timed out after %s", cfg.Worker.DrainTimeout)
		}
	case err := <-done:
		cancel()
		return err
	}
}

func registerExamples(w *worker.Worker) error {
	if err := w.RegisterWorkflow(order.Process); err != nil {
		return err
	}
	for _, a := range []any{order.ChargePayment, order.RefundPayment, order.ShipOrder} {
		if err := w.RegisterActivity(a); err != nil {
			return err
		}
	}
	return nil
}
