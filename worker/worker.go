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

// Package worker hosts workflow and activity execution: it leases tasks
// from the queues, runs them under a concurrency limit, and projects
// history into new tasks.
package worker

import (
	"context"
	stderrors "errors"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/everflow-io/everflow/api"
	"github.com/everflow-io/everflow/api/serde"
	"github.com/everflow-io/everflow/taskqueue"
	"github.com/everflow-io/everflow/workflow"
)

// Options tune a worker.
type Options struct {
	// Concurrency caps in-flight tasks per queue. Zero means 64.
	Concurrency int

	// DefaultRetryPolicy applies to activities scheduled without one.
	DefaultRetryPolicy *api.RetryPolicy

	// DefaultActivityTimeout is the start-to-close deadline for
	// activities scheduled without one. Zero means one minute.
	DefaultActivityTimeout time.Duration

	// Serde overrides the payload codec. Nil means msgpack.
	Serde serde.BinarySerde
}

// Worker executes registered workflows and activities against one pair of
// task queues.
type Worker struct {
	registry  *Registry
	runner    *workflow.Runner
	executor  *ActivityExecutor
	projector *Projector

	workflowQ taskqueue.Queue
	activityQ taskqueue.Queue

	logger      *slog.Logger
	concurrency int
}

// New wires a worker over the given store and queues.
func New(store projectorStore, workflowQ, activityQ taskqueue.Queue, logger *slog.Logger, opts Options) *Worker {
	if logger == nil {
		logger = slog.Default()
	}
	if opts.Concurrency <= 0 {
		opts.Concurrency = 64
	}
	if opts.DefaultRetryPolicy == nil {
		opts.DefaultRetryPolicy = api.DefaultRetryPolicy()
	}
	if opts.DefaultActivityTimeout <= 0 {
		opts.DefaultActivityTimeout = time.Minute
	}
	codec := opts.Serde
	if codec == nil {
		codec = &serde.MsgpackSerde{}
	}
	conv := serde.NewTypeConverter(codec)

	registry := NewRegistry()
	runner := workflow.NewRunner(store, conv, registry, logger, workflow.ActivityOptions{
		RetryPolicy:         opts.DefaultRetryPolicy,
		StartToCloseTimeout: opts.DefaultActivityTimeout,
	})
	executor := NewActivityExecutor(store, conv, registry, logger,
		opts.DefaultRetryPolicy, opts.DefaultActivityTimeout)
	projector := NewProjector(store, workflowQ, activityQ, logger)

	return &Worker{
		registry:    registry,
		runner:      runner,
		executor:    executor,
		projector:   projector,
		workflowQ:   workflowQ,
		activityQ:   activityQ,
		logger:      logger,
		concurrency: opts.Concurrency,
	}
}

// RegisterWorkflow registers a workflow function for execution on this
// worker. Must happen before Run.
func (w *Worker) RegisterWorkflow(f any) error { return w.registry.RegisterWorkflow(f) }

// RegisterActivity registers an activity function for execution on this
// worker. Must happen before Run.
func (w *Worker) RegisterActivity(f any) error { return w.registry.RegisterActivity(f) }

// Query answers a read-only query against an execution's current state.
// Implements the client's query transport for in-process deployments.
func (w *Worker) Query(ctx context.Context, exec api.Execution, name string) (any, error) {
	return w.runner.Query(ctx, exec, name)
}

// Run blocks until ctx is done, then drains in-flight tasks before
// returning.
func (w *Worker) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error { return ignoreCancel(w.projector.Run(ctx)) })
	g.Go(func() error { return w.consume(ctx, w.workflowQ, w.handleTask) })
	g.Go(func() error { return w.consume(ctx, w.activityQ, w.handleTask) })

	w.logger.Info("worker started", "concurrency", w.concurrency)
	return g.Wait()
}

func (w *Worker) consume(ctx context.Context, q taskqueue.Queue, handle func(context.Context, api.Task) error) error {
	pool := new(errgroup.Group)
	pool.SetLimit(w.concurrency)

	for {
		delivery, err := q.Dequeue(ctx)
		if err != nil {
			if ctx.Err() != nil {
				break
			}
			w.logger.Error("dequeue failed", "error", err)
			continue
		}

		pool.Go(func() error {
			if err := handle(ctx, delivery.Task); err != nil {
				if ctx.Err() == nil {
					w.logger.Warn("task failed, requeueing",
						"execution", delivery.Task.TaskExecution(), "error", err)
				}
				if nerr := delivery.Nak(0); nerr != nil {
					w.logger.Error("nak failed", "error", nerr)
				}
				return nil
			}
			if aerr := delivery.Ack(); aerr != nil {
				w.logger.Error("ack failed", "error", aerr)
			}
			return nil
		})
	}

	// Drain: let leased tasks finish.
	return pool.Wait()
}

func (w *Worker) handleTask(ctx context.Context, task api.Task) error {
	switch t := task.(type) {
	case *api.WorkflowTask:
		return w.runner.RunTask(ctx, t)
	case *api.ActivityTask:
		return w.executor.Execute(ctx, t)
	default:
		w.logger.Error("unknown task type dropped", "execution", task.TaskExecution())
		return nil
	}
}

func ignoreCancel(err error) error {
	if err == nil || stderrors.Is(err, context.Canceled) || stderrors.Is(err, context.DeadlineExceeded) {
		return nil
	}
	return err
}
