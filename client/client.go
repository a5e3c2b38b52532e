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

// Package client starts, signals, queries and observes workflow
// executions. It writes intents into the event log and reads outcomes back
// out of it; workers do everything in between.
package client

import (
	"context"
	stderrors "errors"
	"fmt"
	"log/slog"
	"reflect"

	"github.com/gofrs/uuid/v5"

	"github.com/everflow-io/everflow/api"
	"github.com/everflow-io/everflow/api/serde"
	"github.com/everflow-io/everflow/history"
	"github.com/everflow-io/everflow/internal/errors"
	"github.com/everflow-io/everflow/internal/fn"
	"github.com/everflow-io/everflow/replay"
)

// QueryService answers read-only queries against a running execution. The
// worker implements it; remote deployments put a transport in between.
type QueryService interface {
	Query(ctx context.Context, exec api.Execution, name string) (any, error)
}

// clientStore is what the client needs from the event store.
type clientStore interface {
	history.Store
	history.Watcher
}

// Options tune a client.
type Options struct {
	// Serde overrides the payload codec. Nil means msgpack.
	Serde serde.BinarySerde

	// Querier answers QueryWorkflow calls. Nil disables queries.
	Querier QueryService

	Logger *slog.Logger
}

// Client is safe for concurrent use.
type Client struct {
	store   clientStore
	conv    *serde.TypeConverter
	querier QueryService
	logger  *slog.Logger
}

func New(store clientStore, opts Options) *Client {
	codec := opts.Serde
	if codec == nil {
		codec = &serde.MsgpackSerde{}
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Client{
		store:   store,
		conv:    serde.NewTypeConverter(codec),
		querier: opts.Querier,
		logger:  logger,
	}
}

// StartOptions tune one workflow start.
type StartOptions struct {
	// WorkflowID names the execution across runs. Empty means a fresh
	// UUID.
	WorkflowID api.WorkflowID
}

// StartWorkflow records a new execution and returns a handle to it. The
// first event of the run is WorkflowStarted; a worker picks it up from
// there.
func (c *Client) StartWorkflow(ctx context.Context, f any, args ...any) (*Handle, error) {
	return c.StartWorkflowWithOptions(ctx, StartOptions{}, f, args...)
}

func (c *Client) StartWorkflowWithOptions(ctx context.Context, opts StartOptions, f any, args ...any) (*Handle, error) {
	name, err := fn.FullName(f)
	if err != nil {
		return nil, fmt.Errorf("start workflow: %w", err)
	}

	workflowID := opts.WorkflowID
	if workflowID == "" {
		workflowID = api.WorkflowID(uuid.Must(uuid.NewV7()).String())
	}
	exec := api.Execution{
		WorkflowID: workflowID,
		RunID:      api.RunID(uuid.Must(uuid.NewV7()).String()),
	}

	// A fresh RunID means the log must be empty; expected-last zero makes
	// an accidental collision a hard error instead of a corrupted run.
	_, err = c.store.Append(ctx, exec, &api.WorkflowStarted{
		Execution:      exec,
		WorkflowFnName: name,
		Input:          args,
	}, history.WithExpectedLast(0))
	if err != nil {
		return nil, fmt.Errorf("start workflow %s: %w", workflowID, err)
	}

	c.logger.Info("workflow started",
		"workflow_id", exec.WorkflowID, "run_id", exec.RunID, "workflow", name)
	return &Handle{client: c, exec: exec}, nil
}

// SignalWorkflow delivers a named payload to a running execution. Signals
// to a terminal execution are rejected.
func (c *Client) SignalWorkflow(ctx context.Context, exec api.Execution, name string, payload any) error {
	return c.appendGuarded(ctx, exec, func() api.WorkflowEvent {
		return &api.SignalReceived{Execution: exec, SignalName: name, Payload: payload}
	}, "signal")
}

// CancelWorkflow records a cancel request. Delivery is cooperative: the
// workflow observes it at its next blocking operation or CancelRequested
// check.
func (c *Client) CancelWorkflow(ctx context.Context, exec api.Execution, reason string) error {
	return c.appendGuarded(ctx, exec, func() api.WorkflowEvent {
		return &api.WorkflowCancelRequested{Execution: exec, Reason: reason}
	}, "cancel")
}

// QueryWorkflow runs a named query and decodes the answer into valuePtr.
// Queries never append events.
func (c *Client) QueryWorkflow(ctx context.Context, exec api.Execution, name string, valuePtr any) error {
	if c.querier == nil {
		return fmt.Errorf("query workflow: no query service configured")
	}
	res, err := c.querier.Query(ctx, exec, name)
	if err != nil {
		return err
	}
	return c.assignOne(res, valuePtr)
}

// GetHandle rebuilds a handle for a known execution.
func (c *Client) GetHandle(exec api.Execution) *Handle {
	return &Handle{client: c, exec: exec}
}

// appendGuarded appends an event only while the execution is live,
// retrying the read-check-append cycle on concurrent writes.
func (c *Client) appendGuarded(ctx context.Context, exec api.Execution, build func() api.WorkflowEvent, op string) error {
	for attempt := 0; attempt < 5; attempt++ {
		records, err := c.store.History(ctx, exec, 0)
		if err != nil {
			return fmt.Errorf("%s %s: %w", op, exec, err)
		}
		state, err := replay.Fold(records)
		if err != nil {
			return fmt.Errorf("%s %s: %w", op, exec, err)
		}
		if state.Terminal() {
			return fmt.Errorf("%s %s: execution already %s", op, exec, state.Status)
		}

		_, err = c.store.Append(ctx, exec, build(), history.WithExpectedLast(state.LastEventID))
		if err == nil {
			return nil
		}
		if stderrors.Is(err, errors.ErrSequenceConflict) {
			continue
		}
		return fmt.Errorf("%s %s: %w", op, exec, err)
	}
	return fmt.Errorf("%s %s: %w", op, exec, errors.ErrSequenceConflict)
}

func (c *Client) assignOne(value any, ptr any) error {
	if ptr == nil {
		return nil
	}
	rv := reflect.ValueOf(ptr)
	if rv.Kind() != reflect.Ptr || rv.IsNil() {
		return fmt.Errorf("client: destination must be a non-nil pointer, got %T", ptr)
	}
	converted, err := c.conv.ConvertToType(value, rv.Type().Elem())
	if err != nil {
		return fmt.Errorf("client: cannot decode payload: %w", err)
	}
	rv.Elem().Set(converted)
	return nil
}
