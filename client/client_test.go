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

package client_test

import (
	"context"
	"fmt"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/everflow-io/everflow/api"
	"github.com/everflow-io/everflow/client"
	"github.com/everflow-io/everflow/history"
	"github.com/everflow-io/everflow/taskqueue"
	"github.com/everflow-io/everflow/worker"
	"github.com/everflow-io/everflow/workflow"
)

type engine struct {
	client *client.Client
	worker *worker.Worker
	store  *history.Memory
}

// startEngine boots a single-node engine on in-memory store and queues and
// runs the worker until the test ends.
func startEngine(t *testing.T) *engine {
	t.Helper()

	store := history.NewMemory(nil)
	workflowQ := taskqueue.NewMemory(0)
	activityQ := taskqueue.NewMemory(0)

	w := worker.New(store, workflowQ, activityQ, nil, worker.Options{
		Concurrency: 8,
		DefaultRetryPolicy: &api.RetryPolicy{
			InitialInterval:    time.Millisecond,
			BackoffCoefficient: 2.0,
			MaximumInterval:    5 * time.Millisecond,
			MaximumAttempts:    3,
		},
		DefaultActivityTimeout: 2 * time.Second,
	})

	runCtx, stop := context.WithCancel(context.Background())
	done := make(chan struct{})
	t.Cleanup(func() {
		stop()
		select {
		case <-done:
		case <-time.After(5 * time.Second):
			t.Log("worker did not drain in time")
		}
	})
	go func() {
		defer close(done)
		_ = w.Run(runCtx)
	}()

	c := client.New(store, client.Options{Querier: w})
	return &engine{client: c, worker: w, store: store}
}

func (e *engine) eventNames(t *testing.T, exec api.Execution) []string {
	t.Helper()
	records, err := e.store.History(context.Background(), exec, 0)
	require.NoError(t, err)
	names := make([]string, 0, len(records))
	for _, rec := range records {
		names = append(names, rec.Event.EventName())
	}
	return names
}

func testCtx(t *testing.T) context.Context {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	t.Cleanup(cancel)
	return ctx
}

// --- flows under test ---

var flakyCalls atomic.Int32

func flakyCharge(ctx context.Context, orderID string) (string, error) {
	if flakyCalls.Add(1) == 1 {
		return "", fmt.Errorf("payment provider hiccup")
	}
	return "pay-" + orderID, nil
}

func paymentFlow(ctx workflow.Context, orderID string) (string, error) {
	var paymentID string
	if err := ctx.ExecuteActivity(flakyCharge, orderID).Get(&paymentID); err != nil {
		return "", err
	}
	return paymentID, nil
}

func approvalFlow(ctx workflow.Context) (string, error) {
	phase := "waiting"
	if err := ctx.SetQueryHandler("phase", func() (any, error) {
		return phase, nil
	}); err != nil {
		return "", err
	}

	var first, second string
	if err := ctx.AwaitSignal("approval", &first); err != nil {
		return "", err
	}
	phase = "half-approved"
	if err := ctx.AwaitSignal("approval", &second); err != nil {
		return "", err
	}
	phase = "approved"
	return first + "+" + second, nil
}

func napFlow(ctx workflow.Context) (string, error) {
	if err := ctx.Sleep(30 * time.Millisecond); err != nil {
		return "", err
	}
	return "rested", nil
}

func patientFlow(ctx workflow.Context) (string, error) {
	var v string
	if err := ctx.AwaitSignal("never", &v); err != nil {
		return "", err
	}
	return v, nil
}

// --- tests ---

func TestEndToEnd_ActivityRetryEventSequence(t *testing.T) {
	e := startEngine(t)
	require.NoError(t, e.worker.RegisterWorkflow(paymentFlow))
	require.NoError(t, e.worker.RegisterActivity(flakyCharge))
	flakyCalls.Store(0)

	ctx := testCtx(t)
	h, err := e.client.StartWorkflow(ctx, paymentFlow, "o1")
	require.NoError(t, err)

	var paymentID string
	require.NoError(t, h.GetResult(ctx, &paymentID))
	assert.Equal(t, "pay-o1", paymentID)

	assert.Equal(t, []string{
		"workflow/started",
		"activity/scheduled",
		"activity/started",
		"activity/failed",
		"activity/started",
		"activity/completed",
		"workflow/completed",
	}, e.eventNames(t, h.Execution()))
}

func TestEndToEnd_SignalsAndQuery(t *testing.T) {
	e := startEngine(t)
	require.NoError(t, e.worker.RegisterWorkflow(approvalFlow))

	ctx := testCtx(t)
	h, err := e.client.StartWorkflow(ctx, approvalFlow)
	require.NoError(t, err)

	// Wait until the workflow has suspended on the first await.
	var phase string
	require.Eventually(t, func() bool {
		return h.Query(ctx, "phase", &phase) == nil && phase == "waiting"
	}, 5*time.Second, 10*time.Millisecond)

	require.NoError(t, h.Signal(ctx, "approval", "alice"))

	require.Eventually(t, func() bool {
		return h.Query(ctx, "phase", &phase) == nil && phase == "half-approved"
	}, 5*time.Second, 10*time.Millisecond)

	before, err := e.store.LatestSequence(ctx, h.Execution())
	require.NoError(t, err)
	require.NoError(t, h.Query(ctx, "phase", &phase))
	after, err := e.store.LatestSequence(ctx, h.Execution())
	require.NoError(t, err)
	assert.Equal(t, before, after, "query must not append events")

	require.NoError(t, h.Signal(ctx, "approval", "bob"))

	var verdict string
	require.NoError(t, h.GetResult(ctx, &verdict))
	assert.Equal(t, "alice+bob", verdict)
}

func TestEndToEnd_DurableTimer(t *testing.T) {
	e := startEngine(t)
	require.NoError(t, e.worker.RegisterWorkflow(napFlow))

	ctx := testCtx(t)
	h, err := e.client.StartWorkflow(ctx, napFlow)
	require.NoError(t, err)

	var out string
	require.NoError(t, h.GetResult(ctx, &out))
	assert.Equal(t, "rested", out)

	names := e.eventNames(t, h.Execution())
	assert.Contains(t, names, "timer/started")
	assert.Contains(t, names, "timer/fired")
}

func TestEndToEnd_Cancel(t *testing.T) {
	e := startEngine(t)
	require.NoError(t, e.worker.RegisterWorkflow(patientFlow))

	ctx := testCtx(t)
	h, err := e.client.StartWorkflow(ctx, patientFlow)
	require.NoError(t, err)

	// Give the run a moment to suspend on the signal await.
	require.Eventually(t, func() bool {
		names := e.eventNames(t, h.Execution())
		return len(names) >= 1
	}, 5*time.Second, 10*time.Millisecond)

	require.NoError(t, h.Cancel(ctx, "operator request"))

	err = h.GetResult(ctx)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "cancelled")

	names := e.eventNames(t, h.Execution())
	assert.Equal(t, "workflow/failed", names[len(names)-1])
}

func TestSignalWorkflow_RejectedAfterTerminal(t *testing.T) {
	e := startEngine(t)
	require.NoError(t, e.worker.RegisterWorkflow(napFlow))

	ctx := testCtx(t)
	h, err := e.client.StartWorkflow(ctx, napFlow)
	require.NoError(t, err)
	require.NoError(t, h.GetResult(ctx))

	err = h.Signal(ctx, "anything", "x")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "already")
}

func TestStartWorkflow_ExplicitWorkflowID(t *testing.T) {
	e := startEngine(t)
	require.NoError(t, e.worker.RegisterWorkflow(napFlow))

	ctx := testCtx(t)
	h, err := e.client.StartWorkflowWithOptions(ctx, client.StartOptions{WorkflowID: "order-42"}, napFlow)
	require.NoError(t, err)

	assert.Equal(t, api.WorkflowID("order-42"), h.WorkflowID())
	assert.NotEmpty(t, h.RunID())
	require.NoError(t, h.GetResult(ctx))
}

func TestStartWorkflow_BeforeWorkerRunsIsPickedUp(t *testing.T) {
	store := history.NewMemory(nil)
	w := worker.New(store, taskqueue.NewMemory(0), taskqueue.NewMemory(0), nil, worker.Options{Concurrency: 4})
	require.NoError(t, w.RegisterWorkflow(napFlow))

	ctx := testCtx(t)
	c := client.New(store, client.Options{Querier: w})
	h, err := c.StartWorkflow(ctx, napFlow)
	require.NoError(t, err)

	// The worker comes up only after the start event is in the log; the
	// projector has to replay the backlog to produce the first task.
	runCtx, stop := context.WithCancel(context.Background())
	done := make(chan struct{})
	t.Cleanup(func() {
		stop()
		<-done
	})
	go func() {
		defer close(done)
		_ = w.Run(runCtx)
	}()

	require.NoError(t, h.GetResult(ctx))
}
