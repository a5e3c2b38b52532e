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

package worker

import (
	"context"
	"fmt"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/everflow-io/everflow/activity"
	"github.com/everflow-io/everflow/api"
	"github.com/everflow-io/everflow/api/serde"
	"github.com/everflow-io/everflow/history"
	"github.com/everflow-io/everflow/internal/fn"
)

var execExec = api.Execution{WorkflowID: "wf-exec", RunID: "run-exec"}

type executorEnv struct {
	store    *history.Memory
	registry *Registry
	executor *ActivityExecutor
}

func newExecutorEnv(t *testing.T) *executorEnv {
	t.Helper()
	store := history.NewMemory(nil)
	registry := NewRegistry()
	conv := serde.NewTypeConverter(&serde.MsgpackSerde{})
	executor := NewActivityExecutor(store, conv, registry, nil, nil, time.Second)
	return &executorEnv{store: store, registry: registry, executor: executor}
}

// schedule registers f and records WorkflowStarted + ActivityScheduled,
// returning the task a projector would emit.
func (e *executorEnv) schedule(t *testing.T, f any, policy *api.RetryPolicy, timeout time.Duration, args ...any) *api.ActivityTask {
	t.Helper()
	require.NoError(t, e.registry.RegisterActivity(f))

	name, err := fn.FullName(f)
	require.NoError(t, err)

	ctx := context.Background()
	_, err = e.store.Append(ctx, execExec, &api.WorkflowStarted{Execution: execExec, WorkflowFnName: "flows.Test"})
	require.NoError(t, err)
	_, err = e.store.Append(ctx, execExec, &api.ActivityScheduled{
		Execution:             execExec,
		ActivityID:            "activity-1",
		ActivityFnName:        name,
		Input:                 args,
		RetryPolicy:           policy,
		StartToCloseTimeoutMs: timeout.Milliseconds(),
	})
	require.NoError(t, err)

	return &api.ActivityTask{
		Execution:             execExec,
		ActivityID:            "activity-1",
		ActivityFn:            name,
		Input:                 args,
		RetryPolicy:           policy,
		StartToCloseTimeoutMs: timeout.Milliseconds(),
	}
}

func (e *executorEnv) eventNames(t *testing.T) []string {
	t.Helper()
	records, err := e.store.History(context.Background(), execExec, 0)
	require.NoError(t, err)
	names := make([]string, 0, len(records))
	for _, rec := range records {
		names = append(names, rec.Event.EventName())
	}
	return names
}

func (e *executorEnv) lastFailure(t *testing.T) *api.ActivityFailed {
	t.Helper()
	records, err := e.store.History(context.Background(), execExec, 0)
	require.NoError(t, err)
	for i := len(records) - 1; i >= 0; i-- {
		if f, ok := records[i].Event.(*api.ActivityFailed); ok {
			return f
		}
	}
	t.Fatal("no ActivityFailed recorded")
	return nil
}

func fastPolicy(attempts int32) *api.RetryPolicy {
	return &api.RetryPolicy{
		InitialInterval:    time.Millisecond,
		BackoffCoefficient: 2.0,
		MaximumInterval:    5 * time.Millisecond,
		MaximumAttempts:    attempts,
	}
}

func TestExecute_SucceedsFirstAttempt(t *testing.T) {
	e := newExecutorEnv(t)
	ok := func(ctx context.Context, orderID string) (string, error) {
		return "pay-" + orderID, nil
	}
	task := e.schedule(t, ok, fastPolicy(3), time.Second, "o1")

	require.NoError(t, e.executor.Execute(context.Background(), task))

	assert.Equal(t, []string{
		"workflow/started", "activity/scheduled", "activity/started", "activity/completed",
	}, e.eventNames(t))
}

func TestExecute_RetriesThenSucceeds(t *testing.T) {
	e := newExecutorEnv(t)
	var calls atomic.Int32
	flaky := func(ctx context.Context) (string, error) {
		if calls.Add(1) == 1 {
			return "", fmt.Errorf("transient")
		}
		return "done", nil
	}
	task := e.schedule(t, flaky, fastPolicy(3), time.Second)

	require.NoError(t, e.executor.Execute(context.Background(), task))

	assert.Equal(t, []string{
		"workflow/started",
		"activity/scheduled",
		"activity/started",
		"activity/failed",
		"activity/started",
		"activity/completed",
	}, e.eventNames(t))
	assert.Equal(t, int32(2), calls.Load())

	failed := e.lastFailure(t)
	assert.False(t, failed.Final)
	assert.Equal(t, int32(1), failed.Attempt)
}

func TestExecute_ExhaustsAttempts(t *testing.T) {
	e := newExecutorEnv(t)
	var calls atomic.Int32
	always := func(ctx context.Context) error {
		calls.Add(1)
		return fmt.Errorf("boom")
	}
	task := e.schedule(t, always, fastPolicy(3), time.Second)

	require.NoError(t, e.executor.Execute(context.Background(), task))

	assert.Equal(t, int32(3), calls.Load())
	failed := e.lastFailure(t)
	assert.True(t, failed.Final)
	assert.Equal(t, api.FailureReasonMaxAttempts, failed.Reason)
	assert.Equal(t, int32(3), failed.Attempt)
}

func TestExecute_NonRetryableStopsImmediately(t *testing.T) {
	e := newExecutorEnv(t)
	var calls atomic.Int32
	invalid := func(ctx context.Context) error {
		calls.Add(1)
		return activity.NewNonRetryableError(fmt.Errorf("bad input"))
	}
	task := e.schedule(t, invalid, fastPolicy(5), time.Second)

	require.NoError(t, e.executor.Execute(context.Background(), task))

	assert.Equal(t, int32(1), calls.Load())
	failed := e.lastFailure(t)
	assert.True(t, failed.Final)
	assert.Equal(t, api.FailureReasonNonRetryable, failed.Reason)
}

func TestExecute_TimeoutIsRetryable(t *testing.T) {
	e := newExecutorEnv(t)
	var calls atomic.Int32
	slowOnce := func(ctx context.Context) error {
		if calls.Add(1) == 1 {
			select {
			case <-time.After(time.Second):
			case <-ctx.Done():
			}
			return ctx.Err()
		}
		return nil
	}
	task := e.schedule(t, slowOnce, fastPolicy(3), 20*time.Millisecond)

	require.NoError(t, e.executor.Execute(context.Background(), task))

	names := e.eventNames(t)
	assert.Equal(t, "activity/completed", names[len(names)-1])
	failed := e.lastFailure(t)
	assert.Equal(t, api.FailureReasonTimeout, failed.Reason)
	assert.False(t, failed.Final)
}

func TestExecute_HeartbeatResetsDeadline(t *testing.T) {
	e := newExecutorEnv(t)
	// Runs 5x40ms against an 80ms deadline; only heartbeats keep it alive.
	beater := func(ctx context.Context) (string, error) {
		for i := 0; i < 5; i++ {
			select {
			case <-time.After(40 * time.Millisecond):
				activity.RecordHeartbeat(ctx)
			case <-ctx.Done():
				return "", ctx.Err()
			}
		}
		return "finished", nil
	}
	task := e.schedule(t, beater, fastPolicy(1), 80*time.Millisecond)

	require.NoError(t, e.executor.Execute(context.Background(), task))

	names := e.eventNames(t)
	assert.Equal(t, "activity/completed", names[len(names)-1])
}

func TestExecute_DuplicateDeliveryIsNoop(t *testing.T) {
	e := newExecutorEnv(t)
	var calls atomic.Int32
	once := func(ctx context.Context) error {
		calls.Add(1)
		return nil
	}
	task := e.schedule(t, once, fastPolicy(1), time.Second)

	require.NoError(t, e.executor.Execute(context.Background(), task))
	require.NoError(t, e.executor.Execute(context.Background(), task))

	assert.Equal(t, int32(1), calls.Load())
}

func TestExecute_CancelledBeforeStart(t *testing.T) {
	e := newExecutorEnv(t)
	never := func(ctx context.Context) error {
		t.Error("activity must not run after cancel")
		return nil
	}
	task := e.schedule(t, never, fastPolicy(3), time.Second)

	_, err := e.store.Append(context.Background(), execExec,
		&api.WorkflowCancelRequested{Execution: execExec, Reason: "operator"})
	require.NoError(t, err)

	require.NoError(t, e.executor.Execute(context.Background(), task))

	failed := e.lastFailure(t)
	assert.True(t, failed.Final)
	assert.Equal(t, api.FailureReasonCancelled, failed.Reason)
}

func TestExecute_PolicyTypeNameMatch(t *testing.T) {
	e := newExecutorEnv(t)
	var calls atomic.Int32
	// Matching is by error type name through the unwrap chain.
	boom := func(ctx context.Context) error {
		calls.Add(1)
		return fmt.Errorf("wrapped: %w", &validationError{})
	}
	policy := fastPolicy(5)
	policy.NonRetryableErrorTypes = []string{"worker.validationError"}
	task := e.schedule(t, boom, policy, time.Second)

	require.NoError(t, e.executor.Execute(context.Background(), task))

	assert.Equal(t, int32(1), calls.Load())
	assert.Equal(t, api.FailureReasonNonRetryable, e.lastFailure(t).Reason)
}

type validationError struct{}

func (*validationError) Error() string { return "validation failed" }
