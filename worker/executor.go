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
	stderrors "errors"
	"fmt"
	"log/slog"
	"reflect"
	"time"

	"github.com/everflow-io/everflow/activity"
	"github.com/everflow-io/everflow/api"
	"github.com/everflow-io/everflow/api/serde"
	"github.com/everflow-io/everflow/history"
	"github.com/everflow-io/everflow/internal/errors"
	"github.com/everflow-io/everflow/replay"
)

// ActivityExecutor owns the whole retry loop of one activity task. The
// claiming worker runs every attempt in-process; each attempt boundary is
// recorded so a crash resumes with the correct attempt number elsewhere.
type ActivityExecutor struct {
	store    history.Store
	conv     *serde.TypeConverter
	registry *Registry
	logger   *slog.Logger

	defaultPolicy  *api.RetryPolicy
	defaultTimeout time.Duration
}

// NewActivityExecutor wires an executor. The defaults apply to tasks whose
// schedule event carries no policy or timeout.
func NewActivityExecutor(store history.Store, conv *serde.TypeConverter, registry *Registry, logger *slog.Logger, defaultPolicy *api.RetryPolicy, defaultTimeout time.Duration) *ActivityExecutor {
	if logger == nil {
		logger = slog.Default()
	}
	if defaultPolicy == nil {
		defaultPolicy = api.DefaultRetryPolicy()
	}
	if defaultTimeout <= 0 {
		defaultTimeout = time.Minute
	}
	return &ActivityExecutor{
		store:          store,
		conv:           conv,
		registry:       registry,
		logger:         logger,
		defaultPolicy:  defaultPolicy,
		defaultTimeout: defaultTimeout,
	}
}

type attemptOutcome struct {
	results []any
	err     error
}

// Execute runs the activity's retry loop to a recorded outcome. A nil
// return means a terminal activity event (completed, or final failed) is
// in the log, or was already there from an earlier delivery. A non-nil
// return means no outcome was recorded and the task should be redelivered.
func (e *ActivityExecutor) Execute(ctx context.Context, task *api.ActivityTask) error {
	records, err := e.store.History(ctx, task.Execution, 0)
	if err != nil {
		return fmt.Errorf("load history for %s: %w", task.Execution, err)
	}
	state, err := replay.Fold(records)
	if err != nil {
		return fmt.Errorf("fold history for %s: %w", task.Execution, err)
	}

	a := state.Activities[task.ActivityID]
	if a == nil {
		return fmt.Errorf("activity %s not scheduled in %s", task.ActivityID, task.Execution)
	}
	if a.Outcome != replay.OutcomePending {
		// Duplicate delivery after the outcome was recorded.
		return nil
	}

	f, ok := e.registry.ActivityFunc(a.ActivityFnName)
	if !ok {
		return fmt.Errorf("activity function %q not registered on this worker", a.ActivityFnName)
	}
	fv := reflect.ValueOf(f)
	args, err := e.buildArgs(fv.Type(), a.Input)
	if err != nil {
		// Arguments that cannot decode will never decode; record the
		// failure so the workflow sees it instead of the task spinning.
		return e.recordFinalFailure(ctx, task, a, 0, err, api.FailureReasonNonRetryable)
	}

	policy := task.RetryPolicy
	if policy == nil {
		policy = e.defaultPolicy
	}
	timeout := time.Duration(task.StartToCloseTimeoutMs) * time.Millisecond
	if timeout <= 0 {
		timeout = e.defaultTimeout
	}

	// Cancellation arrives through the log; tail it for the duration of
	// the retry loop so backoff sleeps and running attempts get cut short.
	cancelled := make(chan struct{})
	if state.CancelRequested {
		close(cancelled)
	} else if w, ok := e.store.(history.Watcher); ok {
		watchCtx, stopWatch := context.WithCancel(ctx)
		defer stopWatch()
		ch, werr := w.Watch(watchCtx, task.Execution, state.LastEventID)
		if werr == nil {
			go func() {
				for rec := range ch {
					if _, isCancel := rec.Event.(*api.WorkflowCancelRequested); isCancel {
						close(cancelled)
						return
					}
				}
			}()
		}
	}

	log := e.logger.With(
		"workflow_id", task.Execution.WorkflowID,
		"run_id", task.Execution.RunID,
		"activity_id", task.ActivityID,
		"activity", a.ActivityFnName,
	)

	// Resume one past the highest attempt the log already records; a
	// crashed attempt is re-run under a fresh number.
	attempt := a.Attempts + 1
	for {
		if isClosed(cancelled) {
			return e.recordFinalFailure(ctx, task, a, attempt, errors.ErrActivityCancelled, api.FailureReasonCancelled)
		}

		if _, err := e.store.Append(ctx, task.Execution, &api.ActivityStarted{
			Execution:      task.Execution,
			ActivityID:     task.ActivityID,
			ActivityFnName: a.ActivityFnName,
			Attempt:        attempt,
		}); err != nil {
			return fmt.Errorf("record attempt start: %w", err)
		}

		out := e.runAttempt(ctx, cancelled, fv, args, timeout, attempt, a.ActivityFnName)
		if out.err == nil {
			if _, err := e.store.Append(ctx, task.Execution, &api.ActivityCompleted{
				Execution:      task.Execution,
				ActivityID:     task.ActivityID,
				ActivityFnName: a.ActivityFnName,
				Attempt:        attempt,
				Result:         out.results,
			}); err != nil {
				return fmt.Errorf("record completion: %w", err)
			}
			log.Info("activity completed", "attempt", attempt)
			return nil
		}

		if ctx.Err() != nil {
			// Worker shutting down mid-attempt; leave no outcome so the
			// task is redelivered.
			return ctx.Err()
		}
		if stderrors.Is(out.err, errors.ErrActivityCancelled) {
			return e.recordFinalFailure(ctx, task, a, attempt, out.err, api.FailureReasonCancelled)
		}
		if errors.IsNonRetryable(out.err) || e.matchesNonRetryable(policy, out.err) {
			log.Warn("activity failed, not retryable", "attempt", attempt, "error", out.err)
			return e.recordFinalFailure(ctx, task, a, attempt, out.err, api.FailureReasonNonRetryable)
		}
		if attempt >= policy.MaximumAttempts {
			final := &errors.MaxAttemptsExceededError{
				ActivityName: a.ActivityFnName,
				Attempts:     attempt,
				Cause:        out.err,
			}
			log.Warn("activity failed, attempts exhausted", "attempt", attempt, "error", out.err)
			return e.recordFinalFailure(ctx, task, a, attempt, final, api.FailureReasonMaxAttempts)
		}

		reason := api.FailureReasonRetryable
		var toErr *errors.ActivityTimeoutError
		if stderrors.As(out.err, &toErr) {
			reason = api.FailureReasonTimeout
		}
		if _, err := e.store.Append(ctx, task.Execution, &api.ActivityFailed{
			Execution:      task.Execution,
			ActivityID:     task.ActivityID,
			ActivityFnName: a.ActivityFnName,
			Attempt:        attempt,
			Error:          out.err.Error(),
			Reason:         reason,
			Final:          false,
		}); err != nil {
			return fmt.Errorf("record attempt failure: %w", err)
		}

		delay := policy.NextDelay(attempt)
		log.Info("activity attempt failed, backing off",
			"attempt", attempt, "delay", delay, "error", out.err)

		select {
		case <-time.After(delay):
		case <-cancelled:
			// Loop head records the cancellation.
		case <-ctx.Done():
			return ctx.Err()
		}
		attempt++
	}
}

// runAttempt executes a single attempt under its start-to-close deadline.
// Heartbeats reset the deadline; cancellation and worker shutdown abort
// the attempt's context.
func (e *ActivityExecutor) runAttempt(ctx context.Context, cancelled <-chan struct{}, fv reflect.Value, args []reflect.Value, timeout time.Duration, attempt int32, name string) attemptOutcome {
	attemptCtx, stop := context.WithCancel(ctx)
	defer stop()

	heartbeats := make(chan struct{}, 1)
	actx := activity.WithHeartbeat(attemptCtx, func() {
		select {
		case heartbeats <- struct{}{}:
		default:
		}
	})

	done := make(chan attemptOutcome, 1)
	go func() {
		defer func() {
			if rec := recover(); rec != nil {
				done <- attemptOutcome{err: fmt.Errorf("activity panic: %v", rec)}
			}
		}()
		in := append([]reflect.Value{reflect.ValueOf(actx)}, args...)
		out := fv.Call(in)

		last := out[len(out)-1]
		if !last.IsNil() {
			done <- attemptOutcome{err: last.Interface().(error)}
			return
		}
		results := make([]any, 0, len(out)-1)
		for _, v := range out[:len(out)-1] {
			results = append(results, v.Interface())
		}
		done <- attemptOutcome{results: results}
	}()

	timer := time.NewTimer(timeout)
	defer timer.Stop()
	for {
		select {
		case out := <-done:
			return out
		case <-heartbeats:
			if !timer.Stop() {
				select {
				case <-timer.C:
				default:
				}
			}
			timer.Reset(timeout)
		case <-timer.C:
			stop()
			return attemptOutcome{err: &errors.ActivityTimeoutError{
				ActivityName: name,
				Attempt:      attempt,
				Timeout:      timeout,
			}}
		case <-cancelled:
			stop()
			return attemptOutcome{err: errors.ErrActivityCancelled}
		case <-ctx.Done():
			return attemptOutcome{err: ctx.Err()}
		}
	}
}

func (e *ActivityExecutor) recordFinalFailure(ctx context.Context, task *api.ActivityTask, a *replay.ActivityState, attempt int32, cause error, reason api.FailureReason) error {
	if _, err := e.store.Append(ctx, task.Execution, &api.ActivityFailed{
		Execution:      task.Execution,
		ActivityID:     task.ActivityID,
		ActivityFnName: a.ActivityFnName,
		Attempt:        attempt,
		Error:          cause.Error(),
		Reason:         reason,
		Final:          true,
	}); err != nil {
		return fmt.Errorf("record final failure: %w", err)
	}
	return nil
}

// matchesNonRetryable checks every error in the chain against the policy's
// declared non-retryable type names.
func (e *ActivityExecutor) matchesNonRetryable(policy *api.RetryPolicy, err error) bool {
	if len(policy.NonRetryableErrorTypes) == 0 {
		return false
	}
	for cur := err; cur != nil; cur = stderrors.Unwrap(cur) {
		name := reflect.TypeOf(cur).String()
		if len(name) > 0 && name[0] == '*' {
			name = name[1:]
		}
		if policy.NonRetryable(name) {
			return true
		}
	}
	return false
}

func (e *ActivityExecutor) buildArgs(t reflect.Type, input []any) ([]reflect.Value, error) {
	if t.Kind() != reflect.Func {
		return nil, fmt.Errorf("activity: registered value is not a function")
	}
	if t.NumIn() < 1 || t.In(0) != contextContextType {
		return nil, fmt.Errorf("activity: function must take context.Context as its first parameter")
	}
	want := t.NumIn() - 1
	if len(input) != want {
		return nil, fmt.Errorf("activity: takes %d arguments, schedule recorded %d", want, len(input))
	}
	args := make([]reflect.Value, 0, want)
	for i := 0; i < want; i++ {
		v, err := e.conv.ConvertToType(input[i], t.In(i+1))
		if err != nil {
			return nil, fmt.Errorf("activity: argument %d: %w", i, err)
		}
		args = append(args, v)
	}
	return args, nil
}

var contextContextType = reflect.TypeOf((*context.Context)(nil)).Elem()

func isClosed(ch <-chan struct{}) bool {
	select {
	case <-ch:
		return true
	default:
		return false
	}
}
