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

package workflow

import (
	"context"
	"fmt"
	"log/slog"
	"reflect"
	"time"

	"github.com/everflow-io/everflow/api"
	"github.com/everflow-io/everflow/api/serde"
	"github.com/everflow-io/everflow/history"
	"github.com/everflow-io/everflow/internal/errors"
	"github.com/everflow-io/everflow/internal/fn"
	"github.com/everflow-io/everflow/replay"
)

// execCore is the mutable heart of one workflow execution pass. It is
// shared by every derived Context so deterministic counters and signal
// consumption survive WithValue/WithActivityOptions wrapping.
type execCore struct {
	// taskCtx is the worker's task context; store appends use it rather
	// than the value-carrying workflow Context.
	taskCtx context.Context

	exec  api.Execution
	state *replay.ExecutionState
	store history.Store
	conv  *serde.TypeConverter

	logger  *slog.Logger
	silent  *slog.Logger
	appends int

	// queryMode forbids appends: blocking operations suspend instead of
	// recording anything, which keeps queries pure.
	queryMode bool

	defaultOpts ActivityOptions

	// Deterministic step counters. Each pass re-executes the function
	// from the top, so the Nth call site always claims the Nth id.
	activitySeq int
	timerSeq    int

	consumedSignals map[api.EventID]struct{}
	queryHandlers   map[string]func() (any, error)
}

// wfContext is the Context handed to workflow functions. Derived contexts
// copy the struct but share the core.
type wfContext struct {
	context.Context
	core *execCore
}

var _ Context = wfContext{}

func newContext(core *execCore) wfContext {
	if core.consumedSignals == nil {
		core.consumedSignals = make(map[api.EventID]struct{})
	}
	if core.queryHandlers == nil {
		core.queryHandlers = make(map[string]func() (any, error))
	}
	if core.silent == nil {
		core.silent = slog.New(slog.DiscardHandler)
	}
	return wfContext{Context: core.taskCtx, core: core}
}

func (c wfContext) Execution() api.Execution     { return c.core.exec }
func (c wfContext) WorkflowID() api.WorkflowID   { return c.core.exec.WorkflowID }
func (c wfContext) RunID() api.RunID             { return c.core.exec.RunID }
func (c wfContext) CancelRequested() bool        { return c.core.state.CancelRequested }

// Logger is silenced until the pass appends its first new event: before
// that the function is re-executing recorded steps and would duplicate
// every line it already logged.
func (c wfContext) Logger() *slog.Logger {
	if c.core.queryMode || c.core.appends == 0 && c.core.state.LastEventID > 1 {
		return c.core.silent
	}
	return c.core.logger.With(
		"workflow_id", c.core.exec.WorkflowID,
		"run_id", c.core.exec.RunID,
	)
}

func (c wfContext) ExecuteActivity(f any, args ...any) Future {
	core := c.core

	name, err := fn.FullName(f)
	if err != nil {
		return failedFuture{err: err}
	}

	core.activitySeq++
	activityID := fmt.Sprintf("activity-%d", core.activitySeq)

	a, known := core.state.Activities[activityID]
	if known {
		if a.ActivityFnName != name {
			return failedFuture{err: &DeterminismError{
				StepID:   activityID,
				Recorded: a.ActivityFnName,
				Got:      name,
			}}
		}
		return &activityFuture{core: core, activityID: activityID}
	}

	opts := c.activityOptions()
	eid := core.append(&api.ActivityScheduled{
		Execution:             core.exec,
		ActivityID:            activityID,
		ActivityFnName:        name,
		Input:                 args,
		RetryPolicy:           opts.RetryPolicy,
		StartToCloseTimeoutMs: opts.StartToCloseTimeout.Milliseconds(),
	})
	core.state.Activities[activityID] = &replay.ActivityState{
		ActivityID:       activityID,
		ActivityFnName:   name,
		Input:            args,
		ScheduledEventID: eid,
	}
	return &activityFuture{core: core, activityID: activityID}
}

func (c wfContext) Sleep(d time.Duration) error {
	core := c.core

	core.timerSeq++
	timerID := fmt.Sprintf("timer-%d", core.timerSeq)

	if _, fired := core.state.TimersFired[timerID]; fired {
		return nil
	}
	if core.state.CancelRequested {
		return ErrWorkflowCancelled
	}
	if _, started := core.state.TimersStarted[timerID]; !started {
		// The deadline is computed once and recorded; replay reads it
		// back instead of re-reading the clock.
		eid := core.append(&api.TimerStarted{
			Execution:    core.exec,
			TimerID:      timerID,
			FireAtUnixMs: time.Now().Add(d).UnixMilli(),
		})
		core.state.TimersStarted[timerID] = eid
	}
	core.suspend()
	return nil
}

func (c wfContext) AwaitSignal(name string, valuePtr any) error {
	core := c.core

	if entry, ok := core.takeSignal(name, 0); ok {
		return core.assignOne(entry.Payload, valuePtr)
	}
	if core.state.CancelRequested {
		return ErrWorkflowCancelled
	}
	core.suspend()
	return nil
}

func (c wfContext) AwaitSignalWithTimeout(name string, timeout time.Duration, valuePtr any) (bool, error) {
	core := c.core

	core.timerSeq++
	timerID := fmt.Sprintf("timer-%d", core.timerSeq)

	if _, started := core.state.TimersStarted[timerID]; !started {
		// First pass over this await: a signal already queued wins
		// before any timer exists, so none is started.
		if entry, ok := core.takeSignal(name, 0); ok {
			return true, core.assignOne(entry.Payload, valuePtr)
		}
		if core.state.CancelRequested {
			return false, ErrWorkflowCancelled
		}
		eid := core.append(&api.TimerStarted{
			Execution:    core.exec,
			TimerID:      timerID,
			FireAtUnixMs: time.Now().Add(timeout).UnixMilli(),
		})
		core.state.TimersStarted[timerID] = eid
		core.suspend()
	}

	// The race is decided by event order in the log: a signal recorded
	// before TimerFired wins; otherwise the timeout does and the signal
	// stays queued for a later await.
	firedID, fired := core.state.TimersFired[timerID]
	limit := api.EventID(0)
	if fired {
		limit = firedID
	}
	if entry, ok := core.takeSignal(name, limit); ok {
		return true, core.assignOne(entry.Payload, valuePtr)
	}
	if fired {
		return false, nil
	}
	if core.state.CancelRequested {
		return false, ErrWorkflowCancelled
	}
	core.suspend()
	return false, nil
}

func (c wfContext) SetQueryHandler(name string, handler func() (any, error)) error {
	if handler == nil {
		return fmt.Errorf("workflow: nil query handler for %q", name)
	}
	if _, dup := c.core.queryHandlers[name]; dup {
		return fmt.Errorf("workflow: query handler %q already registered", name)
	}
	c.core.queryHandlers[name] = handler
	return nil
}

func (c wfContext) activityOptions() ActivityOptions {
	if v := c.Value(activityOptionsKey); v != nil {
		if opts, ok := v.(ActivityOptions); ok {
			return opts
		}
	}
	return c.core.defaultOpts
}

// append records an event with an optimistic concurrency check against the
// last event this pass has seen. A conflict means something landed in the
// log mid-pass; the task is retried against fresh history.
func (core *execCore) append(e api.WorkflowEvent) api.EventID {
	if core.queryMode {
		core.suspend()
	}
	id, err := core.store.Append(core.taskCtx, core.exec, e,
		history.WithExpectedLast(core.state.LastEventID))
	if err != nil {
		panic(abortError{err: err})
	}
	core.state.LastEventID = id
	core.appends++
	return id
}

// suspend yields the worker slot; a later history event re-enqueues the
// workflow task and the function re-executes from the top.
func (core *execCore) suspend() {
	panic(suspendMarker{})
}

// takeSignal consumes the earliest unconsumed mailbox entry with the given
// name. A non-zero beforeEventID only admits entries recorded before it.
func (core *execCore) takeSignal(name string, beforeEventID api.EventID) (replay.SignalEntry, bool) {
	for _, entry := range core.state.Mailbox {
		if entry.Name != name {
			continue
		}
		if _, used := core.consumedSignals[entry.EventID]; used {
			continue
		}
		if beforeEventID != 0 && entry.EventID > beforeEventID {
			continue
		}
		core.consumedSignals[entry.EventID] = struct{}{}
		return entry, true
	}
	return replay.SignalEntry{}, false
}

func (core *execCore) assignOne(value any, ptr any) error {
	if ptr == nil {
		return nil
	}
	rv := reflect.ValueOf(ptr)
	if rv.Kind() != reflect.Ptr || rv.IsNil() {
		return fmt.Errorf("workflow: destination must be a non-nil pointer, got %T", ptr)
	}
	converted, err := core.conv.ConvertToType(value, rv.Type().Elem())
	if err != nil {
		return fmt.Errorf("workflow: cannot decode payload: %w", err)
	}
	rv.Elem().Set(converted)
	return nil
}

func (core *execCore) assign(values []any, ptrs []any) error {
	if len(ptrs) > len(values) {
		return fmt.Errorf("workflow: %d destinations for %d results", len(ptrs), len(values))
	}
	for i, ptr := range ptrs {
		if err := core.assignOne(values[i], ptr); err != nil {
			return err
		}
	}
	return nil
}

// activityFuture resolves against the folded state: the outcome either is
// in history already, or Get suspends until it is.
type activityFuture struct {
	core       *execCore
	activityID string
}

func (f *activityFuture) Get(valuePtrs ...any) error {
	a := f.core.state.Activities[f.activityID]
	if a == nil {
		return fmt.Errorf("workflow: unknown activity %q", f.activityID)
	}
	switch a.Outcome {
	case replay.OutcomeCompleted:
		return f.core.assign(a.Result, valuePtrs)
	case replay.OutcomeFailed:
		if a.Reason == api.FailureReasonCancelled {
			return errors.ErrActivityCancelled
		}
		return &ActivityError{
			ActivityName: a.ActivityFnName,
			Reason:       a.Reason,
			Message:      a.Error,
		}
	}
	if f.core.state.CancelRequested {
		return ErrWorkflowCancelled
	}
	f.core.suspend()
	return nil
}

// failedFuture is returned when scheduling itself was invalid; Get
// surfaces the error without touching history.
type failedFuture struct{ err error }

func (f failedFuture) Get(...any) error { return f.err }
