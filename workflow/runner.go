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
	stderrors "errors"
	"fmt"
	"log/slog"
	"reflect"

	"github.com/everflow-io/everflow/api"
	"github.com/everflow-io/everflow/api/serde"
	"github.com/everflow-io/everflow/history"
	"github.com/everflow-io/everflow/internal/errors"
	"github.com/everflow-io/everflow/replay"
)

// Registry resolves recorded workflow function names back to registered
// functions.
type Registry interface {
	WorkflowFunc(name string) (any, bool)
}

// Runner drives one workflow task to its next suspension point or terminal
// event: load history, fold it, re-execute the function against the folded
// state.
type Runner struct {
	store    history.Store
	conv     *serde.TypeConverter
	registry Registry
	logger   *slog.Logger

	defaultOpts ActivityOptions
}

// NewRunner wires a runner. defaultOpts apply to ExecuteActivity calls
// without explicit options.
func NewRunner(store history.Store, conv *serde.TypeConverter, registry Registry, logger *slog.Logger, defaultOpts ActivityOptions) *Runner {
	if logger == nil {
		logger = slog.Default()
	}
	if defaultOpts.RetryPolicy == nil {
		defaultOpts.RetryPolicy = api.DefaultRetryPolicy()
	}
	return &Runner{
		store:       store,
		conv:        conv,
		registry:    registry,
		logger:      logger,
		defaultOpts: defaultOpts,
	}
}

type passKind int

const (
	passCompleted passKind = iota
	passFailed
	passSuspended
	passAborted
)

type passResult struct {
	kind    passKind
	results []any
	err     error
}

// RunTask executes one workflow task. A nil return means the task is done:
// the run progressed to a suspension point or a terminal event, or was a
// duplicate delivery for an already terminal run. A non-nil return means
// nothing conclusive was recorded and the task should be redelivered.
func (r *Runner) RunTask(ctx context.Context, task *api.WorkflowTask) error {
	records, err := r.store.History(ctx, task.Execution, 0)
	if err != nil {
		return fmt.Errorf("load history for %s: %w", task.Execution, err)
	}
	state, err := replay.Fold(records)
	if err != nil {
		return fmt.Errorf("fold history for %s: %w", task.Execution, err)
	}
	if state.Terminal() {
		// Redelivered task for a finished run; nothing to do.
		return nil
	}

	f, ok := r.registry.WorkflowFunc(state.WorkflowFnName)
	if !ok {
		return fmt.Errorf("workflow function %q not registered on this worker", state.WorkflowFnName)
	}

	res := r.executePass(ctx, state, f, false)
	switch res.kind {
	case passSuspended:
		return nil
	case passAborted:
		return res.err
	case passCompleted:
		_, err := r.store.Append(ctx, task.Execution, &api.WorkflowCompleted{
			Execution:      task.Execution,
			WorkflowFnName: state.WorkflowFnName,
			Result:         res.results,
		}, history.WithExpectedLast(state.LastEventID))
		if err != nil {
			return fmt.Errorf("record completion for %s: %w", task.Execution, err)
		}
		r.logger.Info("workflow completed",
			"workflow_id", task.Execution.WorkflowID, "run_id", task.Execution.RunID)
		return nil
	case passFailed:
		_, err := r.store.Append(ctx, task.Execution, &api.WorkflowFailed{
			Execution:      task.Execution,
			WorkflowFnName: state.WorkflowFnName,
			Error:          res.err.Error(),
		}, history.WithExpectedLast(state.LastEventID))
		if err != nil {
			return fmt.Errorf("record failure for %s: %w", task.Execution, err)
		}
		r.logger.Info("workflow failed",
			"workflow_id", task.Execution.WorkflowID, "run_id", task.Execution.RunID,
			"error", res.err)
		return nil
	}
	return fmt.Errorf("unreachable pass kind %d", res.kind)
}

// Query re-executes the workflow in read-only mode up to its current
// suspension point, then invokes the registered handler. Nothing is
// appended; the log is untouched.
func (r *Runner) Query(ctx context.Context, exec api.Execution, name string) (any, error) {
	records, err := r.store.History(ctx, exec, 0)
	if err != nil {
		return nil, err
	}
	state, err := replay.Fold(records)
	if err != nil {
		return nil, err
	}
	if state.WorkflowFnName == "" {
		return nil, errors.ErrNotFound
	}

	f, ok := r.registry.WorkflowFunc(state.WorkflowFnName)
	if !ok {
		return nil, fmt.Errorf("workflow function %q not registered on this worker", state.WorkflowFnName)
	}

	core := r.newCore(ctx, state, true)
	res := r.runFunc(core, state, f)
	if res.kind == passAborted {
		return nil, res.err
	}

	handler, ok := core.queryHandlers[name]
	if !ok {
		return nil, fmt.Errorf("%w: %q", errors.ErrQueryNotFound, name)
	}
	return handler()
}

func (r *Runner) executePass(ctx context.Context, state *replay.ExecutionState, f any, queryMode bool) passResult {
	core := r.newCore(ctx, state, queryMode)
	return r.runFunc(core, state, f)
}

func (r *Runner) newCore(ctx context.Context, state *replay.ExecutionState, queryMode bool) *execCore {
	return &execCore{
		taskCtx:     ctx,
		exec:        state.Execution,
		state:       state,
		store:       r.store,
		conv:        r.conv,
		logger:      r.logger,
		queryMode:   queryMode,
		defaultOpts: r.defaultOpts,
	}
}

func (r *Runner) runFunc(core *execCore, state *replay.ExecutionState, f any) (res passResult) {
	defer func() {
		rec := recover()
		if rec == nil {
			return
		}
		switch p := rec.(type) {
		case suspendMarker:
			res = passResult{kind: passSuspended}
		case abortError:
			res = passResult{kind: passAborted, err: p.err}
		default:
			// A panic out of workflow code is deterministic given the
			// same history, so retrying cannot help; record the failure.
			res = passResult{kind: passFailed, err: fmt.Errorf("workflow panic: %v", rec)}
		}
	}()

	wctx := newContext(core)

	fv := reflect.ValueOf(f)
	if err := validateWorkflowFunc(fv.Type()); err != nil {
		return passResult{kind: passAborted, err: err}
	}

	in, err := r.buildArgs(wctx, fv.Type(), state.Input)
	if err != nil {
		return passResult{kind: passAborted, err: err}
	}

	out := fv.Call(in)

	last := out[len(out)-1]
	if !last.IsNil() {
		retErr := last.Interface().(error)
		if stderrors.Is(retErr, ErrWorkflowCancelled) {
			return passResult{kind: passFailed, err: ErrWorkflowCancelled}
		}
		return passResult{kind: passFailed, err: retErr}
	}

	results := make([]any, 0, len(out)-1)
	for _, v := range out[:len(out)-1] {
		results = append(results, v.Interface())
	}
	return passResult{kind: passCompleted, results: results}
}

var contextType = reflect.TypeOf((*Context)(nil)).Elem()
var errorType = reflect.TypeOf((*error)(nil)).Elem()

func validateWorkflowFunc(t reflect.Type) error {
	if t.Kind() != reflect.Func {
		return fmt.Errorf("workflow: registered value is %s, not a function", t.Kind())
	}
	if t.NumIn() < 1 || t.In(0) != contextType {
		return fmt.Errorf("workflow: function must take workflow.Context as its first parameter")
	}
	if t.NumOut() < 1 || t.Out(t.NumOut()-1) != errorType {
		return fmt.Errorf("workflow: function must return error as its last value")
	}
	return nil
}

// buildArgs converts the recorded inputs into the function's parameter
// types. Counts must line up exactly; silently dropping or zero-filling an
// argument would mask a caller bug.
func (r *Runner) buildArgs(wctx Context, t reflect.Type, input []any) ([]reflect.Value, error) {
	want := t.NumIn() - 1
	if len(input) != want {
		return nil, fmt.Errorf("workflow: takes %d arguments, history recorded %d", want, len(input))
	}
	in := make([]reflect.Value, 0, t.NumIn())
	in = append(in, reflect.ValueOf(wctx))
	for i := 0; i < want; i++ {
		v, err := r.conv.ConvertToType(input[i], t.In(i+1))
		if err != nil {
			return nil, fmt.Errorf("workflow: argument %d: %w", i, err)
		}
		in = append(in, v)
	}
	return in, nil
}
