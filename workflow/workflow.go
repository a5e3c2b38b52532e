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

// Package workflow is the authoring surface and runtime for workflow
// functions.
//
// A workflow function must be deterministic: it may only observe the
// outside world through the Context it receives. Activities carry every
// side effect; Sleep is the only clock; AwaitSignal is the only external
// input. The runtime re-executes the function from the top on every
// wake-up, feeding recorded outcomes back in, so any branch on
// time.Now(), rand, goroutines or ambient I/O will diverge between the
// first execution and its replays.
package workflow

import (
	"context"
	"log/slog"
	"time"

	"github.com/everflow-io/everflow/api"
)

// Context is the workflow's only window on the engine. All blocking
// operations are suspension points: when the awaited outcome is not yet in
// history, the workflow yields its worker slot and is re-run later.
type Context interface {
	context.Context

	// Execution identifies this run.
	Execution() api.Execution
	WorkflowID() api.WorkflowID
	RunID() api.RunID

	// Logger is replay-aware: it stays silent while re-executing already
	// recorded steps, so one logical step logs once no matter how many
	// times the function re-runs.
	Logger() *slog.Logger

	// ExecuteActivity schedules fn with the given arguments and returns a
	// future for its outcome. fn must be registered on the workers that
	// will execute it. Scheduling never blocks; Get on the future does.
	ExecuteActivity(fn any, args ...any) Future

	// Sleep suspends the workflow for at least d. Durable: the timer
	// survives worker restarts.
	Sleep(d time.Duration) error

	// AwaitSignal blocks until a signal with the given name is available,
	// then decodes its payload into valuePtr. Signals queue in arrival
	// order and each is consumed exactly once.
	AwaitSignal(name string, valuePtr any) error

	// AwaitSignalWithTimeout is AwaitSignal bounded by a durable timer.
	// It reports false when the timer won; the signal, if it arrives
	// later, stays queued for a subsequent await.
	AwaitSignalWithTimeout(name string, timeout time.Duration, valuePtr any) (bool, error)

	// SetQueryHandler registers a named read-only view over the workflow's
	// current state. Handlers must not mutate state or block.
	SetQueryHandler(name string, handler func() (any, error)) error

	// CancelRequested reports whether a cancel request is recorded for
	// this run. Blocking operations return ErrWorkflowCancelled once it
	// is; workflow code checks this at loop boundaries to stop early.
	CancelRequested() bool
}

// Future is the pending result of an activity execution.
type Future interface {
	// Get blocks until the activity resolves, then decodes its results
	// into valuePtrs (one pointer per activity return value, error
	// excluded). A failed activity yields an *ActivityError.
	Get(valuePtrs ...any) error
}

// ActivityOptions tune how scheduled activities are retried and bounded.
type ActivityOptions struct {
	// RetryPolicy for each scheduled activity; nil means the worker's
	// default policy.
	RetryPolicy *api.RetryPolicy

	// StartToCloseTimeout bounds a single attempt. Heartbeats reset it.
	// Zero means the worker's default.
	StartToCloseTimeout time.Duration
}

type ctxKey int

const activityOptionsKey ctxKey = iota

// WithActivityOptions derives a Context whose ExecuteActivity calls use
// opts.
func WithActivityOptions(ctx Context, opts ActivityOptions) Context {
	if c, ok := ctx.(wfContext); ok {
		return wfContext{
			Context: context.WithValue(c.Context, activityOptionsKey, opts),
			core:    c.core,
		}
	}
	return ctx
}

// WithValue derives a Context carrying a key/value pair, like
// context.WithValue.
func WithValue(ctx Context, key, val any) Context {
	if c, ok := ctx.(wfContext); ok {
		return wfContext{
			Context: context.WithValue(c.Context, key, val),
			core:    c.core,
		}
	}
	return ctx
}
