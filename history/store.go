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

// Package history is the event store: an append-only, per-execution
// ordered log with replay support. Append is the atomic unit of
// durability; a failed append means the event was not recorded and the
// operation is safe to retry.
package history

import (
	"context"

	"github.com/everflow-io/everflow/api"
)

// Store is the narrow contract the engine core depends on. Events for a
// single execution are totally ordered by EventID; there is no ordering
// guarantee across executions.
type Store interface {
	// Append assigns the next sequence number for the execution and
	// durably persists the event. It reports a storage error when the
	// event may not have been recorded.
	Append(ctx context.Context, exec api.Execution, e api.WorkflowEvent, opts ...AppendOption) (api.EventID, error)

	// History returns the ordered events with EventID > from.
	// Reports errors.ErrNotFound for an unknown execution.
	History(ctx context.Context, exec api.Execution, from api.EventID) ([]api.Record, error)

	// LatestSequence returns the highest assigned EventID, zero if the
	// execution is unknown.
	LatestSequence(ctx context.Context, exec api.Execution) (api.EventID, error)
}

// Watcher streams an execution's records live: everything already recorded
// with EventID > after, then new appends as they happen. Both backends
// implement it; the runner uses it for signal/cancel wake-ups and the
// client uses it to await the terminal event.
type Watcher interface {
	Watch(ctx context.Context, exec api.Execution, after api.EventID) (<-chan api.Record, error)
}

// AllWatcher streams records across every execution, ordered per
// execution. The projector turns this firehose into tasks.
type AllWatcher interface {
	WatchAll(ctx context.Context) (<-chan api.Record, error)
}

type appendOptions struct {
	expectedLast api.EventID
	hasExpected  bool
}

// AppendOption tunes a single append.
type AppendOption func(*appendOptions)

// WithExpectedLast makes the append an optimistic-concurrency write: it
// fails with errors.ErrSequenceConflict unless the execution's latest
// EventID still equals last. This is how a reader's "history so far" and
// its subsequent append are kept from interleaving with a concurrent
// writer on the same execution.
func WithExpectedLast(last api.EventID) AppendOption {
	return func(o *appendOptions) {
		o.expectedLast = last
		o.hasExpected = true
	}
}

func applyAppendOptions(opts []AppendOption) appendOptions {
	var o appendOptions
	for _, opt := range opts {
		opt(&o)
	}
	return o
}
