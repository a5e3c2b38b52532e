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

// Package activity is the authoring surface for activity functions.
// Activities are plain Go functions taking a context.Context; unlike
// workflow code they may do I/O freely. They should be idempotent: the
// engine guarantees at-least-once execution, never exactly-once.
package activity

import (
	"context"

	"github.com/everflow-io/everflow/internal/errors"
)

// NewNonRetryableError wraps err so the retry loop stops immediately
// instead of consuming the remaining attempt budget.
func NewNonRetryableError(err error) error {
	return errors.NewNonRetryableError(err)
}

type heartbeatKey struct{}

// Heartbeat is the per-attempt liveness callback installed by the
// executing worker.
type Heartbeat func()

// WithHeartbeat returns a context carrying the executor's heartbeat
// callback. Installed by the engine; activity authors only call
// RecordHeartbeat.
func WithHeartbeat(ctx context.Context, hb Heartbeat) context.Context {
	return context.WithValue(ctx, heartbeatKey{}, hb)
}

// RecordHeartbeat signals that a long-running activity is still making
// progress, resetting its start-to-close deadline. A no-op outside an
// activity attempt.
func RecordHeartbeat(ctx context.Context) {
	if hb, ok := ctx.Value(heartbeatKey{}).(Heartbeat); ok && hb != nil {
		hb()
	}
}
