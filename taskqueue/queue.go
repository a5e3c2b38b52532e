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

// Package taskqueue dispatches workflow and activity tasks to workers with
// at-least-once delivery. Consumers must tolerate duplicates; both task
// kinds are idempotent against the execution's history.
package taskqueue

import (
	"context"
	"time"

	"github.com/everflow-io/everflow/api"
)

// Delivery is one leased task. Exactly one of Ack, Nak or Term must be
// called; an unacknowledged lease is eventually redelivered.
type Delivery struct {
	Task api.Task

	// Ack marks the task done; it is not redelivered.
	Ack func() error

	// Nak returns the task for redelivery after delay. Zero means the
	// backend's default.
	Nak func(delay time.Duration) error

	// Term drops the task permanently; used for malformed payloads that
	// can never succeed.
	Term func() error
}

// Queue is one named task stream. The engine runs two: workflow tasks and
// activity tasks.
type Queue interface {
	// Enqueue makes the task available to workers. Durable backends
	// persist before returning.
	Enqueue(ctx context.Context, task api.Task) error

	// Dequeue blocks until a task is available or ctx is done.
	Dequeue(ctx context.Context) (*Delivery, error)
}
