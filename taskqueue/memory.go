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

package taskqueue

import (
	"context"
	"time"

	"github.com/everflow-io/everflow/api"
)

var _ Queue = (*Memory)(nil)

// Memory is the in-process queue used for tests and single-node setups.
// Redelivery on Nak is timer-based; an acked task is simply dropped.
type Memory struct {
	tasks chan api.Task
}

// NewMemory builds a queue buffering up to size pending tasks.
func NewMemory(size int) *Memory {
	if size <= 0 {
		size = 1024
	}
	return &Memory{tasks: make(chan api.Task, size)}
}

func (m *Memory) Enqueue(ctx context.Context, task api.Task) error {
	select {
	case m.tasks <- task:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (m *Memory) Dequeue(ctx context.Context) (*Delivery, error) {
	select {
	case task := <-m.tasks:
		return &Delivery{
			Task: task,
			Ack:  func() error { return nil },
			Nak: func(delay time.Duration) error {
				if delay <= 0 {
					delay = 50 * time.Millisecond
				}
				time.AfterFunc(delay, func() {
					select {
					case m.tasks <- task:
					default:
						// Queue full; the task is lost. Memory queues
						// make no durability promise.
					}
				})
				return nil
			},
			Term: func() error { return nil },
		}, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}
