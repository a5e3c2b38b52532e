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
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/everflow-io/everflow/api"
)

func TestMemory_EnqueueDequeue(t *testing.T) {
	q := NewMemory(4)
	ctx := context.Background()

	task := &api.WorkflowTask{Execution: api.Execution{WorkflowID: "wf", RunID: "run"}}
	require.NoError(t, q.Enqueue(ctx, task))

	d, err := q.Dequeue(ctx)
	require.NoError(t, err)
	assert.Equal(t, task, d.Task)
	require.NoError(t, d.Ack())
}

func TestMemory_DequeueHonorsContext(t *testing.T) {
	q := NewMemory(4)
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	_, err := q.Dequeue(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestMemory_NakRedelivers(t *testing.T) {
	q := NewMemory(4)
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	task := &api.ActivityTask{Execution: api.Execution{WorkflowID: "wf", RunID: "run"}, ActivityID: "activity-1"}
	require.NoError(t, q.Enqueue(ctx, task))

	d, err := q.Dequeue(ctx)
	require.NoError(t, err)
	require.NoError(t, d.Nak(time.Millisecond))

	d, err = q.Dequeue(ctx)
	require.NoError(t, err)
	assert.Equal(t, task, d.Task)
}
