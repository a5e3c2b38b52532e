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

package api

// Status is the lifecycle of one workflow run.
// ContinuedAsNew restarts the machine with a fresh run under the same
// WorkflowID; Completed and Failed are terminal.
type Status string

const (
	StatusScheduled      Status = "Scheduled"
	StatusRunning        Status = "Running"
	StatusCompleted      Status = "Completed"
	StatusFailed         Status = "Failed"
	StatusContinuedAsNew Status = "ContinuedAsNew"
)

// Terminal reports whether no further events may be appended for the run.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

type (
	// Task is a unit of dispatchable work on the task queue.
	Task interface {
		TaskExecution() Execution

		isTask()
	}

	// WorkflowTask asks a worker to progress a workflow execution:
	// replay its history, then run the workflow function forward until
	// the next suspension point or completion. Enqueued on start and on
	// every wake-up (activity outcome, signal, timer, cancel request).
	WorkflowTask struct {
		Execution  Execution `json:"execution" msgpack:"execution"`
		WorkflowFn string    `json:"wf_name"   msgpack:"wf_name"`
	}

	// ActivityTask asks a worker to execute one scheduled activity,
	// including its whole retry loop. Exists for the duration of one
	// activity execution.
	ActivityTask struct {
		Execution             Execution    `json:"execution"   msgpack:"execution"`
		ActivityID            string       `json:"activity_id" msgpack:"activity_id"`
		ActivityFn            string       `json:"ac_name"     msgpack:"ac_name"`
		Input                 []any        `json:"input"       msgpack:"input"`
		RetryPolicy           *RetryPolicy `json:"retry_policy,omitempty"              msgpack:"retry_policy,omitempty"`
		StartToCloseTimeoutMs int64        `json:"start_to_close_timeout_ms,omitempty" msgpack:"start_to_close_timeout_ms,omitempty"`
	}
)

func (t *WorkflowTask) isTask() {}
func (t *ActivityTask) isTask() {}

func (t *WorkflowTask) TaskExecution() Execution { return t.Execution }
func (t *ActivityTask) TaskExecution() Execution { return t.Execution }
