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

import (
	"fmt"
	"time"
)

type (
	// WorkflowID identifies a workflow across all of its runs.
	WorkflowID string

	// RunID identifies a single attempt of a workflow. A new run of the
	// same WorkflowID gets a fresh RunID.
	RunID string

	// Execution is the unique identity of one workflow run.
	// Immutable once created.
	Execution struct {
		WorkflowID WorkflowID `json:"workflow_id" msgpack:"workflow_id"`
		RunID      RunID      `json:"run_id"      msgpack:"run_id"`
	}

	// EventID is the per-execution, monotonically increasing sequence
	// number assigned by the event store at append time. EventID ordering
	// is the single source of truth for "what happened when".
	EventID int64
)

func (w WorkflowID) String() string { return string(w) }
func (r RunID) String() string      { return string(r) }

func (e Execution) String() string {
	return fmt.Sprintf("%s/%s", e.WorkflowID, e.RunID)
}

// WorkflowEvent is the closed set of things that can happen to one
// workflow run. Events are immutable and never reordered or deleted.
type WorkflowEvent interface {
	EventName() string

	isWorkflowEvent()
}

// Record is the persisted envelope around a WorkflowEvent: the event plus
// the sequence number and timestamp assigned by the store.
type Record struct {
	EventID EventID       `json:"event_id" msgpack:"event_id"`
	Time    time.Time     `json:"time"     msgpack:"time"`
	Event   WorkflowEvent `json:"event"    msgpack:"event"`
}

// FailureReason classifies a recorded activity failure.
type FailureReason string

const (
	FailureReasonRetryable    FailureReason = ""
	FailureReasonTimeout      FailureReason = "Timeout"
	FailureReasonNonRetryable FailureReason = "NonRetryable"
	FailureReasonMaxAttempts  FailureReason = "MaxAttemptsExceeded"
	FailureReasonCancelled    FailureReason = "Cancelled"
)

var _ WorkflowEvent = (*WorkflowStarted)(nil)
var _ WorkflowEvent = (*ActivityScheduled)(nil)
var _ WorkflowEvent = (*ActivityStarted)(nil)
var _ WorkflowEvent = (*ActivityCompleted)(nil)
var _ WorkflowEvent = (*ActivityFailed)(nil)
var _ WorkflowEvent = (*TimerStarted)(nil)
var _ WorkflowEvent = (*TimerFired)(nil)
var _ WorkflowEvent = (*SignalReceived)(nil)
var _ WorkflowEvent = (*WorkflowCancelRequested)(nil)
var _ WorkflowEvent = (*WorkflowCompleted)(nil)
var _ WorkflowEvent = (*WorkflowFailed)(nil)

// -- Workflow Started Event --
type WorkflowStarted struct {
	Execution Execution `json:"execution" msgpack:"execution"`

	WorkflowFnName string `json:"name"  msgpack:"name"`
	Input          []any  `json:"input" msgpack:"input"`
}

func (*WorkflowStarted) EventName() string { return "workflow/started" }
func (*WorkflowStarted) isWorkflowEvent()  {}

// -- Activity Scheduled Event --
type ActivityScheduled struct {
	Execution Execution `json:"execution" msgpack:"execution"`

	// ActivityID is assigned deterministically by the workflow runner so
	// that replay matches a scheduled activity with its recorded outcome.
	ActivityID     string `json:"activity_id" msgpack:"activity_id"`
	ActivityFnName string `json:"name"        msgpack:"name"`
	Input          []any  `json:"input"       msgpack:"input"`

	RetryPolicy           *RetryPolicy `json:"retry_policy,omitempty"              msgpack:"retry_policy,omitempty"`
	StartToCloseTimeoutMs int64        `json:"start_to_close_timeout_ms,omitempty" msgpack:"start_to_close_timeout_ms,omitempty"`
}

func (*ActivityScheduled) EventName() string { return "activity/scheduled" }
func (*ActivityScheduled) isWorkflowEvent()  {}

// -- Activity Started Event --
type ActivityStarted struct {
	Execution Execution `json:"execution" msgpack:"execution"`

	ActivityID     string `json:"activity_id" msgpack:"activity_id"`
	ActivityFnName string `json:"name"        msgpack:"name"`
	Attempt        int32  `json:"attempt"     msgpack:"attempt"`
}

func (*ActivityStarted) EventName() string { return "activity/started" }
func (*ActivityStarted) isWorkflowEvent()  {}

// -- Activity Completed Event --
type ActivityCompleted struct {
	Execution Execution `json:"execution" msgpack:"execution"`

	ActivityID     string `json:"activity_id" msgpack:"activity_id"`
	ActivityFnName string `json:"name"        msgpack:"name"`
	Attempt        int32  `json:"attempt"     msgpack:"attempt"`
	Result         []any  `json:"result"      msgpack:"result"`
}

func (*ActivityCompleted) EventName() string { return "activity/completed" }
func (*ActivityCompleted) isWorkflowEvent()  {}

// -- Activity Failed Event --
//
// Recorded once per failed attempt. Final marks the failure that ends the
// retry loop; only a final failure resolves the workflow-visible future.
type ActivityFailed struct {
	Execution Execution `json:"execution" msgpack:"execution"`

	ActivityID     string        `json:"activity_id"      msgpack:"activity_id"`
	ActivityFnName string        `json:"name"             msgpack:"name"`
	Attempt        int32         `json:"attempt"          msgpack:"attempt"`
	Error          string        `json:"error"            msgpack:"error"`
	Reason         FailureReason `json:"reason,omitempty" msgpack:"reason,omitempty"`
	Final          bool          `json:"final"            msgpack:"final"`
}

func (*ActivityFailed) EventName() string { return "activity/failed" }
func (*ActivityFailed) isWorkflowEvent()  {}

// -- Timer Started Event --
type TimerStarted struct {
	Execution Execution `json:"execution" msgpack:"execution"`

	TimerID      string `json:"timer_id"        msgpack:"timer_id"`
	FireAtUnixMs int64  `json:"fire_at_unix_ms" msgpack:"fire_at_unix_ms"`
}

func (*TimerStarted) EventName() string { return "timer/started" }
func (*TimerStarted) isWorkflowEvent()  {}

// -- Timer Fired Event --
type TimerFired struct {
	Execution Execution `json:"execution" msgpack:"execution"`

	TimerID string `json:"timer_id" msgpack:"timer_id"`
}

func (*TimerFired) EventName() string { return "timer/fired" }
func (*TimerFired) isWorkflowEvent()  {}

// -- Signal Received Event --
type SignalReceived struct {
	Execution Execution `json:"execution" msgpack:"execution"`

	SignalName string `json:"signal_name" msgpack:"signal_name"`
	Payload    any    `json:"payload"     msgpack:"payload"`
}

func (*SignalReceived) EventName() string { return "signal/received" }
func (*SignalReceived) isWorkflowEvent()  {}

// -- Workflow Cancel Requested Event --
//
// Carries a cancellation request through the log so that whichever worker
// currently owns the execution observes it.
type WorkflowCancelRequested struct {
	Execution Execution `json:"execution" msgpack:"execution"`

	Reason string `json:"reason,omitempty" msgpack:"reason,omitempty"`
}

func (*WorkflowCancelRequested) EventName() string { return "workflow/cancel-requested" }
func (*WorkflowCancelRequested) isWorkflowEvent()  {}

// -- Workflow Completed --
type WorkflowCompleted struct {
	Execution Execution `json:"execution" msgpack:"execution"`

	WorkflowFnName string `json:"name"   msgpack:"name"`
	Result         []any  `json:"result" msgpack:"result"`
}

func (*WorkflowCompleted) EventName() string { return "workflow/completed" }
func (*WorkflowCompleted) isWorkflowEvent()  {}

// -- Workflow Failed --
type WorkflowFailed struct {
	Execution Execution `json:"execution" msgpack:"execution"`

	WorkflowFnName string `json:"name"  msgpack:"name"`
	Error          string `json:"error" msgpack:"error"`
}

func (*WorkflowFailed) EventName() string { return "workflow/failed" }
func (*WorkflowFailed) isWorkflowEvent()  {}

// EventFunc returns a factory for the event with the given wire name.
// The set is closed at compile time; unknown names report false.
func EventFunc(name string) (func() WorkflowEvent, bool) {
	f, ok := eventFuncs[name]
	return f, ok
}

var eventFuncs = map[string]func() WorkflowEvent{
	(*WorkflowStarted)(nil).EventName():         func() WorkflowEvent { return new(WorkflowStarted) },
	(*ActivityScheduled)(nil).EventName():       func() WorkflowEvent { return new(ActivityScheduled) },
	(*ActivityStarted)(nil).EventName():         func() WorkflowEvent { return new(ActivityStarted) },
	(*ActivityCompleted)(nil).EventName():       func() WorkflowEvent { return new(ActivityCompleted) },
	(*ActivityFailed)(nil).EventName():          func() WorkflowEvent { return new(ActivityFailed) },
	(*TimerStarted)(nil).EventName():            func() WorkflowEvent { return new(TimerStarted) },
	(*TimerFired)(nil).EventName():              func() WorkflowEvent { return new(TimerFired) },
	(*SignalReceived)(nil).EventName():          func() WorkflowEvent { return new(SignalReceived) },
	(*WorkflowCancelRequested)(nil).EventName(): func() WorkflowEvent { return new(WorkflowCancelRequested) },
	(*WorkflowCompleted)(nil).EventName():       func() WorkflowEvent { return new(WorkflowCompleted) },
	(*WorkflowFailed)(nil).EventName():          func() WorkflowEvent { return new(WorkflowFailed) },
}
