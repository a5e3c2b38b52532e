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
	"fmt"

	"github.com/everflow-io/everflow/api"
	"github.com/everflow-io/everflow/internal/errors"
)

// ErrWorkflowCancelled is returned by blocking Context operations once a
// cancel request is recorded for the run.
var ErrWorkflowCancelled = errors.ErrWorkflowCancelled

// ActivityError is the workflow-visible failure of an activity whose retry
// loop ended without success.
type ActivityError struct {
	ActivityName string
	Reason       api.FailureReason
	Message      string
}

func (e *ActivityError) Error() string {
	if e.Reason != "" {
		return fmt.Sprintf("activity %s failed (%s): %s", e.ActivityName, e.Reason, e.Message)
	}
	return fmt.Sprintf("activity %s failed: %s", e.ActivityName, e.Message)
}

// Timeout reports whether the final failure was an attempt timeout.
func (e *ActivityError) Timeout() bool { return e.Reason == api.FailureReasonTimeout }

// NonRetryable reports whether retries were short-circuited by error
// classification.
func (e *ActivityError) NonRetryable() bool { return e.Reason == api.FailureReasonNonRetryable }

// DeterminismError indicates the workflow function diverged from its
// recorded history: on re-execution it asked for something other than what
// the log says happened at that step. This is a bug in the workflow code
// (or a non-versioned code change), never an infrastructure fault.
type DeterminismError struct {
	StepID   string
	Recorded string
	Got      string
}

func (e *DeterminismError) Error() string {
	return fmt.Sprintf("determinism violation at %s: history recorded %q, code requested %q", e.StepID, e.Recorded, e.Got)
}

// suspendMarker unwinds the workflow goroutine at a suspension point. The
// runner recovers it; workflow code never sees it because blocking
// operations are the only thing that raise it.
type suspendMarker struct{}

// abortError unwinds the workflow goroutine when the runtime itself fails
// (storage append error, undecodable payload). The task is retried; the
// workflow is not failed.
type abortError struct{ err error }
