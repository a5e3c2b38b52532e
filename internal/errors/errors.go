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

// Package errors defines the engine error taxonomy. Storage errors always
// surface to the caller and are never retried inside the core; activity
// errors are recovered locally up to the retry policy's attempt budget and
// then become workflow-visible.
package errors

import (
	"errors"
	"fmt"
	"time"
)

var (
	// ErrStorage indicates an event store append/read failure. The caller
	// must not assume the operation took effect.
	ErrStorage = errors.New("storage error")

	// ErrNotFound indicates an unknown workflow execution.
	ErrNotFound = errors.New("workflow execution not found")

	// ErrSequenceConflict indicates a concurrent writer appended to the
	// same execution between our read and our append.
	ErrSequenceConflict = errors.New("event sequence conflict")

	// ErrQueryNotFound indicates no query handler is registered under the
	// requested name.
	ErrQueryNotFound = errors.New("query handler not found")

	// ErrActivityCancelled indicates the activity was cancelled before or
	// during an attempt.
	ErrActivityCancelled = errors.New("activity cancelled")

	// ErrWorkflowCancelled is what blocking workflow operations return once
	// a cancel request is recorded in the execution's history.
	ErrWorkflowCancelled = errors.New("workflow cancelled")
)

// StorageError wraps a storage backend failure with operation context.
type StorageError struct {
	Op    string
	Cause error
}

func (e *StorageError) Error() string {
	return fmt.Sprintf("storage %s failed: %v", e.Op, e.Cause)
}

func (e *StorageError) Unwrap() error { return e.Cause }

func (e *StorageError) Is(target error) bool { return target == ErrStorage }

func NewStorageError(op string, cause error) *StorageError {
	return &StorageError{Op: op, Cause: cause}
}

// ActivityTimeoutError indicates a single activity attempt exceeded its
// start-to-close deadline without completing or heartbeating.
type ActivityTimeoutError struct {
	ActivityName string
	Attempt      int32
	Timeout      time.Duration
}

func (e *ActivityTimeoutError) Error() string {
	return fmt.Sprintf("activity %s attempt %d timed out after %s", e.ActivityName, e.Attempt, e.Timeout)
}

// NonRetryableError marks a failure that must short-circuit the retry loop.
// Activity authors return it (or list its kind in the retry policy) to stop
// retries immediately.
type NonRetryableError struct {
	Cause error
}

func (e *NonRetryableError) Error() string {
	return fmt.Sprintf("non-retryable: %v", e.Cause)
}

func (e *NonRetryableError) Unwrap() error { return e.Cause }

func NewNonRetryableError(cause error) *NonRetryableError {
	return &NonRetryableError{Cause: cause}
}

// IsNonRetryable reports whether err carries a NonRetryableError marker.
func IsNonRetryable(err error) bool {
	var nre *NonRetryableError
	return errors.As(err, &nre)
}

// MaxAttemptsExceededError is returned once the retry policy's attempt
// budget is exhausted; Cause is the last attempt's failure.
type MaxAttemptsExceededError struct {
	ActivityName string
	Attempts     int32
	Cause        error
}

func (e *MaxAttemptsExceededError) Error() string {
	return fmt.Sprintf("activity %s failed after %d attempts: %v", e.ActivityName, e.Attempts, e.Cause)
}

func (e *MaxAttemptsExceededError) Unwrap() error { return e.Cause }

// WorkflowExecutionError represents a workflow that reached the Failed
// terminal state, with the failure reason from the terminal event.
type WorkflowExecutionError struct {
	WorkflowID string
	Message    string
	Cause      error
}

func (e *WorkflowExecutionError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("workflow %s failed: %s: %v", e.WorkflowID, e.Message, e.Cause)
	}
	return fmt.Sprintf("workflow %s failed: %s", e.WorkflowID, e.Message)
}

func (e *WorkflowExecutionError) Unwrap() error { return e.Cause }

func NewWorkflowExecutionError(workflowID, message string, cause error) *WorkflowExecutionError {
	return &WorkflowExecutionError{
		WorkflowID: workflowID,
		Message:    message,
		Cause:      cause,
	}
}
