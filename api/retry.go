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
	"math"
	"slices"
	"time"
)

// RetryPolicy governs attempt count and backoff for a failing activity.
// Workflow retry is out of scope: a workflow failure is never retried by
// the engine.
type RetryPolicy struct {
	// InitialInterval is the backoff before the first retry. If
	// BackoffCoefficient is 1.0 it is used for all retries.
	// Zero means the 1s default.
	InitialInterval time.Duration `json:"initial_interval" msgpack:"initial_interval"`

	// BackoffCoefficient multiplies the previous interval for each
	// subsequent retry. Must be >= 1.0; zero means the 2.0 default.
	BackoffCoefficient float64 `json:"backoff_coefficient" msgpack:"backoff_coefficient"`

	// MaximumInterval caps the computed backoff. Zero means 100x the
	// initial interval.
	MaximumInterval time.Duration `json:"maximum_interval" msgpack:"maximum_interval"`

	// MaximumAttempts stops retrying once reached. Zero means a single
	// attempt (no retries).
	MaximumAttempts int32 `json:"maximum_attempts" msgpack:"maximum_attempts"`

	// NonRetryableErrorTypes short-circuits the retry loop when a failure
	// kind matches one of these entries.
	NonRetryableErrorTypes []string `json:"non_retryable_error_types,omitempty" msgpack:"non_retryable_error_types,omitempty"`
}

// DefaultRetryPolicy is applied to activities registered without one.
func DefaultRetryPolicy() *RetryPolicy {
	return &RetryPolicy{
		InitialInterval:    time.Second,
		BackoffCoefficient: 2.0,
		MaximumInterval:    100 * time.Second,
		MaximumAttempts:    1,
	}
}

// NextDelay calculates the backoff before retry attempt+1, given that
// attempt (1-indexed) just failed: min(max, initial * coefficient^(attempt-1)).
func (r *RetryPolicy) NextDelay(attempt int32) time.Duration {
	initial := r.InitialInterval
	if initial <= 0 {
		initial = time.Second
	}

	coefficient := r.BackoffCoefficient
	if coefficient < 1.0 {
		coefficient = 2.0
	}

	maxInterval := r.MaximumInterval
	if maxInterval <= 0 {
		maxInterval = 100 * initial
	}

	// Clamp before converting: the product overflows to +Inf for large
	// attempt counts, and an out-of-range float-to-Duration conversion is
	// unspecified.
	delay := float64(initial) * math.Pow(coefficient, float64(attempt-1))
	if delay >= float64(maxInterval) {
		return maxInterval
	}
	return time.Duration(delay)
}

// NonRetryable reports whether the given failure kind matches the policy's
// non-retryable list.
func (r *RetryPolicy) NonRetryable(errKind string) bool {
	return slices.Contains(r.NonRetryableErrorTypes, errKind)
}
