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
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestNextDelay_ExponentialWithCap(t *testing.T) {
	p := &RetryPolicy{
		InitialInterval:    time.Second,
		BackoffCoefficient: 2.0,
		MaximumInterval:    10 * time.Second,
		MaximumAttempts:    6,
	}

	want := []time.Duration{
		1 * time.Second,
		2 * time.Second,
		4 * time.Second,
		8 * time.Second,
		10 * time.Second, // capped
		10 * time.Second,
	}
	for i, expected := range want {
		attempt := int32(i + 1)
		assert.Equal(t, expected, p.NextDelay(attempt), "attempt %d", attempt)
	}
}

func TestNextDelay_Defaults(t *testing.T) {
	p := &RetryPolicy{}

	assert.Equal(t, time.Second, p.NextDelay(1))
	assert.Equal(t, 2*time.Second, p.NextDelay(2))
	// Default cap is 100x the initial interval.
	assert.Equal(t, 100*time.Second, p.NextDelay(30))
}

func TestNextDelay_ConstantBackoff(t *testing.T) {
	p := &RetryPolicy{
		InitialInterval:    500 * time.Millisecond,
		BackoffCoefficient: 1.0,
	}

	for attempt := int32(1); attempt <= 5; attempt++ {
		assert.Equal(t, 500*time.Millisecond, p.NextDelay(attempt))
	}
}

func TestNextDelay_HugeAttemptStaysAtCap(t *testing.T) {
	p := &RetryPolicy{
		InitialInterval:    time.Second,
		BackoffCoefficient: 2.0,
		MaximumInterval:    10 * time.Second,
	}

	// 2^attempt overflows float64 to +Inf well before this; the clamp must
	// hold in float space so the result never goes negative or wraps.
	for _, attempt := range []int32{64, 1025, 1 << 30} {
		assert.Equal(t, 10*time.Second, p.NextDelay(attempt), "attempt %d", attempt)
	}
}

func TestNonRetryable(t *testing.T) {
	p := &RetryPolicy{NonRetryableErrorTypes: []string{"order.ValidationError"}}

	assert.True(t, p.NonRetryable("order.ValidationError"))
	assert.False(t, p.NonRetryable("order.TransientError"))
	assert.False(t, (&RetryPolicy{}).NonRetryable("anything"))
}
