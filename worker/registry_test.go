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

package worker

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/everflow-io/everflow/internal/fn"
	"github.com/everflow-io/everflow/workflow"
)

func demoWorkflow(ctx workflow.Context) error { return nil }

func demoActivity(ctx context.Context) error { return nil }

func noError(ctx context.Context) {}

func TestRegistry_RoundTrip(t *testing.T) {
	r := NewRegistry()
	require.NoError(t, r.RegisterWorkflow(demoWorkflow))
	require.NoError(t, r.RegisterActivity(demoActivity))

	wfName, err := fn.FullName(demoWorkflow)
	require.NoError(t, err)
	f, ok := r.WorkflowFunc(wfName)
	assert.True(t, ok)
	assert.NotNil(t, f)

	actName, err := fn.FullName(demoActivity)
	require.NoError(t, err)
	f, ok = r.ActivityFunc(actName)
	assert.True(t, ok)
	assert.NotNil(t, f)

	_, ok = r.WorkflowFunc("unknown")
	assert.False(t, ok)
}

func TestRegistry_RejectsDuplicates(t *testing.T) {
	r := NewRegistry()
	require.NoError(t, r.RegisterWorkflow(demoWorkflow))
	assert.Error(t, r.RegisterWorkflow(demoWorkflow))

	require.NoError(t, r.RegisterActivity(demoActivity))
	assert.Error(t, r.RegisterActivity(demoActivity))
}

func TestRegistry_RejectsBadSignatures(t *testing.T) {
	r := NewRegistry()
	assert.Error(t, r.RegisterWorkflow(42))
	assert.Error(t, r.RegisterActivity(noError))
}
