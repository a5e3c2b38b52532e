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
	"fmt"
	"reflect"
	"sync"

	"github.com/everflow-io/everflow/internal/fn"
)

// Registry maps recorded function names back to registered workflow and
// activity functions. Histories store names, so every worker that may pick
// up an execution must register the same functions under the same import
// paths.
type Registry struct {
	mu         sync.RWMutex
	workflows  map[string]any
	activities map[string]any
}

func NewRegistry() *Registry {
	return &Registry{
		workflows:  make(map[string]any),
		activities: make(map[string]any),
	}
}

// RegisterWorkflow registers a workflow function. Signature:
// func(workflow.Context, args...) (results..., error).
func (r *Registry) RegisterWorkflow(f any) error {
	name, err := fn.FullName(f)
	if err != nil {
		return fmt.Errorf("register workflow: %w", err)
	}
	if !fn.ReturnsErrorLast(reflect.TypeOf(f)) {
		return fmt.Errorf("register workflow %s: must return error as its last value", name)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, dup := r.workflows[name]; dup {
		return fmt.Errorf("register workflow %s: already registered", name)
	}
	r.workflows[name] = f
	return nil
}

// RegisterActivity registers an activity function. Signature:
// func(context.Context, args...) (results..., error).
func (r *Registry) RegisterActivity(f any) error {
	name, err := fn.FullName(f)
	if err != nil {
		return fmt.Errorf("register activity: %w", err)
	}
	if !fn.ReturnsErrorLast(reflect.TypeOf(f)) {
		return fmt.Errorf("register activity %s: must return error as its last value", name)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, dup := r.activities[name]; dup {
		return fmt.Errorf("register activity %s: already registered", name)
	}
	r.activities[name] = f
	return nil
}

// WorkflowFunc implements workflow.Registry.
func (r *Registry) WorkflowFunc(name string) (any, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	f, ok := r.workflows[name]
	return f, ok
}

// ActivityFunc resolves a registered activity by name.
func (r *Registry) ActivityFunc(name string) (any, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	f, ok := r.activities[name]
	return f, ok
}
