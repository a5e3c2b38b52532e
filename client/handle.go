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

package client

import (
	"context"
	"fmt"

	"github.com/everflow-io/everflow/api"
	"github.com/everflow-io/everflow/internal/errors"
)

// Handle references one workflow execution.
type Handle struct {
	client *Client
	exec   api.Execution
}

// Execution returns the identity this handle points at.
func (h *Handle) Execution() api.Execution   { return h.exec }
func (h *Handle) WorkflowID() api.WorkflowID { return h.exec.WorkflowID }
func (h *Handle) RunID() api.RunID           { return h.exec.RunID }

// GetResult blocks until the execution reaches a terminal event, then
// decodes the workflow's return values into valuePtrs. A failed workflow
// yields a *WorkflowExecutionError carrying the recorded failure.
func (h *Handle) GetResult(ctx context.Context, valuePtrs ...any) error {
	ch, err := h.client.store.Watch(ctx, h.exec, 0)
	if err != nil {
		return fmt.Errorf("await result for %s: %w", h.exec, err)
	}

	for {
		select {
		case rec, ok := <-ch:
			if !ok {
				if err := ctx.Err(); err != nil {
					return err
				}
				return fmt.Errorf("await result for %s: watch closed", h.exec)
			}
			switch e := rec.Event.(type) {
			case *api.WorkflowCompleted:
				if len(valuePtrs) > len(e.Result) {
					return fmt.Errorf("await result for %s: %d destinations for %d results",
						h.exec, len(valuePtrs), len(e.Result))
				}
				for i, ptr := range valuePtrs {
					if err := h.client.assignOne(e.Result[i], ptr); err != nil {
						return err
					}
				}
				return nil
			case *api.WorkflowFailed:
				return errors.NewWorkflowExecutionError(string(h.exec.WorkflowID), e.Error, nil)
			}
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// Signal delivers a named payload to this execution.
func (h *Handle) Signal(ctx context.Context, name string, payload any) error {
	return h.client.SignalWorkflow(ctx, h.exec, name, payload)
}

// Query runs a named read-only query against this execution.
func (h *Handle) Query(ctx context.Context, name string, valuePtr any) error {
	return h.client.QueryWorkflow(ctx, h.exec, name, valuePtr)
}

// Cancel asks the execution to stop cooperatively.
func (h *Handle) Cancel(ctx context.Context, reason string) error {
	return h.client.CancelWorkflow(ctx, h.exec, reason)
}
