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
	stderrors "errors"
	"log/slog"
	"sync"
	"time"

	"github.com/everflow-io/everflow/api"
	"github.com/everflow-io/everflow/history"
	"github.com/everflow-io/everflow/internal/errors"
	"github.com/everflow-io/everflow/replay"
	"github.com/everflow-io/everflow/taskqueue"
)

// projectorStore is what the projector needs from the event store.
type projectorStore interface {
	history.Store
	history.AllWatcher
}

// Projector turns the history firehose into tasks: a schedule event
// becomes an activity task, and every wake-up event (outcome, signal,
// timer, cancel) becomes a workflow task. Task creation is at-least-once;
// duplicates are absorbed by the idempotency checks in the runner and
// executor.
type Projector struct {
	store     projectorStore
	workflowQ taskqueue.Queue
	activityQ taskqueue.Queue
	logger    *slog.Logger

	mu      sync.Mutex
	fnNames map[api.Execution]string
}

func NewProjector(store projectorStore, workflowQ, activityQ taskqueue.Queue, logger *slog.Logger) *Projector {
	if logger == nil {
		logger = slog.Default()
	}
	return &Projector{
		store:     store,
		workflowQ: workflowQ,
		activityQ: activityQ,
		logger:    logger,
		fnNames:   make(map[api.Execution]string),
	}
}

// Run consumes history until ctx is done.
func (p *Projector) Run(ctx context.Context) error {
	ch, err := p.store.WatchAll(ctx)
	if err != nil {
		return err
	}
	for {
		select {
		case rec, ok := <-ch:
			if !ok {
				return ctx.Err()
			}
			p.project(ctx, rec)
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

func (p *Projector) project(ctx context.Context, rec api.Record) {
	switch e := rec.Event.(type) {
	case *api.WorkflowStarted:
		p.mu.Lock()
		p.fnNames[e.Execution] = e.WorkflowFnName
		p.mu.Unlock()
		p.enqueueWorkflowTask(ctx, e.Execution)

	case *api.ActivityScheduled:
		task := &api.ActivityTask{
			Execution:             e.Execution,
			ActivityID:            e.ActivityID,
			ActivityFn:            e.ActivityFnName,
			Input:                 e.Input,
			RetryPolicy:           e.RetryPolicy,
			StartToCloseTimeoutMs: e.StartToCloseTimeoutMs,
		}
		if err := p.activityQ.Enqueue(ctx, task); err != nil {
			p.logger.Error("enqueue activity task failed",
				"execution", e.Execution, "activity_id", e.ActivityID, "error", err)
		}

	case *api.ActivityCompleted:
		p.enqueueWorkflowTask(ctx, e.Execution)

	case *api.ActivityFailed:
		// Only the loop-ending failure resolves a future and can unblock
		// the workflow.
		if e.Final {
			p.enqueueWorkflowTask(ctx, e.Execution)
		}

	case *api.SignalReceived:
		p.enqueueWorkflowTask(ctx, e.Execution)

	case *api.TimerFired:
		p.enqueueWorkflowTask(ctx, e.Execution)

	case *api.WorkflowCancelRequested:
		p.enqueueWorkflowTask(ctx, e.Execution)

	case *api.TimerStarted:
		p.scheduleTimer(ctx, e)

	case *api.WorkflowCompleted:
		p.forget(e.Execution)

	case *api.WorkflowFailed:
		p.forget(e.Execution)
	}
}

func (p *Projector) forget(exec api.Execution) {
	p.mu.Lock()
	delete(p.fnNames, exec)
	p.mu.Unlock()
}

func (p *Projector) enqueueWorkflowTask(ctx context.Context, exec api.Execution) {
	p.mu.Lock()
	fnName := p.fnNames[exec]
	p.mu.Unlock()

	task := &api.WorkflowTask{Execution: exec, WorkflowFn: fnName}
	if err := p.workflowQ.Enqueue(ctx, task); err != nil {
		p.logger.Error("enqueue workflow task failed", "execution", exec, "error", err)
	}
}

// scheduleTimer arms a wall-clock timer for a durable timer event. The
// fire-at instant comes from the recorded event, so a restarted projector
// re-arms with the remaining duration rather than the original one.
func (p *Projector) scheduleTimer(ctx context.Context, e *api.TimerStarted) {
	delay := time.Until(time.UnixMilli(e.FireAtUnixMs))
	if delay < 0 {
		delay = 0
	}
	exec, timerID := e.Execution, e.TimerID
	time.AfterFunc(delay, func() {
		if ctx.Err() != nil {
			return
		}
		p.fireTimer(ctx, exec, timerID)
	})
}

// fireTimer appends TimerFired exactly once per timer: the append is
// guarded by the folded state and an expected-sequence check, so two
// projectors racing on the same timer cannot both record it.
func (p *Projector) fireTimer(ctx context.Context, exec api.Execution, timerID string) {
	for attempt := 0; attempt < 5; attempt++ {
		records, err := p.store.History(ctx, exec, 0)
		if err != nil {
			p.logger.Error("timer fire: load history failed",
				"execution", exec, "timer_id", timerID, "error", err)
			return
		}
		state, err := replay.Fold(records)
		if err != nil {
			p.logger.Error("timer fire: fold failed",
				"execution", exec, "timer_id", timerID, "error", err)
			return
		}
		if state.Terminal() {
			return
		}
		if _, fired := state.TimersFired[timerID]; fired {
			return
		}

		_, err = p.store.Append(ctx, exec, &api.TimerFired{
			Execution: exec,
			TimerID:   timerID,
		}, history.WithExpectedLast(state.LastEventID))
		if err == nil {
			return
		}
		if stderrors.Is(err, errors.ErrSequenceConflict) {
			continue
		}
		p.logger.Error("timer fire: append failed",
			"execution", exec, "timer_id", timerID, "error", err)
		return
	}
	p.logger.Error("timer fire: gave up after conflicts",
		"execution", exec, "timer_id", timerID)
}
