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

// Package replay derives execution state from history. Fold is a pure
// function of the event sequence: no clock, no randomness, no I/O. Given
// the same records it always produces the same state, which is what lets
// any worker resume any workflow from its log alone.
package replay

import (
	"fmt"

	"github.com/everflow-io/everflow/api"
)

// ActivityOutcome is how a scheduled activity ended, if it has.
type ActivityOutcome int

const (
	// OutcomePending means no final completion or failure is recorded yet.
	OutcomePending ActivityOutcome = iota
	OutcomeCompleted
	OutcomeFailed
)

// ActivityState tracks one scheduled activity through the log.
type ActivityState struct {
	ActivityID     string
	ActivityFnName string
	Input          []any

	ScheduledEventID api.EventID
	Attempts         int32

	Outcome        ActivityOutcome
	OutcomeEventID api.EventID
	Result         []any
	Error          string
	Reason         api.FailureReason
}

// SignalEntry is one delivered signal in the mailbox, retained in arrival
// order until a workflow await consumes it.
type SignalEntry struct {
	EventID api.EventID
	Name    string
	Payload any
}

// ExecutionState is everything the log says about one run. It is a value
// derived from events, never written back to the store.
type ExecutionState struct {
	Execution api.Execution

	WorkflowFnName string
	Input          []any

	Status  api.Status
	Result  []any
	Failure string

	CancelRequested bool
	CancelReason    string

	// Activities keyed by deterministic ActivityID.
	Activities map[string]*ActivityState

	// TimersStarted / TimersFired record the EventID at which each timer
	// event landed; the relative order against mailbox entries decides
	// signal-vs-timeout races during replay.
	TimersStarted map[string]api.EventID
	TimersFired   map[string]api.EventID

	// Mailbox holds signals in FIFO arrival order. Consumption happens in
	// the workflow runner, not here; the fold only accumulates.
	Mailbox []SignalEntry

	LastEventID api.EventID
}

// NewExecutionState returns the empty pre-start state.
func NewExecutionState() *ExecutionState {
	return &ExecutionState{
		Status:        api.StatusScheduled,
		Activities:    make(map[string]*ActivityState),
		TimersStarted: make(map[string]api.EventID),
		TimersFired:   make(map[string]api.EventID),
	}
}

// Fold replays the records, in order, into a fresh state.
func Fold(records []api.Record) (*ExecutionState, error) {
	s := NewExecutionState()
	for _, rec := range records {
		if err := s.Apply(rec); err != nil {
			return nil, err
		}
	}
	return s, nil
}

// Apply folds a single record into the state. Records must arrive in
// EventID order; a gap or regression is a corrupted read, not a state.
func (s *ExecutionState) Apply(rec api.Record) error {
	if rec.EventID <= s.LastEventID {
		return fmt.Errorf("replay: event %d applied after %d", rec.EventID, s.LastEventID)
	}

	switch e := rec.Event.(type) {
	case *api.WorkflowStarted:
		s.Execution = e.Execution
		s.WorkflowFnName = e.WorkflowFnName
		s.Input = e.Input
		s.Status = api.StatusRunning

	case *api.ActivityScheduled:
		if _, dup := s.Activities[e.ActivityID]; dup {
			return fmt.Errorf("replay: activity %q scheduled twice", e.ActivityID)
		}
		s.Activities[e.ActivityID] = &ActivityState{
			ActivityID:       e.ActivityID,
			ActivityFnName:   e.ActivityFnName,
			Input:            e.Input,
			ScheduledEventID: rec.EventID,
		}

	case *api.ActivityStarted:
		a, err := s.activity(e.ActivityID)
		if err != nil {
			return err
		}
		if e.Attempt > a.Attempts {
			a.Attempts = e.Attempt
		}

	case *api.ActivityCompleted:
		a, err := s.activity(e.ActivityID)
		if err != nil {
			return err
		}
		a.Outcome = OutcomeCompleted
		a.OutcomeEventID = rec.EventID
		a.Result = e.Result

	case *api.ActivityFailed:
		a, err := s.activity(e.ActivityID)
		if err != nil {
			return err
		}
		// Per-attempt failures are informational; only the final one
		// resolves the activity.
		if e.Final {
			a.Outcome = OutcomeFailed
			a.OutcomeEventID = rec.EventID
			a.Error = e.Error
			a.Reason = e.Reason
		}

	case *api.TimerStarted:
		s.TimersStarted[e.TimerID] = rec.EventID

	case *api.TimerFired:
		s.TimersFired[e.TimerID] = rec.EventID

	case *api.SignalReceived:
		s.Mailbox = append(s.Mailbox, SignalEntry{
			EventID: rec.EventID,
			Name:    e.SignalName,
			Payload: e.Payload,
		})

	case *api.WorkflowCancelRequested:
		s.CancelRequested = true
		s.CancelReason = e.Reason

	case *api.WorkflowCompleted:
		s.Status = api.StatusCompleted
		s.Result = e.Result

	case *api.WorkflowFailed:
		s.Status = api.StatusFailed
		s.Failure = e.Error

	default:
		return fmt.Errorf("replay: unhandled event %T", rec.Event)
	}

	s.LastEventID = rec.EventID
	return nil
}

// ActivityOutcomeFor returns the resolved state of the given activity,
// or nil when it is unknown or still pending.
func (s *ExecutionState) ActivityOutcomeFor(activityID string) *ActivityState {
	a, ok := s.Activities[activityID]
	if !ok || a.Outcome == OutcomePending {
		return nil
	}
	return a
}

// TimerIsFired reports whether the timer fired, with the EventID it fired
// at.
func (s *ExecutionState) TimerIsFired(timerID string) (api.EventID, bool) {
	id, ok := s.TimersFired[timerID]
	return id, ok
}

// Terminal reports whether the run has ended.
func (s *ExecutionState) Terminal() bool { return s.Status.Terminal() }

func (s *ExecutionState) activity(id string) (*ActivityState, error) {
	a, ok := s.Activities[id]
	if !ok {
		return nil, fmt.Errorf("replay: activity %q referenced before scheduled", id)
	}
	return a, nil
}
