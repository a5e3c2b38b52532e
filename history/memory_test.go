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

package history

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/everflow-io/everflow/api"
	"github.com/everflow-io/everflow/internal/errors"
)

var memExec = api.Execution{WorkflowID: "wf-mem", RunID: "run-mem"}

func signal(name string) *api.SignalReceived {
	return &api.SignalReceived{Execution: memExec, SignalName: name, Payload: "p"}
}

func TestMemory_AppendAssignsIncreasingIDs(t *testing.T) {
	store := NewMemory(nil)
	ctx := context.Background()

	for i := 1; i <= 5; i++ {
		id, err := store.Append(ctx, memExec, signal("s"))
		require.NoError(t, err)
		assert.Equal(t, api.EventID(i), id)
	}

	last, err := store.LatestSequence(ctx, memExec)
	require.NoError(t, err)
	assert.Equal(t, api.EventID(5), last)
}

func TestMemory_HistoryUnknownExecution(t *testing.T) {
	store := NewMemory(nil)

	_, err := store.History(context.Background(), memExec, 0)
	assert.ErrorIs(t, err, errors.ErrNotFound)
}

func TestMemory_HistoryFromOffset(t *testing.T) {
	store := NewMemory(nil)
	ctx := context.Background()

	for _, name := range []string{"a", "b", "c"} {
		_, err := store.Append(ctx, memExec, signal(name))
		require.NoError(t, err)
	}

	records, err := store.History(ctx, memExec, 1)
	require.NoError(t, err)
	require.Len(t, records, 2)
	assert.Equal(t, api.EventID(2), records[0].EventID)
	assert.Equal(t, "b", records[0].Event.(*api.SignalReceived).SignalName)
	assert.Equal(t, api.EventID(3), records[1].EventID)
}

func TestMemory_ExpectedLastConflict(t *testing.T) {
	store := NewMemory(nil)
	ctx := context.Background()

	_, err := store.Append(ctx, memExec, signal("a"), WithExpectedLast(0))
	require.NoError(t, err)

	_, err = store.Append(ctx, memExec, signal("b"), WithExpectedLast(0))
	assert.ErrorIs(t, err, errors.ErrSequenceConflict)

	_, err = store.Append(ctx, memExec, signal("b"), WithExpectedLast(1))
	assert.NoError(t, err)
}

func TestMemory_ConcurrentAppendsStayStrictlyIncreasing(t *testing.T) {
	store := NewMemory(nil)
	ctx := context.Background()

	const writers = 8
	const perWriter = 25

	var wg sync.WaitGroup
	for w := 0; w < writers; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < perWriter; i++ {
				_, err := store.Append(ctx, memExec, signal("s"))
				assert.NoError(t, err)
			}
		}()
	}
	wg.Wait()

	records, err := store.History(ctx, memExec, 0)
	require.NoError(t, err)
	require.Len(t, records, writers*perWriter)
	for i, rec := range records {
		assert.Equal(t, api.EventID(i+1), rec.EventID)
	}
}

func TestMemory_WatchDeliversBacklogThenLive(t *testing.T) {
	store := NewMemory(nil)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	_, err := store.Append(ctx, memExec, signal("backlog"))
	require.NoError(t, err)

	ch, err := store.Watch(ctx, memExec, 0)
	require.NoError(t, err)

	first := <-ch
	assert.Equal(t, api.EventID(1), first.EventID)
	assert.Equal(t, "backlog", first.Event.(*api.SignalReceived).SignalName)

	_, err = store.Append(ctx, memExec, signal("live"))
	require.NoError(t, err)

	select {
	case second := <-ch:
		assert.Equal(t, api.EventID(2), second.EventID)
		assert.Equal(t, "live", second.Event.(*api.SignalReceived).SignalName)
	case <-time.After(time.Second):
		t.Fatal("live event not delivered")
	}
}

func TestMemory_WatchAfterSkipsConsumedPrefix(t *testing.T) {
	store := NewMemory(nil)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	for _, name := range []string{"a", "b", "c"} {
		_, err := store.Append(ctx, memExec, signal(name))
		require.NoError(t, err)
	}

	ch, err := store.Watch(ctx, memExec, 2)
	require.NoError(t, err)

	rec := <-ch
	assert.Equal(t, api.EventID(3), rec.EventID)
}

func TestMemory_WatchAllSeesEveryExecution(t *testing.T) {
	store := NewMemory(nil)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	ch, err := store.WatchAll(ctx)
	require.NoError(t, err)

	other := api.Execution{WorkflowID: "wf-other", RunID: "run-other"}
	_, err = store.Append(ctx, memExec, signal("one"))
	require.NoError(t, err)
	_, err = store.Append(ctx, other, &api.SignalReceived{Execution: other, SignalName: "two"})
	require.NoError(t, err)

	seen := map[string]bool{}
	for len(seen) < 2 {
		select {
		case rec := <-ch:
			seen[rec.Event.(*api.SignalReceived).SignalName] = true
		case <-time.After(time.Second):
			t.Fatalf("missing events, saw %v", seen)
		}
	}
}

func TestMemory_WatchAllReplaysBacklogThenLive(t *testing.T) {
	store := NewMemory(nil)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	other := api.Execution{WorkflowID: "wf-other", RunID: "run-other"}
	_, err := store.Append(ctx, memExec, signal("before"))
	require.NoError(t, err)
	_, err = store.Append(ctx, other, &api.SignalReceived{Execution: other, SignalName: "also-before"})
	require.NoError(t, err)

	ch, err := store.WatchAll(ctx)
	require.NoError(t, err)

	seen := map[string]bool{}
	for len(seen) < 2 {
		select {
		case rec := <-ch:
			seen[rec.Event.(*api.SignalReceived).SignalName] = true
		case <-time.After(time.Second):
			t.Fatalf("backlog not replayed, saw %v", seen)
		}
	}
	assert.True(t, seen["before"])
	assert.True(t, seen["also-before"])

	_, err = store.Append(ctx, memExec, signal("after"))
	require.NoError(t, err)

	select {
	case rec := <-ch:
		assert.Equal(t, "after", rec.Event.(*api.SignalReceived).SignalName)
	case <-time.After(time.Second):
		t.Fatal("live event not delivered")
	}
}

func TestMemory_EventsRoundTripThroughCodec(t *testing.T) {
	store := NewMemory(nil)
	ctx := context.Background()

	_, err := store.Append(ctx, memExec, &api.ActivityScheduled{
		Execution:      memExec,
		ActivityID:     "activity-1",
		ActivityFnName: "acts.Charge",
		Input:          []any{"order-1"},
	})
	require.NoError(t, err)

	records, err := store.History(ctx, memExec, 0)
	require.NoError(t, err)
	require.Len(t, records, 1)

	scheduled, ok := records[0].Event.(*api.ActivityScheduled)
	require.True(t, ok)
	assert.Equal(t, "acts.Charge", scheduled.ActivityFnName)
	require.Len(t, scheduled.Input, 1)
	assert.Equal(t, "order-1", scheduled.Input[0])
}
