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
	"time"

	"github.com/everflow-io/everflow/api"
	"github.com/everflow-io/everflow/api/serde"
	"github.com/everflow-io/everflow/internal/errors"
)

var (
	_ Store      = (*Memory)(nil)
	_ Watcher    = (*Memory)(nil)
	_ AllWatcher = (*Memory)(nil)
)

// Memory is the in-process store used for tests and single-node setups.
// Events are serialized on append and deserialized on read so payloads see
// the same codec round-trip as the JetStream backend; replay then behaves
// identically against either store.
type Memory struct {
	codec serde.BinarySerde

	mu       sync.RWMutex
	logs     map[api.Execution][]memRecord
	watchers map[api.Execution][]*memWatcher
	all      []*memWatcher
}

type memRecord struct {
	eventID api.EventID
	time    time.Time
	name    string
	data    []byte
}

type memWatcher struct {
	ch     chan api.Record
	ctx    context.Context
	closed sync.Once
}

// NewMemory builds an empty in-memory store.
func NewMemory(codec serde.BinarySerde) *Memory {
	if codec == nil {
		codec = &serde.MsgpackSerde{}
	}
	return &Memory{
		codec:    codec,
		logs:     make(map[api.Execution][]memRecord),
		watchers: make(map[api.Execution][]*memWatcher),
	}
}

func (m *Memory) Append(ctx context.Context, exec api.Execution, e api.WorkflowEvent, opts ...AppendOption) (api.EventID, error) {
	if err := ctx.Err(); err != nil {
		return 0, errors.NewStorageError("append", err)
	}

	name, data, err := encodeEvent(m.codec, e)
	if err != nil {
		return 0, errors.NewStorageError("append", err)
	}

	o := applyAppendOptions(opts)

	m.mu.Lock()
	log := m.logs[exec]
	last := api.EventID(len(log))
	if o.hasExpected && o.expectedLast != last {
		m.mu.Unlock()
		return 0, errors.ErrSequenceConflict
	}
	rec := memRecord{
		eventID: last + 1,
		time:    time.Now().UTC(),
		name:    name,
		data:    data,
	}
	m.logs[exec] = append(log, rec)
	watchers := append([]*memWatcher{}, m.watchers[exec]...)
	watchers = append(watchers, m.all...)
	m.mu.Unlock()

	// Decode once for notification so every watcher gets its own view.
	for _, w := range watchers {
		decoded, derr := m.decode(rec)
		if derr != nil {
			continue
		}
		w.deliver(decoded)
	}

	return rec.eventID, nil
}

func (m *Memory) History(ctx context.Context, exec api.Execution, from api.EventID) ([]api.Record, error) {
	if err := ctx.Err(); err != nil {
		return nil, errors.NewStorageError("history", err)
	}

	m.mu.RLock()
	log, ok := m.logs[exec]
	recs := append([]memRecord{}, log...)
	m.mu.RUnlock()

	if !ok {
		return nil, errors.ErrNotFound
	}

	out := make([]api.Record, 0, len(recs))
	for _, rec := range recs {
		if rec.eventID <= from {
			continue
		}
		decoded, err := m.decode(rec)
		if err != nil {
			return nil, errors.NewStorageError("history", err)
		}
		out = append(out, decoded)
	}
	return out, nil
}

func (m *Memory) LatestSequence(ctx context.Context, exec api.Execution) (api.EventID, error) {
	if err := ctx.Err(); err != nil {
		return 0, errors.NewStorageError("latest-sequence", err)
	}

	m.mu.RLock()
	defer m.mu.RUnlock()
	return api.EventID(len(m.logs[exec])), nil
}

// Watch streams records for one execution: history beyond `after` first,
// then live appends. The channel closes when ctx is done.
func (m *Memory) Watch(ctx context.Context, exec api.Execution, after api.EventID) (<-chan api.Record, error) {
	w := &memWatcher{ch: make(chan api.Record, 64), ctx: ctx}

	m.mu.Lock()
	backlog := append([]memRecord{}, m.logs[exec]...)
	m.watchers[exec] = append(m.watchers[exec], w)
	m.mu.Unlock()

	out := make(chan api.Record, 64)
	go func() {
		defer close(out)
		defer m.dropWatcher(exec, w)

		last := after
		for _, rec := range backlog {
			if rec.eventID <= last {
				continue
			}
			decoded, err := m.decode(rec)
			if err != nil {
				return
			}
			select {
			case out <- decoded:
				last = rec.eventID
			case <-ctx.Done():
				return
			}
		}
		for {
			select {
			case rec, ok := <-w.ch:
				if !ok {
					return
				}
				// Skip anything already replayed from the backlog.
				if rec.EventID <= last {
					continue
				}
				select {
				case out <- rec:
					last = rec.EventID
				case <-ctx.Done():
					return
				}
			case <-ctx.Done():
				return
			}
		}
	}()

	return out, nil
}

// WatchAll streams every execution's records: the backlog recorded so
// far, then live appends. Backlog order is per execution; there is no
// cross-execution ordering, matching the store contract.
func (m *Memory) WatchAll(ctx context.Context) (<-chan api.Record, error) {
	w := &memWatcher{ch: make(chan api.Record, 256), ctx: ctx}

	// Snapshot and registration happen under one lock so an append lands
	// either in the backlog or on the live channel, never both or neither.
	m.mu.Lock()
	backlog := make([][]memRecord, 0, len(m.logs))
	for _, log := range m.logs {
		backlog = append(backlog, append([]memRecord{}, log...))
	}
	m.all = append(m.all, w)
	m.mu.Unlock()

	out := make(chan api.Record, 256)
	go func() {
		defer close(out)
		defer m.dropAllWatcher(w)
		for _, log := range backlog {
			for _, rec := range log {
				decoded, err := m.decode(rec)
				if err != nil {
					return
				}
				select {
				case out <- decoded:
				case <-ctx.Done():
					return
				}
			}
		}
		for {
			select {
			case rec, ok := <-w.ch:
				if !ok {
					return
				}
				select {
				case out <- rec:
				case <-ctx.Done():
					return
				}
			case <-ctx.Done():
				return
			}
		}
	}()

	return out, nil
}

func (m *Memory) decode(rec memRecord) (api.Record, error) {
	e, err := decodeEvent(m.codec, rec.name, rec.data)
	if err != nil {
		return api.Record{}, err
	}
	return api.Record{EventID: rec.eventID, Time: rec.time, Event: e}, nil
}

func (w *memWatcher) deliver(rec api.Record) {
	select {
	case w.ch <- rec:
	case <-w.ctx.Done():
	}
}

func (m *Memory) dropWatcher(exec api.Execution, w *memWatcher) {
	m.mu.Lock()
	defer m.mu.Unlock()
	ws := m.watchers[exec]
	for i, cand := range ws {
		if cand == w {
			m.watchers[exec] = append(ws[:i], ws[i+1:]...)
			break
		}
	}
}

func (m *Memory) dropAllWatcher(w *memWatcher) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i, cand := range m.all {
		if cand == w {
			m.all = append(m.all[:i], m.all[i+1:]...)
			break
		}
	}
}
