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
	stderrors "errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"

	"github.com/everflow-io/everflow/api"
	"github.com/everflow-io/everflow/api/serde"
	"github.com/everflow-io/everflow/internal/errors"
	"github.com/everflow-io/everflow/internal/natz"
)

var (
	_ Store      = (*JetStream)(nil)
	_ Watcher    = (*JetStream)(nil)
	_ AllWatcher = (*JetStream)(nil)
)

const eventIDHeader = "Everflow-Event-Id"

// JetStream persists each execution's history on its own subject of one
// stream, so the per-subject message count tracks the execution's EventID
// and the expected-last-subject-sequence publish option gives us the
// optimistic concurrency check for free.
type JetStream struct {
	conn  *natz.Connection
	codec serde.BinarySerde

	streamName    string
	subjectPrefix string
	filterSubject string
	storage       jetstream.StorageType
}

// JetStreamOption configures the JetStream store.
type JetStreamOption func(*JetStream)

// WithStreamName overrides the default history stream name.
func WithStreamName(name string) JetStreamOption {
	return func(s *JetStream) { s.streamName = name }
}

// WithSubjectPrefix overrides the default subject prefix.
func WithSubjectPrefix(prefix string) JetStreamOption {
	return func(s *JetStream) {
		s.subjectPrefix = prefix
		s.filterSubject = prefix + ".>"
	}
}

// WithStorage selects memory or file storage for the stream.
func WithStorage(storage jetstream.StorageType) JetStreamOption {
	return func(s *JetStream) { s.storage = storage }
}

// NewJetStream builds the store and ensures its stream exists.
func NewJetStream(ctx context.Context, conn *natz.Connection, codec serde.BinarySerde, opts ...JetStreamOption) (*JetStream, error) {
	if conn == nil {
		return nil, fmt.Errorf("history: nil NATS connection")
	}
	if codec == nil {
		codec = &serde.MsgpackSerde{}
	}

	s := &JetStream{
		conn:          conn,
		codec:         codec,
		streamName:    api.WorkflowHistoryStream,
		subjectPrefix: api.HistorySubjectPrefix,
		filterSubject: api.HistoryFilterSubjectPattern,
		storage:       jetstream.FileStorage,
	}
	for _, opt := range opts {
		opt(s)
	}

	_, err := conn.EnsureStream(ctx, jetstream.StreamConfig{
		Name:     s.streamName,
		Subjects: []string{s.filterSubject},
		Storage:  s.storage,
	})
	if err != nil {
		return nil, errors.NewStorageError("ensure-stream", err)
	}
	return s, nil
}

func (s *JetStream) Append(ctx context.Context, exec api.Execution, e api.WorkflowEvent, opts ...AppendOption) (api.EventID, error) {
	name, data, err := encodeEvent(s.codec, e)
	if err != nil {
		return 0, errors.NewStorageError("append", err)
	}

	o := applyAppendOptions(opts)

	// The publish needs the current per-subject sequence either way: to
	// enforce the caller's expectation, or to claim the next EventID
	// without interleaving with a concurrent writer.
	last, err := s.LatestSequence(ctx, exec)
	if err != nil {
		return 0, err
	}
	if o.hasExpected && o.expectedLast != last {
		return 0, errors.ErrSequenceConflict
	}
	next := last + 1

	msg := &nats.Msg{
		Subject: s.subject(exec),
		Data:    data,
		Header: nats.Header{
			api.EventNameHeader:      []string{name},
			api.EventExecutionHeader: []string{exec.String()},
			eventIDHeader:            []string{strconv.FormatInt(int64(next), 10)},
		},
	}

	_, err = s.conn.PublishMsg(ctx, msg, jetstream.WithExpectLastSequencePerSubject(uint64(last)))
	if err != nil {
		var apiErr *jetstream.APIError
		if stderrors.As(err, &apiErr) && apiErr.ErrorCode == jetstream.JSErrCodeStreamWrongLastSequence {
			return 0, errors.ErrSequenceConflict
		}
		return 0, errors.NewStorageError("append", err)
	}
	return next, nil
}

func (s *JetStream) History(ctx context.Context, exec api.Execution, from api.EventID) ([]api.Record, error) {
	last, err := s.LatestSequence(ctx, exec)
	if err != nil {
		return nil, err
	}
	if last == 0 {
		return nil, errors.ErrNotFound
	}
	if from >= last {
		return []api.Record{}, nil
	}

	cons, err := s.conn.JS().OrderedConsumer(ctx, s.streamName, jetstream.OrderedConsumerConfig{
		FilterSubjects: []string{s.subject(exec)},
		DeliverPolicy:  jetstream.DeliverAllPolicy,
	})
	if err != nil {
		return nil, errors.NewStorageError("history", err)
	}

	records := make([]api.Record, 0, int(last-from))
	for {
		msg, err := cons.Next(jetstream.FetchMaxWait(5 * time.Second))
		if err != nil {
			return nil, errors.NewStorageError("history", err)
		}
		rec, err := s.decodeMsg(msg)
		if err != nil {
			return nil, errors.NewStorageError("history", err)
		}
		if rec.EventID > from {
			records = append(records, rec)
		}
		if rec.EventID >= last {
			break
		}
	}
	return records, nil
}

func (s *JetStream) LatestSequence(ctx context.Context, exec api.Execution) (api.EventID, error) {
	stream, err := s.conn.JS().Stream(ctx, s.streamName)
	if err != nil {
		return 0, errors.NewStorageError("latest-sequence", err)
	}
	raw, err := stream.GetLastMsgForSubject(ctx, s.subject(exec))
	if err != nil {
		if stderrors.Is(err, jetstream.ErrMsgNotFound) {
			return 0, nil
		}
		return 0, errors.NewStorageError("latest-sequence", err)
	}
	id, err := strconv.ParseInt(raw.Header.Get(eventIDHeader), 10, 64)
	if err != nil {
		return 0, errors.NewStorageError("latest-sequence", fmt.Errorf("malformed event id header: %w", err))
	}
	return api.EventID(id), nil
}

// Watch live-tails one execution's subject through an ordered consumer.
func (s *JetStream) Watch(ctx context.Context, exec api.Execution, after api.EventID) (<-chan api.Record, error) {
	return s.watch(ctx, []string{s.subject(exec)}, after)
}

// WatchAll live-tails the whole history stream.
func (s *JetStream) WatchAll(ctx context.Context) (<-chan api.Record, error) {
	return s.watch(ctx, []string{s.filterSubject}, 0)
}

func (s *JetStream) watch(ctx context.Context, subjects []string, after api.EventID) (<-chan api.Record, error) {
	cons, err := s.conn.JS().OrderedConsumer(ctx, s.streamName, jetstream.OrderedConsumerConfig{
		FilterSubjects: subjects,
		DeliverPolicy:  jetstream.DeliverAllPolicy,
	})
	if err != nil {
		return nil, errors.NewStorageError("watch", err)
	}

	it, err := cons.Messages()
	if err != nil {
		return nil, errors.NewStorageError("watch", err)
	}

	out := make(chan api.Record, 64)
	go func() {
		defer close(out)
		defer it.Stop()
		for {
			msg, err := it.Next()
			if err != nil {
				return
			}
			rec, err := s.decodeMsg(msg)
			if err != nil {
				continue
			}
			if rec.EventID <= after {
				continue
			}
			select {
			case out <- rec:
			case <-ctx.Done():
				return
			}
		}
	}()

	go func() {
		<-ctx.Done()
		it.Stop()
	}()

	return out, nil
}

func (s *JetStream) decodeMsg(msg jetstream.Msg) (api.Record, error) {
	name := msg.Headers().Get(api.EventNameHeader)
	e, err := decodeEvent(s.codec, name, msg.Data())
	if err != nil {
		return api.Record{}, err
	}
	id, err := strconv.ParseInt(msg.Headers().Get(eventIDHeader), 10, 64)
	if err != nil {
		return api.Record{}, fmt.Errorf("malformed event id header: %w", err)
	}
	meta, err := msg.Metadata()
	ts := time.Now().UTC()
	if err == nil {
		ts = meta.Timestamp
	}
	return api.Record{EventID: api.EventID(id), Time: ts, Event: e}, nil
}

func (s *JetStream) subject(exec api.Execution) string {
	return fmt.Sprintf(api.HistoryPublishSubjectPattern, subjectToken(exec))
}

var subjectSanitizer = strings.NewReplacer(".", "_", "*", "_", ">", "_", " ", "_")

func subjectToken(exec api.Execution) string {
	return subjectSanitizer.Replace(string(exec.WorkflowID)) + "." + subjectSanitizer.Replace(string(exec.RunID))
}
