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

package taskqueue

import (
	"context"
	stderrors "errors"
	"fmt"
	"strings"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"

	"github.com/everflow-io/everflow/api"
	"github.com/everflow-io/everflow/api/serde"
	"github.com/everflow-io/everflow/internal/errors"
	"github.com/everflow-io/everflow/internal/natz"
)

var _ Queue = (*JetStream)(nil)

const taskKindHeader = "Everflow-Task-Kind"

const (
	taskKindWorkflow = "workflow"
	taskKindActivity = "activity"
)

// JetStream is a work-queue stream with an explicit-ack durable consumer
// shared by every worker, so each task is leased by exactly one of them at
// a time.
type JetStream struct {
	conn  *natz.Connection
	codec serde.BinarySerde

	subjectPattern string
	cons           jetstream.Consumer
}

// NewJetStreamWorkflowQueue builds the workflow-task queue.
func NewJetStreamWorkflowQueue(ctx context.Context, conn *natz.Connection, codec serde.BinarySerde) (*JetStream, error) {
	return newJetStream(ctx, conn, codec,
		api.WorkflowTasksStream, api.WorkflowTaskPublishSubjectPattern,
		api.WorkflowTasksFilterSubjectPattern, api.WorkflowTaskWorkerConsumer)
}

// NewJetStreamActivityQueue builds the activity-task queue.
func NewJetStreamActivityQueue(ctx context.Context, conn *natz.Connection, codec serde.BinarySerde) (*JetStream, error) {
	return newJetStream(ctx, conn, codec,
		api.ActivityTasksStream, api.ActivityTaskPublishSubjectPattern,
		api.ActivityTasksFilterSubjectPattern, api.ActivityTaskWorkerConsumer)
}

func newJetStream(ctx context.Context, conn *natz.Connection, codec serde.BinarySerde, stream, subjectPattern, filterSubject, consumerName string) (*JetStream, error) {
	if conn == nil {
		return nil, fmt.Errorf("taskqueue: nil NATS connection")
	}
	if codec == nil {
		codec = &serde.MsgpackSerde{}
	}

	_, err := conn.EnsureStream(ctx, jetstream.StreamConfig{
		Name:      stream,
		Subjects:  []string{filterSubject},
		Retention: jetstream.WorkQueuePolicy,
		Storage:   jetstream.FileStorage,
	})
	if err != nil {
		return nil, errors.NewStorageError("ensure-task-stream", err)
	}

	cons, err := conn.EnsureConsumer(ctx, stream, jetstream.ConsumerConfig{
		Name:          consumerName,
		Durable:       consumerName,
		AckPolicy:     jetstream.AckExplicitPolicy,
		AckWait:       30 * time.Second,
		MaxDeliver:    -1,
		DeliverPolicy: jetstream.DeliverAllPolicy,
	})
	if err != nil {
		return nil, errors.NewStorageError("ensure-task-consumer", err)
	}

	return &JetStream{
		conn:           conn,
		codec:          codec,
		subjectPattern: subjectPattern,
		cons:           cons,
	}, nil
}

func (q *JetStream) Enqueue(ctx context.Context, task api.Task) error {
	kind, err := kindOf(task)
	if err != nil {
		return err
	}
	data, err := q.codec.SerializeBinary(task)
	if err != nil {
		return fmt.Errorf("taskqueue: encode task: %w", err)
	}

	exec := task.TaskExecution()
	msg := &nats.Msg{
		Subject: fmt.Sprintf(q.subjectPattern, sanitizeToken(string(exec.WorkflowID))),
		Data:    data,
		Header: nats.Header{
			taskKindHeader:           []string{kind},
			api.EventExecutionHeader: []string{exec.String()},
		},
	}
	if _, err := q.conn.PublishMsg(ctx, msg); err != nil {
		return errors.NewStorageError("enqueue", err)
	}
	return nil
}

func (q *JetStream) Dequeue(ctx context.Context) (*Delivery, error) {
	for {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		batch, err := q.cons.Fetch(1, jetstream.FetchMaxWait(5*time.Second))
		if err != nil {
			if stderrors.Is(err, nats.ErrTimeout) {
				continue
			}
			return nil, errors.NewStorageError("dequeue", err)
		}
		for msg := range batch.Messages() {
			task, err := q.decodeTask(msg)
			if err != nil {
				// Undeliverable payload; never retry it.
				_ = msg.Term()
				return nil, err
			}
			return &Delivery{
				Task: task,
				Ack:  msg.Ack,
				Nak: func(delay time.Duration) error {
					if delay > 0 {
						return msg.NakWithDelay(delay)
					}
					return msg.Nak()
				},
				Term: msg.Term,
			}, nil
		}
		if err := batch.Error(); err != nil {
			return nil, errors.NewStorageError("dequeue", err)
		}
	}
}

func (q *JetStream) decodeTask(msg jetstream.Msg) (api.Task, error) {
	var task api.Task
	switch kind := msg.Headers().Get(taskKindHeader); kind {
	case taskKindWorkflow:
		task = new(api.WorkflowTask)
	case taskKindActivity:
		task = new(api.ActivityTask)
	default:
		return nil, fmt.Errorf("taskqueue: unknown task kind %q", kind)
	}
	if err := q.codec.DeserializeBinary(msg.Data(), task); err != nil {
		return nil, fmt.Errorf("taskqueue: decode task: %w", err)
	}
	return task, nil
}

func kindOf(task api.Task) (string, error) {
	switch task.(type) {
	case *api.WorkflowTask:
		return taskKindWorkflow, nil
	case *api.ActivityTask:
		return taskKindActivity, nil
	default:
		return "", fmt.Errorf("taskqueue: unsupported task type %T", task)
	}
}

var tokenSanitizer = strings.NewReplacer(".", "_", "*", "_", ">", "_", " ", "_")

func sanitizeToken(s string) string { return tokenSanitizer.Replace(s) }
