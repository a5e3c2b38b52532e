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

// NATS Stream Names
const (
	WorkflowHistoryStream = "WORKFLOW_HISTORY"
	WorkflowTasksStream   = "WORKFLOW_TASKS"
	ActivityTasksStream   = "ACTIVITY_TASKS"
)

// NATS Subject Prefixes
const (
	HistorySubjectPrefix      = "history"
	WorkflowTaskSubjectPrefix = "workflow.tasks"
	ActivityTaskSubjectPrefix = "activity.tasks"
)

// NATS Subject Format
const (
	HistoryPublishSubjectPattern      = HistorySubjectPrefix + ".%s"      // workflowID.runID token
	WorkflowTaskPublishSubjectPattern = WorkflowTaskSubjectPrefix + ".%s" // workflowID token
	ActivityTaskPublishSubjectPattern = ActivityTaskSubjectPrefix + ".%s" // workflowID token
)

// NATS Subject Patterns
const (
	HistoryFilterSubjectPattern       = HistorySubjectPrefix + ".>"
	WorkflowTasksFilterSubjectPattern = WorkflowTaskSubjectPrefix + ".>"
	ActivityTasksFilterSubjectPattern = ActivityTaskSubjectPrefix + ".>"
)

// Consumer Names
const (
	WorkflowTaskWorkerConsumer = "worker-workflow-tasks"
	ActivityTaskWorkerConsumer = "worker-activity-tasks"
)

// JetStream Headers
const (
	EventNameHeader      = "Everflow-Event-Name"
	EventExecutionHeader = "Everflow-Execution"
)
