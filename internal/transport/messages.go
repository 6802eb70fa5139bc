// Package transport defines the wire-shaped structs the dispatcher
// exchanges with the remote worker (spec §6, External Interfaces). The
// socket itself is an out-of-scope external collaborator; this package
// only names the message schema and the Sender contract the Dispatch Loop
// uses to deliver outbound payloads.
package transport

import (
	"encoding/json"
	"fmt"
	"time"
)

// Inbound event names: the transport layer dispatches by event name, not by
// a shared envelope field, matching how the worker actually emits these two
// distinct socket messages.
const (
	EventReadyForTasks           = "READY_FOR_TASKS"
	EventBackgroundWorkerMessage = "BACKGROUND_WORKER_MESSAGE"
)

// ReadyForTasks is the inbound message that triggers Worker Registry
// registration.
type ReadyForTasks struct {
	BackgroundWorkerID string `json:"backgroundWorkerId"`
}

// BackgroundWorkerMessageIn wraps the two inbound data variants the
// Completion Handler reacts to.
type BackgroundWorkerMessageIn struct {
	BackgroundWorkerID string      `json:"backgroundWorkerId"`
	Data               InboundData `json:"data"`
}

// InboundData discriminates between the two variants; exactly one of
// Completed/Heartbeat is populated depending on Type. UnmarshalJSON reads
// Type first, then decodes the rest of the object into the matching branch.
type InboundData struct {
	Type      string            // "TASK_RUN_COMPLETED" | "TASK_HEARTBEAT"
	Completed *TaskRunCompleted
	Heartbeat *TaskHeartbeat
}

const (
	DataTypeTaskRunCompleted = "TASK_RUN_COMPLETED"
	DataTypeTaskHeartbeat    = "TASK_HEARTBEAT"
)

func (d *InboundData) UnmarshalJSON(raw []byte) error {
	var head struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(raw, &head); err != nil {
		return fmt.Errorf("inbound data: %w", err)
	}
	d.Type = head.Type
	switch head.Type {
	case DataTypeTaskRunCompleted:
		var tc TaskRunCompleted
		if err := json.Unmarshal(raw, &tc); err != nil {
			return fmt.Errorf("inbound data: decode %s: %w", head.Type, err)
		}
		d.Completed = &tc
	case DataTypeTaskHeartbeat:
		var hb TaskHeartbeat
		if err := json.Unmarshal(raw, &hb); err != nil {
			return fmt.Errorf("inbound data: decode %s: %w", head.Type, err)
		}
		d.Heartbeat = &hb
	default:
		return fmt.Errorf("inbound data: unknown type %q", head.Type)
	}
	return nil
}

// TaskRunCompleted carries a tagged-variant completion result for one
// attempt, plus the execution descriptor it was dispatched with.
type TaskRunCompleted struct {
	Completion Completion          `json:"completion"`
	Execution  ExecutionDescriptor `json:"execution"`
}

// Completion is {ok:true, output, outputType} or {ok:false, error, retry?}.
type Completion struct {
	OK              bool       `json:"ok"`
	Output          string     `json:"output,omitempty"`
	OutputType      string     `json:"outputType,omitempty"`
	Error           string     `json:"error,omitempty"`
	Retry           *RetryInfo `json:"retry,omitempty"`
	UsageDurationMs *int64     `json:"usageDurationMs,omitempty"`
}

type RetryInfo struct {
	Timestamp time.Time `json:"timestamp"`
}

type TaskHeartbeat struct {
	ID string `json:"id"` // friendly attempt id
}

// ServerReady is sent once after connection init by code outside this
// module's scope; named here only so the outbound schema is complete.
type ServerReady struct {
	ID string `json:"id"`
}

// BackgroundWorkerMessageOut is the outbound envelope carrying an
// EXECUTE_RUNS batch to a specific registered worker version.
type BackgroundWorkerMessageOut struct {
	BackgroundWorkerID string          `json:"backgroundWorkerId"` // friendlyWorkerId
	Data               ExecuteRunsData `json:"data"`
}

type ExecuteRunsData struct {
	Type     string            `json:"type"` // "EXECUTE_RUNS"
	Payloads []ExecutePayload  `json:"payloads"`
}

const DataTypeExecuteRuns = "EXECUTE_RUNS"

type ExecutePayload struct {
	Execution    ExecutionDescriptor `json:"execution"`
	TraceContext string              `json:"traceContext"`
}

// ExecutionDescriptor is the outbound payload assembled in Dispatch Loop
// step 10. The run, attempt, queue and worker ids in it are friendly ids;
// the task, environment, organization and project ids are the internal ids
// the model carries, since it has no friendly form of them.
type ExecutionDescriptor struct {
	Task        ExecTask        `json:"task"`
	Attempt     ExecAttempt     `json:"attempt"`
	Run         ExecRun         `json:"run"`
	Queue       ExecQueue       `json:"queue"`
	Environment ExecEnvironment `json:"environment"`
	Organization ExecOrganization `json:"organization"`
	Project     ExecProject     `json:"project"`
}

type ExecTask struct {
	ID         string `json:"id"`
	FilePath   string `json:"filePath"`
	ExportName string `json:"exportName"`
}

type ExecAttempt struct {
	ID                     string    `json:"id"`
	Number                 int       `json:"number"`
	StartedAt              time.Time `json:"startedAt"`
	BackgroundWorkerID     string    `json:"backgroundWorkerId"`
	BackgroundWorkerTaskID string    `json:"backgroundWorkerTaskId"`
	Status                 string    `json:"status"` // always "EXECUTING"
}

type ExecRun struct {
	ID          string    `json:"id"`
	Payload     string    `json:"payload"`
	PayloadType string    `json:"payloadType"`
	Context     string    `json:"context"`
	CreatedAt   time.Time `json:"createdAt"`
	Tags        []string  `json:"tags"`
}

type ExecQueue struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

type ExecEnvironment struct {
	ID   string `json:"id"`
	Slug string `json:"slug"`
	Type string `json:"type"`
}

type ExecOrganization struct {
	ID   string `json:"id"`
	Slug string `json:"slug"`
	Name string `json:"name"`
}

type ExecProject struct {
	ID   string `json:"id"`
	Ref  string `json:"ref"`
	Slug string `json:"slug"`
	Name string `json:"name"`
}

// Sender is the outbound half of the transport contract the Dispatch Loop
// uses to deliver an EXECUTE_RUNS batch. A Sender implementation owns
// serialization and the actual socket write; Send returning an error is
// what step 11 treats as a transport failure.
type Sender interface {
	Send(friendlyWorkerID string, payloads []ExecutePayload) error
}
