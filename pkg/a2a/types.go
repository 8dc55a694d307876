// Package a2a defines the agent-to-agent protocol types exchanged on the
// event mesh: messages, parts, tasks, streaming events, and agent cards.
//
// The wire format here is the modern dialect (part "kind" discriminators,
// snake_case field names). The legacy dialect ("tasks/send", part "type",
// camelCase mime types) never appears as Go types; it is produced and
// consumed only by the translator, which works on raw JSON.
package a2a

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Part kinds for the modern dialect.
const (
	PartKindText = "text"
	PartKindFile = "file"
	PartKindData = "data"
)

// Roles for messages.
const (
	RoleUser   = "user"
	RoleModel  = "model"
	RoleSystem = "system"
)

// FileContent carries a file either inline (Bytes, base64 on the wire) or by
// reference (URI). At most one of Bytes and URI is set.
type FileContent struct {
	Name     string `json:"name,omitempty"`
	MimeType string `json:"mime_type,omitempty"`
	Bytes    string `json:"bytes,omitempty"`
	URI      string `json:"uri,omitempty"`
}

// Part is one content unit of a message: text, a file, or structured data.
// The Kind field discriminates which of the payload fields is set.
type Part struct {
	Kind     string         `json:"kind"`
	Text     string         `json:"text,omitempty"`
	File     *FileContent   `json:"file,omitempty"`
	Data     map[string]any `json:"data,omitempty"`
	Metadata map[string]any `json:"metadata,omitempty"`
}

// TextPart builds a text part.
func TextPart(text string) Part {
	return Part{Kind: PartKindText, Text: text}
}

// FilePart builds a file part.
func FilePart(file FileContent) Part {
	return Part{Kind: PartKindFile, File: &file}
}

// DataPart builds a structured-data part.
func DataPart(data map[string]any) Part {
	return Part{Kind: PartKindData, Data: data}
}

// Message is an ordered sequence of parts with a role and correlation ids.
// TaskID is empty on the first submission of a new task.
type Message struct {
	Kind      string         `json:"kind,omitempty"` // "message" when used as an event payload
	Role      string         `json:"role"`
	Parts     []Part         `json:"parts"`
	MessageID string         `json:"message_id"`
	ContextID string         `json:"context_id,omitempty"`
	TaskID    string         `json:"task_id,omitempty"`
	Metadata  map[string]any `json:"metadata,omitempty"`
}

// NewMessage builds a message with a fresh message id.
func NewMessage(role string, parts []Part) Message {
	return Message{Role: role, Parts: parts, MessageID: uuid.New().String()}
}

// TextContent concatenates the text of every text part.
func (m *Message) TextContent() string {
	var out string
	for _, p := range m.Parts {
		if p.Kind == PartKindText {
			out += p.Text
		}
	}
	return out
}

// Artifact is a named, versioned output of a task. Content is carried by
// parts; after proxy outbound handling no part holds inline bytes.
type Artifact struct {
	ArtifactID  string         `json:"artifact_id"`
	Name        string         `json:"name,omitempty"`
	Description string         `json:"description,omitempty"`
	Parts       []Part         `json:"parts"`
	Metadata    map[string]any `json:"metadata,omitempty"`
}

// Task states. A task is terminal in completed, failed, or canceled.
const (
	TaskStateSubmitted = "submitted"
	TaskStateWorking   = "working"
	TaskStateCompleted = "completed"
	TaskStateFailed    = "failed"
	TaskStateCanceled  = "canceled"
)

// IsTerminalState reports whether state ends a task.
func IsTerminalState(state string) bool {
	switch state {
	case TaskStateCompleted, TaskStateFailed, TaskStateCanceled:
		return true
	}
	return false
}

// TaskStatus is the current state of a task plus an optional agent message.
type TaskStatus struct {
	State     string   `json:"state"`
	Message   *Message `json:"message,omitempty"`
	Timestamp string   `json:"timestamp,omitempty"`
}

// Task is the terminal event for a task id: final state, last status message,
// accumulated artifacts, and history.
type Task struct {
	Kind      string         `json:"kind,omitempty"` // "task"
	ID        string         `json:"id"`
	ContextID string         `json:"context_id,omitempty"`
	Status    TaskStatus     `json:"status"`
	Artifacts []Artifact     `json:"artifacts,omitempty"`
	History   []Message      `json:"history,omitempty"`
	Metadata  map[string]any `json:"metadata,omitempty"`
}

// TaskStatusUpdateEvent is a streamed intermediate status change.
// Final=true signals that the next event on the stream is the Task.
type TaskStatusUpdateEvent struct {
	Kind      string         `json:"kind"` // "status-update"
	TaskID    string         `json:"task_id"`
	ContextID string         `json:"context_id,omitempty"`
	Status    TaskStatus     `json:"status"`
	Final     bool           `json:"final"`
	Metadata  map[string]any `json:"metadata,omitempty"`
}

// TaskArtifactUpdateEvent is a streamed artifact chunk.
type TaskArtifactUpdateEvent struct {
	Kind      string         `json:"kind"` // "artifact-update"
	TaskID    string         `json:"task_id"`
	ContextID string         `json:"context_id,omitempty"`
	Artifact  Artifact       `json:"artifact"`
	Append    bool           `json:"append,omitempty"`
	LastChunk bool           `json:"last_chunk,omitempty"`
	Metadata  map[string]any `json:"metadata,omitempty"`
}

// Event payload kind discriminators.
const (
	EventKindTask           = "task"
	EventKindStatusUpdate   = "status-update"
	EventKindArtifactUpdate = "artifact-update"
	EventKindMessage        = "message"
)

// Event is the tagged union of server-pushed payloads. Exactly one of the
// pointer fields is non-nil.
type Event struct {
	Kind           string
	Task           *Task
	StatusUpdate   *TaskStatusUpdateEvent
	ArtifactUpdate *TaskArtifactUpdateEvent
	Message        *Message
}

// TaskID returns the logical task id carried by the payload, if any.
func (e *Event) TaskID() string {
	switch e.Kind {
	case EventKindTask:
		return e.Task.ID
	case EventKindStatusUpdate:
		return e.StatusUpdate.TaskID
	case EventKindArtifactUpdate:
		return e.ArtifactUpdate.TaskID
	case EventKindMessage:
		return e.Message.TaskID
	}
	return ""
}

// Payload returns the concrete event payload for marshaling.
func (e *Event) Payload() any {
	switch e.Kind {
	case EventKindTask:
		return e.Task
	case EventKindStatusUpdate:
		return e.StatusUpdate
	case EventKindArtifactUpdate:
		return e.ArtifactUpdate
	case EventKindMessage:
		return e.Message
	}
	return nil
}

// ParseEvent decodes an event payload by its "kind" discriminator.
func ParseEvent(raw json.RawMessage) (*Event, error) {
	var probe struct {
		Kind string `json:"kind"`
	}
	if err := json.Unmarshal(raw, &probe); err != nil {
		return nil, fmt.Errorf("failed to probe event kind: %w", err)
	}

	switch probe.Kind {
	case EventKindTask:
		var t Task
		if err := json.Unmarshal(raw, &t); err != nil {
			return nil, fmt.Errorf("failed to decode task event: %w", err)
		}
		return &Event{Kind: EventKindTask, Task: &t}, nil
	case EventKindStatusUpdate:
		var s TaskStatusUpdateEvent
		if err := json.Unmarshal(raw, &s); err != nil {
			return nil, fmt.Errorf("failed to decode status-update event: %w", err)
		}
		return &Event{Kind: EventKindStatusUpdate, StatusUpdate: &s}, nil
	case EventKindArtifactUpdate:
		var a TaskArtifactUpdateEvent
		if err := json.Unmarshal(raw, &a); err != nil {
			return nil, fmt.Errorf("failed to decode artifact-update event: %w", err)
		}
		return &Event{Kind: EventKindArtifactUpdate, ArtifactUpdate: &a}, nil
	case EventKindMessage, "":
		// A bare message may omit the discriminator.
		var m Message
		if err := json.Unmarshal(raw, &m); err != nil {
			return nil, fmt.Errorf("failed to decode message event: %w", err)
		}
		if len(m.Parts) == 0 && probe.Kind == "" {
			return nil, fmt.Errorf("unrecognized event payload")
		}
		return &Event{Kind: EventKindMessage, Message: &m}, nil
	default:
		return nil, fmt.Errorf("unknown event kind %q", probe.Kind)
	}
}

// PushNotificationConfig mirrors the modern dialect's push settings.
type PushNotificationConfig struct {
	URL   string `json:"url"`
	Token string `json:"token,omitempty"`
}

// MessageSendConfiguration carries per-request delivery options.
type MessageSendConfiguration struct {
	AcceptedOutputModes    []string                `json:"accepted_output_modes,omitempty"`
	PushNotificationConfig *PushNotificationConfig `json:"push_notification_config,omitempty"`
	HistoryLength          *int                    `json:"history_length,omitempty"`
	Blocking               bool                    `json:"blocking,omitempty"`
}

// MessageSendParams is the params object for message/send and message/stream.
type MessageSendParams struct {
	Message       Message                   `json:"message"`
	Configuration *MessageSendConfiguration `json:"configuration,omitempty"`
	Metadata      map[string]any            `json:"metadata,omitempty"`
}

// TaskIDParams is the params object for tasks/cancel and task queries.
type TaskIDParams struct {
	ID       string         `json:"id"`
	Metadata map[string]any `json:"metadata,omitempty"`
}

// NowTimestamp returns the RFC3339 timestamp used in task statuses.
func NowTimestamp() string {
	return time.Now().UTC().Format(time.RFC3339)
}
