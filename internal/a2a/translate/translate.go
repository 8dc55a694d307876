// Package translate converts between the legacy A2A dialect (tasks/send,
// part "type", camelCase mimeType) and the modern dialect (message/send,
// part "kind", snake_case mime_type).
//
// Inbound translation builds typed modern requests from legacy envelopes;
// outbound translation rewrites modern event payloads into legacy JSON.
// Outbound works on raw JSON maps so unknown fields survive the round trip.
package translate

import (
	"encoding/json"
	"fmt"

	"go.uber.org/zap"

	"github.com/agentmesh/agentmesh/internal/common/logger"
	"github.com/agentmesh/agentmesh/pkg/a2a"
)

// Error marks a failed translation. Callers surface it as a JSON-RPC
// InvalidRequest response at the hop boundary.
type Error struct {
	Reason string
}

func (e *Error) Error() string {
	return "translation failed: " + e.Reason
}

func errorf(format string, args ...any) *Error {
	return &Error{Reason: fmt.Sprintf(format, args...)}
}

// Translator converts envelopes between the two dialects.
type Translator struct {
	logger *logger.Logger
}

// New creates a translator.
func New(log *logger.Logger) *Translator {
	return &Translator{logger: log.WithComponent("translator")}
}

// IsLegacyMethod reports whether the method belongs to the legacy dialect.
func IsLegacyMethod(method string) bool {
	switch method {
	case a2a.MethodLegacySend, a2a.MethodLegacySendSubscribe:
		return true
	}
	return false
}

// legacyParams is the subset of the legacy params object the translator reads.
type legacyParams struct {
	ID               string           `json:"id,omitempty"`
	SessionID        string           `json:"sessionId,omitempty"`
	Message          map[string]any   `json:"message"`
	PushNotification map[string]any   `json:"pushNotification,omitempty"`
	HistoryLength    *int             `json:"historyLength,omitempty"`
	Metadata         map[string]any   `json:"metadata,omitempty"`
}

// Inbound translates a legacy request envelope into a modern one. Methods
// already in the modern dialect pass through after direct validation.
// The envelope id is preserved; the logical task id inside the params is
// never rewritten.
func (t *Translator) Inbound(req *a2a.Request) (*a2a.Request, error) {
	switch req.Method {
	case a2a.MethodMessageSend, a2a.MethodMessageStream:
		if _, err := req.SendParams(); err != nil {
			return nil, errorf("invalid %s params: %v", req.Method, err)
		}
		return req, nil
	case a2a.MethodTasksCancel:
		// Shared by both dialects; validate and pass through.
		if _, err := req.CancelParams(); err != nil {
			return nil, errorf("invalid cancel params: %v", err)
		}
		return req, nil
	case a2a.MethodLegacySend, a2a.MethodLegacySendSubscribe:
		return t.inboundSend(req)
	default:
		return nil, errorf("unsupported method %q", req.Method)
	}
}

func (t *Translator) inboundSend(req *a2a.Request) (*a2a.Request, error) {
	var params legacyParams
	if err := json.Unmarshal(req.Params, &params); err != nil {
		return nil, errorf("invalid legacy params: %v", err)
	}
	if params.Message == nil {
		return nil, errorf("legacy params missing message")
	}

	role, _ := params.Message["role"].(string)
	if role == "" {
		role = a2a.RoleUser
	}

	rawParts, _ := params.Message["parts"].([]any)
	parts, err := legacyPartsToModern(rawParts)
	if err != nil {
		return nil, err
	}

	message := a2a.NewMessage(role, parts)
	// params.id present means a continuation of an existing task; absent
	// means first submission, so the task id stays nil for the receiver
	// to assign.
	message.TaskID = params.ID
	message.ContextID = params.SessionID
	if meta, ok := params.Message["metadata"].(map[string]any); ok {
		message.Metadata = meta
	}

	configuration := &a2a.MessageSendConfiguration{
		HistoryLength: params.HistoryLength,
		// Legacy semantics: the caller expects the full response.
		Blocking: true,
	}
	if params.PushNotification != nil {
		url, _ := params.PushNotification["url"].(string)
		token, _ := params.PushNotification["token"].(string)
		configuration.PushNotificationConfig = &a2a.PushNotificationConfig{URL: url, Token: token}
	}

	method := a2a.MethodMessageSend
	if req.Method == a2a.MethodLegacySendSubscribe {
		method = a2a.MethodMessageStream
	}

	out, err := a2a.NewRequest(req.ID, method, a2a.MessageSendParams{
		Message:       message,
		Configuration: configuration,
		Metadata:      params.Metadata,
	})
	if err != nil {
		return nil, errorf("failed to assemble modern request: %v", err)
	}
	return out, nil
}

// legacyPartsToModern rewrites legacy parts ({type, mimeType}) into modern
// parts ({kind, mime_type}).
func legacyPartsToModern(rawParts []any) ([]a2a.Part, error) {
	parts := make([]a2a.Part, 0, len(rawParts))
	for i, raw := range rawParts {
		part, ok := raw.(map[string]any)
		if !ok {
			return nil, errorf("part %d is not an object", i)
		}
		kind, _ := part["type"].(string)
		switch kind {
		case "text":
			text, _ := part["text"].(string)
			parts = append(parts, a2a.TextPart(text))
		case "file":
			file, _ := part["file"].(map[string]any)
			if file == nil {
				return nil, errorf("file part %d missing file object", i)
			}
			content := a2a.FileContent{}
			content.Name, _ = file["name"].(string)
			content.MimeType, _ = file["mimeType"].(string)
			content.Bytes, _ = file["bytes"].(string)
			content.URI, _ = file["uri"].(string)
			parts = append(parts, a2a.FilePart(content))
		case "data":
			data, _ := part["data"].(map[string]any)
			parts = append(parts, a2a.DataPart(data))
		default:
			return nil, errorf("part %d has unsupported type %q", i, kind)
		}
		if meta, ok := part["metadata"].(map[string]any); ok {
			parts[len(parts)-1].Metadata = meta
		}
	}
	return parts, nil
}

// Outbound translates a modern event payload into its legacy JSON form.
// Unknown event kinds pass through unchanged with a warning.
func (t *Translator) Outbound(payload json.RawMessage) (json.RawMessage, error) {
	var doc map[string]any
	if err := json.Unmarshal(payload, &doc); err != nil {
		return nil, errorf("invalid event payload: %v", err)
	}

	kind, _ := doc["kind"].(string)
	switch kind {
	case a2a.EventKindTask:
		t.outboundTask(doc)
	case a2a.EventKindStatusUpdate:
		t.outboundStatusUpdate(doc)
	case a2a.EventKindArtifactUpdate:
		t.outboundArtifactUpdate(doc)
	default:
		t.logger.Warn("Passing through unknown event kind", zap.String("kind", kind))
		return payload, nil
	}

	out, err := json.Marshal(doc)
	if err != nil {
		return nil, errorf("failed to marshal legacy payload: %v", err)
	}
	return out, nil
}

// outboundTask rewrites a modern Task document in place: context_id becomes
// sessionId and every part in status.message and history is rewritten.
func (t *Translator) outboundTask(doc map[string]any) {
	renameKey(doc, "context_id", "sessionId")
	if status, ok := doc["status"].(map[string]any); ok {
		if message, ok := status["message"].(map[string]any); ok {
			modernPartsToLegacy(message)
		}
	}
	if history, ok := doc["history"].([]any); ok {
		for _, raw := range history {
			if message, ok := raw.(map[string]any); ok {
				modernPartsToLegacy(message)
			}
		}
	}
}

// outboundStatusUpdate rewrites a status update: task_id becomes id and
// context_id is dropped.
func (t *Translator) outboundStatusUpdate(doc map[string]any) {
	renameKey(doc, "task_id", "id")
	delete(doc, "context_id")
	if status, ok := doc["status"].(map[string]any); ok {
		if message, ok := status["message"].(map[string]any); ok {
			modernPartsToLegacy(message)
		}
	}
}

// outboundArtifactUpdate rewrites an artifact update: task_id becomes id,
// context_id is dropped, and the artifact's parts are rewritten.
func (t *Translator) outboundArtifactUpdate(doc map[string]any) {
	renameKey(doc, "task_id", "id")
	delete(doc, "context_id")
	if artifact, ok := doc["artifact"].(map[string]any); ok {
		modernPartsToLegacy(artifact)
	}
}

// modernPartsToLegacy rewrites the "parts" array of a message or artifact
// object: kind becomes type and mime_type becomes mimeType.
func modernPartsToLegacy(holder map[string]any) {
	parts, ok := holder["parts"].([]any)
	if !ok {
		return
	}
	for _, raw := range parts {
		part, ok := raw.(map[string]any)
		if !ok {
			continue
		}
		renameKey(part, "kind", "type")
		if file, ok := part["file"].(map[string]any); ok {
			renameKey(file, "mime_type", "mimeType")
		}
	}
}

func renameKey(doc map[string]any, from, to string) {
	if value, ok := doc[from]; ok {
		doc[to] = value
		delete(doc, from)
	}
}
