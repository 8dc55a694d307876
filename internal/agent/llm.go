// Package agent implements the agent-side runtime harness: a mesh-driven
// loop that accepts A2A requests, runs the model with skill tools, streams
// status updates, and manages conversation compaction.
package agent

import (
	"context"
	"errors"
	"strings"

	"github.com/agentmesh/agentmesh/internal/skills"
	"github.com/agentmesh/agentmesh/pkg/a2a"
)

// ToolCall is one tool invocation requested by the model.
type ToolCall struct {
	Name      string
	Arguments map[string]any
}

// Completion is the model's answer to one request: either a message, or a
// set of tool calls to run before continuing.
type Completion struct {
	Message   a2a.Message
	ToolCalls []ToolCall
}

// CompletionRequest carries everything the model needs for one turn.
type CompletionRequest struct {
	System   string
	Messages []a2a.Message
	Tools    []skills.Tool
}

// LLM is the narrow model interface the harness depends on. Implementations
// wrap a provider SDK or an HTTP endpoint.
type LLM interface {
	Complete(ctx context.Context, req CompletionRequest) (*Completion, error)
}

// BadRequestError is returned by LLM implementations when the provider
// rejects the request. Context-limit rejections are recognized by their
// textual fingerprint and recovered via emergency compaction.
type BadRequestError struct {
	Message string
}

func (e *BadRequestError) Error() string { return e.Message }

var contextLimitPhrases = []string{
	"too many tokens",
	"maximum context length",
	"context length exceeded",
	"input is too long",
	"prompt is too long",
	"token limit",
}

// IsContextLimit reports whether err is a provider rejection caused by the
// conversation exceeding the model's context window.
func IsContextLimit(err error) bool {
	var bad *BadRequestError
	if !errors.As(err, &bad) {
		return false
	}
	message := strings.ToLower(bad.Message)
	for _, phrase := range contextLimitPhrases {
		if strings.Contains(message, phrase) {
			return true
		}
	}
	return false
}
