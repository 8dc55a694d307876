package client

import (
	"strings"

	"github.com/agentmesh/agentmesh/pkg/a2a"
)

// Assembler folds a stream of task events back into a message: accumulated
// text, a merged artifact manifest, and the terminal outcome.
type Assembler struct {
	text      strings.Builder
	artifacts map[string]a2a.Artifact
	order     []string

	taskID    string
	contextID string
	state     string

	complete bool
	errMsg   string
	errored  bool
}

// NewAssembler creates an empty assembler.
func NewAssembler() *Assembler {
	return &Assembler{artifacts: make(map[string]a2a.Artifact)}
}

// IngestResponse processes one JSON-RPC envelope from the stream. An RPC
// error marks the assembled message errored and complete.
func (a *Assembler) IngestResponse(resp *a2a.Response) error {
	if resp.Error != nil {
		a.errored = true
		a.errMsg = resp.Error.Message
		a.complete = true
		return nil
	}
	if len(resp.Result) == 0 {
		return nil
	}
	event, err := a2a.ParseEvent(resp.Result)
	if err != nil {
		return err
	}
	a.IngestEvent(event)
	return nil
}

// IngestEvent processes one parsed event payload.
func (a *Assembler) IngestEvent(event *a2a.Event) {
	switch event.Kind {
	case a2a.EventKindStatusUpdate:
		update := event.StatusUpdate
		if update.Status.Message != nil {
			// Only text parts accumulate; file and data parts on status
			// updates are progress decoration, not response content.
			for _, part := range update.Status.Message.Parts {
				if part.Kind == a2a.PartKindText {
					a.text.WriteString(part.Text)
				}
			}
		}
		if update.Final {
			a.complete = true
		}

	case a2a.EventKindArtifactUpdate:
		a.mergeArtifact(event.ArtifactUpdate.Artifact)

	case a2a.EventKindTask:
		task := event.Task
		a.taskID = task.ID
		a.contextID = task.ContextID
		a.state = task.Status.State
		for _, artifact := range task.Artifacts {
			a.mergeArtifact(artifact)
		}
		if task.Status.State == a2a.TaskStateFailed {
			a.errored = true
			a.errMsg = firstText(task.Status.Message)
		}
		a.complete = true
	}
}

// mergeArtifact merges artifact metadata by filename: later chunks extend
// the parts and overwrite metadata fields that arrive non-empty.
func (a *Assembler) mergeArtifact(artifact a2a.Artifact) {
	name := artifact.Name
	if name == "" {
		name = "artifact-" + artifact.ArtifactID
	}
	existing, ok := a.artifacts[name]
	if !ok {
		artifact.Name = name
		a.artifacts[name] = artifact
		a.order = append(a.order, name)
		return
	}
	existing.Parts = append(existing.Parts, artifact.Parts...)
	if artifact.Description != "" {
		existing.Description = artifact.Description
	}
	if artifact.Metadata != nil {
		if existing.Metadata == nil {
			existing.Metadata = make(map[string]any, len(artifact.Metadata))
		}
		for k, v := range artifact.Metadata {
			existing.Metadata[k] = v
		}
	}
	a.artifacts[name] = existing
}

func firstText(m *a2a.Message) string {
	if m == nil {
		return ""
	}
	for _, part := range m.Parts {
		if part.Kind == a2a.PartKindText {
			return part.Text
		}
	}
	return ""
}

// Text returns the accumulated response text.
func (a *Assembler) Text() string { return a.text.String() }

// Artifacts returns the merged artifact manifest in arrival order.
func (a *Assembler) Artifacts() []a2a.Artifact {
	out := make([]a2a.Artifact, 0, len(a.order))
	for _, name := range a.order {
		out = append(out, a.artifacts[name])
	}
	return out
}

// TaskID returns the task id captured from the terminal event.
func (a *Assembler) TaskID() string { return a.taskID }

// ContextID returns the context id captured from the terminal event.
func (a *Assembler) ContextID() string { return a.contextID }

// State returns the terminal task state, if one arrived.
func (a *Assembler) State() string { return a.state }

// Complete reports whether a terminal or final event has been seen.
func (a *Assembler) Complete() bool { return a.complete }

// Errored reports whether the stream ended in an error, and its message.
func (a *Assembler) Errored() (bool, string) { return a.errored, a.errMsg }
