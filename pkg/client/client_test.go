package client

import (
	"encoding/json"
	"errors"
	"io"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agentmesh/agentmesh/pkg/a2a"
)

func readAllEvents(t *testing.T, stream string) []SSEEvent {
	t.Helper()
	reader := NewSSEReader(strings.NewReader(stream))
	var events []SSEEvent
	for {
		event, err := reader.Next()
		if errors.Is(err, io.EOF) {
			return events
		}
		require.NoError(t, err)
		events = append(events, *event)
	}
}

func TestSSEReaderBasic(t *testing.T) {
	stream := "id: 1\nevent: status-update\ndata: {\"a\":1}\n\nid: 2\ndata: {\"b\":2}\n\n"
	events := readAllEvents(t, stream)

	require.Len(t, events, 2)
	assert.Equal(t, "1", events[0].ID)
	assert.Equal(t, "status-update", events[0].Event)
	assert.Equal(t, `{"a":1}`, string(events[0].Data))
	assert.Equal(t, "2", events[1].ID)
	assert.Empty(t, events[1].Event)
}

func TestSSEReaderToleratesCRLF(t *testing.T) {
	stream := "id: 7\r\nevent: task\r\ndata: {\"done\":true}\r\n\r\n"
	events := readAllEvents(t, stream)

	require.Len(t, events, 1)
	assert.Equal(t, "7", events[0].ID)
	assert.Equal(t, "task", events[0].Event)
	assert.Equal(t, `{"done":true}`, string(events[0].Data))
}

func TestSSEReaderSkipsComments(t *testing.T) {
	stream := ": keepalive\n\nid: 1\ndata: x\n\n: keepalive\n\n"
	events := readAllEvents(t, stream)

	require.Len(t, events, 1)
	assert.Equal(t, "x", string(events[0].Data))
}

func TestSSEReaderJoinsMultilineData(t *testing.T) {
	stream := "data: line one\ndata: line two\n\n"
	events := readAllEvents(t, stream)

	require.Len(t, events, 1)
	assert.Equal(t, "line one\nline two", string(events[0].Data))
}

func statusEvent(t *testing.T, text string, final bool) *a2a.Event {
	t.Helper()
	msg := a2a.NewMessage(a2a.RoleModel, []a2a.Part{a2a.TextPart(text)})
	return &a2a.Event{
		Kind: a2a.EventKindStatusUpdate,
		StatusUpdate: &a2a.TaskStatusUpdateEvent{
			Kind:   a2a.EventKindStatusUpdate,
			TaskID: "t1",
			Status: a2a.TaskStatus{State: a2a.TaskStateWorking, Message: &msg},
			Final:  final,
		},
	}
}

func TestAssemblerAccumulatesStatusText(t *testing.T) {
	asm := NewAssembler()
	asm.IngestEvent(statusEvent(t, "Hello, ", false))
	asm.IngestEvent(statusEvent(t, "world", false))

	assert.Equal(t, "Hello, world", asm.Text())
	assert.False(t, asm.Complete())

	asm.IngestEvent(statusEvent(t, "!", true))
	assert.Equal(t, "Hello, world!", asm.Text())
	assert.True(t, asm.Complete())
}

func TestAssemblerIgnoresNonTextStatusParts(t *testing.T) {
	asm := NewAssembler()
	msg := a2a.Message{Role: a2a.RoleModel, Parts: []a2a.Part{
		a2a.DataPart(map[string]any{"progress": 0.5}),
		a2a.TextPart("halfway"),
	}, MessageID: "m1"}
	asm.IngestEvent(&a2a.Event{
		Kind: a2a.EventKindStatusUpdate,
		StatusUpdate: &a2a.TaskStatusUpdateEvent{
			TaskID: "t1",
			Status: a2a.TaskStatus{State: a2a.TaskStateWorking, Message: &msg},
		},
	})
	assert.Equal(t, "halfway", asm.Text())
}

func TestAssemblerMergesArtifactChunks(t *testing.T) {
	asm := NewAssembler()
	asm.IngestEvent(&a2a.Event{
		Kind: a2a.EventKindArtifactUpdate,
		ArtifactUpdate: &a2a.TaskArtifactUpdateEvent{
			TaskID:   "t1",
			Artifact: a2a.Artifact{ArtifactID: "a1", Name: "report.md", Parts: []a2a.Part{a2a.TextPart("# Title\n")}},
		},
	})
	asm.IngestEvent(&a2a.Event{
		Kind: a2a.EventKindArtifactUpdate,
		ArtifactUpdate: &a2a.TaskArtifactUpdateEvent{
			TaskID: "t1",
			Artifact: a2a.Artifact{
				ArtifactID:  "a1",
				Name:        "report.md",
				Description: "final report",
				Parts:       []a2a.Part{a2a.TextPart("Body\n")},
			},
		},
	})

	artifacts := asm.Artifacts()
	require.Len(t, artifacts, 1)
	assert.Equal(t, "report.md", artifacts[0].Name)
	assert.Equal(t, "final report", artifacts[0].Description)
	require.Len(t, artifacts[0].Parts, 2)
}

func TestAssemblerNamesAnonymousArtifacts(t *testing.T) {
	asm := NewAssembler()
	asm.IngestEvent(&a2a.Event{
		Kind: a2a.EventKindArtifactUpdate,
		ArtifactUpdate: &a2a.TaskArtifactUpdateEvent{
			TaskID:   "t1",
			Artifact: a2a.Artifact{ArtifactID: "abc123", Parts: []a2a.Part{a2a.TextPart("x")}},
		},
	})

	artifacts := asm.Artifacts()
	require.Len(t, artifacts, 1)
	assert.Equal(t, "artifact-abc123", artifacts[0].Name)
}

func TestAssemblerTerminalTask(t *testing.T) {
	asm := NewAssembler()
	asm.IngestEvent(&a2a.Event{
		Kind: a2a.EventKindTask,
		Task: &a2a.Task{
			Kind:      a2a.EventKindTask,
			ID:        "t1",
			ContextID: "s1",
			Status:    a2a.TaskStatus{State: a2a.TaskStateCompleted},
			Artifacts: []a2a.Artifact{{ArtifactID: "a1", Name: "out.txt", Parts: []a2a.Part{a2a.TextPart("x")}}},
		},
	})

	assert.True(t, asm.Complete())
	assert.Equal(t, "t1", asm.TaskID())
	assert.Equal(t, "s1", asm.ContextID())
	assert.Equal(t, a2a.TaskStateCompleted, asm.State())
	errored, _ := asm.Errored()
	assert.False(t, errored)
	assert.Len(t, asm.Artifacts(), 1)
}

func TestAssemblerFailedTask(t *testing.T) {
	asm := NewAssembler()
	msg := a2a.NewMessage(a2a.RoleModel, []a2a.Part{a2a.TextPart("ran out of budget")})
	asm.IngestEvent(&a2a.Event{
		Kind: a2a.EventKindTask,
		Task: &a2a.Task{
			ID:     "t1",
			Status: a2a.TaskStatus{State: a2a.TaskStateFailed, Message: &msg},
		},
	})

	assert.True(t, asm.Complete())
	errored, reason := asm.Errored()
	assert.True(t, errored)
	assert.Equal(t, "ran out of budget", reason)
}

func TestAssemblerRPCError(t *testing.T) {
	asm := NewAssembler()
	raw, err := json.Marshal(a2a.NewErrorResponse("rpc-1", a2a.CodeInternalError, "agent crashed"))
	require.NoError(t, err)
	resp, err := a2a.ParseResponse(raw)
	require.NoError(t, err)

	require.NoError(t, asm.IngestResponse(resp))
	assert.True(t, asm.Complete())
	errored, reason := asm.Errored()
	assert.True(t, errored)
	assert.Equal(t, "agent crashed", reason)
}

func TestAssemblerIngestResponseParsesEvents(t *testing.T) {
	asm := NewAssembler()
	payload := `{"kind":"status-update","task_id":"t1","final":true,"status":{"state":"working","message":{"role":"model","parts":[{"kind":"text","text":"done"}],"message_id":"m1"}}}`
	resp := &a2a.Response{JSONRPC: "2.0", ID: "rpc-1", Result: json.RawMessage(payload)}

	require.NoError(t, asm.IngestResponse(resp))
	assert.Equal(t, "done", asm.Text())
	assert.True(t, asm.Complete())
}
