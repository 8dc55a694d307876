package gateway

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agentmesh/agentmesh/internal/artifacts"
	"github.com/agentmesh/agentmesh/internal/common/config"
	"github.com/agentmesh/agentmesh/internal/common/logger"
	"github.com/agentmesh/agentmesh/internal/db"
	"github.com/agentmesh/agentmesh/internal/eventbuffer"
	"github.com/agentmesh/agentmesh/internal/mesh"
	"github.com/agentmesh/agentmesh/internal/taskctx"
	"github.com/agentmesh/agentmesh/pkg/a2a"
)

const testNamespace = "test/ns"

type serviceFixture struct {
	service  *Service
	bus      *mesh.MemoryBus
	buffer   *eventbuffer.Buffer
	sessions *SessionStore
	store    artifacts.Store
	agents   *AgentRegistry
	pool     *db.Pool

	mu       sync.Mutex
	requests []*mesh.Message
}

func newServiceFixture(t *testing.T) *serviceFixture {
	t.Helper()
	log := logger.Default()
	pool := newTestPool(t)

	bus := mesh.NewMemoryBus(log)
	t.Cleanup(bus.Close)

	buffer := eventbuffer.New(eventbuffer.NewStore(pool), config.BufferConfig{
		Enabled:        true,
		FlushThreshold: 10,
		QueueSize:      100,
		BatchSize:      50,
		BatchTimeoutMs: 50,
	}, log)
	require.NoError(t, buffer.Start(context.Background()))
	t.Cleanup(buffer.Stop)

	sessions := NewSessionStore(pool)
	require.NoError(t, sessions.EnsureSchema(context.Background()))

	store, err := artifacts.NewFilesystemStore(t.TempDir(), log)
	require.NoError(t, err)

	agents := NewAgentRegistry(time.Minute, log)

	service := NewService(config.GatewayConfig{ID: "gw-test", TaskTimeout: 300},
		testNamespace, "testapp", bus, buffer, store, sessions, agents, log)
	require.NoError(t, service.Start(context.Background()))
	t.Cleanup(service.Stop)

	fixture := &serviceFixture{
		service:  service,
		bus:      bus,
		buffer:   buffer,
		sessions: sessions,
		store:    store,
		agents:   agents,
		pool:     pool,
	}

	// Stand-in agent: capture everything published to request topics.
	_, err = bus.Subscribe(a2a.AgentRequestWildcard(testNamespace), func(_ context.Context, msg *mesh.Message) error {
		fixture.mu.Lock()
		fixture.requests = append(fixture.requests, msg)
		fixture.mu.Unlock()
		return nil
	})
	require.NoError(t, err)

	return fixture
}

func (f *serviceFixture) waitForRequests(t *testing.T, count int) []*mesh.Message {
	t.Helper()
	require.Eventually(t, func() bool {
		f.mu.Lock()
		defer f.mu.Unlock()
		return len(f.requests) >= count
	}, 2*time.Second, 10*time.Millisecond)

	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]*mesh.Message, len(f.requests))
	copy(out, f.requests)
	return out
}

func (f *serviceFixture) submit(t *testing.T) (taskID string, request *mesh.Message) {
	t.Helper()
	taskID, err := f.service.SubmitTask(context.Background(), SubmitRequest{
		TargetAgent: "planner",
		Parts:       []a2a.Part{a2a.TextPart("plan my week")},
		SessionID:   "sess-1",
		Identity:    taskctx.UserIdentity{ID: "user-1"},
		Streaming:   true,
	})
	require.NoError(t, err)
	return taskID, f.waitForRequests(t, 1)[0]
}

// publishEvent plays the agent side: wrap the payload in a JSON-RPC response
// and publish it to the gateway-owned topic.
func (f *serviceFixture) publishEvent(t *testing.T, topic, taskID string, payload any) {
	t.Helper()
	envelope, err := a2a.NewResponse(taskID, payload)
	require.NoError(t, err)
	raw, err := json.Marshal(envelope)
	require.NoError(t, err)
	require.NoError(t, f.bus.Publish(context.Background(), mesh.NewMessage(topic, raw, nil)))
}

func TestSubmitTaskPublishesRequest(t *testing.T) {
	f := newServiceFixture(t)
	taskID, request := f.submit(t)

	assert.Equal(t, a2a.AgentRequestTopic(testNamespace, "planner"), request.Topic)
	assert.Equal(t, "user-1", request.Property(a2a.UserPropUserID))
	assert.Equal(t, "sess-1", request.Property(a2a.UserPropSessionID))
	assert.Equal(t, a2a.GatewayStatusTopic(testNamespace, "gw-test", taskID), request.Property(a2a.UserPropStatusTopic))
	assert.Equal(t, a2a.GatewayResponseTopic(testNamespace, "gw-test", taskID), request.Property(a2a.UserPropReplyTo))
	assert.Equal(t, "gw-test", request.Property(a2a.UserPropClientID),
		"gateway id stands in when the caller sends no client id")

	envelope, err := a2a.ParseRequest(request.Payload)
	require.NoError(t, err)
	assert.Equal(t, a2a.MethodMessageStream, envelope.Method)
	params, err := envelope.SendParams()
	require.NoError(t, err)
	assert.Equal(t, taskID, params.Message.TaskID)
	assert.Equal(t, "sess-1", params.Message.ContextID)

	record, err := f.sessions.GetTask(context.Background(), taskID)
	require.NoError(t, err)
	assert.Equal(t, a2a.TaskStateSubmitted, record.State)
	assert.Equal(t, "plan my week", record.Request)
}

func TestSubmitTaskValidation(t *testing.T) {
	f := newServiceFixture(t)

	_, err := f.service.SubmitTask(context.Background(), SubmitRequest{
		Parts: []a2a.Part{a2a.TextPart("x")},
	})
	require.Error(t, err, "missing target agent")

	_, err = f.service.SubmitTask(context.Background(), SubmitRequest{TargetAgent: "planner"})
	require.Error(t, err, "missing parts")
}

func TestEventIngestBuffersAndFansOut(t *testing.T) {
	f := newServiceFixture(t)
	taskID, request := f.submit(t)

	statusTopic := request.Property(a2a.UserPropStatusTopic)
	replyTopic := request.Property(a2a.UserPropReplyTo)

	live, cancel := f.service.Hub().Subscribe(taskID, 16)
	defer cancel()

	msg := a2a.NewMessage(a2a.RoleModel, []a2a.Part{a2a.TextPart("working on it")})
	f.publishEvent(t, statusTopic, taskID, a2a.TaskStatusUpdateEvent{
		Kind:   a2a.EventKindStatusUpdate,
		TaskID: taskID,
		Status: a2a.TaskStatus{State: a2a.TaskStateWorking, Message: &msg},
	})
	f.publishEvent(t, replyTopic, taskID, a2a.Task{
		Kind:   a2a.EventKindTask,
		ID:     taskID,
		Status: a2a.TaskStatus{State: a2a.TaskStateCompleted},
	})

	// Both events arrive on the live hub with dense sequences.
	var seen []StreamEvent
	deadline := time.After(2 * time.Second)
	for len(seen) < 2 {
		select {
		case ev := <-live:
			seen = append(seen, ev)
		case <-deadline:
			t.Fatalf("timed out, saw %d events", len(seen))
		}
	}
	assert.Equal(t, int64(1), seen[0].Sequence)
	assert.Equal(t, a2a.EventKindStatusUpdate, seen[0].Type)
	assert.Equal(t, int64(2), seen[1].Sequence)
	assert.Equal(t, a2a.EventKindTask, seen[1].Type)

	// The buffer holds the same events under the same numbering.
	events, err := f.buffer.GetBufferedEvents(context.Background(), taskID, "sess-1", "user-1", 1)
	require.NoError(t, err)
	require.Len(t, events, 2)
	assert.Equal(t, int64(1), events[0].Sequence)
	assert.Equal(t, int64(2), events[1].Sequence)

	// The terminal event finishes the task record and tears down the context.
	require.Eventually(t, func() bool {
		record, err := f.sessions.GetTask(context.Background(), taskID)
		return err == nil && record.State == a2a.TaskStateCompleted
	}, 2*time.Second, 10*time.Millisecond)
	assert.Nil(t, f.service.Registry().Get(taskID))
}

func TestRPCErrorEventFailsTask(t *testing.T) {
	f := newServiceFixture(t)
	taskID, request := f.submit(t)
	replyTopic := request.Property(a2a.UserPropReplyTo)

	envelope := a2a.NewErrorResponse(taskID, a2a.CodeInternalError, "agent exploded")
	raw, err := json.Marshal(envelope)
	require.NoError(t, err)
	require.NoError(t, f.bus.Publish(context.Background(), mesh.NewMessage(replyTopic, raw, nil)))

	require.Eventually(t, func() bool {
		record, err := f.sessions.GetTask(context.Background(), taskID)
		return err == nil && record.State == a2a.TaskStateFailed
	}, 2*time.Second, 10*time.Millisecond)

	events, err := f.buffer.GetBufferedEvents(context.Background(), taskID, "sess-1", "user-1", 1)
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, "error", events[0].EventType)
}

func TestSubmitTaskForwardsClientID(t *testing.T) {
	f := newServiceFixture(t)

	_, err := f.service.SubmitTask(context.Background(), SubmitRequest{
		TargetAgent: "planner",
		Parts:       []a2a.Part{a2a.TextPart("hello")},
		SessionID:   "sess-1",
		Identity:    taskctx.UserIdentity{ID: "user-1"},
		ClientID:    "web-client-7",
	})
	require.NoError(t, err)

	request := f.waitForRequests(t, 1)[0]
	assert.Equal(t, "web-client-7", request.Property(a2a.UserPropClientID))
}

func TestSequenceNumberingResumesAfterRestart(t *testing.T) {
	f := newServiceFixture(t)
	taskID, request := f.submit(t)
	statusTopic := request.Property(a2a.UserPropStatusTopic)

	msg := a2a.NewMessage(a2a.RoleModel, []a2a.Part{a2a.TextPart("first")})
	f.publishEvent(t, statusTopic, taskID, a2a.TaskStatusUpdateEvent{
		Kind:   a2a.EventKindStatusUpdate,
		TaskID: taskID,
		Status: a2a.TaskStatus{State: a2a.TaskStateWorking, Message: &msg},
	})
	require.Eventually(t, func() bool {
		events, err := f.buffer.GetBufferedEvents(context.Background(), taskID, "sess-1", "user-1", 1)
		return err == nil && len(events) == 1
	}, 2*time.Second, 10*time.Millisecond)

	// A fresh service over the same buffer stands in for a restarted gateway:
	// the in-memory counter is empty but the buffer still knows the task.
	restarted := NewService(config.GatewayConfig{ID: "gw-test", TaskTimeout: 300},
		testNamespace, "testapp", f.bus, f.buffer, f.store, f.sessions, f.agents, logger.Default())

	live, cancel := restarted.Hub().Subscribe(taskID, 4)
	defer cancel()

	restarted.recordAndFanOut(context.Background(), taskID, a2a.EventKindStatusUpdate, []byte(`{}`))

	select {
	case ev := <-live:
		assert.Equal(t, int64(2), ev.Sequence, "counter continues past the persisted events")
	case <-time.After(2 * time.Second):
		t.Fatal("no live event after restart")
	}

	events, err := f.buffer.GetBufferedEvents(context.Background(), taskID, "sess-1", "user-1", 1)
	require.NoError(t, err)
	require.Len(t, events, 2)
	assert.Equal(t, int64(1), events[0].Sequence)
	assert.Equal(t, int64(2), events[1].Sequence)
}

func TestCancelTaskPublishesCancel(t *testing.T) {
	f := newServiceFixture(t)
	taskID, _ := f.submit(t)

	require.NoError(t, f.service.CancelTask(context.Background(), taskID))

	requests := f.waitForRequests(t, 2)
	envelope, err := a2a.ParseRequest(requests[1].Payload)
	require.NoError(t, err)
	assert.Equal(t, a2a.MethodTasksCancel, envelope.Method)
	params, err := envelope.CancelParams()
	require.NoError(t, err)
	assert.Equal(t, taskID, params.ID)

	// The local token is set immediately; the terminal event arrives later
	// through the response path.
	tc := f.service.Registry().Get(taskID)
	require.NotNil(t, tc)
	assert.True(t, tc.Cancellation.IsCancelled())
}

func TestCancelUnknownTask(t *testing.T) {
	f := newServiceFixture(t)
	err := f.service.CancelTask(context.Background(), "nope")
	assert.ErrorIs(t, err, ErrTaskNotFound)
}

func TestUploadedFilesBecomeArtifactParts(t *testing.T) {
	f := newServiceFixture(t)

	_, err := f.service.SubmitTask(context.Background(), SubmitRequest{
		TargetAgent: "planner",
		Uploads: []Upload{{
			Filename: "notes.txt",
			MimeType: "text/plain",
			Data:     []byte("remember the milk"),
		}},
		SessionID: "sess-1",
		Identity:  taskctx.UserIdentity{ID: "user-1"},
	})
	require.NoError(t, err)

	request := f.waitForRequests(t, 1)[0]
	envelope, err := a2a.ParseRequest(request.Payload)
	require.NoError(t, err)
	params, err := envelope.SendParams()
	require.NoError(t, err)

	require.Len(t, params.Message.Parts, 1)
	part := params.Message.Parts[0]
	assert.Equal(t, a2a.PartKindFile, part.Kind)
	require.NotNil(t, part.File)
	assert.Equal(t, "notes.txt", part.File.Name)
	assert.Empty(t, part.File.Bytes, "uploads are stored, never forwarded inline")
	assert.Contains(t, part.File.URI, "artifact://")
}
