package proxy

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agentmesh/agentmesh/internal/artifacts"
	"github.com/agentmesh/agentmesh/internal/common/config"
	"github.com/agentmesh/agentmesh/internal/common/logger"
	"github.com/agentmesh/agentmesh/internal/mesh"
	"github.com/agentmesh/agentmesh/pkg/a2a"
)

const proxyNamespace = "test/ns"

// downstream is a fake modern-dialect HTTP agent: it serves a card and
// answers RPC posts with canned envelopes.
type downstream struct {
	server *httptest.Server

	mu         sync.Mutex
	streamed   []json.RawMessage // SSE frames for streaming requests
	sendReply  *a2a.Response     // reply for non-streaming requests
	frameDelay time.Duration     // pause between headers and the first frame
	requests   []*a2a.Request
}

func newDownstream(t *testing.T) *downstream {
	t.Helper()
	d := &downstream{}
	mux := http.NewServeMux()
	mux.HandleFunc("/.well-known/agent.json", func(w http.ResponseWriter, r *http.Request) {
		card := a2a.AgentCard{
			Name:         "remote-internal-name",
			URL:          d.server.URL + "/rpc",
			Capabilities: a2a.AgentCapabilities{Streaming: true},
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(card)
	})
	mux.HandleFunc("/rpc", func(w http.ResponseWriter, r *http.Request) {
		body := json.NewDecoder(r.Body)
		var req a2a.Request
		if err := body.Decode(&req); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		d.mu.Lock()
		d.requests = append(d.requests, &req)
		frames := d.streamed
		reply := d.sendReply
		delay := d.frameDelay
		d.mu.Unlock()

		if r.Header.Get("Accept") == "text/event-stream" {
			w.Header().Set("Content-Type", "text/event-stream")
			if delay > 0 {
				if flusher, ok := w.(http.Flusher); ok {
					flusher.Flush()
				}
				time.Sleep(delay)
			}
			for _, frame := range frames {
				fmt.Fprintf(w, "data: %s\n\n", frame)
			}
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(reply)
	})
	d.server = httptest.NewServer(mux)
	t.Cleanup(d.server.Close)
	return d
}

// stream queues one SSE frame wrapping payload in a response envelope.
func (d *downstream) stream(t *testing.T, rpcID any, payload any) {
	t.Helper()
	envelope, err := a2a.NewResponse(rpcID, payload)
	require.NoError(t, err)
	raw, err := json.Marshal(envelope)
	require.NoError(t, err)
	d.mu.Lock()
	d.streamed = append(d.streamed, raw)
	d.mu.Unlock()
}

func (d *downstream) reply(t *testing.T, rpcID any, payload any) {
	t.Helper()
	envelope, err := a2a.NewResponse(rpcID, payload)
	require.NoError(t, err)
	d.mu.Lock()
	d.sendReply = envelope
	d.mu.Unlock()
}

type proxyFixture struct {
	proxy      *Proxy
	bus        *mesh.MemoryBus
	store      *artifacts.FilesystemStore
	downstream *downstream

	mu        sync.Mutex
	published map[string][]*mesh.Message // topic -> deliveries
}

func newProxyFixture(t *testing.T) *proxyFixture {
	return newProxyFixtureWithTimeout(t, 10)
}

func newProxyFixtureWithTimeout(t *testing.T, timeoutSeconds int) *proxyFixture {
	t.Helper()
	log := logger.Default()
	d := newDownstream(t)

	bus := mesh.NewMemoryBus(log)
	t.Cleanup(bus.Close)

	store, err := artifacts.NewFilesystemStore(t.TempDir(), log)
	require.NoError(t, err)

	cfg := config.ProxyConfig{
		Agents: []config.ProxiedAgent{{
			Alias:   "helper",
			CardURL: d.server.URL + "/.well-known/agent.json",
		}},
		RequestTimeout: timeoutSeconds,
	}
	p := New(cfg, proxyNamespace, "testapp", bus, store, log)

	f := &proxyFixture{proxy: p, bus: bus, store: store, downstream: d, published: make(map[string][]*mesh.Message)}
	record := func(_ context.Context, msg *mesh.Message) error {
		f.mu.Lock()
		f.published[msg.Topic] = append(f.published[msg.Topic], msg)
		f.mu.Unlock()
		return nil
	}
	for _, topic := range []string{
		a2a.DiscoveryTopic(proxyNamespace),
		"test/ns/reply",
		"test/ns/status",
	} {
		_, err := bus.Subscribe(topic, record)
		require.NoError(t, err)
	}

	require.NoError(t, p.Start(context.Background()))
	t.Cleanup(p.Stop)
	return f
}

func (f *proxyFixture) waitFor(t *testing.T, topic string, n int) []*mesh.Message {
	t.Helper()
	require.Eventually(t, func() bool {
		f.mu.Lock()
		defer f.mu.Unlock()
		return len(f.published[topic]) >= n
	}, 2*time.Second, 10*time.Millisecond)
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]*mesh.Message, len(f.published[topic]))
	copy(out, f.published[topic])
	return out
}

// send publishes a request envelope to the proxied agent's request topic with
// the standard reply and status properties.
func (f *proxyFixture) send(t *testing.T, payload []byte) {
	t.Helper()
	msg := mesh.NewMessage(a2a.AgentRequestTopic(proxyNamespace, "helper"), payload, map[string]string{
		a2a.UserPropReplyTo:     "test/ns/reply",
		a2a.UserPropStatusTopic: "test/ns/status",
		a2a.UserPropUserID:      "user-1",
		a2a.UserPropSessionID:   "sess-1",
	})
	require.NoError(t, f.bus.Publish(context.Background(), msg))
}

func parseResultEvent(t *testing.T, msg *mesh.Message) *a2a.Event {
	t.Helper()
	envelope, err := a2a.ParseResponse(msg.Payload)
	require.NoError(t, err)
	require.Nil(t, envelope.Error)
	event, err := a2a.ParseEvent(envelope.Result)
	require.NoError(t, err)
	return event
}

func TestDiscoveryPublishesAliasedCard(t *testing.T) {
	f := newProxyFixture(t)

	cards := f.waitFor(t, a2a.DiscoveryTopic(proxyNamespace), 1)
	var card a2a.AgentCard
	require.NoError(t, json.Unmarshal(cards[0].Payload, &card))

	// The mesh sees the alias, never the remote's internal name, and the
	// card URL points at the request topic rather than the HTTP endpoint.
	assert.Equal(t, "helper", card.Name)
	assert.Equal(t, a2a.MeshURL(a2a.AgentRequestTopic(proxyNamespace, "helper")), card.URL)
	assert.True(t, card.Capabilities.Streaming)

	cached := f.proxy.Card("helper")
	require.NotNil(t, cached)
	assert.Equal(t, "helper", cached.Name)
}

func TestStreamingForwardRepublishesEvents(t *testing.T) {
	f := newProxyFixture(t)

	f.downstream.stream(t, "rpc-1", a2a.TaskStatusUpdateEvent{
		Kind:   a2a.EventKindStatusUpdate,
		TaskID: "downstream-renamed-id",
		Status: a2a.TaskStatus{State: a2a.TaskStateWorking},
	})
	f.downstream.stream(t, "rpc-1", a2a.Task{
		Kind:   a2a.EventKindTask,
		ID:     "downstream-renamed-id",
		Status: a2a.TaskStatus{State: a2a.TaskStateCompleted},
	})

	message := a2a.NewMessage(a2a.RoleUser, []a2a.Part{a2a.TextPart("hello")})
	message.TaskID = "task-1"
	message.ContextID = "sess-1"
	envelope, err := a2a.NewRequest("rpc-1", a2a.MethodMessageStream, a2a.MessageSendParams{Message: message})
	require.NoError(t, err)
	raw, err := json.Marshal(envelope)
	require.NoError(t, err)
	f.send(t, raw)

	status := parseResultEvent(t, f.waitFor(t, "test/ns/status", 1)[0])
	require.Equal(t, a2a.EventKindStatusUpdate, status.Kind)
	assert.Equal(t, "task-1", status.StatusUpdate.TaskID, "downstream rename must not leak")
	assert.Equal(t, a2a.TaskStateWorking, status.StatusUpdate.Status.State)

	final := parseResultEvent(t, f.waitFor(t, "test/ns/reply", 1)[0])
	require.Equal(t, a2a.EventKindTask, final.Kind)
	assert.Equal(t, "task-1", final.Task.ID)
	assert.Equal(t, a2a.TaskStateCompleted, final.Task.Status.State)
}

// A downstream stream that stays quiet longer than the request timeout must
// still complete: the timeout bounds the connect and header phases, not the
// lifetime of the stream.
func TestStreamOutlivesRequestTimeout(t *testing.T) {
	f := newProxyFixtureWithTimeout(t, 1)

	f.downstream.mu.Lock()
	f.downstream.frameDelay = 1200 * time.Millisecond
	f.downstream.mu.Unlock()
	f.downstream.stream(t, "rpc-1", a2a.Task{
		Kind:   a2a.EventKindTask,
		ID:     "task-1",
		Status: a2a.TaskStatus{State: a2a.TaskStateCompleted},
	})

	message := a2a.NewMessage(a2a.RoleUser, []a2a.Part{a2a.TextPart("take your time")})
	message.TaskID = "task-1"
	message.ContextID = "sess-1"
	envelope, err := a2a.NewRequest("rpc-1", a2a.MethodMessageStream, a2a.MessageSendParams{Message: message})
	require.NoError(t, err)
	raw, err := json.Marshal(envelope)
	require.NoError(t, err)
	f.send(t, raw)

	final := parseResultEvent(t, f.waitFor(t, "test/ns/reply", 1)[0])
	require.Equal(t, a2a.EventKindTask, final.Kind)
	assert.Equal(t, a2a.TaskStateCompleted, final.Task.Status.State)
}

func TestLegacyRequestGetsLegacyEvents(t *testing.T) {
	f := newProxyFixture(t)

	f.downstream.stream(t, "rpc-1", a2a.Task{
		Kind:      a2a.EventKindTask,
		ID:        "task-1",
		ContextID: "sess-1",
		Status:    a2a.TaskStatus{State: a2a.TaskStateCompleted},
	})

	legacy := []byte(`{
		"jsonrpc": "2.0",
		"id": "rpc-1",
		"method": "tasks/sendSubscribe",
		"params": {
			"id": "task-1",
			"sessionId": "sess-1",
			"message": {
				"role": "user",
				"parts": [{"type": "text", "text": "hello"}]
			}
		}
	}`)
	f.send(t, legacy)

	// The downstream received the modern dialect.
	require.Eventually(t, func() bool {
		f.downstream.mu.Lock()
		defer f.downstream.mu.Unlock()
		return len(f.downstream.requests) == 1
	}, 2*time.Second, 10*time.Millisecond)
	f.downstream.mu.Lock()
	assert.Equal(t, a2a.MethodMessageStream, f.downstream.requests[0].Method)
	f.downstream.mu.Unlock()

	// The mesh reply is translated back to the legacy dialect.
	reply := f.waitFor(t, "test/ns/reply", 1)[0]
	envelope, err := a2a.ParseResponse(reply.Payload)
	require.NoError(t, err)
	var raw map[string]any
	require.NoError(t, json.Unmarshal(envelope.Result, &raw))
	assert.Equal(t, "sess-1", raw["sessionId"])
	assert.NotContains(t, raw, "context_id")
}

func TestInlineBytesPersistedToStore(t *testing.T) {
	f := newProxyFixture(t)

	payload := []byte("generated report body")
	f.downstream.stream(t, "rpc-1", a2a.Task{
		Kind:      a2a.EventKindTask,
		ID:        "task-1",
		ContextID: "sess-1",
		Status:    a2a.TaskStatus{State: a2a.TaskStateCompleted},
		Artifacts: []a2a.Artifact{{
			ArtifactID: "art-1",
			Name:       "report",
			Parts: []a2a.Part{a2a.FilePart(a2a.FileContent{
				Name:     "report.md",
				MimeType: "text/markdown",
				Bytes:    base64.StdEncoding.EncodeToString(payload),
			})},
		}},
	})

	message := a2a.NewMessage(a2a.RoleUser, []a2a.Part{a2a.TextPart("write a report")})
	message.TaskID = "task-1"
	message.ContextID = "sess-1"
	envelope, err := a2a.NewRequest("rpc-1", a2a.MethodMessageStream, a2a.MessageSendParams{Message: message})
	require.NoError(t, err)
	raw, err := json.Marshal(envelope)
	require.NoError(t, err)
	f.send(t, raw)

	final := parseResultEvent(t, f.waitFor(t, "test/ns/reply", 1)[0])
	require.Equal(t, a2a.EventKindTask, final.Kind)
	require.Len(t, final.Task.Artifacts, 1)
	part := final.Task.Artifacts[0].Parts[0]
	require.NotNil(t, part.File)
	assert.Empty(t, part.File.Bytes, "inline bytes must be stripped")
	require.NotEmpty(t, part.File.URI)

	uri, err := artifacts.ParseURI(part.File.URI)
	require.NoError(t, err)
	stored, err := f.store.Load(context.Background(), uri)
	require.NoError(t, err)
	assert.Equal(t, payload, stored)
}

func TestBareMessageWrappedAsTerminalTask(t *testing.T) {
	f := newProxyFixture(t)

	answer := a2a.NewMessage(a2a.RoleModel, []a2a.Part{a2a.TextPart("42")})
	answer.Kind = a2a.EventKindMessage
	f.downstream.reply(t, "rpc-1", answer)

	message := a2a.NewMessage(a2a.RoleUser, []a2a.Part{a2a.TextPart("meaning of life?")})
	message.TaskID = "task-1"
	message.ContextID = "sess-1"
	envelope, err := a2a.NewRequest("rpc-1", a2a.MethodMessageSend, a2a.MessageSendParams{Message: message})
	require.NoError(t, err)
	raw, err := json.Marshal(envelope)
	require.NoError(t, err)
	f.send(t, raw)

	final := parseResultEvent(t, f.waitFor(t, "test/ns/reply", 1)[0])
	require.Equal(t, a2a.EventKindTask, final.Kind)
	assert.Equal(t, "task-1", final.Task.ID)
	assert.Equal(t, a2a.TaskStateCompleted, final.Task.Status.State)
	require.NotNil(t, final.Task.Status.Message)
	assert.Equal(t, "42", final.Task.Status.Message.TextContent())
}

func TestUnsupportedMethodAnsweredWithError(t *testing.T) {
	f := newProxyFixture(t)

	envelope, err := a2a.NewRequest("rpc-1", "tasks/resubscribe", map[string]any{"id": "task-1"})
	require.NoError(t, err)
	raw, err := json.Marshal(envelope)
	require.NoError(t, err)
	f.send(t, raw)

	reply := f.waitFor(t, "test/ns/reply", 1)[0]
	resp, err := a2a.ParseResponse(reply.Payload)
	require.NoError(t, err)
	require.NotNil(t, resp.Error)
	assert.Equal(t, a2a.CodeInvalidRequest, resp.Error.Code)
	assert.Contains(t, resp.Error.Message, "tasks/resubscribe")
}
