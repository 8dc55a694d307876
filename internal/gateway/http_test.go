package gateway

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agentmesh/agentmesh/internal/common/config"
	"github.com/agentmesh/agentmesh/internal/common/logger"
	"github.com/agentmesh/agentmesh/internal/mesh"
	"github.com/agentmesh/agentmesh/pkg/a2a"
)

type httpFixture struct {
	*serviceFixture
	ts *httptest.Server
}

func newHTTPFixture(t *testing.T) *httpFixture {
	t.Helper()
	f := newServiceFixture(t)

	shares := NewShareStore(f.pool)
	require.NoError(t, shares.EnsureSchema(context.Background()))

	h := NewHTTPServer(
		config.GatewayConfig{ID: "gw-test", SSEKeepalive: 1},
		config.ServerConfig{MaxMessageBytes: 1 << 20},
		config.AuthConfig{Mode: "none"},
		"testapp", f.service, f.buffer, f.sessions, shares, f.store, logger.Default())

	ts := httptest.NewServer(h.Router())
	t.Cleanup(ts.Close)

	return &httpFixture{serviceFixture: f, ts: ts}
}

func (f *httpFixture) post(t *testing.T, path, body string) *http.Response {
	t.Helper()
	req, err := http.NewRequest(http.MethodPost, f.ts.URL+path, strings.NewReader(body))
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-User-Id", "user-1")
	resp, err := f.ts.Client().Do(req)
	require.NoError(t, err)
	return resp
}

func submitBody(method string) string {
	return fmt.Sprintf(`{"jsonrpc":"2.0","id":"rpc-1","method":%q,"params":{"agent_name":"planner","message":{"role":"user","parts":[{"kind":"text","text":"hi"}],"context_id":"sess-1"}}}`, method)
}

// The two message verbs share one gin route because gin treats the
// mid-segment colon as a wildcard. Mounting the full router and hitting
// both URLs keeps the registration honest.
func TestRouterServesBothMessageVerbs(t *testing.T) {
	f := newHTTPFixture(t)

	for _, method := range []string{a2a.MethodMessageStream, a2a.MethodMessageSend} {
		suffix := ":send"
		if method == a2a.MethodMessageStream {
			suffix = ":stream"
		}
		resp := f.post(t, "/api/v1/message"+suffix, submitBody(method))
		require.Equal(t, http.StatusOK, resp.StatusCode, "POST message%s", suffix)

		var envelope struct {
			Result struct {
				ID string `json:"id"`
			} `json:"result"`
		}
		require.NoError(t, json.NewDecoder(resp.Body).Decode(&envelope))
		resp.Body.Close()
		assert.NotEmpty(t, envelope.Result.ID)
	}

	resp := f.post(t, "/api/v1/message:bogus", submitBody(a2a.MethodMessageSend))
	resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func (f *httpFixture) get(t *testing.T, path string) *http.Response {
	t.Helper()
	req, err := http.NewRequest(http.MethodGet, f.ts.URL+path, nil)
	require.NoError(t, err)
	req.Header.Set("X-User-Id", "user-1")
	client := &http.Client{Timeout: 5 * time.Second}
	resp, err := client.Do(req)
	require.NoError(t, err)
	return resp
}

// readSSE drains the stream until the server closes it and returns the raw
// transcript. The client timeout turns a stuck stream into a test failure.
func readSSE(t *testing.T, resp *http.Response) string {
	t.Helper()
	defer resp.Body.Close()
	var sb strings.Builder
	scanner := bufio.NewScanner(resp.Body)
	for scanner.Scan() {
		sb.WriteString(scanner.Text())
		sb.WriteString("\n")
	}
	return sb.String()
}

func TestSSEClosesAfterErrorEnvelope(t *testing.T) {
	f := newHTTPFixture(t)
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

	// The error envelope is the task's last word: the stream must replay it
	// and end rather than wait for a task event that will never come.
	resp := f.get(t, "/api/v1/sse/subscribe/"+taskID)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	transcript := readSSE(t, resp)
	assert.Contains(t, transcript, "event: error")
	assert.Contains(t, transcript, "agent exploded")
}

func TestSessionSSEResumesRunningTaskWithoutPendingEvents(t *testing.T) {
	f := newHTTPFixture(t)
	taskID, request := f.submit(t)
	statusTopic := request.Property(a2a.UserPropStatusTopic)
	replyTopic := request.Property(a2a.UserPropReplyTo)

	msg := a2a.NewMessage(a2a.RoleModel, []a2a.Part{a2a.TextPart("working")})
	f.publishEvent(t, statusTopic, taskID, a2a.TaskStatusUpdateEvent{
		Kind:   a2a.EventKindStatusUpdate,
		TaskID: taskID,
		Status: a2a.TaskStatus{State: a2a.TaskStateWorking, Message: &msg},
	})
	require.Eventually(t, func() bool {
		has, err := f.buffer.HasUnconsumedEvents(context.Background(), taskID)
		return err == nil && has
	}, 2*time.Second, 10*time.Millisecond)

	// A previous connection already consumed everything; the task itself is
	// still running and must get live delivery on the session stream.
	require.NoError(t, f.buffer.MarkEventsConsumed(context.Background(), taskID, 1))

	type result struct {
		transcript string
		status     int
		err        error
	}
	done := make(chan result, 1)
	req, err := http.NewRequest(http.MethodGet, f.ts.URL+"/api/v1/sse/sessions/sess-1", nil)
	require.NoError(t, err)
	req.Header.Set("X-User-Id", "user-1")
	go func() {
		client := &http.Client{Timeout: 5 * time.Second}
		resp, err := client.Do(req)
		if err != nil {
			done <- result{err: err}
			return
		}
		done <- result{transcript: readSSE(t, resp), status: resp.StatusCode}
	}()

	// The handler joins the hub before the terminal event goes out.
	require.Eventually(t, func() bool {
		return f.service.Hub().Subscribers(taskID) >= 1
	}, 2*time.Second, 10*time.Millisecond)

	f.publishEvent(t, replyTopic, taskID, a2a.Task{
		Kind:   a2a.EventKindTask,
		ID:     taskID,
		Status: a2a.TaskStatus{State: a2a.TaskStateCompleted},
	})

	select {
	case r := <-done:
		require.NoError(t, r.err)
		require.Equal(t, http.StatusOK, r.status)
		assert.Contains(t, r.transcript, "event: task")
		assert.Contains(t, r.transcript, a2a.TaskStateCompleted)
	case <-time.After(4 * time.Second):
		t.Fatal("session stream did not deliver the terminal event")
	}
}
