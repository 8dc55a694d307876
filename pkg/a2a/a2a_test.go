package a2a

import (
	"encoding/json"
	"testing"
)

func TestTopicShapes(t *testing.T) {
	ns := "acme/prod"

	if got := AgentRequestTopic(ns, "planner"); got != "acme/prod/a2a/v1/agent/request/planner" {
		t.Errorf("unexpected request topic %q", got)
	}
	if got := AgentStatusTopic(ns, "planner", "task-1"); got != "acme/prod/a2a/v1/agent/status/planner/task-1" {
		t.Errorf("unexpected status topic %q", got)
	}
	if got := GatewayStatusWildcard(ns, "gw-1"); got != "acme/prod/a2a/v1/gateway/status/gw-1/*" {
		t.Errorf("unexpected gateway wildcard %q", got)
	}
	if got := RegistrationTopic(ns, "planner"); got != "acme/prod/solace-agent-mesh/v1/register/agent/planner" {
		t.Errorf("unexpected registration topic %q", got)
	}
	if got := DeployerHeartbeatTopic(ns); got != "acme/prod/deployer/heartbeat" {
		t.Errorf("unexpected heartbeat topic %q", got)
	}
}

func TestTopicTail(t *testing.T) {
	if got := TopicTail("ns/a2a/v1/gateway/response/gw/task-42"); got != "task-42" {
		t.Errorf("expected task-42, got %q", got)
	}
	if got := TopicTail("bare"); got != "bare" {
		t.Errorf("expected bare, got %q", got)
	}
}

func TestParseRequestValidation(t *testing.T) {
	if _, err := ParseRequest([]byte(`{not json`)); err == nil {
		t.Fatal("expected parse error")
	}
	if _, err := ParseRequest([]byte(`{"jsonrpc":"1.0","method":"message/send"}`)); err == nil {
		t.Fatal("expected version error")
	}
	if _, err := ParseRequest([]byte(`{"jsonrpc":"2.0"}`)); err == nil {
		t.Fatal("expected missing-method error")
	}

	req, err := ParseRequest([]byte(`{"jsonrpc":"2.0","id":7,"method":"message/send","params":{"message":{"role":"user","parts":[{"kind":"text","text":"hi"}],"message_id":"m1"}}}`))
	if err != nil {
		t.Fatalf("ParseRequest failed: %v", err)
	}
	params, err := req.SendParams()
	if err != nil {
		t.Fatalf("SendParams failed: %v", err)
	}
	if params.Message.TextContent() != "hi" {
		t.Errorf("unexpected message text %q", params.Message.TextContent())
	}
}

func TestSendParamsRequiresParts(t *testing.T) {
	req, err := ParseRequest([]byte(`{"jsonrpc":"2.0","id":1,"method":"message/send","params":{"message":{"role":"user","parts":[],"message_id":"m1"}}}`))
	if err != nil {
		t.Fatalf("ParseRequest failed: %v", err)
	}
	if _, err := req.SendParams(); err == nil {
		t.Fatal("expected empty-parts error")
	}
}

func TestParseEventDiscrimination(t *testing.T) {
	cases := []struct {
		name string
		raw  string
		kind string
	}{
		{"task", `{"kind":"task","id":"t1","status":{"state":"completed"}}`, EventKindTask},
		{"status", `{"kind":"status-update","task_id":"t1","status":{"state":"working"},"final":false}`, EventKindStatusUpdate},
		{"artifact", `{"kind":"artifact-update","task_id":"t1","artifact":{"artifact_id":"a1","parts":[]}}`, EventKindArtifactUpdate},
		{"message", `{"kind":"message","role":"model","parts":[{"kind":"text","text":"x"}],"message_id":"m1"}`, EventKindMessage},
		{"bare message", `{"role":"model","parts":[{"kind":"text","text":"x"}],"message_id":"m1"}`, EventKindMessage},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			event, err := ParseEvent(json.RawMessage(tc.raw))
			if err != nil {
				t.Fatalf("ParseEvent failed: %v", err)
			}
			if event.Kind != tc.kind {
				t.Errorf("expected kind %q, got %q", tc.kind, event.Kind)
			}
		})
	}
}

func TestIsTerminalState(t *testing.T) {
	for _, state := range []string{TaskStateCompleted, TaskStateFailed, TaskStateCanceled} {
		if !IsTerminalState(state) {
			t.Errorf("%s should be terminal", state)
		}
	}
	for _, state := range []string{TaskStateSubmitted, TaskStateWorking, ""} {
		if IsTerminalState(state) {
			t.Errorf("%s should not be terminal", state)
		}
	}
}

func TestNewMessageAssignsID(t *testing.T) {
	first := NewMessage(RoleUser, []Part{TextPart("a")})
	second := NewMessage(RoleUser, []Part{TextPart("b")})
	if first.MessageID == "" || first.MessageID == second.MessageID {
		t.Error("expected distinct non-empty message ids")
	}
}

func TestErrorResponseRoundTrip(t *testing.T) {
	resp := NewErrorResponse(3, CodeInvalidParams, "bad params")
	raw, err := json.Marshal(resp)
	if err != nil {
		t.Fatalf("marshal failed: %v", err)
	}
	parsed, err := ParseResponse(raw)
	if err != nil {
		t.Fatalf("ParseResponse failed: %v", err)
	}
	if parsed.Error == nil || parsed.Error.Code != CodeInvalidParams {
		t.Errorf("expected error code %d, got %+v", CodeInvalidParams, parsed.Error)
	}
}
