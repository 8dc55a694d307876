package a2a

import "strings"

// User-property keys carried on mesh messages.
const (
	UserPropReplyTo     = "replyTo"
	UserPropStatusTopic = "a2aStatusTopic"
	UserPropUserID      = "userId"
	UserPropSessionID   = "sessionId"
	UserPropClientID    = "clientId"
)

// Topic shapes. All topics are prefixed by the configured namespace and use
// "/" separators; the mesh layer maps them onto transport subjects.

// AgentRequestTopic is where an agent (or proxy) receives A2A requests.
func AgentRequestTopic(namespace, agentName string) string {
	return namespace + "/a2a/v1/agent/request/" + agentName
}

// AgentRequestWildcard subscribes to requests for every agent in the namespace.
func AgentRequestWildcard(namespace string) string {
	return namespace + "/a2a/v1/agent/request/*"
}

// AgentStatusTopic is where an agent publishes streaming status for a task.
func AgentStatusTopic(namespace, agentName, taskID string) string {
	return namespace + "/a2a/v1/agent/status/" + agentName + "/" + taskID
}

// GatewayStatusTopic is the gateway-owned topic advertised via the
// a2aStatusTopic user-property for intermediate events.
func GatewayStatusTopic(namespace, gatewayID, taskID string) string {
	return namespace + "/a2a/v1/gateway/status/" + gatewayID + "/" + taskID
}

// GatewayStatusWildcard subscribes to every status topic owned by a gateway.
func GatewayStatusWildcard(namespace, gatewayID string) string {
	return namespace + "/a2a/v1/gateway/status/" + gatewayID + "/*"
}

// GatewayResponseTopic is the gateway-owned topic advertised via the replyTo
// user-property for the final task response.
func GatewayResponseTopic(namespace, gatewayID, taskID string) string {
	return namespace + "/a2a/v1/gateway/response/" + gatewayID + "/" + taskID
}

// GatewayResponseWildcard subscribes to every reply topic owned by a gateway.
func GatewayResponseWildcard(namespace, gatewayID string) string {
	return namespace + "/a2a/v1/gateway/response/" + gatewayID + "/*"
}

// DiscoveryTopic is where agent cards are published.
func DiscoveryTopic(namespace string) string {
	return namespace + "/a2a/v1/discovery/agents"
}

// RegistrationTopic is the legacy per-agent registration topic.
func RegistrationTopic(namespace, agentName string) string {
	return namespace + "/solace-agent-mesh/v1/register/agent/" + agentName
}

// DeployerHeartbeatTopic carries periodic liveness beats for deployments.
func DeployerHeartbeatTopic(namespace string) string {
	return namespace + "/deployer/heartbeat"
}

// TopicTail returns the last segment of a topic (e.g. the agent name of a
// request topic or the task id of a status topic).
func TopicTail(topic string) string {
	idx := strings.LastIndex(topic, "/")
	if idx < 0 {
		return topic
	}
	return topic[idx+1:]
}

// MeshURL renders a topic as a mesh-scheme URL, used when rewriting a
// discovered card's url to point at the per-agent request topic.
func MeshURL(topic string) string {
	return "mesh://" + topic
}
