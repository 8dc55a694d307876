// Package mesh provides the event-mesh transport abstraction: publish and
// subscribe on namespaced topics, with NATS and in-memory implementations.
//
// Topics use "/" separators (see pkg/a2a topic builders); each implementation
// maps them onto its native subject form. Messages carry opaque payload bytes
// (a JSON-RPC envelope) plus user-properties such as replyTo and
// a2aStatusTopic.
package mesh

import (
	"context"
	"strings"

	"github.com/google/uuid"
)

// Message is one delivery on the mesh.
type Message struct {
	ID             string            `json:"id"`
	Topic          string            `json:"topic"`
	UserProperties map[string]string `json:"user_properties,omitempty"`
	Payload        []byte            `json:"payload"`
}

// NewMessage builds a message with a fresh id.
func NewMessage(topic string, payload []byte, props map[string]string) *Message {
	return &Message{
		ID:             uuid.New().String(),
		Topic:          topic,
		UserProperties: props,
		Payload:        payload,
	}
}

// Property returns a user-property value, or "" when absent.
func (m *Message) Property(key string) string {
	if m.UserProperties == nil {
		return ""
	}
	return m.UserProperties[key]
}

// Handler processes one delivered message. A returned error is the negative
// acknowledgement: the bus logs it, and transports that support redelivery
// may redeliver.
type Handler func(ctx context.Context, msg *Message) error

// Subscription represents an active subscription.
type Subscription interface {
	Unsubscribe() error
	IsValid() bool
}

// Bus is the mesh transport interface.
type Bus interface {
	// Publish sends a message to its topic.
	Publish(ctx context.Context, msg *Message) error

	// Subscribe creates a subscription to a topic pattern. Patterns use
	// "*" for one segment and ">" for the remaining segments.
	Subscribe(topic string, handler Handler) (Subscription, error)

	// QueueSubscribe creates a load-balanced subscription: one member of
	// the queue group receives each message.
	QueueSubscribe(topic, queue string, handler Handler) (Subscription, error)

	// Close closes the connection.
	Close()

	// IsConnected returns connection status.
	IsConnected() bool
}

// toSubject maps a "/"-separated topic onto a dotted subject. Topic segments
// must not contain dots; config validation enforces this for the namespace.
func toSubject(topic string) string {
	return strings.ReplaceAll(topic, "/", ".")
}

// fromSubject maps a dotted subject back to topic form.
func fromSubject(subject string) string {
	return strings.ReplaceAll(subject, ".", "/")
}
